// Package assembler turns one streamed assistant reply into a sequence of
// patches on a single placeholder message in the conversation log.
package assembler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"strings"
	"time"

	"github.com/zulandar/chatline/internal/logstore"
	"github.com/zulandar/chatline/internal/models"
	"github.com/zulandar/chatline/internal/stream"
	"gorm.io/datatypes"
)

// Default configuration values for Assembler.
const (
	DefaultBatchWindow       = 50 * time.Millisecond
	DefaultFinalPatchRetries = 3
	DefaultRetryBackoff      = 100 * time.Millisecond
)

// Assembler drives a token stream source and persists its reply.
type Assembler struct {
	store        logstore.Store
	source       stream.Source
	batchWindow  time.Duration
	retries      int
	backoff      time.Duration
	systemPrompt string
	maxTokens    int
}

// Opts holds parameters for creating an Assembler.
type Opts struct {
	Store  logstore.Store
	Source stream.Source

	// BatchWindow coalesces chunks arriving within the window into one
	// patch. Zero patches every chunk.
	BatchWindow time.Duration

	FinalPatchRetries int           // defaults to DefaultFinalPatchRetries; negative disables retries
	RetryBackoff      time.Duration // first retry delay, doubled each attempt
	SystemPrompt      string
	MaxTokens         int
}

// New creates an Assembler.
func New(opts Opts) (*Assembler, error) {
	if opts.Store == nil {
		return nil, fmt.Errorf("assembler: store is required")
	}
	if opts.Source == nil {
		return nil, fmt.Errorf("assembler: source is required")
	}
	if opts.BatchWindow < 0 {
		opts.BatchWindow = 0
	}
	retries := opts.FinalPatchRetries
	if retries == 0 {
		retries = DefaultFinalPatchRetries
	}
	if retries < 0 {
		retries = 0
	}
	backoff := opts.RetryBackoff
	if backoff <= 0 {
		backoff = DefaultRetryBackoff
	}
	return &Assembler{
		store:        opts.Store,
		source:       opts.Source,
		batchWindow:  opts.BatchWindow,
		retries:      retries,
		backoff:      backoff,
		systemPrompt: opts.SystemPrompt,
		maxTokens:    opts.MaxTokens,
	}, nil
}

// Input is one user turn.
type Input struct {
	Text  string
	Image *models.ImageRef
}

// Result reports what a turn wrote.
type Result struct {
	User          models.Message
	Assistant     models.Message
	Chunks        int
	Patches       int
	FailedPatches int
	Usage         *stream.Usage
	NoDone        bool
}

// AppendUser appends the user message. Nothing else is written when it
// fails.
func (a *Assembler) AppendUser(ctx context.Context, conversationID string, in Input) (models.Message, error) {
	msg, err := a.store.Append(ctx, conversationID, logstore.NewMessage{
		Role:    models.RoleUser,
		Content: in.Text,
		Image:   in.Image,
	})
	if err != nil {
		return models.Message{}, fmt.Errorf("assembler: append user message: %w", err)
	}
	return msg, nil
}

// Run appends the user message and then generates the reply.
func (a *Assembler) Run(ctx context.Context, conversationID string, history []models.Message, in Input) (Result, error) {
	user, err := a.AppendUser(ctx, conversationID, in)
	if err != nil {
		return Result{}, err
	}
	res, err := a.Generate(ctx, conversationID, history, in)
	res.User = user
	return res, err
}

// History converts stored messages into model context. Messages still
// streaming are left out.
func History(msgs []models.Message) []stream.Turn {
	turns := make([]stream.Turn, 0, len(msgs))
	for _, m := range msgs {
		if m.Streaming {
			continue
		}
		turns = append(turns, stream.Turn{Role: m.Role, Content: m.Content})
	}
	return turns
}

type pumped struct {
	delta stream.Delta
	err   error
}

// Generate appends the streaming placeholder, pulls the reply from the
// source and patches the placeholder until the final patch sets
// streaming=false. history is the conversation before the user turn.
//
// The stream is never cancelled by ctx; a caller that stops waiting does
// not stop the reply.
func (a *Assembler) Generate(ctx context.Context, conversationID string, history []models.Message, in Input) (Result, error) {
	ctx = context.WithoutCancel(ctx)

	placeholder, err := a.store.Append(ctx, conversationID, logstore.NewMessage{
		Role:      models.RoleAssistant,
		Streaming: true,
	})
	if err != nil {
		return Result{}, fmt.Errorf("assembler: append placeholder: %w", err)
	}
	res := Result{Assistant: placeholder}

	req := stream.Request{
		History:      History(history),
		Text:         in.Text,
		SystemPrompt: a.systemPrompt,
		MaxTokens:    a.maxTokens,
	}
	if in.Image != nil {
		req.Image = &stream.Image{URL: in.Image.URL, MediaType: in.Image.Type}
	}

	s, err := a.source.Open(ctx, req)
	if err != nil {
		log.Printf("assembler: open stream for %s failed: %v", placeholder.ID, err)
		return res, fmt.Errorf("assembler: open stream: %w", err)
	}
	defer s.Close()

	deltas := make(chan pumped, 64)
	go func() {
		defer close(deltas)
		for {
			d, err := s.Next(ctx)
			deltas <- pumped{delta: d, err: err}
			if err != nil || d.Kind == stream.KindDone {
				return
			}
		}
	}()

	var (
		acc     strings.Builder
		written int
		timer   *time.Timer
		timerC  <-chan time.Time
	)
	stopTimer := func() {
		if timer != nil {
			timer.Stop()
			timer, timerC = nil, nil
		}
	}
	defer stopTimer()

	flush := func() {
		if acc.Len() == written {
			return
		}
		content := acc.String()
		written = len(content)
		res.Patches++
		if err := a.store.Patch(ctx, conversationID, placeholder.ID, logstore.MessagePatch{
			Content:   &content,
			Streaming: logstore.Bool(true),
		}); err != nil {
			res.FailedPatches++
			log.Printf("assembler: patch %s failed: %v", placeholder.ID, err)
		}
	}

	for {
		select {
		case <-timerC:
			timer, timerC = nil, nil
			flush()

		case p, ok := <-deltas:
			if !ok {
				p = pumped{err: io.EOF}
			}
			if errors.Is(p.err, io.EOF) {
				stopTimer()
				res.NoDone = true
				log.Printf("assembler: %v [message=%s]", stream.ErrNoDone, placeholder.ID)
				return a.finish(ctx, conversationID, res, stream.Done("", "", nil), acc.String())
			}
			if p.err != nil {
				stopTimer()
				flush()
				res.Assistant.Content = acc.String()
				log.Printf("assembler: stream for %s failed after %d chunks: %v", placeholder.ID, res.Chunks, p.err)
				return res, fmt.Errorf("assembler: stream: %w", p.err)
			}

			switch p.delta.Kind {
			case stream.KindChunk:
				res.Chunks++
				acc.WriteString(p.delta.Text)
				if a.batchWindow == 0 {
					flush()
				} else if timer == nil {
					timer = time.NewTimer(a.batchWindow)
					timerC = timer.C
				}
			case stream.KindDone:
				stopTimer()
				return a.finish(ctx, conversationID, res, p.delta, acc.String())
			}
		}
	}
}

// finish writes the final patch, retrying with exponential backoff. It is
// attempted regardless of how many intermediate patches failed.
func (a *Assembler) finish(ctx context.Context, conversationID string, res Result, done stream.Delta, accumulated string) (Result, error) {
	content := done.Content
	if content == "" {
		content = accumulated
	}
	patch := logstore.MessagePatch{
		Content:   &content,
		Streaming: logstore.Bool(false),
	}
	if done.Thinking != "" {
		patch.Thinking = &done.Thinking
	}
	if done.Usage != nil {
		raw, err := json.Marshal(done.Usage)
		if err == nil {
			patch.Usage = datatypes.JSON(raw)
		}
	}

	id := res.Assistant.ID
	var err error
	delay := a.backoff
	for attempt := 0; attempt <= a.retries; attempt++ {
		if attempt > 0 {
			time.Sleep(delay)
			delay *= 2
		}
		if err = a.store.Patch(ctx, conversationID, id, patch); err == nil {
			break
		}
		log.Printf("assembler: final patch %s attempt %d failed: %v", id, attempt+1, err)
	}

	res.Assistant.Content = content
	res.Usage = done.Usage
	if err != nil {
		return res, fmt.Errorf("assembler: final patch: %w", err)
	}
	res.Assistant.Streaming = false
	res.Assistant.Thinking = done.Thinking
	res.Assistant.Usage = patch.Usage
	log.Printf("assembler: reply %s finished [chunks=%d patches=%d failed=%d]", id, res.Chunks, res.Patches, res.FailedPatches)
	return res, nil
}
