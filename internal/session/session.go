// Package session tracks a client's active conversation and routes its
// sends, creating the conversation on the first send.
package session

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"
	"unicode/utf8"

	"github.com/zulandar/chatline/internal/assembler"
	"github.com/zulandar/chatline/internal/logstore"
	"github.com/zulandar/chatline/internal/mirror"
	"github.com/zulandar/chatline/internal/models"
	"golang.org/x/sync/singleflight"
)

// ErrEmptyInput is returned by Send when there is neither text nor image.
var ErrEmptyInput = errors.New("session: empty input")

// Title defaults.
const (
	DefaultTitleMaxLen   = 40
	DefaultTitleEllipsis = "..."
	DefaultTitle         = "New Chat"
)

// Input is one user turn.
type Input = assembler.Input

// SendResult reports where a send landed. Assistant is zero when the reply
// is still generating in the background.
type SendResult struct {
	ConversationID string
	Created        bool
	User           models.Message
	Assistant      models.Message

	// Done receives the outcome of the reply once it is final and is then
	// closed. It is nil when the send failed before the turn started.
	Done <-chan error
}

// Controller owns one client's active conversation.
type Controller struct {
	store     logstore.Store
	assembler *assembler.Assembler
	owner     string
	turns     *Turns
	mirror    mirror.Publisher

	titleMaxLen   int
	titleEllipsis string
	defaultTitle  string

	mu     sync.Mutex
	active string
	gen    uint64

	group singleflight.Group
	wg    sync.WaitGroup
}

// Opts holds parameters for creating a Controller.
type Opts struct {
	Store     logstore.Store
	Assembler *assembler.Assembler
	Owner     string

	// Turns is shared between controllers of one process. Nil gives the
	// controller its own table.
	Turns *Turns

	// Mirror receives every completed turn. Optional.
	Mirror mirror.Publisher

	TitleMaxLen   int    // defaults to DefaultTitleMaxLen
	TitleEllipsis string // defaults to DefaultTitleEllipsis
	DefaultTitle  string // defaults to DefaultTitle
}

// New creates a Controller with no active conversation.
func New(opts Opts) (*Controller, error) {
	if opts.Store == nil {
		return nil, fmt.Errorf("session: store is required")
	}
	if opts.Assembler == nil {
		return nil, fmt.Errorf("session: assembler is required")
	}
	if opts.Owner == "" {
		return nil, fmt.Errorf("session: owner is required")
	}
	c := &Controller{
		store:         opts.Store,
		assembler:     opts.Assembler,
		owner:         opts.Owner,
		turns:         opts.Turns,
		mirror:        opts.Mirror,
		titleMaxLen:   opts.TitleMaxLen,
		titleEllipsis: opts.TitleEllipsis,
		defaultTitle:  opts.DefaultTitle,
	}
	if c.turns == nil {
		c.turns = NewTurns()
	}
	if c.titleMaxLen <= 0 {
		c.titleMaxLen = DefaultTitleMaxLen
	}
	if c.titleEllipsis == "" {
		c.titleEllipsis = DefaultTitleEllipsis
	}
	if c.defaultTitle == "" {
		c.defaultTitle = DefaultTitle
	}
	return c, nil
}

// Owner returns the owner conversations are created for.
func (c *Controller) Owner() string { return c.owner }

// Active returns the active conversation id, or "" if there is none.
func (c *Controller) Active() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.active
}

// Select makes an existing conversation active. A create still in flight
// finishes and keeps the sends that joined it, but does not become active.
func (c *Controller) Select(conversationID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.gen++
	c.active = conversationID
}

// NewChat clears the active conversation so the next send creates one.
func (c *Controller) NewChat() {
	c.Select("")
}

// Wait blocks until background generations and mirror posts started by
// this controller have finished.
func (c *Controller) Wait() {
	c.wg.Wait()
}

// Title derives a conversation title from the first user text.
func (c *Controller) Title(text string) string {
	return Title(text, c.titleMaxLen, c.titleEllipsis, c.defaultTitle)
}

// Title collapses whitespace in text and truncates it to max runes plus
// ellipsis. Blank text yields fallback.
func Title(text string, max int, ellipsis, fallback string) string {
	t := strings.Join(strings.Fields(text), " ")
	if t == "" {
		return fallback
	}
	if max > 0 && utf8.RuneCountInString(t) > max {
		r := []rune(t)
		t = strings.TrimRight(string(r[:max]), " ") + ellipsis
	}
	return t
}

// Send delivers one user turn. With no active conversation, one is created
// and the call returns as soon as the user message is stored while the
// reply generates in the background. Otherwise Send waits for the whole
// turn, after any turn already in progress on the conversation.
func (c *Controller) Send(ctx context.Context, in Input) (SendResult, error) {
	return c.send(ctx, in, false)
}

// Start is Send that always returns once the user message is stored. The
// reply's outcome arrives on the result's Done channel.
func (c *Controller) Start(ctx context.Context, in Input) (SendResult, error) {
	return c.send(ctx, in, true)
}

func (c *Controller) send(ctx context.Context, in Input, detach bool) (SendResult, error) {
	if strings.TrimSpace(in.Text) == "" && in.Image == nil {
		return SendResult{}, ErrEmptyInput
	}

	c.mu.Lock()
	active, gen := c.active, c.gen
	c.mu.Unlock()
	if active != "" {
		return c.sendExisting(ctx, active, in, detach)
	}

	// Sends racing on an empty slot share one create; only the caller whose
	// function creates starts the turn inside it.
	title := c.Title(in.Text)
	var (
		leader  bool
		release func()
	)
	v, err, _ := c.group.Do(fmt.Sprintf("slot-%d", gen), func() (any, error) {
		c.mu.Lock()
		if c.gen == gen && c.active != "" {
			id := c.active
			c.mu.Unlock()
			return id, nil
		}
		c.mu.Unlock()
		leader = true
		return c.create(context.WithoutCancel(ctx), gen, title, &release)
	})
	if err != nil {
		return SendResult{}, err
	}
	conversationID := v.(string)
	if !leader {
		return c.sendExisting(ctx, conversationID, in, detach)
	}
	return c.startNew(ctx, gen, conversationID, in, release)
}

// create writes the conversation and takes its turn lock before any joined
// sender can.
func (c *Controller) create(ctx context.Context, gen uint64, title string, release *func()) (string, error) {
	conv, err := c.store.CreateConversation(ctx, c.owner, title)
	if err != nil {
		return "", fmt.Errorf("session: create conversation: %w", err)
	}
	rel, err := c.turns.Acquire(ctx, conv.ID)
	if err != nil {
		return "", fmt.Errorf("session: lock %s: %w", conv.ID, err)
	}
	*release = rel

	c.mu.Lock()
	if c.gen == gen && c.active == "" {
		c.active = conv.ID
	} else {
		log.Printf("session: created %s after the slot moved on, not activating", conv.ID)
	}
	c.mu.Unlock()
	log.Printf("session: created conversation %s [owner=%s title=%q]", conv.ID, c.owner, title)
	return conv.ID, nil
}

func (c *Controller) startNew(ctx context.Context, gen uint64, conversationID string, in Input, release func()) (SendResult, error) {
	user, err := c.assembler.AppendUser(ctx, conversationID, in)
	if err != nil {
		c.abandon(gen, conversationID)
		release()
		return SendResult{}, err
	}
	return SendResult{
		ConversationID: conversationID,
		Created:        true,
		User:           user,
		Done:           c.generate(ctx, conversationID, nil, in, release),
	}, nil
}

// abandon deletes a conversation whose first message could not be stored
// and clears it from the slot unless the client has moved on.
func (c *Controller) abandon(gen uint64, conversationID string) {
	c.mu.Lock()
	if c.gen == gen && c.active == conversationID {
		c.active = ""
	}
	c.mu.Unlock()
	if err := c.store.DeleteConversation(context.Background(), conversationID); err != nil {
		log.Printf("session: delete abandoned conversation %s: %v", conversationID, err)
		return
	}
	log.Printf("session: abandoned conversation %s", conversationID)
}

func (c *Controller) sendExisting(ctx context.Context, conversationID string, in Input, detach bool) (SendResult, error) {
	release, err := c.turns.Acquire(ctx, conversationID)
	if err != nil {
		return SendResult{ConversationID: conversationID}, fmt.Errorf("session: wait for turn in %s: %w", conversationID, err)
	}

	history, err := c.store.ListMessages(ctx, conversationID)
	if err != nil {
		release()
		return SendResult{ConversationID: conversationID}, fmt.Errorf("session: load history: %w", err)
	}
	if detach {
		user, err := c.assembler.AppendUser(ctx, conversationID, in)
		if err != nil {
			release()
			return SendResult{ConversationID: conversationID}, err
		}
		return SendResult{
			ConversationID: conversationID,
			User:           user,
			Done:           c.generate(ctx, conversationID, history, in, release),
		}, nil
	}

	defer release()
	res, err := c.assembler.Run(ctx, conversationID, history, in)
	out := SendResult{ConversationID: conversationID, User: res.User, Assistant: res.Assistant, Done: finished(err)}
	if err != nil {
		return out, err
	}
	c.publish(conversationID, in, res.Assistant.Content)
	return out, nil
}

// generate streams the reply in the background, holding the turn until it
// is final.
func (c *Controller) generate(ctx context.Context, conversationID string, history []models.Message, in Input, release func()) <-chan error {
	done := make(chan error, 1)
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		defer close(done)
		res, err := c.assembler.Generate(context.WithoutCancel(ctx), conversationID, history, in)
		release()
		if err != nil {
			log.Printf("session: background reply in %s failed: %v", conversationID, err)
			done <- err
			return
		}
		c.publish(conversationID, in, res.Assistant.Content)
		done <- nil
	}()
	return done
}

func finished(err error) <-chan error {
	done := make(chan error, 1)
	done <- err
	close(done)
	return done
}

// publish mirrors a completed turn in the background. Failures are logged.
func (c *Controller) publish(conversationID string, in Input, reply string) {
	if c.mirror == nil {
		return
	}
	post := mirror.Post{ConversationID: conversationID, User: in.Text, Assistant: reply}
	if in.Image != nil {
		post.ImageURL = in.Image.URL
	}
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		ctx := context.Background()
		if conv, err := c.store.GetConversation(ctx, conversationID); err == nil {
			post.Title = conv.Title
		}
		if err := c.mirror.Publish(ctx, post); err != nil {
			log.Printf("session: mirror %s: %v", conversationID, err)
		}
	}()
}
