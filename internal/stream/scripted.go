package stream

import (
	"context"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"
)

// Script describes one scripted reply.
type Script struct {
	Chunks []string

	// Final is the done delta. Nil sends a done with empty Content, which
	// means "use the accumulated chunks".
	Final *Delta

	// NoDone ends the stream with io.EOF after the chunks, without a done.
	NoDone bool

	// Err is returned after the chunks instead of a done delta.
	Err error

	// Gate, when set, must yield one receive before each delta is emitted.
	// Closing it releases every remaining delta. A gate that is never fed
	// models a hung source.
	Gate <-chan struct{}

	// Delay is slept before each delta.
	Delay time.Duration
}

// Scripted is a deterministic Source. Each Open consumes the next queued
// script; when the queue is empty, Reply builds one from the request.
type Scripted struct {
	// Reply builds a script for requests beyond the queue. Nil echoes.
	Reply func(Request) Script

	// OpenErr, when set, fails every Open.
	OpenErr error

	mu       sync.Mutex
	queue    []Script
	requests []Request
}

// NewScripted returns a source that plays scripts in order.
func NewScripted(scripts ...Script) *Scripted {
	return &Scripted{queue: scripts}
}

// Echo returns a source that replies "You said: <text>" word by word.
func Echo() *Scripted {
	return &Scripted{Reply: EchoScript}
}

// EchoScript splits "You said: <text>" into word chunks.
func EchoScript(req Request) Script {
	text := "You said: " + req.Text
	if req.Text == "" && req.Image != nil {
		text = "You sent an image."
	}
	var chunks []string
	for _, w := range strings.SplitAfter(text, " ") {
		if w != "" {
			chunks = append(chunks, w)
		}
	}
	return Script{Chunks: chunks}
}

// Push queues more scripts.
func (s *Scripted) Push(scripts ...Script) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.queue = append(s.queue, scripts...)
}

// Requests returns every request Open has received, in order.
func (s *Scripted) Requests() []Request {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Request, len(s.requests))
	copy(out, s.requests)
	return out
}

// Open implements Source.
func (s *Scripted) Open(ctx context.Context, req Request) (Stream, error) {
	s.mu.Lock()
	s.requests = append(s.requests, req)
	if s.OpenErr != nil {
		s.mu.Unlock()
		return nil, fmt.Errorf("stream: open: %w", s.OpenErr)
	}
	var sc Script
	if len(s.queue) > 0 {
		sc = s.queue[0]
		s.queue = s.queue[1:]
	} else if s.Reply != nil {
		sc = s.Reply(req)
	} else {
		sc = EchoScript(req)
	}
	s.mu.Unlock()
	return &scriptedStream{script: sc}, nil
}

type scriptedStream struct {
	script   Script
	pos      int
	finished bool
}

func (st *scriptedStream) wait(ctx context.Context) error {
	if st.script.Delay > 0 {
		t := time.NewTimer(st.script.Delay)
		select {
		case <-t.C:
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		}
	}
	if st.script.Gate != nil {
		select {
		case <-st.script.Gate:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

func (st *scriptedStream) Next(ctx context.Context) (Delta, error) {
	if st.finished {
		return Delta{}, io.EOF
	}
	if err := st.wait(ctx); err != nil {
		return Delta{}, err
	}
	if st.pos < len(st.script.Chunks) {
		d := Chunk(st.script.Chunks[st.pos])
		st.pos++
		return d, nil
	}
	st.finished = true
	switch {
	case st.script.Err != nil:
		return Delta{}, st.script.Err
	case st.script.NoDone:
		return Delta{}, io.EOF
	case st.script.Final != nil:
		d := *st.script.Final
		d.Kind = KindDone
		return d, nil
	default:
		return Done("", "", nil), nil
	}
}

func (st *scriptedStream) Close() error {
	st.finished = true
	return nil
}
