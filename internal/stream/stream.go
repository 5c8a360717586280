// Package stream defines the Token Stream Source contract: a producer of
// ordered reply deltas for one assistant turn, and the sources that
// implement it.
package stream

import (
	"context"
	"errors"
	"io"
	"strings"
)

// ErrNoDone is returned by Collect when a stream ended without a done delta.
// Consumers treat it as done carrying the accumulated text.
var ErrNoDone = errors.New("stream: ended without done")

// Kind discriminates a Delta.
type Kind int

const (
	KindChunk Kind = iota
	KindDone
)

func (k Kind) String() string {
	switch k {
	case KindChunk:
		return "chunk"
	case KindDone:
		return "done"
	default:
		return "unknown"
	}
}

// Usage is token accounting reported with the done delta.
type Usage struct {
	InputTokens         int `json:"input_tokens"`
	OutputTokens        int `json:"output_tokens"`
	CacheCreationTokens int `json:"cache_creation_tokens,omitempty"`
	CacheReadTokens     int `json:"cache_read_tokens,omitempty"`
}

// Delta is one unit of an assistant reply. A chunk carries Text; the final
// done delta may carry the authoritative Content plus Thinking and Usage.
type Delta struct {
	Kind     Kind
	Text     string
	Content  string
	Thinking string
	Usage    *Usage
}

// Chunk returns a chunk delta.
func Chunk(text string) Delta {
	return Delta{Kind: KindChunk, Text: text}
}

// Done returns a done delta.
func Done(content, thinking string, usage *Usage) Delta {
	return Delta{Kind: KindDone, Content: content, Thinking: thinking, Usage: usage}
}

// Turn is one prior message sent to the model as context.
type Turn struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Image is an image attached to the new user turn. Either URL or Data is set.
type Image struct {
	URL       string
	Data      []byte
	MediaType string
}

// Request opens one reply stream.
type Request struct {
	History      []Turn
	Text         string
	Image        *Image
	SystemPrompt string
	MaxTokens    int
}

// Turns returns History followed by the new user turn.
func (r Request) Turns() []Turn {
	turns := make([]Turn, 0, len(r.History)+1)
	turns = append(turns, r.History...)
	return append(turns, Turn{Role: "user", Content: r.Text})
}

// Source opens reply streams.
type Source interface {
	Open(ctx context.Context, req Request) (Stream, error)
}

// Stream yields deltas in order. After the done delta, Next returns io.EOF.
// A transport failure is returned as a non-EOF error.
type Stream interface {
	Next(ctx context.Context) (Delta, error)
	Close() error
}

// Collect drains s and returns the final content: the done delta's Content
// when non-empty, otherwise the concatenated chunks. It returns ErrNoDone
// alongside the accumulated text when the stream ends without done.
func Collect(ctx context.Context, s Stream) (Delta, error) {
	var b strings.Builder
	for {
		d, err := s.Next(ctx)
		if errors.Is(err, io.EOF) {
			return Done(b.String(), "", nil), ErrNoDone
		}
		if err != nil {
			return Done(b.String(), "", nil), err
		}
		switch d.Kind {
		case KindChunk:
			b.WriteString(d.Text)
		case KindDone:
			if d.Content == "" {
				d.Content = b.String()
			}
			return d, nil
		}
	}
}
