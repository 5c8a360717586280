// Package syncview keeps an ordered, deduplicated, throttled projection of
// one conversation's messages in step with the log store.
package syncview

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/zulandar/chatline/internal/logstore"
	"github.com/zulandar/chatline/internal/models"
)

// Default configuration values for Synchronizer.
const (
	DefaultIdleDebounce      = 50 * time.Millisecond
	DefaultStreamingDebounce = 16 * time.Millisecond
)

// Subscriber is the part of the store a Synchronizer needs.
type Subscriber interface {
	Subscribe(ctx context.Context, conversationID string, fn func(logstore.MessageSnapshot)) (func(), error)
}

// View is what a presentation layer renders. Messages is shared between
// views and must not be modified.
type View struct {
	ConversationID string           `json:"conversation_id"`
	Messages       []models.Message `json:"messages"`
	Loading        bool             `json:"loading"`
	Err            error            `json:"-"`
	Version        uint64           `json:"version"`
}

// Error returns the view error as text, or "" if there is none.
func (v View) Error() string {
	if v.Err == nil {
		return ""
	}
	return v.Err.Error()
}

// Synchronizer follows the active conversation. Every exposed message
// sequence is sorted by timestamp then id and contains each id once.
type Synchronizer struct {
	store     Subscriber
	idle      time.Duration
	streaming time.Duration

	mu      sync.Mutex
	gen     uint64
	view    View
	unsub   func()
	pending []models.Message
	queued  bool
	timer   *time.Timer
	updates chan View
	closed  bool
}

// Opts holds parameters for creating a Synchronizer.
type Opts struct {
	Store             Subscriber
	IdleDebounce      time.Duration // defaults to DefaultIdleDebounce
	StreamingDebounce time.Duration // defaults to DefaultStreamingDebounce
}

// New creates a Synchronizer with no active conversation.
func New(opts Opts) (*Synchronizer, error) {
	if opts.Store == nil {
		return nil, fmt.Errorf("syncview: store is required")
	}
	idle := opts.IdleDebounce
	if idle <= 0 {
		idle = DefaultIdleDebounce
	}
	streaming := opts.StreamingDebounce
	if streaming <= 0 {
		streaming = DefaultStreamingDebounce
	}
	return &Synchronizer{
		store:     opts.Store,
		idle:      idle,
		streaming: streaming,
		updates:   make(chan View, 1),
	}, nil
}

// View returns the current view.
func (s *Synchronizer) View() View {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.view
}

// Updates delivers the latest view after every change. A slow reader only
// ever sees the newest view. The channel is closed by Close.
func (s *Synchronizer) Updates() <-chan View {
	return s.updates
}

// Switch makes conversationID the active conversation. The previous
// subscription is cancelled and the view is cleared before Switch
// subscribes, so nothing from the previous conversation can appear. An
// empty id leaves no conversation active.
func (s *Synchronizer) Switch(ctx context.Context, conversationID string) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return fmt.Errorf("syncview: closed")
	}
	s.gen++
	gen := s.gen
	s.resetLocked()
	s.view = View{
		ConversationID: conversationID,
		Loading:        conversationID != "",
		Version:        s.view.Version + 1,
	}
	s.emitLocked()
	s.mu.Unlock()

	if conversationID == "" {
		return nil
	}

	unsub, err := s.store.Subscribe(ctx, conversationID, func(snap logstore.MessageSnapshot) {
		s.onSnapshot(gen, snap)
	})

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || s.gen != gen {
		if unsub != nil {
			unsub()
		}
		return nil
	}
	if err != nil {
		s.failLocked(err)
		return fmt.Errorf("syncview: subscribe %s: %w", conversationID, err)
	}
	s.unsub = unsub
	return nil
}

// Close cancels the subscription and pending timers. Later snapshots are
// ignored.
func (s *Synchronizer) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	s.gen++
	s.resetLocked()
	close(s.updates)
}

func (s *Synchronizer) resetLocked() {
	if s.unsub != nil {
		s.unsub()
		s.unsub = nil
	}
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	s.pending, s.queued = nil, false
}

func (s *Synchronizer) onSnapshot(gen uint64, snap logstore.MessageSnapshot) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || gen != s.gen {
		return
	}
	if snap.Err != nil {
		s.failLocked(snap.Err)
		return
	}

	msgs := Normalize(snap.Messages)
	if s.view.Loading {
		s.applyLocked(msgs)
		return
	}

	s.pending, s.queued = msgs, true
	if s.timer != nil {
		return
	}
	delay := s.idle
	if anyStreaming(msgs) {
		delay = s.streaming
	}
	s.timer = time.AfterFunc(delay, func() { s.fire(gen) })
}

func (s *Synchronizer) fire(gen uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || gen != s.gen {
		return
	}
	s.timer = nil
	if !s.queued {
		return
	}
	msgs := s.pending
	s.pending, s.queued = nil, false
	s.applyLocked(msgs)
}

func (s *Synchronizer) applyLocked(msgs []models.Message) {
	if !s.view.Loading && s.view.Err == nil && Equal(s.view.Messages, msgs) {
		return
	}
	s.view.Messages = msgs
	s.view.Loading = false
	s.view.Err = nil
	s.view.Version++
	s.emitLocked()
}

func (s *Synchronizer) failLocked(err error) {
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	s.pending, s.queued = nil, false
	s.view.Messages = nil
	s.view.Loading = false
	s.view.Err = err
	s.view.Version++
	s.emitLocked()
}

// emitLocked replaces any unread view in the mailbox with the current one.
func (s *Synchronizer) emitLocked() {
	if s.closed {
		return
	}
	select {
	case <-s.updates:
	default:
	}
	s.updates <- s.view
}

// Normalize deduplicates messages by id, keeping the last occurrence, and
// sorts them by timestamp with id breaking ties.
func Normalize(msgs []models.Message) []models.Message {
	out := make([]models.Message, 0, len(msgs))
	index := make(map[string]int, len(msgs))
	for _, m := range msgs {
		if i, ok := index[m.ID]; ok {
			out[i] = m
			continue
		}
		index[m.ID] = len(out)
		out = append(out, m)
	}
	sort.SliceStable(out, func(i, j int) bool {
		if !out[i].Timestamp.Equal(out[j].Timestamp) {
			return out[i].Timestamp.Before(out[j].Timestamp)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// Equal reports whether two normalized sequences render the same.
func Equal(a, b []models.Message) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		x, y := a[i], b[i]
		if x.ID != y.ID || x.Role != y.Role || x.Content != y.Content ||
			x.Thinking != y.Thinking || x.Streaming != y.Streaming ||
			x.ImageURL != y.ImageURL || !x.Timestamp.Equal(y.Timestamp) {
			return false
		}
	}
	return true
}

func anyStreaming(msgs []models.Message) bool {
	for _, m := range msgs {
		if m.Streaming {
			return true
		}
	}
	return false
}
