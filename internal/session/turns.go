package session

import (
	"context"
	"sync"
)

// Turns serializes turns per conversation. One Turns is shared by every
// Controller in a process so two clients sending to the same conversation
// take turns as well.
type Turns struct {
	mu    sync.Mutex
	locks map[string]*turnLock
}

type turnLock struct {
	sem  chan struct{}
	refs int
}

// NewTurns creates an empty turn table.
func NewTurns() *Turns {
	return &Turns{locks: make(map[string]*turnLock)}
}

// Acquire blocks until the conversation has no turn in progress or ctx is
// done. The returned release function is safe to call more than once.
func (t *Turns) Acquire(ctx context.Context, conversationID string) (func(), error) {
	t.mu.Lock()
	l, ok := t.locks[conversationID]
	if !ok {
		l = &turnLock{sem: make(chan struct{}, 1)}
		t.locks[conversationID] = l
	}
	l.refs++
	t.mu.Unlock()

	select {
	case l.sem <- struct{}{}:
	case <-ctx.Done():
		t.unref(conversationID, l)
		return nil, ctx.Err()
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			<-l.sem
			t.unref(conversationID, l)
		})
	}, nil
}

// Busy reports whether a turn is in progress for the conversation.
func (t *Turns) Busy(conversationID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	l, ok := t.locks[conversationID]
	return ok && len(l.sem) > 0
}

func (t *Turns) unref(conversationID string, l *turnLock) {
	t.mu.Lock()
	defer t.mu.Unlock()
	l.refs--
	if l.refs == 0 {
		delete(t.locks, conversationID)
	}
}
