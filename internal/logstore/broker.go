package logstore

import (
	"context"
	"reflect"
	"sync"
	"sync/atomic"
	"time"

	"github.com/zulandar/chatline/internal/models"
)

// hub fans snapshots of one kind out to subscribers grouped by key
// (conversation id or owner). Publish only marks a key dirty; a single
// worker loads and delivers, so bursts of writes collapse into one load.
type hub[T any] struct {
	load func(ctx context.Context, key string) (T, error)
	seq  atomic.Uint64

	mu    sync.Mutex
	subs  map[string]map[*subscription[T]]struct{}
	dirty map[string]struct{}
	wake  chan struct{}
}

func newHub[T any](load func(ctx context.Context, key string) (T, error)) *hub[T] {
	return &hub[T]{
		load:  load,
		subs:  make(map[string]map[*subscription[T]]struct{}),
		dirty: make(map[string]struct{}),
		wake:  make(chan struct{}, 1),
	}
}

// snapshot loads key, stamping the result with a sequence number taken
// before the load starts. A higher sequence never reflects older state.
func (h *hub[T]) snapshot(ctx context.Context, key string) (uint64, T, error) {
	seq := h.seq.Add(1)
	v, err := h.load(ctx, key)
	return seq, v, err
}

func (h *hub[T]) subscribe(ctx context.Context, key string, fn func(T, error)) (func(), error) {
	sub := newSubscription(fn)

	h.mu.Lock()
	if h.subs[key] == nil {
		h.subs[key] = make(map[*subscription[T]]struct{})
	}
	h.subs[key][sub] = struct{}{}
	h.mu.Unlock()

	unsubscribe := func() {
		h.mu.Lock()
		if set := h.subs[key]; set != nil {
			delete(set, sub)
			if len(set) == 0 {
				delete(h.subs, key)
			}
		}
		h.mu.Unlock()
		sub.stop()
	}

	seq, v, err := h.snapshot(ctx, key)
	if err != nil {
		unsubscribe()
		return nil, err
	}
	sub.offer(seq, v, nil)
	go sub.run()
	return unsubscribe, nil
}

func (h *hub[T]) publish(key string) {
	if key == "" {
		return
	}
	h.mu.Lock()
	if _, ok := h.subs[key]; !ok {
		h.mu.Unlock()
		return
	}
	h.dirty[key] = struct{}{}
	h.mu.Unlock()
	select {
	case h.wake <- struct{}{}:
	default:
	}
}

// publishAll marks every subscribed key dirty.
func (h *hub[T]) publishAll() {
	h.mu.Lock()
	for key := range h.subs {
		h.dirty[key] = struct{}{}
	}
	h.mu.Unlock()
	select {
	case h.wake <- struct{}{}:
	default:
	}
}

func (h *hub[T]) run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-h.wake:
		}

		h.mu.Lock()
		keys := make([]string, 0, len(h.dirty))
		for key := range h.dirty {
			keys = append(keys, key)
		}
		h.dirty = make(map[string]struct{})
		h.mu.Unlock()

		for _, key := range keys {
			h.deliver(ctx, key)
		}
	}
}

func (h *hub[T]) deliver(ctx context.Context, key string) {
	h.mu.Lock()
	n := len(h.subs[key])
	h.mu.Unlock()
	if n == 0 {
		return
	}

	seq, v, err := h.snapshot(ctx, key)

	h.mu.Lock()
	subs := make([]*subscription[T], 0, len(h.subs[key]))
	for sub := range h.subs[key] {
		subs = append(subs, sub)
	}
	h.mu.Unlock()

	for _, sub := range subs {
		sub.offer(seq, v, err)
	}
}

func (h *hub[T]) closeAll() {
	h.mu.Lock()
	var all []*subscription[T]
	for _, set := range h.subs {
		for sub := range set {
			all = append(all, sub)
		}
	}
	h.subs = make(map[string]map[*subscription[T]]struct{})
	h.mu.Unlock()
	for _, sub := range all {
		sub.stop()
	}
}

// subscription is a latest-wins mailbox drained by its own goroutine, so a
// slow callback never blocks the hub or other subscribers.
type subscription[T any] struct {
	fn func(T, error)

	mu        sync.Mutex
	lastSeq   uint64
	last      T
	lastErr   error
	offered   bool
	pending   bool
	value     T
	err       error
	wake      chan struct{}
	done      chan struct{}
	closeOnce sync.Once
}

func newSubscription[T any](fn func(T, error)) *subscription[T] {
	return &subscription[T]{
		fn:   fn,
		wake: make(chan struct{}, 1),
		done: make(chan struct{}),
	}
}

// offer replaces the pending snapshot. Snapshots older than one already
// offered are dropped, as are repeats of an unchanged value.
func (s *subscription[T]) offer(seq uint64, v T, err error) {
	s.mu.Lock()
	if seq <= s.lastSeq {
		s.mu.Unlock()
		return
	}
	s.lastSeq = seq
	if s.offered && err == nil && s.lastErr == nil && reflect.DeepEqual(s.last, v) {
		s.mu.Unlock()
		return
	}
	s.offered = true
	s.last, s.lastErr = v, err
	s.value, s.err, s.pending = v, err, true
	s.mu.Unlock()

	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *subscription[T]) run() {
	for {
		select {
		case <-s.done:
			return
		case <-s.wake:
		}

		s.mu.Lock()
		if !s.pending {
			s.mu.Unlock()
			continue
		}
		v, err := s.value, s.err
		var zero T
		s.value, s.err, s.pending = zero, nil, false
		s.mu.Unlock()

		select {
		case <-s.done:
			return
		default:
		}
		s.fn(v, err)
	}
}

func (s *subscription[T]) stop() {
	s.closeOnce.Do(func() { close(s.done) })
}

// Broker delivers realtime snapshots for a store. Writers call Publish after
// each committed change; other processes reach it through polling or
// Postgres notifications.
type Broker struct {
	messages      *hub[[]models.Message]
	conversations *hub[[]models.Conversation]

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	closed atomic.Bool
}

func newBroker(loadMessages func(ctx context.Context, id string) ([]models.Message, error), loadConversations func(ctx context.Context, owner string) ([]models.Conversation, error)) *Broker {
	ctx, cancel := context.WithCancel(context.Background())
	b := &Broker{
		messages:      newHub(loadMessages),
		conversations: newHub(loadConversations),
		ctx:           ctx,
		cancel:        cancel,
	}
	b.wg.Add(2)
	go func() { defer b.wg.Done(); b.messages.run(ctx) }()
	go func() { defer b.wg.Done(); b.conversations.run(ctx) }()
	return b
}

// Publish marks a conversation's messages and an owner's conversation list
// as changed. Either may be empty.
func (b *Broker) Publish(conversationID, owner string) {
	b.messages.publish(conversationID)
	b.conversations.publish(owner)
}

// PublishAll marks every subscribed key as changed.
func (b *Broker) PublishAll() {
	b.messages.publishAll()
	b.conversations.publishAll()
}

// Poll re-publishes every subscribed key at interval until the broker is
// closed. It picks up writes made by other processes.
func (b *Broker) Poll(interval time.Duration) {
	if interval <= 0 {
		return
	}
	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-b.ctx.Done():
				return
			case <-ticker.C:
				b.PublishAll()
			}
		}
	}()
}

// Close stops the broker's workers and every subscription.
func (b *Broker) Close() {
	if !b.closed.CompareAndSwap(false, true) {
		return
	}
	b.cancel()
	b.wg.Wait()
	b.messages.closeAll()
	b.conversations.closeAll()
}
