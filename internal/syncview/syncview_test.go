package syncview

import (
	"context"
	"errors"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/zulandar/chatline/internal/logstore"
	"github.com/zulandar/chatline/internal/models"
)

// fakeStore hands out subscriptions whose callbacks the test drives by hand.
type fakeStore struct {
	mu    sync.Mutex
	subs  map[string][]*fakeSub
	err   error
	count int
}

type fakeSub struct {
	fn        func(logstore.MessageSnapshot)
	cancelled bool
}

func newFakeStore() *fakeStore {
	return &fakeStore{subs: make(map[string][]*fakeSub)}
}

func (f *fakeStore) Subscribe(ctx context.Context, id string, fn func(logstore.MessageSnapshot)) (func(), error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.count++
	if f.err != nil {
		return nil, f.err
	}
	sub := &fakeSub{fn: fn}
	f.subs[id] = append(f.subs[id], sub)
	return func() {
		f.mu.Lock()
		defer f.mu.Unlock()
		sub.cancelled = true
	}, nil
}

// deliver calls every subscription ever made for id, cancelled or not,
// which models a callback already in flight when its subscription ended.
func (f *fakeStore) deliver(id string, msgs ...models.Message) {
	f.mu.Lock()
	subs := append([]*fakeSub(nil), f.subs[id]...)
	f.mu.Unlock()
	for _, s := range subs {
		s.fn(logstore.MessageSnapshot{Messages: msgs})
	}
}

func (f *fakeStore) deliverErr(id string, err error) {
	f.mu.Lock()
	subs := append([]*fakeSub(nil), f.subs[id]...)
	f.mu.Unlock()
	for _, s := range subs {
		s.fn(logstore.MessageSnapshot{Err: err})
	}
}

func (f *fakeStore) cancelled(id string) []bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []bool
	for _, s := range f.subs[id] {
		out = append(out, s.cancelled)
	}
	return out
}

var base = time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)

func msg(id string, offset time.Duration, content string, streaming bool) models.Message {
	return models.Message{
		ID:        id,
		Role:      models.RoleAssistant,
		Content:   content,
		Streaming: streaming,
		Timestamp: base.Add(offset),
	}
}

func ids(msgs []models.Message) []string {
	out := make([]string, len(msgs))
	for i, m := range msgs {
		out[i] = m.ID
	}
	return out
}

func newTestSync(t *testing.T, store Subscriber, idle, streaming time.Duration) *Synchronizer {
	t.Helper()
	s, err := New(Opts{Store: store, IdleDebounce: idle, StreamingDebounce: streaming})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(s.Close)
	return s
}

// waitView polls View until pred holds.
func waitView(t *testing.T, s *Synchronizer, pred func(View) bool) View {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if v := s.View(); pred(v) {
			return v
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out; last view = %+v", s.View())
	return View{}
}

func TestNew_RequiresStore(t *testing.T) {
	if _, err := New(Opts{}); err == nil {
		t.Fatal("expected error without store")
	}
}

// ---------------------------------------------------------------------------
// Normalize / Equal
// ---------------------------------------------------------------------------

func TestNormalize(t *testing.T) {
	tests := []struct {
		name string
		in   []models.Message
		want []string
	}{
		{
			name: "sorted by timestamp",
			in:   []models.Message{msg("c", 3, "", false), msg("a", 1, "", false), msg("b", 2, "", false)},
			want: []string{"a", "b", "c"},
		},
		{
			name: "ties broken by id",
			in:   []models.Message{msg("z", 1, "", false), msg("m", 1, "", false), msg("a", 2, "", false)},
			want: []string{"m", "z", "a"},
		},
		{
			name: "duplicates collapse",
			in:   []models.Message{msg("a", 1, "old", false), msg("b", 2, "", false), msg("a", 1, "new", false)},
			want: []string{"a", "b"},
		},
		{
			name: "empty",
			in:   nil,
			want: []string{},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ids(Normalize(tt.in))
			if len(got) != len(tt.want) {
				t.Fatalf("Normalize = %v, want %v", got, tt.want)
			}
			for i := range got {
				if got[i] != tt.want[i] {
					t.Errorf("Normalize = %v, want %v", got, tt.want)
					break
				}
			}
		})
	}
}

func TestNormalize_LastOccurrenceWins(t *testing.T) {
	out := Normalize([]models.Message{msg("a", 1, "old", true), msg("a", 1, "new", false)})
	if len(out) != 1 || out[0].Content != "new" || out[0].Streaming {
		t.Errorf("Normalize = %+v, want the later copy", out)
	}
}

func TestEqual(t *testing.T) {
	a := []models.Message{msg("a", 1, "x", true)}
	b := []models.Message{msg("a", 1, "x", true)}
	if !Equal(a, b) {
		t.Error("identical sequences not equal")
	}
	b[0].Content = "xy"
	if Equal(a, b) {
		t.Error("content change not detected")
	}
	if Equal(a, nil) {
		t.Error("length change not detected")
	}
}

// ---------------------------------------------------------------------------
// Synchronizer
// ---------------------------------------------------------------------------

func TestSwitch_FirstSnapshotAppliedImmediately(t *testing.T) {
	store := newFakeStore()
	s := newTestSync(t, store, time.Hour, time.Hour)

	if err := s.Switch(context.Background(), "c1"); err != nil {
		t.Fatalf("Switch: %v", err)
	}
	if v := s.View(); !v.Loading || v.ConversationID != "c1" || len(v.Messages) != 0 {
		t.Fatalf("view after Switch = %+v, want loading", v)
	}

	store.deliver("c1", msg("b", 2, "", false), msg("a", 1, "", false), msg("b", 2, "", false))
	v := s.View()
	if v.Loading {
		t.Error("Loading = true after first snapshot")
	}
	if got := ids(v.Messages); len(got) != 2 || got[0] != "a" || got[1] != "b" {
		t.Errorf("Messages = %v, want [a b]", got)
	}
}

func TestSnapshots_AreThrottled(t *testing.T) {
	store := newFakeStore()
	s := newTestSync(t, store, 40*time.Millisecond, 40*time.Millisecond)
	s.Switch(context.Background(), "c1")
	store.deliver("c1", msg("a", 1, "", true))
	first := s.View().Version

	for i := 1; i <= 5; i++ {
		store.deliver("c1", msg("a", 1, string(rune('0'+i)), true))
	}
	if v := s.View(); v.Version != first {
		t.Fatalf("view changed before the throttle fired: %+v", v)
	}

	v := waitView(t, s, func(v View) bool { return v.Version > first })
	if v.Version != first+1 {
		t.Errorf("Version = %d, want one emission for the burst", v.Version)
	}
	if v.Messages[0].Content != "5" {
		t.Errorf("Content = %q, want latest snapshot", v.Messages[0].Content)
	}
}

func TestSnapshots_ThrottleNotStarvedByContinuousStream(t *testing.T) {
	store := newFakeStore()
	s := newTestSync(t, store, time.Hour, 20*time.Millisecond)
	s.Switch(context.Background(), "c1")
	store.deliver("c1", msg("a", 1, "", true))
	first := s.View().Version

	stop := time.After(150 * time.Millisecond)
	content := ""
loop:
	for {
		select {
		case <-stop:
			break loop
		default:
			content += "x"
			store.deliver("c1", msg("a", 1, content, true))
			time.Sleep(5 * time.Millisecond)
		}
	}
	if v := s.View(); v.Version < first+2 {
		t.Errorf("Version = %d after 150ms of streaming, want several emissions", v.Version)
	}
}

func TestSnapshots_DebounceDependsOnStreaming(t *testing.T) {
	t.Run("streaming uses streaming debounce", func(t *testing.T) {
		store := newFakeStore()
		s := newTestSync(t, store, time.Hour, 10*time.Millisecond)
		s.Switch(context.Background(), "c1")
		store.deliver("c1", msg("a", 1, "", true))
		store.deliver("c1", msg("a", 1, "hi", true))
		waitView(t, s, func(v View) bool { return v.Messages[0].Content == "hi" })
	})
	t.Run("idle uses idle debounce", func(t *testing.T) {
		store := newFakeStore()
		s := newTestSync(t, store, 10*time.Millisecond, time.Hour)
		s.Switch(context.Background(), "c1")
		store.deliver("c1", msg("a", 1, "", true))
		store.deliver("c1", msg("a", 1, "done", false))
		waitView(t, s, func(v View) bool { return !v.Messages[0].Streaming })
	})
}

func TestSnapshots_IdempotentReplay(t *testing.T) {
	store := newFakeStore()
	s := newTestSync(t, store, 5*time.Millisecond, 5*time.Millisecond)
	s.Switch(context.Background(), "c1")

	snap := []models.Message{msg("a", 1, "x", false), msg("b", 2, "y", false)}
	store.deliver("c1", snap...)
	v1 := s.View()

	store.deliver("c1", snap...)
	store.deliver("c1", snap[1], snap[0])
	time.Sleep(30 * time.Millisecond)

	v2 := s.View()
	if v2.Version != v1.Version {
		t.Errorf("Version %d -> %d on identical snapshots", v1.Version, v2.Version)
	}
	select {
	case u := <-s.Updates():
		if u.Version != v1.Version {
			t.Errorf("extra update emitted: %+v", u)
		}
	default:
	}
}

func TestSwitch_Isolation(t *testing.T) {
	store := newFakeStore()
	s := newTestSync(t, store, 5*time.Millisecond, 5*time.Millisecond)
	ctx := context.Background()

	s.Switch(ctx, "A")
	store.deliver("A", msg("a1", 1, "from A", false))
	store.deliver("A", msg("a1", 1, "from A", false), msg("a2", 2, "pending A", true))

	s.Switch(ctx, "B")
	if v := s.View(); v.ConversationID != "B" || len(v.Messages) != 0 || !v.Loading {
		t.Fatalf("view right after switch = %+v, want empty loading B", v)
	}
	if c := store.cancelled("A"); len(c) != 1 || !c[0] {
		t.Errorf("A subscription cancelled = %v, want [true]", c)
	}

	// A late callback and the throttled A snapshot must both be dropped.
	store.deliver("A", msg("a3", 3, "late A", false))
	time.Sleep(30 * time.Millisecond)
	if v := s.View(); len(v.Messages) != 0 || v.ConversationID != "B" {
		t.Fatalf("A leaked into B: %+v", v)
	}

	store.deliver("B", msg("b1", 1, "from B", false))
	v := s.View()
	if got := ids(v.Messages); len(got) != 1 || got[0] != "b1" {
		t.Errorf("Messages = %v, want [b1]", got)
	}
}

func TestSwitch_SubscribeError(t *testing.T) {
	store := newFakeStore()
	store.err = errors.New("permission denied")
	s := newTestSync(t, store, time.Millisecond, time.Millisecond)

	err := s.Switch(context.Background(), "c1")
	if err == nil {
		t.Fatal("expected subscribe error")
	}
	v := s.View()
	if v.Loading || len(v.Messages) != 0 || v.Err == nil {
		t.Errorf("view = %+v, want resolved with error", v)
	}
	if v.Error() != "permission denied" {
		t.Errorf("Error() = %q", v.Error())
	}
}

func TestSnapshotError(t *testing.T) {
	store := newFakeStore()
	s := newTestSync(t, store, time.Millisecond, time.Millisecond)
	s.Switch(context.Background(), "c1")
	store.deliver("c1", msg("a", 1, "x", false))

	store.deliverErr("c1", errors.New("listener dropped"))
	v := s.View()
	if v.Err == nil || v.Loading || v.Messages != nil {
		t.Errorf("view = %+v, want error with empty messages", v)
	}

	store.deliver("c1", msg("a", 1, "x", false))
	v = waitView(t, s, func(v View) bool { return v.Err == nil })
	if len(v.Messages) != 1 {
		t.Errorf("Messages = %v after recovery", ids(v.Messages))
	}
}

func TestSwitch_Empty(t *testing.T) {
	store := newFakeStore()
	s := newTestSync(t, store, time.Millisecond, time.Millisecond)
	s.Switch(context.Background(), "c1")
	if err := s.Switch(context.Background(), ""); err != nil {
		t.Fatalf("Switch empty: %v", err)
	}
	v := s.View()
	if v.Loading || v.ConversationID != "" {
		t.Errorf("view = %+v, want idle empty", v)
	}
	if store.count != 1 {
		t.Errorf("Subscribe calls = %d, want 1", store.count)
	}
}

func TestClose(t *testing.T) {
	store := newFakeStore()
	s, _ := New(Opts{Store: store})
	s.Switch(context.Background(), "c1")
	s.Close()
	s.Close()

	if c := store.cancelled("c1"); !c[0] {
		t.Error("subscription not cancelled by Close")
	}
	store.deliver("c1", msg("a", 1, "", false))
	if v := s.View(); len(v.Messages) != 0 {
		t.Errorf("snapshot applied after Close: %+v", v)
	}
	for range s.Updates() {
	}
	if err := s.Switch(context.Background(), "c2"); err == nil {
		t.Error("Switch after Close should fail")
	}
}

func TestUpdates_LatestWins(t *testing.T) {
	store := newFakeStore()
	s := newTestSync(t, store, time.Millisecond, time.Millisecond)
	s.Switch(context.Background(), "c1")
	store.deliver("c1", msg("a", 1, "", false))

	u := <-s.Updates()
	if u.Version != s.View().Version {
		t.Errorf("update version %d, view version %d", u.Version, s.View().Version)
	}
	select {
	case extra := <-s.Updates():
		t.Errorf("stale update left in mailbox: %+v", extra)
	default:
	}
}

// ---------------------------------------------------------------------------
// Against the real store
// ---------------------------------------------------------------------------

func TestSynchronizer_WithGormStore(t *testing.T) {
	store := openSyncTestStore(t)
	ctx := context.Background()
	conv, _ := store.CreateConversation(ctx, "alice", "t")

	s := newTestSync(t, store, 5*time.Millisecond, 2*time.Millisecond)
	if err := s.Switch(ctx, conv.ID); err != nil {
		t.Fatalf("Switch: %v", err)
	}

	store.Append(ctx, conv.ID, logstore.NewMessage{Role: models.RoleUser, Content: "Hello"})
	a, _ := store.Append(ctx, conv.ID, logstore.NewMessage{Role: models.RoleAssistant, Streaming: true})
	content := ""
	for _, c := range []string{"Hi", " ", "there"} {
		content += c
		store.Patch(ctx, conv.ID, a.ID, logstore.MessagePatch{Content: logstore.Str(content)})
	}
	store.Patch(ctx, conv.ID, a.ID, logstore.MessagePatch{Streaming: logstore.Bool(false)})

	done := make(chan struct{})
	go func() {
		defer close(done)
		for v := range s.Updates() {
			if !sort.SliceIsSorted(v.Messages, func(i, j int) bool {
				return v.Messages[i].Timestamp.Before(v.Messages[j].Timestamp)
			}) {
				t.Errorf("unsorted emission: %v", ids(v.Messages))
			}
			if len(v.Messages) == 2 && !v.Messages[1].Streaming {
				return
			}
		}
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("never saw the finished reply")
	}
	v := s.View()
	if v.Messages[0].Content != "Hello" || v.Messages[1].Content != "Hi there" {
		t.Errorf("final view = %q / %q", v.Messages[0].Content, v.Messages[1].Content)
	}
}
