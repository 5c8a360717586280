package logstore

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/zulandar/chatline/internal/db"
	"github.com/zulandar/chatline/internal/models"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

func openLogstoreTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	gdb, err := db.OpenSQLite(":memory:")
	if err != nil {
		t.Fatalf("open test db: %v", err)
	}
	if err := db.AutoMigrate(gdb); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return gdb
}

func openTestStore(t *testing.T, opts GormStoreOpts) *GormStore {
	t.Helper()
	if opts.DB == nil {
		opts.DB = openLogstoreTestDB(t)
	}
	s, err := NewGormStore(opts)
	if err != nil {
		t.Fatalf("NewGormStore: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

// fakeClock returns a fixed time that tests advance by hand.
type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

func TestNewGormStore_RequiresDB(t *testing.T) {
	if _, err := NewGormStore(GormStoreOpts{}); err == nil {
		t.Fatal("expected error without DB")
	}
}

func TestClock_StrictlyIncreasing(t *testing.T) {
	fixed := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	c := &clock{now: func() time.Time { return fixed }}
	a, b, d := c.Now(), c.Now(), c.Now()
	if !b.After(a) || !d.After(b) {
		t.Errorf("clock not strictly increasing: %v %v %v", a, b, d)
	}
	if b.Sub(a) != time.Microsecond {
		t.Errorf("step = %v, want 1µs", b.Sub(a))
	}
}

// ---------------------------------------------------------------------------
// Conversations
// ---------------------------------------------------------------------------

func TestCreateConversation(t *testing.T) {
	s := openTestStore(t, GormStoreOpts{})
	ctx := context.Background()

	conv, err := s.CreateConversation(ctx, "alice", "Hello")
	if err != nil {
		t.Fatalf("CreateConversation: %v", err)
	}
	if conv.ID == "" {
		t.Fatal("ID is empty")
	}
	if !conv.CreatedAt.Equal(conv.UpdatedAt) {
		t.Errorf("CreatedAt %v != UpdatedAt %v", conv.CreatedAt, conv.UpdatedAt)
	}

	got, err := s.GetConversation(ctx, conv.ID)
	if err != nil {
		t.Fatalf("GetConversation: %v", err)
	}
	if got.Title != "Hello" || got.Owner != "alice" || got.Starred || got.LastMessage != "" {
		t.Errorf("GetConversation = %+v", got)
	}
}

func TestGetConversation_NotFound(t *testing.T) {
	s := openTestStore(t, GormStoreOpts{})
	if _, err := s.GetConversation(context.Background(), "missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

func TestListConversations_MostRecentFirst(t *testing.T) {
	s := openTestStore(t, GormStoreOpts{})
	ctx := context.Background()

	a, _ := s.CreateConversation(ctx, "alice", "a")
	b, _ := s.CreateConversation(ctx, "alice", "b")
	s.CreateConversation(ctx, "bob", "other")

	if _, err := s.Append(ctx, a.ID, NewMessage{Role: models.RoleUser, Content: "bump"}); err != nil {
		t.Fatalf("Append: %v", err)
	}

	convs, err := s.ListConversations(ctx, "alice")
	if err != nil {
		t.Fatalf("ListConversations: %v", err)
	}
	if len(convs) != 2 {
		t.Fatalf("len = %d, want 2", len(convs))
	}
	if convs[0].ID != a.ID || convs[1].ID != b.ID {
		t.Errorf("order = [%s %s], want [a b]", convs[0].Title, convs[1].Title)
	}
}

func TestPatchConversation_DoesNotReorder(t *testing.T) {
	s := openTestStore(t, GormStoreOpts{})
	ctx := context.Background()

	conv, _ := s.CreateConversation(ctx, "alice", "old")
	if err := s.PatchConversation(ctx, conv.ID, ConversationPatch{Title: Str("new"), Starred: Bool(true)}); err != nil {
		t.Fatalf("PatchConversation: %v", err)
	}
	got, _ := s.GetConversation(ctx, conv.ID)
	if got.Title != "new" || !got.Starred {
		t.Errorf("after patch = %+v", got)
	}
	if !got.UpdatedAt.Equal(conv.UpdatedAt) {
		t.Errorf("UpdatedAt moved: %v -> %v", conv.UpdatedAt, got.UpdatedAt)
	}

	if err := s.PatchConversation(ctx, conv.ID, ConversationPatch{Starred: Bool(false)}); err != nil {
		t.Fatalf("unstar: %v", err)
	}
	got, _ = s.GetConversation(ctx, conv.ID)
	if got.Starred {
		t.Error("Starred = true after unstar")
	}
	if got.Title != "new" {
		t.Errorf("Title = %q, want unchanged", got.Title)
	}
}

func TestPatchConversation_NotFound(t *testing.T) {
	s := openTestStore(t, GormStoreOpts{})
	err := s.PatchConversation(context.Background(), "missing", ConversationPatch{Title: Str("x")})
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

func TestStarredAndSearch(t *testing.T) {
	s := openTestStore(t, GormStoreOpts{})
	ctx := context.Background()

	golang, _ := s.CreateConversation(ctx, "alice", "Go generics")
	cooking, _ := s.CreateConversation(ctx, "alice", "Dinner")
	s.Append(ctx, cooking.ID, NewMessage{Role: models.RoleUser, Content: "How long to roast a CHICKEN?"})
	s.PatchConversation(ctx, golang.ID, ConversationPatch{Starred: Bool(true)})

	starred, err := s.Starred(ctx, "alice")
	if err != nil {
		t.Fatalf("Starred: %v", err)
	}
	if len(starred) != 1 || starred[0].ID != golang.ID {
		t.Errorf("Starred = %+v, want only Go generics", starred)
	}

	tests := []struct {
		query string
		want  []string
	}{
		{"generics", []string{golang.ID}},
		{"chicken", []string{cooking.ID}},
		{"nothing-matches", nil},
	}
	for _, tt := range tests {
		t.Run(tt.query, func(t *testing.T) {
			got, err := s.Search(ctx, "alice", tt.query)
			if err != nil {
				t.Fatalf("Search: %v", err)
			}
			if len(got) != len(tt.want) {
				t.Fatalf("len = %d, want %d", len(got), len(tt.want))
			}
			for i := range got {
				if got[i].ID != tt.want[i] {
					t.Errorf("got[%d] = %s, want %s", i, got[i].ID, tt.want[i])
				}
			}
		})
	}

	all, _ := s.Search(ctx, "alice", "  ")
	if len(all) != 2 {
		t.Errorf("blank search len = %d, want 2", len(all))
	}
}

func TestDeleteConversation(t *testing.T) {
	s := openTestStore(t, GormStoreOpts{})
	ctx := context.Background()

	conv, _ := s.CreateConversation(ctx, "alice", "doomed")
	s.Append(ctx, conv.ID, NewMessage{Role: models.RoleUser, Content: "hi"})

	if err := s.DeleteConversation(ctx, conv.ID); err != nil {
		t.Fatalf("DeleteConversation: %v", err)
	}
	if _, err := s.GetConversation(ctx, conv.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("GetConversation err = %v, want ErrNotFound", err)
	}
	msgs, _ := s.ListMessages(ctx, conv.ID)
	if len(msgs) != 0 {
		t.Errorf("messages left = %d, want 0", len(msgs))
	}
	if err := s.DeleteConversation(ctx, conv.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("second delete err = %v, want ErrNotFound", err)
	}
}

// ---------------------------------------------------------------------------
// Messages
// ---------------------------------------------------------------------------

func TestAppend_AssignsIDAndIncreasingTimestamp(t *testing.T) {
	fc := &fakeClock{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	s := openTestStore(t, GormStoreOpts{Now: fc.Now})
	ctx := context.Background()

	conv, _ := s.CreateConversation(ctx, "alice", "t")
	u, err := s.Append(ctx, conv.ID, NewMessage{Role: models.RoleUser, Content: "Hello", Image: &models.ImageRef{URL: "http://img/1.png", Type: "image/png"}})
	if err != nil {
		t.Fatalf("Append user: %v", err)
	}
	a, err := s.Append(ctx, conv.ID, NewMessage{Role: models.RoleAssistant, Streaming: true})
	if err != nil {
		t.Fatalf("Append assistant: %v", err)
	}
	if u.ID == "" || a.ID == "" || u.ID == a.ID {
		t.Errorf("ids = %q, %q", u.ID, a.ID)
	}
	if !a.Timestamp.After(u.Timestamp) {
		t.Errorf("assistant timestamp %v not after user %v", a.Timestamp, u.Timestamp)
	}

	msgs, err := s.ListMessages(ctx, conv.ID)
	if err != nil {
		t.Fatalf("ListMessages: %v", err)
	}
	if len(msgs) != 2 || msgs[0].ID != u.ID || msgs[1].ID != a.ID {
		t.Fatalf("ListMessages order wrong: %+v", msgs)
	}
	if img := msgs[0].Image(); img == nil || img.Type != "image/png" {
		t.Errorf("user image = %+v", img)
	}
	if !msgs[1].Streaming {
		t.Error("placeholder Streaming = false, want true")
	}
}

func TestAppend_PreviewMirrorsLastNonEmptyAppend(t *testing.T) {
	s := openTestStore(t, GormStoreOpts{})
	ctx := context.Background()

	conv, _ := s.CreateConversation(ctx, "alice", "t")
	s.Append(ctx, conv.ID, NewMessage{Role: models.RoleUser, Content: "Hello"})
	s.Append(ctx, conv.ID, NewMessage{Role: models.RoleAssistant, Streaming: true})

	got, _ := s.GetConversation(ctx, conv.ID)
	if got.LastMessage != "Hello" {
		t.Errorf("LastMessage = %q, want %q", got.LastMessage, "Hello")
	}
	if !got.UpdatedAt.After(conv.UpdatedAt) {
		t.Errorf("UpdatedAt did not advance: %v -> %v", conv.UpdatedAt, got.UpdatedAt)
	}
}

func TestAppend_UnknownConversation(t *testing.T) {
	s := openTestStore(t, GormStoreOpts{})
	_, err := s.Append(context.Background(), "missing", NewMessage{Role: models.RoleUser, Content: "x"})
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

func TestPatch_WritesZeroValues(t *testing.T) {
	s := openTestStore(t, GormStoreOpts{})
	ctx := context.Background()

	conv, _ := s.CreateConversation(ctx, "alice", "t")
	s.Append(ctx, conv.ID, NewMessage{Role: models.RoleUser, Content: "Hello"})
	a, _ := s.Append(ctx, conv.ID, NewMessage{Role: models.RoleAssistant, Content: "draft", Streaming: true})
	before, _ := s.GetConversation(ctx, conv.ID)

	err := s.Patch(ctx, conv.ID, a.ID, MessagePatch{
		Content:   Str(""),
		Streaming: Bool(false),
		Thinking:  Str("hmm"),
		Usage:     datatypes.JSON(`{"input_tokens":1,"output_tokens":2}`),
	})
	if err != nil {
		t.Fatalf("Patch: %v", err)
	}

	msgs, _ := s.ListMessages(ctx, conv.ID)
	got := msgs[1]
	if got.Content != "" || got.Streaming || got.Thinking != "hmm" {
		t.Errorf("patched message = %+v", got)
	}
	if len(got.Usage) == 0 {
		t.Error("Usage not written")
	}
	if !got.UpdatedAt.After(a.UpdatedAt) {
		t.Errorf("message UpdatedAt did not advance")
	}

	after, _ := s.GetConversation(ctx, conv.ID)
	if !after.UpdatedAt.After(before.UpdatedAt) {
		t.Errorf("conversation UpdatedAt did not advance on patch")
	}
	if after.LastMessage != "draft" {
		t.Errorf("LastMessage = %q, want unchanged %q", after.LastMessage, "draft")
	}
}

func TestPatch_PartialLeavesOtherFields(t *testing.T) {
	s := openTestStore(t, GormStoreOpts{})
	ctx := context.Background()
	conv, _ := s.CreateConversation(ctx, "alice", "t")
	a, _ := s.Append(ctx, conv.ID, NewMessage{Role: models.RoleAssistant, Streaming: true})

	s.Patch(ctx, conv.ID, a.ID, MessagePatch{Content: Str("Hi")})
	msgs, _ := s.ListMessages(ctx, conv.ID)
	if msgs[0].Content != "Hi" || !msgs[0].Streaming {
		t.Errorf("message = %+v, want content Hi still streaming", msgs[0])
	}
}

func TestPatch_Errors(t *testing.T) {
	s := openTestStore(t, GormStoreOpts{})
	ctx := context.Background()
	conv, _ := s.CreateConversation(ctx, "alice", "t")
	u, _ := s.Append(ctx, conv.ID, NewMessage{Role: models.RoleUser, Content: "Hello"})

	if err := s.Patch(ctx, conv.ID, u.ID, MessagePatch{Content: Str("edited")}); !errors.Is(err, ErrNotPatchable) {
		t.Errorf("patch user message err = %v, want ErrNotPatchable", err)
	}
	if err := s.Patch(ctx, conv.ID, "missing", MessagePatch{Content: Str("x")}); !errors.Is(err, ErrNotFound) {
		t.Errorf("patch missing err = %v, want ErrNotFound", err)
	}
	other, _ := s.CreateConversation(ctx, "alice", "other")
	if err := s.Patch(ctx, other.ID, u.ID, MessagePatch{Content: Str("x")}); !errors.Is(err, ErrNotFound) {
		t.Errorf("patch in wrong conversation err = %v, want ErrNotFound", err)
	}
}

func TestDeleteMessage_OnlyMessageClearsPreview(t *testing.T) {
	s := openTestStore(t, GormStoreOpts{})
	ctx := context.Background()
	conv, _ := s.CreateConversation(ctx, "alice", "t")
	m, _ := s.Append(ctx, conv.ID, NewMessage{Role: models.RoleUser, Content: "only"})
	before, _ := s.GetConversation(ctx, conv.ID)

	if err := s.DeleteMessage(ctx, conv.ID, m.ID); err != nil {
		t.Fatalf("DeleteMessage: %v", err)
	}
	after, _ := s.GetConversation(ctx, conv.ID)
	if after.LastMessage != "" {
		t.Errorf("LastMessage = %q, want empty", after.LastMessage)
	}
	if !after.UpdatedAt.After(before.UpdatedAt) {
		t.Errorf("UpdatedAt did not advance: %v -> %v", before.UpdatedAt, after.UpdatedAt)
	}
}

func TestDeleteMessage_RecomputesFromTail(t *testing.T) {
	s := openTestStore(t, GormStoreOpts{})
	ctx := context.Background()
	conv, _ := s.CreateConversation(ctx, "alice", "t")
	s.Append(ctx, conv.ID, NewMessage{Role: models.RoleUser, Content: "first"})
	second, _ := s.Append(ctx, conv.ID, NewMessage{Role: models.RoleAssistant, Content: "second"})
	third, _ := s.Append(ctx, conv.ID, NewMessage{Role: models.RoleUser, Content: "third"})

	s.DeleteMessage(ctx, conv.ID, third.ID)
	got, _ := s.GetConversation(ctx, conv.ID)
	if got.LastMessage != "second" {
		t.Errorf("LastMessage = %q, want second", got.LastMessage)
	}

	s.DeleteMessage(ctx, conv.ID, second.ID)
	got, _ = s.GetConversation(ctx, conv.ID)
	if got.LastMessage != "first" {
		t.Errorf("LastMessage = %q, want first", got.LastMessage)
	}

	if err := s.DeleteMessage(ctx, conv.ID, third.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("repeat delete err = %v, want ErrNotFound", err)
	}
}

func TestStalledStreaming(t *testing.T) {
	fc := &fakeClock{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	s := openTestStore(t, GormStoreOpts{Now: fc.Now})
	ctx := context.Background()
	conv, _ := s.CreateConversation(ctx, "alice", "t")

	hung, _ := s.Append(ctx, conv.ID, NewMessage{Role: models.RoleAssistant, Streaming: true})
	fc.Advance(10 * time.Minute)
	fresh, _ := s.Append(ctx, conv.ID, NewMessage{Role: models.RoleAssistant, Streaming: true})
	done, _ := s.Append(ctx, conv.ID, NewMessage{Role: models.RoleAssistant, Streaming: true})
	s.Patch(ctx, conv.ID, done.ID, MessagePatch{Streaming: Bool(false)})

	stalled, err := s.StalledStreaming(ctx, fc.Now().Add(-5*time.Minute))
	if err != nil {
		t.Fatalf("StalledStreaming: %v", err)
	}
	if len(stalled) != 1 || stalled[0].ID != hung.ID {
		t.Errorf("stalled = %+v, want only %s (fresh=%s)", stalled, hung.ID, fresh.ID)
	}
}

// ---------------------------------------------------------------------------
// Prompts
// ---------------------------------------------------------------------------

func TestPrompts(t *testing.T) {
	fc := &fakeClock{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	s := openTestStore(t, GormStoreOpts{Now: fc.Now})
	ctx := context.Background()

	long := "A title that is certainly going to be longer than fifty characters"
	p1, err := s.CreatePrompt(ctx, "alice", long, "Summarize this.")
	if err != nil {
		t.Fatalf("CreatePrompt: %v", err)
	}
	if n := len([]rune(p1.Title)); n != MaxPromptTitle {
		t.Errorf("title length = %d, want %d", n, MaxPromptTitle)
	}
	p2, _ := s.CreatePrompt(ctx, "alice", "Translate", "Translate to French.")

	if _, err := s.CreatePrompt(ctx, "alice", " ", "x"); err == nil {
		t.Error("expected error for blank title")
	}

	list, _ := s.ListPrompts(ctx, "alice")
	if len(list) != 2 || list[0].ID != p2.ID {
		t.Fatalf("ListPrompts = %+v, want newest first", list)
	}

	fc.Advance(time.Minute)
	touched, err := s.TouchPrompt(ctx, p1.ID)
	if err != nil {
		t.Fatalf("TouchPrompt: %v", err)
	}
	if touched.LastUsedAt == nil {
		t.Fatal("LastUsedAt not set")
	}
	list, _ = s.ListPrompts(ctx, "alice")
	if list[0].ID != p1.ID {
		t.Errorf("ListPrompts[0] = %s, want recently used %s", list[0].ID, p1.ID)
	}

	if err := s.DeletePrompt(ctx, p2.ID); err != nil {
		t.Fatalf("DeletePrompt: %v", err)
	}
	if err := s.DeletePrompt(ctx, p2.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("second delete err = %v, want ErrNotFound", err)
	}
	if _, err := s.TouchPrompt(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("touch missing err = %v, want ErrNotFound", err)
	}
}
