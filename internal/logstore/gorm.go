package logstore

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/zulandar/chatline/internal/models"
	"gorm.io/gorm"
)

// GormStore is a Store backed by any gorm dialect (sqlite, mysql, postgres).
type GormStore struct {
	db     *gorm.DB
	broker *Broker
	clock  *clock
	notify bool
}

// GormStoreOpts holds parameters for creating a GormStore.
type GormStoreOpts struct {
	DB *gorm.DB

	// Now overrides the wall clock. Timestamps are still forced strictly
	// increasing.
	Now func() time.Time

	// PollInterval re-publishes subscribed keys so writes from other
	// processes are seen. Zero disables polling.
	PollInterval time.Duration

	// Notify emits a Postgres NOTIFY after every write. Pair it with
	// ListenPostgres in every process sharing the database.
	Notify bool
}

// NewGormStore creates a GormStore. The schema must already be migrated.
func NewGormStore(opts GormStoreOpts) (*GormStore, error) {
	if opts.DB == nil {
		return nil, fmt.Errorf("logstore: db is required")
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	s := &GormStore{
		db:     opts.DB,
		clock:  &clock{now: now},
		notify: opts.Notify,
	}
	s.broker = newBroker(s.ListMessages, s.ListConversations)
	s.broker.Poll(opts.PollInterval)
	return s, nil
}

// Broker returns the store's realtime broker.
func (s *GormStore) Broker() *Broker { return s.broker }

// Close stops realtime delivery. The database handle is left open.
func (s *GormStore) Close() error {
	s.broker.Close()
	return nil
}

// clock hands out strictly increasing UTC timestamps at microsecond
// resolution, the finest all supported databases store.
type clock struct {
	mu   sync.Mutex
	now  func() time.Time
	last time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := c.now().UTC().Truncate(time.Microsecond)
	if !t.After(c.last) {
		t = c.last.Add(time.Microsecond)
	}
	c.last = t
	return t
}

func newID() (string, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return "", err
	}
	return id.String(), nil
}

// changed publishes a write to local subscribers and, when enabled, to other
// processes through Postgres.
func (s *GormStore) changed(ctx context.Context, conversationID, owner string) {
	s.broker.Publish(conversationID, owner)
	if !s.notify {
		return
	}
	payload, err := encodeNotifyPayload(conversationID, owner)
	if err != nil {
		log.Printf("logstore: encode notify payload: %v", err)
		return
	}
	if err := s.db.WithContext(context.WithoutCancel(ctx)).Exec("SELECT pg_notify(?, ?)", NotifyChannel, payload).Error; err != nil {
		log.Printf("logstore: notify [conversation=%s]: %v", conversationID, err)
	}
}

func notFound(err error) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ErrNotFound
	}
	return err
}

// ---------------------------------------------------------------------------
// Conversations
// ---------------------------------------------------------------------------

// CreateConversation inserts an empty conversation for owner.
func (s *GormStore) CreateConversation(ctx context.Context, owner, title string) (models.Conversation, error) {
	id, err := newID()
	if err != nil {
		return models.Conversation{}, fmt.Errorf("logstore: create conversation: %w", err)
	}
	now := s.clock.Now()
	conv := models.Conversation{
		ID:        id,
		Owner:     owner,
		Title:     title,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.db.WithContext(ctx).Create(&conv).Error; err != nil {
		return models.Conversation{}, fmt.Errorf("logstore: create conversation: %w", err)
	}
	s.changed(ctx, "", owner)
	return conv, nil
}

// PatchConversation changes title and/or starred. It does not advance
// UpdatedAt, so the conversation keeps its place in the list.
func (s *GormStore) PatchConversation(ctx context.Context, id string, p ConversationPatch) error {
	updates := map[string]interface{}{}
	if p.Title != nil {
		updates["title"] = *p.Title
	}
	if p.Starred != nil {
		updates["starred"] = *p.Starred
	}

	conv, err := s.GetConversation(ctx, id)
	if err != nil {
		return fmt.Errorf("logstore: patch conversation %s: %w", id, err)
	}
	if len(updates) == 0 {
		return nil
	}
	if err := s.db.WithContext(ctx).Model(&models.Conversation{}).
		Where("id = ?", id).UpdateColumns(updates).Error; err != nil {
		return fmt.Errorf("logstore: patch conversation %s: %w", id, err)
	}
	s.changed(ctx, "", conv.Owner)
	return nil
}

// GetConversation returns one conversation.
func (s *GormStore) GetConversation(ctx context.Context, id string) (models.Conversation, error) {
	var conv models.Conversation
	if err := s.db.WithContext(ctx).Where("id = ?", id).First(&conv).Error; err != nil {
		return models.Conversation{}, notFound(err)
	}
	return conv, nil
}

// ListConversations returns owner's conversations, most recently updated
// first.
func (s *GormStore) ListConversations(ctx context.Context, owner string) ([]models.Conversation, error) {
	var convs []models.Conversation
	if err := s.db.WithContext(ctx).Where("owner = ?", owner).
		Order("updated_at DESC, id DESC").Find(&convs).Error; err != nil {
		return nil, fmt.Errorf("logstore: list conversations: %w", err)
	}
	return convs, nil
}

// Starred returns owner's starred conversations, most recently updated first.
func (s *GormStore) Starred(ctx context.Context, owner string) ([]models.Conversation, error) {
	var convs []models.Conversation
	if err := s.db.WithContext(ctx).Where("owner = ? AND starred = ?", owner, true).
		Order("updated_at DESC, id DESC").Find(&convs).Error; err != nil {
		return nil, fmt.Errorf("logstore: starred: %w", err)
	}
	return convs, nil
}

// Search returns owner's conversations whose title, preview or any message
// contains query, case-insensitively.
func (s *GormStore) Search(ctx context.Context, owner, query string) ([]models.Conversation, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return s.ListConversations(ctx, owner)
	}
	pattern := "%" + strings.ToLower(query) + "%"
	var convs []models.Conversation
	err := s.db.WithContext(ctx).Where("owner = ?", owner).
		Where("LOWER(title) LIKE ? OR LOWER(last_message) LIKE ? OR id IN (?)",
			pattern, pattern,
			s.db.Model(&models.Message{}).Select("conversation_id").Where("LOWER(content) LIKE ?", pattern),
		).
		Order("updated_at DESC, id DESC").Find(&convs).Error
	if err != nil {
		return nil, fmt.Errorf("logstore: search: %w", err)
	}
	return convs, nil
}

// DeleteConversation removes a conversation and all its messages.
func (s *GormStore) DeleteConversation(ctx context.Context, id string) error {
	var owner string
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var conv models.Conversation
		if err := tx.Where("id = ?", id).First(&conv).Error; err != nil {
			return notFound(err)
		}
		owner = conv.Owner
		if err := tx.Where("conversation_id = ?", id).Delete(&models.Message{}).Error; err != nil {
			return err
		}
		return tx.Where("id = ?", id).Delete(&models.Conversation{}).Error
	})
	if err != nil {
		return fmt.Errorf("logstore: delete conversation %s: %w", id, err)
	}
	s.changed(ctx, id, owner)
	return nil
}

// ---------------------------------------------------------------------------
// Messages
// ---------------------------------------------------------------------------

// Append adds a message to the end of a conversation. The store assigns the
// id and timestamp. A non-empty content becomes the conversation preview.
func (s *GormStore) Append(ctx context.Context, conversationID string, m NewMessage) (models.Message, error) {
	id, err := newID()
	if err != nil {
		return models.Message{}, fmt.Errorf("logstore: append: %w", err)
	}
	msg := models.Message{
		ID:             id,
		ConversationID: conversationID,
		Role:           m.Role,
		Content:        m.Content,
		Streaming:      m.Streaming,
	}
	if m.Image != nil {
		msg.ImageURL = m.Image.URL
		msg.ImageType = m.Image.Type
	}

	var owner string
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var conv models.Conversation
		if err := tx.Where("id = ?", conversationID).First(&conv).Error; err != nil {
			return notFound(err)
		}
		owner = conv.Owner

		now := s.clock.Now()
		msg.Timestamp = now
		msg.UpdatedAt = now
		if err := tx.Create(&msg).Error; err != nil {
			return err
		}

		updates := map[string]interface{}{"updated_at": now}
		if m.Content != "" {
			updates["last_message"] = m.Content
		}
		return tx.Model(&models.Conversation{}).Where("id = ?", conversationID).UpdateColumns(updates).Error
	})
	if err != nil {
		return models.Message{}, fmt.Errorf("logstore: append to %s: %w", conversationID, err)
	}
	s.changed(ctx, conversationID, owner)
	return msg, nil
}

// Patch changes content, streaming, thinking and/or usage on an assistant
// message and advances the conversation's UpdatedAt.
func (s *GormStore) Patch(ctx context.Context, conversationID, messageID string, p MessagePatch) error {
	var owner string
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var msg models.Message
		if err := tx.Where("id = ? AND conversation_id = ?", messageID, conversationID).First(&msg).Error; err != nil {
			return notFound(err)
		}
		if msg.Role != models.RoleAssistant {
			return ErrNotPatchable
		}
		var conv models.Conversation
		if err := tx.Select("owner").Where("id = ?", conversationID).First(&conv).Error; err != nil {
			return notFound(err)
		}
		owner = conv.Owner

		now := s.clock.Now()
		updates := map[string]interface{}{"updated_at": now}
		if p.Content != nil {
			updates["content"] = *p.Content
		}
		if p.Streaming != nil {
			updates["streaming"] = *p.Streaming
		}
		if p.Thinking != nil {
			updates["thinking"] = *p.Thinking
		}
		if p.Usage != nil {
			updates["usage"] = p.Usage
		}
		if err := tx.Model(&models.Message{}).Where("id = ?", messageID).UpdateColumns(updates).Error; err != nil {
			return err
		}
		return tx.Model(&models.Conversation{}).Where("id = ?", conversationID).
			UpdateColumn("updated_at", now).Error
	})
	if err != nil {
		return fmt.Errorf("logstore: patch %s/%s: %w", conversationID, messageID, err)
	}
	s.changed(ctx, conversationID, owner)
	return nil
}

// DeleteMessage removes a message, recomputes the conversation preview from
// the new tail (empty when none remain) and advances UpdatedAt.
func (s *GormStore) DeleteMessage(ctx context.Context, conversationID, messageID string) error {
	var owner string
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var conv models.Conversation
		if err := tx.Where("id = ?", conversationID).First(&conv).Error; err != nil {
			return notFound(err)
		}
		owner = conv.Owner

		res := tx.Where("id = ? AND conversation_id = ?", messageID, conversationID).Delete(&models.Message{})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return ErrNotFound
		}

		preview := ""
		var tail []models.Message
		if err := tx.Where("conversation_id = ?", conversationID).
			Order("timestamp DESC, id DESC").Limit(1).Find(&tail).Error; err != nil {
			return err
		}
		if len(tail) > 0 {
			preview = tail[0].Content
		}
		return tx.Model(&models.Conversation{}).Where("id = ?", conversationID).UpdateColumns(map[string]interface{}{
			"last_message": preview,
			"updated_at":   s.clock.Now(),
		}).Error
	})
	if err != nil {
		return fmt.Errorf("logstore: delete message %s/%s: %w", conversationID, messageID, err)
	}
	s.changed(ctx, conversationID, owner)
	return nil
}

// ListMessages returns a conversation's messages ordered by timestamp, then
// id.
func (s *GormStore) ListMessages(ctx context.Context, conversationID string) ([]models.Message, error) {
	var msgs []models.Message
	if err := s.db.WithContext(ctx).Where("conversation_id = ?", conversationID).
		Order("timestamp ASC, id ASC").Find(&msgs).Error; err != nil {
		return nil, fmt.Errorf("logstore: list messages: %w", err)
	}
	return msgs, nil
}

// StalledStreaming returns assistant messages still marked streaming whose
// last update is before cutoff.
func (s *GormStore) StalledStreaming(ctx context.Context, cutoff time.Time) ([]models.Message, error) {
	var msgs []models.Message
	if err := s.db.WithContext(ctx).
		Where("streaming = ? AND role = ? AND updated_at < ?", true, models.RoleAssistant, cutoff.UTC()).
		Order("updated_at ASC").Find(&msgs).Error; err != nil {
		return nil, fmt.Errorf("logstore: stalled streaming: %w", err)
	}
	return msgs, nil
}

// ---------------------------------------------------------------------------
// Subscriptions
// ---------------------------------------------------------------------------

// Subscribe implements Store.
func (s *GormStore) Subscribe(ctx context.Context, conversationID string, fn func(MessageSnapshot)) (func(), error) {
	if s.broker.closed.Load() {
		return nil, ErrClosed
	}
	unsub, err := s.broker.messages.subscribe(ctx, conversationID, func(msgs []models.Message, err error) {
		fn(MessageSnapshot{Messages: msgs, Err: err})
	})
	if err != nil {
		return nil, fmt.Errorf("logstore: subscribe %s: %w", conversationID, err)
	}
	return unsub, nil
}

// SubscribeConversations implements Store.
func (s *GormStore) SubscribeConversations(ctx context.Context, owner string, fn func(ConversationSnapshot)) (func(), error) {
	if s.broker.closed.Load() {
		return nil, ErrClosed
	}
	unsub, err := s.broker.conversations.subscribe(ctx, owner, func(convs []models.Conversation, err error) {
		fn(ConversationSnapshot{Conversations: convs, Err: err})
	})
	if err != nil {
		return nil, fmt.Errorf("logstore: subscribe conversations %s: %w", owner, err)
	}
	return unsub, nil
}

var (
	_ Store   = (*GormStore)(nil)
	_ Prompts = (*GormStore)(nil)
)
