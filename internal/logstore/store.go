// Package logstore is the Conversation Log Store: the durable, multi-reader
// record of conversations and their messages, with realtime snapshots
// delivered to subscribers on every change.
package logstore

import (
	"context"
	"errors"
	"time"

	"github.com/zulandar/chatline/internal/models"
	"gorm.io/datatypes"
)

var (
	// ErrNotFound is returned when a conversation, message or prompt does
	// not exist.
	ErrNotFound = errors.New("logstore: not found")

	// ErrNotPatchable is returned when a patch targets a user message.
	ErrNotPatchable = errors.New("logstore: message is not patchable")

	// ErrClosed is returned by Subscribe after the store is closed.
	ErrClosed = errors.New("logstore: closed")
)

// NewMessage is the caller-supplied part of an appended message. The store
// assigns ID and Timestamp.
type NewMessage struct {
	Role      string
	Content   string
	Image     *models.ImageRef
	Streaming bool
}

// MessagePatch lists the fields to change on an assistant message. Nil
// fields are left as they are.
type MessagePatch struct {
	Content   *string
	Streaming *bool
	Thinking  *string
	Usage     datatypes.JSON
}

// ConversationPatch lists the conversation fields to change.
type ConversationPatch struct {
	Title   *string
	Starred *bool
}

// MessageSnapshot is the full message set of one conversation at a point in
// time, or the error that prevented loading it.
type MessageSnapshot struct {
	Messages []models.Message
	Err      error
}

// ConversationSnapshot is an owner's conversation list, most recently
// updated first.
type ConversationSnapshot struct {
	Conversations []models.Conversation
	Err           error
}

// Store is the capability contract the rest of chatline depends on.
type Store interface {
	CreateConversation(ctx context.Context, owner, title string) (models.Conversation, error)
	PatchConversation(ctx context.Context, id string, p ConversationPatch) error
	GetConversation(ctx context.Context, id string) (models.Conversation, error)
	ListConversations(ctx context.Context, owner string) ([]models.Conversation, error)
	DeleteConversation(ctx context.Context, id string) error
	Starred(ctx context.Context, owner string) ([]models.Conversation, error)
	Search(ctx context.Context, owner, query string) ([]models.Conversation, error)

	Append(ctx context.Context, conversationID string, m NewMessage) (models.Message, error)
	Patch(ctx context.Context, conversationID, messageID string, p MessagePatch) error
	DeleteMessage(ctx context.Context, conversationID, messageID string) error
	ListMessages(ctx context.Context, conversationID string) ([]models.Message, error)
	StalledStreaming(ctx context.Context, cutoff time.Time) ([]models.Message, error)

	// Subscribe delivers the conversation's full message set once
	// immediately and again after every change, until the returned
	// function is called. Deliveries for one subscription are sequential
	// and never older than a previous delivery.
	Subscribe(ctx context.Context, conversationID string, fn func(MessageSnapshot)) (func(), error)
	SubscribeConversations(ctx context.Context, owner string, fn func(ConversationSnapshot)) (func(), error)
}

// Prompts stores saved, reusable prompt texts.
type Prompts interface {
	CreatePrompt(ctx context.Context, owner, title, content string) (models.Prompt, error)
	ListPrompts(ctx context.Context, owner string) ([]models.Prompt, error)
	DeletePrompt(ctx context.Context, id string) error
	TouchPrompt(ctx context.Context, id string) (models.Prompt, error)
}

// Str returns a pointer to s, for building patches.
func Str(s string) *string { return &s }

// Bool returns a pointer to b, for building patches.
func Bool(b bool) *bool { return &b }
