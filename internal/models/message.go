package models

import (
	"time"

	"gorm.io/datatypes"
)

// Role values for Message.Role.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Message is one entry in a conversation's append-only log. Only assistant
// messages are patched after append (Content, Thinking, Streaming, Usage).
type Message struct {
	ID             string         `gorm:"primaryKey;size:36" json:"id"`
	ConversationID string         `gorm:"size:36;not null;index:idx_conv_ts" json:"conversation_id"`
	Role           string         `gorm:"size:16;not null" json:"role"`
	Content        string         `gorm:"type:text" json:"content"`
	Thinking       string         `gorm:"type:text" json:"thinking,omitempty"`
	ImageURL       string         `gorm:"type:text" json:"image_url,omitempty"`
	ImageType      string         `gorm:"size:64" json:"image_type,omitempty"`
	Streaming      bool           `gorm:"default:false;index" json:"streaming"`
	Usage          datatypes.JSON `json:"usage,omitempty"`
	Timestamp      time.Time      `gorm:"not null;index:idx_conv_ts" json:"timestamp"`
	UpdatedAt      time.Time      `gorm:"autoUpdateTime:false;index" json:"updated_at"`
}

// Image returns the message's image reference, or nil if it has none.
func (m *Message) Image() *ImageRef {
	if m.ImageURL == "" {
		return nil
	}
	return &ImageRef{URL: m.ImageURL, Type: m.ImageType}
}

// ImageRef points at an uploaded image attached to a user turn.
type ImageRef struct {
	URL  string `json:"url"`
	Type string `json:"type"`
}
