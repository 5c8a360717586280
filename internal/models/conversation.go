package models

import "time"

// Conversation is a titled, ordered thread of messages belonging to one owner.
// The store owns it; clients only hold projections.
type Conversation struct {
	ID          string    `gorm:"primaryKey;size:36" json:"id"`
	Owner       string    `gorm:"size:64;not null;index:idx_owner_updated" json:"owner"`
	Title       string    `gorm:"size:256;not null" json:"title"`
	Starred     bool      `gorm:"default:false;index" json:"starred"`
	LastMessage string    `gorm:"type:text" json:"last_message"`
	CreatedAt   time.Time `gorm:"autoCreateTime:false" json:"created_at"`
	UpdatedAt   time.Time `gorm:"autoUpdateTime:false;index:idx_owner_updated" json:"updated_at"`

	Messages []Message `gorm:"foreignKey:ConversationID" json:"-"`
}
