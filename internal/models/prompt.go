package models

import "time"

// Prompt is a saved, reusable prompt text.
type Prompt struct {
	ID         string     `gorm:"primaryKey;size:36" json:"id"`
	Owner      string     `gorm:"size:64;not null;index" json:"owner"`
	Title      string     `gorm:"size:50;not null" json:"title"`
	Content    string     `gorm:"type:text;not null" json:"content"`
	LastUsedAt *time.Time `json:"last_used_at,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
}
