package logstore

import (
	"context"
	"fmt"
	"strings"

	"github.com/zulandar/chatline/internal/models"
)

// MaxPromptTitle is the longest prompt title kept, in runes.
const MaxPromptTitle = 50

// CreatePrompt saves a prompt. Titles longer than MaxPromptTitle are cut.
func (s *GormStore) CreatePrompt(ctx context.Context, owner, title, content string) (models.Prompt, error) {
	title = strings.TrimSpace(title)
	if r := []rune(title); len(r) > MaxPromptTitle {
		title = string(r[:MaxPromptTitle])
	}
	if title == "" || strings.TrimSpace(content) == "" {
		return models.Prompt{}, fmt.Errorf("logstore: create prompt: title and content are required")
	}
	id, err := newID()
	if err != nil {
		return models.Prompt{}, fmt.Errorf("logstore: create prompt: %w", err)
	}
	p := models.Prompt{
		ID:        id,
		Owner:     owner,
		Title:     title,
		Content:   content,
		CreatedAt: s.clock.Now(),
	}
	if err := s.db.WithContext(ctx).Create(&p).Error; err != nil {
		return models.Prompt{}, fmt.Errorf("logstore: create prompt: %w", err)
	}
	return p, nil
}

// ListPrompts returns owner's prompts, most recently used first, then
// newest first among never-used ones.
func (s *GormStore) ListPrompts(ctx context.Context, owner string) ([]models.Prompt, error) {
	var prompts []models.Prompt
	if err := s.db.WithContext(ctx).Where("owner = ?", owner).
		Order("last_used_at IS NULL, last_used_at DESC, created_at DESC").
		Find(&prompts).Error; err != nil {
		return nil, fmt.Errorf("logstore: list prompts: %w", err)
	}
	return prompts, nil
}

// DeletePrompt removes a prompt.
func (s *GormStore) DeletePrompt(ctx context.Context, id string) error {
	res := s.db.WithContext(ctx).Where("id = ?", id).Delete(&models.Prompt{})
	if res.Error != nil {
		return fmt.Errorf("logstore: delete prompt %s: %w", id, res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("logstore: delete prompt %s: %w", id, ErrNotFound)
	}
	return nil
}

// TouchPrompt records that a prompt was used and returns it.
func (s *GormStore) TouchPrompt(ctx context.Context, id string) (models.Prompt, error) {
	now := s.clock.Now()
	res := s.db.WithContext(ctx).Model(&models.Prompt{}).Where("id = ?", id).UpdateColumn("last_used_at", now)
	if res.Error != nil {
		return models.Prompt{}, fmt.Errorf("logstore: touch prompt %s: %w", id, res.Error)
	}
	if res.RowsAffected == 0 {
		return models.Prompt{}, fmt.Errorf("logstore: touch prompt %s: %w", id, ErrNotFound)
	}
	var p models.Prompt
	if err := s.db.WithContext(ctx).Where("id = ?", id).First(&p).Error; err != nil {
		return models.Prompt{}, fmt.Errorf("logstore: touch prompt %s: %w", id, notFound(err))
	}
	return p, nil
}
