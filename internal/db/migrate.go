package db

import (
	"fmt"

	"github.com/zulandar/chatline/internal/models"
	"gorm.io/gorm"
)

// AllModels returns every GORM model chatline persists.
func AllModels() []interface{} {
	return []interface{}{
		&models.Conversation{},
		&models.Message{},
		&models.Prompt{},
	}
}

// AutoMigrate creates or updates all tables.
func AutoMigrate(db *gorm.DB) error {
	if err := db.AutoMigrate(AllModels()...); err != nil {
		return fmt.Errorf("db: auto-migrate: %w", err)
	}
	return nil
}
