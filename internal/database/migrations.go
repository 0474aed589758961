package database

import (
	"errors"

	"gorm.io/gorm"

	"github.com/ticktalk/ticktalk/internal/models"
)

// AutoMigrate creates or updates the tables backing session documents and the cache.
func AutoMigrate(db *gorm.DB) error {
	if db == nil {
		return errors.New("nil database handle")
	}
	return db.AutoMigrate(
		&models.SessionRecord{},
		&models.CacheEntry{},
	)
}
