package models

import (
	"time"
)

// CacheEntry is a TTL key/value row used when no Redis is configured. Presence
// leases and rate-limit counters live here.
type CacheEntry struct {
	Key       string    `gorm:"primaryKey;size:256"`
	Value     []byte    `gorm:"type:blob"`
	ExpiresAt time.Time `gorm:"index"`
	CreatedAt time.Time
	UpdatedAt time.Time
}
