package models

import (
	"gorm.io/datatypes"
)

// SessionRecord is the SQL row backing one session document. Version is the
// optimistic-lock column: every commit must match the version it read.
type SessionRecord struct {
	BaseModel

	Version int64          `gorm:"not null;default:1" json:"version"`
	Status  string         `gorm:"type:varchar(16);not null;index" json:"status"`
	HostID  string         `gorm:"size:128;not null;index" json:"host_id"`
	Payload datatypes.JSON `gorm:"type:json;not null" json:"payload"`
}

// TableName pins the table name regardless of naming strategy.
func (SessionRecord) TableName() string {
	return "sessions"
}
