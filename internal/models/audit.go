package models

import (
	"time"

	"gorm.io/datatypes"
)

// AuditEntry records an administrative action or a system error.
// Append-only: the engine never updates or deletes rows.
type AuditEntry struct {
	ID        uint           `gorm:"primaryKey" json:"id"`
	ActorID   string         `gorm:"size:128;index" json:"actor_id"`
	Action    string         `gorm:"size:64;not null;index" json:"action"`
	Detail    datatypes.JSON `gorm:"not null" json:"detail"`
	CreatedAt time.Time      `gorm:"index" json:"created_at"`
}

func (AuditEntry) TableName() string { return "audit_logs" }
