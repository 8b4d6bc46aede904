// Package audit appends administrative actions and system errors to the
// audit_logs table. Entries are never updated or deleted.
package audit

import (
	"context"
	"encoding/json"

	"blockpool/internal/logger"
	"blockpool/internal/models"

	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// SystemActor marks entries recorded by the engine itself rather than an
// administrative principal.
const SystemActor = "system"

type Trail struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewTrail(gdb *gorm.DB, log *logger.Logger) *Trail {
	return &Trail{db: gdb, log: log}
}

// Record appends one entry. Audit failures are logged and swallowed: a
// broken trail must never fail the operation it describes.
func (t *Trail) Record(ctx context.Context, actorID, action string, detail map[string]interface{}) {
	payload, err := json.Marshal(detail)
	if err != nil {
		t.log.Printf("audit: marshal detail for %s: %v", action, err)
		payload = []byte(`{}`)
	}
	entry := models.AuditEntry{
		ActorID: actorID,
		Action:  action,
		Detail:  datatypes.JSON(payload),
	}
	if err := t.db.WithContext(ctx).Create(&entry).Error; err != nil {
		t.log.Printf("audit: record %s: %v", action, err)
	}
}

// RecordError appends a system error entry.
func (t *Trail) RecordError(ctx context.Context, action string, cause error) {
	t.Record(ctx, SystemActor, action, map[string]interface{}{
		"error": cause.Error(),
	})
}

// Recent returns up to limit entries, newest first.
func (t *Trail) Recent(ctx context.Context, limit int) ([]models.AuditEntry, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	var entries []models.AuditEntry
	err := t.db.WithContext(ctx).
		Order("id DESC").
		Limit(limit).
		Find(&entries).Error
	return entries, err
}
