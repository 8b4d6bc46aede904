// Package models defines the database models for the prediction game.
package models

import (
	"time"

	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// RoundStatus is the lifecycle state of a round. Transitions are monotone
// open -> closed -> finished and are enforced by conditional writes, never
// by application-side checks alone.
type RoundStatus string

const (
	RoundOpen     RoundStatus = "open"
	RoundClosed   RoundStatus = "closed"
	RoundFinished RoundStatus = "finished"
)

// Round is one instance of the prediction game tied to a future block.
// ActualTxCount, BlockHash and WinnerID are set together, exactly once, when
// the round transitions to finished. Rounds are soft-deleted only.
type Round struct {
	ID                string         `gorm:"type:varchar(36);primaryKey" json:"id"`
	RoundNumber       int64          `gorm:"not null;index" json:"round_number"`
	StartTime         int64          `gorm:"not null" json:"start_time"` // epoch millis
	EndTime           int64          `gorm:"not null;index" json:"end_time"`
	DurationMinutes   int64          `gorm:"not null" json:"duration_minutes"` // informational, redundant with times
	TargetBlockHeight int64          `gorm:"not null;index" json:"target_block_height"`
	Prize             string         `gorm:"type:text;not null" json:"prize"` // prize config snapshot at creation time
	Status            RoundStatus    `gorm:"size:16;not null;index" json:"status"`
	ActualTxCount     *int64         `json:"actual_tx_count"`
	BlockHash         *string        `gorm:"size:128" json:"block_hash"`
	WinnerID          *string        `gorm:"size:128" json:"winner_id"`
	Metadata          datatypes.JSON `json:"metadata,omitempty"`
	CreatedAt         time.Time      `json:"created_at"`
	UpdatedAt         time.Time      `json:"updated_at"`
	DeletedAt         gorm.DeletedAt `gorm:"index" json:"-"`
}

func (Round) TableName() string { return "rounds" }

// Resolved reports whether result computation has run for the round.
func (r Round) Resolved() bool { return r.Status == RoundFinished }
