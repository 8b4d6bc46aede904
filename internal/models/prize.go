package models

import (
	"time"

	"gorm.io/datatypes"
)

// PrizeConfig is one version of the prize configuration. Every save is an
// insert with the next version; the current configuration is the row with
// the maximum version. Rows are never edited in place.
type PrizeConfig struct {
	ID        uint           `gorm:"primaryKey" json:"id"`
	Version   int64          `gorm:"not null;uniqueIndex" json:"version"`
	Payload   datatypes.JSON `gorm:"not null" json:"payload"`
	UpdatedAt time.Time      `json:"updated_at"`
}

func (PrizeConfig) TableName() string { return "prize_configs" }
