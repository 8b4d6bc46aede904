package models

import "time"

// Guess is a single player's prediction for a round. At most one guess per
// (round, player) pair, enforced by the composite unique index rather than a
// check-then-act read. Guesses are immutable after creation.
type Guess struct {
	ID          string    `gorm:"type:varchar(36);primaryKey" json:"id"`
	RoundID     string    `gorm:"type:varchar(36);not null;index;uniqueIndex:ux_guesses_round_player" json:"round_id"`
	PlayerID    string    `gorm:"size:128;not null;index;uniqueIndex:ux_guesses_round_player" json:"player_id"`
	Value       int64     `gorm:"not null" json:"value"`
	SubmittedAt int64     `gorm:"not null;index" json:"submitted_at"` // epoch millis
	DisplayName string    `gorm:"size:128" json:"display_name"`       // denormalized for read efficiency
	AvatarURL   string    `gorm:"size:512" json:"avatar_url"`
	CreatedAt   time.Time `json:"created_at"`
}

func (Guess) TableName() string { return "guesses" }
