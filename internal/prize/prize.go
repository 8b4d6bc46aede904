// Package prize manages the versioned prize configuration. Every save is
// an insert with the next version; history is retained for audit and the
// current configuration is the row with the maximum version.
package prize

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"blockpool/internal/audit"
	"blockpool/internal/errs"
	"blockpool/internal/models"

	"github.com/shopspring/decimal"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

const (
	maxExtraKeys   = 16
	maxExtraString = 256
)

// Payload is the prize configuration body. Explicit fields are validated at
// write time; Extra is a bounded extension bag for forward compatibility.
type Payload struct {
	Jackpot       decimal.Decimal   `json:"jackpot"`
	Placements    []decimal.Decimal `json:"placements,omitempty"`
	Currency      string            `json:"currency"`
	TokenContract string            `json:"token_contract,omitempty"`
	Extra         map[string]string `json:"extra,omitempty"`
}

// Validate checks the payload before it is written. Read paths trust what
// validation admitted.
func (p Payload) Validate() error {
	if !p.Jackpot.IsPositive() {
		return errs.Validation("jackpot must be positive, got %s", p.Jackpot)
	}
	if p.Currency == "" {
		return errs.Validation("currency is required")
	}
	for i, amount := range p.Placements {
		if !amount.IsPositive() {
			return errs.Validation("placement %d must be positive, got %s", i+1, amount)
		}
	}
	if len(p.Extra) > maxExtraKeys {
		return errs.Validation("extra holds %d keys, limit is %d", len(p.Extra), maxExtraKeys)
	}
	for k, v := range p.Extra {
		if len(k) > maxExtraString || len(v) > maxExtraString {
			return errs.Validation("extra entry %q exceeds %d bytes", k, maxExtraString)
		}
	}
	return nil
}

// Snapshot renders the payload as the denormalized string stored on rounds
// at creation time.
func (p Payload) Snapshot() string {
	raw, err := json.Marshal(p)
	if err != nil {
		return fmt.Sprintf(`{"jackpot":"%s","currency":"%s"}`, p.Jackpot, p.Currency)
	}
	return string(raw)
}

// ParseSnapshot decodes a round's prize snapshot back into a payload.
func ParseSnapshot(snapshot string) (Payload, error) {
	var p Payload
	if err := json.Unmarshal([]byte(snapshot), &p); err != nil {
		return Payload{}, fmt.Errorf("decode prize snapshot: %w", err)
	}
	return p, nil
}

// Config pairs a payload with its version.
type Config struct {
	Version int64   `json:"version"`
	Payload Payload `json:"payload"`
}

type Store struct {
	db     *gorm.DB
	trail  *audit.Trail
	admins map[string]struct{}
}

func NewStore(gdb *gorm.DB, trail *audit.Trail, adminIDs []string) *Store {
	admins := make(map[string]struct{}, len(adminIDs))
	for _, id := range adminIDs {
		admins[id] = struct{}{}
	}
	return &Store{db: gdb, trail: trail, admins: admins}
}

// Current returns the configuration with the maximum version.
func (s *Store) Current(ctx context.Context) (Config, error) {
	var row models.PrizeConfig
	err := s.db.WithContext(ctx).Order("version DESC").First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Config{}, errs.NotFound("no prize configuration saved yet")
	}
	if err != nil {
		return Config{}, err
	}
	return decode(row)
}

// Save validates and inserts the payload as the next version. Historical
// versions are never edited in place.
func (s *Store) Save(ctx context.Context, actorID string, payload Payload) (Config, error) {
	if _, ok := s.admins[actorID]; !ok {
		return Config{}, errs.Unauthorized("principal %s may not edit prize configuration", actorID)
	}
	if err := payload.Validate(); err != nil {
		return Config{}, err
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return Config{}, fmt.Errorf("encode payload: %w", err)
	}

	var row models.PrizeConfig
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var maxVersion int64
		if err := tx.Model(&models.PrizeConfig{}).
			Select("COALESCE(MAX(version), 0)").
			Scan(&maxVersion).Error; err != nil {
			return err
		}
		row = models.PrizeConfig{
			Version: maxVersion + 1,
			Payload: datatypes.JSON(raw),
		}
		return tx.Create(&row).Error
	})
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		// Lost a version race against a concurrent save.
		return Config{}, errs.Duplicate("prize configuration version conflict, retry")
	}
	if err != nil {
		return Config{}, err
	}

	s.trail.Record(ctx, actorID, "prize_config_saved", map[string]interface{}{
		"version":  row.Version,
		"jackpot":  payload.Jackpot.String(),
		"currency": payload.Currency,
	})
	return Config{Version: row.Version, Payload: payload}, nil
}

// History returns up to limit versions, newest first.
func (s *Store) History(ctx context.Context, limit int) ([]Config, error) {
	if limit <= 0 || limit > 100 {
		limit = 20
	}
	var rows []models.PrizeConfig
	if err := s.db.WithContext(ctx).Order("version DESC").Limit(limit).Find(&rows).Error; err != nil {
		return nil, err
	}
	configs := make([]Config, 0, len(rows))
	for _, row := range rows {
		cfg, err := decode(row)
		if err != nil {
			return nil, err
		}
		configs = append(configs, cfg)
	}
	return configs, nil
}

func decode(row models.PrizeConfig) (Config, error) {
	var p Payload
	if err := json.Unmarshal(row.Payload, &p); err != nil {
		return Config{}, fmt.Errorf("decode prize config v%d: %w", row.Version, err)
	}
	return Config{Version: row.Version, Payload: p}, nil
}
