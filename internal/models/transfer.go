package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// TransferStatus is the state of a prize disbursement request. A record
// moves pending -> success or pending -> failed exactly once.
type TransferStatus string

const (
	TransferPending TransferStatus = "pending"
	TransferSuccess TransferStatus = "success"
	TransferFailed  TransferStatus = "failed"
)

// TransferRecord is the idempotent ledger row for one prize disbursement.
// A second request with the same IdempotencyKey returns the existing record
// unchanged rather than creating a duplicate.
type TransferRecord struct {
	ID             string          `gorm:"type:varchar(36);primaryKey" json:"id"`
	WinnerID       string          `gorm:"size:128;not null;index" json:"winner_id"`
	Amount         decimal.Decimal `gorm:"type:numeric(20,8);not null" json:"amount"`
	Currency       string          `gorm:"size:16;not null" json:"currency"`
	RequestedBy    string          `gorm:"size:128;not null" json:"requested_by"`
	Status         TransferStatus  `gorm:"size:16;not null;index" json:"status"`
	IdempotencyKey string          `gorm:"size:128;not null;uniqueIndex" json:"idempotency_key"`
	ExternalTxID   *string         `gorm:"size:256" json:"external_tx_id"`
	CreatedAt      time.Time       `json:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at"`
}

func (TransferRecord) TableName() string { return "transfer_records" }
