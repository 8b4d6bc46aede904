// Package settlement records prize disbursement requests idempotently and
// hands them to an external payment worker. The unique idempotency key plus
// insert-before-dispatch guarantees at most one payment attempt is initiated
// per logical settlement, even under duplicate calls or retries.
package settlement

import (
	"context"
	"errors"
	"fmt"

	"blockpool/internal/audit"
	"blockpool/internal/errs"
	"blockpool/internal/logger"
	"blockpool/internal/models"
	"blockpool/internal/realtime"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// keyNamespace seeds deterministic idempotency keys so a retried
// computeResult derives the same key for the same logical settlement.
var keyNamespace = uuid.MustParse("7c9e6679-7425-40de-944b-e07fc1f90ae7")

// DeriveKey builds the deterministic idempotency key for a round's prize
// payout from (round id, winner, amount).
func DeriveKey(roundID, winnerID string, amount decimal.Decimal) string {
	material := fmt.Sprintf("%s|%s|%s", roundID, winnerID, amount.String())
	return uuid.NewSHA1(keyNamespace, []byte(material)).String()
}

// PaymentDispatcher is the boundary to the external payment worker. The
// worker reports back through MarkSuccess or MarkFailed.
type PaymentDispatcher interface {
	Dispatch(ctx context.Context, record models.TransferRecord)
}

// DispatcherFunc adapts a function to the PaymentDispatcher interface.
type DispatcherFunc func(ctx context.Context, record models.TransferRecord)

func (f DispatcherFunc) Dispatch(ctx context.Context, record models.TransferRecord) {
	f(ctx, record)
}

// TransferRequest describes one settlement to record.
type TransferRequest struct {
	WinnerID       string
	Amount         decimal.Decimal
	Currency       string
	RequestedBy    string
	IdempotencyKey string
}

// TransferResult is the recorded row plus whether it already existed.
type TransferResult struct {
	Record           models.TransferRecord
	AlreadyProcessed bool
}

type Ledger struct {
	db         *gorm.DB
	hub        *realtime.Hub
	trail      *audit.Trail
	dispatcher PaymentDispatcher
	admins     map[string]struct{}
	log        *logger.Logger
}

func NewLedger(gdb *gorm.DB, hub *realtime.Hub, trail *audit.Trail, dispatcher PaymentDispatcher, adminIDs []string, log *logger.Logger) *Ledger {
	admins := make(map[string]struct{}, len(adminIDs))
	for _, id := range adminIDs {
		admins[id] = struct{}{}
	}
	return &Ledger{
		db:         gdb,
		hub:        hub,
		trail:      trail,
		dispatcher: dispatcher,
		admins:     admins,
		log:        log,
	}
}

// RequestTransfer records a disbursement request. If a record with the same
// idempotency key already exists it is returned unchanged; otherwise a
// pending record is inserted and handed to the payment worker. Two racing
// identical requests are resolved by the unique key: the loser of the insert
// falls back to reading the winner's row.
func (l *Ledger) RequestTransfer(ctx context.Context, req TransferRequest) (TransferResult, error) {
	if _, ok := l.admins[req.RequestedBy]; !ok {
		return TransferResult{}, errs.Unauthorized("principal %s may not request transfers", req.RequestedBy)
	}
	if req.WinnerID == "" {
		return TransferResult{}, errs.Validation("winner reference is required")
	}
	if req.IdempotencyKey == "" {
		return TransferResult{}, errs.Validation("idempotency key is required")
	}
	if !req.Amount.IsPositive() {
		return TransferResult{}, errs.Validation("transfer amount must be positive, got %s", req.Amount)
	}

	record := models.TransferRecord{
		ID:             uuid.NewString(),
		WinnerID:       req.WinnerID,
		Amount:         req.Amount,
		Currency:       req.Currency,
		RequestedBy:    req.RequestedBy,
		Status:         models.TransferPending,
		IdempotencyKey: req.IdempotencyKey,
	}
	err := l.db.WithContext(ctx).Create(&record).Error
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		var existing models.TransferRecord
		if err := l.db.WithContext(ctx).
			Where("idempotency_key = ?", req.IdempotencyKey).
			First(&existing).Error; err != nil {
			return TransferResult{}, fmt.Errorf("load existing transfer: %w", err)
		}
		return TransferResult{Record: existing, AlreadyProcessed: true}, nil
	}
	if err != nil {
		return TransferResult{}, err
	}

	l.hub.Publish(realtime.TableTransfers, realtime.OpInsert, record.ID, record)
	l.trail.Record(ctx, req.RequestedBy, "transfer_requested", map[string]interface{}{
		"transfer_id": record.ID,
		"winner":      record.WinnerID,
		"amount":      record.Amount.String(),
		"currency":    record.Currency,
	})
	if l.dispatcher != nil {
		go l.dispatcher.Dispatch(context.WithoutCancel(ctx), record)
	}
	return TransferResult{Record: record}, nil
}

// MarkSuccess records a completed payment. Only a pending record may
// transition; anything else lost the single-shot race.
func (l *Ledger) MarkSuccess(ctx context.Context, transferID, externalTxID string) error {
	return l.transition(ctx, transferID, models.TransferSuccess, map[string]interface{}{
		"status":         models.TransferSuccess,
		"external_tx_id": externalTxID,
	})
}

// MarkFailed records a failed payment attempt. The failure lives in the
// ledger row; it is never thrown back into round state.
func (l *Ledger) MarkFailed(ctx context.Context, transferID string) error {
	return l.transition(ctx, transferID, models.TransferFailed, map[string]interface{}{
		"status": models.TransferFailed,
	})
}

func (l *Ledger) transition(ctx context.Context, transferID string, to models.TransferStatus, updates map[string]interface{}) error {
	res := l.db.WithContext(ctx).Model(&models.TransferRecord{}).
		Where("id = ? AND status = ?", transferID, models.TransferPending).
		Updates(updates)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		var existing models.TransferRecord
		err := l.db.WithContext(ctx).Where("id = ?", transferID).First(&existing).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return errs.NotFound("transfer %s does not exist", transferID)
		}
		if err != nil {
			return err
		}
		return errs.InvalidState("transfer %s is already %s", transferID, existing.Status)
	}

	var record models.TransferRecord
	if err := l.db.WithContext(ctx).Where("id = ?", transferID).First(&record).Error; err != nil {
		return err
	}
	l.hub.Publish(realtime.TableTransfers, realtime.OpUpdate, record.ID, record)
	l.trail.Record(ctx, audit.SystemActor, "transfer_"+string(to), map[string]interface{}{
		"transfer_id": record.ID,
		"winner":      record.WinnerID,
	})
	return nil
}

// Get returns one transfer record by id.
func (l *Ledger) Get(ctx context.Context, transferID string) (models.TransferRecord, error) {
	var record models.TransferRecord
	err := l.db.WithContext(ctx).Where("id = ?", transferID).First(&record).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return models.TransferRecord{}, errs.NotFound("transfer %s does not exist", transferID)
	}
	return record, err
}
