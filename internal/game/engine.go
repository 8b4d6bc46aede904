// Package game owns the round lifecycle: creation, guess intake, closing
// and result computation. The engine runs no timers of its own; it is driven
// entirely by explicit calls, and pushes every concurrency-sensitive
// invariant into the storage layer: a unique constraint for guesses and
// status-guarded conditional writes for round transitions.
package game

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"blockpool/internal/audit"
	"blockpool/internal/errs"
	"blockpool/internal/gateway"
	"blockpool/internal/logger"
	"blockpool/internal/models"
	"blockpool/internal/prize"
	"blockpool/internal/realtime"
	"blockpool/internal/settlement"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

const (
	// MinGuess and MaxGuess bound the accepted transaction-count range.
	MinGuess = 1
	MaxGuess = 20000
)

// BlockResolver resolves a block height against the external indexing
// service.
type BlockResolver interface {
	ResolveBlock(ctx context.Context, height int64) (gateway.BlockInfo, error)
}

// Announcer posts best-effort messages to the social feed.
type Announcer interface {
	PostAnnouncement(ctx context.Context, authorID, message string) (gateway.PostResult, error)
}

type Engine struct {
	db        *gorm.DB
	resolver  BlockResolver
	announcer Announcer
	prizes    *prize.Store
	ledger    *settlement.Ledger
	hub       *realtime.Hub
	trail     *audit.Trail
	admins    map[string]struct{}
	log       *logger.Logger
	now       func() time.Time
}

func NewEngine(
	gdb *gorm.DB,
	resolver BlockResolver,
	announcer Announcer,
	prizes *prize.Store,
	ledger *settlement.Ledger,
	hub *realtime.Hub,
	trail *audit.Trail,
	adminIDs []string,
	log *logger.Logger,
) *Engine {
	admins := make(map[string]struct{}, len(adminIDs))
	for _, id := range adminIDs {
		admins[id] = struct{}{}
	}
	return &Engine{
		db:        gdb,
		resolver:  resolver,
		announcer: announcer,
		prizes:    prizes,
		ledger:    ledger,
		hub:       hub,
		trail:     trail,
		admins:    admins,
		log:       log,
		now:       time.Now,
	}
}

// CreateRoundParams carries the operator-supplied fields for a new round.
type CreateRoundParams struct {
	RoundNumber       int64
	StartTime         int64 // epoch millis
	EndTime           int64
	DurationMinutes   int64
	TargetBlockHeight int64
	Metadata          map[string]interface{}
}

// CreateRound creates a new open round referencing the current prize
// configuration. The round announcement is best-effort: its failure is
// logged and audited but never fails round creation.
func (e *Engine) CreateRound(ctx context.Context, actorID string, params CreateRoundParams) (models.Round, error) {
	if err := e.requireAdmin(actorID); err != nil {
		return models.Round{}, err
	}
	if params.RoundNumber <= 0 {
		return models.Round{}, errs.Validation("round number must be positive, got %d", params.RoundNumber)
	}
	if params.TargetBlockHeight <= 0 {
		return models.Round{}, errs.Validation("target block height must be positive, got %d", params.TargetBlockHeight)
	}
	if params.DurationMinutes <= 0 {
		return models.Round{}, errs.Validation("duration must be positive, got %d", params.DurationMinutes)
	}
	if params.EndTime <= params.StartTime {
		return models.Round{}, errs.Validation("end time %d is not after start time %d", params.EndTime, params.StartTime)
	}

	cfg, err := e.prizes.Current(ctx)
	if errs.IsNotFound(err) {
		return models.Round{}, errs.Validation("no prize configuration saved; save one before creating rounds")
	}
	if err != nil {
		return models.Round{}, err
	}

	var metadata datatypes.JSON
	if params.Metadata != nil {
		raw, err := json.Marshal(params.Metadata)
		if err != nil {
			return models.Round{}, errs.Validation("metadata is not serializable: %v", err)
		}
		metadata = datatypes.JSON(raw)
	}

	round := models.Round{
		ID:                uuid.NewString(),
		RoundNumber:       params.RoundNumber,
		StartTime:         params.StartTime,
		EndTime:           params.EndTime,
		DurationMinutes:   params.DurationMinutes,
		TargetBlockHeight: params.TargetBlockHeight,
		Prize:             cfg.Payload.Snapshot(),
		Status:            models.RoundOpen,
		Metadata:          metadata,
	}
	if err := e.db.WithContext(ctx).Create(&round).Error; err != nil {
		return models.Round{}, err
	}

	e.hub.Publish(realtime.TableRounds, realtime.OpInsert, round.ID, round)
	e.trail.Record(ctx, actorID, "round_created", map[string]interface{}{
		"round_id":     round.ID,
		"round_number": round.RoundNumber,
		"target_block": round.TargetBlockHeight,
	})
	e.announce(ctx, actorID, fmt.Sprintf(
		"Round %d is open! Guess how many transactions Bitcoin block %d will contain. Prize: %s %s.",
		round.RoundNumber, round.TargetBlockHeight, cfg.Payload.Jackpot, cfg.Payload.Currency,
	))
	return round, nil
}

// DisplayInfo is the denormalized presentation metadata stored with a guess.
type DisplayInfo struct {
	Name      string
	AvatarURL string
}

// SubmitGuess records a player's prediction for an open round. The round
// status and end time are checked here authoritatively; client-side timers
// are advisory only. The one-guess-per-player rule rides on the composite
// unique index, not on a prior read.
func (e *Engine) SubmitGuess(ctx context.Context, playerID, roundID string, value int64, display DisplayInfo) (models.Guess, error) {
	if playerID == "" {
		return models.Guess{}, errs.Validation("player id is required")
	}
	if value < MinGuess || value > MaxGuess {
		return models.Guess{}, errs.Validation("guess must be between %d and %d, got %d", MinGuess, MaxGuess, value)
	}

	round, err := e.GetRound(ctx, roundID)
	if err != nil {
		return models.Guess{}, err
	}
	nowMillis := e.now().UnixMilli()
	if round.Status != models.RoundOpen {
		return models.Guess{}, errs.InvalidState("round %d is %s, guesses are not accepted", round.RoundNumber, round.Status)
	}
	if nowMillis > round.EndTime {
		return models.Guess{}, errs.InvalidState("round %d ended at %d", round.RoundNumber, round.EndTime)
	}

	guess := models.Guess{
		ID:          uuid.NewString(),
		RoundID:     round.ID,
		PlayerID:    playerID,
		Value:       value,
		SubmittedAt: nowMillis,
		DisplayName: display.Name,
		AvatarURL:   display.AvatarURL,
	}
	err = e.db.WithContext(ctx).Create(&guess).Error
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return models.Guess{}, errs.Duplicate("player %s already has a guess in round %d", playerID, round.RoundNumber)
	}
	if err != nil {
		return models.Guess{}, err
	}

	e.hub.Publish(realtime.TableGuesses, realtime.OpInsert, guess.ID, guess)
	return guess, nil
}

// CloseRound transitions an open round to closed via a status-guarded
// conditional write. Zero rows affected means the round was not open
// (a lost race or an operator mistake) and is surfaced as an error, never
// silently ignored.
func (e *Engine) CloseRound(ctx context.Context, actorID, roundID string) (models.Round, error) {
	if err := e.requireAdmin(actorID); err != nil {
		return models.Round{}, err
	}

	res := e.db.WithContext(ctx).Model(&models.Round{}).
		Where("id = ? AND status = ?", roundID, models.RoundOpen).
		Update("status", models.RoundClosed)
	if res.Error != nil {
		return models.Round{}, res.Error
	}
	if res.RowsAffected == 0 {
		round, err := e.GetRound(ctx, roundID)
		if err != nil {
			return models.Round{}, err
		}
		return models.Round{}, errs.InvalidState("round %d is already %s", round.RoundNumber, round.Status)
	}

	round, err := e.GetRound(ctx, roundID)
	if err != nil {
		return models.Round{}, err
	}
	e.hub.Publish(realtime.TableRounds, realtime.OpUpdate, round.ID, round)
	e.trail.Record(ctx, actorID, "round_closed", map[string]interface{}{
		"round_id":     round.ID,
		"round_number": round.RoundNumber,
	})
	return round, nil
}

// Result is the outcome of a successful result computation.
type Result struct {
	Round    models.Round
	Winner   models.Guess
	Transfer settlement.TransferResult
}

// ComputeResult resolves the target block, selects the winner and finishes
// the round. The settlement request is issued before the status flip with a
// deterministic idempotency key, so a retry after a partial failure finds
// the existing transfer instead of paying twice, then completes the flip.
func (e *Engine) ComputeResult(ctx context.Context, actorID, roundID string) (Result, error) {
	if err := e.requireAdmin(actorID); err != nil {
		return Result{}, err
	}

	round, err := e.GetRound(ctx, roundID)
	if err != nil {
		return Result{}, err
	}
	switch round.Status {
	case models.RoundOpen:
		return Result{}, errs.InvalidState("round %d is still open, close it first", round.RoundNumber)
	case models.RoundFinished:
		return Result{}, errs.InvalidState("round %d is already finished", round.RoundNumber)
	}

	block, err := e.resolver.ResolveBlock(ctx, round.TargetBlockHeight)
	if err != nil {
		// Upstream failure, or the block is simply not mined yet. The
		// round stays closed; the caller may retry later.
		return Result{}, err
	}

	winner, err := e.pickWinner(ctx, round.ID, block.TxCount)
	if err != nil {
		return Result{}, err
	}

	payload, err := prize.ParseSnapshot(round.Prize)
	if err != nil {
		return Result{}, err
	}
	transfer, err := e.ledger.RequestTransfer(ctx, settlement.TransferRequest{
		WinnerID:       winner.PlayerID,
		Amount:         payload.Jackpot,
		Currency:       payload.Currency,
		RequestedBy:    actorID,
		IdempotencyKey: settlement.DeriveKey(round.ID, winner.PlayerID, payload.Jackpot),
	})
	if err != nil {
		return Result{}, err
	}

	res := e.db.WithContext(ctx).Model(&models.Round{}).
		Where("id = ? AND status = ?", round.ID, models.RoundClosed).
		Updates(map[string]interface{}{
			"status":          models.RoundFinished,
			"actual_tx_count": block.TxCount,
			"block_hash":      block.Hash,
			"winner_id":       winner.PlayerID,
		})
	if res.Error != nil {
		return Result{}, res.Error
	}
	if res.RowsAffected == 0 {
		return Result{}, errs.InvalidState("round %d changed state during result computation", round.RoundNumber)
	}

	finished, err := e.GetRound(ctx, round.ID)
	if err != nil {
		return Result{}, err
	}
	e.hub.Publish(realtime.TableRounds, realtime.OpUpdate, finished.ID, finished)
	e.trail.Record(ctx, actorID, "round_finished", map[string]interface{}{
		"round_id":     finished.ID,
		"round_number": finished.RoundNumber,
		"block_hash":   block.Hash,
		"tx_count":     block.TxCount,
		"winner":       winner.PlayerID,
		"transfer_id":  transfer.Record.ID,
	})
	e.announce(ctx, actorID, fmt.Sprintf(
		"Round %d is settled! Block %d held %d transactions. %s wins with a guess of %d.",
		finished.RoundNumber, finished.TargetBlockHeight, block.TxCount, winnerName(winner), winner.Value,
	))
	return Result{Round: finished, Winner: winner, Transfer: transfer}, nil
}

// pickWinner selects the minimum-distance guess. Ties break on earliest
// submission; equal timestamps fall back to creation order, a stable total
// order because the query sorts on it and the scan keeps the first minimum.
func (e *Engine) pickWinner(ctx context.Context, roundID string, actual int64) (models.Guess, error) {
	var guesses []models.Guess
	err := e.db.WithContext(ctx).
		Where("round_id = ?", roundID).
		Order("submitted_at ASC, created_at ASC, id ASC").
		Find(&guesses).Error
	if err != nil {
		return models.Guess{}, err
	}
	if len(guesses) == 0 {
		return models.Guess{}, errs.NoParticipants("round has no guesses")
	}

	winner := guesses[0]
	best := distance(winner.Value, actual)
	for _, g := range guesses[1:] {
		if d := distance(g.Value, actual); d < best {
			winner, best = g, d
		}
	}
	return winner, nil
}

func distance(guess, actual int64) int64 {
	if guess > actual {
		return guess - actual
	}
	return actual - guess
}

func winnerName(g models.Guess) string {
	if g.DisplayName != "" {
		return g.DisplayName
	}
	return g.PlayerID
}

// GetRound loads one round by id.
func (e *Engine) GetRound(ctx context.Context, roundID string) (models.Round, error) {
	var round models.Round
	err := e.db.WithContext(ctx).Where("id = ?", roundID).First(&round).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return models.Round{}, errs.NotFound("round %s does not exist", roundID)
	}
	return round, err
}

// ListRounds returns up to limit rounds, newest first.
func (e *Engine) ListRounds(ctx context.Context, limit int) ([]models.Round, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	var rounds []models.Round
	err := e.db.WithContext(ctx).
		Order("round_number DESC").
		Limit(limit).
		Find(&rounds).Error
	return rounds, err
}

// ListGuesses returns a round's guesses in submission order.
func (e *Engine) ListGuesses(ctx context.Context, roundID string) ([]models.Guess, error) {
	if _, err := e.GetRound(ctx, roundID); err != nil {
		return nil, err
	}
	var guesses []models.Guess
	err := e.db.WithContext(ctx).
		Where("round_id = ?", roundID).
		Order("submitted_at ASC, created_at ASC, id ASC").
		Find(&guesses).Error
	return guesses, err
}

// OpenRoundsPastEnd returns open rounds whose end time has passed; the
// auto-close poller feeds these to CloseRound.
func (e *Engine) OpenRoundsPastEnd(ctx context.Context) ([]models.Round, error) {
	var rounds []models.Round
	err := e.db.WithContext(ctx).
		Where("status = ? AND end_time < ?", models.RoundOpen, e.now().UnixMilli()).
		Find(&rounds).Error
	return rounds, err
}

// ClosedRounds returns rounds awaiting result computation.
func (e *Engine) ClosedRounds(ctx context.Context) ([]models.Round, error) {
	var rounds []models.Round
	err := e.db.WithContext(ctx).
		Where("status = ?", models.RoundClosed).
		Find(&rounds).Error
	return rounds, err
}

func (e *Engine) requireAdmin(actorID string) error {
	if _, ok := e.admins[actorID]; !ok {
		return errs.Unauthorized("principal %s is not in the administrative allow-list", actorID)
	}
	return nil
}

// announce posts a best-effort message; failures are logged, never returned.
func (e *Engine) announce(ctx context.Context, actorID, message string) {
	if e.announcer == nil {
		return
	}
	result, err := e.announcer.PostAnnouncement(ctx, actorID, message)
	if err != nil {
		e.log.Printf("game: announcement rejected: %v", err)
		return
	}
	if !result.Posted {
		e.log.Printf("game: announcement not posted: %s", result.Reason)
	}
}
