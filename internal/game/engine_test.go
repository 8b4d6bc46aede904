package game

import (
	"context"
	"errors"
	"testing"
	"time"

	"blockpool/internal/audit"
	"blockpool/internal/db"
	"blockpool/internal/errs"
	"blockpool/internal/gateway"
	"blockpool/internal/logger"
	"blockpool/internal/models"
	"blockpool/internal/prize"
	"blockpool/internal/realtime"
	"blockpool/internal/settlement"

	"github.com/shopspring/decimal"
)

const adminID = "admin"

type stubResolver struct {
	info gateway.BlockInfo
	err  error
}

func (s *stubResolver) ResolveBlock(ctx context.Context, height int64) (gateway.BlockInfo, error) {
	if s.err != nil {
		return gateway.BlockInfo{}, s.err
	}
	info := s.info
	info.Height = height
	return info, nil
}

type stubAnnouncer struct {
	messages []string
	err      error
}

func (s *stubAnnouncer) PostAnnouncement(ctx context.Context, authorID, message string) (gateway.PostResult, error) {
	if s.err != nil {
		return gateway.PostResult{}, s.err
	}
	s.messages = append(s.messages, message)
	return gateway.PostResult{Posted: true, PostID: "post-1"}, nil
}

type testEnv struct {
	engine    *Engine
	resolver  *stubResolver
	announcer *stubAnnouncer
	hub       *realtime.Hub
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	gdb, err := db.OpenMemory()
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	log := logger.New(false)
	hub := realtime.NewHub()
	trail := audit.NewTrail(gdb, log)
	prizes := prize.NewStore(gdb, trail, []string{adminID})
	ledger := settlement.NewLedger(gdb, hub, trail, nil, []string{adminID}, log)
	resolver := &stubResolver{}
	announcer := &stubAnnouncer{}
	engine := NewEngine(gdb, resolver, announcer, prizes, ledger, hub, trail, []string{adminID}, log)

	if _, err := prizes.Save(context.Background(), adminID, prize.Payload{
		Jackpot:  decimal.NewFromInt(50000),
		Currency: "SATS",
	}); err != nil {
		t.Fatalf("save prize config: %v", err)
	}
	return &testEnv{engine: engine, resolver: resolver, announcer: announcer, hub: hub}
}

func validParams() CreateRoundParams {
	now := time.Now().UnixMilli()
	return CreateRoundParams{
		RoundNumber:       1,
		StartTime:         now,
		EndTime:           now + 10*time.Minute.Milliseconds(),
		DurationMinutes:   10,
		TargetBlockHeight: 900000,
	}
}

func TestCreateRoundValidation(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	cases := []struct {
		name   string
		mutate func(*CreateRoundParams)
	}{
		{"zero round number", func(p *CreateRoundParams) { p.RoundNumber = 0 }},
		{"negative target block", func(p *CreateRoundParams) { p.TargetBlockHeight = -1 }},
		{"zero duration", func(p *CreateRoundParams) { p.DurationMinutes = 0 }},
		{"end before start", func(p *CreateRoundParams) { p.EndTime = p.StartTime - 1 }},
		{"end equals start", func(p *CreateRoundParams) { p.EndTime = p.StartTime }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			params := validParams()
			tc.mutate(&params)
			_, err := env.engine.CreateRound(ctx, adminID, params)
			if !errs.IsValidation(err) {
				t.Fatalf("expected validation error, got %v", err)
			}
		})
	}
}

func TestCreateRoundUnauthorized(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.engine.CreateRound(context.Background(), "random-user", validParams())
	if !errs.IsUnauthorized(err) {
		t.Fatalf("expected unauthorized error, got %v", err)
	}
}

func TestCreateRoundSnapshotsPrizeAndAnnounces(t *testing.T) {
	env := newTestEnv(t)
	round, err := env.engine.CreateRound(context.Background(), adminID, validParams())
	if err != nil {
		t.Fatalf("create round: %v", err)
	}
	if round.Status != models.RoundOpen {
		t.Fatalf("expected open round, got %s", round.Status)
	}
	payload, err := prize.ParseSnapshot(round.Prize)
	if err != nil {
		t.Fatalf("parse snapshot: %v", err)
	}
	if !payload.Jackpot.Equal(decimal.NewFromInt(50000)) || payload.Currency != "SATS" {
		t.Fatalf("unexpected snapshot %+v", payload)
	}
	if len(env.announcer.messages) != 1 {
		t.Fatalf("expected 1 announcement, got %d", len(env.announcer.messages))
	}
}

func TestCreateRoundSurvivesAnnouncementFailure(t *testing.T) {
	env := newTestEnv(t)
	env.announcer.err = errors.New("social feed down")
	if _, err := env.engine.CreateRound(context.Background(), adminID, validParams()); err != nil {
		t.Fatalf("announcement failure must not fail round creation: %v", err)
	}
}

func TestSubmitGuessBounds(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	round, err := env.engine.CreateRound(ctx, adminID, validParams())
	if err != nil {
		t.Fatalf("create round: %v", err)
	}

	for _, value := range []int64{0, -5, 20001} {
		_, err := env.engine.SubmitGuess(ctx, "alice", round.ID, value, DisplayInfo{})
		if !errs.IsValidation(err) {
			t.Fatalf("value %d: expected validation error, got %v", value, err)
		}
	}
	if _, err := env.engine.SubmitGuess(ctx, "alice", round.ID, 1, DisplayInfo{}); err != nil {
		t.Fatalf("value 1 should be accepted: %v", err)
	}
	if _, err := env.engine.SubmitGuess(ctx, "bob", round.ID, 20000, DisplayInfo{}); err != nil {
		t.Fatalf("value 20000 should be accepted: %v", err)
	}
}

func TestSubmitGuessDuplicate(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	round, err := env.engine.CreateRound(ctx, adminID, validParams())
	if err != nil {
		t.Fatalf("create round: %v", err)
	}

	if _, err := env.engine.SubmitGuess(ctx, "alice", round.ID, 5000, DisplayInfo{}); err != nil {
		t.Fatalf("first guess: %v", err)
	}
	_, err = env.engine.SubmitGuess(ctx, "alice", round.ID, 5000, DisplayInfo{})
	if !errs.IsDuplicate(err) {
		t.Fatalf("expected duplicate error, got %v", err)
	}

	guesses, err := env.engine.ListGuesses(ctx, round.ID)
	if err != nil {
		t.Fatalf("list guesses: %v", err)
	}
	if len(guesses) != 1 {
		t.Fatalf("expected exactly one stored guess, got %d", len(guesses))
	}
}

func TestSubmitGuessAfterEndTime(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	round, err := env.engine.CreateRound(ctx, adminID, validParams())
	if err != nil {
		t.Fatalf("create round: %v", err)
	}

	env.engine.now = func() time.Time {
		return time.UnixMilli(round.EndTime + 1)
	}
	_, err = env.engine.SubmitGuess(ctx, "alice", round.ID, 5000, DisplayInfo{})
	if !errs.IsInvalidState(err) {
		t.Fatalf("expected invalid state error past end time, got %v", err)
	}
}

func TestSubmitGuessClosedRound(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	round, err := env.engine.CreateRound(ctx, adminID, validParams())
	if err != nil {
		t.Fatalf("create round: %v", err)
	}
	if _, err := env.engine.CloseRound(ctx, adminID, round.ID); err != nil {
		t.Fatalf("close round: %v", err)
	}
	_, err = env.engine.SubmitGuess(ctx, "alice", round.ID, 5000, DisplayInfo{})
	if !errs.IsInvalidState(err) {
		t.Fatalf("expected invalid state error, got %v", err)
	}
}

func TestCloseRoundTwiceErrors(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	round, err := env.engine.CreateRound(ctx, adminID, validParams())
	if err != nil {
		t.Fatalf("create round: %v", err)
	}
	if _, err := env.engine.CloseRound(ctx, adminID, round.ID); err != nil {
		t.Fatalf("first close: %v", err)
	}
	_, err = env.engine.CloseRound(ctx, adminID, round.ID)
	if !errs.IsInvalidState(err) {
		t.Fatalf("second close: expected invalid state, got %v", err)
	}
}

func TestCloseFinishedRoundLeavesFieldsUntouched(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	round, err := env.engine.CreateRound(ctx, adminID, validParams())
	if err != nil {
		t.Fatalf("create round: %v", err)
	}
	if _, err := env.engine.SubmitGuess(ctx, "alice", round.ID, 2500, DisplayInfo{}); err != nil {
		t.Fatalf("guess: %v", err)
	}
	if _, err := env.engine.CloseRound(ctx, adminID, round.ID); err != nil {
		t.Fatalf("close: %v", err)
	}
	env.resolver.info = gateway.BlockInfo{Hash: "00000000abc", TxCount: 2550}
	if _, err := env.engine.ComputeResult(ctx, adminID, round.ID); err != nil {
		t.Fatalf("compute result: %v", err)
	}

	before, err := env.engine.GetRound(ctx, round.ID)
	if err != nil {
		t.Fatalf("get round: %v", err)
	}
	_, err = env.engine.CloseRound(ctx, adminID, round.ID)
	if !errs.IsInvalidState(err) {
		t.Fatalf("expected invalid state closing finished round, got %v", err)
	}
	after, err := env.engine.GetRound(ctx, round.ID)
	if err != nil {
		t.Fatalf("get round: %v", err)
	}
	if after.Status != before.Status || *after.ActualTxCount != *before.ActualTxCount ||
		*after.WinnerID != *before.WinnerID || *after.BlockHash != *before.BlockHash {
		t.Fatalf("round fields changed: before=%+v after=%+v", before, after)
	}
}

func TestComputeResultRequiresClosed(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	round, err := env.engine.CreateRound(ctx, adminID, validParams())
	if err != nil {
		t.Fatalf("create round: %v", err)
	}
	_, err = env.engine.ComputeResult(ctx, adminID, round.ID)
	if !errs.IsInvalidState(err) {
		t.Fatalf("expected invalid state for open round, got %v", err)
	}
}

func TestComputeResultNoParticipants(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	round, err := env.engine.CreateRound(ctx, adminID, validParams())
	if err != nil {
		t.Fatalf("create round: %v", err)
	}
	if _, err := env.engine.CloseRound(ctx, adminID, round.ID); err != nil {
		t.Fatalf("close: %v", err)
	}
	env.resolver.info = gateway.BlockInfo{Hash: "00000000abc", TxCount: 2550}

	_, err = env.engine.ComputeResult(ctx, adminID, round.ID)
	if !errs.IsNoParticipants(err) {
		t.Fatalf("expected no participants error, got %v", err)
	}
	got, err := env.engine.GetRound(ctx, round.ID)
	if err != nil {
		t.Fatalf("get round: %v", err)
	}
	if got.Status != models.RoundClosed {
		t.Fatalf("round must stay closed, got %s", got.Status)
	}
}

func TestComputeResultUpstreamFailureKeepsRoundClosed(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	round, err := env.engine.CreateRound(ctx, adminID, validParams())
	if err != nil {
		t.Fatalf("create round: %v", err)
	}
	if _, err := env.engine.SubmitGuess(ctx, "alice", round.ID, 2500, DisplayInfo{}); err != nil {
		t.Fatalf("guess: %v", err)
	}
	if _, err := env.engine.CloseRound(ctx, adminID, round.ID); err != nil {
		t.Fatalf("close: %v", err)
	}
	env.resolver.err = errs.Upstream(errors.New("status 404"), "resolve block 900000")

	_, err = env.engine.ComputeResult(ctx, adminID, round.ID)
	if !errs.IsUpstream(err) {
		t.Fatalf("expected upstream error, got %v", err)
	}
	got, err := env.engine.GetRound(ctx, round.ID)
	if err != nil {
		t.Fatalf("get round: %v", err)
	}
	if got.Status != models.RoundClosed {
		t.Fatalf("round must stay closed after upstream failure, got %s", got.Status)
	}

	// The block shows up later; the retry succeeds.
	env.resolver.err = nil
	env.resolver.info = gateway.BlockInfo{Hash: "00000000abc", TxCount: 2550}
	if _, err := env.engine.ComputeResult(ctx, adminID, round.ID); err != nil {
		t.Fatalf("retry after upstream recovery: %v", err)
	}
}

func TestComputeResultTieBreaksOnEarliestSubmission(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	round, err := env.engine.CreateRound(ctx, adminID, validParams())
	if err != nil {
		t.Fatalf("create round: %v", err)
	}

	// alice at t0, bob one second later; both end up at distance 50 from 2550.
	base := time.Now()
	env.engine.now = func() time.Time { return base }
	if _, err := env.engine.SubmitGuess(ctx, "alice", round.ID, 2500, DisplayInfo{Name: "Alice"}); err != nil {
		t.Fatalf("alice guess: %v", err)
	}
	env.engine.now = func() time.Time { return base.Add(time.Second) }
	if _, err := env.engine.SubmitGuess(ctx, "bob", round.ID, 2600, DisplayInfo{Name: "Bob"}); err != nil {
		t.Fatalf("bob guess: %v", err)
	}
	env.engine.now = time.Now

	if _, err := env.engine.CloseRound(ctx, adminID, round.ID); err != nil {
		t.Fatalf("close: %v", err)
	}
	env.resolver.info = gateway.BlockInfo{Hash: "00000000abc", TxCount: 2550}

	result, err := env.engine.ComputeResult(ctx, adminID, round.ID)
	if err != nil {
		t.Fatalf("compute result: %v", err)
	}
	if result.Winner.PlayerID != "alice" {
		t.Fatalf("expected alice to win the tie, got %s", result.Winner.PlayerID)
	}
	if result.Round.Status != models.RoundFinished {
		t.Fatalf("expected finished round, got %s", result.Round.Status)
	}
	if *result.Round.ActualTxCount != 2550 || *result.Round.WinnerID != "alice" {
		t.Fatalf("resolution fields wrong: %+v", result.Round)
	}
}

func TestComputeResultPicksMinimumDistance(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	round, err := env.engine.CreateRound(ctx, adminID, validParams())
	if err != nil {
		t.Fatalf("create round: %v", err)
	}
	guesses := map[string]int64{"alice": 1000, "bob": 2540, "carol": 2700}
	for player, value := range guesses {
		if _, err := env.engine.SubmitGuess(ctx, player, round.ID, value, DisplayInfo{}); err != nil {
			t.Fatalf("%s guess: %v", player, err)
		}
	}
	if _, err := env.engine.CloseRound(ctx, adminID, round.ID); err != nil {
		t.Fatalf("close: %v", err)
	}
	env.resolver.info = gateway.BlockInfo{Hash: "00000000abc", TxCount: 2550}

	result, err := env.engine.ComputeResult(ctx, adminID, round.ID)
	if err != nil {
		t.Fatalf("compute result: %v", err)
	}
	if result.Winner.PlayerID != "bob" {
		t.Fatalf("expected bob (distance 10), got %s", result.Winner.PlayerID)
	}
	actual := *result.Round.ActualTxCount
	winnerDist := distance(result.Winner.Value, actual)
	all, _ := env.engine.ListGuesses(ctx, round.ID)
	for _, g := range all {
		if distance(g.Value, actual) < winnerDist {
			t.Fatalf("guess %d by %s beats the winner", g.Value, g.PlayerID)
		}
	}
}

func TestComputeResultRetryDoesNotDoublePay(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	round, err := env.engine.CreateRound(ctx, adminID, validParams())
	if err != nil {
		t.Fatalf("create round: %v", err)
	}
	if _, err := env.engine.SubmitGuess(ctx, "alice", round.ID, 2500, DisplayInfo{}); err != nil {
		t.Fatalf("guess: %v", err)
	}
	if _, err := env.engine.CloseRound(ctx, adminID, round.ID); err != nil {
		t.Fatalf("close: %v", err)
	}
	env.resolver.info = gateway.BlockInfo{Hash: "00000000abc", TxCount: 2550}

	first, err := env.engine.ComputeResult(ctx, adminID, round.ID)
	if err != nil {
		t.Fatalf("compute result: %v", err)
	}
	if first.Transfer.AlreadyProcessed {
		t.Fatal("first settlement must not report already processed")
	}

	// Simulate a partial failure: the status flip is rolled back after the
	// transfer was recorded, then the operator retries.
	if err := env.engine.db.Model(&models.Round{}).
		Where("id = ?", round.ID).
		Update("status", models.RoundClosed).Error; err != nil {
		t.Fatalf("rewind status: %v", err)
	}
	second, err := env.engine.ComputeResult(ctx, adminID, round.ID)
	if err != nil {
		t.Fatalf("retry compute result: %v", err)
	}
	if !second.Transfer.AlreadyProcessed {
		t.Fatal("retry must reuse the existing transfer")
	}
	if second.Transfer.Record.ID != first.Transfer.Record.ID {
		t.Fatalf("retry created a new transfer: %s vs %s", second.Transfer.Record.ID, first.Transfer.Record.ID)
	}

	var count int64
	if err := env.engine.db.Model(&models.TransferRecord{}).Count(&count).Error; err != nil {
		t.Fatalf("count transfers: %v", err)
	}
	if count != 1 {
		t.Fatalf("expected exactly one transfer row, got %d", count)
	}
}
