package prize

import (
	"context"
	"strings"
	"testing"

	"blockpool/internal/audit"
	"blockpool/internal/db"
	"blockpool/internal/errs"
	"blockpool/internal/logger"

	"github.com/shopspring/decimal"
)

const adminID = "admin"

func newTestStore(t *testing.T) *Store {
	t.Helper()
	gdb, err := db.OpenMemory()
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	log := logger.New(false)
	return NewStore(gdb, audit.NewTrail(gdb, log), []string{adminID})
}

func validPayload() Payload {
	return Payload{
		Jackpot:  decimal.NewFromInt(50000),
		Currency: "SATS",
	}
}

func TestPayloadValidate(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Payload)
	}{
		{"zero jackpot", func(p *Payload) { p.Jackpot = decimal.Zero }},
		{"negative jackpot", func(p *Payload) { p.Jackpot = decimal.NewFromInt(-1) }},
		{"missing currency", func(p *Payload) { p.Currency = "" }},
		{"non-positive placement", func(p *Payload) {
			p.Placements = []decimal.Decimal{decimal.NewFromInt(100), decimal.Zero}
		}},
		{"oversized extra value", func(p *Payload) {
			p.Extra = map[string]string{"note": strings.Repeat("x", 257)}
		}},
		{"too many extra keys", func(p *Payload) {
			p.Extra = make(map[string]string)
			for i := 0; i < 17; i++ {
				p.Extra[strings.Repeat("k", i+1)] = "v"
			}
		}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			p := validPayload()
			tc.mutate(&p)
			if err := p.Validate(); !errs.IsValidation(err) {
				t.Fatalf("expected validation error, got %v", err)
			}
		})
	}
	if err := validPayload().Validate(); err != nil {
		t.Fatalf("valid payload rejected: %v", err)
	}
}

func TestCurrentWithoutAnyConfig(t *testing.T) {
	store := newTestStore(t)
	_, err := store.Current(context.Background())
	if !errs.IsNotFound(err) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestSaveAssignsIncreasingVersions(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	first, err := store.Save(ctx, adminID, validPayload())
	if err != nil {
		t.Fatalf("save v1: %v", err)
	}
	if first.Version != 1 {
		t.Fatalf("version = %d, want 1", first.Version)
	}

	bigger := validPayload()
	bigger.Jackpot = decimal.NewFromInt(75000)
	second, err := store.Save(ctx, adminID, bigger)
	if err != nil {
		t.Fatalf("save v2: %v", err)
	}
	if second.Version != 2 {
		t.Fatalf("version = %d, want 2", second.Version)
	}

	current, err := store.Current(ctx)
	if err != nil {
		t.Fatalf("current: %v", err)
	}
	if current.Version != 2 || !current.Payload.Jackpot.Equal(bigger.Jackpot) {
		t.Fatalf("current is not the latest save: %+v", current)
	}
}

func TestSaveUnauthorized(t *testing.T) {
	store := newTestStore(t)
	_, err := store.Save(context.Background(), "mallory", validPayload())
	if !errs.IsUnauthorized(err) {
		t.Fatalf("expected unauthorized, got %v", err)
	}
}

func TestSaveRejectsInvalidPayload(t *testing.T) {
	store := newTestStore(t)
	p := validPayload()
	p.Currency = ""
	_, err := store.Save(context.Background(), adminID, p)
	if !errs.IsValidation(err) {
		t.Fatalf("expected validation error, got %v", err)
	}
	// Nothing must have been written.
	if _, err := store.Current(context.Background()); !errs.IsNotFound(err) {
		t.Fatalf("invalid save left a row behind: %v", err)
	}
}

func TestHistoryNewestFirst(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	for i := int64(1); i <= 4; i++ {
		p := validPayload()
		p.Jackpot = decimal.NewFromInt(i * 1000)
		if _, err := store.Save(ctx, adminID, p); err != nil {
			t.Fatalf("save %d: %v", i, err)
		}
	}

	history, err := store.History(ctx, 3)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(history) != 3 {
		t.Fatalf("len = %d, want 3", len(history))
	}
	for i, cfg := range history {
		if want := int64(4 - i); cfg.Version != want {
			t.Fatalf("history[%d].Version = %d, want %d", i, cfg.Version, want)
		}
	}
}

func TestSnapshotRoundTrip(t *testing.T) {
	p := validPayload()
	p.Placements = []decimal.Decimal{decimal.NewFromInt(30000), decimal.NewFromInt(20000)}
	p.TokenContract = "bc1qexample"

	parsed, err := ParseSnapshot(p.Snapshot())
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if !parsed.Jackpot.Equal(p.Jackpot) || parsed.Currency != p.Currency {
		t.Fatalf("round trip lost fields: %+v", parsed)
	}
	if len(parsed.Placements) != 2 || !parsed.Placements[0].Equal(p.Placements[0]) {
		t.Fatalf("round trip lost placements: %+v", parsed.Placements)
	}

	if _, err := ParseSnapshot("{not json"); err == nil {
		t.Fatal("expected error for malformed snapshot")
	}
}
