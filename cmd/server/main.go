// Package main runs the prediction game server: HTTP API, realtime event
// stream and the auto-close poller.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"blockpool/internal/audit"
	"blockpool/internal/config"
	"blockpool/internal/db"
	"blockpool/internal/errs"
	"blockpool/internal/game"
	"blockpool/internal/gateway"
	"blockpool/internal/httpapi"
	"blockpool/internal/logger"
	"blockpool/internal/models"
	"blockpool/internal/realtime"
	"blockpool/internal/settlement"

	prizestore "blockpool/internal/prize"

	"github.com/go-co-op/gocron/v2"
	"github.com/joho/godotenv"
)

func main() {
	// Try to load .env from CWD if present; otherwise use environment as-is
	if _, statErr := os.Stat(".env"); statErr == nil {
		_ = godotenv.Load(".env")
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}
	log := logger.New(cfg.Debug)

	fmt.Printf("blockpool server starting...\n")
	fmt.Printf("Config loaded: %s\n", cfg.DebugString())

	gormDB, err := db.Open(cfg)
	if err != nil {
		log.Fatalf("failed to connect database: %v", err)
	}
	if err := db.AutoMigrate(gormDB); err != nil {
		log.Fatalf("failed to run migrations: %v", err)
	}
	log.Printf("DB connected, migrations applied")

	hub := realtime.NewHub()
	trail := audit.NewTrail(gormDB, log)

	gw, err := gateway.New(cfg, trail, log)
	if err != nil {
		log.Fatalf("failed to init gateway: %v", err)
	}

	// The poller drives state transitions as the system actor, so it joins
	// the allow-list alongside the configured administrators.
	admins := append([]string{audit.SystemActor}, cfg.AdminIDs...)

	// Payment execution belongs to the external worker; the dispatcher here
	// only records the hand-off. The worker reports back through the
	// /transfers/:id/success and /transfers/:id/failed callbacks.
	dispatcher := settlement.DispatcherFunc(func(ctx context.Context, record models.TransferRecord) {
		log.Printf("settlement: transfer %s handed to payment worker (%s %s to %s)",
			record.ID, record.Amount, record.Currency, record.WinnerID)
	})

	ledger := settlement.NewLedger(gormDB, hub, trail, dispatcher, admins, log)
	prizes := prizestore.NewStore(gormDB, trail, admins)
	engine := game.NewEngine(gormDB, gw, gw, prizes, ledger, hub, trail, admins, log)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	scheduler, err := gocron.NewScheduler()
	if err != nil {
		log.Fatalf("failed to init scheduler: %v", err)
	}
	_, err = scheduler.NewJob(
		gocron.DurationJob(cfg.PollInterval),
		gocron.NewTask(func() { pollRounds(ctx, engine, log) }),
	)
	if err != nil {
		log.Fatalf("failed to schedule poller: %v", err)
	}
	scheduler.Start()

	api := httpapi.NewServer(engine, ledger, prizes, trail, hub, gw, log)
	srv := &http.Server{Addr: cfg.ListenAddr, Handler: api.Router()}

	go func() {
		fmt.Printf("Listening on %s\n", cfg.ListenAddr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Printf("http server: %v", err)
			cancel()
		}
	}()

	<-ctx.Done()
	log.Println("shutting down...")

	if err := scheduler.Shutdown(); err != nil {
		log.Printf("scheduler shutdown: %v", err)
	}
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("http shutdown: %v", err)
	}
}

// pollRounds is the auto-close trigger: open rounds past their end time are
// closed, and closed rounds whose target block has been mined are settled.
// The engine itself exposes no timers; this poller drives it.
func pollRounds(ctx context.Context, engine *game.Engine, log *logger.Logger) {
	tickCtx, cancel := context.WithTimeout(ctx, time.Minute)
	defer cancel()

	expired, err := engine.OpenRoundsPastEnd(tickCtx)
	if err != nil {
		log.Printf("poller: list expired rounds: %v", err)
		return
	}
	for _, round := range expired {
		if _, err := engine.CloseRound(tickCtx, audit.SystemActor, round.ID); err != nil {
			// A concurrent manual close loses the race harmlessly.
			log.Printf("poller: close round %d: %v", round.RoundNumber, err)
		} else {
			log.Printf("poller: closed round %d", round.RoundNumber)
		}
	}

	closed, err := engine.ClosedRounds(tickCtx)
	if err != nil {
		log.Printf("poller: list closed rounds: %v", err)
		return
	}
	for _, round := range closed {
		_, err := engine.ComputeResult(tickCtx, audit.SystemActor, round.ID)
		switch {
		case err == nil:
			log.Printf("poller: settled round %d", round.RoundNumber)
		case errs.IsUpstream(err):
			// Target block not mined yet (or explorer down); retry next tick.
			log.Printf("poller: round %d not resolvable yet: %v", round.RoundNumber, err)
		case errs.IsNoParticipants(err):
			// Operator must decide whether to void or wait.
			log.Printf("poller: round %d has no guesses, leaving closed", round.RoundNumber)
		default:
			log.Printf("poller: compute result for round %d: %v", round.RoundNumber, err)
		}
	}
}
