// Package main is the entry point of the background worker.
//
// The worker runs periodic maintenance against a node's database:
//   - re-verifying the hash chain of committed blocks
//   - retrying badge mints that failed for transient reasons
//
// It reads transaction statuses and progress records from the node over
// HTTP, so badge retries see the same ledger the node serves.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/tutorhub/tutor-ledger/config"
	"github.com/tutorhub/tutor-ledger/internal/app"
	"github.com/tutorhub/tutor-ledger/internal/infrastructure/external/noderpc"
	"github.com/tutorhub/tutor-ledger/internal/infrastructure/scheduler"
	"github.com/tutorhub/tutor-ledger/internal/infrastructure/scheduler/jobs"
	"github.com/tutorhub/tutor-ledger/internal/ledger"
	"github.com/tutorhub/tutor-ledger/internal/ledgerclient"
	"github.com/tutorhub/tutor-ledger/pkg/logger"
)

// ══════════════════════════════════════════════════════════════════════════════
// MAIN
// ══════════════════════════════════════════════════════════════════════════════

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)
	defer stop()

	if err := run(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "fatal error: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context) error {
	// ─────────────────────────────────────────────────────────────────────────
	// 1. CONFIGURATION
	// ─────────────────────────────────────────────────────────────────────────
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	// In-memory stores would be private to this process.
	if cfg.Database.URL == "" {
		return errors.New("DATABASE_URL is required")
	}

	// ─────────────────────────────────────────────────────────────────────────
	// 2. LOGGING
	// ─────────────────────────────────────────────────────────────────────────
	log := app.NewLogger(cfg, "worker")
	defer func() { _ = log.Sync() }()
	log.Info("starting tutor ledger worker",
		logger.String("env", string(cfg.App.Environment)),
		logger.String("node_url", cfg.Client.NodeURL),
	)

	if !cfg.Scheduler.Enabled {
		log.Warn("scheduler disabled; nothing to do")
		return nil
	}

	cat, err := config.LoadCatalog()
	if err != nil {
		return fmt.Errorf("failed to load catalog: %w", err)
	}

	// ─────────────────────────────────────────────────────────────────────────
	// 3. STORAGE
	// ─────────────────────────────────────────────────────────────────────────
	backends, err := app.OpenBackends(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer backends.Close()

	bus, err := app.NewEventBus(backends, log)
	if err != nil {
		return err
	}
	defer func() { _ = bus.Close() }()

	// ─────────────────────────────────────────────────────────────────────────
	// 4. NODE CLIENT
	// ─────────────────────────────────────────────────────────────────────────
	programID, err := app.ProgramID(cfg)
	if err != nil {
		return err
	}

	rpcCfg := noderpc.DefaultClientConfig(cfg.Client.NodeURL)
	rpcCfg.Timeout = cfg.Client.RequestTimeout
	rpcCfg.Logger = log
	rpc := noderpc.NewClient(rpcCfg)

	records := ledgerclient.New(rpc, ledgerclient.Config{
		ProgramID:                programID,
		Commitment:               ledger.CommitmentConfirmed,
		ConfirmTimeout:           cfg.Client.ConfirmTimeout,
		MaxConcurrentSubmissions: ledgerclient.DefaultConfig().MaxConcurrentSubmissions,
	}, log)

	issueBadge, err := app.NewIssueBadgeHandler(ctx, cfg, backends,
		app.BadgeSources{Statuses: rpc, Progress: records}, cat, bus, log)
	if err != nil {
		return err
	}

	// ─────────────────────────────────────────────────────────────────────────
	// 5. SCHEDULER
	// ─────────────────────────────────────────────────────────────────────────
	schedCfg := scheduler.DefaultConfig()
	schedCfg.Logger = log
	sched := scheduler.New(schedCfg)

	verifyJob := jobs.NewVerifyChainJob(backends.LedgerStore, log, jobs.VerifyChainConfig{
		MaxSlotsPerRun: cfg.Scheduler.VerifyMaxSlots,
		Timeout:        cfg.Scheduler.JobTimeout,
		OnCorruption: func(slot uint64, err error) {
			log.Error("ledger history is corrupted; investigate before serving further",
				logger.Slot(slot),
				logger.Err(err),
			)
		},
	})
	if err := sched.Register(verifyJob, scheduler.NewIntervalSchedule(cfg.Scheduler.VerifyChainInterval)); err != nil {
		return fmt.Errorf("register %s: %w", verifyJob.Name(), err)
	}

	retryJob := jobs.NewRetryBadgesJob(issueBadge, log, jobs.RetryBadgesConfig{
		BatchSize: cfg.Scheduler.RetryBatchSize,
		Timeout:   cfg.Scheduler.JobTimeout,
	})
	if err := sched.Register(retryJob, scheduler.NewIntervalSchedule(cfg.Scheduler.RetryBadgesInterval)); err != nil {
		return fmt.Errorf("register %s: %w", retryJob.Name(), err)
	}

	// ─────────────────────────────────────────────────────────────────────────
	// 6. RUN UNTIL SHUTDOWN
	// ─────────────────────────────────────────────────────────────────────────
	if err := sched.Run(ctx); err != nil {
		return fmt.Errorf("scheduler: %w", err)
	}

	runs := sched.Totals()
	totals := retryJob.Totals()
	log.Info("shutdown completed",
		logger.Int64("executions", runs.Runs),
		logger.Int64("failures", runs.Failures),
		logger.Uint64("verified_through", verifyJob.Cursor()),
		logger.Int64("badges_minted", totals.Minted),
	)
	return nil
}
