// Package main is the entry point of the ledger node.
//
// The node produces slots, serves the ledger RPC and the learner API over
// HTTP, and keeps the progress cache in step with committed blocks.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/sync/errgroup"

	"github.com/tutorhub/tutor-ledger/config"
	"github.com/tutorhub/tutor-ledger/internal/app"
	"github.com/tutorhub/tutor-ledger/internal/application/command"
	"github.com/tutorhub/tutor-ledger/internal/application/eventhandler"
	"github.com/tutorhub/tutor-ledger/internal/application/query"
	"github.com/tutorhub/tutor-ledger/internal/domain/identity"
	"github.com/tutorhub/tutor-ledger/internal/infrastructure/external/gemini"
	httpapi "github.com/tutorhub/tutor-ledger/internal/interface/http"
	"github.com/tutorhub/tutor-ledger/internal/interface/http/handlers"
	"github.com/tutorhub/tutor-ledger/internal/ledger"
	"github.com/tutorhub/tutor-ledger/internal/ledger/tutorprogram"
	"github.com/tutorhub/tutor-ledger/internal/ledgerclient"
	"github.com/tutorhub/tutor-ledger/pkg/logger"
)

// ══════════════════════════════════════════════════════════════════════════════
// MAIN
// ══════════════════════════════════════════════════════════════════════════════

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
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

	// ─────────────────────────────────────────────────────────────────────────
	// 2. LOGGING
	// ─────────────────────────────────────────────────────────────────────────
	log := app.NewLogger(cfg, "node")
	defer func() { _ = log.Sync() }()
	log.Info("starting tutor ledger node",
		logger.String("env", string(cfg.App.Environment)),
		logger.Duration("slot_interval", cfg.Node.SlotInterval),
	)

	// ─────────────────────────────────────────────────────────────────────────
	// 3. COURSE CATALOG
	// ─────────────────────────────────────────────────────────────────────────
	cat, err := config.LoadCatalog()
	if err != nil {
		return fmt.Errorf("failed to load catalog: %w", err)
	}
	log.Info("catalog loaded",
		logger.Int("courses", len(cat.Courses())),
		logger.Int("lessons", cat.LessonCount()),
	)

	// ─────────────────────────────────────────────────────────────────────────
	// 4. STORAGE (PostgreSQL / Redis, or in-memory)
	// ─────────────────────────────────────────────────────────────────────────
	backends, err := app.OpenBackends(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer backends.Close()

	// ─────────────────────────────────────────────────────────────────────────
	// 5. EVENT BUS
	// ─────────────────────────────────────────────────────────────────────────
	bus, err := app.NewEventBus(backends, log)
	if err != nil {
		return err
	}
	defer func() {
		log.Info("closing event bus")
		_ = bus.Close()
	}()

	if err := eventhandler.NewOnProgressChangedHandler(backends.Progress, log).Register(bus); err != nil {
		return fmt.Errorf("failed to register progress handler: %w", err)
	}

	// ─────────────────────────────────────────────────────────────────────────
	// 6. LEDGER
	// ─────────────────────────────────────────────────────────────────────────
	programID, err := app.ProgramID(cfg)
	if err != nil {
		return err
	}
	program := tutorprogram.New(programID, tutorprogram.WithStrictMonotonic(cfg.Features.StrictMonotonic()))

	node := ledger.New(ledger.Config{
		SlotInterval:           cfg.Node.SlotInterval,
		FinalityDepth:          cfg.Node.FinalityDepth,
		MaxBlockhashAge:        cfg.Node.MaxBlockhashAge,
		MaxPendingTransactions: cfg.Node.MaxPendingTransactions,
		MaxTransactionsPerSlot: cfg.Node.MaxTransactionsPerSlot,
	}, backends.LedgerStore, log, []ledger.Program{program},
		ledger.WithObserver(eventhandler.NewBlockObserver(bus, programID, log)),
	)
	if err := node.Open(ctx); err != nil {
		return fmt.Errorf("failed to open ledger: %w", err)
	}

	client := ledgerclient.New(node, ledgerclient.Config{
		ProgramID:                programID,
		Commitment:               ledger.CommitmentConfirmed,
		ConfirmTimeout:           cfg.Node.ConfirmTimeout,
		MaxConcurrentSubmissions: ledgerclient.DefaultConfig().MaxConcurrentSubmissions,
	}, log)

	// ─────────────────────────────────────────────────────────────────────────
	// 7. APPLICATION HANDLERS
	// ─────────────────────────────────────────────────────────────────────────
	authService, err := app.NewAuthService(cfg, backends, log)
	if err != nil {
		return fmt.Errorf("failed to create auth service: %w", err)
	}

	generator, err := gemini.New(ctx, gemini.Config{
		APIKey:  cfg.Gemini.APIKey,
		Model:   cfg.Gemini.Model,
		BaseURL: cfg.Gemini.BaseURL,
		Timeout: cfg.Gemini.Timeout,
	}, log)
	if err != nil {
		return fmt.Errorf("failed to create tutor client: %w", err)
	}
	if !generator.Configured() {
		log.Warn("GEMINI_API_KEY not set; tutor chat answers with an advisory")
	}

	askTutor := command.NewAskTutorHandler(generator, cat, log)
	askTutor.Enabled = func(wallet identity.PublicKey) bool {
		return cfg.Features.ChatEnabled(wallet.String())
	}

	getLesson := query.NewGetLessonHandler(cat)
	getLesson.Gated = cfg.Features.WalletGate

	issueBadge, err := app.NewIssueBadgeHandler(ctx, cfg, backends,
		app.BadgeSources{Statuses: node, Progress: client}, cat, bus, log)
	if err != nil {
		return err
	}

	// ─────────────────────────────────────────────────────────────────────────
	// 8. HEALTH CHECKS
	// ─────────────────────────────────────────────────────────────────────────
	health := handlers.NewCompositeHealthChecker(cfg.App.Version)
	backends.AddHealthChecks(health)
	health.AddCheck("ledger", handlers.NewLedgerHeadCheck(node, headMaxAge(cfg.Node.SlotInterval)))

	// ─────────────────────────────────────────────────────────────────────────
	// 9. HTTP SERVER
	// ─────────────────────────────────────────────────────────────────────────
	serverCfg := httpapi.DefaultConfig()
	serverCfg.Host = cfg.Server.Host
	serverCfg.Port = cfg.Server.Port
	serverCfg.ReadTimeout = cfg.Server.ReadTimeout
	serverCfg.WriteTimeout = cfg.Server.WriteTimeout
	serverCfg.RequestTimeout = cfg.Server.RequestTimeout
	serverCfg.MaxConfirmWait = cfg.Server.MaxConfirmWait
	serverCfg.EnableCORS = cfg.Server.EnableCORS
	serverCfg.AllowedOrigins = cfg.Server.AllowedOrigins
	serverCfg.RateLimitPerMinute = cfg.Server.RateLimitPerMinute
	serverCfg.ChatPerMinute = cfg.Server.ChatPerMinute
	if cfg.App.Debug {
		serverCfg.Mode = gin.DebugMode
	}

	server := httpapi.NewServer(serverCfg, httpapi.Dependencies{
		Node:          node,
		Catalog:       cat,
		GetProgress:   query.NewGetProgressHandler(client, backends.Progress, backends.Achievements, cat, log),
		GetLesson:     getLesson,
		IssueBadge:    issueBadge,
		AskTutor:      askTutor,
		Auth:          authService,
		Achievements:  backends.Achievements,
		Logger:        log,
		HealthChecker: health,
		Version:       cfg.App.Version,
	})

	// ─────────────────────────────────────────────────────────────────────────
	// 10. RUN UNTIL SHUTDOWN
	// ─────────────────────────────────────────────────────────────────────────
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return node.Run(gctx)
	})
	g.Go(server.Start)
	g.Go(func() error {
		<-gctx.Done()
		log.Info("starting graceful shutdown", logger.Duration("timeout", cfg.App.ShutdownTimeout))

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.App.ShutdownTimeout)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("http shutdown: %w", err)
		}
		return nil
	})

	log.Info("tutor ledger node is running",
		logger.String("address", serverCfg.Address()),
		logger.String("program_id", programID.String()),
	)

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	log.Info("shutdown completed", logger.Uint64("head_slot", node.Head().Slot))
	return nil
}

// headMaxAge is how stale the head may be before the node reports itself
// unhealthy.
func headMaxAge(slot time.Duration) time.Duration {
	if age := 10 * slot; age > 5*time.Second {
		return age
	}
	return 5 * time.Second
}
