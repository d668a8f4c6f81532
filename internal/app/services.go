package app

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"os"

	"github.com/tutorhub/tutor-ledger/config"
	"github.com/tutorhub/tutor-ledger/internal/application/command"
	"github.com/tutorhub/tutor-ledger/internal/domain/badge"
	"github.com/tutorhub/tutor-ledger/internal/domain/catalog"
	"github.com/tutorhub/tutor-ledger/internal/domain/identity"
	"github.com/tutorhub/tutor-ledger/internal/domain/shared"
	"github.com/tutorhub/tutor-ledger/internal/infrastructure/auth"
	"github.com/tutorhub/tutor-ledger/internal/infrastructure/external/metadata"
	"github.com/tutorhub/tutor-ledger/internal/infrastructure/external/minter"
	"github.com/tutorhub/tutor-ledger/internal/infrastructure/messaging"
	"github.com/tutorhub/tutor-ledger/internal/ledger/tutorprogram"
	"github.com/tutorhub/tutor-ledger/pkg/logger"
)

// NewLogger builds the process logger from the observability settings.
func NewLogger(cfg *config.Config, binary string) *logger.Logger {
	format := logger.FormatJSON
	if cfg.Observability.LogFormat == string(logger.FormatConsole) {
		format = logger.FormatConsole
	}
	return logger.New(logger.Options{
		Output:    os.Stdout,
		Level:     logger.ParseLevel(cfg.Observability.LogLevel),
		Format:    format,
		AddCaller: true,
	}).With(
		logger.String("service", cfg.App.Name),
		logger.String("binary", binary),
		logger.String("version", cfg.App.Version),
	)
}

// ProgramID resolves the configured progress program address.
func ProgramID(cfg *config.Config) (identity.PublicKey, error) {
	raw := cfg.Node.ProgramID
	if raw == "" {
		raw = tutorprogram.DefaultProgramID
	}
	id, err := identity.ParsePublicKey(raw)
	if err != nil {
		return identity.PublicKey{}, fmt.Errorf("NODE_PROGRAM_ID: %w", err)
	}
	return id, nil
}

// NewPublisher uploads badge documents to S3 when a bucket is configured,
// falling back to the pre-hosted URIs on failure. Without a bucket only
// the pre-hosted URIs are used.
func NewPublisher(ctx context.Context, cfg *config.Config, log *logger.Logger) (badge.MetadataPublisher, error) {
	mc := metadata.Config{
		Bucket:        cfg.Metadata.Bucket,
		Region:        cfg.Metadata.Region,
		AccessKey:     cfg.Metadata.AccessKey,
		SecretKey:     cfg.Metadata.SecretKey,
		Endpoint:      cfg.Metadata.Endpoint,
		PublicBaseURL: cfg.Metadata.PublicBaseURL,
		Prefix:        cfg.Metadata.Prefix,
	}
	if !mc.Enabled() {
		return metadata.StaticPublisher{}, nil
	}
	s3, err := metadata.NewS3Publisher(ctx, mc, log)
	if err != nil {
		return nil, fmt.Errorf("metadata publisher: %w", err)
	}
	return &metadata.FallbackPublisher{Primary: s3, Secondary: metadata.StaticPublisher{}, Log: log}, nil
}

// NewMinter returns the HTTP minting client, or a minter that always fails
// when no service is configured.
func NewMinter(cfg *config.Config, log *logger.Logger) badge.Minter {
	if cfg.Minter.BaseURL == "" {
		log.Warn("MINTER_BASE_URL not set; badge mints will be recorded as failed")
		return minter.Unconfigured{}
	}
	mc := minter.DefaultConfig(cfg.Minter.BaseURL)
	mc.APIKey = cfg.Minter.APIKey
	if cfg.Minter.Timeout > 0 {
		mc.Timeout = cfg.Minter.Timeout
	}
	return minter.New(mc, log)
}

// EventBus is a closable bus.
type EventBus interface {
	shared.EventBus
	Close() error
}

// NewEventBus fans events out across processes over Redis when it is
// available and stays in-process otherwise.
func NewEventBus(b *Backends, log *logger.Logger) (EventBus, error) {
	local := messaging.DefaultInMemoryEventBusConfig()
	local.Logger = log

	if b.Redis == nil {
		return messaging.NewInMemoryEventBus(local), nil
	}
	bus, err := messaging.NewRedisEventBus(messaging.RedisEventBusConfig{
		Client:         messaging.NewRedisClient(b.Redis),
		LocalBusConfig: local,
		Logger:         log,
	})
	if err != nil {
		return nil, fmt.Errorf("redis event bus: %w", err)
	}
	return bus, nil
}

// BadgeSources are the ledger-facing readers badge issuance verifies
// against.
type BadgeSources struct {
	Statuses command.TransactionStatusReader
	Progress command.ProgressReader
}

// NewIssueBadgeHandler wires badge issuance over the backends.
func NewIssueBadgeHandler(ctx context.Context, cfg *config.Config, b *Backends, src BadgeSources, cat *catalog.Catalog, events shared.EventPublisher, log *logger.Logger) (*command.IssueBadgeHandler, error) {
	publisher, err := NewPublisher(ctx, cfg, log)
	if err != nil {
		return nil, err
	}
	programID, err := ProgramID(cfg)
	if err != nil {
		return nil, err
	}
	return command.NewIssueBadgeHandler(command.IssueBadgeDeps{
		Statuses:     src.Statuses,
		Progress:     src.Progress,
		Catalog:      cat,
		Achievements: b.Achievements,
		Locker:       b.Locker,
		Publisher:    publisher,
		Minter:       NewMinter(cfg, log),
		Events:       events,
		ProgramID:    programID,
		Enabled: func(owner identity.PublicKey) bool {
			return cfg.Features.MintingEnabled(owner.String())
		},
	}, command.DefaultIssueBadgeHandlerConfig(), log), nil
}

// NewAuthService builds wallet sign-in. Outside production a missing
// secret is replaced by a random one, so sessions do not survive restarts.
func NewAuthService(cfg *config.Config, b *Backends, log *logger.Logger) (*auth.Service, error) {
	secret := cfg.Auth.JWTSecret
	if secret == "" {
		if cfg.IsProduction() {
			return nil, fmt.Errorf("AUTH_JWT_SECRET is required in production")
		}
		buf := make([]byte, 32)
		if _, err := rand.Read(buf); err != nil {
			return nil, fmt.Errorf("generate token secret: %w", err)
		}
		secret = hex.EncodeToString(buf)
		log.Warn("AUTH_JWT_SECRET not set; using an ephemeral secret")
	}

	ac := auth.DefaultConfig(secret)
	if cfg.Auth.Issuer != "" {
		ac.Issuer = cfg.Auth.Issuer
	}
	if cfg.Auth.TokenTTL > 0 {
		ac.TokenTTL = cfg.Auth.TokenTTL
	}
	if cfg.Auth.ChallengeTTL > 0 {
		ac.ChallengeTTL = cfg.Auth.ChallengeTTL
	}
	return auth.NewService(b.Challenges, ac, log)
}
