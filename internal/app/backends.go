// Package app wires configuration into the stores, collaborators and
// handlers shared by the node and worker binaries.
package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/tutorhub/tutor-ledger/config"
	"github.com/tutorhub/tutor-ledger/internal/domain/badge"
	"github.com/tutorhub/tutor-ledger/internal/domain/progress"
	"github.com/tutorhub/tutor-ledger/internal/infrastructure/auth"
	"github.com/tutorhub/tutor-ledger/internal/infrastructure/persistence/memory"
	"github.com/tutorhub/tutor-ledger/internal/infrastructure/persistence/postgres"
	rediscache "github.com/tutorhub/tutor-ledger/internal/infrastructure/persistence/redis"
	"github.com/tutorhub/tutor-ledger/internal/interface/http/handlers"
	"github.com/tutorhub/tutor-ledger/internal/ledger"
	"github.com/tutorhub/tutor-ledger/pkg/logger"
)

// In-process cache sizes used when Redis is off.
const (
	memoryProgressEntries  = 10_000
	memoryChallengeEntries = 10_000
)

// Backends holds the storage side of a process. DB and Redis are nil when
// the in-memory implementations are in use.
type Backends struct {
	DB    *postgres.Connection
	Redis *rediscache.Cache

	LedgerStore  ledger.Store
	Achievements badge.Repository
	Locker       badge.Locker
	Challenges   auth.ChallengeStore
	Progress     progress.Cache

	log *logger.Logger
}

// OpenBackends connects to Postgres when a database URL is configured and
// to Redis unless it is disabled. A Redis that cannot be reached outside
// production degrades to in-process caches and locks.
func OpenBackends(ctx context.Context, cfg *config.Config, log *logger.Logger) (*Backends, error) {
	if log == nil {
		log = logger.Nop()
	}
	b := &Backends{log: log}

	// ─────────────────────────────────────────────────────────────────────────
	// PostgreSQL
	// ─────────────────────────────────────────────────────────────────────────
	if cfg.Database.URL != "" {
		log.Info("connecting to database")
		dbCfg := postgres.DefaultConfig()
		dbCfg.URL = cfg.Database.URL
		dbCfg.MaxConns = int32(cfg.Database.MaxConns)
		dbCfg.MinConns = int32(cfg.Database.MinConns)
		dbCfg.MaxConnLifetime = cfg.Database.ConnMaxLifetime
		dbCfg.MaxConnIdleTime = cfg.Database.ConnMaxIdleTime

		conn, err := postgres.NewConnection(ctx, dbCfg)
		if err != nil {
			return nil, fmt.Errorf("connect database: %w", err)
		}
		b.DB = conn

		if cfg.Database.AutoMigrate {
			if err := postgres.NewMigrator(conn).Migrate(ctx); err != nil {
				b.Close()
				return nil, fmt.Errorf("migrate database: %w", err)
			}
			log.Info("database schema is up to date")
		}

		b.LedgerStore = postgres.NewLedgerStore(conn)
		b.Achievements = postgres.NewAchievementRepository(conn)
	} else {
		log.Warn("DATABASE_URL not set; ledger and badges are kept in memory")
		b.LedgerStore = ledger.NewMemStore()
		b.Achievements = memory.NewAchievementRepository()
	}

	// ─────────────────────────────────────────────────────────────────────────
	// Redis
	// ─────────────────────────────────────────────────────────────────────────
	if !cfg.Redis.Disabled {
		cache, err := rediscache.NewCache(redisConfig(cfg.Redis))
		switch {
		case err == nil:
			b.Redis = cache
			log.Info("redis connection established", logger.String("addr", redisConfig(cfg.Redis).Addr()))
		case cfg.IsProduction():
			b.Close()
			return nil, fmt.Errorf("connect redis: %w", err)
		default:
			log.Warn("redis unavailable; using in-process caches", logger.Err(err))
		}
	}

	if b.Redis != nil {
		b.Locker = rediscache.NewLocker(b.Redis)
		b.Challenges = rediscache.NewChallengeStore(b.Redis)
		b.Progress = rediscache.NewProgressCache(b.Redis, cfg.Redis.ProgressTTL)
	} else {
		b.Locker = memory.NewLocker()
		b.Challenges = memory.NewChallengeStore(memoryChallengeEntries, time.Now)
		b.Progress = memory.NewProgressCache(memoryProgressEntries, cfg.Redis.ProgressTTL)
	}

	return b, nil
}

func redisConfig(c config.RedisConfig) rediscache.Config {
	rc := rediscache.DefaultConfig()
	rc.Host = c.Host
	rc.Port = c.Port
	rc.Password = c.Password
	rc.DB = c.DB
	if c.PoolSize > 0 {
		rc.PoolSize = c.PoolSize
	}
	rc.MinIdleConns = c.MinIdleConns
	if c.DialTimeout > 0 {
		rc.DialTimeout = c.DialTimeout
	}
	if c.ReadTimeout > 0 {
		rc.ReadTimeout = c.ReadTimeout
	}
	if c.WriteTimeout > 0 {
		rc.WriteTimeout = c.WriteTimeout
	}
	return rc
}

// AddHealthChecks registers a check for every networked backend.
func (b *Backends) AddHealthChecks(hc *handlers.CompositeHealthChecker) {
	if b.DB != nil {
		hc.AddCheck("postgres", postgresCheck(b.DB))
	}
	if b.Redis != nil {
		hc.AddCheck("redis", handlers.NewPingCheck(b.Redis))
	}
}

// postgresCheck fails when the database does not answer or every pooled
// connection is in use.
func postgresCheck(db *postgres.Connection) handlers.HealthCheckFunc {
	return func(ctx context.Context) error {
		st, err := db.Health(ctx)
		if err != nil {
			return err
		}
		if !st.Healthy {
			return fmt.Errorf("postgres: %s", st.Error)
		}
		if st.MaxConns > 0 && st.AcquiredConns >= st.MaxConns {
			return fmt.Errorf("postgres: pool exhausted (%d/%d connections in use)", st.AcquiredConns, st.MaxConns)
		}
		return nil
	}
}

// Close releases connections. It is safe to call more than once.
func (b *Backends) Close() error {
	var errs []error
	if b.Redis != nil {
		b.log.Info("closing redis connection")
		errs = append(errs, b.Redis.Close())
		b.Redis = nil
	}
	if b.DB != nil {
		b.log.Info("closing database connection")
		b.DB.Close()
		b.DB = nil
	}
	return errors.Join(errs...)
}
