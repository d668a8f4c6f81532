// Package jobs contains the worker's scheduled jobs.
package jobs

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/tutorhub/tutor-ledger/internal/domain/shared"
	"github.com/tutorhub/tutor-ledger/internal/ledger"
	"github.com/tutorhub/tutor-ledger/pkg/logger"
)

// ══════════════════════════════════════════════════════════════════════════════
// VERIFY CHAIN JOB
// ══════════════════════════════════════════════════════════════════════════════

// VerifyChainJob walks the committed chain from where the previous run
// stopped up to the current head, checking parent links, write digests and
// block hashes. A corrupted block stops the walk; the cursor stays before it
// so every later run reports the same slot until the store is repaired.
type VerifyChainJob struct {
	store  ledger.Store
	logger *logger.Logger
	config VerifyChainConfig

	mu   sync.Mutex
	next uint64

	lastStats atomic.Pointer[VerifyStats]
}

// VerifyChainConfig contains configuration for the verify job.
type VerifyChainConfig struct {
	// MaxSlotsPerRun bounds how many blocks one run checks.
	MaxSlotsPerRun uint64

	// Timeout is the maximum duration for one run.
	Timeout time.Duration

	// OnCorruption is called with the failing slot when verification fails.
	OnCorruption func(slot uint64, err error)
}

// DefaultVerifyChainConfig returns sensible defaults.
func DefaultVerifyChainConfig() VerifyChainConfig {
	return VerifyChainConfig{
		MaxSlotsPerRun: 5000,
		Timeout:        time.Minute,
	}
}

// VerifyStats describes one verification run.
type VerifyStats struct {
	StartedAt   time.Time
	Duration    time.Duration
	FromSlot    uint64
	VerifiedTo  uint64
	Verified    uint64
	HeadSlot    uint64
	CorruptSlot uint64
	Corrupted   bool
	NothingToDo bool
}

// NewVerifyChainJob creates a verify job reading from store.
func NewVerifyChainJob(store ledger.Store, log *logger.Logger, config VerifyChainConfig) *VerifyChainJob {
	if log == nil {
		log = logger.Nop()
	}
	if config.MaxSlotsPerRun == 0 {
		config.MaxSlotsPerRun = DefaultVerifyChainConfig().MaxSlotsPerRun
	}
	return &VerifyChainJob{
		store:  store,
		logger: log.With(logger.Component("verify_chain")),
		config: config,
	}
}

// Name returns the job name.
func (j *VerifyChainJob) Name() string {
	return "verify_chain"
}

// Description returns a human-readable description.
func (j *VerifyChainJob) Description() string {
	return "Verifies hash links and write digests of newly committed blocks"
}

// Run executes one verification pass.
func (j *VerifyChainJob) Run(ctx context.Context) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	if j.config.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, j.config.Timeout)
		defer cancel()
	}

	stats := &VerifyStats{StartedAt: time.Now(), FromSlot: j.next}
	defer func() {
		stats.Duration = time.Since(stats.StartedAt)
		j.lastStats.Store(stats)
	}()

	head, err := j.store.Head(ctx)
	if errors.Is(err, shared.ErrBlockNotFound) {
		stats.NothingToDo = true
		return nil
	}
	if err != nil {
		return fmt.Errorf("verify_chain: load head: %w", err)
	}
	stats.HeadSlot = head.Slot
	if j.next > head.Slot {
		stats.NothingToDo = true
		return nil
	}

	to := head.Slot
	if to-j.next+1 > j.config.MaxSlotsPerRun {
		to = j.next + j.config.MaxSlotsPerRun - 1
	}

	n, err := ledger.VerifyChain(ctx, j.store, j.next, to)
	stats.Verified = n
	if n > 0 {
		stats.VerifiedTo = j.next + n - 1
	}
	// Passed blocks are never re-checked; a failing slot is retried next run.
	j.next += n

	if err != nil {
		if errors.Is(err, shared.ErrChainCorrupted) {
			stats.Corrupted = true
			stats.CorruptSlot = j.next
			j.logger.Error("chain corrupted", logger.Slot(j.next), logger.Err(err))
			if j.config.OnCorruption != nil {
				j.config.OnCorruption(j.next, err)
			}
		}
		return fmt.Errorf("verify_chain: %w", err)
	}

	j.logger.Debug("chain verified",
		logger.Uint64("from", stats.FromSlot),
		logger.Uint64("to", stats.VerifiedTo),
		logger.Uint64("head", head.Slot),
	)
	return nil
}

// LastStats returns statistics from the most recent run, or nil.
func (j *VerifyChainJob) LastStats() *VerifyStats {
	return j.lastStats.Load()
}

// Cursor returns the next slot the job will verify.
func (j *VerifyChainJob) Cursor() uint64 {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.next
}
