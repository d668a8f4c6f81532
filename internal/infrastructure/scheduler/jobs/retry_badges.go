package jobs

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/tutorhub/tutor-ledger/internal/application/command"
	"github.com/tutorhub/tutor-ledger/pkg/logger"
)

// ══════════════════════════════════════════════════════════════════════════════
// RETRY FAILED BADGES JOB
// ══════════════════════════════════════════════════════════════════════════════

// BadgeRetrier re-attempts failed badge issuances.
type BadgeRetrier interface {
	RetryFailed(ctx context.Context, limit int) (*command.RetryReport, error)
}

// RetryBadgesJob periodically re-mints badges whose issuance failed with a
// retryable category.
type RetryBadgesJob struct {
	retrier BadgeRetrier
	logger  *logger.Logger
	config  RetryBadgesConfig

	totals struct {
		runs    atomic.Int64
		minted  atomic.Int64
		failed  atomic.Int64
		skipped atomic.Int64
	}
	last atomic.Pointer[command.RetryReport]
}

// RetryBadgesConfig contains configuration for the retry job.
type RetryBadgesConfig struct {
	// BatchSize is the maximum number of issuances retried per run.
	BatchSize int

	// Timeout is the maximum duration for one run.
	Timeout time.Duration
}

// DefaultRetryBadgesConfig returns sensible defaults.
func DefaultRetryBadgesConfig() RetryBadgesConfig {
	return RetryBadgesConfig{
		BatchSize: 25,
		Timeout:   2 * time.Minute,
	}
}

// NewRetryBadgesJob creates a new retry job.
func NewRetryBadgesJob(retrier BadgeRetrier, log *logger.Logger, config RetryBadgesConfig) *RetryBadgesJob {
	if log == nil {
		log = logger.Nop()
	}
	if config.BatchSize <= 0 {
		config.BatchSize = DefaultRetryBadgesConfig().BatchSize
	}
	return &RetryBadgesJob{
		retrier: retrier,
		logger:  log.With(logger.Component("retry_badges")),
		config:  config,
	}
}

// Name returns the job name.
func (j *RetryBadgesJob) Name() string {
	return "retry_failed_badges"
}

// Description returns a human-readable description.
func (j *RetryBadgesJob) Description() string {
	return "Re-attempts badge mints that failed with a transient error"
}

// Run executes one retry batch.
func (j *RetryBadgesJob) Run(ctx context.Context) error {
	if j.config.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, j.config.Timeout)
		defer cancel()
	}

	report, err := j.retrier.RetryFailed(ctx, j.config.BatchSize)
	j.totals.runs.Add(1)
	if err != nil {
		return fmt.Errorf("retry_failed_badges: %w", err)
	}

	j.last.Store(report)
	j.totals.minted.Add(int64(report.Minted))
	j.totals.failed.Add(int64(report.Failed))
	j.totals.skipped.Add(int64(report.Skipped))

	if report.Attempted == 0 {
		j.logger.Debug("no failed badges to retry")
		return nil
	}
	j.logger.Info("retried failed badges",
		logger.Int("attempted", report.Attempted),
		logger.Int("minted", report.Minted),
		logger.Int("failed", report.Failed),
		logger.Int("skipped", report.Skipped),
	)
	return nil
}

// RetryTotals are cumulative counts across runs.
type RetryTotals struct {
	Runs    int64
	Minted  int64
	Failed  int64
	Skipped int64
}

// Totals returns cumulative counts across runs.
func (j *RetryBadgesJob) Totals() RetryTotals {
	return RetryTotals{
		Runs:    j.totals.runs.Load(),
		Minted:  j.totals.minted.Load(),
		Failed:  j.totals.failed.Load(),
		Skipped: j.totals.skipped.Load(),
	}
}

// LastReport returns the report of the most recent successful run, or nil.
func (j *RetryBadgesJob) LastReport() *command.RetryReport {
	return j.last.Load()
}
