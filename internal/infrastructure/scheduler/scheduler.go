// Package scheduler runs the worker's periodic jobs: chain verification and
// failed badge retries. Each job has its own loop, so a job never overlaps
// with itself; its next run is planned from when the previous one ended.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/tutorhub/tutor-ledger/pkg/logger"
)

var (
	ErrNilJob                  = errors.New("job cannot be nil")
	ErrNilSchedule             = errors.New("schedule cannot be nil")
	ErrJobAlreadyExists        = errors.New("job already exists")
	ErrSchedulerAlreadyRunning = errors.New("scheduler is already running")
)

// Job is one kind of periodic work. Run's context ends when the scheduler
// stops.
type Job interface {
	Name() string
	Description() string
	Run(ctx context.Context) error
}

// Schedule plans the run after t.
type Schedule interface {
	Next(t time.Time) time.Time
	String() string
}

// Result describes one finished run.
type Result struct {
	Job      string
	Started  time.Time
	Duration time.Duration
	Err      error
}

// Totals counts finished runs across all jobs. Cancelled runs count as runs,
// not failures.
type Totals struct {
	Runs     int64
	Failures int64
}

// Config configures a Scheduler.
type Config struct {
	Logger *logger.Logger
	// RunOnStart runs every job as soon as Run is called instead of one
	// interval later.
	RunOnStart bool
	// OnResult, when set, sees every finished run.
	OnResult func(Result)
}

// DefaultConfig runs jobs immediately on start.
func DefaultConfig() Config {
	return Config{RunOnStart: true}
}

type entry struct {
	job      Job
	schedule Schedule
}

// Scheduler owns a set of jobs and drives them until its context ends.
type Scheduler struct {
	cfg    Config
	logger *logger.Logger
	now    func() time.Time

	mu      sync.Mutex
	entries []entry
	names   map[string]struct{}
	running atomic.Bool

	runs     atomic.Int64
	failures atomic.Int64
}

// New creates a Scheduler.
func New(cfg Config) *Scheduler {
	if cfg.Logger == nil {
		cfg.Logger = logger.Nop()
	}
	return &Scheduler{
		cfg:    cfg,
		logger: cfg.Logger.With(logger.Component("scheduler")),
		now:    time.Now,
		names:  make(map[string]struct{}),
	}
}

// Register adds job. Jobs must be registered before Run.
func (s *Scheduler) Register(job Job, schedule Schedule) error {
	switch {
	case job == nil:
		return ErrNilJob
	case schedule == nil:
		return ErrNilSchedule
	case s.running.Load():
		return ErrSchedulerAlreadyRunning
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, dup := s.names[job.Name()]; dup {
		return fmt.Errorf("%w: %s", ErrJobAlreadyExists, job.Name())
	}
	s.names[job.Name()] = struct{}{}
	s.entries = append(s.entries, entry{job: job, schedule: schedule})

	s.logger.Info("job registered",
		logger.String("job", job.Name()),
		logger.String("schedule", schedule.String()),
		logger.String("description", job.Description()),
	)
	return nil
}

// Run drives every registered job until ctx ends, then waits for runs in
// progress to return.
func (s *Scheduler) Run(ctx context.Context) error {
	if !s.running.CompareAndSwap(false, true) {
		return ErrSchedulerAlreadyRunning
	}
	defer s.running.Store(false)

	s.mu.Lock()
	entries := append([]entry(nil), s.entries...)
	s.mu.Unlock()

	started := s.now()
	s.logger.Info("scheduler started", logger.Int("jobs_count", len(entries)))

	g, ctx := errgroup.WithContext(ctx)
	for _, e := range entries {
		g.Go(func() error {
			s.loop(ctx, e)
			return nil
		})
	}
	err := g.Wait()

	s.logger.Info("scheduler stopped", logger.Duration("uptime", s.now().Sub(started)))
	return err
}

func (s *Scheduler) loop(ctx context.Context, e entry) {
	next := s.now()
	if !s.cfg.RunOnStart {
		next = e.schedule.Next(next)
	}
	for {
		if wait := next.Sub(s.now()); wait > 0 {
			timer := time.NewTimer(wait)
			select {
			case <-ctx.Done():
				timer.Stop()
				return
			case <-timer.C:
			}
		}
		if ctx.Err() != nil {
			return
		}
		s.runOnce(ctx, e.job)
		next = e.schedule.Next(s.now())
	}
}

func (s *Scheduler) runOnce(ctx context.Context, job Job) {
	log := s.logger.With(logger.String("job", job.Name()))
	res := Result{Job: job.Name(), Started: s.now()}
	res.Err = job.Run(ctx)
	res.Duration = s.now().Sub(res.Started)

	s.runs.Add(1)
	switch {
	case res.Err == nil:
		log.Info("job completed", logger.Latency(res.Duration))
	case errors.Is(res.Err, context.Canceled):
		log.Info("job cancelled", logger.Latency(res.Duration))
	default:
		s.failures.Add(1)
		log.Error("job failed", logger.Latency(res.Duration), logger.Err(res.Err))
	}
	if s.cfg.OnResult != nil {
		s.cfg.OnResult(res)
	}
}

// Totals returns the run counters.
func (s *Scheduler) Totals() Totals {
	return Totals{Runs: s.runs.Load(), Failures: s.failures.Load()}
}
