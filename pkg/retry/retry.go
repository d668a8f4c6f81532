// Package retry repeats idempotent calls with capped exponential backoff.
// Ledger submissions never go through it: a resent advance can apply twice.
package retry

import (
	"context"
	"errors"
	"math"
	"math/rand/v2"
	"time"
)

// ══════════════════════════════════════════════════════════════════════════════
// ERROR MARKERS
// ══════════════════════════════════════════════════════════════════════════════

// marked carries an explicit retry decision for the wrapped error.
type marked struct {
	err   error
	again bool
}

func (m *marked) Error() string { return m.err.Error() }
func (m *marked) Unwrap() error { return m.err }

// Retryable marks err as transient.
func Retryable(err error) error {
	if err == nil {
		return nil
	}
	return &marked{err: err, again: true}
}

// Permanent marks err as final, even when a RetryIf hook would accept it.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &marked{err: err}
}

// IsRetryable reports whether err carries a Retryable mark.
func IsRetryable(err error) bool {
	var m *marked
	return errors.As(err, &m) && m.again
}

// IsPermanent reports whether err carries a Permanent mark.
func IsPermanent(err error) bool {
	var m *marked
	return errors.As(err, &m) && !m.again
}

// strip removes a top-level mark so callers see the operation's own error.
func strip(err error) error {
	if m, ok := err.(*marked); ok {
		return m.err
	}
	return err
}

// ══════════════════════════════════════════════════════════════════════════════
// POLICY
// ══════════════════════════════════════════════════════════════════════════════

// Policy describes how often and how far apart attempts are made.
type Policy struct {
	// Attempts counts the first call. Values below 1 mean 1.
	Attempts int
	// First is the wait after the first failure; each later wait grows by
	// Factor up to Cap.
	First  time.Duration
	Cap    time.Duration
	Factor float64
	// Jitter spreads each wait by up to ±Jitter of itself.
	Jitter float64
	// RetryIf decides for unmarked errors. Nil retries marked errors only.
	RetryIf func(error) bool
	// Observe runs before each wait.
	Observe func(attempt int, err error, wait time.Duration)
}

func defaultPolicy() Policy {
	return Policy{
		Attempts: 3,
		First:    100 * time.Millisecond,
		Cap:      30 * time.Second,
		Factor:   2,
		Jitter:   0.1,
	}
}

// Option adjusts a Policy.
type Option func(*Policy)

// WithMaxAttempts sets the attempt budget, first call included.
func WithMaxAttempts(n int) Option {
	return func(p *Policy) {
		if n > 0 {
			p.Attempts = n
		}
	}
}

// WithInitialDelay sets the wait after the first failure.
func WithInitialDelay(d time.Duration) Option {
	return func(p *Policy) {
		if d > 0 {
			p.First = d
		}
	}
}

// WithMaxDelay caps a single wait.
func WithMaxDelay(d time.Duration) Option {
	return func(p *Policy) {
		if d > 0 {
			p.Cap = d
		}
	}
}

// WithMultiplier sets the growth factor; values below 1 are ignored.
func WithMultiplier(f float64) Option {
	return func(p *Policy) {
		if f >= 1 {
			p.Factor = f
		}
	}
}

// WithJitter sets the jitter fraction in [0, 1].
func WithJitter(j float64) Option {
	return func(p *Policy) {
		if j >= 0 && j <= 1 {
			p.Jitter = j
		}
	}
}

// WithRetryIf classifies unmarked errors.
func WithRetryIf(fn func(error) bool) Option {
	return func(p *Policy) { p.RetryIf = fn }
}

// WithObserver is called before every wait, typically to log the retry.
func WithObserver(fn func(attempt int, err error, wait time.Duration)) Option {
	return func(p *Policy) { p.Observe = fn }
}

func (p Policy) wants(err error) bool {
	var m *marked
	if errors.As(err, &m) {
		return m.again
	}
	return p.RetryIf != nil && p.RetryIf(err)
}

// wait returns the pause after the given failed attempt (1-based).
func (p Policy) wait(attempt int) time.Duration {
	d := float64(p.First) * math.Pow(p.Factor, float64(attempt-1))
	d = math.Min(d, float64(p.Cap))
	if p.Jitter > 0 {
		d += d * p.Jitter * (2*rand.Float64() - 1)
	}
	return time.Duration(math.Max(d, 0))
}

// ══════════════════════════════════════════════════════════════════════════════
// RETRIER
// ══════════════════════════════════════════════════════════════════════════════

// Retrier runs operations under one Policy. It is safe for concurrent use.
type Retrier struct {
	policy Policy
}

// New builds a Retrier from the defaults and opts.
func New(opts ...Option) *Retrier {
	p := defaultPolicy()
	for _, opt := range opts {
		opt(&p)
	}
	if p.Attempts < 1 {
		p.Attempts = 1
	}
	return &Retrier{policy: p}
}

// Do calls op until it succeeds, returns an error the policy does not
// retry, runs out of attempts, or ctx ends. The returned error is op's last
// error without its retry mark.
func (r *Retrier) Do(ctx context.Context, op func(ctx context.Context) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	p := r.policy
	for attempt := 1; ; attempt++ {
		err := op(ctx)
		if err == nil {
			return nil
		}
		if attempt >= p.Attempts || !p.wants(err) {
			return strip(err)
		}

		pause := p.wait(attempt)
		if p.Observe != nil {
			p.Observe(attempt, err, pause)
		}
		timer := time.NewTimer(pause)
		select {
		case <-ctx.Done():
			timer.Stop()
			return strip(err)
		case <-timer.C:
		}
	}
}

// Do runs op under a one-off Retrier.
func Do(ctx context.Context, op func(ctx context.Context) error, opts ...Option) error {
	return New(opts...).Do(ctx, op)
}

// DoWithData is Do for operations that produce a value.
func DoWithData[T any](ctx context.Context, op func(ctx context.Context) (T, error), opts ...Option) (T, error) {
	var out T
	err := New(opts...).Do(ctx, func(ctx context.Context) error {
		v, err := op(ctx)
		if err == nil {
			out = v
		}
		return err
	})
	return out, err
}

// ══════════════════════════════════════════════════════════════════════════════
// PRESETS
// Extra options are applied after the preset's own.
// ══════════════════════════════════════════════════════════════════════════════

func preset(base []Option, extra []Option) *Retrier {
	return New(append(base, extra...)...)
}

// LedgerRPCRetrier is for node reads: blockhash, status, account.
func LedgerRPCRetrier(opts ...Option) *Retrier {
	return preset([]Option{
		WithMaxAttempts(4),
		WithInitialDelay(200 * time.Millisecond),
		WithMaxDelay(3 * time.Second),
		WithJitter(0.2),
	}, opts)
}

// GeminiRetrier is for text generation. Two attempts at most, so a
// degraded upstream answers the learner quickly with an advisory.
func GeminiRetrier(opts ...Option) *Retrier {
	return preset([]Option{
		WithMaxAttempts(2),
		WithInitialDelay(500 * time.Millisecond),
		WithMaxDelay(5 * time.Second),
		WithJitter(0.2),
	}, opts)
}

// MinterRetrier is for mint requests, which carry an idempotency key.
func MinterRetrier(opts ...Option) *Retrier {
	return preset([]Option{
		WithMaxAttempts(3),
		WithInitialDelay(250 * time.Millisecond),
		WithMaxDelay(5 * time.Second),
		WithMultiplier(1.5),
	}, opts)
}

// DatabaseRetrier is for short transactions that lose a serialization race.
func DatabaseRetrier(opts ...Option) *Retrier {
	return preset([]Option{
		WithMaxAttempts(4),
		WithInitialDelay(20 * time.Millisecond),
		WithMaxDelay(500 * time.Millisecond),
		WithJitter(0.5),
	}, opts)
}
