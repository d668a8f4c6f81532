// Package ratelimit applies token-bucket limits: to outbound calls to paid
// collaborators, and per wallet or address to inbound requests. The buckets
// are golang.org/x/time/rate limiters; this package adds the wait budget,
// the 429 backoff and the bounded per-key table.
package ratelimit

import (
	"context"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru"
	"golang.org/x/time/rate"
)

// Config sizes a bucket.
type Config struct {
	// RequestsPerSecond is the sustained rate.
	RequestsPerSecond float64
	// BurstSize is the bucket capacity.
	BurstSize int
	// WaitTimeout is the longest Allow will block for a token. Zero never
	// blocks.
	WaitTimeout time.Duration
}

// DefaultConfig returns a modest outbound limit.
func DefaultConfig() Config {
	return Config{RequestsPerSecond: 2, BurstSize: 5, WaitTimeout: 10 * time.Second}
}

func (c Config) bucket() *rate.Limiter {
	rps, burst := c.RequestsPerSecond, c.BurstSize
	if rps <= 0 {
		rps = 1
	}
	if burst <= 0 {
		burst = 1
	}
	return rate.NewLimiter(rate.Limit(rps), burst)
}

// Error reports that no token was available within the wait budget.
type Error struct {
	RetryAfter time.Duration
}

func (e *Error) Error() string {
	return "rate limit exceeded, retry after " + e.RetryAfter.Round(time.Millisecond).String()
}

// reserve takes a token at now if one is free and otherwise reports the
// delay until one would be, leaving the bucket untouched.
func reserve(lim *rate.Limiter, now time.Time) (time.Duration, bool) {
	r := lim.ReserveN(now, 1)
	if d := r.DelayFrom(now); d > 0 {
		r.CancelAt(now)
		return d, false
	}
	return 0, true
}

// ══════════════════════════════════════════════════════════════════════════════
// OUTBOUND LIMITER
// ══════════════════════════════════════════════════════════════════════════════

// Limiter guards calls to one upstream. After the upstream answers 429 it
// slows down until its bucket has refilled.
type Limiter struct {
	lim  *rate.Limiter
	base rate.Limit
	wait time.Duration
	now  func() time.Time

	mu sync.Mutex // serialises throttle and restore
}

// New creates a limiter with a full bucket.
func New(cfg Config) *Limiter {
	return newWithClock(cfg, time.Now)
}

func newWithClock(cfg Config, now func() time.Time) *Limiter {
	lim := cfg.bucket()
	return &Limiter{lim: lim, base: lim.Limit(), wait: cfg.WaitTimeout, now: now}
}

// Allow takes a token, waiting for one up to the configured budget. It
// returns *Error when the wait would exceed the budget and ctx.Err() when
// ctx ends first.
func (l *Limiter) Allow(ctx context.Context) error {
	now := l.now()
	l.restore(now)

	r := l.lim.ReserveN(now, 1)
	delay := r.DelayFrom(now)
	if delay == 0 {
		return nil
	}
	if delay > l.wait {
		r.CancelAt(now)
		return &Error{RetryAfter: delay}
	}

	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		r.Cancel()
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// TryAllow takes a token without blocking.
func (l *Limiter) TryAllow() bool {
	_, ok := l.Reserve()
	return ok
}

// Reserve takes a token without blocking and otherwise reports how long
// until one is available.
func (l *Limiter) Reserve() (time.Duration, bool) {
	now := l.now()
	l.restore(now)
	return reserve(l.lim, now)
}

// RecordRateLimitHit empties the bucket and cuts the refill rate by a fifth.
// The base rate returns once the bucket is full again.
func (l *Limiter) RecordRateLimitHit() {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	if n := int(l.lim.TokensAt(now)); n > 0 {
		l.lim.ReserveN(now, n)
	}
	l.lim.SetLimitAt(now, l.lim.Limit()*0.8)
}

func (l *Limiter) restore(now time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.lim.Limit() < l.base && l.lim.TokensAt(now) >= float64(l.lim.Burst()) {
		l.lim.SetLimitAt(now, l.base)
	}
}

// Status is a snapshot of the bucket.
type Status struct {
	AvailableTokens float64 `json:"available_tokens"`
	MaxTokens       float64 `json:"max_tokens"`
	RefillRate      float64 `json:"refill_rate"`
}

func (l *Limiter) Status() Status {
	now := l.now()
	l.restore(now)
	return Status{
		AvailableTokens: l.lim.TokensAt(now),
		MaxTokens:       float64(l.lim.Burst()),
		RefillRate:      float64(l.lim.Limit()),
	}
}

// ══════════════════════════════════════════════════════════════════════════════
// KEYED LIMITER
// ══════════════════════════════════════════════════════════════════════════════

// Keyed holds one bucket per key, for at most maxKeys keys. The least
// recently used key is forgotten first and starts over with a full bucket.
type Keyed struct {
	cfg Config
	now func() time.Time

	mu      sync.Mutex
	buckets *lru.Cache
}

// NewKeyed creates a keyed limiter. A non-positive maxKeys means 10000.
func NewKeyed(cfg Config, maxKeys int) *Keyed {
	if maxKeys <= 0 {
		maxKeys = 10_000
	}
	buckets, err := lru.New(maxKeys)
	if err != nil {
		panic(err)
	}
	return &Keyed{cfg: cfg, now: time.Now, buckets: buckets}
}

// Allow takes a token for key without blocking. On refusal it returns the
// time until the next token.
func (k *Keyed) Allow(key string) (time.Duration, bool) {
	k.mu.Lock()
	lim, ok := k.buckets.Get(key)
	if !ok {
		lim = k.cfg.bucket()
		k.buckets.Add(key, lim)
	}
	k.mu.Unlock()

	return reserve(lim.(*rate.Limiter), k.now())
}

// Len returns the number of tracked keys.
func (k *Keyed) Len() int { return k.buckets.Len() }
