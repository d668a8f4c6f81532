// Package circuitbreaker stops calling a collaborator that keeps failing
// (text generation, minting, a remote node) and probes it again after a
// cooldown.
package circuitbreaker

import (
	"context"
	"errors"
	"sync"
	"time"
)

// State is the breaker position.
type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	}
	return "unknown"
}

var (
	// ErrCircuitOpen is returned without calling while the breaker is open.
	ErrCircuitOpen = errors.New("circuit breaker is open")
	// ErrTooManyRequests is returned when every half-open probe slot is taken.
	ErrTooManyRequests = errors.New("too many requests in half-open state")
)

// Settings tune a breaker.
type Settings struct {
	// Trip is the run of consecutive failures that opens the breaker.
	Trip int
	// Recover is the run of half-open successes that closes it again.
	Recover int
	// Cooldown is how long the breaker stays open before probing.
	Cooldown time.Duration
	// Probes is how many calls may be in flight while half-open.
	Probes int
	// OnStateChange runs under the breaker's lock; keep it short.
	OnStateChange func(name string, from, to State)
	// IsFailure filters which errors count. Nil counts every error.
	IsFailure func(error) bool
}

// Option adjusts Settings.
type Option func(*Settings)

// WithFailureThreshold sets Trip.
func WithFailureThreshold(n int) Option {
	return func(s *Settings) {
		if n > 0 {
			s.Trip = n
		}
	}
}

// WithSuccessThreshold sets Recover.
func WithSuccessThreshold(n int) Option {
	return func(s *Settings) {
		if n > 0 {
			s.Recover = n
		}
	}
}

// WithTimeout sets Cooldown.
func WithTimeout(d time.Duration) Option {
	return func(s *Settings) {
		if d > 0 {
			s.Cooldown = d
		}
	}
}

// WithMaxHalfOpenRequests sets Probes.
func WithMaxHalfOpenRequests(n int) Option {
	return func(s *Settings) {
		if n > 0 {
			s.Probes = n
		}
	}
}

// WithOnStateChange sets OnStateChange.
func WithOnStateChange(fn func(name string, from, to State)) Option {
	return func(s *Settings) { s.OnStateChange = fn }
}

// WithIsFailure sets IsFailure.
func WithIsFailure(fn func(error) bool) Option {
	return func(s *Settings) { s.IsFailure = fn }
}

// CircuitBreaker guards one collaborator.
type CircuitBreaker struct {
	name string
	set  Settings
	now  func() time.Time

	mu       sync.Mutex
	state    State
	streak   int // consecutive failures while closed, successes while half-open
	openedAt time.Time
	probing  int
}

// New creates a closed breaker.
func New(name string, opts ...Option) *CircuitBreaker {
	set := Settings{Trip: 5, Recover: 2, Cooldown: 30 * time.Second, Probes: 1}
	for _, opt := range opts {
		opt(&set)
	}
	return &CircuitBreaker{name: name, set: set, now: time.Now}
}

// State returns the current position, moving an expired open breaker to
// half-open first.
func (cb *CircuitBreaker) State() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.cooldownElapsed()
	return cb.state
}

// Execute calls fn unless the breaker rejects it, then records the outcome.
func (cb *CircuitBreaker) Execute(ctx context.Context, fn func(context.Context) error) error {
	if err := cb.admit(); err != nil {
		return err
	}
	err := fn(ctx)
	cb.record(err)
	return err
}

// Call is Execute for functions that return a value.
func Call[T any](ctx context.Context, cb *CircuitBreaker, fn func(context.Context) (T, error)) (T, error) {
	var out T
	err := cb.Execute(ctx, func(ctx context.Context) error {
		v, err := fn(ctx)
		out = v
		return err
	})
	return out, err
}

func (cb *CircuitBreaker) admit() error {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.cooldownElapsed()
	switch cb.state {
	case StateOpen:
		return ErrCircuitOpen
	case StateHalfOpen:
		if cb.probing >= cb.set.Probes {
			return ErrTooManyRequests
		}
		cb.probing++
	}
	return nil
}

func (cb *CircuitBreaker) record(err error) {
	failed := err != nil && (cb.set.IsFailure == nil || cb.set.IsFailure(err))

	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case StateClosed:
		if !failed {
			cb.streak = 0
			return
		}
		if cb.streak++; cb.streak >= cb.set.Trip {
			cb.moveTo(StateOpen)
		}
	case StateHalfOpen:
		cb.probing--
		if failed {
			cb.moveTo(StateOpen)
			return
		}
		if cb.streak++; cb.streak >= cb.set.Recover {
			cb.moveTo(StateClosed)
		}
	}
	// A call admitted before the breaker opened does not change it.
}

// cooldownElapsed moves an open breaker to half-open once Cooldown passed.
func (cb *CircuitBreaker) cooldownElapsed() {
	if cb.state == StateOpen && cb.now().Sub(cb.openedAt) >= cb.set.Cooldown {
		cb.moveTo(StateHalfOpen)
	}
}

func (cb *CircuitBreaker) moveTo(to State) {
	from := cb.state
	cb.state, cb.streak, cb.probing = to, 0, 0
	if to == StateOpen {
		cb.openedAt = cb.now()
	}
	if cb.set.OnStateChange != nil && from != to {
		cb.set.OnStateChange(cb.name, from, to)
	}
}

// ══════════════════════════════════════════════════════════════════════════════
// PRESETS
// ══════════════════════════════════════════════════════════════════════════════

// GeminiBreaker guards the text-generation API.
func GeminiBreaker(onStateChange func(name string, from, to State), opts ...Option) *CircuitBreaker {
	return New("gemini", append([]Option{
		WithFailureThreshold(3),
		WithSuccessThreshold(1),
		WithTimeout(30 * time.Second),
		WithOnStateChange(onStateChange),
	}, opts...)...)
}

// MinterBreaker guards the minting service. Mints are slow and costly, so it
// trips early and cools down longer.
func MinterBreaker(onStateChange func(name string, from, to State), opts ...Option) *CircuitBreaker {
	return New("minter", append([]Option{
		WithFailureThreshold(3),
		WithSuccessThreshold(2),
		WithTimeout(time.Minute),
		WithOnStateChange(onStateChange),
	}, opts...)...)
}

// NodeRPCBreaker guards calls to a remote ledger node.
func NodeRPCBreaker(onStateChange func(name string, from, to State), opts ...Option) *CircuitBreaker {
	return New("node-rpc", append([]Option{
		WithFailureThreshold(5),
		WithSuccessThreshold(1),
		WithTimeout(10 * time.Second),
		WithMaxHalfOpenRequests(2),
		WithOnStateChange(onStateChange),
	}, opts...)...)
}
