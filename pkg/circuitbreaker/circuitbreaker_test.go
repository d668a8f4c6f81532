package circuitbreaker

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errUpstream = errors.New("upstream down")

func failing(ctx context.Context) error { return errUpstream }
func passing(ctx context.Context) error { return nil }

type clock struct{ t time.Time }

func (c *clock) now() time.Time          { return c.t }
func (c *clock) advance(d time.Duration) { c.t = c.t.Add(d) }

func withClock(cb *CircuitBreaker) *clock {
	c := &clock{t: time.Unix(1_700_000_000, 0)}
	cb.now = c.now
	return c
}

func TestCircuitBreaker_TripsOnConsecutiveFailures(t *testing.T) {
	var transitions []State
	cb := New("test",
		WithFailureThreshold(2),
		WithOnStateChange(func(name string, from, to State) {
			assert.Equal(t, "test", name)
			transitions = append(transitions, to)
		}),
	)
	ctx := context.Background()

	// A success in between resets the run.
	assert.ErrorIs(t, cb.Execute(ctx, failing), errUpstream)
	require.NoError(t, cb.Execute(ctx, passing))
	assert.ErrorIs(t, cb.Execute(ctx, failing), errUpstream)
	assert.Equal(t, StateClosed, cb.State())

	assert.ErrorIs(t, cb.Execute(ctx, failing), errUpstream)
	assert.Equal(t, StateOpen, cb.State())

	called := false
	err := cb.Execute(ctx, func(ctx context.Context) error {
		called = true
		return nil
	})
	assert.ErrorIs(t, err, ErrCircuitOpen)
	assert.False(t, called)
	assert.Equal(t, []State{StateOpen}, transitions)
}

func TestCircuitBreaker_CooldownThenRecovery(t *testing.T) {
	cb := New("test", WithFailureThreshold(1), WithSuccessThreshold(2), WithTimeout(time.Minute))
	clk := withClock(cb)
	ctx := context.Background()

	require.Error(t, cb.Execute(ctx, failing))
	clk.advance(59 * time.Second)
	assert.Equal(t, StateOpen, cb.State())

	clk.advance(time.Second)
	assert.Equal(t, StateHalfOpen, cb.State())
	require.NoError(t, cb.Execute(ctx, passing))
	assert.Equal(t, StateHalfOpen, cb.State())
	require.NoError(t, cb.Execute(ctx, passing))
	assert.Equal(t, StateClosed, cb.State())
}

func TestCircuitBreaker_HalfOpenFailureReopens(t *testing.T) {
	cb := New("test", WithFailureThreshold(1), WithTimeout(time.Minute))
	clk := withClock(cb)
	ctx := context.Background()

	require.Error(t, cb.Execute(ctx, failing))
	clk.advance(time.Minute)
	require.Error(t, cb.Execute(ctx, failing))
	assert.Equal(t, StateOpen, cb.State())

	// The cooldown restarts from the failed trial call.
	clk.advance(30 * time.Second)
	assert.ErrorIs(t, cb.Execute(ctx, passing), ErrCircuitOpen)
}

func TestCircuitBreaker_LimitsHalfOpenCalls(t *testing.T) {
	cb := New("test", WithFailureThreshold(1), WithTimeout(time.Minute), WithMaxHalfOpenRequests(1))
	clk := withClock(cb)
	ctx := context.Background()

	require.Error(t, cb.Execute(ctx, failing))
	clk.advance(time.Minute)

	entered := make(chan struct{})
	release := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		_ = cb.Execute(ctx, func(ctx context.Context) error {
			close(entered)
			<-release
			return nil
		})
	}()
	<-entered

	assert.ErrorIs(t, cb.Execute(ctx, passing), ErrTooManyRequests)
	close(release)
	wg.Wait()
}

func TestCircuitBreaker_IsFailureFilter(t *testing.T) {
	cb := New("test",
		WithFailureThreshold(1),
		WithIsFailure(func(err error) bool { return !errors.Is(err, context.Canceled) }),
	)
	ctx := context.Background()

	err := cb.Execute(ctx, func(ctx context.Context) error { return context.Canceled })
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, StateClosed, cb.State())

	require.Error(t, cb.Execute(ctx, failing))
	assert.Equal(t, StateOpen, cb.State())
}

func TestCall_ReturnsValue(t *testing.T) {
	cb := New("test")
	v, err := Call(context.Background(), cb, func(ctx context.Context) (int, error) {
		return 42, nil
	})
	require.NoError(t, err)
	assert.Equal(t, 42, v)
}

func TestPresets(t *testing.T) {
	tests := []struct {
		cb    *CircuitBreaker
		name  string
		trip  int
		probe int
	}{
		{GeminiBreaker(nil), "gemini", 3, 1},
		{MinterBreaker(nil), "minter", 3, 1},
		{NodeRPCBreaker(nil), "node-rpc", 5, 2},
		{NodeRPCBreaker(nil, WithFailureThreshold(9)), "node-rpc", 9, 2},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.name, tt.cb.name)
		assert.Equal(t, tt.trip, tt.cb.set.Trip, tt.name)
		assert.Equal(t, tt.probe, tt.cb.set.Probes, tt.name)
		assert.Equal(t, "closed", tt.cb.State().String())
	}
}
