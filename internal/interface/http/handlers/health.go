package handlers

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/tutorhub/tutor-ledger/internal/ledger"
)

// checkTimeout bounds each registered check.
const checkTimeout = 5 * time.Second

// HealthChecker reports the node's health for /health and /ready.
type HealthChecker interface {
	Check(ctx context.Context) HealthStatus
}

// HealthCheckFunc returns nil when its dependency is usable.
type HealthCheckFunc func(ctx context.Context) error

// HealthStatus is the aggregated answer of every check.
type HealthStatus struct {
	Healthy   bool                   `json:"healthy"`
	Ready     bool                   `json:"ready"`
	Message   string                 `json:"message,omitempty"`
	Checks    map[string]CheckResult `json:"checks,omitempty"`
	Uptime    string                 `json:"uptime,omitempty"`
	Timestamp time.Time              `json:"timestamp"`
	Version   string                 `json:"version,omitempty"`
}

// CheckResult is the outcome of one named check.
type CheckResult struct {
	Healthy     bool      `json:"healthy"`
	Message     string    `json:"message,omitempty"`
	Duration    string    `json:"duration,omitempty"`
	LastChecked time.Time `json:"last_checked,omitempty"`
}

// ══════════════════════════════════════════════════════════════════════════════
// COMPOSITE HEALTH CHECKER
// ══════════════════════════════════════════════════════════════════════════════

// CompositeHealthChecker runs named checks concurrently. The node is ready
// only when every check passes.
type CompositeHealthChecker struct {
	mu      sync.RWMutex
	checks  map[string]HealthCheckFunc
	started time.Time
	version string
}

// NewCompositeHealthChecker creates a checker reporting version.
func NewCompositeHealthChecker(version string) *CompositeHealthChecker {
	return &CompositeHealthChecker{
		checks:  make(map[string]HealthCheckFunc),
		started: time.Now(),
		version: version,
	}
}

// AddCheck registers check under name, replacing any earlier one.
func (c *CompositeHealthChecker) AddCheck(name string, check HealthCheckFunc) {
	c.mu.Lock()
	c.checks[name] = check
	c.mu.Unlock()
}

// Check runs every registered check.
func (c *CompositeHealthChecker) Check(ctx context.Context) HealthStatus {
	c.mu.RLock()
	checks := make(map[string]HealthCheckFunc, len(c.checks))
	for name, fn := range c.checks {
		checks[name] = fn
	}
	c.mu.RUnlock()

	status := HealthStatus{
		Healthy:   true,
		Ready:     true,
		Checks:    make(map[string]CheckResult, len(checks)),
		Uptime:    time.Since(c.started).Round(time.Second).String(),
		Timestamp: time.Now().UTC(),
		Version:   c.version,
	}
	if len(checks) == 0 {
		status.Message = "no checks registered"
		return status
	}

	var (
		mu     sync.Mutex
		wg     sync.WaitGroup
		failed []string
	)
	for name, fn := range checks {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res := runCheck(ctx, fn)

			mu.Lock()
			defer mu.Unlock()
			status.Checks[name] = res
			if !res.Healthy {
				failed = append(failed, name)
			}
		}()
	}
	wg.Wait()

	if len(failed) == 0 {
		status.Message = "all checks passed"
		return status
	}
	slices.Sort(failed)
	status.Healthy, status.Ready = false, false
	status.Message = "failing: " + strings.Join(failed, ", ")
	return status
}

func runCheck(ctx context.Context, fn HealthCheckFunc) CheckResult {
	ctx, cancel := context.WithTimeout(ctx, checkTimeout)
	defer cancel()

	start := time.Now()
	err := fn(ctx)
	res := CheckResult{
		Healthy:     err == nil,
		Message:     "OK",
		Duration:    time.Since(start).Round(time.Millisecond).String(),
		LastChecked: time.Now().UTC(),
	}
	if err != nil {
		res.Message = err.Error()
	}
	return res
}

// ══════════════════════════════════════════════════════════════════════════════
// CHECKS
// ══════════════════════════════════════════════════════════════════════════════

// Pinger is a networked dependency such as Redis.
type Pinger interface {
	Ping(ctx context.Context) error
}

// NewPingCheck passes while p answers a ping.
func NewPingCheck(p Pinger) HealthCheckFunc {
	return p.Ping
}

// HeadReader reports the ledger head.
type HeadReader interface {
	Head() *ledger.Block
}

// NewLedgerHeadCheck fails when no slot was produced within maxAge. Head
// timestamps have second precision.
func NewLedgerHeadCheck(node HeadReader, maxAge time.Duration) HealthCheckFunc {
	return func(ctx context.Context) error {
		head := node.Head()
		if head == nil {
			return fmt.Errorf("ledger has no head")
		}
		age := time.Since(time.Unix(head.UnixTimestamp, 0))
		if age > maxAge+time.Second {
			return fmt.Errorf("ledger head at slot %d is %s old", head.Slot, age.Round(time.Second))
		}
		return nil
	}
}

// NoopHealthChecker always reports healthy. It is the server's default.
type NoopHealthChecker struct {
	started time.Time
}

// NewNoopHealthChecker creates a NoopHealthChecker.
func NewNoopHealthChecker() *NoopHealthChecker {
	return &NoopHealthChecker{started: time.Now()}
}

// Check reports healthy.
func (n *NoopHealthChecker) Check(ctx context.Context) HealthStatus {
	return HealthStatus{
		Healthy:   true,
		Ready:     true,
		Message:   "OK",
		Uptime:    time.Since(n.started).Round(time.Second).String(),
		Timestamp: time.Now().UTC(),
	}
}
