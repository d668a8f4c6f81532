// Package messaging fans ledger, progress and badge events out to handlers,
// in-process or across instances over Redis pub/sub.
package messaging

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"github.com/tutorhub/tutor-ledger/internal/domain/shared"
	rediscache "github.com/tutorhub/tutor-ledger/internal/infrastructure/persistence/redis"
	"github.com/tutorhub/tutor-ledger/pkg/logger"
)

var (
	// ErrEventBusClosed is returned by Publish and Subscribe after Close.
	ErrEventBusClosed = errors.New("event bus is closed")
	// ErrHandlerPanic wraps a recovered handler panic.
	ErrHandlerPanic = errors.New("handler panicked")

	errNilHandler = errors.New("handler cannot be nil")
	errNilEvent   = errors.New("event cannot be nil")
)

// Stats counts bus traffic since start.
type Stats struct {
	published atomic.Int64
	handled   atomic.Int64
	failed    atomic.Int64
}

// StatsSnapshot is a copy of Stats.
type StatsSnapshot struct {
	Published int64 `json:"published"`
	Handled   int64 `json:"handled"`
	Failed    int64 `json:"failed"`
}

func (s *Stats) Snapshot() StatsSnapshot {
	return StatsSnapshot{
		Published: s.published.Load(),
		Handled:   s.handled.Load(),
		Failed:    s.failed.Load(),
	}
}

// ══════════════════════════════════════════════════════════════════════════════
// IN-MEMORY EVENT BUS
// ══════════════════════════════════════════════════════════════════════════════

// InMemoryEventBusConfig configures an InMemoryEventBus.
type InMemoryEventBusConfig struct {
	// Workers bounds concurrent handler runs. Zero runs handlers inside
	// Publish, in subscription order.
	Workers int
	Logger  *logger.Logger
}

// DefaultInMemoryEventBusConfig runs handlers on up to ten workers.
func DefaultInMemoryEventBusConfig() InMemoryEventBusConfig {
	return InMemoryEventBusConfig{Workers: 10}
}

// InMemoryEventBus delivers events to handlers in this process. Handler
// errors and panics are logged and counted, never returned to the publisher.
type InMemoryEventBus struct {
	mu       sync.RWMutex
	byType   map[shared.EventType][]shared.EventHandler
	wildcard []shared.EventHandler
	closed   bool

	workers  *semaphore.Weighted
	inflight sync.WaitGroup
	stats    Stats
	logger   *logger.Logger
}

var _ shared.EventBus = (*InMemoryEventBus)(nil)

// NewInMemoryEventBus creates a bus.
func NewInMemoryEventBus(cfg InMemoryEventBusConfig) *InMemoryEventBus {
	if cfg.Logger == nil {
		cfg.Logger = logger.Nop()
	}
	b := &InMemoryEventBus{
		byType: make(map[shared.EventType][]shared.EventHandler),
		logger: cfg.Logger.With(logger.Component("eventbus")),
	}
	if cfg.Workers > 0 {
		b.workers = semaphore.NewWeighted(int64(cfg.Workers))
	}
	return b
}

// Subscribe registers handler for one event type.
func (b *InMemoryEventBus) Subscribe(eventType shared.EventType, handler shared.EventHandler) error {
	return b.add(handler, func() {
		b.byType[eventType] = append(b.byType[eventType], handler)
	})
}

// SubscribeAll registers handler for every event type.
func (b *InMemoryEventBus) SubscribeAll(handler shared.EventHandler) error {
	return b.add(handler, func() { b.wildcard = append(b.wildcard, handler) })
}

func (b *InMemoryEventBus) add(handler shared.EventHandler, register func()) error {
	if handler == nil {
		return errNilHandler
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return ErrEventBusClosed
	}
	register()
	return nil
}

// Publish hands event to its handlers.
func (b *InMemoryEventBus) Publish(event shared.Event) error {
	if event == nil {
		return errNilEvent
	}

	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return ErrEventBusClosed
	}
	typed := b.byType[event.EventType()]
	targets := make([]shared.EventHandler, 0, len(typed)+len(b.wildcard))
	targets = append(append(targets, typed...), b.wildcard...)
	if b.workers != nil {
		// Counted under the lock so Close cannot start waiting before them.
		b.inflight.Add(len(targets))
	}
	b.mu.RUnlock()
	b.stats.published.Add(1)

	for _, h := range targets {
		if b.workers == nil {
			b.run(event, h)
			continue
		}
		go func() {
			defer b.inflight.Done()
			_ = b.workers.Acquire(context.Background(), 1)
			defer b.workers.Release(1)
			b.run(event, h)
		}()
	}
	return nil
}

func (b *InMemoryEventBus) run(event shared.Event, h shared.EventHandler) {
	err := safeCall(event, h)
	b.stats.handled.Add(1)
	if err == nil {
		return
	}
	b.stats.failed.Add(1)
	b.logger.Error("event handler failed",
		logger.String("event_type", string(event.EventType())),
		logger.String("aggregate_id", event.AggregateID()),
		logger.Err(err),
	)
}

func safeCall(event shared.Event, h shared.EventHandler) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: %v", ErrHandlerPanic, r)
		}
	}()
	return h(event)
}

// Close refuses new events and waits for queued handlers to finish.
func (b *InMemoryEventBus) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	b.mu.Unlock()

	b.inflight.Wait()
	s := b.stats.Snapshot()
	b.logger.Info("event bus closed",
		logger.Int64("published", s.Published),
		logger.Int64("handled", s.Handled),
		logger.Int64("failed", s.Failed),
	)
	return nil
}

// Stats returns the bus counters.
func (b *InMemoryEventBus) Stats() *Stats { return &b.stats }

// ══════════════════════════════════════════════════════════════════════════════
// REDIS EVENT BUS
// ══════════════════════════════════════════════════════════════════════════════

// RedisClient is the pub/sub surface the Redis bus needs.
type RedisClient interface {
	Publish(ctx context.Context, channel string, message []byte) error
	// Subscribe returns once the subscription is live.
	Subscribe(ctx context.Context, channel string) (<-chan RedisMessage, func() error, error)
}

// RedisMessage is one pub/sub delivery.
type RedisMessage struct {
	Channel string
	Payload string
}

// RedisEventBusConfig configures a RedisEventBus.
type RedisEventBusConfig struct {
	Client RedisClient
	// ChannelName defaults to the shared events channel.
	ChannelName string
	// InstanceID tags outgoing events so this instance skips its own echo.
	InstanceID     string
	LocalBusConfig InMemoryEventBusConfig
	Logger         *logger.Logger
}

// RedisEventBus delivers each event to local handlers directly and to
// other instances through a Redis channel. Remote delivery is best effort.
type RedisEventBus struct {
	local    *InMemoryEventBus
	client   RedisClient
	channel  string
	instance string
	logger   *logger.Logger

	stop     context.CancelFunc
	listener sync.WaitGroup
	closed   atomic.Bool
}

var _ shared.EventBus = (*RedisEventBus)(nil)

// NewRedisEventBus subscribes to the channel and starts listening.
func NewRedisEventBus(cfg RedisEventBusConfig) (*RedisEventBus, error) {
	if cfg.Client == nil {
		return nil, errors.New("redis client is required")
	}
	if cfg.ChannelName == "" {
		cfg.ChannelName = rediscache.EventsChannel
	}
	if cfg.InstanceID == "" {
		cfg.InstanceID = uuid.NewString()
	}
	if cfg.Logger == nil {
		cfg.Logger = logger.Nop()
	}
	if cfg.LocalBusConfig.Logger == nil {
		cfg.LocalBusConfig.Logger = cfg.Logger
	}

	ctx, stop := context.WithCancel(context.Background())
	messages, unsubscribe, err := cfg.Client.Subscribe(ctx, cfg.ChannelName)
	if err != nil {
		stop()
		return nil, fmt.Errorf("subscribe %s: %w", cfg.ChannelName, err)
	}

	b := &RedisEventBus{
		local:    NewInMemoryEventBus(cfg.LocalBusConfig),
		client:   cfg.Client,
		channel:  cfg.ChannelName,
		instance: cfg.InstanceID,
		logger:   cfg.Logger.With(logger.Component("redis_eventbus")),
		stop:     stop,
	}
	b.listener.Add(1)
	go func() {
		defer b.listener.Done()
		defer func() { _ = unsubscribe() }()
		b.listen(ctx, messages)
	}()
	return b, nil
}

func (b *RedisEventBus) Subscribe(eventType shared.EventType, handler shared.EventHandler) error {
	return b.local.Subscribe(eventType, handler)
}

func (b *RedisEventBus) SubscribeAll(handler shared.EventHandler) error {
	return b.local.SubscribeAll(handler)
}

// Publish broadcasts event, then delivers it locally.
func (b *RedisEventBus) Publish(event shared.Event) error {
	if event == nil {
		return errNilEvent
	}
	if b.closed.Load() {
		return ErrEventBusClosed
	}

	data, err := json.Marshal(envelope{
		Instance:  b.instance,
		Type:      event.EventType(),
		Aggregate: event.AggregateID(),
		At:        event.OccurredAt(),
		Data:      event.Payload(),
	})
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := b.client.Publish(ctx, b.channel, data); err != nil {
		b.logger.Warn("event not broadcast",
			logger.String("event_type", string(event.EventType())),
			logger.Err(err),
		)
	}
	return b.local.Publish(event)
}

func (b *RedisEventBus) listen(ctx context.Context, messages <-chan RedisMessage) {
	for {
		var msg RedisMessage
		select {
		case <-ctx.Done():
			return
		case m, ok := <-messages:
			if !ok {
				return
			}
			msg = m
		}

		var env envelope
		if err := json.Unmarshal([]byte(msg.Payload), &env); err != nil {
			b.logger.Warn("dropping malformed event", logger.Err(err))
			continue
		}
		if env.Instance == b.instance {
			continue
		}
		if err := b.local.Publish(&env); err != nil && !errors.Is(err, ErrEventBusClosed) {
			b.logger.Error("remote event not delivered", logger.Err(err))
		}
	}
}

// Close stops the listener, then drains the local bus.
func (b *RedisEventBus) Close() error {
	if b.closed.Swap(true) {
		return nil
	}
	b.stop()
	b.listener.Wait()
	return b.local.Close()
}

// Stats returns the local bus counters.
func (b *RedisEventBus) Stats() *Stats { return b.local.Stats() }

// envelope is an event on the wire. It also serves as the Event a remote
// delivery is replayed as.
type envelope struct {
	Instance  string           `json:"instance_id"`
	Type      shared.EventType `json:"event_type"`
	Aggregate string           `json:"aggregate_id"`
	At        time.Time        `json:"occurred_at"`
	Data      map[string]any   `json:"payload"`
}

func (e *envelope) EventType() shared.EventType { return e.Type }
func (e *envelope) AggregateID() string         { return e.Aggregate }
func (e *envelope) OccurredAt() time.Time       { return e.At }
func (e *envelope) Payload() map[string]any     { return e.Data }
