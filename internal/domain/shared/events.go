// Package shared contains common domain types, errors, events and advisories
// that are used across all domain packages.
package shared

import (
	"encoding/json"
	"time"
)

// EventType represents the type of domain event.
type EventType string

const (
	// Ledger events
	EventBlockCommitted EventType = "ledger.block_committed"

	// Progress events
	EventRecordCreated    EventType = "progress.record_created"
	EventProgressAdvanced EventType = "progress.advanced"

	// Badge events
	EventBadgeMinted EventType = "badge.minted"
	EventBadgeFailed EventType = "badge.failed"
)

// Event is the base interface for all domain events.
type Event interface {
	// EventType returns the type of the event.
	EventType() EventType

	// OccurredAt returns when the event occurred.
	OccurredAt() time.Time

	// AggregateID returns the ID of the aggregate that produced this event.
	AggregateID() string

	// Payload returns the event data as a map for serialization.
	Payload() map[string]interface{}
}

// BaseEvent provides common event functionality.
type BaseEvent struct {
	Type          EventType `json:"type"`
	Timestamp     time.Time `json:"timestamp"`
	AggregateId   string    `json:"aggregate_id"`
	Version       int       `json:"version"`
	CorrelationID string    `json:"correlation_id,omitempty"`
}

// EventType implements Event interface.
func (e BaseEvent) EventType() EventType {
	return e.Type
}

// OccurredAt implements Event interface.
func (e BaseEvent) OccurredAt() time.Time {
	return e.Timestamp
}

// AggregateID implements Event interface.
func (e BaseEvent) AggregateID() string {
	return e.AggregateId
}

// NewBaseEvent creates a new base event.
func NewBaseEvent(eventType EventType, aggregateID string) BaseEvent {
	return BaseEvent{
		Type:        eventType,
		Timestamp:   time.Now(),
		AggregateId: aggregateID,
		Version:     1,
	}
}

// WithCorrelationID sets the correlation ID for tracing.
func (e BaseEvent) WithCorrelationID(id string) BaseEvent {
	e.CorrelationID = id
	return e
}

// ═══════════════════════════════════════════════════════════════════════════
// Ledger Events
// ═══════════════════════════════════════════════════════════════════════════

// BlockCommittedEvent is emitted after a block is durably stored.
type BlockCommittedEvent struct {
	BaseEvent
	Slot       uint64   `json:"slot"`
	Hash       string   `json:"hash"`
	TxCount    int      `json:"tx_count"`
	Written    []string `json:"written"`
	FailedTxns int      `json:"failed_txns"`
}

// Payload implements Event interface.
func (e BlockCommittedEvent) Payload() map[string]interface{} {
	return map[string]interface{}{
		"slot":        e.Slot,
		"hash":        e.Hash,
		"tx_count":    e.TxCount,
		"written":     e.Written,
		"failed_txns": e.FailedTxns,
	}
}

// NewBlockCommittedEvent creates a new BlockCommittedEvent.
func NewBlockCommittedEvent(slot uint64, hash string, txCount, failed int, written []string) BlockCommittedEvent {
	return BlockCommittedEvent{
		BaseEvent:  NewBaseEvent(EventBlockCommitted, hash),
		Slot:       slot,
		Hash:       hash,
		TxCount:    txCount,
		Written:    written,
		FailedTxns: failed,
	}
}

// ═══════════════════════════════════════════════════════════════════════════
// Progress Events
// ═══════════════════════════════════════════════════════════════════════════

// ProgressChangedEvent is emitted when a progress record is created or advanced.
type ProgressChangedEvent struct {
	BaseEvent
	Owner   string `json:"owner"`
	Address string `json:"address"`
	Level   uint8  `json:"level"`
	Slot    uint64 `json:"slot"`
}

// Payload implements Event interface.
func (e ProgressChangedEvent) Payload() map[string]interface{} {
	return map[string]interface{}{
		"owner":   e.Owner,
		"address": e.Address,
		"level":   e.Level,
		"slot":    e.Slot,
	}
}

// NewProgressChangedEvent creates a ProgressChangedEvent; created selects
// between EventRecordCreated and EventProgressAdvanced.
func NewProgressChangedEvent(owner, address string, level uint8, slot uint64, created bool) ProgressChangedEvent {
	t := EventProgressAdvanced
	if created {
		t = EventRecordCreated
	}
	return ProgressChangedEvent{
		BaseEvent: NewBaseEvent(t, owner),
		Owner:     owner,
		Address:   address,
		Level:     level,
		Slot:      slot,
	}
}

// ═══════════════════════════════════════════════════════════════════════════
// Badge Events
// ═══════════════════════════════════════════════════════════════════════════

// BadgeIssuedEvent is emitted after a mint attempt for a lesson badge.
type BadgeIssuedEvent struct {
	BaseEvent
	Owner    string `json:"owner"`
	LessonID int    `json:"lesson_id"`
	Mint     string `json:"mint,omitempty"`
	Category string `json:"category,omitempty"`
}

// Payload implements Event interface.
func (e BadgeIssuedEvent) Payload() map[string]interface{} {
	return map[string]interface{}{
		"owner":     e.Owner,
		"lesson_id": e.LessonID,
		"mint":      e.Mint,
		"category":  e.Category,
	}
}

// NewBadgeMintedEvent creates an event for a successful mint.
func NewBadgeMintedEvent(owner string, lessonID int, mint string) BadgeIssuedEvent {
	return BadgeIssuedEvent{
		BaseEvent: NewBaseEvent(EventBadgeMinted, owner),
		Owner:     owner,
		LessonID:  lessonID,
		Mint:      mint,
	}
}

// NewBadgeFailedEvent creates an event for a failed mint.
func NewBadgeFailedEvent(owner string, lessonID int, category string) BadgeIssuedEvent {
	return BadgeIssuedEvent{
		BaseEvent: NewBaseEvent(EventBadgeFailed, owner),
		Owner:     owner,
		LessonID:  lessonID,
		Category:  category,
	}
}

// ═══════════════════════════════════════════════════════════════════════════
// Event Envelope (for serialization and transport)
// ═══════════════════════════════════════════════════════════════════════════

// EventEnvelope wraps an event for transport/storage.
type EventEnvelope struct {
	ID            string          `json:"id"`
	Type          EventType       `json:"type"`
	AggregateID   string          `json:"aggregate_id"`
	Timestamp     time.Time       `json:"timestamp"`
	Version       int             `json:"version"`
	CorrelationID string          `json:"correlation_id,omitempty"`
	Payload       json.RawMessage `json:"payload"`
}

// EventHandler is a function that handles an event.
type EventHandler func(event Event) error

// EventPublisher defines the interface for publishing events.
type EventPublisher interface {
	// Publish sends an event to subscribers.
	Publish(event Event) error
}

// EventSubscriber defines the interface for subscribing to events.
type EventSubscriber interface {
	// Subscribe registers a handler for an event type.
	Subscribe(eventType EventType, handler EventHandler) error

	// SubscribeAll registers a handler for all events.
	SubscribeAll(handler EventHandler) error
}

// EventBus combines publishing and subscribing.
type EventBus interface {
	EventPublisher
	EventSubscriber
}
