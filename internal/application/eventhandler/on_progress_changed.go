// Package eventhandler contains reactions to domain events: side effects
// such as cache invalidation that must follow a ledger commit.
package eventhandler

import (
	"context"
	"time"

	"github.com/tutorhub/tutor-ledger/internal/domain/identity"
	"github.com/tutorhub/tutor-ledger/internal/domain/progress"
	"github.com/tutorhub/tutor-ledger/internal/domain/shared"
	"github.com/tutorhub/tutor-ledger/pkg/logger"
)

// ═══════════════════════════════════════════════════════════════════════════
// ON PROGRESS CHANGED HANDLER
// Drops the cached snapshot of an owner whose record was created or advanced,
// so the next progress read goes to the ledger.
// ═══════════════════════════════════════════════════════════════════════════

// OnProgressChangedHandler invalidates progress snapshots.
type OnProgressChangedHandler struct {
	cache   progress.Cache
	logger  *logger.Logger
	timeout time.Duration
}

// NewOnProgressChangedHandler creates the handler.
func NewOnProgressChangedHandler(cache progress.Cache, log *logger.Logger) *OnProgressChangedHandler {
	if log == nil {
		log = logger.Nop()
	}
	return &OnProgressChangedHandler{
		cache:   cache,
		logger:  log.With(logger.Component("on_progress_changed")),
		timeout: 2 * time.Second,
	}
}

// Handle implements shared.EventHandler. Events arriving from other instances
// only carry their payload, so the owner is read from there when the
// concrete type is not available.
func (h *OnProgressChangedHandler) Handle(event shared.Event) error {
	var ownerText string
	switch e := event.(type) {
	case shared.ProgressChangedEvent:
		ownerText = e.Owner
	default:
		ownerText, _ = event.Payload()["owner"].(string)
	}

	owner, err := identity.ParsePublicKey(ownerText)
	if err != nil {
		h.logger.Warn("progress event without a valid owner",
			logger.String("event_type", string(event.EventType())),
			logger.Err(err),
		)
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), h.timeout)
	defer cancel()

	if err := h.cache.Invalidate(ctx, owner); err != nil {
		h.logger.Error("failed to invalidate progress snapshot", logger.Owner(ownerText), logger.Err(err))
		return err
	}

	h.logger.Debug("progress snapshot invalidated", logger.Owner(ownerText))
	return nil
}

// Register subscribes the handler to both progress event types.
func (h *OnProgressChangedHandler) Register(bus shared.EventSubscriber) error {
	if err := bus.Subscribe(shared.EventRecordCreated, h.Handle); err != nil {
		return err
	}
	return bus.Subscribe(shared.EventProgressAdvanced, h.Handle)
}
