package progress

import (
	"context"
	"sync"

	"github.com/tutorhub/tutor-ledger/internal/domain/shared"
)

// FetchFunc reads the authoritative record. found=false means absent.
type FetchFunc func(ctx context.Context) (rec *Record, found bool, err error)

// Tracker is the local view of one identity's progress. It layers at most one
// optimistic advance over the last authoritative read. The optimistic layer
// is replaced by a fresh read on confirmation and dropped on failure, so the
// ledger stays the source of truth.
type Tracker struct {
	mu        sync.Mutex
	confirmed *Record
	pending   *Record
}

// NewTracker seeds the tracker with an authoritative record (nil if absent).
func NewTracker(confirmed *Record) *Tracker {
	return &Tracker{confirmed: confirmed.Clone()}
}

// View returns the record the learner should see: the optimistic state when
// one is pending, else the confirmed state. Nil means no record.
func (t *Tracker) View() *Record {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.pending != nil {
		return t.pending.Clone()
	}
	return t.confirmed.Clone()
}

// Confirmed returns the last authoritative record.
func (t *Tracker) Confirmed() *Record {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.confirmed.Clone()
}

// HasPending reports whether an optimistic advance is outstanding.
func (t *Tracker) HasPending() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.pending != nil
}

// ApplyOptimistic layers an advance over the confirmed record.
func (t *Tracker) ApplyOptimistic(newLevel uint8, hash MilestoneHash, now int64) (*Record, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.confirmed == nil {
		return nil, shared.ErrRecordNotFound
	}
	if t.pending != nil {
		return nil, shared.NewDomainError("progress", "ApplyOptimistic", shared.ErrInFlight, "an optimistic advance is already pending")
	}
	next := t.confirmed.Clone()
	next.Advance(newLevel, hash, now)
	t.pending = next
	return next.Clone(), nil
}

// Rollback discards the optimistic layer.
func (t *Tracker) Rollback() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.pending = nil
}

// Replace installs an authoritative record and discards the optimistic layer.
func (t *Tracker) Replace(rec *Record) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.confirmed = rec.Clone()
	t.pending = nil
}

// Reconcile reads the ledger and replaces local state with the result. On a
// read error the local state is left as is and the error returned; the
// caller decides whether to keep or roll back the optimistic layer.
func (t *Tracker) Reconcile(ctx context.Context, fetch FetchFunc) (*Record, error) {
	rec, found, err := fetch(ctx)
	if err != nil {
		return nil, err
	}
	if !found {
		rec = nil
	}
	t.Replace(rec)
	return rec.Clone(), nil
}
