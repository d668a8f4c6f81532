// Package query contains read operations (CQRS - Queries).
package query

import (
	"context"
	"fmt"
	"time"

	"github.com/tutorhub/tutor-ledger/internal/domain/badge"
	"github.com/tutorhub/tutor-ledger/internal/domain/catalog"
	"github.com/tutorhub/tutor-ledger/internal/domain/identity"
	"github.com/tutorhub/tutor-ledger/internal/domain/progress"
	"github.com/tutorhub/tutor-ledger/internal/domain/shared"
	"github.com/tutorhub/tutor-ledger/pkg/logger"
)

// ══════════════════════════════════════════════════════════════════════════════
// GET PROGRESS QUERY
// Builds the learner's progress view. Per-lesson completion is recomputed from
// the ledger record's level on every call; nothing derived is stored.
// ══════════════════════════════════════════════════════════════════════════════

// GetProgressQuery contains the parameters of a progress lookup.
type GetProgressQuery struct {
	// Owner is the learner's wallet.
	Owner identity.PublicKey

	// Fresh skips the record cache.
	Fresh bool
}

// Validate checks the query.
func (q GetProgressQuery) Validate() error {
	if q.Owner.IsZero() {
		return shared.NewDomainError("progress", "GetProgress", shared.ErrInvalidInput, "owner is required")
	}
	return nil
}

// ProgressView is the derived progress of one learner.
type ProgressView struct {
	Owner   identity.PublicKey `json:"owner"`
	Address identity.PublicKey `json:"address"`

	// Found is false when the learner has no record yet.
	Found  bool             `json:"found"`
	Record *progress.Record `json:"record,omitempty"`

	Courses          []catalog.CourseProgress `json:"courses"`
	CompletedLessons int                      `json:"completed_lessons"`
	TotalLessons     int                      `json:"total_lessons"`
	NextLesson       *catalog.Lesson          `json:"next_lesson,omitempty"`

	// Badges lists issuance records, minted or not.
	Badges []*badge.Achievement `json:"badges"`

	// Cached is true when the record came from the cache.
	Cached bool `json:"cached"`
}

// RecordReader reads authoritative records and derives their address.
type RecordReader interface {
	DeriveAddress(owner identity.PublicKey) (identity.PublicKey, error)
	Read(ctx context.Context, owner identity.PublicKey) (*progress.Record, bool, error)
}

// GetProgressHandler handles GetProgressQuery.
type GetProgressHandler struct {
	records      RecordReader
	cache        progress.Cache
	achievements badge.Repository
	catalog      *catalog.Catalog
	logger       *logger.Logger
}

// NewGetProgressHandler creates a new GetProgressHandler. cache may be nil.
func NewGetProgressHandler(records RecordReader, cache progress.Cache, achievements badge.Repository, cat *catalog.Catalog, log *logger.Logger) *GetProgressHandler {
	if log == nil {
		log = logger.Nop()
	}
	return &GetProgressHandler{
		records:      records,
		cache:        cache,
		achievements: achievements,
		catalog:      cat,
		logger:       log.With(logger.Component("get_progress")),
	}
}

// Handle executes the query.
func (h *GetProgressHandler) Handle(ctx context.Context, q GetProgressQuery) (*ProgressView, error) {
	if err := q.Validate(); err != nil {
		return nil, err
	}
	start := time.Now()

	addr, err := h.records.DeriveAddress(q.Owner)
	if err != nil {
		return nil, err
	}
	view := &ProgressView{Owner: q.Owner, Address: addr, TotalLessons: h.catalog.LessonCount()}

	rec, found, cached, err := h.load(ctx, q)
	if err != nil {
		return nil, err
	}
	view.Found, view.Record, view.Cached = found, rec, cached

	achievements, err := h.achievements.ListByOwner(ctx, q.Owner)
	if err != nil {
		return nil, fmt.Errorf("get_progress: list badges: %w", err)
	}
	view.Badges = achievements
	minted := make(map[int]bool, len(achievements))
	for _, a := range achievements {
		if a.Status == badge.StatusMinted {
			minted[a.LessonID] = true
		}
	}

	level := progress.InitialLevel
	if found {
		level = rec.Level
	}
	view.Courses = h.catalog.Derive(level, minted)
	for _, c := range view.Courses {
		view.CompletedLessons += c.Completed
	}
	if next, ok := h.catalog.NextLesson(level); ok {
		view.NextLesson = &next
	}

	h.logger.Debug("progress view built",
		logger.Owner(q.Owner.String()),
		logger.Bool("found", found),
		logger.Bool("cached", cached),
		logger.Latency(time.Since(start)),
	)
	return view, nil
}

func (h *GetProgressHandler) load(ctx context.Context, q GetProgressQuery) (*progress.Record, bool, bool, error) {
	if h.cache != nil && !q.Fresh {
		rec, hit, err := h.cache.Get(ctx, q.Owner)
		if err != nil {
			h.logger.Warn("progress cache read failed", logger.Owner(q.Owner.String()), logger.Err(err))
		} else if hit {
			return rec, true, true, nil
		}
	}

	rec, found, err := h.records.Read(ctx, q.Owner)
	if err != nil {
		return nil, false, false, fmt.Errorf("get_progress: read record: %w", err)
	}
	if found && h.cache != nil {
		if err := h.cache.Put(ctx, rec); err != nil {
			h.logger.Warn("progress cache write failed", logger.Owner(q.Owner.String()), logger.Err(err))
		}
	}
	return rec, found, false, nil
}
