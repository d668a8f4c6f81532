// Package saga contains complex business processes that orchestrate
// multiple domain operations in a coordinated manner.
package saga

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/tutorhub/tutor-ledger/internal/application/command"
	"github.com/tutorhub/tutor-ledger/internal/domain/catalog"
	"github.com/tutorhub/tutor-ledger/internal/domain/identity"
	"github.com/tutorhub/tutor-ledger/internal/domain/progress"
	"github.com/tutorhub/tutor-ledger/internal/domain/shared"
	"github.com/tutorhub/tutor-ledger/internal/ledgerclient"
	"github.com/tutorhub/tutor-ledger/pkg/logger"
)

// ══════════════════════════════════════════════════════════════════════════════
// LESSON COMPLETION SAGA
// Flow: Load Record → Check Order → Apply Optimistic Level → Advance On Ledger →
//
//	Reconcile With Ledger → Issue Badge (best effort)
//
// The ledger is the source of truth. The optimistic level is only a local
// layer: it is replaced by a fresh read once the advance lands and dropped
// when the advance is known not to have landed.
// ══════════════════════════════════════════════════════════════════════════════

// Ledger is the slice of the ledger client the flow needs.
type Ledger interface {
	Read(ctx context.Context, owner identity.PublicKey) (*progress.Record, bool, error)
	AdvanceSafely(ctx context.Context, owner *identity.Keypair, newLevel uint8, hash progress.MilestoneHash) (*ledgerclient.Receipt, error)
}

// BadgeIssuer mints the badge of a completed lesson.
type BadgeIssuer interface {
	IssueBadge(ctx context.Context, owner identity.PublicKey, lessonID int, advanceSig identity.Signature) (*command.IssueBadgeResult, error)
}

// CompleteLessonInput contains the data needed to complete one lesson.
type CompleteLessonInput struct {
	// Owner signs the advance transaction.
	Owner *identity.Keypair

	// LessonID is the lesson being completed.
	LessonID int
}

// Validate checks if the input is valid.
func (i CompleteLessonInput) Validate() error {
	if i.Owner == nil {
		return shared.NewDomainError("progress", "CompleteLesson", shared.ErrInvalidInput, "owner keypair is required")
	}
	if i.LessonID <= 0 {
		return shared.NewDomainError("progress", "CompleteLesson", shared.ErrInvalidInput, "lesson id must be positive")
	}
	return nil
}

// CompleteLessonResult contains the outcome of the flow.
type CompleteLessonResult struct {
	// Record is what the learner should see now. When Optimistic is true it
	// is the local layer, not yet confirmed by a read.
	Record     *progress.Record `json:"record"`
	Optimistic bool             `json:"optimistic"`

	// Receipt identifies the advance transaction.
	Receipt *ledgerclient.Receipt `json:"receipt,omitempty"`

	// Badge is the issuance outcome, nil when issuance was not attempted.
	Badge *command.IssueBadgeResult `json:"badge,omitempty"`

	// Advisories collect best-effort failures; the completion itself stands.
	Advisories []shared.Advisory `json:"advisories,omitempty"`

	// AlreadyCompleted is true when the record already covered the lesson.
	AlreadyCompleted bool `json:"already_completed"`
}

// LessonCompletionStep represents a step in the flow.
type LessonCompletionStep string

const (
	StepLoadRecord      LessonCompletionStep = "load_record"
	StepCheckOrder      LessonCompletionStep = "check_order"
	StepApplyOptimistic LessonCompletionStep = "apply_optimistic"
	StepAdvance         LessonCompletionStep = "advance"
	StepReconcile       LessonCompletionStep = "reconcile"
	StepIssueBadge      LessonCompletionStep = "issue_badge"
	StepComplete        LessonCompletionStep = "complete"
)

// LessonCompletionSaga orchestrates lesson completion.
type LessonCompletionSaga struct {
	ledger  Ledger
	catalog *catalog.Catalog
	badges  BadgeIssuer
	cache   progress.Cache
	logger  *logger.Logger
	now     func() time.Time
}

// NewLessonCompletionSaga creates the saga. badges and cache may be nil.
func NewLessonCompletionSaga(ledger Ledger, cat *catalog.Catalog, badges BadgeIssuer, cache progress.Cache, log *logger.Logger) *LessonCompletionSaga {
	if log == nil {
		log = logger.Nop()
	}
	return &LessonCompletionSaga{
		ledger:  ledger,
		catalog: cat,
		badges:  badges,
		cache:   cache,
		logger:  log.With(logger.Component("lesson_completion")),
		now:     time.Now,
	}
}

// Execute runs the flow. When the advance outcome is unknown it returns both
// a result holding the optimistic record and an error wrapping
// shared.ErrAdvanceOutcomeUnknown.
func (s *LessonCompletionSaga) Execute(ctx context.Context, input CompleteLessonInput) (*CompleteLessonResult, error) {
	if err := input.Validate(); err != nil {
		return nil, err
	}
	owner := input.Owner.PublicKey()
	log := s.logger.With(logger.Owner(owner.String()), logger.LessonID(input.LessonID))
	fetch := func(ctx context.Context) (*progress.Record, bool, error) { return s.ledger.Read(ctx, owner) }

	// Step: load record
	if _, _, err := s.catalog.Lesson(input.LessonID); err != nil {
		return nil, err
	}
	tracker := progress.NewTracker(nil)
	current, err := tracker.Reconcile(ctx, fetch)
	if err != nil {
		return nil, s.stepError(StepLoadRecord, err)
	}
	if current == nil {
		return nil, shared.ErrRecordNotFound
	}

	// Step: check order
	if catalog.IsCompleted(input.LessonID, current.Level) {
		return &CompleteLessonResult{Record: current, AlreadyCompleted: true}, nil
	}
	if input.LessonID != current.CompletedLessons()+1 {
		return nil, shared.NewDomainError("progress", "CompleteLesson", shared.ErrInvalidState,
			fmt.Sprintf("lesson %d is not next; complete lesson %d first", input.LessonID, current.CompletedLessons()+1))
	}
	newLevel, ok := catalog.NextLevel(current.Level)
	if !ok {
		return nil, shared.NewDomainError("progress", "CompleteLesson", shared.ErrValueOutOfRange, "level is at its maximum")
	}

	// Step: apply optimistic
	completedAt := s.now().Unix()
	hash := progress.ComputeMilestoneHash(owner, input.LessonID, completedAt)
	optimistic, err := tracker.ApplyOptimistic(newLevel, hash, completedAt)
	if err != nil {
		return nil, s.stepError(StepApplyOptimistic, err)
	}

	// Step: advance
	receipt, err := s.ledger.AdvanceSafely(ctx, input.Owner, newLevel, hash)
	switch {
	case errors.Is(err, shared.ErrAdvanceOutcomeUnknown):
		log.Warn("advance outcome unknown; keeping optimistic level", logger.ProgressLevel(newLevel), logger.Err(err))
		result := &CompleteLessonResult{Record: optimistic, Optimistic: true}
		if rec, rerr := tracker.Reconcile(ctx, fetch); rerr == nil && rec != nil && rec.Level == newLevel && rec.MilestoneHash == hash {
			result.Record, result.Optimistic = rec, false
		}
		result.Advisories = append(result.Advisories, syncPending())
		return result, err
	case err != nil:
		tracker.Rollback()
		return nil, s.stepError(StepAdvance, err)
	}

	// Step: reconcile
	s.invalidate(ctx, owner, log)
	result := &CompleteLessonResult{Receipt: receipt}
	rec, err := tracker.Reconcile(ctx, fetch)
	if err != nil || rec == nil {
		log.Warn("reconcile after advance failed; showing optimistic level", logger.Err(err))
		result.Record, result.Optimistic = optimistic, true
		result.Advisories = append(result.Advisories, syncPending())
	} else {
		result.Record = rec
	}

	// Step: issue badge
	if s.badges != nil {
		badge, err := s.badges.IssueBadge(ctx, owner, input.LessonID, receipt.Signature)
		switch {
		case err != nil:
			log.Warn("badge issuance failed", logger.Err(err))
			result.Advisories = append(result.Advisories, shared.NewAdvisory(shared.AdvisoryBadgeUnavailable,
				"Your lesson is complete, but the badge could not be issued right now."))
		default:
			result.Badge = badge
			if badge.Advisory != nil {
				result.Advisories = append(result.Advisories, *badge.Advisory)
			}
		}
	}

	log.Info("lesson completed",
		logger.ProgressLevel(result.Record.Level),
		logger.Signature(receipt.Signature.String()),
		logger.Bool("optimistic", result.Optimistic),
	)
	return result, nil
}

func (s *LessonCompletionSaga) invalidate(ctx context.Context, owner identity.PublicKey, log *logger.Logger) {
	if s.cache == nil {
		return
	}
	if err := s.cache.Invalidate(ctx, owner); err != nil {
		log.Warn("failed to invalidate progress cache", logger.Err(err))
	}
}

func (s *LessonCompletionSaga) stepError(step LessonCompletionStep, err error) error {
	return fmt.Errorf("lesson_completion: %s: %w", step, err)
}

func syncPending() shared.Advisory {
	return shared.NewAdvisory(shared.AdvisoryProgressSyncPending,
		"Your progress was submitted and will appear once the ledger confirms it.")
}
