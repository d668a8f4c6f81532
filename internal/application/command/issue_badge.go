// Package command contains write operations (CQRS - Commands).
package command

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/tutorhub/tutor-ledger/internal/domain/badge"
	"github.com/tutorhub/tutor-ledger/internal/domain/catalog"
	"github.com/tutorhub/tutor-ledger/internal/domain/identity"
	"github.com/tutorhub/tutor-ledger/internal/domain/progress"
	"github.com/tutorhub/tutor-ledger/internal/domain/shared"
	"github.com/tutorhub/tutor-ledger/internal/ledger"
	"github.com/tutorhub/tutor-ledger/internal/ledger/tutorprogram"
	"github.com/tutorhub/tutor-ledger/pkg/logger"
)

// ══════════════════════════════════════════════════════════════════════════════
// ISSUE BADGE COMMAND
// Mints the lesson badge after the advance that completed the lesson is
// confirmed on the ledger. Minting is best-effort: a failed mint is recorded
// with its category and surfaced as an advisory, never as an error, because
// the lesson completion it rewards has already landed.
// ══════════════════════════════════════════════════════════════════════════════

// IssueBadgeCommand requests the badge of one lesson for one owner.
type IssueBadgeCommand struct {
	// Owner is the wallet that completed the lesson.
	Owner identity.PublicKey

	// LessonID is the completed lesson.
	LessonID int

	// AdvanceSignature identifies the advance transaction proving completion.
	AdvanceSignature identity.Signature

	// CorrelationID for tracing.
	CorrelationID string
}

// Validate validates the command.
func (c IssueBadgeCommand) Validate() error {
	if c.Owner.IsZero() {
		return shared.NewDomainError("badge", "Issue", shared.ErrInvalidInput, "owner is required")
	}
	if c.LessonID <= 0 {
		return shared.NewDomainError("badge", "Issue", shared.ErrInvalidInput, "lesson id must be positive")
	}
	if c.AdvanceSignature.IsZero() {
		return shared.NewDomainError("badge", "Issue", shared.ErrInvalidInput, "advance signature is required")
	}
	return nil
}

// IssueBadgeResult contains the outcome of an issuance.
type IssueBadgeResult struct {
	// Achievement is the stored issuance record.
	Achievement *badge.Achievement `json:"achievement"`

	// Advisory is set when minting failed; the lesson stays completed.
	Advisory *shared.Advisory `json:"advisory,omitempty"`

	// AlreadyMinted is true when an earlier request minted the badge.
	AlreadyMinted bool `json:"already_minted"`
}

// ══════════════════════════════════════════════════════════════════════════════
// DEPENDENCIES
// ══════════════════════════════════════════════════════════════════════════════

// TransactionStatusReader looks up executed transactions.
type TransactionStatusReader interface {
	SignatureStatus(ctx context.Context, sig identity.Signature) (*ledger.TxStatus, error)
}

// ProgressReader reads the authoritative progress record.
type ProgressReader interface {
	Read(ctx context.Context, owner identity.PublicKey) (*progress.Record, bool, error)
}

// IssueBadgeDeps groups the collaborators of IssueBadgeHandler.
type IssueBadgeDeps struct {
	Statuses     TransactionStatusReader
	Progress     ProgressReader
	Catalog      *catalog.Catalog
	Achievements badge.Repository
	Locker       badge.Locker
	Publisher    badge.MetadataPublisher
	Minter       badge.Minter
	Events       shared.EventPublisher

	// ProgramID owns the progress records. Zero means the default program.
	ProgramID identity.PublicKey

	// Enabled gates minting per owner; nil means always on.
	Enabled func(owner identity.PublicKey) bool
}

// IssueBadgeHandlerConfig contains configuration for the handler.
type IssueBadgeHandlerConfig struct {
	LockTTL     time.Duration // How long an issuance may hold the lock
	MaxAttempts int           // Mint attempts before a failure is final
}

// DefaultIssueBadgeHandlerConfig returns default configuration.
func DefaultIssueBadgeHandlerConfig() IssueBadgeHandlerConfig {
	return IssueBadgeHandlerConfig{
		LockTTL:     2 * time.Minute,
		MaxAttempts: 5,
	}
}

// ══════════════════════════════════════════════════════════════════════════════
// HANDLER
// ══════════════════════════════════════════════════════════════════════════════

// IssueBadgeHandler handles IssueBadgeCommand.
type IssueBadgeHandler struct {
	deps   IssueBadgeDeps
	config IssueBadgeHandlerConfig
	logger *logger.Logger
	now    func() time.Time
}

// NewIssueBadgeHandler creates a new IssueBadgeHandler.
func NewIssueBadgeHandler(deps IssueBadgeDeps, config IssueBadgeHandlerConfig, log *logger.Logger) *IssueBadgeHandler {
	if config.LockTTL <= 0 || config.MaxAttempts <= 0 {
		config = DefaultIssueBadgeHandlerConfig()
	}
	if log == nil {
		log = logger.Nop()
	}
	if deps.ProgramID.IsZero() {
		deps.ProgramID = identity.MustParsePublicKey(tutorprogram.DefaultProgramID)
	}
	return &IssueBadgeHandler{
		deps:   deps,
		config: config,
		logger: log.With(logger.Component("issue_badge")),
		now:    time.Now,
	}
}

// Handle executes the issue badge command.
func (h *IssueBadgeHandler) Handle(ctx context.Context, cmd IssueBadgeCommand) (*IssueBadgeResult, error) {
	if err := cmd.Validate(); err != nil {
		return nil, err
	}
	if h.deps.Enabled != nil && !h.deps.Enabled(cmd.Owner) {
		return nil, shared.NewDomainError("badge", "Issue", shared.ErrForbidden, "badge minting is disabled")
	}

	lesson, course, err := h.deps.Catalog.Lesson(cmd.LessonID)
	if err != nil {
		return nil, err
	}

	if existing, err := h.deps.Achievements.Get(ctx, cmd.Owner, cmd.LessonID); err == nil && existing.Status == badge.StatusMinted {
		return &IssueBadgeResult{Achievement: existing, AlreadyMinted: true}, nil
	} else if err != nil && !errors.Is(err, shared.ErrBadgeNotFound) {
		return nil, fmt.Errorf("issue_badge: load achievement: %w", err)
	}

	if err := h.verifyProof(ctx, cmd); err != nil {
		return nil, err
	}

	release, err := h.deps.Locker.Acquire(ctx, lockKey(cmd.Owner, cmd.LessonID), h.config.LockTTL)
	if err != nil {
		return nil, err
	}
	defer h.unlock(ctx, release, cmd.Owner)

	// Another request may have minted between the first check and the lock.
	a, err := h.deps.Achievements.Get(ctx, cmd.Owner, cmd.LessonID)
	switch {
	case err == nil && a.Status == badge.StatusMinted:
		return &IssueBadgeResult{Achievement: a, AlreadyMinted: true}, nil
	case err == nil:
		a.AdvanceSignature = cmd.AdvanceSignature.String()
	case errors.Is(err, shared.ErrBadgeNotFound):
		a = badge.NewAchievement(cmd.Owner, lesson.ID, lesson.Title, cmd.AdvanceSignature.String(), h.now().UTC())
	default:
		return nil, fmt.Errorf("issue_badge: load achievement: %w", err)
	}

	return h.mint(ctx, a, course.Title, cmd.CorrelationID)
}

// IssueBadge adapts Handle to the lesson completion flow.
func (h *IssueBadgeHandler) IssueBadge(ctx context.Context, owner identity.PublicKey, lessonID int, advanceSig identity.Signature) (*IssueBadgeResult, error) {
	return h.Handle(ctx, IssueBadgeCommand{Owner: owner, LessonID: lessonID, AdvanceSignature: advanceSig})
}

// verifyProof checks that the advance transaction is confirmed, succeeded,
// was paid for by the owner, advanced the owner's own record far enough to
// complete the lesson, and that the record still accounts for the lesson.
func (h *IssueBadgeHandler) verifyProof(ctx context.Context, cmd IssueBadgeCommand) error {
	invalid := func(msg string) error {
		return shared.WrapError("badge", "Issue", shared.ErrValidation, msg, shared.ErrInvalidBadgeProof)
	}

	st, err := h.deps.Statuses.SignatureStatus(ctx, cmd.AdvanceSignature)
	if errors.Is(err, shared.ErrTransactionNotFound) {
		return invalid("advance transaction not found")
	}
	if err != nil {
		return fmt.Errorf("issue_badge: transaction status: %w", err)
	}
	if !st.Confirmation.Satisfies(ledger.CommitmentConfirmed) {
		return invalid("advance transaction is not confirmed")
	}
	if !st.Succeeded() {
		return invalid("advance transaction failed")
	}
	if st.FeePayer != cmd.Owner {
		return invalid("advance transaction was not signed by the owner")
	}

	record, _, err := progress.DeriveAddress(cmd.Owner, h.deps.ProgramID)
	if err != nil {
		return fmt.Errorf("issue_badge: derive record address: %w", err)
	}
	args, ok := findAdvance(st.Instructions, h.deps.ProgramID, record)
	if !ok {
		return invalid("transaction does not advance the owner's record")
	}
	if !catalog.IsCompleted(cmd.LessonID, args.NewLevel) {
		return invalid("advance does not reach the lesson")
	}

	rec, found, err := h.deps.Progress.Read(ctx, cmd.Owner)
	if err != nil {
		return fmt.Errorf("issue_badge: read progress: %w", err)
	}
	if !found || !catalog.IsCompleted(cmd.LessonID, rec.Level) {
		return shared.ErrLessonNotCompleted
	}
	return nil
}

// findAdvance returns the highest advance of record among ixs.
func findAdvance(ixs []ledger.Instruction, programID, record identity.PublicKey) (tutorprogram.AdvanceArgs, bool) {
	var (
		best  tutorprogram.AdvanceArgs
		found bool
	)
	for _, ix := range ixs {
		if ix.ProgramID != programID || len(ix.Accounts) == 0 || ix.Accounts[0].PublicKey != record {
			continue
		}
		args, err := tutorprogram.DecodeAdvance(ix.Data)
		if err != nil {
			continue
		}
		if !found || args.NewLevel > best.NewLevel {
			best, found = args, true
		}
	}
	return best, found
}

func (h *IssueBadgeHandler) mint(ctx context.Context, a *badge.Achievement, courseTitle, correlationID string) (*IssueBadgeResult, error) {
	log := h.logger.With(logger.Owner(a.Owner.String()), logger.LessonID(a.LessonID))

	if a.URI == "" {
		uri, err := h.deps.Publisher.Publish(ctx, badge.NewDocument(a.Owner, a.LessonID, a.LessonTitle, courseTitle))
		if err != nil {
			return h.fail(ctx, a, err, correlationID, log)
		}
		a.URI = uri
	}

	receipt, err := h.deps.Minter.Mint(ctx, a.Owner, a.Metadata())
	if err != nil {
		return h.fail(ctx, a, err, correlationID, log)
	}

	a.MarkMinted(receipt.MintAddress, receipt.Signature, h.now().UTC())
	if err := h.deps.Achievements.Save(ctx, a); err != nil {
		// The token exists; losing the record would let a retry mint twice.
		log.Error("badge minted but not recorded",
			logger.String("mint", receipt.MintAddress),
			logger.Signature(receipt.Signature),
			logger.Err(err),
		)
		return nil, fmt.Errorf("issue_badge: save minted achievement: %w", err)
	}

	log.Info("badge minted", logger.String("mint", receipt.MintAddress), logger.Int("attempts", a.Attempts))
	h.publish(shared.NewBadgeMintedEvent(a.Owner.String(), a.LessonID, receipt.MintAddress), correlationID)
	return &IssueBadgeResult{Achievement: a}, nil
}

func (h *IssueBadgeHandler) fail(ctx context.Context, a *badge.Achievement, cause error, correlationID string, log *logger.Logger) (*IssueBadgeResult, error) {
	a.MarkFailed(cause, h.now().UTC())
	if err := h.deps.Achievements.Save(ctx, a); err != nil {
		return nil, fmt.Errorf("issue_badge: save failed achievement: %w", err)
	}

	log.Warn("badge mint failed",
		logger.String("category", string(a.FailureCategory)),
		logger.Int("attempts", a.Attempts),
		logger.Err(cause),
	)
	h.publish(shared.NewBadgeFailedEvent(a.Owner.String(), a.LessonID, string(a.FailureCategory)), correlationID)

	advisory := a.FailureCategory.Advisory()
	return &IssueBadgeResult{Achievement: a, Advisory: &advisory}, nil
}

func (h *IssueBadgeHandler) publish(event shared.BadgeIssuedEvent, correlationID string) {
	if h.deps.Events == nil {
		return
	}
	if correlationID != "" {
		event.BaseEvent = event.BaseEvent.WithCorrelationID(correlationID)
	}
	if err := h.deps.Events.Publish(event); err != nil {
		h.logger.Warn("failed to publish badge event", logger.Err(err))
	}
}

// ══════════════════════════════════════════════════════════════════════════════
// RETRY
// ══════════════════════════════════════════════════════════════════════════════

// RetryReport summarizes one retry pass.
type RetryReport struct {
	Attempted int
	Minted    int
	Failed    int
	Skipped   int
}

// RetryFailed re-attempts up to limit failed issuances whose category is
// retryable. The completion proof was checked on the first attempt.
func (h *IssueBadgeHandler) RetryFailed(ctx context.Context, limit int) (*RetryReport, error) {
	pending, err := h.deps.Achievements.ListRetryable(ctx, h.config.MaxAttempts, limit)
	if err != nil {
		return nil, fmt.Errorf("issue_badge: list retryable: %w", err)
	}

	report := &RetryReport{}
	for _, a := range pending {
		if ctx.Err() != nil {
			return report, ctx.Err()
		}
		res, err := h.retryOne(ctx, a)
		switch {
		case errors.Is(err, shared.ErrBadgeIssueInFlight):
			report.Skipped++
		case err != nil:
			return report, err
		case res == nil:
			report.Skipped++
		case res.Achievement.Status == badge.StatusMinted:
			report.Attempted++
			report.Minted++
		default:
			report.Attempted++
			report.Failed++
		}
	}
	return report, nil
}

func (h *IssueBadgeHandler) retryOne(ctx context.Context, stale *badge.Achievement) (*IssueBadgeResult, error) {
	_, course, err := h.deps.Catalog.Lesson(stale.LessonID)
	if err != nil {
		return nil, err
	}

	release, err := h.deps.Locker.Acquire(ctx, lockKey(stale.Owner, stale.LessonID), h.config.LockTTL)
	if err != nil {
		return nil, err
	}
	defer h.unlock(ctx, release, stale.Owner)

	a, err := h.deps.Achievements.Get(ctx, stale.Owner, stale.LessonID)
	if err != nil {
		return nil, err
	}
	if a.Status != badge.StatusFailed || !a.FailureCategory.Retryable() {
		return nil, nil
	}
	return h.mint(ctx, a, course.Title, "")
}

// unlock releases an issuance lock even when ctx has ended. A failed
// release only delays the next issuance until the lock expires.
func (h *IssueBadgeHandler) unlock(ctx context.Context, release func(context.Context) error, owner identity.PublicKey) {
	if err := release(context.WithoutCancel(ctx)); err != nil {
		h.logger.Warn("failed to release issuance lock", logger.Owner(owner.String()), logger.Err(err))
	}
}

func lockKey(owner identity.PublicKey, lessonID int) string {
	return fmt.Sprintf("badge:%s:%d", owner, lessonID)
}
