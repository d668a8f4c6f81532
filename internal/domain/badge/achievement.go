// Package badge models per-lesson achievement badges minted as tokens after
// a lesson's completion is recorded on the ledger.
package badge

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/tutorhub/tutor-ledger/internal/domain/identity"
	"github.com/tutorhub/tutor-ledger/internal/domain/shared"
)

// Metadata limits enforced by the token metadata standard.
const (
	Symbol       = "TUTOR"
	MaxNameLen   = 32
	MaxSymbolLen = 10
	MaxURILen    = 200
)

// Status is the issuance state of a badge.
type Status string

const (
	StatusPending Status = "pending"
	StatusMinted  Status = "minted"
	StatusFailed  Status = "failed"
)

// FailureCategory classifies a mint failure so callers can decide what to keep.
type FailureCategory string

const (
	FailureNone                FailureCategory = ""
	FailureInsufficientBalance FailureCategory = "insufficient_balance"
	FailureMetadataTooLarge    FailureCategory = "metadata_too_large"
	FailureTimeout             FailureCategory = "timeout"
	FailureCancelled           FailureCategory = "cancelled"
	FailureUpstream            FailureCategory = "upstream"
)

// Retryable reports whether a later attempt can succeed without changes.
func (c FailureCategory) Retryable() bool {
	switch c {
	case FailureTimeout, FailureUpstream, FailureInsufficientBalance:
		return true
	default:
		return false
	}
}

// Advisory maps a failure category to the learner-facing warning.
func (c FailureCategory) Advisory() shared.Advisory {
	switch c {
	case FailureInsufficientBalance:
		return shared.NewAdvisory(shared.AdvisoryBadgeInsufficientBalance,
			"Lesson completed, but the badge could not be minted: the minting account has insufficient balance.")
	case FailureMetadataTooLarge:
		return shared.NewAdvisory(shared.AdvisoryBadgeMetadataTooLarge,
			"Lesson completed, but the badge metadata was too large to mint.")
	case FailureTimeout:
		return shared.NewAdvisory(shared.AdvisoryBadgeTimeout,
			"Lesson completed. Badge minting timed out and will be retried.")
	case FailureCancelled:
		return shared.NewAdvisory(shared.AdvisoryBadgeCancelled,
			"Lesson completed. Badge minting was cancelled.")
	default:
		return shared.NewAdvisory(shared.AdvisoryBadgeUnavailable,
			"Lesson completed, but the badge service is unavailable. It will be retried.")
	}
}

// MintError is a categorized failure from the minting collaborator.
type MintError struct {
	Category FailureCategory
	Err      error
}

func (e *MintError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("mint failed: %s", e.Category)
	}
	return fmt.Sprintf("mint failed (%s): %v", e.Category, e.Err)
}

func (e *MintError) Unwrap() error { return e.Err }

// CategoryOf extracts the failure category of err.
func CategoryOf(err error) FailureCategory {
	var me *MintError
	if errors.As(err, &me) {
		return me.Category
	}
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return FailureTimeout
	case errors.Is(err, context.Canceled):
		return FailureCancelled
	default:
		return FailureUpstream
	}
}

// Metadata is what the minting collaborator receives.
type Metadata struct {
	Name   string `json:"name"`
	Symbol string `json:"symbol"`
	URI    string `json:"uri"`
}

// Validate enforces metadata size limits.
func (m Metadata) Validate() error {
	if m.Name == "" || len(m.Name) > MaxNameLen {
		return shared.WrapError("badge", "Validate", shared.ErrValueOutOfRange, "name length", shared.ErrBadgeMetadataTooBig)
	}
	if len(m.Symbol) > MaxSymbolLen {
		return shared.WrapError("badge", "Validate", shared.ErrValueOutOfRange, "symbol length", shared.ErrBadgeMetadataTooBig)
	}
	if len(m.URI) > MaxURILen {
		return shared.WrapError("badge", "Validate", shared.ErrValueOutOfRange, "uri length", shared.ErrBadgeMetadataTooBig)
	}
	return nil
}

// Name returns the display name of the badge for lessonID.
func Name(lessonID int) string {
	return fmt.Sprintf("Lesson %d Badge", lessonID)
}

// Achievement is the issuance record of one lesson badge for one owner.
type Achievement struct {
	ID               string             `json:"id"`
	Owner            identity.PublicKey `json:"owner"`
	LessonID         int                `json:"lesson_id"`
	LessonTitle      string             `json:"lesson_title"`
	Name             string             `json:"name"`
	URI              string             `json:"uri"`
	Status           Status             `json:"status"`
	MintAddress      string             `json:"mint_address,omitempty"`
	MintSignature    string             `json:"mint_signature,omitempty"`
	AdvanceSignature string             `json:"advance_signature"`
	FailureCategory  FailureCategory    `json:"failure_category,omitempty"`
	FailureDetail    string             `json:"failure_detail,omitempty"`
	Attempts         int                `json:"attempts"`
	CreatedAt        time.Time          `json:"created_at"`
	UpdatedAt        time.Time          `json:"updated_at"`
}

// NewAchievement creates a pending achievement.
func NewAchievement(owner identity.PublicKey, lessonID int, lessonTitle, advanceSig string, now time.Time) *Achievement {
	return &Achievement{
		ID:               uuid.NewString(),
		Owner:            owner,
		LessonID:         lessonID,
		LessonTitle:      lessonTitle,
		Name:             Name(lessonID),
		Status:           StatusPending,
		AdvanceSignature: advanceSig,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
}

// MarkMinted records a successful mint.
func (a *Achievement) MarkMinted(mint, signature string, now time.Time) {
	a.Status = StatusMinted
	a.MintAddress = mint
	a.MintSignature = signature
	a.FailureCategory = FailureNone
	a.FailureDetail = ""
	a.Attempts++
	a.UpdatedAt = now
}

// MarkFailed records a failed attempt.
func (a *Achievement) MarkFailed(err error, now time.Time) {
	a.Status = StatusFailed
	a.FailureCategory = CategoryOf(err)
	a.FailureDetail = err.Error()
	a.Attempts++
	a.UpdatedAt = now
}

// Metadata returns the mint request for this achievement.
func (a *Achievement) Metadata() Metadata {
	return Metadata{Name: a.Name, Symbol: Symbol, URI: a.URI}
}

// Repository persists achievements. (owner, lesson) is unique.
type Repository interface {
	Get(ctx context.Context, owner identity.PublicKey, lessonID int) (*Achievement, error)
	Save(ctx context.Context, a *Achievement) error
	ListByOwner(ctx context.Context, owner identity.PublicKey) ([]*Achievement, error)
	ListRetryable(ctx context.Context, maxAttempts, limit int) ([]*Achievement, error)
}

// Minter mints a badge token to recipient.
type Minter interface {
	Mint(ctx context.Context, recipient identity.PublicKey, meta Metadata) (MintReceipt, error)
}

// MintReceipt identifies a minted token.
type MintReceipt struct {
	MintAddress string `json:"mint_address"`
	Signature   string `json:"signature"`
}

// MetadataPublisher hosts the off-chain JSON metadata of a badge and
// returns its URI.
type MetadataPublisher interface {
	Publish(ctx context.Context, doc Document) (string, error)
}

// Document is the off-chain metadata JSON.
type Document struct {
	Name        string      `json:"name"`
	Symbol      string      `json:"symbol"`
	Description string      `json:"description"`
	Image       string      `json:"image,omitempty"`
	Attributes  []Attribute `json:"attributes"`
	LessonID    int         `json:"-"`
	Owner       string      `json:"-"`
}

// Attribute is a metadata trait.
type Attribute struct {
	TraitType string `json:"trait_type"`
	Value     string `json:"value"`
}

// NewDocument builds the metadata document for a lesson badge.
func NewDocument(owner identity.PublicKey, lessonID int, lessonTitle, courseTitle string) Document {
	return Document{
		Name:        Name(lessonID),
		Symbol:      Symbol,
		Description: fmt.Sprintf("Awarded for completing %q in %s.", lessonTitle, courseTitle),
		Attributes: []Attribute{
			{TraitType: "lesson", Value: fmt.Sprint(lessonID)},
			{TraitType: "course", Value: courseTitle},
		},
		LessonID: lessonID,
		Owner:    owner.String(),
	}
}

// Locker serializes issuance for one key across processes. Acquire fails with
// shared.ErrBadgeIssueInFlight while another holder owns the key.
type Locker interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (release func(context.Context) error, err error)
}
