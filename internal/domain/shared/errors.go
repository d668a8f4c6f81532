// Package shared contains common domain types, errors, events and advisories
// that are used across all domain packages. This package has zero external dependencies.
package shared

import (
	"errors"
	"fmt"
)

// Base domain errors that can be used for error checking with errors.Is().
var (
	// Entity errors
	ErrNotFound      = errors.New("entity not found")
	ErrAlreadyExists = errors.New("entity already exists")
	ErrInvalidEntity = errors.New("invalid entity")

	// Validation errors
	ErrValidation      = errors.New("validation error")
	ErrInvalidID       = errors.New("invalid ID")
	ErrInvalidInput    = errors.New("invalid input")
	ErrEmptyValue      = errors.New("value cannot be empty")
	ErrNegativeValue   = errors.New("value cannot be negative")
	ErrValueOutOfRange = errors.New("value out of range")
	ErrFutureTimestamp = errors.New("timestamp cannot be in the future")
	ErrInvalidFormat   = errors.New("invalid format")

	// State errors
	ErrInvalidState     = errors.New("invalid state")
	ErrStateTransition  = errors.New("invalid state transition")
	ErrAlreadyProcessed = errors.New("already processed")
	ErrExpired          = errors.New("expired")

	// Authorization errors
	ErrUnauthorized = errors.New("unauthorized")
	ErrForbidden    = errors.New("forbidden")

	// Concurrency errors
	ErrConcurrentModification = errors.New("concurrent modification detected")
	ErrConflict               = errors.New("conflict")
	ErrInFlight               = errors.New("operation already in flight")

	// External service errors
	ErrExternalService    = errors.New("external service error")
	ErrServiceUnavailable = errors.New("service unavailable")
	ErrTimeout            = errors.New("operation timeout")
	ErrRateLimited        = errors.New("rate limited")
	ErrOutcomeUnknown     = errors.New("outcome unknown")
)

// DomainError represents a domain-specific error with context.
type DomainError struct {
	Domain  string // e.g., "progress", "ledger", "badge"
	Op      string // Operation that failed, e.g., "Create", "Update"
	Kind    error  // Base error type for errors.Is() checking
	Message string // Human-readable message
	Err     error  // Underlying error (optional)
}

// Error implements the error interface.
func (e *DomainError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s.%s: %s: %v", e.Domain, e.Op, e.Message, e.Err)
	}
	return fmt.Sprintf("%s.%s: %s", e.Domain, e.Op, e.Message)
}

// Unwrap returns the underlying error for errors.Unwrap().
func (e *DomainError) Unwrap() error {
	if e.Err != nil {
		return e.Err
	}
	return e.Kind
}

// Is implements errors.Is() matching.
func (e *DomainError) Is(target error) bool {
	if e.Kind != nil && errors.Is(e.Kind, target) {
		return true
	}
	if e.Err != nil && errors.Is(e.Err, target) {
		return true
	}
	return false
}

// NewDomainError creates a new domain error.
func NewDomainError(domain, op string, kind error, message string) *DomainError {
	return &DomainError{
		Domain:  domain,
		Op:      op,
		Kind:    kind,
		Message: message,
	}
}

// WrapError wraps an existing error with domain context.
func WrapError(domain, op string, kind error, message string, err error) *DomainError {
	return &DomainError{
		Domain:  domain,
		Op:      op,
		Kind:    kind,
		Message: message,
		Err:     err,
	}
}

// Progress domain errors
var (
	ErrSubjectTooLong     = NewDomainError("progress", "Create", ErrValidation, "subject exceeds 50 bytes")
	ErrLevelNotIncreasing = NewDomainError("progress", "Advance", ErrStateTransition, "new level must be greater than current level")
	ErrRecordNotFound     = NewDomainError("progress", "Fetch", ErrNotFound, "progress record not found")
	ErrRecordExists       = NewDomainError("progress", "Create", ErrAlreadyExists, "progress record already exists")
	ErrNotRecordOwner     = NewDomainError("progress", "Advance", ErrUnauthorized, "signer is not the record owner")
	ErrInvalidRecordData  = NewDomainError("progress", "Decode", ErrInvalidFormat, "account data is not a progress record")
)

// Ledger errors
var (
	ErrInvalidTransaction    = NewDomainError("ledger", "Submit", ErrValidation, "invalid transaction")
	ErrBlockhashNotFound     = NewDomainError("ledger", "Submit", ErrExpired, "blockhash not found or expired")
	ErrDuplicateTransaction  = NewDomainError("ledger", "Submit", ErrAlreadyProcessed, "transaction already processed")
	ErrMempoolFull           = NewDomainError("ledger", "Submit", ErrRateLimited, "too many pending transactions")
	ErrTransactionNotFound   = NewDomainError("ledger", "Status", ErrNotFound, "transaction not found")
	ErrAccountNotFound       = NewDomainError("ledger", "Account", ErrNotFound, "account not found")
	ErrBlockNotFound         = NewDomainError("ledger", "Block", ErrNotFound, "block not found")
	ErrChainCorrupted        = NewDomainError("ledger", "Verify", ErrInvalidState, "block chain verification failed")
	ErrSubmissionInFlight    = NewDomainError("ledger", "Submit", ErrInFlight, "a transition for this identity is already in flight")
	ErrConfirmationTimeout   = NewDomainError("ledger", "Confirm", ErrTimeout, "transaction was not confirmed in time")
	ErrAdvanceOutcomeUnknown = NewDomainError("ledger", "Advance", ErrOutcomeUnknown, "advance outcome unknown; re-read before resubmitting")
	ErrAdvanceNotApplied     = NewDomainError("ledger", "Advance", ErrServiceUnavailable, "advance expired without landing; safe to resubmit")
)

// Catalog errors
var (
	ErrLessonNotFound = NewDomainError("catalog", "FindLesson", ErrNotFound, "lesson not found")
	ErrCourseNotFound = NewDomainError("catalog", "FindCourse", ErrNotFound, "course not found")
)

// Badge domain errors
var (
	ErrBadgeNotFound       = NewDomainError("badge", "Find", ErrNotFound, "badge not found")
	ErrBadgeAlreadyMinted  = NewDomainError("badge", "Issue", ErrAlreadyExists, "badge already minted")
	ErrLessonNotCompleted  = NewDomainError("badge", "Issue", ErrForbidden, "lesson is not completed on the ledger")
	ErrBadgeIssueInFlight  = NewDomainError("badge", "Issue", ErrInFlight, "badge issuance already in progress")
	ErrInvalidBadgeProof   = NewDomainError("badge", "Issue", ErrValidation, "advance transaction does not prove completion")
	ErrBadgeMetadataTooBig = NewDomainError("badge", "Validate", ErrValueOutOfRange, "badge metadata exceeds size limits")
)

// Tutoring errors
var (
	ErrEmptyConversation = NewDomainError("tutoring", "Validate", ErrEmptyValue, "conversation has no messages")
	ErrMissingCredential = NewDomainError("tutoring", "Generate", ErrServiceUnavailable, "text generation credential is not configured")
	ErrContentBlocked    = NewDomainError("tutoring", "Generate", ErrForbidden, "content blocked by safety filters")
	ErrUpstreamFailure   = NewDomainError("tutoring", "Generate", ErrExternalService, "text generation request failed")
)

// Auth errors
var (
	ErrChallengeNotFound = NewDomainError("auth", "Verify", ErrExpired, "challenge not found or expired")
	ErrInvalidSignature  = NewDomainError("auth", "Verify", ErrUnauthorized, "signature does not match wallet")
	ErrInvalidToken      = NewDomainError("auth", "Authenticate", ErrUnauthorized, "invalid or expired token")
)

// IsNotFound checks if the error is a "not found" error.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// IsAlreadyExists checks if the error is an "already exists" error.
func IsAlreadyExists(err error) bool {
	return errors.Is(err, ErrAlreadyExists)
}

// IsValidation checks if the error is a validation error.
func IsValidation(err error) bool {
	return errors.Is(err, ErrValidation) ||
		errors.Is(err, ErrInvalidID) ||
		errors.Is(err, ErrInvalidInput) ||
		errors.Is(err, ErrEmptyValue) ||
		errors.Is(err, ErrNegativeValue) ||
		errors.Is(err, ErrValueOutOfRange) ||
		errors.Is(err, ErrInvalidFormat)
}

// IsExternalService checks if the error is from an external service.
func IsExternalService(err error) bool {
	return errors.Is(err, ErrExternalService) ||
		errors.Is(err, ErrServiceUnavailable) ||
		errors.Is(err, ErrTimeout) ||
		errors.Is(err, ErrRateLimited)
}

// IsRetryable checks if the operation can be retried.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrServiceUnavailable) ||
		errors.Is(err, ErrTimeout) ||
		errors.Is(err, ErrConcurrentModification)
}
