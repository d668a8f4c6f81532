package noderpc

import (
	"fmt"
	"net/http"

	"github.com/tutorhub/tutor-ledger/internal/domain/identity"
	"github.com/tutorhub/tutor-ledger/internal/domain/shared"
	"github.com/tutorhub/tutor-ledger/internal/domain/tutoring"
)

// ══════════════════════════════════════════════════════════════════════════════
// API RESPONSE WRAPPERS
// ══════════════════════════════════════════════════════════════════════════════

// apiResponse is the node's response envelope.
type apiResponse[T any] struct {
	Success   bool      `json:"success"`
	Data      T         `json:"data"`
	Error     *apiError `json:"error,omitempty"`
	RequestID string    `json:"request_id,omitempty"`
}

type apiError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details string `json:"details,omitempty"`
}

type sendTransactionRequest struct {
	Transaction string `json:"transaction"`
}

type sendTransactionResponse struct {
	Signature identity.Signature `json:"signature"`
}

type challengeRequest struct {
	Wallet identity.PublicKey `json:"wallet"`
}

type verifyRequest struct {
	Nonce     string             `json:"nonce"`
	Signature identity.Signature `json:"signature"`
}

type issueBadgeRequest struct {
	Owner            identity.PublicKey `json:"owner"`
	LessonID         int                `json:"lesson_id"`
	AdvanceSignature identity.Signature `json:"advance_signature"`
}

type chatRequest struct {
	Messages []tutoring.Turn `json:"messages"`
	LessonID int             `json:"lesson_id,omitempty"`
	Subject  string          `json:"subject,omitempty"`
}

// ══════════════════════════════════════════════════════════════════════════════
// ERRORS
// ══════════════════════════════════════════════════════════════════════════════

// Error codes the node answers with.
const (
	codeAccountNotFound      = "account_not_found"
	codeTransactionNotFound  = "transaction_not_found"
	codeBlockNotFound        = "block_not_found"
	codeBlockhashNotFound    = "blockhash_not_found"
	codeDuplicateTransaction = "duplicate_transaction"
	codeMempoolFull          = "mempool_full"
	codeInvalidTransaction   = "invalid_transaction"
	codeConfirmationPending  = "confirmation_pending"
	codeRateLimited          = "rate_limit_exceeded"
	codeTimeout              = "timeout"
	codeServiceUnavailable   = "service_unavailable"

	codeLessonNotFound     = "lesson_not_found"
	codeRecordNotFound     = "record_not_found"
	codeInvalidBadgeProof  = "invalid_badge_proof"
	codeLessonNotCompleted = "lesson_not_completed"
	codeBadgeInFlight      = "badge_issue_in_flight"
	codeEmptyConversation  = "empty_conversation"
	codeChallengeNotFound  = "challenge_not_found"
	codeInvalidSignature   = "invalid_signature"
	codeUnauthorized       = "unauthorized"
	codeForbidden          = "forbidden"
)

var codeErrors = map[string]error{
	codeAccountNotFound:      shared.ErrAccountNotFound,
	codeTransactionNotFound:  shared.ErrTransactionNotFound,
	codeBlockNotFound:        shared.ErrBlockNotFound,
	codeBlockhashNotFound:    shared.ErrBlockhashNotFound,
	codeDuplicateTransaction: shared.ErrDuplicateTransaction,
	codeMempoolFull:          shared.ErrMempoolFull,
	codeInvalidTransaction:   shared.ErrInvalidTransaction,
	codeRateLimited:          shared.ErrRateLimited,
	codeTimeout:              shared.ErrTimeout,
	codeServiceUnavailable:   shared.ErrServiceUnavailable,

	codeLessonNotFound:     shared.ErrLessonNotFound,
	codeRecordNotFound:     shared.ErrRecordNotFound,
	codeInvalidBadgeProof:  shared.ErrInvalidBadgeProof,
	codeLessonNotCompleted: shared.ErrLessonNotCompleted,
	codeBadgeInFlight:      shared.ErrBadgeIssueInFlight,
	codeEmptyConversation:  shared.ErrEmptyConversation,
	codeChallengeNotFound:  shared.ErrChallengeNotFound,
	codeInvalidSignature:   shared.ErrInvalidSignature,
	codeUnauthorized:       shared.ErrUnauthorized,
	codeForbidden:          shared.ErrForbidden,
}

// RemoteError is an error answered by the node. It unwraps to the matching
// shared sentinel so callers can use errors.Is as they would in-process.
type RemoteError struct {
	Status  int
	Code    string
	Message string
	Details string
}

func (e *RemoteError) Error() string {
	if e.Code == "" {
		return fmt.Sprintf("node rpc: status %d", e.Status)
	}
	return fmt.Sprintf("node rpc: %s: %s", e.Code, e.Message)
}

// Unwrap returns the sentinel for the code, falling back on the status.
func (e *RemoteError) Unwrap() error {
	if err, ok := codeErrors[e.Code]; ok {
		return err
	}
	switch {
	case e.Status == http.StatusServiceUnavailable:
		return shared.ErrServiceUnavailable
	case e.Status >= http.StatusInternalServerError:
		return shared.ErrExternalService
	case e.Status == http.StatusNotFound:
		return shared.ErrNotFound
	default:
		return shared.ErrValidation
	}
}

// nodeDown reports whether the error says the node itself is unhealthy, as
// opposed to a well-formed answer about the request.
func (e *RemoteError) nodeDown() bool {
	if e.Code == codeMempoolFull || e.Code == codeConfirmationPending {
		return false
	}
	return e.Status >= http.StatusInternalServerError
}
