package http

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/tutorhub/tutor-ledger/internal/domain/shared"
	"github.com/tutorhub/tutor-ledger/internal/interface/http/handlers"
	"github.com/tutorhub/tutor-ledger/pkg/logger"
)

// ══════════════════════════════════════════════════════════════════════════════
// RESPONSE ENVELOPE
// ══════════════════════════════════════════════════════════════════════════════

// APIVersion is reported in every response envelope.
const APIVersion = "v1"

// JSONResponse represents a standard JSON response.
type JSONResponse struct {
	Success   bool          `json:"success"`
	Data      interface{}   `json:"data,omitempty"`
	Error     *APIError     `json:"error,omitempty"`
	Meta      *ResponseMeta `json:"meta,omitempty"`
	RequestID string        `json:"request_id,omitempty"`
}

// APIError represents an API error. Code is stable; clients branch on it.
type APIError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details string `json:"details,omitempty"`
}

// ResponseMeta contains response metadata.
type ResponseMeta struct {
	Timestamp time.Time `json:"timestamp"`
	Version   string    `json:"version,omitempty"`
}

// Stable error codes shared with the node RPC client.
const (
	CodeAccountNotFound      = "account_not_found"
	CodeTransactionNotFound  = "transaction_not_found"
	CodeBlockNotFound        = "block_not_found"
	CodeBlockhashNotFound    = "blockhash_not_found"
	CodeDuplicateTransaction = "duplicate_transaction"
	CodeMempoolFull          = "mempool_full"
	CodeInvalidTransaction   = "invalid_transaction"
	CodeConfirmationPending  = "confirmation_pending"

	CodeLessonNotFound     = "lesson_not_found"
	CodeCourseNotFound     = "course_not_found"
	CodeRecordNotFound     = "record_not_found"
	CodeBadgeNotFound      = "badge_not_found"
	CodeInvalidBadgeProof  = "invalid_badge_proof"
	CodeLessonNotCompleted = "lesson_not_completed"
	CodeBadgeInFlight      = "badge_issue_in_flight"
	CodeEmptyConversation  = "empty_conversation"

	CodeChallengeNotFound = "challenge_not_found"
	CodeInvalidSignature  = "invalid_signature"
	CodeUnauthorized      = "unauthorized"
	CodeForbidden         = "forbidden"

	CodeInvalidRequest     = "invalid_request"
	CodeNotFound           = "not_found"
	CodeConflict           = "conflict"
	CodeRateLimited        = "rate_limit_exceeded"
	CodeTimeout            = "timeout"
	CodeServiceUnavailable = "service_unavailable"
	CodeUpstreamFailure    = "upstream_failure"
	CodeInternal           = "internal_server_error"
)

// writeJSON writes a success envelope.
func writeJSON(c *gin.Context, status int, data interface{}) {
	c.JSON(status, JSONResponse{
		Success:   status >= 200 && status < 300,
		Data:      data,
		Meta:      &ResponseMeta{Timestamp: time.Now().UTC(), Version: APIVersion},
		RequestID: handlers.RequestIDFrom(c),
	})
}

// writeJSONError writes an error envelope.
func writeJSONError(c *gin.Context, status int, code, message string) {
	writeJSONErrorWithDetails(c, status, code, message, "")
}

// writeJSONErrorWithDetails writes an error envelope with details.
func writeJSONErrorWithDetails(c *gin.Context, status int, code, message, details string) {
	c.AbortWithStatusJSON(status, JSONResponse{
		Success:   false,
		Error:     &APIError{Code: code, Message: message, Details: details},
		Meta:      &ResponseMeta{Timestamp: time.Now().UTC(), Version: APIVersion},
		RequestID: handlers.RequestIDFrom(c),
	})
}

// writeError maps err onto a status and a stable code.
func writeError(c *gin.Context, err error) {
	status, code := classify(err)
	if status >= http.StatusInternalServerError {
		handlers.LoggerFrom(c).Error("request failed",
			logger.String("path", c.FullPath()),
			logger.Err(err),
		)
	}
	writeJSONError(c, status, code, err.Error())
}

type errorMapping struct {
	target error
	status int
	code   string
}

// Specific sentinels first; kinds after.
var errorMappings = []errorMapping{
	{shared.ErrAccountNotFound, http.StatusNotFound, CodeAccountNotFound},
	{shared.ErrTransactionNotFound, http.StatusNotFound, CodeTransactionNotFound},
	{shared.ErrBlockNotFound, http.StatusNotFound, CodeBlockNotFound},
	{shared.ErrBlockhashNotFound, http.StatusBadRequest, CodeBlockhashNotFound},
	{shared.ErrDuplicateTransaction, http.StatusConflict, CodeDuplicateTransaction},
	{shared.ErrMempoolFull, http.StatusServiceUnavailable, CodeMempoolFull},
	{shared.ErrInvalidTransaction, http.StatusBadRequest, CodeInvalidTransaction},

	{shared.ErrLessonNotFound, http.StatusNotFound, CodeLessonNotFound},
	{shared.ErrCourseNotFound, http.StatusNotFound, CodeCourseNotFound},
	{shared.ErrRecordNotFound, http.StatusNotFound, CodeRecordNotFound},
	{shared.ErrBadgeNotFound, http.StatusNotFound, CodeBadgeNotFound},
	{shared.ErrInvalidBadgeProof, http.StatusUnprocessableEntity, CodeInvalidBadgeProof},
	{shared.ErrLessonNotCompleted, http.StatusUnprocessableEntity, CodeLessonNotCompleted},
	{shared.ErrBadgeIssueInFlight, http.StatusConflict, CodeBadgeInFlight},
	{shared.ErrEmptyConversation, http.StatusBadRequest, CodeEmptyConversation},

	{shared.ErrChallengeNotFound, http.StatusUnauthorized, CodeChallengeNotFound},
	{shared.ErrInvalidSignature, http.StatusUnauthorized, CodeInvalidSignature},
	{shared.ErrUnauthorized, http.StatusUnauthorized, CodeUnauthorized},
	{shared.ErrForbidden, http.StatusForbidden, CodeForbidden},

	{shared.ErrNotFound, http.StatusNotFound, CodeNotFound},
	{shared.ErrAlreadyExists, http.StatusConflict, CodeConflict},
	{shared.ErrInFlight, http.StatusConflict, CodeConflict},
	{shared.ErrRateLimited, http.StatusTooManyRequests, CodeRateLimited},
	{shared.ErrTimeout, http.StatusGatewayTimeout, CodeTimeout},
	{context.DeadlineExceeded, http.StatusGatewayTimeout, CodeTimeout},
	{shared.ErrServiceUnavailable, http.StatusServiceUnavailable, CodeServiceUnavailable},
	{shared.ErrExternalService, http.StatusBadGateway, CodeUpstreamFailure},
}

func classify(err error) (int, string) {
	for _, m := range errorMappings {
		if errors.Is(err, m.target) {
			return m.status, m.code
		}
	}
	if shared.IsValidation(err) {
		return http.StatusBadRequest, CodeInvalidRequest
	}
	return http.StatusInternalServerError, CodeInternal
}
