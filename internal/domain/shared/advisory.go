package shared

import "errors"

// AdvisoryCode classifies a best-effort failure surfaced to the user as a
// soft warning. Advisories never roll back ledger state.
type AdvisoryCode string

const (
	AdvisoryChatMissingCredential AdvisoryCode = "chat.missing_credential"
	AdvisoryChatBlocked           AdvisoryCode = "chat.content_blocked"
	AdvisoryChatUnavailable       AdvisoryCode = "chat.unavailable"

	AdvisoryBadgeInsufficientBalance AdvisoryCode = "badge.insufficient_balance"
	AdvisoryBadgeMetadataTooLarge    AdvisoryCode = "badge.metadata_too_large"
	AdvisoryBadgeTimeout             AdvisoryCode = "badge.timeout"
	AdvisoryBadgeCancelled           AdvisoryCode = "badge.cancelled"
	AdvisoryBadgeUnavailable         AdvisoryCode = "badge.unavailable"

	AdvisoryProgressSyncPending AdvisoryCode = "progress.sync_pending"
)

// Advisory is a user-facing warning attached to an otherwise successful result.
type Advisory struct {
	Code    AdvisoryCode `json:"code"`
	Message string       `json:"message"`
}

// NewAdvisory creates an advisory.
func NewAdvisory(code AdvisoryCode, message string) Advisory {
	return Advisory{Code: code, Message: message}
}

// ChatAdvisory maps a text-generation failure to the message shown to the learner.
func ChatAdvisory(err error) Advisory {
	switch {
	case errors.Is(err, ErrMissingCredential):
		return NewAdvisory(AdvisoryChatMissingCredential,
			"The tutor is not configured yet. Ask an administrator to set the API key.")
	case errors.Is(err, ErrContentBlocked):
		return NewAdvisory(AdvisoryChatBlocked,
			"That message was blocked by safety filters. Try rephrasing your question.")
	default:
		return NewAdvisory(AdvisoryChatUnavailable,
			"The tutor is unavailable right now. Please try again in a moment.")
	}
}
