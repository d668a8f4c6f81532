// Package tutoring models chat conversations with the tutor and the port to
// the text-generation collaborator.
package tutoring

import (
	"context"
	"strings"

	"github.com/tutorhub/tutor-ledger/internal/domain/shared"
)

// Role of a conversation turn.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// MaxTurns bounds the history forwarded to the collaborator.
const MaxTurns = 40

// Turn is one message in the conversation.
type Turn struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

// Request is what the collaborator receives: ordered turns plus the subject
// and current-topic labels.
type Request struct {
	Turns   []Turn `json:"messages"`
	Subject string `json:"subject"`
	Topic   string `json:"topic"`
}

// Validate checks the request shape. The last turn must come from the user.
func (r Request) Validate() error {
	if len(r.Turns) == 0 {
		return shared.ErrEmptyConversation
	}
	for _, t := range r.Turns {
		if t.Role != RoleUser && t.Role != RoleAssistant {
			return shared.NewDomainError("tutoring", "Validate", shared.ErrInvalidInput, "unknown role "+string(t.Role))
		}
	}
	last := r.Turns[len(r.Turns)-1]
	if last.Role != RoleUser || strings.TrimSpace(last.Content) == "" {
		return shared.NewDomainError("tutoring", "Validate", shared.ErrInvalidInput, "last message must be a non-empty user message")
	}
	return nil
}

// Trimmed keeps the newest MaxTurns turns, starting on a user turn.
func (r Request) Trimmed() Request {
	if len(r.Turns) <= MaxTurns {
		return r
	}
	turns := r.Turns[len(r.Turns)-MaxTurns:]
	for len(turns) > 1 && turns[0].Role != RoleUser {
		turns = turns[1:]
	}
	r.Turns = turns
	return r
}

// Generator produces one completion for a conversation. Implementations
// return errors wrapping ErrMissingCredential, ErrContentBlocked or
// ErrUpstreamFailure.
type Generator interface {
	Generate(ctx context.Context, req Request) (string, error)
}
