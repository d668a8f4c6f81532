package noderpc

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strconv"

	"github.com/tutorhub/tutor-ledger/internal/application/command"
	"github.com/tutorhub/tutor-ledger/internal/application/query"
	"github.com/tutorhub/tutor-ledger/internal/application/saga"
	"github.com/tutorhub/tutor-ledger/internal/domain/identity"
	"github.com/tutorhub/tutor-ledger/internal/domain/tutoring"
	"github.com/tutorhub/tutor-ledger/internal/infrastructure/auth"
	"github.com/tutorhub/tutor-ledger/pkg/logger"
)

// ══════════════════════════════════════════════════════════════════════════════
// LEARNER API
// ══════════════════════════════════════════════════════════════════════════════

var _ saga.BadgeIssuer = (*Client)(nil)

// SignIn runs the challenge flow for kp and returns the issued session.
// The secret key never leaves the process; only the signature is sent.
func (c *Client) SignIn(ctx context.Context, kp *identity.Keypair) (*auth.Session, error) {
	ctx, cancel := context.WithTimeout(ctx, c.config.Timeout)
	defer cancel()

	var ch auth.Challenge
	if err := c.call(ctx, http.MethodPost, "/api/v1/auth/challenge", nil,
		challengeRequest{Wallet: kp.PublicKey()}, &ch); err != nil {
		return nil, fmt.Errorf("sign in: challenge: %w", err)
	}

	var session auth.Session
	if err := c.call(ctx, http.MethodPost, "/api/v1/auth/verify", nil,
		verifyRequest{Nonce: ch.Nonce, Signature: kp.Sign([]byte(ch.Message))}, &session); err != nil {
		return nil, fmt.Errorf("sign in: verify: %w", err)
	}

	c.logger.Debug("signed in",
		logger.Owner(session.Wallet.String()),
		logger.Time("expires_at", session.ExpiresAt),
	)
	return &session, nil
}

// WithSession returns a client that sends token on every request. The copy
// shares the transport, limiter and breaker with c.
func (c *Client) WithSession(token string) *Client {
	clone := *c
	clone.bearer = token
	return &clone
}

// IssueBadge claims the badge of a completed lesson. It needs a session.
func (c *Client) IssueBadge(ctx context.Context, owner identity.PublicKey, lessonID int, advanceSig identity.Signature) (*command.IssueBadgeResult, error) {
	ctx, cancel := context.WithTimeout(ctx, c.config.Timeout)
	defer cancel()

	var res command.IssueBadgeResult
	err := c.call(ctx, http.MethodPost, "/api/v1/badges", nil, issueBadgeRequest{
		Owner:            owner,
		LessonID:         lessonID,
		AdvanceSignature: advanceSig,
	}, &res)
	if err != nil {
		return nil, fmt.Errorf("issue badge for lesson %d: %w", lessonID, err)
	}
	return &res, nil
}

// Chat sends one tutor chat turn. It needs a session.
func (c *Client) Chat(ctx context.Context, turns []tutoring.Turn, lessonID int, subject string) (*command.AskTutorResult, error) {
	ctx, cancel := context.WithTimeout(ctx, c.config.Timeout)
	defer cancel()

	var res command.AskTutorResult
	err := c.call(ctx, http.MethodPost, "/api/v1/chat", nil, chatRequest{
		Messages: turns,
		LessonID: lessonID,
		Subject:  subject,
	}, &res)
	if err != nil {
		return nil, fmt.Errorf("chat: %w", err)
	}
	return &res, nil
}

// Progress returns the learner dashboard of owner. fresh bypasses the
// node's cache.
func (c *Client) Progress(ctx context.Context, owner identity.PublicKey, fresh bool) (*query.ProgressView, error) {
	var q url.Values
	if fresh {
		q = url.Values{"fresh": []string{strconv.FormatBool(true)}}
	}
	var view query.ProgressView
	if err := c.get(ctx, "/api/v1/progress/"+owner.String(), q, &view); err != nil {
		return nil, fmt.Errorf("progress %s: %w", owner, err)
	}
	return &view, nil
}
