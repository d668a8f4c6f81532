package http

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/tutorhub/tutor-ledger/internal/application/command"
	"github.com/tutorhub/tutor-ledger/internal/application/query"
	"github.com/tutorhub/tutor-ledger/internal/domain/identity"
	"github.com/tutorhub/tutor-ledger/internal/domain/tutoring"
	"github.com/tutorhub/tutor-ledger/internal/interface/http/handlers"
)

// ══════════════════════════════════════════════════════════════════════════════
// REQUEST BODIES
// ══════════════════════════════════════════════════════════════════════════════

// ChallengeRequest asks for a sign-in challenge for a wallet.
type ChallengeRequest struct {
	Wallet identity.PublicKey `json:"wallet" binding:"required"`
}

// VerifyRequest answers a challenge with the wallet's signature over it.
type VerifyRequest struct {
	Nonce     string             `json:"nonce" binding:"required"`
	Signature identity.Signature `json:"signature" binding:"required"`
}

// IssueBadgeRequest claims the badge of a completed lesson. Owner defaults to
// the signed-in wallet and must match it when given.
type IssueBadgeRequest struct {
	Owner            identity.PublicKey `json:"owner"`
	LessonID         int                `json:"lesson_id" binding:"required"`
	AdvanceSignature identity.Signature `json:"advance_signature" binding:"required"`
}

// ChatRequest is one tutor chat turn.
type ChatRequest struct {
	Messages []tutoring.Turn `json:"messages" binding:"required"`
	LessonID int             `json:"lesson_id"`
	Subject  string          `json:"subject"`
}

// ══════════════════════════════════════════════════════════════════════════════
// AUTH HANDLERS
// ══════════════════════════════════════════════════════════════════════════════

func (s *Server) handleAuthChallenge(c *gin.Context) {
	var req ChallengeRequest
	if !bindJSON(c, &req) {
		return
	}
	ch, err := s.deps.Auth.Issue(c.Request.Context(), req.Wallet)
	if err != nil {
		writeError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, ch)
}

func (s *Server) handleAuthVerify(c *gin.Context) {
	var req VerifyRequest
	if !bindJSON(c, &req) {
		return
	}
	session, err := s.deps.Auth.Verify(c.Request.Context(), req.Nonce, req.Signature)
	if err != nil {
		writeError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, session)
}

// ══════════════════════════════════════════════════════════════════════════════
// CATALOG & PROGRESS HANDLERS
// ══════════════════════════════════════════════════════════════════════════════

func (s *Server) handleCatalog(c *gin.Context) {
	writeJSON(c, http.StatusOK, gin.H{
		"courses":      s.deps.Catalog.Outline(),
		"lesson_count": s.deps.Catalog.LessonCount(),
	})
}

func (s *Server) handleGetLesson(c *gin.Context) {
	id, err := strconv.Atoi(c.Param("id"))
	if err != nil || id <= 0 {
		writeJSONError(c, http.StatusBadRequest, CodeInvalidRequest, "invalid lesson id")
		return
	}
	wallet, _ := handlers.WalletFrom(c)
	view, err := s.deps.GetLesson.Handle(query.GetLessonQuery{LessonID: id, Wallet: wallet})
	if err != nil {
		writeError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, view)
}

func (s *Server) handleGetProgress(c *gin.Context) {
	owner, ok := ownerParam(c)
	if !ok {
		return
	}
	fresh, _ := strconv.ParseBool(c.Query("fresh"))
	view, err := s.deps.GetProgress.Handle(c.Request.Context(), query.GetProgressQuery{Owner: owner, Fresh: fresh})
	if err != nil {
		writeError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, view)
}

// ══════════════════════════════════════════════════════════════════════════════
// BADGE HANDLERS
// ══════════════════════════════════════════════════════════════════════════════

func (s *Server) handleIssueBadge(c *gin.Context) {
	var req IssueBadgeRequest
	if !bindJSON(c, &req) {
		return
	}
	wallet, _ := handlers.WalletFrom(c)
	if req.Owner.IsZero() {
		req.Owner = wallet
	}
	if req.Owner != wallet {
		writeJSONError(c, http.StatusForbidden, CodeForbidden, "badges can only be claimed by their owner")
		return
	}

	res, err := s.deps.IssueBadge.Handle(c.Request.Context(), command.IssueBadgeCommand{
		Owner:            req.Owner,
		LessonID:         req.LessonID,
		AdvanceSignature: req.AdvanceSignature,
		CorrelationID:    handlers.RequestIDFrom(c),
	})
	if err != nil {
		writeError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, res)
}

func (s *Server) handleListBadges(c *gin.Context) {
	owner, ok := ownerParam(c)
	if !ok {
		return
	}
	list, err := s.deps.Achievements.ListByOwner(c.Request.Context(), owner)
	if err != nil {
		writeError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, gin.H{"owner": owner, "badges": list})
}

// ══════════════════════════════════════════════════════════════════════════════
// TUTOR CHAT HANDLER
// ══════════════════════════════════════════════════════════════════════════════

// handleChat answers 200 with either a reply or an advisory; collaborator
// failures never surface as HTTP errors.
func (s *Server) handleChat(c *gin.Context) {
	var req ChatRequest
	if !bindJSON(c, &req) {
		return
	}
	wallet, _ := handlers.WalletFrom(c)
	res, err := s.deps.AskTutor.Handle(c.Request.Context(), command.AskTutorCommand{
		Wallet:   wallet,
		Messages: req.Messages,
		LessonID: req.LessonID,
		Subject:  req.Subject,
	})
	if err != nil {
		writeError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, res)
}

// ══════════════════════════════════════════════════════════════════════════════
// HELPERS
// ══════════════════════════════════════════════════════════════════════════════

func bindJSON(c *gin.Context, dst interface{}) bool {
	if err := c.ShouldBindJSON(dst); err != nil {
		writeJSONErrorWithDetails(c, http.StatusBadRequest, CodeInvalidRequest, "invalid request body", err.Error())
		return false
	}
	return true
}

func ownerParam(c *gin.Context) (identity.PublicKey, bool) {
	owner, err := identity.ParsePublicKey(c.Param("owner"))
	if err != nil {
		writeJSONError(c, http.StatusBadRequest, CodeInvalidRequest, "invalid owner address")
		return identity.PublicKey{}, false
	}
	return owner, true
}
