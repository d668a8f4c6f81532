package http

import (
	"context"
	"encoding/base64"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/tutorhub/tutor-ledger/internal/domain/identity"
	"github.com/tutorhub/tutor-ledger/internal/domain/shared"
	"github.com/tutorhub/tutor-ledger/internal/ledger"
)

// ══════════════════════════════════════════════════════════════════════════════
// NODE RPC HANDLERS
// ══════════════════════════════════════════════════════════════════════════════

// SendTransactionRequest carries a base64 wire-encoded transaction.
type SendTransactionRequest struct {
	Transaction string `json:"transaction" binding:"required"`
}

// SendTransactionResponse is returned once the transaction is queued.
type SendTransactionResponse struct {
	Signature identity.Signature `json:"signature"`
}

func (s *Server) handleHead(c *gin.Context) {
	writeJSON(c, http.StatusOK, s.deps.Node.Head())
}

func (s *Server) handleLatestBlockhash(c *gin.Context) {
	info, err := s.deps.Node.LatestBlockhash(c.Request.Context())
	if err != nil {
		writeError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, info)
}

func (s *Server) handleSendTransaction(c *gin.Context) {
	var req SendTransactionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeJSONErrorWithDetails(c, http.StatusBadRequest, CodeInvalidRequest, "invalid request body", err.Error())
		return
	}
	raw, err := base64.StdEncoding.DecodeString(req.Transaction)
	if err != nil {
		writeJSONErrorWithDetails(c, http.StatusBadRequest, CodeInvalidTransaction, "transaction is not valid base64", err.Error())
		return
	}
	tx := new(ledger.Transaction)
	if err := tx.UnmarshalBinary(raw); err != nil {
		writeJSONErrorWithDetails(c, http.StatusBadRequest, CodeInvalidTransaction, "transaction does not decode", err.Error())
		return
	}

	sig, err := s.deps.Node.SendTransaction(c.Request.Context(), tx)
	switch {
	case err == nil:
		writeJSON(c, http.StatusAccepted, SendTransactionResponse{Signature: sig})
	case errors.Is(err, shared.ErrDuplicateTransaction):
		writeJSONErrorWithDetails(c, http.StatusConflict, CodeDuplicateTransaction, err.Error(), sig.String())
	case shared.IsValidation(err) && !errors.Is(err, shared.ErrBlockhashNotFound):
		writeJSONError(c, http.StatusBadRequest, CodeInvalidTransaction, err.Error())
	default:
		writeError(c, err)
	}
}

func (s *Server) handleSignatureStatus(c *gin.Context) {
	sig, ok := signatureParam(c)
	if !ok {
		return
	}
	st, err := s.deps.Node.SignatureStatus(c.Request.Context(), sig)
	if err != nil {
		writeError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, st)
}

// handleConfirmTransaction waits up to timeout_ms (capped by MaxConfirmWait)
// for the transaction to reach the requested commitment. A wait that runs out
// answers confirmation_pending so clients can poll again.
func (s *Server) handleConfirmTransaction(c *gin.Context) {
	sig, ok := signatureParam(c)
	if !ok {
		return
	}
	commitment, ok := commitmentParam(c)
	if !ok {
		return
	}

	wait := s.config.MaxConfirmWait
	if v := c.Query("timeout_ms"); v != "" {
		ms, err := strconv.ParseInt(v, 10, 64)
		if err != nil || ms <= 0 {
			writeJSONError(c, http.StatusBadRequest, CodeInvalidRequest, "timeout_ms must be a positive integer")
			return
		}
		if d := time.Duration(ms) * time.Millisecond; d < wait {
			wait = d
		}
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), wait)
	defer cancel()

	st, err := s.deps.Node.ConfirmTransaction(ctx, sig, commitment)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) && c.Request.Context().Err() == nil {
			writeJSONErrorWithDetails(c, http.StatusGatewayTimeout, CodeConfirmationPending,
				"transaction has not reached "+string(commitment), sig.String())
			return
		}
		writeError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, st)
}

func (s *Server) handleGetAccount(c *gin.Context) {
	addr, err := identity.ParsePublicKey(c.Param("address"))
	if err != nil {
		writeJSONError(c, http.StatusBadRequest, CodeInvalidRequest, "invalid address")
		return
	}
	commitment, ok := commitmentParam(c)
	if !ok {
		return
	}
	acc, err := s.deps.Node.Account(c.Request.Context(), addr, commitment)
	if err != nil {
		writeError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, acc)
}

func (s *Server) handleGetBlock(c *gin.Context) {
	slot, err := strconv.ParseUint(c.Param("slot"), 10, 64)
	if err != nil {
		writeJSONError(c, http.StatusBadRequest, CodeInvalidRequest, "invalid slot")
		return
	}
	blk, err := s.deps.Node.Block(c.Request.Context(), slot)
	if err != nil {
		writeError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, blk)
}

// ══════════════════════════════════════════════════════════════════════════════
// PARAMETER HELPERS
// ══════════════════════════════════════════════════════════════════════════════

func signatureParam(c *gin.Context) (identity.Signature, bool) {
	sig, err := identity.ParseSignature(c.Param("signature"))
	if err != nil {
		writeJSONError(c, http.StatusBadRequest, CodeInvalidRequest, "invalid signature")
		return identity.Signature{}, false
	}
	return sig, true
}

func commitmentParam(c *gin.Context) (ledger.Commitment, bool) {
	commitment, err := ledger.ParseCommitment(c.Query("commitment"))
	if err != nil {
		writeJSONError(c, http.StatusBadRequest, CodeInvalidRequest, err.Error())
		return "", false
	}
	return commitment, true
}
