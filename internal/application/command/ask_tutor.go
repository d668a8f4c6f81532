package command

import (
	"context"
	"time"

	"github.com/tutorhub/tutor-ledger/internal/domain/catalog"
	"github.com/tutorhub/tutor-ledger/internal/domain/identity"
	"github.com/tutorhub/tutor-ledger/internal/domain/shared"
	"github.com/tutorhub/tutor-ledger/internal/domain/tutoring"
	"github.com/tutorhub/tutor-ledger/pkg/logger"
)

// ══════════════════════════════════════════════════════════════════════════════
// ASK TUTOR COMMAND
// Forwards a conversation to the text-generation collaborator with the
// learner's subject and current lesson as context. Collaborator failures
// become advisories; only malformed input is an error.
// ══════════════════════════════════════════════════════════════════════════════

// AskTutorCommand contains one chat turn request.
type AskTutorCommand struct {
	// Wallet is the signed-in learner.
	Wallet identity.PublicKey

	// Messages is the conversation so far, ending with the new user message.
	Messages []tutoring.Turn

	// LessonID selects the current topic; zero means none.
	LessonID int

	// Subject overrides the course title as the subject label.
	Subject string
}

// AskTutorResult contains the tutor's reply or the advisory explaining why
// there is none.
type AskTutorResult struct {
	Reply    string           `json:"reply,omitempty"`
	Advisory *shared.Advisory `json:"advisory,omitempty"`
	Subject  string           `json:"subject"`
	Topic    string           `json:"topic,omitempty"`
}

// AskTutorHandler handles AskTutorCommand.
type AskTutorHandler struct {
	generator tutoring.Generator
	catalog   *catalog.Catalog
	logger    *logger.Logger

	// Enabled gates chat per wallet; nil means always on.
	Enabled func(wallet identity.PublicKey) bool
}

// NewAskTutorHandler creates a new AskTutorHandler.
func NewAskTutorHandler(generator tutoring.Generator, cat *catalog.Catalog, log *logger.Logger) *AskTutorHandler {
	if log == nil {
		log = logger.Nop()
	}
	return &AskTutorHandler{
		generator: generator,
		catalog:   cat,
		logger:    log.With(logger.Component("ask_tutor")),
	}
}

// Handle executes the ask tutor command.
func (h *AskTutorHandler) Handle(ctx context.Context, cmd AskTutorCommand) (*AskTutorResult, error) {
	req := tutoring.Request{Turns: cmd.Messages, Subject: cmd.Subject}
	if cmd.LessonID != 0 {
		lesson, course, err := h.catalog.Lesson(cmd.LessonID)
		if err != nil {
			return nil, err
		}
		req.Topic = lesson.Title
		if req.Subject == "" {
			req.Subject = course.Title
		}
	}
	if req.Subject == "" {
		req.Subject = "General"
	}
	if err := req.Validate(); err != nil {
		return nil, err
	}

	result := &AskTutorResult{Subject: req.Subject, Topic: req.Topic}
	if h.Enabled != nil && !h.Enabled(cmd.Wallet) {
		advisory := shared.ChatAdvisory(shared.ErrServiceUnavailable)
		result.Advisory = &advisory
		return result, nil
	}

	start := time.Now()
	reply, err := h.generator.Generate(ctx, req)
	if err != nil {
		advisory := shared.ChatAdvisory(err)
		h.logger.Warn("tutor reply failed",
			logger.Owner(cmd.Wallet.String()),
			logger.String("advisory", string(advisory.Code)),
			logger.Err(err),
		)
		result.Advisory = &advisory
		return result, nil
	}

	h.logger.Debug("tutor replied",
		logger.Owner(cmd.Wallet.String()),
		logger.Int("turns", len(req.Turns)),
		logger.Latency(time.Since(start)),
	)
	result.Reply = reply
	return result, nil
}
