package query

import (
	"github.com/tutorhub/tutor-ledger/internal/domain/catalog"
	"github.com/tutorhub/tutor-ledger/internal/domain/identity"
	"github.com/tutorhub/tutor-ledger/internal/domain/shared"
)

// ══════════════════════════════════════════════════════════════════════════════
// GET LESSON QUERY
// Returns lesson content. When the wallet gate is on, content is only served
// to a signed-in wallet; the outline stays public.
// ══════════════════════════════════════════════════════════════════════════════

// GetLessonQuery requests one lesson.
type GetLessonQuery struct {
	LessonID int

	// Wallet is the signed-in wallet; zero when anonymous.
	Wallet identity.PublicKey
}

// LessonView is a lesson with its course.
type LessonView struct {
	Lesson   catalog.Lesson `json:"lesson"`
	CourseID string         `json:"course_id"`
	Course   string         `json:"course"`
}

// GetLessonHandler handles GetLessonQuery.
type GetLessonHandler struct {
	catalog *catalog.Catalog

	// Gated reports whether content requires a wallet; nil means never.
	Gated func() bool
}

// NewGetLessonHandler creates a new GetLessonHandler.
func NewGetLessonHandler(cat *catalog.Catalog) *GetLessonHandler {
	return &GetLessonHandler{catalog: cat}
}

// Handle executes the query.
func (h *GetLessonHandler) Handle(q GetLessonQuery) (*LessonView, error) {
	lesson, course, err := h.catalog.Lesson(q.LessonID)
	if err != nil {
		return nil, err
	}
	if h.Gated != nil && h.Gated() && q.Wallet.IsZero() {
		return nil, shared.NewDomainError("catalog", "GetLesson", shared.ErrUnauthorized, "connect a wallet to open lessons")
	}
	return &LessonView{Lesson: lesson, CourseID: course.ID, Course: course.Title}, nil
}
