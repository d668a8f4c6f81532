package catalog

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tutorhub/tutor-ledger/internal/domain/shared"
)

func sampleCourses() []Course {
	return []Course{
		{ID: "web", Title: "Web", Lessons: []Lesson{
			{ID: 1, Title: "HTML", Type: LessonDocument, Content: "# HTML"},
			{ID: 2, Title: "JS", Type: LessonVideo},
		}},
		{ID: "chain", Title: "Chain", Lessons: []Lesson{
			{ID: 3, Title: "Consensus", Type: LessonChat},
		}},
	}
}

func TestNew_RejectsDuplicateLessons(t *testing.T) {
	courses := sampleCourses()
	courses[1].Lessons[0].ID = 2

	_, err := New(courses)
	assert.ErrorIs(t, err, shared.ErrAlreadyExists)
}

func TestNew_RejectsUnknownType(t *testing.T) {
	courses := sampleCourses()
	courses[0].Lessons[0].Type = "quiz"

	_, err := New(courses)
	assert.ErrorIs(t, err, shared.ErrInvalidInput)
}

func TestLessonLookup(t *testing.T) {
	c, err := New(sampleCourses())
	require.NoError(t, err)

	lesson, course, err := c.Lesson(3)
	require.NoError(t, err)
	assert.Equal(t, "Consensus", lesson.Title)
	assert.Equal(t, "chain", course.ID)

	_, _, err = c.Lesson(42)
	assert.ErrorIs(t, err, shared.ErrLessonNotFound)
	assert.Equal(t, 3, c.LessonCount())
}

func TestIsCompleted_FromLevel(t *testing.T) {
	assert.False(t, IsCompleted(1, 1))
	assert.True(t, IsCompleted(1, 2))
	assert.False(t, IsCompleted(2, 2))
	assert.True(t, IsCompleted(21, 22))
}

func TestDerive_RecomputesFromLevel(t *testing.T) {
	c, err := New(sampleCourses())
	require.NoError(t, err)

	view := c.Derive(3, map[int]bool{1: true})
	require.Len(t, view, 2)

	assert.Equal(t, 2, view[0].Completed)
	assert.True(t, view[0].Lessons[0].Badge)
	assert.False(t, view[0].Lessons[1].Badge)
	assert.Empty(t, view[0].Lessons[0].Lesson.Content)
	assert.Equal(t, 0, view[1].Completed)

	next, ok := c.NextLesson(3)
	require.True(t, ok)
	assert.Equal(t, 3, next.ID)

	_, ok = c.NextLesson(4)
	assert.False(t, ok)
}

func TestOutline_DoesNotMutateCatalog(t *testing.T) {
	c, err := New(sampleCourses())
	require.NoError(t, err)

	_ = c.Outline()
	lesson, _, err := c.Lesson(1)
	require.NoError(t, err)
	assert.Equal(t, "# HTML", lesson.Content)
}

func TestNextLevel_Saturates(t *testing.T) {
	lvl, ok := NextLevel(4)
	assert.True(t, ok)
	assert.Equal(t, uint8(5), lvl)

	_, ok = NextLevel(255)
	assert.False(t, ok)
}
