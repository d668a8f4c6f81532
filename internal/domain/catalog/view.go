package catalog

import "github.com/tutorhub/tutor-ledger/internal/domain/progress"

// IsCompleted reports whether level accounts for lesson id. Level 1 means no
// lessons; each completed lesson adds one.
func IsCompleted(lessonID int, level uint8) bool {
	return lessonID <= int(level)-int(progress.InitialLevel)
}

// NextLevel is the level reached by completing one more lesson.
func NextLevel(level uint8) (uint8, bool) {
	if level == 255 {
		return level, false
	}
	return level + 1, true
}

// LessonProgress is a lesson with its derived completion state.
type LessonProgress struct {
	Lesson    Lesson `json:"lesson"`
	CourseID  string `json:"course_id"`
	Completed bool   `json:"completed"`
	Badge     bool   `json:"badge"`
}

// CourseProgress summarizes one course.
type CourseProgress struct {
	Course    Course           `json:"course"`
	Lessons   []LessonProgress `json:"lessons"`
	Completed int              `json:"completed"`
	Total     int              `json:"total"`
}

// Derive recomputes per-lesson state from a record level and the set of
// lessons with minted badges. Nothing here is stored; callers rebuild it
// after every read.
func (c *Catalog) Derive(level uint8, badges map[int]bool) []CourseProgress {
	out := make([]CourseProgress, 0, len(c.courses))
	for _, course := range c.Outline() {
		cp := CourseProgress{Course: course, Total: len(course.Lessons)}
		for _, lesson := range course.Lessons {
			done := IsCompleted(lesson.ID, level)
			if done {
				cp.Completed++
			}
			cp.Lessons = append(cp.Lessons, LessonProgress{
				Lesson:    lesson,
				CourseID:  course.ID,
				Completed: done,
				Badge:     badges[lesson.ID],
			})
		}
		cp.Course.Lessons = nil
		out = append(out, cp)
	}
	return out
}

// NextLesson returns the first lesson not yet completed at level.
func (c *Catalog) NextLesson(level uint8) (Lesson, bool) {
	for _, course := range c.courses {
		for _, lesson := range course.Lessons {
			if !IsCompleted(lesson.ID, level) {
				return lesson, true
			}
		}
	}
	return Lesson{}, false
}
