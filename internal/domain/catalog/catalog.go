// Package catalog holds the static course catalog and the progress view
// derived from a ledger record.
package catalog

import (
	"fmt"

	"github.com/tutorhub/tutor-ledger/internal/domain/shared"
)

// LessonType selects how a lesson is delivered.
type LessonType string

const (
	LessonDocument LessonType = "document"
	LessonVideo    LessonType = "video"
	LessonChat     LessonType = "chat"
)

// Lesson is one unit of learning. Completing it advances the level by one.
type Lesson struct {
	ID          int        `yaml:"id" json:"id"`
	Title       string     `yaml:"title" json:"title"`
	Description string     `yaml:"description" json:"description"`
	Type        LessonType `yaml:"type" json:"type"`
	Content     string     `yaml:"content" json:"content,omitempty"`
	VideoURL    string     `yaml:"video_url" json:"video_url,omitempty"`
	Duration    string     `yaml:"duration" json:"duration"`
}

// Course groups lessons under a subject.
type Course struct {
	ID          string   `yaml:"id" json:"id"`
	Title       string   `yaml:"title" json:"title"`
	Description string   `yaml:"description" json:"description"`
	Icon        string   `yaml:"icon" json:"icon"`
	Lessons     []Lesson `yaml:"lessons" json:"lessons"`
}

// Catalog is the full set of courses, indexed by lesson id.
type Catalog struct {
	courses  []Course
	byLesson map[int]lessonRef
}

type lessonRef struct {
	course int
	lesson int
}

// New indexes courses. Lesson ids must be unique and positive.
func New(courses []Course) (*Catalog, error) {
	c := &Catalog{courses: courses, byLesson: make(map[int]lessonRef)}
	seenCourse := make(map[string]bool)
	for ci, course := range courses {
		if course.ID == "" || seenCourse[course.ID] {
			return nil, shared.NewDomainError("catalog", "New", shared.ErrInvalidInput,
				fmt.Sprintf("course %d has an empty or duplicate id %q", ci, course.ID))
		}
		seenCourse[course.ID] = true
		for li, lesson := range course.Lessons {
			if lesson.ID <= 0 {
				return nil, shared.NewDomainError("catalog", "New", shared.ErrInvalidInput,
					fmt.Sprintf("lesson %q has non-positive id", lesson.Title))
			}
			if _, dup := c.byLesson[lesson.ID]; dup {
				return nil, shared.NewDomainError("catalog", "New", shared.ErrAlreadyExists,
					fmt.Sprintf("duplicate lesson id %d", lesson.ID))
			}
			switch lesson.Type {
			case LessonDocument, LessonVideo, LessonChat:
			default:
				return nil, shared.NewDomainError("catalog", "New", shared.ErrInvalidInput,
					fmt.Sprintf("lesson %d has unknown type %q", lesson.ID, lesson.Type))
			}
			c.byLesson[lesson.ID] = lessonRef{course: ci, lesson: li}
		}
	}
	return c, nil
}

// Courses returns all courses.
func (c *Catalog) Courses() []Course { return c.courses }

// Course finds a course by id.
func (c *Catalog) Course(id string) (Course, error) {
	for _, course := range c.courses {
		if course.ID == id {
			return course, nil
		}
	}
	return Course{}, shared.ErrCourseNotFound
}

// Lesson finds a lesson and its course.
func (c *Catalog) Lesson(id int) (Lesson, Course, error) {
	ref, ok := c.byLesson[id]
	if !ok {
		return Lesson{}, Course{}, shared.ErrLessonNotFound
	}
	course := c.courses[ref.course]
	return course.Lessons[ref.lesson], course, nil
}

// LessonCount is the total number of lessons.
func (c *Catalog) LessonCount() int { return len(c.byLesson) }

// Outline returns the courses without lesson bodies, for listing.
func (c *Catalog) Outline() []Course {
	out := make([]Course, len(c.courses))
	for i, course := range c.courses {
		course.Lessons = append([]Lesson(nil), course.Lessons...)
		for j := range course.Lessons {
			course.Lessons[j].Content = ""
		}
		out[i] = course
	}
	return out
}
