package models

import "time"

// Turma is a recurring class group (modality, instructor, default capacity).
type Turma struct {
	ID             string    `db:"id" json:"id"`
	OrganizationID string    `db:"organization_id" json:"organization_id"`
	Name           string    `db:"name" json:"name"`
	Modality       string    `db:"modality" json:"modality"`
	InstructorID   *string   `db:"instructor_id" json:"instructor_id,omitempty"`
	MaxStudents    int       `db:"max_students" json:"max_students"`
	AllowsTrial    bool      `db:"allows_trial" json:"allows_trial"`
	Active         bool      `db:"active" json:"active"`
	CreatedAt      time.Time `db:"created_at" json:"created_at"`
	UpdatedAt      time.Time `db:"updated_at" json:"updated_at"`
}

// LessonStatus is the lifecycle of a scheduled session.
type LessonStatus string

const (
	LessonStatusScheduled LessonStatus = "SCHEDULED"
	LessonStatusCompleted LessonStatus = "COMPLETED"
	LessonStatusCancelled LessonStatus = "CANCELLED"
)

// Lesson is a single scheduled session of a turma with fixed capacity.
// ReservedCount covers trial reservations and is guarded by a conditional
// update so it can never exceed MaxStudents.
type Lesson struct {
	ID            string       `db:"id" json:"id"`
	TurmaID       string       `db:"turma_id" json:"turma_id"`
	Title         *string      `db:"title" json:"title,omitempty"`
	ScheduledDate time.Time    `db:"scheduled_date" json:"scheduled_date"`
	DurationMin   int          `db:"duration_min" json:"duration_min"`
	MaxStudents   int          `db:"max_students" json:"max_students"`
	ReservedCount int          `db:"reserved_count" json:"reserved_count"`
	CheckedIn     int          `db:"checked_in" json:"checked_in"`
	Status        LessonStatus `db:"status" json:"status"`
	CreatedAt     time.Time    `db:"created_at" json:"created_at"`
	UpdatedAt     time.Time    `db:"updated_at" json:"updated_at"`
}

// EndTime derives the end of the session from its duration.
func (l Lesson) EndTime() time.Time {
	return l.ScheduledDate.Add(time.Duration(l.DurationMin) * time.Minute)
}

// LessonDetail enriches Lesson with turma context for listings.
type LessonDetail struct {
	Lesson
	TurmaName      string  `db:"turma_name" json:"turma_name"`
	Modality       string  `db:"modality" json:"modality"`
	InstructorName *string `db:"instructor_name" json:"instructor_name,omitempty"`
}

// TrialSlot is a bookable session shown on the public landing page.
type TrialSlot struct {
	LessonID   string  `json:"lesson_id"`
	Title      string  `json:"title"`
	StartTime  string  `json:"start_time"`
	EndTime    string  `json:"end_time"`
	Modality   string  `json:"modality"`
	TurmaName  string  `json:"turma_name"`
	Instructor *string `json:"instructor,omitempty"`
	SeatsLeft  int     `json:"seats_left"`
}

// LessonFilter narrows lesson listings.
type LessonFilter struct {
	OrganizationID string
	TurmaID        string
	Status         LessonStatus
	DateFrom       *time.Time
	DateTo         *time.Time
	Page           int
	PageSize       int
}
