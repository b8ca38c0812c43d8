package models

import "time"

// AttendanceStatus marks presence for a lesson.
type AttendanceStatus string

const (
	AttendanceStatusPresent AttendanceStatus = "PRESENT"
	AttendanceStatusLate    AttendanceStatus = "LATE"
	AttendanceStatusAbsent  AttendanceStatus = "ABSENT"
)

// Valid reports whether the status is a known value.
func (s AttendanceStatus) Valid() bool {
	switch s {
	case AttendanceStatusPresent, AttendanceStatusLate, AttendanceStatusAbsent:
		return true
	}
	return false
}

// CheckInMethod records how the check-in was captured.
type CheckInMethod string

const (
	CheckInMethodManual CheckInMethod = "MANUAL"
	CheckInMethodQRCode CheckInMethod = "QR_CODE"
)

// Valid reports whether the method is a known value.
func (m CheckInMethod) Valid() bool {
	return m == CheckInMethodManual || m == CheckInMethodQRCode
}

// AttendanceRecord is one check-in (or explicit absence) per attendee and
// lesson. The attendee is either an enrolled student or a trial lead;
// exactly one of StudentID and LeadID is set. Uniqueness per lesson is
// enforced by partial unique indexes on (student_id, lesson_id) and
// (lead_id, lesson_id).
type AttendanceRecord struct {
	ID             string           `db:"id" json:"id"`
	OrganizationID string           `db:"organization_id" json:"organization_id"`
	StudentID      *string          `db:"student_id" json:"student_id,omitempty"`
	LeadID         *string          `db:"lead_id" json:"lead_id,omitempty"`
	LessonID       string           `db:"lesson_id" json:"lesson_id"`
	Status         AttendanceStatus `db:"status" json:"status"`
	CheckInTime    *time.Time       `db:"check_in_time" json:"check_in_time,omitempty"`
	Method         CheckInMethod    `db:"method" json:"method"`
	Location       *string          `db:"location" json:"location,omitempty"`
	Notes          *string          `db:"notes" json:"notes,omitempty"`
	CreatedAt      time.Time        `db:"created_at" json:"created_at"`
}

// AttendanceDetail enriches a record with attendee and lesson context.
type AttendanceDetail struct {
	AttendanceRecord
	AttendeeName string    `db:"attendee_name" json:"attendee_name"`
	TurmaName    string    `db:"turma_name" json:"turma_name"`
	LessonDate   time.Time `db:"lesson_date" json:"lesson_date"`
}

// AttendanceFilter narrows attendance listings.
type AttendanceFilter struct {
	OrganizationID string
	StudentID      string
	LeadID         string
	LessonID       string
	TurmaID        string
	Status         AttendanceStatus
	DateFrom       *time.Time
	DateTo         *time.Time
	Page           int
	PageSize       int
}
