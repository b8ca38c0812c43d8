package models

import "time"

// StudentCategory distinguishes billing and class eligibility groups.
type StudentCategory string

const (
	StudentCategoryAdult StudentCategory = "ADULT"
	StudentCategoryChild StudentCategory = "CHILD"
)

// Student represents an enrolled member of the academy.
type Student struct {
	ID               string          `db:"id" json:"id"`
	OrganizationID   string          `db:"organization_id" json:"organization_id"`
	UserID           string          `db:"user_id" json:"user_id"`
	Category         StudentCategory `db:"category" json:"category"`
	EnrollmentDate   time.Time       `db:"enrollment_date" json:"enrollment_date"`
	EmergencyContact *string         `db:"emergency_contact" json:"emergency_contact,omitempty"`
	BirthDate        *time.Time      `db:"birth_date" json:"birth_date,omitempty"`
	Active           bool            `db:"active" json:"active"`
	CreatedAt        time.Time       `db:"created_at" json:"created_at"`
	UpdatedAt        time.Time       `db:"updated_at" json:"updated_at"`
}

// StudentDetail enriches Student with data from the linked user profile.
type StudentDetail struct {
	Student
	FullName string `db:"full_name" json:"full_name"`
	Email    string `db:"email" json:"email"`
	Phone    string `db:"phone" json:"phone"`
}

// StudentFilter encapsulates allowed search parameters for listing students.
type StudentFilter struct {
	OrganizationID string
	Search         string
	Category       StudentCategory
	Active         *bool
	Page           int
	PageSize       int
	SortBy         string
	SortOrder      string
}
