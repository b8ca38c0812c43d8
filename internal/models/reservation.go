package models

import "time"

// ReservationStatus is the lifecycle of a trial reservation. A lead holds at
// most one PENDING reservation; ATTENDED and CANCELLED are terminal.
type ReservationStatus string

const (
	ReservationStatusPending   ReservationStatus = "PENDING"
	ReservationStatusAttended  ReservationStatus = "ATTENDED"
	ReservationStatusCancelled ReservationStatus = "CANCELLED"
)

// TrialReservation is a lead's claim on a seat in a scheduled lesson.
type TrialReservation struct {
	ID             string            `db:"id" json:"id"`
	OrganizationID string            `db:"organization_id" json:"organization_id"`
	LeadID         string            `db:"lead_id" json:"lead_id"`
	LessonID       string            `db:"lesson_id" json:"lesson_id"`
	ScheduledFor   time.Time         `db:"scheduled_for" json:"scheduled_for"`
	Status         ReservationStatus `db:"status" json:"status"`
	ResolvedAt     *time.Time        `db:"resolved_at" json:"resolved_at,omitempty"`
	CreatedAt      time.Time         `db:"created_at" json:"created_at"`
}
