package models

import "time"

// SubscriptionStatus is the lifecycle of a student's subscription.
// CANCELLED is terminal; FROZEN can resume back to ACTIVE.
type SubscriptionStatus string

const (
	SubscriptionStatusActive    SubscriptionStatus = "ACTIVE"
	SubscriptionStatusFrozen    SubscriptionStatus = "FROZEN"
	SubscriptionStatusCancelled SubscriptionStatus = "CANCELLED"
	SubscriptionStatusCompleted SubscriptionStatus = "COMPLETED"
)

// Subscription links a student to a billing plan, snapshotting the plan
// price at creation time. CurrentPrice never changes retroactively when the
// plan is repriced.
type Subscription struct {
	ID              string             `db:"id" json:"id"`
	OrganizationID  string             `db:"organization_id" json:"organization_id"`
	StudentID       string             `db:"student_id" json:"student_id"`
	PlanID          string             `db:"plan_id" json:"plan_id"`
	Status          SubscriptionStatus `db:"status" json:"status"`
	CurrentPrice    float64            `db:"current_price" json:"current_price"`
	BillingType     BillingType        `db:"billing_type" json:"billing_type"`
	StartDate       time.Time          `db:"start_date" json:"start_date"`
	EndDate         *time.Time         `db:"end_date" json:"end_date,omitempty"`
	NextBillingDate *time.Time         `db:"next_billing_date" json:"next_billing_date,omitempty"`
	CancelledAt     *time.Time         `db:"cancelled_at" json:"cancelled_at,omitempty"`
	CreatedAt       time.Time          `db:"created_at" json:"created_at"`
	UpdatedAt       time.Time          `db:"updated_at" json:"updated_at"`
}

// SubscriptionDetail enriches a subscription with plan and student context.
type SubscriptionDetail struct {
	Subscription
	PlanName    string `db:"plan_name" json:"plan_name"`
	StudentName string `db:"student_name" json:"student_name"`
}

// SubscriptionFilter narrows subscription listings.
type SubscriptionFilter struct {
	OrganizationID string
	StudentID      string
	Status         SubscriptionStatus
	Page           int
	PageSize       int
}
