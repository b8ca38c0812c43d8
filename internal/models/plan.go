package models

import "time"

// BillingType is the cadence a plan is charged on.
type BillingType string

const (
	BillingTypeMonthly   BillingType = "MONTHLY"
	BillingTypeQuarterly BillingType = "QUARTERLY"
	BillingTypeYearly    BillingType = "YEARLY"
	BillingTypeLifetime  BillingType = "LIFETIME"
)

// Valid reports whether the billing type is known.
func (b BillingType) Valid() bool {
	switch b {
	case BillingTypeMonthly, BillingTypeQuarterly, BillingTypeYearly, BillingTypeLifetime:
		return true
	}
	return false
}

// NextBillingDate returns the next charge date after from, or nil for
// LIFETIME plans.
func (b BillingType) NextBillingDate(from time.Time) *time.Time {
	var next time.Time
	switch b {
	case BillingTypeMonthly:
		next = from.AddDate(0, 1, 0)
	case BillingTypeQuarterly:
		next = from.AddDate(0, 3, 0)
	case BillingTypeYearly:
		next = from.AddDate(1, 0, 0)
	default:
		return nil
	}
	return &next
}

// BillingPlan is a priced recurring service offering.
type BillingPlan struct {
	ID             string           `db:"id" json:"id"`
	OrganizationID string           `db:"organization_id" json:"organization_id"`
	Name           string           `db:"name" json:"name"`
	Description    *string          `db:"description" json:"description,omitempty"`
	Category       *StudentCategory `db:"category" json:"category,omitempty"`
	Price          float64          `db:"price" json:"price"`
	BillingType    BillingType      `db:"billing_type" json:"billing_type"`
	ClassesPerWeek int              `db:"classes_per_week" json:"classes_per_week"`
	MaxClasses     *int             `db:"max_classes" json:"max_classes,omitempty"`
	Active         bool             `db:"active" json:"active"`
	CreatedAt      time.Time        `db:"created_at" json:"created_at"`
	UpdatedAt      time.Time        `db:"updated_at" json:"updated_at"`
}

// PlanFilter narrows plan listings.
type PlanFilter struct {
	OrganizationID string
	Category       StudentCategory
	Active         *bool
}
