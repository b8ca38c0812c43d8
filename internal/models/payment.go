package models

import "time"

// PaymentStatus is the settlement state of a payment.
type PaymentStatus string

const (
	PaymentStatusPaid    PaymentStatus = "PAID"
	PaymentStatusPending PaymentStatus = "PENDING"
	PaymentStatusFailed  PaymentStatus = "FAILED"
)

// PaymentMethod records how a payment was made.
type PaymentMethod string

const (
	PaymentMethodCash       PaymentMethod = "CASH"
	PaymentMethodCard       PaymentMethod = "CARD"
	PaymentMethodPix        PaymentMethod = "PIX"
	PaymentMethodBankTransf PaymentMethod = "BANK_TRANSFER"
)

// Valid reports whether the method is known.
func (m PaymentMethod) Valid() bool {
	switch m {
	case PaymentMethodCash, PaymentMethodCard, PaymentMethodPix, PaymentMethodBankTransf:
		return true
	}
	return false
}

// Payment is a billing event against a subscription. Immutable once PAID.
// Recording a payment never changes the subscription's status.
type Payment struct {
	ID             string        `db:"id" json:"id"`
	OrganizationID string        `db:"organization_id" json:"organization_id"`
	SubscriptionID string        `db:"subscription_id" json:"subscription_id"`
	Amount         float64       `db:"amount" json:"amount"`
	Method         PaymentMethod `db:"method" json:"method"`
	Status         PaymentStatus `db:"status" json:"status"`
	PaidAt         *time.Time    `db:"paid_at" json:"paid_at,omitempty"`
	Notes          *string       `db:"notes" json:"notes,omitempty"`
	CreatedAt      time.Time     `db:"created_at" json:"created_at"`
}
