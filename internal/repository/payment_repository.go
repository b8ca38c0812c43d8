package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/tatamihq/dojo-api/internal/models"
)

// PaymentRepository handles persistence of subscription payments.
type PaymentRepository struct {
	db *sqlx.DB
}

// NewPaymentRepository constructs the repository.
func NewPaymentRepository(db *sqlx.DB) *PaymentRepository {
	return &PaymentRepository{db: db}
}

const paymentColumns = `id, organization_id, subscription_id, amount, method, status, paid_at, notes, created_at`

// Create inserts a payment row.
func (r *PaymentRepository) Create(ctx context.Context, payment *models.Payment) error {
	if payment.ID == "" {
		payment.ID = uuid.NewString()
	}
	if payment.CreatedAt.IsZero() {
		payment.CreatedAt = time.Now().UTC()
	}

	const query = `INSERT INTO payments (id, organization_id, subscription_id, amount, method, status, paid_at, notes, created_at)
		VALUES (:id, :organization_id, :subscription_id, :amount, :method, :status, :paid_at, :notes, :created_at)`
	if _, err := r.db.NamedExecContext(ctx, query, payment); err != nil {
		return fmt.Errorf("create payment: %w", err)
	}
	return nil
}

// FindByID returns a payment by its ID.
func (r *PaymentRepository) FindByID(ctx context.Context, id string) (*models.Payment, error) {
	query := fmt.Sprintf("SELECT %s FROM payments WHERE id = $1", paymentColumns)
	var payment models.Payment
	if err := r.db.GetContext(ctx, &payment, query, id); err != nil {
		return nil, err
	}
	return &payment, nil
}

// ListBySubscription returns payments for a subscription, newest first.
func (r *PaymentRepository) ListBySubscription(ctx context.Context, subscriptionID string) ([]models.Payment, error) {
	query := fmt.Sprintf("SELECT %s FROM payments WHERE subscription_id = $1 ORDER BY created_at DESC", paymentColumns)
	var payments []models.Payment
	if err := r.db.SelectContext(ctx, &payments, query, subscriptionID); err != nil {
		return nil, fmt.Errorf("list payments: %w", err)
	}
	return payments, nil
}

// UpdateStatus settles or fails a pending payment.
func (r *PaymentRepository) UpdateStatus(ctx context.Context, id string, status models.PaymentStatus, paidAt *time.Time) error {
	const query = `UPDATE payments SET status = $2, paid_at = $3 WHERE id = $1`
	if _, err := r.db.ExecContext(ctx, query, id, status, paidAt); err != nil {
		return fmt.Errorf("update payment status: %w", err)
	}
	return nil
}

// PaidBetween returns settled payments inside [from, to) for revenue reports.
func (r *PaymentRepository) PaidBetween(ctx context.Context, organizationID string, from, to time.Time) ([]models.Payment, error) {
	query := fmt.Sprintf(`SELECT %s FROM payments
		WHERE organization_id = $1 AND status = $2 AND paid_at >= $3 AND paid_at < $4
		ORDER BY paid_at ASC`, paymentColumns)
	var payments []models.Payment
	if err := r.db.SelectContext(ctx, &payments, query, organizationID, models.PaymentStatusPaid, from, to); err != nil {
		return nil, fmt.Errorf("list paid payments: %w", err)
	}
	return payments, nil
}
