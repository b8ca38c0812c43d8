package repository

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/tatamihq/dojo-api/internal/models"
)

// ErrActiveSubscriptionExists is returned when the student already holds an
// ACTIVE subscription at insert time.
var ErrActiveSubscriptionExists = errors.New("student already has an active subscription")

// SubscriptionRepository handles persistence of subscriptions.
type SubscriptionRepository struct {
	db *sqlx.DB
}

// NewSubscriptionRepository constructs the repository.
func NewSubscriptionRepository(db *sqlx.DB) *SubscriptionRepository {
	return &SubscriptionRepository{db: db}
}

const subscriptionColumns = `id, organization_id, student_id, plan_id, status, current_price, billing_type,
	start_date, end_date, next_billing_date, cancelled_at, created_at, updated_at`

// CreateIfNoActive inserts the subscription only when the student holds no
// ACTIVE one. The guard is a single INSERT ... SELECT ... WHERE NOT EXISTS
// statement, so the existence check and the insert cannot interleave with a
// concurrent request; the schema's partial unique index on (student_id)
// WHERE status = 'ACTIVE' backs the same invariant.
func (r *SubscriptionRepository) CreateIfNoActive(ctx context.Context, sub *models.Subscription) error {
	if sub.ID == "" {
		sub.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	sub.CreatedAt = now
	sub.UpdatedAt = now
	if sub.Status == "" {
		sub.Status = models.SubscriptionStatusActive
	}

	const query = `INSERT INTO subscriptions (id, organization_id, student_id, plan_id, status, current_price, billing_type, start_date, end_date, next_billing_date, created_at, updated_at)
		SELECT $1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12
		WHERE NOT EXISTS (
			SELECT 1 FROM subscriptions WHERE student_id = $3 AND status = $13
		)`
	res, err := r.db.ExecContext(ctx, query,
		sub.ID, sub.OrganizationID, sub.StudentID, sub.PlanID, sub.Status,
		sub.CurrentPrice, sub.BillingType, sub.StartDate, sub.EndDate,
		sub.NextBillingDate, sub.CreatedAt, sub.UpdatedAt,
		models.SubscriptionStatusActive)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code.Name() == "unique_violation" {
			return ErrActiveSubscriptionExists
		}
		return fmt.Errorf("create subscription: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("create subscription: %w", err)
	}
	if affected == 0 {
		return ErrActiveSubscriptionExists
	}
	return nil
}

// FindByID returns a subscription by its ID.
func (r *SubscriptionRepository) FindByID(ctx context.Context, id string) (*models.Subscription, error) {
	query := fmt.Sprintf("SELECT %s FROM subscriptions WHERE id = $1", subscriptionColumns)
	var sub models.Subscription
	if err := r.db.GetContext(ctx, &sub, query, id); err != nil {
		return nil, err
	}
	return &sub, nil
}

// FindDetailByID returns a subscription with plan and student context.
func (r *SubscriptionRepository) FindDetailByID(ctx context.Context, id string) (*models.SubscriptionDetail, error) {
	const query = `SELECT sub.id, sub.organization_id, sub.student_id, sub.plan_id, sub.status,
		sub.current_price, sub.billing_type, sub.start_date, sub.end_date, sub.next_billing_date,
		sub.cancelled_at, sub.created_at, sub.updated_at,
		p.name AS plan_name, u.full_name AS student_name
		FROM subscriptions sub
		JOIN billing_plans p ON p.id = sub.plan_id
		JOIN students s ON s.id = sub.student_id
		JOIN users u ON u.id = s.user_id
		WHERE sub.id = $1`
	var detail models.SubscriptionDetail
	if err := r.db.GetContext(ctx, &detail, query, id); err != nil {
		return nil, err
	}
	return &detail, nil
}

// List returns subscriptions filtered by the provided criteria.
func (r *SubscriptionRepository) List(ctx context.Context, filter models.SubscriptionFilter) ([]models.SubscriptionDetail, int, error) {
	base := ` FROM subscriptions sub
		JOIN billing_plans p ON p.id = sub.plan_id
		JOIN students s ON s.id = sub.student_id
		JOIN users u ON u.id = s.user_id`
	conditions := []string{"sub.organization_id = $1"}
	args := []interface{}{filter.OrganizationID}

	if filter.StudentID != "" {
		conditions = append(conditions, fmt.Sprintf("sub.student_id = $%d", len(args)+1))
		args = append(args, filter.StudentID)
	}
	if filter.Status != "" {
		conditions = append(conditions, fmt.Sprintf("sub.status = $%d", len(args)+1))
		args = append(args, filter.Status)
	}
	clause := " WHERE " + strings.Join(conditions, " AND ")

	page := filter.Page
	if page < 1 {
		page = 1
	}
	size := filter.PageSize
	if size <= 0 || size > 100 {
		size = 20
	}
	offset := (page - 1) * size

	query := fmt.Sprintf(`SELECT sub.id, sub.organization_id, sub.student_id, sub.plan_id, sub.status,
		sub.current_price, sub.billing_type, sub.start_date, sub.end_date, sub.next_billing_date,
		sub.cancelled_at, sub.created_at, sub.updated_at,
		p.name AS plan_name, u.full_name AS student_name
		%s ORDER BY sub.created_at DESC LIMIT %d OFFSET %d`, base+clause, size, offset)

	var subs []models.SubscriptionDetail
	if err := r.db.SelectContext(ctx, &subs, query, args...); err != nil {
		return nil, 0, fmt.Errorf("list subscriptions: %w", err)
	}

	countQuery := "SELECT COUNT(*)" + base + clause
	var total int
	if err := r.db.GetContext(ctx, &total, countQuery, args...); err != nil {
		return nil, 0, fmt.Errorf("count subscriptions: %w", err)
	}
	return subs, total, nil
}

// UpdateStatus moves a subscription between statuses, guarded by the
// expected current status. Reports false when the guard did not match.
func (r *SubscriptionRepository) UpdateStatus(ctx context.Context, id string, from, to models.SubscriptionStatus, ts time.Time) (bool, error) {
	set := "status = $3, updated_at = $4"
	if to == models.SubscriptionStatusCancelled {
		set += ", cancelled_at = $4"
	}
	query := fmt.Sprintf("UPDATE subscriptions SET %s WHERE id = $1 AND status = $2", set)
	res, err := r.db.ExecContext(ctx, query, id, from, to, ts)
	if err != nil {
		return false, fmt.Errorf("update subscription status: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("update subscription status: %w", err)
	}
	return affected == 1, nil
}

// ReactivateIfNoActive flips a FROZEN subscription back to ACTIVE only when
// the student holds no other ACTIVE one. The guard lives in the same UPDATE
// statement, so a resume cannot race a concurrent enrollment past the
// single-active rule; the partial unique index backs it, and its violation
// maps to ErrActiveSubscriptionExists. Reports false when the subscription
// is no longer FROZEN or another ACTIVE row exists.
func (r *SubscriptionRepository) ReactivateIfNoActive(ctx context.Context, id string, ts time.Time) (bool, error) {
	const query = `UPDATE subscriptions SET status = $3, updated_at = $2
		WHERE id = $1 AND status = $4
		AND NOT EXISTS (
			SELECT 1 FROM subscriptions other
			WHERE other.student_id = subscriptions.student_id
			AND other.status = $3 AND other.id <> subscriptions.id
		)`
	res, err := r.db.ExecContext(ctx, query, id, ts,
		models.SubscriptionStatusActive, models.SubscriptionStatusFrozen)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code.Name() == "unique_violation" {
			return false, ErrActiveSubscriptionExists
		}
		return false, fmt.Errorf("reactivate subscription: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("reactivate subscription: %w", err)
	}
	return affected == 1, nil
}

// ActiveRevenue sums current_price of ACTIVE subscriptions, normalised to a
// monthly figure per billing cadence.
func (r *SubscriptionRepository) ActiveRevenue(ctx context.Context, organizationID string) (float64, error) {
	const query = `SELECT COALESCE(SUM(
			CASE billing_type
				WHEN 'QUARTERLY' THEN current_price / 3
				WHEN 'YEARLY' THEN current_price / 12
				ELSE current_price
			END), 0)
		FROM subscriptions WHERE organization_id = $1 AND status = $2`
	var revenue float64
	if err := r.db.GetContext(ctx, &revenue, query, organizationID, models.SubscriptionStatusActive); err != nil {
		return 0, fmt.Errorf("active revenue: %w", err)
	}
	return revenue, nil
}
