package repository

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/tatamihq/dojo-api/internal/models"
)

// PlanRepository provides database access for billing plans.
type PlanRepository struct {
	db *sqlx.DB
}

// NewPlanRepository constructs the repository.
func NewPlanRepository(db *sqlx.DB) *PlanRepository {
	return &PlanRepository{db: db}
}

const planColumns = `id, organization_id, name, description, category, price, billing_type, classes_per_week, max_classes, active, created_at, updated_at`

// List returns plans filtered by the provided criteria.
func (r *PlanRepository) List(ctx context.Context, filter models.PlanFilter) ([]models.BillingPlan, error) {
	conditions := []string{"organization_id = $1"}
	args := []interface{}{filter.OrganizationID}

	if filter.Category != "" {
		conditions = append(conditions, fmt.Sprintf("category = $%d", len(args)+1))
		args = append(args, filter.Category)
	}
	if filter.Active != nil {
		conditions = append(conditions, fmt.Sprintf("active = $%d", len(args)+1))
		args = append(args, *filter.Active)
	}

	query := fmt.Sprintf("SELECT %s FROM billing_plans WHERE %s ORDER BY price ASC",
		planColumns, strings.Join(conditions, " AND "))
	var plans []models.BillingPlan
	if err := r.db.SelectContext(ctx, &plans, query, args...); err != nil {
		return nil, fmt.Errorf("list plans: %w", err)
	}
	return plans, nil
}

// FindByID returns a plan by identifier.
func (r *PlanRepository) FindByID(ctx context.Context, id string) (*models.BillingPlan, error) {
	query := fmt.Sprintf("SELECT %s FROM billing_plans WHERE id = $1 LIMIT 1", planColumns)
	var plan models.BillingPlan
	if err := r.db.GetContext(ctx, &plan, query, id); err != nil {
		return nil, err
	}
	return &plan, nil
}

// Create inserts a new plan.
func (r *PlanRepository) Create(ctx context.Context, plan *models.BillingPlan) error {
	if plan.ID == "" {
		plan.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	plan.CreatedAt = now
	plan.UpdatedAt = now

	const query = `INSERT INTO billing_plans (id, organization_id, name, description, category, price, billing_type, classes_per_week, max_classes, active, created_at, updated_at)
		VALUES (:id, :organization_id, :name, :description, :category, :price, :billing_type, :classes_per_week, :max_classes, :active, :created_at, :updated_at)`
	if _, err := r.db.NamedExecContext(ctx, query, plan); err != nil {
		return fmt.Errorf("create plan: %w", err)
	}
	return nil
}

// Update updates mutable plan fields. Existing subscriptions keep their
// snapshotted price; the change applies to new sign-ups only.
func (r *PlanRepository) Update(ctx context.Context, plan *models.BillingPlan) error {
	plan.UpdatedAt = time.Now().UTC()
	const query = `UPDATE billing_plans SET name = :name, description = :description, category = :category,
		price = :price, billing_type = :billing_type, classes_per_week = :classes_per_week,
		max_classes = :max_classes, active = :active, updated_at = :updated_at
		WHERE id = :id`
	if _, err := r.db.NamedExecContext(ctx, query, plan); err != nil {
		return fmt.Errorf("update plan: %w", err)
	}
	return nil
}

// Deactivate soft deletes a plan so it stops appearing for new sign-ups.
func (r *PlanRepository) Deactivate(ctx context.Context, id string) error {
	const query = `UPDATE billing_plans SET active = FALSE, updated_at = $2 WHERE id = $1`
	if _, err := r.db.ExecContext(ctx, query, id, time.Now().UTC()); err != nil {
		return fmt.Errorf("deactivate plan: %w", err)
	}
	return nil
}
