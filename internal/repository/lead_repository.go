package repository

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/tatamihq/dojo-api/internal/models"
)

// LeadRepository handles persistence of leads and their activity feed.
type LeadRepository struct {
	db *sqlx.DB
}

// NewLeadRepository constructs the repository.
func NewLeadRepository(db *sqlx.DB) *LeadRepository {
	return &LeadRepository{db: db}
}

const leadColumns = `id, organization_id, name, email, phone, stage, source, tags, notes,
	converted_student_id, first_contact_at, trial_scheduled_at, trial_attended_at,
	converted_at, lost_at, created_at, updated_at`

// List returns leads filtered by the provided criteria.
func (r *LeadRepository) List(ctx context.Context, filter models.LeadFilter) ([]models.Lead, int, error) {
	conditions := []string{"organization_id = $1"}
	args := []interface{}{filter.OrganizationID}

	if filter.Stage != "" {
		conditions = append(conditions, fmt.Sprintf("stage = $%d", len(args)+1))
		args = append(args, filter.Stage)
	}
	if filter.Search != "" {
		conditions = append(conditions, fmt.Sprintf("(name ILIKE $%d OR email ILIKE $%d OR phone ILIKE $%d)", len(args)+1, len(args)+1, len(args)+1))
		args = append(args, "%"+filter.Search+"%")
	}
	clause := " WHERE " + strings.Join(conditions, " AND ")

	allowedSorts := map[string]string{
		"created_at": "created_at",
		"name":       "name",
		"stage":      "stage",
	}
	orderBy := allowedSorts[filter.SortBy]
	if orderBy == "" {
		orderBy = "created_at"
	}
	order := strings.ToUpper(filter.SortOrder)
	if order != "ASC" && order != "DESC" {
		order = "DESC"
	}
	page := filter.Page
	if page < 1 {
		page = 1
	}
	size := filter.PageSize
	if size <= 0 || size > 100 {
		size = 20
	}
	offset := (page - 1) * size

	query := fmt.Sprintf("SELECT %s FROM leads%s ORDER BY %s %s LIMIT %d OFFSET %d",
		leadColumns, clause, orderBy, order, size, offset)

	var leads []models.Lead
	if err := r.db.SelectContext(ctx, &leads, query, args...); err != nil {
		return nil, 0, fmt.Errorf("list leads: %w", err)
	}

	countQuery := "SELECT COUNT(*) FROM leads" + clause
	var total int
	if err := r.db.GetContext(ctx, &total, countQuery, args...); err != nil {
		return nil, 0, fmt.Errorf("count leads: %w", err)
	}
	return leads, total, nil
}

// FindByID returns a lead by its ID.
func (r *LeadRepository) FindByID(ctx context.Context, id string) (*models.Lead, error) {
	query := fmt.Sprintf("SELECT %s FROM leads WHERE id = $1", leadColumns)
	var lead models.Lead
	if err := r.db.GetContext(ctx, &lead, query, id); err != nil {
		return nil, err
	}
	return &lead, nil
}

// FindPublicInfo returns the landing-page view of a lead with org branding.
func (r *LeadRepository) FindPublicInfo(ctx context.Context, id string) (*models.PublicLeadInfo, error) {
	const query = `SELECT l.id, l.name, l.stage,
		o.name AS org_name, o.slug, o.primary_color, o.secondary_color, o.logo_url
		FROM leads l
		JOIN organizations o ON o.id = l.organization_id
		WHERE l.id = $1`
	row := r.db.QueryRowxContext(ctx, query, id)
	var info models.PublicLeadInfo
	if err := row.Scan(&info.ID, &info.Name, &info.Stage,
		&info.Organization.Name, &info.Organization.Slug,
		&info.Organization.PrimaryColor, &info.Organization.SecondaryColor,
		&info.Organization.LogoURL); err != nil {
		return nil, err
	}
	return &info, nil
}

// Create persists a new lead record.
func (r *LeadRepository) Create(ctx context.Context, lead *models.Lead) error {
	if lead.ID == "" {
		lead.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	lead.CreatedAt = now
	lead.UpdatedAt = now
	if lead.Stage == "" {
		lead.Stage = models.LeadStageNew
	}
	const query = `INSERT INTO leads (id, organization_id, name, email, phone, stage, source, tags, notes, created_at, updated_at)
		VALUES (:id, :organization_id, :name, :email, :phone, :stage, :source, :tags, :notes, :created_at, :updated_at)`
	if _, err := r.db.NamedExecContext(ctx, query, lead); err != nil {
		return fmt.Errorf("create lead: %w", err)
	}
	return nil
}

// Update modifies contact fields of a lead. Stage moves go through
// UpdateStage so the transition guard cannot be bypassed.
func (r *LeadRepository) Update(ctx context.Context, lead *models.Lead) error {
	lead.UpdatedAt = time.Now().UTC()
	const query = `UPDATE leads SET name = :name, email = :email, phone = :phone,
		source = :source, tags = :tags, notes = :notes, updated_at = :updated_at
		WHERE id = :id`
	if _, err := r.db.NamedExecContext(ctx, query, lead); err != nil {
		return fmt.Errorf("update lead: %w", err)
	}
	return nil
}

// UpdateStage moves a lead to a new stage, guarded by the expected current
// stage so concurrent writers cannot race past the transition table. The
// stage-specific timestamp column, when provided, is set to ts.
func (r *LeadRepository) UpdateStage(ctx context.Context, id string, from, to models.LeadStage, ts time.Time) (bool, error) {
	set := "stage = $3, updated_at = $4"
	switch to {
	case models.LeadStageContacted:
		set += ", first_contact_at = COALESCE(first_contact_at, $4)"
	case models.LeadStageTrialScheduled:
		set += ", trial_scheduled_at = $4"
	case models.LeadStageTrialAttended:
		set += ", trial_attended_at = COALESCE(trial_attended_at, $4)"
	case models.LeadStageLost:
		set += ", lost_at = $4"
	}
	query := fmt.Sprintf("UPDATE leads SET %s WHERE id = $1 AND stage = $2", set)
	res, err := r.db.ExecContext(ctx, query, id, from, to, ts)
	if err != nil {
		return false, fmt.Errorf("update lead stage: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("update lead stage: %w", err)
	}
	return affected == 1, nil
}

// Delete removes a lead. Administrative use only; the normal lifecycle ends
// in CONVERTED or LOST.
func (r *LeadRepository) Delete(ctx context.Context, id string) error {
	if _, err := r.db.ExecContext(ctx, `DELETE FROM leads WHERE id = $1`, id); err != nil {
		return fmt.Errorf("delete lead: %w", err)
	}
	return nil
}

// Convert atomically creates the user, the student and the initial
// subscription for a lead, and stamps converted_student_id. The conditional
// update on converted_student_id IS NULL makes the conversion exactly-once:
// a second attempt rolls everything back and reports no rows affected.
func (r *LeadRepository) Convert(ctx context.Context, lead *models.Lead, user *models.User, student *models.Student, sub *models.Subscription) (bool, error) {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("begin convert tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	now := time.Now().UTC()

	res, err := tx.ExecContext(ctx,
		`UPDATE leads SET stage = $2, converted_student_id = $3, converted_at = $4, updated_at = $4
		 WHERE id = $1 AND converted_student_id IS NULL AND stage IN ($5, $6)`,
		lead.ID, models.LeadStageConverted, student.ID, now,
		models.LeadStageTrialAttended, models.LeadStageNegotiation)
	if err != nil {
		return false, fmt.Errorf("stamp lead conversion: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("stamp lead conversion: %w", err)
	}
	if affected == 0 {
		return false, nil
	}

	const userQuery = `INSERT INTO users (id, organization_id, email, password_hash, full_name, phone, role, active, created_at, updated_at)
		VALUES (:id, :organization_id, :email, :password_hash, :full_name, :phone, :role, :active, :created_at, :updated_at)`
	if _, err := tx.NamedExecContext(ctx, userQuery, user); err != nil {
		return false, fmt.Errorf("create converted user: %w", err)
	}

	const studentQuery = `INSERT INTO students (id, organization_id, user_id, category, enrollment_date, active, created_at, updated_at)
		VALUES (:id, :organization_id, :user_id, :category, :enrollment_date, :active, :created_at, :updated_at)`
	if _, err := tx.NamedExecContext(ctx, studentQuery, student); err != nil {
		return false, fmt.Errorf("create converted student: %w", err)
	}

	if sub != nil {
		const subQuery = `INSERT INTO subscriptions (id, organization_id, student_id, plan_id, status, current_price, billing_type, start_date, end_date, next_billing_date, created_at, updated_at)
			VALUES (:id, :organization_id, :student_id, :plan_id, :status, :current_price, :billing_type, :start_date, :end_date, :next_billing_date, :created_at, :updated_at)`
		if _, err := tx.NamedExecContext(ctx, subQuery, sub); err != nil {
			return false, fmt.Errorf("create conversion subscription: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("commit convert tx: %w", err)
	}
	return true, nil
}

// FunnelCounts returns the number of leads per stage for an organization.
func (r *LeadRepository) FunnelCounts(ctx context.Context, organizationID string) (map[models.LeadStage]int, error) {
	rows, err := r.db.QueryxContext(ctx,
		`SELECT stage, COUNT(*) FROM leads WHERE organization_id = $1 GROUP BY stage`, organizationID)
	if err != nil {
		return nil, fmt.Errorf("funnel counts: %w", err)
	}
	defer rows.Close()

	counts := make(map[models.LeadStage]int)
	for rows.Next() {
		var stage models.LeadStage
		var count int
		if err := rows.Scan(&stage, &count); err != nil {
			return nil, fmt.Errorf("scan funnel row: %w", err)
		}
		counts[stage] = count
	}
	return counts, rows.Err()
}

// CreateActivity appends an entry to a lead's activity feed.
func (r *LeadRepository) CreateActivity(ctx context.Context, activity *models.LeadActivity) error {
	if activity.ID == "" {
		activity.ID = uuid.NewString()
	}
	if activity.CreatedAt.IsZero() {
		activity.CreatedAt = time.Now().UTC()
	}
	const query = `INSERT INTO lead_activities (id, lead_id, user_id, type, title, description, created_at)
		VALUES (:id, :lead_id, :user_id, :type, :title, :description, :created_at)`
	if _, err := r.db.NamedExecContext(ctx, query, activity); err != nil {
		return fmt.Errorf("create lead activity: %w", err)
	}
	return nil
}

// ListActivities returns a lead's activity feed, newest first.
func (r *LeadRepository) ListActivities(ctx context.Context, leadID string) ([]models.LeadActivity, error) {
	const query = `SELECT id, lead_id, user_id, type, title, description, created_at
		FROM lead_activities WHERE lead_id = $1 ORDER BY created_at DESC`
	var activities []models.LeadActivity
	if err := r.db.SelectContext(ctx, &activities, query, leadID); err != nil {
		return nil, fmt.Errorf("list lead activities: %w", err)
	}
	return activities, nil
}

// FindByConvertedStudent returns the lead converted into the given student,
// or sql.ErrNoRows when the student did not originate from a lead.
func (r *LeadRepository) FindByConvertedStudent(ctx context.Context, studentID string) (*models.Lead, error) {
	query := fmt.Sprintf("SELECT %s FROM leads WHERE converted_student_id = $1", leadColumns)
	var lead models.Lead
	if err := r.db.GetContext(ctx, &lead, query, studentID); err != nil {
		if err == sql.ErrNoRows {
			return nil, err
		}
		return nil, fmt.Errorf("find lead by student: %w", err)
	}
	return &lead, nil
}
