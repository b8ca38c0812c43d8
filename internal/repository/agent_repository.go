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

// AgentRepository provides database access for agent insights and tasks.
type AgentRepository struct {
	db *sqlx.DB
}

// NewAgentRepository constructs the repository.
func NewAgentRepository(db *sqlx.DB) *AgentRepository {
	return &AgentRepository{db: db}
}

const insightColumns = `id, organization_id, agent, title, body, severity, status, reviewed_by, reviewed_at, created_at`

// ListInsights returns insights for review, pending first.
func (r *AgentRepository) ListInsights(ctx context.Context, organizationID string, status models.AgentInsightStatus) ([]models.AgentInsight, error) {
	conditions := []string{"organization_id = $1"}
	args := []interface{}{organizationID}
	if status != "" {
		conditions = append(conditions, fmt.Sprintf("status = $%d", len(args)+1))
		args = append(args, status)
	}
	query := fmt.Sprintf("SELECT %s FROM agent_insights WHERE %s ORDER BY created_at DESC",
		insightColumns, strings.Join(conditions, " AND "))
	var insights []models.AgentInsight
	if err := r.db.SelectContext(ctx, &insights, query, args...); err != nil {
		return nil, fmt.Errorf("list agent insights: %w", err)
	}
	return insights, nil
}

// FindInsightByID returns one insight.
func (r *AgentRepository) FindInsightByID(ctx context.Context, id string) (*models.AgentInsight, error) {
	query := fmt.Sprintf("SELECT %s FROM agent_insights WHERE id = $1 LIMIT 1", insightColumns)
	var insight models.AgentInsight
	if err := r.db.GetContext(ctx, &insight, query, id); err != nil {
		return nil, err
	}
	return &insight, nil
}

// ReviewInsight resolves a PENDING insight to APPROVED or DISMISSED.
// Reports false when the insight was already reviewed.
func (r *AgentRepository) ReviewInsight(ctx context.Context, id string, status models.AgentInsightStatus, reviewerID string, ts time.Time) (bool, error) {
	const query = `UPDATE agent_insights SET status = $2, reviewed_by = $3, reviewed_at = $4
		WHERE id = $1 AND status = $5`
	res, err := r.db.ExecContext(ctx, query, id, status, reviewerID, ts, models.AgentInsightStatusPending)
	if err != nil {
		return false, fmt.Errorf("review insight: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("review insight: %w", err)
	}
	return affected == 1, nil
}

const agentTaskColumns = `id, organization_id, insight_id, agent, action, params, status, scheduled_for, approved_by, executed_at, error_message, created_at, updated_at`

// CreateTask inserts an agent-proposed task in PENDING state.
func (r *AgentRepository) CreateTask(ctx context.Context, task *models.AgentTask) error {
	if task.ID == "" {
		task.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	task.CreatedAt = now
	task.UpdatedAt = now
	if task.Status == "" {
		task.Status = models.AgentTaskStatusPending
	}

	const query = `INSERT INTO agent_tasks (id, organization_id, insight_id, agent, action, params, status, scheduled_for, created_at, updated_at)
		VALUES (:id, :organization_id, :insight_id, :agent, :action, :params, :status, :scheduled_for, :created_at, :updated_at)`
	if _, err := r.db.NamedExecContext(ctx, query, task); err != nil {
		return fmt.Errorf("create agent task: %w", err)
	}
	return nil
}

// FindTaskByID returns one task.
func (r *AgentRepository) FindTaskByID(ctx context.Context, id string) (*models.AgentTask, error) {
	query := fmt.Sprintf("SELECT %s FROM agent_tasks WHERE id = $1 LIMIT 1", agentTaskColumns)
	var task models.AgentTask
	if err := r.db.GetContext(ctx, &task, query, id); err != nil {
		return nil, err
	}
	return &task, nil
}

// ListTasks returns tasks filtered by the provided criteria.
func (r *AgentRepository) ListTasks(ctx context.Context, filter models.AgentTaskFilter) ([]models.AgentTask, int, error) {
	conditions := []string{"organization_id = $1"}
	args := []interface{}{filter.OrganizationID}

	if filter.Agent != "" {
		conditions = append(conditions, fmt.Sprintf("agent = $%d", len(args)+1))
		args = append(args, filter.Agent)
	}
	if filter.Status != "" {
		conditions = append(conditions, fmt.Sprintf("status = $%d", len(args)+1))
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

	query := fmt.Sprintf("SELECT %s FROM agent_tasks%s ORDER BY created_at DESC LIMIT %d OFFSET %d",
		agentTaskColumns, clause, size, offset)
	var tasks []models.AgentTask
	if err := r.db.SelectContext(ctx, &tasks, query, args...); err != nil {
		return nil, 0, fmt.Errorf("list agent tasks: %w", err)
	}

	countQuery := "SELECT COUNT(*) FROM agent_tasks" + clause
	var total int
	if err := r.db.GetContext(ctx, &total, countQuery, args...); err != nil {
		return nil, 0, fmt.Errorf("count agent tasks: %w", err)
	}
	return tasks, total, nil
}

// TransitionTask moves a task between lifecycle states, guarded by the
// expected current state. Reports false when the guard did not match.
func (r *AgentRepository) TransitionTask(ctx context.Context, id string, from, to models.AgentTaskStatus, ts time.Time) (bool, error) {
	const query = `UPDATE agent_tasks SET status = $3, updated_at = $4 WHERE id = $1 AND status = $2`
	res, err := r.db.ExecContext(ctx, query, id, from, to, ts)
	if err != nil {
		return false, fmt.Errorf("transition agent task: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("transition agent task: %w", err)
	}
	return affected == 1, nil
}

// ApproveTask marks a PENDING task APPROVED and records the approver.
func (r *AgentRepository) ApproveTask(ctx context.Context, id, approverID string, scheduledFor *time.Time, ts time.Time) (bool, error) {
	const query = `UPDATE agent_tasks SET status = $2, approved_by = $3, scheduled_for = $4, updated_at = $5
		WHERE id = $1 AND status = $6`
	res, err := r.db.ExecContext(ctx, query, id, models.AgentTaskStatusApproved, approverID, scheduledFor, ts, models.AgentTaskStatusPending)
	if err != nil {
		return false, fmt.Errorf("approve agent task: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("approve agent task: %w", err)
	}
	return affected == 1, nil
}

// FinishTask records the execution outcome of a task.
func (r *AgentRepository) FinishTask(ctx context.Context, id string, status models.AgentTaskStatus, errMessage *string, ts time.Time) error {
	const query = `UPDATE agent_tasks SET status = $2, error_message = $3, executed_at = $4, updated_at = $4 WHERE id = $1`
	if _, err := r.db.ExecContext(ctx, query, id, status, errMessage, ts); err != nil {
		return fmt.Errorf("finish agent task: %w", err)
	}
	return nil
}
