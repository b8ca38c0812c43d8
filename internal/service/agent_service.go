package service

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"github.com/tatamihq/dojo-api/internal/models"
	appErrors "github.com/tatamihq/dojo-api/pkg/errors"
	"github.com/tatamihq/dojo-api/pkg/jobs"
)

type agentRepository interface {
	ListInsights(ctx context.Context, organizationID string, status models.AgentInsightStatus) ([]models.AgentInsight, error)
	FindInsightByID(ctx context.Context, id string) (*models.AgentInsight, error)
	ReviewInsight(ctx context.Context, id string, status models.AgentInsightStatus, reviewerID string, ts time.Time) (bool, error)
	CreateTask(ctx context.Context, task *models.AgentTask) error
	FindTaskByID(ctx context.Context, id string) (*models.AgentTask, error)
	ListTasks(ctx context.Context, filter models.AgentTaskFilter) ([]models.AgentTask, int, error)
	TransitionTask(ctx context.Context, id string, from, to models.AgentTaskStatus, ts time.Time) (bool, error)
	ApproveTask(ctx context.Context, id, approverID string, scheduledFor *time.Time, ts time.Time) (bool, error)
	FinishTask(ctx context.Context, id string, status models.AgentTaskStatus, errMessage *string, ts time.Time) error
}

// TaskExecutor runs an approved agent action. Implementations are
// registered per action name.
type TaskExecutor func(ctx context.Context, task *models.AgentTask) error

// CreateAgentTaskRequest proposes an action for staff review.
type CreateAgentTaskRequest struct {
	InsightID *string                `json:"insight_id"`
	Agent     string                 `json:"agent" validate:"required"`
	Action    string                 `json:"action" validate:"required"`
	Params    models.AgentTaskParams `json:"params"`
}

// ApproveTaskRequest approves a pending task, optionally deferring it.
type ApproveTaskRequest struct {
	ScheduledFor *time.Time `json:"scheduled_for"`
}

// AgentService manages the agent-activity console: insights awaiting
// review, and proposed tasks that execute through the job queue once a
// staff member approves them. Nothing runs without explicit approval.
type AgentService struct {
	repo      agentRepository
	queue     jobDispatcher
	executors map[string]TaskExecutor
	validator *validator.Validate
	logger    *zap.Logger
}

// NewAgentService constructs the agent service.
func NewAgentService(repo agentRepository, queue jobDispatcher, validate *validator.Validate, logger *zap.Logger) *AgentService {
	if validate == nil {
		validate = validator.New()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &AgentService{
		repo:      repo,
		queue:     queue,
		executors: make(map[string]TaskExecutor),
		validator: validate,
		logger:    logger,
	}
}

// RegisterExecutor binds an action name to its executor. Call before the
// queue starts.
func (s *AgentService) RegisterExecutor(action string, fn TaskExecutor) {
	s.executors[action] = fn
}

// ListInsights returns insights, optionally filtered by review status.
func (s *AgentService) ListInsights(ctx context.Context, organizationID string, status models.AgentInsightStatus) ([]models.AgentInsight, error) {
	insights, err := s.repo.ListInsights(ctx, organizationID, status)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to list insights")
	}
	return insights, nil
}

// ReviewInsight approves or dismisses a pending insight.
func (s *AgentService) ReviewInsight(ctx context.Context, id string, approve bool, reviewerID string) (*models.AgentInsight, error) {
	insight, err := s.repo.FindInsightByID(ctx, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.Clone(appErrors.ErrNotFound, "insight not found")
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load insight")
	}
	if insight.Status != models.AgentInsightStatusPending {
		return nil, appErrors.Clone(appErrors.ErrInvalidTransition, "insight already reviewed")
	}

	target := models.AgentInsightStatusDismissed
	if approve {
		target = models.AgentInsightStatusApproved
	}
	ok, err := s.repo.ReviewInsight(ctx, id, target, reviewerID, time.Now().UTC())
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to review insight")
	}
	if !ok {
		return nil, appErrors.Clone(appErrors.ErrInvalidTransition, "insight reviewed concurrently")
	}
	return s.repo.FindInsightByID(ctx, id)
}

// CreateTask registers a proposed action in PENDING state.
func (s *AgentService) CreateTask(ctx context.Context, organizationID string, req CreateAgentTaskRequest) (*models.AgentTask, error) {
	if err := s.validator.Struct(req); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "invalid task payload")
	}
	if _, ok := s.executors[req.Action]; !ok {
		return nil, appErrors.Clone(appErrors.ErrValidation, fmt.Sprintf("unknown action %q", req.Action))
	}
	task := &models.AgentTask{
		OrganizationID: organizationID,
		InsightID:      req.InsightID,
		Agent:          req.Agent,
		Action:         req.Action,
		Params:         req.Params,
		Status:         models.AgentTaskStatusPending,
	}
	if err := s.repo.CreateTask(ctx, task); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to create task")
	}
	return task, nil
}

// ListTasks returns tasks and pagination metadata.
func (s *AgentService) ListTasks(ctx context.Context, filter models.AgentTaskFilter) ([]models.AgentTask, *models.Pagination, error) {
	tasks, total, err := s.repo.ListTasks(ctx, filter)
	if err != nil {
		return nil, nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to list tasks")
	}
	page := filter.Page
	if page < 1 {
		page = 1
	}
	size := filter.PageSize
	if size <= 0 {
		size = 20
	}
	return tasks, &models.Pagination{Page: page, PageSize: size, TotalCount: total}, nil
}

// GetTask returns a single task.
func (s *AgentService) GetTask(ctx context.Context, id string) (*models.AgentTask, error) {
	task, err := s.repo.FindTaskByID(ctx, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.Clone(appErrors.ErrNotFound, "task not found")
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load task")
	}
	return task, nil
}

// ApproveTask moves a PENDING task to APPROVED, then SCHEDULED, and hands
// it to the queue. A ScheduledFor in the future is honored by the executor
// at run time.
func (s *AgentService) ApproveTask(ctx context.Context, id, approverID string, req ApproveTaskRequest) (*models.AgentTask, error) {
	now := time.Now().UTC()
	if req.ScheduledFor != nil && req.ScheduledFor.Before(now) {
		return nil, appErrors.Clone(appErrors.ErrValidation, "scheduled_for must be in the future")
	}

	ok, err := s.repo.ApproveTask(ctx, id, approverID, req.ScheduledFor, now)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to approve task")
	}
	if !ok {
		if _, getErr := s.GetTask(ctx, id); getErr != nil {
			return nil, getErr
		}
		return nil, appErrors.Clone(appErrors.ErrInvalidTransition, "task is not pending")
	}

	if _, err := s.repo.TransitionTask(ctx, id, models.AgentTaskStatusApproved, models.AgentTaskStatusScheduled, now); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to schedule task")
	}
	if err := s.queue.Enqueue(jobs.Job{ID: id, Type: "agent.task"}); err != nil {
		msg := "failed to enqueue task"
		_ = s.repo.FinishTask(ctx, id, models.AgentTaskStatusFailed, &msg, time.Now().UTC())
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to enqueue task")
	}
	return s.GetTask(ctx, id)
}

// DispatchTask re-enqueues a SCHEDULED task, for operator-driven retry
// after a lost enqueue or a restart. The executing-state guard keeps a
// double dispatch from running the task twice.
func (s *AgentService) DispatchTask(ctx context.Context, id string) (*models.AgentTask, error) {
	task, err := s.GetTask(ctx, id)
	if err != nil {
		return nil, err
	}
	if task.Status != models.AgentTaskStatusScheduled {
		return nil, appErrors.Clone(appErrors.ErrInvalidTransition,
			fmt.Sprintf("cannot dispatch a %s task", task.Status))
	}
	if err := s.queue.Enqueue(jobs.Job{ID: id, Type: "agent.task"}); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to enqueue task")
	}
	return task, nil
}

// CancelTask cancels a task that has not started executing.
func (s *AgentService) CancelTask(ctx context.Context, id string) (*models.AgentTask, error) {
	task, err := s.GetTask(ctx, id)
	if err != nil {
		return nil, err
	}
	switch task.Status {
	case models.AgentTaskStatusPending, models.AgentTaskStatusApproved, models.AgentTaskStatusScheduled:
	default:
		return nil, appErrors.Clone(appErrors.ErrInvalidTransition,
			fmt.Sprintf("cannot cancel a %s task", task.Status))
	}
	ok, err := s.repo.TransitionTask(ctx, id, task.Status, models.AgentTaskStatusCancelled, time.Now().UTC())
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to cancel task")
	}
	if !ok {
		return nil, appErrors.Clone(appErrors.ErrInvalidTransition, "task status changed concurrently")
	}
	return s.GetTask(ctx, id)
}

// ExecuteTask is the queue handler for approved tasks. A cancelled task is
// skipped; a deferred one waits until its scheduled time.
func (s *AgentService) ExecuteTask(ctx context.Context, job jobs.Job) error {
	task, err := s.repo.FindTaskByID(ctx, job.ID)
	if err != nil {
		return fmt.Errorf("load task %s: %w", job.ID, err)
	}
	if task.Status != models.AgentTaskStatusScheduled {
		s.logger.Debug("skipping task not in scheduled state",
			zap.String("task_id", task.ID), zap.String("status", string(task.Status)))
		return nil
	}

	if task.ScheduledFor != nil {
		if wait := time.Until(*task.ScheduledFor); wait > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(wait):
			}
		}
	}

	now := time.Now().UTC()
	ok, err := s.repo.TransitionTask(ctx, task.ID, models.AgentTaskStatusScheduled, models.AgentTaskStatusExecuting, now)
	if err != nil {
		return fmt.Errorf("start task %s: %w", task.ID, err)
	}
	if !ok {
		// Cancelled while waiting.
		return nil
	}

	executor, found := s.executors[task.Action]
	if !found {
		msg := fmt.Sprintf("no executor for action %q", task.Action)
		if finishErr := s.repo.FinishTask(ctx, task.ID, models.AgentTaskStatusFailed, &msg, time.Now().UTC()); finishErr != nil {
			s.logger.Warn("failed to mark task failed", zap.String("task_id", task.ID), zap.Error(finishErr))
		}
		return errors.New(msg)
	}

	if err := executor(ctx, task); err != nil {
		msg := err.Error()
		if finishErr := s.repo.FinishTask(ctx, task.ID, models.AgentTaskStatusFailed, &msg, time.Now().UTC()); finishErr != nil {
			s.logger.Warn("failed to mark task failed", zap.String("task_id", task.ID), zap.Error(finishErr))
		}
		return err
	}

	if err := s.repo.FinishTask(ctx, task.ID, models.AgentTaskStatusCompleted, nil, time.Now().UTC()); err != nil {
		s.logger.Warn("failed to mark task completed", zap.String("task_id", task.ID), zap.Error(err))
		return err
	}
	s.logger.Info("agent task completed", zap.String("task_id", task.ID), zap.String("action", task.Action))
	return nil
}
