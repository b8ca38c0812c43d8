package service

import (
	"context"
	"database/sql"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tatamihq/dojo-api/internal/models"
	appErrors "github.com/tatamihq/dojo-api/pkg/errors"
	"github.com/tatamihq/dojo-api/pkg/jobs"
)

type agentRepoStub struct {
	insights map[string]*models.AgentInsight
	tasks    map[string]*models.AgentTask
	nextID   int
}

func newAgentRepoStub() *agentRepoStub {
	return &agentRepoStub{
		insights: map[string]*models.AgentInsight{},
		tasks:    map[string]*models.AgentTask{},
	}
}

func (r *agentRepoStub) addInsight(status models.AgentInsightStatus) *models.AgentInsight {
	r.nextID++
	insight := &models.AgentInsight{
		ID:             fmt.Sprintf("insight-%d", r.nextID),
		OrganizationID: "org-1",
		Agent:          "retention",
		Title:          "Churn risk",
		Status:         status,
	}
	r.insights[insight.ID] = insight
	return insight
}

func (r *agentRepoStub) addTask(status models.AgentTaskStatus, action string) *models.AgentTask {
	r.nextID++
	task := &models.AgentTask{
		ID:             fmt.Sprintf("task-%d", r.nextID),
		OrganizationID: "org-1",
		Agent:          "retention",
		Action:         action,
		Params:         models.AgentTaskParams{"lead_id": "lead-1"},
		Status:         status,
	}
	r.tasks[task.ID] = task
	return task
}

func (r *agentRepoStub) ListInsights(ctx context.Context, organizationID string, status models.AgentInsightStatus) ([]models.AgentInsight, error) {
	var out []models.AgentInsight
	for _, insight := range r.insights {
		if insight.OrganizationID != organizationID {
			continue
		}
		if status != "" && insight.Status != status {
			continue
		}
		out = append(out, *insight)
	}
	return out, nil
}

func (r *agentRepoStub) FindInsightByID(ctx context.Context, id string) (*models.AgentInsight, error) {
	insight, ok := r.insights[id]
	if !ok {
		return nil, sql.ErrNoRows
	}
	copy := *insight
	return &copy, nil
}

func (r *agentRepoStub) ReviewInsight(ctx context.Context, id string, status models.AgentInsightStatus, reviewerID string, ts time.Time) (bool, error) {
	insight, ok := r.insights[id]
	if !ok || insight.Status != models.AgentInsightStatusPending {
		return false, nil
	}
	insight.Status = status
	insight.ReviewedBy = &reviewerID
	insight.ReviewedAt = &ts
	return true, nil
}

func (r *agentRepoStub) CreateTask(ctx context.Context, task *models.AgentTask) error {
	r.nextID++
	task.ID = fmt.Sprintf("task-%d", r.nextID)
	task.CreatedAt = time.Now().UTC()
	r.tasks[task.ID] = task
	return nil
}

func (r *agentRepoStub) FindTaskByID(ctx context.Context, id string) (*models.AgentTask, error) {
	task, ok := r.tasks[id]
	if !ok {
		return nil, sql.ErrNoRows
	}
	copy := *task
	return &copy, nil
}

func (r *agentRepoStub) ListTasks(ctx context.Context, filter models.AgentTaskFilter) ([]models.AgentTask, int, error) {
	var out []models.AgentTask
	for _, task := range r.tasks {
		if filter.OrganizationID != "" && task.OrganizationID != filter.OrganizationID {
			continue
		}
		if filter.Status != "" && task.Status != filter.Status {
			continue
		}
		out = append(out, *task)
	}
	return out, len(out), nil
}

func (r *agentRepoStub) TransitionTask(ctx context.Context, id string, from, to models.AgentTaskStatus, ts time.Time) (bool, error) {
	task, ok := r.tasks[id]
	if !ok || task.Status != from {
		return false, nil
	}
	task.Status = to
	task.UpdatedAt = ts
	return true, nil
}

func (r *agentRepoStub) ApproveTask(ctx context.Context, id, approverID string, scheduledFor *time.Time, ts time.Time) (bool, error) {
	task, ok := r.tasks[id]
	if !ok || task.Status != models.AgentTaskStatusPending {
		return false, nil
	}
	task.Status = models.AgentTaskStatusApproved
	task.ApprovedBy = &approverID
	task.ScheduledFor = scheduledFor
	task.UpdatedAt = ts
	return true, nil
}

func (r *agentRepoStub) FinishTask(ctx context.Context, id string, status models.AgentTaskStatus, errMessage *string, ts time.Time) error {
	task, ok := r.tasks[id]
	if !ok {
		return sql.ErrNoRows
	}
	task.Status = status
	task.ErrorMessage = errMessage
	task.ExecutedAt = &ts
	return nil
}

func newAgentServiceForTest(repo *agentRepoStub, queue *crmQueueStub) *AgentService {
	svc := NewAgentService(repo, queue, nil, nil)
	svc.RegisterExecutor("lead.add_note", func(ctx context.Context, task *models.AgentTask) error {
		return nil
	})
	return svc
}

func TestAgentServiceReviewInsightApprove(t *testing.T) {
	repo := newAgentRepoStub()
	insight := repo.addInsight(models.AgentInsightStatusPending)
	svc := newAgentServiceForTest(repo, &crmQueueStub{})

	reviewed, err := svc.ReviewInsight(context.Background(), insight.ID, true, "staff-1")
	require.NoError(t, err)
	assert.Equal(t, models.AgentInsightStatusApproved, reviewed.Status)
	require.NotNil(t, reviewed.ReviewedBy)
	assert.Equal(t, "staff-1", *reviewed.ReviewedBy)
	assert.NotNil(t, reviewed.ReviewedAt)
}

func TestAgentServiceReviewInsightDismiss(t *testing.T) {
	repo := newAgentRepoStub()
	insight := repo.addInsight(models.AgentInsightStatusPending)
	svc := newAgentServiceForTest(repo, &crmQueueStub{})

	reviewed, err := svc.ReviewInsight(context.Background(), insight.ID, false, "staff-1")
	require.NoError(t, err)
	assert.Equal(t, models.AgentInsightStatusDismissed, reviewed.Status)
}

func TestAgentServiceReviewInsightTwice(t *testing.T) {
	repo := newAgentRepoStub()
	insight := repo.addInsight(models.AgentInsightStatusApproved)
	svc := newAgentServiceForTest(repo, &crmQueueStub{})

	_, err := svc.ReviewInsight(context.Background(), insight.ID, false, "staff-1")
	require.Error(t, err)
	assert.True(t, appErrors.Is(err, appErrors.ErrInvalidTransition))
}

func TestAgentServiceCreateTaskUnknownAction(t *testing.T) {
	svc := newAgentServiceForTest(newAgentRepoStub(), &crmQueueStub{})

	_, err := svc.CreateTask(context.Background(), "org-1", CreateAgentTaskRequest{
		Agent:  "retention",
		Action: "lead.nuke",
	})
	require.Error(t, err)
	assert.True(t, appErrors.Is(err, appErrors.ErrValidation))
}

func TestAgentServiceCreateTaskPending(t *testing.T) {
	repo := newAgentRepoStub()
	queue := &crmQueueStub{}
	svc := newAgentServiceForTest(repo, queue)

	task, err := svc.CreateTask(context.Background(), "org-1", CreateAgentTaskRequest{
		Agent:  "retention",
		Action: "lead.add_note",
		Params: models.AgentTaskParams{"lead_id": "lead-1"},
	})
	require.NoError(t, err)
	assert.Equal(t, models.AgentTaskStatusPending, task.Status)
	assert.Equal(t, "org-1", task.OrganizationID)
	assert.Empty(t, queue.jobs, "creation must not enqueue anything")
}

func TestAgentServiceApproveTaskEnqueues(t *testing.T) {
	repo := newAgentRepoStub()
	queue := &crmQueueStub{}
	task := repo.addTask(models.AgentTaskStatusPending, "lead.add_note")
	svc := newAgentServiceForTest(repo, queue)

	approved, err := svc.ApproveTask(context.Background(), task.ID, "staff-1", ApproveTaskRequest{})
	require.NoError(t, err)
	assert.Equal(t, models.AgentTaskStatusScheduled, approved.Status)
	require.NotNil(t, approved.ApprovedBy)
	assert.Equal(t, "staff-1", *approved.ApprovedBy)
	require.Len(t, queue.jobs, 1)
	assert.Equal(t, task.ID, queue.jobs[0].ID)
	assert.Equal(t, "agent.task", queue.jobs[0].Type)
}

func TestAgentServiceApproveTaskNotPending(t *testing.T) {
	repo := newAgentRepoStub()
	task := repo.addTask(models.AgentTaskStatusScheduled, "lead.add_note")
	svc := newAgentServiceForTest(repo, &crmQueueStub{})

	_, err := svc.ApproveTask(context.Background(), task.ID, "staff-1", ApproveTaskRequest{})
	require.Error(t, err)
	assert.True(t, appErrors.Is(err, appErrors.ErrInvalidTransition))
}

func TestAgentServiceApproveTaskPastSchedule(t *testing.T) {
	repo := newAgentRepoStub()
	task := repo.addTask(models.AgentTaskStatusPending, "lead.add_note")
	svc := newAgentServiceForTest(repo, &crmQueueStub{})

	past := time.Now().Add(-time.Hour)
	_, err := svc.ApproveTask(context.Background(), task.ID, "staff-1", ApproveTaskRequest{ScheduledFor: &past})
	require.Error(t, err)
	assert.True(t, appErrors.Is(err, appErrors.ErrValidation))
}

func TestAgentServiceApproveTaskEnqueueFailureMarksFailed(t *testing.T) {
	repo := newAgentRepoStub()
	queue := &crmQueueStub{enqueueErr: assert.AnError}
	task := repo.addTask(models.AgentTaskStatusPending, "lead.add_note")
	svc := newAgentServiceForTest(repo, queue)

	_, err := svc.ApproveTask(context.Background(), task.ID, "staff-1", ApproveTaskRequest{})
	require.Error(t, err)
	assert.Equal(t, models.AgentTaskStatusFailed, repo.tasks[task.ID].Status)
}

func TestAgentServiceDispatchTaskRequiresScheduled(t *testing.T) {
	repo := newAgentRepoStub()
	queue := &crmQueueStub{}
	pending := repo.addTask(models.AgentTaskStatusPending, "lead.add_note")
	svc := newAgentServiceForTest(repo, queue)

	_, err := svc.DispatchTask(context.Background(), pending.ID)
	require.Error(t, err)
	assert.True(t, appErrors.Is(err, appErrors.ErrInvalidTransition))

	scheduled := repo.addTask(models.AgentTaskStatusScheduled, "lead.add_note")
	_, err = svc.DispatchTask(context.Background(), scheduled.ID)
	require.NoError(t, err)
	require.Len(t, queue.jobs, 1)
	assert.Equal(t, scheduled.ID, queue.jobs[0].ID)
}

func TestAgentServiceCancelScheduledTask(t *testing.T) {
	repo := newAgentRepoStub()
	task := repo.addTask(models.AgentTaskStatusScheduled, "lead.add_note")
	svc := newAgentServiceForTest(repo, &crmQueueStub{})

	cancelled, err := svc.CancelTask(context.Background(), task.ID)
	require.NoError(t, err)
	assert.Equal(t, models.AgentTaskStatusCancelled, cancelled.Status)
}

func TestAgentServiceCancelCompletedTask(t *testing.T) {
	repo := newAgentRepoStub()
	task := repo.addTask(models.AgentTaskStatusCompleted, "lead.add_note")
	svc := newAgentServiceForTest(repo, &crmQueueStub{})

	_, err := svc.CancelTask(context.Background(), task.ID)
	require.Error(t, err)
	assert.True(t, appErrors.Is(err, appErrors.ErrInvalidTransition))
}

func TestAgentServiceExecuteTaskRunsExecutor(t *testing.T) {
	repo := newAgentRepoStub()
	task := repo.addTask(models.AgentTaskStatusScheduled, "lead.add_note")
	svc := NewAgentService(repo, &crmQueueStub{}, nil, nil)

	var executed []string
	svc.RegisterExecutor("lead.add_note", func(ctx context.Context, task *models.AgentTask) error {
		executed = append(executed, task.Params["lead_id"])
		return nil
	})

	err := svc.ExecuteTask(context.Background(), jobs.Job{ID: task.ID, Type: "agent.task"})
	require.NoError(t, err)
	assert.Equal(t, []string{"lead-1"}, executed)
	assert.Equal(t, models.AgentTaskStatusCompleted, repo.tasks[task.ID].Status)
	assert.NotNil(t, repo.tasks[task.ID].ExecutedAt)
}

func TestAgentServiceExecuteTaskSkipsCancelled(t *testing.T) {
	repo := newAgentRepoStub()
	task := repo.addTask(models.AgentTaskStatusCancelled, "lead.add_note")
	svc := NewAgentService(repo, &crmQueueStub{}, nil, nil)

	executed := false
	svc.RegisterExecutor("lead.add_note", func(ctx context.Context, task *models.AgentTask) error {
		executed = true
		return nil
	})

	err := svc.ExecuteTask(context.Background(), jobs.Job{ID: task.ID})
	require.NoError(t, err)
	assert.False(t, executed)
	assert.Equal(t, models.AgentTaskStatusCancelled, repo.tasks[task.ID].Status)
}

func TestAgentServiceExecuteTaskFailureRecorded(t *testing.T) {
	repo := newAgentRepoStub()
	task := repo.addTask(models.AgentTaskStatusScheduled, "lead.add_note")
	svc := NewAgentService(repo, &crmQueueStub{}, nil, nil)
	svc.RegisterExecutor("lead.add_note", func(ctx context.Context, task *models.AgentTask) error {
		return assert.AnError
	})

	err := svc.ExecuteTask(context.Background(), jobs.Job{ID: task.ID})
	require.Error(t, err)
	assert.Equal(t, models.AgentTaskStatusFailed, repo.tasks[task.ID].Status)
	require.NotNil(t, repo.tasks[task.ID].ErrorMessage)
	assert.Equal(t, assert.AnError.Error(), *repo.tasks[task.ID].ErrorMessage)
}

func TestAgentServiceExecuteTaskNoExecutor(t *testing.T) {
	repo := newAgentRepoStub()
	task := repo.addTask(models.AgentTaskStatusScheduled, "lead.unknown")
	svc := NewAgentService(repo, &crmQueueStub{}, nil, nil)

	err := svc.ExecuteTask(context.Background(), jobs.Job{ID: task.ID})
	require.Error(t, err)
	assert.Equal(t, models.AgentTaskStatusFailed, repo.tasks[task.ID].Status)
}

func TestAgentServiceExecuteTaskHonorsDeferral(t *testing.T) {
	repo := newAgentRepoStub()
	task := repo.addTask(models.AgentTaskStatusScheduled, "lead.add_note")
	soon := time.Now().Add(20 * time.Millisecond)
	repo.tasks[task.ID].ScheduledFor = &soon
	svc := NewAgentService(repo, &crmQueueStub{}, nil, nil)

	var ranAt time.Time
	svc.RegisterExecutor("lead.add_note", func(ctx context.Context, task *models.AgentTask) error {
		ranAt = time.Now()
		return nil
	})

	err := svc.ExecuteTask(context.Background(), jobs.Job{ID: task.ID})
	require.NoError(t, err)
	assert.False(t, ranAt.Before(soon), "executor must wait for scheduled_for")
}
