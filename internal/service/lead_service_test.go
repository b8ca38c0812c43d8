package service

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tatamihq/dojo-api/internal/models"
	appErrors "github.com/tatamihq/dojo-api/pkg/errors"
)

type leadRepoStub struct {
	leads      map[string]*models.Lead
	activities []models.LeadActivity
	funnel     map[models.LeadStage]int

	convertCalled bool
	convertResult bool
	updateStageOK bool
}

func newLeadRepoStub() *leadRepoStub {
	return &leadRepoStub{
		leads:         map[string]*models.Lead{},
		funnel:        map[models.LeadStage]int{},
		convertResult: true,
		updateStageOK: true,
	}
}

func (r *leadRepoStub) add(lead *models.Lead) *models.Lead {
	if lead.ID == "" {
		lead.ID = uuid.NewString()
	}
	r.leads[lead.ID] = lead
	return lead
}

func (r *leadRepoStub) List(ctx context.Context, filter models.LeadFilter) ([]models.Lead, int, error) {
	out := make([]models.Lead, 0, len(r.leads))
	for _, lead := range r.leads {
		out = append(out, *lead)
	}
	return out, len(out), nil
}

func (r *leadRepoStub) FindByID(ctx context.Context, id string) (*models.Lead, error) {
	lead, ok := r.leads[id]
	if !ok {
		return nil, sql.ErrNoRows
	}
	copy := *lead
	return &copy, nil
}

func (r *leadRepoStub) FindPublicInfo(ctx context.Context, id string) (*models.PublicLeadInfo, error) {
	lead, ok := r.leads[id]
	if !ok {
		return nil, sql.ErrNoRows
	}
	return &models.PublicLeadInfo{ID: lead.ID, Name: lead.Name, Stage: lead.Stage}, nil
}

func (r *leadRepoStub) Create(ctx context.Context, lead *models.Lead) error {
	r.add(lead)
	return nil
}

func (r *leadRepoStub) Update(ctx context.Context, lead *models.Lead) error {
	r.leads[lead.ID] = lead
	return nil
}

func (r *leadRepoStub) Delete(ctx context.Context, id string) error {
	delete(r.leads, id)
	return nil
}

func (r *leadRepoStub) UpdateStage(ctx context.Context, id string, from, to models.LeadStage, ts time.Time) (bool, error) {
	lead, ok := r.leads[id]
	if !ok || lead.Stage != from || !r.updateStageOK {
		return false, nil
	}
	lead.Stage = to
	return true, nil
}

func (r *leadRepoStub) Convert(ctx context.Context, lead *models.Lead, user *models.User, student *models.Student, sub *models.Subscription) (bool, error) {
	r.convertCalled = true
	if !r.convertResult {
		return false, nil
	}
	stored := r.leads[lead.ID]
	stored.Stage = models.LeadStageConverted
	stored.ConvertedStudentID = &student.ID
	return true, nil
}

func (r *leadRepoStub) FunnelCounts(ctx context.Context, organizationID string) (map[models.LeadStage]int, error) {
	return r.funnel, nil
}

func (r *leadRepoStub) CreateActivity(ctx context.Context, activity *models.LeadActivity) error {
	r.activities = append(r.activities, *activity)
	return nil
}

func (r *leadRepoStub) ListActivities(ctx context.Context, leadID string) ([]models.LeadActivity, error) {
	return r.activities, nil
}

type planStoreStub struct {
	plans map[string]*models.BillingPlan
}

func (p *planStoreStub) FindByID(ctx context.Context, id string) (*models.BillingPlan, error) {
	plan, ok := p.plans[id]
	if !ok {
		return nil, sql.ErrNoRows
	}
	return plan, nil
}

type orgStoreStub struct {
	orgs map[string]*models.Organization
}

func (o *orgStoreStub) FindBySlug(ctx context.Context, slug string) (*models.Organization, error) {
	org, ok := o.orgs[slug]
	if !ok {
		return nil, sql.ErrNoRows
	}
	return org, nil
}

type auditStub struct {
	logs []models.AuditLog
}

func (a *auditStub) CreateAuditLog(ctx context.Context, log *models.AuditLog) error {
	a.logs = append(a.logs, *log)
	return nil
}

type cacheStub struct {
	invalidated []string
}

func (c *cacheStub) Get(ctx context.Context, key string, dest interface{}) (bool, error) {
	return false, nil
}

func (c *cacheStub) Set(ctx context.Context, key string, value interface{}, ttl time.Duration) error {
	return nil
}

func (c *cacheStub) Invalidate(ctx context.Context, pattern string) error {
	c.invalidated = append(c.invalidated, pattern)
	return nil
}

func newLeadServiceForTest(repo *leadRepoStub, plans *planStoreStub) (*LeadService, *auditStub, *cacheStub) {
	audit := &auditStub{}
	cache := &cacheStub{}
	if plans == nil {
		plans = &planStoreStub{plans: map[string]*models.BillingPlan{}}
	}
	orgs := &orgStoreStub{orgs: map[string]*models.Organization{}}
	svc := NewLeadService(repo, plans, orgs, audit, cache, time.Minute, nil, nil, nil)
	return svc, audit, cache
}

func TestLeadServiceCreateDefaults(t *testing.T) {
	repo := newLeadRepoStub()
	svc, _, cache := newLeadServiceForTest(repo, nil)

	lead, err := svc.Create(context.Background(), CreateLeadRequest{
		OrganizationID: "org-1",
		Name:           "Ana Souza",
		Email:          "ana@example.com",
		Phone:          "11999990000",
	})
	require.NoError(t, err)
	assert.Equal(t, models.LeadStageNew, lead.Stage)
	assert.Equal(t, "manual", lead.Source)
	assert.NotEmpty(t, cache.invalidated)
}

func TestLeadServiceMoveForward(t *testing.T) {
	repo := newLeadRepoStub()
	lead := repo.add(&models.Lead{OrganizationID: "org-1", Name: "Ana", Email: "a@b.c", Phone: "1", Stage: models.LeadStageNew})
	svc, _, _ := newLeadServiceForTest(repo, nil)

	moved, err := svc.Move(context.Background(), lead.ID, MoveLeadRequest{Stage: models.LeadStageContacted}, "staff-1")
	require.NoError(t, err)
	assert.Equal(t, models.LeadStageContacted, moved.Stage)
	require.Len(t, repo.activities, 1)
	assert.Equal(t, models.LeadActivityStageChange, repo.activities[0].Type)
}

func TestLeadServiceMoveBackwardRejected(t *testing.T) {
	repo := newLeadRepoStub()
	lead := repo.add(&models.Lead{OrganizationID: "org-1", Stage: models.LeadStageNegotiation})
	svc, _, _ := newLeadServiceForTest(repo, nil)

	_, err := svc.Move(context.Background(), lead.ID, MoveLeadRequest{Stage: models.LeadStageContacted}, "staff-1")
	require.Error(t, err)
	assert.True(t, appErrors.Is(err, appErrors.ErrInvalidTransition))
}

func TestLeadServiceMoveToConvertedRejected(t *testing.T) {
	repo := newLeadRepoStub()
	lead := repo.add(&models.Lead{OrganizationID: "org-1", Stage: models.LeadStageNegotiation})
	svc, _, _ := newLeadServiceForTest(repo, nil)

	_, err := svc.Move(context.Background(), lead.ID, MoveLeadRequest{Stage: models.LeadStageConverted}, "staff-1")
	require.Error(t, err)
	assert.True(t, appErrors.Is(err, appErrors.ErrInvalidTransition))
}

func TestLeadServiceMoveConcurrentChange(t *testing.T) {
	repo := newLeadRepoStub()
	repo.updateStageOK = false
	lead := repo.add(&models.Lead{OrganizationID: "org-1", Stage: models.LeadStageNew})
	svc, _, _ := newLeadServiceForTest(repo, nil)

	_, err := svc.Move(context.Background(), lead.ID, MoveLeadRequest{Stage: models.LeadStageContacted}, "staff-1")
	require.Error(t, err)
	assert.True(t, appErrors.Is(err, appErrors.ErrInvalidTransition))
}

func TestLeadServiceApplyEventAdvances(t *testing.T) {
	repo := newLeadRepoStub()
	lead := repo.add(&models.Lead{OrganizationID: "org-1", Stage: models.LeadStageNew})
	svc, _, _ := newLeadServiceForTest(repo, nil)

	err := svc.ApplyEvent(context.Background(), lead.ID, models.LeadEventTrialBooked)
	require.NoError(t, err)
	assert.Equal(t, models.LeadStageTrialScheduled, repo.leads[lead.ID].Stage)
}

func TestLeadServiceApplyEventStaleIgnored(t *testing.T) {
	repo := newLeadRepoStub()
	lead := repo.add(&models.Lead{OrganizationID: "org-1", Stage: models.LeadStageNegotiation})
	svc, _, _ := newLeadServiceForTest(repo, nil)

	// TRIAL_BOOKED has no edge from NEGOTIATION; the event is dropped.
	err := svc.ApplyEvent(context.Background(), lead.ID, models.LeadEventTrialBooked)
	require.NoError(t, err)
	assert.Equal(t, models.LeadStageNegotiation, repo.leads[lead.ID].Stage)
}

func TestLeadServiceConvert(t *testing.T) {
	repo := newLeadRepoStub()
	lead := repo.add(&models.Lead{
		OrganizationID: "org-1",
		Name:           "Ana Souza",
		Email:          "ana@example.com",
		Phone:          "11999990000",
		Stage:          models.LeadStageTrialAttended,
	})
	plans := &planStoreStub{plans: map[string]*models.BillingPlan{
		"plan-1": {ID: "plan-1", Name: "Adult BJJ", Price: 250, BillingType: models.BillingTypeMonthly, Active: true},
	}}
	svc, audit, _ := newLeadServiceForTest(repo, plans)

	result, err := svc.Convert(context.Background(), lead.ID, ConvertLeadRequest{
		PlanID:   "plan-1",
		Category: models.StudentCategoryAdult,
		Password: "s3cret-pass",
	}, "staff-1")
	require.NoError(t, err)
	assert.True(t, repo.convertCalled)
	assert.Equal(t, models.LeadStageConverted, result.Lead.Stage)
	assert.Equal(t, 250.0, result.Subscription.CurrentPrice)
	require.NotNil(t, result.Subscription.NextBillingDate)
	require.Len(t, audit.logs, 1)
	assert.Equal(t, models.AuditActionLeadConvert, audit.logs[0].Action)
}

func TestLeadServiceConvertFromNewRejected(t *testing.T) {
	repo := newLeadRepoStub()
	lead := repo.add(&models.Lead{OrganizationID: "org-1", Stage: models.LeadStageNew})
	svc, _, _ := newLeadServiceForTest(repo, nil)

	_, err := svc.Convert(context.Background(), lead.ID, ConvertLeadRequest{
		PlanID: "plan-1", Category: models.StudentCategoryAdult, Password: "s3cret-pass",
	}, "staff-1")
	require.Error(t, err)
	assert.True(t, appErrors.Is(err, appErrors.ErrInvalidTransition))
	assert.False(t, repo.convertCalled)
}

func TestLeadServiceConvertRace(t *testing.T) {
	repo := newLeadRepoStub()
	repo.convertResult = false
	lead := repo.add(&models.Lead{
		OrganizationID: "org-1",
		Email:          "ana@example.com",
		Stage:          models.LeadStageNegotiation,
	})
	plans := &planStoreStub{plans: map[string]*models.BillingPlan{
		"plan-1": {ID: "plan-1", Price: 250, BillingType: models.BillingTypeMonthly, Active: true},
	}}
	svc, _, _ := newLeadServiceForTest(repo, plans)

	_, err := svc.Convert(context.Background(), lead.ID, ConvertLeadRequest{
		PlanID: "plan-1", Category: models.StudentCategoryAdult, Password: "s3cret-pass",
	}, "staff-1")
	require.Error(t, err)
	assert.True(t, appErrors.Is(err, appErrors.ErrAlreadyConverted))
}

func TestLeadServiceConvertAlreadyConverted(t *testing.T) {
	repo := newLeadRepoStub()
	studentID := "student-1"
	lead := repo.add(&models.Lead{OrganizationID: "org-1", Stage: models.LeadStageConverted, ConvertedStudentID: &studentID})
	svc, _, _ := newLeadServiceForTest(repo, nil)

	_, err := svc.Convert(context.Background(), lead.ID, ConvertLeadRequest{
		PlanID: "plan-1", Category: models.StudentCategoryAdult, Password: "s3cret-pass",
	}, "staff-1")
	require.Error(t, err)
	assert.True(t, appErrors.Is(err, appErrors.ErrAlreadyConverted))
}

func TestLeadServiceLoseTerminalRejected(t *testing.T) {
	repo := newLeadRepoStub()
	lead := repo.add(&models.Lead{OrganizationID: "org-1", Stage: models.LeadStageLost})
	svc, _, _ := newLeadServiceForTest(repo, nil)

	_, err := svc.Lose(context.Background(), lead.ID, LoseLeadRequest{Reason: "no budget"}, "staff-1")
	require.Error(t, err)
	assert.True(t, appErrors.Is(err, appErrors.ErrInvalidTransition))
}

func TestLeadServiceLose(t *testing.T) {
	repo := newLeadRepoStub()
	lead := repo.add(&models.Lead{OrganizationID: "org-1", Stage: models.LeadStageTrialScheduled})
	svc, audit, _ := newLeadServiceForTest(repo, nil)

	lost, err := svc.Lose(context.Background(), lead.ID, LoseLeadRequest{Reason: "moved away"}, "staff-1")
	require.NoError(t, err)
	assert.Equal(t, models.LeadStageLost, lost.Stage)
	require.Len(t, audit.logs, 1)
	assert.Equal(t, models.AuditActionLeadLose, audit.logs[0].Action)
}

func TestLeadServiceDelete(t *testing.T) {
	repo := newLeadRepoStub()
	lead := repo.add(&models.Lead{OrganizationID: "org-1", Stage: models.LeadStageContacted})
	svc, _, _ := newLeadServiceForTest(repo, nil)

	require.NoError(t, svc.Delete(context.Background(), lead.ID))
	_, err := svc.Get(context.Background(), lead.ID)
	assert.True(t, appErrors.Is(err, appErrors.ErrNotFound))
}

func TestLeadServiceDeleteConvertedRejected(t *testing.T) {
	repo := newLeadRepoStub()
	lead := repo.add(&models.Lead{OrganizationID: "org-1", Stage: models.LeadStageConverted})
	svc, _, _ := newLeadServiceForTest(repo, nil)

	err := svc.Delete(context.Background(), lead.ID)
	require.Error(t, err)
	assert.True(t, appErrors.Is(err, appErrors.ErrInvalidTransition))
}

func TestLeadServiceFunnelPercentages(t *testing.T) {
	repo := newLeadRepoStub()
	repo.funnel = map[models.LeadStage]int{
		models.LeadStageNew:       6,
		models.LeadStageContacted: 3,
		models.LeadStageLost:      1,
	}
	svc, _, _ := newLeadServiceForTest(repo, nil)

	funnel, cached, err := svc.Funnel(context.Background(), "org-1")
	require.NoError(t, err)
	assert.False(t, cached)
	byStage := map[models.LeadStage]models.FunnelStage{}
	for _, row := range funnel {
		byStage[row.Stage] = row
	}
	assert.Equal(t, 6, byStage[models.LeadStageNew].Count)
	assert.InDelta(t, 60.0, byStage[models.LeadStageNew].Percentage, 0.01)
	assert.InDelta(t, 10.0, byStage[models.LeadStageLost].Percentage, 0.01)
}

func TestLeadServiceGetNotFound(t *testing.T) {
	repo := newLeadRepoStub()
	svc, _, _ := newLeadServiceForTest(repo, nil)

	_, err := svc.Get(context.Background(), "missing")
	require.Error(t, err)
	var appErr *appErrors.Error
	require.True(t, errors.As(err, &appErr))
	assert.Equal(t, appErrors.ErrNotFound.Code, appErr.Code)
}
