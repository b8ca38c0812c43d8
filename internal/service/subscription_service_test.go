package service

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tatamihq/dojo-api/internal/models"
	"github.com/tatamihq/dojo-api/internal/repository"
	appErrors "github.com/tatamihq/dojo-api/pkg/errors"
)

type subscriptionRepoStub struct {
	subs           map[string]*models.Subscription
	createErr      error
	updateStatusOK bool
}

func (s *subscriptionRepoStub) CreateIfNoActive(ctx context.Context, sub *models.Subscription) error {
	if s.createErr != nil {
		return s.createErr
	}
	sub.ID = "sub-1"
	s.subs[sub.ID] = sub
	return nil
}

func (s *subscriptionRepoStub) FindByID(ctx context.Context, id string) (*models.Subscription, error) {
	sub, ok := s.subs[id]
	if !ok {
		return nil, sql.ErrNoRows
	}
	return sub, nil
}

func (s *subscriptionRepoStub) FindDetailByID(ctx context.Context, id string) (*models.SubscriptionDetail, error) {
	sub, ok := s.subs[id]
	if !ok {
		return nil, sql.ErrNoRows
	}
	return &models.SubscriptionDetail{Subscription: *sub}, nil
}

func (s *subscriptionRepoStub) List(ctx context.Context, filter models.SubscriptionFilter) ([]models.SubscriptionDetail, int, error) {
	return nil, 0, nil
}

func (s *subscriptionRepoStub) UpdateStatus(ctx context.Context, id string, from, to models.SubscriptionStatus, ts time.Time) (bool, error) {
	if !s.updateStatusOK {
		return false, nil
	}
	sub, ok := s.subs[id]
	if !ok || sub.Status != from {
		return false, nil
	}
	sub.Status = to
	if to == models.SubscriptionStatusCancelled {
		sub.CancelledAt = &ts
	}
	return true, nil
}

func (s *subscriptionRepoStub) ReactivateIfNoActive(ctx context.Context, id string, ts time.Time) (bool, error) {
	sub, ok := s.subs[id]
	if !ok || sub.Status != models.SubscriptionStatusFrozen {
		return false, nil
	}
	for _, other := range s.subs {
		if other.ID != id && other.StudentID == sub.StudentID && other.Status == models.SubscriptionStatusActive {
			return false, nil
		}
	}
	sub.Status = models.SubscriptionStatusActive
	return true, nil
}

type subscriptionPlanStub struct {
	plans map[string]*models.BillingPlan
}

func (s *subscriptionPlanStub) FindByID(ctx context.Context, id string) (*models.BillingPlan, error) {
	plan, ok := s.plans[id]
	if !ok {
		return nil, sql.ErrNoRows
	}
	return plan, nil
}

type subscriptionPaymentStub struct {
	payments []*models.Payment
}

func (s *subscriptionPaymentStub) Create(ctx context.Context, payment *models.Payment) error {
	payment.ID = "pay-1"
	s.payments = append(s.payments, payment)
	return nil
}

func (s *subscriptionPaymentStub) ListBySubscription(ctx context.Context, subscriptionID string) ([]models.Payment, error) {
	var out []models.Payment
	for _, p := range s.payments {
		if p.SubscriptionID == subscriptionID {
			out = append(out, *p)
		}
	}
	return out, nil
}

type subscriptionFixture struct {
	repo     *subscriptionRepoStub
	plans    *subscriptionPlanStub
	students *attendanceStudentStub
	payments *subscriptionPaymentStub
	audit    *auditStub
	svc      *SubscriptionService
}

func newSubscriptionFixture() *subscriptionFixture {
	f := &subscriptionFixture{
		repo:     &subscriptionRepoStub{subs: map[string]*models.Subscription{}, updateStatusOK: true},
		plans:    &subscriptionPlanStub{plans: map[string]*models.BillingPlan{}},
		students: &attendanceStudentStub{students: map[string]*models.StudentDetail{}},
		payments: &subscriptionPaymentStub{},
		audit:    &auditStub{},
	}
	f.svc = NewSubscriptionService(f.repo, f.plans, f.students, f.payments, f.audit, nil, nil)
	return f
}

func monthlyPlan(id string, price float64) *models.BillingPlan {
	return &models.BillingPlan{
		ID:             id,
		OrganizationID: "org-1",
		Name:           "Adult BJJ",
		Price:          price,
		BillingType:    models.BillingTypeMonthly,
		ClassesPerWeek: 3,
		Active:         true,
	}
}

func seededSubscription(f *subscriptionFixture, status models.SubscriptionStatus) *models.Subscription {
	sub := &models.Subscription{
		ID:             "sub-1",
		OrganizationID: "org-1",
		StudentID:      "st-1",
		PlanID:         "plan-1",
		Status:         status,
		CurrentPrice:   199,
		BillingType:    models.BillingTypeMonthly,
		StartDate:      time.Now().UTC().AddDate(0, -2, 0),
	}
	f.repo.subs[sub.ID] = sub
	return sub
}

func TestSubscriptionCreateSnapshotsPrice(t *testing.T) {
	f := newSubscriptionFixture()
	f.students.students["st-1"] = activeStudent("st-1")
	f.plans.plans["plan-1"] = monthlyPlan("plan-1", 249.90)

	sub, err := f.svc.Create(context.Background(), CreateSubscriptionRequest{
		StudentID: "st-1",
		PlanID:    "plan-1",
	}, "admin-1")
	require.NoError(t, err)
	assert.Equal(t, models.SubscriptionStatusActive, sub.Status)
	assert.Equal(t, 249.90, sub.CurrentPrice)
	assert.Equal(t, models.BillingTypeMonthly, sub.BillingType)
	require.NotNil(t, sub.NextBillingDate)
	assert.True(t, sub.NextBillingDate.After(sub.StartDate))
	require.Len(t, f.audit.logs, 1)
	assert.Equal(t, models.AuditActionSubscribe, f.audit.logs[0].Action)
}

func TestSubscriptionCreateDuplicateActive(t *testing.T) {
	f := newSubscriptionFixture()
	f.repo.createErr = repository.ErrActiveSubscriptionExists
	f.students.students["st-1"] = activeStudent("st-1")
	f.plans.plans["plan-1"] = monthlyPlan("plan-1", 199)

	_, err := f.svc.Create(context.Background(), CreateSubscriptionRequest{
		StudentID: "st-1",
		PlanID:    "plan-1",
	}, "admin-1")
	assert.True(t, appErrors.Is(err, appErrors.ErrDuplicateActiveSubscription))
}

func TestSubscriptionCreateInactivePlan(t *testing.T) {
	f := newSubscriptionFixture()
	f.students.students["st-1"] = activeStudent("st-1")
	plan := monthlyPlan("plan-1", 199)
	plan.Active = false
	f.plans.plans["plan-1"] = plan

	_, err := f.svc.Create(context.Background(), CreateSubscriptionRequest{
		StudentID: "st-1",
		PlanID:    "plan-1",
	}, "admin-1")
	assert.True(t, appErrors.Is(err, appErrors.ErrPreconditionFailed))
}

func TestSubscriptionCreateLifetimeHasNoBillingDate(t *testing.T) {
	f := newSubscriptionFixture()
	f.students.students["st-1"] = activeStudent("st-1")
	plan := monthlyPlan("plan-1", 1500)
	plan.BillingType = models.BillingTypeLifetime
	f.plans.plans["plan-1"] = plan

	sub, err := f.svc.Create(context.Background(), CreateSubscriptionRequest{
		StudentID: "st-1",
		PlanID:    "plan-1",
	}, "admin-1")
	require.NoError(t, err)
	assert.Nil(t, sub.NextBillingDate)
}

func TestSubscriptionCancel(t *testing.T) {
	f := newSubscriptionFixture()
	seededSubscription(f, models.SubscriptionStatusActive)

	sub, err := f.svc.Cancel(context.Background(), "sub-1", "admin-1")
	require.NoError(t, err)
	assert.Equal(t, models.SubscriptionStatusCancelled, sub.Status)
	require.NotNil(t, sub.CancelledAt)
	require.Len(t, f.audit.logs, 1)
	assert.Equal(t, models.AuditActionCancelSub, f.audit.logs[0].Action)
}

func TestSubscriptionCancelTwice(t *testing.T) {
	f := newSubscriptionFixture()
	seededSubscription(f, models.SubscriptionStatusCancelled)

	_, err := f.svc.Cancel(context.Background(), "sub-1", "admin-1")
	assert.True(t, appErrors.Is(err, appErrors.ErrAlreadyCancelled))
}

func TestSubscriptionCancelFrozen(t *testing.T) {
	f := newSubscriptionFixture()
	seededSubscription(f, models.SubscriptionStatusFrozen)

	sub, err := f.svc.Cancel(context.Background(), "sub-1", "admin-1")
	require.NoError(t, err)
	assert.Equal(t, models.SubscriptionStatusCancelled, sub.Status)
}

func TestSubscriptionCancelConcurrentChange(t *testing.T) {
	f := newSubscriptionFixture()
	f.repo.updateStatusOK = false
	seededSubscription(f, models.SubscriptionStatusActive)

	_, err := f.svc.Cancel(context.Background(), "sub-1", "admin-1")
	assert.True(t, appErrors.Is(err, appErrors.ErrAlreadyCancelled))
}

func TestSubscriptionFreezeAndResume(t *testing.T) {
	f := newSubscriptionFixture()
	seededSubscription(f, models.SubscriptionStatusActive)

	frozen, err := f.svc.Freeze(context.Background(), "sub-1")
	require.NoError(t, err)
	assert.Equal(t, models.SubscriptionStatusFrozen, frozen.Status)

	resumed, err := f.svc.Resume(context.Background(), "sub-1")
	require.NoError(t, err)
	assert.Equal(t, models.SubscriptionStatusActive, resumed.Status)
}

func TestSubscriptionFreezeCancelled(t *testing.T) {
	f := newSubscriptionFixture()
	seededSubscription(f, models.SubscriptionStatusCancelled)

	_, err := f.svc.Freeze(context.Background(), "sub-1")
	assert.True(t, appErrors.Is(err, appErrors.ErrInvalidTransition))
}

func TestSubscriptionResumeActive(t *testing.T) {
	f := newSubscriptionFixture()
	seededSubscription(f, models.SubscriptionStatusActive)

	_, err := f.svc.Resume(context.Background(), "sub-1")
	assert.True(t, appErrors.Is(err, appErrors.ErrInvalidTransition))
}

func TestSubscriptionResumeBlockedByOtherActive(t *testing.T) {
	f := newSubscriptionFixture()
	frozen := seededSubscription(f, models.SubscriptionStatusFrozen)
	f.repo.subs["sub-2"] = &models.Subscription{
		ID:             "sub-2",
		OrganizationID: "org-1",
		StudentID:      frozen.StudentID,
		PlanID:         "plan-2",
		Status:         models.SubscriptionStatusActive,
		BillingType:    models.BillingTypeMonthly,
	}

	_, err := f.svc.Resume(context.Background(), "sub-1")
	assert.True(t, appErrors.Is(err, appErrors.ErrDuplicateActiveSubscription))
	assert.Equal(t, models.SubscriptionStatusFrozen, f.repo.subs["sub-1"].Status)
}

func TestSubscriptionCreateWithStartDate(t *testing.T) {
	f := newSubscriptionFixture()
	f.students.students["st-1"] = activeStudent("st-1")
	f.plans.plans["plan-1"] = monthlyPlan("plan-1", 199)

	start := time.Date(2026, 10, 1, 0, 0, 0, 0, time.UTC)
	sub, err := f.svc.Create(context.Background(), CreateSubscriptionRequest{
		StudentID: "st-1",
		PlanID:    "plan-1",
		StartDate: &start,
	}, "admin-1")
	require.NoError(t, err)
	assert.True(t, sub.StartDate.Equal(start))
	require.NotNil(t, sub.NextBillingDate)
	assert.True(t, sub.NextBillingDate.After(start))
}

func TestSubscriptionCreateWithCustomPrice(t *testing.T) {
	f := newSubscriptionFixture()
	f.students.students["st-1"] = activeStudent("st-1")
	f.plans.plans["plan-1"] = monthlyPlan("plan-1", 249.90)

	custom := 149.90
	sub, err := f.svc.Create(context.Background(), CreateSubscriptionRequest{
		StudentID:   "st-1",
		PlanID:      "plan-1",
		CustomPrice: &custom,
	}, "admin-1")
	require.NoError(t, err)
	assert.Equal(t, 149.90, sub.CurrentPrice)
}

func TestSubscriptionCreateNegativeCustomPrice(t *testing.T) {
	f := newSubscriptionFixture()
	f.students.students["st-1"] = activeStudent("st-1")
	f.plans.plans["plan-1"] = monthlyPlan("plan-1", 199)

	custom := -10.0
	_, err := f.svc.Create(context.Background(), CreateSubscriptionRequest{
		StudentID:   "st-1",
		PlanID:      "plan-1",
		CustomPrice: &custom,
	}, "admin-1")
	assert.True(t, appErrors.Is(err, appErrors.ErrValidation))
}

func TestSubscriptionRecordPaymentPaid(t *testing.T) {
	f := newSubscriptionFixture()
	seededSubscription(f, models.SubscriptionStatusActive)

	payment, err := f.svc.RecordPayment(context.Background(), "sub-1", RecordPaymentRequest{
		Amount: 199,
		Method: models.PaymentMethodPix,
		Paid:   true,
	})
	require.NoError(t, err)
	assert.Equal(t, models.PaymentStatusPaid, payment.Status)
	require.NotNil(t, payment.PaidAt)
	assert.Equal(t, "org-1", payment.OrganizationID)
}

func TestSubscriptionRecordPaymentPending(t *testing.T) {
	f := newSubscriptionFixture()
	seededSubscription(f, models.SubscriptionStatusActive)

	payment, err := f.svc.RecordPayment(context.Background(), "sub-1", RecordPaymentRequest{
		Amount: 199,
		Method: models.PaymentMethodCash,
	})
	require.NoError(t, err)
	assert.Equal(t, models.PaymentStatusPending, payment.Status)
	assert.Nil(t, payment.PaidAt)
}

func TestSubscriptionRecordPaymentUnknownMethod(t *testing.T) {
	f := newSubscriptionFixture()
	seededSubscription(f, models.SubscriptionStatusActive)

	_, err := f.svc.RecordPayment(context.Background(), "sub-1", RecordPaymentRequest{
		Amount: 199,
		Method: models.PaymentMethod("CHEQUE"),
	})
	assert.True(t, appErrors.Is(err, appErrors.ErrValidation))
}

func TestSubscriptionPaymentsHistory(t *testing.T) {
	f := newSubscriptionFixture()
	seededSubscription(f, models.SubscriptionStatusActive)
	_, err := f.svc.RecordPayment(context.Background(), "sub-1", RecordPaymentRequest{
		Amount: 199, Method: models.PaymentMethodCard, Paid: true,
	})
	require.NoError(t, err)

	history, err := f.svc.Payments(context.Background(), "sub-1")
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, 199.0, history[0].Amount)
}
