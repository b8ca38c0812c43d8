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
	"github.com/tatamihq/dojo-api/internal/repository"
	appErrors "github.com/tatamihq/dojo-api/pkg/errors"
)

type subscriptionRepository interface {
	CreateIfNoActive(ctx context.Context, sub *models.Subscription) error
	FindByID(ctx context.Context, id string) (*models.Subscription, error)
	FindDetailByID(ctx context.Context, id string) (*models.SubscriptionDetail, error)
	List(ctx context.Context, filter models.SubscriptionFilter) ([]models.SubscriptionDetail, int, error)
	UpdateStatus(ctx context.Context, id string, from, to models.SubscriptionStatus, ts time.Time) (bool, error)
	ReactivateIfNoActive(ctx context.Context, id string, ts time.Time) (bool, error)
}

type subscriptionPlanStore interface {
	FindByID(ctx context.Context, id string) (*models.BillingPlan, error)
}

type subscriptionStudentStore interface {
	FindByID(ctx context.Context, id string) (*models.StudentDetail, error)
}

type subscriptionPaymentStore interface {
	Create(ctx context.Context, payment *models.Payment) error
	ListBySubscription(ctx context.Context, subscriptionID string) ([]models.Payment, error)
}

type subscriptionAuditWriter interface {
	CreateAuditLog(ctx context.Context, log *models.AuditLog) error
}

// CreateSubscriptionRequest enrolls a student on a plan. StartDate defaults
// to now; CustomPrice overrides the plan price snapshot for negotiated deals.
type CreateSubscriptionRequest struct {
	StudentID   string     `json:"student_id" validate:"required"`
	PlanID      string     `json:"plan_id" validate:"required"`
	StartDate   *time.Time `json:"start_date"`
	CustomPrice *float64   `json:"custom_price" validate:"omitempty,gt=0"`
}

// RecordPaymentRequest registers a billing event against a subscription.
type RecordPaymentRequest struct {
	Amount float64              `json:"amount" validate:"required,gt=0"`
	Method models.PaymentMethod `json:"method" validate:"required"`
	Paid   bool                 `json:"paid"`
	Notes  *string              `json:"notes"`
}

// SubscriptionService manages the subscription lifecycle: enrollment with a
// price snapshot, freeze and resume, cancellation, and payment records.
type SubscriptionService struct {
	repo      subscriptionRepository
	plans     subscriptionPlanStore
	students  subscriptionStudentStore
	payments  subscriptionPaymentStore
	audit     subscriptionAuditWriter
	validator *validator.Validate
	logger    *zap.Logger
}

// NewSubscriptionService constructs the subscription service.
func NewSubscriptionService(repo subscriptionRepository, plans subscriptionPlanStore, students subscriptionStudentStore, payments subscriptionPaymentStore, audit subscriptionAuditWriter, validate *validator.Validate, logger *zap.Logger) *SubscriptionService {
	if validate == nil {
		validate = validator.New()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &SubscriptionService{
		repo: repo, plans: plans, students: students, payments: payments,
		audit: audit, validator: validate, logger: logger,
	}
}

// List returns subscriptions and pagination metadata.
func (s *SubscriptionService) List(ctx context.Context, filter models.SubscriptionFilter) ([]models.SubscriptionDetail, *models.Pagination, error) {
	subs, total, err := s.repo.List(ctx, filter)
	if err != nil {
		return nil, nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to list subscriptions")
	}
	page := filter.Page
	if page < 1 {
		page = 1
	}
	size := filter.PageSize
	if size <= 0 {
		size = 20
	}
	return subs, &models.Pagination{Page: page, PageSize: size, TotalCount: total}, nil
}

// Get returns a subscription with plan and student context.
func (s *SubscriptionService) Get(ctx context.Context, id string) (*models.SubscriptionDetail, error) {
	sub, err := s.repo.FindDetailByID(ctx, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.Clone(appErrors.ErrNotFound, "subscription not found")
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load subscription")
	}
	return sub, nil
}

// Create enrolls a student on a plan, snapshotting the plan's current price.
// A student holds at most one ACTIVE subscription; the data layer enforces
// it atomically.
func (s *SubscriptionService) Create(ctx context.Context, req CreateSubscriptionRequest, actorID string) (*models.Subscription, error) {
	if err := s.validator.Struct(req); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "invalid subscription payload")
	}

	student, err := s.students.FindByID(ctx, req.StudentID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.Clone(appErrors.ErrNotFound, "student not found")
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load student")
	}
	if !student.Active {
		return nil, appErrors.Clone(appErrors.ErrPreconditionFailed, "student is inactive")
	}

	plan, err := s.plans.FindByID(ctx, req.PlanID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.Clone(appErrors.ErrNotFound, "plan not found")
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load plan")
	}
	if !plan.Active {
		return nil, appErrors.Clone(appErrors.ErrPreconditionFailed, "plan is not active")
	}

	start := time.Now().UTC()
	if req.StartDate != nil {
		start = req.StartDate.UTC()
	}
	price := plan.Price
	if req.CustomPrice != nil {
		price = *req.CustomPrice
	}
	sub := &models.Subscription{
		OrganizationID:  student.OrganizationID,
		StudentID:       student.ID,
		PlanID:          plan.ID,
		Status:          models.SubscriptionStatusActive,
		CurrentPrice:    price,
		BillingType:     plan.BillingType,
		StartDate:       start,
		NextBillingDate: plan.BillingType.NextBillingDate(start),
	}
	if err := s.repo.CreateIfNoActive(ctx, sub); err != nil {
		if errors.Is(err, repository.ErrActiveSubscriptionExists) {
			return nil, appErrors.Clone(appErrors.ErrDuplicateActiveSubscription, "")
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to create subscription")
	}

	s.writeAudit(ctx, actorID, models.AuditActionSubscribe, sub.ID,
		fmt.Sprintf(`{"student_id":%q,"plan_id":%q,"price":%.2f}`, student.ID, plan.ID, price))
	return sub, nil
}

// Cancel terminates a subscription. Cancellation is terminal; a second
// cancel gets ErrAlreadyCancelled, and any other non-active source state
// errors as an invalid transition.
func (s *SubscriptionService) Cancel(ctx context.Context, id, actorID string) (*models.Subscription, error) {
	sub, err := s.repo.FindByID(ctx, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.Clone(appErrors.ErrNotFound, "subscription not found")
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load subscription")
	}
	if sub.Status == models.SubscriptionStatusCancelled {
		return nil, appErrors.Clone(appErrors.ErrAlreadyCancelled, "")
	}
	if sub.Status != models.SubscriptionStatusActive && sub.Status != models.SubscriptionStatusFrozen {
		return nil, appErrors.Clone(appErrors.ErrInvalidTransition,
			fmt.Sprintf("cannot cancel a %s subscription", sub.Status))
	}

	ok, err := s.repo.UpdateStatus(ctx, id, sub.Status, models.SubscriptionStatusCancelled, time.Now().UTC())
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to cancel subscription")
	}
	if !ok {
		return nil, appErrors.Clone(appErrors.ErrAlreadyCancelled, "subscription status changed concurrently")
	}

	s.writeAudit(ctx, actorID, models.AuditActionCancelSub, id, `{"status":"CANCELLED"}`)
	return s.repo.FindByID(ctx, id)
}

// Freeze pauses an active subscription. Freezing is reversible via Resume.
func (s *SubscriptionService) Freeze(ctx context.Context, id string) (*models.Subscription, error) {
	return s.transition(ctx, id, models.SubscriptionStatusActive, models.SubscriptionStatusFrozen)
}

// Resume reactivates a frozen subscription. The student may have enrolled
// on another plan while this one was frozen, so the reactivation carries the
// same single-active guard as Create.
func (s *SubscriptionService) Resume(ctx context.Context, id string) (*models.Subscription, error) {
	sub, err := s.repo.FindByID(ctx, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.Clone(appErrors.ErrNotFound, "subscription not found")
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load subscription")
	}
	if sub.Status != models.SubscriptionStatusFrozen {
		return nil, appErrors.Clone(appErrors.ErrInvalidTransition,
			fmt.Sprintf("cannot move subscription from %s to %s", sub.Status, models.SubscriptionStatusActive))
	}

	ok, err := s.repo.ReactivateIfNoActive(ctx, id, time.Now().UTC())
	if err != nil {
		if errors.Is(err, repository.ErrActiveSubscriptionExists) {
			return nil, appErrors.Clone(appErrors.ErrDuplicateActiveSubscription, "")
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to resume subscription")
	}
	if !ok {
		// Either another ACTIVE subscription appeared or the status moved
		// concurrently; re-read to tell them apart.
		current, err := s.repo.FindByID(ctx, id)
		if err == nil && current.Status == models.SubscriptionStatusFrozen {
			return nil, appErrors.Clone(appErrors.ErrDuplicateActiveSubscription,
				"student already has an active subscription")
		}
		return nil, appErrors.Clone(appErrors.ErrInvalidTransition, "subscription status changed concurrently")
	}
	return s.repo.FindByID(ctx, id)
}

func (s *SubscriptionService) transition(ctx context.Context, id string, from, to models.SubscriptionStatus) (*models.Subscription, error) {
	sub, err := s.repo.FindByID(ctx, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.Clone(appErrors.ErrNotFound, "subscription not found")
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load subscription")
	}
	if sub.Status != from {
		return nil, appErrors.Clone(appErrors.ErrInvalidTransition,
			fmt.Sprintf("cannot move subscription from %s to %s", sub.Status, to))
	}
	ok, err := s.repo.UpdateStatus(ctx, id, from, to, time.Now().UTC())
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to update subscription")
	}
	if !ok {
		return nil, appErrors.Clone(appErrors.ErrInvalidTransition, "subscription status changed concurrently")
	}
	return s.repo.FindByID(ctx, id)
}

// RecordPayment registers a billing event. Payments never change the
// subscription's status; dunning is out of scope here.
func (s *SubscriptionService) RecordPayment(ctx context.Context, subscriptionID string, req RecordPaymentRequest) (*models.Payment, error) {
	if err := s.validator.Struct(req); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "invalid payment payload")
	}
	if !req.Method.Valid() {
		return nil, appErrors.Clone(appErrors.ErrValidation, "unknown payment method")
	}
	sub, err := s.repo.FindByID(ctx, subscriptionID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.Clone(appErrors.ErrNotFound, "subscription not found")
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load subscription")
	}

	payment := &models.Payment{
		OrganizationID: sub.OrganizationID,
		SubscriptionID: sub.ID,
		Amount:         req.Amount,
		Method:         req.Method,
		Status:         models.PaymentStatusPending,
		Notes:          req.Notes,
	}
	if req.Paid {
		now := time.Now().UTC()
		payment.Status = models.PaymentStatusPaid
		payment.PaidAt = &now
	}
	if err := s.payments.Create(ctx, payment); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to record payment")
	}
	return payment, nil
}

// Payments returns the billing history of a subscription.
func (s *SubscriptionService) Payments(ctx context.Context, subscriptionID string) ([]models.Payment, error) {
	if _, err := s.repo.FindByID(ctx, subscriptionID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.Clone(appErrors.ErrNotFound, "subscription not found")
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load subscription")
	}
	payments, err := s.payments.ListBySubscription(ctx, subscriptionID)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to list payments")
	}
	return payments, nil
}

func (s *SubscriptionService) writeAudit(ctx context.Context, actorID, action, resourceID, payload string) {
	if s.audit == nil {
		return
	}
	log := &models.AuditLog{
		Action:     action,
		Resource:   "subscription",
		ResourceID: &resourceID,
		NewValues:  []byte(payload),
	}
	if actorID != "" {
		log.UserID = &actorID
	}
	if err := s.audit.CreateAuditLog(ctx, log); err != nil {
		s.logger.Warn("failed to record subscription audit log", zap.Error(err))
	}
}
