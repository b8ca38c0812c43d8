package service

import (
	"context"
	"database/sql"
	"errors"

	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"github.com/tatamihq/dojo-api/internal/models"
	appErrors "github.com/tatamihq/dojo-api/pkg/errors"
)

type planRepository interface {
	List(ctx context.Context, filter models.PlanFilter) ([]models.BillingPlan, error)
	FindByID(ctx context.Context, id string) (*models.BillingPlan, error)
	Create(ctx context.Context, plan *models.BillingPlan) error
	Update(ctx context.Context, plan *models.BillingPlan) error
	Deactivate(ctx context.Context, id string) error
}

// CreatePlanRequest defines a new billing plan.
type CreatePlanRequest struct {
	Name           string                  `json:"name" validate:"required,min=2,max=120"`
	Description    *string                 `json:"description"`
	Category       *models.StudentCategory `json:"category"`
	Price          float64                 `json:"price" validate:"required,gt=0"`
	BillingType    models.BillingType      `json:"billing_type" validate:"required"`
	ClassesPerWeek int                     `json:"classes_per_week" validate:"min=0"`
	MaxClasses     *int                    `json:"max_classes"`
}

// UpdatePlanRequest reprices or renames a plan. Existing subscriptions keep
// the price snapshotted at enrollment time; changes here only affect new
// enrollments.
type UpdatePlanRequest struct {
	Name           *string  `json:"name" validate:"omitempty,min=2,max=120"`
	Description    *string  `json:"description"`
	Price          *float64 `json:"price" validate:"omitempty,gt=0"`
	ClassesPerWeek *int     `json:"classes_per_week" validate:"omitempty,min=0"`
	MaxClasses     *int     `json:"max_classes"`
	Active         *bool    `json:"active"`
}

// PlanService manages the billing plan catalog.
type PlanService struct {
	repo      planRepository
	validator *validator.Validate
	logger    *zap.Logger
}

// NewPlanService constructs the plan service.
func NewPlanService(repo planRepository, validate *validator.Validate, logger *zap.Logger) *PlanService {
	if validate == nil {
		validate = validator.New()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &PlanService{repo: repo, validator: validate, logger: logger}
}

// List returns plans matching the filter, cheapest first.
func (s *PlanService) List(ctx context.Context, filter models.PlanFilter) ([]models.BillingPlan, error) {
	plans, err := s.repo.List(ctx, filter)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to list plans")
	}
	return plans, nil
}

// Get returns a single plan.
func (s *PlanService) Get(ctx context.Context, id string) (*models.BillingPlan, error) {
	plan, err := s.repo.FindByID(ctx, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.Clone(appErrors.ErrNotFound, "plan not found")
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load plan")
	}
	return plan, nil
}

// Create adds a plan to the catalog.
func (s *PlanService) Create(ctx context.Context, organizationID string, req CreatePlanRequest) (*models.BillingPlan, error) {
	if err := s.validator.Struct(req); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "invalid plan payload")
	}
	if !req.BillingType.Valid() {
		return nil, appErrors.Clone(appErrors.ErrValidation, "unknown billing type")
	}
	plan := &models.BillingPlan{
		OrganizationID: organizationID,
		Name:           req.Name,
		Description:    req.Description,
		Category:       req.Category,
		Price:          req.Price,
		BillingType:    req.BillingType,
		ClassesPerWeek: req.ClassesPerWeek,
		MaxClasses:     req.MaxClasses,
		Active:         true,
	}
	if err := s.repo.Create(ctx, plan); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to create plan")
	}
	return plan, nil
}

// Update applies partial changes to a plan.
func (s *PlanService) Update(ctx context.Context, id string, req UpdatePlanRequest) (*models.BillingPlan, error) {
	if err := s.validator.Struct(req); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "invalid plan payload")
	}
	plan, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if req.Name != nil {
		plan.Name = *req.Name
	}
	if req.Description != nil {
		plan.Description = req.Description
	}
	if req.Price != nil {
		plan.Price = *req.Price
	}
	if req.ClassesPerWeek != nil {
		plan.ClassesPerWeek = *req.ClassesPerWeek
	}
	if req.MaxClasses != nil {
		plan.MaxClasses = req.MaxClasses
	}
	if req.Active != nil {
		plan.Active = *req.Active
	}
	if err := s.repo.Update(ctx, plan); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to update plan")
	}
	return plan, nil
}

// Deactivate retires a plan from new enrollments. Existing subscriptions
// are untouched.
func (s *PlanService) Deactivate(ctx context.Context, id string) error {
	if _, err := s.Get(ctx, id); err != nil {
		return err
	}
	if err := s.repo.Deactivate(ctx, id); err != nil {
		return appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to deactivate plan")
	}
	return nil
}
