package service

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"

	"github.com/tatamihq/dojo-api/internal/models"
	appErrors "github.com/tatamihq/dojo-api/pkg/errors"
)

type leadRepository interface {
	List(ctx context.Context, filter models.LeadFilter) ([]models.Lead, int, error)
	FindByID(ctx context.Context, id string) (*models.Lead, error)
	FindPublicInfo(ctx context.Context, id string) (*models.PublicLeadInfo, error)
	Create(ctx context.Context, lead *models.Lead) error
	Update(ctx context.Context, lead *models.Lead) error
	UpdateStage(ctx context.Context, id string, from, to models.LeadStage, ts time.Time) (bool, error)
	Delete(ctx context.Context, id string) error
	Convert(ctx context.Context, lead *models.Lead, user *models.User, student *models.Student, sub *models.Subscription) (bool, error)
	FunnelCounts(ctx context.Context, organizationID string) (map[models.LeadStage]int, error)
	CreateActivity(ctx context.Context, activity *models.LeadActivity) error
	ListActivities(ctx context.Context, leadID string) ([]models.LeadActivity, error)
}

type leadPlanRepository interface {
	FindByID(ctx context.Context, id string) (*models.BillingPlan, error)
}

type leadOrgRepository interface {
	FindBySlug(ctx context.Context, slug string) (*models.Organization, error)
}

type leadAuditWriter interface {
	CreateAuditLog(ctx context.Context, log *models.AuditLog) error
}

type funnelCache interface {
	Get(ctx context.Context, key string, dest interface{}) (bool, error)
	Set(ctx context.Context, key string, value interface{}, ttl time.Duration) error
	Invalidate(ctx context.Context, pattern string) error
}

// CreateLeadRequest holds the payload for registering a lead.
type CreateLeadRequest struct {
	OrganizationID string  `json:"organization_id" validate:"required"`
	Name           string  `json:"name" validate:"required"`
	Email          string  `json:"email" validate:"required,email"`
	Phone          string  `json:"phone" validate:"required"`
	Source         string  `json:"source"`
	Tags           *string `json:"tags"`
	Notes          *string `json:"notes"`
}

// UpdateLeadRequest holds mutable contact fields; stage is excluded on
// purpose, stage moves have their own endpoint.
type UpdateLeadRequest struct {
	Name  string  `json:"name" validate:"required"`
	Email string  `json:"email" validate:"required,email"`
	Phone string  `json:"phone" validate:"required"`
	Tags  *string `json:"tags"`
	Notes *string `json:"notes"`
}

// MoveLeadRequest asks for a staff-driven stage move.
type MoveLeadRequest struct {
	Stage models.LeadStage `json:"stage" validate:"required"`
}

// ConvertLeadRequest enrolls a converted lead as a student.
type ConvertLeadRequest struct {
	PlanID   string                 `json:"plan_id" validate:"required"`
	Category models.StudentCategory `json:"category" validate:"required"`
	Password string                 `json:"password" validate:"required,min=8"`
}

// LoseLeadRequest marks a lead LOST with an optional reason.
type LoseLeadRequest struct {
	Reason string `json:"reason"`
}

// PublicRegisterRequest captures a lead from the landing page.
type PublicRegisterRequest struct {
	Slug  string `json:"slug" validate:"required"`
	Name  string `json:"name" validate:"required"`
	Email string `json:"email" validate:"required,email"`
	Phone string `json:"phone" validate:"required"`
}

// ConvertLeadResult reports the entities created by a conversion.
type ConvertLeadResult struct {
	Lead         *models.Lead         `json:"lead"`
	Student      *models.Student      `json:"student"`
	Subscription *models.Subscription `json:"subscription"`
}

// LeadService drives the CRM pipeline: capture, stage moves, conversion and
// the funnel report.
type LeadService struct {
	repo      leadRepository
	plans     leadPlanRepository
	orgs      leadOrgRepository
	audit     leadAuditWriter
	cache     funnelCache
	cacheTTL  time.Duration
	validator *validator.Validate
	logger    *zap.Logger
	metrics   *MetricsService
}

// NewLeadService constructs the lead service.
func NewLeadService(repo leadRepository, plans leadPlanRepository, orgs leadOrgRepository, audit leadAuditWriter, cache funnelCache, cacheTTL time.Duration, validate *validator.Validate, logger *zap.Logger, metrics *MetricsService) *LeadService {
	if validate == nil {
		validate = validator.New()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if cacheTTL <= 0 {
		cacheTTL = 5 * time.Minute
	}
	return &LeadService{
		repo: repo, plans: plans, orgs: orgs, audit: audit,
		cache: cache, cacheTTL: cacheTTL,
		validator: validate, logger: logger, metrics: metrics,
	}
}

func funnelCacheKey(organizationID string) string {
	return "crm:funnel:" + organizationID
}

// List returns leads and pagination metadata.
func (s *LeadService) List(ctx context.Context, filter models.LeadFilter) ([]models.Lead, *models.Pagination, error) {
	if filter.Stage != "" && !filter.Stage.Valid() {
		return nil, nil, appErrors.Clone(appErrors.ErrValidation, "unknown stage filter")
	}
	leads, total, err := s.repo.List(ctx, filter)
	if err != nil {
		return nil, nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to list leads")
	}
	page := filter.Page
	if page < 1 {
		page = 1
	}
	size := filter.PageSize
	if size <= 0 {
		size = 20
	}
	return leads, &models.Pagination{Page: page, PageSize: size, TotalCount: total}, nil
}

// Get returns a single lead.
func (s *LeadService) Get(ctx context.Context, id string) (*models.Lead, error) {
	lead, err := s.repo.FindByID(ctx, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.Clone(appErrors.ErrNotFound, "lead not found")
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load lead")
	}
	return lead, nil
}

// GetPublicInfo returns the landing-page view of a lead.
func (s *LeadService) GetPublicInfo(ctx context.Context, id string) (*models.PublicLeadInfo, error) {
	info, err := s.repo.FindPublicInfo(ctx, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.Clone(appErrors.ErrNotFound, "lead not found")
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load lead")
	}
	return info, nil
}

// Create registers a lead in stage NEW.
func (s *LeadService) Create(ctx context.Context, req CreateLeadRequest) (*models.Lead, error) {
	if err := s.validator.Struct(req); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "invalid lead payload")
	}
	lead := &models.Lead{
		OrganizationID: req.OrganizationID,
		Name:           req.Name,
		Email:          req.Email,
		Phone:          req.Phone,
		Stage:          models.LeadStageNew,
		Source:         req.Source,
		Tags:           req.Tags,
		Notes:          req.Notes,
	}
	if lead.Source == "" {
		lead.Source = "manual"
	}
	if err := s.repo.Create(ctx, lead); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to create lead")
	}
	s.invalidateFunnel(ctx, lead.OrganizationID)
	if s.metrics != nil {
		s.metrics.RecordLeadCaptured(lead.Source)
	}
	return lead, nil
}

// RegisterPublic captures a lead from the unauthenticated landing page,
// resolving the tenant by slug.
func (s *LeadService) RegisterPublic(ctx context.Context, req PublicRegisterRequest) (*models.PublicLeadInfo, error) {
	if err := s.validator.Struct(req); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "invalid registration payload")
	}
	org, err := s.orgs.FindBySlug(ctx, req.Slug)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.Clone(appErrors.ErrNotFound, "academy not found")
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to resolve academy")
	}
	lead, err := s.Create(ctx, CreateLeadRequest{
		OrganizationID: org.ID,
		Name:           req.Name,
		Email:          req.Email,
		Phone:          req.Phone,
		Source:         "landing_page",
	})
	if err != nil {
		return nil, err
	}
	return &models.PublicLeadInfo{
		ID:    lead.ID,
		Name:  lead.Name,
		Stage: lead.Stage,
		Organization: models.OrganizationBranding{
			Name:           org.Name,
			Slug:           org.Slug,
			PrimaryColor:   org.PrimaryColor,
			SecondaryColor: org.SecondaryColor,
			LogoURL:        org.LogoURL,
		},
	}, nil
}

// Update modifies contact fields of a lead.
func (s *LeadService) Update(ctx context.Context, id string, req UpdateLeadRequest) (*models.Lead, error) {
	if err := s.validator.Struct(req); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "invalid lead payload")
	}
	lead, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	lead.Name = req.Name
	lead.Email = req.Email
	lead.Phone = req.Phone
	lead.Tags = req.Tags
	lead.Notes = req.Notes
	if err := s.repo.Update(ctx, lead); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to update lead")
	}
	return lead, nil
}

// Move performs a staff-driven stage change. Only forward moves along the
// pipeline and moves to LOST are allowed; CONVERTED is reserved for Convert.
func (s *LeadService) Move(ctx context.Context, id string, req MoveLeadRequest, actorID string) (*models.Lead, error) {
	if err := s.validator.Struct(req); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "invalid move payload")
	}
	if !req.Stage.Valid() {
		return nil, appErrors.Clone(appErrors.ErrValidation, "unknown stage")
	}
	lead, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if !lead.Stage.CanMoveTo(req.Stage) {
		return nil, appErrors.Clone(appErrors.ErrInvalidTransition,
			fmt.Sprintf("cannot move lead from %s to %s", lead.Stage, req.Stage))
	}
	now := time.Now().UTC()
	moved, err := s.repo.UpdateStage(ctx, id, lead.Stage, req.Stage, now)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to move lead")
	}
	if !moved {
		// Another writer changed the stage between read and update.
		return nil, appErrors.Clone(appErrors.ErrInvalidTransition, "lead stage changed concurrently")
	}
	s.recordStageActivity(ctx, lead, req.Stage, actorID, "")
	s.invalidateFunnel(ctx, lead.OrganizationID)
	if s.metrics != nil {
		s.metrics.RecordStageTransition(string(lead.Stage), string(req.Stage))
	}
	return s.Get(ctx, id)
}

// ApplyEvent advances the pipeline in response to a system event (trial
// booked, trial attended). Stale events are ignored rather than failed so
// fire-and-forget callers stay simple; the catch-up rule lets TRIAL_ATTENDED
// land even when the check-in raced the stage move.
func (s *LeadService) ApplyEvent(ctx context.Context, id string, event models.LeadEvent) error {
	lead, err := s.repo.FindByID(ctx, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return appErrors.Clone(appErrors.ErrNotFound, "lead not found")
		}
		return appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load lead")
	}
	target, ok := models.NextStage(lead.Stage, event)
	if !ok {
		s.logger.Debug("pipeline event ignored",
			zap.String("lead_id", id),
			zap.String("event", string(event)),
			zap.String("stage", string(lead.Stage)))
		return nil
	}
	moved, err := s.repo.UpdateStage(ctx, id, lead.Stage, target, time.Now().UTC())
	if err != nil {
		return appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to apply pipeline event")
	}
	if moved {
		s.invalidateFunnel(ctx, lead.OrganizationID)
		if s.metrics != nil {
			s.metrics.RecordStageTransition(string(lead.Stage), string(target))
		}
	}
	return nil
}

// Convert enrolls a lead as a student with an initial subscription. The
// whole operation is one transaction and is exactly-once: a concurrent or
// repeated call gets ErrAlreadyConverted.
func (s *LeadService) Convert(ctx context.Context, id string, req ConvertLeadRequest, actorID string) (*ConvertLeadResult, error) {
	if err := s.validator.Struct(req); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "invalid conversion payload")
	}
	lead, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if lead.Stage == models.LeadStageConverted || lead.ConvertedStudentID != nil {
		return nil, appErrors.Clone(appErrors.ErrAlreadyConverted, "")
	}
	if _, ok := models.NextStage(lead.Stage, models.LeadEventConverted); !ok {
		return nil, appErrors.Clone(appErrors.ErrInvalidTransition,
			fmt.Sprintf("cannot convert lead from stage %s", lead.Stage))
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

	hash, err := bcrypt.GenerateFromPassword([]byte(req.Password), bcrypt.DefaultCost)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to hash password")
	}

	now := time.Now().UTC()
	user := &models.User{
		ID:             uuid.NewString(),
		OrganizationID: lead.OrganizationID,
		Email:          lead.Email,
		PasswordHash:   string(hash),
		FullName:       lead.Name,
		Phone:          lead.Phone,
		Role:           models.RoleStudent,
		Active:         true,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	student := &models.Student{
		ID:             uuid.NewString(),
		OrganizationID: lead.OrganizationID,
		UserID:         user.ID,
		Category:       req.Category,
		EnrollmentDate: now,
		Active:         true,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	sub := &models.Subscription{
		ID:              uuid.NewString(),
		OrganizationID:  lead.OrganizationID,
		StudentID:       student.ID,
		PlanID:          plan.ID,
		Status:          models.SubscriptionStatusActive,
		CurrentPrice:    plan.Price,
		BillingType:     plan.BillingType,
		StartDate:       now,
		NextBillingDate: plan.BillingType.NextBillingDate(now),
		CreatedAt:       now,
		UpdatedAt:       now,
	}

	converted, err := s.repo.Convert(ctx, lead, user, student, sub)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to convert lead")
	}
	if !converted {
		return nil, appErrors.Clone(appErrors.ErrAlreadyConverted, "")
	}

	s.recordStageActivity(ctx, lead, models.LeadStageConverted, actorID, "enrolled on plan "+plan.Name)
	s.invalidateFunnel(ctx, lead.OrganizationID)
	if s.metrics != nil {
		s.metrics.RecordConversion()
	}
	if s.audit != nil {
		if err := s.audit.CreateAuditLog(ctx, &models.AuditLog{
			UserID:     &actorID,
			Action:     models.AuditActionLeadConvert,
			Resource:   "lead",
			ResourceID: &lead.ID,
			NewValues:  []byte(fmt.Sprintf(`{"student_id":%q,"plan_id":%q}`, student.ID, plan.ID)),
		}); err != nil {
			s.logger.Warn("failed to record conversion audit log", zap.Error(err))
		}
	}

	lead, err = s.repo.FindByID(ctx, id)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to reload lead")
	}
	return &ConvertLeadResult{Lead: lead, Student: student, Subscription: sub}, nil
}

// Lose marks a lead LOST from any non-terminal stage.
func (s *LeadService) Lose(ctx context.Context, id string, req LoseLeadRequest, actorID string) (*models.Lead, error) {
	lead, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if lead.Stage.Terminal() {
		return nil, appErrors.Clone(appErrors.ErrInvalidTransition,
			fmt.Sprintf("lead is already %s", lead.Stage))
	}
	moved, err := s.repo.UpdateStage(ctx, id, lead.Stage, models.LeadStageLost, time.Now().UTC())
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to mark lead lost")
	}
	if !moved {
		return nil, appErrors.Clone(appErrors.ErrInvalidTransition, "lead stage changed concurrently")
	}
	s.recordStageActivity(ctx, lead, models.LeadStageLost, actorID, req.Reason)
	s.invalidateFunnel(ctx, lead.OrganizationID)
	if s.audit != nil {
		if err := s.audit.CreateAuditLog(ctx, &models.AuditLog{
			UserID:     &actorID,
			Action:     models.AuditActionLeadLose,
			Resource:   "lead",
			ResourceID: &lead.ID,
			NewValues:  []byte(fmt.Sprintf(`{"reason":%q}`, req.Reason)),
		}); err != nil {
			s.logger.Warn("failed to record lost audit log", zap.Error(err))
		}
	}
	return s.Get(ctx, id)
}

// Delete removes a lead and its activity trail. Converted leads stay:
// their student record references them.
func (s *LeadService) Delete(ctx context.Context, id string) error {
	lead, err := s.Get(ctx, id)
	if err != nil {
		return err
	}
	if lead.Stage == models.LeadStageConverted {
		return appErrors.Clone(appErrors.ErrInvalidTransition, "converted leads cannot be deleted")
	}
	if err := s.repo.Delete(ctx, id); err != nil {
		return appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to delete lead")
	}
	s.invalidateFunnel(ctx, lead.OrganizationID)
	return nil
}

// AddNote appends a free-form note to the lead's activity feed.
func (s *LeadService) AddNote(ctx context.Context, id, actorID, title, description string) (*models.LeadActivity, error) {
	if title == "" {
		return nil, appErrors.Clone(appErrors.ErrValidation, "note title is required")
	}
	if _, err := s.Get(ctx, id); err != nil {
		return nil, err
	}
	activity := &models.LeadActivity{
		LeadID:      id,
		UserID:      &actorID,
		Type:        models.LeadActivityNote,
		Title:       title,
		Description: description,
	}
	if err := s.repo.CreateActivity(ctx, activity); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to record note")
	}
	return activity, nil
}

// Activities returns the lead's feed, newest first.
func (s *LeadService) Activities(ctx context.Context, id string) ([]models.LeadActivity, error) {
	if _, err := s.Get(ctx, id); err != nil {
		return nil, err
	}
	activities, err := s.repo.ListActivities(ctx, id)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to list activities")
	}
	return activities, nil
}

// Funnel returns per-stage counts with percentages relative to total
// captured leads, cached per tenant. The second return value reports
// whether the result came from cache.
func (s *LeadService) Funnel(ctx context.Context, organizationID string) ([]models.FunnelStage, bool, error) {
	key := funnelCacheKey(organizationID)
	if s.cache != nil {
		var cached []models.FunnelStage
		if hit, err := s.cache.Get(ctx, key, &cached); err == nil && hit {
			return cached, true, nil
		}
	}

	counts, err := s.repo.FunnelCounts(ctx, organizationID)
	if err != nil {
		return nil, false, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load funnel")
	}
	total := 0
	for _, stage := range models.PipelineStages() {
		total += counts[stage]
	}
	total += counts[models.LeadStageLost]

	stages := make([]models.FunnelStage, 0, len(models.PipelineStages())+1)
	for _, stage := range append(models.PipelineStages(), models.LeadStageLost) {
		entry := models.FunnelStage{Stage: stage, Count: counts[stage]}
		if total > 0 {
			entry.Percentage = float64(entry.Count) / float64(total) * 100
		}
		stages = append(stages, entry)
	}

	if s.cache != nil {
		if err := s.cache.Set(ctx, key, stages, s.cacheTTL); err != nil {
			s.logger.Warn("failed to cache funnel", zap.Error(err))
		}
	}
	return stages, false, nil
}

func (s *LeadService) recordStageActivity(ctx context.Context, lead *models.Lead, to models.LeadStage, actorID, note string) {
	activity := &models.LeadActivity{
		LeadID:      lead.ID,
		Type:        models.LeadActivityStageChange,
		Title:       fmt.Sprintf("Stage changed from %s to %s", lead.Stage, to),
		Description: note,
	}
	if actorID != "" {
		activity.UserID = &actorID
	}
	if err := s.repo.CreateActivity(ctx, activity); err != nil {
		s.logger.Warn("failed to record stage activity",
			zap.String("lead_id", lead.ID), zap.Error(err))
	}
}

func (s *LeadService) invalidateFunnel(ctx context.Context, organizationID string) {
	if s.cache == nil {
		return
	}
	if err := s.cache.Invalidate(ctx, funnelCacheKey(organizationID)); err != nil {
		s.logger.Warn("failed to invalidate funnel cache", zap.Error(err))
	}
}
