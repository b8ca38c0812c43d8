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
)

type turmaRepository interface {
	List(ctx context.Context, organizationID string, activeOnly bool) ([]models.Turma, error)
	FindByID(ctx context.Context, id string) (*models.Turma, error)
	Create(ctx context.Context, turma *models.Turma) error
	Update(ctx context.Context, turma *models.Turma) error
	FindLessonByID(ctx context.Context, id string) (*models.Lesson, error)
	FindLessonDetail(ctx context.Context, id string) (*models.LessonDetail, error)
	ListLessons(ctx context.Context, filter models.LessonFilter) ([]models.LessonDetail, int, error)
	CreateLesson(ctx context.Context, lesson *models.Lesson) error
	UpdateLessonStatus(ctx context.Context, id string, status models.LessonStatus) error
}

// CreateTurmaRequest defines a new class group.
type CreateTurmaRequest struct {
	Name         string  `json:"name" validate:"required,min=2,max=120"`
	Modality     string  `json:"modality" validate:"required,min=2,max=60"`
	InstructorID *string `json:"instructor_id"`
	MaxStudents  int     `json:"max_students" validate:"required,gt=0"`
	AllowsTrial  bool    `json:"allows_trial"`
}

// UpdateTurmaRequest applies partial changes to a class group. Shrinking
// MaxStudents never evicts existing reservations; it only constrains new
// lessons.
type UpdateTurmaRequest struct {
	Name         *string `json:"name" validate:"omitempty,min=2,max=120"`
	Modality     *string `json:"modality" validate:"omitempty,min=2,max=60"`
	InstructorID *string `json:"instructor_id"`
	MaxStudents  *int    `json:"max_students" validate:"omitempty,gt=0"`
	AllowsTrial  *bool   `json:"allows_trial"`
	Active       *bool   `json:"active"`
}

// ScheduleLessonRequest schedules a single session of a turma.
type ScheduleLessonRequest struct {
	TurmaID       string    `json:"turma_id" validate:"required"`
	Title         *string   `json:"title"`
	ScheduledDate time.Time `json:"scheduled_date" validate:"required"`
	DurationMin   int       `json:"duration_min" validate:"omitempty,gt=0"`
	MaxStudents   *int      `json:"max_students" validate:"omitempty,gt=0"`
}

// TurmaService manages class groups and their scheduled lessons.
type TurmaService struct {
	repo      turmaRepository
	validator *validator.Validate
	logger    *zap.Logger
}

// NewTurmaService constructs the turma service.
func NewTurmaService(repo turmaRepository, validate *validator.Validate, logger *zap.Logger) *TurmaService {
	if validate == nil {
		validate = validator.New()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &TurmaService{repo: repo, validator: validate, logger: logger}
}

// List returns an organization's turmas.
func (s *TurmaService) List(ctx context.Context, organizationID string, activeOnly bool) ([]models.Turma, error) {
	turmas, err := s.repo.List(ctx, organizationID, activeOnly)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to list turmas")
	}
	return turmas, nil
}

// Get returns a single turma.
func (s *TurmaService) Get(ctx context.Context, id string) (*models.Turma, error) {
	turma, err := s.repo.FindByID(ctx, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.Clone(appErrors.ErrNotFound, "turma not found")
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load turma")
	}
	return turma, nil
}

// Create adds a class group.
func (s *TurmaService) Create(ctx context.Context, organizationID string, req CreateTurmaRequest) (*models.Turma, error) {
	if err := s.validator.Struct(req); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "invalid turma payload")
	}
	turma := &models.Turma{
		OrganizationID: organizationID,
		Name:           req.Name,
		Modality:       req.Modality,
		InstructorID:   req.InstructorID,
		MaxStudents:    req.MaxStudents,
		AllowsTrial:    req.AllowsTrial,
		Active:         true,
	}
	if err := s.repo.Create(ctx, turma); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to create turma")
	}
	return turma, nil
}

// Update applies partial changes to a turma.
func (s *TurmaService) Update(ctx context.Context, id string, req UpdateTurmaRequest) (*models.Turma, error) {
	if err := s.validator.Struct(req); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "invalid turma payload")
	}
	turma, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if req.Name != nil {
		turma.Name = *req.Name
	}
	if req.Modality != nil {
		turma.Modality = *req.Modality
	}
	if req.InstructorID != nil {
		turma.InstructorID = req.InstructorID
	}
	if req.MaxStudents != nil {
		turma.MaxStudents = *req.MaxStudents
	}
	if req.AllowsTrial != nil {
		turma.AllowsTrial = *req.AllowsTrial
	}
	if req.Active != nil {
		turma.Active = *req.Active
	}
	if err := s.repo.Update(ctx, turma); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to update turma")
	}
	return turma, nil
}

// ListLessons returns lessons matching the filter with pagination metadata.
func (s *TurmaService) ListLessons(ctx context.Context, filter models.LessonFilter) ([]models.LessonDetail, *models.Pagination, error) {
	lessons, total, err := s.repo.ListLessons(ctx, filter)
	if err != nil {
		return nil, nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to list lessons")
	}
	page := filter.Page
	if page < 1 {
		page = 1
	}
	size := filter.PageSize
	if size <= 0 {
		size = 20
	}
	return lessons, &models.Pagination{Page: page, PageSize: size, TotalCount: total}, nil
}

// GetLesson returns a lesson with turma context.
func (s *TurmaService) GetLesson(ctx context.Context, id string) (*models.LessonDetail, error) {
	lesson, err := s.repo.FindLessonDetail(ctx, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.Clone(appErrors.ErrNotFound, "lesson not found")
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load lesson")
	}
	return lesson, nil
}

// ScheduleLesson creates a session of a turma. Capacity defaults to the
// turma's MaxStudents and duration to an hour.
func (s *TurmaService) ScheduleLesson(ctx context.Context, req ScheduleLessonRequest) (*models.Lesson, error) {
	if err := s.validator.Struct(req); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "invalid lesson payload")
	}
	turma, err := s.Get(ctx, req.TurmaID)
	if err != nil {
		return nil, err
	}
	if !turma.Active {
		return nil, appErrors.Clone(appErrors.ErrPreconditionFailed, "turma is inactive")
	}
	if req.ScheduledDate.Before(time.Now().UTC()) {
		return nil, appErrors.Clone(appErrors.ErrValidation, "scheduled_date must be in the future")
	}

	lesson := &models.Lesson{
		TurmaID:       turma.ID,
		Title:         req.Title,
		ScheduledDate: req.ScheduledDate.UTC(),
		DurationMin:   req.DurationMin,
		MaxStudents:   turma.MaxStudents,
		Status:        models.LessonStatusScheduled,
	}
	if lesson.DurationMin <= 0 {
		lesson.DurationMin = 60
	}
	if req.MaxStudents != nil {
		lesson.MaxStudents = *req.MaxStudents
	}
	if err := s.repo.CreateLesson(ctx, lesson); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to schedule lesson")
	}
	return lesson, nil
}

// CompleteLesson marks a scheduled lesson as COMPLETED.
func (s *TurmaService) CompleteLesson(ctx context.Context, id string) (*models.Lesson, error) {
	return s.transitionLesson(ctx, id, models.LessonStatusCompleted)
}

// CancelLesson marks a scheduled lesson as CANCELLED.
func (s *TurmaService) CancelLesson(ctx context.Context, id string) (*models.Lesson, error) {
	return s.transitionLesson(ctx, id, models.LessonStatusCancelled)
}

func (s *TurmaService) transitionLesson(ctx context.Context, id string, to models.LessonStatus) (*models.Lesson, error) {
	lesson, err := s.repo.FindLessonByID(ctx, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.Clone(appErrors.ErrNotFound, "lesson not found")
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load lesson")
	}
	if lesson.Status != models.LessonStatusScheduled {
		return nil, appErrors.Clone(appErrors.ErrInvalidTransition,
			fmt.Sprintf("cannot move lesson from %s to %s", lesson.Status, to))
	}
	if err := s.repo.UpdateLessonStatus(ctx, id, to); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to update lesson")
	}
	lesson.Status = to
	return lesson, nil
}
