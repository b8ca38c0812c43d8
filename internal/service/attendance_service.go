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
	"github.com/tatamihq/dojo-api/pkg/jobs"
)

type attendanceRepository interface {
	Create(ctx context.Context, record *models.AttendanceRecord) error
	FindByID(ctx context.Context, id string) (*models.AttendanceRecord, error)
	ListByLesson(ctx context.Context, lessonID string) ([]models.AttendanceDetail, error)
	List(ctx context.Context, filter models.AttendanceFilter) ([]models.AttendanceDetail, int, error)
}

type attendanceLessonStore interface {
	FindLessonByID(ctx context.Context, id string) (*models.Lesson, error)
}

type attendanceStudentStore interface {
	FindByID(ctx context.Context, id string) (*models.StudentDetail, error)
}

type attendanceLeadStore interface {
	FindByID(ctx context.Context, id string) (*models.Lead, error)
	CreateActivity(ctx context.Context, activity *models.LeadActivity) error
}

type reservationResolver interface {
	FindPendingByLeadAndLesson(ctx context.Context, leadID, lessonID string) (*models.TrialReservation, error)
	Resolve(ctx context.Context, id string, status models.ReservationStatus, resolvedAt time.Time) (bool, error)
}

type crmEnqueuer interface {
	Enqueue(job jobs.Job) error
}

// AttendanceWindow bounds when check-in is accepted relative to the lesson
// start.
type AttendanceWindow struct {
	OpensBefore time.Duration
	LateGrace   time.Duration
}

// CheckInRequest records presence for a lesson. Exactly one of StudentID
// and LeadID identifies the attendee.
type CheckInRequest struct {
	LessonID  string               `json:"lesson_id" validate:"required"`
	StudentID *string              `json:"student_id"`
	LeadID    *string              `json:"lead_id"`
	Method    models.CheckInMethod `json:"method" validate:"required"`
	Location  *string              `json:"location"`
	Notes     *string              `json:"notes"`
}

// MarkAbsentRequest records an explicit absence after the lesson.
type MarkAbsentRequest struct {
	LessonID  string  `json:"lesson_id" validate:"required"`
	StudentID *string `json:"student_id"`
	LeadID    *string `json:"lead_id"`
	Notes     *string `json:"notes"`
}

// leadCheckInPayload rides the CRM propagation queue.
type leadCheckInPayload struct {
	LeadID   string
	LessonID string
}

// AttendanceService records lesson presence for students and trial leads.
// Lead check-ins propagate to the CRM pipeline through a fire-and-forget
// job so the check-in path never blocks on CRM work.
type AttendanceService struct {
	repo         attendanceRepository
	lessons      attendanceLessonStore
	students     attendanceStudentStore
	leads        attendanceLeadStore
	reservations reservationResolver
	pipeline     pipelineAdvancer
	crmQueue     crmEnqueuer
	window       AttendanceWindow
	validator    *validator.Validate
	logger       *zap.Logger
	metrics      *MetricsService
}

// NewAttendanceService constructs the attendance service.
func NewAttendanceService(repo attendanceRepository, lessons attendanceLessonStore, students attendanceStudentStore, leads attendanceLeadStore, reservations reservationResolver, pipeline pipelineAdvancer, crmQueue crmEnqueuer, window AttendanceWindow, validate *validator.Validate, logger *zap.Logger, metrics *MetricsService) *AttendanceService {
	if validate == nil {
		validate = validator.New()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if window.OpensBefore <= 0 {
		window.OpensBefore = 30 * time.Minute
	}
	if window.LateGrace <= 0 {
		window.LateGrace = 15 * time.Minute
	}
	return &AttendanceService{
		repo: repo, lessons: lessons, students: students, leads: leads,
		reservations: reservations, pipeline: pipeline, crmQueue: crmQueue,
		window: window, validator: validate, logger: logger, metrics: metrics,
	}
}

// CheckIn records presence for a lesson. The check-in window runs from
// OpensBefore ahead of the start until LateGrace past it; arrivals after
// the start are LATE.
func (s *AttendanceService) CheckIn(ctx context.Context, req CheckInRequest) (*models.AttendanceRecord, error) {
	if err := s.validator.Struct(req); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "invalid check-in payload")
	}
	if !req.Method.Valid() {
		return nil, appErrors.Clone(appErrors.ErrValidation, "unknown check-in method")
	}
	organizationID, err := s.resolveAttendee(ctx, req.StudentID, req.LeadID)
	if err != nil {
		return nil, err
	}

	lesson, err := s.lessons.FindLessonByID(ctx, req.LessonID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.Clone(appErrors.ErrNotFound, "lesson not found")
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load lesson")
	}
	if lesson.Status != models.LessonStatusScheduled {
		return nil, appErrors.Clone(appErrors.ErrPreconditionFailed, "lesson is not open for check-in")
	}

	now := time.Now().UTC()
	opensAt := lesson.ScheduledDate.Add(-s.window.OpensBefore)
	closesAt := lesson.ScheduledDate.Add(s.window.LateGrace)
	if now.Before(opensAt) || now.After(closesAt) {
		return nil, appErrors.Clone(appErrors.ErrCheckInWindowClosed,
			fmt.Sprintf("check-in is open from %s to %s",
				opensAt.Format(time.RFC3339), closesAt.Format(time.RFC3339)))
	}
	status := models.AttendanceStatusPresent
	if now.After(lesson.ScheduledDate) {
		status = models.AttendanceStatusLate
	}

	record := &models.AttendanceRecord{
		OrganizationID: organizationID,
		StudentID:      req.StudentID,
		LeadID:         req.LeadID,
		LessonID:       lesson.ID,
		Status:         status,
		CheckInTime:    &now,
		Method:         req.Method,
		Location:       req.Location,
		Notes:          req.Notes,
	}
	if err := s.repo.Create(ctx, record); err != nil {
		if errors.Is(err, repository.ErrAttendanceExists) {
			return nil, appErrors.Clone(appErrors.ErrAlreadyCheckedIn, "")
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to record check-in")
	}

	if s.metrics != nil {
		s.metrics.RecordCheckIn(string(status))
	}

	if req.LeadID != nil && s.crmQueue != nil {
		job := jobs.Job{
			Type:    "crm.lead_checked_in",
			Payload: leadCheckInPayload{LeadID: *req.LeadID, LessonID: lesson.ID},
		}
		if err := s.crmQueue.Enqueue(job); err != nil {
			// At-most-once by design: the check-in stands even when
			// propagation is dropped.
			s.logger.Warn("failed to enqueue crm propagation",
				zap.String("lead_id", *req.LeadID), zap.Error(err))
		}
	}
	return record, nil
}

// MarkAbsent records an explicit absence. No window applies; absences are
// recorded after the fact.
func (s *AttendanceService) MarkAbsent(ctx context.Context, req MarkAbsentRequest) (*models.AttendanceRecord, error) {
	if err := s.validator.Struct(req); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "invalid absence payload")
	}
	organizationID, err := s.resolveAttendee(ctx, req.StudentID, req.LeadID)
	if err != nil {
		return nil, err
	}
	if _, err := s.lessons.FindLessonByID(ctx, req.LessonID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.Clone(appErrors.ErrNotFound, "lesson not found")
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load lesson")
	}

	record := &models.AttendanceRecord{
		OrganizationID: organizationID,
		StudentID:      req.StudentID,
		LeadID:         req.LeadID,
		LessonID:       req.LessonID,
		Status:         models.AttendanceStatusAbsent,
		Method:         models.CheckInMethodManual,
		Notes:          req.Notes,
	}
	if err := s.repo.Create(ctx, record); err != nil {
		if errors.Is(err, repository.ErrAttendanceExists) {
			return nil, appErrors.Clone(appErrors.ErrAlreadyCheckedIn, "")
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to record absence")
	}
	return record, nil
}

// PropagateLeadCheckIn resolves the lead's reservation and advances the CRM
// pipeline after a trial check-in. Runs on the zero-retry queue; every step
// is idempotent so a duplicate delivery cannot double-apply.
func (s *AttendanceService) PropagateLeadCheckIn(ctx context.Context, job jobs.Job) error {
	payload, ok := job.Payload.(leadCheckInPayload)
	if !ok {
		return fmt.Errorf("unexpected payload type %T", job.Payload)
	}

	reservation, err := s.reservations.FindPendingByLeadAndLesson(ctx, payload.LeadID, payload.LessonID)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("load reservation: %w", err)
	}
	if reservation != nil {
		resolved, err := s.reservations.Resolve(ctx, reservation.ID, models.ReservationStatusAttended, time.Now().UTC())
		if err != nil {
			return fmt.Errorf("resolve reservation: %w", err)
		}
		if !resolved {
			s.logger.Debug("reservation already resolved",
				zap.String("reservation_id", reservation.ID))
		}
	}

	if err := s.pipeline.ApplyEvent(ctx, payload.LeadID, models.LeadEventTrialAttended); err != nil {
		return fmt.Errorf("advance pipeline: %w", err)
	}

	activity := &models.LeadActivity{
		LeadID: payload.LeadID,
		Type:   models.LeadActivityCheckIn,
		Title:  "Attended trial class",
	}
	if err := s.leads.CreateActivity(ctx, activity); err != nil {
		s.logger.Warn("failed to record check-in activity",
			zap.String("lead_id", payload.LeadID), zap.Error(err))
	}
	return nil
}

// Get returns a single attendance record.
func (s *AttendanceService) Get(ctx context.Context, id string) (*models.AttendanceRecord, error) {
	record, err := s.repo.FindByID(ctx, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.Clone(appErrors.ErrNotFound, "attendance record not found")
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load attendance record")
	}
	return record, nil
}

// ListByLesson returns the roster of one lesson.
func (s *AttendanceService) ListByLesson(ctx context.Context, lessonID string) ([]models.AttendanceDetail, error) {
	records, err := s.repo.ListByLesson(ctx, lessonID)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to list lesson attendance")
	}
	return records, nil
}

// List returns attendance history with pagination.
func (s *AttendanceService) List(ctx context.Context, filter models.AttendanceFilter) ([]models.AttendanceDetail, *models.Pagination, error) {
	records, total, err := s.repo.List(ctx, filter)
	if err != nil {
		return nil, nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to list attendance")
	}
	page := filter.Page
	if page < 1 {
		page = 1
	}
	size := filter.PageSize
	if size <= 0 {
		size = 20
	}
	return records, &models.Pagination{Page: page, PageSize: size, TotalCount: total}, nil
}

func (s *AttendanceService) resolveAttendee(ctx context.Context, studentID, leadID *string) (string, error) {
	if (studentID == nil) == (leadID == nil) {
		return "", appErrors.Clone(appErrors.ErrValidation, "exactly one of student_id and lead_id is required")
	}
	if studentID != nil {
		student, err := s.students.FindByID(ctx, *studentID)
		if err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return "", appErrors.Clone(appErrors.ErrNotFound, "student not found")
			}
			return "", appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load student")
		}
		if !student.Active {
			return "", appErrors.Clone(appErrors.ErrPreconditionFailed, "student is inactive")
		}
		return student.OrganizationID, nil
	}
	lead, err := s.leads.FindByID(ctx, *leadID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", appErrors.Clone(appErrors.ErrNotFound, "lead not found")
		}
		return "", appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load lead")
	}
	if lead.Stage.Terminal() {
		return "", appErrors.Clone(appErrors.ErrPreconditionFailed,
			fmt.Sprintf("lead is %s", lead.Stage))
	}
	return lead.OrganizationID, nil
}
