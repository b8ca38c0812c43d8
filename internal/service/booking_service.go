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

type bookingReservationRepository interface {
	CreateWithCapacity(ctx context.Context, res *models.TrialReservation) error
	FindPendingByLead(ctx context.Context, leadID string) (*models.TrialReservation, error)
	CancelPending(ctx context.Context, leadID string) error
}

type bookingLeadStore interface {
	FindByID(ctx context.Context, id string) (*models.Lead, error)
	CreateActivity(ctx context.Context, activity *models.LeadActivity) error
}

type bookingLessonStore interface {
	FindLessonDetail(ctx context.Context, id string) (*models.LessonDetail, error)
	ListTrialLessons(ctx context.Context, organizationID string, from, to time.Time) ([]models.LessonDetail, error)
}

type pipelineAdvancer interface {
	ApplyEvent(ctx context.Context, id string, event models.LeadEvent) error
}

// BookTrialRequest books a seat in a trial-enabled lesson for a lead.
type BookTrialRequest struct {
	LessonID string `json:"lesson_id" validate:"required"`
}

// BookingService handles trial class bookings for leads: seat reservation,
// pipeline advancement and the public slot listing.
type BookingService struct {
	reservations bookingReservationRepository
	leads        bookingLeadStore
	lessons      bookingLessonStore
	pipeline     pipelineAdvancer
	cache        funnelCache
	horizon      time.Duration
	validator    *validator.Validate
	logger       *zap.Logger
	metrics      *MetricsService
}

// NewBookingService constructs the booking service. horizon bounds how far
// ahead the public trial slot listing looks.
func NewBookingService(reservations bookingReservationRepository, leads bookingLeadStore, lessons bookingLessonStore, pipeline pipelineAdvancer, cache funnelCache, horizon time.Duration, validate *validator.Validate, logger *zap.Logger, metrics *MetricsService) *BookingService {
	if validate == nil {
		validate = validator.New()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if horizon <= 0 {
		horizon = 14 * 24 * time.Hour
	}
	return &BookingService{
		reservations: reservations, leads: leads, lessons: lessons,
		pipeline: pipeline, cache: cache, horizon: horizon,
		validator: validate, logger: logger, metrics: metrics,
	}
}

func trialSlotsCacheKey(organizationID string) string {
	return "crm:trialslots:" + organizationID
}

// TrialSlots lists bookable sessions within the configured horizon.
func (s *BookingService) TrialSlots(ctx context.Context, organizationID string) ([]models.TrialSlot, error) {
	key := trialSlotsCacheKey(organizationID)
	if s.cache != nil {
		var cached []models.TrialSlot
		if hit, err := s.cache.Get(ctx, key, &cached); err == nil && hit {
			return cached, nil
		}
	}

	now := time.Now().UTC()
	lessons, err := s.lessons.ListTrialLessons(ctx, organizationID, now, now.Add(s.horizon))
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to list trial lessons")
	}

	slots := make([]models.TrialSlot, 0, len(lessons))
	for _, lesson := range lessons {
		seats := lesson.MaxStudents - lesson.ReservedCount
		if seats <= 0 {
			continue
		}
		title := lesson.TurmaName
		if lesson.Title != nil && *lesson.Title != "" {
			title = *lesson.Title
		}
		slots = append(slots, models.TrialSlot{
			LessonID:   lesson.ID,
			Title:      title,
			StartTime:  lesson.ScheduledDate.Format(time.RFC3339),
			EndTime:    lesson.EndTime().Format(time.RFC3339),
			Modality:   lesson.Modality,
			TurmaName:  lesson.TurmaName,
			Instructor: lesson.InstructorName,
			SeatsLeft:  seats,
		})
	}

	if s.cache != nil {
		if err := s.cache.Set(ctx, key, slots, time.Minute); err != nil {
			s.logger.Warn("failed to cache trial slots", zap.Error(err))
		}
	}
	return slots, nil
}

// BookTrial reserves a seat for the lead and advances the pipeline to
// TRIAL_SCHEDULED. The seat claim is atomic at the data layer; a full
// lesson and a duplicate pending reservation surface as typed conflicts.
func (s *BookingService) BookTrial(ctx context.Context, leadID string, req BookTrialRequest) (*models.TrialReservation, error) {
	if err := s.validator.Struct(req); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "invalid booking payload")
	}

	lead, err := s.leads.FindByID(ctx, leadID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.Clone(appErrors.ErrNotFound, "lead not found")
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load lead")
	}
	// A lead already at TRIAL_SCHEDULED may rebook after cancelling; the
	// pending-reservation guard below rejects doubles.
	rebooking := lead.Stage == models.LeadStageTrialScheduled
	if _, ok := models.NextStage(lead.Stage, models.LeadEventTrialBooked); !ok && !rebooking {
		return nil, appErrors.Clone(appErrors.ErrInvalidTransition,
			fmt.Sprintf("cannot book a trial for a lead in stage %s", lead.Stage))
	}

	lesson, err := s.lessons.FindLessonDetail(ctx, req.LessonID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.Clone(appErrors.ErrNotFound, "lesson not found")
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load lesson")
	}
	if lesson.Status != models.LessonStatusScheduled {
		return nil, appErrors.Clone(appErrors.ErrPreconditionFailed, "lesson is not open for booking")
	}
	if lesson.ScheduledDate.Before(time.Now().UTC()) {
		return nil, appErrors.Clone(appErrors.ErrPreconditionFailed, "lesson has already started")
	}

	reservation := &models.TrialReservation{
		OrganizationID: lead.OrganizationID,
		LeadID:         lead.ID,
		LessonID:       lesson.ID,
		ScheduledFor:   lesson.ScheduledDate,
	}
	if err := s.reservations.CreateWithCapacity(ctx, reservation); err != nil {
		switch {
		case errors.Is(err, repository.ErrSeatUnavailable):
			return nil, appErrors.Clone(appErrors.ErrCapacityExceeded, "")
		case errors.Is(err, repository.ErrPendingReservationExists):
			return nil, appErrors.Clone(appErrors.ErrDuplicateReservation, "")
		default:
			return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to book trial")
		}
	}

	if !rebooking {
		if err := s.pipeline.ApplyEvent(ctx, lead.ID, models.LeadEventTrialBooked); err != nil {
			s.logger.Warn("failed to advance pipeline after booking",
				zap.String("lead_id", lead.ID), zap.Error(err))
		}
	}

	activity := &models.LeadActivity{
		LeadID: lead.ID,
		Type:   models.LeadActivityTrialBooked,
		Title:  "Trial class booked",
		Description: fmt.Sprintf("%s on %s", lesson.TurmaName,
			lesson.ScheduledDate.Format("2006-01-02 15:04")),
	}
	if err := s.leads.CreateActivity(ctx, activity); err != nil {
		s.logger.Warn("failed to record booking activity", zap.Error(err))
	}

	if s.cache != nil {
		if err := s.cache.Invalidate(ctx, trialSlotsCacheKey(lead.OrganizationID)); err != nil {
			s.logger.Warn("failed to invalidate trial slot cache", zap.Error(err))
		}
	}
	if s.metrics != nil {
		s.metrics.RecordTrialBooked()
	}
	return reservation, nil
}

// PendingReservation returns the lead's outstanding reservation.
func (s *BookingService) PendingReservation(ctx context.Context, leadID string) (*models.TrialReservation, error) {
	res, err := s.reservations.FindPendingByLead(ctx, leadID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.Clone(appErrors.ErrNotFound, "no pending reservation")
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load reservation")
	}
	return res, nil
}

// CancelBooking releases the lead's pending reservation and its seat.
func (s *BookingService) CancelBooking(ctx context.Context, leadID string) error {
	lead, err := s.leads.FindByID(ctx, leadID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return appErrors.Clone(appErrors.ErrNotFound, "lead not found")
		}
		return appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load lead")
	}
	if err := s.reservations.CancelPending(ctx, leadID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return appErrors.Clone(appErrors.ErrNotFound, "no pending reservation")
		}
		return appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to cancel reservation")
	}
	if s.cache != nil {
		if err := s.cache.Invalidate(ctx, trialSlotsCacheKey(lead.OrganizationID)); err != nil {
			s.logger.Warn("failed to invalidate trial slot cache", zap.Error(err))
		}
	}
	return nil
}
