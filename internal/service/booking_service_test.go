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

type reservationRepoStub struct {
	createErr error
	pending   *models.TrialReservation
	cancelled []string
}

func (r *reservationRepoStub) CreateWithCapacity(ctx context.Context, res *models.TrialReservation) error {
	if r.createErr != nil {
		return r.createErr
	}
	res.ID = "res-1"
	res.Status = models.ReservationStatusPending
	r.pending = res
	return nil
}

func (r *reservationRepoStub) FindPendingByLead(ctx context.Context, leadID string) (*models.TrialReservation, error) {
	if r.pending == nil {
		return nil, sql.ErrNoRows
	}
	return r.pending, nil
}

func (r *reservationRepoStub) CancelPending(ctx context.Context, leadID string) error {
	if r.pending == nil {
		return sql.ErrNoRows
	}
	r.cancelled = append(r.cancelled, leadID)
	r.pending = nil
	return nil
}

type bookingLeadStub struct {
	leads      map[string]*models.Lead
	activities []models.LeadActivity
}

func (s *bookingLeadStub) FindByID(ctx context.Context, id string) (*models.Lead, error) {
	lead, ok := s.leads[id]
	if !ok {
		return nil, sql.ErrNoRows
	}
	return lead, nil
}

func (s *bookingLeadStub) CreateActivity(ctx context.Context, activity *models.LeadActivity) error {
	s.activities = append(s.activities, *activity)
	return nil
}

type bookingLessonStub struct {
	lessons map[string]*models.LessonDetail
}

func (s *bookingLessonStub) FindLessonDetail(ctx context.Context, id string) (*models.LessonDetail, error) {
	lesson, ok := s.lessons[id]
	if !ok {
		return nil, sql.ErrNoRows
	}
	return lesson, nil
}

func (s *bookingLessonStub) ListTrialLessons(ctx context.Context, organizationID string, from, to time.Time) ([]models.LessonDetail, error) {
	out := make([]models.LessonDetail, 0, len(s.lessons))
	for _, lesson := range s.lessons {
		out = append(out, *lesson)
	}
	return out, nil
}

type pipelineStub struct {
	events []models.LeadEvent
	err    error
}

func (p *pipelineStub) ApplyEvent(ctx context.Context, id string, event models.LeadEvent) error {
	if p.err != nil {
		return p.err
	}
	p.events = append(p.events, event)
	return nil
}

func futureLesson(id string, seatsLeft int) *models.LessonDetail {
	return &models.LessonDetail{
		Lesson: models.Lesson{
			ID:            id,
			TurmaID:       "turma-1",
			ScheduledDate: time.Now().UTC().Add(48 * time.Hour),
			DurationMin:   60,
			MaxStudents:   10,
			ReservedCount: 10 - seatsLeft,
			Status:        models.LessonStatusScheduled,
		},
		TurmaName: "Adult BJJ",
		Modality:  "BJJ",
	}
}

func newBookingServiceForTest(res *reservationRepoStub, leads *bookingLeadStub, lessons *bookingLessonStub, pipeline *pipelineStub) *BookingService {
	return NewBookingService(res, leads, lessons, pipeline, &cacheStub{}, 0, nil, nil, nil)
}

func TestBookingServiceBookTrial(t *testing.T) {
	res := &reservationRepoStub{}
	leads := &bookingLeadStub{leads: map[string]*models.Lead{
		"lead-1": {ID: "lead-1", OrganizationID: "org-1", Stage: models.LeadStageNew},
	}}
	lessons := &bookingLessonStub{lessons: map[string]*models.LessonDetail{
		"lesson-1": futureLesson("lesson-1", 3),
	}}
	pipeline := &pipelineStub{}
	svc := newBookingServiceForTest(res, leads, lessons, pipeline)

	reservation, err := svc.BookTrial(context.Background(), "lead-1", BookTrialRequest{LessonID: "lesson-1"})
	require.NoError(t, err)
	assert.Equal(t, models.ReservationStatusPending, reservation.Status)
	assert.Equal(t, "lesson-1", reservation.LessonID)
	require.Len(t, pipeline.events, 1)
	assert.Equal(t, models.LeadEventTrialBooked, pipeline.events[0])
	require.Len(t, leads.activities, 1)
	assert.Equal(t, models.LeadActivityTrialBooked, leads.activities[0].Type)
}

func TestBookingServiceBookTrialLessonFull(t *testing.T) {
	res := &reservationRepoStub{createErr: repository.ErrSeatUnavailable}
	leads := &bookingLeadStub{leads: map[string]*models.Lead{
		"lead-1": {ID: "lead-1", OrganizationID: "org-1", Stage: models.LeadStageContacted},
	}}
	lessons := &bookingLessonStub{lessons: map[string]*models.LessonDetail{
		"lesson-1": futureLesson("lesson-1", 0),
	}}
	svc := newBookingServiceForTest(res, leads, lessons, &pipelineStub{})

	_, err := svc.BookTrial(context.Background(), "lead-1", BookTrialRequest{LessonID: "lesson-1"})
	require.Error(t, err)
	assert.True(t, appErrors.Is(err, appErrors.ErrCapacityExceeded))
}

func TestBookingServiceBookTrialDuplicatePending(t *testing.T) {
	res := &reservationRepoStub{createErr: repository.ErrPendingReservationExists}
	leads := &bookingLeadStub{leads: map[string]*models.Lead{
		"lead-1": {ID: "lead-1", OrganizationID: "org-1", Stage: models.LeadStageNew},
	}}
	lessons := &bookingLessonStub{lessons: map[string]*models.LessonDetail{
		"lesson-1": futureLesson("lesson-1", 5),
	}}
	svc := newBookingServiceForTest(res, leads, lessons, &pipelineStub{})

	_, err := svc.BookTrial(context.Background(), "lead-1", BookTrialRequest{LessonID: "lesson-1"})
	require.Error(t, err)
	assert.True(t, appErrors.Is(err, appErrors.ErrDuplicateReservation))
}

func TestBookingServiceBookTrialWrongStage(t *testing.T) {
	res := &reservationRepoStub{}
	leads := &bookingLeadStub{leads: map[string]*models.Lead{
		"lead-1": {ID: "lead-1", OrganizationID: "org-1", Stage: models.LeadStageNegotiation},
	}}
	lessons := &bookingLessonStub{lessons: map[string]*models.LessonDetail{
		"lesson-1": futureLesson("lesson-1", 5),
	}}
	svc := newBookingServiceForTest(res, leads, lessons, &pipelineStub{})

	_, err := svc.BookTrial(context.Background(), "lead-1", BookTrialRequest{LessonID: "lesson-1"})
	require.Error(t, err)
	assert.True(t, appErrors.Is(err, appErrors.ErrInvalidTransition))
	assert.Nil(t, res.pending)
}

func TestBookingServiceRebookAfterCancel(t *testing.T) {
	res := &reservationRepoStub{}
	leads := &bookingLeadStub{leads: map[string]*models.Lead{
		"lead-1": {ID: "lead-1", OrganizationID: "org-1", Stage: models.LeadStageNew},
	}}
	lessons := &bookingLessonStub{lessons: map[string]*models.LessonDetail{
		"lesson-1": futureLesson("lesson-1", 3),
	}}
	pipeline := &pipelineStub{}
	svc := newBookingServiceForTest(res, leads, lessons, pipeline)

	_, err := svc.BookTrial(context.Background(), "lead-1", BookTrialRequest{LessonID: "lesson-1"})
	require.NoError(t, err)
	leads.leads["lead-1"].Stage = models.LeadStageTrialScheduled

	require.NoError(t, svc.CancelBooking(context.Background(), "lead-1"))

	reservation, err := svc.BookTrial(context.Background(), "lead-1", BookTrialRequest{LessonID: "lesson-1"})
	require.NoError(t, err)
	assert.Equal(t, models.ReservationStatusPending, reservation.Status)
	// Only the first booking advances the pipeline; the stage is already
	// TRIAL_SCHEDULED on a rebook.
	require.Len(t, pipeline.events, 1)
}

func TestBookingServiceRebookWithPendingReservation(t *testing.T) {
	res := &reservationRepoStub{createErr: repository.ErrPendingReservationExists}
	leads := &bookingLeadStub{leads: map[string]*models.Lead{
		"lead-1": {ID: "lead-1", OrganizationID: "org-1", Stage: models.LeadStageTrialScheduled},
	}}
	lessons := &bookingLessonStub{lessons: map[string]*models.LessonDetail{
		"lesson-1": futureLesson("lesson-1", 5),
	}}
	svc := newBookingServiceForTest(res, leads, lessons, &pipelineStub{})

	_, err := svc.BookTrial(context.Background(), "lead-1", BookTrialRequest{LessonID: "lesson-1"})
	require.Error(t, err)
	assert.True(t, appErrors.Is(err, appErrors.ErrDuplicateReservation))
}

func TestBookingServiceBookTrialLessonStarted(t *testing.T) {
	res := &reservationRepoStub{}
	leads := &bookingLeadStub{leads: map[string]*models.Lead{
		"lead-1": {ID: "lead-1", OrganizationID: "org-1", Stage: models.LeadStageNew},
	}}
	started := futureLesson("lesson-1", 5)
	started.ScheduledDate = time.Now().UTC().Add(-time.Hour)
	lessons := &bookingLessonStub{lessons: map[string]*models.LessonDetail{"lesson-1": started}}
	svc := newBookingServiceForTest(res, leads, lessons, &pipelineStub{})

	_, err := svc.BookTrial(context.Background(), "lead-1", BookTrialRequest{LessonID: "lesson-1"})
	require.Error(t, err)
	assert.True(t, appErrors.Is(err, appErrors.ErrPreconditionFailed))
}

func TestBookingServiceTrialSlotsSkipsFullLessons(t *testing.T) {
	lessons := &bookingLessonStub{lessons: map[string]*models.LessonDetail{
		"lesson-1": futureLesson("lesson-1", 2),
		"lesson-2": futureLesson("lesson-2", 0),
	}}
	svc := newBookingServiceForTest(&reservationRepoStub{}, &bookingLeadStub{}, lessons, &pipelineStub{})

	slots, err := svc.TrialSlots(context.Background(), "org-1")
	require.NoError(t, err)
	require.Len(t, slots, 1)
	assert.Equal(t, "lesson-1", slots[0].LessonID)
	assert.Equal(t, 2, slots[0].SeatsLeft)
	assert.Equal(t, "Adult BJJ", slots[0].Title)
}

func TestBookingServiceCancelBooking(t *testing.T) {
	res := &reservationRepoStub{pending: &models.TrialReservation{ID: "res-1", LeadID: "lead-1"}}
	leads := &bookingLeadStub{leads: map[string]*models.Lead{
		"lead-1": {ID: "lead-1", OrganizationID: "org-1", Stage: models.LeadStageTrialScheduled},
	}}
	svc := newBookingServiceForTest(res, leads, &bookingLessonStub{}, &pipelineStub{})

	err := svc.CancelBooking(context.Background(), "lead-1")
	require.NoError(t, err)
	assert.Equal(t, []string{"lead-1"}, res.cancelled)
}

func TestBookingServiceCancelBookingNoPending(t *testing.T) {
	leads := &bookingLeadStub{leads: map[string]*models.Lead{
		"lead-1": {ID: "lead-1", OrganizationID: "org-1", Stage: models.LeadStageTrialScheduled},
	}}
	svc := newBookingServiceForTest(&reservationRepoStub{}, leads, &bookingLessonStub{}, &pipelineStub{})

	err := svc.CancelBooking(context.Background(), "lead-1")
	require.Error(t, err)
	assert.True(t, appErrors.Is(err, appErrors.ErrNotFound))
}
