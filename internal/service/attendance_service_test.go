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
	"github.com/tatamihq/dojo-api/pkg/jobs"
)

type attendanceRepoStub struct {
	created   []*models.AttendanceRecord
	createErr error
}

func (s *attendanceRepoStub) Create(ctx context.Context, record *models.AttendanceRecord) error {
	if s.createErr != nil {
		return s.createErr
	}
	record.ID = "att-1"
	s.created = append(s.created, record)
	return nil
}

func (s *attendanceRepoStub) FindByID(ctx context.Context, id string) (*models.AttendanceRecord, error) {
	for _, r := range s.created {
		if r.ID == id {
			return r, nil
		}
	}
	return nil, sql.ErrNoRows
}

func (s *attendanceRepoStub) ListByLesson(ctx context.Context, lessonID string) ([]models.AttendanceDetail, error) {
	return nil, nil
}

func (s *attendanceRepoStub) List(ctx context.Context, filter models.AttendanceFilter) ([]models.AttendanceDetail, int, error) {
	return nil, 0, nil
}

type attendanceLessonStub struct {
	lessons map[string]*models.Lesson
}

func (s *attendanceLessonStub) FindLessonByID(ctx context.Context, id string) (*models.Lesson, error) {
	lesson, ok := s.lessons[id]
	if !ok {
		return nil, sql.ErrNoRows
	}
	return lesson, nil
}

type attendanceStudentStub struct {
	students map[string]*models.StudentDetail
}

func (s *attendanceStudentStub) FindByID(ctx context.Context, id string) (*models.StudentDetail, error) {
	student, ok := s.students[id]
	if !ok {
		return nil, sql.ErrNoRows
	}
	return student, nil
}

type reservationResolverStub struct {
	pending    *models.TrialReservation
	resolved   []string
	resolveOK  bool
	resolveErr error
}

func (s *reservationResolverStub) FindPendingByLeadAndLesson(ctx context.Context, leadID, lessonID string) (*models.TrialReservation, error) {
	if s.pending == nil {
		return nil, sql.ErrNoRows
	}
	return s.pending, nil
}

func (s *reservationResolverStub) Resolve(ctx context.Context, id string, status models.ReservationStatus, resolvedAt time.Time) (bool, error) {
	if s.resolveErr != nil {
		return false, s.resolveErr
	}
	s.resolved = append(s.resolved, id)
	return s.resolveOK, nil
}

type crmQueueStub struct {
	jobs       []jobs.Job
	enqueueErr error
}

func (s *crmQueueStub) Enqueue(job jobs.Job) error {
	if s.enqueueErr != nil {
		return s.enqueueErr
	}
	s.jobs = append(s.jobs, job)
	return nil
}

func scheduledLesson(id string, start time.Time) *models.Lesson {
	return &models.Lesson{
		ID:            id,
		TurmaID:       "turma-1",
		ScheduledDate: start,
		DurationMin:   60,
		MaxStudents:   20,
		Status:        models.LessonStatusScheduled,
	}
}

func activeStudent(id string) *models.StudentDetail {
	return &models.StudentDetail{
		Student: models.Student{
			ID:             id,
			OrganizationID: "org-1",
			UserID:         "user-1",
			Active:         true,
		},
		FullName: "Ana Souza",
	}
}

type attendanceFixture struct {
	repo         *attendanceRepoStub
	lessons      *attendanceLessonStub
	students     *attendanceStudentStub
	leads        *bookingLeadStub
	reservations *reservationResolverStub
	pipeline     *pipelineStub
	crmQueue     *crmQueueStub
	svc          *AttendanceService
}

func newAttendanceFixture() *attendanceFixture {
	f := &attendanceFixture{
		repo:         &attendanceRepoStub{},
		lessons:      &attendanceLessonStub{lessons: map[string]*models.Lesson{}},
		students:     &attendanceStudentStub{students: map[string]*models.StudentDetail{}},
		leads:        &bookingLeadStub{leads: map[string]*models.Lead{}},
		reservations: &reservationResolverStub{resolveOK: true},
		pipeline:     &pipelineStub{},
		crmQueue:     &crmQueueStub{},
	}
	f.svc = NewAttendanceService(f.repo, f.lessons, f.students, f.leads,
		f.reservations, f.pipeline, f.crmQueue, AttendanceWindow{}, nil, nil, nil)
	return f
}

func strPtr(s string) *string { return &s }

func TestAttendanceCheckInPresent(t *testing.T) {
	f := newAttendanceFixture()
	f.students.students["st-1"] = activeStudent("st-1")
	f.lessons.lessons["ls-1"] = scheduledLesson("ls-1", time.Now().UTC().Add(10*time.Minute))

	record, err := f.svc.CheckIn(context.Background(), CheckInRequest{
		LessonID:  "ls-1",
		StudentID: strPtr("st-1"),
		Method:    models.CheckInMethodQRCode,
	})
	require.NoError(t, err)
	assert.Equal(t, models.AttendanceStatusPresent, record.Status)
	assert.Equal(t, "org-1", record.OrganizationID)
	require.NotNil(t, record.CheckInTime)
	assert.Empty(t, f.crmQueue.jobs, "student check-in must not touch the crm queue")
}

func TestAttendanceCheckInLateAfterStart(t *testing.T) {
	f := newAttendanceFixture()
	f.students.students["st-1"] = activeStudent("st-1")
	f.lessons.lessons["ls-1"] = scheduledLesson("ls-1", time.Now().UTC().Add(-5*time.Minute))

	record, err := f.svc.CheckIn(context.Background(), CheckInRequest{
		LessonID:  "ls-1",
		StudentID: strPtr("st-1"),
		Method:    models.CheckInMethodManual,
	})
	require.NoError(t, err)
	assert.Equal(t, models.AttendanceStatusLate, record.Status)
}

func TestAttendanceCheckInWindowNotOpenYet(t *testing.T) {
	f := newAttendanceFixture()
	f.students.students["st-1"] = activeStudent("st-1")
	f.lessons.lessons["ls-1"] = scheduledLesson("ls-1", time.Now().UTC().Add(2*time.Hour))

	_, err := f.svc.CheckIn(context.Background(), CheckInRequest{
		LessonID:  "ls-1",
		StudentID: strPtr("st-1"),
		Method:    models.CheckInMethodManual,
	})
	assert.True(t, appErrors.Is(err, appErrors.ErrCheckInWindowClosed))
	assert.Empty(t, f.repo.created)
}

func TestAttendanceCheckInWindowClosed(t *testing.T) {
	f := newAttendanceFixture()
	f.students.students["st-1"] = activeStudent("st-1")
	f.lessons.lessons["ls-1"] = scheduledLesson("ls-1", time.Now().UTC().Add(-time.Hour))

	_, err := f.svc.CheckIn(context.Background(), CheckInRequest{
		LessonID:  "ls-1",
		StudentID: strPtr("st-1"),
		Method:    models.CheckInMethodManual,
	})
	assert.True(t, appErrors.Is(err, appErrors.ErrCheckInWindowClosed))
}

func TestAttendanceCheckInDuplicate(t *testing.T) {
	f := newAttendanceFixture()
	f.repo.createErr = repository.ErrAttendanceExists
	f.students.students["st-1"] = activeStudent("st-1")
	f.lessons.lessons["ls-1"] = scheduledLesson("ls-1", time.Now().UTC().Add(5*time.Minute))

	_, err := f.svc.CheckIn(context.Background(), CheckInRequest{
		LessonID:  "ls-1",
		StudentID: strPtr("st-1"),
		Method:    models.CheckInMethodManual,
	})
	assert.True(t, appErrors.Is(err, appErrors.ErrAlreadyCheckedIn))
}

func TestAttendanceCheckInRequiresExactlyOneAttendee(t *testing.T) {
	f := newAttendanceFixture()
	f.lessons.lessons["ls-1"] = scheduledLesson("ls-1", time.Now().UTC().Add(5*time.Minute))

	_, err := f.svc.CheckIn(context.Background(), CheckInRequest{
		LessonID: "ls-1",
		Method:   models.CheckInMethodManual,
	})
	assert.True(t, appErrors.Is(err, appErrors.ErrValidation))

	_, err = f.svc.CheckIn(context.Background(), CheckInRequest{
		LessonID:  "ls-1",
		StudentID: strPtr("st-1"),
		LeadID:    strPtr("lead-1"),
		Method:    models.CheckInMethodManual,
	})
	assert.True(t, appErrors.Is(err, appErrors.ErrValidation))
}

func TestAttendanceCheckInInactiveStudent(t *testing.T) {
	f := newAttendanceFixture()
	student := activeStudent("st-1")
	student.Active = false
	f.students.students["st-1"] = student
	f.lessons.lessons["ls-1"] = scheduledLesson("ls-1", time.Now().UTC().Add(5*time.Minute))

	_, err := f.svc.CheckIn(context.Background(), CheckInRequest{
		LessonID:  "ls-1",
		StudentID: strPtr("st-1"),
		Method:    models.CheckInMethodManual,
	})
	assert.True(t, appErrors.Is(err, appErrors.ErrPreconditionFailed))
}

func TestAttendanceLeadCheckInEnqueuesPropagation(t *testing.T) {
	f := newAttendanceFixture()
	f.leads.leads["lead-1"] = &models.Lead{
		ID:             "lead-1",
		OrganizationID: "org-1",
		Stage:          models.LeadStageTrialScheduled,
	}
	f.lessons.lessons["ls-1"] = scheduledLesson("ls-1", time.Now().UTC().Add(5*time.Minute))

	record, err := f.svc.CheckIn(context.Background(), CheckInRequest{
		LessonID: "ls-1",
		LeadID:   strPtr("lead-1"),
		Method:   models.CheckInMethodQRCode,
	})
	require.NoError(t, err)
	assert.Equal(t, models.AttendanceStatusPresent, record.Status)
	require.Len(t, f.crmQueue.jobs, 1)
	assert.Equal(t, "crm.lead_checked_in", f.crmQueue.jobs[0].Type)
	payload, ok := f.crmQueue.jobs[0].Payload.(leadCheckInPayload)
	require.True(t, ok)
	assert.Equal(t, "lead-1", payload.LeadID)
	assert.Equal(t, "ls-1", payload.LessonID)
}

func TestAttendanceLeadCheckInEnqueueFailureKeepsRecord(t *testing.T) {
	f := newAttendanceFixture()
	f.crmQueue.enqueueErr = assert.AnError
	f.leads.leads["lead-1"] = &models.Lead{
		ID:             "lead-1",
		OrganizationID: "org-1",
		Stage:          models.LeadStageTrialScheduled,
	}
	f.lessons.lessons["ls-1"] = scheduledLesson("ls-1", time.Now().UTC().Add(5*time.Minute))

	record, err := f.svc.CheckIn(context.Background(), CheckInRequest{
		LessonID: "ls-1",
		LeadID:   strPtr("lead-1"),
		Method:   models.CheckInMethodManual,
	})
	require.NoError(t, err)
	assert.NotEmpty(t, record.ID)
	assert.Len(t, f.repo.created, 1)
}

func TestAttendanceCheckInTerminalLead(t *testing.T) {
	f := newAttendanceFixture()
	f.leads.leads["lead-1"] = &models.Lead{
		ID:             "lead-1",
		OrganizationID: "org-1",
		Stage:          models.LeadStageLost,
	}
	f.lessons.lessons["ls-1"] = scheduledLesson("ls-1", time.Now().UTC().Add(5*time.Minute))

	_, err := f.svc.CheckIn(context.Background(), CheckInRequest{
		LessonID: "ls-1",
		LeadID:   strPtr("lead-1"),
		Method:   models.CheckInMethodManual,
	})
	assert.True(t, appErrors.Is(err, appErrors.ErrPreconditionFailed))
}

func TestAttendanceMarkAbsentSkipsWindow(t *testing.T) {
	f := newAttendanceFixture()
	f.students.students["st-1"] = activeStudent("st-1")
	f.lessons.lessons["ls-1"] = scheduledLesson("ls-1", time.Now().UTC().Add(-6*time.Hour))

	record, err := f.svc.MarkAbsent(context.Background(), MarkAbsentRequest{
		LessonID:  "ls-1",
		StudentID: strPtr("st-1"),
	})
	require.NoError(t, err)
	assert.Equal(t, models.AttendanceStatusAbsent, record.Status)
	assert.Nil(t, record.CheckInTime)
}

func TestAttendancePropagateLeadCheckIn(t *testing.T) {
	f := newAttendanceFixture()
	f.leads.leads["lead-1"] = &models.Lead{
		ID:             "lead-1",
		OrganizationID: "org-1",
		Stage:          models.LeadStageTrialScheduled,
	}
	f.reservations.pending = &models.TrialReservation{
		ID:       "res-1",
		LeadID:   "lead-1",
		LessonID: "ls-1",
		Status:   models.ReservationStatusPending,
	}

	err := f.svc.PropagateLeadCheckIn(context.Background(), jobs.Job{
		Type:    "crm.lead_checked_in",
		Payload: leadCheckInPayload{LeadID: "lead-1", LessonID: "ls-1"},
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"res-1"}, f.reservations.resolved)
	require.Len(t, f.pipeline.events, 1)
	assert.Equal(t, models.LeadEventTrialAttended, f.pipeline.events[0])
	require.Len(t, f.leads.activities, 1)
	assert.Equal(t, models.LeadActivityCheckIn, f.leads.activities[0].Type)
}

func TestAttendancePropagateWithoutReservation(t *testing.T) {
	f := newAttendanceFixture()

	err := f.svc.PropagateLeadCheckIn(context.Background(), jobs.Job{
		Type:    "crm.lead_checked_in",
		Payload: leadCheckInPayload{LeadID: "lead-1", LessonID: "ls-1"},
	})
	require.NoError(t, err)
	assert.Empty(t, f.reservations.resolved)
	require.Len(t, f.pipeline.events, 1)
	assert.Equal(t, models.LeadEventTrialAttended, f.pipeline.events[0])
}

func TestAttendancePropagateAlreadyResolved(t *testing.T) {
	f := newAttendanceFixture()
	f.reservations.resolveOK = false
	f.reservations.pending = &models.TrialReservation{
		ID:     "res-1",
		LeadID: "lead-1",
		Status: models.ReservationStatusPending,
	}

	err := f.svc.PropagateLeadCheckIn(context.Background(), jobs.Job{
		Type:    "crm.lead_checked_in",
		Payload: leadCheckInPayload{LeadID: "lead-1", LessonID: "ls-1"},
	})
	require.NoError(t, err)
	require.Len(t, f.pipeline.events, 1)
}
