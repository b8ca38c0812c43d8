package service

import (
	"context"
	"database/sql"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tatamihq/dojo-api/internal/models"
	appErrors "github.com/tatamihq/dojo-api/pkg/errors"
)

type turmaRepoStub struct {
	turmas  map[string]*models.Turma
	lessons map[string]*models.Lesson
	nextID  int
}

func newTurmaRepoStub() *turmaRepoStub {
	return &turmaRepoStub{
		turmas:  map[string]*models.Turma{},
		lessons: map[string]*models.Lesson{},
	}
}

func (r *turmaRepoStub) addTurma(active bool) *models.Turma {
	r.nextID++
	turma := &models.Turma{
		ID:             fmt.Sprintf("turma-%d", r.nextID),
		OrganizationID: "org-1",
		Name:           "Jiu-Jitsu Fundamentals",
		Modality:       "BJJ",
		MaxStudents:    20,
		AllowsTrial:    true,
		Active:         active,
	}
	r.turmas[turma.ID] = turma
	return turma
}

func (r *turmaRepoStub) addLesson(turmaID string, status models.LessonStatus) *models.Lesson {
	r.nextID++
	lesson := &models.Lesson{
		ID:            fmt.Sprintf("lesson-%d", r.nextID),
		TurmaID:       turmaID,
		ScheduledDate: time.Now().Add(24 * time.Hour).UTC(),
		DurationMin:   60,
		MaxStudents:   20,
		Status:        status,
	}
	r.lessons[lesson.ID] = lesson
	return lesson
}

func (r *turmaRepoStub) List(ctx context.Context, organizationID string, activeOnly bool) ([]models.Turma, error) {
	var out []models.Turma
	for _, turma := range r.turmas {
		if turma.OrganizationID != organizationID {
			continue
		}
		if activeOnly && !turma.Active {
			continue
		}
		out = append(out, *turma)
	}
	return out, nil
}

func (r *turmaRepoStub) FindByID(ctx context.Context, id string) (*models.Turma, error) {
	turma, ok := r.turmas[id]
	if !ok {
		return nil, sql.ErrNoRows
	}
	copy := *turma
	return &copy, nil
}

func (r *turmaRepoStub) Create(ctx context.Context, turma *models.Turma) error {
	r.nextID++
	turma.ID = fmt.Sprintf("turma-%d", r.nextID)
	r.turmas[turma.ID] = turma
	return nil
}

func (r *turmaRepoStub) Update(ctx context.Context, turma *models.Turma) error {
	r.turmas[turma.ID] = turma
	return nil
}

func (r *turmaRepoStub) FindLessonByID(ctx context.Context, id string) (*models.Lesson, error) {
	lesson, ok := r.lessons[id]
	if !ok {
		return nil, sql.ErrNoRows
	}
	copy := *lesson
	return &copy, nil
}

func (r *turmaRepoStub) FindLessonDetail(ctx context.Context, id string) (*models.LessonDetail, error) {
	lesson, ok := r.lessons[id]
	if !ok {
		return nil, sql.ErrNoRows
	}
	return &models.LessonDetail{Lesson: *lesson}, nil
}

func (r *turmaRepoStub) ListLessons(ctx context.Context, filter models.LessonFilter) ([]models.LessonDetail, int, error) {
	var out []models.LessonDetail
	for _, lesson := range r.lessons {
		if filter.TurmaID != "" && lesson.TurmaID != filter.TurmaID {
			continue
		}
		if filter.Status != "" && lesson.Status != filter.Status {
			continue
		}
		out = append(out, models.LessonDetail{Lesson: *lesson})
	}
	return out, len(out), nil
}

func (r *turmaRepoStub) CreateLesson(ctx context.Context, lesson *models.Lesson) error {
	r.nextID++
	lesson.ID = fmt.Sprintf("lesson-%d", r.nextID)
	r.lessons[lesson.ID] = lesson
	return nil
}

func (r *turmaRepoStub) UpdateLessonStatus(ctx context.Context, id string, status models.LessonStatus) error {
	lesson, ok := r.lessons[id]
	if !ok {
		return sql.ErrNoRows
	}
	lesson.Status = status
	return nil
}

func TestTurmaServiceCreateDefaultsActive(t *testing.T) {
	repo := newTurmaRepoStub()
	svc := NewTurmaService(repo, nil, nil)

	turma, err := svc.Create(context.Background(), "org-1", CreateTurmaRequest{
		Name:        "Muay Thai Evening",
		Modality:    "Muay Thai",
		MaxStudents: 15,
		AllowsTrial: true,
	})
	require.NoError(t, err)
	assert.True(t, turma.Active)
	assert.Equal(t, "org-1", turma.OrganizationID)
	assert.NotEmpty(t, turma.ID)
}

func TestTurmaServiceCreateInvalidPayload(t *testing.T) {
	svc := NewTurmaService(newTurmaRepoStub(), nil, nil)

	_, err := svc.Create(context.Background(), "org-1", CreateTurmaRequest{Name: "X"})
	require.Error(t, err)
	assert.True(t, appErrors.Is(err, appErrors.ErrValidation))
}

func TestTurmaServiceUpdatePartial(t *testing.T) {
	repo := newTurmaRepoStub()
	turma := repo.addTurma(true)
	svc := NewTurmaService(repo, nil, nil)

	capacity := 30
	inactive := false
	updated, err := svc.Update(context.Background(), turma.ID, UpdateTurmaRequest{
		MaxStudents: &capacity,
		Active:      &inactive,
	})
	require.NoError(t, err)
	assert.Equal(t, 30, updated.MaxStudents)
	assert.False(t, updated.Active)
	assert.Equal(t, "Jiu-Jitsu Fundamentals", updated.Name, "unset fields stay")
}

func TestTurmaServiceListActiveOnly(t *testing.T) {
	repo := newTurmaRepoStub()
	repo.addTurma(true)
	repo.addTurma(false)
	svc := NewTurmaService(repo, nil, nil)

	turmas, err := svc.List(context.Background(), "org-1", true)
	require.NoError(t, err)
	assert.Len(t, turmas, 1)
}

func TestTurmaServiceScheduleLessonDefaults(t *testing.T) {
	repo := newTurmaRepoStub()
	turma := repo.addTurma(true)
	svc := NewTurmaService(repo, nil, nil)

	lesson, err := svc.ScheduleLesson(context.Background(), ScheduleLessonRequest{
		TurmaID:       turma.ID,
		ScheduledDate: time.Now().Add(48 * time.Hour),
	})
	require.NoError(t, err)
	assert.Equal(t, models.LessonStatusScheduled, lesson.Status)
	assert.Equal(t, 60, lesson.DurationMin, "duration defaults to an hour")
	assert.Equal(t, turma.MaxStudents, lesson.MaxStudents, "capacity defaults to the turma's")
}

func TestTurmaServiceScheduleLessonCapacityOverride(t *testing.T) {
	repo := newTurmaRepoStub()
	turma := repo.addTurma(true)
	svc := NewTurmaService(repo, nil, nil)

	capacity := 8
	lesson, err := svc.ScheduleLesson(context.Background(), ScheduleLessonRequest{
		TurmaID:       turma.ID,
		ScheduledDate: time.Now().Add(48 * time.Hour),
		MaxStudents:   &capacity,
	})
	require.NoError(t, err)
	assert.Equal(t, 8, lesson.MaxStudents)
}

func TestTurmaServiceScheduleLessonInactiveTurma(t *testing.T) {
	repo := newTurmaRepoStub()
	turma := repo.addTurma(false)
	svc := NewTurmaService(repo, nil, nil)

	_, err := svc.ScheduleLesson(context.Background(), ScheduleLessonRequest{
		TurmaID:       turma.ID,
		ScheduledDate: time.Now().Add(48 * time.Hour),
	})
	require.Error(t, err)
	assert.True(t, appErrors.Is(err, appErrors.ErrPreconditionFailed))
}

func TestTurmaServiceScheduleLessonInThePast(t *testing.T) {
	repo := newTurmaRepoStub()
	turma := repo.addTurma(true)
	svc := NewTurmaService(repo, nil, nil)

	_, err := svc.ScheduleLesson(context.Background(), ScheduleLessonRequest{
		TurmaID:       turma.ID,
		ScheduledDate: time.Now().Add(-time.Hour),
	})
	require.Error(t, err)
	assert.True(t, appErrors.Is(err, appErrors.ErrValidation))
}

func TestTurmaServiceCompleteLesson(t *testing.T) {
	repo := newTurmaRepoStub()
	turma := repo.addTurma(true)
	lesson := repo.addLesson(turma.ID, models.LessonStatusScheduled)
	svc := NewTurmaService(repo, nil, nil)

	completed, err := svc.CompleteLesson(context.Background(), lesson.ID)
	require.NoError(t, err)
	assert.Equal(t, models.LessonStatusCompleted, completed.Status)
}

func TestTurmaServiceCancelCompletedLessonRejected(t *testing.T) {
	repo := newTurmaRepoStub()
	turma := repo.addTurma(true)
	lesson := repo.addLesson(turma.ID, models.LessonStatusCompleted)
	svc := NewTurmaService(repo, nil, nil)

	_, err := svc.CancelLesson(context.Background(), lesson.ID)
	require.Error(t, err)
	assert.True(t, appErrors.Is(err, appErrors.ErrInvalidTransition))
}

func TestTurmaServiceGetLessonNotFound(t *testing.T) {
	svc := NewTurmaService(newTurmaRepoStub(), nil, nil)

	_, err := svc.GetLesson(context.Background(), "missing")
	require.Error(t, err)
	assert.True(t, appErrors.Is(err, appErrors.ErrNotFound))
}
