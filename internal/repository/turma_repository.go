package repository

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/tatamihq/dojo-api/internal/models"
)

// TurmaRepository handles persistence of turmas and their scheduled lessons.
type TurmaRepository struct {
	db *sqlx.DB
}

// NewTurmaRepository constructs the repository.
func NewTurmaRepository(db *sqlx.DB) *TurmaRepository {
	return &TurmaRepository{db: db}
}

const turmaColumns = `id, organization_id, name, modality, instructor_id, max_students, allows_trial, active, created_at, updated_at`

const lessonColumns = `id, turma_id, title, scheduled_date, duration_min, max_students, reserved_count, checked_in, status, created_at, updated_at`

// List returns turmas for an organization.
func (r *TurmaRepository) List(ctx context.Context, organizationID string, activeOnly bool) ([]models.Turma, error) {
	query := fmt.Sprintf("SELECT %s FROM turmas WHERE organization_id = $1", turmaColumns)
	if activeOnly {
		query += " AND active = TRUE"
	}
	query += " ORDER BY name ASC"
	var turmas []models.Turma
	if err := r.db.SelectContext(ctx, &turmas, query, organizationID); err != nil {
		return nil, fmt.Errorf("list turmas: %w", err)
	}
	return turmas, nil
}

// FindByID returns a turma by its ID.
func (r *TurmaRepository) FindByID(ctx context.Context, id string) (*models.Turma, error) {
	query := fmt.Sprintf("SELECT %s FROM turmas WHERE id = $1", turmaColumns)
	var turma models.Turma
	if err := r.db.GetContext(ctx, &turma, query, id); err != nil {
		return nil, err
	}
	return &turma, nil
}

// Create persists a new turma.
func (r *TurmaRepository) Create(ctx context.Context, turma *models.Turma) error {
	if turma.ID == "" {
		turma.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	turma.CreatedAt = now
	turma.UpdatedAt = now
	const query = `INSERT INTO turmas (id, organization_id, name, modality, instructor_id, max_students, allows_trial, active, created_at, updated_at)
		VALUES (:id, :organization_id, :name, :modality, :instructor_id, :max_students, :allows_trial, :active, :created_at, :updated_at)`
	if _, err := r.db.NamedExecContext(ctx, query, turma); err != nil {
		return fmt.Errorf("create turma: %w", err)
	}
	return nil
}

// Update modifies a turma.
func (r *TurmaRepository) Update(ctx context.Context, turma *models.Turma) error {
	turma.UpdatedAt = time.Now().UTC()
	const query = `UPDATE turmas SET name = :name, modality = :modality, instructor_id = :instructor_id,
		max_students = :max_students, allows_trial = :allows_trial, active = :active, updated_at = :updated_at
		WHERE id = :id`
	if _, err := r.db.NamedExecContext(ctx, query, turma); err != nil {
		return fmt.Errorf("update turma: %w", err)
	}
	return nil
}

// FindLessonByID returns a lesson by its ID.
func (r *TurmaRepository) FindLessonByID(ctx context.Context, id string) (*models.Lesson, error) {
	query := fmt.Sprintf("SELECT %s FROM turma_lessons WHERE id = $1", lessonColumns)
	var lesson models.Lesson
	if err := r.db.GetContext(ctx, &lesson, query, id); err != nil {
		return nil, err
	}
	return &lesson, nil
}

// FindLessonDetail returns a lesson with turma context.
func (r *TurmaRepository) FindLessonDetail(ctx context.Context, id string) (*models.LessonDetail, error) {
	const query = `SELECT l.id, l.turma_id, l.title, l.scheduled_date, l.duration_min, l.max_students,
		l.reserved_count, l.checked_in, l.status, l.created_at, l.updated_at,
		t.name AS turma_name, t.modality, u.full_name AS instructor_name
		FROM turma_lessons l
		JOIN turmas t ON t.id = l.turma_id
		LEFT JOIN users u ON u.id = t.instructor_id
		WHERE l.id = $1`
	var detail models.LessonDetail
	if err := r.db.GetContext(ctx, &detail, query, id); err != nil {
		return nil, err
	}
	return &detail, nil
}

// ListLessons returns lessons filtered by the provided criteria.
func (r *TurmaRepository) ListLessons(ctx context.Context, filter models.LessonFilter) ([]models.LessonDetail, int, error) {
	base := `FROM turma_lessons l
		JOIN turmas t ON t.id = l.turma_id
		LEFT JOIN users u ON u.id = t.instructor_id`
	conditions := []string{"t.organization_id = $1"}
	args := []interface{}{filter.OrganizationID}

	if filter.TurmaID != "" {
		conditions = append(conditions, fmt.Sprintf("l.turma_id = $%d", len(args)+1))
		args = append(args, filter.TurmaID)
	}
	if filter.Status != "" {
		conditions = append(conditions, fmt.Sprintf("l.status = $%d", len(args)+1))
		args = append(args, filter.Status)
	}
	if filter.DateFrom != nil {
		conditions = append(conditions, fmt.Sprintf("l.scheduled_date >= $%d", len(args)+1))
		args = append(args, *filter.DateFrom)
	}
	if filter.DateTo != nil {
		conditions = append(conditions, fmt.Sprintf("l.scheduled_date <= $%d", len(args)+1))
		args = append(args, *filter.DateTo)
	}
	clause := " WHERE " + strings.Join(conditions, " AND ")

	page := filter.Page
	if page < 1 {
		page = 1
	}
	size := filter.PageSize
	if size <= 0 || size > 200 {
		size = 50
	}
	offset := (page - 1) * size

	query := fmt.Sprintf(`SELECT l.id, l.turma_id, l.title, l.scheduled_date, l.duration_min, l.max_students,
		l.reserved_count, l.checked_in, l.status, l.created_at, l.updated_at,
		t.name AS turma_name, t.modality, u.full_name AS instructor_name
		%s ORDER BY l.scheduled_date ASC LIMIT %d OFFSET %d`, base+clause, size, offset)

	var lessons []models.LessonDetail
	if err := r.db.SelectContext(ctx, &lessons, query, args...); err != nil {
		return nil, 0, fmt.Errorf("list lessons: %w", err)
	}

	countQuery := "SELECT COUNT(*) " + base + clause
	var total int
	if err := r.db.GetContext(ctx, &total, countQuery, args...); err != nil {
		return nil, 0, fmt.Errorf("count lessons: %w", err)
	}
	return lessons, total, nil
}

// ListTrialLessons returns upcoming bookable lessons for an organization:
// scheduled sessions of active, trial-friendly turmas inside the horizon.
func (r *TurmaRepository) ListTrialLessons(ctx context.Context, organizationID string, from, to time.Time) ([]models.LessonDetail, error) {
	const query = `SELECT l.id, l.turma_id, l.title, l.scheduled_date, l.duration_min, l.max_students,
		l.reserved_count, l.checked_in, l.status, l.created_at, l.updated_at,
		t.name AS turma_name, t.modality, u.full_name AS instructor_name
		FROM turma_lessons l
		JOIN turmas t ON t.id = l.turma_id
		LEFT JOIN users u ON u.id = t.instructor_id
		WHERE t.organization_id = $1 AND t.active = TRUE AND t.allows_trial = TRUE
		AND l.status = $2 AND l.scheduled_date >= $3 AND l.scheduled_date <= $4
		ORDER BY l.scheduled_date ASC`
	var lessons []models.LessonDetail
	if err := r.db.SelectContext(ctx, &lessons, query, organizationID, models.LessonStatusScheduled, from, to); err != nil {
		return nil, fmt.Errorf("list trial lessons: %w", err)
	}
	return lessons, nil
}

// CreateLesson persists a scheduled session for a turma.
func (r *TurmaRepository) CreateLesson(ctx context.Context, lesson *models.Lesson) error {
	if lesson.ID == "" {
		lesson.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	lesson.CreatedAt = now
	lesson.UpdatedAt = now
	if lesson.Status == "" {
		lesson.Status = models.LessonStatusScheduled
	}
	const query = `INSERT INTO turma_lessons (id, turma_id, title, scheduled_date, duration_min, max_students, reserved_count, checked_in, status, created_at, updated_at)
		VALUES (:id, :turma_id, :title, :scheduled_date, :duration_min, :max_students, :reserved_count, :checked_in, :status, :created_at, :updated_at)`
	if _, err := r.db.NamedExecContext(ctx, query, lesson); err != nil {
		return fmt.Errorf("create lesson: %w", err)
	}
	return nil
}

// UpdateLessonStatus moves a lesson to a new lifecycle status.
func (r *TurmaRepository) UpdateLessonStatus(ctx context.Context, id string, status models.LessonStatus) error {
	const query = `UPDATE turma_lessons SET status = $2, updated_at = $3 WHERE id = $1`
	if _, err := r.db.ExecContext(ctx, query, id, status, time.Now().UTC()); err != nil {
		return fmt.Errorf("update lesson status: %w", err)
	}
	return nil
}
