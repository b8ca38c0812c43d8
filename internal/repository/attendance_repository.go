package repository

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/tatamihq/dojo-api/internal/models"
)

// ErrAttendanceExists is returned when the attendee already has a record for
// the lesson; the partial unique indexes on (lesson_id, student_id) and
// (lesson_id, lead_id) enforce it.
var ErrAttendanceExists = errors.New("attendance already recorded for this lesson")

// AttendanceRepository handles persistence of attendance records.
type AttendanceRepository struct {
	db *sqlx.DB
}

// NewAttendanceRepository constructs the repository.
func NewAttendanceRepository(db *sqlx.DB) *AttendanceRepository {
	return &AttendanceRepository{db: db}
}

const attendanceColumns = `id, organization_id, student_id, lead_id, lesson_id, status, check_in_time, method, location, notes, created_at`

// Create inserts an attendance record and, for present statuses, bumps the
// lesson's checked_in counter in the same transaction.
func (r *AttendanceRepository) Create(ctx context.Context, record *models.AttendanceRecord) error {
	if record.ID == "" {
		record.ID = uuid.NewString()
	}
	if record.CreatedAt.IsZero() {
		record.CreatedAt = time.Now().UTC()
	}

	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin attendance tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	const insert = `INSERT INTO attendance_records (id, organization_id, student_id, lead_id, lesson_id, status, check_in_time, method, location, notes, created_at)
		VALUES (:id, :organization_id, :student_id, :lead_id, :lesson_id, :status, :check_in_time, :method, :location, :notes, :created_at)`
	if _, err := tx.NamedExecContext(ctx, insert, record); err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code.Name() == "unique_violation" {
			return ErrAttendanceExists
		}
		return fmt.Errorf("create attendance: %w", err)
	}

	if record.Status == models.AttendanceStatusPresent || record.Status == models.AttendanceStatusLate {
		const bump = `UPDATE turma_lessons SET checked_in = checked_in + 1, updated_at = $2 WHERE id = $1`
		if _, err := tx.ExecContext(ctx, bump, record.LessonID, record.CreatedAt); err != nil {
			return fmt.Errorf("bump checked_in: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit attendance tx: %w", err)
	}
	return nil
}

// FindByID returns an attendance record by its ID.
func (r *AttendanceRepository) FindByID(ctx context.Context, id string) (*models.AttendanceRecord, error) {
	query := fmt.Sprintf("SELECT %s FROM attendance_records WHERE id = $1", attendanceColumns)
	var record models.AttendanceRecord
	if err := r.db.GetContext(ctx, &record, query, id); err != nil {
		return nil, err
	}
	return &record, nil
}

const attendanceDetailSelect = `SELECT ar.id, ar.organization_id, ar.student_id, ar.lead_id, ar.lesson_id,
	ar.status, ar.check_in_time, ar.method, ar.location, ar.notes, ar.created_at,
	COALESCE(u.full_name, l.name) AS attendee_name,
	t.name AS turma_name, tl.scheduled_date AS lesson_date
	FROM attendance_records ar
	JOIN turma_lessons tl ON tl.id = ar.lesson_id
	JOIN turmas t ON t.id = tl.turma_id
	LEFT JOIN students s ON s.id = ar.student_id
	LEFT JOIN users u ON u.id = s.user_id
	LEFT JOIN leads l ON l.id = ar.lead_id`

// ListByLesson returns all records for one lesson.
func (r *AttendanceRepository) ListByLesson(ctx context.Context, lessonID string) ([]models.AttendanceDetail, error) {
	query := attendanceDetailSelect + ` WHERE ar.lesson_id = $1 ORDER BY ar.created_at ASC`
	var records []models.AttendanceDetail
	if err := r.db.SelectContext(ctx, &records, query, lessonID); err != nil {
		return nil, fmt.Errorf("list lesson attendance: %w", err)
	}
	return records, nil
}

// List returns attendance records filtered by the provided criteria.
func (r *AttendanceRepository) List(ctx context.Context, filter models.AttendanceFilter) ([]models.AttendanceDetail, int, error) {
	conditions := []string{"ar.organization_id = $1"}
	args := []interface{}{filter.OrganizationID}

	if filter.StudentID != "" {
		conditions = append(conditions, fmt.Sprintf("ar.student_id = $%d", len(args)+1))
		args = append(args, filter.StudentID)
	}
	if filter.LeadID != "" {
		conditions = append(conditions, fmt.Sprintf("ar.lead_id = $%d", len(args)+1))
		args = append(args, filter.LeadID)
	}
	if filter.LessonID != "" {
		conditions = append(conditions, fmt.Sprintf("ar.lesson_id = $%d", len(args)+1))
		args = append(args, filter.LessonID)
	}
	if filter.TurmaID != "" {
		conditions = append(conditions, fmt.Sprintf("tl.turma_id = $%d", len(args)+1))
		args = append(args, filter.TurmaID)
	}
	if filter.Status != "" {
		conditions = append(conditions, fmt.Sprintf("ar.status = $%d", len(args)+1))
		args = append(args, filter.Status)
	}
	if filter.DateFrom != nil {
		conditions = append(conditions, fmt.Sprintf("tl.scheduled_date >= $%d", len(args)+1))
		args = append(args, *filter.DateFrom)
	}
	if filter.DateTo != nil {
		conditions = append(conditions, fmt.Sprintf("tl.scheduled_date < $%d", len(args)+1))
		args = append(args, *filter.DateTo)
	}
	clause := " WHERE " + strings.Join(conditions, " AND ")

	page := filter.Page
	if page < 1 {
		page = 1
	}
	size := filter.PageSize
	if size <= 0 || size > 100 {
		size = 20
	}
	offset := (page - 1) * size

	query := fmt.Sprintf("%s%s ORDER BY ar.created_at DESC LIMIT %d OFFSET %d",
		attendanceDetailSelect, clause, size, offset)
	var records []models.AttendanceDetail
	if err := r.db.SelectContext(ctx, &records, query, args...); err != nil {
		return nil, 0, fmt.Errorf("list attendance: %w", err)
	}

	countQuery := `SELECT COUNT(*) FROM attendance_records ar
	JOIN turma_lessons tl ON tl.id = ar.lesson_id` + clause
	var total int
	if err := r.db.GetContext(ctx, &total, countQuery, args...); err != nil {
		return nil, 0, fmt.Errorf("count attendance: %w", err)
	}
	return records, total, nil
}

// CountForStudent returns present/late counts for a student inside a window,
// used to enforce plan class limits.
func (r *AttendanceRepository) CountForStudent(ctx context.Context, studentID string, from, to time.Time) (int, error) {
	const query = `SELECT COUNT(*) FROM attendance_records ar
		JOIN turma_lessons tl ON tl.id = ar.lesson_id
		WHERE ar.student_id = $1 AND ar.status IN ($2, $3) AND tl.scheduled_date >= $4 AND tl.scheduled_date < $5`
	var count int
	if err := r.db.GetContext(ctx, &count, query, studentID,
		models.AttendanceStatusPresent, models.AttendanceStatusLate, from, to); err != nil {
		return 0, fmt.Errorf("count student attendance: %w", err)
	}
	return count, nil
}
