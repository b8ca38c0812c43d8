package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/tatamihq/dojo-api/internal/models"
)

// ErrSeatUnavailable is returned when the conditional seat reservation on
// the lesson row does not match (lesson full, cancelled, or missing).
var ErrSeatUnavailable = errors.New("no seat available for lesson")

// ErrPendingReservationExists is returned when the lead already holds a
// pending reservation (partial unique index on lead_id WHERE status =
// 'PENDING').
var ErrPendingReservationExists = errors.New("lead already has a pending reservation")

// ReservationRepository handles persistence of trial reservations.
type ReservationRepository struct {
	db *sqlx.DB
}

// NewReservationRepository constructs the repository.
func NewReservationRepository(db *sqlx.DB) *ReservationRepository {
	return &ReservationRepository{db: db}
}

const reservationColumns = `id, organization_id, lead_id, lesson_id, scheduled_for, status, resolved_at, created_at`

// CreateWithCapacity books a seat and inserts the reservation in one
// transaction. The seat is claimed with a conditional increment so two
// concurrent bookings can never both take the last seat; the uniqueness of
// a lead's pending reservation rides on the schema's partial unique index.
func (r *ReservationRepository) CreateWithCapacity(ctx context.Context, res *models.TrialReservation) error {
	if res.ID == "" {
		res.ID = uuid.NewString()
	}
	if res.Status == "" {
		res.Status = models.ReservationStatusPending
	}
	if res.CreatedAt.IsZero() {
		res.CreatedAt = time.Now().UTC()
	}

	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin booking tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	seat, err := tx.ExecContext(ctx,
		`UPDATE turma_lessons SET reserved_count = reserved_count + 1, updated_at = $2
		 WHERE id = $1 AND status = $3 AND reserved_count < max_students`,
		res.LessonID, time.Now().UTC(), models.LessonStatusScheduled)
	if err != nil {
		return fmt.Errorf("reserve seat: %w", err)
	}
	affected, err := seat.RowsAffected()
	if err != nil {
		return fmt.Errorf("reserve seat: %w", err)
	}
	if affected == 0 {
		return ErrSeatUnavailable
	}

	const query = `INSERT INTO trial_reservations (id, organization_id, lead_id, lesson_id, scheduled_for, status, created_at)
		VALUES (:id, :organization_id, :lead_id, :lesson_id, :scheduled_for, :status, :created_at)`
	if _, err := tx.NamedExecContext(ctx, query, res); err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code.Name() == "unique_violation" {
			return ErrPendingReservationExists
		}
		return fmt.Errorf("create reservation: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit booking tx: %w", err)
	}
	return nil
}

// FindPendingByLead returns the lead's outstanding reservation, if any.
func (r *ReservationRepository) FindPendingByLead(ctx context.Context, leadID string) (*models.TrialReservation, error) {
	query := fmt.Sprintf("SELECT %s FROM trial_reservations WHERE lead_id = $1 AND status = $2", reservationColumns)
	var res models.TrialReservation
	if err := r.db.GetContext(ctx, &res, query, leadID, models.ReservationStatusPending); err != nil {
		return nil, err
	}
	return &res, nil
}

// FindPendingByLeadAndLesson returns the pending reservation binding a lead
// to a specific lesson.
func (r *ReservationRepository) FindPendingByLeadAndLesson(ctx context.Context, leadID, lessonID string) (*models.TrialReservation, error) {
	query := fmt.Sprintf("SELECT %s FROM trial_reservations WHERE lead_id = $1 AND lesson_id = $2 AND status = $3", reservationColumns)
	var res models.TrialReservation
	if err := r.db.GetContext(ctx, &res, query, leadID, lessonID, models.ReservationStatusPending); err != nil {
		return nil, err
	}
	return &res, nil
}

// Resolve marks a pending reservation as attended or cancelled. Resolution
// is terminal; resolving an already-resolved reservation is a no-op that
// reports false.
func (r *ReservationRepository) Resolve(ctx context.Context, id string, status models.ReservationStatus, resolvedAt time.Time) (bool, error) {
	res, err := r.db.ExecContext(ctx,
		`UPDATE trial_reservations SET status = $2, resolved_at = $3 WHERE id = $1 AND status = $4`,
		id, status, resolvedAt, models.ReservationStatusPending)
	if err != nil {
		return false, fmt.Errorf("resolve reservation: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("resolve reservation: %w", err)
	}
	return affected == 1, nil
}

// CancelPending cancels the lead's pending reservation and releases the
// seat on its lesson. Returns sql.ErrNoRows when nothing was pending.
func (r *ReservationRepository) CancelPending(ctx context.Context, leadID string) error {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin cancel tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	var res models.TrialReservation
	query := fmt.Sprintf("SELECT %s FROM trial_reservations WHERE lead_id = $1 AND status = $2 FOR UPDATE", reservationColumns)
	if err := tx.GetContext(ctx, &res, query, leadID, models.ReservationStatusPending); err != nil {
		if err == sql.ErrNoRows {
			return sql.ErrNoRows
		}
		return fmt.Errorf("load pending reservation: %w", err)
	}

	now := time.Now().UTC()
	if _, err := tx.ExecContext(ctx,
		`UPDATE trial_reservations SET status = $2, resolved_at = $3 WHERE id = $1`,
		res.ID, models.ReservationStatusCancelled, now); err != nil {
		return fmt.Errorf("cancel reservation: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE turma_lessons SET reserved_count = GREATEST(reserved_count - 1, 0), updated_at = $2 WHERE id = $1`,
		res.LessonID, now); err != nil {
		return fmt.Errorf("release seat: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit cancel tx: %w", err)
	}
	return nil
}
