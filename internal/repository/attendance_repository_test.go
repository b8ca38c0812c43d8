package repository

import (
	"context"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tatamihq/dojo-api/internal/models"
)

func newAttendanceRepoMock(t *testing.T) (*sqlx.DB, sqlmock.Sqlmock, func()) {
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	return sqlx.NewDb(db, "sqlmock"), mock, func() { db.Close() }
}

func TestAttendanceCreatePresentBumpsCounter(t *testing.T) {
	db, mock, cleanup := newAttendanceRepoMock(t)
	defer cleanup()
	repo := NewAttendanceRepository(db)

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO attendance_records").
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec("UPDATE turma_lessons SET checked_in = checked_in \\+ 1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	studentID := "student-1"
	checkIn := time.Now().UTC()
	err := repo.Create(context.Background(), &models.AttendanceRecord{
		OrganizationID: "org-1",
		LessonID:       "lesson-1",
		StudentID:      &studentID,
		Status:         models.AttendanceStatusPresent,
		Method:         models.CheckInMethodManual,
		CheckInTime:    &checkIn,
	})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestAttendanceCreateAbsentSkipsCounter(t *testing.T) {
	db, mock, cleanup := newAttendanceRepoMock(t)
	defer cleanup()
	repo := NewAttendanceRepository(db)

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO attendance_records").
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	studentID := "student-1"
	err := repo.Create(context.Background(), &models.AttendanceRecord{
		LessonID:  "lesson-1",
		StudentID: &studentID,
		Status:    models.AttendanceStatusAbsent,
		Method:    models.CheckInMethodManual,
	})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestAttendanceCreateDuplicate(t *testing.T) {
	db, mock, cleanup := newAttendanceRepoMock(t)
	defer cleanup()
	repo := NewAttendanceRepository(db)

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO attendance_records").
		WillReturnError(&pq.Error{Code: "23505"})
	mock.ExpectRollback()

	leadID := "lead-1"
	checkIn := time.Now().UTC()
	err := repo.Create(context.Background(), &models.AttendanceRecord{
		LessonID:    "lesson-1",
		LeadID:      &leadID,
		Status:      models.AttendanceStatusPresent,
		Method:      models.CheckInMethodQRCode,
		CheckInTime: &checkIn,
	})
	assert.ErrorIs(t, err, ErrAttendanceExists)
	assert.NoError(t, mock.ExpectationsWereMet())
}
