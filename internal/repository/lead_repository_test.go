package repository

import (
	"context"
	"regexp"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tatamihq/dojo-api/internal/models"
)

func newLeadRepoMock(t *testing.T) (*sqlx.DB, sqlmock.Sqlmock, func()) {
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	return sqlx.NewDb(db, "sqlmock"), mock, func() { db.Close() }
}

func leadRows(id string, stage models.LeadStage) *sqlmock.Rows {
	now := time.Now()
	return sqlmock.NewRows([]string{
		"id", "organization_id", "name", "email", "phone", "stage", "source", "tags", "notes",
		"converted_student_id", "first_contact_at", "trial_scheduled_at", "trial_attended_at",
		"converted_at", "lost_at", "created_at", "updated_at",
	}).AddRow(id, "org-1", "Ana", "ana@example.com", "+5511999", string(stage), "landing_page",
		nil, nil, nil, nil, nil, nil, nil, nil, now, now)
}

func TestLeadRepositoryFindByID(t *testing.T) {
	db, mock, cleanup := newLeadRepoMock(t)
	defer cleanup()
	repo := NewLeadRepository(db)

	mock.ExpectQuery("SELECT (.+) FROM leads WHERE id = \\$1").
		WithArgs("lead-1").
		WillReturnRows(leadRows("lead-1", models.LeadStageNew))

	lead, err := repo.FindByID(context.Background(), "lead-1")
	require.NoError(t, err)
	assert.Equal(t, models.LeadStageNew, lead.Stage)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestLeadRepositoryList(t *testing.T) {
	db, mock, cleanup := newLeadRepoMock(t)
	defer cleanup()
	repo := NewLeadRepository(db)

	mock.ExpectQuery("SELECT (.+) FROM leads WHERE organization_id = \\$1 AND stage = \\$2 ORDER BY created_at DESC LIMIT 20 OFFSET 0").
		WithArgs("org-1", models.LeadStageNew).
		WillReturnRows(leadRows("lead-1", models.LeadStageNew))
	mock.ExpectQuery(regexp.QuoteMeta("SELECT COUNT(*) FROM leads WHERE organization_id = $1 AND stage = $2")).
		WithArgs("org-1", models.LeadStageNew).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(1))

	leads, total, err := repo.List(context.Background(), models.LeadFilter{OrganizationID: "org-1", Stage: models.LeadStageNew})
	require.NoError(t, err)
	assert.Len(t, leads, 1)
	assert.Equal(t, 1, total)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestLeadRepositoryUpdateStageGuarded(t *testing.T) {
	db, mock, cleanup := newLeadRepoMock(t)
	defer cleanup()
	repo := NewLeadRepository(db)

	ts := time.Now().UTC()
	mock.ExpectExec(regexp.QuoteMeta("UPDATE leads SET stage = $3, updated_at = $4, first_contact_at = COALESCE(first_contact_at, $4) WHERE id = $1 AND stage = $2")).
		WithArgs("lead-1", models.LeadStageNew, models.LeadStageContacted, ts).
		WillReturnResult(sqlmock.NewResult(0, 1))

	moved, err := repo.UpdateStage(context.Background(), "lead-1", models.LeadStageNew, models.LeadStageContacted, ts)
	require.NoError(t, err)
	assert.True(t, moved)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestLeadRepositoryUpdateStageGuardMiss(t *testing.T) {
	db, mock, cleanup := newLeadRepoMock(t)
	defer cleanup()
	repo := NewLeadRepository(db)

	ts := time.Now().UTC()
	mock.ExpectExec("UPDATE leads SET stage = (.+) WHERE id = (.+) AND stage = (.+)").
		WithArgs("lead-1", models.LeadStageNew, models.LeadStageLost, ts).
		WillReturnResult(sqlmock.NewResult(0, 0))

	moved, err := repo.UpdateStage(context.Background(), "lead-1", models.LeadStageNew, models.LeadStageLost, ts)
	require.NoError(t, err)
	assert.False(t, moved)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestLeadRepositoryConvert(t *testing.T) {
	db, mock, cleanup := newLeadRepoMock(t)
	defer cleanup()
	repo := NewLeadRepository(db)

	mock.ExpectBegin()
	mock.ExpectExec("UPDATE leads SET stage = (.+) WHERE id = (.+) AND converted_student_id IS NULL AND stage IN (.+)").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO users").WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec("INSERT INTO students").WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec("INSERT INTO subscriptions").WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	now := time.Now().UTC()
	converted, err := repo.Convert(context.Background(),
		&models.Lead{ID: "lead-1", OrganizationID: "org-1", Stage: models.LeadStageNegotiation},
		&models.User{ID: "user-1", OrganizationID: "org-1", Email: "ana@example.com", FullName: "Ana", Role: models.RoleStudent, Active: true, CreatedAt: now, UpdatedAt: now},
		&models.Student{ID: "student-1", OrganizationID: "org-1", UserID: "user-1", Category: models.StudentCategoryAdult, EnrollmentDate: now, Active: true, CreatedAt: now, UpdatedAt: now},
		&models.Subscription{ID: "sub-1", OrganizationID: "org-1", StudentID: "student-1", PlanID: "plan-1", Status: models.SubscriptionStatusActive, CurrentPrice: 150, BillingType: models.BillingTypeMonthly, StartDate: now, CreatedAt: now, UpdatedAt: now})
	require.NoError(t, err)
	assert.True(t, converted)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestLeadRepositoryConvertAlreadyConverted(t *testing.T) {
	db, mock, cleanup := newLeadRepoMock(t)
	defer cleanup()
	repo := NewLeadRepository(db)

	mock.ExpectBegin()
	mock.ExpectExec("UPDATE leads SET stage = (.+) WHERE id = (.+) AND converted_student_id IS NULL AND stage IN (.+)").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectRollback()

	now := time.Now().UTC()
	converted, err := repo.Convert(context.Background(),
		&models.Lead{ID: "lead-1", Stage: models.LeadStageConverted},
		&models.User{ID: "user-1", CreatedAt: now, UpdatedAt: now},
		&models.Student{ID: "student-1", CreatedAt: now, UpdatedAt: now},
		nil)
	require.NoError(t, err)
	assert.False(t, converted)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestLeadRepositoryFunnelCounts(t *testing.T) {
	db, mock, cleanup := newLeadRepoMock(t)
	defer cleanup()
	repo := NewLeadRepository(db)

	rows := sqlmock.NewRows([]string{"stage", "count"}).
		AddRow(string(models.LeadStageNew), 5).
		AddRow(string(models.LeadStageConverted), 2)
	mock.ExpectQuery(regexp.QuoteMeta("SELECT stage, COUNT(*) FROM leads WHERE organization_id = $1 GROUP BY stage")).
		WithArgs("org-1").
		WillReturnRows(rows)

	counts, err := repo.FunnelCounts(context.Background(), "org-1")
	require.NoError(t, err)
	assert.Equal(t, 5, counts[models.LeadStageNew])
	assert.Equal(t, 2, counts[models.LeadStageConverted])
	assert.NoError(t, mock.ExpectationsWereMet())
}
