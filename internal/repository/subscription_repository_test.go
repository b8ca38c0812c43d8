package repository

import (
	"context"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tatamihq/dojo-api/internal/models"
)

func newSubscriptionRepoMock(t *testing.T) (*sqlx.DB, sqlmock.Sqlmock, func()) {
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	return sqlx.NewDb(db, "sqlmock"), mock, func() { db.Close() }
}

func TestSubscriptionCreateIfNoActive(t *testing.T) {
	db, mock, cleanup := newSubscriptionRepoMock(t)
	defer cleanup()
	repo := NewSubscriptionRepository(db)

	mock.ExpectExec("INSERT INTO subscriptions (.+) WHERE NOT EXISTS").
		WillReturnResult(sqlmock.NewResult(0, 1))

	sub := &models.Subscription{
		OrganizationID: "org-1",
		StudentID:      "student-1",
		PlanID:         "plan-1",
		CurrentPrice:   150,
		BillingType:    models.BillingTypeMonthly,
		StartDate:      time.Now().UTC(),
	}
	err := repo.CreateIfNoActive(context.Background(), sub)
	require.NoError(t, err)
	assert.Equal(t, models.SubscriptionStatusActive, sub.Status)
	assert.NotEmpty(t, sub.ID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSubscriptionCreateIfNoActiveConflict(t *testing.T) {
	db, mock, cleanup := newSubscriptionRepoMock(t)
	defer cleanup()
	repo := NewSubscriptionRepository(db)

	mock.ExpectExec("INSERT INTO subscriptions (.+) WHERE NOT EXISTS").
		WillReturnResult(sqlmock.NewResult(0, 0))

	err := repo.CreateIfNoActive(context.Background(), &models.Subscription{
		StudentID:   "student-1",
		PlanID:      "plan-1",
		BillingType: models.BillingTypeMonthly,
	})
	assert.ErrorIs(t, err, ErrActiveSubscriptionExists)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSubscriptionReactivateIfNoActive(t *testing.T) {
	db, mock, cleanup := newSubscriptionRepoMock(t)
	defer cleanup()
	repo := NewSubscriptionRepository(db)

	ts := time.Now().UTC()
	mock.ExpectExec("UPDATE subscriptions SET status = (.+) AND NOT EXISTS").
		WithArgs("sub-1", ts, models.SubscriptionStatusActive, models.SubscriptionStatusFrozen).
		WillReturnResult(sqlmock.NewResult(0, 1))

	ok, err := repo.ReactivateIfNoActive(context.Background(), "sub-1", ts)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSubscriptionReactivateIfNoActiveGuardMiss(t *testing.T) {
	db, mock, cleanup := newSubscriptionRepoMock(t)
	defer cleanup()
	repo := NewSubscriptionRepository(db)

	ts := time.Now().UTC()
	mock.ExpectExec("UPDATE subscriptions SET status = (.+) AND NOT EXISTS").
		WithArgs("sub-1", ts, models.SubscriptionStatusActive, models.SubscriptionStatusFrozen).
		WillReturnResult(sqlmock.NewResult(0, 0))

	ok, err := repo.ReactivateIfNoActive(context.Background(), "sub-1", ts)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSubscriptionUpdateStatusCancel(t *testing.T) {
	db, mock, cleanup := newSubscriptionRepoMock(t)
	defer cleanup()
	repo := NewSubscriptionRepository(db)

	ts := time.Now().UTC()
	mock.ExpectExec("UPDATE subscriptions SET status = \\$3, updated_at = \\$4, cancelled_at = \\$4 WHERE id = \\$1 AND status = \\$2").
		WithArgs("sub-1", models.SubscriptionStatusActive, models.SubscriptionStatusCancelled, ts).
		WillReturnResult(sqlmock.NewResult(0, 1))

	ok, err := repo.UpdateStatus(context.Background(), "sub-1", models.SubscriptionStatusActive, models.SubscriptionStatusCancelled, ts)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSubscriptionUpdateStatusGuardMiss(t *testing.T) {
	db, mock, cleanup := newSubscriptionRepoMock(t)
	defer cleanup()
	repo := NewSubscriptionRepository(db)

	ts := time.Now().UTC()
	mock.ExpectExec("UPDATE subscriptions SET status = (.+) WHERE id = (.+) AND status = (.+)").
		WithArgs("sub-1", models.SubscriptionStatusFrozen, models.SubscriptionStatusActive, ts).
		WillReturnResult(sqlmock.NewResult(0, 0))

	ok, err := repo.UpdateStatus(context.Background(), "sub-1", models.SubscriptionStatusFrozen, models.SubscriptionStatusActive, ts)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.NoError(t, mock.ExpectationsWereMet())
}
