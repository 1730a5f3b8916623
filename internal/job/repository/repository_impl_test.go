package repository

import (
	"context"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/bwmarrin/snowflake"
	jobdomain "github.com/smallbiznis/gatekeeper/internal/job/domain"
	"github.com/smallbiznis/gatekeeper/internal/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
)

func newMockDB(t *testing.T) (*gorm.DB, sqlmock.Sqlmock) {
	t.Helper()
	sqlDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = sqlDB.Close() })

	db, err := gorm.Open(postgres.New(postgres.Config{
		Conn:       sqlDB,
		DriverName: "postgres",
	}), &gorm.Config{SkipDefaultTransaction: true})
	require.NoError(t, err)
	return db, mock
}

var markRetryingSQL = regexp.QuoteMeta(`UPDATE background_jobs
		SET status = $1, retry_count = retry_count + 1, blocked_billing_state = NULL, blocked_at = NULL, updated_at = $2
		WHERE id = $3 AND status = $4 AND retry_count < max_retries`)

func TestMarkRetrying_ConditionalUpdate(t *testing.T) {
	db, mock := newMockDB(t)
	now := time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)

	mock.ExpectExec(markRetryingSQL).
		WithArgs(string(jobdomain.JobStatusRetrying), now, int64(42), string(jobdomain.JobStatusBlockedDueToBilling)).
		WillReturnResult(sqlmock.NewResult(0, 1))

	won, err := Provide().MarkRetrying(context.Background(), db, snowflake.ID(42), now)
	require.NoError(t, err)
	assert.True(t, won)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestMarkRetrying_LostRaceIsNoOp(t *testing.T) {
	db, mock := newMockDB(t)

	mock.ExpectExec(markRetryingSQL).
		WithArgs(sqlmock.AnyArg(), sqlmock.AnyArg(), int64(7), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 0))

	won, err := Provide().MarkRetrying(context.Background(), db, snowflake.ID(7), time.Now())
	require.NoError(t, err)
	assert.False(t, won)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func seedJob(t *testing.T, db *gorm.DB, id int64, tenant string, status jobdomain.JobStatus, retries int, createdAt time.Time) {
	t.Helper()
	require.NoError(t, Provide().Insert(context.Background(), db, &jobdomain.BackgroundJob{
		ID:         snowflake.ID(id),
		TenantID:   tenant,
		JobType:    "export_csv",
		Category:   "exports",
		Status:     status,
		RetryCount: retries,
		MaxRetries: 3,
		CreatedAt:  createdAt,
		UpdatedAt:  createdAt,
	}))
}

func TestRepository_SQLite(t *testing.T) {
	db := testutil.NewSQLiteDB(t, &jobdomain.BackgroundJob{})
	ctx := context.Background()
	r := Provide()
	base := time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)

	seedJob(t, db, 1, "t2", jobdomain.JobStatusBlockedDueToBilling, 0, base)
	seedJob(t, db, 2, "t1", jobdomain.JobStatusBlockedDueToBilling, 3, base.Add(time.Minute))
	seedJob(t, db, 3, "t1", jobdomain.JobStatusCompleted, 0, base.Add(2*time.Minute))
	seedJob(t, db, 4, "t1", jobdomain.JobStatusBlockedDueToBilling, 1, base.Add(3*time.Minute))

	tenants, err := r.ListBlockedTenants(ctx, db, 0)
	require.NoError(t, err)
	assert.Equal(t, []string{"t1", "t2"}, tenants)

	retryable, err := r.ListRetryableByTenant(ctx, db, "t1", 10)
	require.NoError(t, err)
	require.Len(t, retryable, 1)
	assert.Equal(t, snowflake.ID(4), retryable[0].ID)

	exhausted, err := r.ListUnrecordedExhausted(ctx, db, "t1", 10)
	require.NoError(t, err)
	require.Len(t, exhausted, 1)
	assert.Equal(t, snowflake.ID(2), exhausted[0].ID)

	all, err := r.ListByTenant(ctx, db, "t1", "", 0)
	require.NoError(t, err)
	assert.Len(t, all, 3)

	won, err := r.MarkRetrying(ctx, db, 2, base)
	require.NoError(t, err)
	assert.False(t, won, "job at its cap stays blocked")

	won, err = r.MarkRetrying(ctx, db, 4, base)
	require.NoError(t, err)
	assert.True(t, won)
	won, err = r.MarkRetrying(ctx, db, 4, base)
	require.NoError(t, err)
	assert.False(t, won)

	job, err := r.FindByID(ctx, db, 4)
	require.NoError(t, err)
	assert.Equal(t, jobdomain.JobStatusRetrying, job.Status)
	assert.Equal(t, 2, job.RetryCount)
	assert.Nil(t, job.BlockedAt)

	cancelled, err := r.MarkCancelled(ctx, db, 3, base)
	require.NoError(t, err)
	assert.False(t, cancelled, "completed jobs cannot be cancelled")
	cancelled, err = r.MarkCancelled(ctx, db, 1, base)
	require.NoError(t, err)
	assert.True(t, cancelled)

	missing, err := r.FindByID(ctx, db, 99)
	require.NoError(t, err)
	assert.Nil(t, missing)
}

func TestMarkRetryExhausted_StampsOnce(t *testing.T) {
	db := testutil.NewSQLiteDB(t, &jobdomain.BackgroundJob{})
	ctx := context.Background()
	r := Provide()
	base := time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)

	seedJob(t, db, 1, "t1", jobdomain.JobStatusBlockedDueToBilling, 3, base)
	seedJob(t, db, 2, "t1", jobdomain.JobStatusBlockedDueToBilling, 0, base.Add(time.Minute))
	seedJob(t, db, 3, "t2", jobdomain.JobStatusBlockedDueToBilling, 3, base)

	won, err := r.MarkRetryExhausted(ctx, db, 2, base)
	require.NoError(t, err)
	assert.False(t, won, "job under its cap is not exhausted")

	won, err = r.MarkRetryExhausted(ctx, db, 1, base)
	require.NoError(t, err)
	assert.True(t, won)
	won, err = r.MarkRetryExhausted(ctx, db, 1, base.Add(time.Hour))
	require.NoError(t, err)
	assert.False(t, won)

	job, err := r.FindByID(ctx, db, 1)
	require.NoError(t, err)
	require.NotNil(t, job.RetryExhaustedAt)
	assert.True(t, job.RetryExhaustedAt.Equal(base))
	assert.Equal(t, jobdomain.JobStatusBlockedDueToBilling, job.Status)

	exhausted, err := r.ListUnrecordedExhausted(ctx, db, "t1", 10)
	require.NoError(t, err)
	assert.Empty(t, exhausted)

	tenants, err := r.ListBlockedTenants(ctx, db, 0)
	require.NoError(t, err)
	assert.Equal(t, []string{"t1", "t2"}, tenants)

	won, err = r.MarkRetrying(ctx, db, 2, base)
	require.NoError(t, err)
	require.True(t, won)
	tenants, err = r.ListBlockedTenants(ctx, db, 0)
	require.NoError(t, err)
	assert.Equal(t, []string{"t2"}, tenants, "tenants left only with recorded exhausted jobs are not swept")
}
