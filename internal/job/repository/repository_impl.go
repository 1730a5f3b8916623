package repository

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	jobdomain "github.com/smallbiznis/gatekeeper/internal/job/domain"
	"gorm.io/gorm"
)

type repo struct{}

func Provide() jobdomain.Repository {
	return &repo{}
}

func (r *repo) Insert(ctx context.Context, db *gorm.DB, job *jobdomain.BackgroundJob) error {
	return db.WithContext(ctx).Create(job).Error
}

func (r *repo) FindByID(ctx context.Context, db *gorm.DB, id snowflake.ID) (*jobdomain.BackgroundJob, error) {
	var job jobdomain.BackgroundJob
	err := db.WithContext(ctx).Where("id = ?", id).Limit(1).Find(&job).Error
	if err != nil {
		return nil, err
	}
	if job.ID == 0 {
		return nil, nil
	}
	return &job, nil
}

func (r *repo) Transition(ctx context.Context, db *gorm.DB, id snowflake.ID, t jobdomain.Transition) error {
	updates := map[string]any{
		"status":     t.Status,
		"updated_at": t.UpdatedAt,
	}
	if t.BlockedAt != nil {
		updates["blocked_at"] = t.BlockedAt
	}
	if t.BlockedBillingState != nil {
		updates["blocked_billing_state"] = t.BlockedBillingState
	}
	if t.StartedAt != nil {
		updates["started_at"] = t.StartedAt
	}
	if t.CompletedAt != nil {
		updates["completed_at"] = t.CompletedAt
	}
	if t.ErrorMessage != nil {
		updates["error_message"] = t.ErrorMessage
	}
	return db.WithContext(ctx).
		Model(&jobdomain.BackgroundJob{}).
		Where("id = ?", id).
		Updates(updates).Error
}

func (r *repo) MarkRetrying(ctx context.Context, db *gorm.DB, id snowflake.ID, now time.Time) (bool, error) {
	result := db.WithContext(ctx).Exec(
		`UPDATE background_jobs
		SET status = ?, retry_count = retry_count + 1, blocked_billing_state = NULL, blocked_at = NULL, updated_at = ?
		WHERE id = ? AND status = ? AND retry_count < max_retries`,
		jobdomain.JobStatusRetrying,
		now,
		id,
		jobdomain.JobStatusBlockedDueToBilling,
	)
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected == 1, nil
}

func (r *repo) MarkCancelled(ctx context.Context, db *gorm.DB, id snowflake.ID, now time.Time) (bool, error) {
	result := db.WithContext(ctx).Exec(
		`UPDATE background_jobs
		SET status = ?, completed_at = ?, updated_at = ?
		WHERE id = ? AND status NOT IN (?, ?, ?)`,
		jobdomain.JobStatusCancelled,
		now,
		now,
		id,
		jobdomain.JobStatusCompleted,
		jobdomain.JobStatusFailed,
		jobdomain.JobStatusCancelled,
	)
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected == 1, nil
}

func (r *repo) MarkRetryExhausted(ctx context.Context, db *gorm.DB, id snowflake.ID, now time.Time) (bool, error) {
	result := db.WithContext(ctx).Exec(
		`UPDATE background_jobs
		SET retry_exhausted_at = ?, updated_at = ?
		WHERE id = ? AND status = ? AND retry_count >= max_retries AND retry_exhausted_at IS NULL`,
		now,
		now,
		id,
		jobdomain.JobStatusBlockedDueToBilling,
	)
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected == 1, nil
}

func (r *repo) ListBlockedTenants(ctx context.Context, db *gorm.DB, limit int) ([]string, error) {
	var tenants []string
	stmt := db.WithContext(ctx).
		Model(&jobdomain.BackgroundJob{}).
		Distinct("tenant_id").
		Where("status = ?", jobdomain.JobStatusBlockedDueToBilling).
		Where("(retry_count < max_retries OR retry_exhausted_at IS NULL)").
		Order("tenant_id ASC")
	if limit > 0 {
		stmt = stmt.Limit(limit)
	}
	if err := stmt.Pluck("tenant_id", &tenants).Error; err != nil {
		return nil, err
	}
	return tenants, nil
}

func (r *repo) ListRetryableByTenant(ctx context.Context, db *gorm.DB, tenantID string, limit int) ([]jobdomain.BackgroundJob, error) {
	return r.listBlocked(ctx, db, tenantID, "retry_count < max_retries", limit)
}

func (r *repo) ListUnrecordedExhausted(ctx context.Context, db *gorm.DB, tenantID string, limit int) ([]jobdomain.BackgroundJob, error) {
	return r.listBlocked(ctx, db, tenantID, "retry_count >= max_retries AND retry_exhausted_at IS NULL", limit)
}

func (r *repo) listBlocked(ctx context.Context, db *gorm.DB, tenantID, cond string, limit int) ([]jobdomain.BackgroundJob, error) {
	stmt := db.WithContext(ctx).
		Model(&jobdomain.BackgroundJob{}).
		Where("tenant_id = ? AND status = ?", tenantID, jobdomain.JobStatusBlockedDueToBilling).
		Where(cond).
		Order("created_at ASC, id ASC")
	if limit > 0 {
		stmt = stmt.Limit(limit)
	}

	var jobs []jobdomain.BackgroundJob
	if err := stmt.Find(&jobs).Error; err != nil {
		return nil, err
	}
	return jobs, nil
}

func (r *repo) ListByTenant(ctx context.Context, db *gorm.DB, tenantID string, status jobdomain.JobStatus, limit int) ([]jobdomain.BackgroundJob, error) {
	stmt := db.WithContext(ctx).
		Model(&jobdomain.BackgroundJob{}).
		Where("tenant_id = ?", tenantID)
	if status != "" {
		stmt = stmt.Where("status = ?", status)
	}
	stmt = stmt.Order("created_at ASC, id ASC")
	if limit > 0 {
		stmt = stmt.Limit(limit)
	}

	var jobs []jobdomain.BackgroundJob
	if err := stmt.Find(&jobs).Error; err != nil {
		return nil, err
	}
	return jobs, nil
}
