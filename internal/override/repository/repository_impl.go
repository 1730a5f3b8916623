package repository

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	overridedomain "github.com/smallbiznis/gatekeeper/internal/override/domain"
	"gorm.io/gorm"
)

type repo struct{}

func Provide() overridedomain.Repository {
	return &repo{}
}

const selectColumns = `id, tenant_id, feature_key, effect, expires_at, reason, created_by, created_at, updated_at`

func (r *repo) Insert(ctx context.Context, db *gorm.DB, o *overridedomain.Override) error {
	return db.WithContext(ctx).Exec(
		`INSERT INTO entitlement_overrides (`+selectColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		o.ID,
		o.TenantID,
		o.FeatureKey,
		o.Effect,
		o.ExpiresAt.UTC(),
		o.Reason,
		o.CreatedBy,
		o.CreatedAt,
		o.UpdatedAt,
	).Error
}

func (r *repo) Update(ctx context.Context, db *gorm.DB, o *overridedomain.Override) error {
	return db.WithContext(ctx).Exec(
		`UPDATE entitlement_overrides
		SET effect = ?, expires_at = ?, reason = ?, updated_at = ?
		WHERE id = ?`,
		o.Effect,
		o.ExpiresAt.UTC(),
		o.Reason,
		o.UpdatedAt,
		o.ID,
	).Error
}

func (r *repo) Delete(ctx context.Context, db *gorm.DB, id snowflake.ID) (bool, error) {
	res := db.WithContext(ctx).Exec(`DELETE FROM entitlement_overrides WHERE id = ?`, id)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

func (r *repo) FindByID(ctx context.Context, db *gorm.DB, id snowflake.ID) (*overridedomain.Override, error) {
	var o overridedomain.Override
	err := db.WithContext(ctx).Raw(
		`SELECT `+selectColumns+` FROM entitlement_overrides WHERE id = ? LIMIT 1`,
		id,
	).Scan(&o).Error
	if err != nil {
		return nil, err
	}
	if o.ID == 0 {
		return nil, nil
	}
	return &o, nil
}

func (r *repo) ListActive(ctx context.Context, db *gorm.DB, tenantID string, now time.Time) ([]overridedomain.Override, error) {
	var items []overridedomain.Override
	err := db.WithContext(ctx).Raw(
		`SELECT `+selectColumns+` FROM entitlement_overrides
		WHERE tenant_id = ? AND expires_at > ?
		ORDER BY feature_key ASC, expires_at ASC, id ASC`,
		tenantID,
		now.UTC(),
	).Scan(&items).Error
	return items, err
}

func (r *repo) ListExpired(ctx context.Context, db *gorm.DB, tenantID string, now time.Time, limit int) ([]overridedomain.Override, error) {
	stmt := db.WithContext(ctx).Model(&overridedomain.Override{}).
		Where("expires_at <= ?", now.UTC())
	if tenantID != "" {
		stmt = stmt.Where("tenant_id = ?", tenantID)
	}
	stmt = stmt.Order("expires_at ASC, id ASC")
	if limit > 0 {
		stmt = stmt.Limit(limit)
	}

	var items []overridedomain.Override
	if err := stmt.Find(&items).Error; err != nil {
		return nil, err
	}
	return items, nil
}
