package repository

import (
	"context"

	subscriptiondomain "github.com/smallbiznis/gatekeeper/internal/subscription/domain"
	"gorm.io/gorm"
)

type repo struct{}

func Provide() subscriptiondomain.Repository {
	return &repo{}
}

func (r *repo) Insert(ctx context.Context, db *gorm.DB, subscription *subscriptiondomain.Subscription) error {
	return db.WithContext(ctx).Exec(
		`INSERT INTO subscriptions (
			id, tenant_id, plan_key, status, grace_period_ends_on, current_period_end, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		subscription.ID,
		subscription.TenantID,
		subscription.PlanKey,
		subscription.Status,
		subscription.GracePeriodEndsOn,
		subscription.CurrentPeriodEnd,
		subscription.CreatedAt,
	).Error
}

func (r *repo) FindLatestByTenant(ctx context.Context, db *gorm.DB, tenantID string) (*subscriptiondomain.Subscription, error) {
	var sub subscriptiondomain.Subscription
	err := db.WithContext(ctx).Raw(
		`SELECT id, tenant_id, plan_key, status, grace_period_ends_on, current_period_end, created_at
		FROM subscriptions
		WHERE tenant_id = ?
		ORDER BY created_at DESC, id DESC
		LIMIT 1`,
		tenantID,
	).Scan(&sub).Error
	if err != nil {
		return nil, err
	}
	if sub.ID == 0 {
		return nil, nil
	}
	return &sub, nil
}

