package domain

import (
	"context"
	"errors"

	"gorm.io/gorm"
)

type Repository interface {
	Insert(ctx context.Context, db *gorm.DB, subscription *Subscription) error
	FindLatestByTenant(ctx context.Context, db *gorm.DB, tenantID string) (*Subscription, error)
}

type Service interface {
	// GetLatest returns the most recent subscription by created_at, or nil
	// when the tenant never subscribed.
	GetLatest(ctx context.Context, tenantID string) (*Subscription, error)
	// PlanKeyForTenant returns the normalized plan key of the latest
	// subscription.
	PlanKeyForTenant(ctx context.Context, tenantID string) (string, error)
}

var (
	ErrInvalidTenant        = errors.New("invalid_tenant")
	ErrSubscriptionNotFound = errors.New("subscription_not_found")
)
