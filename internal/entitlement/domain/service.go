package domain

import (
	"context"
	"time"
)

// Service is the entry point for entitlement lookups.
type Service interface {
	// GetEntitlements returns the cached snapshot or resolves a new one. With no
	// feature keys every known key is resolved.
	GetEntitlements(ctx context.Context, tenantID string, featureKeys ...string) (Snapshot, error)
	HasFeature(ctx context.Context, tenantID, featureKey string) (bool, error)
	// HandleBillingWebhook drops the cached snapshot and recomputes it.
	HandleBillingWebhook(ctx context.Context, tenantID string) (Snapshot, error)
	InvalidateTenant(ctx context.Context, tenantID string) error
	TrackOverrideExpiry(ctx context.Context, tenantID string, expiresAt time.Time) error
}

// PlanKeyResolver maps a tenant to the plan key of its current subscription.
type PlanKeyResolver interface {
	PlanKeyForTenant(ctx context.Context, tenantID string) (string, error)
}

// OverrideLister returns the overrides of a tenant that are active at now.
type OverrideLister interface {
	ActiveOverrides(ctx context.Context, tenantID string, now time.Time) ([]Override, error)
}
