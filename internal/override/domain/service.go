package domain

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/gatekeeper/internal/authorization"
	entdomain "github.com/smallbiznis/gatekeeper/internal/entitlement/domain"
	"gorm.io/gorm"
)

type Repository interface {
	Insert(ctx context.Context, db *gorm.DB, o *Override) error
	Update(ctx context.Context, db *gorm.DB, o *Override) error
	Delete(ctx context.Context, db *gorm.DB, id snowflake.ID) (bool, error)
	FindByID(ctx context.Context, db *gorm.DB, id snowflake.ID) (*Override, error)
	ListActive(ctx context.Context, db *gorm.DB, tenantID string, now time.Time) ([]Override, error)
	ListExpired(ctx context.Context, db *gorm.DB, tenantID string, now time.Time, limit int) ([]Override, error)
}

type CreateRequest struct {
	TenantID   string           `json:"tenant_id"`
	FeatureKey string           `json:"feature_key"`
	Effect     entdomain.Effect `json:"effect"`
	ExpiresAt  time.Time        `json:"expires_at"`
	Reason     string           `json:"reason"`
}

// UpdateRequest changes effect and/or expiry. Reason is mandatory on every
// mutation.
type UpdateRequest struct {
	ID        string            `json:"-"`
	Effect    *entdomain.Effect `json:"effect,omitempty"`
	ExpiresAt *time.Time        `json:"expires_at,omitempty"`
	Reason    string            `json:"reason"`
}

type DeleteRequest struct {
	ID     string `json:"-"`
	Reason string `json:"reason"`
}

type Service interface {
	Create(ctx context.Context, actor authorization.Actor, req CreateRequest) (*Override, error)
	Update(ctx context.Context, actor authorization.Actor, req UpdateRequest) (*Override, error)
	Delete(ctx context.Context, actor authorization.Actor, req DeleteRequest) error
	ListActive(ctx context.Context, actor authorization.Actor, tenantID string) ([]Override, error)
	ListExpired(ctx context.Context, actor authorization.Actor, tenantID string) ([]Override, error)
	// RemoveExpired deletes every override whose expiry is at or before now
	// and returns how many were removed.
	RemoveExpired(ctx context.Context) (int, error)
	// ActiveOverrides implements entitlement domain.OverrideLister.
	ActiveOverrides(ctx context.Context, tenantID string, now time.Time) ([]entdomain.Override, error)
}

// CacheInvalidator is the slice of the entitlement cache mutations touch.
type CacheInvalidator interface {
	Invalidate(ctx context.Context, tenantID string) error
	TrackOverrideExpiry(ctx context.Context, tenantID string, expiresAt time.Time) error
}
