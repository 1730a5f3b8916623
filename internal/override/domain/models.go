// Package domain holds persisted entitlement overrides.
package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
	entdomain "github.com/smallbiznis/gatekeeper/internal/entitlement/domain"
)

// Override is a time-bounded grant or deny of one feature for one tenant.
// ExpiresAt is always stored in UTC.
type Override struct {
	ID         snowflake.ID     `gorm:"primaryKey" json:"id"`
	TenantID   string           `gorm:"type:text;not null;index:idx_overrides_tenant_expiry,priority:1" json:"tenant_id"`
	FeatureKey string           `gorm:"type:text;not null" json:"feature_key"`
	Effect     entdomain.Effect `gorm:"type:text;not null" json:"effect"`
	ExpiresAt  time.Time        `gorm:"not null;index:idx_overrides_tenant_expiry,priority:2" json:"expires_at"`
	Reason     string           `gorm:"type:text;not null" json:"reason"`
	CreatedBy  string           `gorm:"type:text;not null" json:"created_by"`
	CreatedAt  time.Time        `gorm:"not null" json:"created_at"`
	UpdatedAt  time.Time        `gorm:"not null" json:"updated_at"`
}

func (Override) TableName() string { return "entitlement_overrides" }

func (o Override) ToEntitlement() entdomain.Override {
	return entdomain.Override{
		TenantID:   o.TenantID,
		FeatureKey: o.FeatureKey,
		Effect:     o.Effect,
		ExpiresAt:  o.ExpiresAt,
	}
}

func (o Override) ActiveAt(now time.Time) bool {
	return o.ExpiresAt.After(now)
}
