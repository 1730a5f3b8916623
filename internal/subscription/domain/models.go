// Package domain contains the read model for tenant subscriptions.
package domain

import (
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
)

// SubscriptionStatus is the raw status string written by the billing system.
type SubscriptionStatus string

const (
	SubscriptionStatusActive    SubscriptionStatus = "active"
	SubscriptionStatusFrozen    SubscriptionStatus = "frozen"
	SubscriptionStatusCancelled SubscriptionStatus = "cancelled"
	SubscriptionStatusExpired   SubscriptionStatus = "expired"
	SubscriptionStatusDeclined  SubscriptionStatus = "declined"
	SubscriptionStatusPending   SubscriptionStatus = "pending"
)

// Normalized lower-cases the status and strips surrounding whitespace.
func (s SubscriptionStatus) Normalized() SubscriptionStatus {
	return SubscriptionStatus(strings.ToLower(strings.TrimSpace(string(s))))
}

// Subscription captures a tenant's billing agreement. Rows are only read.
type Subscription struct {
	ID                snowflake.ID       `gorm:"primaryKey" json:"id"`
	TenantID          string             `gorm:"type:text;not null;index:idx_subscriptions_tenant_created,priority:1" json:"tenant_id"`
	PlanKey           string             `gorm:"type:text;not null" json:"plan_key"`
	Status            SubscriptionStatus `gorm:"type:text;not null" json:"status"`
	GracePeriodEndsOn *time.Time         `json:"grace_period_ends_on,omitempty"`
	CurrentPeriodEnd  *time.Time         `json:"current_period_end,omitempty"`
	CreatedAt         time.Time          `gorm:"not null;index:idx_subscriptions_tenant_created,priority:2" json:"created_at"`
}

// TableName sets the database table name.
func (Subscription) TableName() string { return "subscriptions" }
