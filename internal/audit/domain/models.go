package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/datatypes"
)

type ActorType string

const (
	ActorTypeSystem ActorType = "system"
	ActorTypeUser   ActorType = "user"
	ActorTypeJob    ActorType = "job"
)

// Actions recorded by the gate, the entitlement service, overrides and jobs.
const (
	ActionEntitlementGranted     = "entitlement.granted"
	ActionEntitlementDenied      = "entitlement.denied"
	ActionDegradedAccessUsed     = "entitlement.degraded_access_used"
	ActionEvaluationFailed       = "entitlement.evaluation_failed"
	ActionBillingWebhookReceived = "entitlement.billing_webhook_received"
	ActionOverrideCreated        = "entitlement.override.created"
	ActionOverrideUpdated        = "entitlement.override.updated"
	ActionOverrideRemoved        = "entitlement.override.removed"
	ActionOverrideExpired        = "entitlement.override.expired"
	ActionJobSkippedEntitlement  = "job.skipped_due_to_entitlement"
	ActionJobAllowed             = "job.allowed"
	ActionJobCompleted           = "job.completed"
	ActionJobFailed              = "job.failed"
	ActionJobCancelled           = "job.cancelled"
	ActionJobRetryOnRecovery     = "job.retry_on_recovery"
	ActionJobRetryExhausted      = "job.retry_exhausted"
)

// AuditLog is one append-only audit row.
type AuditLog struct {
	ID           snowflake.ID      `gorm:"primaryKey" json:"id"`
	TenantID     string            `gorm:"type:text;index" json:"tenant_id"`
	ActorType    string            `gorm:"type:text;not null" json:"actor_type"`
	ActorID      *string           `gorm:"type:text" json:"actor_id,omitempty"`
	Action       string            `gorm:"type:text;not null;index" json:"action"`
	TargetType   string            `gorm:"type:text;not null" json:"target_type"`
	TargetID     *string           `gorm:"type:text" json:"target_id,omitempty"`
	BillingState string            `gorm:"type:text" json:"billing_state,omitempty"`
	Category     string            `gorm:"type:text" json:"category,omitempty"`
	FeatureKey   string            `gorm:"type:text" json:"feature_key,omitempty"`
	Reason       string            `gorm:"type:text" json:"reason,omitempty"`
	Metadata     datatypes.JSONMap `json:"metadata,omitempty"`
	IPAddress    *string           `gorm:"type:text" json:"ip_address,omitempty"`
	UserAgent    *string           `gorm:"type:text" json:"user_agent,omitempty"`
	CreatedAt    time.Time         `gorm:"not null;index" json:"created_at"`
}

func (AuditLog) TableName() string { return "audit_logs" }

// Event is what callers hand to Record. Empty actor fields are filled from
// the request context, falling back to the system actor.
type Event struct {
	TenantID     string
	Action       string
	ActorType    ActorType
	ActorID      string
	TargetType   string
	TargetID     string
	BillingState string
	Category     string
	FeatureKey   string
	Reason       string
	Metadata     map[string]any
}

type AuditCursor struct {
	ID        snowflake.ID
	CreatedAt time.Time
}

type ListFilter struct {
	TenantID     string
	Action       string
	TargetType   string
	TargetID     string
	BillingState string
	Category     string
	FeatureKey   string
	StartAt      *time.Time
	EndAt        *time.Time
	Cursor       *AuditCursor
	Limit        int
}
