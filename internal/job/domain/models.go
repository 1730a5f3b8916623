package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/datatypes"
)

type JobStatus string

const (
	JobStatusPending             JobStatus = "pending"
	JobStatusRunning             JobStatus = "running"
	JobStatusBlockedDueToBilling JobStatus = "blocked_due_to_billing"
	JobStatusRetrying            JobStatus = "retrying"
	JobStatusCompleted           JobStatus = "completed"
	JobStatusFailed              JobStatus = "failed"
	JobStatusCancelled           JobStatus = "cancelled"
)

// Terminal reports whether no further transition is allowed.
func (s JobStatus) Terminal() bool {
	switch s {
	case JobStatusCompleted, JobStatusFailed, JobStatusCancelled:
		return true
	default:
		return false
	}
}

func ParseStatus(raw string) (JobStatus, bool) {
	switch s := JobStatus(raw); s {
	case JobStatusPending, JobStatusRunning, JobStatusBlockedDueToBilling, JobStatusRetrying,
		JobStatusCompleted, JobStatusFailed, JobStatusCancelled:
		return s, true
	default:
		return "", false
	}
}

// BackgroundJob is one gated unit of asynchronous work.
type BackgroundJob struct {
	ID                  snowflake.ID      `gorm:"primaryKey" json:"id"`
	TenantID            string            `gorm:"type:text;not null;index:idx_jobs_tenant_status,priority:1" json:"tenant_id"`
	JobType             string            `gorm:"type:text;not null" json:"job_type"`
	Category            string            `gorm:"type:text;not null" json:"category"`
	Status              JobStatus         `gorm:"type:text;not null;index:idx_jobs_tenant_status,priority:2" json:"status"`
	RetryCount          int               `gorm:"not null;default:0" json:"retry_count"`
	MaxRetries          int               `gorm:"not null;default:3" json:"max_retries"`
	BlockedAt           *time.Time        `json:"blocked_at,omitempty"`
	BlockedBillingState *string           `gorm:"type:text" json:"blocked_billing_state,omitempty"`
	// RetryExhaustedAt is set once, when a blocked job is first seen at its
	// retry cap. Such jobs stay blocked until cancelled.
	RetryExhaustedAt *time.Time `json:"retry_exhausted_at,omitempty"`
	StartedAt           *time.Time        `json:"started_at,omitempty"`
	CompletedAt         *time.Time        `json:"completed_at,omitempty"`
	ErrorMessage        *string           `gorm:"type:text" json:"error_message,omitempty"`
	Metadata            datatypes.JSONMap `json:"metadata,omitempty"`
	CreatedAt           time.Time         `gorm:"not null" json:"created_at"`
	UpdatedAt           time.Time         `gorm:"not null" json:"updated_at"`
}

func (BackgroundJob) TableName() string { return "background_jobs" }
