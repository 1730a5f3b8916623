package domain

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/gatekeeper/internal/authorization"
	"github.com/smallbiznis/gatekeeper/internal/billinggate"
	subscriptiondomain "github.com/smallbiznis/gatekeeper/internal/subscription/domain"
	"gorm.io/gorm"
)

// Transition is a status change written by the dispatcher. Nil pointers leave
// the column untouched.
type Transition struct {
	Status              JobStatus
	BlockedAt           *time.Time
	BlockedBillingState *string
	StartedAt           *time.Time
	CompletedAt         *time.Time
	ErrorMessage        *string
	UpdatedAt           time.Time
}

type Repository interface {
	Insert(ctx context.Context, db *gorm.DB, job *BackgroundJob) error
	FindByID(ctx context.Context, db *gorm.DB, id snowflake.ID) (*BackgroundJob, error)
	Transition(ctx context.Context, db *gorm.DB, id snowflake.ID, t Transition) error
	// MarkRetrying moves a blocked job under its retry cap to retrying and
	// reports whether this call won the row.
	MarkRetrying(ctx context.Context, db *gorm.DB, id snowflake.ID, now time.Time) (bool, error)
	// MarkCancelled cancels a job that is not yet terminal.
	MarkCancelled(ctx context.Context, db *gorm.DB, id snowflake.ID, now time.Time) (bool, error)
	// MarkRetryExhausted stamps retry_exhausted_at on a blocked job at its cap
	// and reports whether this call stamped it.
	MarkRetryExhausted(ctx context.Context, db *gorm.DB, id snowflake.ID, now time.Time) (bool, error)
	// ListBlockedTenants returns tenants with blocked jobs that are retryable
	// or not yet recorded as exhausted.
	ListBlockedTenants(ctx context.Context, db *gorm.DB, limit int) ([]string, error)
	// ListRetryableByTenant returns blocked jobs under their retry cap, oldest
	// first.
	ListRetryableByTenant(ctx context.Context, db *gorm.DB, tenantID string, limit int) ([]BackgroundJob, error)
	// ListUnrecordedExhausted returns blocked jobs at their cap whose
	// exhaustion has not been recorded yet.
	ListUnrecordedExhausted(ctx context.Context, db *gorm.DB, tenantID string, limit int) ([]BackgroundJob, error)
	ListByTenant(ctx context.Context, db *gorm.DB, tenantID string, status JobStatus, limit int) ([]BackgroundJob, error)
}

// JobFunc is the work behind a job. It is opaque to the dispatcher.
type JobFunc func(ctx context.Context, job *BackgroundJob) error

type DispatchRequest struct {
	TenantID string
	JobType  string
	Category billinggate.Category
	Metadata map[string]any
	// MaxRetries falls back to the configured cap when zero.
	MaxRetries int
	// Subscription skips the lookup when the caller already holds it.
	Subscription *subscriptiondomain.Subscription
}

type GateResult struct {
	Allowed      bool
	BillingState billinggate.State
	Reason       string
	Decision     billinggate.Decision
}

type RetryStats struct {
	TenantsScanned int
	TenantsSkipped int
	Retried        int
	Exhausted      int
	Conflicts      int
	LookupErrors   int
}

type CancelRequest struct {
	ID     string
	Reason string
}

type Service interface {
	// Dispatch records the job, gates it, and runs fn when allowed. A blocked
	// job is returned with a nil error; fn's error is returned unchanged.
	Dispatch(ctx context.Context, req DispatchRequest, fn JobFunc) (*BackgroundJob, error)
	MarkCancelled(ctx context.Context, actor authorization.Actor, req CancelRequest) (*BackgroundJob, error)
	ListByTenant(ctx context.Context, actor authorization.Actor, tenantID string, status string) ([]BackgroundJob, error)
}

var (
	ErrInvalidJobType  = errors.New("invalid_job_type")
	ErrJobNotFound     = errors.New("job_not_found")
	ErrJobNotCancelled = errors.New("job_not_cancellable")
)
