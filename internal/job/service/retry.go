package service

import (
	"context"
	"errors"

	auditdomain "github.com/smallbiznis/gatekeeper/internal/audit/domain"
	"github.com/smallbiznis/gatekeeper/internal/billinggate"
	"github.com/smallbiznis/gatekeeper/internal/clock"
	"github.com/smallbiznis/gatekeeper/internal/config"
	entdomain "github.com/smallbiznis/gatekeeper/internal/entitlement/domain"
	jobdomain "github.com/smallbiznis/gatekeeper/internal/job/domain"
	obsmetrics "github.com/smallbiznis/gatekeeper/internal/observability/metrics"
	subscriptiondomain "github.com/smallbiznis/gatekeeper/internal/subscription/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const defaultRetryBatch = 100

type RetryParams struct {
	fx.In

	DB            *gorm.DB
	Log           *zap.Logger
	Config        config.Config
	Clock         clock.Clock
	Repo          jobdomain.Repository
	Subscriptions subscriptiondomain.Service
	Audit         auditdomain.Service
}

// RetryOnRecovery moves jobs blocked by billing back to retrying once their
// tenant is ACTIVE again.
type RetryOnRecovery struct {
	db        *gorm.DB
	log       *zap.Logger
	clock     clock.Clock
	repo      jobdomain.Repository
	subs      subscriptiondomain.Service
	audit     auditdomain.Service
	batchSize int
}

func NewRetryOnRecovery(p RetryParams) *RetryOnRecovery {
	batch := p.Config.Scheduler.BatchSize
	if batch <= 0 {
		batch = defaultRetryBatch
	}
	return &RetryOnRecovery{
		db:        p.DB,
		log:       p.Log.Named("job.retry_on_recovery"),
		clock:     p.Clock,
		repo:      p.Repo,
		subs:      p.Subscriptions,
		audit:     p.Audit,
		batchSize: batch,
	}
}

// Run performs one sweep. Subscription lookup failures are counted per tenant
// and do not stop the sweep; only listing failures are returned.
func (r *RetryOnRecovery) Run(ctx context.Context) (jobdomain.RetryStats, error) {
	var stats jobdomain.RetryStats

	tenants, err := r.repo.ListBlockedTenants(ctx, r.db, 0)
	if err != nil {
		return stats, err
	}

	var sweepErr error
	for _, tenantID := range tenants {
		if ctx.Err() != nil {
			return stats, errors.Join(sweepErr, ctx.Err())
		}
		stats.TenantsScanned++

		if err := r.recordExhausted(ctx, tenantID, &stats); err != nil {
			sweepErr = errors.Join(sweepErr, err)
			continue
		}

		sub, err := r.subs.GetLatest(ctx, tenantID)
		if err != nil {
			stats.LookupErrors++
			r.log.Warn("subscription lookup failed, skipping tenant",
				zap.String("tenant_id", tenantID),
				zap.Error(err),
			)
			continue
		}
		if state := billinggate.Classify(sub, r.clock.Now()); state != billinggate.StateActive {
			stats.TenantsSkipped++
			continue
		}

		if err := r.retryTenant(ctx, tenantID, &stats); err != nil {
			sweepErr = errors.Join(sweepErr, err)
		}
	}

	obsmetrics.Scheduler().AddRetryOutcome(obsmetrics.RetryOutcomeRetried, stats.Retried)
	obsmetrics.Scheduler().AddRetryOutcome(obsmetrics.RetryOutcomeExhausted, stats.Exhausted)
	obsmetrics.Scheduler().AddRetryOutcome(obsmetrics.RetryOutcomeNoop, stats.Conflicts)
	r.log.Info("retry on recovery finished",
		zap.Int("tenants_scanned", stats.TenantsScanned),
		zap.Int("tenants_skipped", stats.TenantsSkipped),
		zap.Int("retried", stats.Retried),
		zap.Int("exhausted", stats.Exhausted),
		zap.Int("conflicts", stats.Conflicts),
		zap.Int("lookup_errors", stats.LookupErrors),
	)
	return stats, sweepErr
}

func (r *RetryOnRecovery) retryTenant(ctx context.Context, tenantID string, stats *jobdomain.RetryStats) error {
	jobs, err := r.repo.ListRetryableByTenant(ctx, r.db, tenantID, r.batchSize)
	if err != nil {
		return err
	}

	for i := range jobs {
		job := jobs[i]
		won, err := r.repo.MarkRetrying(ctx, r.db, job.ID, r.clock.Now().UTC())
		if err != nil {
			return err
		}
		if !won {
			stats.Conflicts++
			continue
		}
		stats.Retried++

		previous := ""
		if job.BlockedBillingState != nil {
			previous = *job.BlockedBillingState
		}
		if err := r.audit.Record(ctx, auditdomain.Event{
			TenantID:     tenantID,
			Action:       auditdomain.ActionJobRetryOnRecovery,
			ActorType:    auditdomain.ActorTypeSystem,
			ActorID:      "scheduler",
			TargetType:   "background_job",
			TargetID:     job.ID.String(),
			BillingState: string(billinggate.StateActive),
			Category:     job.Category,
			Metadata: map[string]any{
				"job_type":              job.JobType,
				"retry_count":           job.RetryCount + 1,
				"max_retries":           job.MaxRetries,
				"blocked_billing_state": previous,
			},
		}); err != nil {
			r.log.Warn("failed to audit retry", zap.String("job_id", job.ID.String()), zap.Error(err))
		}
	}
	return nil
}

// recordExhausted stamps and audits blocked jobs that reached their retry cap.
// Each job is counted once; later sweeps no longer list it.
func (r *RetryOnRecovery) recordExhausted(ctx context.Context, tenantID string, stats *jobdomain.RetryStats) error {
	for {
		jobs, err := r.repo.ListUnrecordedExhausted(ctx, r.db, tenantID, r.batchSize)
		if err != nil {
			return err
		}

		for i := range jobs {
			job := jobs[i]
			won, err := r.repo.MarkRetryExhausted(ctx, r.db, job.ID, r.clock.Now().UTC())
			if err != nil {
				return err
			}
			if !won {
				continue
			}
			stats.Exhausted++

			exhausted := &entdomain.RetryExhausted{JobID: job.ID.String(), RetryCount: job.RetryCount, MaxRetries: job.MaxRetries}
			r.log.Warn("job retry cap reached, leaving blocked",
				zap.String("tenant_id", tenantID),
				zap.String("job_id", job.ID.String()),
				zap.Error(exhausted),
			)
			if err := r.audit.Record(ctx, auditdomain.Event{
				TenantID:   tenantID,
				Action:     auditdomain.ActionJobRetryExhausted,
				ActorType:  auditdomain.ActorTypeSystem,
				ActorID:    "scheduler",
				TargetType: "background_job",
				TargetID:   job.ID.String(),
				Category:   job.Category,
				Metadata: map[string]any{
					"job_type":    job.JobType,
					"retry_count": job.RetryCount,
					"max_retries": job.MaxRetries,
				},
			}); err != nil {
				r.log.Warn("failed to audit retry exhaustion", zap.String("job_id", job.ID.String()), zap.Error(err))
			}
		}

		if len(jobs) < r.batchSize {
			return nil
		}
	}
}
