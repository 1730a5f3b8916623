package scheduler

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/bwmarrin/snowflake"
	auditdomain "github.com/smallbiznis/gatekeeper/internal/audit/domain"
	auditcontext "github.com/smallbiznis/gatekeeper/internal/auditcontext"
	"github.com/smallbiznis/gatekeeper/internal/clock"
	jobdomain "github.com/smallbiznis/gatekeeper/internal/job/domain"
	"github.com/smallbiznis/gatekeeper/internal/lock"
	obsmetrics "github.com/smallbiznis/gatekeeper/internal/observability/metrics"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

const (
	JobEntitlementReconcile = "entitlement_reconcile"
	JobRetryOnRecovery      = "retry_on_recovery"
	JobOverrideExpiry       = "override_expiry"
)

// ExpiryInvalidator drops cached snapshots whose tracked override expired.
type ExpiryInvalidator interface {
	InvalidateExpiredOverrides(ctx context.Context, now time.Time) ([]string, error)
}

// OverrideExpirer deletes expired override rows.
type OverrideExpirer interface {
	RemoveExpired(ctx context.Context) (int, error)
}

// BlockedJobRetrier re-queues billing-blocked jobs of recovered tenants.
type BlockedJobRetrier interface {
	Run(ctx context.Context) (jobdomain.RetryStats, error)
}

type Params struct {
	fx.In

	Log       *zap.Logger
	Config    Config
	GenID     *snowflake.Node
	Clock     clock.Clock
	Cache     ExpiryInvalidator
	Overrides OverrideExpirer
	Retrier   BlockedJobRetrier
	Locker    *lock.Locker `optional:"true"`
}

// ReconcileStats counts entitlement_reconcile sweeps since start.
type ReconcileStats struct {
	SweepsStarted                int
	SweepsCompleted              int
	ExpiredOverrideInvalidations int
	Errors                       int
}

type Scheduler struct {
	log       *zap.Logger
	cfg       Config
	genID     *snowflake.Node
	clock     clock.Clock
	cache     ExpiryInvalidator
	overrides OverrideExpirer
	retrier   BlockedJobRetrier
	locker    *lock.Locker

	mu    sync.Mutex
	stats ReconcileStats
}

var ErrInvalidConfig = errors.New("invalid_scheduler_config")

func New(p Params) (*Scheduler, error) {
	if p.Log == nil || p.GenID == nil || p.Clock == nil || p.Cache == nil || p.Overrides == nil || p.Retrier == nil {
		return nil, ErrInvalidConfig
	}
	return &Scheduler{
		log:       p.Log.Named("scheduler").With(zap.String("component", "scheduler")),
		cfg:       p.Config.withDefaults(),
		genID:     p.GenID,
		clock:     p.Clock,
		cache:     p.Cache,
		overrides: p.Overrides,
		retrier:   p.Retrier,
		locker:    p.Locker,
	}, nil
}

func (s *Scheduler) runJob(
	parent context.Context,
	name string,
	timeout time.Duration,
	fn func(ctx context.Context) error,
) error {
	start := s.clock.Now()
	schedMetrics := obsmetrics.Scheduler()

	ran, err := s.locker.WithLock(parent, name, s.cfg.LockTTL, func(lockCtx context.Context) error {
		ctx, cancel := context.WithTimeout(lockCtx, timeout)
		defer cancel()

		ctx = auditcontext.WithActor(ctx, string(auditdomain.ActorTypeSystem), "scheduler")
		ctx, run, owner := s.ensureJobRun(ctx, name)
		if owner {
			s.logJobStart(ctx, run)
		}
		schedMetrics.IncJobRun(name)

		err := fn(ctx)
		if owner {
			if err != nil && run.errors == 0 {
				run.IncError()
			}
			s.logJobFinish(ctx, run)
		}
		return err
	})
	if !ran && err == nil {
		schedMetrics.IncJobSkipped(name, obsmetrics.SchedulerJobSkippedLockHeld)
		s.log.Debug("job skipped, lock held elsewhere", zap.String("job", name))
		return nil
	}
	schedMetrics.ObserveJobDuration(name, s.clock.Now().Sub(start))
	if err == nil {
		return nil
	}

	isTimeout := errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled)
	if isTimeout {
		schedMetrics.IncJobTimeout(name)
	}
	schedMetrics.IncJobError(name, err)
	if isTimeout {
		s.log.Warn("job timed out",
			zap.String("job", name),
			zap.Duration("timeout", timeout),
			zap.Error(err),
		)
		return nil
	}

	return fmt.Errorf("%s: %w", name, err)
}

// RunOnce runs every enabled job once. Job errors are joined; one failing job
// does not stop the others.
func (s *Scheduler) RunOnce(parent context.Context) error {
	var err error

	jobs := []struct {
		Name string
		Run  func(context.Context) error
	}{
		{JobEntitlementReconcile, s.ReconcileJob},
		{JobOverrideExpiry, s.OverrideExpiryJob},
		{JobRetryOnRecovery, s.RetryOnRecoveryJob},
	}

	for _, job := range jobs {
		if !s.isJobEnabled(job.Name) {
			continue
		}
		err = errors.Join(err, s.runJob(parent, job.Name, s.cfg.JobTimeout, job.Run))
	}
	return err
}

// RunForever runs RunOnce every RunInterval until ctx is done. Errors are
// logged and never stop the loop.
func (s *Scheduler) RunForever(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.RunInterval)
	defer ticker.Stop()
	nextRun := s.clock.Now().Add(s.cfg.RunInterval)
	schedMetrics := obsmetrics.Scheduler()

	for {
		runLag := s.clock.Now().Sub(nextRun)
		if runLag > 0 {
			schedMetrics.ObserveRunLoopLag(runLag)
		}
		if err := s.RunOnce(ctx); err != nil {
			s.log.Warn("scheduler run failed", zap.Error(err))
		}
		nextRun = nextRun.Add(s.cfg.RunInterval)

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (s *Scheduler) isJobEnabled(jobName string) bool {
	// empty means every job runs
	if len(s.cfg.EnabledJobs) == 0 {
		return true
	}
	for _, enabled := range s.cfg.EnabledJobs {
		if strings.EqualFold(enabled, jobName) {
			return true
		}
	}
	return false
}

// ReconcileJob drops cached snapshots of tenants whose earliest tracked
// override expired. Snapshots are recomputed lazily on the next read.
func (s *Scheduler) ReconcileJob(ctx context.Context) error {
	ctx, run, owner := s.ensureJobRun(ctx, JobEntitlementReconcile)
	if owner {
		s.logJobStart(ctx, run)
		defer s.logJobFinish(ctx, run)
	}

	s.mu.Lock()
	s.stats.SweepsStarted++
	s.mu.Unlock()

	tenants, err := s.cache.InvalidateExpiredOverrides(ctx, s.clock.Now())
	if err != nil {
		s.mu.Lock()
		s.stats.Errors++
		s.mu.Unlock()
		s.logSchedulerError(ctx, run, "scheduler.reconcile.failed", JobEntitlementReconcile, err)
		return err
	}

	s.mu.Lock()
	s.stats.SweepsCompleted++
	s.stats.ExpiredOverrideInvalidations += len(tenants)
	s.mu.Unlock()

	run.AddProcessed(len(tenants))
	obsmetrics.Scheduler().AddOverrideInvalidations(len(tenants))
	obsmetrics.Scheduler().AddBatchProcessed(JobEntitlementReconcile, "tenants", len(tenants))
	if len(tenants) > 0 {
		s.logger(ctx).Info("expired override snapshots invalidated",
			zap.Int("tenants", len(tenants)),
		)
	}
	return nil
}

func (s *Scheduler) OverrideExpiryJob(ctx context.Context) error {
	ctx, run, owner := s.ensureJobRun(ctx, JobOverrideExpiry)
	if owner {
		s.logJobStart(ctx, run)
		defer s.logJobFinish(ctx, run)
	}

	removed, err := s.overrides.RemoveExpired(ctx)
	run.AddProcessed(removed)
	obsmetrics.Scheduler().AddBatchProcessed(JobOverrideExpiry, "overrides", removed)
	if err != nil {
		s.logSchedulerError(ctx, run, "scheduler.override_expiry.failed", JobOverrideExpiry, err,
			zap.Int("removed", removed),
		)
		return err
	}
	return nil
}

func (s *Scheduler) RetryOnRecoveryJob(ctx context.Context) error {
	ctx, run, owner := s.ensureJobRun(ctx, JobRetryOnRecovery)
	if owner {
		s.logJobStart(ctx, run)
		defer s.logJobFinish(ctx, run)
	}

	stats, err := s.retrier.Run(ctx)
	run.AddProcessed(stats.Retried)
	run.AddSkipped(stats.TenantsSkipped + stats.Exhausted)
	obsmetrics.Scheduler().AddBatchProcessed(JobRetryOnRecovery, "jobs", stats.Retried)
	if err != nil {
		s.logSchedulerError(ctx, run, "scheduler.retry_on_recovery.failed", JobRetryOnRecovery, err,
			zap.Int("retried", stats.Retried),
			zap.Int("lookup_errors", stats.LookupErrors),
		)
		return err
	}
	return nil
}

// Stats returns a copy of the reconcile counters.
func (s *Scheduler) Stats() ReconcileStats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stats
}
