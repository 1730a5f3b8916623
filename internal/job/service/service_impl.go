package service

import (
	"context"
	"strings"

	"github.com/bwmarrin/snowflake"
	auditdomain "github.com/smallbiznis/gatekeeper/internal/audit/domain"
	"github.com/smallbiznis/gatekeeper/internal/authorization"
	"github.com/smallbiznis/gatekeeper/internal/clock"
	"github.com/smallbiznis/gatekeeper/internal/config"
	entdomain "github.com/smallbiznis/gatekeeper/internal/entitlement/domain"
	jobdomain "github.com/smallbiznis/gatekeeper/internal/job/domain"
	obsmetrics "github.com/smallbiznis/gatekeeper/internal/observability/metrics"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

const (
	defaultMaxRetries = 3
	listLimit         = 500
)

// DenyRecorder is notified of each blocked job.
type DenyRecorder interface {
	Record(ctx context.Context, tenantID, subject string) bool
}

type Params struct {
	fx.In

	DB      *gorm.DB
	Log     *zap.Logger
	Config  config.Config
	GenID   *snowflake.Node
	Clock   clock.Clock
	Repo    jobdomain.Repository
	Checker *GatingChecker
	Audit   auditdomain.Service
	Authz   authorization.Service
	Denials DenyRecorder        `optional:"true"`
	Metrics *obsmetrics.Metrics `optional:"true"`
}

// Service is the job dispatcher.
type Service struct {
	db         *gorm.DB
	log        *zap.Logger
	genID      *snowflake.Node
	clock      clock.Clock
	repo       jobdomain.Repository
	checker    *GatingChecker
	audit      auditdomain.Service
	authz      authorization.Service
	denials    DenyRecorder
	metrics    *obsmetrics.Metrics
	tracer     trace.Tracer
	maxRetries int
}

func NewService(p Params) jobdomain.Service {
	maxRetries := p.Config.Scheduler.MaxRetries
	if maxRetries <= 0 {
		maxRetries = defaultMaxRetries
	}
	return &Service{
		db:         p.DB,
		log:        p.Log.Named("job.dispatcher"),
		genID:      p.GenID,
		clock:      p.Clock,
		repo:       p.Repo,
		checker:    p.Checker,
		audit:      p.Audit,
		authz:      p.Authz,
		denials:    p.Denials,
		metrics:    p.Metrics,
		tracer:     otel.Tracer("gatekeeper/job"),
		maxRetries: maxRetries,
	}
}

func (s *Service) Dispatch(ctx context.Context, req jobdomain.DispatchRequest, fn jobdomain.JobFunc) (*jobdomain.BackgroundJob, error) {
	tenantID := strings.TrimSpace(req.TenantID)
	if tenantID == "" {
		return nil, entdomain.NewValidationError("tenant_id", "tenant id is required")
	}
	jobType := strings.TrimSpace(req.JobType)
	if jobType == "" {
		return nil, entdomain.NewValidationError("job_type", jobdomain.ErrInvalidJobType.Error())
	}
	if fn == nil {
		return nil, entdomain.NewValidationError("fn", "job function is required")
	}

	ctx, span := s.tracer.Start(ctx, "job.dispatch", trace.WithAttributes(
		attribute.String("job_type", jobType),
		attribute.String("category", string(req.Category)),
	))
	defer span.End()

	maxRetries := req.MaxRetries
	if maxRetries <= 0 {
		maxRetries = s.maxRetries
	}
	now := s.clock.Now().UTC()
	job := &jobdomain.BackgroundJob{
		ID:         s.genID.Generate(),
		TenantID:   tenantID,
		JobType:    jobType,
		Category:   string(req.Category),
		Status:     jobdomain.JobStatusPending,
		MaxRetries: maxRetries,
		Metadata:   datatypes.JSONMap(req.Metadata),
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if err := s.repo.Insert(ctx, s.db, job); err != nil {
		return nil, err
	}
	s.metrics.RecordJobTransition(ctx, job.Category, string(job.Status))

	result, err := s.checker.Check(ctx, tenantID, req.Category, req.Subscription)
	if err != nil {
		s.log.Error("job gating failed, blocking",
			zap.String("tenant_id", tenantID),
			zap.String("job_id", job.ID.String()),
			zap.Error(err),
		)
		s.record(ctx, job, auditdomain.ActionEvaluationFailed, result, map[string]any{"code": entdomain.CodeFailClosed})
	}
	span.SetAttributes(
		attribute.String("billing_state", string(result.BillingState)),
		attribute.Bool("allowed", result.Allowed),
	)

	if !result.Allowed {
		if err := s.block(ctx, job, result); err != nil {
			return nil, err
		}
		return job, nil
	}
	return job, s.run(ctx, job, result, fn)
}

func (s *Service) block(ctx context.Context, job *jobdomain.BackgroundJob, result jobdomain.GateResult) error {
	now := s.clock.Now().UTC()
	state := string(result.BillingState)
	if err := s.repo.Transition(ctx, s.db, job.ID, jobdomain.Transition{
		Status:              jobdomain.JobStatusBlockedDueToBilling,
		BlockedAt:           &now,
		BlockedBillingState: &state,
		UpdatedAt:           now,
	}); err != nil {
		return err
	}
	job.Status = jobdomain.JobStatusBlockedDueToBilling
	job.BlockedAt = &now
	job.BlockedBillingState = &state
	job.UpdatedAt = now

	s.metrics.RecordJobTransition(ctx, job.Category, string(job.Status))
	s.metrics.RecordGateDecision(ctx, state, job.Category, result.Decision.Outcome())
	s.log.Info("job blocked due to billing",
		zap.String("tenant_id", job.TenantID),
		zap.String("job_id", job.ID.String()),
		zap.String("job_type", job.JobType),
		zap.String("billing_state", state),
		zap.String("reason", result.Reason),
	)
	s.record(ctx, job, auditdomain.ActionJobSkippedEntitlement, result, nil)
	s.record(ctx, job, auditdomain.ActionEntitlementDenied, result, map[string]any{
		"action_required": string(result.Decision.ActionRequired),
	})
	if s.denials != nil {
		s.denials.Record(ctx, job.TenantID, job.Category)
	}
	return nil
}

func (s *Service) run(ctx context.Context, job *jobdomain.BackgroundJob, result jobdomain.GateResult, fn jobdomain.JobFunc) error {
	startedAt := s.clock.Now().UTC()
	if err := s.repo.Transition(ctx, s.db, job.ID, jobdomain.Transition{
		Status:    jobdomain.JobStatusRunning,
		StartedAt: &startedAt,
		UpdatedAt: startedAt,
	}); err != nil {
		return err
	}
	job.Status = jobdomain.JobStatusRunning
	job.StartedAt = &startedAt
	job.UpdatedAt = startedAt

	s.metrics.RecordJobTransition(ctx, job.Category, string(job.Status))
	s.metrics.RecordGateDecision(ctx, string(result.BillingState), job.Category, result.Decision.Outcome())
	s.record(ctx, job, auditdomain.ActionJobAllowed, result, nil)
	if result.Decision.Degraded {
		s.log.Warn("job running in degraded billing state",
			zap.String("tenant_id", job.TenantID),
			zap.String("job_id", job.ID.String()),
			zap.String("billing_state", string(result.BillingState)),
		)
		s.record(ctx, job, auditdomain.ActionDegradedAccessUsed, result, map[string]any{
			"action_required": string(result.Decision.ActionRequired),
		})
	}

	runErr := fn(ctx, job)

	finishedAt := s.clock.Now().UTC()
	t := jobdomain.Transition{Status: jobdomain.JobStatusCompleted, CompletedAt: &finishedAt, UpdatedAt: finishedAt}
	action := auditdomain.ActionJobCompleted
	if runErr != nil {
		msg := runErr.Error()
		t.Status = jobdomain.JobStatusFailed
		t.ErrorMessage = &msg
		action = auditdomain.ActionJobFailed
	}
	if err := s.repo.Transition(ctx, s.db, job.ID, t); err != nil {
		s.log.Error("failed to record job outcome",
			zap.String("job_id", job.ID.String()),
			zap.String("status", string(t.Status)),
			zap.Error(err),
		)
	}
	job.Status = t.Status
	job.CompletedAt = t.CompletedAt
	job.ErrorMessage = t.ErrorMessage
	job.UpdatedAt = finishedAt

	s.metrics.RecordJobTransition(ctx, job.Category, string(job.Status))
	s.record(ctx, job, action, result, nil)
	return runErr
}

func (s *Service) MarkCancelled(ctx context.Context, actor authorization.Actor, req jobdomain.CancelRequest) (*jobdomain.BackgroundJob, error) {
	if err := s.authz.Authorize(ctx, actor, authorization.ObjectJob, authorization.ActionJobCancel); err != nil {
		return nil, err
	}
	id, err := snowflake.ParseString(strings.TrimSpace(req.ID))
	if err != nil || id == 0 {
		return nil, entdomain.NewValidationError("id", "invalid job id")
	}

	now := s.clock.Now().UTC()
	cancelled, err := s.repo.MarkCancelled(ctx, s.db, id, now)
	if err != nil {
		return nil, err
	}
	job, err := s.repo.FindByID(ctx, s.db, id)
	if err != nil {
		return nil, err
	}
	if job == nil {
		return nil, entdomain.NewNotFoundError("job", req.ID)
	}
	if !cancelled {
		return nil, entdomain.NewValidationError("status", jobdomain.ErrJobNotCancelled.Error())
	}

	s.metrics.RecordJobTransition(ctx, job.Category, string(job.Status))
	if err := s.audit.Record(ctx, auditdomain.Event{
		TenantID:   job.TenantID,
		Action:     auditdomain.ActionJobCancelled,
		ActorType:  auditdomain.ActorTypeUser,
		ActorID:    actor.ID,
		TargetType: "background_job",
		TargetID:   job.ID.String(),
		Category:   job.Category,
		Reason:     strings.TrimSpace(req.Reason),
		Metadata:   map[string]any{"job_type": job.JobType, "role": actor.Role},
	}); err != nil {
		s.log.Warn("failed to audit job cancellation", zap.String("job_id", job.ID.String()), zap.Error(err))
	}
	return job, nil
}

func (s *Service) ListByTenant(ctx context.Context, actor authorization.Actor, tenantID string, status string) ([]jobdomain.BackgroundJob, error) {
	if err := s.authz.Authorize(ctx, actor, authorization.ObjectJob, authorization.ActionJobView); err != nil {
		return nil, err
	}
	tenantID = strings.TrimSpace(tenantID)
	if tenantID == "" {
		return nil, entdomain.NewValidationError("tenant_id", "tenant id is required")
	}
	var filter jobdomain.JobStatus
	if status = strings.TrimSpace(status); status != "" {
		parsed, ok := jobdomain.ParseStatus(strings.ToLower(status))
		if !ok {
			return nil, entdomain.NewValidationError("status", "unknown job status")
		}
		filter = parsed
	}
	return s.repo.ListByTenant(ctx, s.db, tenantID, filter, listLimit)
}

func (s *Service) record(ctx context.Context, job *jobdomain.BackgroundJob, action string, result jobdomain.GateResult, extra map[string]any) {
	metadata := map[string]any{
		"job_type": job.JobType,
		"status":   string(job.Status),
	}
	for k, v := range extra {
		metadata[k] = v
	}
	if err := s.audit.Record(ctx, auditdomain.Event{
		TenantID:     job.TenantID,
		Action:       action,
		ActorType:    auditdomain.ActorTypeJob,
		ActorID:      job.JobType,
		TargetType:   "background_job",
		TargetID:     job.ID.String(),
		BillingState: string(result.BillingState),
		Category:     job.Category,
		Reason:       result.Reason,
		Metadata:     metadata,
	}); err != nil {
		s.log.Warn("failed to audit job event",
			zap.String("action", action),
			zap.String("job_id", job.ID.String()),
			zap.Error(err),
		)
	}
}
