package service

import (
	"context"
	"errors"
	"sort"
	"strings"
	"time"

	alertdomain "github.com/smallbiznis/gatekeeper/internal/alert/domain"
	auditdomain "github.com/smallbiznis/gatekeeper/internal/audit/domain"
	"github.com/smallbiznis/gatekeeper/internal/clock"
	"github.com/smallbiznis/gatekeeper/internal/config"
	"github.com/smallbiznis/gatekeeper/internal/entitlement/cache"
	"github.com/smallbiznis/gatekeeper/internal/entitlement/domain"
	"github.com/smallbiznis/gatekeeper/internal/entitlement/resolver"
	obsmetrics "github.com/smallbiznis/gatekeeper/internal/observability/metrics"
	"github.com/smallbiznis/gatekeeper/internal/observability/tracing"
	"github.com/smallbiznis/gatekeeper/internal/plan"
	subscriptiondomain "github.com/smallbiznis/gatekeeper/internal/subscription/domain"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

const (
	outcomeResolved   = "resolved"
	outcomeFailClosed = "fail_closed"
)

type Params struct {
	fx.In

	Config    config.Config
	Log       *zap.Logger
	Clock     clock.Clock
	Cache     *cache.EntitlementCache
	Catalog   *plan.CatalogHolder
	Plans     domain.PlanKeyResolver
	Overrides domain.OverrideLister
	Audit     auditdomain.Service
	Notifier  alertdomain.Notifier `optional:"true"`
	Metrics   *obsmetrics.Metrics  `optional:"true"`
}

type Service struct {
	log       *zap.Logger
	clock     clock.Clock
	cache     *cache.EntitlementCache
	catalog   *plan.CatalogHolder
	plans     domain.PlanKeyResolver
	overrides domain.OverrideLister
	audit     auditdomain.Service
	notifier  alertdomain.Notifier
	metrics   *obsmetrics.Metrics
	tracer    trace.Tracer
	ttl       time.Duration

	inflight singleflight.Group
}

func NewService(p Params) domain.Service {
	ttl := p.Config.Cache.TTL
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &Service{
		log:       p.Log.Named("entitlement.service"),
		clock:     p.Clock,
		cache:     p.Cache,
		catalog:   p.Catalog,
		plans:     p.Plans,
		overrides: p.Overrides,
		audit:     p.Audit,
		notifier:  p.Notifier,
		metrics:   p.Metrics,
		tracer:    otel.Tracer("gatekeeper/entitlement"),
		ttl:       ttl,
	}
}

func (s *Service) GetEntitlements(ctx context.Context, tenantID string, featureKeys ...string) (domain.Snapshot, error) {
	tenantID = strings.TrimSpace(tenantID)
	if tenantID == "" {
		return domain.Snapshot{}, domain.NewValidationError("tenant_id", "tenant id is required")
	}

	ctx, span := s.tracer.Start(ctx, "entitlement.get",
		trace.WithAttributes(tracing.SafeAttributes(
			attribute.String("tenant_id", tenantID),
			attribute.Int("feature_keys", len(featureKeys)),
		)...),
	)
	defer span.End()

	snapshot, hit, err := s.cache.Get(ctx, tenantID)
	if err != nil {
		s.log.Warn("entitlement cache read failed, resolving",
			zap.String("tenant_id", tenantID),
			zap.Error(err),
		)
		hit = false
	}
	s.metrics.RecordCacheLookup(ctx, hit)
	span.SetAttributes(attribute.Bool("cache_hit", hit))
	if hit {
		return project(snapshot, featureKeys), nil
	}

	// The flight outlives the caller that started it, so it must not inherit
	// that caller's cancellation.
	flightCtx := context.WithoutCancel(ctx)
	v, err, _ := s.inflight.Do(tenantID, func() (any, error) {
		return s.resolveAndStore(flightCtx, tenantID)
	})
	if err != nil {
		var failure *domain.EvaluationFailure
		if errors.As(err, &failure) {
			span.SetStatus(codes.Error, failure.Code)
			narrowed := narrowFailure(failure, featureKeys)
			return narrowed.Snapshot, narrowed
		}
		return domain.Snapshot{}, err
	}
	return project(v.(domain.Snapshot), featureKeys), nil
}

func (s *Service) HasFeature(ctx context.Context, tenantID, featureKey string) (bool, error) {
	featureKey = strings.TrimSpace(featureKey)
	if featureKey == "" {
		return false, domain.NewValidationError("feature_key", "feature key is required")
	}
	snapshot, err := s.GetEntitlements(ctx, tenantID, featureKey)
	if err != nil {
		return false, err
	}
	return snapshot.Granted(featureKey), nil
}

func (s *Service) HandleBillingWebhook(ctx context.Context, tenantID string) (domain.Snapshot, error) {
	tenantID = strings.TrimSpace(tenantID)
	if tenantID == "" {
		return domain.Snapshot{}, domain.NewValidationError("tenant_id", "tenant id is required")
	}

	ctx, span := s.tracer.Start(ctx, "entitlement.billing_webhook")
	defer span.End()

	s.inflight.Forget(tenantID)
	if err := s.cache.Invalidate(ctx, tenantID); err != nil {
		s.log.Warn("failed to invalidate entitlements on billing webhook",
			zap.String("tenant_id", tenantID),
			zap.Error(err),
		)
	}
	snapshot, err := s.resolveAndStore(ctx, tenantID)
	if err != nil {
		var failure *domain.EvaluationFailure
		if errors.As(err, &failure) {
			return failure.Snapshot, err
		}
		return domain.Snapshot{}, err
	}
	return snapshot, nil
}

func (s *Service) InvalidateTenant(ctx context.Context, tenantID string) error {
	tenantID = strings.TrimSpace(tenantID)
	if tenantID == "" {
		return domain.NewValidationError("tenant_id", "tenant id is required")
	}
	s.inflight.Forget(tenantID)
	return s.cache.Invalidate(ctx, tenantID)
}

func (s *Service) TrackOverrideExpiry(ctx context.Context, tenantID string, expiresAt time.Time) error {
	return s.cache.TrackOverrideExpiry(ctx, tenantID, expiresAt)
}

// resolveAndStore computes the full snapshot for tenantID and caches it unless
// the tenant was invalidated meanwhile. A tenant without a subscription
// resolves against an empty plan. Any other failure comes back as
// *domain.EvaluationFailure.
func (s *Service) resolveAndStore(ctx context.Context, tenantID string) (domain.Snapshot, error) {
	ctx, span := s.tracer.Start(ctx, "entitlement.resolve")
	defer span.End()

	start := s.clock.Now()
	now := start.UTC()
	gen := s.cache.Generation(tenantID)

	var def plan.Definition
	planKey, err := s.plans.PlanKeyForTenant(ctx, tenantID)
	switch {
	case errors.Is(err, subscriptiondomain.ErrSubscriptionNotFound):
		planKey = ""
		def = plan.NewDefinition("", nil, nil)
	case err != nil:
		return domain.Snapshot{}, s.failClosed(ctx, span, tenantID, "", "plan_key_lookup", err)
	default:
		def, err = s.catalog.Lookup(planKey)
		if err != nil {
			return domain.Snapshot{}, s.failClosed(ctx, span, tenantID, planKey, "plan_lookup", err)
		}
	}
	overrides, err := s.overrides.ActiveOverrides(ctx, tenantID, now)
	if err != nil {
		return domain.Snapshot{}, s.failClosed(ctx, span, tenantID, planKey, "override_lookup", err)
	}

	snapshot, err := resolver.Resolve(resolver.Input{
		TenantID:    tenantID,
		PlanKey:     planKey,
		Plan:        &def,
		Overrides:   overrides,
		FeatureKeys: s.knownFeatureKeys(overrides),
		Now:         now,
	})
	if err != nil {
		if errors.Is(err, domain.ErrValidation) {
			return domain.Snapshot{}, err
		}
		return domain.Snapshot{}, s.failClosed(ctx, span, tenantID, planKey, "resolve", err)
	}

	ttl := s.ttl
	if earliest, ok := earliestExpiry(overrides, now); ok {
		if untilExpiry := earliest.Sub(now); untilExpiry < ttl {
			ttl = untilExpiry
		}
		if err := s.cache.TrackOverrideExpiry(ctx, tenantID, earliest); err != nil {
			s.log.Warn("failed to track override expiry",
				zap.String("tenant_id", tenantID),
				zap.Error(err),
			)
		}
	}
	kept, err := s.cache.SetIfCurrent(ctx, snapshot, ttl, gen)
	switch {
	case err != nil:
		s.log.Warn("failed to cache entitlements",
			zap.String("tenant_id", tenantID),
			zap.Error(err),
		)
	case !kept:
		s.log.Debug("tenant invalidated during resolve, snapshot not cached",
			zap.String("tenant_id", tenantID),
		)
	}

	s.metrics.RecordEvaluation(ctx, outcomeResolved, s.clock.Now().Sub(start))
	s.log.Debug("entitlements resolved",
		zap.String("tenant_id", tenantID),
		zap.String("plan_key", snapshot.PlanKey),
		zap.Int("active_overrides", snapshot.ActiveOverrideCount),
		zap.Duration("ttl", ttl),
	)
	return snapshot, nil
}

func (s *Service) failClosed(ctx context.Context, span trace.Span, tenantID, planKey, stage string, cause error) error {
	now := s.clock.Now().UTC()
	failure := &domain.EvaluationFailure{
		Code:     domain.CodeFailClosed,
		TenantID: tenantID,
		Snapshot: domain.DeniedSnapshot(tenantID, planKey, s.knownFeatureKeys(nil), now),
		Err:      cause,
	}

	span.RecordError(tracing.SafeError(cause))
	span.SetStatus(codes.Error, domain.CodeFailClosed)
	s.metrics.RecordEvaluation(ctx, outcomeFailClosed, 0)
	s.log.Error("entitlement evaluation failed, denying",
		zap.String("tenant_id", tenantID),
		zap.String("stage", stage),
		zap.String("code", domain.CodeFailClosed),
		zap.Error(cause),
	)

	if err := s.audit.Record(ctx, auditdomain.Event{
		TenantID:   tenantID,
		Action:     auditdomain.ActionEvaluationFailed,
		ActorType:  auditdomain.ActorTypeSystem,
		TargetType: "tenant",
		TargetID:   tenantID,
		Reason:     domain.CodeFailClosed,
		Metadata: map[string]any{
			"code":  domain.CodeFailClosed,
			"stage": stage,
		},
	}); err != nil {
		s.log.Error("failed to audit evaluation failure", zap.String("tenant_id", tenantID), zap.Error(err))
	}

	if s.notifier != nil {
		if err := s.notifier.Notify(ctx, alertdomain.Alert{
			Kind:     alertdomain.KindEvaluationFailure,
			TenantID: tenantID,
			Code:     domain.CodeFailClosed,
			Subject:  stage,
			Message:  "entitlements could not be evaluated; access denied",
			Count:    1,
			At:       now,
		}); err != nil {
			s.log.Warn("failed to notify support", zap.String("tenant_id", tenantID), zap.Error(err))
		}
	}
	return failure
}

// narrowFailure returns a copy of failure whose snapshot only carries the
// requested keys, all denied.
func narrowFailure(failure *domain.EvaluationFailure, featureKeys []string) *domain.EvaluationFailure {
	if len(featureKeys) == 0 {
		return failure
	}
	narrowed := *failure
	narrowed.Snapshot = domain.DeniedSnapshot(failure.TenantID, failure.Snapshot.PlanKey, featureKeys, failure.Snapshot.ResolvedAt)
	return &narrowed
}

// knownFeatureKeys is every catalog feature key plus the keys of overrides.
func (s *Service) knownFeatureKeys(overrides []domain.Override) []string {
	seen := map[string]struct{}{}
	if c := s.catalog.Get(); c != nil {
		for _, k := range c.FeatureKeys() {
			seen[k] = struct{}{}
		}
	}
	for _, o := range overrides {
		seen[o.FeatureKey] = struct{}{}
	}
	keys := make([]string, 0, len(seen))
	for k := range seen {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func earliestExpiry(overrides []domain.Override, now time.Time) (time.Time, bool) {
	var (
		earliest time.Time
		found    bool
	)
	for _, o := range overrides {
		if !o.ActiveAt(now) {
			continue
		}
		if !found || o.ExpiresAt.Before(earliest) {
			earliest = o.ExpiresAt
			found = true
		}
	}
	return earliest, found
}

// project restricts snapshot to featureKeys. Keys the snapshot never resolved
// are reported as denied.
func project(snapshot domain.Snapshot, featureKeys []string) domain.Snapshot {
	if len(featureKeys) == 0 {
		return snapshot
	}
	features := make(map[string]domain.FeatureEntitlement, len(featureKeys))
	for _, k := range featureKeys {
		k = strings.TrimSpace(k)
		if k == "" {
			continue
		}
		if f, ok := snapshot.Features[k]; ok {
			features[k] = f
			continue
		}
		features[k] = domain.FeatureEntitlement{FeatureKey: k, Granted: false, Source: domain.SourceDeny}
	}
	out := snapshot
	out.Features = features
	return out
}
