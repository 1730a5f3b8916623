package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	redis "github.com/redis/go-redis/v9"
	alertdomain "github.com/smallbiznis/gatekeeper/internal/alert/domain"
	auditdomain "github.com/smallbiznis/gatekeeper/internal/audit/domain"
	"github.com/smallbiznis/gatekeeper/internal/clock"
	"github.com/smallbiznis/gatekeeper/internal/config"
	"github.com/smallbiznis/gatekeeper/internal/entitlement/cache"
	"github.com/smallbiznis/gatekeeper/internal/entitlement/domain"
	"github.com/smallbiznis/gatekeeper/internal/plan"
	subscriptiondomain "github.com/smallbiznis/gatekeeper/internal/subscription/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

var now = time.Date(2026, 4, 2, 8, 0, 0, 0, time.UTC)

type planKeys struct{ mock.Mock }

func (m *planKeys) PlanKeyForTenant(ctx context.Context, tenantID string) (string, error) {
	args := m.Called(ctx, tenantID)
	return args.String(0), args.Error(1)
}

type overrideLister struct{ mock.Mock }

func (m *overrideLister) ActiveOverrides(ctx context.Context, tenantID string, at time.Time) ([]domain.Override, error) {
	args := m.Called(ctx, tenantID, at)
	items, _ := args.Get(0).([]domain.Override)
	return items, args.Error(1)
}

type auditSink struct{ mock.Mock }

func (m *auditSink) Record(ctx context.Context, event auditdomain.Event) error {
	return m.Called(ctx, event).Error(0)
}

func (m *auditSink) List(ctx context.Context, req auditdomain.ListAuditLogRequest) (auditdomain.ListAuditLogResponse, error) {
	args := m.Called(ctx, req)
	return args.Get(0).(auditdomain.ListAuditLogResponse), args.Error(1)
}

type notifier struct{ mock.Mock }

func (m *notifier) Notify(ctx context.Context, alert alertdomain.Alert) error {
	return m.Called(ctx, alert).Error(0)
}

type harness struct {
	svc       domain.Service
	cache     *cache.EntitlementCache
	plans     *planKeys
	overrides *overrideLister
	audit     *auditSink
	notifier  *notifier
}

func newHarness(t *testing.T, store cache.Store) harness {
	t.Helper()
	starter := plan.NewDefinition("starter", []string{"dashboards"}, nil)
	growth := plan.NewDefinition("growth", []string{"dashboards", "exports"}, nil)
	catalog, err := plan.NewCatalog(1, now, starter, growth)
	require.NoError(t, err)

	h := harness{
		cache:     cache.NewEntitlementCache(store, zap.NewNop()),
		plans:     &planKeys{},
		overrides: &overrideLister{},
		audit:     &auditSink{},
		notifier:  &notifier{},
	}
	cfg := config.Config{Cache: config.CacheConfig{TTL: time.Hour}}
	h.svc = NewService(Params{
		Config:    cfg,
		Log:       zap.NewNop(),
		Clock:     clock.NewFakeClock(now),
		Cache:     h.cache,
		Catalog:   plan.NewStaticHolder(catalog),
		Plans:     h.plans,
		Overrides: h.overrides,
		Audit:     h.audit,
		Notifier:  h.notifier,
	})
	return h
}

func TestGetEntitlements_MissResolvesThenHits(t *testing.T) {
	h := newHarness(t, cache.NewMemoryStore(100))
	ctx := context.Background()
	h.plans.On("PlanKeyForTenant", mock.Anything, "t1").Return("growth", nil).Once()
	h.overrides.On("ActiveOverrides", mock.Anything, "t1", now).Return([]domain.Override(nil), nil).Once()

	snap, err := h.svc.GetEntitlements(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, []string{"dashboards", "exports"}, snap.GrantedKeys())

	again, err := h.svc.GetEntitlements(ctx, "t1", "exports", "ai")
	require.NoError(t, err)
	assert.True(t, again.Granted("exports"))
	assert.Equal(t, domain.SourceDeny, again.Features["ai"].Source)
	assert.Len(t, again.Features, 2)

	h.plans.AssertExpectations(t)
	h.overrides.AssertExpectations(t)
}

func TestGetEntitlements_OverrideAppliedAndTracked(t *testing.T) {
	h := newHarness(t, cache.NewMemoryStore(100))
	ctx := context.Background()
	expires := now.Add(30 * time.Minute)
	h.plans.On("PlanKeyForTenant", mock.Anything, "t1").Return("starter", nil)
	h.overrides.On("ActiveOverrides", mock.Anything, "t1", now).Return([]domain.Override{
		{TenantID: "t1", FeatureKey: "ai", Effect: domain.EffectGrant, ExpiresAt: expires},
		{TenantID: "t1", FeatureKey: "dashboards", Effect: domain.EffectDeny, ExpiresAt: now.Add(2 * time.Hour)},
	}, nil)

	snap, err := h.svc.GetEntitlements(ctx, "t1")
	require.NoError(t, err)
	assert.True(t, snap.Granted("ai"))
	assert.False(t, snap.Granted("dashboards"))
	assert.Equal(t, 2, snap.ActiveOverrideCount)

	tenants, err := h.cache.InvalidateExpiredOverrides(ctx, expires)
	require.NoError(t, err)
	assert.Equal(t, []string{"t1"}, tenants)

	_, hit, err := h.cache.Get(ctx, "t1")
	require.NoError(t, err)
	assert.False(t, hit)
}

func TestGetEntitlements_PlanLookupFailureFailsClosed(t *testing.T) {
	h := newHarness(t, cache.NewMemoryStore(100))
	ctx := context.Background()
	boom := errors.New("subscription store down")
	h.plans.On("PlanKeyForTenant", mock.Anything, "t1").Return("", boom).Twice()
	h.audit.On("Record", mock.Anything, mock.MatchedBy(func(e auditdomain.Event) bool {
		return e.Action == auditdomain.ActionEvaluationFailed && e.Reason == domain.CodeFailClosed && e.TenantID == "t1"
	})).Return(nil).Twice()
	h.notifier.On("Notify", mock.Anything, mock.MatchedBy(func(a alertdomain.Alert) bool {
		return a.Kind == alertdomain.KindEvaluationFailure && a.Code == domain.CodeFailClosed
	})).Return(nil).Twice()

	snap, err := h.svc.GetEntitlements(ctx, "t1")
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrEvaluation)
	assert.ErrorIs(t, err, boom)

	var failure *domain.EvaluationFailure
	require.True(t, errors.As(err, &failure))
	assert.Equal(t, domain.CodeFailClosed, failure.Code)
	assert.Empty(t, failure.Snapshot.GrantedKeys())
	assert.Equal(t, []string{"dashboards", "exports"}, failure.Snapshot.FeatureKeys())
	assert.Empty(t, snap.GrantedKeys())

	granted, err := h.svc.HasFeature(ctx, "t1", "dashboards")
	assert.False(t, granted)
	assert.ErrorIs(t, err, domain.ErrEvaluation)

	h.plans.AssertExpectations(t)
	h.audit.AssertExpectations(t)
	h.notifier.AssertExpectations(t)
}

func TestGetEntitlements_UnknownPlanFailsClosed(t *testing.T) {
	h := newHarness(t, cache.NewMemoryStore(100))
	h.plans.On("PlanKeyForTenant", mock.Anything, "t1").Return("enterprise", nil)
	h.audit.On("Record", mock.Anything, mock.Anything).Return(nil)
	h.notifier.On("Notify", mock.Anything, mock.Anything).Return(errors.New("slack down"))

	snap, err := h.svc.GetEntitlements(context.Background(), "t1", "exports")
	assert.ErrorIs(t, err, domain.ErrEvaluation)
	assert.ErrorIs(t, err, plan.ErrPlanNotFound)
	assert.Equal(t, []string{"exports"}, snap.FeatureKeys())
	assert.False(t, snap.Granted("exports"))

	var failure *domain.EvaluationFailure
	require.True(t, errors.As(err, &failure))
	assert.Equal(t, snap.FeatureKeys(), failure.Snapshot.FeatureKeys())
}

func TestGetEntitlements_NoSubscriptionResolvesWithoutAlert(t *testing.T) {
	h := newHarness(t, cache.NewMemoryStore(100))
	ctx := context.Background()
	h.plans.On("PlanKeyForTenant", mock.Anything, "t1").
		Return("", subscriptiondomain.ErrSubscriptionNotFound).Once()
	h.overrides.On("ActiveOverrides", mock.Anything, "t1", now).Return([]domain.Override{
		{TenantID: "t1", FeatureKey: "exports", Effect: domain.EffectGrant, ExpiresAt: now.Add(time.Hour)},
	}, nil).Once()

	snap, err := h.svc.GetEntitlements(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, "", snap.PlanKey)
	assert.Equal(t, []string{"exports"}, snap.GrantedKeys())
	assert.False(t, snap.Granted("dashboards"))

	granted, err := h.svc.HasFeature(ctx, "t1", "dashboards")
	require.NoError(t, err)
	assert.False(t, granted)

	h.plans.AssertExpectations(t)
	h.audit.AssertNotCalled(t, "Record", mock.Anything, mock.Anything)
	h.notifier.AssertNotCalled(t, "Notify", mock.Anything, mock.Anything)
}

func TestGetEntitlements_CancelledCallerStillResolves(t *testing.T) {
	h := newHarness(t, cache.NewMemoryStore(100))
	h.plans.On("PlanKeyForTenant", mock.MatchedBy(func(ctx context.Context) bool {
		return ctx.Err() == nil
	}), "t1").Return("growth", nil).Once()
	h.overrides.On("ActiveOverrides", mock.Anything, "t1", now).Return([]domain.Override(nil), nil).Once()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	snap, err := h.svc.GetEntitlements(ctx, "t1", "exports")
	require.NoError(t, err)
	assert.True(t, snap.Granted("exports"))
	h.plans.AssertExpectations(t)
}

func TestGetEntitlements_InvalidationDuringResolveIsNotCached(t *testing.T) {
	h := newHarness(t, cache.NewMemoryStore(100))
	ctx := context.Background()
	h.plans.On("PlanKeyForTenant", mock.Anything, "t1").Return("growth", nil)
	// An override mutation lands while the fill is between its reads.
	h.overrides.On("ActiveOverrides", mock.Anything, "t1", now).
		Run(func(mock.Arguments) { require.NoError(t, h.cache.Invalidate(ctx, "t1")) }).
		Return([]domain.Override(nil), nil).Once()
	h.overrides.On("ActiveOverrides", mock.Anything, "t1", now).Return([]domain.Override(nil), nil).Once()

	snap, err := h.svc.GetEntitlements(ctx, "t1")
	require.NoError(t, err)
	assert.True(t, snap.Granted("exports"))

	_, hit, err := h.cache.Get(ctx, "t1")
	require.NoError(t, err)
	assert.False(t, hit)

	_, err = h.svc.GetEntitlements(ctx, "t1")
	require.NoError(t, err)
	_, hit, err = h.cache.Get(ctx, "t1")
	require.NoError(t, err)
	assert.True(t, hit)
	h.overrides.AssertExpectations(t)
}

func TestGetEntitlements_EmptyTenantIsValidationError(t *testing.T) {
	h := newHarness(t, cache.NewMemoryStore(100))
	_, err := h.svc.GetEntitlements(context.Background(), "  ")
	assert.ErrorIs(t, err, domain.ErrValidation)
	assert.NotErrorIs(t, err, domain.ErrEvaluation)
}

func TestInvalidateTenant_NextGetIsMiss(t *testing.T) {
	h := newHarness(t, cache.NewMemoryStore(100))
	ctx := context.Background()
	h.plans.On("PlanKeyForTenant", mock.Anything, "t1").Return("starter", nil).Twice()
	h.overrides.On("ActiveOverrides", mock.Anything, "t1", now).Return([]domain.Override(nil), nil).Twice()

	_, err := h.svc.GetEntitlements(ctx, "t1")
	require.NoError(t, err)
	require.NoError(t, h.svc.InvalidateTenant(ctx, "t1"))
	_, err = h.svc.GetEntitlements(ctx, "t1")
	require.NoError(t, err)

	h.plans.AssertNumberOfCalls(t, "PlanKeyForTenant", 2)
}

func TestHandleBillingWebhook_Recomputes(t *testing.T) {
	h := newHarness(t, cache.NewMemoryStore(100))
	ctx := context.Background()
	h.plans.On("PlanKeyForTenant", mock.Anything, "t1").Return("starter", nil).Once()
	h.plans.On("PlanKeyForTenant", mock.Anything, "t1").Return("growth", nil).Once()
	h.overrides.On("ActiveOverrides", mock.Anything, "t1", now).Return([]domain.Override(nil), nil)

	before, err := h.svc.GetEntitlements(ctx, "t1")
	require.NoError(t, err)
	assert.False(t, before.Granted("exports"))

	after, err := h.svc.HandleBillingWebhook(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, "growth", after.PlanKey)
	assert.True(t, after.Granted("exports"))

	cached, hit, err := h.cache.Get(ctx, "t1")
	require.NoError(t, err)
	require.True(t, hit)
	assert.Equal(t, "growth", cached.PlanKey)
}

func TestGetEntitlements_CacheOutageStillResolves(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr(), MaxRetries: -1})
	t.Cleanup(func() { _ = client.Close() })
	mr.Close()

	h := newHarness(t, cache.NewRedisStore(client))
	h.plans.On("PlanKeyForTenant", mock.Anything, "t1").Return("growth", nil)
	h.overrides.On("ActiveOverrides", mock.Anything, "t1", now).Return([]domain.Override(nil), nil)

	granted, err := h.svc.HasFeature(context.Background(), "t1", "exports")
	require.NoError(t, err)
	assert.True(t, granted)
}
