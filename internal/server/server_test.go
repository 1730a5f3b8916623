package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/gin-gonic/gin"
	alertdomain "github.com/smallbiznis/gatekeeper/internal/alert/domain"
	alertservice "github.com/smallbiznis/gatekeeper/internal/alert/service"
	auditdomain "github.com/smallbiznis/gatekeeper/internal/audit/domain"
	auditrepo "github.com/smallbiznis/gatekeeper/internal/audit/repository"
	auditservice "github.com/smallbiznis/gatekeeper/internal/audit/service"
	"github.com/smallbiznis/gatekeeper/internal/authorization"
	"github.com/smallbiznis/gatekeeper/internal/billinggate"
	"github.com/smallbiznis/gatekeeper/internal/clock"
	"github.com/smallbiznis/gatekeeper/internal/config"
	"github.com/smallbiznis/gatekeeper/internal/entitlement/cache"
	entdomain "github.com/smallbiznis/gatekeeper/internal/entitlement/domain"
	jobdomain "github.com/smallbiznis/gatekeeper/internal/job/domain"
	"github.com/smallbiznis/gatekeeper/internal/observability"
	overridedomain "github.com/smallbiznis/gatekeeper/internal/override/domain"
	overriderepo "github.com/smallbiznis/gatekeeper/internal/override/repository"
	overrideservice "github.com/smallbiznis/gatekeeper/internal/override/service"
	"github.com/smallbiznis/gatekeeper/internal/ratelimit"
	subscriptiondomain "github.com/smallbiznis/gatekeeper/internal/subscription/domain"
	"github.com/smallbiznis/gatekeeper/internal/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

func init() {
	gin.SetMode(gin.TestMode)
}

var testNow = time.Date(2026, 6, 1, 10, 0, 0, 0, time.UTC)

type mockEntitlements struct{ mock.Mock }

func (m *mockEntitlements) GetEntitlements(ctx context.Context, tenantID string, featureKeys ...string) (entdomain.Snapshot, error) {
	args := m.Called(ctx, tenantID, featureKeys)
	return args.Get(0).(entdomain.Snapshot), args.Error(1)
}

func (m *mockEntitlements) HasFeature(ctx context.Context, tenantID, featureKey string) (bool, error) {
	args := m.Called(ctx, tenantID, featureKey)
	return args.Bool(0), args.Error(1)
}

func (m *mockEntitlements) HandleBillingWebhook(ctx context.Context, tenantID string) (entdomain.Snapshot, error) {
	args := m.Called(ctx, tenantID)
	return args.Get(0).(entdomain.Snapshot), args.Error(1)
}

func (m *mockEntitlements) InvalidateTenant(ctx context.Context, tenantID string) error {
	return m.Called(ctx, tenantID).Error(0)
}

func (m *mockEntitlements) TrackOverrideExpiry(ctx context.Context, tenantID string, expiresAt time.Time) error {
	return m.Called(ctx, tenantID, expiresAt).Error(0)
}

type mockJobs struct{ mock.Mock }

func (m *mockJobs) Dispatch(ctx context.Context, req jobdomain.DispatchRequest, fn jobdomain.JobFunc) (*jobdomain.BackgroundJob, error) {
	args := m.Called(ctx, req)
	job, _ := args.Get(0).(*jobdomain.BackgroundJob)
	return job, args.Error(1)
}

func (m *mockJobs) MarkCancelled(ctx context.Context, actor authorization.Actor, req jobdomain.CancelRequest) (*jobdomain.BackgroundJob, error) {
	args := m.Called(ctx, actor, req)
	job, _ := args.Get(0).(*jobdomain.BackgroundJob)
	return job, args.Error(1)
}

func (m *mockJobs) ListByTenant(ctx context.Context, actor authorization.Actor, tenantID string, status string) ([]jobdomain.BackgroundJob, error) {
	args := m.Called(ctx, actor, tenantID, status)
	jobs, _ := args.Get(0).([]jobdomain.BackgroundJob)
	return jobs, args.Error(1)
}

type mockNotifier struct{ mock.Mock }

func (m *mockNotifier) Notify(ctx context.Context, alert alertdomain.Alert) error {
	return m.Called(ctx, alert).Error(0)
}

type fakeSubscriptions struct {
	subs map[string]*subscriptiondomain.Subscription
	err  error
}

func (f *fakeSubscriptions) GetLatest(_ context.Context, tenantID string) (*subscriptiondomain.Subscription, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.subs[tenantID], nil
}

func (f *fakeSubscriptions) PlanKeyForTenant(_ context.Context, tenantID string) (string, error) {
	if sub := f.subs[tenantID]; sub != nil {
		return sub.PlanKey, nil
	}
	return "", subscriptiondomain.ErrSubscriptionNotFound
}

type fixture struct {
	server   *Server
	engine   *gin.Engine
	ents     *mockEntitlements
	jobs     *mockJobs
	notifier *mockNotifier
	subs     *fakeSubscriptions
	audit    auditdomain.Service
}

func newFixture(t *testing.T) fixture {
	t.Helper()
	db := testutil.NewSQLiteDB(t,
		&auditdomain.AuditLog{},
		&overridedomain.Override{},
		&subscriptiondomain.Subscription{},
		&jobdomain.BackgroundJob{},
	)
	node, err := snowflake.NewNode(1)
	require.NoError(t, err)
	clk := clock.NewFakeClock(testNow)
	log := zap.NewNop()

	enforcer, err := authorization.NewEnforcer(db)
	require.NoError(t, err)
	authz := authorization.NewService(authorization.Params{Log: log, Enforcer: enforcer})
	audit := auditservice.NewService(auditservice.Params{
		DB: db, Log: log, GenID: node, Clock: clk, Repo: auditrepo.Provide(),
	})
	overrides := overrideservice.NewService(overrideservice.Params{
		DB:    db,
		Log:   log,
		GenID: node,
		Clock: clk,
		Repo:  overriderepo.Provide(),
		Authz: authz,
		Audit: audit,
		Cache: cache.NewEntitlementCache(cache.NewMemoryStore(100), log),
	})

	cfg := config.Config{Environment: "test"}
	cfg.Alerts.DenyThreshold = 2
	cfg.Alerts.DenyWindow = time.Minute
	notifier := &mockNotifier{}
	denials := alertservice.NewDenyMonitor(alertservice.DenyMonitorParams{
		Config: cfg, Log: log, Clock: clk, Notifier: notifier,
	})

	f := fixture{
		engine:   NewEngine(observability.Config{}, nil),
		ents:     &mockEntitlements{},
		jobs:     &mockJobs{},
		notifier: notifier,
		subs:     &fakeSubscriptions{subs: map[string]*subscriptiondomain.Subscription{}},
		audit:    audit,
	}
	f.server = NewServer(ServerParams{
		Gin:           f.engine,
		Cfg:           cfg,
		DB:            db,
		Log:           log,
		Clock:         clk,
		Entitlements:  f.ents,
		Subscriptions: f.subs,
		Gate:          billinggate.NewGate(),
		Overrides:     overrides,
		Jobs:          f.jobs,
		AuditSvc:      audit,
		AuthzSvc:      authz,
		Denials:       denials,
	})
	return f
}

func (f fixture) do(t *testing.T, method, path string, body any, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(payload)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	f.engine.ServeHTTP(rec, req)
	return rec
}

func (f fixture) auditActions(t *testing.T, tenantID string) []string {
	t.Helper()
	resp, err := f.audit.List(context.Background(), auditdomain.ListAuditLogRequest{TenantID: tenantID})
	require.NoError(t, err)
	actions := make([]string, 0, len(resp.AuditLogs))
	for _, entry := range resp.AuditLogs {
		actions = append(actions, entry.Action)
	}
	return actions
}

func decode(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	return out
}

func snapshot(tenantID, planKey string, granted map[string]bool) entdomain.Snapshot {
	features := make(map[string]entdomain.FeatureEntitlement, len(granted))
	for k, ok := range granted {
		source := entdomain.SourcePlan
		if !ok {
			source = entdomain.SourceDeny
		}
		features[k] = entdomain.FeatureEntitlement{FeatureKey: k, Granted: ok, Source: source}
	}
	return entdomain.Snapshot{TenantID: tenantID, PlanKey: planKey, Features: features, ResolvedAt: testNow}
}

func sub(status string, mutate ...func(*subscriptiondomain.Subscription)) *subscriptiondomain.Subscription {
	s := &subscriptiondomain.Subscription{
		ID:        snowflake.ID(1),
		PlanKey:   "growth",
		Status:    subscriptiondomain.SubscriptionStatus(status),
		CreatedAt: testNow.Add(-30 * 24 * time.Hour),
	}
	for _, fn := range mutate {
		fn(s)
	}
	return s
}

func okHandler(c *gin.Context) { c.JSON(http.StatusOK, gin.H{"status": "ok"}) }

func TestHealthz(t *testing.T) {
	f := newFixture(t)
	rec := f.do(t, http.MethodGet, "/healthz", nil, nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestGetEntitlements_ProjectsRequestedKeys(t *testing.T) {
	f := newFixture(t)
	f.ents.On("GetEntitlements", mock.Anything, "t1", []string{"dashboards", "exports"}).
		Return(snapshot("t1", "growth", map[string]bool{"dashboards": true, "exports": false}), nil).Once()

	rec := f.do(t, http.MethodGet, "/v1/tenants/t1/entitlements?features=dashboards,%20exports", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	data := decode(t, rec)["data"].(map[string]any)
	assert.Equal(t, "growth", data["plan_key"])
	assert.Equal(t, []any{"dashboards"}, data["granted"])
	f.ents.AssertExpectations(t)
}

func TestGetEntitlements_EvaluationFailureIsFailClosed(t *testing.T) {
	f := newFixture(t)
	failure := &entdomain.EvaluationFailure{
		Code:     entdomain.CodeFailClosed,
		TenantID: "t1",
		Snapshot: entdomain.DeniedSnapshot("t1", "", []string{"dashboards"}, testNow),
		Err:      errors.New("dial tcp 10.0.0.5:5432: connection refused"),
	}
	f.ents.On("GetEntitlements", mock.Anything, "t1", []string(nil)).Return(failure.Snapshot, failure).Once()

	rec := f.do(t, http.MethodGet, "/v1/tenants/t1/entitlements", nil, nil)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.JSONEq(t, `{"error":"ENTITLEMENTS_UNAVAILABLE_FAIL_CLOSED"}`, rec.Body.String())
	assert.NotContains(t, rec.Body.String(), "10.0.0.5")
}

func TestGetEntitlements_ValidationError(t *testing.T) {
	f := newFixture(t)
	f.ents.On("GetEntitlements", mock.Anything, "", []string(nil)).
		Return(entdomain.Snapshot{}, entdomain.NewValidationError("tenant_id", "tenant_id is required")).Once()

	rec := f.do(t, http.MethodGet, "/v1/tenants/%20/entitlements", nil, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	payload := decode(t, rec)["error"].(map[string]any)
	assert.Equal(t, "validation_error", payload["type"])
}

func TestRequireCategory_DeniesPremiumWriteWith402(t *testing.T) {
	f := newFixture(t)
	f.subs.subs["t1"] = sub("cancelled")
	f.engine.POST("/v1/tenants/:tenant/exports", f.server.RequireCategory(billinggate.CategoryExports), okHandler)

	rec := f.do(t, http.MethodPost, "/v1/tenants/t1/exports", nil, nil)
	require.Equal(t, http.StatusPaymentRequired, rec.Code)
	assert.Equal(t, "CANCELED", rec.Header().Get(HeaderBillingState))
	assert.Equal(t, "update_payment", rec.Header().Get(HeaderActionRequired))

	body := decode(t, rec)
	assert.Equal(t, "CANCELED", body["billing_state"])
	assert.Equal(t, "exports", body["category"])
	assert.Equal(t, "update_payment", body["action_required"])
	assert.Equal(t, "subscription_period_ended", body["reason"].(map[string]any)["code"])

	assert.Contains(t, f.auditActions(t, "t1"), auditdomain.ActionEntitlementDenied)
}

func TestRequireCategory_DegradedReadIsAllowed(t *testing.T) {
	f := newFixture(t)
	graceEnds := testNow.Add(5 * 24 * time.Hour)
	f.subs.subs["t1"] = sub("frozen", func(s *subscriptiondomain.Subscription) { s.GracePeriodEndsOn = &graceEnds })
	f.engine.GET("/v1/tenants/:tenant/reports", f.server.RequireCategory(billinggate.CategoryOther), okHandler)

	rec := f.do(t, http.MethodGet, "/v1/tenants/t1/reports", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "GRACE_PERIOD", rec.Header().Get(HeaderBillingState))
	assert.Equal(t, "true", rec.Header().Get(HeaderDegraded))
	assert.Contains(t, f.auditActions(t, "t1"), auditdomain.ActionDegradedAccessUsed)
}

func TestRequireCategory_ActiveIsGranted(t *testing.T) {
	f := newFixture(t)
	f.subs.subs["t1"] = sub("ACTIVE ")
	f.engine.POST("/v1/tenants/:tenant/recompute", f.server.RequireCategory(billinggate.CategoryHeavyRecompute), okHandler)

	rec := f.do(t, http.MethodPost, "/v1/tenants/t1/recompute", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, rec.Header().Get(HeaderDegraded))
	assert.Contains(t, f.auditActions(t, "t1"), auditdomain.ActionEntitlementGranted)
}

func TestRequireCategory_InfersCategoryFromPathAndHeaderTenant(t *testing.T) {
	f := newFixture(t)
	f.subs.subs["t2"] = sub("expired")
	f.engine.GET("/ai/insights", f.server.RequireCategory(""), okHandler)

	rec := f.do(t, http.MethodGet, "/ai/insights", nil, map[string]string{"X-Tenant-ID": "t2"})
	require.Equal(t, http.StatusPaymentRequired, rec.Code)
	assert.Equal(t, "ai", decode(t, rec)["category"])
}

func TestRequireCategory_SubscriptionLookupFailureFailsClosed(t *testing.T) {
	f := newFixture(t)
	f.subs.err = errors.New("connection reset by peer")
	f.engine.GET("/v1/tenants/:tenant/reports", f.server.RequireCategory(billinggate.CategoryOther), okHandler)

	rec := f.do(t, http.MethodGet, "/v1/tenants/t1/reports", nil, nil)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.JSONEq(t, `{"error":"ENTITLEMENTS_UNAVAILABLE_FAIL_CLOSED"}`, rec.Body.String())
	assert.Contains(t, f.auditActions(t, "t1"), auditdomain.ActionEvaluationFailed)
}

func TestRequireCategory_RepeatedDenialsAlertSupport(t *testing.T) {
	f := newFixture(t)
	f.engine.POST("/v1/tenants/:tenant/exports", f.server.RequireCategory(billinggate.CategoryExports), okHandler)
	f.notifier.On("Notify", mock.Anything, mock.MatchedBy(func(a alertdomain.Alert) bool {
		return a.Kind == alertdomain.KindRepeatedDeny && a.TenantID == "t9"
	})).Return(nil).Once()

	for i := 0; i < 2; i++ {
		rec := f.do(t, http.MethodPost, "/v1/tenants/t9/exports", nil, nil)
		require.Equal(t, http.StatusPaymentRequired, rec.Code)
	}
	f.notifier.AssertExpectations(t)
}

func TestRequireFeature(t *testing.T) {
	f := newFixture(t)
	f.engine.GET("/v1/tenants/:tenant/dashboards", f.server.RequireFeature("dashboards"), okHandler)

	f.ents.On("HasFeature", mock.Anything, "granted", "dashboards").Return(true, nil).Once()
	f.ents.On("HasFeature", mock.Anything, "denied", "dashboards").Return(false, nil).Once()
	f.ents.On("HasFeature", mock.Anything, "broken", "dashboards").
		Return(false, &entdomain.EvaluationFailure{Code: entdomain.CodeFailClosed, TenantID: "broken", Err: errors.New("boom")}).Once()

	assert.Equal(t, http.StatusOK, f.do(t, http.MethodGet, "/v1/tenants/granted/dashboards", nil, nil).Code)

	rec := f.do(t, http.MethodGet, "/v1/tenants/denied/dashboards", nil, nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Equal(t, "dashboards", decode(t, rec)["feature_key"])
	assert.Contains(t, f.auditActions(t, "denied"), auditdomain.ActionEntitlementDenied)

	rec = f.do(t, http.MethodGet, "/v1/tenants/broken/dashboards", nil, nil)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	f.ents.AssertExpectations(t)
}

func TestGetBillingState(t *testing.T) {
	f := newFixture(t)
	graceEnds := testNow.Add(3*24*time.Hour + time.Hour)
	f.subs.subs["t1"] = sub("frozen", func(s *subscriptiondomain.Subscription) { s.GracePeriodEndsOn = &graceEnds })

	rec := f.do(t, http.MethodGet, "/v1/tenants/t1/billing-state?category=exports", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	data := decode(t, rec)["data"].(map[string]any)
	assert.Equal(t, "GRACE_PERIOD", data["billing_state"])
	assert.EqualValues(t, 3, data["grace_period_remaining_days"])
	decision := data["decision"].(map[string]any)
	assert.Equal(t, false, decision["entitled"])
	assert.Equal(t, "update_payment", decision["action_required"])

	rec = f.do(t, http.MethodGet, "/v1/tenants/t1/billing-state?category=bogus", nil, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = f.do(t, http.MethodGet, "/v1/tenants/nobody/billing-state", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "NONE", decode(t, rec)["data"].(map[string]any)["billing_state"])
	assert.Empty(t, f.auditActions(t, "nobody"), "plain classification is not a gate decision")
}

func TestGetBillingState_AuditsCategoryDecision(t *testing.T) {
	f := newFixture(t)
	f.subs.subs["t1"] = sub("active")
	f.subs.subs["t2"] = sub("cancelled")

	rec := f.do(t, http.MethodGet, "/v1/tenants/t1/billing-state?category=ai&method=POST", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, []string{auditdomain.ActionEntitlementGranted}, f.auditActions(t, "t1"))

	rec = f.do(t, http.MethodGet, "/v1/tenants/t2/billing-state?category=exports", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, []string{auditdomain.ActionEntitlementDenied}, f.auditActions(t, "t2"))

	resp, err := f.audit.List(context.Background(), auditdomain.ListAuditLogRequest{TenantID: "t2", Category: "exports"})
	require.NoError(t, err)
	require.Len(t, resp.AuditLogs, 1)
	assert.Equal(t, "CANCELED", resp.AuditLogs[0].BillingState)
}

type failingAudit struct{ auditdomain.Service }

func (failingAudit) Record(context.Context, auditdomain.Event) error {
	return errors.New("audit store down")
}

func TestAuditFailuresAreLogged(t *testing.T) {
	f := newFixture(t)
	core, logs := observer.New(zap.WarnLevel)
	f.server.log = zap.New(core)
	f.server.auditSvc = failingAudit{Service: f.audit}
	f.engine.GET("/v1/tenants/:tenant/dashboards", f.server.RequireFeature("dashboards"), okHandler)
	f.engine.GET("/v1/tenants/:tenant/reports", f.server.RequireCategory(billinggate.CategoryExports), okHandler)

	f.ents.On("HasFeature", mock.Anything, "t1", "dashboards").Return(false, nil).Once()
	assert.Equal(t, http.StatusForbidden, f.do(t, http.MethodGet, "/v1/tenants/t1/dashboards", nil, nil).Code)
	assert.Len(t, logs.FilterMessage("audit feature denial failed").All(), 1)

	f.subs.err = errors.New("db down")
	assert.Equal(t, http.StatusServiceUnavailable, f.do(t, http.MethodGet, "/v1/tenants/t1/reports", nil, nil).Code)
	assert.Len(t, logs.FilterMessage("audit evaluation failure failed").All(), 1)
}

func TestHandleBillingWebhook(t *testing.T) {
	f := newFixture(t)
	f.ents.On("HandleBillingWebhook", mock.Anything, "t1").
		Return(snapshot("t1", "growth", map[string]bool{"exports": true}), nil).Once()

	rec := f.do(t, http.MethodPost, "/v1/webhooks/billing",
		map[string]string{"tenant_id": "t1", "event": "subscription.updated"},
		map[string]string{HeaderDeliveryID: "dlv-1"},
	)
	require.Equal(t, http.StatusOK, rec.Code)
	body := decode(t, rec)
	assert.Equal(t, "dlv-1", body["delivery_id"])
	assert.Equal(t, []any{"exports"}, body["data"].(map[string]any)["granted"])
	assert.Contains(t, f.auditActions(t, "t1"), auditdomain.ActionBillingWebhookReceived)

	rec = f.do(t, http.MethodPost, "/v1/webhooks/billing", map[string]string{"event": "x"}, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	f.ents.AssertExpectations(t)
}

func TestHandleBillingWebhook_GeneratesDeliveryID(t *testing.T) {
	f := newFixture(t)
	f.ents.On("HandleBillingWebhook", mock.Anything, "t1").
		Return(snapshot("t1", "starter", nil), nil).Once()

	rec := f.do(t, http.MethodPost, "/v1/webhooks/billing", map[string]string{"tenant_id": "t1"}, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decode(t, rec)["delivery_id"], 26)
}

func TestHandleBillingWebhook_RateLimitedPerTenant(t *testing.T) {
	f := newFixture(t)
	var cfg config.Config
	cfg.RateLimit = config.RateLimitConfig{Enabled: true, WebhookRate: 0.001, WebhookBurst: 1}
	f.server.limiter = ratelimit.NewWebhookLimiter(ratelimit.Params{Config: cfg, Log: zap.NewNop()})
	f.ents.On("HandleBillingWebhook", mock.Anything, "t1").
		Return(snapshot("t1", "starter", nil), nil).Once()

	body := map[string]string{"tenant_id": "t1"}
	require.Equal(t, http.StatusOK, f.do(t, http.MethodPost, "/v1/webhooks/billing", body, nil).Code)

	rec := f.do(t, http.MethodPost, "/v1/webhooks/billing", body, nil)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.NotEmpty(t, rec.Header().Get("Retry-After"))
	f.ents.AssertExpectations(t)
}

func TestOverrides_AdminLifecycle(t *testing.T) {
	f := newFixture(t)
	supportHeaders := map[string]string{HeaderActorID: "agent-1", HeaderActorRole: authorization.RoleSupport}
	create := map[string]any{
		"tenant_id":   "t1",
		"feature_key": "exports",
		"effect":      "grant",
		"expires_at":  testNow.Add(7 * 24 * time.Hour).Format(time.RFC3339),
		"reason":      "sales trial",
	}

	rec := f.do(t, http.MethodPost, "/v1/admin/overrides", create, nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = f.do(t, http.MethodPost, "/v1/admin/overrides", create, map[string]string{HeaderActorID: "u1", HeaderActorRole: "member"})
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = f.do(t, http.MethodPost, "/v1/admin/overrides", create, supportHeaders)
	require.Equal(t, http.StatusCreated, rec.Code)
	id := decode(t, rec)["data"].(map[string]any)["id"].(string)

	rec = f.do(t, http.MethodGet, "/v1/admin/overrides?tenant_id=t1", nil, supportHeaders)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decode(t, rec)["data"], 1)

	rec = f.do(t, http.MethodPut, "/v1/admin/overrides/"+id, map[string]any{"effect": "deny", "reason": "trial revoked"}, supportHeaders)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "deny", decode(t, rec)["data"].(map[string]any)["effect"])

	rec = f.do(t, http.MethodDelete, "/v1/admin/overrides/"+id, nil, supportHeaders)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = f.do(t, http.MethodDelete, "/v1/admin/overrides/"+id+"?reason=cleanup", nil, supportHeaders)
	assert.Equal(t, http.StatusNoContent, rec.Code)

	rec = f.do(t, http.MethodDelete, "/v1/admin/overrides/"+id+"?reason=cleanup", nil, supportHeaders)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = f.do(t, http.MethodGet, "/v1/admin/overrides?tenant_id=t1&state=bogus", nil, supportHeaders)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	assert.Subset(t, f.auditActions(t, "t1"), []string{
		auditdomain.ActionOverrideCreated,
		auditdomain.ActionOverrideUpdated,
		auditdomain.ActionOverrideRemoved,
	})
}

func TestOverrides_PastExpiryRejected(t *testing.T) {
	f := newFixture(t)
	rec := f.do(t, http.MethodPost, "/v1/admin/overrides", map[string]any{
		"tenant_id":   "t1",
		"feature_key": "exports",
		"effect":      "grant",
		"expires_at":  testNow.Add(-time.Hour).Format(time.RFC3339),
		"reason":      "late",
	}, map[string]string{HeaderActorID: "root", HeaderActorRole: authorization.RoleSuperAdmin})

	require.Equal(t, http.StatusBadRequest, rec.Code)
	errs := decode(t, rec)["error"].(map[string]any)["errors"].([]any)
	assert.Equal(t, "expires_at", errs[0].(map[string]any)["field"])
}

func TestTenantJobs(t *testing.T) {
	f := newFixture(t)
	headers := map[string]string{HeaderActorID: "agent-1", HeaderActorRole: authorization.RoleSupport}
	support := authorization.Actor{ID: "agent-1", Role: authorization.RoleSupport}

	f.jobs.On("ListByTenant", mock.Anything, support, "t1", "blocked_due_to_billing").
		Return([]jobdomain.BackgroundJob{{ID: snowflake.ID(7), TenantID: "t1", Status: jobdomain.JobStatusBlockedDueToBilling}}, nil).Once()
	f.jobs.On("MarkCancelled", mock.Anything, support, jobdomain.CancelRequest{ID: "404", Reason: "stale"}).
		Return(nil, entdomain.NewNotFoundError("job", "404")).Once()

	rec := f.do(t, http.MethodGet, "/v1/tenants/t1/jobs?status=blocked_due_to_billing", nil, headers)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decode(t, rec)["data"], 1)

	rec = f.do(t, http.MethodGet, "/v1/tenants/t1/jobs", nil, nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = f.do(t, http.MethodPost, "/v1/admin/jobs/404/cancel", map[string]string{"reason": "stale"}, headers)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	f.jobs.AssertExpectations(t)
}

func TestListAuditLogs_RequiresSuperAdmin(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.audit.Record(context.Background(), auditdomain.Event{
		TenantID: "t1", Action: auditdomain.ActionEntitlementDenied,
	}))

	rec := f.do(t, http.MethodGet, "/v1/admin/audit-logs?tenant_id=t1", nil,
		map[string]string{HeaderActorID: "agent-1", HeaderActorRole: authorization.RoleSupport})
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = f.do(t, http.MethodGet, "/v1/admin/audit-logs?tenant_id=t1", nil,
		map[string]string{HeaderActorID: "root", HeaderActorRole: authorization.RoleSuperAdmin})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.NotEmpty(t, decode(t, rec)["data"])

	rec = f.do(t, http.MethodGet, "/v1/admin/audit-logs?start_at=yesterday", nil,
		map[string]string{HeaderActorID: "root", HeaderActorRole: authorization.RoleSuperAdmin})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestMapError(t *testing.T) {
	cases := []struct {
		name   string
		err    error
		status int
	}{
		{"validation", entdomain.NewValidationError("tenant_id", "required"), http.StatusBadRequest},
		{"not found", entdomain.NewNotFoundError("plan", "gold"), http.StatusNotFound},
		{"permission", entdomain.NewPermissionError("member", "override.create"), http.StatusForbidden},
		{"unauthorized", ErrUnauthorized, http.StatusUnauthorized},
		{"job not found", jobdomain.ErrJobNotFound, http.StatusNotFound},
		{"unknown", errors.New("pq: relation does not exist"), http.StatusInternalServerError},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			status, payload := mapError(tc.err)
			assert.Equal(t, tc.status, status)
			assert.NotContains(t, payload.Message, "pq:")
		})
	}
}
