package logger

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/smallbiznis/gatekeeper/internal/auditcontext"
	obscontext "github.com/smallbiznis/gatekeeper/internal/observability/context"
	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

func TestWithContext_AddsCorrelationFields(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)
	base := zap.New(core)

	ctx := obscontext.WithRequestID(context.Background(), "req-1")
	ctx = obscontext.WithTenantID(ctx, "tenant-9")
	WithContext(ctx, base).Info("hello")

	entries := logs.All()
	if assert.Len(t, entries, 1) {
		fields := entries[0].ContextMap()
		assert.Equal(t, "req-1", fields["request_id"])
		assert.Equal(t, "tenant-9", fields["tenant_id"])
		_, hasActor := fields["actor_type"]
		assert.False(t, hasActor)
	}
}

func TestGinMiddleware_PropagatesRequestAndTenant(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(GinMiddleware(MiddlewareConfig{}))

	var gotTenant, gotRequest, gotAuditRequest string
	r.GET("/ping", func(c *gin.Context) {
		gotTenant = obscontext.TenantIDFromContext(c.Request.Context())
		gotRequest = obscontext.RequestIDFromContext(c.Request.Context())
		gotAuditRequest = auditcontext.RequestIDFromContext(c.Request.Context())
		c.Status(http.StatusNoContent)
	})

	req := httptest.NewRequest(http.MethodGet, "/ping", nil)
	req.Header.Set(HeaderTenantID, "acme")
	req.Header.Set(HeaderRequestID, "abc")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.Equal(t, "acme", gotTenant)
	assert.Equal(t, "abc", gotRequest)
	assert.Equal(t, "abc", gotAuditRequest)
	assert.Equal(t, "abc", w.Header().Get(HeaderRequestID))
}

func TestGinMiddleware_LogsDeniedRequestAtWarn(t *testing.T) {
	gin.SetMode(gin.TestMode)
	core, logs := observer.New(zap.DebugLevel)
	restore := zap.ReplaceGlobals(zap.New(core))
	t.Cleanup(restore)

	r := gin.New()
	r.Use(GinMiddleware(MiddlewareConfig{}))

	var gotTenant string
	r.GET("/v1/tenants/:tenant/reports", func(c *gin.Context) {
		gotTenant = obscontext.TenantIDFromContext(c.Request.Context())
		c.Header("X-Billing-State", "PAST_DUE")
		c.Header("X-Billing-Degraded", "true")
		c.AbortWithStatus(http.StatusPaymentRequired)
	})

	req := httptest.NewRequest(http.MethodGet, "/v1/tenants/t-42/reports", nil)
	req.Header.Set(HeaderTenantID, "ignored")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	assert.Equal(t, "t-42", gotTenant)
	assert.NotEmpty(t, w.Header().Get(HeaderRequestID))

	entries := logs.FilterMessage("http_request").All()
	if assert.Len(t, entries, 1) {
		assert.Equal(t, zap.WarnLevel, entries[0].Level)
		fields := entries[0].ContextMap()
		assert.Equal(t, "PAST_DUE", fields["billing_state"])
		assert.Equal(t, true, fields["billing_degraded"])
		assert.Equal(t, "/v1/tenants/:tenant/reports", fields["route"])
	}
}
