package tracing

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	obscontext "github.com/smallbiznis/gatekeeper/internal/observability/context"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/baggage"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
)

// Response headers written by the gating handlers.
const (
	billingStateHeader   = "X-Billing-State"
	degradedHeader       = "X-Billing-Degraded"
	actionRequiredHeader = "X-Action-Required"
)

// GinMiddleware opens a server span per request and annotates it with the
// tenant and the gating outcome once the handler chain has run.
func GinMiddleware() gin.HandlerFunc {
	tracer := otel.Tracer("gatekeeper/http")
	return func(c *gin.Context) {
		ctx := ExtractContext(c.Request.Context(), propagation.HeaderCarrier(c.Request.Header))
		ctx, span := tracer.Start(ctx, "HTTP "+c.Request.Method, trace.WithSpanKind(trace.SpanKindServer))
		defer span.End()

		if requestID := obscontext.RequestIDFromContext(ctx); requestID != "" {
			if member, err := baggage.NewMember("request_id", requestID); err == nil {
				if bag, err := baggage.New(member); err == nil {
					ctx = baggage.ContextWithBaggage(ctx, bag)
				}
			}
			span.SetAttributes(attribute.String("request_id", requestID))
		}

		c.Request = c.Request.WithContext(ctx)
		c.Next()

		route := c.FullPath()
		if route == "" {
			route = "unknown"
		}
		status := c.Writer.Status()
		span.SetName("HTTP " + c.Request.Method + " " + route)
		span.SetAttributes(SafeAttributes(
			attribute.String("http.method", c.Request.Method),
			attribute.String("http.route", route),
			attribute.Int("http.status_code", status),
		)...)
		span.SetAttributes(gateAttributes(c)...)

		switch {
		case status >= http.StatusInternalServerError:
			if lastErr := c.Errors.Last(); lastErr != nil {
				if safeErr := SafeError(lastErr.Err); safeErr != nil {
					span.RecordError(safeErr)
				}
			}
			span.SetStatus(codes.Error, "request error")
		case status == http.StatusPaymentRequired:
			span.SetAttributes(attribute.Bool("gate.denied", true))
		}
	}
}

func gateAttributes(c *gin.Context) []attribute.KeyValue {
	var attrs []attribute.KeyValue
	tenantID := strings.TrimSpace(c.Param("tenant"))
	if tenantID == "" {
		tenantID = obscontext.TenantIDFromContext(c.Request.Context())
	}
	if tenantID != "" {
		attrs = append(attrs, attribute.String("tenant_id", tenantID))
	}
	header := c.Writer.Header()
	if state := header.Get(billingStateHeader); state != "" {
		attrs = append(attrs, attribute.String("billing.state", state))
	}
	if header.Get(degradedHeader) != "" {
		attrs = append(attrs, attribute.Bool("billing.degraded", true))
	}
	if action := header.Get(actionRequiredHeader); action != "" {
		attrs = append(attrs, attribute.String("billing.action_required", action))
	}
	return attrs
}
