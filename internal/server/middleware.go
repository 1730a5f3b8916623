package server

import (
	"context"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	auditdomain "github.com/smallbiznis/gatekeeper/internal/audit/domain"
	"github.com/smallbiznis/gatekeeper/internal/auditcontext"
	"github.com/smallbiznis/gatekeeper/internal/authorization"
	"github.com/smallbiznis/gatekeeper/internal/billinggate"
	entdomain "github.com/smallbiznis/gatekeeper/internal/entitlement/domain"
	obsmiddleware "github.com/smallbiznis/gatekeeper/internal/observability/logger"
	"go.uber.org/zap"
)

const (
	HeaderActorID        = "X-Actor-ID"
	HeaderActorRole      = "X-Actor-Role"
	HeaderBillingState   = "X-Billing-State"
	HeaderActionRequired = "X-Action-Required"
	HeaderDegraded       = "X-Billing-Degraded"

	contextActorKey    = "actor"
	contextDecisionKey = "billing_decision"
)

type gateDenial struct {
	BillingState             billinggate.State    `json:"billing_state"`
	Category                 billinggate.Category `json:"category"`
	Reason                   *billinggate.Reason  `json:"reason,omitempty"`
	ActionRequired           billinggate.Action   `json:"action_required"`
	GracePeriodRemainingDays *int                 `json:"grace_period_remaining_days,omitempty"`
}

type featureDenial struct {
	FeatureKey string `json:"feature_key"`
	Reason     string `json:"reason"`
}

// RequireActor reads the privileged caller from X-Actor-ID / X-Actor-Role.
func (s *Server) RequireActor() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := strings.TrimSpace(c.GetHeader(HeaderActorID))
		role := strings.ToLower(strings.TrimSpace(c.GetHeader(HeaderActorRole)))
		if id == "" || role == "" {
			AbortWithError(c, ErrUnauthorized)
			return
		}

		actor := authorization.Actor{ID: id, Role: role}
		c.Set(contextActorKey, actor)
		ctx := auditcontext.WithActor(c.Request.Context(), string(auditdomain.ActorTypeUser), id)
		c.Request = c.Request.WithContext(ctx)
		c.Next()
	}
}

func actorFromContext(c *gin.Context) (authorization.Actor, bool) {
	v, ok := c.Get(contextActorKey)
	if !ok {
		return authorization.Actor{}, false
	}
	actor, ok := v.(authorization.Actor)
	return actor, ok
}

// tenantFromRequest prefers the :tenant route parameter over X-Tenant-ID.
func tenantFromRequest(c *gin.Context) string {
	if tenant := strings.TrimSpace(c.Param("tenant")); tenant != "" {
		return tenant
	}
	return strings.TrimSpace(c.GetHeader(obsmiddleware.HeaderTenantID))
}

// RequireCategory enforces the billing gate for one feature category. An empty
// category infers it from the request path.
func (s *Server) RequireCategory(category billinggate.Category) gin.HandlerFunc {
	return func(c *gin.Context) {
		tenantID := tenantFromRequest(c)
		if tenantID == "" {
			AbortWithError(c, newValidationError("tenant_id", "required", "tenant id is required"))
			return
		}
		cat := category
		if cat == "" {
			cat = billinggate.CategoryForPath(c.Request.URL.Path)
		}

		ctx := c.Request.Context()
		decision, err := s.evaluateGate(ctx, tenantID, cat, c.Request.Method)
		if err != nil {
			AbortWithError(c, err)
			return
		}

		c.Set(contextDecisionKey, decision)
		c.Header(HeaderBillingState, decision.BillingState.String())

		if !decision.Entitled {
			c.Header(HeaderActionRequired, string(decision.ActionRequired))
			s.recordDecision(ctx, tenantID, auditdomain.ActionEntitlementDenied, decision)
			if s.denials != nil {
				s.denials.Record(ctx, tenantID, cat.String())
			}
			c.AbortWithStatusJSON(http.StatusPaymentRequired, gateDenial{
				BillingState:             decision.BillingState,
				Category:                 decision.Category,
				Reason:                   decision.Reason,
				ActionRequired:           decision.ActionRequired,
				GracePeriodRemainingDays: decision.GracePeriodRemainingDays,
			})
			return
		}

		if decision.Degraded {
			c.Header(HeaderDegraded, "true")
		}
		s.recordDecision(ctx, tenantID, decisionAction(decision), decision)
		c.Next()
	}
}

// RequireFeature admits the request only when featureKey is granted. An
// evaluation failure is answered with 503, never with access.
func (s *Server) RequireFeature(featureKey string) gin.HandlerFunc {
	return func(c *gin.Context) {
		tenantID := tenantFromRequest(c)
		if tenantID == "" {
			AbortWithError(c, newValidationError("tenant_id", "required", "tenant id is required"))
			return
		}

		ctx := c.Request.Context()
		granted, err := s.entitlements.HasFeature(ctx, tenantID, featureKey)
		if err != nil {
			AbortWithError(c, err)
			return
		}
		if !granted {
			if err := s.auditSvc.Record(ctx, auditdomain.Event{
				TenantID:   tenantID,
				Action:     auditdomain.ActionEntitlementDenied,
				TargetType: "feature",
				TargetID:   featureKey,
				FeatureKey: featureKey,
				Reason:     "feature_not_entitled",
			}); err != nil {
				s.log.Warn("audit feature denial failed",
					zap.String("tenant_id", tenantID),
					zap.String("feature_key", featureKey),
					zap.Error(err),
				)
			}
			if s.denials != nil {
				s.denials.Record(ctx, tenantID, featureKey)
			}
			c.AbortWithStatusJSON(http.StatusForbidden, featureDenial{
				FeatureKey: featureKey,
				Reason:     "Feature is not included in the current plan.",
			})
			return
		}
		c.Next()
	}
}

// evaluateGate loads the latest subscription and applies the gate. A lookup
// failure is returned as an EvaluationFailure so the caller fails closed.
func (s *Server) evaluateGate(ctx context.Context, tenantID string, category billinggate.Category, method string) (billinggate.Decision, error) {
	sub, err := s.subscriptions.GetLatest(ctx, tenantID)
	if err != nil {
		s.log.Error("subscription lookup failed",
			zap.String("tenant_id", tenantID),
			zap.String("category", category.String()),
			zap.Error(err),
		)
		if auditErr := s.auditSvc.Record(ctx, auditdomain.Event{
			TenantID:     tenantID,
			Action:       auditdomain.ActionEvaluationFailed,
			TargetType:   "category",
			TargetID:     category.String(),
			BillingState: billinggate.StateNone.String(),
			Category:     category.String(),
			Reason:       entdomain.CodeFailClosed,
			Metadata:     map[string]any{"stage": "subscription_lookup"},
		}); auditErr != nil {
			s.log.Warn("audit evaluation failure failed", zap.String("tenant_id", tenantID), zap.Error(auditErr))
		}
		return billinggate.Decision{}, &entdomain.EvaluationFailure{
			Code:     entdomain.CodeFailClosed,
			TenantID: tenantID,
			Err:      err,
		}
	}

	decision := s.gate.Evaluate(billinggate.Request{
		Subscription: sub,
		Category:     category,
		Method:       method,
		Now:          s.clock.Now(),
	})
	if s.obsMetrics != nil {
		s.obsMetrics.RecordGateDecision(ctx, decision.BillingState.String(), category.String(), decision.Outcome())
	}
	return decision, nil
}

// decisionAction names the audit action for a gate outcome.
func decisionAction(decision billinggate.Decision) string {
	switch {
	case !decision.Entitled:
		return auditdomain.ActionEntitlementDenied
	case decision.Degraded:
		return auditdomain.ActionDegradedAccessUsed
	default:
		return auditdomain.ActionEntitlementGranted
	}
}

func (s *Server) recordDecision(ctx context.Context, tenantID, action string, decision billinggate.Decision) {
	reason := ""
	if decision.Reason != nil {
		reason = string(decision.Reason.Code)
	}
	err := s.auditSvc.Record(ctx, auditdomain.Event{
		TenantID:     tenantID,
		Action:       action,
		TargetType:   "category",
		TargetID:     decision.Category.String(),
		BillingState: decision.BillingState.String(),
		Category:     decision.Category.String(),
		Reason:       reason,
		Metadata: map[string]any{
			"action_required": string(decision.ActionRequired),
			"read_only":       decision.ReadOnly,
		},
	})
	if err != nil {
		s.log.Warn("audit gate decision failed", zap.String("tenant_id", tenantID), zap.Error(err))
	}
}
