package server

import (
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/smallbiznis/gatekeeper/internal/billinggate"
	entdomain "github.com/smallbiznis/gatekeeper/internal/entitlement/domain"
)

type entitlementsResponse struct {
	TenantID   string                                  `json:"tenant_id"`
	PlanKey    string                                  `json:"plan_key"`
	Features   map[string]entdomain.FeatureEntitlement `json:"features"`
	Granted    []string                                `json:"granted"`
	ResolvedAt time.Time                               `json:"resolved_at"`
}

type billingStateResponse struct {
	TenantID                 string                `json:"tenant_id"`
	BillingState             billinggate.State     `json:"billing_state"`
	GracePeriodRemainingDays *int                  `json:"grace_period_remaining_days,omitempty"`
	CurrentPeriodEnd         *time.Time            `json:"current_period_end,omitempty"`
	Decision                 *billinggate.Decision `json:"decision,omitempty"`
}

// GetEntitlements answers ?features=a,b with only those keys; without the
// parameter every known key is returned.
func (s *Server) GetEntitlements(c *gin.Context) {
	tenantID := strings.TrimSpace(c.Param("tenant"))
	keys := splitQueryList(c.Query("features"))

	snapshot, err := s.entitlements.GetEntitlements(c.Request.Context(), tenantID, keys...)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": entitlementsResponse{
		TenantID:   snapshot.TenantID,
		PlanKey:    snapshot.PlanKey,
		Features:   snapshot.Features,
		Granted:    snapshot.GrantedKeys(),
		ResolvedAt: snapshot.ResolvedAt,
	}})
}

// GetBillingState classifies the tenant. With ?category= the gate decision
// for that category and ?method= (default GET) is included.
func (s *Server) GetBillingState(c *gin.Context) {
	tenantID := strings.TrimSpace(c.Param("tenant"))
	if tenantID == "" {
		AbortWithError(c, newValidationError("tenant_id", "required", "tenant id is required"))
		return
	}

	ctx := c.Request.Context()
	sub, err := s.subscriptions.GetLatest(ctx, tenantID)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	now := s.clock.Now()
	resp := billingStateResponse{
		TenantID:                 tenantID,
		BillingState:             billinggate.Classify(sub, now),
		GracePeriodRemainingDays: billinggate.GracePeriodRemainingDays(sub, now),
	}
	if sub != nil {
		resp.CurrentPeriodEnd = sub.CurrentPeriodEnd
	}

	if raw := strings.TrimSpace(c.Query("category")); raw != "" {
		category, err := billinggate.ParseCategory(raw)
		if err != nil {
			AbortWithError(c, newValidationError("category", "invalid_category", "unknown category"))
			return
		}
		method := strings.ToUpper(strings.TrimSpace(c.DefaultQuery("method", http.MethodGet)))
		decision := s.gate.Evaluate(billinggate.Request{
			Subscription: sub,
			Category:     category,
			Method:       method,
			Now:          now,
		})
		if s.obsMetrics != nil {
			s.obsMetrics.RecordGateDecision(ctx, decision.BillingState.String(), category.String(), decision.Outcome())
		}
		s.recordDecision(ctx, tenantID, decisionAction(decision), decision)
		resp.Decision = &decision
	}

	c.JSON(http.StatusOK, gin.H{"data": resp})
}
