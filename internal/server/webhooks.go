package server

import (
	"math"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/oklog/ulid/v2"
	auditdomain "github.com/smallbiznis/gatekeeper/internal/audit/domain"
	"go.uber.org/zap"
)

const HeaderDeliveryID = "X-Webhook-Delivery-ID"

type billingWebhookRequest struct {
	TenantID string `json:"tenant_id"`
	Event    string `json:"event"`
}

// HandleBillingWebhook drops the tenant's cached entitlements and recomputes
// them before answering. The billing system retries on any non-2xx.
func (s *Server) HandleBillingWebhook(c *gin.Context) {
	var req billingWebhookRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}
	tenantID := strings.TrimSpace(req.TenantID)
	if tenantID == "" {
		AbortWithError(c, newValidationError("tenant_id", "required", "tenant_id is required"))
		return
	}

	ctx := c.Request.Context()
	if res := s.limiter.AllowTenant(ctx, tenantID); !res.Allowed {
		c.Header("Retry-After", strconv.Itoa(int(math.Ceil(res.RetryAfter.Seconds()))))
		AbortWithError(c, ErrRateLimited)
		return
	}

	deliveryID := strings.TrimSpace(c.GetHeader(HeaderDeliveryID))
	if deliveryID == "" {
		deliveryID = ulid.Make().String()
	}

	if err := s.auditSvc.Record(ctx, auditdomain.Event{
		TenantID:   tenantID,
		Action:     auditdomain.ActionBillingWebhookReceived,
		ActorType:  auditdomain.ActorTypeSystem,
		ActorID:    "billing_webhook",
		TargetType: "tenant",
		TargetID:   tenantID,
		Reason:     strings.TrimSpace(req.Event),
		Metadata:   map[string]any{"delivery_id": deliveryID},
	}); err != nil {
		s.log.Warn("audit billing webhook failed", zap.String("tenant_id", tenantID), zap.Error(err))
	}

	snapshot, err := s.entitlements.HandleBillingWebhook(ctx, tenantID)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"delivery_id": deliveryID,
		"data": entitlementsResponse{
			TenantID:   snapshot.TenantID,
			PlanKey:    snapshot.PlanKey,
			Features:   snapshot.Features,
			Granted:    snapshot.GrantedKeys(),
			ResolvedAt: snapshot.ResolvedAt,
		},
	})
}
