package server

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

type testCleanupRequest struct {
	Prefix string `json:"prefix"`
}

// cleanupTables are purged by tenant prefix, children first.
var cleanupTables = []string{
	"background_jobs",
	"entitlement_overrides",
	"subscriptions",
	"audit_logs",
}

// TestCleanup removes rows of tenants whose id starts with prefix and drops
// their cached entitlements. Only mounted outside production.
func (s *Server) TestCleanup(c *gin.Context) {
	if s.cfg.IsProduction() {
		AbortWithError(c, ErrNotFound)
		return
	}

	var req testCleanupRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	prefix := strings.TrimSpace(req.Prefix)
	if prefix == "" {
		AbortWithError(c, newValidationError("prefix", "required", "prefix is required"))
		return
	}

	ctx := c.Request.Context()
	like := prefix + "%"

	var tenantIDs []string
	if err := s.db.WithContext(ctx).
		Table("subscriptions").
		Distinct("tenant_id").
		Where("tenant_id LIKE ?", like).
		Pluck("tenant_id", &tenantIDs).Error; err != nil {
		AbortWithError(c, err)
		return
	}

	deleted := make(map[string]int64, len(cleanupTables))
	for _, table := range cleanupTables {
		res := s.db.WithContext(ctx).Exec(`DELETE FROM `+table+` WHERE tenant_id LIKE ?`, like)
		if res.Error != nil {
			AbortWithError(c, res.Error)
			return
		}
		deleted[table] = res.RowsAffected
	}

	for _, tenantID := range tenantIDs {
		if err := s.entitlements.InvalidateTenant(ctx, tenantID); err != nil {
			s.log.Warn("cleanup cache invalidation failed", zap.String("tenant_id", tenantID), zap.Error(err))
		}
	}

	c.JSON(http.StatusOK, gin.H{"status": "ok", "deleted": deleted})
}
