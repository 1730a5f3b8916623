package server

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	overridedomain "github.com/smallbiznis/gatekeeper/internal/override/domain"
)

type listOverridesQuery struct {
	TenantID string `form:"tenant_id"`
	State    string `form:"state"`
}

func (s *Server) ListOverrides(c *gin.Context) {
	actor, ok := actorFromContext(c)
	if !ok {
		AbortWithError(c, ErrUnauthorized)
		return
	}

	var query listOverridesQuery
	if err := c.ShouldBindQuery(&query); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	var (
		items []overridedomain.Override
		err   error
	)
	switch strings.ToLower(strings.TrimSpace(query.State)) {
	case "", "active":
		items, err = s.overrides.ListActive(c.Request.Context(), actor, strings.TrimSpace(query.TenantID))
	case "expired":
		items, err = s.overrides.ListExpired(c.Request.Context(), actor, strings.TrimSpace(query.TenantID))
	default:
		AbortWithError(c, newValidationError("state", "invalid_state", "state must be active or expired"))
		return
	}
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": items})
}

func (s *Server) CreateOverride(c *gin.Context) {
	actor, ok := actorFromContext(c)
	if !ok {
		AbortWithError(c, ErrUnauthorized)
		return
	}

	var req overridedomain.CreateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	item, err := s.overrides.Create(c.Request.Context(), actor, req)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusCreated, gin.H{"data": item})
}

func (s *Server) UpdateOverride(c *gin.Context) {
	actor, ok := actorFromContext(c)
	if !ok {
		AbortWithError(c, ErrUnauthorized)
		return
	}

	var req overridedomain.UpdateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}
	req.ID = strings.TrimSpace(c.Param("id"))

	item, err := s.overrides.Update(c.Request.Context(), actor, req)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": item})
}

// DeleteOverride takes the reason from the JSON body or ?reason=.
func (s *Server) DeleteOverride(c *gin.Context) {
	actor, ok := actorFromContext(c)
	if !ok {
		AbortWithError(c, ErrUnauthorized)
		return
	}

	var req overridedomain.DeleteRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			AbortWithError(c, invalidRequestError())
			return
		}
	}
	if strings.TrimSpace(req.Reason) == "" {
		req.Reason = c.Query("reason")
	}
	req.ID = strings.TrimSpace(c.Param("id"))

	if err := s.overrides.Delete(c.Request.Context(), actor, req); err != nil {
		AbortWithError(c, err)
		return
	}

	c.Status(http.StatusNoContent)
}
