package server

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	jobdomain "github.com/smallbiznis/gatekeeper/internal/job/domain"
)

type cancelJobRequest struct {
	Reason string `json:"reason"`
}

func (s *Server) ListTenantJobs(c *gin.Context) {
	actor, ok := actorFromContext(c)
	if !ok {
		AbortWithError(c, ErrUnauthorized)
		return
	}

	jobs, err := s.jobs.ListByTenant(c.Request.Context(), actor, strings.TrimSpace(c.Param("tenant")), c.Query("status"))
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": jobs})
}

func (s *Server) CancelJob(c *gin.Context) {
	actor, ok := actorFromContext(c)
	if !ok {
		AbortWithError(c, ErrUnauthorized)
		return
	}

	var req cancelJobRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			AbortWithError(c, invalidRequestError())
			return
		}
	}

	job, err := s.jobs.MarkCancelled(c.Request.Context(), actor, jobdomain.CancelRequest{
		ID:     strings.TrimSpace(c.Param("id")),
		Reason: strings.TrimSpace(req.Reason),
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": job})
}
