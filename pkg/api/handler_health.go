package api

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/catalyst-hq/catalyst/pkg/health"
)

// healthHandler handles GET /health. Unhealthy maps to 503 so orchestrating
// infrastructure can act on the status code alone; degraded stays 200.
func (s *Server) healthHandler(c *gin.Context) {
	report := s.checker.Check(c.Request.Context())

	status := http.StatusOK
	if report.Overall == health.StatusUnhealthy {
		status = http.StatusServiceUnavailable
	}
	c.JSON(status, report)
}
