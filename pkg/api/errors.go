package api

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/catalyst-hq/catalyst/pkg/gitsvc"
	"github.com/catalyst-hq/catalyst/pkg/orchestrator"
	"github.com/catalyst-hq/catalyst/pkg/store"
)

// respondError maps service errors to HTTP statuses.
func respondError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, store.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
	case errors.Is(err, orchestrator.ErrBrokerUnavailable), store.IsUnavailable(err):
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
	case errors.Is(err, store.ErrTaskTerminal), errors.Is(err, store.ErrIllegalTransition):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	case errors.Is(err, gitsvc.ErrRemoteDisabled):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
	}
}
