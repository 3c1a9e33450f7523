package api

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/catalyst-hq/catalyst/pkg/store"
)

// listPreviewsHandler handles GET /preview. The filter query parameter
// accepts active, expired, or all (default).
func (s *Server) listPreviewsHandler(c *gin.Context) {
	filter := store.PreviewFilter(c.DefaultQuery("filter", string(store.PreviewFilterAll)))
	previews, err := s.previews.ListPreviews(c.Request.Context(), filter)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"previews": previews, "count": len(previews)})
}

// getPreviewHandler handles GET /preview/:task_id.
func (s *Server) getPreviewHandler(c *gin.Context) {
	preview, err := s.previews.GetPreview(c.Request.Context(), c.Param("task_id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, preview)
}

// deletePreviewHandler handles DELETE /preview/:task_id, tearing down the
// stack and releasing its ports.
func (s *Server) deletePreviewHandler(c *gin.Context) {
	if err := s.cleaner.Cleanup(c.Request.Context(), c.Param("task_id")); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"cleaned_up": true})
}

// cleanupExpiredHandler handles POST /preview/cleanup-expired: the manual
// version of the scheduler's hourly expire pass.
func (s *Server) cleanupExpiredHandler(c *gin.Context) {
	expired, err := s.previews.ExpiredPreviews(c.Request.Context(), time.Now())
	if err != nil {
		respondError(c, err)
		return
	}

	cleaned := make([]string, 0, len(expired))
	failed := map[string]string{}
	for _, taskID := range expired {
		if err := s.cleaner.Cleanup(c.Request.Context(), taskID); err != nil {
			failed[taskID] = err.Error()
			continue
		}
		cleaned = append(cleaned, taskID)
	}

	resp := gin.H{"cleaned": cleaned, "count": len(cleaned)}
	if len(failed) > 0 {
		resp["failed"] = failed
	}
	c.JSON(http.StatusOK, resp)
}
