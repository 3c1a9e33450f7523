package api

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

type createTaskRequest struct {
	ProjectID string `json:"project_id" binding:"required"`
	Prompt    string `json:"prompt" binding:"required"`
}

// createTaskHandler handles POST /task. In event-driven mode the task is
// queued; in sequential mode the call blocks until the pipeline finishes.
func (s *Server) createTaskHandler(c *gin.Context) {
	var req createTaskRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "project_id and prompt are required"})
		return
	}

	task, err := s.tasks.ExecuteTask(c.Request.Context(), req.ProjectID, req.Prompt)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{
		"task_id": task.ID,
		"phase":   task.Phase,
		"status":  task.Status,
	})
}

// getTaskHandler handles GET /task/:id, returning the task row plus its
// append-only event log.
func (s *Server) getTaskHandler(c *gin.Context) {
	taskID := c.Param("id")

	task, err := s.reader.GetTask(c.Request.Context(), taskID)
	if err != nil {
		respondError(c, err)
		return
	}
	events, err := s.reader.ListEvents(c.Request.Context(), taskID)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"task": task, "events": events})
}

// cancelTaskHandler handles POST /task/:id/cancel.
func (s *Server) cancelTaskHandler(c *gin.Context) {
	if err := s.tasks.CancelTask(c.Request.Context(), c.Param("id")); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"cancelled": true})
}
