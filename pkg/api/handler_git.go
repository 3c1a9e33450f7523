package api

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
)

// listReposHandler handles GET /git/repos.
func (s *Server) listReposHandler(c *gin.Context) {
	repos, err := s.git.ListRepos()
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"repos": repos, "count": len(repos)})
}

// getRepoHandler handles GET /git/repos/:project, returning recent history
// plus size and latest-diff statistics.
func (s *Server) getRepoHandler(c *gin.Context) {
	project := c.Param("project")
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "20"))

	history, err := s.git.History(project, limit)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "repository not found: " + project})
		return
	}
	loc, err := s.git.LOC(project)
	if err != nil {
		respondError(c, err)
		return
	}
	diff, err := s.git.LatestDiffStats(project)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"project": project,
		"history": history,
		"loc":     loc,
		"latest_diff": diff,
	})
}

type pushRequest struct {
	Branch string `json:"branch" binding:"required"`
}

// pushRepoHandler handles POST /git/repos/:project/push.
func (s *Server) pushRepoHandler(c *gin.Context) {
	var req pushRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "branch is required"})
		return
	}

	project := c.Param("project")
	if err := s.git.EnsureRemote(project); err != nil {
		respondError(c, err)
		return
	}
	if err := s.git.Push(c.Request.Context(), project, req.Branch); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"pushed": true, "branch": req.Branch})
}

type openPRRequest struct {
	Branch string `json:"branch" binding:"required"`
	Title  string `json:"title" binding:"required"`
	Body   string `json:"body"`
}

// openPRHandler handles POST /git/repos/:project/pr.
func (s *Server) openPRHandler(c *gin.Context) {
	var req openPRRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "branch and title are required"})
		return
	}

	url, err := s.git.OpenPR(c.Request.Context(), c.Param("project"), req.Branch, req.Title, req.Body)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"pr_url": url})
}
