package api

import (
	"net/http"

	"github.com/coder/websocket"
	"github.com/gin-gonic/gin"

	"github.com/catalyst-hq/catalyst/pkg/logstream"
)

// logsWSHandler handles GET /ws/logs/:task_id. The connection is subscribed
// to the task's channel before the read loop starts, so clients receive the
// backlog plus live events without a subscribe handshake. The stream closes
// when the client disconnects; terminal phase status arrives as the last
// persistent event.
func (s *Server) logsWSHandler(c *gin.Context) {
	if s.connMgr == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "log streaming unavailable"})
		return
	}
	taskID := c.Param("task_id")
	if _, err := s.reader.GetTask(c.Request.Context(), taskID); err != nil {
		respondError(c, err)
		return
	}

	conn, err := websocket.Accept(c.Writer, c.Request, nil)
	if err != nil {
		// Accept has already written the handshake failure response.
		return
	}

	s.connMgr.HandleConnection(c.Request.Context(), conn, logstream.TaskChannel(taskID))
}
