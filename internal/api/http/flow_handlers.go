package http

import (
	"io"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/StudioForgeAI/AgentStudio/backend/internal/domain/session"
)

// StartFlow launches or adopts the shared flow editor.
func (h *Handlers) StartFlow(c *gin.Context) {
	srv, err := h.flow.Start(c.Request.Context())
	if err != nil {
		fail(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"success": srv.Error == "",
		"server":  srv,
	})
}

// FlowStatus reports the shared editor state.
func (h *Handlers) FlowStatus(c *gin.Context) {
	srv, ok := h.flow.Status()
	if !ok {
		c.JSON(http.StatusOK, gin.H{
			"success": true,
			"server":  nil,
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"server":  srv,
	})
}

// ImportSessionFlow merges a flow document into the shared editor under
// the session's tab. The body is the raw flow JSON.
func (h *Handlers) ImportSessionFlow(c *gin.Context) {
	sid := c.Param("id")
	if _, ok := h.sessions.Get(sid); !ok {
		fail(c, session.ErrNotFound)
		return
	}

	body, err := io.ReadAll(c.Request.Body)
	if err != nil || len(body) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{
			"success": false,
			"error":   "flow document body is required",
		})
		return
	}

	res := h.flow.ImportFlow(c.Request.Context(), sid, body)
	outcome := "ok"
	status := http.StatusOK
	if !res.Success {
		outcome = "error"
		status = http.StatusBadGateway
	}
	h.metrics.RecordFlowOperation("import", outcome)

	c.JSON(status, gin.H{
		"success": res.Success,
		"result":  res,
	})
}

// DeleteSessionFlow removes the session's tab and nodes from the editor.
func (h *Handlers) DeleteSessionFlow(c *gin.Context) {
	sid := c.Param("id")

	res := h.flow.DeleteFlow(c.Request.Context(), sid)
	outcome := "ok"
	status := http.StatusOK
	if !res.Success {
		outcome = "error"
		status = http.StatusBadGateway
	}
	h.metrics.RecordFlowOperation("delete", outcome)

	c.JSON(status, gin.H{
		"success": res.Success,
		"result":  res,
	})
}
