package http

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// ListPermissions lists pending tool-approval requests, optionally
// scoped to one session.
func (h *Handlers) ListPermissions(c *gin.Context) {
	requests := h.permissions.List(c.Query("session_id"))

	c.JSON(http.StatusOK, gin.H{
		"success":  true,
		"requests": requests,
		"count":    len(requests),
	})
}

// RespondPermission resolves one pending request with the user's answer.
func (h *Handlers) RespondPermission(c *gin.Context) {
	var req struct {
		Approved *bool `json:"approved" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"success": false,
			"error":   "Invalid request: " + err.Error(),
		})
		return
	}

	if err := h.permissions.Respond(c.Param("id"), *req.Approved); err != nil {
		fail(c, err)
		return
	}
	outcome := "denied"
	if *req.Approved {
		outcome = "approved"
	}
	h.metrics.RecordPermission(outcome)

	c.JSON(http.StatusOK, gin.H{
		"success":  true,
		"approved": *req.Approved,
	})
}
