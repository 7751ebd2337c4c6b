package http

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/StudioForgeAI/AgentStudio/backend/internal/agent"
	"github.com/StudioForgeAI/AgentStudio/backend/internal/api/middleware"
	"github.com/StudioForgeAI/AgentStudio/backend/internal/domain/session"
)

// CreateSession provisions a session with its own working directory.
func (h *Handlers) CreateSession(c *gin.Context) {
	var req session.Config
	if err := c.ShouldBindJSON(&req); err != nil && c.Request.ContentLength > 0 {
		c.JSON(http.StatusBadRequest, gin.H{
			"success": false,
			"error":   "Invalid request: " + err.Error(),
		})
		return
	}

	sess, err := h.sessions.Create(c.Request.Context(), req)
	if err != nil {
		fail(c, err)
		return
	}
	h.metrics.SessionsTotal.Inc()

	c.JSON(http.StatusCreated, gin.H{
		"success": true,
		"session": sess,
	})
}

// ListSessions lists sessions, closed ones only on request.
func (h *Handlers) ListSessions(c *gin.Context) {
	includeClosed := c.Query("include_closed") == "true"
	sessions := h.sessions.List(includeClosed)

	c.JSON(http.StatusOK, gin.H{
		"success":  true,
		"sessions": sessions,
		"count":    len(sessions),
	})
}

// GetSession fetches one session record.
func (h *Handlers) GetSession(c *gin.Context) {
	sess, ok := h.sessions.Get(c.Param("id"))
	if !ok {
		fail(c, session.ErrNotFound)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"session": sess,
	})
}

// CloseSession marks a session closed without deleting anything.
func (h *Handlers) CloseSession(c *gin.Context) {
	if err := h.sessions.Close(c.Request.Context(), c.Param("id")); err != nil {
		fail(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"success": true})
}

// DeleteSession removes the record and optionally the working directory.
func (h *Handlers) DeleteSession(c *gin.Context) {
	deleteDir := c.Query("delete_directory") == "true"
	sid := c.Param("id")

	h.permissions.CancelForSession(sid)
	if err := h.sessions.Delete(c.Request.Context(), sid, deleteDir); err != nil {
		fail(c, err)
		return
	}
	_ = h.preview.Stop(sid)
	_ = h.view.Stop(sid)

	c.JSON(http.StatusOK, gin.H{
		"success":           true,
		"directory_deleted": deleteDir,
	})
}

// RecoverSession forces a stuck or closed session back to active.
func (h *Handlers) RecoverSession(c *gin.Context) {
	var req struct {
		ResetContinuation bool `json:"reset_continuation"`
	}
	_ = c.ShouldBindJSON(&req)

	if err := h.sessions.Recover(c.Request.Context(), c.Param("id"), req.ResetContinuation); err != nil {
		fail(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"success": true})
}

// RenameSession updates the display name.
func (h *Handlers) RenameSession(c *gin.Context) {
	var req struct {
		DisplayName string `json:"display_name" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"success": false,
			"error":   "Invalid request: " + err.Error(),
		})
		return
	}

	if err := h.sessions.SetDisplayName(c.Request.Context(), c.Param("id"), req.DisplayName); err != nil {
		fail(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"success": true})
}

// GetHistory returns one page of the transcript.
func (h *Handlers) GetHistory(c *gin.Context) {
	offset, _ := strconv.Atoi(c.DefaultQuery("offset", "0"))
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))

	page, total, err := h.sessions.History(c.Param("id"), offset, limit)
	if err != nil {
		fail(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"success":  true,
		"messages": page,
		"total":    total,
		"offset":   offset,
		"limit":    limit,
	})
}

// ClearHistory wipes the transcript and the continuation token.
func (h *Handlers) ClearHistory(c *gin.Context) {
	if err := h.sessions.ClearHistory(c.Request.Context(), c.Param("id")); err != nil {
		fail(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"success": true})
}

// SendMessage runs a synchronous turn and returns the collected response.
func (h *Handlers) SendMessage(c *gin.Context) {
	var req struct {
		Message string `json:"message" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"success": false,
			"error":   "Invalid request: " + err.Error(),
		})
		return
	}

	start := time.Now()
	resp, err := h.executor.Execute(c.Request.Context(), c.Param("id"), req.Message)
	if err != nil {
		h.metrics.RecordTurn("failed", time.Since(start))
		fail(c, err)
		return
	}
	h.metrics.RecordTurn("completed", time.Since(start))

	c.JSON(http.StatusOK, gin.H{
		"success":  true,
		"response": resp,
	})
}

// StreamMessage runs a streaming turn over SSE. Errors before the first
// event are reported as JSON; after that the stream carries them.
func (h *Handlers) StreamMessage(c *gin.Context) {
	prompt := c.Query("prompt")
	if prompt == "" {
		c.JSON(http.StatusBadRequest, gin.H{
			"success": false,
			"error":   "prompt query parameter is required",
		})
		return
	}

	sid := c.Param("id")
	flusher, ok := c.Writer.(http.Flusher)
	if !ok {
		c.JSON(http.StatusInternalServerError, gin.H{
			"success": false,
			"error":   "streaming unsupported",
		})
		return
	}

	started := false
	startSSE := func() {
		header := c.Writer.Header()
		header.Set("Content-Type", "text/event-stream")
		header.Set("Cache-Control", "no-cache")
		header.Set("Connection", "keep-alive")
		header.Set("X-Accel-Buffering", "no")
		c.Writer.WriteHeader(http.StatusOK)
		started = true
	}

	start := time.Now()
	err := h.executor.ExecuteStream(c.Request.Context(), sid, prompt, func(ev agent.Event) error {
		if !started {
			startSSE()
		}
		data, err := json.Marshal(ev)
		if err != nil {
			return err
		}
		if _, err := c.Writer.WriteString("data: " + string(data) + "\n\n"); err != nil {
			return err
		}
		if ev.Type == agent.KindTextDelta {
			h.metrics.StreamedBytes.Add(float64(len(ev.Content)))
		}
		flusher.Flush()
		return nil
	})

	outcome := "completed"
	if err != nil {
		outcome = "failed"
		if c.Request.Context().Err() != nil {
			outcome = "cancelled"
		}
	}
	h.metrics.RecordTurn(outcome, time.Since(start))

	if err != nil && !started {
		fail(c, err)
		return
	}
	if err != nil {
		h.log.Warn("stream turn ended with error",
			zap.String("session_id", sid),
			zap.String("request_id", c.GetString(middleware.RequestIDKey)),
			zap.Error(err))
	}
}
