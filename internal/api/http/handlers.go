// Package http contains the Gin handlers for the public API surface:
// session lifecycle, agent turns, tool permissions, per-session child
// servers, the shared flow editor, and the reverse proxy mounts.
package http

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/StudioForgeAI/AgentStudio/backend/internal/agent"
	"github.com/StudioForgeAI/AgentStudio/backend/internal/api/proxy"
	"github.com/StudioForgeAI/AgentStudio/backend/internal/domain/flow"
	"github.com/StudioForgeAI/AgentStudio/backend/internal/domain/permission"
	"github.com/StudioForgeAI/AgentStudio/backend/internal/domain/preview"
	"github.com/StudioForgeAI/AgentStudio/backend/internal/domain/session"
	"github.com/StudioForgeAI/AgentStudio/backend/internal/domain/view"
	"github.com/StudioForgeAI/AgentStudio/backend/internal/infrastructure/monitoring"
	"github.com/StudioForgeAI/AgentStudio/backend/internal/logging"
)

const serviceVersion = "0.1.0"

// Handlers bundles every manager behind the HTTP surface.
type Handlers struct {
	sessions    *session.Manager
	executor    *agent.Executor
	permissions *permission.Manager
	preview     *preview.Manager
	view        *view.Manager
	flow        *flow.Manager
	proxy       *proxy.Proxy
	metrics     *monitoring.Metrics
	log         *logging.Logger
	startTime   time.Time
}

// NewHandlers creates the handler set.
func NewHandlers(
	sessions *session.Manager,
	executor *agent.Executor,
	permissions *permission.Manager,
	previewMgr *preview.Manager,
	viewMgr *view.Manager,
	flowMgr *flow.Manager,
	prx *proxy.Proxy,
	metrics *monitoring.Metrics,
	log *logging.Logger,
) *Handlers {
	return &Handlers{
		sessions:    sessions,
		executor:    executor,
		permissions: permissions,
		preview:     previewMgr,
		view:        viewMgr,
		flow:        flowMgr,
		proxy:       prx,
		metrics:     metrics,
		log:         log,
		startTime:   time.Now(),
	}
}

// Root returns the service banner.
func (h *Handlers) Root(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"service": "agent-studio-backend",
		"version": serviceVersion,
		"endpoints": gin.H{
			"sessions":    "/sessions",
			"permissions": "/permissions",
			"preview":     "/preview/{session_id}/",
			"view":        "/view/{session_id}/",
			"flow":        "/flow",
			"health":      "/health",
			"metrics":     "/metrics",
		},
	})
}

// Health reports liveness plus a component summary.
func (h *Handlers) Health(c *gin.Context) {
	total, busy := h.sessions.Count()
	h.metrics.SetSessionCounts(total, busy)

	flowStatus := "stopped"
	if srv, ok := h.flow.Status(); ok {
		flowStatus = string(srv.Status)
	}

	c.JSON(http.StatusOK, gin.H{
		"status":          "healthy",
		"version":         serviceVersion,
		"uptime_seconds":  int(time.Since(h.startTime).Seconds()),
		"active_sessions": total,
		"busy_sessions":   busy,
		"preview_servers": len(h.preview.List()),
		"view_servers":    len(h.view.List()),
		"flow_editor":     flowStatus,
	})
}

// statusForError maps domain errors onto HTTP statuses.
func statusForError(err error) int {
	switch {
	case errors.Is(err, session.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, session.ErrBusy):
		return http.StatusConflict
	case errors.Is(err, session.ErrClosed):
		return http.StatusGone
	case errors.Is(err, permission.ErrNotFound):
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}

func fail(c *gin.Context, err error) {
	c.JSON(statusForError(err), gin.H{
		"success": false,
		"error":   err.Error(),
	})
}
