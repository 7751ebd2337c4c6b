package http

import (
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/gabriel-vasile/mimetype"
	"github.com/gin-gonic/gin"

	"github.com/StudioForgeAI/AgentStudio/backend/internal/domain/preview"
	"github.com/StudioForgeAI/AgentStudio/backend/internal/domain/session"
	"github.com/StudioForgeAI/AgentStudio/backend/internal/domain/view"
)

// hmrInfoFromRequest derives the HMR endpoint the browser should dial:
// the public host the request arrived on, port 443 when terminated by a
// TLS tunnel.
func hmrInfoFromRequest(c *gin.Context) preview.HMRInfo {
	hostname := c.Request.Host
	clientPort := 443
	if hn, p, err := net.SplitHostPort(c.Request.Host); err == nil {
		hostname = hn
		if c.GetHeader("X-Forwarded-Proto") != "https" {
			if n, err := strconv.Atoi(p); err == nil {
				clientPort = n
			}
		}
	}
	return preview.HMRInfo{Host: hostname, ClientPort: clientPort}
}

// StartPreview starts (or reuses) the session's dev server.
func (h *Handlers) StartPreview(c *gin.Context) {
	sid := c.Param("id")
	sess, ok := h.sessions.Get(sid)
	if !ok {
		fail(c, session.ErrNotFound)
		return
	}

	srv, err := h.preview.Start(c.Request.Context(), sid, sess.WorkingDir, hmrInfoFromRequest(c))
	if err != nil {
		fail(c, err)
		return
	}
	result := "ok"
	if srv.Status == preview.StatusError {
		result = "error"
	}
	h.metrics.RecordServerStart("preview", result)
	h.metrics.SetServersRunning("preview", len(h.preview.List()))

	c.JSON(http.StatusOK, gin.H{
		"success": srv.Status != preview.StatusError,
		"server":  srv,
	})
}

// StopPreview stops the session's dev server.
func (h *Handlers) StopPreview(c *gin.Context) {
	stopped := h.preview.Stop(c.Param("id"))
	h.metrics.SetServersRunning("preview", len(h.preview.List()))

	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"stopped": stopped,
	})
}

// PreviewStatus reports the session's dev server state.
func (h *Handlers) PreviewStatus(c *gin.Context) {
	srv, ok := h.preview.Status(c.Param("id"))
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

// StartView builds the session's project and serves the output.
func (h *Handlers) StartView(c *gin.Context) {
	sid := c.Param("id")
	sess, ok := h.sessions.Get(sid)
	if !ok {
		fail(c, session.ErrNotFound)
		return
	}

	if c.Query("clean") == "true" {
		h.view.ForceClean(sid)
	}
	background := c.Query("background") == "true"

	srv, err := h.view.Start(c.Request.Context(), sid, sess.WorkingDir, background)
	if err != nil {
		fail(c, err)
		return
	}
	result := "ok"
	if srv.Status == view.StatusError {
		result = "error"
	}
	h.metrics.RecordServerStart("view", result)
	h.metrics.SetServersRunning("view", len(h.view.List()))

	c.JSON(http.StatusOK, gin.H{
		"success": srv.Status != view.StatusError,
		"server":  srv,
	})
}

// StopView stops the session's build server and arms a clean rebuild.
func (h *Handlers) StopView(c *gin.Context) {
	stopped := h.view.Stop(c.Param("id"))
	h.metrics.SetServersRunning("view", len(h.view.List()))

	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"stopped": stopped,
	})
}

// ViewStatus reports the session's build server state.
func (h *Handlers) ViewStatus(c *gin.Context) {
	srv, ok := h.view.Status(c.Param("id"))
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

// DownloadPackage streams the cached source archive for a session.
func (h *Handlers) DownloadPackage(c *gin.Context) {
	sid := c.Param("id")
	path, ok := h.view.Archive(sid)
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{
			"success": false,
			"error":   "no package available; start the view pipeline first",
		})
		return
	}
	if _, err := os.Stat(path); err != nil {
		c.JSON(http.StatusNotFound, gin.H{
			"success": false,
			"error":   "package file missing; rebuild to regenerate",
		})
		return
	}

	contentType := "application/zip"
	if mt, err := mimetype.DetectFile(path); err == nil && strings.Contains(mt.String(), "zip") {
		contentType = mt.String()
	}
	c.Header("Content-Disposition", `attachment; filename="`+sid+"-"+filepath.Base(path)+`"`)
	c.Header("Content-Type", contentType)
	c.File(path)
}
