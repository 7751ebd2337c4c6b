package http

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/StudioForgeAI/AgentStudio/backend/internal/api/proxy"
)

// Gin rejects static siblings of a catch-all, so each mount is one
// wildcard route with the control verbs dispatched ahead of the proxy.

// PreviewEntry handles /preview/:id/*path.
func (h *Handlers) PreviewEntry(c *gin.Context) {
	switch sub := c.Param("path"); {
	case sub == "/start" && c.Request.Method == http.MethodPost:
		h.StartPreview(c)
	case sub == "/stop" && c.Request.Method == http.MethodPost:
		h.StopPreview(c)
	case sub == "/status" && c.Request.Method == http.MethodGet:
		h.PreviewStatus(c)
	default:
		h.ProxyPreview(c)
	}
}

// ViewEntry handles /view/:id/*path.
func (h *Handlers) ViewEntry(c *gin.Context) {
	switch sub := c.Param("path"); {
	case sub == "/start" && c.Request.Method == http.MethodPost:
		h.StartView(c)
	case sub == "/stop" && c.Request.Method == http.MethodPost:
		h.StopView(c)
	case sub == "/status" && c.Request.Method == http.MethodGet:
		h.ViewStatus(c)
	case sub == "/package" && c.Request.Method == http.MethodGet:
		h.DownloadPackage(c)
	default:
		h.ProxyView(c)
	}
}

// FlowEntry handles /flow/*path.
func (h *Handlers) FlowEntry(c *gin.Context) {
	switch sub := c.Param("path"); {
	case sub == "/start" && c.Request.Method == http.MethodPost:
		h.StartFlow(c)
	case sub == "/status" && c.Request.Method == http.MethodGet:
		h.FlowStatus(c)
	default:
		h.ProxyFlow(c)
	}
}

// ProxyPreview forwards /preview/:id/* to the session's dev server. The
// dev server is started with the prefix as its base, so the full request
// path is forwarded untouched.
func (h *Handlers) ProxyPreview(c *gin.Context) {
	port, ok := h.preview.Port(c.Param("id"))
	if !ok {
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"success": false,
			"error":   "preview server not running",
		})
		return
	}
	h.metrics.RecordProxyRequest("preview")
	h.forward(c, port, c.Request.URL.Path)
}

// ProxyView forwards /view/:id/* to the session's build server, which
// serves from the site root.
func (h *Handlers) ProxyView(c *gin.Context) {
	port, ok := h.view.Port(c.Param("id"))
	if !ok {
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"success": false,
			"error":   "view server not running",
		})
		return
	}

	target := c.Param("path")
	if target == "" {
		target = "/"
	}
	h.metrics.RecordProxyRequest("view")
	h.forward(c, port, target)
}

// ProxyFlow forwards /flow/* to the shared editor, which is configured
// to serve its UI under the same prefix.
func (h *Handlers) ProxyFlow(c *gin.Context) {
	port, ok := h.flow.Port()
	if !ok {
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"success": false,
			"error":   "flow editor not running",
		})
		return
	}
	h.metrics.RecordProxyRequest("flow")
	h.forward(c, port, c.Request.URL.Path)
}

func (h *Handlers) forward(c *gin.Context, port int, targetPath string) {
	if proxy.IsWebSocketUpgrade(c.Request) {
		_ = h.proxy.ForwardWebSocket(c.Writer, c.Request, port, targetPath)
		c.Abort()
		return
	}
	h.proxy.Forward(c.Writer, c.Request, port, targetPath)
	c.Abort()
}
