// Package proxy forwards preview, build-server, and flow-editor traffic
// through the API port, so a single public tunnel reaches every
// per-session child server. Plain HTTP and WebSocket upgrades are both
// bridged.
package proxy

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"path/filepath"
	"strings"
	"time"

	"github.com/StudioForgeAI/AgentStudio/backend/internal/logging"
	"go.uber.org/zap"
)

const forwardTimeout = 30 * time.Second

// Hop-by-hop headers are connection-scoped and never forwarded.
var skipRequestHeaders = map[string]bool{
	"Host":              true,
	"Connection":        true,
	"Keep-Alive":        true,
	"Transfer-Encoding": true,
	"Upgrade":           true,
}

var skipResponseHeaders = map[string]bool{
	"Transfer-Encoding": true,
	"Connection":        true,
	"Content-Encoding":  true,
}

// Proxy bridges requests to localhost child servers.
type Proxy struct {
	http *http.Client
	log  *logging.Logger
}

// New creates the proxy. Redirects are passed through to the client
// untouched so the child server's own routing stays visible.
func New(log *logging.Logger) *Proxy {
	return &Proxy{
		http: &http.Client{
			Timeout: forwardTimeout,
			CheckRedirect: func(*http.Request, []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
		log: log,
	}
}

// Forward relays one HTTP request to the child server on port. targetPath
// is the full upstream path; dev servers started with a base prefix
// expect the prefix included.
func (p *Proxy) Forward(w http.ResponseWriter, r *http.Request, port int, targetPath string) {
	targetURL := fmt.Sprintf("http://127.0.0.1:%d%s", port, targetPath)
	if r.URL.RawQuery != "" {
		targetURL += "?" + r.URL.RawQuery
	}

	var body io.Reader
	switch r.Method {
	case http.MethodGet, http.MethodHead, http.MethodOptions:
	default:
		body = r.Body
	}

	req, err := http.NewRequestWithContext(r.Context(), r.Method, targetURL, body)
	if err != nil {
		http.Error(w, "bad proxy request", http.StatusBadGateway)
		return
	}
	for key, values := range r.Header {
		if skipRequestHeaders[http.CanonicalHeaderKey(key)] {
			continue
		}
		for _, v := range values {
			req.Header.Add(key, v)
		}
	}
	// The upstream body is read uncompressed and re-framed, so the
	// negotiated encoding must not leak through.
	req.Header.Del("Accept-Encoding")

	resp, err := p.http.Do(req)
	if err != nil {
		status, msg := classifyError(err)
		p.log.Warn("proxy forward failed",
			zap.String("target", targetURL),
			zap.Int("status", status),
			zap.Error(err))
		http.Error(w, msg, status)
		return
	}
	defer resp.Body.Close()

	header := w.Header()
	for key, values := range resp.Header {
		if skipResponseHeaders[http.CanonicalHeaderKey(key)] {
			continue
		}
		for _, v := range values {
			header.Add(key, v)
		}
	}
	if header.Get("Cache-Control") == "" {
		header.Set("Cache-Control", cacheControlFor(r.URL.Path))
	}
	w.WriteHeader(resp.StatusCode)
	if _, err := io.Copy(w, resp.Body); err != nil {
		p.log.Debug("proxy body copy interrupted", zap.Error(err))
	}
}

// Bundled assets carry content hashes in their names, so they can be
// cached; everything else from a dev server must stay fresh.
var cacheableExts = map[string]bool{
	".js":    true,
	".css":   true,
	".png":   true,
	".jpg":   true,
	".svg":   true,
	".ico":   true,
	".woff":  true,
	".woff2": true,
}

func cacheControlFor(path string) string {
	if cacheableExts[strings.ToLower(filepath.Ext(path))] {
		return "public, max-age=3600"
	}
	return "no-cache"
}

// classifyError maps transport failures onto gateway statuses: the child
// being down is 503, the child being slow is 504.
func classifyError(err error) (int, string) {
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return http.StatusGatewayTimeout, "upstream server timeout"
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return http.StatusGatewayTimeout, "upstream server timeout"
	}
	return http.StatusServiceUnavailable, "cannot connect to upstream server"
}

// IsWebSocketUpgrade reports whether the request asks for a WS upgrade.
func IsWebSocketUpgrade(r *http.Request) bool {
	return headerHasToken(r.Header, "Connection", "upgrade") &&
		headerHasToken(r.Header, "Upgrade", "websocket")
}

func headerHasToken(h http.Header, key, token string) bool {
	for _, value := range h.Values(key) {
		for _, part := range strings.Split(value, ",") {
			if strings.EqualFold(strings.TrimSpace(part), token) {
				return true
			}
		}
	}
	return false
}
