package proxy

import (
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const wsDialTimeout = 10 * time.Second

// ForwardWebSocket bridges a WS upgrade to the child server: the first
// client subprotocol is echoed back (dev-server HMR clients require
// this), the backend is dialed with the same offer, and two pump
// goroutines relay frames until either side closes.
func (p *Proxy) ForwardWebSocket(w http.ResponseWriter, r *http.Request, port int, targetPath string) error {
	subprotocols := websocket.Subprotocols(r)

	backendURL := fmt.Sprintf("ws://127.0.0.1:%d%s", port, targetPath)
	if r.URL.RawQuery != "" {
		backendURL += "?" + r.URL.RawQuery
	}

	dialer := websocket.Dialer{
		HandshakeTimeout: wsDialTimeout,
		Subprotocols:     subprotocols,
	}
	backendHeader := http.Header{}
	if origin := r.Header.Get("Origin"); origin != "" {
		backendHeader.Set("Origin", origin)
	}

	backend, resp, err := dialer.Dial(backendURL, backendHeader)
	if err != nil {
		if resp != nil {
			resp.Body.Close()
		}
		http.Error(w, "cannot connect to upstream server", http.StatusServiceUnavailable)
		return fmt.Errorf("dial backend ws: %w", err)
	}
	defer backend.Close()

	upgrader := websocket.Upgrader{
		CheckOrigin: func(*http.Request) bool { return true },
	}
	var responseHeader http.Header
	if len(subprotocols) > 0 {
		responseHeader = http.Header{"Sec-WebSocket-Protocol": {subprotocols[0]}}
	}
	client, err := upgrader.Upgrade(w, r, responseHeader)
	if err != nil {
		return fmt.Errorf("upgrade client ws: %w", err)
	}
	defer client.Close()

	// First pump to stop wins; the deferred closes unblock the other.
	errc := make(chan error, 2)
	go func() { errc <- p.pump(client, backend) }()
	go func() { errc <- p.pump(backend, client) }()

	if err := <-errc; err != nil &&
		websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
		p.log.Debug("websocket bridge closed", zap.Error(err))
	}
	return nil
}

// pump copies frames src→dst until either connection dies, forwarding a
// close frame so the destination's peer sees the stream end.
func (p *Proxy) pump(src, dst *websocket.Conn) error {
	for {
		msgType, data, err := src.ReadMessage()
		if err != nil {
			_ = dst.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(time.Second))
			return err
		}
		if err := dst.WriteMessage(msgType, data); err != nil {
			return err
		}
	}
}
