// Package netutil provides TCP port allocation and liveness probing for
// the server managers. A port is considered live when a short TCP connect
// to localhost succeeds; allocation scans a contiguous range and skips
// both externally-listening ports and ports the caller already tracks.
package netutil

import (
	"context"
	"fmt"
	"net"
	"time"
)

// ProbeTimeout bounds a single liveness probe.
const ProbeTimeout = 500 * time.Millisecond

// ErrNoFreePort is returned when every port in the range is taken.
var ErrNoFreePort = fmt.Errorf("no free port in range")

// IsPortLive reports whether something is accepting TCP connections on
// localhost:port.
func IsPortLive(port int) bool {
	conn, err := net.DialTimeout("tcp", fmt.Sprintf("127.0.0.1:%d", port), ProbeTimeout)
	if err != nil {
		return false
	}
	conn.Close()
	return true
}

// FindFreePort scans [start, end] and returns the first port that is
// neither in the caller's used set nor externally listening. The caller
// must hold its own lock across the scan and the used-set insert so two
// concurrent starts cannot race onto the same port.
func FindFreePort(start, end int, used map[int]bool) (int, error) {
	for port := start; port <= end; port++ {
		if used[port] {
			continue
		}
		if IsPortLive(port) {
			continue
		}
		return port, nil
	}
	return 0, fmt.Errorf("%w %d-%d", ErrNoFreePort, start, end)
}

// WaitForPort polls until the port accepts connections or the context
// expires. Poll interval is coarse; dev servers take seconds to come up.
func WaitForPort(ctx context.Context, port int, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()

	for {
		if IsPortLive(port) {
			return nil
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("port %d not listening after %s: %w", port, timeout, ctx.Err())
		case <-ticker.C:
		}
	}
}
