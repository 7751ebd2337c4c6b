package netutil

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func listen(t *testing.T) (net.Listener, int) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })
	return ln, ln.Addr().(*net.TCPAddr).Port
}

func TestIsPortLive(t *testing.T) {
	ln, port := listen(t)

	assert.True(t, IsPortLive(port))

	ln.Close()
	// Give the kernel a moment to tear the listener down.
	time.Sleep(50 * time.Millisecond)
	assert.False(t, IsPortLive(port))
}

func TestFindFreePortSkipsUsedAndListening(t *testing.T) {
	_, busy := listen(t)

	// Range of exactly three ports: the listening one, one marked used,
	// and the winner.
	used := map[int]bool{busy + 1: true}
	port, err := FindFreePort(busy, busy+2, used)
	require.NoError(t, err)
	assert.Equal(t, busy+2, port)
}

func TestFindFreePortExhausted(t *testing.T) {
	_, busy := listen(t)

	_, err := FindFreePort(busy, busy, nil)
	assert.ErrorIs(t, err, ErrNoFreePort)
}

func TestFindFreePortDistinct(t *testing.T) {
	used := make(map[int]bool)
	seen := make(map[int]bool)
	for i := 0; i < 5; i++ {
		port, err := FindFreePort(42100, 42199, used)
		require.NoError(t, err)
		assert.False(t, seen[port], "port %d allocated twice", port)
		seen[port] = true
		used[port] = true
	}
}

func TestWaitForPort(t *testing.T) {
	_, port := listen(t)

	err := WaitForPort(context.Background(), port, 2*time.Second)
	assert.NoError(t, err)
}

func TestWaitForPortTimeout(t *testing.T) {
	// Nothing listens here; FindFreePort guarantees it.
	port, err := FindFreePort(42200, 42299, nil)
	require.NoError(t, err)

	start := time.Now()
	err = WaitForPort(context.Background(), port, 600*time.Millisecond)
	assert.Error(t, err)
	assert.Less(t, time.Since(start), 3*time.Second)
}
