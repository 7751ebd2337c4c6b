package preview

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/StudioForgeAI/AgentStudio/backend/internal/domain/project"
	"github.com/StudioForgeAI/AgentStudio/backend/internal/logging"
	"github.com/StudioForgeAI/AgentStudio/backend/internal/pkgmgr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestManager() *Manager {
	return NewManager(pkgmgr.New(), logging.NewDevelopment())
}

func TestStopUnknownIsNoOp(t *testing.T) {
	m := newTestManager()

	assert.False(t, m.Stop("sess_unknown"))
	assert.Empty(t, m.List())
}

func TestStartWithoutProjectReturnsErrorRecord(t *testing.T) {
	m := newTestManager()

	srv, err := m.Start(context.Background(), "sess_a", t.TempDir(), HMRInfo{Host: "localhost", ClientPort: 443})
	require.NoError(t, err)
	assert.Equal(t, StatusError, srv.Status)
	assert.Contains(t, srv.Error, "project discovery")

	// The failed record is queryable, and stopping it clears it.
	got, ok := m.Status("sess_a")
	require.True(t, ok)
	assert.Equal(t, StatusError, got.Status)
	assert.True(t, m.Stop("sess_a"))
	assert.False(t, m.Stop("sess_a"))
}

func TestStartStaticProjectRejected(t *testing.T) {
	m := newTestManager()
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "index.html"), []byte("<html/>"), 0o644))

	srv, err := m.Start(context.Background(), "sess_static", dir, HMRInfo{})
	require.NoError(t, err)
	assert.Equal(t, StatusError, srv.Status)
	assert.Contains(t, srv.Error, "static")
}

func TestStartReusesHealthyServer(t *testing.T) {
	m := newTestManager()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()
	port := ln.Addr().(*net.TCPAddr).Port

	existing := &Server{
		SessionID: "sess_r",
		Port:      port,
		Pid:       os.Getpid(), // alive by construction
		Status:    StatusRunning,
		cmd:       &exec.Cmd{},
	}
	m.mu.Lock()
	m.servers["sess_r"] = existing
	m.usedPorts[port] = true
	m.mu.Unlock()

	srv, err := m.Start(context.Background(), "sess_r", t.TempDir(), HMRInfo{})
	require.NoError(t, err)
	assert.Equal(t, StatusRunning, srv.Status)
	assert.Equal(t, port, srv.Port)
}

func TestStatusHealsDeadProcess(t *testing.T) {
	m := newTestManager()

	// The reaper goroutine marks the record once the process is waited on.
	m.mu.Lock()
	m.servers["sess_d"] = &Server{SessionID: "sess_d", Status: StatusRunning, cmd: &exec.Cmd{}, exited: true}
	m.mu.Unlock()

	srv, ok := m.Status("sess_d")
	require.True(t, ok)
	assert.Equal(t, StatusStopped, srv.Status)
}

func TestStartJoinsInflightWithoutTeardown(t *testing.T) {
	m := newTestManager()

	fl := &inflight{done: make(chan struct{})}
	m.mu.Lock()
	m.starts["sess_j"] = fl
	m.servers["sess_j"] = &Server{SessionID: "sess_j", Port: 5001, Status: StatusStarting}
	m.usedPorts[5001] = true
	m.mu.Unlock()

	type result struct {
		srv *Server
		err error
	}
	results := make(chan result, 1)
	go func() {
		srv, err := m.Start(context.Background(), "sess_j", t.TempDir(), HMRInfo{})
		results <- result{srv, err}
	}()

	// The joiner must block on the in-flight start, not tear it down.
	select {
	case <-results:
		t.Fatal("second Start returned before the in-flight one finished")
	case <-time.After(100 * time.Millisecond):
	}

	m.mu.Lock()
	_, recordKept := m.servers["sess_j"]
	portKept := m.usedPorts[5001]
	m.mu.Unlock()
	assert.True(t, recordKept, "in-flight record was torn down")
	assert.True(t, portKept, "in-flight port was released")

	finished := &Server{SessionID: "sess_j", Port: 5001, Status: StatusRunning}
	m.mu.Lock()
	fl.server = finished
	delete(m.starts, "sess_j")
	m.mu.Unlock()
	close(fl.done)

	select {
	case res := <-results:
		require.NoError(t, res.err)
		assert.Equal(t, finished, res.srv)
	case <-time.After(2 * time.Second):
		t.Fatal("joiner did not return after the in-flight start finished")
	}
}

func TestDevCommandFlavor(t *testing.T) {
	viteOnly := &project.Project{
		Dir:      t.TempDir(),
		Manifest: &project.Manifest{DevDependencies: map[string]string{"vite": "^5"}},
	}
	cmd := devCommand(viteOnly, 5001)
	assert.Contains(t, cmd.Args, "npx")
	assert.Contains(t, cmd.Args, "vite")
	assert.Contains(t, cmd.Args, "--strictPort")

	withDev := &project.Project{
		Dir: t.TempDir(),
		Manifest: &project.Manifest{
			Scripts:         map[string]string{"dev": "vite"},
			DevDependencies: map[string]string{"vite": "^5"},
		},
	}
	cmd = devCommand(withDev, 5002)
	assert.Contains(t, cmd.Args, "npm")
	assert.Contains(t, cmd.Args, "dev")
	assert.Contains(t, cmd.Args, "5002")
}

func TestStatusHealsDeadPort(t *testing.T) {
	m := newTestManager()

	m.mu.Lock()
	m.servers["sess_p"] = &Server{SessionID: "sess_p", Status: StatusRunning, Port: 1}
	m.mu.Unlock()

	srv, ok := m.Status("sess_p")
	require.True(t, ok)
	assert.Equal(t, StatusError, srv.Status)
	assert.NotEmpty(t, srv.Error)
}

func TestStatusUpgradesStartingWithLivePort(t *testing.T) {
	m := newTestManager()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()
	port := ln.Addr().(*net.TCPAddr).Port

	m.mu.Lock()
	m.servers["sess_s"] = &Server{SessionID: "sess_s", Status: StatusStarting, Port: port}
	m.mu.Unlock()

	srv, ok := m.Status("sess_s")
	require.True(t, ok)
	assert.Equal(t, StatusRunning, srv.Status)
}

func TestPortOnlyForRunning(t *testing.T) {
	m := newTestManager()

	_, ok := m.Port("sess_x")
	assert.False(t, ok)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()
	port := ln.Addr().(*net.TCPAddr).Port

	m.mu.Lock()
	m.servers["sess_x"] = &Server{SessionID: "sess_x", Status: StatusRunning, Port: port}
	m.mu.Unlock()

	got, ok := m.Port("sess_x")
	require.True(t, ok)
	assert.Equal(t, port, got)
}

// TestHelperDevServer is not a real test: the stub npm/npx scripts
// installed by stubNodeTooling re-exec the test binary into this
// function, which binds the requested port and serves until killed.
func TestHelperDevServer(t *testing.T) {
	if os.Getenv("GO_DEV_SERVER_STUB") != "1" {
		t.Skip("subprocess entry point")
	}
	port := ""
	for i, arg := range os.Args {
		if arg == "--port" && i+1 < len(os.Args) {
			port = os.Args[i+1]
		}
	}
	ln, err := net.Listen("tcp", "127.0.0.1:"+port)
	if err != nil {
		os.Exit(1)
	}
	for {
		conn, err := ln.Accept()
		if err != nil {
			os.Exit(0)
		}
		conn.Close()
	}
}

// stubNodeTooling puts fake npm/npx binaries first on PATH; they exec
// the test binary back into TestHelperDevServer.
func stubNodeTooling(t *testing.T) {
	t.Helper()
	exe, err := os.Executable()
	require.NoError(t, err)
	bin := t.TempDir()
	script := fmt.Sprintf("#!/bin/sh\nGO_DEV_SERVER_STUB=1 exec %q -test.run '^TestHelperDevServer$' -- \"$@\"\n", exe)
	for _, name := range []string{"npm", "npx"} {
		require.NoError(t, os.WriteFile(filepath.Join(bin, name), []byte(script), 0o755))
	}
	t.Setenv("PATH", bin+string(os.PathListSeparator)+os.Getenv("PATH"))
}

func writeViteScaffold(t *testing.T, dir string) {
	t.Helper()
	manifest := `{"name":"app","scripts":{"dev":"vite"},"devDependencies":{"vite":"^5.0.0"}}`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "package.json"), []byte(manifest), 0o644))
	require.NoError(t, os.Mkdir(filepath.Join(dir, "node_modules"), 0o755))
}

func TestConcurrentStartsGetDistinctPorts(t *testing.T) {
	stubNodeTooling(t)
	m := newTestManager()
	t.Cleanup(m.CleanupAll)

	const n = 3
	var wg sync.WaitGroup
	servers := make([]*Server, n)
	for i := 0; i < n; i++ {
		dir := t.TempDir()
		writeViteScaffold(t, dir)
		wg.Add(1)
		go func(i int, dir string) {
			defer wg.Done()
			srv, err := m.Start(context.Background(), fmt.Sprintf("sess_c%d", i), dir,
				HMRInfo{Host: "localhost", ClientPort: 443})
			assert.NoError(t, err)
			servers[i] = srv
		}(i, dir)
	}
	wg.Wait()

	ports := make(map[int]bool)
	for _, srv := range servers {
		require.NotNil(t, srv)
		require.Equal(t, StatusRunning, srv.Status, srv.Error)
		assert.GreaterOrEqual(t, srv.Port, PortRangeStart)
		assert.LessOrEqual(t, srv.Port, PortRangeEnd)
		ports[srv.Port] = true
	}
	assert.Len(t, ports, n)
}

func TestCleanupAllEmptiesRegistry(t *testing.T) {
	m := newTestManager()

	m.mu.Lock()
	m.servers["a"] = &Server{SessionID: "a", Status: StatusError}
	m.servers["b"] = &Server{SessionID: "b", Status: StatusError}
	m.usedPorts[5001] = true
	m.mu.Unlock()

	m.CleanupAll()
	assert.Empty(t, m.List())
}
