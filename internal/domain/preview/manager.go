// Package preview manages per-session dev servers: one live-reload
// process per session, on a dynamically allocated port, reverse-proxied
// under /preview/{id}/. At most one instance per session; starts are
// deduplicated, stops are idempotent.
package preview

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"sync"
	"time"

	"github.com/StudioForgeAI/AgentStudio/backend/internal/domain/project"
	"github.com/StudioForgeAI/AgentStudio/backend/internal/logging"
	"github.com/StudioForgeAI/AgentStudio/backend/internal/pkgmgr"
	"github.com/StudioForgeAI/AgentStudio/backend/internal/shared/netutil"
	"github.com/StudioForgeAI/AgentStudio/backend/internal/shared/procgroup"
	"go.uber.org/zap"
)

// Status is the dev-server state machine. Transitions only move forward
// (installing -> starting -> running -> stopped) or into error; a stopped
// server never resurrects without a new Start.
type Status string

const (
	StatusInstalling Status = "installing"
	StatusStarting   Status = "starting"
	StatusRunning    Status = "running"
	StatusStopped    Status = "stopped"
	StatusError      Status = "error"
)

const (
	// PortRangeStart and PortRangeEnd bound dev-server port allocation.
	PortRangeStart = 5001
	PortRangeEnd   = 5100

	// startTimeout is how long a dev server gets to bind its port.
	startTimeout = 30 * time.Second

	// errTail caps captured stderr attached to a failed record.
	errTail = 300
)

// Server is one tracked dev server. The exec handle stays unexported;
// only this manager signals the process.
type Server struct {
	SessionID  string    `json:"session_id"`
	Port       int       `json:"port"`
	Pid        int       `json:"pid,omitempty"`
	ProjectDir string    `json:"project_dir,omitempty"`
	Status     Status    `json:"status"`
	Error      string    `json:"error,omitempty"`
	URL        string    `json:"url,omitempty"`
	StartedAt  time.Time `json:"started_at"`

	cmd    *exec.Cmd
	exited bool
}

func (s *Server) clone() *Server {
	out := *s
	out.cmd = nil
	return &out
}

// HMRInfo carries the live-reload client connection parameters derived
// from the inbound request's forwarding headers, so a browser behind a
// tunnel can open its own websocket back through the proxy.
type HMRInfo struct {
	Host       string
	ClientPort int
}

type inflight struct {
	done   chan struct{}
	server *Server
	err    error
}

// Manager owns the dev-server registry and the preview port range.
type Manager struct {
	mu        sync.Mutex
	servers   map[string]*Server
	usedPorts map[int]bool
	starts    map[string]*inflight

	npm *pkgmgr.Runner
	log *logging.Logger
}

// NewManager creates a preview manager.
func NewManager(npm *pkgmgr.Runner, log *logging.Logger) *Manager {
	return &Manager{
		servers:   make(map[string]*Server),
		usedPorts: make(map[int]bool),
		starts:    make(map[string]*inflight),
		npm:       npm,
		log:       log,
	}
}

// Start launches (or reuses) the session's dev server. A healthy running
// instance is returned unchanged; a start already in flight for the same
// session is joined, not duplicated. Failures come back as a record in
// StatusError with the cause attached, not as a Go error, so the HTTP
// layer always has a stable shape to render.
func (m *Manager) Start(ctx context.Context, sessionID, workingDir string, hmr HMRInfo) (*Server, error) {
	m.mu.Lock()
	// Join an in-flight start first: its record is mid-transition and must
	// never be mistaken for stale state and torn down.
	if fl, ok := m.starts[sessionID]; ok {
		m.mu.Unlock()
		<-fl.done
		return fl.server, fl.err
	}
	if srv, ok := m.servers[sessionID]; ok {
		if srv.Status == StatusRunning && srv.cmd != nil && procgroup.Alive(srv.Pid) && netutil.IsPortLive(srv.Port) {
			out := srv.clone()
			m.mu.Unlock()
			m.log.Debug("reusing preview server",
				zap.String("session_id", sessionID), zap.Int("port", srv.Port))
			return out, nil
		}
		// Stale record: tear it down before starting fresh.
		m.stopLocked(sessionID)
	}
	fl := &inflight{done: make(chan struct{})}
	m.starts[sessionID] = fl
	m.mu.Unlock()

	srv, err := m.start(ctx, sessionID, workingDir, hmr)

	m.mu.Lock()
	fl.server, fl.err = srv, err
	delete(m.starts, sessionID)
	m.mu.Unlock()
	close(fl.done)
	return srv, err
}

// devCommand picks the dev-server invocation for the project flavor: a
// vite project without a dev script is launched through vite directly;
// anything declaring a dev script runs it through npm.
func devCommand(proj *project.Project, port int) *exec.Cmd {
	portArgs := []string{"--port", strconv.Itoa(port), "--host", "0.0.0.0", "--strictPort"}
	if !proj.Manifest.HasScript("dev") && proj.UsesVite() {
		return exec.Command("npx", append([]string{"vite"}, portArgs...)...)
	}
	return exec.Command("npm", append([]string{"run", "dev", "--"}, portArgs...)...)
}

func (m *Manager) start(ctx context.Context, sessionID, workingDir string, hmr HMRInfo) (*Server, error) {
	proj, err := project.Discover(workingDir)
	if err != nil {
		return m.fail(sessionID, 0, "", fmt.Sprintf("project discovery: %v", err)), nil
	}
	if proj.Static {
		return m.fail(sessionID, 0, proj.Dir,
			"static project has no dev server; use the view pipeline"), nil
	}

	m.mu.Lock()
	port, err := netutil.FindFreePort(PortRangeStart, PortRangeEnd, m.usedPorts)
	if err != nil {
		m.mu.Unlock()
		return m.fail(sessionID, 0, proj.Dir, err.Error()), nil
	}
	m.usedPorts[port] = true
	srv := &Server{
		SessionID:  sessionID,
		Port:       port,
		ProjectDir: proj.Dir,
		Status:     StatusInstalling,
		URL:        fmt.Sprintf("/preview/%s/", sessionID),
		StartedAt:  time.Now(),
	}
	m.servers[sessionID] = srv
	m.mu.Unlock()

	if m.npm.NeedsInstall(proj.Dir) {
		m.log.Info("installing dependencies",
			zap.String("session_id", sessionID), zap.String("dir", proj.Dir))
		res, err := m.npm.Install(ctx, proj.Dir)
		if err != nil {
			detail := err.Error()
			if res != nil && res.Stderr != "" {
				detail = pkgmgr.Truncate(res.Stderr, errTail)
			}
			return m.failRelease(sessionID, port, "npm install failed: "+detail), nil
		}
	}

	m.setStatus(sessionID, StatusStarting, "")

	cmd := devCommand(proj, port)
	cmd.Dir = proj.Dir
	cmd.Env = append(os.Environ(),
		"VITE_BASE=/preview/"+sessionID+"/",
		"VITE_HMR_PROTOCOL=wss",
		"VITE_HMR_HOST="+hmr.Host,
		"VITE_HMR_CLIENT_PORT="+strconv.Itoa(hmr.ClientPort),
	)
	stderr := newTailBuffer(4096)
	cmd.Stderr = stderr
	procgroup.Setpgid(cmd)

	if err := cmd.Start(); err != nil {
		return m.failRelease(sessionID, port, "spawn dev server: "+err.Error()), nil
	}

	m.mu.Lock()
	if cur, ok := m.servers[sessionID]; ok {
		cur.cmd = cmd
		cur.Pid = cmd.Process.Pid
	}
	m.mu.Unlock()

	// Reap in the background; the exited flag is the only exit signal read
	// elsewhere, since Cmd fields must not be touched concurrently with Wait.
	go func() {
		_ = cmd.Wait()
		m.mu.Lock()
		if cur, ok := m.servers[sessionID]; ok && cur.cmd == cmd {
			cur.exited = true
		}
		m.mu.Unlock()
	}()

	m.log.Info("dev server starting",
		zap.String("session_id", sessionID),
		zap.Int("port", port),
		zap.String("hmr_host", hmr.Host))

	if err := netutil.WaitForPort(ctx, port, startTimeout); err != nil {
		procgroup.Terminate(cmd.Process.Pid)
		detail := pkgmgr.Truncate(stderr.String(), errTail)
		if detail == "" {
			detail = err.Error()
		}
		return m.failRelease(sessionID, port, "dev server did not come up: "+detail), nil
	}

	m.setStatus(sessionID, StatusRunning, "")
	m.log.Info("dev server running", zap.String("session_id", sessionID), zap.Int("port", port))

	m.mu.Lock()
	defer m.mu.Unlock()
	if cur, ok := m.servers[sessionID]; ok {
		return cur.clone(), nil
	}
	// Stopped while starting; report what the caller got.
	return &Server{SessionID: sessionID, Status: StatusStopped}, nil
}

// Status reports the session's server, lazily healing the state machine:
// a dead process downgrades to stopped, a dead port downgrades running to
// error, and a starting server whose port is already live upgrades to
// running.
func (m *Manager) Status(sessionID string) (*Server, bool) {
	m.mu.Lock()
	srv, ok := m.servers[sessionID]
	if !ok {
		m.mu.Unlock()
		return nil, false
	}
	dead := srv.exited
	port := srv.Port
	m.mu.Unlock()

	portLive := port != 0 && netutil.IsPortLive(port)

	m.mu.Lock()
	defer m.mu.Unlock()
	srv, ok = m.servers[sessionID]
	if !ok {
		return nil, false
	}
	switch {
	case dead && srv.Status != StatusError && srv.Status != StatusStopped:
		srv.Status = StatusStopped
	case srv.Status == StatusRunning && !portLive:
		srv.Status = StatusError
		srv.Error = "port stopped accepting connections"
	case srv.Status == StatusStarting && portLive:
		// Missed transition: the port is up, call it running.
		srv.Status = StatusRunning
	}
	return srv.clone(), true
}

// Stop terminates the session's server. Unknown or already stopped ids
// are a no-op returning false. The port is always released and the record
// always cleared, whatever the kill outcome.
func (m *Manager) Stop(sessionID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stopLocked(sessionID)
}

func (m *Manager) stopLocked(sessionID string) bool {
	srv, ok := m.servers[sessionID]
	if !ok {
		return false
	}
	if srv.Pid != 0 {
		procgroup.Terminate(srv.Pid)
	}
	delete(m.usedPorts, srv.Port)
	delete(m.servers, sessionID)
	m.log.Info("preview server stopped",
		zap.String("session_id", sessionID), zap.Int("port", srv.Port))
	return true
}

// Port returns the live backend port for proxying.
func (m *Manager) Port(sessionID string) (int, bool) {
	srv, ok := m.Status(sessionID)
	if !ok || srv.Status != StatusRunning {
		return 0, false
	}
	return srv.Port, true
}

// List returns all tracked servers.
func (m *Manager) List() []*Server {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*Server, 0, len(m.servers))
	for _, srv := range m.servers {
		out = append(out, srv.clone())
	}
	return out
}

// CleanupAll stops every tracked server; individual failures are ignored.
func (m *Manager) CleanupAll() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for sessionID := range m.servers {
		m.stopLocked(sessionID)
	}
}

func (m *Manager) setStatus(sessionID string, status Status, errMsg string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if srv, ok := m.servers[sessionID]; ok {
		srv.Status = status
		srv.Error = errMsg
	}
}

// fail records a terminal error state without a port to release.
func (m *Manager) fail(sessionID string, port int, projectDir, msg string) *Server {
	srv := &Server{
		SessionID:  sessionID,
		Port:       port,
		ProjectDir: projectDir,
		Status:     StatusError,
		Error:      msg,
		StartedAt:  time.Now(),
	}
	m.mu.Lock()
	m.servers[sessionID] = srv
	m.mu.Unlock()
	m.log.Warn("preview start failed", zap.String("session_id", sessionID), zap.String("error", msg))
	return srv.clone()
}

// failRelease records a terminal error and releases the allocated port.
func (m *Manager) failRelease(sessionID string, port int, msg string) *Server {
	m.mu.Lock()
	delete(m.usedPorts, port)
	srv, ok := m.servers[sessionID]
	if ok {
		srv.Status = StatusError
		srv.Error = msg
		srv.cmd = nil
		srv.Pid = 0
	} else {
		srv = &Server{SessionID: sessionID, Status: StatusError, Error: msg, StartedAt: time.Now()}
		m.servers[sessionID] = srv
	}
	out := srv.clone()
	m.mu.Unlock()
	m.log.Warn("preview start failed", zap.String("session_id", sessionID), zap.String("error", msg))
	return out
}

// tailBuffer keeps the last n bytes written, for error capture.
type tailBuffer struct {
	mu  sync.Mutex
	buf []byte
	max int
}

func newTailBuffer(max int) *tailBuffer {
	return &tailBuffer{max: max}
}

func (t *tailBuffer) Write(p []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.buf = append(t.buf, p...)
	if len(t.buf) > t.max {
		t.buf = t.buf[len(t.buf)-t.max:]
	}
	return len(p), nil
}

func (t *tailBuffer) String() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return string(t.buf)
}
