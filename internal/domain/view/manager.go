// Package view manages the build-and-serve pipeline: a production build of
// the session's project (bounded retries, artifact cleanup), a static file
// server on an allocated port, and a downloadable archive of the project
// source. Builds can run in the background so the HTTP trigger returns
// immediately.
package view

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/StudioForgeAI/AgentStudio/backend/internal/domain/project"
	"github.com/StudioForgeAI/AgentStudio/backend/internal/logging"
	"github.com/StudioForgeAI/AgentStudio/backend/internal/pkgmgr"
	"github.com/StudioForgeAI/AgentStudio/backend/internal/shared/netutil"
	"github.com/StudioForgeAI/AgentStudio/backend/internal/shared/procgroup"
	"github.com/bmatcuk/doublestar/v4"
	"go.uber.org/zap"
)

// Status is the view-server state machine.
type Status string

const (
	StatusBuilding Status = "building"
	StatusStarting Status = "starting"
	StatusRunning  Status = "running"
	StatusStopped  Status = "stopped"
	StatusError    Status = "error"
)

const (
	// PortRangeStart and PortRangeEnd bound view-server port allocation.
	PortRangeStart = 4001
	PortRangeEnd   = 4100

	maxBuildAttempts = 3
	buildTimeout     = 180 * time.Second
	serveTimeout     = 15 * time.Second

	errTail = 500
)

// auxDocs are the session metadata documents the build may wipe from the
// output directory; they are captured before the build and restored after,
// pre-build content winning over whatever the build left behind.
var auxDocs = []string{"uns.json", "flow.json"}

// outputDirs are purged between build retries and on a forced clean.
var outputDirs = []string{"dist", "build"}

// Server is one tracked build-and-serve instance.
type Server struct {
	SessionID  string    `json:"session_id"`
	Port       int       `json:"port"`
	Pid        int       `json:"pid,omitempty"`
	ProjectDir string    `json:"project_dir,omitempty"`
	ServeDir   string    `json:"serve_dir,omitempty"`
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

// FlowImporter pushes a session's flow document into the shared editor
// after a successful build. Optional; nil disables the import.
type FlowImporter interface {
	ImportFlowFile(ctx context.Context, sessionID, path string) error
}

type inflight struct {
	done   chan struct{}
	server *Server
	err    error
}

// Manager owns the view-server registry, the view port range, the one-shot
// forced-clean flags, and the per-session archive cache.
type Manager struct {
	mu         sync.Mutex
	servers    map[string]*Server
	usedPorts  map[int]bool
	starts     map[string]*inflight
	forceClean map[string]bool
	archives   map[string]string

	npm        *pkgmgr.Runner
	flows      FlowImporter
	archiveDir string
	log        *logging.Logger
}

// NewManager creates a view manager. archiveDir receives packaged project
// archives; flows may be nil.
func NewManager(npm *pkgmgr.Runner, flows FlowImporter, archiveDir string, log *logging.Logger) *Manager {
	return &Manager{
		servers:    make(map[string]*Server),
		usedPorts:  make(map[int]bool),
		starts:     make(map[string]*inflight),
		forceClean: make(map[string]bool),
		archives:   make(map[string]string),
		npm:        npm,
		flows:      flows,
		archiveDir: archiveDir,
		log:        log,
	}
}

// Start builds and serves the session's project. With background true the
// call returns immediately with a Building record and the pipeline runs
// detached; otherwise it blocks until Running or Error. Healthy running
// instances are reused, concurrent starts joined.
func (m *Manager) Start(ctx context.Context, sessionID, workingDir string, background bool) (*Server, error) {
	m.mu.Lock()
	// Join an in-flight start first: its record is mid-transition and must
	// never be mistaken for stale state and torn down.
	if fl, ok := m.starts[sessionID]; ok {
		m.mu.Unlock()
		if background {
			return m.statusOrBuilding(sessionID), nil
		}
		<-fl.done
		return fl.server, fl.err
	}
	if srv, ok := m.servers[sessionID]; ok {
		if srv.Status == StatusRunning && srv.Pid != 0 && procgroup.Alive(srv.Pid) && netutil.IsPortLive(srv.Port) {
			out := srv.clone()
			m.mu.Unlock()
			m.log.Debug("reusing view server",
				zap.String("session_id", sessionID), zap.Int("port", srv.Port))
			return out, nil
		}
		m.stopLocked(sessionID, false)
	}
	fl := &inflight{done: make(chan struct{})}
	m.starts[sessionID] = fl
	m.mu.Unlock()

	run := func(ctx context.Context) {
		srv, err := m.buildAndServe(ctx, sessionID, workingDir)
		m.mu.Lock()
		fl.server, fl.err = srv, err
		delete(m.starts, sessionID)
		m.mu.Unlock()
		close(fl.done)
	}

	if background {
		m.placeholder(sessionID, workingDir)
		// Detached: the HTTP request's context must not cancel the build.
		go run(context.Background())
		return m.statusOrBuilding(sessionID), nil
	}

	run(ctx)
	return fl.server, fl.err
}

func (m *Manager) placeholder(sessionID, workingDir string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.servers[sessionID]; !ok {
		m.servers[sessionID] = &Server{
			SessionID:  sessionID,
			ProjectDir: workingDir,
			Status:     StatusBuilding,
			StartedAt:  time.Now(),
		}
	}
}

func (m *Manager) statusOrBuilding(sessionID string) *Server {
	m.mu.Lock()
	defer m.mu.Unlock()
	if srv, ok := m.servers[sessionID]; ok {
		return srv.clone()
	}
	return &Server{SessionID: sessionID, Status: StatusBuilding, StartedAt: time.Now()}
}

func (m *Manager) buildAndServe(ctx context.Context, sessionID, workingDir string) (*Server, error) {
	proj, err := project.Discover(workingDir)
	if err != nil {
		return m.fail(sessionID, 0, "", fmt.Sprintf("project discovery: %v", err)), nil
	}

	m.mu.Lock()
	port, err := netutil.FindFreePort(PortRangeStart, PortRangeEnd, m.usedPorts)
	if err != nil {
		m.mu.Unlock()
		return m.fail(sessionID, 0, proj.Dir, err.Error()), nil
	}
	m.usedPorts[port] = true
	forceClean := m.forceClean[sessionID]
	delete(m.forceClean, sessionID)
	srv := &Server{
		SessionID:  sessionID,
		Port:       port,
		ProjectDir: proj.Dir,
		Status:     StatusBuilding,
		URL:        fmt.Sprintf("/view/%s/", sessionID),
		StartedAt:  time.Now(),
	}
	m.servers[sessionID] = srv
	m.mu.Unlock()

	serveDir := proj.Dir
	var docs map[string][]byte

	if proj.Manifest.HasScript("build") {
		if m.npm.NeedsInstall(proj.Dir) {
			res, err := m.npm.Install(ctx, proj.Dir)
			if err != nil {
				detail := err.Error()
				if res != nil && res.Stderr != "" {
					detail = pkgmgr.Truncate(res.Stderr, errTail)
				}
				return m.failRelease(sessionID, port, "npm install failed: "+detail), nil
			}
		}

		// Snapshot the aux documents before the build wipes the output.
		docs = captureDocs(proj.Dir)

		if forceClean {
			purgeOutputDirs(proj.Dir, m.log)
		}

		if msg, ok := m.runBuild(ctx, sessionID, proj.Dir); !ok {
			return m.failRelease(sessionID, port, msg), nil
		}

		serveDir, err = findServeDir(proj.Dir)
		if err != nil {
			return m.failRelease(sessionID, port, err.Error()), nil
		}

		restoreDocs(serveDir, docs, m.log)

		if m.flows != nil {
			if path, ok := findDoc(proj.Dir, "flow.json"); ok {
				if err := m.flows.ImportFlowFile(ctx, sessionID, path); err != nil {
					m.log.Warn("flow import after build failed",
						zap.String("session_id", sessionID), zap.Error(err))
				}
			}
		}
	}

	m.setStatus(sessionID, StatusStarting, "")
	m.setServeDir(sessionID, serveDir)

	cmd := exec.Command("npx", "serve", "-s", serveDir, "-l", strconv.Itoa(port),
		"--cors", "--no-clipboard")
	cmd.Dir = proj.Dir
	procgroup.Setpgid(cmd)

	if err := cmd.Start(); err != nil {
		return m.failRelease(sessionID, port, "spawn static server: "+err.Error()), nil
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

	if err := netutil.WaitForPort(ctx, port, serveTimeout); err != nil {
		procgroup.Terminate(cmd.Process.Pid)
		return m.failRelease(sessionID, port, "static server did not come up: "+err.Error()), nil
	}

	m.setStatus(sessionID, StatusRunning, "")
	m.log.Info("view server running",
		zap.String("session_id", sessionID), zap.Int("port", port), zap.String("dir", serveDir))

	// Package the source in the background; downloads hit the cache.
	go m.packageSource(sessionID, proj.Dir, docs)

	m.mu.Lock()
	defer m.mu.Unlock()
	if cur, ok := m.servers[sessionID]; ok {
		return cur.clone(), nil
	}
	return &Server{SessionID: sessionID, Status: StatusStopped}, nil
}

// runBuild executes the build script with bounded retries, purging build
// output between attempts. Returns the failure message when every attempt
// fails.
func (m *Manager) runBuild(ctx context.Context, sessionID, projectDir string) (string, bool) {
	lastErr := ""
	for attempt := 0; attempt < maxBuildAttempts; attempt++ {
		if attempt > 0 {
			m.log.Info("retrying build",
				zap.String("session_id", sessionID),
				zap.Int("attempt", attempt+1))
			purgeOutputDirs(projectDir, m.log)
			time.Sleep(time.Second)
		}

		res, err := m.npm.RunScript(ctx, projectDir, "build", buildTimeout, "--base=./")
		if err == nil {
			return "", true
		}
		if res != nil && res.Stderr != "" {
			lastErr = pkgmgr.Truncate(res.Stderr, errTail)
		} else {
			lastErr = err.Error()
		}
	}
	return fmt.Sprintf("build failed after %d attempts: %s", maxBuildAttempts, lastErr), false
}

// Status reports the session's server with the same lazy healing as the
// preview manager, plus the optimistic building->running upgrade for
// background builds whose port is already live.
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
		srv.Error = "server stopped unexpectedly"
	case (srv.Status == StatusBuilding || srv.Status == StatusStarting) && portLive:
		srv.Status = StatusRunning
	}
	return srv.clone(), true
}

// Stop terminates the session's server and arms the one-shot forced-clean
// flag so the next build starts from pristine output directories. Unknown
// ids are a no-op returning false.
func (m *Manager) Stop(sessionID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stopLocked(sessionID, true)
}

func (m *Manager) stopLocked(sessionID string, armClean bool) bool {
	srv, ok := m.servers[sessionID]
	if !ok {
		return false
	}
	if srv.Pid != 0 {
		procgroup.Terminate(srv.Pid)
	}
	delete(m.usedPorts, srv.Port)
	delete(m.servers, sessionID)
	if armClean {
		m.forceClean[sessionID] = true
	}
	m.log.Info("view server stopped",
		zap.String("session_id", sessionID), zap.Int("port", srv.Port))
	return true
}

// ForceClean arms the one-shot clean flag so the session's next build
// purges the output directories first.
func (m *Manager) ForceClean(sessionID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.forceClean[sessionID] = true
}

// Port returns the live backend port for proxying.
func (m *Manager) Port(sessionID string) (int, bool) {
	srv, ok := m.Status(sessionID)
	if !ok || srv.Status != StatusRunning {
		return 0, false
	}
	return srv.Port, true
}

// Archive returns the cached package path for a session.
func (m *Manager) Archive(sessionID string) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	path, ok := m.archives[sessionID]
	return path, ok
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
		m.stopLocked(sessionID, false)
	}
}

func (m *Manager) packageSource(sessionID, projectDir string, docs map[string][]byte) {
	if m.archiveDir == "" {
		return
	}
	out := filepath.Join(m.archiveDir, sessionID+".zip")
	if err := CreateArchive(context.Background(), projectDir, docs, out); err != nil {
		m.log.Warn("project packaging failed",
			zap.String("session_id", sessionID), zap.Error(err))
		return
	}
	m.mu.Lock()
	m.archives[sessionID] = out
	m.mu.Unlock()
	m.log.Info("project packaged",
		zap.String("session_id", sessionID), zap.String("archive", out))
}

func (m *Manager) setStatus(sessionID string, status Status, errMsg string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if srv, ok := m.servers[sessionID]; ok {
		srv.Status = status
		srv.Error = errMsg
	}
}

func (m *Manager) setServeDir(sessionID, dir string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if srv, ok := m.servers[sessionID]; ok {
		srv.ServeDir = dir
	}
}

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
	m.log.Warn("view start failed", zap.String("session_id", sessionID), zap.String("error", msg))
	return srv.clone()
}

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
	m.log.Warn("view start failed", zap.String("session_id", sessionID), zap.String("error", msg))
	return out
}

// captureDocs snapshots the aux documents wherever they currently live
// (output dirs or project root).
func captureDocs(projectDir string) map[string][]byte {
	docs := make(map[string][]byte)
	for _, name := range auxDocs {
		if path, ok := findDoc(projectDir, name); ok {
			if data, err := os.ReadFile(path); err == nil {
				docs[name] = data
			}
		}
	}
	return docs
}

// findDoc locates a document in the output dirs or the project root,
// output dirs first since a built copy is the deployed one.
func findDoc(projectDir, name string) (string, bool) {
	matches, err := doublestar.FilepathGlob(filepath.Join(projectDir, "{dist,build}", name))
	if err == nil && len(matches) > 0 {
		return matches[0], true
	}
	path := filepath.Join(projectDir, name)
	if _, err := os.Stat(path); err == nil {
		return path, true
	}
	return "", false
}

// restoreDocs writes the pre-build snapshots into the serve directory,
// overwriting anything stale the build may have produced.
func restoreDocs(serveDir string, docs map[string][]byte, log *logging.Logger) {
	for name, data := range docs {
		target := filepath.Join(serveDir, name)
		if err := os.WriteFile(target, data, 0o644); err != nil {
			log.Warn("document restore failed", zap.String("doc", name), zap.Error(err))
		}
	}
}

func purgeOutputDirs(projectDir string, log *logging.Logger) {
	for _, name := range outputDirs {
		dir := filepath.Join(projectDir, name)
		if _, err := os.Stat(dir); err != nil {
			continue
		}
		if err := os.RemoveAll(dir); err != nil {
			log.Warn("output purge failed", zap.String("dir", dir), zap.Error(err))
		}
	}
}

// findServeDir resolves the build output: dist, then build, then the
// project root for toolchains that serve in place.
func findServeDir(projectDir string) (string, error) {
	for _, name := range outputDirs {
		dir := filepath.Join(projectDir, name)
		if _, err := os.Stat(dir); err == nil {
			return dir, nil
		}
	}
	if _, err := os.Stat(filepath.Join(projectDir, ".next")); err == nil {
		return projectDir, nil
	}
	return "", fmt.Errorf("build completed but no output directory found in %s", projectDir)
}
