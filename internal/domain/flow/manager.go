// Package flow manages the shared visual-flow editor: a single process
// multiplexed across all sessions, with session-scoped flow documents
// pushed through its HTTP admin API. An instance that was already running
// before this backend started is adopted but never killed.
package flow

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"time"

	"github.com/StudioForgeAI/AgentStudio/backend/internal/logging"
	"github.com/StudioForgeAI/AgentStudio/backend/internal/shared/netutil"
	"github.com/StudioForgeAI/AgentStudio/backend/internal/shared/procgroup"
	"github.com/go-resty/resty/v2"
	"go.uber.org/zap"
)

// Status is the editor lifecycle.
type Status string

const (
	StatusStarting Status = "starting"
	StatusRunning  Status = "running"
	StatusStopped  Status = "stopped"
	StatusError    Status = "error"
)

// DefaultPort is the editor's fixed port.
const DefaultPort = 1880

const startPollTimeout = 15 * time.Second

// settingsTemplate routes the editor UI under /flow and its HTTP nodes
// under /flow/api so the reverse proxy can mount both on one prefix.
const settingsTemplate = `module.exports = {
  uiPort: process.env.PORT || %d,
  httpAdminRoot: "/flow",
  httpNodeRoot: "/flow/api"
};
`

// Server describes the singleton editor instance.
type Server struct {
	Port    int    `json:"port"`
	Pid     int    `json:"pid,omitempty"`
	Status  Status `json:"status"`
	Error   string `json:"error,omitempty"`
	Managed bool   `json:"managed"`
}

func (s *Server) clone() *Server {
	out := *s
	return &out
}

// Result is the outcome of a flow import or delete. Success with zero
// Removed on delete means there was nothing to do, which is distinct from
// a transport failure (Success false).
type Result struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
	FlowID  string `json:"flow_id,omitempty"`
	Removed int    `json:"removed,omitempty"`
}

// Config carries editor process settings.
type Config struct {
	// Port the editor listens on; DefaultPort when zero.
	Port int
	// UserDir holds the editor's state and settings file.
	UserDir string
	// LocalBin is a project-scoped editor executable preferred over PATH.
	LocalBin string
}

// Manager owns the singleton editor. One mutex guards the record; admin
// API calls run outside it.
type Manager struct {
	mu     sync.Mutex
	server *Server
	cmd    *exec.Cmd
	// exited is closed by the reaper goroutine once the managed process is
	// waited on; Cmd fields must not be read concurrently with Wait.
	exited chan struct{}

	cfg  Config
	http *resty.Client
	log  *logging.Logger
}

// exitedNow reports whether the managed process has been reaped.
func (m *Manager) exitedNow() bool {
	if m.exited == nil {
		return false
	}
	select {
	case <-m.exited:
		return true
	default:
		return false
	}
}

// NewManager creates the flow-editor manager.
func NewManager(cfg Config, log *logging.Logger) *Manager {
	if cfg.Port == 0 {
		cfg.Port = DefaultPort
	}
	return &Manager{
		cfg: cfg,
		http: resty.New().
			SetBaseURL(fmt.Sprintf("http://127.0.0.1:%d", cfg.Port)).
			SetTimeout(30 * time.Second),
		log: log,
	}
}

// Start launches or reuses the shared editor. A healthy managed instance
// is returned as-is; an externally running process on the fixed port is
// adopted as unmanaged (and will never be killed here); otherwise the
// executable is resolved and spawned in its own process group. Failure is
// reported in the record, not as an error.
func (m *Manager) Start(ctx context.Context) (*Server, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if srv := m.server; srv != nil && srv.Status == StatusRunning {
		if srv.Managed {
			if m.cmd != nil && !m.exitedNow() && netutil.IsPortLive(srv.Port) {
				return srv.clone(), nil
			}
		} else if netutil.IsPortLive(srv.Port) {
			return srv.clone(), nil
		}
	}

	if netutil.IsPortLive(m.cfg.Port) && (m.server == nil || !m.server.Managed) {
		m.server = &Server{Port: m.cfg.Port, Status: StatusRunning, Managed: false}
		m.cmd = nil
		m.exited = nil
		m.log.Info("adopted externally running flow editor", zap.Int("port", m.cfg.Port))
		return m.server.clone(), nil
	}

	command := m.resolveCommand()
	if command == nil {
		m.server = &Server{
			Port:    m.cfg.Port,
			Status:  StatusError,
			Error:   "flow editor executable not found (local install, PATH, or npx)",
			Managed: true,
		}
		return m.server.clone(), nil
	}

	if err := m.ensureSettings(); err != nil {
		m.server = &Server{Port: m.cfg.Port, Status: StatusError, Error: err.Error(), Managed: true}
		return m.server.clone(), nil
	}

	args := append(command[1:], "-p", fmt.Sprint(m.cfg.Port), "-u", m.cfg.UserDir)
	cmd := exec.Command(command[0], args...)
	cmd.Dir = m.cfg.UserDir
	procgroup.Setpgid(cmd)

	if err := cmd.Start(); err != nil {
		m.server = &Server{
			Port:    m.cfg.Port,
			Status:  StatusError,
			Error:   "spawn flow editor: " + err.Error(),
			Managed: true,
		}
		return m.server.clone(), nil
	}

	m.cmd = cmd
	m.server = &Server{Port: m.cfg.Port, Pid: cmd.Process.Pid, Status: StatusStarting, Managed: true}
	exitc := make(chan struct{})
	m.exited = exitc
	go func() { _ = cmd.Wait(); close(exitc) }()

	// Poll outside would be nicer, but the singleton start is rare and the
	// lock prevents a concurrent second spawn.
	if err := netutil.WaitForPort(ctx, m.cfg.Port, startPollTimeout); err != nil || m.exitedNow() {
		m.server.Status = StatusError
		m.server.Error = "flow editor failed to start"
		return m.server.clone(), nil
	}

	m.server.Status = StatusRunning
	m.log.Info("flow editor running", zap.Int("port", m.cfg.Port), zap.Int("pid", cmd.Process.Pid))
	return m.server.clone(), nil
}

// Stop terminates a managed instance. Adopted (unmanaged) instances are
// left alone; returns false when there was nothing to stop.
func (m *Manager) Stop() bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.server == nil {
		return false
	}
	if m.server.Managed && m.cmd != nil && !m.exitedNow() {
		procgroup.Terminate(m.cmd.Process.Pid)
	}
	m.server.Status = StatusStopped
	m.server.Pid = 0
	m.cmd = nil
	m.exited = nil
	return true
}

// Status reports the editor state, lazily detecting a dead managed
// process and adopting an externally started instance.
func (m *Manager) Status() (*Server, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.server != nil {
		if m.server.Managed && m.cmd != nil && m.exitedNow() {
			m.server.Status = StatusStopped
			m.server.Pid = 0
		}
		return m.server.clone(), true
	}
	if netutil.IsPortLive(m.cfg.Port) {
		m.server = &Server{Port: m.cfg.Port, Status: StatusRunning, Managed: false}
		return m.server.clone(), true
	}
	return nil, false
}

// Port returns the backend port for proxying when the editor is up.
func (m *Manager) Port() (int, bool) {
	srv, ok := m.Status()
	if !ok || srv.Status != StatusRunning {
		return 0, false
	}
	return srv.Port, true
}

// document is a session flow description: either an object with id, label
// and nodes, or a bare node list.
type document struct {
	ID    string           `json:"id"`
	Label string           `json:"label"`
	Nodes []map[string]any `json:"nodes"`
}

func parseDocument(data []byte, sessionID string) (*document, error) {
	trimmed := bytes.TrimSpace(data)
	var doc document
	if len(trimmed) > 0 && trimmed[0] == '[' {
		if err := json.Unmarshal(trimmed, &doc.Nodes); err != nil {
			return nil, fmt.Errorf("parse node list: %w", err)
		}
	} else if err := json.Unmarshal(trimmed, &doc); err != nil {
		return nil, fmt.Errorf("parse flow document: %w", err)
	}
	if doc.ID == "" {
		doc.ID = sessionID
	}
	if doc.Label == "" {
		short := sessionID
		if len(short) > 8 {
			short = short[:8]
		}
		doc.Label = "Session " + short
	}
	return &doc, nil
}

// ImportFlow normalizes a flow document into the editor's native format
// (a tab node plus re-parented children), merges it into the editor's
// current document set replacing any same-id tab, and redeploys.
func (m *Manager) ImportFlow(ctx context.Context, sessionID string, data []byte) Result {
	doc, err := parseDocument(data, sessionID)
	if err != nil {
		return Result{Success: false, Message: err.Error()}
	}

	if srv, _ := m.Start(ctx); srv == nil || srv.Status != StatusRunning {
		msg := "flow editor not running"
		if srv != nil && srv.Error != "" {
			msg = srv.Error
		}
		return Result{Success: false, Message: msg}
	}

	tab := map[string]any{
		"id":       doc.ID,
		"type":     "tab",
		"label":    doc.Label,
		"disabled": false,
		"info":     "Auto-imported from session " + sessionID,
	}
	merged := []map[string]any{tab}
	for _, node := range doc.Nodes {
		copied := make(map[string]any, len(node)+1)
		for k, v := range node {
			copied[k] = v
		}
		copied["z"] = doc.ID
		merged = append(merged, copied)
	}

	existing, err := m.fetchFlows(ctx)
	if err != nil {
		return Result{Success: false, Message: err.Error()}
	}

	updated := make([]map[string]any, 0, len(existing)+len(merged))
	for _, f := range existing {
		if f["id"] != doc.ID {
			updated = append(updated, f)
		}
	}
	updated = append(updated, merged...)

	if err := m.deployFlows(ctx, updated); err != nil {
		return Result{Success: false, Message: err.Error()}
	}
	return Result{
		Success: true,
		Message: fmt.Sprintf("flow %q imported", doc.Label),
		FlowID:  doc.ID,
	}
}

// ImportFlowFile imports a flow document from disk; satisfies the view
// pipeline's post-build hook.
func (m *Manager) ImportFlowFile(ctx context.Context, sessionID, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read flow document: %w", err)
	}
	if res := m.ImportFlow(ctx, sessionID, data); !res.Success {
		return fmt.Errorf("import flow: %s", res.Message)
	}
	return nil
}

// DeleteFlow removes the tab and every node parented to it, redeploying
// only when something was actually removed.
func (m *Manager) DeleteFlow(ctx context.Context, flowID string) Result {
	if !netutil.IsPortLive(m.cfg.Port) {
		return Result{Success: false, Message: "flow editor not running"}
	}

	existing, err := m.fetchFlows(ctx)
	if err != nil {
		return Result{Success: false, Message: err.Error()}
	}

	filtered := make([]map[string]any, 0, len(existing))
	for _, f := range existing {
		if f["id"] == flowID || f["z"] == flowID {
			continue
		}
		filtered = append(filtered, f)
	}

	removed := len(existing) - len(filtered)
	if removed == 0 {
		return Result{Success: true, Message: fmt.Sprintf("flow %s not found (nothing to delete)", flowID)}
	}

	if err := m.deployFlows(ctx, filtered); err != nil {
		return Result{Success: false, Message: err.Error()}
	}
	return Result{
		Success: true,
		Message: fmt.Sprintf("flow %s deleted", flowID),
		Removed: removed,
	}
}

func (m *Manager) fetchFlows(ctx context.Context) ([]map[string]any, error) {
	var flows []map[string]any
	resp, err := m.http.R().
		SetContext(ctx).
		SetResult(&flows).
		Get("/flow/flows")
	if err != nil {
		return nil, fmt.Errorf("cannot reach flow editor: %w", err)
	}
	if resp.IsError() {
		return nil, fmt.Errorf("fetch flows: status %d", resp.StatusCode())
	}
	return flows, nil
}

func (m *Manager) deployFlows(ctx context.Context, flows []map[string]any) error {
	resp, err := m.http.R().
		SetContext(ctx).
		SetHeader("Content-Type", "application/json").
		SetHeader("Node-RED-Deployment-Type", "flows").
		SetBody(flows).
		Post("/flow/flows")
	if err != nil {
		return fmt.Errorf("cannot reach flow editor: %w", err)
	}
	if resp.StatusCode() != 200 && resp.StatusCode() != 204 {
		return fmt.Errorf("deploy rejected: status %d", resp.StatusCode())
	}
	return nil
}

func (m *Manager) resolveCommand() []string {
	if m.cfg.LocalBin != "" {
		if _, err := os.Stat(m.cfg.LocalBin); err == nil {
			return []string{m.cfg.LocalBin}
		}
	}
	if path, err := exec.LookPath("node-red"); err == nil {
		return []string{path}
	}
	if _, err := exec.LookPath("npx"); err == nil {
		return []string{"npx", "node-red"}
	}
	return nil
}

// ensureSettings writes the settings file once; an existing file is never
// overwritten so operator edits survive restarts.
func (m *Manager) ensureSettings() error {
	if err := os.MkdirAll(m.cfg.UserDir, 0o755); err != nil {
		return fmt.Errorf("editor user dir: %w", err)
	}
	path := filepath.Join(m.cfg.UserDir, "settings.js")
	if _, err := os.Stat(path); err == nil {
		return nil
	}
	content := fmt.Sprintf(settingsTemplate, m.cfg.Port)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		return fmt.Errorf("write editor settings: %w", err)
	}
	return nil
}
