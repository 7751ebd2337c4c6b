package session

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/StudioForgeAI/AgentStudio/backend/internal/logging"
	"github.com/StudioForgeAI/AgentStudio/backend/internal/shared/id"
	"go.uber.org/zap"
)

// defaultModel is used when a creation request or an orphan recovery has
// no model to go on.
const fallbackModel = "claude-sonnet-4-5"

// recoveryPrompt is the synthesized system prompt for orphaned working
// directories whose original configuration is unrecoverable.
const recoveryPrompt = "You are resuming work in an existing project workspace. " +
	"Inspect the files before making changes."

// ManagerConfig carries the filesystem layout the manager owns.
type ManagerConfig struct {
	// Root is the workspace root; each session gets Root/<id>.
	Root string
	// TemplateDir is copied into every new working directory when set.
	TemplateDir string
	// LegacyPath points at the old flat-file record store, migrated once.
	LegacyPath string
	// DefaultModel is assigned when a creation request names none.
	DefaultModel string
}

// Manager owns the in-memory session registry and its lifecycle
// transitions, delegating durability to the Store.
//
// One mutex guards the registry. The lock is held for map and field
// updates only; directory provisioning, deletion, and store I/O run
// outside the critical section where ordering allows.
type Manager struct {
	mu       sync.Mutex
	sessions map[string]*Session

	store Store
	cfg   ManagerConfig
	log   *logging.Logger

	// flowCleanup, when set, removes the session's flow-editor document on
	// deletion. Best effort: failures are logged, never fatal.
	flowCleanup func(ctx context.Context, sessionID string) error
}

// NewManager creates a session manager. Call Startup before serving.
func NewManager(store Store, cfg ManagerConfig, log *logging.Logger) *Manager {
	if cfg.DefaultModel == "" {
		cfg.DefaultModel = fallbackModel
	}
	return &Manager{
		sessions: make(map[string]*Session),
		store:    store,
		cfg:      cfg,
		log:      log,
	}
}

// SetFlowCleanup wires the flow-editor document removal hook.
func (m *Manager) SetFlowCleanup(fn func(ctx context.Context, sessionID string) error) {
	m.flowCleanup = fn
}

// Startup restores state from a previous run: migrates legacy flat-file
// records, loads durable records (skipping ones whose directory is gone,
// forcing Busy and Closed back to Active), then synthesizes records for
// orphaned directories so no workspace is silently unreachable.
func (m *Manager) Startup(ctx context.Context) error {
	if err := os.MkdirAll(m.cfg.Root, 0o755); err != nil {
		return fmt.Errorf("workspace root: %w", err)
	}

	if err := m.migrateLegacy(ctx); err != nil {
		// Migration trouble must not block startup; records still in the
		// legacy file will be retried next run.
		m.log.Warn("legacy migration failed", zap.Error(err))
	}

	records, err := m.store.List(ctx, true)
	if err != nil {
		return fmt.Errorf("load sessions: %w", err)
	}

	loaded := 0
	var recovered []string
	m.mu.Lock()
	for _, s := range records {
		if _, err := os.Stat(s.WorkingDir); err != nil {
			m.log.Warn("skipping session with missing working directory",
				zap.String("session_id", s.ID), zap.String("dir", s.WorkingDir))
			continue
		}
		// A prior run's agent connection cannot survive a restart, and a
		// closed session should stay reachable.
		if s.Status == StatusBusy || s.Status == StatusClosed {
			s.Status = StatusActive
			s.BusySince = nil
			recovered = append(recovered, s.ID)
		}
		m.sessions[s.ID] = s
		loaded++
	}
	m.mu.Unlock()

	for _, sid := range recovered {
		if err := m.store.SetStatus(ctx, sid, StatusActive, nil); err != nil {
			m.log.Warn("persisting recovered status", zap.String("session_id", sid), zap.Error(err))
		}
	}

	orphans := m.adoptOrphans(ctx)
	m.log.Info("session state restored",
		zap.Int("loaded", loaded),
		zap.Int("recovered", len(recovered)),
		zap.Int("orphans", orphans))
	return nil
}

// Create provisions a fresh session: unique id, isolated directory,
// template files, durable record. Ids are never reused.
func (m *Manager) Create(ctx context.Context, cfg Config) (*Session, error) {
	sid := id.NewSessionID().String()
	dir := filepath.Join(m.cfg.Root, sid)

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("provision working directory: %w", err)
	}
	if m.cfg.TemplateDir != "" {
		if err := copyTree(m.cfg.TemplateDir, dir); err != nil {
			m.log.Warn("template copy incomplete", zap.String("session_id", sid), zap.Error(err))
		}
	}

	model := cfg.Model
	if model == "" {
		model = m.cfg.DefaultModel
	}
	now := time.Now()
	s := &Session{
		ID:           sid,
		WorkingDir:   dir,
		Status:       StatusActive,
		CreatedAt:    now,
		LastActivity: now,
		DisplayName:  cfg.DisplayName,
		Model:        model,
		SystemPrompt: cfg.SystemPrompt,
		AllowedTools: append([]string(nil), cfg.AllowedTools...),
	}

	if err := m.store.Upsert(ctx, s); err != nil {
		os.RemoveAll(dir)
		return nil, fmt.Errorf("persist session: %w", err)
	}

	m.mu.Lock()
	m.sessions[sid] = s
	m.mu.Unlock()

	m.log.Info("session created", zap.String("session_id", sid), zap.String("model", model))
	return s.Clone(), nil
}

// Get returns a snapshot of one session.
func (m *Manager) Get(sid string) (*Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[sid]
	if !ok {
		return nil, false
	}
	return s.Clone(), true
}

// List returns snapshots of all sessions, oldest first.
func (m *Manager) List(includeClosed bool) []*Session {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		if !includeClosed && s.Status == StatusClosed {
			continue
		}
		out = append(out, s.Clone())
	}
	sortByCreation(out)
	return out
}

// Close marks the session Closed. The directory stays on disk.
func (m *Manager) Close(ctx context.Context, sid string) error {
	m.mu.Lock()
	s, ok := m.sessions[sid]
	if !ok {
		m.mu.Unlock()
		return ErrNotFound
	}
	s.Status = StatusClosed
	s.BusySince = nil
	m.mu.Unlock()

	return m.store.SetStatus(ctx, sid, StatusClosed, nil)
}

// Delete removes the session from registry and store, optionally deleting
// the working directory. Flow-editor cleanup is best effort.
func (m *Manager) Delete(ctx context.Context, sid string, deleteDirectory bool) error {
	m.mu.Lock()
	s, ok := m.sessions[sid]
	if !ok {
		m.mu.Unlock()
		return ErrNotFound
	}
	dir := s.WorkingDir
	delete(m.sessions, sid)
	m.mu.Unlock()

	if err := m.store.Delete(ctx, sid); err != nil {
		return fmt.Errorf("delete session record: %w", err)
	}

	if m.flowCleanup != nil {
		if err := m.flowCleanup(ctx, sid); err != nil {
			m.log.Warn("flow cleanup failed", zap.String("session_id", sid), zap.Error(err))
		}
	}

	if deleteDirectory {
		if err := os.RemoveAll(dir); err != nil {
			m.log.Warn("working directory removal failed", zap.String("dir", dir), zap.Error(err))
		}
	}

	m.log.Info("session deleted", zap.String("session_id", sid), zap.Bool("dir_removed", deleteDirectory))
	return nil
}

// Recover is the manual escape hatch: forces the session back to Active
// and optionally discards the continuation token.
func (m *Manager) Recover(ctx context.Context, sid string, resetContinuation bool) error {
	m.mu.Lock()
	s, ok := m.sessions[sid]
	if !ok {
		m.mu.Unlock()
		return ErrNotFound
	}
	s.Status = StatusActive
	s.BusySince = nil
	if resetContinuation {
		s.ContinuationToken = ""
	}
	m.mu.Unlock()

	if err := m.store.SetStatus(ctx, sid, StatusActive, nil); err != nil {
		return err
	}
	if resetContinuation {
		return m.store.SetContinuationToken(ctx, sid, "")
	}
	return nil
}

// BeginTurn acquires the per-session execution lock: Active or Idle moves
// to Busy; a Busy session is rejected immediately (fail fast, never
// queued) and a Closed one is not writable.
func (m *Manager) BeginTurn(ctx context.Context, sid string) (*Session, error) {
	m.mu.Lock()
	s, ok := m.sessions[sid]
	if !ok {
		m.mu.Unlock()
		return nil, ErrNotFound
	}
	switch s.Status {
	case StatusBusy:
		m.mu.Unlock()
		return nil, ErrBusy
	case StatusClosed:
		m.mu.Unlock()
		return nil, ErrClosed
	}
	now := time.Now()
	s.Status = StatusBusy
	s.BusySince = &now
	s.LastActivity = now
	snap := s.Clone()
	m.mu.Unlock()

	if err := m.store.SetStatus(ctx, sid, StatusBusy, &now); err != nil {
		m.log.Warn("persisting busy status", zap.String("session_id", sid), zap.Error(err))
	}
	return snap, nil
}

// EndTurn releases the execution lock. Always called, on every exit path
// of a turn, so Busy can never outlive its invocation.
func (m *Manager) EndTurn(ctx context.Context, sid string) {
	m.mu.Lock()
	s, ok := m.sessions[sid]
	wasBusy := ok && s.Status == StatusBusy
	if wasBusy {
		s.Status = StatusActive
		s.BusySince = nil
		s.LastActivity = time.Now()
	}
	m.mu.Unlock()
	// Only a Busy session was holding the lock; a session closed mid-turn
	// must not be flipped back to Active in the store.
	if !wasBusy {
		return
	}
	if err := m.store.SetStatus(ctx, sid, StatusActive, nil); err != nil {
		m.log.Warn("persisting active status", zap.String("session_id", sid), zap.Error(err))
	}
}

// RecoverStuckBusy forces any session Busy longer than maxAge back to
// Active. Guards against a crashed in-flight call holding the lock
// forever. Returns the number of sessions recovered.
func (m *Manager) RecoverStuckBusy(ctx context.Context, maxAge time.Duration) int {
	cutoff := time.Now().Add(-maxAge)

	m.mu.Lock()
	var stuck []string
	for _, s := range m.sessions {
		if s.Status == StatusBusy && s.BusySince != nil && s.BusySince.Before(cutoff) {
			s.Status = StatusActive
			s.BusySince = nil
			stuck = append(stuck, s.ID)
		}
	}
	m.mu.Unlock()

	for _, sid := range stuck {
		m.log.Warn("recovered stuck busy session", zap.String("session_id", sid))
		if err := m.store.SetStatus(ctx, sid, StatusActive, nil); err != nil {
			m.log.Warn("persisting recovered status", zap.String("session_id", sid), zap.Error(err))
		}
	}
	return len(stuck)
}

// MarkIdleIfInactive downgrades long-inactive Active sessions to Idle.
// Returns the number downgraded.
func (m *Manager) MarkIdleIfInactive(ctx context.Context, maxAge time.Duration) int {
	cutoff := time.Now().Add(-maxAge)

	m.mu.Lock()
	var idle []string
	for _, s := range m.sessions {
		if s.Status == StatusActive && s.LastActivity.Before(cutoff) {
			s.Status = StatusIdle
			idle = append(idle, s.ID)
		}
	}
	m.mu.Unlock()

	for _, sid := range idle {
		if err := m.store.SetStatus(ctx, sid, StatusIdle, nil); err != nil {
			m.log.Warn("persisting idle status", zap.String("session_id", sid), zap.Error(err))
		}
	}
	return len(idle)
}

// AppendMessage appends one transcript entry and bumps activity.
func (m *Manager) AppendMessage(ctx context.Context, sid string, msg Message) error {
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now()
	}

	m.mu.Lock()
	s, ok := m.sessions[sid]
	if !ok {
		m.mu.Unlock()
		return ErrNotFound
	}
	s.Messages = append(s.Messages, msg)
	s.LastActivity = msg.Timestamp
	m.mu.Unlock()

	return m.store.AppendMessage(ctx, sid, msg)
}

// History returns a transcript page and the total message count.
func (m *Manager) History(sid string, offset, limit int) ([]Message, int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[sid]
	if !ok {
		return nil, 0, ErrNotFound
	}
	total := len(s.Messages)
	if offset < 0 {
		offset = 0
	}
	if offset > total {
		offset = total
	}
	end := total
	if limit > 0 && offset+limit < total {
		end = offset + limit
	}
	page := append([]Message(nil), s.Messages[offset:end]...)
	return page, total, nil
}

// ClearHistory wipes the transcript but keeps the session.
func (m *Manager) ClearHistory(ctx context.Context, sid string) error {
	m.mu.Lock()
	s, ok := m.sessions[sid]
	if !ok {
		m.mu.Unlock()
		return ErrNotFound
	}
	s.Messages = nil
	s.ContinuationToken = ""
	m.mu.Unlock()

	if err := m.store.ClearMessages(ctx, sid); err != nil {
		return err
	}
	return m.store.SetContinuationToken(ctx, sid, "")
}

// SetContinuationToken records the agent's resume token.
func (m *Manager) SetContinuationToken(ctx context.Context, sid, token string) error {
	m.mu.Lock()
	s, ok := m.sessions[sid]
	if ok {
		s.ContinuationToken = token
	}
	m.mu.Unlock()
	if !ok {
		return ErrNotFound
	}
	return m.store.SetContinuationToken(ctx, sid, token)
}

// SetDisplayName updates the human-facing name.
func (m *Manager) SetDisplayName(ctx context.Context, sid, name string) error {
	m.mu.Lock()
	s, ok := m.sessions[sid]
	if ok {
		s.DisplayName = name
	}
	m.mu.Unlock()
	if !ok {
		return ErrNotFound
	}
	return m.store.SetDisplayName(ctx, sid, name)
}

// Touch bumps last activity without any other change.
func (m *Manager) Touch(ctx context.Context, sid string) error {
	now := time.Now()
	m.mu.Lock()
	s, ok := m.sessions[sid]
	if ok {
		s.LastActivity = now
	}
	m.mu.Unlock()
	if !ok {
		return ErrNotFound
	}
	return m.store.TouchActivity(ctx, sid, now)
}

// Count returns registry sizes for metrics.
func (m *Manager) Count() (total, busy int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, s := range m.sessions {
		if s.Status == StatusBusy {
			busy++
		}
	}
	return len(m.sessions), busy
}

// migrateLegacy imports the old flat-file record map exactly once. Already
// migrated ids are skipped; the file is renamed afterwards so a replayed
// startup is a no-op.
func (m *Manager) migrateLegacy(ctx context.Context) error {
	path := m.cfg.LegacyPath
	if path == "" {
		return nil
	}
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return err
	}

	var records map[string]*Session
	if err := json.Unmarshal(data, &records); err != nil {
		return fmt.Errorf("parse legacy records: %w", err)
	}

	migrated := 0
	for sid, s := range records {
		if _, ok, err := m.store.Get(ctx, sid); err != nil || ok {
			continue
		}
		s.ID = sid
		if err := m.store.Upsert(ctx, s); err != nil {
			m.log.Warn("legacy record skipped", zap.String("session_id", sid), zap.Error(err))
			continue
		}
		migrated++
	}

	if err := os.Rename(path, path+".migrated"); err != nil {
		return fmt.Errorf("retire legacy file: %w", err)
	}
	m.log.Info("legacy sessions migrated", zap.Int("count", migrated))
	return nil
}

// adoptOrphans synthesizes records for directories with no durable record.
// Heuristic by nature: the original model and prompt are unrecoverable, so
// defaults are assigned and the name flags the session as recovered.
func (m *Manager) adoptOrphans(ctx context.Context) int {
	entries, err := os.ReadDir(m.cfg.Root)
	if err != nil {
		m.log.Warn("orphan scan failed", zap.Error(err))
		return 0
	}

	adopted := 0
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		sid := e.Name()

		m.mu.Lock()
		_, known := m.sessions[sid]
		m.mu.Unlock()
		if known {
			continue
		}

		dir := filepath.Join(m.cfg.Root, sid)
		created := time.Now()
		if info, err := e.Info(); err == nil {
			created = info.ModTime()
		}
		s := &Session{
			ID:           sid,
			WorkingDir:   dir,
			Status:       StatusActive,
			CreatedAt:    created,
			LastActivity: created,
			DisplayName:  sid + " (recovered)",
			Model:        m.cfg.DefaultModel,
			SystemPrompt: recoveryPrompt,
		}
		if err := m.store.Upsert(ctx, s); err != nil {
			m.log.Warn("orphan adoption failed", zap.String("session_id", sid), zap.Error(err))
			continue
		}

		m.mu.Lock()
		m.sessions[sid] = s
		m.mu.Unlock()
		adopted++
		m.log.Info("adopted orphaned working directory", zap.String("session_id", sid))
	}
	return adopted
}

func sortByCreation(sessions []*Session) {
	sort.Slice(sessions, func(i, j int) bool {
		return sessions[i].CreatedAt.Before(sessions[j].CreatedAt)
	})
}

// copyTree copies src into dst recursively. Individual file failures are
// returned but callers treat them as non-fatal.
func copyTree(src, dst string) error {
	return filepath.WalkDir(src, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		target := filepath.Join(dst, rel)
		if d.IsDir() {
			return os.MkdirAll(target, 0o755)
		}
		in, err := os.Open(path)
		if err != nil {
			return err
		}
		defer in.Close()
		out, err := os.Create(target)
		if err != nil {
			return err
		}
		defer out.Close()
		_, err = io.Copy(out, in)
		return err
	})
}
