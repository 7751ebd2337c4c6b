package session

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/StudioForgeAI/AgentStudio/backend/internal/logging"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// memStore is an in-memory Store for manager tests.
type memStore struct {
	mu      sync.Mutex
	records map[string]*Session
}

func newMemStore() *memStore {
	return &memStore{records: make(map[string]*Session)}
}

func (m *memStore) Upsert(_ context.Context, s *Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records[s.ID] = s.Clone()
	return nil
}

func (m *memStore) Get(_ context.Context, id string) (*Session, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.records[id]
	if !ok {
		return nil, false, nil
	}
	return s.Clone(), true, nil
}

func (m *memStore) List(_ context.Context, includeClosed bool) ([]*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*Session
	for _, s := range m.records {
		if !includeClosed && s.Status == StatusClosed {
			continue
		}
		out = append(out, s.Clone())
	}
	return out, nil
}

func (m *memStore) Delete(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.records, id)
	return nil
}

func (m *memStore) AppendMessage(_ context.Context, id string, msg Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.records[id]
	if !ok {
		return ErrNotFound
	}
	s.Messages = append(s.Messages, msg)
	s.LastActivity = msg.Timestamp
	return nil
}

func (m *memStore) ClearMessages(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.records[id]; ok {
		s.Messages = nil
	}
	return nil
}

func (m *memStore) SetStatus(_ context.Context, id string, status Status, busySince *time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.records[id]; ok {
		s.Status = status
		s.BusySince = busySince
	}
	return nil
}

func (m *memStore) SetContinuationToken(_ context.Context, id, token string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.records[id]; ok {
		s.ContinuationToken = token
	}
	return nil
}

func (m *memStore) SetDisplayName(_ context.Context, id, name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.records[id]; ok {
		s.DisplayName = name
	}
	return nil
}

func (m *memStore) TouchActivity(_ context.Context, id string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.records[id]; ok {
		s.LastActivity = at
	}
	return nil
}

func (m *memStore) Close() error { return nil }

func newTestManager(t *testing.T) (*Manager, *memStore) {
	t.Helper()
	store := newMemStore()
	mgr := NewManager(store, ManagerConfig{
		Root:         t.TempDir(),
		DefaultModel: "test-model",
	}, logging.NewDevelopment())
	require.NoError(t, mgr.Startup(context.Background()))
	return mgr, store
}

func TestCreateProvisionsDirectory(t *testing.T) {
	mgr, store := newTestManager(t)

	s, err := mgr.Create(context.Background(), Config{DisplayName: "demo"})
	require.NoError(t, err)

	assert.Equal(t, StatusActive, s.Status)
	assert.Equal(t, "test-model", s.Model)
	assert.DirExists(t, s.WorkingDir)

	persisted, ok, err := store.Get(context.Background(), s.ID)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "demo", persisted.DisplayName)
}

func TestCreateNeverReusesIDs(t *testing.T) {
	mgr, _ := newTestManager(t)

	seen := make(map[string]bool)
	for i := 0; i < 10; i++ {
		s, err := mgr.Create(context.Background(), Config{})
		require.NoError(t, err)
		assert.False(t, seen[s.ID])
		seen[s.ID] = true
	}
}

func TestListExcludesClosed(t *testing.T) {
	mgr, _ := newTestManager(t)
	ctx := context.Background()

	a, _ := mgr.Create(ctx, Config{})
	b, _ := mgr.Create(ctx, Config{})
	require.NoError(t, mgr.Close(ctx, b.ID))

	open := mgr.List(false)
	require.Len(t, open, 1)
	assert.Equal(t, a.ID, open[0].ID)

	assert.Len(t, mgr.List(true), 2)
}

func TestBeginTurnFailsFastWhenBusy(t *testing.T) {
	mgr, _ := newTestManager(t)
	ctx := context.Background()

	s, _ := mgr.Create(ctx, Config{})

	_, err := mgr.BeginTurn(ctx, s.ID)
	require.NoError(t, err)

	_, err = mgr.BeginTurn(ctx, s.ID)
	assert.ErrorIs(t, err, ErrBusy)

	mgr.EndTurn(ctx, s.ID)
	_, err = mgr.BeginTurn(ctx, s.ID)
	assert.NoError(t, err)
}

func TestBeginTurnRejectsClosed(t *testing.T) {
	mgr, _ := newTestManager(t)
	ctx := context.Background()

	s, _ := mgr.Create(ctx, Config{})
	require.NoError(t, mgr.Close(ctx, s.ID))

	_, err := mgr.BeginTurn(ctx, s.ID)
	assert.ErrorIs(t, err, ErrClosed)
}

func TestRecoverStuckBusy(t *testing.T) {
	mgr, _ := newTestManager(t)
	ctx := context.Background()

	s, _ := mgr.Create(ctx, Config{})
	_, err := mgr.BeginTurn(ctx, s.ID)
	require.NoError(t, err)

	// Fresh busy session is under the threshold: untouched.
	assert.Equal(t, 0, mgr.RecoverStuckBusy(ctx, 30*time.Minute))
	got, _ := mgr.Get(s.ID)
	assert.Equal(t, StatusBusy, got.Status)

	// Backdate the busy mark to simulate a crashed in-flight call.
	old := time.Now().Add(-time.Hour)
	mgr.mu.Lock()
	mgr.sessions[s.ID].BusySince = &old
	mgr.mu.Unlock()

	assert.Equal(t, 1, mgr.RecoverStuckBusy(ctx, 30*time.Minute))
	got, _ = mgr.Get(s.ID)
	assert.Equal(t, StatusActive, got.Status)
	assert.Nil(t, got.BusySince)
}

func TestMarkIdleIfInactive(t *testing.T) {
	mgr, _ := newTestManager(t)
	ctx := context.Background()

	s, _ := mgr.Create(ctx, Config{})

	assert.Equal(t, 0, mgr.MarkIdleIfInactive(ctx, time.Hour))

	mgr.mu.Lock()
	mgr.sessions[s.ID].LastActivity = time.Now().Add(-2 * time.Hour)
	mgr.mu.Unlock()

	assert.Equal(t, 1, mgr.MarkIdleIfInactive(ctx, time.Hour))
	got, _ := mgr.Get(s.ID)
	assert.Equal(t, StatusIdle, got.Status)
}

func TestDeleteRemovesDirectoryAndRunsFlowCleanup(t *testing.T) {
	mgr, store := newTestManager(t)
	ctx := context.Background()

	var cleaned []string
	mgr.SetFlowCleanup(func(_ context.Context, sid string) error {
		cleaned = append(cleaned, sid)
		return nil
	})

	s, _ := mgr.Create(ctx, Config{})
	require.NoError(t, mgr.Delete(ctx, s.ID, true))

	assert.NoDirExists(t, s.WorkingDir)
	assert.Equal(t, []string{s.ID}, cleaned)
	_, ok, _ := store.Get(ctx, s.ID)
	assert.False(t, ok)

	assert.ErrorIs(t, mgr.Delete(ctx, s.ID, true), ErrNotFound)
}

func TestStartupRecoversBusyAndClosed(t *testing.T) {
	root := t.TempDir()
	store := newMemStore()
	ctx := context.Background()

	now := time.Now()
	for _, tc := range []struct {
		id     string
		status Status
	}{
		{"sess_busy", StatusBusy},
		{"sess_closed", StatusClosed},
		{"sess_idle", StatusIdle},
	} {
		dir := filepath.Join(root, tc.id)
		require.NoError(t, os.MkdirAll(dir, 0o755))
		require.NoError(t, store.Upsert(ctx, &Session{
			ID: tc.id, WorkingDir: dir, Status: tc.status,
			CreatedAt: now, LastActivity: now, BusySince: &now,
		}))
	}
	// Record whose directory vanished must not load.
	require.NoError(t, store.Upsert(ctx, &Session{
		ID: "sess_gone", WorkingDir: filepath.Join(root, "sess_gone"),
		Status: StatusActive, CreatedAt: now, LastActivity: now,
	}))

	mgr := NewManager(store, ManagerConfig{Root: root}, logging.NewDevelopment())
	require.NoError(t, mgr.Startup(ctx))

	for _, id := range []string{"sess_busy", "sess_closed"} {
		s, ok := mgr.Get(id)
		require.True(t, ok, id)
		assert.Equal(t, StatusActive, s.Status, id)
		assert.Nil(t, s.BusySince, id)
	}
	s, ok := mgr.Get("sess_idle")
	require.True(t, ok)
	assert.Equal(t, StatusIdle, s.Status)

	_, ok = mgr.Get("sess_gone")
	assert.False(t, ok)
}

func TestStartupAdoptsOrphans(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(root, "sess_orphan"), 0o755))

	mgr := NewManager(newMemStore(), ManagerConfig{Root: root, DefaultModel: "m1"},
		logging.NewDevelopment())
	require.NoError(t, mgr.Startup(context.Background()))

	s, ok := mgr.Get("sess_orphan")
	require.True(t, ok)
	assert.Equal(t, StatusActive, s.Status)
	assert.Equal(t, "m1", s.Model)
	assert.Contains(t, s.DisplayName, "recovered")
	assert.NotEmpty(t, s.SystemPrompt)
}

func TestLegacyMigrationRunsOnce(t *testing.T) {
	root := t.TempDir()
	legacy := filepath.Join(root, "sessions.json")
	dir := filepath.Join(root, "ws", "sess_old")
	require.NoError(t, os.MkdirAll(dir, 0o755))

	records := map[string]*Session{
		"sess_old": {
			ID: "sess_old", WorkingDir: dir, Status: StatusActive,
			CreatedAt: time.Now(), LastActivity: time.Now(),
			Messages: []Message{{Role: "user", Content: "hi", Timestamp: time.Now()}},
		},
	}
	data, err := json.Marshal(records)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(legacy, data, 0o644))

	store := newMemStore()
	cfg := ManagerConfig{Root: filepath.Join(root, "ws"), LegacyPath: legacy}

	mgr := NewManager(store, cfg, logging.NewDevelopment())
	require.NoError(t, mgr.Startup(context.Background()))

	s, ok := mgr.Get("sess_old")
	require.True(t, ok)
	require.Len(t, s.Messages, 1)

	// Legacy file retired; a second startup must not duplicate anything.
	assert.NoFileExists(t, legacy)
	mgr2 := NewManager(store, cfg, logging.NewDevelopment())
	require.NoError(t, mgr2.Startup(context.Background()))
	s2, ok := mgr2.Get("sess_old")
	require.True(t, ok)
	assert.Len(t, s2.Messages, 1)
}

func TestHistoryPagination(t *testing.T) {
	mgr, _ := newTestManager(t)
	ctx := context.Background()

	s, _ := mgr.Create(ctx, Config{})
	for i := 0; i < 5; i++ {
		require.NoError(t, mgr.AppendMessage(ctx, s.ID, Message{Role: "user", Content: "m"}))
	}

	page, total, err := mgr.History(s.ID, 1, 2)
	require.NoError(t, err)
	assert.Equal(t, 5, total)
	assert.Len(t, page, 2)

	page, _, err = mgr.History(s.ID, 4, 10)
	require.NoError(t, err)
	assert.Len(t, page, 1)

	_, _, err = mgr.History("nope", 0, 0)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestClearHistoryResetsContinuation(t *testing.T) {
	mgr, _ := newTestManager(t)
	ctx := context.Background()

	s, _ := mgr.Create(ctx, Config{})
	require.NoError(t, mgr.AppendMessage(ctx, s.ID, Message{Role: "user", Content: "hi"}))
	require.NoError(t, mgr.SetContinuationToken(ctx, s.ID, "tok"))

	require.NoError(t, mgr.ClearHistory(ctx, s.ID))

	got, _ := mgr.Get(s.ID)
	assert.Empty(t, got.Messages)
	assert.Empty(t, got.ContinuationToken)
}

func TestEndTurnKeepsClosedStatus(t *testing.T) {
	mgr, store := newTestManager(t)
	ctx := context.Background()

	s, err := mgr.Create(ctx, Config{})
	require.NoError(t, err)

	_, err = mgr.BeginTurn(ctx, s.ID)
	require.NoError(t, err)
	require.NoError(t, mgr.Close(ctx, s.ID))

	// The turn ends after the session was closed out from under it; the
	// release must not resurrect the session in memory or in the store.
	mgr.EndTurn(ctx, s.ID)

	got, ok := mgr.Get(s.ID)
	require.True(t, ok)
	assert.Equal(t, StatusClosed, got.Status)

	stored, ok, err := store.Get(ctx, s.ID)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, StatusClosed, stored.Status)
}
