package flow

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/StudioForgeAI/AgentStudio/backend/internal/logging"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// stubEditor mimics the editor's flow admin API: GET returns the current
// document set, POST replaces it.
type stubEditor struct {
	mu    sync.Mutex
	flows []map[string]any
}

func (s *stubEditor) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/flow/flows", func(w http.ResponseWriter, r *http.Request) {
		s.mu.Lock()
		defer s.mu.Unlock()
		switch r.Method {
		case http.MethodGet:
			w.Header().Set("Content-Type", "application/json")
			_ = json.NewEncoder(w).Encode(s.flows)
		case http.MethodPost:
			if r.Header.Get("Node-RED-Deployment-Type") != "flows" {
				w.WriteHeader(http.StatusBadRequest)
				return
			}
			var incoming []map[string]any
			if err := json.NewDecoder(r.Body).Decode(&incoming); err != nil {
				w.WriteHeader(http.StatusBadRequest)
				return
			}
			s.flows = incoming
			w.WriteHeader(http.StatusNoContent)
		default:
			w.WriteHeader(http.StatusMethodNotAllowed)
		}
	})
	return mux
}

func (s *stubEditor) snapshot() []map[string]any {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]map[string]any, len(s.flows))
	copy(out, s.flows)
	return out
}

func newStubManager(t *testing.T) (*Manager, *stubEditor) {
	t.Helper()
	stub := &stubEditor{}
	ts := httptest.NewServer(stub.handler())
	t.Cleanup(ts.Close)

	port := ts.Listener.Addr().(*net.TCPAddr).Port
	m := NewManager(Config{Port: port, UserDir: t.TempDir()}, logging.NewDevelopment())
	return m, stub
}

func TestParseDocumentObjectForm(t *testing.T) {
	doc, err := parseDocument([]byte(`{"id":"f1","label":"My Flow","nodes":[{"id":"n1","type":"inject"}]}`), "sess_x")
	require.NoError(t, err)
	assert.Equal(t, "f1", doc.ID)
	assert.Equal(t, "My Flow", doc.Label)
	require.Len(t, doc.Nodes, 1)
}

func TestParseDocumentBareListDefaults(t *testing.T) {
	doc, err := parseDocument([]byte(`[{"id":"n1"},{"id":"n2"}]`), "sess_0123456789")
	require.NoError(t, err)
	assert.Equal(t, "sess_0123456789", doc.ID)
	assert.Equal(t, "Session sess_012", doc.Label)
	assert.Len(t, doc.Nodes, 2)
}

func TestParseDocumentInvalid(t *testing.T) {
	_, err := parseDocument([]byte(`not json`), "sess_x")
	assert.Error(t, err)
}

func TestAdoptExternalInstance(t *testing.T) {
	m, _ := newStubManager(t)

	srv, err := m.Start(context.Background())
	require.NoError(t, err)
	assert.Equal(t, StatusRunning, srv.Status)
	assert.False(t, srv.Managed)
}

func TestStopLeavesUnmanagedProcessAlive(t *testing.T) {
	m, _ := newStubManager(t)

	_, err := m.Start(context.Background())
	require.NoError(t, err)

	assert.True(t, m.Stop())

	srv, ok := m.Status()
	require.True(t, ok)
	assert.Equal(t, StatusStopped, srv.Status)
}

func TestStatusSynthesizesUnmanagedRecord(t *testing.T) {
	m, _ := newStubManager(t)

	// No Start call: the record is discovered from the live port.
	srv, ok := m.Status()
	require.True(t, ok)
	assert.Equal(t, StatusRunning, srv.Status)
	assert.False(t, srv.Managed)
}

func TestStatusWithNothingListening(t *testing.T) {
	m := NewManager(Config{Port: 1, UserDir: t.TempDir()}, logging.NewDevelopment())

	_, ok := m.Status()
	assert.False(t, ok)
}

func TestImportThenDeleteRestoresDocumentSet(t *testing.T) {
	m, stub := newStubManager(t)
	stub.flows = []map[string]any{
		{"id": "other", "type": "tab", "label": "Other"},
		{"id": "on1", "type": "inject", "z": "other"},
	}
	before := stub.snapshot()

	res := m.ImportFlow(context.Background(), "sess_rt", []byte(`{"id":"f_rt","label":"RT","nodes":[{"id":"n1","type":"debug"}]}`))
	require.True(t, res.Success, res.Message)
	assert.Equal(t, "f_rt", res.FlowID)

	after := stub.snapshot()
	require.Len(t, after, 4)
	assert.Equal(t, "tab", after[2]["type"])
	assert.Equal(t, "RT", after[2]["label"])
	assert.Equal(t, "f_rt", after[3]["z"], "imported nodes are re-parented to the tab")

	res = m.DeleteFlow(context.Background(), "f_rt")
	require.True(t, res.Success, res.Message)
	assert.Equal(t, 2, res.Removed)
	assert.Equal(t, before, stub.snapshot())
}

func TestImportReplacesSameID(t *testing.T) {
	m, stub := newStubManager(t)

	res := m.ImportFlow(context.Background(), "sess_dup", []byte(`{"id":"f1","nodes":[{"id":"n1"}]}`))
	require.True(t, res.Success, res.Message)
	res = m.ImportFlow(context.Background(), "sess_dup", []byte(`{"id":"f1","nodes":[{"id":"n2"}]}`))
	require.True(t, res.Success, res.Message)

	after := stub.snapshot()
	require.Len(t, after, 2, "re-import replaces instead of duplicating")
	assert.Equal(t, "n2", after[1]["id"])
}

func TestDeleteNothingToDo(t *testing.T) {
	m, stub := newStubManager(t)
	stub.flows = []map[string]any{{"id": "keep", "type": "tab"}}

	res := m.DeleteFlow(context.Background(), "f_absent")
	assert.True(t, res.Success)
	assert.Zero(t, res.Removed)
	assert.Contains(t, res.Message, "nothing to delete")
	assert.Len(t, stub.snapshot(), 1)
}

func TestDeleteWithEditorDown(t *testing.T) {
	m := NewManager(Config{Port: 1, UserDir: t.TempDir()}, logging.NewDevelopment())

	res := m.DeleteFlow(context.Background(), "f1")
	assert.False(t, res.Success)
}

func TestImportFlowFile(t *testing.T) {
	m, stub := newStubManager(t)

	path := filepath.Join(t.TempDir(), "flow.json")
	require.NoError(t, os.WriteFile(path, []byte(`[{"id":"n1","type":"debug"}]`), 0o644))

	require.NoError(t, m.ImportFlowFile(context.Background(), "sess_file", path))
	after := stub.snapshot()
	require.Len(t, after, 2)
	assert.Equal(t, "sess_file", after[0]["id"])

	assert.Error(t, m.ImportFlowFile(context.Background(), "sess_file", filepath.Join(t.TempDir(), "missing.json")))
}

func TestEnsureSettingsWrittenOnce(t *testing.T) {
	dir := t.TempDir()
	m := NewManager(Config{Port: 1880, UserDir: dir}, logging.NewDevelopment())

	require.NoError(t, m.ensureSettings())
	path := filepath.Join(dir, "settings.js")
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), `httpAdminRoot: "/flow"`)
	assert.Contains(t, string(data), `httpNodeRoot: "/flow/api"`)

	// Operator edits survive restarts.
	require.NoError(t, os.WriteFile(path, []byte("custom"), 0o644))
	require.NoError(t, m.ensureSettings())
	data, err = os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "custom", string(data))
}
