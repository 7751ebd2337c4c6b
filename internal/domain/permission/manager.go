// Package permission brokers tool-use approval between a streaming agent
// turn and the user. The agent blocks on a pending request; the user's
// answer (or a timeout) releases it.
package permission

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/StudioForgeAI/AgentStudio/backend/internal/logging"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Status is the request lifecycle.
type Status string

const (
	StatusPending  Status = "pending"
	StatusApproved Status = "approved"
	StatusDenied   Status = "denied"
	StatusTimeout  Status = "timeout"
)

// DefaultTimeout bounds how long an unanswered request blocks the turn
// before it is denied.
const DefaultTimeout = 300 * time.Second

// ErrNotFound means the request id is unknown or already resolved.
var ErrNotFound = errors.New("permission request not found")

// Decision is the outcome delivered to the waiting turn.
type Decision struct {
	Approved bool   `json:"approved"`
	Status   Status `json:"status"`
}

// Request is a pending approval. The reply channel is one-shot: whichever
// of Respond, timeout, or cancellation runs first wins.
type Request struct {
	ID        string          `json:"id"`
	SessionID string          `json:"session_id"`
	ToolName  string          `json:"tool_name"`
	Input     json.RawMessage `json:"input,omitempty"`
	Status    Status          `json:"status"`
	CreatedAt time.Time       `json:"created_at"`

	reply chan Decision
}

func (r *Request) clone() *Request {
	out := *r
	out.reply = nil
	return &out
}

// Manager is the pending-request registry.
type Manager struct {
	mu      sync.Mutex
	pending map[string]*Request

	timeout time.Duration
	log     *logging.Logger
}

// NewManager creates a registry with the given timeout; zero means
// DefaultTimeout.
func NewManager(timeout time.Duration, log *logging.Logger) *Manager {
	if timeout == 0 {
		timeout = DefaultTimeout
	}
	return &Manager{
		pending: make(map[string]*Request),
		timeout: timeout,
		log:     log,
	}
}

// Create registers a pending request and returns it without blocking.
// The caller follows up with Await.
func (m *Manager) Create(sessionID, toolName string, input json.RawMessage) *Request {
	req := &Request{
		ID:        uuid.NewString(),
		SessionID: sessionID,
		ToolName:  toolName,
		Input:     input,
		Status:    StatusPending,
		CreatedAt: time.Now().UTC(),
		reply:     make(chan Decision, 1),
	}

	m.mu.Lock()
	m.pending[req.ID] = req
	m.mu.Unlock()

	m.log.Info("permission requested",
		zap.String("request_id", req.ID),
		zap.String("session_id", sessionID),
		zap.String("tool", toolName))
	return req
}

// Await blocks until the request is answered, times out, or the context
// is cancelled. Timeout and cancellation both deny. The buffered reply
// channel means a decision made before Await runs is still observed.
func (m *Manager) Await(ctx context.Context, req *Request) (Decision, error) {
	timer := time.NewTimer(m.timeout)
	defer timer.Stop()

	select {
	case decision := <-req.reply:
		return decision, nil
	case <-timer.C:
		if !m.resolve(req.ID, Decision{Approved: false, Status: StatusTimeout}) {
			// Answered in the same instant; prefer the real decision.
			select {
			case decision := <-req.reply:
				return decision, nil
			default:
			}
		}
		m.log.Warn("permission request timed out",
			zap.String("request_id", req.ID),
			zap.String("session_id", req.SessionID))
		return Decision{Approved: false, Status: StatusTimeout}, nil
	case <-ctx.Done():
		if !m.resolve(req.ID, Decision{Approved: false, Status: StatusDenied}) {
			select {
			case decision := <-req.reply:
				return decision, nil
			default:
			}
		}
		return Decision{Approved: false, Status: StatusDenied}, ctx.Err()
	}
}

// Respond resolves a pending request with the user's answer.
func (m *Manager) Respond(requestID string, approved bool) error {
	status := StatusDenied
	if approved {
		status = StatusApproved
	}
	if !m.resolve(requestID, Decision{Approved: approved, Status: status}) {
		return ErrNotFound
	}
	return nil
}

// List returns pending requests, optionally filtered to one session.
func (m *Manager) List(sessionID string) []*Request {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]*Request, 0, len(m.pending))
	for _, req := range m.pending {
		if sessionID == "" || req.SessionID == sessionID {
			out = append(out, req.clone())
		}
	}
	return out
}

// CancelForSession denies every pending request of a session; used when a
// turn aborts or the session closes. Returns how many were cancelled.
func (m *Manager) CancelForSession(sessionID string) int {
	m.mu.Lock()
	var ids []string
	for id, req := range m.pending {
		if req.SessionID == sessionID {
			ids = append(ids, id)
		}
	}
	m.mu.Unlock()

	for _, id := range ids {
		m.resolve(id, Decision{Approved: false, Status: StatusDenied})
	}
	return len(ids)
}

// resolve removes the request and delivers the decision; the buffered
// channel makes delivery non-blocking even with no waiter.
func (m *Manager) resolve(requestID string, decision Decision) bool {
	m.mu.Lock()
	req, ok := m.pending[requestID]
	if ok {
		delete(m.pending, requestID)
	}
	m.mu.Unlock()
	if !ok {
		return false
	}

	req.Status = decision.Status
	select {
	case req.reply <- decision:
	default:
	}
	return true
}
