package session

import (
	"encoding/json"
	"errors"
	"time"
)

// Status is the session lifecycle state machine.
type Status string

const (
	StatusActive Status = "active"
	StatusIdle   Status = "idle"
	StatusBusy   Status = "busy"
	StatusClosed Status = "closed"
)

var (
	ErrNotFound = errors.New("session not found")
	ErrBusy     = errors.New("session busy")
	ErrClosed   = errors.New("session closed")
)

// ToolCall records one tool invocation made by the assistant.
type ToolCall struct {
	ID     string          `json:"id,omitempty"`
	Name   string          `json:"name"`
	Input  json.RawMessage `json:"input,omitempty"`
	Result string          `json:"result,omitempty"`
}

// Message is one transcript entry. Append-only within a session.
type Message struct {
	Role      string     `json:"role"`
	Content   string     `json:"content"`
	Timestamp time.Time  `json:"timestamp"`
	ToolCalls []ToolCall `json:"tool_calls,omitempty"`
	Thinking  string     `json:"thinking,omitempty"`
}

// Session is one isolated agent conversation and its working directory.
type Session struct {
	ID                string     `json:"id"`
	WorkingDir        string     `json:"working_dir"`
	Status            Status     `json:"status"`
	CreatedAt         time.Time  `json:"created_at"`
	LastActivity      time.Time  `json:"last_activity"`
	BusySince         *time.Time `json:"busy_since,omitempty"`
	DisplayName       string     `json:"display_name,omitempty"`
	Model             string     `json:"model"`
	SystemPrompt      string     `json:"system_prompt,omitempty"`
	AllowedTools      []string   `json:"allowed_tools,omitempty"`
	ContinuationToken string     `json:"continuation_token,omitempty"`
	Messages          []Message  `json:"messages,omitempty"`
}

// Clone returns a deep copy so callers can read a snapshot without
// holding the manager lock.
func (s *Session) Clone() *Session {
	out := *s
	if s.BusySince != nil {
		t := *s.BusySince
		out.BusySince = &t
	}
	out.AllowedTools = append([]string(nil), s.AllowedTools...)
	out.Messages = append([]Message(nil), s.Messages...)
	return &out
}

// Config is the caller-supplied part of a new session.
type Config struct {
	Model        string   `json:"model,omitempty"`
	SystemPrompt string   `json:"system_prompt,omitempty"`
	AllowedTools []string `json:"allowed_tools,omitempty"`
	DisplayName  string   `json:"display_name,omitempty"`
}
