// Package agent bridges sessions to the external coding-agent service.
// The service is consumed as a stream of typed events; this package owns
// the event vocabulary, the streaming client, and the executor that
// drives one conversation turn end to end.
package agent

import (
	"encoding/json"
	"fmt"
)

// Kind enumerates every event the agent service can emit. The set is
// closed: anything else on the wire is a protocol error.
type Kind string

const (
	// KindSystem carries the continuation token for resuming the
	// conversation in a later turn.
	KindSystem Kind = "system"

	KindTextDelta      Kind = "text_delta"
	KindThinkingStart  Kind = "thinking_start"
	KindThinkingDelta  Kind = "thinking_delta"
	KindToolUseStart   Kind = "tool_use_start"
	KindToolInputDelta Kind = "tool_input_delta"
	KindToolUseEnd     Kind = "tool_use_end"
	KindToolResult     Kind = "tool_result"

	// KindPermissionRequest asks the user to approve a tool invocation;
	// the turn blocks upstream until answered.
	KindPermissionRequest Kind = "permission_request"

	KindHeartbeat Kind = "heartbeat"
	KindDone      Kind = "done"
	KindError     Kind = "error"
)

var knownKinds = map[Kind]bool{
	KindSystem:            true,
	KindTextDelta:         true,
	KindThinkingStart:     true,
	KindThinkingDelta:     true,
	KindToolUseStart:      true,
	KindToolInputDelta:    true,
	KindToolUseEnd:        true,
	KindToolResult:        true,
	KindPermissionRequest: true,
	KindHeartbeat:         true,
	KindDone:              true,
	KindError:             true,
}

// Event is one element of the turn stream. Which fields are populated
// depends on Type.
type Event struct {
	Type      Kind   `json:"type"`
	SessionID string `json:"session_id,omitempty"`

	// Content is delta text, a tool result body, the final response for
	// done, or the error message for error events.
	Content string `json:"content,omitempty"`

	ContinuationToken string `json:"continuation_token,omitempty"`

	ToolID    string          `json:"tool_id,omitempty"`
	ToolName  string          `json:"tool_name,omitempty"`
	ToolInput json.RawMessage `json:"tool_input,omitempty"`

	RequestID   string   `json:"request_id,omitempty"`
	Suggestions []string `json:"suggestions,omitempty"`

	ResponseLength int `json:"response_length,omitempty"`
	ToolCount      int `json:"tool_count,omitempty"`

	IsComplete bool `json:"is_complete,omitempty"`
}

// Decode parses one wire event and rejects kinds outside the closed set.
func Decode(data []byte) (Event, error) {
	var ev Event
	if err := json.Unmarshal(data, &ev); err != nil {
		return Event{}, fmt.Errorf("decode agent event: %w", err)
	}
	if !knownKinds[ev.Type] {
		return Event{}, fmt.Errorf("unknown agent event type %q", ev.Type)
	}
	return ev, nil
}
