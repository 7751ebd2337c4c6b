package agent

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/StudioForgeAI/AgentStudio/backend/internal/domain/permission"
	"github.com/StudioForgeAI/AgentStudio/backend/internal/domain/session"
	"github.com/StudioForgeAI/AgentStudio/backend/internal/logging"
	"go.uber.org/zap"
)

const (
	// contextMessageLimit and contextCharLimit bound the synthesized
	// history when no continuation token is available.
	contextMessageLimit = 20
	contextCharLimit    = 500

	interruptedSuffix  = "\n\n[Response interrupted]"
	disconnectedSuffix = "\n\n[Response interrupted - client disconnected]"
	guidelinesFile     = "AGENTS.md"
)

// Emit delivers one event to the caller's stream. A non-nil error aborts
// the turn (the client went away).
type Emit func(Event) error

// Response is the collected outcome of a non-streaming turn.
type Response struct {
	SessionID  string             `json:"session_id"`
	Message    string             `json:"message"`
	ToolCalls  []session.ToolCall `json:"tool_calls,omitempty"`
	IsComplete bool               `json:"is_complete"`
}

// Executor runs one conversation turn: it takes the session's execution
// lock, streams the agent service, relays events, brokers tool
// permissions, and durably saves whatever was produced on every exit
// path.
type Executor struct {
	sessions    *session.Manager
	permissions *permission.Manager
	client      StreamClient
	log         *logging.Logger
}

// NewExecutor wires the executor.
func NewExecutor(sessions *session.Manager, permissions *permission.Manager, client StreamClient, log *logging.Logger) *Executor {
	return &Executor{sessions: sessions, permissions: permissions, client: client, log: log}
}

// turnState accumulates the assistant's output so a partial response can
// be flushed no matter how the turn ends.
type turnState struct {
	text     strings.Builder
	thinking strings.Builder
	tools    []session.ToolCall
}

func (t *turnState) tool(id string) *session.ToolCall {
	for i := range t.tools {
		if t.tools[i].ID == id {
			return &t.tools[i]
		}
	}
	if id == "" && len(t.tools) > 0 {
		return &t.tools[len(t.tools)-1]
	}
	return nil
}

// ExecuteStream runs a streaming turn, relaying each event through emit.
// A second turn while one is running fails fast with the session's busy
// error rather than queueing.
func (e *Executor) ExecuteStream(ctx context.Context, sessionID, message string, emit Emit) error {
	sess, err := e.sessions.BeginTurn(ctx, sessionID)
	if err != nil {
		return err
	}
	defer e.sessions.EndTurn(context.WithoutCancel(ctx), sessionID)
	defer e.permissions.CancelForSession(sessionID)

	if err := e.sessions.AppendMessage(ctx, sessionID, session.Message{
		Role:      "user",
		Content:   message,
		Timestamp: time.Now().UTC(),
	}); err != nil {
		return err
	}

	turn := TurnRequest{
		SessionID:         sessionID,
		Model:             sess.Model,
		SystemPrompt:      enhanceSystemPrompt(sess.SystemPrompt),
		AllowedTools:      sess.AllowedTools,
		WorkingDir:        sess.WorkingDir,
		ContinuationToken: sess.ContinuationToken,
		Prompt:            buildPrompt(sess, message),
	}

	events, err := e.client.Stream(ctx, turn)
	if err != nil {
		return err
	}

	state := &turnState{}
	completed := false
	var turnErr error

loop:
	for {
		select {
		case <-ctx.Done():
			turnErr = ctx.Err()
			break loop
		case ev, ok := <-events:
			if !ok {
				break loop
			}
			done, err := e.handleEvent(ctx, sessionID, ev, state, emit)
			if err != nil {
				turnErr = err
				break loop
			}
			if done {
				completed = true
				break loop
			}
		}
	}

	e.flush(context.WithoutCancel(ctx), sessionID, state, completed, turnErr)
	return turnErr
}

// Execute runs a turn to completion and returns the collected response.
func (e *Executor) Execute(ctx context.Context, sessionID, message string) (*Response, error) {
	resp := &Response{SessionID: sessionID}
	err := e.ExecuteStream(ctx, sessionID, message, func(ev Event) error {
		switch ev.Type {
		case KindTextDelta:
			resp.Message += ev.Content
		case KindDone:
			if resp.Message == "" {
				resp.Message = ev.Content
			}
			resp.IsComplete = true
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if sess, ok := e.sessions.Get(sessionID); ok && len(sess.Messages) > 0 {
		last := sess.Messages[len(sess.Messages)-1]
		if last.Role == "assistant" {
			resp.ToolCalls = last.ToolCalls
		}
	}
	return resp, nil
}

// handleEvent folds one event into the turn state and relays it. The
// returned bool marks the terminal done event.
func (e *Executor) handleEvent(ctx context.Context, sessionID string, ev Event, state *turnState, emit Emit) (bool, error) {
	ev.SessionID = sessionID

	switch ev.Type {
	case KindSystem:
		if ev.ContinuationToken != "" {
			if err := e.sessions.SetContinuationToken(ctx, sessionID, ev.ContinuationToken); err != nil {
				e.log.Warn("persist continuation token", zap.String("session_id", sessionID), zap.Error(err))
			}
		}
		return false, nil

	case KindTextDelta:
		state.text.WriteString(ev.Content)

	case KindThinkingDelta:
		state.thinking.WriteString(ev.Content)

	case KindToolUseStart:
		state.tools = append(state.tools, session.ToolCall{ID: ev.ToolID, Name: ev.ToolName})

	case KindToolUseEnd:
		if tc := state.tool(ev.ToolID); tc != nil && len(ev.ToolInput) > 0 {
			tc.Input = ev.ToolInput
		}

	case KindToolResult:
		if tc := state.tool(ev.ToolID); tc != nil {
			tc.Result = ev.Content
		}

	case KindPermissionRequest:
		return false, emit(e.brokerPermission(ctx, sessionID, ev))

	case KindError:
		_ = emit(ev)
		return false, errors.New(ev.Content)

	case KindDone:
		if state.text.Len() == 0 && ev.Content != "" {
			state.text.WriteString(ev.Content)
		}
		return true, emit(ev)
	}

	return false, emit(ev)
}

// brokerPermission registers a local pending request, relays it to the
// stream under the local id, and forwards the eventual decision upstream
// in the background.
func (e *Executor) brokerPermission(ctx context.Context, sessionID string, ev Event) Event {
	req := e.permissions.Create(sessionID, ev.ToolName, ev.ToolInput)
	upstreamID := ev.RequestID

	go func() {
		decision, err := e.permissions.Await(ctx, req)
		if err != nil && !errors.Is(err, context.Canceled) {
			e.log.Warn("permission wait failed", zap.String("request_id", req.ID), zap.Error(err))
		}
		if err := e.client.RespondPermission(context.WithoutCancel(ctx), upstreamID, decision.Approved); err != nil {
			e.log.Warn("forward permission decision", zap.String("request_id", upstreamID), zap.Error(err))
		}
	}()

	ev.RequestID = req.ID
	ev.SessionID = sessionID
	return ev
}

// flush durably saves the assistant's output. Partial progress is never
// discarded: an interrupted turn is saved with an explicit marker.
func (e *Executor) flush(ctx context.Context, sessionID string, state *turnState, completed bool, turnErr error) {
	content := state.text.String()
	if content == "" && len(state.tools) == 0 {
		return
	}

	if !completed {
		suffix := interruptedSuffix
		if errors.Is(turnErr, context.Canceled) {
			suffix = disconnectedSuffix
		}
		content += suffix
	}

	msg := session.Message{
		Role:      "assistant",
		Content:   content,
		Timestamp: time.Now().UTC(),
		ToolCalls: state.tools,
		Thinking:  state.thinking.String(),
	}
	if err := e.sessions.AppendMessage(ctx, sessionID, msg); err != nil {
		e.log.Error("save assistant message",
			zap.String("session_id", sessionID),
			zap.Int("chars", len(content)),
			zap.Error(err))
	}
}

// enhanceSystemPrompt prepends the project-guidelines directive so every
// turn reads the working directory's conventions file before acting.
func enhanceSystemPrompt(base string) string {
	parts := []string{
		fmt.Sprintf("IMPORTANT: Before starting any task, read the `%s` file in your working directory. "+
			"It contains the project guidelines, tech stack requirements, and coding standards to follow. "+
			"Do not ask the user questions; follow its instructions.", guidelinesFile),
	}
	if base != "" {
		parts = append(parts, base)
	}
	parts = append(parts,
		"Additional rules:\n"+
			"- Execute tasks without asking for confirmation\n"+
			"- Make reasonable assumptions instead of asking clarifying questions\n"+
			"- Start implementation immediately after reading requirements")
	return strings.Join(parts, "\n\n")
}

// buildPrompt synthesizes recent history into the prompt when the
// conversation cannot be resumed by token (e.g. after a restart).
func buildPrompt(sess *session.Session, message string) string {
	if sess.ContinuationToken != "" || len(sess.Messages) == 0 {
		return message
	}

	recent := sess.Messages
	if len(recent) > contextMessageLimit {
		recent = recent[len(recent)-contextMessageLimit:]
	}

	parts := []string{"[Previous conversation context]"}
	for _, msg := range recent {
		role := "Assistant"
		if msg.Role == "user" {
			role = "User"
		}
		content := msg.Content
		if len(content) > contextCharLimit {
			content = content[:contextCharLimit] + "..."
		}
		parts = append(parts, role+": "+content)
	}
	parts = append(parts, "\n[Current request]", message)
	return strings.Join(parts, "\n")
}
