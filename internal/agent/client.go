package agent

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/StudioForgeAI/AgentStudio/backend/internal/logging"
	"github.com/hashicorp/go-retryablehttp"
	"go.uber.org/zap"
)

// maxEventLine bounds one SSE data line; tool results can be large.
const maxEventLine = 1 << 20

// TurnRequest describes one conversation turn sent to the agent service.
type TurnRequest struct {
	SessionID         string   `json:"session_id"`
	Model             string   `json:"model"`
	SystemPrompt      string   `json:"system_prompt,omitempty"`
	AllowedTools      []string `json:"allowed_tools,omitempty"`
	WorkingDir        string   `json:"working_dir"`
	ContinuationToken string   `json:"continuation_token,omitempty"`
	Prompt            string   `json:"prompt"`
}

// StreamClient is the executor's view of the agent service.
type StreamClient interface {
	// Stream starts a turn and returns the event channel. The channel is
	// closed when the upstream stream ends or the context is cancelled.
	Stream(ctx context.Context, req TurnRequest) (<-chan Event, error)
	// RespondPermission forwards the user's tool-approval decision.
	RespondPermission(ctx context.Context, requestID string, approved bool) error
}

// Client talks to the agent service over HTTP. The initial connect is
// retried; once the event stream is open, reads are passed through as-is.
type Client struct {
	baseURL string
	http    *retryablehttp.Client
	log     *logging.Logger
}

// NewClient creates an agent service client.
func NewClient(baseURL string, log *logging.Logger) *Client {
	rc := retryablehttp.NewClient()
	rc.RetryMax = 3
	rc.RetryWaitMin = 200 * time.Millisecond
	rc.RetryWaitMax = 2 * time.Second
	rc.Logger = nil
	// No client timeout: a turn stream stays open for minutes.
	rc.HTTPClient.Timeout = 0

	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    rc,
		log:     log,
	}
}

// Stream opens a turn and pumps decoded events until the stream ends.
// Undecodable or unknown events are logged and skipped so one bad frame
// does not kill the turn.
func (c *Client) Stream(ctx context.Context, turn TurnRequest) (<-chan Event, error) {
	body, err := json.Marshal(turn)
	if err != nil {
		return nil, fmt.Errorf("encode turn: %w", err)
	}

	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/turns", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build turn request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "text/event-stream")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("agent service unreachable: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return nil, fmt.Errorf("agent service refused turn: status %d", resp.StatusCode)
	}

	events := make(chan Event, 32)
	go func() {
		defer close(events)
		defer resp.Body.Close()

		scanner := bufio.NewScanner(resp.Body)
		scanner.Buffer(make([]byte, 64*1024), maxEventLine)
		for scanner.Scan() {
			data, ok := strings.CutPrefix(scanner.Text(), "data: ")
			if !ok || data == "" {
				continue
			}
			ev, err := Decode([]byte(data))
			if err != nil {
				c.log.Warn("skipping malformed agent event", zap.Error(err))
				continue
			}
			select {
			case events <- ev:
			case <-ctx.Done():
				return
			}
		}
		if err := scanner.Err(); err != nil && ctx.Err() == nil {
			c.log.Warn("agent stream ended abnormally", zap.Error(err))
		}
	}()
	return events, nil
}

// RespondPermission posts the decision for a pending tool approval.
func (c *Client) RespondPermission(ctx context.Context, requestID string, approved bool) error {
	body, _ := json.Marshal(map[string]bool{"approved": approved})
	url := fmt.Sprintf("%s/v1/permissions/%s", c.baseURL, requestID)

	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build permission response: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("deliver permission response: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("permission response rejected: status %d", resp.StatusCode)
	}
	return nil
}
