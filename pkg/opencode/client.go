package opencode

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/paseo-ai/paseo/internal/common/logger"
)

// EventHandler handles SSE events from the OpenCode server.
type EventHandler func(ev *EventEnvelope)

// Client speaks the OpenCode REST + SSE protocol against a locally spawned
// `opencode serve` process.
type Client struct {
	baseURL string
	http    *http.Client
	logger  *logger.Logger

	eventHandler EventHandler
}

// NewClient creates an OpenCode client for the given base URL.
func NewClient(baseURL string, log *logger.Logger) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: 0},
		logger:  log.WithFields(zap.String("component", "opencode_client")),
	}
}

// SetEventHandler sets the handler for SSE events.
func (c *Client) SetEventHandler(handler EventHandler) {
	c.eventHandler = handler
}

// WaitForHealth polls the health endpoint until the server is ready.
func (c *Client) WaitForHealth(ctx context.Context) error {
	ticker := time.NewTicker(250 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return fmt.Errorf("opencode server not healthy: %w", ctx.Err())
		case <-ticker.C:
			var health HealthResponse
			if err := c.getJSON(ctx, "/global/health", &health); err == nil && health.Healthy {
				return nil
			}
		}
	}
}

// CreateSession creates a new session.
func (c *Client) CreateSession(ctx context.Context) (string, error) {
	var session Session
	if err := c.postJSON(ctx, "/session", nil, &session); err != nil {
		return "", fmt.Errorf("create session: %w", err)
	}
	return session.ID, nil
}

// ListSessions returns the server's known sessions.
func (c *Client) ListSessions(ctx context.Context) ([]Session, error) {
	var sessions []Session
	if err := c.getJSON(ctx, "/session", &sessions); err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	return sessions, nil
}

// SendPrompt submits a prompt. The call returns once the server accepts it;
// progress arrives on the event stream.
func (c *Client) SendPrompt(ctx context.Context, sessionID, prompt string, model *ModelSpec) error {
	req := PromptRequest{
		Model: model,
		Parts: []TextPartInput{{Type: PartTypeText, Text: prompt}},
	}
	if err := c.postJSON(ctx, "/session/"+sessionID+"/message", req, nil); err != nil {
		return fmt.Errorf("send prompt: %w", err)
	}
	return nil
}

// Abort interrupts the session's in-flight turn.
func (c *Client) Abort(ctx context.Context, sessionID string) error {
	if err := c.postJSON(ctx, "/session/"+sessionID+"/abort", nil, nil); err != nil {
		return fmt.Errorf("abort session: %w", err)
	}
	return nil
}

// ReplyPermission answers a permission.asked event.
func (c *Client) ReplyPermission(ctx context.Context, permissionID, reply string) error {
	req := PermissionReplyRequest{Reply: reply}
	if err := c.postJSON(ctx, "/permission/"+permissionID+"/reply", req, nil); err != nil {
		return fmt.Errorf("reply permission: %w", err)
	}
	return nil
}

// StreamEvents connects to the SSE stream and forwards events scoped to the
// given session (empty sessionID forwards everything). Blocks until the
// context is cancelled or the stream ends.
func (c *Client) StreamEvents(ctx context.Context, sessionID string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/event", nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "text/event-stream")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("connect event stream: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("event stream status %d", resp.StatusCode)
	}

	scanner := bufio.NewScanner(resp.Body)
	buf := make([]byte, 0, 64*1024)
	scanner.Buffer(buf, 10*1024*1024)

	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		data := strings.TrimPrefix(line, "data: ")

		var envelope EventEnvelope
		if err := json.Unmarshal([]byte(data), &envelope); err != nil {
			c.logger.Warn("failed to parse SSE event", zap.Error(err))
			continue
		}
		if sessionID != "" && !eventMatchesSession(&envelope, sessionID) {
			continue
		}
		if c.eventHandler != nil {
			c.eventHandler(&envelope)
		}
	}

	if err := scanner.Err(); err != nil && ctx.Err() == nil {
		return fmt.Errorf("event stream read: %w", err)
	}
	return nil
}

// eventMatchesSession filters events by the sessionID embedded in their
// properties. Events without a recognizable session scope pass through.
func eventMatchesSession(ev *EventEnvelope, sessionID string) bool {
	var probe struct {
		SessionID string `json:"sessionID"`
		Info      *struct {
			SessionID string `json:"sessionID"`
		} `json:"info"`
		Part *struct {
			SessionID string `json:"sessionID"`
		} `json:"part"`
	}
	if err := json.Unmarshal(ev.Properties, &probe); err != nil {
		return true
	}
	switch {
	case probe.SessionID != "":
		return probe.SessionID == sessionID
	case probe.Info != nil && probe.Info.SessionID != "":
		return probe.Info.SessionID == sessionID
	case probe.Part != nil && probe.Part.SessionID != "":
		return probe.Part.SessionID == sessionID
	default:
		return true
	}
}

func (c *Client) getJSON(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return err
	}
	return c.do(req, out)
}

func (c *Client) postJSON(ctx context.Context, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, reader)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req, out)
}

func (c *Client) do(req *http.Request, out any) error {
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("%s %s: status %d: %s", req.Method, req.URL.Path, resp.StatusCode, string(body))
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
