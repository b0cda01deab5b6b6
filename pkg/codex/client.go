package codex

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/paseo-ai/paseo/internal/common/logger"
)

// NotificationHandler handles server -> client notifications.
type NotificationHandler func(n *Notification)

// Client speaks the Codex app-server protocol over stdin/stdout pipes.
// Requests are correlated by numeric id; notifications are forwarded to the
// registered handler in arrival order.
type Client struct {
	stdin  io.Writer
	stdout io.Reader
	logger *logger.Logger

	nextID  atomic.Int64
	pending map[int64]chan *Response

	notificationHandler NotificationHandler

	writeMu sync.Mutex
	mu      sync.RWMutex
	done    chan struct{}
}

// NewClient creates a new Codex client over the given pipes.
func NewClient(stdin io.Writer, stdout io.Reader, log *logger.Logger) *Client {
	return &Client{
		stdin:   stdin,
		stdout:  stdout,
		logger:  log.WithFields(zap.String("component", "codex_client")),
		pending: make(map[int64]chan *Response),
		done:    make(chan struct{}),
	}
}

// SetNotificationHandler sets the handler for notifications.
func (c *Client) SetNotificationHandler(handler NotificationHandler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.notificationHandler = handler
}

// Start begins reading from stdout in a goroutine.
func (c *Client) Start(ctx context.Context) {
	go c.readLoop(ctx)
}

// Stop stops the read loop and fails all pending calls.
func (c *Client) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()

	select {
	case <-c.done:
	default:
		close(c.done)
	}
}

// Initialize performs the initialize handshake.
func (c *Client) Initialize(ctx context.Context, info *ClientInfo) error {
	var result json.RawMessage
	if err := c.Call(ctx, MethodInitialize, &InitializeParams{ClientInfo: info}, &result); err != nil {
		return err
	}
	return c.Notify(MethodInitialized, nil)
}

// Call sends a request and waits for the matching response.
func (c *Client) Call(ctx context.Context, method string, params, result any) error {
	id := c.nextID.Add(1)

	var rawParams json.RawMessage
	if params != nil {
		b, err := json.Marshal(params)
		if err != nil {
			return fmt.Errorf("marshal params: %w", err)
		}
		rawParams = b
	}

	ch := make(chan *Response, 1)
	c.mu.Lock()
	c.pending[id] = ch
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
	}()

	if err := c.send(&Request{ID: id, Method: method, Params: rawParams}); err != nil {
		return err
	}

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-c.done:
		return fmt.Errorf("codex client closed")
	case <-time.After(2 * time.Minute):
		return fmt.Errorf("codex call %s timed out", method)
	case resp := <-ch:
		if resp.Error != nil {
			return fmt.Errorf("codex %s: %s (code %d)", method, resp.Error.Message, resp.Error.Code)
		}
		if result != nil && len(resp.Result) > 0 {
			if err := json.Unmarshal(resp.Result, result); err != nil {
				return fmt.Errorf("unmarshal %s result: %w", method, err)
			}
		}
		return nil
	}
}

// Notify sends a notification (no response expected).
func (c *Client) Notify(method string, params any) error {
	var rawParams json.RawMessage
	if params != nil {
		b, err := json.Marshal(params)
		if err != nil {
			return fmt.Errorf("marshal params: %w", err)
		}
		rawParams = b
	}
	return c.send(&Request{Method: method, Params: rawParams})
}

func (c *Client) send(msg any) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}
	data = append(data, '\n')

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if _, err := c.stdin.Write(data); err != nil {
		return fmt.Errorf("write message: %w", err)
	}
	return nil
}

func (c *Client) readLoop(ctx context.Context) {
	scanner := bufio.NewScanner(c.stdout)
	buf := make([]byte, 0, 64*1024)
	scanner.Buffer(buf, 10*1024*1024)

	for scanner.Scan() {
		select {
		case <-ctx.Done():
			return
		case <-c.done:
			return
		default:
		}

		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		c.handleLine(line)
	}

	if err := scanner.Err(); err != nil {
		c.logger.Warn("read loop ended", zap.Error(err))
	}
}

func (c *Client) handleLine(line []byte) {
	// A frame with an id is a response; without one it is a notification.
	var probe struct {
		ID     json.RawMessage `json:"id"`
		Method string          `json:"method"`
	}
	if err := json.Unmarshal(line, &probe); err != nil {
		c.logger.Warn("failed to parse frame", zap.Error(err), zap.ByteString("line", line))
		return
	}

	if len(probe.ID) > 0 && probe.Method == "" {
		var resp Response
		if err := json.Unmarshal(line, &resp); err != nil {
			c.logger.Warn("failed to parse response", zap.Error(err))
			return
		}
		c.dispatchResponse(&resp)
		return
	}

	var n Notification
	if err := json.Unmarshal(line, &n); err != nil {
		c.logger.Warn("failed to parse notification", zap.Error(err))
		return
	}

	c.mu.RLock()
	handler := c.notificationHandler
	c.mu.RUnlock()
	if handler != nil {
		handler(&n)
	}
}

func (c *Client) dispatchResponse(resp *Response) {
	var id int64
	switch v := resp.ID.(type) {
	case float64:
		id = int64(v)
	case string:
		// Codex echoes string ids verbatim; we only issue numeric ids.
		if _, err := fmt.Sscan(v, &id); err != nil {
			c.logger.Warn("response with unparseable id", zap.String("id", v))
			return
		}
	default:
		return
	}

	c.mu.RLock()
	ch, ok := c.pending[id]
	c.mu.RUnlock()
	if !ok {
		c.logger.Debug("response for unknown request", zap.Int64("id", id))
		return
	}

	select {
	case ch <- resp:
	default:
	}
}
