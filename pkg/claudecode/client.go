package claudecode

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/paseo-ai/paseo/internal/common/logger"
)

// MessageHandler handles streaming messages from Claude Code CLI.
type MessageHandler func(msg *CLIMessage)

// RequestHandler handles incoming control requests (permission prompts).
// The returned result is sent back as the control response.
type RequestHandler func(requestID string, req *ControlRequest) *PermissionResult

// Client handles Claude Code CLI communication over stdin/stdout streams.
// It reads streaming JSON lines from stdout and writes prompts and control
// messages to stdin.
type Client struct {
	stdin  io.Writer
	stdout io.Reader
	logger *logger.Logger

	messageHandler MessageHandler
	requestHandler RequestHandler

	writeMu sync.Mutex
	mu      sync.RWMutex
	done    chan struct{}
}

// NewClient creates a new Claude Code CLI client over the given pipes.
func NewClient(stdin io.Writer, stdout io.Reader, log *logger.Logger) *Client {
	return &Client{
		stdin:  stdin,
		stdout: stdout,
		logger: log.WithFields(zap.String("component", "claudecode_client")),
		done:   make(chan struct{}),
	}
}

// SetMessageHandler sets the handler for streaming messages.
func (c *Client) SetMessageHandler(handler MessageHandler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.messageHandler = handler
}

// SetRequestHandler sets the handler for incoming control requests.
func (c *Client) SetRequestHandler(handler RequestHandler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.requestHandler = handler
}

// Start begins reading from stdout in a goroutine.
func (c *Client) Start(ctx context.Context) {
	go c.readLoop(ctx)
}

// Stop stops the read loop.
func (c *Client) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()

	select {
	case <-c.done:
	default:
		close(c.done)
	}
}

// SendUserMessage sends a prompt to Claude Code CLI.
func (c *Client) SendUserMessage(content string) error {
	return c.send(&UserMessage{
		Type: MessageTypeUser,
		Message: UserMessageBody{
			Role:    "user",
			Content: content,
		},
	})
}

// Interrupt sends an interrupt control request to stop the current turn.
func (c *Client) Interrupt() error {
	return c.send(&OutgoingControlRequest{
		Type:      MessageTypeControlRequest,
		RequestID: uuid.New().String(),
		Request:   ControlRequestBody{Subtype: SubtypeInterrupt},
	})
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
	// Allow for large JSON messages (up to 10MB)
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
	var msg CLIMessage
	if err := json.Unmarshal(line, &msg); err != nil {
		c.logger.Warn("failed to parse message", zap.Error(err), zap.ByteString("line", line))
		return
	}

	if msg.Type == MessageTypeControlRequest && msg.Request != nil {
		c.handleControlRequest(msg.RequestID, msg.Request)
		return
	}

	c.mu.RLock()
	handler := c.messageHandler
	c.mu.RUnlock()

	if handler != nil {
		handler(&msg)
	}
}

func (c *Client) handleControlRequest(requestID string, req *ControlRequest) {
	c.mu.RLock()
	handler := c.requestHandler
	c.mu.RUnlock()

	resp := &ControlResponse{Subtype: "success", RequestID: requestID}
	if handler != nil {
		resp.Response = handler(requestID, req)
	} else {
		// Deny by default when no handler is wired.
		resp.Response = &PermissionResult{Behavior: "deny", Message: "no permission handler"}
	}

	if err := c.send(&OutgoingControlResponse{
		Type:      MessageTypeControlResponse,
		RequestID: requestID,
		Response:  resp,
	}); err != nil {
		c.logger.Warn("failed to send control response", zap.Error(err))
	}
}
