package websocket

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/paseo-ai/paseo/internal/common/logger"
	ws "github.com/paseo-ai/paseo/pkg/websocket"
)

const (
	// Time allowed to write a message to the peer
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer
	pongWait = 60 * time.Second

	// Send pings to peer with this period (must be less than pongWait)
	pingPeriod = (pongWait * 9) / 10

	// Maximum message size allowed from peer
	maxMessageSize = 512 * 1024 // 512KB
)

// Client represents a single WebSocket connection and its session state.
type Client struct {
	ID     string
	conn   *websocket.Conn
	hub    *Hub
	send   chan []byte
	logger *logger.Logger

	mu             sync.RWMutex
	deviceType     string
	focusedAgentID string
	lastActivityAt time.Time
	appVisible     bool
	hasHeartbeat   bool
	subscribed     bool
	sendClosed     bool
	lagged         bool
}

// NewClient creates a new WebSocket client. queueSize bounds the outbound
// frame buffer; overflow marks the client lagged for a snapshot resync.
func NewClient(id string, conn *websocket.Conn, hub *Hub, queueSize int, log *logger.Logger) *Client {
	if queueSize <= 0 {
		queueSize = 256
	}
	return &Client{
		ID:         id,
		conn:       conn,
		hub:        hub,
		send:       make(chan []byte, queueSize),
		deviceType: "unknown",
		logger:     log.WithFields(zap.String("client_id", id)),
	}
}

// state returns the client's latest heartbeat as the attention policy sees it.
func (c *Client) state() ClientState {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return ClientState{
		ClientID:       c.ID,
		DeviceType:     c.deviceType,
		FocusedAgentID: c.focusedAgentID,
		LastActivityAt: c.lastActivityAt,
		AppVisible:     c.appVisible,
		HasHeartbeat:   c.hasHeartbeat,
	}
}

func (c *Client) isSubscribed() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.subscribed
}

// ReadPump pumps messages from the WebSocket connection into the dispatcher.
func (c *Client) ReadPump(ctx context.Context) {
	defer func() {
		c.hub.Unregister(c)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.logger.Debug("websocket read error", zap.Error(err))
			}
			break
		}

		var msg ws.Message
		if err := json.Unmarshal(message, &msg); err != nil {
			c.logger.Warn("failed to parse frame", zap.Error(err))
			c.sendMessage(ws.NewStatusError("", ws.ErrorCodeBadRequest, "invalid message format"))
			continue
		}

		c.handleMessage(ctx, &msg)
	}
}

// handleMessage processes an incoming frame. Connection-scoped messages
// (hello, heartbeat, fetch_agents) are handled here because they mutate the
// client's session state; everything else goes through the dispatcher.
func (c *Client) handleMessage(ctx context.Context, msg *ws.Message) {
	c.logger.Debug("received message",
		zap.String("type", msg.Type),
		zap.String("request_id", msg.RequestID))

	switch msg.Type {
	case ws.TypeHello:
		c.handleHello(msg)
		return
	case ws.TypeHeartbeat:
		c.handleHeartbeat(msg)
		return
	case ws.TypeFetchAgentsRequest:
		c.handleFetchAgents(msg)
		return
	case ws.TypeShutdownServerRequest:
		c.sendMessage(ws.NewStatusOK(msg.RequestID))
		c.hub.RequestShutdown()
		return
	}

	response, err := c.hub.dispatcher.Dispatch(ctx, msg)
	if err != nil {
		c.logger.Error("handler error",
			zap.String("type", msg.Type),
			zap.Error(err))
		c.sendMessage(ws.NewStatusError(msg.RequestID, ws.ErrorCodeInternal, err.Error()))
		return
	}
	if response != nil {
		c.sendMessage(response)
	}
}

func (c *Client) handleHello(msg *ws.Message) {
	var payload ws.HelloPayload
	if err := msg.ParsePayload(&payload); err != nil {
		c.sendMessage(ws.NewStatusError(msg.RequestID, ws.ErrorCodeBadRequest, "invalid hello payload"))
		return
	}
	c.mu.Lock()
	if payload.DeviceType != "" {
		c.deviceType = payload.DeviceType
	}
	c.mu.Unlock()
	c.sendMessage(c.hub.welcomeMessage(msg.RequestID))
}

func (c *Client) handleHeartbeat(msg *ws.Message) {
	var payload ws.HeartbeatPayload
	if err := msg.ParsePayload(&payload); err != nil {
		c.sendMessage(ws.NewStatusError(msg.RequestID, ws.ErrorCodeBadRequest, "invalid heartbeat payload"))
		return
	}
	c.mu.Lock()
	if payload.DeviceType != "" {
		c.deviceType = payload.DeviceType
	}
	c.focusedAgentID = payload.FocusedAgentID
	c.lastActivityAt = payload.LastActivityAt
	c.appVisible = payload.AppVisible
	c.hasHeartbeat = true
	c.mu.Unlock()
}

// handleFetchAgents replies with the current agent set and optionally marks
// the client subscribed to subsequent events.
func (c *Client) handleFetchAgents(msg *ws.Message) {
	var payload ws.FetchAgentsPayload
	if err := msg.ParsePayload(&payload); err != nil {
		c.sendMessage(ws.NewStatusError(msg.RequestID, ws.ErrorCodeBadRequest, "invalid payload"))
		return
	}

	if payload.Subscribe {
		c.mu.Lock()
		c.subscribed = true
		c.mu.Unlock()
	}

	for _, snap := range c.hub.manager.ListAgents() {
		if frame, err := ws.NewMessage(ws.TypeAgentUpsert, "", snap); err == nil {
			c.sendMessage(frame)
		}
	}
	c.sendMessage(ws.NewStatusOK(msg.RequestID))
}

// sendMessage marshals and enqueues a frame without blocking.
func (c *Client) sendMessage(msg *ws.Message) {
	if msg == nil {
		return
	}
	data, err := json.Marshal(msg)
	if err != nil {
		c.logger.Error("failed to marshal message", zap.Error(err))
		return
	}
	c.enqueue(data)
}

func (c *Client) enqueue(data []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sendClosed {
		return
	}
	select {
	case c.send <- data:
	default:
		// Never silently lose a frame: the lagged mark schedules a full
		// snapshot resync for this client on the next hub cycle.
		c.lagged = true
		c.logger.Warn("client send buffer full, dropping frame and scheduling resync")
	}
}

// takeLagged reports and clears the lagged mark.
func (c *Client) takeLagged() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	was := c.lagged
	c.lagged = false
	return was
}

// closeSend closes the outbound channel exactly once; later enqueues become
// no-ops instead of panicking.
func (c *Client) closeSend() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.sendClosed {
		c.sendClosed = true
		close(c.send)
	}
}

// WritePump pumps messages from the hub to the WebSocket connection.
func (c *Client) WritePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				// Hub closed the channel
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
