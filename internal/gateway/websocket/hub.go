// Package websocket is the daemon's client gateway: it accepts WebSocket
// connections, dispatches typed requests to the agent manager, and fans agent
// events out to connected clients.
package websocket

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/paseo-ai/paseo/internal/agent/manager"
	"github.com/paseo-ai/paseo/internal/agent/registry"
	"github.com/paseo-ai/paseo/internal/common/logger"
	ws "github.com/paseo-ai/paseo/pkg/websocket"
)

// Hub manages all WebSocket client connections and bridges the agent
// manager's subscription stream onto them.
type Hub struct {
	manager    *manager.Manager
	dispatcher *ws.Dispatcher

	clients map[*Client]bool

	register   chan *Client
	unregister chan *Client
	done       chan struct{}

	// lastStatus tracks each agent's previous status so turn completions and
	// failures can trigger the attention policy.
	lastStatus map[string]registry.AgentStatus

	shutdownFn func()
	startedAt  time.Time

	mu     sync.RWMutex
	logger *logger.Logger
}

// NewHub creates a WebSocket hub on top of the agent manager.
func NewHub(mgr *manager.Manager, dispatcher *ws.Dispatcher, log *logger.Logger) *Hub {
	return &Hub{
		manager:    mgr,
		dispatcher: dispatcher,
		clients:    make(map[*Client]bool),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		done:       make(chan struct{}),
		lastStatus: make(map[string]registry.AgentStatus),
		startedAt:  time.Now().UTC(),
		logger:     log.WithFields(zap.String("component", "ws_hub")),
	}
}

// SetShutdownFunc installs the callback invoked on shutdown_server_request.
func (h *Hub) SetShutdownFunc(fn func()) {
	h.shutdownFn = fn
}

// RequestShutdown triggers a daemon shutdown, if wired.
func (h *Hub) RequestShutdown() {
	if h.shutdownFn != nil {
		h.logger.Info("shutdown requested over websocket")
		go h.shutdownFn()
	}
}

// Run consumes the manager's event stream and serves client registration
// until the context is canceled.
func (h *Hub) Run(ctx context.Context) {
	h.logger.Info("websocket hub started")
	defer h.logger.Info("websocket hub stopped")
	defer close(h.done)

	sub := h.manager.Subscribe(manager.Filter{All: true})
	defer sub.Unsubscribe()

	for {
		select {
		case <-ctx.Done():
			h.closeAllClients()
			return

		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			h.mu.Unlock()
			h.logger.Debug("client registered", zap.String("client_id", client.ID))

		case client := <-h.unregister:
			h.removeClient(client)

		case ev, ok := <-sub.Events():
			if !ok {
				h.closeAllClients()
				return
			}
			h.onManagerEvent(ev)
			if sub.Lagged() {
				h.resync()
				sub.ClearLagged()
			}
			h.resyncLagged()
		}
	}
}

// onManagerEvent translates one manager event into wire frames.
func (h *Hub) onManagerEvent(ev manager.Event) {
	switch ev.Type {
	case manager.EventAgentUpsert:
		if frame, err := ws.NewMessage(ws.TypeAgentUpsert, "", ev.Snapshot); err == nil {
			h.broadcast(frame, false)
		}
		h.trackStatus(ev.AgentID, ev.Snapshot)

	case manager.EventAgentRemoved:
		h.mu.Lock()
		delete(h.lastStatus, ev.AgentID)
		h.mu.Unlock()
		if frame, err := ws.NewMessage(ws.TypeAgentRemoved, "", ws.AgentRemovedPayload{AgentID: ev.AgentID}); err == nil {
			h.broadcast(frame, false)
		}

	case manager.EventAgentStream:
		payload, err := json.Marshal(ev.Stream)
		if err != nil {
			return
		}
		frame, err := ws.NewMessage(ws.TypeAgentStream, "", ws.AgentStreamPayload{
			AgentID: ev.AgentID,
			Event:   payload,
		})
		if err == nil {
			h.broadcast(frame, true)
		}
	}
}

// trackStatus watches status transitions and fires the attention policy when
// a turn completes or the agent fails.
func (h *Hub) trackStatus(agentID string, snap *registry.Snapshot) {
	if snap == nil {
		return
	}
	h.mu.Lock()
	prev := h.lastStatus[agentID]
	h.lastStatus[agentID] = snap.Status
	h.mu.Unlock()

	var reason string
	switch {
	case snap.Status == registry.StatusError:
		reason = ReasonError
	case snap.Status == registry.StatusIdle &&
		(prev == registry.StatusRunning || prev == registry.StatusInterrupting):
		reason = ReasonTurnComplete
	default:
		return
	}
	h.notifyAttention(agentID, reason)
}

// notifyAttention computes shouldNotify per client and delivers
// attention_required frames.
func (h *Hub) notifyAttention(agentID, reason string) {
	h.mu.RLock()
	clients := make([]*Client, 0, len(h.clients))
	states := make([]ClientState, 0, len(h.clients))
	for client := range h.clients {
		clients = append(clients, client)
		states = append(states, client.state())
	}
	h.mu.RUnlock()

	if len(clients) == 0 {
		return
	}
	decision := DecideAttention(states, agentID, time.Now())

	for _, client := range clients {
		frame, err := ws.NewMessage(ws.TypeAttentionRequired, "", ws.AttentionRequiredPayload{
			AgentID:      agentID,
			Reason:       reason,
			ShouldNotify: decision[client.ID],
		})
		if err == nil {
			client.sendMessage(frame)
		}
	}
}

// resync re-sends the latest snapshot of every agent after the hub's
// subscription lagged; the registry remains the source of truth.
func (h *Hub) resync() {
	h.logger.Warn("hub subscription lagged, resyncing snapshots")
	for _, snap := range h.manager.ListAgents() {
		if frame, err := ws.NewMessage(ws.TypeAgentUpsert, "", snap); err == nil {
			h.broadcast(frame, false)
		}
	}
}

// resyncLagged re-sends the full agent snapshot set to every client whose
// send buffer overflowed since the previous event.
func (h *Hub) resyncLagged() {
	h.mu.RLock()
	var lagged []*Client
	for client := range h.clients {
		if client.takeLagged() {
			lagged = append(lagged, client)
		}
	}
	h.mu.RUnlock()
	if len(lagged) == 0 {
		return
	}

	snaps := h.manager.ListAgents()
	for _, client := range lagged {
		client.logger.Warn("client lagged, resyncing snapshots")
		for _, snap := range snaps {
			if frame, err := ws.NewMessage(ws.TypeAgentUpsert, "", snap); err == nil {
				client.sendMessage(frame)
			}
		}
	}
}

// sendQueueSize sizes client send buffers from the manager's subscriber
// queue configuration.
func (h *Hub) sendQueueSize() int {
	if h == nil || h.manager == nil {
		return 256
	}
	return h.manager.SubscriberQueueSize()
}

// broadcast fans a frame out to clients. Stream frames only go to clients
// that subscribed via fetch_agents_request.
func (h *Hub) broadcast(msg *ws.Message, subscribersOnly bool) {
	data, err := json.Marshal(msg)
	if err != nil {
		h.logger.Error("failed to marshal broadcast frame", zap.Error(err))
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	for client := range h.clients {
		if subscribersOnly && !client.isSubscribed() {
			continue
		}
		client.enqueue(data)
	}
}

func (h *Hub) welcomeMessage(requestID string) *ws.Message {
	msg, _ := ws.NewMessage(ws.TypeWelcome, requestID, ws.WelcomePayload{
		ServerVersion: "1.0.0",
		Capabilities:  []string{"agents", "git_diff", "attention"},
		StartedAt:     h.startedAt.Format(time.RFC3339),
	})
	return msg
}

// closeAllClients closes all client connections.
func (h *Hub) closeAllClients() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for client := range h.clients {
		client.closeSend()
		delete(h.clients, client)
	}
}

// removeClient removes a client from the hub.
func (h *Hub) removeClient(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[client]; ok {
		delete(h.clients, client)
		client.closeSend()
	}
	h.logger.Debug("client unregistered", zap.String("client_id", client.ID))
}

// Register adds a client to the hub. Returns immediately when the hub has
// already stopped.
func (h *Hub) Register(client *Client) {
	select {
	case h.register <- client:
	case <-h.done:
		client.closeSend()
	}
}

// Unregister removes a client from the hub. Returns immediately when the hub
// has already stopped; closeAllClients has cleaned up by then.
func (h *Hub) Unregister(client *Client) {
	select {
	case h.unregister <- client:
	case <-h.done:
	}
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}
