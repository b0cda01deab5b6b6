package websocket

import (
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	gorillaws "github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/paseo-ai/paseo/internal/common/logger"
	ws "github.com/paseo-ai/paseo/pkg/websocket"
)

// AuthConfig controls handshake validation.
type AuthConfig struct {
	// Token, when non-empty, must match the client's bearer token or ?token
	// query parameter. Failures close the connection with code 4401.
	Token string

	// AllowedHosts restricts the Host header. Empty means local-only
	// (localhost and loopback). An entry of "*" disables the check; a
	// dot-prefixed entry matches any subdomain suffix.
	AllowedHosts []string
}

// Handler upgrades HTTP connections into hub clients.
type Handler struct {
	hub    *Hub
	auth   AuthConfig
	logger *logger.Logger
}

// NewHandler creates a WebSocket connection handler.
func NewHandler(hub *Hub, auth AuthConfig, log *logger.Logger) *Handler {
	return &Handler{
		hub:    hub,
		auth:   auth,
		logger: log.WithFields(zap.String("component", "ws_handler")),
	}
}

func (h *Handler) upgrader() gorillaws.Upgrader {
	return gorillaws.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *http.Request) bool {
			return h.hostAllowed(r.Host)
		},
	}
}

// hostAllowed checks the Host header against the allowlist.
func (h *Handler) hostAllowed(host string) bool {
	name := normalizeHost(host)
	if len(h.auth.AllowedHosts) == 0 {
		return name == "localhost" || name == "127.0.0.1" || name == "::1"
	}
	for _, allowed := range h.auth.AllowedHosts {
		switch {
		case allowed == "*":
			return true
		case strings.HasPrefix(allowed, "."):
			if strings.HasSuffix(name, allowed) || name == strings.TrimPrefix(allowed, ".") {
				return true
			}
		case name == allowed:
			return true
		}
	}
	return false
}

// tokenValid checks the bearer token or ?token query parameter.
func (h *Handler) tokenValid(r *http.Request) bool {
	if h.auth.Token == "" {
		return true
	}
	presented := r.URL.Query().Get("token")
	if auth := r.Header.Get("Authorization"); auth != "" {
		presented = strings.TrimPrefix(auth, "Bearer ")
	}
	return subtle.ConstantTimeCompare([]byte(presented), []byte(h.auth.Token)) == 1
}

// HandleConnection validates the handshake, upgrades to WebSocket, and runs
// the client pumps.
func (h *Handler) HandleConnection(c *gin.Context) {
	if !h.hostAllowed(c.Request.Host) {
		h.logger.Warn("rejected connection from disallowed host",
			zap.String("host", c.Request.Host))
		c.AbortWithStatus(http.StatusForbidden)
		return
	}

	upgrader := h.upgrader()
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Error("failed to upgrade connection", zap.Error(err))
		return
	}

	if !h.tokenValid(c.Request) {
		h.logger.Warn("rejected connection with invalid token",
			zap.String("remote_addr", c.Request.RemoteAddr))
		_ = conn.WriteMessage(gorillaws.CloseMessage,
			gorillaws.FormatCloseMessage(ws.CloseCodeAuthRequired, "authentication required"))
		conn.Close()
		return
	}

	clientID := uuid.New().String()
	h.logger.Debug("websocket connection established",
		zap.String("client_id", clientID),
		zap.String("remote_addr", c.Request.RemoteAddr))

	client := NewClient(clientID, conn, h.hub, h.hub.sendQueueSize(), h.logger)
	h.hub.Register(client)

	go client.WritePump()
	client.ReadPump(c.Request.Context())
}
