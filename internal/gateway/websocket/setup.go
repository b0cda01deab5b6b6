package websocket

import (
	"github.com/gin-gonic/gin"

	"github.com/paseo-ai/paseo/internal/agent/manager"
	"github.com/paseo-ai/paseo/internal/common/logger"
	ws "github.com/paseo-ai/paseo/pkg/websocket"
)

// Gateway bundles the WebSocket hub, dispatcher, and connection handler.
type Gateway struct {
	Hub        *Hub
	Dispatcher *ws.Dispatcher
	Handler    *Handler
	logger     *logger.Logger
}

// NewGateway wires the gateway onto the agent manager.
func NewGateway(mgr *manager.Manager, auth AuthConfig, log *logger.Logger) *Gateway {
	dispatcher := ws.NewDispatcher()
	hub := NewHub(mgr, dispatcher, log)
	handler := NewHandler(hub, auth, log)

	RegisterAgentHandlers(dispatcher, mgr)

	return &Gateway{
		Hub:        hub,
		Dispatcher: dispatcher,
		Handler:    handler,
		logger:     log,
	}
}

// SetupRoutes adds the WebSocket routes to the Gin engine.
func (g *Gateway) SetupRoutes(router *gin.Engine) {
	router.GET("/ws", g.Handler.HandleConnection)
}
