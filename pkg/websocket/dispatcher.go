package websocket

import "context"

// Handler is the interface for WebSocket message handlers.
type Handler interface {
	// Handle processes a WebSocket message and returns an optional response.
	Handle(ctx context.Context, msg *Message) (*Message, error)
}

// HandlerFunc is a function type that implements Handler.
type HandlerFunc func(ctx context.Context, msg *Message) (*Message, error)

// Handle implements the Handler interface.
func (f HandlerFunc) Handle(ctx context.Context, msg *Message) (*Message, error) {
	return f(ctx, msg)
}

// Dispatcher routes messages to handlers based on message type.
type Dispatcher struct {
	handlers map[string]Handler
}

// NewDispatcher creates a new message dispatcher.
func NewDispatcher() *Dispatcher {
	return &Dispatcher{
		handlers: make(map[string]Handler),
	}
}

// Register registers a handler for a message type.
func (d *Dispatcher) Register(msgType string, handler Handler) {
	d.handlers[msgType] = handler
}

// RegisterFunc registers a handler function for a message type.
func (d *Dispatcher) RegisterFunc(msgType string, handler HandlerFunc) {
	d.handlers[msgType] = handler
}

// Dispatch routes a message to the appropriate handler.
// Unknown types produce a bad_request status without closing the connection.
func (d *Dispatcher) Dispatch(ctx context.Context, msg *Message) (*Message, error) {
	handler, ok := d.handlers[msg.Type]
	if !ok {
		return NewStatusError(msg.RequestID, ErrorCodeBadRequest,
			"unknown message type: "+msg.Type), nil
	}
	return handler.Handle(ctx, msg)
}

// HasHandler returns true if a handler is registered for the message type.
func (d *Dispatcher) HasHandler(msgType string) bool {
	_, ok := d.handlers[msgType]
	return ok
}
