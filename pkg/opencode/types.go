// Package opencode provides types and a client for the OpenCode server
// protocol. OpenCode exposes a REST API plus a Server-Sent Events stream.
package opencode

import "encoding/json"

// SSE event types from the /event stream.
const (
	EventMessageUpdated     = "message.updated"
	EventMessagePartUpdated = "message.part.updated"
	EventPermissionAsked    = "permission.asked"
	EventSessionIdle        = "session.idle"
	EventSessionError       = "session.error"
	EventTodoUpdated        = "todo.updated"
)

// Part types within a message.
const (
	PartTypeText      = "text"
	PartTypeReasoning = "reasoning"
	PartTypeTool      = "tool"
)

// Tool state status values.
const (
	ToolStatusPending   = "pending"
	ToolStatusRunning   = "running"
	ToolStatusCompleted = "completed"
	ToolStatusError     = "error"
)

// EventEnvelope is the base structure for all SSE events.
type EventEnvelope struct {
	Type       string          `json:"type"`
	Properties json.RawMessage `json:"properties,omitempty"`
}

// HealthResponse from GET /global/health.
type HealthResponse struct {
	Healthy bool   `json:"healthy"`
	Version string `json:"version"`
}

// Session describes an OpenCode session.
type Session struct {
	ID        string `json:"id"`
	Title     string `json:"title,omitempty"`
	Directory string `json:"directory,omitempty"`
	Version   string `json:"version,omitempty"`
	Time      *struct {
		Created int64 `json:"created,omitempty"`
		Updated int64 `json:"updated,omitempty"`
	} `json:"time,omitempty"`
}

// ModelSpec selects the model for a prompt.
type ModelSpec struct {
	ProviderID string `json:"providerID"`
	ModelID    string `json:"modelID"`
}

// TextPartInput is one input part of a prompt request.
type TextPartInput struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

// PromptRequest for POST /session/{id}/message.
type PromptRequest struct {
	Model *ModelSpec      `json:"model,omitempty"`
	Parts []TextPartInput `json:"parts"`
}

// MessageInfo contains message metadata.
type MessageInfo struct {
	ID        string `json:"id"`
	SessionID string `json:"sessionID"`
	Role      string `json:"role"`
	Error     *struct {
		Name    string `json:"name,omitempty"`
		Message string `json:"message,omitempty"`
	} `json:"error,omitempty"`
}

// MessageUpdatedProperties for message.updated events.
type MessageUpdatedProperties struct {
	Info MessageInfo `json:"info"`
}

// Part is one part of a message: text, reasoning, or tool invocation.
type Part struct {
	ID        string `json:"id"`
	MessageID string `json:"messageID"`
	SessionID string `json:"sessionID"`
	Type      string `json:"type"`

	// text / reasoning
	Text string `json:"text,omitempty"`

	// tool
	CallID string     `json:"callID,omitempty"`
	Tool   string     `json:"tool,omitempty"`
	State  *ToolState `json:"state,omitempty"`
}

// ToolState carries the progress of a tool part.
type ToolState struct {
	Status   string          `json:"status"`
	Input    map[string]any  `json:"input,omitempty"`
	Output   json.RawMessage `json:"output,omitempty"`
	Title    string          `json:"title,omitempty"`
	Error    string          `json:"error,omitempty"`
	Metadata map[string]any  `json:"metadata,omitempty"`
}

// PartUpdatedProperties for message.part.updated events.
type PartUpdatedProperties struct {
	Part Part `json:"part"`
}

// SessionScopedProperties for session.idle and session.error events.
type SessionScopedProperties struct {
	SessionID string `json:"sessionID"`
	Error     *struct {
		Name    string `json:"name,omitempty"`
		Message string `json:"message,omitempty"`
	} `json:"error,omitempty"`
}

// Todo is one entry of a todo.updated event.
type Todo struct {
	Content string `json:"content"`
	Status  string `json:"status,omitempty"`
}

// TodoUpdatedProperties for todo.updated events.
type TodoUpdatedProperties struct {
	SessionID string `json:"sessionID"`
	Todos     []Todo `json:"todos"`
}

// PermissionAskedProperties for permission.asked events.
type PermissionAskedProperties struct {
	ID        string         `json:"id"`
	SessionID string         `json:"sessionID"`
	Type      string         `json:"type,omitempty"`
	Title     string         `json:"title,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

// PermissionReplyRequest for POST /permission/{id}/reply.
type PermissionReplyRequest struct {
	Reply string `json:"reply"` // "once" or "reject"
}
