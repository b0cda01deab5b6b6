// Package websocket provides WebSocket message types and protocol definitions
// for the Paseo daemon wire protocol. Every frame is a JSON envelope of
// {type, payload}; request-style messages carry a requestId that is echoed in
// the matching response.
package websocket

import (
	"encoding/json"
	"time"
)

// Inbound message types (client -> daemon).
const (
	TypeHello                      = "hello"
	TypeFetchAgentsRequest         = "fetch_agents_request"
	TypeCreateAgentRequest         = "create_agent_request"
	TypeSendMessageRequest         = "send_message_request"
	TypeCancelAgentRequest         = "cancel_agent_request"
	TypeResumeAgentRequest         = "resume_agent_request"
	TypeDeleteAgentRequest         = "delete_agent_request"
	TypeListPersistedAgentsRequest = "list_persisted_agents_request"
	TypeHeartbeat                  = "heartbeat"
	TypeGitDiffRequest             = "git_diff_request"
	TypeShutdownServerRequest      = "shutdown_server_request"
	TypePing                       = "ping"
)

// Outbound message types (daemon -> client).
const (
	TypeWelcome                     = "welcome"
	TypeStatus                      = "status"
	TypeAgentUpsert                 = "agent_upsert"
	TypeAgentRemoved                = "agent_removed"
	TypeAgentStream                 = "agent_stream"
	TypeListPersistedAgentsResponse = "list_persisted_agents_response"
	TypeGitDiffResponse             = "git_diff_response"
	TypePong                        = "pong"
	TypeAttentionRequired           = "attention_required"
)

// Error codes surfaced in status payloads.
const (
	ErrorCodeBadRequest   = "bad_request"
	ErrorCodeNotFound     = "not_found"
	ErrorCodeUnauthorized = "unauthorized"
	ErrorCodeInternal     = "internal_error"
)

// CloseCodeAuthRequired is the WebSocket close code for failed authentication.
const CloseCodeAuthRequired = 4401

// Message is the envelope for all frames on the wire.
type Message struct {
	Type      string          `json:"type"`
	RequestID string          `json:"requestId,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// NewMessage creates a message with a marshaled payload.
func NewMessage(msgType, requestID string, payload any) (*Message, error) {
	var data json.RawMessage
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return nil, err
		}
		data = b
	}
	return &Message{
		Type:      msgType,
		RequestID: requestID,
		Payload:   data,
	}, nil
}

// ParsePayload parses the payload into the given struct.
func (m *Message) ParsePayload(v any) error {
	if m.Payload == nil {
		return nil
	}
	return json.Unmarshal(m.Payload, v)
}

// StatusPayload acknowledges a request or reports an error.
type StatusPayload struct {
	Status string        `json:"status"` // "ok" or "error"
	Error  *ErrorPayload `json:"error,omitempty"`
}

// ErrorPayload describes a request failure.
type ErrorPayload struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
}

// NewStatusOK builds an ok status response for a request.
func NewStatusOK(requestID string) *Message {
	msg, _ := NewMessage(TypeStatus, requestID, StatusPayload{Status: "ok"})
	return msg
}

// NewStatusError builds an error status response for a request.
func NewStatusError(requestID, code, message string) *Message {
	msg, _ := NewMessage(TypeStatus, requestID, StatusPayload{
		Status: "error",
		Error:  &ErrorPayload{Code: code, Message: message},
	})
	return msg
}

// WelcomePayload is the first daemon -> client frame.
type WelcomePayload struct {
	ServerVersion string   `json:"serverVersion"`
	Capabilities  []string `json:"capabilities,omitempty"`
	StartedAt     string   `json:"startedAt,omitempty"`
}

// HelloPayload identifies a connecting client.
type HelloPayload struct {
	ClientID   string `json:"clientId,omitempty"`
	DeviceType string `json:"deviceType,omitempty"` // web, mobile, cli, unknown
}

// HeartbeatPayload carries periodic client activity state.
type HeartbeatPayload struct {
	DeviceType     string    `json:"deviceType"`
	FocusedAgentID string    `json:"focusedAgentId,omitempty"`
	LastActivityAt time.Time `json:"lastActivityAt"`
	AppVisible     bool      `json:"appVisible"`
}

// FetchAgentsPayload requests the current agent set.
type FetchAgentsPayload struct {
	Subscribe bool `json:"subscribe,omitempty"`
}

// CreateAgentPayload requests a new agent.
type CreateAgentPayload struct {
	Provider     string            `json:"provider"`
	Cwd          string            `json:"cwd"`
	ModeID       string            `json:"modeId,omitempty"`
	Model        string            `json:"model,omitempty"`
	Title        string            `json:"title,omitempty"`
	WorktreeName string            `json:"worktreeName,omitempty"`
	Extra        map[string]string `json:"extra,omitempty"`
}

// SendMessagePayload forwards a user message to an agent.
type SendMessagePayload struct {
	AgentID         string   `json:"agentId"`
	Text            string   `json:"text"`
	Images          []string `json:"images,omitempty"`
	ClientMessageID string   `json:"clientMessageId,omitempty"`
}

// CancelAgentPayload interrupts the current agent turn.
type CancelAgentPayload struct {
	AgentID string `json:"agentId"`
}

// DeleteAgentPayload removes an agent.
type DeleteAgentPayload struct {
	AgentID string `json:"agentId"`
}

// ResumeAgentPayload reattaches to a persisted provider session.
type ResumeAgentPayload struct {
	Provider     string            `json:"provider"`
	SessionID    string            `json:"sessionId"`
	NativeHandle string            `json:"nativeHandle,omitempty"`
	Metadata     map[string]string `json:"metadata,omitempty"`
	Cwd          string            `json:"cwd,omitempty"`
	ModeID       string            `json:"modeId,omitempty"`
	Model        string            `json:"model,omitempty"`
	PreferredID  string            `json:"preferredId,omitempty"`
}

// ListPersistedAgentsPayload requests resumable session records.
type ListPersistedAgentsPayload struct {
	Provider string `json:"provider,omitempty"`
	Limit    int    `json:"limit,omitempty"`
}

// PersistedAgent is one resumable session record.
type PersistedAgent struct {
	Provider       string            `json:"provider"`
	SessionID      string            `json:"sessionId"`
	Cwd            string            `json:"cwd,omitempty"`
	Title          string            `json:"title,omitempty"`
	LastActivityAt time.Time         `json:"lastActivityAt"`
	NativeHandle   string            `json:"nativeHandle,omitempty"`
	Metadata       map[string]string `json:"metadata,omitempty"`
}

// ListPersistedAgentsResponse carries resumable session records.
type ListPersistedAgentsResponse struct {
	Agents []PersistedAgent `json:"agents"`
}

// GitDiffPayload requests the working-tree diff of an agent's cwd.
type GitDiffPayload struct {
	AgentID string `json:"agentId"`
}

// GitDiffResponse carries the (possibly truncated) diff text.
type GitDiffResponse struct {
	AgentID   string `json:"agentId"`
	Diff      string `json:"diff"`
	Truncated bool   `json:"truncated,omitempty"`
}

// AgentStreamPayload wraps a timeline event scoped to one agent.
type AgentStreamPayload struct {
	AgentID string          `json:"agentId"`
	Event   json.RawMessage `json:"event"`
}

// AgentRemovedPayload announces an agent deletion.
type AgentRemovedPayload struct {
	AgentID string `json:"agentId"`
}

// AttentionRequiredPayload tells a client an agent finished or failed a turn
// while nobody was watching.
type AttentionRequiredPayload struct {
	AgentID      string `json:"agentId"`
	Reason       string `json:"reason"` // "turn_complete" or "error"
	ShouldNotify bool   `json:"shouldNotify"`
}
