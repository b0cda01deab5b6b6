// Package claudecode provides types and a client for the Claude Code CLI
// stream-json protocol. Claude Code streams JSON lines over stdin/stdout and
// uses control requests for interrupts and permissions.
package claudecode

import "encoding/json"

// Message types from Claude Code CLI.
const (
	// MessageTypeSystem is the initial system message with session info
	MessageTypeSystem = "system"
	// MessageTypeAssistant contains text, thinking, or tool use from the assistant
	MessageTypeAssistant = "assistant"
	// MessageTypeUser carries tool results echoed back on the stream
	MessageTypeUser = "user"
	// MessageTypeResult is the final result message of a turn
	MessageTypeResult = "result"
	// MessageTypeControlRequest is a control request (permission, hook)
	MessageTypeControlRequest = "control_request"
	// MessageTypeControlResponse is a response to a control request
	MessageTypeControlResponse = "control_response"
)

// Control request subtypes.
const (
	SubtypeInterrupt  = "interrupt"
	SubtypeCanUseTool = "can_use_tool"
)

// Content block types.
const (
	BlockTypeText          = "text"
	BlockTypeThinking      = "thinking"
	BlockTypeToolUse       = "tool_use"
	BlockTypeToolResult    = "tool_result"
	BlockTypeMcpToolUse    = "mcp_tool_use"
	BlockTypeMcpToolResult = "mcp_tool_result"
)

// SyntheticModel marks assistant events generated by the CLI itself rather
// than the model.
const SyntheticModel = "<synthetic>"

// CLIMessage represents one line from Claude Code CLI stdout.
// The message type determines which fields are populated.
type CLIMessage struct {
	Type string `json:"type"`

	// For control_request / control_response messages
	RequestID string           `json:"request_id,omitempty"`
	Request   *ControlRequest  `json:"request,omitempty"`
	Response  *ControlResponse `json:"response,omitempty"`

	// For system messages
	SessionID string `json:"session_id,omitempty"`
	Subtype   string `json:"subtype,omitempty"`
	Model     string `json:"model,omitempty"`

	// For assistant and user messages
	Message *AssistantMessage `json:"message,omitempty"`

	// For result messages. Result can be a string or an object.
	Result     json.RawMessage `json:"result,omitempty"`
	IsError    bool            `json:"is_error,omitempty"`
	DurationMS int64           `json:"duration_ms,omitempty"`
	NumTurns   int             `json:"num_turns,omitempty"`
	CostUSD    float64         `json:"total_cost_usd,omitempty"`
}

// AssistantMessage contains the assistant's response content.
type AssistantMessage struct {
	Role    string         `json:"role"`
	Content []ContentBlock `json:"content,omitempty"`
	Model   string         `json:"model,omitempty"`
}

// ContentBlock represents a block of content in an assistant or user message.
type ContentBlock struct {
	Type string `json:"type"`

	// For text blocks
	Text string `json:"text,omitempty"`

	// For thinking blocks
	Thinking string `json:"thinking,omitempty"`

	// For tool_use and mcp_tool_use blocks
	ID         string         `json:"id,omitempty"`
	Name       string         `json:"name,omitempty"`
	ServerName string         `json:"server_name,omitempty"`
	Input      map[string]any `json:"input,omitempty"`

	// For tool_result and mcp_tool_result blocks
	ToolUseID string          `json:"tool_use_id,omitempty"`
	Content   json.RawMessage `json:"content,omitempty"`
	IsError   bool            `json:"is_error,omitempty"`
}

// ResultText extracts the plain text content of a tool_result block. Claude
// emits either a bare string or an array of typed blocks.
func (b *ContentBlock) ResultText() string {
	if len(b.Content) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(b.Content, &s); err == nil {
		return s
	}
	var blocks []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	}
	if err := json.Unmarshal(b.Content, &blocks); err == nil {
		var out string
		for _, bl := range blocks {
			if bl.Type == BlockTypeText {
				out += bl.Text
			}
		}
		return out
	}
	return ""
}

// ControlRequest is the body of a control_request message.
type ControlRequest struct {
	Subtype  string         `json:"subtype"`
	ToolName string         `json:"tool_name,omitempty"`
	Input    map[string]any `json:"input,omitempty"`
}

// ControlResponse is the body of a control_response message.
type ControlResponse struct {
	Subtype   string `json:"subtype"`
	RequestID string `json:"request_id,omitempty"`
	Error     string `json:"error,omitempty"`
	Response  any    `json:"response,omitempty"`
}

// UserMessage is a prompt written to Claude Code stdin.
type UserMessage struct {
	Type    string          `json:"type"`
	Message UserMessageBody `json:"message"`
}

// UserMessageBody holds the prompt content.
type UserMessageBody struct {
	Role    string `json:"role"`
	Content any    `json:"content"`
}

// OutgoingControlRequest is a control request written to Claude Code stdin.
type OutgoingControlRequest struct {
	Type      string             `json:"type"`
	RequestID string             `json:"request_id"`
	Request   ControlRequestBody `json:"request"`
}

// ControlRequestBody is the body of an outgoing control request.
type ControlRequestBody struct {
	Subtype string `json:"subtype"`
}

// OutgoingControlResponse answers a control request from the CLI.
type OutgoingControlResponse struct {
	Type      string           `json:"type"`
	RequestID string           `json:"request_id"`
	Response  *ControlResponse `json:"response"`
}

// PermissionResult is the response payload for a can_use_tool request.
type PermissionResult struct {
	Behavior     string         `json:"behavior"` // "allow" or "deny"
	UpdatedInput map[string]any `json:"updatedInput,omitempty"`
	Message      string         `json:"message,omitempty"`
}
