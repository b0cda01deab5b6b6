// Package codex provides types and a client for the Codex app-server
// protocol. Codex speaks a JSON-RPC 2.0 variant over stdio that omits the
// "jsonrpc":"2.0" header.
package codex

import "encoding/json"

// Request represents a Codex JSON-RPC request (without jsonrpc field).
type Request struct {
	ID     any             `json:"id,omitempty"`
	Method string          `json:"method"`
	Params json.RawMessage `json:"params,omitempty"`
}

// Response represents a Codex JSON-RPC response.
type Response struct {
	ID     any             `json:"id"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  *Error          `json:"error,omitempty"`
}

// Notification represents a Codex notification (no id field).
type Notification struct {
	Method string          `json:"method"`
	Params json.RawMessage `json:"params,omitempty"`
}

// Error represents a JSON-RPC error.
type Error struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

// Codex method names.
const (
	MethodInitialize    = "initialize"
	MethodInitialized   = "initialized" // notification
	MethodThreadStart   = "thread/start"
	MethodThreadResume  = "thread/resume"
	MethodThreadList    = "thread/list"
	MethodTurnStart     = "turn/start"
	MethodTurnInterrupt = "turn/interrupt"
)

// Codex notification methods (server -> client).
const (
	NotifyThreadStarted         = "thread/started"
	NotifyTurnStarted           = "turn/started"
	NotifyTurnCompleted         = "turn/completed"
	NotifyItemStarted           = "item/started"
	NotifyItemUpdated           = "item/updated"
	NotifyItemCompleted         = "item/completed"
	NotifyItemAgentMessageDelta = "item/agentMessage/delta"
	NotifyItemReasoningDelta    = "item/reasoning/textDelta"
	NotifyError                 = "error"
)

// Thread item types.
const (
	ItemTypeAgentMessage     = "agentMessage"
	ItemTypeReasoning        = "reasoning"
	ItemTypeCommandExecution = "commandExecution"
	ItemTypeFileChange       = "fileChange"
	ItemTypeMcpToolCall      = "mcpToolCall"
	ItemTypeWebSearch        = "webSearch"
	ItemTypeTodoList         = "todoList"
)

// InitializeParams for initialize request.
type InitializeParams struct {
	ClientInfo *ClientInfo `json:"clientInfo"`
}

// ClientInfo identifies the client.
type ClientInfo struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

// ThreadStartParams for thread/start.
type ThreadStartParams struct {
	Model string `json:"model,omitempty"`
	Cwd   string `json:"cwd,omitempty"`
}

// ThreadResumeParams for thread/resume.
type ThreadResumeParams struct {
	ThreadID string `json:"threadId"`
	Cwd      string `json:"cwd,omitempty"`
}

// Thread represents a Codex thread (conversation).
type Thread struct {
	ID        string `json:"id"`
	Preview   string `json:"preview,omitempty"`
	Cwd       string `json:"cwd,omitempty"`
	CreatedAt int64  `json:"createdAt,omitempty"`
	UpdatedAt int64  `json:"updatedAt,omitempty"`
}

// ThreadStartResult from thread/start and thread/resume.
type ThreadStartResult struct {
	Thread *Thread `json:"thread"`
}

// ThreadListParams for thread/list.
type ThreadListParams struct {
	Limit int `json:"limit,omitempty"`
}

// ThreadListResult from thread/list.
type ThreadListResult struct {
	Threads []Thread `json:"threads"`
}

// TurnStartParams for turn/start.
type TurnStartParams struct {
	ThreadID string      `json:"threadId"`
	Input    []UserInput `json:"input"`
}

// UserInput is one input element of a turn.
type UserInput struct {
	Type string `json:"type"` // "text" or "image"
	Text string `json:"text,omitempty"`
	URL  string `json:"url,omitempty"`
}

// TurnInterruptParams for turn/interrupt.
type TurnInterruptParams struct {
	ThreadID string `json:"threadId"`
	TurnID   string `json:"turnId,omitempty"`
}

// ItemParams is the payload of item/started, item/updated, and item/completed.
type ItemParams struct {
	ThreadID string      `json:"threadId,omitempty"`
	TurnID   string      `json:"turnId,omitempty"`
	Item     *ThreadItem `json:"item"`
}

// DeltaParams is the payload of agentMessage and reasoning delta notifications.
type DeltaParams struct {
	ThreadID string `json:"threadId,omitempty"`
	ItemID   string `json:"itemId,omitempty"`
	Delta    string `json:"delta"`
}

// TurnParams is the payload of turn/started and turn/completed.
type TurnParams struct {
	ThreadID string     `json:"threadId,omitempty"`
	Turn     *Turn      `json:"turn,omitempty"`
	Usage    *TurnUsage `json:"usage,omitempty"`
}

// Turn describes one prompt/response exchange.
type Turn struct {
	ID     string `json:"id"`
	Status string `json:"status,omitempty"`
	Error  *Error `json:"error,omitempty"`
}

// TurnUsage carries token accounting for a completed turn.
type TurnUsage struct {
	InputTokens  int64 `json:"inputTokens,omitempty"`
	OutputTokens int64 `json:"outputTokens,omitempty"`
}

// ErrorParams is the payload of error notifications.
type ErrorParams struct {
	ThreadID string `json:"threadId,omitempty"`
	Error    *Error `json:"error,omitempty"`
	Message  string `json:"message,omitempty"`
}

// ThreadItem is one item on a Codex thread. The item type determines which
// shape-specific fields are populated.
type ThreadItem struct {
	ID     string `json:"id"`
	Type   string `json:"type"`
	Status string `json:"status,omitempty"`
	Error  string `json:"error,omitempty"`

	// agentMessage / reasoning
	Text string `json:"text,omitempty"`

	// commandExecution
	Command          string `json:"command,omitempty"`
	Cwd              string `json:"cwd,omitempty"`
	AggregatedOutput string `json:"aggregatedOutput,omitempty"`
	ExitCode         *int   `json:"exitCode,omitempty"`

	// fileChange
	Changes []FileUpdateChange `json:"changes,omitempty"`

	// mcpToolCall
	Server    string          `json:"server,omitempty"`
	Tool      string          `json:"tool,omitempty"`
	Arguments json.RawMessage `json:"arguments,omitempty"`
	Result    json.RawMessage `json:"result,omitempty"`

	// webSearch
	Query string `json:"query,omitempty"`

	// todoList
	Items []TodoItem `json:"items,omitempty"`
}

// FileUpdateChange is a single file mutation within a fileChange item.
type FileUpdateChange struct {
	Path string `json:"path"`
	Kind string `json:"kind,omitempty"` // "add", "delete", "update"
	Diff string `json:"diff,omitempty"`
}

// TodoItem is one entry of a todoList item.
type TodoItem struct {
	Text      string `json:"text"`
	Completed bool   `json:"completed"`
}
