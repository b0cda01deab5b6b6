// Package timeline defines the canonical agent timeline: the ordered sequence
// of stream items derived from provider events, and the idempotent reducer
// that folds events into it.
package timeline

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"regexp"
	"time"
)

// ItemKind discriminates timeline items.
type ItemKind string

const (
	KindUserMessage      ItemKind = "user_message"
	KindAssistantMessage ItemKind = "assistant_message"
	KindThought          ItemKind = "thought"
	KindToolCall         ItemKind = "tool_call"
	KindActivityLog      ItemKind = "activity_log"
)

// ToolStatus is the normalized tool-call status.
type ToolStatus string

const (
	StatusExecuting ToolStatus = "executing"
	StatusCompleted ToolStatus = "completed"
	StatusFailed    ToolStatus = "failed"
)

// ActivityType categorizes activity log entries.
type ActivityType string

const (
	ActivitySystem  ActivityType = "system"
	ActivityInfo    ActivityType = "info"
	ActivitySuccess ActivityType = "success"
	ActivityError   ActivityType = "error"
)

// Item is one element of the canonical timeline (discriminated union).
// Exactly one of the kind-specific fields is set based on Kind.
type Item struct {
	ID        string    `json:"id"`
	Kind      ItemKind  `json:"kind"`
	Timestamp time.Time `json:"timestamp"`

	UserMessage      *UserMessage `json:"user_message,omitempty"`
	AssistantMessage *TextContent `json:"assistant_message,omitempty"`
	Thought          *TextContent `json:"thought,omitempty"`
	ToolCall         *ToolCall    `json:"tool_call,omitempty"`
	ActivityLog      *ActivityLog `json:"activity_log,omitempty"`

	Metadata map[string]any `json:"metadata,omitempty"`
}

// UserMessage is a message sent by the user.
type UserMessage struct {
	Text   string   `json:"text"`
	Images []string `json:"images,omitempty"`
}

// TextContent holds accumulated assistant or reasoning text.
type TextContent struct {
	Text string `json:"text"`
}

// ToolCallSource discriminates tool-call payload shapes.
type ToolCallSource string

const (
	SourceAgent        ToolCallSource = "agent"
	SourceOrchestrator ToolCallSource = "orchestrator"
)

// ToolCall is a provider-initiated invocation captured as a timeline item.
type ToolCall struct {
	Source ToolCallSource `json:"source"`

	Agent        *AgentToolCall        `json:"agent,omitempty"`
	Orchestrator *OrchestratorToolCall `json:"orchestrator,omitempty"`
}

// AgentToolCall is a tool invocation observed on a provider stream.
type AgentToolCall struct {
	Provider    string         `json:"provider"`
	Server      string         `json:"server,omitempty"`
	Tool        string         `json:"tool"`
	Status      ToolStatus     `json:"status"`
	Raw         map[string]any `json:"raw,omitempty"`
	CallID      string         `json:"callId,omitempty"`
	DisplayName string         `json:"displayName,omitempty"`
	Kind        string         `json:"kind,omitempty"`
	Result      any            `json:"result,omitempty"`
	Error       string         `json:"error,omitempty"`
	Detail      *ToolDetail    `json:"detail,omitempty"`
}

// OrchestratorToolCall is a tool invocation issued by the daemon itself.
type OrchestratorToolCall struct {
	ToolCallID string         `json:"toolCallId"`
	ToolName   string         `json:"toolName"`
	Arguments  map[string]any `json:"arguments,omitempty"`
	Result     any            `json:"result,omitempty"`
	Error      string         `json:"error,omitempty"`
	Status     ToolStatus     `json:"status"`
}

// DetailKind discriminates normalized tool detail payloads.
type DetailKind string

const (
	DetailShell    DetailKind = "shell"
	DetailRead     DetailKind = "read"
	DetailEdit     DetailKind = "edit"
	DetailSearch   DetailKind = "search"
	DetailThinking DetailKind = "thinking"
	DetailGeneric  DetailKind = "generic"
)

// ToolDetail is the normalized tool data (discriminated union).
type ToolDetail struct {
	Kind DetailKind `json:"kind"`

	Shell    *ShellDetail    `json:"shell,omitempty"`
	Read     *ReadDetail     `json:"read,omitempty"`
	Edit     *EditDetail     `json:"edit,omitempty"`
	Search   *SearchDetail   `json:"search,omitempty"`
	Thinking *ThinkingDetail `json:"thinking,omitempty"`
	Generic  *GenericDetail  `json:"generic,omitempty"`
}

// ShellDetail describes a shell command execution.
type ShellDetail struct {
	Command  string `json:"command"`
	Cwd      string `json:"cwd,omitempty"`
	Output   string `json:"output,omitempty"`
	ExitCode *int   `json:"exitCode,omitempty"`
}

// ReadDetail describes a file read.
type ReadDetail struct {
	FilePath string `json:"filePath"`
	Content  string `json:"content,omitempty"`
	Offset   int    `json:"offset,omitempty"`
	Limit    int    `json:"limit,omitempty"`
}

// EditDetail describes a file modification.
type EditDetail struct {
	FilePath    string `json:"filePath"`
	OldString   string `json:"oldString,omitempty"`
	NewString   string `json:"newString,omitempty"`
	UnifiedDiff string `json:"unifiedDiff,omitempty"`
}

// SearchDetail describes a search invocation.
type SearchDetail struct {
	Query string `json:"query"`
}

// ThinkingDetail carries reasoning surfaced through a tool channel.
type ThinkingDetail struct {
	Content string `json:"content"`
}

// KeyValue is one input or output entry of a generic tool call.
type KeyValue struct {
	Key   string `json:"key"`
	Value any    `json:"value"`
}

// GenericDetail is the fallback for unrecognized tools.
type GenericDetail struct {
	Input  []KeyValue `json:"input,omitempty"`
	Output []KeyValue `json:"output,omitempty"`
}

// ActivityLog is a daemon-side annotation on the timeline.
type ActivityLog struct {
	ActivityType ActivityType   `json:"activityType"`
	Message      string         `json:"message"`
	Metadata     map[string]any `json:"metadata,omitempty"`
}

var (
	failedRe    = regexp.MustCompile(`(?i)fail|error|deny|reject|cancel`)
	completedRe = regexp.MustCompile(`(?i)complete|success|granted|applied|done|resolved`)
)

// NormalizeStatus maps a provider status string onto the canonical
// executing/completed/failed set. Failure wins over completion so strings
// like "completed_with_errors" normalize to failed.
func NormalizeStatus(s string) ToolStatus {
	switch {
	case failedRe.MatchString(s):
		return StatusFailed
	case completedRe.MatchString(s):
		return StatusCompleted
	default:
		return StatusExecuting
	}
}

// Terminal reports whether a status will not advance further.
func (s ToolStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// IsPermission reports whether a tool call belongs to the permission channel
// and must be filtered out of the timeline.
func (tc *ToolCall) IsPermission() bool {
	if tc == nil || tc.Agent == nil {
		return false
	}
	return tc.Agent.Server == "permission" || tc.Agent.Kind == "permission"
}

// CallID returns the upsert key of a tool call, if any.
func (tc *ToolCall) CallID() string {
	switch {
	case tc == nil:
		return ""
	case tc.Agent != nil:
		return tc.Agent.CallID
	case tc.Orchestrator != nil:
		return tc.Orchestrator.ToolCallID
	default:
		return ""
	}
}

// hashID produces a short deterministic id from the given parts.
func hashID(parts ...string) string {
	h := sha256.New()
	for _, p := range parts {
		h.Write([]byte(p))
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil))[:16]
}

// UserMessageID derives a deterministic id for a user message without a
// client-supplied id.
func UserMessageID(text string, ts time.Time) string {
	return "user-" + hashID(text, ts.UTC().Format(time.RFC3339Nano))
}

// TodoListID derives a stable id for a rendered todo list from its JSON form.
func TodoListID(todos any) string {
	b, err := json.Marshal(todos)
	if err != nil {
		b = []byte(fmt.Sprintf("%v", todos))
	}
	return "todos-" + hashID(string(b))
}
