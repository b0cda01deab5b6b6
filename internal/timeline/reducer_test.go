package timeline

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func ts(offset int) time.Time {
	return time.Date(2026, 1, 15, 10, 0, 0, 0, time.UTC).Add(time.Duration(offset) * time.Second)
}

func TestReducer_AssistantChunkAccumulation(t *testing.T) {
	r := NewReducer()
	r.Apply(Event{Kind: EventAssistantMessage, Text: "Hello! "}, ts(0))
	r.Apply(Event{Kind: EventAssistantMessage, Text: "How can I help you?"}, ts(1))
	r.Apply(Event{Kind: EventReasoning, Text: "Thinking..."}, ts(2))

	items := r.Items()
	require.Len(t, items, 2)
	require.Equal(t, KindAssistantMessage, items[0].Kind)
	assert.Equal(t, "Hello! How can I help you?", items[0].AssistantMessage.Text)
	require.Equal(t, KindThought, items[1].Kind)
	assert.Equal(t, "Thinking...", items[1].Thought.Text)
}

func TestReducer_WhitespacePreserved(t *testing.T) {
	r := NewReducer()
	r.Apply(Event{Kind: EventAssistantMessage, Text: "Hello "}, ts(0))
	r.Apply(Event{Kind: EventAssistantMessage, Text: "world"}, ts(1))
	r.Apply(Event{Kind: EventAssistantMessage, Text: " !"}, ts(2))

	items := r.Items()
	require.Len(t, items, 1)
	assert.Equal(t, "Hello world !", items[0].AssistantMessage.Text)
}

func TestReducer_CarriageReturnsStripped(t *testing.T) {
	r := NewReducer()
	r.Apply(Event{Kind: EventAssistantMessage, Text: "line one\r\nline two\r"}, ts(0))

	items := r.Items()
	require.Len(t, items, 1)
	assert.Equal(t, "line one\nline two", items[0].AssistantMessage.Text)
}

func TestReducer_WhitespaceOnlyChunkDoesNotCommitItem(t *testing.T) {
	r := NewReducer()
	r.Apply(Event{Kind: EventAssistantMessage, Text: "  "}, ts(0))
	require.Equal(t, 0, r.Len())

	// The buffered whitespace joins the first real chunk.
	r.Apply(Event{Kind: EventAssistantMessage, Text: "hi"}, ts(1))
	items := r.Items()
	require.Len(t, items, 1)
	assert.Equal(t, "  hi", items[0].AssistantMessage.Text)
}

func TestReducer_InterveningItemStartsNewAssistantMessage(t *testing.T) {
	r := NewReducer()
	r.Apply(Event{Kind: EventAssistantMessage, Text: "first"}, ts(0))
	r.Apply(Event{Kind: EventReasoning, Text: "thinking"}, ts(1))
	r.Apply(Event{Kind: EventAssistantMessage, Text: "second"}, ts(2))

	items := r.Items()
	require.Len(t, items, 3)
	assert.Equal(t, "first", items[0].AssistantMessage.Text)
	assert.Equal(t, "second", items[2].AssistantMessage.Text)
	assert.NotEqual(t, items[0].ID, items[2].ID)
}

func TestReducer_UserMessageIdempotent(t *testing.T) {
	r := NewReducer()
	r.Apply(Event{Kind: EventUserMessage, MessageID: "msg-1", Text: "do the thing"}, ts(0))
	r.Apply(Event{Kind: EventUserMessage, MessageID: "msg-1", Text: "do the thing"}, ts(5))

	items := r.Items()
	require.Len(t, items, 1)
	assert.Equal(t, "msg-1", items[0].ID)
	assert.Equal(t, "do the thing", items[0].UserMessage.Text)
}

func TestReducer_UserMessageDerivedID(t *testing.T) {
	r := NewReducer()
	a := r.Apply(Event{Kind: EventUserMessage, Text: "hello"}, ts(0))
	require.NotNil(t, a)

	other := NewReducer()
	b := other.Apply(Event{Kind: EventUserMessage, Text: "hello"}, ts(0))
	require.NotNil(t, b)

	assert.Equal(t, a.ID, b.ID, "derived id must be deterministic")
}

func TestReducer_EmptyUserMessageDiscarded(t *testing.T) {
	r := NewReducer()
	assert.Nil(t, r.Apply(Event{Kind: EventUserMessage, Text: ""}, ts(0)))
	assert.Equal(t, 0, r.Len())
}

func toolEvent(callID, status string) Event {
	return Event{
		Kind: EventToolCall,
		ToolCall: &ToolCall{
			Source: SourceAgent,
			Agent: &AgentToolCall{
				Provider: "claude",
				Tool:     "shell",
				CallID:   callID,
				Status:   NormalizeStatus(status),
			},
		},
	}
}

func TestReducer_ToolCallConsolidation(t *testing.T) {
	r := NewReducer()
	r.Apply(toolEvent("tool-1", "pending"), ts(0))
	r.Apply(toolEvent("tool-1", "completed"), ts(1))

	items := r.Items()
	require.Len(t, items, 1)
	assert.Equal(t, StatusCompleted, items[0].ToolCall.Agent.Status)
}

func TestReducer_RawPreservation(t *testing.T) {
	r := NewReducer()

	first := toolEvent("tool-raw-test", "pending")
	first.ToolCall.Agent.Raw = map[string]any{
		"type":  "mcp_tool_use",
		"input": map[string]any{"command": "pwd"},
	}
	r.Apply(first, ts(0))

	second := toolEvent("tool-raw-test", "completed")
	second.ToolCall.Agent.Raw = map[string]any{
		"type":   "mcp_tool_result",
		"output": map[string]any{"stdout": "/tmp"},
	}
	second.ToolCall.Agent.Result = map[string]any{"stdout": "/tmp"}
	r.Apply(second, ts(1))

	items := r.Items()
	require.Len(t, items, 1)
	agent := items[0].ToolCall.Agent
	assert.Equal(t, StatusCompleted, agent.Status)

	input, ok := agent.Raw["input"].(map[string]any)
	require.True(t, ok, "first raw payload must survive the merge")
	assert.Equal(t, "pwd", input["command"])
	assert.NotNil(t, agent.Result)
}

func TestReducer_GenericResultMergesIntoShellDetail(t *testing.T) {
	r := NewReducer()

	call := toolEvent("tool-sh", "pending")
	call.ToolCall.Agent.Detail = &ToolDetail{
		Kind:  DetailShell,
		Shell: &ShellDetail{Command: "ls -la"},
	}
	r.Apply(call, ts(0))

	// Results often arrive without the tool name and map to generic detail;
	// their output still belongs on the stored shell detail.
	result := toolEvent("tool-sh", "completed")
	result.ToolCall.Agent.Detail = &ToolDetail{
		Kind: DetailGeneric,
		Generic: &GenericDetail{Output: []KeyValue{
			{Key: "output", Value: "total 0\n"},
			{Key: "exit_code", Value: float64(0)},
		}},
	}
	r.Apply(result, ts(1))

	items := r.Items()
	require.Len(t, items, 1)
	detail := items[0].ToolCall.Agent.Detail
	require.Equal(t, DetailShell, detail.Kind)
	assert.Equal(t, "ls -la", detail.Shell.Command)
	assert.Equal(t, "total 0\n", detail.Shell.Output)
	require.NotNil(t, detail.Shell.ExitCode)
	assert.Equal(t, 0, *detail.Shell.ExitCode)
}

func TestReducer_GenericResultMergesIntoReadDetail(t *testing.T) {
	r := NewReducer()

	call := toolEvent("tool-rd", "pending")
	call.ToolCall.Agent.Detail = &ToolDetail{
		Kind: DetailRead,
		Read: &ReadDetail{FilePath: "main.go"},
	}
	r.Apply(call, ts(0))

	result := toolEvent("tool-rd", "completed")
	result.ToolCall.Agent.Detail = &ToolDetail{
		Kind: DetailGeneric,
		Generic: &GenericDetail{Output: []KeyValue{
			{Key: "output", Value: "package main\n"},
		}},
	}
	r.Apply(result, ts(1))

	items := r.Items()
	require.Len(t, items, 1)
	detail := items[0].ToolCall.Agent.Detail
	require.Equal(t, DetailRead, detail.Kind)
	assert.Equal(t, "package main\n", detail.Read.Content)
}

func TestReducer_TerminalStatusNotRegressed(t *testing.T) {
	r := NewReducer()
	r.Apply(toolEvent("tool-2", "completed"), ts(0))
	r.Apply(toolEvent("tool-2", "running"), ts(1))

	items := r.Items()
	require.Len(t, items, 1)
	assert.Equal(t, StatusCompleted, items[0].ToolCall.Agent.Status)
}

func TestReducer_PermissionToolCallsFiltered(t *testing.T) {
	r := NewReducer()

	ev := toolEvent("perm-1", "pending")
	ev.ToolCall.Agent.Server = "permission"
	assert.Nil(t, r.Apply(ev, ts(0)))

	ev = toolEvent("perm-2", "pending")
	ev.ToolCall.Agent.Kind = "permission"
	assert.Nil(t, r.Apply(ev, ts(1)))

	assert.Equal(t, 0, r.Len())
}

func TestReducer_OrderPreservedUnderUpserts(t *testing.T) {
	r := NewReducer()
	r.Apply(toolEvent("a", "pending"), ts(0))
	r.Apply(toolEvent("b", "pending"), ts(1))
	r.Apply(toolEvent("c", "pending"), ts(2))
	r.Apply(toolEvent("a", "completed"), ts(3))
	r.Apply(toolEvent("c", "failed"), ts(4))
	r.Apply(toolEvent("b", "completed"), ts(5))

	items := r.Items()
	require.Len(t, items, 3)
	assert.Equal(t, "a", items[0].ID)
	assert.Equal(t, "b", items[1].ID)
	assert.Equal(t, "c", items[2].ID)
}

func TestReducer_Idempotence(t *testing.T) {
	events := []Event{
		{Kind: EventUserMessage, MessageID: "m1", Text: "run ls"},
		{Kind: EventAssistantMessage, Text: "Running "},
		{Kind: EventAssistantMessage, Text: "ls now"},
		toolEvent("t1", "pending"),
		toolEvent("t1", "completed"),
		{Kind: EventError, Text: "something odd"},
	}

	base := NewReducer()
	base.Hydrate(events, ts(0))

	replayed := NewReducer()
	replayed.Hydrate(append(append([]Event{}, events...), events...), ts(0))

	a, b := base.Items(), replayed.Items()
	require.Equal(t, len(a), len(b))
	for i := range a {
		assert.Equal(t, a[i].ID, b[i].ID)
		assert.Equal(t, a[i].Kind, b[i].Kind)
		if a[i].AssistantMessage != nil {
			assert.Equal(t, a[i].AssistantMessage.Text, b[i].AssistantMessage.Text)
		}
	}
}

func TestReducer_TodoRenderedAsSystemActivity(t *testing.T) {
	r := NewReducer()
	todos := []TodoEntry{
		{Content: "write tests", Status: "completed"},
		{Content: "ship it", Status: "pending"},
	}
	item := r.Apply(Event{Kind: EventTodo, Todos: todos}, ts(0))
	require.NotNil(t, item)
	require.Equal(t, KindActivityLog, item.Kind)
	assert.Equal(t, ActivitySystem, item.ActivityLog.ActivityType)
	assert.Contains(t, item.ActivityLog.Message, "[x] write tests")
	assert.Contains(t, item.ActivityLog.Message, "[ ] ship it")

	// Same todo list upserts in place.
	r.Apply(Event{Kind: EventTodo, Todos: todos}, ts(1))
	assert.Equal(t, 1, r.Len())
}

func TestReducer_ErrorRenderedAsErrorActivity(t *testing.T) {
	r := NewReducer()
	item := r.Apply(Event{Kind: EventError, Text: "provider exploded"}, ts(0))
	require.NotNil(t, item)
	assert.Equal(t, ActivityError, item.ActivityLog.ActivityType)
	assert.Equal(t, "provider exploded", item.ActivityLog.Message)
}

func TestNormalizeStatus(t *testing.T) {
	cases := map[string]ToolStatus{
		"pending":        StatusExecuting,
		"in_progress":    StatusExecuting,
		"running":        StatusExecuting,
		"completed":      StatusCompleted,
		"success":        StatusCompleted,
		"granted":        StatusCompleted,
		"applied":        StatusCompleted,
		"done":           StatusCompleted,
		"resolved":       StatusCompleted,
		"failed":         StatusFailed,
		"error":          StatusFailed,
		"denied":         StatusFailed,
		"rejected":       StatusFailed,
		"cancelled":      StatusFailed,
		"CANCELLED":      StatusFailed,
		"weird-unknown":  StatusExecuting,
		"completed_with_errors": StatusFailed,
	}
	for input, want := range cases {
		assert.Equal(t, want, NormalizeStatus(input), "status %q", input)
	}
}

func TestReducer_SyntheticAssistantMarked(t *testing.T) {
	r := NewReducer()
	item := r.Apply(Event{Kind: EventAssistantMessage, Text: "marker text", Synthetic: true}, ts(0))
	require.NotNil(t, item)
	assert.Equal(t, true, item.Metadata["synthetic"])
}
