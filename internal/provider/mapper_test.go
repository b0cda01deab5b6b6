package provider

import (
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/paseo-ai/paseo/internal/timeline"
)

func TestExtractCallID(t *testing.T) {
	tests := []struct {
		name string
		raw  map[string]any
		want string
	}{
		{"camelCase", map[string]any{"toolCallId": "tc-1"}, "tc-1"},
		{"snake_case", map[string]any{"tool_call_id": "tc-2"}, "tc-2"},
		{"claude tool_use_id", map[string]any{"tool_use_id": "toolu_123"}, "toolu_123"},
		{"nested", map[string]any{"item": map[string]any{"callId": "tc-3"}}, "tc-3"},
		{"deeply nested", map[string]any{
			"a": map[string]any{"b": map[string]any{"call_id": "tc-4"}},
		}, "tc-4"},
		{"missing", map[string]any{"name": "bash"}, ""},
		{"non-string value ignored", map[string]any{"callId": 42}, ""},
		{"nil", nil, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ExtractCallID(tt.raw))
		})
	}
}

func TestDeriveCallID_Deterministic(t *testing.T) {
	input := map[string]any{"command": "ls -la"}
	a := DeriveCallID("codex", "shell", input)
	b := DeriveCallID("codex", "shell", map[string]any{"command": "ls -la"})
	assert.Equal(t, a, b, "same provider/tool/input must derive the same id")

	c := DeriveCallID("claude", "shell", input)
	assert.NotEqual(t, a, c, "different provider must derive a different id")
}

func TestCanonicalToolName(t *testing.T) {
	tests := map[string]string{
		"Bash":             "shell",
		"bash":             "shell",
		"exec":             "shell",
		"commandExecution": "shell",
		"Read":             "read_file",
		"read_file":        "read_file",
		"Edit":             "edit",
		"apply_patch":      "edit",
		"apply_diff":       "edit",
		"Write":            "edit",
		"WebSearch":        "web_search",
		"Grep":             "search",
		"Glob":             "search",
		"mcp__custom":      "mcp__custom", // unknown passes through lowercased
	}
	for in, want := range tests {
		assert.Equal(t, want, CanonicalToolName(in), "input %q", in)
	}
}

func TestMapToolCall_Shell(t *testing.T) {
	tc := MapToolCall(ToolCallInput{
		Provider: "claude",
		Tool:     "Bash",
		Status:   "completed",
		CallID:   "toolu_1",
		Input:    map[string]any{"command": "go test ./...", "cwd": "/work"},
		Output:   map[string]any{"output": "ok", "exit_code": float64(0)},
	})

	require.NotNil(t, tc.Agent)
	assert.Equal(t, "shell", tc.Agent.Tool)
	assert.Equal(t, timeline.StatusCompleted, tc.Agent.Status)

	require.NotNil(t, tc.Agent.Detail)
	require.Equal(t, timeline.DetailShell, tc.Agent.Detail.Kind)
	shell := tc.Agent.Detail.Shell
	assert.Equal(t, "go test ./...", shell.Command)
	assert.Equal(t, "ok", shell.Output)
	require.NotNil(t, shell.ExitCode)
	assert.Equal(t, 0, *shell.ExitCode)
}

func TestMapToolCall_ReadStripsCwd(t *testing.T) {
	tc := MapToolCall(ToolCallInput{
		Provider: "claude",
		Tool:     "Read",
		Status:   "in_progress",
		CallID:   "toolu_2",
		Input:    map[string]any{"file_path": "/home/u/proj/main.go"},
		Cwd:      "/home/u/proj",
	})

	require.Equal(t, timeline.DetailRead, tc.Agent.Detail.Kind)
	assert.Equal(t, "main.go", tc.Agent.Detail.Read.FilePath)
	assert.Equal(t, timeline.StatusExecuting, tc.Agent.Status)
}

func TestMapToolCall_EditKeyAliases(t *testing.T) {
	// filePath (camelCase) instead of file_path.
	tc := MapToolCall(ToolCallInput{
		Provider: "codex",
		Tool:     "fileChange",
		Status:   "completed",
		CallID:   "item_1",
		Input: map[string]any{
			"filePath": "src/app.ts",
			"diff":     "--- a\n+++ b\n",
		},
	})

	require.Equal(t, timeline.DetailEdit, tc.Agent.Detail.Kind)
	assert.Equal(t, "src/app.ts", tc.Agent.Detail.Edit.FilePath)
	assert.Equal(t, "--- a\n+++ b\n", tc.Agent.Detail.Edit.UnifiedDiff)
}

func TestMapToolCall_WebSearch(t *testing.T) {
	tc := MapToolCall(ToolCallInput{
		Provider: "codex",
		Tool:     "webSearch",
		Status:   "completed",
		CallID:   "item_2",
		Input:    map[string]any{"query": "golang context cancellation"},
	})

	require.Equal(t, timeline.DetailSearch, tc.Agent.Detail.Kind)
	assert.Equal(t, "golang context cancellation", tc.Agent.Detail.Search.Query)
}

func TestMapToolCall_UnknownToolIsGeneric(t *testing.T) {
	tc := MapToolCall(ToolCallInput{
		Provider: "opencode",
		Server:   "jira",
		Tool:     "create_ticket",
		Status:   "running",
		CallID:   "call-9",
		Input:    map[string]any{"title": "bug", "priority": "high"},
		Output:   "TICKET-42",
	})

	require.Equal(t, timeline.DetailGeneric, tc.Agent.Detail.Kind)
	assert.Equal(t, "jira:create_ticket", tc.Agent.DisplayName)

	generic := tc.Agent.Detail.Generic
	require.Len(t, generic.Input, 2)
	assert.Equal(t, "priority", generic.Input[0].Key) // sorted
	require.Len(t, generic.Output, 1)
	assert.Equal(t, "TICKET-42", generic.Output[0].Value)
}

func TestMapToolCall_MissingCallIDDerived(t *testing.T) {
	a := MapToolCall(ToolCallInput{
		Provider: "opencode",
		Tool:     "bash",
		Status:   "running",
		Input:    map[string]any{"command": "pwd"},
	})
	b := MapToolCall(ToolCallInput{
		Provider: "opencode",
		Tool:     "Bash",
		Status:   "completed",
		Input:    map[string]any{"command": "pwd"},
	})
	assert.NotEmpty(t, a.Agent.CallID)
	assert.Equal(t, a.Agent.CallID, b.Agent.CallID,
		"start and completion of the same call must derive the same id")
}

func TestMapToolCall_CallIDFromRaw(t *testing.T) {
	tc := MapToolCall(ToolCallInput{
		Provider: "claude",
		Tool:     "mcp_tool",
		Status:   "running",
		Raw:      map[string]any{"type": "mcp_tool_use", "tool_use_id": "toolu_raw"},
	})
	assert.Equal(t, "toolu_raw", tc.Agent.CallID)
}

func TestStripCwd(t *testing.T) {
	assert.Equal(t, "a/b.go", StripCwd("/home/u/a/b.go", "/home/u"))
	assert.Equal(t, "/other/b.go", StripCwd("/other/b.go", "/home/u"))
	assert.Equal(t, "/home/u", StripCwd("/home/u", "/home/u"))
	assert.Equal(t, "/home/u2/x", StripCwd("/home/u2/x", "/home/u"), "prefix must be path-segment aligned")
	assert.Equal(t, "rel/path", StripCwd("rel/path", ""))
}

func TestTruncate(t *testing.T) {
	short := strings.Repeat("a", 100)
	assert.Equal(t, short, Truncate(short))

	long := strings.Repeat("b", MaxDiffBytes+500)
	got := Truncate(long)
	assert.True(t, strings.HasSuffix(got, "…"))
	assert.Len(t, got, MaxDiffBytes+len("…"))

	// A multibyte rune straddling the limit is dropped whole; the result
	// stays valid UTF-8.
	euros := strings.Repeat("€", MaxDiffBytes/3+10)
	got = Truncate(euros)
	assert.True(t, utf8.ValidString(got))
	assert.True(t, strings.HasSuffix(got, "…"))
	assert.LessOrEqual(t, len(got), MaxDiffBytes+len("…"))
}

func TestMapToolCall_StatusNormalization(t *testing.T) {
	tests := map[string]timeline.ToolStatus{
		"in_progress":           timeline.StatusExecuting,
		"pending":               timeline.StatusExecuting,
		"completed":             timeline.StatusCompleted,
		"success":               timeline.StatusCompleted,
		"granted":               timeline.StatusCompleted,
		"failed":                timeline.StatusFailed,
		"denied":                timeline.StatusFailed,
		"cancelled":             timeline.StatusFailed,
		"completed_with_errors": timeline.StatusFailed,
	}
	for in, want := range tests {
		tc := MapToolCall(ToolCallInput{Provider: "p", Tool: "bash", Status: in, CallID: "c"})
		assert.Equal(t, want, tc.Agent.Status, "status %q", in)
	}
}
