package provider

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"unicode/utf8"

	"github.com/paseo-ai/paseo/internal/timeline"
)

// MaxDiffBytes bounds diff and output text carried on tool-call items.
const MaxDiffBytes = 16 * 1024

// callIDKeys are the recognized tool-call id keys, in lookup order.
var callIDKeys = []string{
	"toolCallId", "tool_call_id", "callId", "call_id", "tool_use_id", "toolUseId",
}

// ExtractCallID searches a provider payload for a recognized tool-call id
// key, descending into nested objects breadth-first. Returns "" when none is
// present.
func ExtractCallID(raw map[string]any) string {
	if raw == nil {
		return ""
	}
	queue := []map[string]any{raw}
	for len(queue) > 0 {
		m := queue[0]
		queue = queue[1:]
		for _, key := range callIDKeys {
			if v, ok := m[key]; ok {
				if s, ok := v.(string); ok && s != "" {
					return s
				}
			}
		}
		// Deterministic descent order.
		keys := make([]string, 0, len(m))
		for k := range m {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			if nested, ok := m[k].(map[string]any); ok {
				queue = append(queue, nested)
			}
		}
	}
	return ""
}

// DeriveCallID produces a deterministic call id when the provider supplied
// none, from the provider, tool name, and normalized input.
func DeriveCallID(providerName, tool string, input any) string {
	b, err := json.Marshal(input)
	if err != nil {
		b = []byte(fmt.Sprintf("%v", input))
	}
	h := sha256.Sum256([]byte(providerName + "|" + tool + "|" + string(b)))
	return "call-" + hex.EncodeToString(h[:])[:16]
}

// toolAliases collapses provider-specific tool names onto canonical ones.
var toolAliases = map[string]string{
	"bash":             "shell",
	"exec":             "shell",
	"shell":            "shell",
	"cmd":              "shell",
	"commandexecution": "shell",
	"run_command":      "shell",
	"read":             "read_file",
	"read_file":        "read_file",
	"cat":              "read_file",
	"view":             "read_file",
	"edit":             "edit",
	"write":            "edit",
	"apply_patch":      "edit",
	"apply_diff":       "edit",
	"str_replace":      "edit",
	"multiedit":        "edit",
	"filechange":       "edit",
	"grep":             "search",
	"glob":             "search",
	"code_search":      "search",
	"websearch":        "web_search",
	"web_search":       "web_search",
	"search_web":       "web_search",
	"thinking":         "thinking",
}

// builtinNames are tool names that are never namespaced with a server prefix.
var builtinNames = map[string]bool{
	"shell": true, "read_file": true, "edit": true, "search": true,
	"web_search": true, "thinking": true, "generic": true,
}

// CanonicalToolName collapses provider aliases (Bash/bash/exec -> shell,
// apply_diff/apply_patch -> edit). Unknown names pass through lowercased.
func CanonicalToolName(name string) string {
	key := strings.ToLower(strings.TrimSpace(name))
	if canonical, ok := toolAliases[key]; ok {
		return canonical
	}
	return key
}

// IsBuiltinTool reports whether the canonical name is a known builtin.
func IsBuiltinTool(name string) bool {
	return builtinNames[CanonicalToolName(name)]
}

// ToolCallInput captures a provider-native tool event before normalization.
type ToolCallInput struct {
	Provider string
	Server   string
	Tool     string
	Status   string
	CallID   string
	Input    map[string]any
	Output   any
	Error    string
	Raw      map[string]any
	Cwd      string
	Kind     string
}

// MapToolCall transforms a provider-native tool event into a canonical
// timeline tool call. Unknown tools fall through to generic detail; mapping
// never fails.
func MapToolCall(in ToolCallInput) *timeline.ToolCall {
	name := CanonicalToolName(in.Tool)

	callID := in.CallID
	if callID == "" {
		callID = ExtractCallID(in.Raw)
	}
	if callID == "" {
		callID = DeriveCallID(in.Provider, name, in.Input)
	}

	agent := &timeline.AgentToolCall{
		Provider: in.Provider,
		Server:   in.Server,
		Tool:     name,
		Status:   timeline.NormalizeStatus(in.Status),
		Raw:      in.Raw,
		CallID:   callID,
		Kind:     in.Kind,
		Error:    in.Error,
		Detail:   buildDetail(name, in),
	}
	if in.Output != nil {
		agent.Result = in.Output
	}
	if !IsBuiltinTool(name) && in.Server != "" && in.Server != "builtin" {
		agent.DisplayName = in.Server + ":" + name
	}

	return &timeline.ToolCall{Source: timeline.SourceAgent, Agent: agent}
}

// buildDetail normalizes shape-specific fields into the detail union.
func buildDetail(name string, in ToolCallInput) *timeline.ToolDetail {
	switch name {
	case "shell":
		return shellDetail(in)
	case "read_file":
		return readDetail(in)
	case "edit":
		return editDetail(in)
	case "search", "web_search":
		if query := stringField(in.Input, "query", "pattern", "q"); query != "" {
			return &timeline.ToolDetail{
				Kind:   timeline.DetailSearch,
				Search: &timeline.SearchDetail{Query: query},
			}
		}
	case "thinking":
		if content := stringField(in.Input, "content", "thought", "text"); content != "" {
			return &timeline.ToolDetail{
				Kind:     timeline.DetailThinking,
				Thinking: &timeline.ThinkingDetail{Content: content},
			}
		}
	}
	return genericDetail(in)
}

func shellDetail(in ToolCallInput) *timeline.ToolDetail {
	detail := &timeline.ShellDetail{
		Command: stringField(in.Input, "command", "cmd", "script"),
		Cwd:     stringField(in.Input, "cwd", "workdir", "working_directory"),
	}
	if detail.Command == "" {
		return genericDetail(in)
	}
	if out, ok := in.Output.(map[string]any); ok {
		detail.Output = Truncate(stringField(out, "output", "stdout", "aggregated_output"))
		if code, ok := intField(out, "exit_code", "exitCode"); ok {
			detail.ExitCode = &code
		}
	} else if s, ok := in.Output.(string); ok {
		detail.Output = Truncate(s)
	}
	return &timeline.ToolDetail{Kind: timeline.DetailShell, Shell: detail}
}

func readDetail(in ToolCallInput) *timeline.ToolDetail {
	path := stringField(in.Input, "file_path", "filePath", "path")
	if path == "" {
		return genericDetail(in)
	}
	detail := &timeline.ReadDetail{
		FilePath: StripCwd(path, in.Cwd),
	}
	if offset, ok := intField(in.Input, "offset"); ok {
		detail.Offset = offset
	}
	if limit, ok := intField(in.Input, "limit"); ok {
		detail.Limit = limit
	}
	if s, ok := in.Output.(string); ok {
		detail.Content = Truncate(s)
	}
	return &timeline.ToolDetail{Kind: timeline.DetailRead, Read: detail}
}

func editDetail(in ToolCallInput) *timeline.ToolDetail {
	path := stringField(in.Input, "file_path", "filePath", "path")
	if path == "" {
		return genericDetail(in)
	}
	return &timeline.ToolDetail{
		Kind: timeline.DetailEdit,
		Edit: &timeline.EditDetail{
			FilePath:    StripCwd(path, in.Cwd),
			OldString:   Truncate(stringField(in.Input, "old_string", "oldString", "old_str")),
			NewString:   Truncate(stringField(in.Input, "new_string", "newString", "new_str", "content")),
			UnifiedDiff: Truncate(stringField(in.Input, "diff", "patch", "unified_diff")),
		},
	}
}

func genericDetail(in ToolCallInput) *timeline.ToolDetail {
	return &timeline.ToolDetail{
		Kind: timeline.DetailGeneric,
		Generic: &timeline.GenericDetail{
			Input:  toKeyValues(in.Input),
			Output: outputKeyValues(in.Output),
		},
	}
}

// toKeyValues flattens a map into sorted key/value pairs.
func toKeyValues(m map[string]any) []timeline.KeyValue {
	if len(m) == 0 {
		return nil
	}
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]timeline.KeyValue, 0, len(keys))
	for _, k := range keys {
		out = append(out, timeline.KeyValue{Key: k, Value: m[k]})
	}
	return out
}

func outputKeyValues(output any) []timeline.KeyValue {
	switch v := output.(type) {
	case nil:
		return nil
	case map[string]any:
		return toKeyValues(v)
	case string:
		if v == "" {
			return nil
		}
		return []timeline.KeyValue{{Key: "output", Value: Truncate(v)}}
	default:
		return []timeline.KeyValue{{Key: "output", Value: v}}
	}
}

// StripCwd removes the agent's working directory from a path when it is a
// proper prefix.
func StripCwd(path, cwd string) string {
	if cwd == "" || path == cwd {
		return path
	}
	prefix := strings.TrimRight(cwd, "/") + "/"
	if strings.HasPrefix(path, prefix) {
		return strings.TrimPrefix(path, prefix)
	}
	return path
}

// Truncate bounds text payloads to MaxDiffBytes, appending an ellipsis when
// cut. The cut backs up to a rune boundary so the result stays valid UTF-8.
func Truncate(s string) string {
	if len(s) <= MaxDiffBytes {
		return s
	}
	cut := MaxDiffBytes
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut] + "…"
}

func stringField(m map[string]any, keys ...string) string {
	for _, key := range keys {
		if v, ok := m[key]; ok {
			if s, ok := v.(string); ok && s != "" {
				return s
			}
		}
	}
	return ""
}

func intField(m map[string]any, keys ...string) (int, bool) {
	for _, key := range keys {
		if v, ok := m[key]; ok {
			switch n := v.(type) {
			case float64:
				return int(n), true
			case int:
				return n, true
			case json.Number:
				if i, err := n.Int64(); err == nil {
					return int(i), true
				}
			}
		}
	}
	return 0, false
}
