package timeline

import (
	"encoding/json"
	"strings"
	"time"
)

// EventKind discriminates stream events fed to the reducer.
type EventKind string

const (
	EventUserMessage      EventKind = "user_message"
	EventAssistantMessage EventKind = "assistant_message"
	EventReasoning        EventKind = "reasoning"
	EventToolCall         EventKind = "tool_call"
	EventTodo             EventKind = "todo"
	EventError            EventKind = "error"
	EventActivityLog      EventKind = "activity_log"
)

// TodoEntry is one item of a provider todo list.
type TodoEntry struct {
	Content string `json:"content"`
	Status  string `json:"status,omitempty"`
}

// Event is a single provider stream event in canonical form.
type Event struct {
	Kind EventKind `json:"kind"`

	// user_message
	MessageID string   `json:"messageId,omitempty"` // client-supplied id, if any
	Images    []string `json:"images,omitempty"`

	// user_message, assistant_message, reasoning, error, activity_log
	Text string `json:"text,omitempty"`

	// tool_call
	ToolCall *ToolCall `json:"toolCall,omitempty"`

	// todo
	Todos []TodoEntry `json:"todos,omitempty"`

	// activity_log
	ActivityType ActivityType `json:"activityType,omitempty"`
	ActivityID   string       `json:"activityId,omitempty"`

	// Synthetic marks assistant events generated by the provider itself
	// (model marker <synthetic>); subscribers may filter them.
	Synthetic bool `json:"synthetic,omitempty"`
}

// Reducer folds stream events into an ordered, idempotent timeline.
// Items keep their first-insertion order; upserts update in place.
type Reducer struct {
	items    []*Item
	byID     map[string]int
	byCallID map[string]int
	seen     map[string]struct{}

	// Uncommitted whitespace-only chunks, per accumulating kind.
	pending map[ItemKind]string
}

// NewReducer creates an empty timeline reducer.
func NewReducer() *Reducer {
	return &Reducer{
		byID:     make(map[string]int),
		byCallID: make(map[string]int),
		seen:     make(map[string]struct{}),
		pending:  make(map[ItemKind]string),
	}
}

// Items returns the current timeline in insertion order.
// The returned slice is a copy; items are shared.
func (r *Reducer) Items() []*Item {
	out := make([]*Item, len(r.items))
	copy(out, r.items)
	return out
}

// Len returns the number of timeline items.
func (r *Reducer) Len() int {
	return len(r.items)
}

// Hydrate applies an ordered batch of events.
func (r *Reducer) Hydrate(events []Event, ts time.Time) {
	for _, ev := range events {
		r.Apply(ev, ts)
	}
}

// Apply folds one event into the timeline and returns the affected item,
// or nil when the event was filtered, empty, or a duplicate.
func (r *Reducer) Apply(ev Event, ts time.Time) *Item {
	key := eventKey(ev, ts)
	if _, dup := r.seen[key]; dup {
		return nil
	}

	var item *Item
	switch ev.Kind {
	case EventUserMessage:
		item = r.applyUserMessage(ev, ts)
	case EventAssistantMessage:
		item = r.applyChunk(KindAssistantMessage, ev, ts)
	case EventReasoning:
		item = r.applyChunk(KindThought, ev, ts)
	case EventToolCall:
		item = r.applyToolCall(ev, ts)
	case EventTodo:
		item = r.applyTodo(ev, ts)
	case EventError:
		item = r.upsertActivity(activityErrorID(ev.Text, ts), ActivityError, ev.Text, nil, ts)
	case EventActivityLog:
		id := ev.ActivityID
		if id == "" {
			id = "activity-" + hashID(string(ev.ActivityType), ev.Text, ts.UTC().Format(time.RFC3339Nano))
		}
		item = r.upsertActivity(id, ev.ActivityType, ev.Text, nil, ts)
	}

	if item != nil {
		r.seen[key] = struct{}{}
	}
	return item
}

func (r *Reducer) applyUserMessage(ev Event, ts time.Time) *Item {
	if ev.Text == "" && len(ev.Images) == 0 {
		return nil
	}

	id := ev.MessageID
	if id == "" {
		id = UserMessageID(ev.Text, ts)
	}

	msg := &UserMessage{Text: ev.Text, Images: ev.Images}
	if pos, ok := r.byID[id]; ok {
		// Re-delivery with the same id replaces in place.
		r.items[pos].UserMessage = msg
		return r.items[pos]
	}

	item := &Item{ID: id, Kind: KindUserMessage, Timestamp: ts, UserMessage: msg}
	r.append(item)
	return item
}

// applyChunk accumulates assistant or reasoning text. Adjacent chunks of the
// same kind concatenate into the last item; carriage returns are stripped and
// inter-chunk whitespace is preserved.
func (r *Reducer) applyChunk(kind ItemKind, ev Event, ts time.Time) *Item {
	text := strings.ReplaceAll(ev.Text, "\r", "")
	if text == "" {
		return nil
	}

	if last := r.last(); last != nil && last.Kind == kind {
		content := r.content(last)
		content.Text += text
		return last
	}

	// A new item needs non-whitespace content before it gets an id.
	acc := r.pending[kind] + text
	if strings.TrimSpace(acc) == "" {
		r.pending[kind] = acc
		return nil
	}
	delete(r.pending, kind)

	item := &Item{
		ID:        string(kind) + "-" + hashID(string(kind), acc, ts.UTC().Format(time.RFC3339Nano)),
		Kind:      kind,
		Timestamp: ts,
	}
	content := &TextContent{Text: acc}
	if kind == KindAssistantMessage {
		item.AssistantMessage = content
	} else {
		item.Thought = content
	}
	if ev.Synthetic {
		item.Metadata = map[string]any{"synthetic": true}
	}
	r.append(item)
	return item
}

func (r *Reducer) content(item *Item) *TextContent {
	if item.Kind == KindAssistantMessage {
		return item.AssistantMessage
	}
	return item.Thought
}

func (r *Reducer) applyToolCall(ev Event, ts time.Time) *Item {
	tc := ev.ToolCall
	if tc == nil || tc.IsPermission() {
		return nil
	}

	callID := tc.CallID()
	if callID != "" {
		if pos, ok := r.byCallID[callID]; ok {
			mergeToolCall(r.items[pos].ToolCall, tc)
			return r.items[pos]
		}
	}

	id := callID
	if id == "" {
		id = "tool-" + hashID(toolFingerprint(tc), ts.UTC().Format(time.RFC3339Nano))
	}
	item := &Item{ID: id, Kind: KindToolCall, Timestamp: ts, ToolCall: tc}
	r.append(item)
	if callID != "" {
		r.byCallID[callID] = len(r.items) - 1
	}
	return item
}

func (r *Reducer) applyTodo(ev Event, ts time.Time) *Item {
	if len(ev.Todos) == 0 {
		return nil
	}
	id := TodoListID(ev.Todos)
	var b strings.Builder
	b.WriteString("Todos:")
	for _, todo := range ev.Todos {
		b.WriteString("\n")
		if NormalizeStatus(todo.Status) == StatusCompleted {
			b.WriteString("[x] ")
		} else {
			b.WriteString("[ ] ")
		}
		b.WriteString(todo.Content)
	}
	return r.upsertActivity(id, ActivitySystem, b.String(), map[string]any{"todos": ev.Todos}, ts)
}

func (r *Reducer) upsertActivity(id string, at ActivityType, message string, meta map[string]any, ts time.Time) *Item {
	if message == "" {
		return nil
	}
	log := &ActivityLog{ActivityType: at, Message: message, Metadata: meta}
	if pos, ok := r.byID[id]; ok {
		r.items[pos].ActivityLog = log
		return r.items[pos]
	}
	item := &Item{ID: id, Kind: KindActivityLog, Timestamp: ts, ActivityLog: log}
	r.append(item)
	return item
}

func (r *Reducer) append(item *Item) {
	r.items = append(r.items, item)
	r.byID[item.ID] = len(r.items) - 1
}

func (r *Reducer) last() *Item {
	if len(r.items) == 0 {
		return nil
	}
	return r.items[len(r.items)-1]
}

// mergeToolCall folds an incoming tool-call update into the stored item.
// The first non-empty raw payload is preserved; a terminal status is never
// regressed by a late executing update.
func mergeToolCall(dst, src *ToolCall) {
	switch {
	case dst.Agent != nil && src.Agent != nil:
		mergeAgentToolCall(dst.Agent, src.Agent)
	case dst.Orchestrator != nil && src.Orchestrator != nil:
		mergeOrchestratorToolCall(dst.Orchestrator, src.Orchestrator)
	}
}

func mergeAgentToolCall(dst, src *AgentToolCall) {
	terminal := dst.Status.Terminal()
	if !terminal || src.Status.Terminal() {
		if src.Status != "" {
			dst.Status = src.Status
		}
	}
	if len(dst.Raw) == 0 && len(src.Raw) > 0 {
		dst.Raw = src.Raw
	}
	if src.Result != nil {
		dst.Result = src.Result
	}
	if src.Error != "" {
		dst.Error = src.Error
	}
	if src.DisplayName != "" {
		dst.DisplayName = src.DisplayName
	}
	if src.Server != "" {
		dst.Server = src.Server
	}
	if src.Kind != "" {
		dst.Kind = src.Kind
	}
	if src.Detail != nil {
		dst.Detail = mergeDetail(dst.Detail, src.Detail)
	}
}

func mergeOrchestratorToolCall(dst, src *OrchestratorToolCall) {
	terminal := dst.Status.Terminal()
	if !terminal || src.Status.Terminal() {
		if src.Status != "" {
			dst.Status = src.Status
		}
	}
	if len(src.Arguments) > 0 && len(dst.Arguments) == 0 {
		dst.Arguments = src.Arguments
	}
	if src.Result != nil {
		dst.Result = src.Result
	}
	if src.Error != "" {
		dst.Error = src.Error
	}
}

// mergeDetail prefers the richer detail: a later non-generic detail replaces
// a generic one, a generic result folds its output into the stored detail,
// and a detail of the same kind merges its output fields.
func mergeDetail(dst, src *ToolDetail) *ToolDetail {
	if dst == nil {
		return src
	}
	if dst.Kind == DetailGeneric && src.Kind != DetailGeneric {
		return src
	}
	if src.Kind == DetailGeneric && dst.Kind != DetailGeneric {
		// Result-only updates arrive without a tool name and map to generic;
		// their output still belongs in the stored detail.
		applyGenericOutput(dst, src.Generic)
		return dst
	}
	if dst.Kind != src.Kind {
		return dst
	}
	switch dst.Kind {
	case DetailShell:
		if src.Shell != nil && dst.Shell != nil {
			if src.Shell.Output != "" {
				dst.Shell.Output = src.Shell.Output
			}
			if src.Shell.ExitCode != nil {
				dst.Shell.ExitCode = src.Shell.ExitCode
			}
		}
	case DetailRead:
		if src.Read != nil && dst.Read != nil && src.Read.Content != "" {
			dst.Read.Content = src.Read.Content
		}
	case DetailEdit:
		if src.Edit != nil && dst.Edit != nil && src.Edit.UnifiedDiff != "" {
			dst.Edit.UnifiedDiff = src.Edit.UnifiedDiff
		}
	case DetailGeneric:
		if src.Generic != nil && dst.Generic != nil && len(src.Generic.Output) > 0 {
			dst.Generic.Output = src.Generic.Output
		}
	}
	return dst
}

// applyGenericOutput folds a generic result's output pairs into a typed
// detail's output fields. First value wins; existing output is kept.
func applyGenericOutput(dst *ToolDetail, generic *GenericDetail) {
	if generic == nil || len(generic.Output) == 0 {
		return
	}
	switch dst.Kind {
	case DetailShell:
		if dst.Shell == nil {
			return
		}
		for _, kv := range generic.Output {
			switch kv.Key {
			case "output", "stdout", "aggregated_output":
				if s, ok := kv.Value.(string); ok && s != "" && dst.Shell.Output == "" {
					dst.Shell.Output = s
				}
			case "exit_code", "exitCode":
				if n, ok := asInt(kv.Value); ok && dst.Shell.ExitCode == nil {
					code := n
					dst.Shell.ExitCode = &code
				}
			}
		}
	case DetailRead:
		if dst.Read == nil || dst.Read.Content != "" {
			return
		}
		for _, kv := range generic.Output {
			if kv.Key != "output" && kv.Key != "content" {
				continue
			}
			if s, ok := kv.Value.(string); ok && s != "" {
				dst.Read.Content = s
				return
			}
		}
	}
}

func asInt(v any) (int, bool) {
	switch n := v.(type) {
	case int:
		return n, true
	case float64:
		return int(n), true
	}
	return 0, false
}

// eventKey builds the duplicate-detection key for an event: duplicates that
// share the full (kind, id/callId, timestamp, content) key are no-ops.
func eventKey(ev Event, ts time.Time) string {
	b, err := json.Marshal(ev)
	if err != nil {
		b = []byte(ev.Text)
	}
	return hashID(string(ev.Kind), ts.UTC().Format(time.RFC3339Nano), string(b))
}

func toolFingerprint(tc *ToolCall) string {
	b, err := json.Marshal(tc)
	if err != nil {
		return "tool"
	}
	return string(b)
}

func activityErrorID(message string, ts time.Time) string {
	return "error-" + hashID(message, ts.UTC().Format(time.RFC3339Nano))
}
