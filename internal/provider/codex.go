package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/paseo-ai/paseo/internal/common/logger"
	"github.com/paseo-ai/paseo/internal/timeline"
	"github.com/paseo-ai/paseo/pkg/codex"
)

// ProviderCodex is the Codex provider name.
const ProviderCodex = "codex"

// CodexAdapter runs Codex app-server sessions over stdio JSON-RPC.
type CodexAdapter struct {
	Binary string // defaults to "codex"
	logger *logger.Logger
}

// NewCodexAdapter creates the Codex provider adapter.
func NewCodexAdapter(log *logger.Logger) *CodexAdapter {
	return &CodexAdapter{
		Binary: "codex",
		logger: log.WithFields(zap.String("provider", ProviderCodex)),
	}
}

// Name implements Adapter.
func (a *CodexAdapter) Name() string { return ProviderCodex }

// Start implements Adapter.
func (a *CodexAdapter) Start(ctx context.Context, cfg StartConfig) (Session, error) {
	s, err := a.launch(ctx, cfg.Cwd, cfg.Model)
	if err != nil {
		return nil, err
	}

	var result codex.ThreadStartResult
	params := &codex.ThreadStartParams{Model: cfg.Model, Cwd: cfg.Cwd}
	if err := s.client.Call(ctx, codex.MethodThreadStart, params, &result); err != nil {
		_ = s.Close()
		return nil, fmt.Errorf("codex thread/start: %w", err)
	}
	if result.Thread == nil || result.Thread.ID == "" {
		_ = s.Close()
		return nil, fmt.Errorf("codex thread/start returned no thread")
	}
	s.setThread(result.Thread.ID)
	return s, nil
}

// Resume implements Adapter.
func (a *CodexAdapter) Resume(ctx context.Context, handle Handle, ov Overrides) (Session, error) {
	if handle.SessionID == "" {
		return nil, fmt.Errorf("codex resume requires a thread id")
	}
	cwd := handle.Cwd
	if ov.Cwd != "" {
		cwd = ov.Cwd
	}
	s, err := a.launch(ctx, cwd, handle.Model)
	if err != nil {
		return nil, err
	}

	var result codex.ThreadStartResult
	params := &codex.ThreadResumeParams{ThreadID: handle.SessionID, Cwd: cwd}
	if err := s.client.Call(ctx, codex.MethodThreadResume, params, &result); err != nil {
		_ = s.Close()
		return nil, fmt.Errorf("codex thread/resume: %w", err)
	}
	s.setThread(handle.SessionID)
	return s, nil
}

// ListPersisted implements Adapter. Codex keeps threads server-side, so the
// listing spins up a short-lived app-server.
func (a *CodexAdapter) ListPersisted(ctx context.Context, opts ListOptions) ([]PersistedSession, error) {
	s, err := a.launch(ctx, "", "")
	if err != nil {
		return nil, err
	}
	defer s.Close()

	var result codex.ThreadListResult
	params := &codex.ThreadListParams{Limit: opts.Limit}
	if err := s.client.Call(ctx, codex.MethodThreadList, params, &result); err != nil {
		return nil, fmt.Errorf("codex thread/list: %w", err)
	}

	out := make([]PersistedSession, 0, len(result.Threads))
	for _, th := range result.Threads {
		out = append(out, PersistedSession{
			SessionID:      th.ID,
			Cwd:            th.Cwd,
			Title:          firstLine(th.Preview),
			LastActivityAt: time.UnixMilli(th.UpdatedAt),
			Handle: Handle{
				Provider:  ProviderCodex,
				SessionID: th.ID,
				Cwd:       th.Cwd,
			},
		})
	}
	return out, nil
}

func (a *CodexAdapter) launch(ctx context.Context, cwd, model string) (*codexSession, error) {
	proc, err := spawn(cwd, a.Binary, []string{"app-server"}, nil, a.logger)
	if err != nil {
		return nil, err
	}

	s := &codexSession{
		proc:       proc,
		client:     codex.NewClient(proc.stdin, proc.stdout, a.logger),
		stream:     newEventStream(256),
		deltaItems: make(map[string]bool),
		handle: Handle{
			Provider: ProviderCodex,
			Cwd:      cwd,
			Model:    model,
		},
	}
	s.client.SetNotificationHandler(s.onNotification)
	s.client.Start(context.Background())
	go s.watch()

	if err := s.client.Initialize(ctx, &codex.ClientInfo{Name: "paseo", Version: "1"}); err != nil {
		_ = s.Close()
		return nil, fmt.Errorf("codex initialize: %w", err)
	}
	return s, nil
}

// codexSession is one live Codex app-server subprocess bound to a thread.
type codexSession struct {
	proc   *process
	client *codex.Client
	stream *eventStream

	mu         sync.Mutex
	handle     Handle
	closed     bool
	deltaItems map[string]bool // item ids whose text arrived as deltas
}

func (s *codexSession) setThread(id string) {
	s.mu.Lock()
	seen := s.handle.SessionID
	if seen == "" {
		s.handle.SessionID = id
	}
	s.mu.Unlock()

	if seen == "" {
		s.stream.Emit(Event{SessionID: id})
	}
}

func (s *codexSession) threadID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.handle.SessionID
}

func (s *codexSession) Handle() Handle {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.handle
}

func (s *codexSession) Events() <-chan Event { return s.stream.Events() }

func (s *codexSession) Send(ctx context.Context, msg Message) error {
	input := []codex.UserInput{{Type: "text", Text: msg.Text}}
	for _, img := range msg.Images {
		input = append(input, codex.UserInput{Type: "image", URL: img})
	}
	params := &codex.TurnStartParams{ThreadID: s.threadID(), Input: input}
	return s.client.Call(ctx, codex.MethodTurnStart, params, nil)
}

func (s *codexSession) Cancel(ctx context.Context) error {
	params := &codex.TurnInterruptParams{ThreadID: s.threadID()}
	return s.client.Call(ctx, codex.MethodTurnInterrupt, params, nil)
}

func (s *codexSession) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	s.client.Stop()
	return s.proc.shutdown(5 * time.Second)
}

func (s *codexSession) watch() {
	err := s.proc.wait()

	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()

	if !closed && err != nil {
		s.stream.Emit(Event{Err: fmt.Errorf("codex process exited: %w", err)})
	}
	s.stream.CloseStream()
}

func (s *codexSession) onNotification(n *codex.Notification) {
	switch n.Method {
	case codex.NotifyItemAgentMessageDelta:
		s.onDelta(n.Params, timeline.EventAssistantMessage)
	case codex.NotifyItemReasoningDelta:
		s.onDelta(n.Params, timeline.EventReasoning)
	case codex.NotifyItemStarted, codex.NotifyItemUpdated, codex.NotifyItemCompleted:
		s.onItem(n.Method, n.Params)
	case codex.NotifyTurnCompleted:
		s.onTurnCompleted(n.Params)
	case codex.NotifyError:
		s.onError(n.Params)
	}
}

func (s *codexSession) onDelta(params json.RawMessage, kind timeline.EventKind) {
	var p codex.DeltaParams
	if err := json.Unmarshal(params, &p); err != nil || p.Delta == "" {
		return
	}
	if p.ItemID != "" {
		s.mu.Lock()
		s.deltaItems[p.ItemID] = true
		s.mu.Unlock()
	}
	s.stream.Emit(Event{Timeline: &timeline.Event{Kind: kind, Text: p.Delta}})
}

func (s *codexSession) onItem(method string, params json.RawMessage) {
	var p codex.ItemParams
	if err := json.Unmarshal(params, &p); err != nil || p.Item == nil {
		return
	}
	item := p.Item

	switch item.Type {
	case codex.ItemTypeAgentMessage, codex.ItemTypeReasoning:
		// Text normally streams as deltas; a completed item carries the full
		// text only when no deltas were seen for it.
		if method != codex.NotifyItemCompleted || item.Text == "" {
			return
		}
		s.mu.Lock()
		streamed := s.deltaItems[item.ID]
		s.mu.Unlock()
		if streamed {
			return
		}
		kind := timeline.EventAssistantMessage
		if item.Type == codex.ItemTypeReasoning {
			kind = timeline.EventReasoning
		}
		s.stream.Emit(Event{Timeline: &timeline.Event{Kind: kind, Text: item.Text}})

	case codex.ItemTypeTodoList:
		todos := make([]timeline.TodoEntry, 0, len(item.Items))
		for _, entry := range item.Items {
			status := "pending"
			if entry.Completed {
				status = "completed"
			}
			todos = append(todos, timeline.TodoEntry{Content: entry.Text, Status: status})
		}
		if len(todos) > 0 {
			s.stream.Emit(Event{Timeline: &timeline.Event{Kind: timeline.EventTodo, Todos: todos}})
		}

	case codex.ItemTypeCommandExecution, codex.ItemTypeFileChange,
		codex.ItemTypeMcpToolCall, codex.ItemTypeWebSearch:
		s.emitToolCall(method, item)
	}
}

// emitToolCall normalizes the four Codex tool item shapes.
func (s *codexSession) emitToolCall(method string, item *codex.ThreadItem) {
	status := item.Status
	if status == "" {
		if method == codex.NotifyItemCompleted {
			status = "completed"
		} else {
			status = "in_progress"
		}
	}

	in := ToolCallInput{
		Provider: ProviderCodex,
		Tool:     item.Type,
		Status:   status,
		CallID:   item.ID,
		Error:    item.Error,
		Raw:      codexItemRaw(item),
		Cwd:      s.Handle().Cwd,
	}

	switch item.Type {
	case codex.ItemTypeCommandExecution:
		in.Input = map[string]any{"command": item.Command}
		if item.Cwd != "" {
			in.Input["cwd"] = item.Cwd
		}
		if item.AggregatedOutput != "" || item.ExitCode != nil {
			out := map[string]any{"output": item.AggregatedOutput}
			if item.ExitCode != nil {
				out["exit_code"] = float64(*item.ExitCode)
			}
			in.Output = out
		}

	case codex.ItemTypeFileChange:
		if len(item.Changes) > 0 {
			var diffs []string
			for _, ch := range item.Changes {
				if ch.Diff != "" {
					diffs = append(diffs, ch.Diff)
				}
			}
			in.Input = map[string]any{
				"filePath": item.Changes[0].Path,
				"diff":     strings.Join(diffs, "\n"),
			}
		}

	case codex.ItemTypeMcpToolCall:
		in.Server = item.Server
		in.Tool = item.Tool
		if len(item.Arguments) > 0 {
			var args map[string]any
			if err := json.Unmarshal(item.Arguments, &args); err == nil {
				in.Input = args
			}
		}
		if len(item.Result) > 0 {
			var result any
			if err := json.Unmarshal(item.Result, &result); err == nil {
				in.Output = result
			}
		}

	case codex.ItemTypeWebSearch:
		in.Input = map[string]any{"query": item.Query}
	}

	tc := MapToolCall(in)
	s.stream.Emit(Event{Timeline: &timeline.Event{Kind: timeline.EventToolCall, ToolCall: tc}})
}

func (s *codexSession) onTurnCompleted(params json.RawMessage) {
	var p codex.TurnParams
	if err := json.Unmarshal(params, &p); err == nil && p.Turn != nil && p.Turn.Error != nil {
		s.stream.Emit(Event{Timeline: &timeline.Event{
			Kind: timeline.EventError,
			Text: p.Turn.Error.Message,
		}})
	}
	s.stream.Emit(Event{TurnCompleted: true})
}

func (s *codexSession) onError(params json.RawMessage) {
	var p codex.ErrorParams
	if err := json.Unmarshal(params, &p); err != nil {
		return
	}
	text := p.Message
	if text == "" && p.Error != nil {
		text = p.Error.Message
	}
	if text != "" {
		s.stream.Emit(Event{Timeline: &timeline.Event{Kind: timeline.EventError, Text: text}})
	}
}

func codexItemRaw(item *codex.ThreadItem) map[string]any {
	b, err := json.Marshal(item)
	if err != nil {
		return nil
	}
	var m map[string]any
	if err := json.Unmarshal(b, &m); err != nil {
		return nil
	}
	return m
}
