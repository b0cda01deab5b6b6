package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/paseo-ai/paseo/internal/common/logger"
	"github.com/paseo-ai/paseo/internal/timeline"
	"github.com/paseo-ai/paseo/pkg/claudecode"
)

// ProviderClaude is the Claude Code provider name.
const ProviderClaude = "claude"

// ClaudeAdapter runs Claude Code CLI sessions over the stream-json protocol.
type ClaudeAdapter struct {
	Binary  string // defaults to "claude"
	HomeDir string // defaults to ~/.claude, used for persisted session listing
	logger  *logger.Logger
}

// NewClaudeAdapter creates the Claude provider adapter.
func NewClaudeAdapter(log *logger.Logger) *ClaudeAdapter {
	return &ClaudeAdapter{
		Binary: "claude",
		logger: log.WithFields(zap.String("provider", ProviderClaude)),
	}
}

// Name implements Adapter.
func (a *ClaudeAdapter) Name() string { return ProviderClaude }

// Start implements Adapter.
func (a *ClaudeAdapter) Start(ctx context.Context, cfg StartConfig) (Session, error) {
	return a.launch(ctx, cfg.Cwd, cfg.Model, "")
}

// Resume implements Adapter.
func (a *ClaudeAdapter) Resume(ctx context.Context, handle Handle, ov Overrides) (Session, error) {
	if handle.SessionID == "" {
		return nil, fmt.Errorf("claude resume requires a session id")
	}
	cwd := handle.Cwd
	if ov.Cwd != "" {
		cwd = ov.Cwd
	}
	model := handle.Model
	if ov.Model != "" {
		model = ov.Model
	}
	return a.launch(ctx, cwd, model, handle.SessionID)
}

func (a *ClaudeAdapter) launch(ctx context.Context, cwd, model, resumeID string) (Session, error) {
	args := []string{
		"-p", "--output-format=stream-json", "--input-format=stream-json",
		"--permission-prompt-tool=stdio", "--verbose",
		"--replay-user-messages",
	}
	if model != "" {
		args = append(args, "--model", model)
	}
	if resumeID != "" {
		args = append(args, "--resume", resumeID)
	}

	proc, err := spawn(cwd, a.Binary, args, nil, a.logger)
	if err != nil {
		return nil, err
	}

	s := &claudeSession{
		adapter: a,
		proc:    proc,
		client:  claudecode.NewClient(proc.stdin, proc.stdout, a.logger),
		stream:  newEventStream(256),
		handle: Handle{
			Provider:  ProviderClaude,
			SessionID: resumeID,
			Cwd:       cwd,
			Model:     model,
		},
	}

	s.client.SetMessageHandler(s.onMessage)
	s.client.SetRequestHandler(s.onControlRequest)
	s.client.Start(context.Background())

	go s.watch()
	return s, nil
}

// ListPersisted implements Adapter. Claude Code persists session transcripts
// as JSONL files under ~/.claude/projects/<encoded-cwd>/<session-id>.jsonl.
func (a *ClaudeAdapter) ListPersisted(ctx context.Context, opts ListOptions) ([]PersistedSession, error) {
	root := a.HomeDir
	if root == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, err
		}
		root = filepath.Join(home, ".claude")
	}

	projects, err := os.ReadDir(filepath.Join(root, "projects"))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	var out []PersistedSession
	for _, project := range projects {
		if !project.IsDir() {
			continue
		}
		dir := filepath.Join(root, "projects", project.Name())
		files, err := os.ReadDir(dir)
		if err != nil {
			continue
		}
		for _, f := range files {
			if f.IsDir() || !strings.HasSuffix(f.Name(), ".jsonl") {
				continue
			}
			info, err := f.Info()
			if err != nil {
				continue
			}
			sessionID := strings.TrimSuffix(f.Name(), ".jsonl")
			cwd, title := claudeSessionMeta(filepath.Join(dir, f.Name()))
			out = append(out, PersistedSession{
				SessionID:      sessionID,
				Cwd:            cwd,
				Title:          title,
				LastActivityAt: info.ModTime(),
				Handle: Handle{
					Provider:  ProviderClaude,
					SessionID: sessionID,
					Cwd:       cwd,
				},
			})
		}
	}

	sort.Slice(out, func(i, j int) bool {
		return out[i].LastActivityAt.After(out[j].LastActivityAt)
	})
	if opts.Limit > 0 && len(out) > opts.Limit {
		out = out[:opts.Limit]
	}
	return out, nil
}

// claudeSessionMeta pulls the cwd and a title from the head of a transcript.
func claudeSessionMeta(path string) (cwd, title string) {
	f, err := os.Open(path)
	if err != nil {
		return "", ""
	}
	defer f.Close()

	dec := json.NewDecoder(f)
	for i := 0; i < 20; i++ {
		var record struct {
			Cwd     string `json:"cwd"`
			Type    string `json:"type"`
			Message *struct {
				Role    string          `json:"role"`
				Content json.RawMessage `json:"content"`
			} `json:"message"`
		}
		if err := dec.Decode(&record); err != nil {
			break
		}
		if record.Cwd != "" && cwd == "" {
			cwd = record.Cwd
		}
		if title == "" && record.Message != nil && record.Message.Role == "user" {
			var text string
			if err := json.Unmarshal(record.Message.Content, &text); err == nil {
				title = firstLine(text)
			}
		}
		if cwd != "" && title != "" {
			break
		}
	}
	return cwd, title
}

func firstLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[:i]
	}
	if len(s) > 80 {
		s = s[:80]
	}
	return s
}

// claudeSession is one live Claude Code subprocess.
type claudeSession struct {
	adapter *ClaudeAdapter
	proc    *process
	client  *claudecode.Client
	stream  *eventStream

	mu     sync.Mutex
	handle Handle
	closed bool
}

func (s *claudeSession) Handle() Handle {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.handle
}

func (s *claudeSession) Events() <-chan Event { return s.stream.Events() }

func (s *claudeSession) Send(ctx context.Context, msg Message) error {
	return s.client.SendUserMessage(msg.Text)
}

func (s *claudeSession) Cancel(ctx context.Context) error {
	return s.client.Interrupt()
}

func (s *claudeSession) Close() error {
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

// watch surfaces unexpected subprocess exit as a stream error and closes the
// event channel.
func (s *claudeSession) watch() {
	err := s.proc.wait()

	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()

	if !closed && err != nil {
		s.emit(Event{Err: fmt.Errorf("claude process exited: %w", err)})
	}
	s.stream.CloseStream()
}

func (s *claudeSession) emit(ev Event) {
	s.stream.Emit(ev)
}

func (s *claudeSession) onMessage(msg *claudecode.CLIMessage) {
	switch msg.Type {
	case claudecode.MessageTypeSystem:
		if msg.SessionID != "" {
			s.observeSessionID(msg.SessionID)
		}

	case claudecode.MessageTypeAssistant:
		if msg.SessionID != "" {
			s.observeSessionID(msg.SessionID)
		}
		if msg.Message != nil {
			synthetic := msg.Message.Model == claudecode.SyntheticModel
			for i := range msg.Message.Content {
				s.handleBlock(&msg.Message.Content[i], synthetic)
			}
		}

	case claudecode.MessageTypeUser:
		// Tool results come back on user messages; plain user text is the
		// replay of our own prompt.
		if msg.Message == nil {
			return
		}
		for i := range msg.Message.Content {
			block := &msg.Message.Content[i]
			switch block.Type {
			case claudecode.BlockTypeToolResult, claudecode.BlockTypeMcpToolResult:
				s.handleToolResult(block)
			}
		}

	case claudecode.MessageTypeResult:
		if msg.IsError {
			s.emit(Event{Timeline: &timeline.Event{
				Kind: timeline.EventError,
				Text: claudeResultText(msg.Result),
			}})
		}
		s.emit(Event{TurnCompleted: true})
	}
}

func (s *claudeSession) handleBlock(block *claudecode.ContentBlock, synthetic bool) {
	switch block.Type {
	case claudecode.BlockTypeText:
		if block.Text == "" {
			return
		}
		s.emit(Event{Timeline: &timeline.Event{
			Kind:      timeline.EventAssistantMessage,
			Text:      block.Text,
			Synthetic: synthetic,
		}})

	case claudecode.BlockTypeThinking:
		if block.Thinking == "" {
			return
		}
		s.emit(Event{Timeline: &timeline.Event{
			Kind: timeline.EventReasoning,
			Text: block.Thinking,
		}})

	case claudecode.BlockTypeToolUse, claudecode.BlockTypeMcpToolUse:
		if block.Name == "TodoWrite" {
			s.emitTodos(block.Input)
			return
		}
		cwd := s.Handle().Cwd
		tc := MapToolCall(ToolCallInput{
			Provider: ProviderClaude,
			Server:   block.ServerName,
			Tool:     block.Name,
			Status:   "in_progress",
			CallID:   block.ID,
			Input:    block.Input,
			Raw:      claudeBlockRaw(block),
			Cwd:      cwd,
		})
		s.emit(Event{Timeline: &timeline.Event{Kind: timeline.EventToolCall, ToolCall: tc}})
	}
}

func (s *claudeSession) handleToolResult(block *claudecode.ContentBlock) {
	status := "completed"
	errText := ""
	if block.IsError {
		status = "failed"
		errText = block.ResultText()
	}
	tc := MapToolCall(ToolCallInput{
		Provider: ProviderClaude,
		Status:   status,
		CallID:   block.ToolUseID,
		Output:   block.ResultText(),
		Error:    errText,
	})
	s.emit(Event{Timeline: &timeline.Event{Kind: timeline.EventToolCall, ToolCall: tc}})
}

func (s *claudeSession) emitTodos(input map[string]any) {
	raw, ok := input["todos"].([]any)
	if !ok {
		return
	}
	todos := make([]timeline.TodoEntry, 0, len(raw))
	for _, entry := range raw {
		m, ok := entry.(map[string]any)
		if !ok {
			continue
		}
		todo := timeline.TodoEntry{}
		if content, ok := m["content"].(string); ok {
			todo.Content = content
		}
		if status, ok := m["status"].(string); ok {
			todo.Status = status
		}
		if todo.Content != "" {
			todos = append(todos, todo)
		}
	}
	if len(todos) > 0 {
		s.emit(Event{Timeline: &timeline.Event{Kind: timeline.EventTodo, Todos: todos}})
	}
}

func (s *claudeSession) observeSessionID(id string) {
	s.mu.Lock()
	seen := s.handle.SessionID
	if seen == "" {
		s.handle.SessionID = id
	}
	s.mu.Unlock()

	if seen == "" {
		s.emit(Event{SessionID: id})
	}
}

// onControlRequest auto-approves tool permission prompts; the daemon runs
// headless and surfaces tool activity on the timeline instead.
func (s *claudeSession) onControlRequest(requestID string, req *claudecode.ControlRequest) *claudecode.PermissionResult {
	if req.Subtype == claudecode.SubtypeCanUseTool {
		return &claudecode.PermissionResult{Behavior: "allow", UpdatedInput: req.Input}
	}
	return &claudecode.PermissionResult{Behavior: "deny", Message: "unsupported control request"}
}

func claudeBlockRaw(block *claudecode.ContentBlock) map[string]any {
	b, err := json.Marshal(block)
	if err != nil {
		return nil
	}
	var m map[string]any
	if err := json.Unmarshal(b, &m); err != nil {
		return nil
	}
	return m
}

func claudeResultText(raw json.RawMessage) string {
	if len(raw) == 0 {
		return "turn failed"
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	return string(raw)
}
