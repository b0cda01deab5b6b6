package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/paseo-ai/paseo/internal/common/logger"
	"github.com/paseo-ai/paseo/internal/common/portutil"
	"github.com/paseo-ai/paseo/internal/timeline"
	"github.com/paseo-ai/paseo/pkg/opencode"
)

// ProviderOpenCode is the OpenCode provider name.
const ProviderOpenCode = "opencode"

// OpenCodeAdapter runs OpenCode server sessions over REST + SSE.
type OpenCodeAdapter struct {
	Binary string // defaults to "opencode"
	logger *logger.Logger
}

// NewOpenCodeAdapter creates the OpenCode provider adapter.
func NewOpenCodeAdapter(log *logger.Logger) *OpenCodeAdapter {
	return &OpenCodeAdapter{
		Binary: "opencode",
		logger: log.WithFields(zap.String("provider", ProviderOpenCode)),
	}
}

// Name implements Adapter.
func (a *OpenCodeAdapter) Name() string { return ProviderOpenCode }

// Start implements Adapter.
func (a *OpenCodeAdapter) Start(ctx context.Context, cfg StartConfig) (Session, error) {
	s, err := a.launch(ctx, cfg.Cwd, cfg.Model)
	if err != nil {
		return nil, err
	}
	sessionID, err := s.client.CreateSession(ctx)
	if err != nil {
		_ = s.Close()
		return nil, fmt.Errorf("opencode create session: %w", err)
	}
	s.setSession(sessionID)
	go s.pump()
	return s, nil
}

// Resume implements Adapter. OpenCode sessions live server-side; resuming
// spawns a fresh server in the session's directory and re-attaches by id.
func (a *OpenCodeAdapter) Resume(ctx context.Context, handle Handle, ov Overrides) (Session, error) {
	if handle.SessionID == "" {
		return nil, fmt.Errorf("opencode resume requires a session id")
	}
	cwd := handle.Cwd
	if ov.Cwd != "" {
		cwd = ov.Cwd
	}
	s, err := a.launch(ctx, cwd, handle.Model)
	if err != nil {
		return nil, err
	}

	sessions, err := s.client.ListSessions(ctx)
	if err != nil {
		_ = s.Close()
		return nil, fmt.Errorf("opencode list sessions: %w", err)
	}
	found := false
	for _, sess := range sessions {
		if sess.ID == handle.SessionID {
			found = true
			break
		}
	}
	if !found {
		_ = s.Close()
		return nil, fmt.Errorf("opencode session %s not found", handle.SessionID)
	}
	s.setSession(handle.SessionID)
	go s.pump()
	return s, nil
}

// ListPersisted implements Adapter via a short-lived server.
func (a *OpenCodeAdapter) ListPersisted(ctx context.Context, opts ListOptions) ([]PersistedSession, error) {
	s, err := a.launch(ctx, "", "")
	if err != nil {
		return nil, err
	}
	defer s.Close()

	sessions, err := s.client.ListSessions(ctx)
	if err != nil {
		return nil, fmt.Errorf("opencode list sessions: %w", err)
	}

	out := make([]PersistedSession, 0, len(sessions))
	for _, sess := range sessions {
		var last time.Time
		if sess.Time != nil && sess.Time.Updated > 0 {
			last = time.UnixMilli(sess.Time.Updated)
		}
		out = append(out, PersistedSession{
			SessionID:      sess.ID,
			Cwd:            sess.Directory,
			Title:          sess.Title,
			LastActivityAt: last,
			Handle: Handle{
				Provider:  ProviderOpenCode,
				SessionID: sess.ID,
				Cwd:       sess.Directory,
			},
		})
	}
	if opts.Limit > 0 && len(out) > opts.Limit {
		out = out[:opts.Limit]
	}
	return out, nil
}

func (a *OpenCodeAdapter) launch(ctx context.Context, cwd, model string) (*opencodeSession, error) {
	port, err := portutil.AllocatePort()
	if err != nil {
		return nil, err
	}

	args := []string{"serve", "--hostname", "127.0.0.1", "--port", strconv.Itoa(port)}
	proc, err := spawn(cwd, a.Binary, args, nil, a.logger)
	if err != nil {
		return nil, err
	}

	client := opencode.NewClient("http://127.0.0.1:"+strconv.Itoa(port), a.logger)

	s := &opencodeSession{
		proc:      proc,
		client:    client,
		stream:    newEventStream(256),
		partsSeen: make(map[string]int),
		handle: Handle{
			Provider: ProviderOpenCode,
			Cwd:      cwd,
			Model:    model,
		},
	}
	s.streamCtx, s.streamStop = context.WithCancel(context.Background())
	go s.watch()

	healthCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	if err := client.WaitForHealth(healthCtx); err != nil {
		_ = s.Close()
		return nil, err
	}
	return s, nil
}

// opencodeSession is one live OpenCode server subprocess bound to a session.
type opencodeSession struct {
	proc   *process
	client *opencode.Client
	stream *eventStream

	streamCtx  context.Context
	streamStop context.CancelFunc

	mu        sync.Mutex
	handle    Handle
	closed    bool
	partsSeen map[string]int // emitted text length per part id
}

func (s *opencodeSession) setSession(id string) {
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

func (s *opencodeSession) sessionID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.handle.SessionID
}

func (s *opencodeSession) Handle() Handle {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.handle
}

func (s *opencodeSession) Events() <-chan Event { return s.stream.Events() }

func (s *opencodeSession) Send(ctx context.Context, msg Message) error {
	var model *opencode.ModelSpec
	if m := s.Handle().Model; m != "" {
		// Model is addressed as "providerID/modelID".
		if i := strings.IndexByte(m, '/'); i > 0 {
			model = &opencode.ModelSpec{ProviderID: m[:i], ModelID: m[i+1:]}
		}
	}
	return s.client.SendPrompt(ctx, s.sessionID(), msg.Text, model)
}

func (s *opencodeSession) Cancel(ctx context.Context) error {
	return s.client.Abort(ctx, s.sessionID())
}

func (s *opencodeSession) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	s.streamStop()
	return s.proc.shutdown(5 * time.Second)
}

func (s *opencodeSession) watch() {
	err := s.proc.wait()

	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()

	if !closed && err != nil {
		s.stream.Emit(Event{Err: fmt.Errorf("opencode process exited: %w", err)})
	}
	s.stream.CloseStream()
}

// pump consumes the SSE event stream for the bound session.
func (s *opencodeSession) pump() {
	s.client.SetEventHandler(s.onEvent)
	if err := s.client.StreamEvents(s.streamCtx, s.sessionID()); err != nil {
		s.mu.Lock()
		closed := s.closed
		s.mu.Unlock()
		if !closed {
			s.stream.Emit(Event{Err: fmt.Errorf("opencode event stream: %w", err)})
		}
	}
}

func (s *opencodeSession) onEvent(ev *opencode.EventEnvelope) {
	switch ev.Type {
	case opencode.EventMessagePartUpdated:
		var props opencode.PartUpdatedProperties
		if err := json.Unmarshal(ev.Properties, &props); err != nil {
			return
		}
		s.onPart(&props.Part)

	case opencode.EventMessageUpdated:
		var props opencode.MessageUpdatedProperties
		if err := json.Unmarshal(ev.Properties, &props); err != nil {
			return
		}
		if props.Info.Error != nil && props.Info.Error.Message != "" {
			s.stream.Emit(Event{Timeline: &timeline.Event{
				Kind: timeline.EventError,
				Text: props.Info.Error.Message,
			}})
		}

	case opencode.EventSessionIdle:
		s.stream.Emit(Event{TurnCompleted: true})

	case opencode.EventSessionError:
		var props opencode.SessionScopedProperties
		if err := json.Unmarshal(ev.Properties, &props); err != nil {
			return
		}
		text := "session error"
		if props.Error != nil && props.Error.Message != "" {
			text = props.Error.Message
		}
		s.stream.Emit(Event{Timeline: &timeline.Event{Kind: timeline.EventError, Text: text}})

	case opencode.EventTodoUpdated:
		var props opencode.TodoUpdatedProperties
		if err := json.Unmarshal(ev.Properties, &props); err != nil {
			return
		}
		todos := make([]timeline.TodoEntry, 0, len(props.Todos))
		for _, t := range props.Todos {
			todos = append(todos, timeline.TodoEntry{Content: t.Content, Status: t.Status})
		}
		if len(todos) > 0 {
			s.stream.Emit(Event{Timeline: &timeline.Event{Kind: timeline.EventTodo, Todos: todos}})
		}

	case opencode.EventPermissionAsked:
		var props opencode.PermissionAskedProperties
		if err := json.Unmarshal(ev.Properties, &props); err != nil {
			return
		}
		// Headless: approve for this invocation only.
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = s.client.ReplyPermission(ctx, props.ID, "once")
	}
}

// onPart translates a message part update. OpenCode re-sends the full
// accumulated text on every update, so only the unseen suffix is emitted.
func (s *opencodeSession) onPart(part *opencode.Part) {
	switch part.Type {
	case opencode.PartTypeText, opencode.PartTypeReasoning:
		s.mu.Lock()
		emitted := s.partsSeen[part.ID]
		if len(part.Text) > emitted {
			s.partsSeen[part.ID] = len(part.Text)
		}
		s.mu.Unlock()

		if len(part.Text) <= emitted {
			return
		}
		kind := timeline.EventAssistantMessage
		if part.Type == opencode.PartTypeReasoning {
			kind = timeline.EventReasoning
		}
		s.stream.Emit(Event{Timeline: &timeline.Event{Kind: kind, Text: part.Text[emitted:]}})

	case opencode.PartTypeTool:
		s.onToolPart(part)
	}
}

func (s *opencodeSession) onToolPart(part *opencode.Part) {
	in := ToolCallInput{
		Provider: ProviderOpenCode,
		Tool:     part.Tool,
		CallID:   part.CallID,
		Cwd:      s.Handle().Cwd,
		Raw:      opencodePartRaw(part),
	}
	if part.State != nil {
		in.Status = part.State.Status
		in.Input = part.State.Input
		in.Error = part.State.Error
		if len(part.State.Output) > 0 {
			var out any
			if err := json.Unmarshal(part.State.Output, &out); err == nil {
				in.Output = out
			} else {
				in.Output = string(part.State.Output)
			}
		}
	}
	tc := MapToolCall(in)
	s.stream.Emit(Event{Timeline: &timeline.Event{Kind: timeline.EventToolCall, ToolCall: tc}})
}

func opencodePartRaw(part *opencode.Part) map[string]any {
	b, err := json.Marshal(part)
	if err != nil {
		return nil
	}
	var m map[string]any
	if err := json.Unmarshal(b, &m); err != nil {
		return nil
	}
	return m
}
