package manager

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/paseo-ai/paseo/internal/agent/registry"
	"github.com/paseo-ai/paseo/internal/common/logger"
	"github.com/paseo-ai/paseo/internal/provider"
	"github.com/paseo-ai/paseo/internal/timeline"
)

// queuedMessage is a user message waiting for the agent to become idle.
type queuedMessage struct {
	msg provider.Message
}

// agentRuntime owns one agent. All mutations run on the mailbox goroutine;
// the provider pump and timers post closures into the mailbox instead of
// touching state directly.
type agentRuntime struct {
	id      string
	manager *Manager
	logger  *logger.Logger

	mailbox chan func()
	quit    chan struct{}
	stopped chan struct{}

	// Mailbox-goroutine state. Never touched from outside the loop.
	snapshot       registry.Snapshot
	reducer        *timeline.Reducer
	session        provider.Session
	pending        []queuedMessage
	seenClientMsgs map[string]struct{}
	interruptTimer *time.Timer
	idleAt         time.Time
	closing        bool
}

func newAgentRuntime(m *Manager, snap registry.Snapshot) *agentRuntime {
	a := &agentRuntime{
		id:             snap.ID,
		manager:        m,
		logger:         m.logger.WithAgentID(snap.ID),
		mailbox:        make(chan func(), 64),
		quit:           make(chan struct{}),
		stopped:        make(chan struct{}),
		snapshot:       snap,
		reducer:        timeline.NewReducer(),
		seenClientMsgs: make(map[string]struct{}),
	}
	go a.loop()
	return a
}

func (a *agentRuntime) loop() {
	defer close(a.stopped)
	for {
		select {
		case fn := <-a.mailbox:
			fn()
		case <-a.quit:
			return
		}
	}
}

// do posts a closure to the mailbox. Returns false when the agent has
// stopped.
func (a *agentRuntime) do(fn func()) bool {
	select {
	case a.mailbox <- fn:
		return true
	case <-a.stopped:
		return false
	}
}

// startProvider launches the adapter asynchronously; the agent stays
// initializing until the session is up.
func (a *agentRuntime) startProvider(adapter provider.Adapter, cfg provider.StartConfig, resume *provider.Handle, overrides provider.Overrides) {
	timeout := a.manager.cfg.StartupTimeoutDuration()
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()

		var (
			session provider.Session
			err     error
		)
		if resume != nil {
			session, err = adapter.Resume(ctx, *resume, overrides)
		} else {
			session, err = adapter.Start(ctx, cfg)
		}
		a.do(func() { a.onSessionStarted(session, err) })
	}()
}

func (a *agentRuntime) onSessionStarted(session provider.Session, err error) {
	if a.closing {
		if session != nil {
			go session.Close()
		}
		return
	}
	if err != nil {
		a.logger.Error("provider startup failed", zap.Error(err))
		a.enterError("provider startup failed: " + err.Error())
		return
	}

	a.session = session
	handle := session.Handle()
	if a.snapshot.Handle.SessionID == "" {
		a.snapshot.Handle = handle
	}
	a.setStatus(registry.StatusIdle)

	go a.pump(session)

	a.flushPending()
}

// pump consumes the provider event stream until it closes.
func (a *agentRuntime) pump(session provider.Session) {
	for ev := range session.Events() {
		ev := ev
		if !a.do(func() { a.onProviderEvent(ev) }) {
			return
		}
	}
	a.do(func() { a.onStreamClosed() })
}

func (a *agentRuntime) onProviderEvent(ev provider.Event) {
	switch {
	case ev.Err != nil:
		a.logger.Error("provider stream error", zap.Error(ev.Err))
		a.enterError(ev.Err.Error())

	case ev.SessionID != "":
		// A session id, once observed, is never replaced.
		if a.snapshot.Handle.SessionID == "" {
			a.snapshot.Handle.SessionID = ev.SessionID
			a.snapshot.Handle.Provider = a.snapshot.Provider
			if a.snapshot.Handle.Cwd == "" {
				a.snapshot.Handle.Cwd = a.snapshot.Cwd
			}
			a.saveAndPublish()
		}

	case ev.TurnCompleted:
		a.onTurnCompleted()

	case ev.Timeline != nil:
		a.applyTimeline(*ev.Timeline, time.Now().UTC())
		a.maybeAutoWake()
	}
}

// applyTimeline folds the event into the reducer, persists it, and fans it
// out. Persistence failures are logged but never block delivery.
func (a *agentRuntime) applyTimeline(ev timeline.Event, ts time.Time) {
	item := a.reducer.Apply(ev, ts)
	if item == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	if err := a.manager.store.AppendEvent(ctx, a.id, ev, ts); err != nil {
		a.logger.Warn("failed to persist timeline event", zap.Error(err))
	}
	cancel()

	a.manager.publish(Event{
		Type:    EventAgentStream,
		AgentID: a.id,
		Stream:  &StreamEvent{Event: ev, Item: item},
	})
}

// maybeAutoWake flips an idle agent to running when the provider keeps
// emitting events after a turn completed, within the auto-wake window.
func (a *agentRuntime) maybeAutoWake() {
	if a.snapshot.Status != registry.StatusIdle {
		return
	}
	window := a.manager.cfg.AutoWakeWindowDuration()
	if window > 0 && time.Since(a.idleAt) > window {
		return
	}
	a.setStatus(registry.StatusRunning)
}

func (a *agentRuntime) onTurnCompleted() {
	if a.interruptTimer != nil {
		a.interruptTimer.Stop()
		a.interruptTimer = nil
	}
	if a.snapshot.Status.Terminal() {
		return
	}
	a.becomeIdle()
	a.flushPending()
}

func (a *agentRuntime) becomeIdle() {
	a.idleAt = time.Now()
	a.setStatus(registry.StatusIdle)
}

// flushPending forwards the next queued message when the agent is idle.
func (a *agentRuntime) flushPending() {
	if a.snapshot.Status != registry.StatusIdle || len(a.pending) == 0 {
		return
	}
	next := a.pending[0]
	a.pending = a.pending[1:]
	a.forward(next.msg)
}

// forward dispatches a message to the provider off the mailbox goroutine;
// Send can block for the whole turn on some providers.
func (a *agentRuntime) forward(msg provider.Message) {
	a.setStatus(registry.StatusRunning)
	session := a.session
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Minute)
		defer cancel()
		if err := session.Send(ctx, msg); err != nil {
			a.logger.Error("failed to send message to provider", zap.Error(err))
			a.do(func() {
				a.applyTimeline(timeline.Event{
					Kind: timeline.EventError,
					Text: "failed to deliver message: " + err.Error(),
				}, time.Now().UTC())
			})
		}
	}()
}

func (a *agentRuntime) onSend(in MessageInput) {
	if a.closing || a.snapshot.Status.Terminal() {
		return
	}
	if in.ClientMessageID != "" {
		if _, dup := a.seenClientMsgs[in.ClientMessageID]; dup {
			// Duplicate delivery: re-echo the user message so the sender
			// still observes it, but never forward it again. The reducer
			// upsert keeps the timeline unchanged.
			a.applyTimeline(timeline.Event{
				Kind:      timeline.EventUserMessage,
				MessageID: in.ClientMessageID,
				Text:      in.Text,
				Images:    in.Images,
			}, time.Now().UTC())
			return
		}
		a.seenClientMsgs[in.ClientMessageID] = struct{}{}
	}

	// Echo the user message onto the timeline immediately.
	a.applyTimeline(timeline.Event{
		Kind:      timeline.EventUserMessage,
		MessageID: in.ClientMessageID,
		Text:      in.Text,
		Images:    in.Images,
	}, time.Now().UTC())

	msg := provider.Message{Text: in.Text, Images: in.Images}
	switch a.snapshot.Status {
	case registry.StatusIdle:
		a.forward(msg)
	default:
		// initializing, running, interrupting: queue behind the current turn.
		a.pending = append(a.pending, queuedMessage{msg: msg})
	}
}

func (a *agentRuntime) onCancel() {
	if a.snapshot.Status != registry.StatusRunning {
		return
	}
	a.setStatus(registry.StatusInterrupting)

	session := a.session
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), a.manager.cfg.CancelTimeoutDuration())
		defer cancel()
		if err := session.Cancel(ctx); err != nil {
			a.logger.Warn("provider cancel failed", zap.Error(err))
		}
	}()

	a.interruptTimer = time.AfterFunc(a.manager.cfg.CancelTimeoutDuration(), func() {
		a.do(a.onInterruptTimeout)
	})
}

// onInterruptTimeout forces the agent back to idle when the provider did not
// settle within the cancel window.
func (a *agentRuntime) onInterruptTimeout() {
	if a.snapshot.Status != registry.StatusInterrupting {
		return
	}
	a.interruptTimer = nil
	a.applyTimeline(timeline.Event{
		Kind:         timeline.EventActivityLog,
		ActivityType: timeline.ActivitySystem,
		Text:         "agent interrupted",
	}, time.Now().UTC())
	a.becomeIdle()
	a.flushPending()
}

func (a *agentRuntime) onStreamClosed() {
	if a.closing || a.snapshot.Status.Terminal() {
		return
	}
	a.logger.Warn("provider stream ended unexpectedly")
	a.enterError("provider session ended unexpectedly")
}

// enterError transitions to the terminal error state, preserving the last
// persistence handle for a later resume.
func (a *agentRuntime) enterError(message string) {
	a.snapshot.ErrorMessage = message
	a.applyTimeline(timeline.Event{
		Kind:         timeline.EventActivityLog,
		ActivityType: timeline.ActivityError,
		Text:         message,
	}, time.Now().UTC())
	a.setStatus(registry.StatusError)
}

// waitSettled blocks until no turn is in flight (any status other than
// running or interrupting), the context expires, or the runtime stops.
// Shutdown uses it to drain the current turn before closing the session.
func (a *agentRuntime) waitSettled(ctx context.Context) {
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()
	for {
		snap, ok := a.view()
		if !ok {
			return
		}
		if snap.Status != registry.StatusRunning && snap.Status != registry.StatusInterrupting {
			return
		}
		select {
		case <-ticker.C:
		case <-ctx.Done():
			return
		case <-a.stopped:
			return
		}
	}
}

// close tears the runtime down. remove distinguishes a user delete (registry
// record dropped) from a daemon shutdown (record kept for later resume).
func (a *agentRuntime) close(remove bool) {
	if a.closing {
		return
	}
	a.closing = true
	if a.interruptTimer != nil {
		a.interruptTimer.Stop()
		a.interruptTimer = nil
	}

	session := a.session
	if session != nil {
		go session.Close()
	}

	if remove {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := a.manager.store.Delete(ctx, a.id); err != nil {
			a.logger.Warn("failed to delete agent from registry", zap.Error(err))
		}
		cancel()
		a.manager.publish(Event{Type: EventAgentRemoved, AgentID: a.id})
	} else {
		if !a.snapshot.Status.Terminal() {
			a.setStatus(registry.StatusEnded)
		}
	}

	a.manager.dropAgent(a.id)
	close(a.quit)
}

// setStatus persists and publishes every state change (write-through).
func (a *agentRuntime) setStatus(status registry.AgentStatus) {
	if a.snapshot.Status == status {
		return
	}
	a.snapshot.Status = status
	a.saveAndPublish()
}

func (a *agentRuntime) saveAndPublish() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	if err := a.manager.store.Save(ctx, &a.snapshot); err != nil {
		a.logger.Warn("failed to persist agent snapshot", zap.Error(err))
	}
	cancel()

	snap := a.snapshot
	a.manager.publish(Event{Type: EventAgentUpsert, AgentID: a.id, Snapshot: &snap})
}

// view returns a copy of the snapshot, synchronized through the mailbox.
func (a *agentRuntime) view() (registry.Snapshot, bool) {
	reply := make(chan registry.Snapshot, 1)
	if !a.do(func() { reply <- a.snapshot }) {
		return registry.Snapshot{}, false
	}
	select {
	case snap := <-reply:
		return snap, true
	case <-a.stopped:
		return registry.Snapshot{}, false
	}
}

// timelineItems returns the current timeline, synchronized through the
// mailbox.
func (a *agentRuntime) timelineItems() []*timeline.Item {
	reply := make(chan []*timeline.Item, 1)
	if !a.do(func() { reply <- a.reducer.Items() }) {
		return nil
	}
	select {
	case items := <-reply:
		return items
	case <-a.stopped:
		return nil
	}
}
