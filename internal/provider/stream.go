package provider

import "sync"

// eventStream is the single-consumer event channel shared by the adapters.
// Emit and CloseStream may race from different goroutines; a blocked emitter
// is released when the stream closes.
type eventStream struct {
	ch   chan Event
	done chan struct{}

	mu        sync.Mutex
	closed    bool
	closeOnce sync.Once
}

func newEventStream(size int) *eventStream {
	return &eventStream{
		ch:   make(chan Event, size),
		done: make(chan struct{}),
	}
}

func (e *eventStream) Events() <-chan Event { return e.ch }

// Emit delivers an event unless the stream has closed.
func (e *eventStream) Emit(ev Event) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return
	}
	select {
	case e.ch <- ev:
	case <-e.done:
	}
}

// CloseStream ends the stream. Idempotent.
func (e *eventStream) CloseStream() {
	e.closeOnce.Do(func() {
		// Release any emitter blocked on a full channel before taking the
		// lock to close the channel itself.
		close(e.done)

		e.mu.Lock()
		e.closed = true
		close(e.ch)
		e.mu.Unlock()
	})
}
