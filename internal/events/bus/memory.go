package bus

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/paseo-ai/paseo/internal/common/logger"
)

// MemoryEventBus is the in-process EventBus. Handlers run on their own
// goroutine per delivery; publish never blocks on a slow handler.
type MemoryEventBus struct {
	mu     sync.RWMutex
	subs   map[string][]*memorySubscription
	closed bool
	logger *logger.Logger
}

type memorySubscription struct {
	bus     *MemoryEventBus
	subject string
	pattern *regexp.Regexp // nil for exact-match subjects
	handler EventHandler

	mu     sync.Mutex
	active bool
}

// NewMemoryEventBus creates an in-memory event bus.
func NewMemoryEventBus(log *logger.Logger) *MemoryEventBus {
	return &MemoryEventBus{
		subs:   make(map[string][]*memorySubscription),
		logger: log,
	}
}

// Publish delivers the event to every matching subscriber.
func (b *MemoryEventBus) Publish(ctx context.Context, subject string, event *Event) error {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return fmt.Errorf("event bus is closed")
	}

	for pattern, subs := range b.subs {
		if !matches(subject, pattern) {
			continue
		}
		for _, sub := range subs {
			if !sub.IsValid() {
				continue
			}
			go func(s *memorySubscription) {
				if err := s.handler(ctx, event); err != nil {
					b.logger.Error("event handler failed",
						zap.String("subject", subject),
						zap.String("event_type", event.Type),
						zap.Error(err))
				}
			}(sub)
		}
	}
	return nil
}

// Subscribe registers a handler for a subject. NATS-style wildcards are
// supported: "*" matches one token, ">" matches the rest.
func (b *MemoryEventBus) Subscribe(subject string, handler EventHandler) (Subscription, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil, fmt.Errorf("event bus is closed")
	}

	sub := &memorySubscription{
		bus:     b,
		subject: subject,
		pattern: compilePattern(subject),
		handler: handler,
		active:  true,
	}
	b.subs[subject] = append(b.subs[subject], sub)
	return sub, nil
}

// Close deactivates all subscriptions.
func (b *MemoryEventBus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.closed = true
	for _, subs := range b.subs {
		for _, sub := range subs {
			sub.mu.Lock()
			sub.active = false
			sub.mu.Unlock()
		}
	}
	b.subs = make(map[string][]*memorySubscription)
}

// IsConnected reports whether the bus accepts publishes.
func (b *MemoryEventBus) IsConnected() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return !b.closed
}

func (s *memorySubscription) Unsubscribe() error {
	s.mu.Lock()
	s.active = false
	s.mu.Unlock()

	s.bus.mu.Lock()
	defer s.bus.mu.Unlock()
	subs := s.bus.subs[s.subject]
	for i, sub := range subs {
		if sub == s {
			s.bus.subs[s.subject] = append(subs[:i], subs[i+1:]...)
			break
		}
	}
	return nil
}

func (s *memorySubscription) IsValid() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active
}

// matches checks a subject against a subscription pattern.
var patternCache sync.Map

func matches(subject, pattern string) bool {
	if !strings.ContainsAny(pattern, "*>") {
		return subject == pattern
	}
	re := compilePattern(pattern)
	return re != nil && re.MatchString(subject)
}

// compilePattern converts a NATS-style pattern to an anchored regexp.
func compilePattern(pattern string) *regexp.Regexp {
	if !strings.ContainsAny(pattern, "*>") {
		return nil
	}
	if cached, ok := patternCache.Load(pattern); ok {
		return cached.(*regexp.Regexp)
	}
	escaped := regexp.QuoteMeta(pattern)
	escaped = strings.ReplaceAll(escaped, `\*`, `[^.]+`)
	escaped = strings.ReplaceAll(escaped, `>`, `.+`)
	re, err := regexp.Compile("^" + escaped + "$")
	if err != nil {
		return nil
	}
	patternCache.Store(pattern, re)
	return re
}
