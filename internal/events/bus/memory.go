package bus

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/ebibibi/claude-discord/internal/common/logger"
)

// MemoryEventBus implements EventBus in-process. Dispatch is synchronous:
// handlers run on the publisher's goroutine so subscribers observe events in
// exactly the order they were published.
type MemoryEventBus struct {
	subscriptions []*memorySubscription
	mu            sync.RWMutex
	logger        *logger.Logger
	closed        bool
}

// memorySubscription represents an in-memory subscription
type memorySubscription struct {
	bus     *MemoryEventBus
	subject string
	pattern *regexp.Regexp // compiled wildcard matcher
	handler EventHandler
	active  bool
	mu      sync.Mutex
}

// Unsubscribe removes the subscription
func (s *memorySubscription) Unsubscribe() error {
	s.mu.Lock()
	s.active = false
	s.mu.Unlock()

	s.bus.mu.Lock()
	defer s.bus.mu.Unlock()
	for i, sub := range s.bus.subscriptions {
		if sub == s {
			s.bus.subscriptions = append(s.bus.subscriptions[:i], s.bus.subscriptions[i+1:]...)
			break
		}
	}
	return nil
}

// IsValid returns whether the subscription is still active
func (s *memorySubscription) IsValid() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active
}

// NewMemoryEventBus creates a new in-memory event bus
func NewMemoryEventBus(log *logger.Logger) *MemoryEventBus {
	return &MemoryEventBus{
		logger: log,
	}
}

// compileSubjectPattern converts a NATS-style subject pattern into a regexp.
// "*" matches one token, ">" matches one or more trailing tokens.
func compileSubjectPattern(subject string) (*regexp.Regexp, error) {
	tokens := strings.Split(subject, ".")
	parts := make([]string, 0, len(tokens))
	for i, tok := range tokens {
		switch tok {
		case "*":
			parts = append(parts, `[^.]+`)
		case ">":
			if i != len(tokens)-1 {
				return nil, fmt.Errorf("'>' must be the last token in subject %q", subject)
			}
			parts = append(parts, `.+`)
		default:
			parts = append(parts, regexp.QuoteMeta(tok))
		}
	}
	return regexp.Compile("^" + strings.Join(parts, `\.`) + "$")
}

// Publish delivers the event to every matching subscription
func (b *MemoryEventBus) Publish(ctx context.Context, subject string, event *Event) error {
	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return fmt.Errorf("event bus is closed")
	}
	matched := make([]*memorySubscription, 0, len(b.subscriptions))
	for _, sub := range b.subscriptions {
		if sub.pattern.MatchString(subject) && sub.IsValid() {
			matched = append(matched, sub)
		}
	}
	b.mu.RUnlock()

	// Synchronous dispatch keeps delivery order identical to publish order,
	// which streaming consumers rely on.
	for _, sub := range matched {
		if err := sub.handler(ctx, event); err != nil {
			b.logger.Error("Event handler error",
				zap.String("subject", subject),
				zap.String("event_type", event.Type),
				zap.Error(err),
			)
		}
	}

	b.logger.Debug("Published event",
		zap.String("subject", subject),
		zap.String("event_type", event.Type),
		zap.Int("subscribers", len(matched)),
	)
	return nil
}

// Subscribe creates a subscription to a subject pattern
func (b *MemoryEventBus) Subscribe(subject string, handler EventHandler) (Subscription, error) {
	pattern, err := compileSubjectPattern(subject)
	if err != nil {
		return nil, err
	}

	sub := &memorySubscription{
		bus:     b,
		subject: subject,
		pattern: pattern,
		handler: handler,
		active:  true,
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, fmt.Errorf("event bus is closed")
	}
	b.subscriptions = append(b.subscriptions, sub)

	b.logger.Debug("Subscribed to subject", zap.String("subject", subject))
	return sub, nil
}

// SubscriptionCount returns the number of active subscriptions.
func (b *MemoryEventBus) SubscriptionCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscriptions)
}

// Close invalidates all subscriptions and stops accepting publishes
func (b *MemoryEventBus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, sub := range b.subscriptions {
		sub.mu.Lock()
		sub.active = false
		sub.mu.Unlock()
	}
	b.subscriptions = nil
	b.closed = true
	b.logger.Info("Memory event bus closed")
}

// IsConnected always returns true until the bus is closed
func (b *MemoryEventBus) IsConnected() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return !b.closed
}
