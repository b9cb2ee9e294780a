package event

import (
	"fmt"
	"runtime/debug"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/jwc19890114/LLMCouncil-Optimization/internal/logging"
)

// Handler is a function that handles an event.
type Handler func(Event)

// subscription represents a registered event handler.
type subscription struct {
	id      string
	pattern string
	handler Handler
}

// Bus is a synchronous pub-sub event bus.
//
// Subscriptions match an event type exactly, by prefix when the pattern
// ends in ".*" (e.g. "job.*"), or everything via "*".
type Bus struct {
	mu            sync.RWMutex
	subscriptions map[string][]subscription // pattern -> subscriptions
	nextID        atomic.Uint64
	logger        *logging.Logger
}

// NewBus creates a new event bus.
func NewBus() *Bus {
	return &Bus{
		subscriptions: make(map[string][]subscription),
		logger:        logging.NopLogger(),
	}
}

// SetLogger sets the logger used to report handler panics.
func (b *Bus) SetLogger(logger *logging.Logger) {
	if logger == nil {
		logger = logging.NopLogger()
	}
	b.mu.Lock()
	b.logger = logger
	b.mu.Unlock()
}

// Subscribe registers a handler for an event type or pattern.
// Returns a subscription ID that can be used to unsubscribe.
func (b *Bus) Subscribe(pattern string, handler Handler) string {
	b.mu.Lock()
	defer b.mu.Unlock()

	id := fmt.Sprintf("sub-%d", b.nextID.Add(1))
	b.subscriptions[pattern] = append(b.subscriptions[pattern], subscription{
		id:      id,
		pattern: pattern,
		handler: handler,
	})
	return id
}

// SubscribeAll registers a handler for all event types.
func (b *Bus) SubscribeAll(handler Handler) string {
	return b.Subscribe("*", handler)
}

// Unsubscribe removes a subscription by ID.
// Returns true if the subscription was found and removed.
func (b *Bus) Unsubscribe(id string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	for pattern, subs := range b.subscriptions {
		for i, sub := range subs {
			if sub.id != id {
				continue
			}
			rest := make([]subscription, 0, len(subs)-1)
			rest = append(rest, subs[:i]...)
			rest = append(rest, subs[i+1:]...)
			if len(rest) == 0 {
				delete(b.subscriptions, pattern)
			} else {
				b.subscriptions[pattern] = rest
			}
			return true
		}
	}
	return false
}

// Publish dispatches an event to all matching handlers: exact subscribers
// first, then prefix subscribers, then wildcard subscribers. A panicking
// handler is logged and does not stop delivery to the others.
func (b *Bus) Publish(event Event) {
	eventType := event.EventType()

	b.mu.RLock()
	var targets []subscription
	targets = append(targets, b.subscriptions[eventType]...)
	for pattern, subs := range b.subscriptions {
		if prefix, ok := strings.CutSuffix(pattern, ".*"); ok && strings.HasPrefix(eventType, prefix+".") {
			targets = append(targets, subs...)
		}
	}
	targets = append(targets, b.subscriptions["*"]...)
	logger := b.logger
	b.mu.RUnlock()

	for _, sub := range targets {
		safeCall(logger, sub.handler, event)
	}
}

func safeCall(logger *logging.Logger, handler Handler, event Event) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error("event handler panicked",
				"event_type", event.EventType(),
				"panic", fmt.Sprint(r),
				"stack", string(debug.Stack()))
		}
	}()
	handler(event)
}

// Clear removes all subscriptions.
func (b *Bus) Clear() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subscriptions = make(map[string][]subscription)
}

// SubscriptionCount returns the total number of active subscriptions.
func (b *Bus) SubscriptionCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()

	count := 0
	for _, subs := range b.subscriptions {
		count += len(subs)
	}
	return count
}
