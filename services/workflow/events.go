package workflow

import (
	"sync"
	"time"
)

// Lifecycle event names emitted by the engine.
const (
	EventWorkflowStarted   = "workflow:started"
	EventWorkflowCompleted = "workflow:completed"
	EventWorkflowError     = "workflow:error"
	EventNodeStarted       = "node:started"
	EventNodeCompleted     = "node:completed"
	EventNodeError         = "node:error"
)

// Event carries the metadata delivered to lifecycle listeners.
type Event struct {
	Type        string
	ExecutionID string
	WorkflowID  string
	UserID      string
	NodeID      string
	NodeType    string
	Output      map[string]any
	Status      ExecutionStatus
	Attempts    int
	Err         error
	Timestamp   time.Time
}

// Listener observes lifecycle events. Listeners run inline during emission;
// a slow listener delays the emitting run.
type Listener func(Event)

type subscription struct {
	fn   Listener
	once bool
}

// EventBus is a synchronous in-process publish/subscribe hub. Listeners for
// an event name are invoked in subscription order. There is no buffering or
// replay: a listener registered after an event fired will not observe it.
type EventBus struct {
	mu   sync.Mutex
	subs map[string][]*subscription
}

// NewEventBus creates an empty bus.
func NewEventBus() *EventBus {
	return &EventBus{subs: make(map[string][]*subscription)}
}

// On registers a persistent listener for the named event.
func (b *EventBus) On(name string, fn Listener) {
	b.add(name, fn, false)
}

// Once registers a listener that is delivered at most one event, even when
// emissions race from concurrent node completions.
func (b *EventBus) Once(name string, fn Listener) {
	b.add(name, fn, true)
}

func (b *EventBus) add(name string, fn Listener, once bool) {
	if fn == nil {
		return
	}
	b.mu.Lock()
	b.subs[name] = append(b.subs[name], &subscription{fn: fn, once: once})
	b.mu.Unlock()
}

// Emit delivers the event to every current listener of event.Type. Once
// listeners are unsubscribed under the lock before delivery, so concurrent
// emitters cannot deliver to the same Once listener twice.
func (b *EventBus) Emit(event Event) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}

	b.mu.Lock()
	current := b.subs[event.Type]
	targets := make([]*subscription, len(current))
	copy(targets, current)

	remaining := current[:0]
	for _, sub := range current {
		if !sub.once {
			remaining = append(remaining, sub)
		}
	}
	b.subs[event.Type] = remaining
	b.mu.Unlock()

	// Invoked outside the lock so listeners may subscribe or emit.
	for _, sub := range targets {
		sub.fn(event)
	}
}
