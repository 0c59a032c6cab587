package bus

import (
	"log/slog"
	"strconv"
	"sync"
	"time"

	"arcusgw/internal/domain"
)

// Event is an ephemeral lifecycle or message event. Events are consumed
// synchronously at emission and never persisted beyond the replay buffer.
type Event struct {
	Type      string
	Timestamp time.Time
	SessionID string
	Channel   domain.Channel
	Data      map[string]any
}

// Listener is a callback for events.
type Listener func(Event)

// Well-known event types.
const (
	EventGatewayStarted   = "gateway.started"
	EventGatewayStopped   = "gateway.stopped"
	EventMessageReceived  = "message.received"
	EventMessageResponded = "message.responded"
	EventMessageReaction  = "message.reaction"
	EventSessionCreated   = "session.created"
	EventSessionEnded     = "session.ended"
	EventAuthFailure      = "auth.failure"
)

// EventBus is in-process publish/subscribe for gateway events. Emit is
// fire-and-observe: listeners run synchronously in registration order, a
// failing listener is contained, and nothing is queued or retried.
type EventBus struct {
	mu         sync.RWMutex
	listeners  map[string][]namedListener
	history    []Event
	maxHistory int
	logger     *slog.Logger
}

// namedListener pairs a listener with an ID for unsubscription.
type namedListener struct {
	ID       string
	Listener Listener
}

// New creates an EventBus with a bounded history replay buffer.
func New(logger *slog.Logger) *EventBus {
	return &EventBus{
		listeners:  make(map[string][]namedListener),
		maxHistory: 1000,
		logger:     logger,
	}
}

// On registers a listener for the given event type. Use "*" to listen to all
// events. Returns the listener ID for unsubscription.
func (eb *EventBus) On(eventType string, l Listener) string {
	eb.mu.Lock()
	defer eb.mu.Unlock()
	id := eventType + "-" + strconv.Itoa(len(eb.listeners[eventType]))
	eb.listeners[eventType] = append(eb.listeners[eventType], namedListener{ID: id, Listener: l})
	return id
}

// Off removes a listener by its ID.
func (eb *EventBus) Off(eventType, listenerID string) {
	eb.mu.Lock()
	defer eb.mu.Unlock()
	ls := eb.listeners[eventType]
	for i, l := range ls {
		if l.ID == listenerID {
			eb.listeners[eventType] = append(ls[:i], ls[i+1:]...)
			return
		}
	}
}

// Emit publishes an event to every listener registered for its type plus
// every wildcard listener, in registration order. A panicking listener is
// logged and must not prevent subsequent listeners from running.
func (eb *EventBus) Emit(event Event) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	eb.mu.Lock()
	if len(eb.history) >= eb.maxHistory {
		eb.history = eb.history[1:]
	}
	eb.history = append(eb.history, event)
	eb.mu.Unlock()

	eb.mu.RLock()
	ls := make([]namedListener, 0)
	if typed, ok := eb.listeners[event.Type]; ok {
		ls = append(ls, typed...)
	}
	if wild, ok := eb.listeners["*"]; ok {
		ls = append(ls, wild...)
	}
	eb.mu.RUnlock()

	for _, l := range ls {
		eb.invoke(event, l)
	}
}

func (eb *EventBus) invoke(event Event, l namedListener) {
	defer func() {
		if r := recover(); r != nil {
			eb.logger.Error("event listener panic",
				"event", event.Type,
				"listener", l.ID,
				"panic", r,
			)
		}
	}()
	l.Listener(event)
}

// Replay returns buffered events matching the given type since the given
// time. Use "*" for all event types.
func (eb *EventBus) Replay(eventType string, since time.Time) []Event {
	eb.mu.RLock()
	defer eb.mu.RUnlock()

	var result []Event
	for _, e := range eb.history {
		if e.Timestamp.Before(since) {
			continue
		}
		if eventType == "*" || e.Type == eventType {
			result = append(result, e)
		}
	}
	return result
}

// HistoryLen returns the current number of events in the replay buffer.
func (eb *EventBus) HistoryLen() int {
	eb.mu.RLock()
	defer eb.mu.RUnlock()
	return len(eb.history)
}
