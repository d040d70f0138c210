package coordinator

import (
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"
)

// Event types
const (
	EventDeviceAdded    = "device_added"
	EventDeviceRemoved  = "device_removed"
	EventDeviceUpdated  = "device_updated"
	EventClusterCommand = "cluster_command"
	EventStateUpdate    = "state_update"
	EventDataPointsSent = "dps_sent"
	EventDiagnostic     = "diagnostic"
)

// Event is one coordinator notification. Seq is stamped by the bus on
// Emit and increases by one per event, so a websocket client that sees a
// gap knows it was dropped for being slow.
type Event struct {
	Seq  uint64      `json:"seq,omitempty"`
	Type string      `json:"type"`
	Data interface{} `json:"data"`
}

// EventHandler is a callback for events.
type EventHandler func(Event)

type subscription struct {
	id      uint64
	typ     string // empty for every type
	handler EventHandler
}

// EventBus fans coordinator events out to subscribers. Handlers run
// synchronously on the emitting goroutine, in subscription order.
type EventBus struct {
	mu     sync.RWMutex
	subs   []subscription
	nextID uint64
	seq    atomic.Uint64
	logger *slog.Logger
}

// NewEventBus creates a new event bus.
func NewEventBus(logger *slog.Logger) *EventBus {
	return &EventBus{logger: logger}
}

// On registers a handler for one event type and returns its unsubscribe
// function.
func (eb *EventBus) On(eventType string, handler EventHandler) func() {
	return eb.subscribe(eventType, handler)
}

// OnAll registers a handler for every event type.
func (eb *EventBus) OnAll(handler EventHandler) func() {
	return eb.subscribe("", handler)
}

func (eb *EventBus) subscribe(typ string, handler EventHandler) func() {
	eb.mu.Lock()
	defer eb.mu.Unlock()
	eb.nextID++
	id := eb.nextID
	eb.subs = append(eb.subs, subscription{id: id, typ: typ, handler: handler})
	var once sync.Once
	return func() {
		once.Do(func() {
			eb.mu.Lock()
			defer eb.mu.Unlock()
			eb.subs = slices.DeleteFunc(eb.subs, func(s subscription) bool { return s.id == id })
		})
	}
}

// Emit stamps the event sequence and delivers it. A panicking handler is
// recovered and logged; the remaining handlers still run.
func (eb *EventBus) Emit(event Event) {
	event.Seq = eb.seq.Add(1)

	eb.mu.RLock()
	handlers := make([]EventHandler, 0, len(eb.subs))
	for _, s := range eb.subs {
		if s.typ == "" || s.typ == event.Type {
			handlers = append(handlers, s.handler)
		}
	}
	eb.mu.RUnlock()

	for _, h := range handlers {
		eb.deliver(h, event)
	}
}

func (eb *EventBus) deliver(h EventHandler, event Event) {
	defer func() {
		if r := recover(); r != nil {
			eb.logger.Error("event handler panic", "type", event.Type, "seq", event.Seq, "panic", r)
		}
	}()
	h(event)
}
