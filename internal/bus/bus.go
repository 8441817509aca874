// Package bus provides the change notification bus decoupling the sync
// engine from its listeners.
package bus

import (
	"sync"
	"time"

	"github.com/grangeworks/farmbook/internal/logging"
)

// Sync engine event types. Entity events (FARM_CREATED, BATCH_UPDATED, ...)
// are built with EntityEvent.
const (
	EventSyncStarted      = "SYNC_STARTED"
	EventSyncCompleted    = "SYNC_COMPLETED"
	EventSyncFailed       = "SYNC_FAILED"
	EventSyncProgress     = "SYNC_PROGRESS"
	EventConflictResolved = "SYNC_CONFLICT_RESOLVED"
	EventDataSynced       = "DATA_SYNCED"
)

// EntityEvent builds an entity event type such as FARM_CREATED.
// entity is the singular upper-case name from models.EntityNames; op is
// one of CREATED, UPDATED, DELETED.
func EntityEvent(entity, op string) string {
	return entity + "_" + op
}

// Event is an ephemeral domain notification.
type Event struct {
	Type      string                 `json:"type"`
	Payload   map[string]interface{} `json:"payload,omitempty"`
	Timestamp time.Time              `json:"timestamp"`
}

// Handler receives events. Delivery is synchronous; a panicking handler is
// isolated and does not block delivery to the remaining handlers.
type Handler func(Event)

type subscription struct {
	id    int
	types map[string]bool // nil means all types
	fn    Handler
}

// Bus is a publish/subscribe hub with per-event-type debouncing and a
// bounded rolling diagnostic log.
type Bus struct {
	mu       sync.Mutex
	subs     []subscription
	nextID   int
	debounce time.Duration
	timers   map[string]*time.Timer
	latest   map[string]Event
	log      []Event
	logCap   int
	closed   bool
}

// New creates a Bus. debounce is the coalescing window for Publish;
// logCap bounds the diagnostic event log.
func New(debounce time.Duration, logCap int) *Bus {
	if debounce <= 0 {
		debounce = 500 * time.Millisecond
	}
	if logCap <= 0 {
		logCap = 128
	}
	return &Bus{
		debounce: debounce,
		timers:   make(map[string]*time.Timer),
		latest:   make(map[string]Event),
		logCap:   logCap,
	}
}

// Subscribe registers a handler for the given event types, or for all
// events when none are named. The returned function removes the handler.
func (b *Bus) Subscribe(fn Handler, types ...string) func() {
	b.mu.Lock()
	defer b.mu.Unlock()

	sub := subscription{id: b.nextID, fn: fn}
	b.nextID++
	if len(types) > 0 {
		sub.types = make(map[string]bool, len(types))
		for _, t := range types {
			sub.types[t] = true
		}
	}
	b.subs = append(b.subs, sub)

	id := sub.id
	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		for i, s := range b.subs {
			if s.id == id {
				b.subs = append(b.subs[:i], b.subs[i+1:]...)
				return
			}
		}
	}
}

// Publish delivers an event after the debounce window, coalescing bursts
// of the same type into the most recent event.
func (b *Bus) Publish(eventType string, payload map[string]interface{}) {
	evt := Event{Type: eventType, Payload: payload, Timestamp: time.Now()}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.latest[eventType] = evt
	if _, running := b.timers[eventType]; !running {
		b.timers[eventType] = time.AfterFunc(b.debounce, func() {
			b.flush(eventType)
		})
	}
	b.mu.Unlock()
}

// PublishImmediate bypasses debouncing for latency-sensitive events.
func (b *Bus) PublishImmediate(eventType string, payload map[string]interface{}) {
	evt := Event{Type: eventType, Payload: payload, Timestamp: time.Now()}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	subs := b.snapshotSubs(eventType)
	b.record(evt)
	b.mu.Unlock()

	deliver(subs, evt)
}

func (b *Bus) flush(eventType string) {
	b.mu.Lock()
	evt, ok := b.latest[eventType]
	delete(b.latest, eventType)
	delete(b.timers, eventType)
	if !ok || b.closed {
		b.mu.Unlock()
		return
	}
	subs := b.snapshotSubs(eventType)
	b.record(evt)
	b.mu.Unlock()

	deliver(subs, evt)
}

// snapshotSubs must be called with b.mu held.
func (b *Bus) snapshotSubs(eventType string) []Handler {
	var handlers []Handler
	for _, s := range b.subs {
		if s.types == nil || s.types[eventType] {
			handlers = append(handlers, s.fn)
		}
	}
	return handlers
}

// record must be called with b.mu held.
func (b *Bus) record(evt Event) {
	b.log = append(b.log, evt)
	if len(b.log) > b.logCap {
		b.log = b.log[len(b.log)-b.logCap:]
	}
}

func deliver(handlers []Handler, evt Event) {
	for _, h := range handlers {
		func() {
			defer func() {
				if r := recover(); r != nil {
					logging.Warn("event handler panicked", map[string]interface{}{
						"event": evt.Type,
						"panic": r,
					})
				}
			}()
			h(evt)
		}()
	}
}

// Recent returns a copy of the diagnostic event log, oldest first.
func (b *Bus) Recent() []Event {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]Event, len(b.log))
	copy(out, b.log)
	return out
}

// Close stops pending debounce timers and drops further publishes.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	for _, t := range b.timers {
		t.Stop()
	}
	b.timers = make(map[string]*time.Timer)
	b.latest = make(map[string]Event)
}
