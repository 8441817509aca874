package bus

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// recorder collects delivered events behind a mutex.
type recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *recorder) handle(evt Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, evt)
}

func (r *recorder) snapshot() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}

func (r *recorder) waitFor(t *testing.T, n int) []Event {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if evts := r.snapshot(); len(evts) >= n {
			return evts
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %d events, have %d", n, len(r.snapshot()))
	return nil
}

func TestPublishDebounce(t *testing.T) {
	b := New(50*time.Millisecond, 16)
	defer b.Close()

	rec := &recorder{}
	b.Subscribe(rec.handle, "DATA_SYNCED")

	// A burst of same-type events coalesces into the most recent one.
	for i := 1; i <= 5; i++ {
		b.Publish("DATA_SYNCED", map[string]interface{}{"seq": i})
	}

	events := rec.waitFor(t, 1)
	require.Len(t, events, 1)
	assert.Equal(t, 5, events[0].Payload["seq"])

	// The window is gone; a later publish delivers separately.
	b.Publish("DATA_SYNCED", map[string]interface{}{"seq": 6})
	events = rec.waitFor(t, 2)
	assert.Equal(t, 6, events[1].Payload["seq"])
}

func TestPublishImmediateBypassesDebounce(t *testing.T) {
	b := New(time.Hour, 16)
	defer b.Close()

	rec := &recorder{}
	b.Subscribe(rec.handle)

	b.PublishImmediate("SYNC_STARTED", nil)
	events := rec.waitFor(t, 1)
	assert.Equal(t, "SYNC_STARTED", events[0].Type)
}

func TestSubscribeTypeFilter(t *testing.T) {
	b := New(time.Millisecond, 16)
	defer b.Close()

	rec := &recorder{}
	b.Subscribe(rec.handle, "SYNC_COMPLETED")

	b.PublishImmediate("SYNC_STARTED", nil)
	b.PublishImmediate("SYNC_COMPLETED", nil)
	b.PublishImmediate("SYNC_FAILED", nil)

	events := rec.waitFor(t, 1)
	require.Len(t, events, 1)
	assert.Equal(t, "SYNC_COMPLETED", events[0].Type)
}

func TestUnsubscribe(t *testing.T) {
	b := New(time.Millisecond, 16)
	defer b.Close()

	rec := &recorder{}
	unsub := b.Subscribe(rec.handle)

	b.PublishImmediate("SYNC_STARTED", nil)
	rec.waitFor(t, 1)

	unsub()
	b.PublishImmediate("SYNC_STARTED", nil)
	time.Sleep(50 * time.Millisecond)
	assert.Len(t, rec.snapshot(), 1)
}

// A panicking subscriber must not take down delivery to the others.
func TestPanickingHandlerIsolated(t *testing.T) {
	b := New(time.Millisecond, 16)
	defer b.Close()

	rec := &recorder{}
	b.Subscribe(func(Event) { panic("bad subscriber") })
	b.Subscribe(rec.handle)

	b.PublishImmediate("SYNC_COMPLETED", nil)
	events := rec.waitFor(t, 1)
	assert.Equal(t, "SYNC_COMPLETED", events[0].Type)
}

func TestRecentLogBounded(t *testing.T) {
	b := New(time.Millisecond, 4)
	defer b.Close()

	for i := 0; i < 10; i++ {
		b.PublishImmediate("SYNC_PROGRESS", map[string]interface{}{"seq": i})
	}

	recent := b.Recent()
	require.Len(t, recent, 4)
	// Oldest entries were evicted; the newest survive.
	assert.Equal(t, 9, recent[len(recent)-1].Payload["seq"])
}

func TestCloseDropsPendingTimers(t *testing.T) {
	b := New(time.Hour, 16)

	rec := &recorder{}
	b.Subscribe(rec.handle)

	b.Publish("DATA_SYNCED", nil)
	b.Close()

	time.Sleep(50 * time.Millisecond)
	assert.Empty(t, rec.snapshot())

	// Publishing after Close is a no-op, not a panic.
	b.Publish("DATA_SYNCED", nil)
	b.PublishImmediate("DATA_SYNCED", nil)
}

func TestEntityEvent(t *testing.T) {
	assert.Equal(t, "FARM_CREATED", EntityEvent("FARM", "CREATED"))
	assert.Equal(t, "BATCH_UPDATED", EntityEvent("BATCH", "UPDATED"))
}
