package scheduler

import (
	"context"
	stdsync "sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/grangeworks/farmbook/internal/bus"
	"github.com/grangeworks/farmbook/internal/store"
	syncpkg "github.com/grangeworks/farmbook/internal/sync"
)

// fakeEngine counts sync invocations.
type fakeEngine struct {
	mu       stdsync.Mutex
	syncs    int
	state    syncpkg.State
	result   *syncpkg.Result
	lastSync *time.Time
}

func (f *fakeEngine) Sync(ctx context.Context) (*syncpkg.Result, error) {
	return f.SyncWithRetry(ctx)
}

func (f *fakeEngine) SyncWithRetry(ctx context.Context) (*syncpkg.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.syncs++
	now := time.Now()
	f.lastSync = &now
	f.result = &syncpkg.Result{Success: true, Uploaded: 1}
	return f.result, nil
}

func (f *fakeEngine) State() syncpkg.State {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.state == "" {
		return syncpkg.StateIdle
	}
	return f.state
}

func (f *fakeEngine) LastResult() *syncpkg.Result {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.result
}

func (f *fakeEngine) LastSync() *time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.lastSync
}

func (f *fakeEngine) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.syncs
}

func newTestScheduler(t *testing.T, engine Engine, cfg *Config) (*Scheduler, *store.Store) {
	t.Helper()
	st, err := store.OpenMemory()
	require.NoError(t, err)
	require.NoError(t, st.Migrate())
	t.Cleanup(func() { st.Close() })

	b := bus.New(time.Millisecond, 16)
	t.Cleanup(b.Close)

	return New(engine, st, b, cfg), st
}

func TestStartStop(t *testing.T) {
	engine := &fakeEngine{}
	s, _ := newTestScheduler(t, engine, nil)

	assert.False(t, s.IsRunning())
	s.Start(context.Background())
	assert.True(t, s.IsRunning())

	// Idempotent.
	s.Start(context.Background())
	assert.True(t, s.IsRunning())

	s.Stop()
	assert.False(t, s.IsRunning())
	s.Stop()
}

// A stopped scheduler must come back up with working loops.
func TestRestartAfterStop(t *testing.T) {
	engine := &fakeEngine{}
	s, _ := newTestScheduler(t, engine, &Config{
		SyncInterval:  10 * time.Millisecond,
		StatsInterval: time.Hour,
		SyncTimeout:   time.Second,
	})

	s.Start(context.Background())
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) && engine.count() == 0 {
		time.Sleep(5 * time.Millisecond)
	}
	require.GreaterOrEqual(t, engine.count(), 1)
	s.Stop()

	before := engine.count()
	s.Start(context.Background())
	defer s.Stop()
	assert.True(t, s.IsRunning())

	deadline = time.Now().Add(time.Second)
	for time.Now().Before(deadline) && engine.count() == before {
		time.Sleep(5 * time.Millisecond)
	}
	assert.Greater(t, engine.count(), before)
}

func TestPeriodicSync(t *testing.T) {
	engine := &fakeEngine{}
	s, _ := newTestScheduler(t, engine, &Config{
		SyncInterval:  20 * time.Millisecond,
		StatsInterval: time.Hour,
		SyncTimeout:   time.Second,
	})

	s.Start(context.Background())
	defer s.Stop()

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) && engine.count() < 2 {
		time.Sleep(5 * time.Millisecond)
	}
	assert.GreaterOrEqual(t, engine.count(), 2)
}

func TestOfflineSuppressesPeriodicSync(t *testing.T) {
	engine := &fakeEngine{}
	s, _ := newTestScheduler(t, engine, &Config{
		SyncInterval:  10 * time.Millisecond,
		StatsInterval: time.Hour,
		SyncTimeout:   time.Second,
	})

	s.SetOnlineStatus(false)
	s.Start(context.Background())
	defer s.Stop()

	time.Sleep(100 * time.Millisecond)
	assert.Zero(t, engine.count())

	s.SetOnlineStatus(true)
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) && engine.count() == 0 {
		time.Sleep(5 * time.Millisecond)
	}
	assert.GreaterOrEqual(t, engine.count(), 1)
}

func TestTriggerSync(t *testing.T) {
	engine := &fakeEngine{}
	s, _ := newTestScheduler(t, engine, nil)

	assert.True(t, s.TriggerSync(context.Background()))

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) && engine.count() == 0 {
		time.Sleep(5 * time.Millisecond)
	}
	assert.Equal(t, 1, engine.count())

	t.Run("busy engine declines", func(t *testing.T) {
		engine.mu.Lock()
		engine.state = syncpkg.StateExchanging
		engine.mu.Unlock()
		assert.False(t, s.TriggerSync(context.Background()))
	})
}

func TestSyncNow(t *testing.T) {
	engine := &fakeEngine{}
	s, _ := newTestScheduler(t, engine, nil)

	res, err := s.SyncNow(context.Background())
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, 1, engine.count())
}

func TestGetStatus(t *testing.T) {
	engine := &fakeEngine{}
	s, _ := newTestScheduler(t, engine, nil)

	status := s.GetStatus()
	assert.False(t, status.IsRunning)
	assert.True(t, status.IsOnline)
	assert.Equal(t, syncpkg.StateIdle, status.State)
	assert.Nil(t, status.LastSync)
	assert.NotNil(t, status.QueueStats)

	_, err := s.SyncNow(context.Background())
	require.NoError(t, err)

	status = s.GetStatus()
	assert.NotNil(t, status.LastSync)
	require.NotNil(t, status.LastResult)
	assert.Equal(t, 1, status.LastResult.Uploaded)
}
