// Package scheduler runs background sync passes and periodic queue stats
// recomputation for the local store.
package scheduler

import (
	"context"
	stdsync "sync"
	"time"

	"github.com/grangeworks/farmbook/internal/bus"
	apperrors "github.com/grangeworks/farmbook/internal/errors"
	"github.com/grangeworks/farmbook/internal/logging"
	"github.com/grangeworks/farmbook/internal/store"
	syncpkg "github.com/grangeworks/farmbook/internal/sync"
)

// Engine is the sync surface the scheduler drives. Satisfied by
// *sync.Orchestrator.
type Engine interface {
	Sync(ctx context.Context) (*syncpkg.Result, error)
	SyncWithRetry(ctx context.Context) (*syncpkg.Result, error)
	State() syncpkg.State
	LastResult() *syncpkg.Result
	LastSync() *time.Time
}

// Config holds scheduler intervals.
type Config struct {
	SyncInterval  time.Duration // periodic auto-sync cadence when online
	StatsInterval time.Duration // queue stats recompute cadence
	SyncTimeout   time.Duration // per-pass deadline
}

// DefaultConfig returns the default scheduler configuration.
func DefaultConfig() *Config {
	return &Config{
		SyncInterval:  15 * time.Minute,
		StatsInterval: time.Minute,
		SyncTimeout:   5 * time.Minute,
	}
}

// Scheduler coordinates periodic background syncs.
type Scheduler struct {
	engine Engine
	store  *store.Store
	bus    *bus.Bus

	syncInterval  time.Duration
	statsInterval time.Duration
	syncTimeout   time.Duration

	stopCh chan struct{}
	wg     stdsync.WaitGroup

	mu        stdsync.RWMutex
	isRunning bool
	isOnline  bool
	lastStats map[string]int
}

// New creates a Scheduler. A nil config uses DefaultConfig.
func New(engine Engine, st *store.Store, b *bus.Bus, config *Config) *Scheduler {
	if config == nil {
		config = DefaultConfig()
	}
	return &Scheduler{
		engine:        engine,
		store:         st,
		bus:           b,
		syncInterval:  config.SyncInterval,
		statsInterval: config.StatsInterval,
		syncTimeout:   config.SyncTimeout,
		stopCh:        make(chan struct{}),
		isOnline:      true,
	}
}

// Start launches the background loops. Calling Start on a running
// scheduler is a no-op. A stopped scheduler can be started again.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	if s.isRunning {
		s.mu.Unlock()
		return
	}
	s.isRunning = true
	s.stopCh = make(chan struct{})
	stop := s.stopCh
	s.mu.Unlock()

	s.wg.Add(2)
	go s.syncLoop(ctx, stop)
	go s.statsLoop(ctx, stop)

	logging.Info("background sync scheduler started", map[string]interface{}{
		"sync_interval":  s.syncInterval.String(),
		"stats_interval": s.statsInterval.String(),
	})
}

// Stop shuts the loops down and waits for them to exit.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.isRunning {
		s.mu.Unlock()
		return
	}
	s.isRunning = false
	stop := s.stopCh
	s.mu.Unlock()

	close(stop)
	s.wg.Wait()

	logging.Info("background sync scheduler stopped", nil)
}

// SetOnlineStatus flips the scheduler's connectivity hint. While offline
// the periodic loop skips sync attempts entirely.
func (s *Scheduler) SetOnlineStatus(isOnline bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.isOnline != isOnline {
		logging.Info("online status changed", map[string]interface{}{
			"was_online": s.isOnline,
			"is_online":  isOnline,
		})
	}
	s.isOnline = isOnline
}

// IsOnline reports the scheduler's connectivity hint.
func (s *Scheduler) IsOnline() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.isOnline
}

// IsRunning reports whether the background loops are active.
func (s *Scheduler) IsRunning() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.isRunning
}

func (s *Scheduler) syncLoop(ctx context.Context, stop <-chan struct{}) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.syncInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-stop:
			return
		case <-ticker.C:
			if !s.IsOnline() {
				continue
			}
			s.runSync(ctx)
		}
	}
}

func (s *Scheduler) statsLoop(ctx context.Context, stop <-chan struct{}) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.statsInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-stop:
			return
		case <-ticker.C:
			s.recomputeStats()
		}
	}
}

// runSync executes one retrying pass. Mutual exclusion lives in the
// engine; an already-running pass surfaces as SYNC_IN_PROGRESS and is
// simply skipped here.
func (s *Scheduler) runSync(ctx context.Context) {
	syncCtx, cancel := context.WithTimeout(ctx, s.syncTimeout)
	defer cancel()

	result, err := s.engine.SyncWithRetry(syncCtx)
	if err != nil {
		if apperrors.Is(err, apperrors.ErrSyncInProgress) {
			logging.Debug("periodic sync skipped: pass already running", nil)
			return
		}
		logging.ErrorWithCode("periodic sync failed", string(apperrors.CodeOf(err)), err, nil)
		return
	}
	if result != nil && !result.Skipped {
		logging.Info("periodic sync completed", map[string]interface{}{
			"uploaded":  result.Uploaded,
			"pulled":    result.Pulled,
			"conflicts": result.Conflicts,
		})
	}
}

// recomputeStats refreshes queue stats and publishes them on the bus,
// coalesced by the bus debounce window.
func (s *Scheduler) recomputeStats() {
	stats, err := s.store.QueueStats()
	if err != nil {
		logging.Error("queue stats recompute failed", err, nil)
		return
	}

	s.mu.Lock()
	changed := !statsEqual(s.lastStats, stats)
	s.lastStats = stats
	s.mu.Unlock()

	if changed && s.bus != nil {
		payload := make(map[string]interface{}, len(stats))
		for k, v := range stats {
			payload[k] = v
		}
		s.bus.Publish(bus.EventSyncProgress, payload)
	}
}

func statsEqual(a, b map[string]int) bool {
	if len(a) != len(b) {
		return false
	}
	for k, v := range a {
		if b[k] != v {
			return false
		}
	}
	return true
}

// TriggerSync starts a sync pass in the background. It returns false if a
// pass is already running.
func (s *Scheduler) TriggerSync(ctx context.Context) bool {
	if s.engine.State() != syncpkg.StateIdle {
		return false
	}
	go s.runSync(ctx)
	return true
}

// SyncNow runs a pass synchronously and returns its result.
func (s *Scheduler) SyncNow(ctx context.Context) (*syncpkg.Result, error) {
	syncCtx, cancel := context.WithTimeout(ctx, s.syncTimeout)
	defer cancel()
	return s.engine.SyncWithRetry(syncCtx)
}

// Status is a point-in-time snapshot of scheduler and engine state.
type Status struct {
	IsRunning  bool            `json:"is_running"`
	IsOnline   bool            `json:"is_online"`
	State      syncpkg.State   `json:"state"`
	LastSync   *time.Time      `json:"last_sync,omitempty"`
	LastResult *syncpkg.Result `json:"last_result,omitempty"`
	QueueStats map[string]int  `json:"queue_stats,omitempty"`
}

// GetStatus reports the current scheduler status.
func (s *Scheduler) GetStatus() Status {
	s.mu.RLock()
	st := Status{
		IsRunning:  s.isRunning,
		IsOnline:   s.isOnline,
		QueueStats: s.lastStats,
	}
	s.mu.RUnlock()

	st.State = s.engine.State()
	st.LastSync = s.engine.LastSync()
	st.LastResult = s.engine.LastResult()

	if st.QueueStats == nil {
		if stats, err := s.store.QueueStats(); err == nil {
			st.QueueStats = stats
		}
	}
	return st
}
