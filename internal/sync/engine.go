// Package sync provides the orchestrator sequencing a full offline-first
// synchronization pass against the remote authoritative store.
package sync

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/grangeworks/farmbook/internal/bus"
	"github.com/grangeworks/farmbook/internal/connectivity"
	apperrors "github.com/grangeworks/farmbook/internal/errors"
	"github.com/grangeworks/farmbook/internal/logging"
	"github.com/grangeworks/farmbook/internal/models"
	"github.com/grangeworks/farmbook/internal/remote"
	"github.com/grangeworks/farmbook/internal/store"
	"github.com/grangeworks/farmbook/internal/sync/breaker"
	"github.com/grangeworks/farmbook/internal/sync/collector"
	"github.com/grangeworks/farmbook/internal/sync/conflict"
	"github.com/grangeworks/farmbook/internal/sync/idmap"
	"github.com/grangeworks/farmbook/internal/sync/translate"
)

// State names the step a pass is in.
type State string

const (
	StateIdle            State = "idle"
	StateValidating      State = "validating"
	StateCollecting      State = "collecting"
	StateExchanging      State = "exchanging"
	StateApplyingResults State = "applying_results"
	StateAdvancingCursor State = "advancing_cursor"
)

// Result summarizes one sync pass.
type Result struct {
	Success   bool          `json:"success"`
	Skipped   bool          `json:"skipped,omitempty"`
	Reason    string        `json:"reason,omitempty"`
	Uploaded  int           `json:"uploaded"`
	Failed    int           `json:"failed"`
	Pulled    int           `json:"pulled"`
	Conflicts int           `json:"conflicts"`
	Deferred  int           `json:"deferred"`
	StartTime time.Time     `json:"start_time"`
	EndTime   time.Time     `json:"end_time"`
	Duration  time.Duration `json:"duration"`
	Error     string        `json:"error,omitempty"`
}

// Options configures an Orchestrator.
type Options struct {
	Watchdog       time.Duration // force-release bound for a full pass
	RetryAttempts  int           // caller-level attempts while circuit is open
	RetryBaseDelay time.Duration
}

// Orchestrator owns the sync pass state machine, its mutual-exclusion
// lock, watchdog and circuit breaker. It is constructed once at process
// start and passed around by handle; there is no ambient singleton.
type Orchestrator struct {
	store      *store.Store
	collector  *collector.Collector
	translator *translate.Translator
	resolver   *conflict.Resolver
	remote     remote.Service
	monitor    connectivity.Monitor
	bus        *bus.Bus
	guard      *breaker.Breaker

	watchdog       time.Duration
	retryAttempts  int
	retryBaseDelay time.Duration

	// slots is the pass lock: a buffered channel so the watchdog can
	// force-release it from another goroutine.
	slots chan struct{}

	mu       sync.Mutex
	state    State
	lastRun  *Result
	lastSync *time.Time
}

// NewOrchestrator wires a sync orchestrator.
func NewOrchestrator(st *store.Store, svc remote.Service, mon connectivity.Monitor,
	b *bus.Bus, guard *breaker.Breaker, opts Options) *Orchestrator {

	if opts.Watchdog <= 0 {
		opts.Watchdog = 5 * time.Minute
	}
	if opts.RetryAttempts <= 0 {
		opts.RetryAttempts = 5
	}
	if opts.RetryBaseDelay <= 0 {
		opts.RetryBaseDelay = 2 * time.Second
	}

	tr := translate.New()
	return &Orchestrator{
		store:          st,
		collector:      collector.New(st, tr),
		translator:     tr,
		resolver:       conflict.New(),
		remote:         svc,
		monitor:        mon,
		bus:            b,
		guard:          guard,
		watchdog:       opts.Watchdog,
		retryAttempts:  opts.RetryAttempts,
		retryBaseDelay: opts.RetryBaseDelay,
		slots:          make(chan struct{}, 1),
		state:          StateIdle,
	}
}

// State returns the current pass state.
func (o *Orchestrator) State() State {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.state
}

// LastResult returns the most recent pass result, nil before the first.
func (o *Orchestrator) LastResult() *Result {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.lastRun
}

// LastSync returns the completion time of the last successful pass.
func (o *Orchestrator) LastSync() *time.Time {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.lastSync
}

func (o *Orchestrator) setState(s State) {
	o.mu.Lock()
	o.state = s
	o.mu.Unlock()
}

// transition advances the reported state unless the pass was abandoned;
// a stale pass must not overwrite the state of the one that replaced it.
func (o *Orchestrator) transition(ctx context.Context, s State) {
	if ctx.Err() != nil {
		return
	}
	o.setState(s)
}

func (o *Orchestrator) tryAcquire() bool {
	select {
	case o.slots <- struct{}{}:
		return true
	default:
		return false
	}
}

// release is idempotent: the watchdog and the pass itself may both call it.
func (o *Orchestrator) release() {
	select {
	case <-o.slots:
	default:
	}
}

// Sync runs one full pass. A second call while a pass is active returns
// SYNC_IN_PROGRESS without touching any state.
func (o *Orchestrator) Sync(ctx context.Context) (*Result, error) {
	if !o.tryAcquire() {
		return nil, apperrors.New(apperrors.ErrSyncInProgress, "sync already in progress")
	}

	// The watchdog force-releases the lock and cancels the pass context if
	// the pass exceeds its bound. All local mutation is confined to one
	// transaction, so an abandoned pass leaves no partial state; its
	// in-flight rows are recovered by the next pass's ResetSyncing.
	ctx, abandon := context.WithCancel(ctx)
	defer abandon()
	dog := time.AfterFunc(o.watchdog, func() {
		logging.Warn("sync watchdog expired, abandoning pass", map[string]interface{}{
			"bound": o.watchdog.String(),
		})
		abandon()
		o.setState(StateIdle)
		o.release()
	})
	defer func() {
		if dog.Stop() {
			// Watchdog never fired: this pass still owns the lock.
			o.setState(StateIdle)
			o.release()
		}
	}()

	res, err := o.run(ctx)

	o.mu.Lock()
	o.lastRun = res
	if res.Success {
		now := res.EndTime
		o.lastSync = &now
	}
	o.mu.Unlock()

	return res, err
}

// SyncWithRetry runs Sync, re-attempting across a bounded number of
// attempts with exponential delay when blocked by an open circuit. Other
// failures are not retried here; the breaker already accounts for them.
func (o *Orchestrator) SyncWithRetry(ctx context.Context) (*Result, error) {
	var last *Result
	err := breaker.RunWithRetry(ctx, o.retryAttempts, o.retryBaseDelay, func() error {
		res, err := o.Sync(ctx)
		if res != nil {
			last = res
		}
		return err
	}, func(attempt int, wait time.Duration) {
		o.publishImmediate(bus.EventSyncProgress, map[string]interface{}{
			"attempt":     attempt,
			"retry_in_ms": wait.Milliseconds(),
			"reason":      "circuit_open",
		})
	})
	return last, err
}

// run executes the pass state machine.
func (o *Orchestrator) run(ctx context.Context) (*Result, error) {
	res := &Result{StartTime: time.Now()}
	finish := func() {
		res.EndTime = time.Now()
		res.Duration = res.EndTime.Sub(res.StartTime)
	}

	deviceID, err := o.store.DeviceID()
	if err != nil {
		finish()
		return o.fail(res, apperrors.Wrap(apperrors.ErrDatabase, "load device id", err))
	}

	o.publishImmediate(bus.EventSyncStarted, map[string]interface{}{"device_id": deviceID})

	// Validating: consult the connectivity signal before touching anything.
	o.transition(ctx, StateValidating)
	if !o.monitor.Online(ctx) {
		res.Skipped = true
		res.Reason = "offline"
		finish()
		logging.Info("sync skipped: offline", nil)
		o.publishImmediate(bus.EventSyncCompleted, map[string]interface{}{
			"skipped": true, "reason": "offline",
		})
		return res, nil
	}

	cursor, err := o.store.Cursor()
	if err != nil {
		finish()
		return o.fail(res, apperrors.Wrap(apperrors.ErrDatabase, "load cursor", err))
	}

	// Recover rows left in flight by an abandoned pass.
	if err := o.store.WriteTx(func(tx *store.Tx) error { return tx.ResetSyncing() }); err != nil {
		finish()
		return o.fail(res, apperrors.Wrap(apperrors.ErrDatabase, "reset in-flight changes", err))
	}

	// Collecting and Exchanging run per table in dependency order: a
	// parent's acknowledged server id is staged into the resolver before
	// its children are collected, so a child created in the same pass
	// uploads the parent's server id, never a local one.
	resolver := idmap.NewResolver(o.store)
	uploads := make(map[string][]remote.UploadResult)
	sources := make(map[string]map[string]*models.PendingChange)

	for _, table := range models.TableOrder {
		o.transition(ctx, StateCollecting)
		items, src, deferred, err := o.collector.CollectTable(table, resolver)
		if err != nil {
			finish()
			return o.fail(res, err)
		}
		res.Deferred += deferred
		if len(items) == 0 {
			continue
		}

		if err := o.markSyncing(src); err != nil {
			finish()
			return o.fail(res, err)
		}

		o.transition(ctx, StateExchanging)
		resp, err := o.exchange(ctx, &remote.ExchangeRequest{
			DeviceID: deviceID,
			Changes:  map[string][]remote.ChangeItem{table: items},
		})
		if err != nil {
			finish()
			o.resetInFlight()
			return o.fail(res, err)
		}

		results := resp.UploadResults[table]
		uploads[table] = results
		byID := make(map[string]*models.PendingChange, len(src))
		for _, ch := range src {
			byID[ch.LocalID] = ch
		}
		sources[table] = byID

		for _, r := range results {
			if r.Status == remote.ResultOK && r.ServerID != nil {
				resolver.Stage(table, r.LocalID, *r.ServerID)
			}
		}
	}

	// Final exchange pulls everything changed since the cursor.
	o.transition(ctx, StateExchanging)
	pullResp, err := o.exchange(ctx, &remote.ExchangeRequest{
		DeviceID: deviceID,
		Cursor:   &cursor,
	})
	if err != nil {
		finish()
		o.resetInFlight()
		return o.fail(res, err)
	}

	// An abandoned pass must not commit: a newer pass may already hold the
	// lock and have re-collected these rows, so a stale commit could consume
	// its in-flight acknowledgements or clobber its cursor.
	if ctx.Err() != nil {
		finish()
		return o.fail(res, apperrors.Wrap(apperrors.ErrSyncTimeout, "pass abandoned", ctx.Err()))
	}

	// ApplyingResults: one atomic transaction, push results before pulled
	// records, so the cursor can never advance past unrecorded
	// acknowledgements. Any failure rolls everything back and the queue
	// is retried from scratch next pass.
	o.transition(ctx, StateApplyingResults)
	var post []postEvent
	deferredInbound := 0
	err = o.store.WriteTx(func(tx *store.Tx) error {
		if err := o.applyUploads(tx, uploads, sources, res); err != nil {
			return err
		}
		more, deferred, err := o.applyInbound(tx, pullResp.Changed, res)
		if err != nil {
			return err
		}
		deferredInbound = deferred
		post = append(post, more...)
		return nil
	})
	if err != nil {
		finish()
		o.resetInFlight()
		return o.fail(res, apperrors.Wrap(apperrors.ErrSyncFailed, "apply results", err))
	}

	// AdvancingCursor: persisted only after the transaction commits.
	// Inbound records deferred on unresolved parents hold the cursor back
	// so the next pass re-pulls them.
	o.transition(ctx, StateAdvancingCursor)
	if ctx.Err() != nil {
		finish()
		return o.fail(res, apperrors.Wrap(apperrors.ErrSyncTimeout, "pass abandoned", ctx.Err()))
	}
	if deferredInbound == 0 && pullResp.NewCursor > 0 {
		if err := o.store.SetCursor(pullResp.NewCursor); err != nil {
			finish()
			return o.fail(res, apperrors.Wrap(apperrors.ErrDatabase, "advance cursor", err))
		}
	}
	res.Deferred += deferredInbound

	res.Success = true
	finish()

	for _, evt := range post {
		if evt.immediate {
			o.publishImmediate(evt.eventType, evt.payload)
		} else {
			o.publish(evt.eventType, evt.payload)
		}
	}
	o.publish(bus.EventDataSynced, map[string]interface{}{
		"pulled": res.Pulled, "uploaded": res.Uploaded,
	})
	o.publishImmediate(bus.EventSyncCompleted, map[string]interface{}{
		"uploaded": res.Uploaded, "failed": res.Failed, "pulled": res.Pulled,
		"conflicts": res.Conflicts, "deferred": res.Deferred,
		"duration_ms": res.Duration.Milliseconds(),
	})
	logging.Info("sync pass completed", map[string]interface{}{
		"uploaded": res.Uploaded, "failed": res.Failed, "pulled": res.Pulled,
		"conflicts": res.Conflicts, "deferred": res.Deferred,
	})
	return res, nil
}

// postEvent is an event gathered inside the apply transaction and
// published only after it commits.
type postEvent struct {
	eventType string
	payload   map[string]interface{}
	immediate bool
}

// exchange performs one guarded call to the remote service.
func (o *Orchestrator) exchange(ctx context.Context, req *remote.ExchangeRequest) (*remote.ExchangeResponse, error) {
	var resp *remote.ExchangeResponse
	err := o.guard.Execute(func() error {
		r, err := o.remote.Exchange(ctx, req)
		if err != nil {
			return err
		}
		resp = r
		return nil
	})
	return resp, err
}

func (o *Orchestrator) markSyncing(changes []*models.PendingChange) error {
	return o.store.WriteTx(func(tx *store.Tx) error {
		for _, ch := range changes {
			if err := tx.MarkChangeSyncing(ch.ID); err != nil {
				return err
			}
		}
		return nil
	})
}

func (o *Orchestrator) resetInFlight() {
	err := o.store.WriteTx(func(tx *store.Tx) error { return tx.ResetSyncing() })
	if err != nil {
		logging.Error("failed to reset in-flight changes", err, nil)
	}
}

// applyUploads records per-item acknowledgements: mappings and server ids
// for creates, cleared flags for updates, hard deletes for confirmed
// deletions, failure states otherwise. Entity events were already published
// when the local mutation was queued, so acknowledgements emit none.
func (o *Orchestrator) applyUploads(tx *store.Tx, uploads map[string][]remote.UploadResult,
	sources map[string]map[string]*models.PendingChange, res *Result) error {

	for _, table := range models.TableOrder {
		byID := sources[table]
		for _, r := range uploads[table] {
			ch := byID[r.LocalID]
			if ch == nil {
				logging.Warn("acknowledgement for unknown change", map[string]interface{}{
					"table": table, "local_id": r.LocalID,
				})
				continue
			}

			switch r.Status {
			case remote.ResultOK:
				if err := o.applyAck(tx, table, ch, r); err != nil {
					return err
				}
				res.Uploaded++

			case remote.ResultRejected:
				// Client/validation error: never retried; the rest of the
				// batch proceeds.
				if err := tx.MarkChangeFailed(ch.ID, r.Message); err != nil {
					return err
				}
				res.Failed++
				logging.Warn("change permanently rejected", map[string]interface{}{
					"table": table, "local_id": r.LocalID, "message": r.Message,
				})

			default: // remote.ResultRetry and anything unrecognized
				if err := tx.RequeueChange(ch.ID, r.Message); err != nil {
					return err
				}
			}
		}
	}
	return nil
}

func (o *Orchestrator) applyAck(tx *store.Tx, table string, ch *models.PendingChange, r remote.UploadResult) error {
	switch ch.Operation {
	case models.OpCreate:
		if r.ServerID == nil {
			return apperrors.New(apperrors.ErrSyncExchange,
				fmt.Sprintf("create acknowledged without server id: %s/%s", table, ch.LocalID))
		}
		if err := tx.InsertMapping(table, ch.LocalID, *r.ServerID); err != nil {
			return err
		}
		if err := tx.SetServerID(table, ch.LocalID, *r.ServerID, ch.UpdatedAt); err != nil {
			return err
		}

	case models.OpUpdate:
		if err := tx.ClearDirty(table, ch.LocalID, ch.UpdatedAt); err != nil {
			return err
		}

	case models.OpDelete:
		// Server deletion confirmed; the tombstone can go.
		if err := tx.HardDelete(table, ch.LocalID); err != nil {
			return err
		}
	}
	return tx.MarkChangeSynced(ch.ID)
}

// applyInbound writes pulled remote records through the translator, the
// inbound foreign-key remap and the conflict resolver.
func (o *Orchestrator) applyInbound(tx *store.Tx, changed map[string][]remote.Record, res *Result) ([]postEvent, int, error) {
	var post []postEvent
	deferred := 0

	for _, table := range models.TableOrder {
		for _, rec := range changed[table] {
			evt, outcome, err := o.applyRecord(tx, table, rec, res)
			if err != nil {
				return nil, 0, err
			}
			if outcome == inboundDeferred {
				deferred++
				continue
			}
			if evt != nil {
				post = append(post, *evt)
			}
		}
	}
	return post, deferred, nil
}

type inboundOutcome int

const (
	inboundApplied inboundOutcome = iota
	inboundSkipped
	inboundDeferred
)

func (o *Orchestrator) applyRecord(tx *store.Tx, table string, rec remote.Record, res *Result) (*postEvent, inboundOutcome, error) {
	fields, err := o.translator.ToLocal(table, rec.Payload)
	if err != nil {
		return nil, inboundSkipped, err
	}
	stripMeta(fields)

	ok, err := idmap.RemapInbound(tx, table, fields)
	if err != nil {
		return nil, inboundSkipped, err
	}
	if !ok {
		// Parent not resolvable locally yet; defer to a later pass.
		return nil, inboundDeferred, nil
	}

	localID, found, err := tx.GetMappingByServer(table, rec.ServerID)
	if err != nil {
		return nil, inboundSkipped, err
	}

	if !found {
		if rec.Deleted {
			// Never seen locally and already gone remotely.
			return nil, inboundSkipped, nil
		}
		localID = uuid.New().String()
		if err := tx.InsertMapping(table, localID, rec.ServerID); err != nil {
			return nil, inboundSkipped, err
		}
		serverID := rec.ServerID
		newRec := &models.Record{
			Table:      table,
			LocalID:    localID,
			ServerID:   &serverID,
			Fields:     fields,
			UpdatedAt:  rec.UpdatedAt,
			BaselineAt: rec.UpdatedAt,
		}
		if err := tx.UpsertRecord(newRec); err != nil {
			return nil, inboundSkipped, err
		}
		res.Pulled++
		return &postEvent{
			eventType: bus.EntityEvent(models.EntityNames[table], "CREATED"),
			payload:   map[string]interface{}{"table": table, "local_id": localID},
		}, inboundApplied, nil
	}

	local, err := tx.GetRecord(table, localID)
	if err != nil {
		return nil, inboundSkipped, err
	}
	if local == nil {
		// Mapped but hard-deleted locally; nothing to reconcile.
		return nil, inboundSkipped, nil
	}

	pending, err := tx.PendingChangeByRecord(table, localID)
	if err != nil {
		return nil, inboundSkipped, err
	}

	switch o.resolver.Classify(pending != nil, local.BaselineAt, rec.UpdatedAt) {
	case conflict.NoOp, conflict.LocalWins:
		return nil, inboundSkipped, nil

	case conflict.ApplyInbound:
		evt, err := o.overwriteLocal(tx, table, local, rec, fields)
		if err != nil {
			return nil, inboundSkipped, err
		}
		res.Pulled++
		return evt, inboundApplied, nil

	default: // conflict.ServerWins
		cr, err := o.resolver.BuildConflictRecord(local, rec.ServerID, fields)
		if err != nil {
			return nil, inboundSkipped, err
		}
		if err := tx.InsertConflict(cr); err != nil {
			return nil, inboundSkipped, err
		}
		// The local change is discarded, not re-queued.
		if err := tx.DeletePendingChange(pending.ID); err != nil {
			return nil, inboundSkipped, err
		}
		if _, err := o.overwriteLocal(tx, table, local, rec, fields); err != nil {
			return nil, inboundSkipped, err
		}
		res.Pulled++
		res.Conflicts++
		return &postEvent{
			eventType: bus.EventConflictResolved,
			payload: map[string]interface{}{
				"table": table, "local_id": localID,
				"server_id": rec.ServerID, "resolution": conflict.ResolutionServerWins,
			},
			immediate: true,
		}, inboundApplied, nil
	}
}

func (o *Orchestrator) overwriteLocal(tx *store.Tx, table string, local *models.Record,
	rec remote.Record, fields map[string]interface{}) (*postEvent, error) {

	if rec.Deleted {
		if err := tx.HardDelete(table, local.LocalID); err != nil {
			return nil, err
		}
		return &postEvent{
			eventType: bus.EntityEvent(models.EntityNames[table], "DELETED"),
			payload:   map[string]interface{}{"table": table, "local_id": local.LocalID},
		}, nil
	}

	serverID := rec.ServerID
	updated := &models.Record{
		Table:      table,
		LocalID:    local.LocalID,
		ServerID:   &serverID,
		Fields:     fields,
		UpdatedAt:  rec.UpdatedAt,
		BaselineAt: rec.UpdatedAt,
	}
	if err := tx.UpsertRecord(updated); err != nil {
		return nil, err
	}
	return &postEvent{
		eventType: bus.EntityEvent(models.EntityNames[table], "UPDATED"),
		payload:   map[string]interface{}{"table": table, "local_id": local.LocalID},
	}, nil
}

// stripMeta removes bookkeeping fields the translator may surface so they
// never land inside a record's domain payload.
func stripMeta(fields map[string]interface{}) {
	delete(fields, "deleted")
	delete(fields, "updated_at")
}

func (o *Orchestrator) fail(res *Result, err error) (*Result, error) {
	code := apperrors.CodeOf(err)
	switch code {
	case apperrors.ErrSyncCircuitOpen:
		res.Reason = "circuit_open"
	case apperrors.ErrSyncTimeout:
		res.Reason = "timeout"
	default:
		res.Reason = "error"
	}
	res.Error = err.Error()

	logging.ErrorWithCode("sync pass failed", string(code), err, map[string]interface{}{
		"reason": res.Reason,
	})
	o.publishImmediate(bus.EventSyncFailed, map[string]interface{}{
		"reason": res.Reason, "code": string(code), "error": err.Error(),
	})
	return res, err
}

func (o *Orchestrator) publish(eventType string, payload map[string]interface{}) {
	if o.bus != nil {
		o.bus.Publish(eventType, payload)
	}
}

func (o *Orchestrator) publishImmediate(eventType string, payload map[string]interface{}) {
	if o.bus != nil {
		o.bus.PublishImmediate(eventType, payload)
	}
}
