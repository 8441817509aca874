// Package queue manages the persistent pending-change queue.
//
// The Manager is the single local write path: UI-triggered record
// mutations and the queue bookkeeping they imply happen in one store
// transaction, so at most one non-terminal change exists per record and
// the change's operation is assigned exactly once, at queue time.
package queue

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/grangeworks/farmbook/internal/bus"
	apperrors "github.com/grangeworks/farmbook/internal/errors"
	"github.com/grangeworks/farmbook/internal/logging"
	"github.com/grangeworks/farmbook/internal/models"
	"github.com/grangeworks/farmbook/internal/store"
)

// Manager couples record CRUD with pending-change bookkeeping.
type Manager struct {
	store *store.Store
	bus   *bus.Bus
}

// NewManager creates a queue Manager.
func NewManager(st *store.Store, b *bus.Bus) *Manager {
	return &Manager{store: st, bus: b}
}

// CreateRecord writes a new local record and queues a CREATE change.
// The entity event is delivered immediately: the acting user just created
// the record and the UI should not wait out a debounce window.
func (m *Manager) CreateRecord(table string, fields map[string]interface{}) (*models.Record, error) {
	if !models.KnownTable(table) {
		return nil, apperrors.New(apperrors.ErrUnknownTable, "unknown table "+table)
	}

	now := time.Now().Unix()
	rec := &models.Record{
		Table:     table,
		LocalID:   uuid.New().String(),
		Fields:    fields,
		UpdatedAt: now,
		Dirty:     true,
	}

	err := m.store.WriteTx(func(tx *store.Tx) error {
		if err := tx.UpsertRecord(rec); err != nil {
			return err
		}
		return m.enqueue(tx, rec, models.OpCreate, now)
	})
	if err != nil {
		return nil, err
	}

	m.publishEntity(table, "CREATED", rec.LocalID)
	return rec, nil
}

// UpdateRecord applies a local edit and queues (or supersedes) a change.
// A record that has never synced keeps its queued CREATE with a refreshed
// snapshot; a synced record gets an UPDATE.
func (m *Manager) UpdateRecord(table, localID string, fields map[string]interface{}) (*models.Record, error) {
	now := time.Now().Unix()
	var rec *models.Record

	err := m.store.WriteTx(func(tx *store.Tx) error {
		existing, err := tx.GetRecord(table, localID)
		if err != nil {
			return err
		}
		if existing == nil || existing.Deleted {
			return apperrors.New(apperrors.ErrRecordNotFound,
				fmt.Sprintf("record %s/%s not found", table, localID))
		}

		for k, v := range fields {
			existing.Fields[k] = v
		}
		existing.UpdatedAt = now
		existing.Dirty = true
		if err := tx.UpsertRecord(existing); err != nil {
			return err
		}
		rec = existing

		pending, err := tx.PendingChangeByRecord(table, localID)
		if err != nil {
			return err
		}
		if pending != nil {
			// Supersede in place; a pending CREATE stays a CREATE.
			snapshot, err := json.Marshal(existing.Fields)
			if err != nil {
				return err
			}
			return tx.SupersedeChange(pending.ID, pending.Operation, snapshot, now)
		}
		return m.enqueue(tx, existing, inferOp(existing), now)
	})
	if err != nil {
		return nil, err
	}

	m.publishEntity(table, "UPDATED", localID)
	return rec, nil
}

// DeleteRecord tombstones a record and queues a DELETE. A record created
// and deleted before ever syncing yields no network operation: both the
// row and its queued CREATE are purged.
func (m *Manager) DeleteRecord(table, localID string) error {
	now := time.Now().Unix()
	purged := false

	err := m.store.WriteTx(func(tx *store.Tx) error {
		existing, err := tx.GetRecord(table, localID)
		if err != nil {
			return err
		}
		if existing == nil || existing.Deleted {
			return apperrors.New(apperrors.ErrRecordNotFound,
				fmt.Sprintf("record %s/%s not found", table, localID))
		}

		pending, err := tx.PendingChangeByRecord(table, localID)
		if err != nil {
			return err
		}

		if pending != nil && pending.Operation == models.OpCreate {
			// Never reached the server; nothing to tell it.
			purged = true
			if err := tx.DeletePendingChange(pending.ID); err != nil {
				return err
			}
			return tx.HardDelete(table, localID)
		}

		// Tombstone locally; the row is hard-deleted only once the server
		// confirms the deletion.
		existing.Deleted = true
		existing.UpdatedAt = now
		existing.Dirty = true
		if err := tx.UpsertRecord(existing); err != nil {
			return err
		}

		if pending != nil {
			return tx.SupersedeChange(pending.ID, models.OpDelete, pending.Payload, now)
		}
		return m.enqueue(tx, existing, models.OpDelete, now)
	})
	if err != nil {
		return err
	}

	if purged {
		logging.Debug("purged never-synced record", map[string]interface{}{
			"table": table, "local_id": localID,
		})
	}
	m.publishEntity(table, "DELETED", localID)
	return nil
}

// enqueue inserts a fresh pending change for rec.
func (m *Manager) enqueue(tx *store.Tx, rec *models.Record, op models.Operation, now int64) error {
	snapshot, err := json.Marshal(rec.Fields)
	if err != nil {
		return err
	}
	ch := &models.PendingChange{
		ID:        uuid.New().String(),
		Table:     rec.Table,
		LocalID:   rec.LocalID,
		ServerID:  rec.ServerID,
		Operation: op,
		Payload:   snapshot,
		UpdatedAt: now,
		Status:    models.ChangePending,
		CreatedAt: now,
	}
	return tx.InsertPendingChange(ch)
}

// inferOp assigns the operation for a record with no queued change:
// absent server_id means CREATE, present and tombstoned means DELETE,
// otherwise UPDATE.
func inferOp(rec *models.Record) models.Operation {
	switch {
	case rec.ServerID == nil:
		return models.OpCreate
	case rec.Deleted:
		return models.OpDelete
	default:
		return models.OpUpdate
	}
}

func (m *Manager) publishEntity(table, op, localID string) {
	if m.bus == nil {
		return
	}
	m.bus.PublishImmediate(bus.EntityEvent(models.EntityNames[table], op), map[string]interface{}{
		"table":    table,
		"local_id": localID,
	})
}

// Stats returns aggregate queue counts by status.
func (m *Manager) Stats() (map[string]int, error) {
	return m.store.QueueStats()
}

// RetryFailed resets hard-failed changes to pending for another attempt.
func (m *Manager) RetryFailed() (int, error) {
	var n int
	err := m.store.WriteTx(func(tx *store.Tx) error {
		var err error
		n, err = tx.RetryFailedChanges()
		return err
	})
	if err != nil {
		return 0, err
	}
	if n > 0 {
		logging.Info("reset failed changes for retry", map[string]interface{}{"count": n})
	}
	return n, nil
}
