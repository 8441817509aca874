package store

import (
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/grangeworks/farmbook/internal/models"
)

// Tx exposes the write operations available inside a store transaction.
// Reads through Tx see rows written earlier in the same transaction, which
// matters when inbound records reference mappings created by this pass.
type Tx struct {
	tx *sql.Tx
}

// =====================================================
// Records
// =====================================================

// UpsertRecord writes a full record row, replacing any existing one.
func (t *Tx) UpsertRecord(rec *models.Record) error {
	payload, err := json.Marshal(rec.Fields)
	if err != nil {
		return fmt.Errorf("encode record payload: %w", err)
	}

	var serverID interface{}
	if rec.ServerID != nil {
		serverID = *rec.ServerID
	}

	_, err = t.tx.Exec(`
		INSERT INTO records (tbl, local_id, server_id, payload, updated_at, baseline_at, deleted, dirty)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(tbl, local_id) DO UPDATE SET
			server_id = excluded.server_id,
			payload = excluded.payload,
			updated_at = excluded.updated_at,
			baseline_at = excluded.baseline_at,
			deleted = excluded.deleted,
			dirty = excluded.dirty`,
		rec.Table, rec.LocalID, serverID, string(payload),
		rec.UpdatedAt, rec.BaselineAt, boolInt(rec.Deleted), boolInt(rec.Dirty),
	)
	return err
}

// GetRecord retrieves a record with transaction visibility.
func (t *Tx) GetRecord(table, localID string) (*models.Record, error) {
	row := t.tx.QueryRow(
		"SELECT "+recordColumns+" FROM records WHERE tbl = ? AND local_id = ?",
		table, localID,
	)
	rec, err := scanRecord(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return rec, err
}

// SetServerID records the server-assigned id on a record. server_id is
// write-once: overwriting an existing different id is refused.
func (t *Tx) SetServerID(table, localID string, serverID int64, baselineAt int64) error {
	var existing sql.NullInt64
	err := t.tx.QueryRow(
		"SELECT server_id FROM records WHERE tbl = ? AND local_id = ?",
		table, localID,
	).Scan(&existing)
	if err != nil {
		return err
	}
	if existing.Valid && existing.Int64 != serverID {
		return fmt.Errorf("server_id already set for %s/%s (%d)", table, localID, existing.Int64)
	}

	_, err = t.tx.Exec(
		"UPDATE records SET server_id = ?, baseline_at = ?, dirty = 0 WHERE tbl = ? AND local_id = ?",
		serverID, baselineAt, table, localID,
	)
	return err
}

// ClearDirty resets the sync flag and advances the baseline after a
// successful upload acknowledgement.
func (t *Tx) ClearDirty(table, localID string, baselineAt int64) error {
	_, err := t.tx.Exec(
		"UPDATE records SET dirty = 0, baseline_at = ? WHERE tbl = ? AND local_id = ?",
		baselineAt, table, localID,
	)
	return err
}

// HardDelete removes a record row permanently. Only called once server
// deletion is confirmed, or for records that never left the device.
func (t *Tx) HardDelete(table, localID string) error {
	_, err := t.tx.Exec("DELETE FROM records WHERE tbl = ? AND local_id = ?", table, localID)
	return err
}

// =====================================================
// Identifier mappings
// =====================================================

// InsertMapping writes a local/server id correspondence. Re-inserting the
// same pair is a no-op so retried passes stay idempotent.
func (t *Tx) InsertMapping(table, localID string, serverID int64) error {
	res, err := t.tx.Exec(
		"INSERT OR IGNORE INTO id_mappings (tbl, local_id, server_id, created_at) VALUES (?, ?, ?, ?)",
		table, localID, serverID, nowUnix(),
	)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		// Row ignored: either the identical pair (fine) or a conflicting
		// mapping; mappings are write-once so a mismatch is an error.
		var existing int64
		err := t.tx.QueryRow(
			"SELECT server_id FROM id_mappings WHERE tbl = ? AND local_id = ?",
			table, localID,
		).Scan(&existing)
		if err != nil {
			return err
		}
		if existing != serverID {
			return fmt.Errorf("mapping %s/%s already bound to server id %d", table, localID, existing)
		}
	}
	return nil
}

// GetMappingByServer resolves a server id to a local id within the
// transaction, seeing mappings inserted earlier in the same pass.
func (t *Tx) GetMappingByServer(table string, serverID int64) (string, bool, error) {
	var localID string
	err := t.tx.QueryRow(
		"SELECT local_id FROM id_mappings WHERE tbl = ? AND server_id = ?",
		table, serverID,
	).Scan(&localID)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return localID, true, nil
}

// =====================================================
// Pending changes
// =====================================================

// InsertPendingChange queues a new change.
func (t *Tx) InsertPendingChange(ch *models.PendingChange) error {
	var serverID interface{}
	if ch.ServerID != nil {
		serverID = *ch.ServerID
	}
	_, err := t.tx.Exec(`
		INSERT INTO pending_changes (id, tbl, local_id, server_id, operation, payload,
			updated_at, retry_count, status, last_error, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		ch.ID, ch.Table, ch.LocalID, serverID, ch.Operation, string(ch.Payload),
		ch.UpdatedAt, ch.RetryCount, ch.Status, ch.LastError, ch.CreatedAt,
	)
	return err
}

// SupersedeChange replaces the snapshot and operation of a queued change
// in place, preserving its identity and queue position.
func (t *Tx) SupersedeChange(id string, op models.Operation, payload json.RawMessage, updatedAt int64) error {
	_, err := t.tx.Exec(
		"UPDATE pending_changes SET operation = ?, payload = ?, updated_at = ?, status = ? WHERE id = ?",
		op, string(payload), updatedAt, models.ChangePending, id,
	)
	return err
}

// DeletePendingChange removes a queued change outright.
func (t *Tx) DeletePendingChange(id string) error {
	_, err := t.tx.Exec("DELETE FROM pending_changes WHERE id = ?", id)
	return err
}

// PendingChangeByRecord returns the non-terminal change for a record with
// transaction visibility, or nil.
func (t *Tx) PendingChangeByRecord(table, localID string) (*models.PendingChange, error) {
	row := t.tx.QueryRow(
		"SELECT "+changeColumns+" FROM pending_changes WHERE tbl = ? AND local_id = ? AND status IN (?, ?)",
		table, localID, models.ChangePending, models.ChangeSyncing,
	)
	ch, err := scanChange(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return ch, err
}

// MarkChangeSyncing flags a collected change as in flight. A local edit
// made while the exchange runs supersedes the row back to pending, which
// shields it from the acknowledgement bookkeeping below.
func (t *Tx) MarkChangeSyncing(id string) error {
	_, err := t.tx.Exec(
		"UPDATE pending_changes SET status = ? WHERE id = ? AND status = ?",
		models.ChangeSyncing, id, models.ChangePending,
	)
	return err
}

// ResetSyncing returns all in-flight changes to pending. Called when a
// pass fails after collection, and at the start of a pass to recover rows
// left behind by an abandoned one.
func (t *Tx) ResetSyncing() error {
	_, err := t.tx.Exec(
		"UPDATE pending_changes SET status = ? WHERE status = ?",
		models.ChangePending, models.ChangeSyncing,
	)
	return err
}

// MarkChangeSynced completes a change's lifecycle; synced changes are
// removed rather than kept. Only an in-flight row is removed: a change
// superseded mid-pass stays queued with its newer snapshot.
func (t *Tx) MarkChangeSynced(id string) error {
	_, err := t.tx.Exec(
		"DELETE FROM pending_changes WHERE id = ? AND status = ?",
		id, models.ChangeSyncing,
	)
	return err
}

// MarkChangeFailed marks an in-flight change permanently failed. The row
// is kept so failures stay visible in aggregate counts.
func (t *Tx) MarkChangeFailed(id, message string) error {
	_, err := t.tx.Exec(
		"UPDATE pending_changes SET status = ?, last_error = ? WHERE id = ? AND status = ?",
		models.ChangeFailed, message, id, models.ChangeSyncing,
	)
	return err
}

// RequeueChange returns an in-flight change to pending after a transient
// failure.
func (t *Tx) RequeueChange(id, message string) error {
	_, err := t.tx.Exec(
		"UPDATE pending_changes SET status = ?, retry_count = retry_count + 1, last_error = ? WHERE id = ? AND status = ?",
		models.ChangePending, message, id, models.ChangeSyncing,
	)
	return err
}

// RetryFailedChanges resets hard-failed changes for another attempt.
func (t *Tx) RetryFailedChanges() (int, error) {
	res, err := t.tx.Exec(
		"UPDATE pending_changes SET status = ?, retry_count = 0, last_error = '' WHERE status = ?",
		models.ChangePending, models.ChangeFailed,
	)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}

// =====================================================
// Conflicts
// =====================================================

// InsertConflict stores an audit row for a resolved concurrent edit.
func (t *Tx) InsertConflict(cr *models.ConflictRecord) error {
	_, err := t.tx.Exec(`
		INSERT INTO conflict_records (id, tbl, local_id, server_id, local_snapshot, server_snapshot, resolution, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		cr.ID, cr.Table, cr.LocalID, cr.ServerID,
		string(cr.LocalSnapshot), string(cr.ServerSnapshot), cr.Resolution, cr.CreatedAt,
	)
	return err
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
