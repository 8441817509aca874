package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/grangeworks/farmbook/internal/models"
)

// Store wraps the SQLite database. All local mutation triggered by sync
// runs through WriteTx so a pass either applies completely or not at all.
type Store struct {
	db *sql.DB
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// WriteTx runs fn inside a single transaction. Any error rolls the whole
// transaction back.
func (s *Store) WriteTx(fn func(tx *Tx) error) error {
	sqlTx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}

	tx := &Tx{tx: sqlTx}
	if err := fn(tx); err != nil {
		sqlTx.Rollback()
		return err
	}
	return sqlTx.Commit()
}

// =====================================================
// Sync state
// =====================================================

const (
	stateKeyCursor   = "cursor"
	stateKeyDeviceID = "device_id"
)

// DeviceID returns the stable device identifier, generating one on first use.
func (s *Store) DeviceID() (string, error) {
	var value string
	err := s.db.QueryRow("SELECT value FROM sync_state WHERE key = ?", stateKeyDeviceID).Scan(&value)
	if err == nil {
		return value, nil
	}
	if err != sql.ErrNoRows {
		return "", err
	}

	value = uuid.New().String()
	_, err = s.db.Exec("INSERT INTO sync_state (key, value) VALUES (?, ?)", stateKeyDeviceID, value)
	if err != nil {
		return "", err
	}
	return value, nil
}

// Cursor returns the last successful pull point, 0 if never synced.
func (s *Store) Cursor() (int64, error) {
	var value string
	err := s.db.QueryRow("SELECT value FROM sync_state WHERE key = ?", stateKeyCursor).Scan(&value)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	var cursor int64
	if _, err := fmt.Sscanf(value, "%d", &cursor); err != nil {
		return 0, fmt.Errorf("corrupt cursor value %q: %w", value, err)
	}
	return cursor, nil
}

// SetCursor persists the pull point. Called only after a committed pass.
func (s *Store) SetCursor(cursor int64) error {
	_, err := s.db.Exec(
		"INSERT INTO sync_state (key, value) VALUES (?, ?) ON CONFLICT(key) DO UPDATE SET value = excluded.value",
		stateKeyCursor, fmt.Sprintf("%d", cursor),
	)
	return err
}

// =====================================================
// Records
// =====================================================

const recordColumns = "tbl, local_id, server_id, payload, updated_at, baseline_at, deleted, dirty"

func scanRecord(row interface{ Scan(...interface{}) error }) (*models.Record, error) {
	var rec models.Record
	var serverID sql.NullInt64
	var payload string
	var deleted, dirty int

	err := row.Scan(&rec.Table, &rec.LocalID, &serverID, &payload,
		&rec.UpdatedAt, &rec.BaselineAt, &deleted, &dirty)
	if err != nil {
		return nil, err
	}
	if serverID.Valid {
		v := serverID.Int64
		rec.ServerID = &v
	}
	rec.Deleted = deleted != 0
	rec.Dirty = dirty != 0
	if err := json.Unmarshal([]byte(payload), &rec.Fields); err != nil {
		return nil, fmt.Errorf("corrupt record payload %s/%s: %w", rec.Table, rec.LocalID, err)
	}
	return &rec, nil
}

// GetRecord retrieves one record, tombstoned or not. Returns nil when the
// record does not exist.
func (s *Store) GetRecord(table, localID string) (*models.Record, error) {
	row := s.db.QueryRow(
		"SELECT "+recordColumns+" FROM records WHERE tbl = ? AND local_id = ?",
		table, localID,
	)
	rec, err := scanRecord(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return rec, err
}

// GetRecordByServerID retrieves a record by its remote id. Returns nil when
// no record carries that id.
func (s *Store) GetRecordByServerID(table string, serverID int64) (*models.Record, error) {
	row := s.db.QueryRow(
		"SELECT "+recordColumns+" FROM records WHERE tbl = ? AND server_id = ?",
		table, serverID,
	)
	rec, err := scanRecord(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return rec, err
}

// ListRecords returns records of one table, excluding tombstones unless asked.
func (s *Store) ListRecords(table string, includeDeleted bool) ([]*models.Record, error) {
	query := "SELECT " + recordColumns + " FROM records WHERE tbl = ?"
	if !includeDeleted {
		query += " AND deleted = 0"
	}
	query += " ORDER BY updated_at DESC"

	rows, err := s.db.Query(query, table)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []*models.Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

// CountRecords returns live record counts per table.
func (s *Store) CountRecords() (map[string]int, error) {
	rows, err := s.db.Query("SELECT tbl, COUNT(*) FROM records WHERE deleted = 0 GROUP BY tbl")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	counts := make(map[string]int)
	for rows.Next() {
		var tbl string
		var n int
		if err := rows.Scan(&tbl, &n); err != nil {
			return nil, err
		}
		counts[tbl] = n
	}
	return counts, rows.Err()
}

// =====================================================
// Identifier mappings
// =====================================================

// GetMapping returns the server id mapped to a local id, if any.
func (s *Store) GetMapping(table, localID string) (int64, bool, error) {
	var serverID int64
	err := s.db.QueryRow(
		"SELECT server_id FROM id_mappings WHERE tbl = ? AND local_id = ?",
		table, localID,
	).Scan(&serverID)
	if err == sql.ErrNoRows {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	return serverID, true, nil
}

// GetMappingByServer returns the local id mapped to a server id, if any.
func (s *Store) GetMappingByServer(table string, serverID int64) (string, bool, error) {
	var localID string
	err := s.db.QueryRow(
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

// CountMappings returns the number of mapping rows for a table.
func (s *Store) CountMappings(table string) (int, error) {
	var n int
	err := s.db.QueryRow("SELECT COUNT(*) FROM id_mappings WHERE tbl = ?", table).Scan(&n)
	return n, err
}

// =====================================================
// Pending changes
// =====================================================

const changeColumns = "id, tbl, local_id, server_id, operation, payload, updated_at, retry_count, status, last_error, created_at"

func scanChange(row interface{ Scan(...interface{}) error }) (*models.PendingChange, error) {
	var ch models.PendingChange
	var serverID sql.NullInt64
	var payload string

	err := row.Scan(&ch.ID, &ch.Table, &ch.LocalID, &serverID, &ch.Operation,
		&payload, &ch.UpdatedAt, &ch.RetryCount, &ch.Status, &ch.LastError, &ch.CreatedAt)
	if err != nil {
		return nil, err
	}
	if serverID.Valid {
		v := serverID.Int64
		ch.ServerID = &v
	}
	ch.Payload = json.RawMessage(payload)
	return &ch, nil
}

// PendingChanges returns all changes awaiting transmission for one table,
// oldest first.
func (s *Store) PendingChanges(table string) ([]*models.PendingChange, error) {
	rows, err := s.db.Query(
		"SELECT "+changeColumns+" FROM pending_changes WHERE tbl = ? AND status = ? ORDER BY created_at",
		table, models.ChangePending,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var changes []*models.PendingChange
	for rows.Next() {
		ch, err := scanChange(rows)
		if err != nil {
			return nil, err
		}
		changes = append(changes, ch)
	}
	return changes, rows.Err()
}

// PendingChangeByRecord returns the non-terminal change queued for a
// record, or nil when none exists.
func (s *Store) PendingChangeByRecord(table, localID string) (*models.PendingChange, error) {
	row := s.db.QueryRow(
		"SELECT "+changeColumns+" FROM pending_changes WHERE tbl = ? AND local_id = ? AND status IN (?, ?)",
		table, localID, models.ChangePending, models.ChangeSyncing,
	)
	ch, err := scanChange(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return ch, err
}

// QueueStats returns aggregate pending-change counts by status.
func (s *Store) QueueStats() (map[string]int, error) {
	rows, err := s.db.Query("SELECT status, COUNT(*) FROM pending_changes GROUP BY status")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	stats := map[string]int{
		"pending": 0,
		"syncing": 0,
		"failed":  0,
	}
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		stats[status] = n
	}
	return stats, rows.Err()
}

// =====================================================
// Conflicts
// =====================================================

// ListConflicts returns the most recent resolved conflicts.
func (s *Store) ListConflicts(limit int) ([]*models.ConflictRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.Query(
		`SELECT id, tbl, local_id, server_id, local_snapshot, server_snapshot, resolution, created_at
		 FROM conflict_records ORDER BY created_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var conflicts []*models.ConflictRecord
	for rows.Next() {
		var cr models.ConflictRecord
		var local, server string
		if err := rows.Scan(&cr.ID, &cr.Table, &cr.LocalID, &cr.ServerID,
			&local, &server, &cr.Resolution, &cr.CreatedAt); err != nil {
			return nil, err
		}
		cr.LocalSnapshot = json.RawMessage(local)
		cr.ServerSnapshot = json.RawMessage(server)
		conflicts = append(conflicts, &cr)
	}
	return conflicts, rows.Err()
}

// CountConflicts returns the total number of recorded conflicts.
func (s *Store) CountConflicts() (int, error) {
	var n int
	err := s.db.QueryRow("SELECT COUNT(*) FROM conflict_records").Scan(&n)
	return n, err
}

func nowUnix() int64 {
	return time.Now().Unix()
}
