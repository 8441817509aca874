package store

import (
	"fmt"
	"time"
)

// migration is a single versioned schema step.
type migration struct {
	version     int
	description string
	statements  []string
}

// migrations are applied in order inside one transaction each. Versions
// already recorded in schema_migrations are skipped.
var migrations = []migration{
	{
		version:     1,
		description: "records, pending changes, id mappings, conflicts, sync state",
		statements: []string{
			`CREATE TABLE IF NOT EXISTS records (
				tbl TEXT NOT NULL,
				local_id TEXT NOT NULL,
				server_id INTEGER,
				payload TEXT NOT NULL DEFAULT '{}',
				updated_at INTEGER NOT NULL,
				baseline_at INTEGER NOT NULL DEFAULT 0,
				deleted INTEGER NOT NULL DEFAULT 0,
				dirty INTEGER NOT NULL DEFAULT 0,
				PRIMARY KEY (tbl, local_id)
			);`,
			`CREATE INDEX IF NOT EXISTS idx_records_server ON records(tbl, server_id);`,
			`CREATE TABLE IF NOT EXISTS pending_changes (
				id TEXT PRIMARY KEY,
				tbl TEXT NOT NULL,
				local_id TEXT NOT NULL,
				server_id INTEGER,
				operation TEXT NOT NULL CHECK(operation IN ('create','update','delete')),
				payload TEXT NOT NULL DEFAULT '{}',
				updated_at INTEGER NOT NULL,
				retry_count INTEGER NOT NULL DEFAULT 0,
				status TEXT NOT NULL DEFAULT 'pending'
					CHECK(status IN ('pending','syncing','synced','failed')),
				last_error TEXT NOT NULL DEFAULT '',
				created_at INTEGER NOT NULL
			);`,
			`CREATE UNIQUE INDEX IF NOT EXISTS idx_pending_one_per_record
				ON pending_changes(tbl, local_id)
				WHERE status IN ('pending','syncing');`,
			`CREATE TABLE IF NOT EXISTS id_mappings (
				tbl TEXT NOT NULL,
				local_id TEXT NOT NULL,
				server_id INTEGER NOT NULL,
				created_at INTEGER NOT NULL,
				PRIMARY KEY (tbl, local_id),
				UNIQUE (tbl, server_id)
			);`,
			`CREATE TABLE IF NOT EXISTS conflict_records (
				id TEXT PRIMARY KEY,
				tbl TEXT NOT NULL,
				local_id TEXT NOT NULL,
				server_id INTEGER NOT NULL,
				local_snapshot TEXT NOT NULL,
				server_snapshot TEXT NOT NULL,
				resolution TEXT NOT NULL,
				created_at INTEGER NOT NULL
			);`,
			`CREATE TABLE IF NOT EXISTS sync_state (
				key TEXT PRIMARY KEY,
				value TEXT NOT NULL
			);`,
		},
	},
}

// Migrate applies all outstanding migrations.
func (s *Store) Migrate() error {
	if err := s.initMigrationTable(); err != nil {
		return err
	}

	current, err := s.currentVersion()
	if err != nil {
		return err
	}

	for _, m := range migrations {
		if m.version <= current {
			continue
		}
		if err := s.applyMigration(m); err != nil {
			return fmt.Errorf("migration %d (%s): %w", m.version, m.description, err)
		}
	}
	return nil
}

func (s *Store) initMigrationTable() error {
	query := `
	CREATE TABLE IF NOT EXISTS schema_migrations (
		version INTEGER PRIMARY KEY CHECK(version > 0),
		applied_at INTEGER NOT NULL CHECK(applied_at > 0),
		description TEXT NOT NULL CHECK(length(description) > 0)
	);`
	_, err := s.db.Exec(query)
	return err
}

func (s *Store) currentVersion() (int, error) {
	var version int
	err := s.db.QueryRow("SELECT COALESCE(MAX(version), 0) FROM schema_migrations").Scan(&version)
	return version, err
}

func (s *Store) applyMigration(m migration) error {
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	for _, stmt := range m.statements {
		if _, err := tx.Exec(stmt); err != nil {
			return err
		}
	}

	_, err = tx.Exec(
		"INSERT INTO schema_migrations (version, applied_at, description) VALUES (?, ?, ?)",
		m.version, time.Now().Unix(), m.description,
	)
	if err != nil {
		return err
	}
	return tx.Commit()
}

// AppliedMigrations returns the recorded migration history.
func (s *Store) AppliedMigrations() ([]int, error) {
	rows, err := s.db.Query("SELECT version FROM schema_migrations ORDER BY version")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var versions []int
	for rows.Next() {
		var v int
		if err := rows.Scan(&v); err != nil {
			return nil, err
		}
		versions = append(versions, v)
	}
	return versions, rows.Err()
}
