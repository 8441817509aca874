package models

import (
	"encoding/json"
	"time"
)

// ConflictRecord is an audit row for a resolved concurrent edit.
// Both snapshots are kept so the user can recover discarded local data.
type ConflictRecord struct {
	ID             string          `db:"id" json:"id"`
	Table          string          `db:"tbl" json:"table"`
	LocalID        string          `db:"local_id" json:"local_id"`
	ServerID       int64           `db:"server_id" json:"server_id"`
	LocalSnapshot  json.RawMessage `db:"local_snapshot" json:"local_snapshot"`
	ServerSnapshot json.RawMessage `db:"server_snapshot" json:"server_snapshot"`
	Resolution     string          `db:"resolution" json:"resolution"`
	CreatedAt      int64           `db:"created_at" json:"created_at"`
}

// TableName returns the table name for ConflictRecord.
func (ConflictRecord) TableName() string {
	return "conflict_records"
}

// CreatedAtTime returns CreatedAt as time.Time.
func (c *ConflictRecord) CreatedAtTime() time.Time {
	return time.Unix(c.CreatedAt, 0)
}
