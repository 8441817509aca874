package models

import "encoding/json"

// Operation identifies what a pending change does to its record.
// It is assigned once, when the change is queued, and never re-inferred.
type Operation string

const (
	OpCreate Operation = "create"
	OpUpdate Operation = "update"
	OpDelete Operation = "delete"
)

// ChangeStatus is the lifecycle state of a pending change.
type ChangeStatus string

const (
	ChangePending ChangeStatus = "pending"
	ChangeSyncing ChangeStatus = "syncing"
	ChangeSynced  ChangeStatus = "synced"
	ChangeFailed  ChangeStatus = "failed"
)

// PendingChange is a queued local mutation awaiting transmission.
// At most one non-terminal change exists per (table, local_id); later
// mutations to the same record supersede the queued change in place.
type PendingChange struct {
	ID         string          `db:"id" json:"id"`
	Table      string          `db:"tbl" json:"table"`
	LocalID    string          `db:"local_id" json:"local_id"`
	ServerID   *int64          `db:"server_id" json:"server_id,omitempty"`
	Operation  Operation       `db:"operation" json:"operation"`
	Payload    json.RawMessage `db:"payload" json:"payload"`
	UpdatedAt  int64           `db:"updated_at" json:"updated_at"`
	RetryCount int             `db:"retry_count" json:"retry_count"`
	Status     ChangeStatus    `db:"status" json:"status"`
	LastError  string          `db:"last_error" json:"last_error,omitempty"`
	CreatedAt  int64           `db:"created_at" json:"created_at"`
}

// TableName returns the table name for PendingChange.
func (PendingChange) TableName() string {
	return "pending_changes"
}

// Terminal reports whether the change has finished its lifecycle.
func (c *PendingChange) Terminal() bool {
	return c.Status == ChangeSynced || c.Status == ChangeFailed
}

// Snapshot decodes the payload snapshot into a field map.
func (c *PendingChange) Snapshot() (map[string]interface{}, error) {
	if len(c.Payload) == 0 {
		return map[string]interface{}{}, nil
	}
	var fields map[string]interface{}
	if err := json.Unmarshal(c.Payload, &fields); err != nil {
		return nil, err
	}
	return fields, nil
}
