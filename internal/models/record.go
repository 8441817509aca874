package models

import "time"

// Record is a locally stored row of one of the synchronized tables.
// Domain fields live in Fields; everything else is sync bookkeeping and
// is never part of an uploaded snapshot.
type Record struct {
	Table      string                 `json:"table"`
	LocalID    string                 `json:"local_id"`
	ServerID   *int64                 `json:"server_id,omitempty"`
	Fields     map[string]interface{} `json:"fields"`
	UpdatedAt  int64                  `json:"updated_at"`
	BaselineAt int64                  `json:"baseline_at"` // last server-acknowledged modification time
	Deleted    bool                   `json:"deleted"`
	Dirty      bool                   `json:"dirty"`
}

// UpdatedAtTime returns UpdatedAt as time.Time.
func (r *Record) UpdatedAtTime() time.Time {
	return time.Unix(r.UpdatedAt, 0)
}

// Synced reports whether the record has ever been acknowledged by the server.
func (r *Record) Synced() bool {
	return r.ServerID != nil
}
