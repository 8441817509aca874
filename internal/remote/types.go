// Package remote defines the exchange protocol with the authoritative
// store and its HTTP client implementation.
package remote

import "context"

// Upload result statuses.
const (
	ResultOK       = "ok"       // applied; server_id set for creates
	ResultRejected = "rejected" // validation failure, never retried
	ResultRetry    = "retry"    // transient server-side failure
)

// ChangeItem is one outbound change. Payload carries remote field names
// and server-side foreign keys.
type ChangeItem struct {
	LocalID   string                 `json:"local_id"`
	ServerID  *int64                 `json:"server_id,omitempty"`
	Operation string                 `json:"operation"`
	Payload   map[string]interface{} `json:"payload,omitempty"`
	UpdatedAt int64                  `json:"updated_at"`
}

// UploadResult is the per-item acknowledgement for an uploaded change.
type UploadResult struct {
	LocalID  string `json:"local_id"`
	Status   string `json:"status"`
	ServerID *int64 `json:"server_id,omitempty"`
	Message  string `json:"message,omitempty"`
}

// Record is a changed remote record pulled since the cursor.
type Record struct {
	ServerID  int64                  `json:"id"`
	Payload   map[string]interface{} `json:"payload"`
	UpdatedAt int64                  `json:"updated_at"`
	Deleted   bool                   `json:"is_deleted"`
}

// ExchangeRequest is the single exchange operation's input.
type ExchangeRequest struct {
	DeviceID string                  `json:"device_id"`
	Cursor   *int64                  `json:"cursor,omitempty"`
	Changes  map[string][]ChangeItem `json:"changes,omitempty"`
}

// ExchangeResponse is the exchange operation's output.
type ExchangeResponse struct {
	UploadResults map[string][]UploadResult `json:"upload_results,omitempty"`
	Changed       map[string][]Record       `json:"changed_records,omitempty"`
	NewCursor     int64                     `json:"new_cursor"`
}

// Service is the remote authoritative store.
type Service interface {
	Exchange(ctx context.Context, req *ExchangeRequest) (*ExchangeResponse, error)
}
