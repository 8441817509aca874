// Package conflict classifies and resolves overlapping local and remote
// edits during a sync pass.
package conflict

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/grangeworks/farmbook/internal/models"
)

// Outcome is the classification of one inbound record against its local
// counterpart.
type Outcome int

const (
	// ApplyInbound is an ordinary update: no local pending edit, inbound
	// is newer than the local baseline.
	ApplyInbound Outcome = iota
	// NoOp: nothing changed on either side since the baseline.
	NoOp
	// LocalWins: a local edit is pending and the inbound record is not
	// newer; the inbound copy is ignored and the local change uploads on
	// the next pass.
	LocalWins
	// ServerWins is a true conflict: both sides changed. The inbound
	// record overwrites local state, the pending change is discarded, and
	// a ConflictRecord preserves both snapshots.
	ServerWins
)

func (o Outcome) String() string {
	switch o {
	case ApplyInbound:
		return "apply_inbound"
	case NoOp:
		return "no_op"
	case LocalWins:
		return "local_wins"
	case ServerWins:
		return "server_wins"
	default:
		return "unknown"
	}
}

// ResolutionServerWins is the resolution label stored on conflict records.
const ResolutionServerWins = "server_wins"

// Resolver applies the deterministic server-wins policy. Classification is
// a pure function of its inputs so identical snapshots and timestamps
// always resolve identically.
type Resolver struct{}

// New creates a Resolver.
func New() *Resolver {
	return &Resolver{}
}

// Classify decides the outcome for an inbound record.
//
//	local pending? | inbound newer? | outcome
//	no             | yes            | ApplyInbound
//	no             | no             | NoOp
//	yes            | no             | LocalWins
//	yes            | yes            | ServerWins
func (r *Resolver) Classify(localPending bool, localBaseline, inboundUpdatedAt int64) Outcome {
	inboundNewer := inboundUpdatedAt > localBaseline
	switch {
	case !localPending && inboundNewer:
		return ApplyInbound
	case !localPending:
		return NoOp
	case !inboundNewer:
		return LocalWins
	default:
		return ServerWins
	}
}

// BuildConflictRecord assembles the audit row for a ServerWins resolution,
// preserving both snapshots.
func (r *Resolver) BuildConflictRecord(local *models.Record, serverID int64, serverFields map[string]interface{}) (*models.ConflictRecord, error) {
	localSnap, err := json.Marshal(local.Fields)
	if err != nil {
		return nil, err
	}
	serverSnap, err := json.Marshal(serverFields)
	if err != nil {
		return nil, err
	}
	return &models.ConflictRecord{
		ID:             uuid.New().String(),
		Table:          local.Table,
		LocalID:        local.LocalID,
		ServerID:       serverID,
		LocalSnapshot:  localSnap,
		ServerSnapshot: serverSnap,
		Resolution:     ResolutionServerWins,
		CreatedAt:      time.Now().Unix(),
	}, nil
}
