// Package idmap resolves foreign keys across the local/remote id boundary.
//
// The persistent mapping table lives in the store; this package layers an
// in-pass overlay on top of it so that server ids assigned earlier in the
// same pass (a parent CREATE acknowledged before its child uploads) are
// visible before they are committed.
package idmap

import (
	"fmt"

	"github.com/grangeworks/farmbook/internal/errors"
	"github.com/grangeworks/farmbook/internal/models"
)

// Lookup is the read side of the persistent mapping table.
type Lookup interface {
	GetMapping(table, localID string) (int64, bool, error)
	GetMappingByServer(table string, serverID int64) (string, bool, error)
}

// Resolver resolves ids through the persistent table plus the overlay of
// mappings acquired during the current pass.
type Resolver struct {
	lookup  Lookup
	overlay map[string]map[string]int64 // table -> local id -> server id
}

// NewResolver creates a Resolver over the given mapping lookup.
func NewResolver(lookup Lookup) *Resolver {
	return &Resolver{
		lookup:  lookup,
		overlay: make(map[string]map[string]int64),
	}
}

// Stage records a mapping acquired mid-pass, before it is persisted.
func (r *Resolver) Stage(table, localID string, serverID int64) {
	if r.overlay[table] == nil {
		r.overlay[table] = make(map[string]int64)
	}
	r.overlay[table][localID] = serverID
}

// Staged returns all mappings staged during this pass.
func (r *Resolver) Staged() []models.IdentifierMapping {
	var out []models.IdentifierMapping
	for table, byLocal := range r.overlay {
		for localID, serverID := range byLocal {
			out = append(out, models.IdentifierMapping{
				Table:    table,
				LocalID:  localID,
				ServerID: serverID,
			})
		}
	}
	return out
}

// LocalToServer resolves a local id to its server id.
func (r *Resolver) LocalToServer(table, localID string) (int64, bool, error) {
	if byLocal, ok := r.overlay[table]; ok {
		if serverID, ok := byLocal[localID]; ok {
			return serverID, true, nil
		}
	}
	return r.lookup.GetMapping(table, localID)
}

// RemapOutbound rewrites every foreign key in a local-shaped payload to the
// referenced parent's server id. If a parent has no server id yet the
// operation fails closed with SYNC_UNRESOLVED_FK and the change stays
// queued for a later pass.
func (r *Resolver) RemapOutbound(table string, fields map[string]interface{}) error {
	for fkField, parentTable := range models.ForeignKeys[table] {
		raw, ok := fields[fkField]
		if !ok || raw == nil {
			continue
		}
		localID, ok := raw.(string)
		if !ok {
			// Already numeric means already remapped.
			continue
		}
		serverID, found, err := r.LocalToServer(parentTable, localID)
		if err != nil {
			return err
		}
		if !found {
			return errors.New(errors.ErrSyncUnresolvedFK,
				fmt.Sprintf("%s.%s references %s/%s with no server id", table, fkField, parentTable, localID))
		}
		fields[fkField] = serverID
	}
	return nil
}

// ServerLookup resolves server ids to local ids; it is satisfied by both
// the store and an open store transaction, so inbound remapping sees
// mappings written earlier in the same apply transaction.
type ServerLookup interface {
	GetMappingByServer(table string, serverID int64) (string, bool, error)
}

// RemapInbound rewrites every foreign key in a local-shaped inbound payload
// from the parent's server id to its local id. Returns false when a parent
// cannot be resolved yet; the caller defers the record.
func RemapInbound(lookup ServerLookup, table string, fields map[string]interface{}) (bool, error) {
	for fkField, parentTable := range models.ForeignKeys[table] {
		raw, ok := fields[fkField]
		if !ok || raw == nil {
			continue
		}
		serverID, ok := toInt64(raw)
		if !ok {
			// Already a local id string.
			continue
		}
		localID, found, err := lookup.GetMappingByServer(parentTable, serverID)
		if err != nil {
			return false, err
		}
		if !found {
			return false, nil
		}
		fields[fkField] = localID
	}
	return true, nil
}

func toInt64(v interface{}) (int64, bool) {
	switch n := v.(type) {
	case int64:
		return n, true
	case int:
		return int64(n), true
	case float64:
		return int64(n), true
	default:
		return 0, false
	}
}
