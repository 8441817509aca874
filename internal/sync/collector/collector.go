// Package collector builds the outbound batch for a sync pass.
package collector

import (
	apperrors "github.com/grangeworks/farmbook/internal/errors"
	"github.com/grangeworks/farmbook/internal/logging"
	"github.com/grangeworks/farmbook/internal/models"
	"github.com/grangeworks/farmbook/internal/remote"
	"github.com/grangeworks/farmbook/internal/store"
	"github.com/grangeworks/farmbook/internal/sync/idmap"
	"github.com/grangeworks/farmbook/internal/sync/translate"
)

// Batch is the outbound changes of one pass, keyed by table. Tables
// retains the foreign-key dependency order; Changes holds wire-shaped
// items and Sources the queue rows they came from, index-aligned.
type Batch struct {
	Tables  []string
	Changes map[string][]remote.ChangeItem
	Sources map[string][]*models.PendingChange
	// Deferred counts changes skipped because a referenced parent has no
	// server id yet; they stay queued for a later pass.
	Deferred int
}

// Empty reports whether the batch carries no changes.
func (b *Batch) Empty() bool {
	for _, items := range b.Changes {
		if len(items) > 0 {
			return false
		}
	}
	return true
}

// Total returns the number of changes in the batch.
func (b *Batch) Total() int {
	n := 0
	for _, items := range b.Changes {
		n += len(items)
	}
	return n
}

// Collector turns queued pending changes into wire-shaped change items.
type Collector struct {
	store      *store.Store
	translator *translate.Translator
}

// New creates a Collector.
func New(st *store.Store, tr *translate.Translator) *Collector {
	return &Collector{store: st, translator: tr}
}

// Collect builds the outbound batch in fixed table order, parents before
// children. Foreign keys are remapped to server ids through the resolver;
// a change whose parent is not yet mapped is deferred, not sent with a
// dangling reference.
//
// Changes for parents created in this same pass resolve through the
// resolver's overlay once the orchestrator stages their acknowledged ids,
// which is why collection for a table is re-run per table during the
// exchange rather than precomputed all at once. CollectTable serves that.
func (c *Collector) Collect(resolver *idmap.Resolver) (*Batch, error) {
	batch := &Batch{
		Tables:  models.TableOrder,
		Changes: make(map[string][]remote.ChangeItem),
		Sources: make(map[string][]*models.PendingChange),
	}

	for _, table := range models.TableOrder {
		items, sources, deferred, err := c.CollectTable(table, resolver)
		if err != nil {
			return nil, err
		}
		batch.Changes[table] = items
		batch.Sources[table] = sources
		batch.Deferred += deferred
	}
	return batch, nil
}

// CollectTable builds the outbound items for a single table.
func (c *Collector) CollectTable(table string, resolver *idmap.Resolver) ([]remote.ChangeItem, []*models.PendingChange, int, error) {
	pending, err := c.store.PendingChanges(table)
	if err != nil {
		return nil, nil, 0, err
	}

	var items []remote.ChangeItem
	var sources []*models.PendingChange
	deferred := 0

	for _, ch := range pending {
		item, ok, err := c.buildItem(ch, resolver)
		if err != nil {
			return nil, nil, 0, err
		}
		if !ok {
			deferred++
			continue
		}
		items = append(items, item)
		sources = append(sources, ch)
	}

	if deferred > 0 {
		logging.Debug("deferred changes with unresolved parents", map[string]interface{}{
			"table": table, "count": deferred,
		})
	}
	return items, sources, deferred, nil
}

func (c *Collector) buildItem(ch *models.PendingChange, resolver *idmap.Resolver) (remote.ChangeItem, bool, error) {
	item := remote.ChangeItem{
		LocalID:   ch.LocalID,
		ServerID:  ch.ServerID,
		Operation: string(ch.Operation),
		UpdatedAt: ch.UpdatedAt,
	}

	// Deletes need no payload; the server id identifies the target.
	if ch.Operation == models.OpDelete {
		return item, true, nil
	}

	fields, err := ch.Snapshot()
	if err != nil {
		return item, false, err
	}

	if err := resolver.RemapOutbound(ch.Table, fields); err != nil {
		if apperrors.Is(err, apperrors.ErrSyncUnresolvedFK) {
			return item, false, nil // fail closed, stays queued
		}
		return item, false, err
	}

	payload, err := c.translator.ToRemote(ch.Table, fields)
	if err != nil {
		return item, false, err
	}
	item.Payload = payload
	return item, true, nil
}
