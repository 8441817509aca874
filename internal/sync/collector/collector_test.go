package collector

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/grangeworks/farmbook/internal/models"
	"github.com/grangeworks/farmbook/internal/store"
	"github.com/grangeworks/farmbook/internal/sync/idmap"
	"github.com/grangeworks/farmbook/internal/sync/translate"
)

func newTestCollector(t *testing.T) (*Collector, *store.Store) {
	t.Helper()
	st, err := store.OpenMemory()
	require.NoError(t, err)
	require.NoError(t, st.Migrate())
	t.Cleanup(func() { st.Close() })
	return New(st, translate.New()), st
}

func queueChange(t *testing.T, st *store.Store, id, table, localID string,
	op models.Operation, serverID *int64, payload string) {
	t.Helper()
	require.NoError(t, st.WriteTx(func(tx *store.Tx) error {
		return tx.InsertPendingChange(&models.PendingChange{
			ID: id, Table: table, LocalID: localID, ServerID: serverID,
			Operation: op, Payload: []byte(payload), UpdatedAt: 100,
			Status: models.ChangePending, CreatedAt: 100,
		})
	}))
}

func int64Ptr(v int64) *int64 { return &v }

func TestCollectTable(t *testing.T) {
	t.Run("creates carry translated payloads", func(t *testing.T) {
		c, st := newTestCollector(t)
		queueChange(t, st, "ch-1", models.TableFarms, "farm-1",
			models.OpCreate, nil, `{"name":"North Meadow","acreage":12.5}`)

		items, sources, deferred, err := c.CollectTable(models.TableFarms, idmap.NewResolver(st))
		require.NoError(t, err)
		assert.Zero(t, deferred)
		require.Len(t, items, 1)
		require.Len(t, sources, 1)

		assert.Equal(t, "farm-1", items[0].LocalID)
		assert.Equal(t, "create", items[0].Operation)
		assert.Equal(t, "North Meadow", items[0].Payload["farmName"])
		assert.Equal(t, 12.5, items[0].Payload["sizeAcres"])
		assert.Equal(t, "ch-1", sources[0].ID)
	})

	t.Run("deletes carry no payload", func(t *testing.T) {
		c, st := newTestCollector(t)
		queueChange(t, st, "ch-1", models.TableFarms, "farm-1",
			models.OpDelete, int64Ptr(501), `{"name":"x"}`)

		items, _, _, err := c.CollectTable(models.TableFarms, idmap.NewResolver(st))
		require.NoError(t, err)
		require.Len(t, items, 1)
		assert.Nil(t, items[0].Payload)
		require.NotNil(t, items[0].ServerID)
		assert.EqualValues(t, 501, *items[0].ServerID)
	})

	t.Run("child with mapped parent remaps the foreign key", func(t *testing.T) {
		c, st := newTestCollector(t)
		require.NoError(t, st.WriteTx(func(tx *store.Tx) error {
			return tx.InsertMapping(models.TableFarms, "farm-1", 501)
		}))
		queueChange(t, st, "ch-1", models.TableFields, "field-1",
			models.OpCreate, nil, `{"name":"South Plot","farm_id":"farm-1"}`)

		items, _, deferred, err := c.CollectTable(models.TableFields, idmap.NewResolver(st))
		require.NoError(t, err)
		assert.Zero(t, deferred)
		require.Len(t, items, 1)
		assert.EqualValues(t, 501, items[0].Payload["farmId"])
	})

	t.Run("child with unmapped parent is deferred, not sent", func(t *testing.T) {
		c, st := newTestCollector(t)
		queueChange(t, st, "ch-1", models.TableFields, "field-1",
			models.OpCreate, nil, `{"name":"South Plot","farm_id":"farm-1"}`)

		items, _, deferred, err := c.CollectTable(models.TableFields, idmap.NewResolver(st))
		require.NoError(t, err)
		assert.Empty(t, items)
		assert.Equal(t, 1, deferred)

		// The change stays queued for a later pass.
		ch, err := st.PendingChangeByRecord(models.TableFields, "field-1")
		require.NoError(t, err)
		require.NotNil(t, ch)
		assert.Equal(t, models.ChangePending, ch.Status)
	})

	t.Run("staged overlay resolves a parent uploaded this pass", func(t *testing.T) {
		c, st := newTestCollector(t)
		queueChange(t, st, "ch-1", models.TableFields, "field-1",
			models.OpCreate, nil, `{"name":"South Plot","farm_id":"farm-1"}`)

		resolver := idmap.NewResolver(st)
		resolver.Stage(models.TableFarms, "farm-1", 501)

		items, _, deferred, err := c.CollectTable(models.TableFields, resolver)
		require.NoError(t, err)
		assert.Zero(t, deferred)
		require.Len(t, items, 1)
		assert.EqualValues(t, 501, items[0].Payload["farmId"])
	})
}

func TestCollect(t *testing.T) {
	c, st := newTestCollector(t)

	require.NoError(t, st.WriteTx(func(tx *store.Tx) error {
		return tx.InsertMapping(models.TableFarms, "farm-old", 400)
	}))
	queueChange(t, st, "ch-1", models.TableFarms, "farm-1",
		models.OpCreate, nil, `{"name":"a"}`)
	queueChange(t, st, "ch-2", models.TableFields, "field-1",
		models.OpCreate, nil, `{"name":"b","farm_id":"farm-old"}`)
	queueChange(t, st, "ch-3", models.TableActivities, "act-1",
		models.OpCreate, nil, `{"kind":"seeding","batch_id":"batch-unmapped"}`)

	batch, err := c.Collect(idmap.NewResolver(st))
	require.NoError(t, err)

	assert.Equal(t, models.TableOrder, batch.Tables)
	assert.Equal(t, 2, batch.Total())
	assert.Equal(t, 1, batch.Deferred)
	assert.False(t, batch.Empty())
	assert.Len(t, batch.Changes[models.TableFarms], 1)
	assert.Len(t, batch.Changes[models.TableFields], 1)
	assert.Empty(t, batch.Changes[models.TableActivities])
}
