package store

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/grangeworks/farmbook/internal/models"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := OpenMemory()
	require.NoError(t, err)
	require.NoError(t, s.Migrate())
	t.Cleanup(func() { s.Close() })
	return s
}

func int64Ptr(v int64) *int64 { return &v }

func TestMigrate(t *testing.T) {
	s := newTestStore(t)

	versions, err := s.AppliedMigrations()
	require.NoError(t, err)
	assert.Equal(t, []int{1}, versions)

	// Re-running is a no-op.
	require.NoError(t, s.Migrate())
	versions, err = s.AppliedMigrations()
	require.NoError(t, err)
	assert.Equal(t, []int{1}, versions)
}

func TestDeviceID(t *testing.T) {
	s := newTestStore(t)

	id, err := s.DeviceID()
	require.NoError(t, err)
	assert.NotEmpty(t, id)

	again, err := s.DeviceID()
	require.NoError(t, err)
	assert.Equal(t, id, again)
}

func TestCursor(t *testing.T) {
	s := newTestStore(t)

	cursor, err := s.Cursor()
	require.NoError(t, err)
	assert.EqualValues(t, 0, cursor)

	require.NoError(t, s.SetCursor(42))
	cursor, err = s.Cursor()
	require.NoError(t, err)
	assert.EqualValues(t, 42, cursor)
}

func TestRecordRoundTrip(t *testing.T) {
	s := newTestStore(t)

	rec := &models.Record{
		Table:     models.TableFarms,
		LocalID:   "farm-1",
		Fields:    map[string]interface{}{"name": "North Meadow", "acreage": 12.5},
		UpdatedAt: 100,
		Dirty:     true,
	}
	require.NoError(t, s.WriteTx(func(tx *Tx) error {
		return tx.UpsertRecord(rec)
	}))

	got, err := s.GetRecord(models.TableFarms, "farm-1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "North Meadow", got.Fields["name"])
	assert.True(t, got.Dirty)
	assert.Nil(t, got.ServerID)

	missing, err := s.GetRecord(models.TableFarms, "nope")
	require.NoError(t, err)
	assert.Nil(t, missing)
}

func TestGetRecordMissingReturnsNil(t *testing.T) {
	s := newTestStore(t)

	rec, err := s.GetRecord(models.TableFarms, "does-not-exist")
	require.NoError(t, err)
	assert.Nil(t, rec)

	rec, err = s.GetRecordByServerID(models.TableFarms, 9999)
	require.NoError(t, err)
	assert.Nil(t, rec)
}

func TestWriteTxRollsBackOnError(t *testing.T) {
	s := newTestStore(t)

	sentinel := errors.New("abort")
	err := s.WriteTx(func(tx *Tx) error {
		if err := tx.UpsertRecord(&models.Record{
			Table: models.TableFarms, LocalID: "farm-1",
			Fields: map[string]interface{}{"name": "x"}, UpdatedAt: 1,
		}); err != nil {
			return err
		}
		return sentinel
	})
	require.ErrorIs(t, err, sentinel)

	got, err := s.GetRecord(models.TableFarms, "farm-1")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestSetServerIDWriteOnce(t *testing.T) {
	s := newTestStore(t)

	require.NoError(t, s.WriteTx(func(tx *Tx) error {
		return tx.UpsertRecord(&models.Record{
			Table: models.TableFarms, LocalID: "farm-1",
			Fields: map[string]interface{}{"name": "x"}, UpdatedAt: 1, Dirty: true,
		})
	}))

	require.NoError(t, s.WriteTx(func(tx *Tx) error {
		return tx.SetServerID(models.TableFarms, "farm-1", 501, 100)
	}))

	got, err := s.GetRecord(models.TableFarms, "farm-1")
	require.NoError(t, err)
	require.NotNil(t, got.ServerID)
	assert.EqualValues(t, 501, *got.ServerID)
	assert.False(t, got.Dirty)
	assert.EqualValues(t, 100, got.BaselineAt)

	// A second assignment with a different id must fail.
	err = s.WriteTx(func(tx *Tx) error {
		return tx.SetServerID(models.TableFarms, "farm-1", 502, 200)
	})
	assert.Error(t, err)
}

func TestMappingImmutable(t *testing.T) {
	s := newTestStore(t)

	require.NoError(t, s.WriteTx(func(tx *Tx) error {
		return tx.InsertMapping(models.TableFarms, "farm-1", 501)
	}))

	t.Run("same mapping again is accepted", func(t *testing.T) {
		require.NoError(t, s.WriteTx(func(tx *Tx) error {
			return tx.InsertMapping(models.TableFarms, "farm-1", 501)
		}))
	})

	t.Run("conflicting server id is rejected", func(t *testing.T) {
		err := s.WriteTx(func(tx *Tx) error {
			return tx.InsertMapping(models.TableFarms, "farm-1", 999)
		})
		assert.Error(t, err)
	})

	t.Run("lookup in both directions", func(t *testing.T) {
		serverID, found, err := s.GetMapping(models.TableFarms, "farm-1")
		require.NoError(t, err)
		require.True(t, found)
		assert.EqualValues(t, 501, serverID)

		localID, found, err := s.GetMappingByServer(models.TableFarms, 501)
		require.NoError(t, err)
		require.True(t, found)
		assert.Equal(t, "farm-1", localID)
	})
}

func insertChange(t *testing.T, s *Store, id, table, localID string, op models.Operation) {
	t.Helper()
	require.NoError(t, s.WriteTx(func(tx *Tx) error {
		return tx.InsertPendingChange(&models.PendingChange{
			ID: id, Table: table, LocalID: localID, Operation: op,
			Payload: []byte(`{"name":"x"}`), UpdatedAt: 100,
			Status: models.ChangePending, CreatedAt: 100,
		})
	}))
}

func TestOnePendingChangePerRecord(t *testing.T) {
	s := newTestStore(t)

	insertChange(t, s, "ch-1", models.TableFarms, "farm-1", models.OpCreate)

	err := s.WriteTx(func(tx *Tx) error {
		return tx.InsertPendingChange(&models.PendingChange{
			ID: "ch-2", Table: models.TableFarms, LocalID: "farm-1",
			Operation: models.OpUpdate, Payload: []byte(`{}`),
			UpdatedAt: 200, Status: models.ChangePending, CreatedAt: 200,
		})
	})
	assert.Error(t, err)
}

func TestSyncingHandshake(t *testing.T) {
	s := newTestStore(t)
	insertChange(t, s, "ch-1", models.TableFarms, "farm-1", models.OpCreate)

	t.Run("mark syncing", func(t *testing.T) {
		require.NoError(t, s.WriteTx(func(tx *Tx) error {
			return tx.MarkChangeSyncing("ch-1")
		}))
		ch, err := s.PendingChangeByRecord(models.TableFarms, "farm-1")
		require.NoError(t, err)
		require.NotNil(t, ch)
		assert.Equal(t, models.ChangeSyncing, ch.Status)
	})

	t.Run("synced acknowledgement removes the change", func(t *testing.T) {
		require.NoError(t, s.WriteTx(func(tx *Tx) error {
			return tx.MarkChangeSynced("ch-1")
		}))
		ch, err := s.PendingChangeByRecord(models.TableFarms, "farm-1")
		require.NoError(t, err)
		assert.Nil(t, ch)
	})
}

// A change superseded back to pending while in flight must not be
// consumed by the stale pass's acknowledgement.
func TestAcknowledgementSkipsSupersededChange(t *testing.T) {
	s := newTestStore(t)
	insertChange(t, s, "ch-1", models.TableFarms, "farm-1", models.OpUpdate)

	require.NoError(t, s.WriteTx(func(tx *Tx) error {
		return tx.MarkChangeSyncing("ch-1")
	}))
	// Local edit lands mid-exchange and supersedes the snapshot.
	require.NoError(t, s.WriteTx(func(tx *Tx) error {
		return tx.SupersedeChange("ch-1", models.OpUpdate, []byte(`{"name":"newer"}`), 300)
	}))

	// The pass acknowledges the old snapshot; the superseded change stays.
	require.NoError(t, s.WriteTx(func(tx *Tx) error {
		return tx.MarkChangeSynced("ch-1")
	}))
	ch, err := s.PendingChangeByRecord(models.TableFarms, "farm-1")
	require.NoError(t, err)
	require.NotNil(t, ch)
	assert.Equal(t, models.ChangePending, ch.Status)
	assert.EqualValues(t, 300, ch.UpdatedAt)
}

func TestResetSyncing(t *testing.T) {
	s := newTestStore(t)
	insertChange(t, s, "ch-1", models.TableFarms, "farm-1", models.OpCreate)
	insertChange(t, s, "ch-2", models.TableFields, "field-1", models.OpCreate)

	require.NoError(t, s.WriteTx(func(tx *Tx) error {
		if err := tx.MarkChangeSyncing("ch-1"); err != nil {
			return err
		}
		return tx.MarkChangeSyncing("ch-2")
	}))
	require.NoError(t, s.WriteTx(func(tx *Tx) error {
		return tx.ResetSyncing()
	}))

	for _, key := range []struct{ table, local string }{
		{models.TableFarms, "farm-1"}, {models.TableFields, "field-1"},
	} {
		ch, err := s.PendingChangeByRecord(key.table, key.local)
		require.NoError(t, err)
		require.NotNil(t, ch)
		assert.Equal(t, models.ChangePending, ch.Status)
	}
}

func TestFailedChangesAndRetry(t *testing.T) {
	s := newTestStore(t)
	insertChange(t, s, "ch-1", models.TableFarms, "farm-1", models.OpCreate)

	require.NoError(t, s.WriteTx(func(tx *Tx) error {
		if err := tx.MarkChangeSyncing("ch-1"); err != nil {
			return err
		}
		return tx.MarkChangeFailed("ch-1", "validation rejected")
	}))

	stats, err := s.QueueStats()
	require.NoError(t, err)
	assert.Equal(t, 1, stats["failed"])
	assert.Equal(t, 0, stats["pending"])

	var n int
	require.NoError(t, s.WriteTx(func(tx *Tx) error {
		var err error
		n, err = tx.RetryFailedChanges()
		return err
	}))
	assert.Equal(t, 1, n)

	stats, err = s.QueueStats()
	require.NoError(t, err)
	assert.Equal(t, 1, stats["pending"])
}

func TestPendingChangesOrderedByCreation(t *testing.T) {
	s := newTestStore(t)

	require.NoError(t, s.WriteTx(func(tx *Tx) error {
		for i, id := range []string{"ch-a", "ch-b", "ch-c"} {
			err := tx.InsertPendingChange(&models.PendingChange{
				ID: id, Table: models.TableFarms, LocalID: id + "-rec",
				Operation: models.OpCreate, Payload: []byte(`{}`),
				UpdatedAt: int64(100 + i), Status: models.ChangePending,
				CreatedAt: int64(100 + i),
			})
			if err != nil {
				return err
			}
		}
		return nil
	}))

	pending, err := s.PendingChanges(models.TableFarms)
	require.NoError(t, err)
	require.Len(t, pending, 3)
	assert.Equal(t, "ch-a", pending[0].ID)
	assert.Equal(t, "ch-c", pending[2].ID)
}

func TestHardDelete(t *testing.T) {
	s := newTestStore(t)

	require.NoError(t, s.WriteTx(func(tx *Tx) error {
		return tx.UpsertRecord(&models.Record{
			Table: models.TableFarms, LocalID: "farm-1",
			ServerID: int64Ptr(501),
			Fields:   map[string]interface{}{"name": "x"}, UpdatedAt: 1,
		})
	}))
	require.NoError(t, s.WriteTx(func(tx *Tx) error {
		return tx.HardDelete(models.TableFarms, "farm-1")
	}))

	got, err := s.GetRecord(models.TableFarms, "farm-1")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestConflictPersistence(t *testing.T) {
	s := newTestStore(t)

	require.NoError(t, s.WriteTx(func(tx *Tx) error {
		return tx.InsertConflict(&models.ConflictRecord{
			ID: "cf-1", Table: models.TableBatches, LocalID: "batch-1",
			ServerID: 4711, LocalSnapshot: []byte(`{"quantity":12}`),
			ServerSnapshot: []byte(`{"quantity":30}`),
			Resolution:     "server_wins", CreatedAt: 100,
		})
	}))

	conflicts, err := s.ListConflicts(10)
	require.NoError(t, err)
	require.Len(t, conflicts, 1)
	assert.Equal(t, "batch-1", conflicts[0].LocalID)

	n, err := s.CountConflicts()
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}
