package storage

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/KevinKickass/OpenDeviceCore/internal/device"
	"github.com/KevinKickass/OpenDeviceCore/internal/operation"
	"github.com/KevinKickass/OpenDeviceCore/internal/types"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	store, err := NewSQLiteStore(filepath.Join(t.TempDir(), "journal", "ops.sqlite"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func TestSQLiteStore_SaveAndGet(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	started := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	rec := OperationRecord{
		ID:           uuid.New(),
		Kind:         string(operation.KindBackup),
		Description:  "Backup internal storage",
		State:        "Reading",
		Progress:     40,
		DeviceSerial: "2C4F0E1A",
		CreatedAt:    started.Add(-time.Second),
		StartedAt:    &started,
	}
	require.NoError(t, store.SaveOperation(ctx, rec))

	got, err := store.GetOperation(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, rec, *got)

	finished := started.Add(3 * time.Second)
	rec.State = "Finished"
	rec.Progress = 100
	rec.FinishedAt = &finished
	require.NoError(t, store.SaveOperation(ctx, rec))

	got, err = store.GetOperation(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, "Finished", got.State)
	require.NotNil(t, got.FinishedAt)
	assert.True(t, finished.Equal(*got.FinishedAt))

	_, err = store.GetOperation(ctx, uuid.New())
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSQLiteStore_List(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	base := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	records := []OperationRecord{
		{ID: uuid.New(), Kind: "factory_reset", State: "Finished", DeviceSerial: "A", CreatedAt: base},
		{ID: uuid.New(), Kind: "update_workflow", State: "Error", ErrorKind: "TIMEOUT", DeviceSerial: "A", CreatedAt: base.Add(time.Minute)},
		{ID: uuid.New(), Kind: "factory_reset", State: "Finished", DeviceSerial: "B", CreatedAt: base.Add(2 * time.Minute)},
	}
	for _, rec := range records {
		require.NoError(t, store.SaveOperation(ctx, rec))
	}

	all, err := store.ListOperations(ctx, ListFilter{})
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, records[2].ID, all[0].ID, "newest first")

	resets, err := store.ListOperations(ctx, ListFilter{Kind: "factory_reset"})
	require.NoError(t, err)
	assert.Len(t, resets, 2)

	failed, err := store.ListOperations(ctx, ListFilter{FailedOnly: true})
	require.NoError(t, err)
	require.Len(t, failed, 1)
	assert.True(t, failed[0].Failed())

	deviceA, err := store.ListOperations(ctx, ListFilter{DeviceSerial: "A", Limit: 1})
	require.NoError(t, err)
	require.Len(t, deviceA, 1)
	assert.Equal(t, records[1].ID, deviceA[0].ID)
}

func TestJournal_RecordsOutcomes(t *testing.T) {
	store := newTestStore(t)
	logger := zaptest.NewLogger(t)

	state := device.NewState(logger)
	state.SetAttached("/dev/ttyACM0", true)
	state.SetInfo(types.DeviceInfo{Name: "Anana", SerialNumber: "2C4F0E1A"})

	journal := NewJournal(store, state, logger)

	ok := operation.NewMachine(operation.KindFactoryReset, "Factory reset", "Resetting")
	journal.OperationStarted(ok.Snapshot())
	ok.Finish()
	journal.OperationFinished(ok.Snapshot())

	failed := operation.NewMachine(operation.KindCreatePath, "Create /ext/update")
	failed.FinishEarly(types.ErrorPrecondition, "invalid remote path")
	journal.OperationFinished(failed.Snapshot())

	journal.Close()
	journal.OperationFinished(ok.Snapshot())

	ctx := context.Background()
	rec, err := journal.Get(ctx, ok.ID())
	require.NoError(t, err)
	assert.Equal(t, "Finished", rec.State)
	assert.Equal(t, "2C4F0E1A", rec.DeviceSerial)
	assert.Equal(t, "Anana", rec.DeviceName)
	assert.False(t, rec.Failed())

	rec, err = journal.Get(ctx, failed.ID())
	require.NoError(t, err)
	assert.Equal(t, "PRECONDITION", rec.ErrorKind)
	assert.Contains(t, rec.ErrorMessage, "invalid remote path")

	all, err := journal.List(ctx, ListFilter{})
	require.NoError(t, err)
	assert.Len(t, all, 2)
}
