package storage

import (
	"context"
	"sync"
	"time"

	"github.com/KevinKickass/OpenDeviceCore/internal/device"
	"github.com/KevinKickass/OpenDeviceCore/internal/operation"
	"github.com/KevinKickass/OpenDeviceCore/internal/types"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	journalBuffer = 256
	writeTimeout  = 5 * time.Second
)

// Journal records operation starts and outcomes in a Store. It is an
// operation.Observer; writes happen on its own goroutine so the runner is
// never held up by the database.
type Journal struct {
	store  Store
	device *device.State
	logger *zap.Logger

	mu      sync.Mutex
	closed  bool
	records chan OperationRecord
	wg      sync.WaitGroup
}

// NewJournal starts writing into store. device, if set, tags every record
// with the attached device.
func NewJournal(store Store, state *device.State, logger *zap.Logger) *Journal {
	j := &Journal{
		store:   store,
		device:  state,
		logger:  logger,
		records: make(chan OperationRecord, journalBuffer),
	}

	j.wg.Add(1)
	go j.writer()

	return j
}

func (j *Journal) OperationStarted(snap operation.Snapshot) {
	j.enqueue(snap)
}

func (j *Journal) OperationFinished(snap operation.Snapshot) {
	j.enqueue(snap)
}

func (j *Journal) enqueue(snap operation.Snapshot) {
	rec := RecordFromSnapshot(snap, j.deviceInfo())

	j.mu.Lock()
	defer j.mu.Unlock()
	if j.closed {
		return
	}

	select {
	case j.records <- rec:
	default:
		j.logger.Warn("Journal backlog full, record dropped",
			zap.String("operation_id", rec.ID.String()),
			zap.String("kind", rec.Kind))
	}
}

func (j *Journal) deviceInfo() types.DeviceInfo {
	if j.device == nil {
		return types.DeviceInfo{}
	}
	return j.device.Info()
}

func (j *Journal) writer() {
	defer j.wg.Done()

	for rec := range j.records {
		ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
		if err := j.store.SaveOperation(ctx, rec); err != nil {
			j.logger.Error("Failed to journal operation",
				zap.String("operation_id", rec.ID.String()),
				zap.Error(err))
		}
		cancel()
	}
}

// Close flushes pending records. The store stays open.
func (j *Journal) Close() {
	j.mu.Lock()
	if j.closed {
		j.mu.Unlock()
		return
	}
	j.closed = true
	close(j.records)
	j.mu.Unlock()

	j.wg.Wait()
}

func (j *Journal) List(ctx context.Context, filter ListFilter) ([]OperationRecord, error) {
	return j.store.ListOperations(ctx, filter)
}

func (j *Journal) Get(ctx context.Context, id uuid.UUID) (*OperationRecord, error) {
	return j.store.GetOperation(ctx, id)
}
