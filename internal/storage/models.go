package storage

import (
	"context"
	"errors"
	"time"

	"github.com/KevinKickass/OpenDeviceCore/internal/operation"
	"github.com/KevinKickass/OpenDeviceCore/internal/types"
	"github.com/google/uuid"
)

var ErrNotFound = errors.New("operation not found")

// OperationRecord is one journal row: the last known state of an
// operation or workflow.
type OperationRecord struct {
	ID           uuid.UUID  `json:"id"`
	Kind         string     `json:"kind"`
	Description  string     `json:"description"`
	State        string     `json:"state"`
	Progress     float64    `json:"progress"`
	ErrorKind    string     `json:"error_kind,omitempty"`
	ErrorMessage string     `json:"error_message,omitempty"`
	DeviceSerial string     `json:"device_serial,omitempty"`
	DeviceName   string     `json:"device_name,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
	StartedAt    *time.Time `json:"started_at,omitempty"`
	FinishedAt   *time.Time `json:"finished_at,omitempty"`
}

// Failed reports whether the operation ended in error.
func (r OperationRecord) Failed() bool {
	return r.ErrorKind != ""
}

func RecordFromSnapshot(snap operation.Snapshot, info types.DeviceInfo) OperationRecord {
	rec := OperationRecord{
		ID:           snap.ID,
		Kind:         string(snap.Kind),
		Description:  snap.Description,
		State:        snap.State,
		Progress:     snap.Progress,
		DeviceSerial: info.SerialNumber,
		DeviceName:   info.Name,
		CreatedAt:    snap.CreatedAt,
		StartedAt:    snap.StartedAt,
		FinishedAt:   snap.FinishedAt,
	}
	if snap.Error != nil {
		rec.ErrorKind = snap.Error.Kind.String()
		rec.ErrorMessage = snap.Error.Error()
	}
	return rec
}

type ListFilter struct {
	Kind         string
	DeviceSerial string
	FailedOnly   bool
	// Limit caps the result; zero means DefaultListLimit.
	Limit int
}

const DefaultListLimit = 100

func (f ListFilter) limit() int {
	if f.Limit <= 0 {
		return DefaultListLimit
	}
	return f.Limit
}

// Store persists operation records. Saving a record with a known ID
// replaces it.
type Store interface {
	SaveOperation(ctx context.Context, rec OperationRecord) error
	GetOperation(ctx context.Context, id uuid.UUID) (*OperationRecord, error)
	// ListOperations returns matching records, newest first.
	ListOperations(ctx context.Context, filter ListFilter) ([]OperationRecord, error)
	Close() error
}
