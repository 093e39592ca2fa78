package interfaces

import (
	"context"

	"github.com/KevinKickass/OpenDeviceCore/internal/backend"
	"github.com/KevinKickass/OpenDeviceCore/internal/config"
	"github.com/KevinKickass/OpenDeviceCore/internal/session"
	"github.com/KevinKickass/OpenDeviceCore/internal/storage"
	"github.com/KevinKickass/OpenDeviceCore/internal/updates"
	"github.com/google/uuid"
)

// SystemStatus represents the current system state
type SystemStatus struct {
	State      string `json:"state"`
	Port       string `json:"port,omitempty"`
	Attached   bool   `json:"attached"`
	Mode       string `json:"mode"`
	QueueDepth int    `json:"queue_depth"`
	Journal    string `json:"journal"`
}

// Backend is the action surface of backend.Coordinator.
type Backend interface {
	Status() backend.Status
	Records() []updates.DeviceRecord
	Subscribe() (<-chan struct{}, func())

	MainAction() error
	CreateBackup(dest string) error
	RestoreBackup(src string) error
	FactoryReset() error
	InstallFirmware(image string) error
	InstallWirelessStack(image string) error
	InstallFUS(image string, address uint32) error
	StartFullScreenStreaming(ctx context.Context) error
	StopFullScreenStreaming(ctx context.Context) error
	SendFrame(ctx context.Context, frame []byte) error
	RefreshStorageInfo() error
	CheckFirmwareUpdates() error
	FinalizeOperation() error
	CancelOperation() error
}

type Journal interface {
	List(ctx context.Context, filter storage.ListFilter) ([]storage.OperationRecord, error)
	Get(ctx context.Context, id uuid.UUID) (*storage.OperationRecord, error)
}

type LifecycleManager interface {
	Config() *config.Config
	Backend() Backend
	Journal() Journal
	Ports() ([]session.PortInfo, error)
	GetCurrentStatus() SystemStatus
	Shutdown(ctx context.Context) error
}
