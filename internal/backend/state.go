package backend

import (
	"time"

	"github.com/KevinKickass/OpenDeviceCore/internal/display"
	"github.com/KevinKickass/OpenDeviceCore/internal/operation"
	"github.com/KevinKickass/OpenDeviceCore/internal/types"
	"github.com/KevinKickass/OpenDeviceCore/internal/updates"
)

type Mode int

const (
	ModeWaitingForDevices Mode = iota
	ModeReady
	ModeScreenStreaming
	ModeUpdatingDevice
	ModeRepairingDevice
	ModeCreatingBackup
	ModeRestoringBackup
	ModeFactoryResetting
	ModeInstallingFirmware
	ModeInstallingWirelessStack
	ModeInstallingFUS
	ModeFinished
	ModeErrorOccured
)

func (m Mode) String() string {
	switch m {
	case ModeWaitingForDevices:
		return "WAITING_FOR_DEVICES"
	case ModeReady:
		return "READY"
	case ModeScreenStreaming:
		return "SCREEN_STREAMING"
	case ModeUpdatingDevice:
		return "UPDATING_DEVICE"
	case ModeRepairingDevice:
		return "REPAIRING_DEVICE"
	case ModeCreatingBackup:
		return "CREATING_BACKUP"
	case ModeRestoringBackup:
		return "RESTORING_BACKUP"
	case ModeFactoryResetting:
		return "FACTORY_RESETTING"
	case ModeInstallingFirmware:
		return "INSTALLING_FIRMWARE"
	case ModeInstallingWirelessStack:
		return "INSTALLING_WIRELESS_STACK"
	case ModeInstallingFUS:
		return "INSTALLING_FUS"
	case ModeFinished:
		return "FINISHED"
	case ModeErrorOccured:
		return "ERROR_OCCURED"
	default:
		return "UNKNOWN"
	}
}

func (m Mode) MarshalText() ([]byte, error) {
	return []byte(m.String()), nil
}

// Procedure reports whether m is owned by a running procedure.
func (m Mode) Procedure() bool {
	switch m {
	case ModeUpdatingDevice, ModeRepairingDevice, ModeCreatingBackup, ModeRestoringBackup,
		ModeFactoryResetting, ModeInstallingFirmware, ModeInstallingWirelessStack, ModeInstallingFUS:
		return true
	default:
		return false
	}
}

// Idle reports whether a new action may start from m.
func (m Mode) Idle() bool {
	return m == ModeReady || m == ModeFinished
}

// Action names a user action the coordinator accepts.
type Action string

const (
	ActionMain                 Action = "main_action"
	ActionCreateBackup         Action = "create_backup"
	ActionRestoreBackup        Action = "restore_backup"
	ActionFactoryReset         Action = "factory_reset"
	ActionInstallFirmware      Action = "install_firmware"
	ActionInstallWirelessStack Action = "install_wireless_stack"
	ActionInstallFUS           Action = "install_fus"
	ActionStartStreaming       Action = "start_screen_streaming"
	ActionStopStreaming        Action = "stop_screen_streaming"
	ActionRefreshStorage       Action = "refresh_storage_info"
	ActionCheckUpdates         Action = "check_firmware_updates"
	ActionFinalize             Action = "finalize_operation"
)

// Status is everything the presentation layer renders. Change
// notifications carry no payload; re-read Status.
type Status struct {
	Mode            Mode                  `json:"mode"`
	FirmwareState   updates.FirmwareState `json:"firmware_update_state"`
	Channel         string                `json:"channel"`
	LatestVersion   string                `json:"latest_version,omitempty"`
	Busy            bool                  `json:"busy"`
	Device          types.DeviceSnapshot  `json:"device"`
	Display         display.State         `json:"display"`
	Operation       *operation.Snapshot   `json:"operation,omitempty"`
	Error           *types.Error          `json:"error,omitempty"`
	LastStateChange time.Time             `json:"last_state_change"`
}
