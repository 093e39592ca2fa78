package operation

import "fmt"

// State is an operation's position in its state machine. Ready, Finished
// and Error are shared by every operation; concrete operations number
// their own states from StateUser.
type State int

const (
	StateReady State = iota
	StateFinished
	StateError
	StateUser
)

// Terminal reports whether no further transition is possible.
func (s State) Terminal() bool {
	return s == StateFinished || s == StateError
}

func (s State) String() string {
	switch s {
	case StateReady:
		return "Ready"
	case StateFinished:
		return "Finished"
	case StateError:
		return "Error"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Kind tags the procedure an operation implements.
type Kind string

const (
	KindStartRecovery     Kind = "start_recovery"
	KindExitRecovery      Kind = "exit_recovery"
	KindDownloadAssets    Kind = "download_assets"
	KindBackup            Kind = "backup_internal_storage"
	KindRestore           Kind = "restore_internal_storage"
	KindRestart           Kind = "restart_device"
	KindFactoryReset      Kind = "factory_reset"
	KindUploadFiles       Kind = "upload_files"
	KindDownloadDirectory Kind = "download_directory"
	KindCreatePath        Kind = "create_path"
	KindStartUpdater      Kind = "start_updater"
	KindRefreshStorage    Kind = "refresh_storage_info"
	KindProvisionRegion   Kind = "provision_region_data"
	KindVerifyChecksum    Kind = "verify_checksum"
	KindFetchDeviceInfo   Kind = "fetch_device_info"
	KindInstallFirmware   Kind = "install_firmware"
	KindInstallRadio      Kind = "install_wireless_stack"
	KindInstallFUS        Kind = "install_fus"
	KindUpdateWorkflow    Kind = "update_workflow"
	KindRepairWorkflow    Kind = "repair_workflow"
)
