package utility

import (
	"context"
	"time"

	"github.com/KevinKickass/OpenDeviceCore/internal/device"
	"github.com/KevinKickass/OpenDeviceCore/internal/operation"
	"github.com/KevinKickass/OpenDeviceCore/internal/session"
	"github.com/KevinKickass/OpenDeviceCore/internal/types"
)

// RestartOperation reboots the device into its normal OS.
type RestartOperation struct {
	*operation.Machine
}

const stateRestarting = operation.StateUser

func newRestartOperation() *RestartOperation {
	return &RestartOperation{Machine: operation.NewMachine(operation.KindRestart, "Restart device", "Restarting")}
}

func (o *RestartOperation) Advance(_ context.Context, ev operation.Event) {
	if o.Fail(ev) {
		return
	}
	switch o.State() {
	case operation.StateReady:
		o.SetState(stateRestarting)
		o.Send(session.Request{Command: session.CmdReboot, Args: map[string]any{"mode": session.RebootOS}})
	case stateRestarting:
		o.Finish()
	}
}

// FactoryResetOperation wipes user data on the device.
type FactoryResetOperation struct {
	*operation.Machine
}

const stateResetting = operation.StateUser

func newFactoryResetOperation() *FactoryResetOperation {
	return &FactoryResetOperation{Machine: operation.NewMachine(operation.KindFactoryReset, "Factory reset", "Resetting")}
}

func (o *FactoryResetOperation) Advance(_ context.Context, ev operation.Event) {
	if o.Fail(ev) {
		return
	}
	switch o.State() {
	case operation.StateReady:
		o.SetState(stateResetting)
		o.Send(session.Request{Command: session.CmdFactoryReset})
	case stateResetting:
		o.Finish()
	}
}

// StartRecoveryOperation switches the device into recovery (DFU) mode.
// It finishes immediately when the device is already there.
type StartRecoveryOperation struct {
	*operation.Machine
	state *device.State
}

const stateEnteringRecovery = operation.StateUser

func newStartRecoveryOperation(state *device.State) *StartRecoveryOperation {
	return &StartRecoveryOperation{
		Machine: operation.NewMachine(operation.KindStartRecovery, "Start recovery mode", "EnteringRecovery"),
		state:   state,
	}
}

func (o *StartRecoveryOperation) Advance(_ context.Context, ev operation.Event) {
	if o.Fail(ev) {
		return
	}
	switch o.State() {
	case operation.StateReady:
		if o.state.Recovery() {
			o.Finish()
			return
		}
		o.SetState(stateEnteringRecovery)
		o.SendAndReattach(session.Request{Command: session.CmdReboot, Args: map[string]any{"mode": session.RebootRecovery}})
	case stateEnteringRecovery:
		o.state.SetRecovery(true)
		o.Finish()
	}
}

// ExitRecoveryOperation leaves recovery mode and boots the installed
// firmware.
type ExitRecoveryOperation struct {
	*operation.Machine
	state *device.State
}

const stateLeavingRecovery = operation.StateUser

func newExitRecoveryOperation(state *device.State) *ExitRecoveryOperation {
	return &ExitRecoveryOperation{
		Machine: operation.NewMachine(operation.KindExitRecovery, "Exit recovery mode", "LeavingRecovery"),
		state:   state,
	}
}

func (o *ExitRecoveryOperation) Advance(_ context.Context, ev operation.Event) {
	if o.Fail(ev) {
		return
	}
	switch o.State() {
	case operation.StateReady:
		if !o.state.Recovery() {
			o.FinishEarly(types.ErrorPrecondition, "device is not in recovery mode")
			return
		}
		o.SetState(stateLeavingRecovery)
		o.Send(session.Request{Command: session.CmdRecoveryLeave})
	case stateLeavingRecovery:
		o.state.SetRecovery(false)
		o.Finish()
	}
}

// FetchDeviceInfoOperation reads the device description and publishes it
// to the device state.
type FetchDeviceInfoOperation struct {
	*operation.Machine
	state *device.State
	info  types.DeviceInfo
}

const stateFetchingInfo = operation.StateUser

func newFetchDeviceInfoOperation(state *device.State) *FetchDeviceInfoOperation {
	return &FetchDeviceInfoOperation{
		Machine: operation.NewMachine(operation.KindFetchDeviceInfo, "Fetch device info", "FetchingInfo"),
		state:   state,
	}
}

// Info is valid once the operation finished.
func (o *FetchDeviceInfoOperation) Info() types.DeviceInfo {
	return o.info
}

func (o *FetchDeviceInfoOperation) Advance(_ context.Context, ev operation.Event) {
	if o.Fail(ev) {
		return
	}
	switch o.State() {
	case operation.StateReady:
		o.SetState(stateFetchingInfo)
		o.Send(session.Request{Command: session.CmdDeviceInfo})
	case stateFetchingInfo:
		o.info = parseDeviceInfo(ev.Response)
		if o.info.Name == "" && o.info.SerialNumber == "" {
			o.FinishEarly(types.ErrorProtocolRejected, "device info response carries no identity")
			return
		}
		o.state.SetInfo(o.info)
		o.Finish()
	}
}

func parseDeviceInfo(resp *session.Response) types.DeviceInfo {
	info := types.DeviceInfo{
		Name:              resp.String("hardware_name"),
		SerialNumber:      resp.String("hardware_uid"),
		HardwareTarget:    int(resp.Uint64("hardware_target")),
		HardwareVersion:   resp.String("hardware_ver"),
		HardwareRegion:    int(resp.Uint64("hardware_region")),
		FirmwareVersion:   resp.String("firmware_version"),
		FirmwareChannel:   resp.String("firmware_branch"),
		FirmwareCommit:    resp.String("firmware_commit"),
		RadioStackVersion: resp.String("radio_stack_version"),
		FUSVersion:        resp.String("radio_fus_version"),
		Recovery:          resp.Bool("dfu_mode"),
	}
	if date := resp.String("firmware_build_date"); date != "" {
		if t, err := time.Parse("02-01-2006", date); err == nil {
			info.FirmwareDate = t
		}
	}
	return info
}

// StartUpdaterOperation stages an update manifest already uploaded to the
// device and reboots into the updater.
type StartUpdaterOperation struct {
	*operation.Machine
	manifest string
}

const (
	stateStagingUpdate operation.State = operation.StateUser + iota
	stateRebootingToUpdater
)

func newStartUpdaterOperation(manifest string) *StartUpdaterOperation {
	return &StartUpdaterOperation{
		Machine:  operation.NewMachine(operation.KindStartUpdater, "Start updater "+manifest, "StagingUpdate", "RebootingToUpdater"),
		manifest: manifest,
	}
}

func (o *StartUpdaterOperation) Advance(_ context.Context, ev operation.Event) {
	if o.Fail(ev) {
		return
	}
	switch o.State() {
	case operation.StateReady:
		o.SetState(stateStagingUpdate)
		o.Send(session.Request{Command: session.CmdUpdate, Args: map[string]any{"update_manifest": o.manifest}})
	case stateStagingUpdate:
		o.SetState(stateRebootingToUpdater)
		o.Send(session.Request{Command: session.CmdReboot, Args: map[string]any{"mode": session.RebootUpdate}})
	case stateRebootingToUpdater:
		o.Finish()
	}
}

// RegionProvisioningOperation writes the region code that selects the
// allowed radio bands.
type RegionProvisioningOperation struct {
	*operation.Machine
	state  *device.State
	region string
}

const stateProvisioning = operation.StateUser

func newRegionProvisioningOperation(state *device.State, region string) *RegionProvisioningOperation {
	return &RegionProvisioningOperation{
		Machine: operation.NewMachine(operation.KindProvisionRegion, "Provision region data "+region, "Provisioning"),
		state:   state,
		region:  region,
	}
}

func (o *RegionProvisioningOperation) Advance(_ context.Context, ev operation.Event) {
	if o.Fail(ev) {
		return
	}
	switch o.State() {
	case operation.StateReady:
		if o.state.Recovery() {
			o.FinishEarly(types.ErrorPrecondition, "region data cannot be provisioned in recovery mode")
			return
		}
		o.SetState(stateProvisioning)
		o.Send(session.Request{Command: session.CmdRegionProvision, Args: map[string]any{"country_code": o.region}})
	case stateProvisioning:
		o.state.SetRegion(o.region)
		o.Finish()
	}
}
