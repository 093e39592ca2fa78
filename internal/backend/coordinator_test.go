package backend

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/KevinKickass/OpenDeviceCore/internal/device"
	"github.com/KevinKickass/OpenDeviceCore/internal/display"
	"github.com/KevinKickass/OpenDeviceCore/internal/operation"
	"github.com/KevinKickass/OpenDeviceCore/internal/session"
	"github.com/KevinKickass/OpenDeviceCore/internal/session/sessiontest"
	"github.com/KevinKickass/OpenDeviceCore/internal/types"
	"github.com/KevinKickass/OpenDeviceCore/internal/updates"
	"github.com/KevinKickass/OpenDeviceCore/internal/utility"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

type stubRegistry struct {
	mu      sync.Mutex
	verdict updates.Verdict
	err     error
	gate    chan struct{}
	checks  int
}

func (r *stubRegistry) Check(ctx context.Context, info types.DeviceInfo) (updates.Verdict, error) {
	r.mu.Lock()
	r.checks++
	gate := r.gate
	r.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return updates.Verdict{}, ctx.Err()
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	return r.verdict, r.err
}

func (r *stubRegistry) Download(ctx context.Context, file updates.FileInfo) (string, error) {
	return "", types.NewError(types.ErrorUnknown, "downloads are not served here")
}

func (r *stubRegistry) Channel() string { return "release" }

func (r *stubRegistry) Records() []updates.DeviceRecord { return nil }

func (r *stubRegistry) set(state updates.FirmwareState, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.verdict = updates.Verdict{State: state, Channel: "release", Latest: &updates.VersionInfo{Version: "0.99.1"}}
	r.err = err
}

// block holds every later check until the returned func is called.
func (r *stubRegistry) block() func() {
	gate := make(chan struct{})
	r.mu.Lock()
	r.gate = gate
	r.mu.Unlock()

	var once sync.Once
	return func() { once.Do(func() { close(gate) }) }
}

type fixture struct {
	fake     *sessiontest.Fake
	state    *device.State
	runner   *operation.Runner
	registry *stubRegistry
	display  *display.Session
	coord    *Coordinator
}

func newFixture(t *testing.T, firmware updates.FirmwareState) *fixture {
	t.Helper()

	logger := zaptest.NewLogger(t)
	f := &fixture{
		fake:     sessiontest.New(),
		state:    device.NewState(logger),
		registry: &stubRegistry{},
	}
	f.registry.set(firmware, nil)
	f.fake.Reply(session.CmdDeviceInfo, map[string]any{
		"hardware_name":    "Anana",
		"hardware_uid":     "2C4F0E1A",
		"hardware_target":  float64(7),
		"firmware_version": "0.98.3",
		"firmware_branch":  "release",
	})

	f.runner = operation.NewRunner(f.fake, logger)
	catalog := utility.NewCatalog(f.runner, f.state, logger, utility.WithFs(afero.NewMemMapFs()))
	f.display = display.New(f.fake, logger)

	f.coord = NewCoordinator(Deps{
		Session:   f.fake,
		Runner:    f.runner,
		Catalog:   catalog,
		Registry:  f.registry,
		Device:    f.state,
		Display:   f.display,
		Logger:    logger,
		Port:      func() string { return "/dev/ttyACM0" },
		WorkDir:   "/work",
		AutoCheck: true,
	})
	t.Cleanup(func() {
		f.coord.Close()
		f.display.Close()
		f.runner.Close()
	})

	f.settled(t, ModeReady)
	return f
}

// settled waits until the backend is in mode with no query running.
func (f *fixture) settled(t *testing.T, mode Mode) {
	t.Helper()
	assert.Eventually(t, func() bool {
		return f.coord.Mode() == mode && !f.coord.Busy()
	}, 2*time.Second, 5*time.Millisecond, "backend never settled in %s (now %s)", mode, f.coord.Mode())
}

func (f *fixture) hold(cmd string) func() {
	release := make(chan struct{})
	f.fake.Handle(cmd, func(session.Request) (*session.Response, error) {
		<-release
		return sessiontest.OK(nil), nil
	})
	var once sync.Once
	return func() { once.Do(func() { close(release) }) }
}

func TestCoordinator_IdentifiesAttachedDevice(t *testing.T) {
	f := newFixture(t, updates.StateCanUpdate)

	status := f.coord.Status()
	assert.Equal(t, ModeReady, status.Mode)
	assert.Equal(t, updates.StateCanUpdate, status.FirmwareState)
	assert.Equal(t, "0.99.1", status.LatestVersion)
	assert.Equal(t, "release", status.Channel)
	assert.Equal(t, "Anana", status.Device.Info.Name)
	assert.Equal(t, "/dev/ttyACM0", status.Device.Port)
	assert.Nil(t, status.Error)
}

func TestCoordinator_RejectionLeavesModeUnchanged(t *testing.T) {
	f := newFixture(t, updates.StateNoUpdates)
	release := f.hold(session.CmdFactoryReset)
	defer release()

	require.NoError(t, f.coord.FactoryReset())
	assert.Equal(t, ModeFactoryResetting, f.coord.Mode())

	for name, action := range map[string]func() error{
		"backup":   func() error { return f.coord.CreateBackup("/backups/a") },
		"restore":  func() error { return f.coord.RestoreBackup("/backups/a") },
		"reset":    f.coord.FactoryReset,
		"main":     f.coord.MainAction,
		"storage":  f.coord.RefreshStorageInfo,
		"check":    f.coord.CheckFirmwareUpdates,
		"finalize": f.coord.FinalizeOperation,
		"stream":   func() error { return f.coord.StartFullScreenStreaming(context.Background()) },
	} {
		err := action()
		assert.ErrorIs(t, err, ErrRejected, name)
		assert.Equal(t, ModeFactoryResetting, f.coord.Mode(), name)
	}

	release()
	f.settled(t, ModeFinished)
	assert.Nil(t, f.coord.Err())

	require.NoError(t, f.coord.FinalizeOperation())
	assert.Equal(t, ModeReady, f.coord.Mode())
}

func TestCoordinator_InstallFirmwareWhileUpdatingIsRejected(t *testing.T) {
	f := newFixture(t, updates.StateCanUpdate)
	release := f.registry.block()
	defer release()

	require.NoError(t, f.coord.MainAction())
	assert.Equal(t, ModeUpdatingDevice, f.coord.Mode())

	sent := len(f.fake.Requests())
	err := f.coord.InstallFirmware("/firmware/full.dfu")
	assert.ErrorIs(t, err, ErrRejected)
	assert.Equal(t, ModeUpdatingDevice, f.coord.Mode())
	assert.Zero(t, f.runner.Len(), "nothing may be enqueued")
	assert.Len(t, f.fake.Requests(), sent)

	// The check now says there is nothing to install, which ends the
	// workflow before its custom phase.
	f.registry.set(updates.StateNoUpdates, nil)
	release()

	f.settled(t, ModeErrorOccured)
	require.NotNil(t, f.coord.Err())
	assert.Equal(t, types.ErrorPrecondition, f.coord.Err().Kind)
	assert.Len(t, f.fake.Requests(), sent)
}

func TestCoordinator_MainActionRepairsRecoveryDevice(t *testing.T) {
	f := newFixture(t, updates.StateCanRepair)
	release := f.registry.block()
	defer release()

	require.NoError(t, f.coord.MainAction())
	assert.Equal(t, ModeRepairingDevice, f.coord.Mode())

	status := f.coord.Status()
	require.NotNil(t, status.Operation)
	assert.Equal(t, operation.KindRepairWorkflow, status.Operation.Kind)

	require.NoError(t, f.coord.CancelOperation())
	release()

	f.settled(t, ModeErrorOccured)
	assert.Equal(t, types.ErrorCancelled, f.coord.Err().Kind)
}

func TestCoordinator_MainActionChannelSwitchUpdates(t *testing.T) {
	f := newFixture(t, updates.StateCanInstall)
	release := f.registry.block()
	defer release()

	require.NoError(t, f.coord.MainAction())
	assert.Equal(t, ModeUpdatingDevice, f.coord.Mode())

	status := f.coord.Status()
	require.NotNil(t, status.Operation)
	assert.Equal(t, operation.KindUpdateWorkflow, status.Operation.Kind)

	require.NoError(t, f.coord.CancelOperation())
	release()

	f.settled(t, ModeErrorOccured)
	assert.Equal(t, types.ErrorCancelled, f.coord.Err().Kind)
}

func TestCoordinator_MainActionUpToDate(t *testing.T) {
	f := newFixture(t, updates.StateNoUpdates)

	assert.ErrorIs(t, f.coord.MainAction(), ErrUpToDate)
	assert.Equal(t, ModeReady, f.coord.Mode())
	assert.Zero(t, f.runner.Len())
}

func TestCoordinator_FailureThenFinalize(t *testing.T) {
	f := newFixture(t, updates.StateNoUpdates)
	f.fake.Reject(session.CmdFactoryReset)

	require.NoError(t, f.coord.FactoryReset())
	f.settled(t, ModeErrorOccured)

	require.NotNil(t, f.coord.Err())
	assert.Equal(t, types.ErrorProtocolRejected, f.coord.Err().Kind)

	require.NoError(t, f.coord.FinalizeOperation())
	assert.Equal(t, ModeReady, f.coord.Mode())
	assert.Nil(t, f.coord.Err())

	assert.ErrorIs(t, f.coord.FinalizeOperation(), ErrRejected)
}

func TestCoordinator_InvalidParametersFailTheProcedure(t *testing.T) {
	f := newFixture(t, updates.StateNoUpdates)

	require.NoError(t, f.coord.RestoreBackup(""))
	f.settled(t, ModeErrorOccured)
	assert.Equal(t, types.ErrorPrecondition, f.coord.Err().Kind)
}

func TestCoordinator_FollowsDevicePresence(t *testing.T) {
	f := newFixture(t, updates.StateCanUpdate)

	f.fake.Drop()
	f.settled(t, ModeWaitingForDevices)
	assert.Equal(t, updates.StateUnknown, f.coord.FirmwareState())
	assert.False(t, f.coord.Status().Device.Attached)

	f.fake.Reattach()
	f.settled(t, ModeReady)
	assert.Equal(t, updates.StateCanUpdate, f.coord.FirmwareState())
	assert.Equal(t, "Anana", f.coord.Status().Device.Info.Name)
}

func TestCoordinator_ProcedureOutcomeSurvivesReattach(t *testing.T) {
	f := newFixture(t, updates.StateNoUpdates)
	release := f.hold(session.CmdFactoryReset)
	defer release()

	require.NoError(t, f.coord.FactoryReset())

	f.fake.Drop()
	f.settled(t, ModeErrorOccured)
	assert.Equal(t, types.ErrorDeviceDisconnected, f.coord.Err().Kind)

	f.fake.Reattach()
	f.settled(t, ModeErrorOccured)
	assert.Equal(t, "Anana", f.coord.Status().Device.Info.Name)

	require.NoError(t, f.coord.FinalizeOperation())
	assert.Equal(t, ModeReady, f.coord.Mode())
}

func TestCoordinator_ScreenStreaming(t *testing.T) {
	f := newFixture(t, updates.StateNoUpdates)

	assert.ErrorIs(t, f.coord.StopFullScreenStreaming(context.Background()), ErrRejected)

	require.NoError(t, f.coord.StartFullScreenStreaming(context.Background()))
	assert.Equal(t, ModeScreenStreaming, f.coord.Mode())
	assert.Eventually(t, func() bool { return f.display.State() == display.StateRunning },
		2*time.Second, 5*time.Millisecond)

	require.NoError(t, f.coord.SendFrame(context.Background(), []byte{0xff}))
	assert.ErrorIs(t, f.coord.CreateBackup("/backups/a"), ErrRejected)

	require.NoError(t, f.coord.StopFullScreenStreaming(context.Background()))
	f.settled(t, ModeReady)
	assert.ErrorIs(t, f.coord.SendFrame(context.Background(), nil), display.ErrNotRunning)
}

func TestCoordinator_ScreenStreamingEndsWithTheLink(t *testing.T) {
	f := newFixture(t, updates.StateNoUpdates)

	require.NoError(t, f.coord.StartFullScreenStreaming(context.Background()))
	assert.Eventually(t, func() bool { return f.display.State() == display.StateRunning },
		2*time.Second, 5*time.Millisecond)

	f.fake.Drop()
	f.settled(t, ModeWaitingForDevices)
	assert.Equal(t, display.StateStopped, f.display.State())
}

func TestCoordinator_RefreshStorageKeepsMode(t *testing.T) {
	f := newFixture(t, updates.StateNoUpdates)
	f.fake.Reply(session.CmdStorageInfo, map[string]any{
		"total_space": float64(1000),
		"free_space":  float64(250),
	})

	require.NoError(t, f.coord.RefreshStorageInfo())
	assert.Equal(t, ModeReady, f.coord.Mode())

	f.settled(t, ModeReady)
	storage := f.coord.Status().Device.Storage
	require.NotEmpty(t, storage)
	assert.Equal(t, uint64(1000), storage[0].TotalBytes)
}

func TestCoordinator_CheckFailure(t *testing.T) {
	f := newFixture(t, updates.StateNoUpdates)
	f.registry.set(updates.StateErrorOccured, errors.New("directory unreachable"))

	require.NoError(t, f.coord.CheckFirmwareUpdates())
	f.settled(t, ModeReady)
	assert.Equal(t, updates.StateErrorOccured, f.coord.FirmwareState())
	assert.Nil(t, f.coord.Err(), "checks never set the procedure error")
}

func TestCoordinator_BusyWhileChecking(t *testing.T) {
	f := newFixture(t, updates.StateNoUpdates)
	release := f.registry.block()

	require.NoError(t, f.coord.CheckFirmwareUpdates())
	assert.True(t, f.coord.Busy())
	assert.Eventually(t, func() bool { return f.coord.FirmwareState() == updates.StateChecking },
		time.Second, 5*time.Millisecond)

	release()
	f.settled(t, ModeReady)
	assert.Equal(t, updates.StateNoUpdates, f.coord.FirmwareState())
}

func TestCoordinator_NotifiesChanges(t *testing.T) {
	f := newFixture(t, updates.StateNoUpdates)
	changes, unsubscribe := f.coord.Subscribe()
	defer unsubscribe()

	require.NoError(t, f.coord.FactoryReset())

	select {
	case <-changes:
	case <-time.After(time.Second):
		t.Fatal("no change notification")
	}
	f.settled(t, ModeFinished)
}
