// Package backend is the single entry point of the presentation layer. The
// Coordinator owns the backend mode: every user action is checked against
// it, and at most one procedure runs at a time.
package backend

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/KevinKickass/OpenDeviceCore/internal/device"
	"github.com/KevinKickass/OpenDeviceCore/internal/display"
	"github.com/KevinKickass/OpenDeviceCore/internal/operation"
	"github.com/KevinKickass/OpenDeviceCore/internal/session"
	"github.com/KevinKickass/OpenDeviceCore/internal/types"
	"github.com/KevinKickass/OpenDeviceCore/internal/updates"
	"github.com/KevinKickass/OpenDeviceCore/internal/utility"
	"github.com/KevinKickass/OpenDeviceCore/internal/workflow"
	"go.uber.org/zap"
)

var (
	ErrRejected = errors.New("action rejected")
	ErrUpToDate = errors.New("device firmware is up to date")
)

const DefaultCheckTimeout = 30 * time.Second

// Registry is the update directory as seen by the coordinator.
type Registry interface {
	workflow.Registry
	Channel() string
	Records() []updates.DeviceRecord
}

type Deps struct {
	Session  session.Session
	Runner   *operation.Runner
	Catalog  *utility.Catalog
	Registry Registry
	Device   *device.State
	Display  *display.Session
	Logger   *zap.Logger

	// Port names the link the device is attached through.
	Port func() string

	WorkDir          string
	ReconnectTimeout time.Duration
	CheckTimeout     time.Duration
	// AutoCheck checks the update directory whenever a device is
	// identified.
	AutoCheck bool
	Observers []operation.Observer
}

type Coordinator struct {
	deps   Deps
	logger *zap.Logger

	mu            sync.RWMutex
	mode          Mode
	firmware      updates.FirmwareState
	latest        string
	lastErr       *types.Error
	busy          int
	current       *operation.Machine
	cancelCurrent func()
	changedAt     time.Time

	listenersMu sync.RWMutex
	listeners   []chan struct{}

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewCoordinator(deps Deps) *Coordinator {
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	if deps.CheckTimeout <= 0 {
		deps.CheckTimeout = DefaultCheckTimeout
	}

	ctx, cancel := context.WithCancel(context.Background())
	c := &Coordinator{
		deps:      deps,
		logger:    deps.Logger,
		mode:      ModeWaitingForDevices,
		firmware:  updates.StateUnknown,
		changedAt: time.Now(),
		ctx:       ctx,
		cancel:    cancel,
	}

	links, stopLinks := deps.Session.Subscribe()
	devices, stopDevices := deps.Device.Subscribe()
	c.wg.Add(2)
	go c.watchLink(links, stopLinks)
	go c.forward(devices, stopDevices)

	if deps.Display != nil {
		screens, stopScreens := deps.Display.Subscribe()
		c.wg.Add(1)
		go c.watchDisplay(screens, stopScreens)
	}

	if deps.Session.State() == session.Attached {
		c.onAttached()
	}

	return c
}

// Close stops the background watchers. Running procedures are left to the
// runner.
func (c *Coordinator) Close() {
	c.cancel()
	c.wg.Wait()
}

func (c *Coordinator) Mode() Mode {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.mode
}

// Err is the classification of the last failed procedure.
func (c *Coordinator) Err() *types.Error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.lastErr
}

func (c *Coordinator) FirmwareState() updates.FirmwareState {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.firmware
}

func (c *Coordinator) Busy() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.busy > 0
}

func (c *Coordinator) Status() Status {
	c.mu.RLock()
	status := Status{
		Mode:            c.mode,
		FirmwareState:   c.firmware,
		LatestVersion:   c.latest,
		Busy:            c.busy > 0,
		Error:           c.lastErr,
		LastStateChange: c.changedAt,
	}
	if c.current != nil {
		snap := c.current.Snapshot()
		status.Operation = &snap
	}
	c.mu.RUnlock()

	status.Channel = c.deps.Registry.Channel()
	status.Device = c.deps.Device.Snapshot()
	if c.deps.Display != nil {
		status.Display = c.deps.Display.State()
	}
	return status
}

// Records lists the update check made for every device seen so far.
func (c *Coordinator) Records() []updates.DeviceRecord {
	return c.deps.Registry.Records()
}

// Subscribe signals after every observable change. It carries no value;
// re-read Status.
func (c *Coordinator) Subscribe() (<-chan struct{}, func()) {
	ch := make(chan struct{}, 1)

	c.listenersMu.Lock()
	c.listeners = append(c.listeners, ch)
	c.listenersMu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			c.listenersMu.Lock()
			defer c.listenersMu.Unlock()
			for i, listener := range c.listeners {
				if listener == ch {
					c.listeners = append(c.listeners[:i], c.listeners[i+1:]...)
					close(ch)
					break
				}
			}
		})
	}
}

func (c *Coordinator) notify() {
	c.listenersMu.RLock()
	defer c.listenersMu.RUnlock()

	for _, listener := range c.listeners {
		select {
		case listener <- struct{}{}:
		default:
		}
	}
}

func (c *Coordinator) setModeLocked(mode Mode) {
	if c.mode == mode {
		return
	}
	c.logger.Info("Backend mode changed",
		zap.Stringer("from", c.mode),
		zap.Stringer("to", mode))
	c.mode = mode
	c.changedAt = time.Now()
}

// begin claims the backend for action. It fails with ErrRejected, leaving
// the mode untouched, unless the backend is Ready or Finished.
func (c *Coordinator) begin(action Action, target Mode) error {
	c.mu.Lock()
	if !c.mode.Idle() {
		current := c.mode
		c.mu.Unlock()
		c.logger.Warn("Action rejected",
			zap.String("action", string(action)),
			zap.Stringer("mode", current))
		return fmt.Errorf("cannot %s: backend must be ready or finished (current: %s): %w", action, current, ErrRejected)
	}
	c.lastErr = nil
	c.setModeLocked(target)
	c.mu.Unlock()

	c.notify()
	return nil
}

// MainAction updates a device that has an update available and repairs a
// device in recovery mode. Anything else is reported as ErrUpToDate.
func (c *Coordinator) MainAction() error {
	c.mu.RLock()
	state := c.firmware
	c.mu.RUnlock()

	switch state {
	case updates.StateCanUpdate, updates.StateCanInstall:
		if err := c.begin(ActionMain, ModeUpdatingDevice); err != nil {
			return err
		}
		w := workflow.NewUpdateWorkflow(c.workflowDeps())
		c.track(w.Machine, w.Cancel)
		w.Start()
	case updates.StateCanRepair:
		if err := c.begin(ActionMain, ModeRepairingDevice); err != nil {
			return err
		}
		w := workflow.NewRepairWorkflow(c.workflowDeps())
		c.track(w.Machine, w.Cancel)
		w.Start()
	default:
		if mode := c.Mode(); !mode.Idle() {
			return fmt.Errorf("cannot %s: backend must be ready or finished (current: %s): %w", ActionMain, mode, ErrRejected)
		}
		c.logger.Info("Main action has nothing to do", zap.Stringer("firmware_state", state))
		return fmt.Errorf("firmware state %s: %w", state, ErrUpToDate)
	}
	return nil
}

func (c *Coordinator) CreateBackup(dest string) error {
	if err := c.begin(ActionCreateBackup, ModeCreatingBackup); err != nil {
		return err
	}
	c.trackOperation(c.deps.Catalog.BackupInternalStorage(dest))
	return nil
}

func (c *Coordinator) RestoreBackup(src string) error {
	if err := c.begin(ActionRestoreBackup, ModeRestoringBackup); err != nil {
		return err
	}
	c.trackOperation(c.deps.Catalog.RestoreInternalStorage(src))
	return nil
}

func (c *Coordinator) FactoryReset() error {
	if err := c.begin(ActionFactoryReset, ModeFactoryResetting); err != nil {
		return err
	}
	c.trackOperation(c.deps.Catalog.FactoryReset())
	return nil
}

func (c *Coordinator) InstallFirmware(image string) error {
	if err := c.begin(ActionInstallFirmware, ModeInstallingFirmware); err != nil {
		return err
	}
	c.trackOperation(c.deps.Catalog.InstallFirmware(image))
	return nil
}

func (c *Coordinator) InstallWirelessStack(image string) error {
	if err := c.begin(ActionInstallWirelessStack, ModeInstallingWirelessStack); err != nil {
		return err
	}
	c.trackOperation(c.deps.Catalog.InstallWirelessStack(image))
	return nil
}

func (c *Coordinator) InstallFUS(image string, address uint32) error {
	if err := c.begin(ActionInstallFUS, ModeInstallingFUS); err != nil {
		return err
	}
	c.trackOperation(c.deps.Catalog.InstallFUS(image, address))
	return nil
}

// StartFullScreenStreaming starts mirroring. The backend returns to Ready
// when the display stops, whatever the reason.
func (c *Coordinator) StartFullScreenStreaming(ctx context.Context) error {
	if c.deps.Display == nil {
		return fmt.Errorf("cannot %s: no display configured: %w", ActionStartStreaming, ErrRejected)
	}
	if err := c.begin(ActionStartStreaming, ModeScreenStreaming); err != nil {
		return err
	}

	if err := c.deps.Display.Start(ctx, nil); err != nil {
		c.mu.Lock()
		if c.mode == ModeScreenStreaming {
			c.setModeLocked(c.restingModeLocked())
		}
		c.mu.Unlock()
		c.notify()
		return fmt.Errorf("failed to start screen streaming: %w", err)
	}
	return nil
}

func (c *Coordinator) StopFullScreenStreaming(ctx context.Context) error {
	if mode := c.Mode(); mode != ModeScreenStreaming {
		return fmt.Errorf("cannot %s: screen is not streaming (current: %s): %w", ActionStopStreaming, mode, ErrRejected)
	}
	return c.deps.Display.Stop(ctx)
}

// SendFrame forwards one frame to the running display.
func (c *Coordinator) SendFrame(ctx context.Context, frame []byte) error {
	if c.deps.Display == nil {
		return display.ErrNotRunning
	}
	return c.deps.Display.SendFrame(ctx, frame)
}

// RefreshStorageInfo re-reads the storage volumes. The mode does not
// change; the busy flag is raised until the answer arrives.
func (c *Coordinator) RefreshStorageInfo() error {
	if err := c.query(ActionRefreshStorage); err != nil {
		return err
	}

	op := c.deps.Catalog.RefreshStorageInfo()
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		defer c.release()
		if err := op.Wait(c.ctx); err != nil {
			c.logger.Warn("Storage refresh failed", zap.Error(err))
		}
	}()
	return nil
}

// CheckFirmwareUpdates re-reads the update directory for the attached
// device. Like RefreshStorageInfo it only raises the busy flag.
func (c *Coordinator) CheckFirmwareUpdates() error {
	if err := c.query(ActionCheckUpdates); err != nil {
		return err
	}
	c.startCheck()
	return nil
}

// FinalizeOperation acknowledges the outcome of the last procedure and
// clears its error.
func (c *Coordinator) FinalizeOperation() error {
	c.mu.Lock()
	if c.mode != ModeFinished && c.mode != ModeErrorOccured {
		current := c.mode
		c.mu.Unlock()
		return fmt.Errorf("cannot %s: no finished procedure (current: %s): %w", ActionFinalize, current, ErrRejected)
	}
	c.lastErr = nil
	c.setModeLocked(c.restingModeLocked())
	c.mu.Unlock()

	c.notify()
	return nil
}

// CancelOperation asks the running procedure to stop at its next step
// boundary.
func (c *Coordinator) CancelOperation() error {
	c.mu.RLock()
	cancel := c.cancelCurrent
	mode := c.mode
	c.mu.RUnlock()

	if cancel == nil {
		return fmt.Errorf("cannot cancel: no procedure running (current: %s): %w", mode, ErrRejected)
	}
	cancel()
	c.logger.Info("Procedure cancellation requested", zap.Stringer("mode", mode))
	return nil
}

// query gates refresh and check actions. They need the same modes as a
// procedure but leave the mode alone.
func (c *Coordinator) query(action Action) error {
	c.mu.Lock()
	if !c.mode.Idle() {
		current := c.mode
		c.mu.Unlock()
		return fmt.Errorf("cannot %s: backend must be ready or finished (current: %s): %w", action, current, ErrRejected)
	}
	c.busy++
	c.mu.Unlock()

	c.notify()
	return nil
}

func (c *Coordinator) release() {
	c.mu.Lock()
	if c.busy > 0 {
		c.busy--
	}
	c.mu.Unlock()
	c.notify()
}

// restingModeLocked is where the backend goes when nothing runs.
func (c *Coordinator) restingModeLocked() Mode {
	if c.deps.Session.State() == session.Attached {
		return ModeReady
	}
	return ModeWaitingForDevices
}

func (c *Coordinator) workflowDeps() workflow.Deps {
	return workflow.Deps{
		Catalog:          c.deps.Catalog,
		Registry:         c.deps.Registry,
		Session:          c.deps.Session,
		Device:           c.deps.Device,
		Logger:           c.logger,
		WorkDir:          c.deps.WorkDir,
		ReconnectTimeout: c.deps.ReconnectTimeout,
		Observers:        c.deps.Observers,
	}
}

func (c *Coordinator) trackOperation(op operation.Operation) {
	m := op.Base()
	c.track(m, m.Cancel)
}

// track makes m the running procedure and follows it to its end.
func (c *Coordinator) track(m *operation.Machine, cancel func()) {
	c.mu.Lock()
	c.current = m
	c.cancelCurrent = cancel
	c.mu.Unlock()

	c.wg.Add(1)
	go c.monitor(m)
}

func (c *Coordinator) monitor(m *operation.Machine) {
	defer c.wg.Done()

	snapshots, stop := m.Watch()
	defer stop()

	for {
		select {
		case _, ok := <-snapshots:
			if !ok {
				<-m.Done()
				c.complete(m)
				return
			}
			c.notify()
		case <-c.ctx.Done():
			return
		}
	}
}

// complete moves the backend to Finished or ErrorOccured for m's outcome.
func (c *Coordinator) complete(m *operation.Machine) {
	snap := m.Snapshot()

	c.mu.Lock()
	if c.current != m {
		c.mu.Unlock()
		return
	}
	c.current = nil
	c.cancelCurrent = nil
	if snap.Error != nil {
		c.lastErr = snap.Error
		c.setModeLocked(ModeErrorOccured)
	} else {
		c.setModeLocked(ModeFinished)
	}
	c.mu.Unlock()

	if snap.Error != nil {
		c.logger.Warn("Procedure failed",
			zap.String("operation_id", snap.ID.String()),
			zap.String("kind", string(snap.Kind)),
			zap.Stringer("error_kind", snap.Error.Kind),
			zap.String("error", snap.Error.Message))
	} else {
		c.logger.Info("Procedure finished",
			zap.String("operation_id", snap.ID.String()),
			zap.String("kind", string(snap.Kind)))
	}
	c.notify()

	switch {
	case !c.deps.Device.Attached():
	case unidentified(c.deps.Device.Info()):
		// The device came back while the procedure still owned it.
		c.mu.Lock()
		c.busy++
		c.mu.Unlock()
		c.wg.Add(1)
		go c.identify()
	case snap.Error == nil && c.deps.AutoCheck && changesFirmware(snap.Kind):
		c.mu.Lock()
		c.busy++
		c.mu.Unlock()
		c.startCheck()
	}
}

func unidentified(info types.DeviceInfo) bool {
	return info.Name == "" && info.SerialNumber == ""
}

func changesFirmware(kind operation.Kind) bool {
	switch kind {
	case operation.KindUpdateWorkflow, operation.KindRepairWorkflow, operation.KindInstallFirmware:
		return true
	default:
		return false
	}
}

// startCheck runs an update check in the background. The caller has
// already raised the busy flag.
func (c *Coordinator) startCheck() {
	c.mu.Lock()
	c.firmware = updates.StateChecking
	c.mu.Unlock()
	c.notify()

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		defer c.release()

		ctx, cancel := context.WithTimeout(c.ctx, c.deps.CheckTimeout)
		defer cancel()

		verdict, err := c.deps.Registry.Check(ctx, c.deps.Device.Info())

		c.mu.Lock()
		defer c.mu.Unlock()
		switch {
		case err != nil:
			c.firmware = updates.StateErrorOccured
			c.logger.Warn("Firmware update check failed", zap.Error(err))
		case !c.deps.Device.Attached():
			c.firmware = updates.StateUnknown
		default:
			c.firmware = verdict.State
			if verdict.Latest != nil {
				c.latest = verdict.Latest.Version
			}
			c.logger.Info("Firmware update check finished",
				zap.Stringer("state", verdict.State),
				zap.String("latest_version", c.latest))
		}
	}()
}

func (c *Coordinator) onAttached() {
	port := ""
	if c.deps.Port != nil {
		port = c.deps.Port()
	}
	c.deps.Device.SetAttached(port, true)

	if mode := c.Mode(); mode.Procedure() {
		// The procedure waits for the device itself.
		c.logger.Debug("Device returned during procedure", zap.Stringer("mode", mode))
		return
	}

	c.mu.Lock()
	c.busy++
	c.mu.Unlock()
	c.notify()

	c.wg.Add(1)
	go c.identify()
}

// identify reads the device description and, once known, makes the
// backend Ready.
func (c *Coordinator) identify() {
	defer c.wg.Done()

	op := c.deps.Catalog.FetchDeviceInfo()
	if err := op.Wait(c.ctx); err != nil {
		c.logger.Warn("Failed to identify device", zap.Error(err))
		c.release()
		return
	}
	info := op.Info()

	c.mu.Lock()
	if c.mode == ModeWaitingForDevices {
		c.setModeLocked(ModeReady)
	}
	if info.Recovery {
		c.firmware = updates.StateCanRepair
	}
	c.mu.Unlock()

	c.logger.Info("Device identified",
		zap.String("name", info.Name),
		zap.String("firmware_version", info.FirmwareVersion),
		zap.Bool("recovery", info.Recovery))

	if c.deps.AutoCheck {
		// busy is handed over to the check.
		c.startCheck()
		return
	}
	c.release()
}

func (c *Coordinator) onDetached() {
	c.deps.Device.SetAttached("", false)

	c.mu.Lock()
	if !c.mode.Procedure() {
		c.firmware = updates.StateUnknown
	}
	if c.mode == ModeReady || c.mode == ModeScreenStreaming {
		c.setModeLocked(ModeWaitingForDevices)
	}
	c.mu.Unlock()
	c.notify()
}

func (c *Coordinator) watchLink(states <-chan session.ConnectionState, unsubscribe func()) {
	defer c.wg.Done()
	defer unsubscribe()

	for {
		select {
		case st, ok := <-states:
			if !ok {
				return
			}
			if st == session.Attached {
				c.onAttached()
			} else {
				c.onDetached()
			}
		case <-c.ctx.Done():
			return
		}
	}
}

func (c *Coordinator) watchDisplay(states <-chan display.State, unsubscribe func()) {
	defer c.wg.Done()
	defer unsubscribe()

	for {
		select {
		case st, ok := <-states:
			if !ok {
				return
			}
			if st == display.StateStopped {
				c.mu.Lock()
				if c.mode == ModeScreenStreaming {
					c.setModeLocked(c.restingModeLocked())
				}
				c.mu.Unlock()
				if err := c.deps.Display.Err(); err != nil {
					c.logger.Warn("Screen streaming ended with error", zap.Error(err))
				}
			}
			c.notify()
		case <-c.ctx.Done():
			return
		}
	}
}

func (c *Coordinator) forward(changes <-chan struct{}, unsubscribe func()) {
	defer c.wg.Done()
	defer unsubscribe()

	for {
		select {
		case _, ok := <-changes:
			if !ok {
				return
			}
			c.notify()
		case <-c.ctx.Done():
			return
		}
	}
}
