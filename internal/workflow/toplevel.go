// Package workflow composes catalog operations into the composite
// procedures the user starts as one action: first the update directory is
// checked, then the procedure's own steps run one after another through
// the shared runner.
package workflow

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/KevinKickass/OpenDeviceCore/internal/device"
	"github.com/KevinKickass/OpenDeviceCore/internal/operation"
	"github.com/KevinKickass/OpenDeviceCore/internal/session"
	"github.com/KevinKickass/OpenDeviceCore/internal/types"
	"github.com/KevinKickass/OpenDeviceCore/internal/updates"
	"github.com/KevinKickass/OpenDeviceCore/internal/utility"
	"go.uber.org/zap"
)

const (
	StateCheckingForUpdates operation.State = operation.StateUser + iota
	StateRunningCustomOperation
)

const DefaultReconnectTimeout = 2 * time.Minute

// Registry answers update checks and downloads published files.
type Registry interface {
	Check(ctx context.Context, info types.DeviceInfo) (updates.Verdict, error)
	Download(ctx context.Context, file updates.FileInfo) (string, error)
}

// Deps are the collaborators a workflow borrows from its owner.
type Deps struct {
	Catalog  *utility.Catalog
	Registry Registry
	Session  session.Session
	Device   *device.State
	Logger   *zap.Logger

	// WorkDir holds downloads, extracted packages and backups.
	WorkDir          string
	ReconnectTimeout time.Duration
	Observers        []operation.Observer
}

// Step is one stage of the custom phase.
type Step struct {
	Name string
	Run  func(ctx context.Context) error
}

// planFunc builds the custom phase from the check result. An error ends
// the workflow before any step runs.
type planFunc func(v updates.Verdict) ([]Step, error)

// TopLevel runs CheckingForUpdates then RunningCustomOperation. It is not
// queued itself; it feeds its operations to the runner one at a time and
// waits for each.
type TopLevel struct {
	*operation.Machine
	deps Deps
	plan planFunc

	ctx    context.Context
	cancel context.CancelFunc
	once   sync.Once

	mu      sync.Mutex
	verdict updates.Verdict
	step    string
	current *operation.Machine

	states      <-chan session.ConnectionState
	unsubscribe func()
}

func newTopLevel(kind operation.Kind, description string, deps Deps, plan planFunc) *TopLevel {
	if deps.ReconnectTimeout <= 0 {
		deps.ReconnectTimeout = DefaultReconnectTimeout
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &TopLevel{
		Machine: operation.NewMachine(kind, description, "CheckingForUpdates", "RunningCustomOperation"),
		deps:    deps,
		plan:    plan,
		ctx:     ctx,
		cancel:  cancel,
	}
}

// Start runs the workflow asynchronously. Calling it again has no effect.
func (w *TopLevel) Start() {
	w.once.Do(func() {
		go w.run()
	})
}

// Cancel stops the workflow at the next step boundary. The operation in
// flight is asked to stop at its own next state boundary.
func (w *TopLevel) Cancel() {
	w.Machine.Cancel()
	w.cancel()

	w.mu.Lock()
	current := w.current
	w.mu.Unlock()
	if current != nil {
		current.Cancel()
	}
}

// Verdict is the result of the update check.
func (w *TopLevel) Verdict() updates.Verdict {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.verdict
}

// CurrentStep names the step being executed.
func (w *TopLevel) CurrentStep() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.step
}

func (w *TopLevel) run() {
	defer w.cancel()

	logger := w.deps.Logger.With(
		zap.String("workflow_id", w.ID().String()),
		zap.String("kind", string(w.Kind())))

	snap := w.Snapshot()
	for _, o := range w.deps.Observers {
		o.OperationStarted(snap)
	}
	defer func() {
		snap := w.Snapshot()
		for _, o := range w.deps.Observers {
			o.OperationFinished(snap)
		}
	}()

	logger.Info("Workflow started")

	w.SetState(StateCheckingForUpdates)
	info := w.deps.Device.Info()
	verdict, err := w.deps.Registry.Check(w.ctx, info)
	if err != nil {
		w.FailWith(types.WrapError(types.KindOf(err), err, "update check failed"))
		logger.Warn("Workflow check failed", zap.Error(err))
		return
	}

	w.mu.Lock()
	w.verdict = verdict
	w.mu.Unlock()

	steps, err := w.plan(verdict)
	if err != nil {
		w.FailWith(err)
		logger.Warn("Workflow not applicable", zap.Error(err))
		return
	}

	w.SetState(StateRunningCustomOperation)
	if w.deps.Session != nil {
		w.states, w.unsubscribe = w.deps.Session.Subscribe()
		defer w.unsubscribe()
	}

	for i, step := range steps {
		if w.Cancelled() {
			w.FinishEarly(types.ErrorCancelled, "%s cancelled before %s", w.Kind(), step.Name)
			logger.Info("Workflow cancelled", zap.String("step", step.Name))
			return
		}

		w.mu.Lock()
		w.step = step.Name
		w.mu.Unlock()

		logger.Info("Workflow step started",
			zap.Int("step_index", i),
			zap.String("step", step.Name))

		if err := step.Run(w.ctx); err != nil {
			w.FailWith(types.WrapError(types.KindOf(err), err, "step %s failed", step.Name))
			logger.Warn("Workflow step failed",
				zap.Int("step_index", i),
				zap.String("step", step.Name),
				zap.Stringer("error_kind", types.KindOf(err)),
				zap.Error(err))
			return
		}

		w.SetProgress(float64(i+1) / float64(len(steps)) * 100)
	}

	w.Finish()
	logger.Info("Workflow finished")
}

// await runs op to completion and returns its classified error.
func (w *TopLevel) await(op operation.Operation) error {
	m := op.Base()

	w.mu.Lock()
	w.current = m
	w.mu.Unlock()
	defer func() {
		w.mu.Lock()
		w.current = nil
		w.mu.Unlock()
	}()

	if w.Cancelled() {
		m.Cancel()
	}

	<-m.Done()
	return m.Err()
}

// waitForDevice blocks until the link has dropped and come back, then
// refreshes the device info.
func (w *TopLevel) waitForDevice(ctx context.Context) error {
	if w.states == nil {
		return types.NewError(types.ErrorDeviceUnavailable, "no session to wait on")
	}

	ctx, cancel := context.WithTimeout(ctx, w.deps.ReconnectTimeout)
	defer cancel()

	detached := false
	for !detached || w.deps.Session.State() != session.Attached {
		select {
		case st, ok := <-w.states:
			if !ok {
				return types.NewError(types.ErrorDeviceUnavailable, "session closed while waiting for device")
			}
			if st == session.Detached {
				detached = true
			}
		case <-ctx.Done():
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return types.NewError(types.ErrorDeviceUnavailable,
					"device did not return within %s", w.deps.ReconnectTimeout)
			}
			return types.WrapError(types.ErrorCancelled, ctx.Err(), "waiting for device")
		}
	}

	w.deps.Logger.Info("Device returned", zap.String("workflow_id", w.ID().String()))
	return w.await(w.deps.Catalog.FetchDeviceInfo())
}

// discardLinkChanges forgets link changes already delivered, so a later
// waitForDevice only sees a restart that begins after this point.
func (w *TopLevel) discardLinkChanges() {
	for {
		select {
		case _, ok := <-w.states:
			if !ok {
				return
			}
		default:
			return
		}
	}
}

// download fetches the file of fileType for the attached hardware target.
func (w *TopLevel) download(ctx context.Context, v updates.Verdict, fileType string) (string, error) {
	if v.Latest == nil {
		return "", types.NewError(types.ErrorPrecondition, "no %s version published", v.Channel)
	}
	target := updates.TargetName(w.deps.Device.Info().HardwareTarget)
	file, ok := v.Latest.File(fileType, target)
	if !ok {
		return "", types.NewError(types.ErrorPrecondition,
			"version %s has no %s for target %s", v.Latest.Version, fileType, target)
	}
	return w.deps.Registry.Download(ctx, file)
}
