// Package backendtest wires a real Coordinator to an in-memory session so
// the API layers can be exercised end to end.
package backendtest

import (
	"context"
	"testing"
	"time"

	"github.com/KevinKickass/OpenDeviceCore/internal/backend"
	"github.com/KevinKickass/OpenDeviceCore/internal/device"
	"github.com/KevinKickass/OpenDeviceCore/internal/display"
	"github.com/KevinKickass/OpenDeviceCore/internal/operation"
	"github.com/KevinKickass/OpenDeviceCore/internal/session"
	"github.com/KevinKickass/OpenDeviceCore/internal/session/sessiontest"
	"github.com/KevinKickass/OpenDeviceCore/internal/types"
	"github.com/KevinKickass/OpenDeviceCore/internal/updates"
	"github.com/KevinKickass/OpenDeviceCore/internal/utility"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

// Rig is a Ready coordinator backed by a scripted device.
type Rig struct {
	Fake        *sessiontest.Fake
	Display     *display.Session
	Coordinator *backend.Coordinator
}

// New builds a rig and waits until the device is identified. Everything is
// torn down with the test.
func New(t testing.TB) *Rig {
	t.Helper()

	logger := zaptest.NewLogger(t)
	fake := sessiontest.New()
	fake.Reply(session.CmdDeviceInfo, map[string]any{
		"hardware_name":    "Anana",
		"hardware_uid":     "2C4F0E1A",
		"hardware_target":  float64(7),
		"firmware_version": "0.98.3",
		"firmware_branch":  "release",
	})

	state := device.NewState(logger)
	runner := operation.NewRunner(fake, logger)
	catalog := utility.NewCatalog(runner, state, logger, utility.WithFs(afero.NewMemMapFs()))
	screen := display.New(fake, logger)

	coord := backend.NewCoordinator(backend.Deps{
		Session:  fake,
		Runner:   runner,
		Catalog:  catalog,
		Registry: upToDate{},
		Device:   state,
		Display:  screen,
		Logger:   logger,
		Port:     func() string { return "/dev/ttyACM0" },
		WorkDir:  "/work",
	})
	t.Cleanup(func() {
		coord.Close()
		screen.Close()
		runner.Close()
	})

	require.Eventually(t, func() bool {
		return coord.Mode() == backend.ModeReady && !coord.Busy()
	}, 2*time.Second, 5*time.Millisecond, "backend never became ready (now %s)", coord.Mode())

	return &Rig{Fake: fake, Display: screen, Coordinator: coord}
}

// AckAfter makes cmd succeed only after delay, so a caller returns before
// the device answers.
func (r *Rig) AckAfter(cmd string, delay time.Duration) {
	r.Fake.Handle(cmd, func(session.Request) (*session.Response, error) {
		time.Sleep(delay)
		return sessiontest.OK(nil), nil
	})
}

type upToDate struct{}

func (upToDate) Check(context.Context, types.DeviceInfo) (updates.Verdict, error) {
	return updates.Verdict{State: updates.StateNoUpdates, Channel: "release"}, nil
}

func (upToDate) Download(context.Context, updates.FileInfo) (string, error) {
	return "", types.NewError(types.ErrorUnknown, "downloads are not served here")
}

func (upToDate) Channel() string { return "release" }

func (upToDate) Records() []updates.DeviceRecord { return nil }
