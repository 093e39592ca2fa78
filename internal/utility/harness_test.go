package utility

import (
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/KevinKickass/OpenDeviceCore/internal/device"
	"github.com/KevinKickass/OpenDeviceCore/internal/operation"
	"github.com/KevinKickass/OpenDeviceCore/internal/session"
	"github.com/KevinKickass/OpenDeviceCore/internal/session/sessiontest"
	"github.com/spf13/afero"
	"go.uber.org/zap/zaptest"
)

type harness struct {
	fake    *sessiontest.Fake
	devfs   *sessiontest.Storage
	fs      afero.Fs
	state   *device.State
	runner  *operation.Runner
	catalog *Catalog
}

func newHarness(t *testing.T, opts ...Option) *harness {
	t.Helper()

	logger := zaptest.NewLogger(t)
	h := &harness{
		fake:  sessiontest.New(),
		devfs: sessiontest.NewStorage(),
		fs:    afero.NewMemMapFs(),
		state: device.NewState(logger),
	}
	h.devfs.Install(h.fake)
	h.runner = operation.NewRunner(h.fake, logger)
	t.Cleanup(h.runner.Close)

	opts = append([]Option{WithFs(h.fs), WithChunkSize(4)}, opts...)
	h.catalog = NewCatalog(h.runner, h.state, logger, opts...)
	return h
}

func (h *harness) writeLocal(t *testing.T, name, content string) {
	t.Helper()
	if err := afero.WriteFile(h.fs, name, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
}

// restartsOn makes cmd re-enumerate the device shortly after the
// acknowledgement. The counter tells how many times the device went away.
func (h *harness) restartsOn(cmd string) *atomic.Int32 {
	var restarts atomic.Int32
	h.fake.Handle(cmd, func(session.Request) (*session.Response, error) {
		go func() {
			time.Sleep(20 * time.Millisecond)
			h.fake.Drop()
			restarts.Add(1)
			time.Sleep(20 * time.Millisecond)
			h.fake.Reattach()
		}()
		return sessiontest.OK(nil), nil
	})
	return &restarts
}

func (h *harness) commandCount(cmd string) int {
	n := 0
	for _, c := range h.fake.Commands() {
		if c == cmd {
			n++
		}
	}
	return n
}

func wait(t *testing.T, op operation.Operation) *operation.Machine {
	t.Helper()
	m := op.Base()
	select {
	case <-m.Done():
	case <-time.After(3 * time.Second):
		t.Fatalf("%s did not finish (state %s)", m.Kind(), m.StateName(m.State()))
	}
	return m
}

func hasPrefix(cmds []string, prefix string) bool {
	for _, c := range cmds {
		if strings.HasPrefix(c, prefix) {
			return true
		}
	}
	return false
}
