package display

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/KevinKickass/OpenDeviceCore/internal/session"
	"github.com/KevinKickass/OpenDeviceCore/internal/session/sessiontest"
	"github.com/KevinKickass/OpenDeviceCore/internal/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func eventually(t *testing.T, d *Session, want State) {
	t.Helper()
	assert.Eventually(t, func() bool { return d.State() == want },
		2*time.Second, 5*time.Millisecond, "display never reached %s (now %s)", want, d.State())
}

func TestDisplay_StartFramesStop(t *testing.T) {
	fake := sessiontest.New()
	d := New(fake, zaptest.NewLogger(t))
	defer d.Close()

	updates, unsubscribe := d.Subscribe()
	defer unsubscribe()

	require.NoError(t, d.Start(context.Background(), []byte{0x01}))
	eventually(t, d, StateRunning)

	require.NoError(t, d.SendFrame(context.Background(), []byte{0x02}))
	require.NoError(t, d.Stop(context.Background()))
	eventually(t, d, StateStopped)

	assert.Equal(t, []string{session.CmdDisplayStart, session.CmdDisplayFrame, session.CmdDisplayStop}, fake.Commands())
	assert.Equal(t, []byte{0x01}, fake.Requests()[0].Payload)

	var seen []State
	for len(seen) < 4 {
		select {
		case s := <-updates:
			seen = append(seen, s)
		case <-time.After(time.Second):
			t.Fatalf("missing state updates, got %v", seen)
		}
	}
	assert.Equal(t, []State{StateStarting, StateRunning, StateStopping, StateStopped}, seen)
}

func TestDisplay_SendFrameOutsideRunning(t *testing.T) {
	fake := sessiontest.New()
	d := New(fake, zaptest.NewLogger(t))
	defer d.Close()

	assert.ErrorIs(t, d.SendFrame(context.Background(), []byte{0x01}), ErrNotRunning)
	assert.ErrorIs(t, d.Stop(context.Background()), ErrNotRunning)
	assert.Empty(t, fake.Requests())
	assert.Equal(t, StateStopped, d.State())
}

func TestDisplay_StartWhileActive(t *testing.T) {
	fake := sessiontest.New()
	d := New(fake, zaptest.NewLogger(t))
	defer d.Close()

	require.NoError(t, d.Start(context.Background(), nil))
	eventually(t, d, StateRunning)

	assert.ErrorIs(t, d.Start(context.Background(), nil), ErrActive)
	assert.Len(t, fake.Requests(), 1)
}

func TestDisplay_StartRejected(t *testing.T) {
	fake := sessiontest.New()
	fake.RejectWith(session.CmdDisplayStart, session.StatusErrorBusy)
	d := New(fake, zaptest.NewLogger(t))
	defer d.Close()

	require.NoError(t, d.Start(context.Background(), nil))
	assert.Eventually(t, func() bool { return d.Err() != nil }, 2*time.Second, 5*time.Millisecond)

	assert.Equal(t, StateStopped, d.State())
	assert.Equal(t, types.ErrorProtocolRejected, types.KindOf(d.Err()))
}

func TestDisplay_StartRequiresAttachedDevice(t *testing.T) {
	fake := sessiontest.New()
	fake.Drop()
	d := New(fake, zaptest.NewLogger(t))
	defer d.Close()

	assert.Error(t, d.Start(context.Background(), nil))
	assert.Equal(t, StateStopped, d.State())
	assert.Empty(t, fake.Requests())
}

func TestDisplay_DropStopsRunningDisplay(t *testing.T) {
	fake := sessiontest.New()
	d := New(fake, zaptest.NewLogger(t))
	defer d.Close()

	require.NoError(t, d.Start(context.Background(), nil))
	eventually(t, d, StateRunning)

	fake.Drop()
	eventually(t, d, StateStopped)

	fake.Reattach()
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, StateStopped, d.State(), "reattach alone never restarts the display")
	assert.ErrorIs(t, d.SendFrame(context.Background(), nil), ErrNotRunning)
}

// slowAck makes cmd succeed only after delay, so the caller can return
// before the device answers.
func slowAck(fake *sessiontest.Fake, cmd string, delay time.Duration) {
	fake.Handle(cmd, func(session.Request) (*session.Response, error) {
		time.Sleep(delay)
		return sessiontest.OK(nil), nil
	})
}

func TestDisplay_AckOutlivesCallerContext(t *testing.T) {
	fake := sessiontest.New()
	slowAck(fake, session.CmdDisplayStart, 30*time.Millisecond)
	slowAck(fake, session.CmdDisplayStop, 30*time.Millisecond)
	d := New(fake, zaptest.NewLogger(t))
	defer d.Close()

	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, d.Start(ctx, nil))
	cancel()

	eventually(t, d, StateRunning)
	assert.NoError(t, d.Err())

	ctx, cancel = context.WithCancel(context.Background())
	require.NoError(t, d.Stop(ctx))
	cancel()

	eventually(t, d, StateStopped)
	assert.NoError(t, d.Err())
}

func TestDisplay_StartFromRequestHandler(t *testing.T) {
	fake := sessiontest.New()
	slowAck(fake, session.CmdDisplayStart, 30*time.Millisecond)
	d := New(fake, zaptest.NewLogger(t))
	defer d.Close()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := d.Start(r.Context(), nil); err != nil {
			http.Error(w, err.Error(), http.StatusConflict)
			return
		}
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	resp, err := http.Post(srv.URL, "application/octet-stream", nil)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)

	eventually(t, d, StateRunning)
	assert.NoError(t, d.Err())
}

func TestDisplay_CancelledCallerIsRefused(t *testing.T) {
	fake := sessiontest.New()
	d := New(fake, zaptest.NewLogger(t))
	defer d.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	assert.ErrorIs(t, d.Start(ctx, nil), context.Canceled)
	assert.Equal(t, StateStopped, d.State())
	assert.Empty(t, fake.Requests())
}

func TestDisplay_CloseAbandonsPendingStart(t *testing.T) {
	fake := sessiontest.New()
	fake.Handle(session.CmdDisplayStart, func(session.Request) (*session.Response, error) {
		time.Sleep(time.Second)
		return sessiontest.OK(nil), nil
	})
	d := New(fake, zaptest.NewLogger(t))

	require.NoError(t, d.Start(context.Background(), nil))

	closed := make(chan struct{})
	go func() {
		d.Close()
		close(closed)
	}()

	select {
	case <-closed:
	case <-time.After(500 * time.Millisecond):
		t.Fatal("Close waited for the device to answer")
	}
	assert.Equal(t, types.ErrorCancelled, types.KindOf(d.Err()))
}

// manualSession hands out result channels the test completes by hand.
type manualSession struct {
	mu      sync.Mutex
	results []chan session.Result
	states  chan session.ConnectionState
}

func newManualSession() *manualSession {
	return &manualSession{states: make(chan session.ConnectionState, 8)}
}

func (m *manualSession) Send(ctx context.Context, req session.Request) <-chan session.Result {
	ch := make(chan session.Result, 1)
	m.mu.Lock()
	m.results = append(m.results, ch)
	m.mu.Unlock()
	return ch
}

func (m *manualSession) State() session.ConnectionState { return session.Attached }

func (m *manualSession) Subscribe() (<-chan session.ConnectionState, func()) {
	return m.states, func() {}
}

func (m *manualSession) answer(i int, err error) {
	m.mu.Lock()
	ch := m.results[i]
	m.mu.Unlock()
	ch <- session.Result{Response: sessiontest.OK(nil), Err: err}
}

func (m *manualSession) sent() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.results)
}

func TestDisplay_LateAckFromDroppedStartIsIgnored(t *testing.T) {
	sess := newManualSession()
	d := New(sess, zaptest.NewLogger(t))

	require.NoError(t, d.Start(context.Background(), nil))
	assert.Equal(t, StateStarting, d.State())

	sess.states <- session.Detached
	eventually(t, d, StateStopped)

	require.NoError(t, d.Start(context.Background(), nil))
	require.Equal(t, 2, sess.sent())

	// the first start is acknowledged only now
	sess.answer(0, nil)
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, StateStarting, d.State())

	sess.answer(1, nil)
	eventually(t, d, StateRunning)

	d.Close()
}

func TestDisplay_StopDuringStart(t *testing.T) {
	sess := newManualSession()
	d := New(sess, zaptest.NewLogger(t))

	require.NoError(t, d.Start(context.Background(), nil))
	require.NoError(t, d.Stop(context.Background()))
	assert.Equal(t, StateStopping, d.State())

	sess.answer(0, nil)
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, StateStopping, d.State(), "start ack after stop does not resume")

	sess.answer(1, nil)
	eventually(t, d, StateStopped)

	d.Close()
}

func TestValidateTransition(t *testing.T) {
	assert.NoError(t, ValidateTransition(StateStopped, StateStarting))
	assert.NoError(t, ValidateTransition(StateRunning, StateStopped))
	assert.Error(t, ValidateTransition(StateStopped, StateRunning))
	assert.Error(t, ValidateTransition(StateStopping, StateRunning))
}
