package operation

import (
	"context"
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

const (
	stateExchanging State = StateUser + iota
)

// scriptOp sends its commands in order and finishes after the last reply.
type scriptOp struct {
	*Machine
	commands []string
	next     int
}

func newScriptOp(kind Kind, commands ...string) *scriptOp {
	return &scriptOp{
		Machine:  NewMachine(kind, string(kind), "Exchanging"),
		commands: commands,
	}
}

func (o *scriptOp) Advance(_ context.Context, ev Event) {
	if o.Fail(ev) {
		return
	}
	if o.next == len(o.commands) {
		o.Finish()
		return
	}
	o.SetState(stateExchanging)
	o.Send(session.Request{Command: o.commands[o.next]})
	o.next++
}

// stallOp never issues a request.
type stallOp struct{ *Machine }

func (o *stallOp) Advance(context.Context, Event) {}

type recorder struct {
	mu        sync.Mutex
	active    int
	maxActive int
	started   []Kind
	finished  []Snapshot
}

func (r *recorder) OperationStarted(snap Snapshot) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.active++
	if r.active > r.maxActive {
		r.maxActive = r.active
	}
	r.started = append(r.started, snap.Kind)
}

func (r *recorder) OperationFinished(snap Snapshot) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if snap.StartedAt != nil {
		r.active--
	}
	r.finished = append(r.finished, snap)
}

func (r *recorder) finishedCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.finished)
}

func waitDone(t *testing.T, m *Machine) {
	t.Helper()
	select {
	case <-m.Done():
	case <-time.After(2 * time.Second):
		t.Fatalf("%s did not finish (state %s)", m.Kind(), m.StateName(m.State()))
	}
}

func newTestRunner(t *testing.T, sess session.Session) (*Runner, *recorder) {
	t.Helper()
	rec := &recorder{}
	r := NewRunner(sess, zaptest.NewLogger(t), rec)
	t.Cleanup(r.Close)
	return r, rec
}

func TestRunner_OneActiveAtATime(t *testing.T) {
	fake := sessiontest.New()
	fake.Handle("slow", func(req session.Request) (*session.Response, error) {
		time.Sleep(5 * time.Millisecond)
		return sessiontest.OK(nil), nil
	})
	r, rec := newTestRunner(t, fake)

	ops := make([]*scriptOp, 5)
	for i := range ops {
		ops[i] = newScriptOp(KindCreatePath, "slow", "slow")
		r.Enqueue(ops[i])
	}
	for _, op := range ops {
		waitDone(t, op.Machine)
		assert.True(t, op.Succeeded())
	}

	assert.Equal(t, 1, fake.MaxInFlight())
	rec.mu.Lock()
	assert.Equal(t, 1, rec.maxActive)
	rec.mu.Unlock()
	assert.Len(t, fake.Requests(), 10)
	assert.Eventually(t, func() bool { return r.Len() == 0 }, time.Second, 5*time.Millisecond)
}

func TestRunner_SecondStartsAfterFirstTerminal(t *testing.T) {
	fake := sessiontest.New()
	r, _ := newTestRunner(t, fake)

	backup := newScriptOp(KindBackup, session.CmdStorageList, session.CmdStorageRead)
	restart := newScriptOp(KindRestart, session.CmdReboot)
	r.Enqueue(backup)
	r.Enqueue(restart)

	waitDone(t, backup.Machine)
	waitDone(t, restart.Machine)

	require.True(t, backup.Succeeded())
	require.True(t, restart.Succeeded())
	assert.Equal(t, []string{session.CmdStorageList, session.CmdStorageRead, session.CmdReboot}, fake.Commands())

	b, rs := backup.Snapshot(), restart.Snapshot()
	require.NotNil(t, b.FinishedAt)
	require.NotNil(t, rs.StartedAt)
	assert.False(t, rs.StartedAt.Before(*b.FinishedAt))
}

func TestRunner_DisconnectFailsActiveAndQueued(t *testing.T) {
	fake := sessiontest.New()
	entered := make(chan struct{})
	release := make(chan struct{})
	defer close(release)
	fake.Handle("hang", func(session.Request) (*session.Response, error) {
		close(entered)
		<-release
		return sessiontest.OK(nil), nil
	})
	r, rec := newTestRunner(t, fake)

	active := newScriptOp(KindUploadFiles, "hang")
	queued1 := newScriptOp(KindCreatePath, session.CmdStorageMkdir)
	queued2 := newScriptOp(KindRestart, session.CmdReboot)
	r.Enqueue(active)
	r.Enqueue(queued1)
	r.Enqueue(queued2)

	<-entered
	fake.Drop()

	for _, op := range []*scriptOp{active, queued1, queued2} {
		waitDone(t, op.Machine)
		assert.Equal(t, StateError, op.State())
		assert.Equal(t, types.ErrorDeviceDisconnected, types.KindOf(op.Err()))
	}

	assert.Equal(t, 0, r.Len())
	assert.Eventually(t, func() bool { return rec.finishedCount() == 3 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"hang"}, fake.Commands())
}

func TestRunner_DetachedSessionFailsWithoutExchange(t *testing.T) {
	fake := sessiontest.New()
	fake.Drop()
	r, _ := newTestRunner(t, fake)

	op := newScriptOp(KindRestart, session.CmdReboot)
	r.Enqueue(op)
	waitDone(t, op.Machine)

	assert.Equal(t, types.ErrorDeviceUnavailable, types.KindOf(op.Err()))
	assert.Empty(t, fake.Requests())
}

func TestRunner_NilSession(t *testing.T) {
	r, _ := newTestRunner(t, nil)

	op := newScriptOp(KindRestart, session.CmdReboot)
	r.Enqueue(op)
	waitDone(t, op.Machine)

	assert.Equal(t, types.ErrorDeviceUnavailable, types.KindOf(op.Err()))
}

func TestRunner_RejectionPropagates(t *testing.T) {
	fake := sessiontest.New()
	fake.Reject(session.CmdStorageMkdir)
	r, _ := newTestRunner(t, fake)

	op := newScriptOp(KindCreatePath, session.CmdStorageMkdir, session.CmdStorageStat)
	next := newScriptOp(KindRestart, session.CmdReboot)
	r.Enqueue(op)
	r.Enqueue(next)

	waitDone(t, op.Machine)
	waitDone(t, next.Machine)

	assert.Equal(t, types.ErrorProtocolRejected, types.KindOf(op.Err()))
	assert.True(t, next.Succeeded(), "a rejection does not poison the queue")
	assert.Equal(t, []string{session.CmdStorageMkdir, session.CmdReboot}, fake.Commands())
}

func TestRunner_StallBecomesUnknown(t *testing.T) {
	r, _ := newTestRunner(t, sessiontest.New())

	op := &stallOp{Machine: NewMachine(KindRefreshStorage, "stall")}
	r.Enqueue(op)
	waitDone(t, op.Machine)

	assert.Equal(t, types.ErrorUnknown, types.KindOf(op.Err()))
}

func TestRunner_CancelAtStateBoundary(t *testing.T) {
	fake := sessiontest.New()
	entered := make(chan struct{})
	release := make(chan struct{})
	fake.Handle("first", func(session.Request) (*session.Response, error) {
		close(entered)
		<-release
		return sessiontest.OK(nil), nil
	})
	r, _ := newTestRunner(t, fake)

	op := newScriptOp(KindUploadFiles, "first", "second")
	r.Enqueue(op)

	<-entered
	op.Cancel()
	close(release)
	waitDone(t, op.Machine)

	assert.Equal(t, types.ErrorCancelled, types.KindOf(op.Err()))
	assert.Equal(t, []string{"first"}, fake.Commands(), "the in-flight exchange completes, the next is never sent")
}

func TestRunner_CancelWhileQueued(t *testing.T) {
	fake := sessiontest.New()
	r, _ := newTestRunner(t, fake)

	op := newScriptOp(KindRestart, session.CmdReboot)
	op.Cancel()
	r.Enqueue(op)
	waitDone(t, op.Machine)

	assert.Equal(t, types.ErrorCancelled, types.KindOf(op.Err()))
	assert.Empty(t, fake.Requests())
}

func TestRunner_EnqueueAfterClose(t *testing.T) {
	fake := sessiontest.New()
	r := NewRunner(fake, zaptest.NewLogger(t))
	r.Close()

	op := newScriptOp(KindRestart, session.CmdReboot)
	r.Enqueue(op)

	select {
	case <-op.Done():
	default:
		t.Fatal("enqueue after close must resolve immediately")
	}
	assert.Equal(t, types.ErrorDeviceDisconnected, types.KindOf(op.Err()))
}

func TestRunner_CloseFailsQueued(t *testing.T) {
	fake := sessiontest.New()
	entered := make(chan struct{})
	release := make(chan struct{})
	defer close(release)
	fake.Handle("hang", func(session.Request) (*session.Response, error) {
		close(entered)
		<-release
		return sessiontest.OK(nil), nil
	})
	r := NewRunner(fake, zaptest.NewLogger(t))

	active := newScriptOp(KindUploadFiles, "hang")
	queued := newScriptOp(KindRestart, session.CmdReboot)
	r.Enqueue(active)
	r.Enqueue(queued)

	<-entered
	r.Close()

	for _, op := range []*scriptOp{active, queued} {
		waitDone(t, op.Machine)
		assert.Equal(t, types.ErrorDeviceDisconnected, types.KindOf(op.Err()))
	}
}

func TestMachine_TerminalIsFinal(t *testing.T) {
	m := NewMachine(KindRestart, "restart", "Restarting")
	updates, cancel := m.Watch()
	defer cancel()

	m.SetState(StateUser)
	m.FinishEarly(types.ErrorPrecondition, "bad input")
	m.Finish()
	m.SetState(StateUser)

	assert.Equal(t, StateError, m.State())
	assert.Equal(t, types.ErrorPrecondition, types.KindOf(m.Err()))

	var last Snapshot
	for snap := range updates {
		last = snap
	}
	assert.Equal(t, "Error", last.State)
	require.NotNil(t, last.Error)
	assert.Equal(t, "bad input", last.Error.Message)
}

func TestMachine_StateNames(t *testing.T) {
	m := NewMachine(KindBackup, "backup", "ReadingDirectory", "WritingManifest")

	assert.Equal(t, "Ready", m.StateName(StateReady))
	assert.Equal(t, "WritingManifest", m.StateName(StateUser+1))
	assert.Equal(t, "State(9)", m.StateName(State(9)))
}

// restartOp restarts the device, then writes once to the returned device.
type restartOp struct {
	*Machine
	restarted bool
}

func newRestartOp() *restartOp {
	return &restartOp{Machine: NewMachine(KindStartRecovery, "restart then write", "Exchanging")}
}

func (o *restartOp) Advance(_ context.Context, ev Event) {
	if o.Fail(ev) {
		return
	}
	switch {
	case ev.Start:
		o.SetState(stateExchanging)
		o.SendAndReattach(session.Request{Command: session.CmdReboot})
	case !o.restarted:
		o.restarted = true
		o.Send(session.Request{Command: session.CmdRecoveryWrite})
	default:
		o.Finish()
	}
}

// restartAfterAck drops the link shortly after acknowledging cmd and brings
// it back. A non-nil away keeps the device gone until it is closed. The
// returned channel is closed once the link has dropped.
func restartAfterAck(fake *sessiontest.Fake, cmd string, away chan struct{}) <-chan struct{} {
	dropped := make(chan struct{})
	fake.Handle(cmd, func(session.Request) (*session.Response, error) {
		go func() {
			time.Sleep(20 * time.Millisecond)
			fake.Drop()
			close(dropped)
			if away != nil {
				<-away
			}
			time.Sleep(20 * time.Millisecond)
			fake.Reattach()
		}()
		return sessiontest.OK(nil), nil
	})
	return dropped
}

func TestRunner_ReattachWaitsForRestart(t *testing.T) {
	fake := sessiontest.New()
	dropped := restartAfterAck(fake, session.CmdReboot, nil)

	early := false
	fake.Handle(session.CmdRecoveryWrite, func(session.Request) (*session.Response, error) {
		select {
		case <-dropped:
		default:
			early = true
		}
		return sessiontest.OK(nil), nil
	})
	r, _ := newTestRunner(t, fake)

	op := newRestartOp()
	r.Enqueue(op)
	waitDone(t, op.Machine)

	require.True(t, op.Succeeded(), "%v", op.Err())
	assert.Equal(t, []string{session.CmdReboot, session.CmdRecoveryWrite}, fake.Commands())
	assert.False(t, early, "write went out before the device restarted")
}

func TestRunner_ReattachAfterDropBeforeAnswer(t *testing.T) {
	fake := sessiontest.New()
	fake.Handle(session.CmdReboot, func(session.Request) (*session.Response, error) {
		fake.Drop()
		go func() {
			time.Sleep(20 * time.Millisecond)
			fake.Reattach()
		}()
		return nil, types.NewError(types.ErrorDeviceDisconnected, "link lost")
	})
	r, _ := newTestRunner(t, fake)

	op := newRestartOp()
	r.Enqueue(op)
	waitDone(t, op.Machine)

	require.True(t, op.Succeeded(), "%v", op.Err())
	assert.Equal(t, []string{session.CmdReboot, session.CmdRecoveryWrite}, fake.Commands())
}

func TestRunner_ReattachTimesOut(t *testing.T) {
	fake := sessiontest.New()
	away := make(chan struct{})
	defer close(away)
	restartAfterAck(fake, session.CmdReboot, away)
	r, _ := newTestRunner(t, fake)
	r.SetReconnectTimeout(100 * time.Millisecond)

	op := newRestartOp()
	r.Enqueue(op)
	waitDone(t, op.Machine)

	assert.Equal(t, types.ErrorDeviceUnavailable, types.KindOf(op.Err()))
	assert.Equal(t, []string{session.CmdReboot}, fake.Commands())
}

func TestRunner_RejectedRestartDoesNotWait(t *testing.T) {
	fake := sessiontest.New()
	fake.Reject(session.CmdReboot)
	r, _ := newTestRunner(t, fake)

	op := newRestartOp()
	r.Enqueue(op)
	waitDone(t, op.Machine)

	assert.Equal(t, types.ErrorProtocolRejected, types.KindOf(op.Err()))
	assert.Equal(t, []string{session.CmdReboot}, fake.Commands())
}
