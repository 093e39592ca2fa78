// Package operation holds the state machine shared by every device
// procedure and the runner that executes them one at a time against the
// device session.
package operation

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/KevinKickass/OpenDeviceCore/internal/session"
	"github.com/KevinKickass/OpenDeviceCore/internal/types"
	"github.com/google/uuid"
)

// Event wakes an operation: once with Start set, then once per completed
// exchange carrying either the response or the classified failure.
type Event struct {
	Start    bool
	Response *session.Response
	Err      error
}

// Operation is one device procedure. Advance runs on the runner goroutine
// only; it must leave the machine terminal or with exactly one request
// pending via Machine.Send or Machine.SendAndReattach. Embedding *Machine
// provides Base.
type Operation interface {
	Base() *Machine
	Advance(ctx context.Context, ev Event)
}

// Snapshot is a point-in-time copy of an operation's observable state.
type Snapshot struct {
	ID          uuid.UUID    `json:"id"`
	Kind        Kind         `json:"kind"`
	Description string       `json:"description"`
	State       string       `json:"state"`
	Progress    float64      `json:"progress"`
	Error       *types.Error `json:"error,omitempty"`
	CreatedAt   time.Time    `json:"created_at"`
	StartedAt   *time.Time   `json:"started_at,omitempty"`
	FinishedAt  *time.Time   `json:"finished_at,omitempty"`
}

// Machine carries the bookkeeping every operation shares. Concrete
// operations embed a *Machine and drive it from Advance.
type Machine struct {
	id          uuid.UUID
	kind        Kind
	description string
	stateNames  []string
	createdAt   time.Time

	mu         sync.Mutex
	state      State
	err        *types.Error
	progress   float64
	pending    *session.Request
	reattach   bool
	startedAt  *time.Time
	finishedAt *time.Time
	watchers   []chan Snapshot

	cancelled atomic.Bool
	done      chan struct{}
}

// NewMachine creates a machine in StateReady. stateNames label the
// concrete states StateUser, StateUser+1, ... for logs and snapshots.
func NewMachine(kind Kind, description string, stateNames ...string) *Machine {
	return &Machine{
		id:          uuid.New(),
		kind:        kind,
		description: description,
		stateNames:  stateNames,
		createdAt:   time.Now(),
		state:       StateReady,
		done:        make(chan struct{}),
	}
}

func (m *Machine) Base() *Machine      { return m }
func (m *Machine) ID() uuid.UUID       { return m.id }
func (m *Machine) Kind() Kind          { return m.kind }
func (m *Machine) Description() string { return m.description }

func (m *Machine) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// StateName labels s using the operation's own state names.
func (m *Machine) StateName(s State) string {
	if s >= StateUser && int(s-StateUser) < len(m.stateNames) {
		return m.stateNames[s-StateUser]
	}
	return s.String()
}

// Err returns the classified failure once the machine is in StateError.
func (m *Machine) Err() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err == nil {
		return nil
	}
	return m.err
}

// Done is closed when the machine reaches a terminal state.
func (m *Machine) Done() <-chan struct{} {
	return m.done
}

// Wait blocks until the operation is terminal or ctx ends. It returns the
// operation's error, or ctx's.
func (m *Machine) Wait(ctx context.Context) error {
	select {
	case <-m.done:
		return m.Err()
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (m *Machine) Succeeded() bool {
	return m.State() == StateFinished
}

func (m *Machine) Progress() float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.progress
}

// Cancel requests cooperative cancellation. It takes effect before the
// next Advance; an exchange already on the wire is never interrupted.
func (m *Machine) Cancel() {
	m.cancelled.Store(true)
}

func (m *Machine) Cancelled() bool {
	return m.cancelled.Load()
}

// Snapshot copies the observable state.
func (m *Machine) Snapshot() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.snapshotLocked()
}

func (m *Machine) snapshotLocked() Snapshot {
	return Snapshot{
		ID:          m.id,
		Kind:        m.kind,
		Description: m.description,
		State:       m.StateName(m.state),
		Progress:    m.progress,
		Error:       m.err,
		CreatedAt:   m.createdAt,
		StartedAt:   m.startedAt,
		FinishedAt:  m.finishedAt,
	}
}

// Watch delivers a snapshot on every state or progress change. The channel
// is closed after the terminal snapshot. Slow watchers miss intermediate
// snapshots, never the close.
func (m *Machine) Watch() (<-chan Snapshot, func()) {
	ch := make(chan Snapshot, 16)

	m.mu.Lock()
	if m.state.Terminal() {
		ch <- m.snapshotLocked()
		close(ch)
		m.mu.Unlock()
		return ch, func() {}
	}
	m.watchers = append(m.watchers, ch)
	m.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			m.mu.Lock()
			defer m.mu.Unlock()
			for i, w := range m.watchers {
				if w == ch {
					m.watchers = append(m.watchers[:i], m.watchers[i+1:]...)
					close(ch)
					return
				}
			}
		})
	}
}

func (m *Machine) publishLocked() {
	snap := m.snapshotLocked()
	for _, w := range m.watchers {
		select {
		case w <- snap:
		default:
		}
	}
}

// SetState moves to a concrete state. Ignored once terminal.
func (m *Machine) SetState(s State) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state.Terminal() || s.Terminal() {
		return
	}
	m.state = s
	m.publishLocked()
}

// SetProgress records completion in percent, clamped to 0..100.
func (m *Machine) SetProgress(p float64) {
	if p < 0 {
		p = 0
	} else if p > 100 {
		p = 100
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state.Terminal() {
		return
	}
	m.progress = p
	m.publishLocked()
}

// Send queues the single request the runner issues after Advance returns.
// A second call within the same Advance replaces the first.
func (m *Machine) Send(req session.Request) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state.Terminal() {
		return
	}
	m.pending = &req
	m.reattach = false
}

// SendAndReattach is Send for a request that restarts the device. The
// runner advances the machine only after the link has dropped and come
// back, so the next request reaches the restarted device.
func (m *Machine) SendAndReattach(req session.Request) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state.Terminal() {
		return
	}
	m.pending = &req
	m.reattach = true
}

// Finish lands on StateFinished.
func (m *Machine) Finish() {
	m.terminate(StateFinished, nil)
}

// FinishEarly abandons the remaining states and lands on StateError.
func (m *Machine) FinishEarly(kind types.ErrorKind, format string, args ...any) {
	m.terminate(StateError, types.NewError(kind, format, args...))
}

// FailWith lands on StateError, keeping err's classification.
func (m *Machine) FailWith(err error) {
	if err == nil {
		err = fmt.Errorf("%s failed without a cause", m.kind)
	}
	m.terminate(StateError, types.Classify(err))
}

// Fail propagates a failed exchange. It reports whether ev carried a
// failure, in which case the machine is now terminal.
func (m *Machine) Fail(ev Event) bool {
	if ev.Err == nil {
		return false
	}
	m.FailWith(ev.Err)
	return true
}

func (m *Machine) terminate(s State, err *types.Error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state.Terminal() {
		return
	}

	now := time.Now()
	m.state = s
	m.err = err
	m.pending = nil
	m.reattach = false
	m.finishedAt = &now
	if s == StateFinished {
		m.progress = 100
	}

	m.publishLocked()
	for _, w := range m.watchers {
		close(w)
	}
	m.watchers = nil
	close(m.done)
}

func (m *Machine) begin() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.startedAt == nil {
		now := time.Now()
		m.startedAt = &now
	}
}

// takePending hands the runner the next request and whether the device
// restarts after it.
func (m *Machine) takePending() (session.Request, bool, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.pending == nil {
		return session.Request{}, false, false
	}
	req := *m.pending
	reattach := m.reattach
	m.pending = nil
	m.reattach = false
	return req, reattach, true
}
