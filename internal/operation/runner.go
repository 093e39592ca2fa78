package operation

import (
	"context"
	"sync"
	"time"

	"github.com/KevinKickass/OpenDeviceCore/internal/session"
	"github.com/KevinKickass/OpenDeviceCore/internal/types"
	"go.uber.org/zap"
)

// DefaultReconnectTimeout bounds the wait for a device restarted by
// Machine.SendAndReattach.
const DefaultReconnectTimeout = 2 * time.Minute

// Observer is told about every operation the runner starts and every
// terminal outcome, including operations that never became active.
type Observer interface {
	OperationStarted(snap Snapshot)
	OperationFinished(snap Snapshot)
}

// Runner executes operations strictly one at a time against a session.
// It is the only component that talks to the session on behalf of
// operations.
type Runner struct {
	sess      session.Session
	logger    *zap.Logger
	observers []Observer

	mu               sync.Mutex
	queue            []Operation
	active           Operation
	closed           bool
	reconnectTimeout time.Duration

	wake     chan struct{}
	stopChan chan struct{}
	wg       sync.WaitGroup
	ctx      context.Context
	cancel   context.CancelFunc
}

func NewRunner(sess session.Session, logger *zap.Logger, observers ...Observer) *Runner {
	ctx, cancel := context.WithCancel(context.Background())
	r := &Runner{
		sess:             sess,
		logger:           logger,
		observers:        observers,
		reconnectTimeout: DefaultReconnectTimeout,
		wake:             make(chan struct{}, 1),
		stopChan:         make(chan struct{}),
		ctx:              ctx,
		cancel:           cancel,
	}

	r.wg.Add(1)
	go r.loop()

	return r
}

// Enqueue appends op to the queue and returns immediately. It is always
// accepted; after Close the operation fails at once with
// DeviceDisconnected.
func (r *Runner) Enqueue(op Operation) {
	m := op.Base()

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		m.FinishEarly(types.ErrorDeviceDisconnected, "%s: runner closed", m.Kind())
		r.reportFinished(m)
		return
	}
	r.queue = append(r.queue, op)
	depth := len(r.queue)
	r.mu.Unlock()

	r.logger.Debug("Operation enqueued",
		zap.String("operation_id", m.ID().String()),
		zap.String("kind", string(m.Kind())),
		zap.Int("queue_depth", depth))

	select {
	case r.wake <- struct{}{}:
	default:
	}
}

// SetReconnectTimeout changes how long a restarted device may stay away.
// Zero or less keeps the current value.
func (r *Runner) SetReconnectTimeout(d time.Duration) {
	if d <= 0 {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.reconnectTimeout = d
}

// Active returns the snapshot of the operation currently running.
func (r *Runner) Active() (Snapshot, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.active == nil {
		return Snapshot{}, false
	}
	return r.active.Base().Snapshot(), true
}

// Pending returns snapshots of the queued operations in execution order.
func (r *Runner) Pending() []Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	snaps := make([]Snapshot, len(r.queue))
	for i, op := range r.queue {
		snaps[i] = op.Base().Snapshot()
	}
	return snaps
}

// Len is the number of queued plus active operations.
func (r *Runner) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := len(r.queue)
	if r.active != nil {
		n++
	}
	return n
}

// Close fails the active and every queued operation with
// DeviceDisconnected and stops the runner.
func (r *Runner) Close() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	r.mu.Unlock()

	close(r.stopChan)
	r.cancel()
	r.wg.Wait()

	r.abandon(types.ErrorDeviceDisconnected, "runner closed")
	r.logger.Info("Operation runner closed")
}

func (r *Runner) isClosed() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.closed
}

func (r *Runner) loop() {
	defer r.wg.Done()

	for {
		op, ok := r.promote()
		if !ok {
			select {
			case <-r.wake:
				continue
			case <-r.stopChan:
				return
			}
		}

		dropped := r.run(op)
		r.complete(op)

		if dropped {
			r.abandon(types.ErrorDeviceDisconnected, "link dropped while an earlier operation was active")
		}
	}
}

func (r *Runner) promote() (Operation, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed || len(r.queue) == 0 {
		return nil, false
	}
	op := r.queue[0]
	r.queue[0] = nil
	r.queue = r.queue[1:]
	r.active = op
	return op, true
}

// run drives op until it is terminal. It reports whether the link dropped
// under it.
func (r *Runner) run(op Operation) bool {
	m := op.Base()
	m.begin()
	r.reportStarted(m)

	r.logger.Info("Operation started",
		zap.String("operation_id", m.ID().String()),
		zap.String("kind", string(m.Kind())),
		zap.String("description", m.Description()))

	if r.sess == nil || r.sess.State() != session.Attached {
		m.FinishEarly(types.ErrorDeviceUnavailable, "%s: device not attached", m.Kind())
		return false
	}

	ev := Event{Start: true}
	for {
		if m.Cancelled() {
			m.FinishEarly(types.ErrorCancelled, "%s cancelled in state %s", m.Kind(), m.StateName(m.State()))
			return false
		}

		op.Advance(r.ctx, ev)
		if m.State().Terminal() {
			return false
		}

		req, reattach, ok := m.takePending()
		if !ok {
			m.FinishEarly(types.ErrorUnknown, "%s stalled in state %s", m.Kind(), m.StateName(m.State()))
			return false
		}

		if reattach {
			res, err := r.exchangeAndReattach(m, req)
			if err != nil {
				m.FailWith(err)
				return false
			}
			ev = Event{Response: res.Response, Err: res.Err}
			continue
		}

		var res session.Result
		select {
		case res = <-r.sess.Send(r.ctx, req):
		case <-r.stopChan:
			m.FinishEarly(types.ErrorDeviceDisconnected, "%s abandoned: runner closed", m.Kind())
			return false
		}

		if r.isClosed() {
			m.FinishEarly(types.ErrorDeviceDisconnected, "%s abandoned: runner closed", m.Kind())
			return false
		}

		// The link was verified at start, so unavailable here means it
		// went away between exchanges.
		switch types.KindOf(res.Err) {
		case types.ErrorDeviceDisconnected, types.ErrorDeviceUnavailable:
			m.FailWith(types.WrapError(types.ErrorDeviceDisconnected, res.Err,
				"%s: link dropped in state %s", m.Kind(), m.StateName(m.State())))
			return true
		}

		ev = Event{Response: res.Response, Err: res.Err}
	}
}

// exchangeAndReattach sends a request that restarts the device and waits
// for the link to drop and come back. A device that goes away before
// answering counts as having accepted the request. Any other failed
// answer is returned in the result without waiting.
func (r *Runner) exchangeAndReattach(m *Machine, req session.Request) (session.Result, error) {
	// Subscribe first so a drop right after the answer is not missed.
	states, unsubscribe := r.sess.Subscribe()
	defer unsubscribe()

	var res session.Result
	select {
	case res = <-r.sess.Send(r.ctx, req):
	case <-r.stopChan:
		return res, types.NewError(types.ErrorDeviceDisconnected, "%s abandoned: runner closed", m.Kind())
	}

	detached := false
	switch types.KindOf(res.Err) {
	case types.ErrorNone:
	case types.ErrorDeviceDisconnected, types.ErrorDeviceUnavailable:
		detached = true
		res = session.Result{}
	default:
		return res, nil
	}

	r.mu.Lock()
	timeout := r.reconnectTimeout
	r.mu.Unlock()

	r.logger.Info("Waiting for device to restart",
		zap.String("operation_id", m.ID().String()),
		zap.String("command", req.Command),
		zap.Duration("timeout", timeout))

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	for !detached || r.sess.State() != session.Attached {
		select {
		case st, ok := <-states:
			if !ok {
				return res, types.NewError(types.ErrorDeviceUnavailable, "%s: session closed while waiting for device", m.Kind())
			}
			if st == session.Detached {
				detached = true
			}
		case <-timer.C:
			return res, types.NewError(types.ErrorDeviceUnavailable, "%s: device did not return within %s", m.Kind(), timeout)
		case <-r.stopChan:
			return res, types.NewError(types.ErrorDeviceDisconnected, "%s abandoned: runner closed", m.Kind())
		}
	}

	r.logger.Info("Device returned", zap.String("operation_id", m.ID().String()))
	return res, nil
}

func (r *Runner) complete(op Operation) {
	m := op.Base()

	r.mu.Lock()
	r.active = nil
	r.mu.Unlock()

	r.reportFinished(m)

	snap := m.Snapshot()
	if snap.Error != nil {
		r.logger.Warn("Operation failed",
			zap.String("operation_id", snap.ID.String()),
			zap.String("kind", string(snap.Kind)),
			zap.Stringer("error_kind", snap.Error.Kind),
			zap.String("error", snap.Error.Error()),
			zap.Duration("duration", elapsed(snap)))
		return
	}

	r.logger.Info("Operation finished",
		zap.String("operation_id", snap.ID.String()),
		zap.String("kind", string(snap.Kind)),
		zap.Duration("duration", elapsed(snap)))
}

// abandon fails every queued operation. Each still gets exactly one
// terminal outcome.
func (r *Runner) abandon(kind types.ErrorKind, reason string) {
	r.mu.Lock()
	queued := r.queue
	r.queue = nil
	r.mu.Unlock()

	for _, op := range queued {
		m := op.Base()
		m.FinishEarly(kind, "%s not started: %s", m.Kind(), reason)
		r.reportFinished(m)
	}

	if len(queued) > 0 {
		r.logger.Warn("Queued operations abandoned",
			zap.Int("count", len(queued)),
			zap.String("reason", reason))
	}
}

func (r *Runner) reportStarted(m *Machine) {
	snap := m.Snapshot()
	for _, o := range r.observers {
		o.OperationStarted(snap)
	}
}

func (r *Runner) reportFinished(m *Machine) {
	snap := m.Snapshot()
	for _, o := range r.observers {
		o.OperationFinished(snap)
	}
}

func elapsed(snap Snapshot) time.Duration {
	if snap.StartedAt == nil || snap.FinishedAt == nil {
		return 0
	}
	return snap.FinishedAt.Sub(*snap.StartedAt)
}
