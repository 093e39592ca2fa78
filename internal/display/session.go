// Package display mirrors frames onto the device screen. Its lifecycle
// follows the device link: a dropped link always ends a running display.
package display

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/KevinKickass/OpenDeviceCore/internal/session"
	"go.uber.org/zap"
)

type State int

const (
	StateStopped State = iota
	StateStarting
	StateRunning
	StateStopping
)

func (s State) String() string {
	switch s {
	case StateStopped:
		return "STOPPED"
	case StateStarting:
		return "STARTING"
	case StateRunning:
		return "RUNNING"
	case StateStopping:
		return "STOPPING"
	default:
		return "UNKNOWN"
	}
}

func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

var (
	ErrNotRunning = errors.New("display is not running")
	ErrActive     = errors.New("display is already active")
)

// ValidateTransition reports whether from -> to is a legal explicit
// transition. A link drop moves to Stopped from anywhere.
func ValidateTransition(from, to State) error {
	validTransitions := map[State][]State{
		StateStopped:  {StateStarting},
		StateStarting: {StateRunning, StateStopping, StateStopped},
		StateRunning:  {StateStopping, StateStopped},
		StateStopping: {StateStopped},
	}

	for _, validTo := range validTransitions[from] {
		if validTo == to {
			return nil
		}
	}

	return fmt.Errorf("invalid display transition: %s -> %s", from, to)
}

type Session struct {
	sess   session.Session
	logger *zap.Logger

	mu         sync.Mutex
	state      State
	generation uint64
	lastErr    error

	listenersMu sync.RWMutex
	listeners   []chan State

	// ctx carries the start and stop exchanges. It ends with Close, not
	// with the caller that asked for the transition.
	ctx    context.Context
	cancel context.CancelFunc

	stopChan chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// New creates a stopped display bound to sess and starts watching the
// link.
func New(sess session.Session, logger *zap.Logger) *Session {
	s := &Session{
		sess:     sess,
		logger:   logger,
		state:    StateStopped,
		stopChan: make(chan struct{}),
	}
	s.ctx, s.cancel = context.WithCancel(context.Background())

	states, unsubscribe := sess.Subscribe()
	s.wg.Add(1)
	go s.watchLink(states, unsubscribe)

	return s
}

// Close stops watching the link and abandons pending acknowledgements.
// The display state is left as is.
func (s *Session) Close() {
	s.stopOnce.Do(func() {
		close(s.stopChan)
		s.cancel()
	})
	s.wg.Wait()
}

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Err is the failure that last ended the display, if any.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastErr
}

// Subscribe delivers every state change. Slow subscribers miss
// intermediate states.
func (s *Session) Subscribe() (<-chan State, func()) {
	ch := make(chan State, 8)

	s.listenersMu.Lock()
	s.listeners = append(s.listeners, ch)
	s.listenersMu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			s.listenersMu.Lock()
			defer s.listenersMu.Unlock()
			for i, l := range s.listeners {
				if l == ch {
					s.listeners = append(s.listeners[:i], s.listeners[i+1:]...)
					close(ch)
					return
				}
			}
		})
	}
}

func (s *Session) broadcast(state State) {
	s.listenersMu.RLock()
	defer s.listenersMu.RUnlock()
	for _, l := range s.listeners {
		select {
		case l <- state:
		default:
		}
	}
}

// setLocked moves to state if the transition is legal. Callers broadcast
// after releasing the lock.
func (s *Session) setLocked(state State) {
	if err := ValidateTransition(s.state, state); err != nil {
		s.logger.Debug("Display transition ignored", zap.Error(err))
		return
	}
	s.logger.Info("Display state changed",
		zap.Stringer("from", s.state),
		zap.Stringer("to", state))
	s.state = state
}

// Start asks the device to begin mirroring. firstFrame, if given, is sent
// with the start request. The display becomes Running once the device
// acknowledges. ctx bounds only the call: the acknowledgement is awaited
// after Start returns, so a request handler may return right away.
func (s *Session) Start(ctx context.Context, firstFrame []byte) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("cannot start display: %w", err)
	}

	s.mu.Lock()
	if s.state != StateStopped {
		current := s.state
		s.mu.Unlock()
		return fmt.Errorf("cannot start display: %w (current: %s)", ErrActive, current)
	}
	if s.sess.State() != session.Attached {
		s.mu.Unlock()
		return fmt.Errorf("cannot start display: device not attached")
	}
	s.generation++
	gen := s.generation
	s.lastErr = nil
	s.setLocked(StateStarting)
	s.mu.Unlock()
	s.broadcast(StateStarting)

	req := session.Request{Command: session.CmdDisplayStart, Payload: firstFrame}
	result := s.sess.Send(s.ctx, req)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		res := <-result
		s.acknowledge(gen, StateStarting, StateRunning, res.Err)
	}()

	return nil
}

// SendFrame pushes one frame. Outside Running it returns ErrNotRunning and
// sends nothing.
func (s *Session) SendFrame(ctx context.Context, frame []byte) error {
	s.mu.Lock()
	if s.state != StateRunning {
		s.mu.Unlock()
		return ErrNotRunning
	}
	s.mu.Unlock()

	res := <-s.sess.Send(ctx, session.Request{Command: session.CmdDisplayFrame, Payload: frame})
	if res.Err != nil {
		return fmt.Errorf("failed to send frame: %w", res.Err)
	}
	return nil
}

// Stop asks the device to end mirroring. The display becomes Stopped once
// the device acknowledges. As with Start, ctx does not cover the wait.
func (s *Session) Stop(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("cannot stop display: %w", err)
	}

	s.mu.Lock()
	if s.state != StateRunning && s.state != StateStarting {
		s.mu.Unlock()
		return ErrNotRunning
	}
	gen := s.generation
	s.setLocked(StateStopping)
	s.mu.Unlock()
	s.broadcast(StateStopping)

	result := s.sess.Send(s.ctx, session.Request{Command: session.CmdDisplayStop})

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		res := <-result
		s.acknowledge(gen, StateStopping, StateStopped, res.Err)
	}()

	return nil
}

// acknowledge applies the answer to a start or stop request. Answers from
// an earlier generation, or for a state already left, are ignored.
func (s *Session) acknowledge(gen uint64, from, to State, err error) {
	s.mu.Lock()
	if gen != s.generation || s.state != from {
		s.mu.Unlock()
		s.logger.Debug("Stale display acknowledgement ignored",
			zap.Uint64("generation", gen),
			zap.Stringer("expected", from))
		return
	}

	next := to
	if err != nil {
		next = StateStopped
		s.lastErr = err
		s.logger.Warn("Display request failed",
			zap.Stringer("state", from),
			zap.Error(err))
	}
	s.setLocked(next)
	s.mu.Unlock()
	s.broadcast(next)
}

// forceStop ends the display because the link went away. Outstanding
// acknowledgements are invalidated.
func (s *Session) forceStop() {
	s.mu.Lock()
	s.generation++
	if s.state == StateStopped {
		s.mu.Unlock()
		return
	}
	s.logger.Warn("Device link dropped, display stopped", zap.Stringer("state", s.state))
	s.setLocked(StateStopped)
	s.mu.Unlock()
	s.broadcast(StateStopped)
}

func (s *Session) watchLink(states <-chan session.ConnectionState, unsubscribe func()) {
	defer s.wg.Done()
	defer unsubscribe()

	for {
		select {
		case st, ok := <-states:
			if !ok {
				s.forceStop()
				return
			}
			if st == session.Detached {
				s.forceStop()
			}
		case <-s.stopChan:
			return
		}
	}
}
