// Package sessiontest provides an in-memory session for exercising
// operations without a device.
package sessiontest

import (
	"context"
	"sync"

	"github.com/KevinKickass/OpenDeviceCore/internal/session"
	"github.com/KevinKickass/OpenDeviceCore/internal/types"
)

// Handler answers one request.
type Handler func(req session.Request) (*session.Response, error)

// Fake is a scripted session. Unhandled commands succeed with an empty
// response.
type Fake struct {
	mu          sync.Mutex
	state       session.ConnectionState
	gone        chan struct{}
	handlers    map[string]Handler
	requests    []session.Request
	inFlight    int
	maxInFlight int
	listeners   []chan session.ConnectionState
}

// New returns an attached fake session.
func New() *Fake {
	return &Fake{
		state:    session.Attached,
		gone:     make(chan struct{}),
		handlers: make(map[string]Handler),
	}
}

// Handle installs h for cmd, replacing any previous handler.
func (f *Fake) Handle(cmd string, h Handler) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.handlers[cmd] = h
}

// Reply answers cmd with fixed fields.
func (f *Fake) Reply(cmd string, fields map[string]any) {
	f.Handle(cmd, func(session.Request) (*session.Response, error) {
		return OK(fields), nil
	})
}

// Reject makes cmd fail with a generic protocol rejection.
func (f *Fake) Reject(cmd string) {
	f.RejectWith(cmd, session.StatusError)
}

// RejectWith makes cmd fail with the given device status.
func (f *Fake) RejectWith(cmd string, status session.Status) {
	f.Handle(cmd, func(req session.Request) (*session.Response, error) {
		return nil, Rejection(req.Command, status)
	})
}

// Rejection builds the error the real client reports for status.
func Rejection(cmd string, status session.Status) error {
	return types.WrapError(types.ErrorProtocolRejected,
		&session.RejectedError{Command: cmd, Status: status}, "%s rejected", cmd)
}

// OK builds a response.
func OK(fields map[string]any) *session.Response {
	if fields == nil {
		fields = map[string]any{}
	}
	return &session.Response{Fields: fields}
}

func (f *Fake) Send(ctx context.Context, req session.Request) <-chan session.Result {
	out := make(chan session.Result, 1)

	f.mu.Lock()
	f.requests = append(f.requests, req)
	if f.state != session.Attached {
		f.mu.Unlock()
		out <- session.Result{Err: types.NewError(types.ErrorDeviceUnavailable, "%s: device not attached", req.Command)}
		return out
	}
	f.inFlight++
	if f.inFlight > f.maxInFlight {
		f.maxInFlight = f.inFlight
	}
	h := f.handlers[req.Command]
	gone := f.gone
	f.mu.Unlock()

	go func() {
		done := make(chan session.Result, 1)
		go func() {
			if h == nil {
				done <- session.Result{Response: OK(nil)}
				return
			}
			resp, err := h(req)
			done <- session.Result{Response: resp, Err: err}
		}()

		var res session.Result
		select {
		case res = <-done:
		case <-gone:
			res = session.Result{Err: types.NewError(types.ErrorDeviceDisconnected, "%s: link dropped", req.Command)}
		case <-ctx.Done():
			res = session.Result{Err: types.WrapError(types.ErrorCancelled, ctx.Err(), "%s: abandoned", req.Command)}
		}

		f.mu.Lock()
		f.inFlight--
		f.mu.Unlock()

		out <- res
	}()

	return out
}

func (f *Fake) State() session.ConnectionState {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

func (f *Fake) Subscribe() (<-chan session.ConnectionState, func()) {
	ch := make(chan session.ConnectionState, 8)

	f.mu.Lock()
	f.listeners = append(f.listeners, ch)
	f.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			f.mu.Lock()
			defer f.mu.Unlock()
			for i, l := range f.listeners {
				if l == ch {
					f.listeners = append(f.listeners[:i], f.listeners[i+1:]...)
					close(ch)
					return
				}
			}
		})
	}
}

// Drop simulates the link going away.
func (f *Fake) Drop() {
	f.setState(session.Detached)
}

// Reattach simulates the device coming back.
func (f *Fake) Reattach() {
	f.setState(session.Attached)
}

func (f *Fake) setState(state session.ConnectionState) {
	f.mu.Lock()
	if f.state == state {
		f.mu.Unlock()
		return
	}
	f.state = state
	if state == session.Detached {
		close(f.gone)
	} else {
		f.gone = make(chan struct{})
	}
	listeners := append([]chan session.ConnectionState(nil), f.listeners...)
	f.mu.Unlock()

	for _, l := range listeners {
		l <- state
	}
}

// Requests returns every request seen so far.
func (f *Fake) Requests() []session.Request {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]session.Request(nil), f.requests...)
}

// Commands returns the command names seen so far, in order.
func (f *Fake) Commands() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	cmds := make([]string, len(f.requests))
	for i, r := range f.requests {
		cmds[i] = r.Command
	}
	return cmds
}

// MaxInFlight is the highest number of concurrently outstanding requests.
func (f *Fake) MaxInFlight() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.maxInFlight
}
