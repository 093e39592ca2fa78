package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/KevinKickass/OpenDeviceCore/internal/types"
	"go.uber.org/zap"
)

// Client is the Session implementation over a framed byte stream. It keeps
// at most one exchange in flight and fails everything pending when the link
// drops.
type Client struct {
	timeout time.Duration
	logger  *zap.Logger

	// exchange is a one-slot semaphore: only one request/response pair may
	// be in flight on the link.
	exchange chan struct{}

	mu        sync.Mutex
	conn      io.ReadWriteCloser
	state     ConnectionState
	gone      chan struct{}
	commandID uint32
	pending   map[uint32]*pendingExchange

	listenersMu sync.RWMutex
	listeners   []chan ConnectionState
}

type pendingExchange struct {
	frames chan *Frame
}

// NewClient returns a detached client. Attach hands it a live link.
func NewClient(timeout time.Duration, logger *zap.Logger) *Client {
	return &Client{
		timeout:  timeout,
		logger:   logger,
		exchange: make(chan struct{}, 1),
		state:    Detached,
		gone:     closedChan(),
		pending:  make(map[uint32]*pendingExchange),
	}
}

func closedChan() chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}

// Attach starts serving conn. An already attached link is dropped first.
func (c *Client) Attach(conn io.ReadWriteCloser) {
	c.Detach(errors.New("replaced by new link"))

	c.mu.Lock()
	c.conn = conn
	c.state = Attached
	gone := make(chan struct{})
	c.gone = gone
	c.mu.Unlock()

	go c.readLoop(conn, gone)

	c.logger.Info("Device link attached")
	c.notify(Attached)
}

// Detach closes the current link, if any. Pending exchanges resolve as
// DeviceDisconnected.
func (c *Client) Detach(reason error) {
	c.detach(nil, reason)
}

// detach drops the link. A non-nil link restricts it to that generation so
// a stale reader cannot tear down its replacement.
func (c *Client) detach(link chan struct{}, reason error) {
	c.mu.Lock()
	if c.state == Detached || (link != nil && c.gone != link) {
		c.mu.Unlock()
		return
	}

	conn := c.conn
	c.conn = nil
	c.state = Detached
	close(c.gone)
	c.pending = make(map[uint32]*pendingExchange)
	c.mu.Unlock()

	if err := conn.Close(); err != nil {
		c.logger.Debug("Closing device link failed", zap.Error(err))
	}

	c.logger.Warn("Device link detached", zap.Error(reason))
	c.notify(Detached)
}

func (c *Client) State() ConnectionState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Client) Subscribe() (<-chan ConnectionState, func()) {
	ch := make(chan ConnectionState, 8)

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

func (c *Client) notify(state ConnectionState) {
	c.listenersMu.RLock()
	defer c.listenersMu.RUnlock()

	for _, listener := range c.listeners {
		select {
		case listener <- state:
		default:
			c.logger.Warn("Connection listener full, state change dropped",
				zap.Stringer("state", state))
		}
	}
}

func (c *Client) Send(ctx context.Context, req Request) <-chan Result {
	out := make(chan Result, 1)
	go func() {
		resp, err := c.roundTrip(ctx, req)
		out <- Result{Response: resp, Err: err}
	}()
	return out
}

func (c *Client) roundTrip(ctx context.Context, req Request) (*Response, error) {
	select {
	case c.exchange <- struct{}{}:
	case <-ctx.Done():
		return nil, types.WrapError(types.ErrorCancelled, ctx.Err(), "%s not sent", req.Command)
	}
	defer func() { <-c.exchange }()

	c.mu.Lock()
	if c.state != Attached {
		c.mu.Unlock()
		return nil, types.NewError(types.ErrorDeviceUnavailable, "%s: device not attached", req.Command)
	}
	c.commandID++
	id := c.commandID
	pe := &pendingExchange{frames: make(chan *Frame, 16)}
	c.pending[id] = pe
	conn := c.conn
	gone := c.gone
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
	}()

	frame := &Frame{ID: id, Command: req.Command, Fields: req.Args, Payload: req.Payload}
	data, err := frame.Encode()
	if err != nil {
		return nil, types.WrapError(types.ErrorPrecondition, err, "%s: invalid request", req.Command)
	}

	if _, err := conn.Write(data); err != nil {
		c.detach(gone, fmt.Errorf("write failed: %w", err))
		return nil, types.WrapError(types.ErrorDeviceDisconnected, err, "%s: write failed", req.Command)
	}

	timer := time.NewTimer(c.timeout)
	defer timer.Stop()

	resp := &Response{Fields: map[string]any{}}
	for {
		select {
		case f := <-pe.frames:
			if f.Status != StatusOK {
				return nil, types.WrapError(types.ErrorProtocolRejected,
					&RejectedError{Command: req.Command, Status: f.Status}, "%s rejected", req.Command)
			}
			mergeFrame(resp, f)
			if !f.HasNext {
				return resp, nil
			}
			timer.Reset(c.timeout)

		case <-timer.C:
			return nil, types.NewError(types.ErrorTimeout, "%s: no response within %s", req.Command, c.timeout)

		case <-gone:
			return nil, types.NewError(types.ErrorDeviceDisconnected, "%s: link dropped", req.Command)

		case <-ctx.Done():
			return nil, types.WrapError(types.ErrorCancelled, ctx.Err(), "%s: abandoned", req.Command)
		}
	}
}

// mergeFrame folds a partial response into resp. List fields are
// concatenated, payloads appended, scalars overwritten.
func mergeFrame(resp *Response, f *Frame) {
	for k, v := range f.Fields {
		if list, ok := v.([]any); ok {
			if prev, ok := resp.Fields[k].([]any); ok {
				resp.Fields[k] = append(prev, list...)
				continue
			}
		}
		resp.Fields[k] = v
	}
	resp.Payload = append(resp.Payload, f.Payload...)
}

func (c *Client) readLoop(conn io.ReadWriteCloser, gone chan struct{}) {
	reader := NewFrameReader(conn)
	for {
		f, err := reader.ReadFrame()
		if err != nil {
			c.detach(gone, fmt.Errorf("read failed: %w", err))
			return
		}

		c.mu.Lock()
		pe, ok := c.pending[f.ID]
		c.mu.Unlock()

		if !ok {
			c.logger.Debug("Dropping unsolicited frame",
				zap.Uint32("command_id", f.ID),
				zap.String("command", f.Command))
			continue
		}

		select {
		case pe.frames <- f:
		default:
			c.logger.Warn("Response buffer full, frame dropped", zap.Uint32("command_id", f.ID))
		}
	}
}
