package session

import (
	"bytes"
	"context"
	"net"
	"testing"
	"time"

	"github.com/KevinKickass/OpenDeviceCore/internal/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

// fakeDevice answers frames read from its end of a pipe.
type fakeDevice struct {
	conn   net.Conn
	answer func(req *Frame) []*Frame
}

func (d *fakeDevice) serve() {
	reader := NewFrameReader(d.conn)
	for {
		req, err := reader.ReadFrame()
		if err != nil {
			return
		}
		for _, f := range d.answer(req) {
			data, err := f.Encode()
			if err != nil {
				return
			}
			if _, err := d.conn.Write(data); err != nil {
				return
			}
		}
	}
}

func newPipeClient(t *testing.T, answer func(req *Frame) []*Frame) (*Client, net.Conn) {
	t.Helper()

	host, device := net.Pipe()
	d := &fakeDevice{conn: device, answer: answer}
	go d.serve()

	c := NewClient(200*time.Millisecond, zaptest.NewLogger(t))
	c.Attach(host)
	t.Cleanup(func() {
		c.Detach(nil)
		device.Close()
	})
	return c, device
}

func await(t *testing.T, ch <-chan Result) Result {
	t.Helper()
	select {
	case r := <-ch:
		return r
	case <-time.After(2 * time.Second):
		t.Fatal("no result delivered")
		return Result{}
	}
}

func TestFrameRoundTrip(t *testing.T) {
	f := &Frame{
		ID:      7,
		Command: CmdStorageList,
		Status:  StatusErrorBusy,
		Fields:  map[string]any{"path": "/ext", "count": float64(3)},
		Payload: []byte{1, 2, 3},
		HasNext: true,
	}

	data, err := f.Encode()
	require.NoError(t, err)

	got, err := NewFrameReader(bytes.NewReader(data)).ReadFrame()
	require.NoError(t, err)
	assert.Equal(t, f, got)
}

func TestClient_SendOK(t *testing.T) {
	c, _ := newPipeClient(t, func(req *Frame) []*Frame {
		return []*Frame{{ID: req.ID, Fields: map[string]any{"hardware_name": "Anana"}}}
	})

	res := await(t, c.Send(context.Background(), Request{Command: CmdDeviceInfo}))
	require.NoError(t, res.Err)
	assert.Equal(t, "Anana", res.Response.String("hardware_name"))
}

func TestClient_MultiPartResponseIsMerged(t *testing.T) {
	c, _ := newPipeClient(t, func(req *Frame) []*Frame {
		return []*Frame{
			{ID: req.ID, HasNext: true, Fields: map[string]any{"files": []any{map[string]any{"name": "a"}}}, Payload: []byte("ab")},
			{ID: req.ID, Fields: map[string]any{"files": []any{map[string]any{"name": "b"}}}, Payload: []byte("cd")},
		}
	})

	res := await(t, c.Send(context.Background(), Request{Command: CmdStorageList}))
	require.NoError(t, res.Err)
	assert.Len(t, res.Response.Entries("files"), 2)
	assert.Equal(t, []byte("abcd"), res.Response.Payload)
}

func TestClient_RejectedStatus(t *testing.T) {
	c, _ := newPipeClient(t, func(req *Frame) []*Frame {
		return []*Frame{{ID: req.ID, Status: StatusErrorStorageDenied}}
	})

	res := await(t, c.Send(context.Background(), Request{Command: CmdStorageWrite}))
	require.Error(t, res.Err)
	assert.Equal(t, types.ErrorProtocolRejected, types.KindOf(res.Err))
	assert.Contains(t, res.Err.Error(), "ERROR_STORAGE_DENIED")

	status, ok := StatusOf(res.Err)
	require.True(t, ok)
	assert.Equal(t, StatusErrorStorageDenied, status)
}

func TestClient_Timeout(t *testing.T) {
	c, _ := newPipeClient(t, func(*Frame) []*Frame { return nil })

	res := await(t, c.Send(context.Background(), Request{Command: CmdPing}))
	assert.Equal(t, types.ErrorTimeout, types.KindOf(res.Err))
}

func TestClient_DropFailsPendingAndNotifies(t *testing.T) {
	c, device := newPipeClient(t, func(*Frame) []*Frame { return nil })
	states, cancel := c.Subscribe()
	defer cancel()

	ch := c.Send(context.Background(), Request{Command: CmdPing})
	time.Sleep(20 * time.Millisecond)
	device.Close()

	res := await(t, ch)
	assert.Equal(t, types.ErrorDeviceDisconnected, types.KindOf(res.Err))

	select {
	case s := <-states:
		assert.Equal(t, Detached, s)
	case <-time.After(time.Second):
		t.Fatal("no detach notification")
	}
	assert.Equal(t, Detached, c.State())
}

func TestClient_SendWhileDetached(t *testing.T) {
	c := NewClient(time.Second, zaptest.NewLogger(t))

	res := await(t, c.Send(context.Background(), Request{Command: CmdPing}))
	assert.Equal(t, types.ErrorDeviceUnavailable, types.KindOf(res.Err))
}

func TestClient_ContextCancelled(t *testing.T) {
	c, _ := newPipeClient(t, func(*Frame) []*Frame { return nil })

	ctx, cancel := context.WithCancel(context.Background())
	ch := c.Send(ctx, Request{Command: CmdPing})
	time.Sleep(10 * time.Millisecond)
	cancel()

	res := await(t, ch)
	assert.Equal(t, types.ErrorCancelled, types.KindOf(res.Err))
}
