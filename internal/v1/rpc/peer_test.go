package rpc

import (
	"context"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/collabhub/broker/internal/v1/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// fakeSocket is an in-memory Socket used to test Peer without a real
// websocket. Two fakeSockets created by newFakeSocketPair share a pair of
// channels so writes on one side arrive as reads on the other, the same
// role net.Pipe plays for raw io.ReadWriter tests.
type fakeSocket struct {
	in     chan Envelope
	out    chan Envelope
	once   sync.Once
	closed chan struct{}
}

func newFakeSocketPair() (*fakeSocket, *fakeSocket) {
	ab := make(chan Envelope, 16)
	ba := make(chan Envelope, 16)
	a := &fakeSocket{in: ba, out: ab, closed: make(chan struct{})}
	b := &fakeSocket{in: ab, out: ba, closed: make(chan struct{})}
	return a, b
}

func (f *fakeSocket) ReadJSON(v any) error {
	select {
	case e, ok := <-f.in:
		if !ok {
			return io.EOF
		}
		*(v.(*Envelope)) = e
		return nil
	case <-f.closed:
		return io.EOF
	}
}

func (f *fakeSocket) WriteJSON(v any) error {
	e := *(v.(*Envelope))
	select {
	case f.out <- e:
		return nil
	case <-f.closed:
		return io.EOF
	}
}

func (f *fakeSocket) SetWriteDeadline(time.Time) error { return nil }

func (f *fakeSocket) Close() error {
	f.once.Do(func() { close(f.closed) })
	return nil
}

func TestSendDeliversToRemotePeer(t *testing.T) {
	p := NewPeer()
	server, client := newFakeSocketPair()
	conn := p.AddConnection(1, server)
	defer p.RemoveConnection(1)

	require.NoError(t, p.Send(1, TypeHello, map[string]int{"peer_id": 1}))

	var got Envelope
	require.NoError(t, client.ReadJSON(&got))
	assert.Equal(t, TypeHello, got.Type)
	_ = conn
}

func TestRequestWaitsForMatchingReply(t *testing.T) {
	p := NewPeer()
	server, client := newFakeSocketPair()
	p.AddConnection(1, server)
	defer p.RemoveConnection(1)

	go func() {
		var req Envelope
		if client.ReadJSON(&req) != nil {
			return
		}
		_ = client.WriteJSON(&Envelope{Type: TypeAck, ID: 999, RespondingTo: req.ID})
	}()

	var reply struct{}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	err := p.Request(ctx, 1, TypePing, nil, &reply)
	assert.NoError(t, err)
}

func TestRequestPropagatesRemoteError(t *testing.T) {
	p := NewPeer()
	server, client := newFakeSocketPair()
	p.AddConnection(1, server)
	defer p.RemoveConnection(1)

	go func() {
		var req Envelope
		if client.ReadJSON(&req) != nil {
			return
		}
		_ = client.WriteJSON(&Envelope{
			Type:         TypeError,
			ID:           999,
			RespondingTo: req.ID,
			Payload:      encodePayload(ErrorPayload{Code: "permission_denied", Message: "nope"}),
		})
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	err := p.Request(ctx, 1, TypeJoinProject, nil, nil)
	assert.Error(t, err)
}

func TestRequestTimesOutWhenNoReplyArrives(t *testing.T) {
	p := NewPeer()
	server, client := newFakeSocketPair()
	p.AddConnection(1, server)
	defer p.RemoveConnection(1)
	defer client.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	err := p.Request(ctx, 1, TypePing, nil, nil)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestRequestUnknownConnection(t *testing.T) {
	p := NewPeer()
	err := p.Request(context.Background(), 99, TypePing, nil, nil)
	assert.ErrorIs(t, err, store.ErrUnknownConnection)
}

func TestForwardSendStampsSenderID(t *testing.T) {
	p := NewPeer()
	server, client := newFakeSocketPair()
	p.AddConnection(2, server)
	defer p.RemoveConnection(2)

	require.NoError(t, p.ForwardSend(1, 2, TypeUpdateBuffer, nil))

	var got Envelope
	require.NoError(t, client.ReadJSON(&got))
	assert.Equal(t, store.ConnectionID(1), got.SenderID)
}

func TestBroadcastSkipsSenderAndTolerantOfDeadRecipient(t *testing.T) {
	p := NewPeer()
	s1, c1 := newFakeSocketPair()
	p.AddConnection(1, s1)
	defer p.RemoveConnection(1)

	var errs []store.ConnectionID
	p.Broadcast([]store.ConnectionID{1, 2, 3}, 1, TypeRoomUpdated, nil, func(id store.ConnectionID, err error) {
		errs = append(errs, id)
	})

	assert.ElementsMatch(t, []store.ConnectionID{2, 3}, errs, "unregistered recipients should be reported, not fatal")

	select {
	case <-c1.in:
		t.Fatal("sender must not receive its own broadcast")
	case <-time.After(20 * time.Millisecond):
	}
}

func TestRemoveConnectionIsIdempotent(t *testing.T) {
	p := NewPeer()
	server, _ := newFakeSocketPair()
	p.AddConnection(1, server)
	p.RemoveConnection(1)
	p.RemoveConnection(1)

	_, err := p.Connection(1)
	assert.ErrorIs(t, err, store.ErrUnknownConnection)
}
