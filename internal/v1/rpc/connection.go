package rpc

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/collabhub/broker/internal/v1/store"
)

// Socket is the minimal transport surface a Connection needs. The real
// implementation wraps *websocket.Conn (internal/v1/server); tests
// substitute an in-memory fake so Peer's correlation logic can be exercised
// without a network round-trip, the same split the teacher draws with its
// wsConnection interface.
type Socket interface {
	ReadJSON(v any) error
	WriteJSON(v any) error
	SetWriteDeadline(t time.Time) error
	Close() error
}

const (
	outboxSize    = 256
	writeWait     = 10 * time.Second
)

// Connection is one client's live session: a Socket, a buffered outbox
// drained by writePump, and the bookkeeping needed to correlate a reply
// with whichever Request call is waiting on it.
type Connection struct {
	ID   store.ConnectionID
	sock Socket

	out chan Envelope
	// Incoming carries every envelope that is not itself a reply
	// (RespondingTo == 0) for internal/v1/server's dispatcher to consume.
	Incoming chan Envelope

	nextID uint32

	mu      sync.Mutex
	pending map[uint32]chan Envelope
	closed  bool
	done    chan struct{}
	doneClosed bool
}

func newConnection(id store.ConnectionID, sock Socket) *Connection {
	return &Connection{
		ID:       id,
		sock:     sock,
		out:      make(chan Envelope, outboxSize),
		Incoming: make(chan Envelope, outboxSize),
		pending:  make(map[uint32]chan Envelope),
		done:     make(chan struct{}),
	}
}

// Done returns a channel that's closed once the connection has been torn
// down, for a dispatcher loop selecting on Incoming to know when to stop.
func (c *Connection) Done() <-chan struct{} {
	return c.done
}

// allocID hands out the next outbound message id for this connection.
func (c *Connection) allocID() uint32 {
	return atomic.AddUint32(&c.nextID, 1)
}

// enqueue pushes an envelope onto the outbox, dropping it (and reporting an
// error) rather than blocking if the client isn't draining fast enough —
// the same non-blocking-send-or-drop policy the teacher's client.go applies
// to its own outbound channel.
func (c *Connection) enqueue(e Envelope) error {
	select {
	case c.out <- e:
		return nil
	default:
		return fmt.Errorf("rpc: outbox full for connection %d, dropping %s", c.ID, e.Type)
	}
}

// awaitReply registers a pending correlation entry for id and returns a
// channel that receives exactly one envelope, or is closed with no value if
// the connection is torn down first.
func (c *Connection) awaitReply(id uint32) chan Envelope {
	ch := make(chan Envelope, 1)
	c.mu.Lock()
	c.pending[id] = ch
	c.mu.Unlock()
	return ch
}

func (c *Connection) cancelAwait(id uint32) {
	c.mu.Lock()
	delete(c.pending, id)
	c.mu.Unlock()
}

// deliver routes an incoming envelope: replies resolve a pending Request,
// everything else goes to Incoming for the dispatcher.
func (c *Connection) deliver(e Envelope) {
	if e.RespondingTo != 0 {
		c.mu.Lock()
		ch, ok := c.pending[e.RespondingTo]
		if ok {
			delete(c.pending, e.RespondingTo)
		}
		c.mu.Unlock()
		if ok {
			ch <- e
		}
		return
	}
	select {
	case c.Incoming <- e:
	default:
		// Dispatcher is falling behind badly enough that the incoming
		// queue is full; drop rather than block the read pump and stall
		// the whole connection.
	}
}

// writePump drains the outbox onto the socket until the connection closes.
func (c *Connection) writePump() {
	for e := range c.out {
		_ = c.sock.SetWriteDeadline(time.Now().Add(writeWait))
		if err := c.sock.WriteJSON(&e); err != nil {
			return
		}
	}
}

// readPump reads envelopes off the socket until it errors or closes,
// delivering each one and signaling Done when the socket is no longer
// readable, so a dispatcher blocked on Incoming learns the client is gone
// even before anyone calls Close explicitly.
func (c *Connection) readPump() {
	defer c.signalDone()
	for {
		var e Envelope
		if err := c.sock.ReadJSON(&e); err != nil {
			return
		}
		c.deliver(e)
	}
}

func (c *Connection) signalDone() {
	c.mu.Lock()
	if c.doneClosed {
		c.mu.Unlock()
		return
	}
	c.doneClosed = true
	c.mu.Unlock()
	close(c.done)
}

// Close tears down the connection's channels and underlying socket. Safe to
// call more than once.
func (c *Connection) Close() {
	c.signalDone()

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	pending := c.pending
	c.pending = nil
	c.mu.Unlock()

	for _, ch := range pending {
		close(ch)
	}
	close(c.out)
	_ = c.sock.Close()
}

// waitForReply blocks until either ch yields an envelope, ctx is done, or
// the connection closes (ch is closed with no value).
func waitForReply(ctx context.Context, ch chan Envelope) (Envelope, error) {
	select {
	case e, ok := <-ch:
		if !ok {
			return Envelope{}, fmt.Errorf("rpc: connection closed while awaiting reply")
		}
		return e, nil
	case <-ctx.Done():
		return Envelope{}, ctx.Err()
	}
}
