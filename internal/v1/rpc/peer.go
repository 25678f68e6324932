package rpc

import (
	"context"
	"fmt"
	"sync"

	"github.com/collabhub/broker/internal/v1/store"
)

// Peer is the broker's connection registry and message bus: it owns every
// live Connection, assigns nothing itself (ConnectionIDs come from the
// caller, typically a monotonic counter in internal/v1/server), and
// provides the four verbs the rest of the broker needs to talk to clients —
// Send, Request, Respond and the Forward* variants used when relaying a
// message on behalf of one connection to another (project host forwarding,
// LSP-style requests, call invitations).
type Peer struct {
	mu    sync.RWMutex
	conns map[store.ConnectionID]*Connection
}

// NewPeer returns an empty Peer.
func NewPeer() *Peer {
	return &Peer{conns: make(map[store.ConnectionID]*Connection)}
}

// AddConnection registers sock under id and starts its read/write pumps.
// Callers must eventually call RemoveConnection (directly or via
// Disconnect) or the pumps leak.
func (p *Peer) AddConnection(id store.ConnectionID, sock Socket) *Connection {
	c := newConnection(id, sock)
	p.mu.Lock()
	p.conns[id] = c
	p.mu.Unlock()

	go c.readPump()
	go c.writePump()
	return c
}

// RemoveConnection unregisters and closes a connection. Safe to call more
// than once or on an id that was never registered.
func (p *Peer) RemoveConnection(id store.ConnectionID) {
	p.mu.Lock()
	c, ok := p.conns[id]
	if ok {
		delete(p.conns, id)
	}
	p.mu.Unlock()
	if ok {
		c.Close()
	}
}

// Disconnect is an alias for RemoveConnection kept for readability at call
// sites that are specifically tearing a client down rather than merely
// looking it up.
func (p *Peer) Disconnect(id store.ConnectionID) { p.RemoveConnection(id) }

func (p *Peer) get(id store.ConnectionID) (*Connection, error) {
	p.mu.RLock()
	c, ok := p.conns[id]
	p.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: connection %d", store.ErrUnknownConnection, id)
	}
	return c, nil
}

// Send pushes a one-way message to a connection; the caller does not expect
// and will not wait for a reply.
func (p *Peer) Send(id store.ConnectionID, t MessageType, payload any) error {
	c, err := p.get(id)
	if err != nil {
		return err
	}
	return c.enqueue(Envelope{Type: t, ID: c.allocID(), Payload: encodePayload(payload)})
}

// Request sends a message to a connection and blocks until that connection
// replies, ctx is canceled, or the connection disconnects. reply, if
// non-nil, receives the decoded response payload.
func (p *Peer) Request(ctx context.Context, id store.ConnectionID, t MessageType, payload any, reply any) error {
	c, err := p.get(id)
	if err != nil {
		return err
	}
	msgID := c.allocID()
	ch := c.awaitReply(msgID)
	if err := c.enqueue(Envelope{Type: t, ID: msgID, Payload: encodePayload(payload)}); err != nil {
		c.cancelAwait(msgID)
		return err
	}

	resp, err := waitForReply(ctx, ch)
	if err != nil {
		c.cancelAwait(msgID)
		return err
	}
	if resp.Type == TypeError {
		var ep ErrorPayload
		_ = resp.DecodePayload(&ep)
		return fmt.Errorf("rpc: remote error %s: %s", ep.Code, ep.Message)
	}
	if reply != nil {
		return resp.DecodePayload(reply)
	}
	return nil
}

// Respond answers a request a connection sent, identified by requestID
// (the request Envelope's ID). Each request must be answered exactly once;
// internal/v1/server enforces that at the handler-table layer.
func (p *Peer) Respond(id store.ConnectionID, requestID uint32, t MessageType, payload any) error {
	c, err := p.get(id)
	if err != nil {
		return err
	}
	return c.enqueue(Envelope{Type: t, ID: c.allocID(), RespondingTo: requestID, Payload: encodePayload(payload)})
}

// RespondWithError answers a request with a TypeError envelope instead of a
// normal payload.
func (p *Peer) RespondWithError(id store.ConnectionID, requestID uint32, code, message string) error {
	c, err := p.get(id)
	if err != nil {
		return err
	}
	return c.enqueue(Envelope{
		Type:         TypeError,
		ID:           c.allocID(),
		RespondingTo: requestID,
		Payload:      encodePayload(ErrorPayload{Code: code, Message: message}),
	})
}

// ForwardSend relays a one-way message to `to` on behalf of `from`,
// stamping SenderID so the recipient can attribute it (e.g. UpdateBuffer
// forwarded from a guest to the project host, or the host's broadcast back
// out to every other guest).
func (p *Peer) ForwardSend(from, to store.ConnectionID, t MessageType, payload any) error {
	c, err := p.get(to)
	if err != nil {
		return err
	}
	return c.enqueue(Envelope{Type: t, ID: c.allocID(), SenderID: from, Payload: encodePayload(payload)})
}

// ForwardRequest relays a request to `to` on behalf of `from` and blocks for
// its reply, the pattern used for forward_project_request (LSP-shaped
// round trips the project host alone can answer) and save_buffer.
func (p *Peer) ForwardRequest(ctx context.Context, from, to store.ConnectionID, t MessageType, payload any, reply any) error {
	c, err := p.get(to)
	if err != nil {
		return err
	}
	msgID := c.allocID()
	ch := c.awaitReply(msgID)
	if err := c.enqueue(Envelope{Type: t, ID: msgID, SenderID: from, Payload: encodePayload(payload)}); err != nil {
		c.cancelAwait(msgID)
		return err
	}

	resp, err := waitForReply(ctx, ch)
	if err != nil {
		c.cancelAwait(msgID)
		return err
	}
	if resp.Type == TypeError {
		var ep ErrorPayload
		_ = resp.DecodePayload(&ep)
		return fmt.Errorf("rpc: remote error %s: %s", ep.Code, ep.Message)
	}
	if reply != nil {
		return resp.DecodePayload(reply)
	}
	return nil
}

// Broadcast fans a one-way message out to every id in to, skipping sender
// and logging (but not failing the caller on) any individual delivery
// error — mirroring the original broker's best-effort broadcast helper,
// where one dead recipient must never abort fan-out to the rest.
func (p *Peer) Broadcast(to []store.ConnectionID, sender store.ConnectionID, t MessageType, payload any, onErr func(store.ConnectionID, error)) {
	encoded := encodePayload(payload)
	for _, id := range to {
		if id == sender {
			continue
		}
		c, err := p.get(id)
		if err != nil {
			if onErr != nil {
				onErr(id, err)
			}
			continue
		}
		if err := c.enqueue(Envelope{Type: t, ID: c.allocID(), Payload: encoded}); err != nil {
			if onErr != nil {
				onErr(id, err)
			}
		}
	}
}

// Connection returns the registered Connection for id, for callers (the
// dispatcher) that need to read its Incoming channel directly.
func (p *Peer) Connection(id store.ConnectionID) (*Connection, error) {
	return p.get(id)
}
