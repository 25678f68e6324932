package server

import (
	"context"
	"sync"

	"github.com/collabhub/broker/internal/v1/db"
	"github.com/collabhub/broker/internal/v1/logging"
	"github.com/collabhub/broker/internal/v1/rpc"
	"github.com/collabhub/broker/internal/v1/store"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// HandleConnection drives one client's entire session: it registers the
// connection with the Store, sends Hello, replays the state a freshly
// (re)connected client needs, then pumps envelopes off the connection's
// Incoming channel until the socket dies, finally tearing the connection's
// state down and notifying everyone who needs to know. Callers register the
// Connection with Peer (AddConnection) before calling this; teardown removes
// it from Peer again. HandleConnection returns once the session is fully
// wound down.
func (s *Server) HandleConnection(ctx context.Context, id store.ConnectionID, user *store.User) {
	ctx, span := tracer.Start(ctx, "server.connection",
		trace.WithAttributes(
			attribute.Int64("rpc.connection_id", int64(id)),
			attribute.Int64("user.id", int64(user.ID)),
		))
	defer span.End()

	s.Store.AddConnection(id, user)

	logging.Info(ctx, "connection established", zap.Uint32("conn", uint32(id)), zap.Uint64("user", uint64(user.ID)))

	if err := s.Peer.Send(id, rpc.TypeHello, HelloPayload{PeerID: id}); err != nil {
		logging.Warn(ctx, "failed to send hello", zap.Error(err))
		s.teardown(ctx, id)
		return
	}

	s.onboard(ctx, id, user)

	conn, err := s.Peer.Connection(id)
	if err != nil {
		logging.Warn(ctx, "connection vanished before drive loop started", zap.Error(err))
		s.teardown(ctx, id)
		return
	}

	// Handlers on this connection may issue a blocking Request to another
	// connection (Call ringing a recipient, ForwardProjectRequest awaiting
	// the host, ...). If this connection dies while one of those is still
	// in flight, connCtx unblocks it instead of leaving it waiting on a
	// reply nothing will ever send, which would otherwise wedge drive's
	// WaitGroup and delay teardown indefinitely.
	connCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-conn.Done():
			cancel()
		case <-connCtx.Done():
		}
	}()

	s.drive(connCtx, id, conn)
	s.teardown(ctx, id)
}

// onboard sends the one-time ShowContacts prompt (only the very first time a
// user's account ever completes a handshake) and, on every connection,
// replays the state a client needs to render its UI without further
// round-trips: the current contact list, invite info, and any call this
// user is still being rung for.
func (s *Server) onboard(ctx context.Context, id store.ConnectionID, user *store.User) {
	wasFirst, err := s.Store.MarkConnectedOnce(id)
	if err != nil {
		logging.Warn(ctx, "mark connected once failed", zap.Error(err))
	} else if wasFirst {
		if err := s.Peer.Send(id, rpc.TypeShowContacts, AckPayload{}); err != nil {
			logging.Warn(ctx, "failed to send show_contacts", zap.Error(err))
		}
	}

	// The in-memory Store only ever learns about contacts this process
	// itself mutated; hydrate it from Db first so a contact accepted
	// before this process started (or before a restart) isn't replayed as
	// a stranger.
	if edges, err := s.Db.GetContacts(ctx, uint64(user.ID)); err != nil {
		logging.Warn(ctx, "failed to hydrate contacts from db", zap.Error(err))
	} else {
		s.Store.ReplaceContacts(user.ID, contactsFromEdges(user.ID, edges))
	}

	contacts := s.Store.ContactsForUser(user.ID)
	if err := s.Peer.Send(id, rpc.TypeUpdateContacts, UpdateContactsPayload{Contacts: toContactInfos(user.ID, contacts)}); err != nil {
		logging.Warn(ctx, "failed to send initial contacts", zap.Error(err))
	}

	if err := s.Peer.Send(id, rpc.TypeUpdateInviteInfo, UpdateInviteInfoPayload{Code: user.InviteCode, Count: user.InviteCount}); err != nil {
		logging.Warn(ctx, "failed to send invite info", zap.Error(err))
	}

	if pending := s.Store.PendingCallForUser(user.ID); pending != nil {
		payload := IncomingCallPayload{RoomID: pending.RoomID, Caller: pending.CalledByUserID, InitialProject: pending.InitialProject}
		if err := s.Peer.Send(id, rpc.TypeIncomingCall, payload); err != nil {
			logging.Warn(ctx, "failed to replay pending call", zap.Error(err))
		}
	}
}

// drive pumps conn.Incoming until the socket dies (Done closes) or ctx is
// canceled. Every envelope is dispatched on its own goroutine: this is what
// keeps a synchronous request this connection sent to another connection
// from blocking this connection's ability to answer a request the other
// side sends back in the meantime (the two-client mutual-request deadlock
// the background/foreground split exists to avoid). Background-classified
// messages are fired without further bookkeeping; foreground messages are
// tracked so drive can wait for them to finish before returning.
func (s *Server) drive(ctx context.Context, id store.ConnectionID, conn *rpc.Connection) {
	var wg sync.WaitGroup
	defer wg.Wait()

	for {
		select {
		case <-ctx.Done():
			return
		case <-conn.Done():
			return
		case env, ok := <-conn.Incoming:
			if !ok {
				return
			}
			if rpc.IsBackground(env.Type) {
				go s.dispatch(ctx, id, env)
				continue
			}
			wg.Add(1)
			s.markForegroundStart(id)
			go func(env rpc.Envelope) {
				defer wg.Done()
				defer s.markForegroundDone(id)
				s.dispatch(ctx, id, env)
			}(env)
		}
	}
}

// teardown unwinds every piece of state a connection held and notifies
// every other connection that needs to know, in this order: hosted
// projects, then guest memberships, then room membership, then pending
// calls, then contacts. Guests of a hosted project are not notified; the
// project is only unregistered from Db. Safe to call more than once; RemoveConnection
// itself is idempotent and a second call simply finds nothing left to tear
// down.
func (s *Server) teardown(ctx context.Context, id store.ConnectionID) {
	t, err := s.Store.RemoveConnection(id)
	if err != nil {
		return
	}

	for _, pid := range t.HostedProjects {
		// RemoveConnection already deleted the project together with its
		// collaborator list, so no guest connection ids are left to send
		// UnshareProject (or any other notice) to. Only the Db record is
		// removed here; a guest who acts on the stale project id gets
		// ErrUnknownProject on their next request.
		if err := s.Db.UnregisterProject(ctx, uint64(pid)); err != nil {
			logging.Warn(ctx, "failed to unregister torn-down project", zap.Error(err), zap.Uint64("project", uint64(pid)))
		}
	}

	for _, pid := range t.GuestProjects {
		if targets, err := s.Store.ProjectConnectionIDs(pid); err == nil {
			s.Peer.Broadcast(targets, id, rpc.TypeRemoveProjectCollaborator, RemoveProjectCollaboratorPayload{ProjectID: pid, ConnectionID: id}, logBroadcastErr(ctx))
		}
	}

	if t.LeftRoom != 0 {
		if t.RoomDeleted {
			// nothing to notify; the room no longer exists.
		} else {
			s.Peer.Broadcast(t.RemainingParticipants, id, rpc.TypeRoomLeft, RoomLeftPayload{RoomID: t.LeftRoom}, logBroadcastErr(ctx))
		}
	}

	for _, uid := range t.CanceledCalls {
		for _, cid := range s.Store.ConnectionIDsForUser(uid) {
			if err := s.Peer.Send(cid, rpc.TypeCallCanceled, CallCanceledPayload{}); err != nil {
				logging.Warn(ctx, "failed to notify canceled call", zap.Error(err))
			}
		}
	}

	if t.LastConnectionForUser {
		for _, uid := range t.AffectedContacts {
			for _, cid := range s.Store.ConnectionIDsForUser(uid) {
				contacts := s.Store.ContactsForUser(uid)
				if err := s.Peer.Send(cid, rpc.TypeUpdateContacts, UpdateContactsPayload{Contacts: toContactInfos(uid, contacts)}); err != nil {
					logging.Warn(ctx, "failed to notify contact of disconnect", zap.Error(err))
				}
			}
		}
	}

	s.Peer.RemoveConnection(id)
	logging.Info(ctx, "connection torn down", zap.Uint32("conn", uint32(id)), zap.Uint64("user", uint64(t.UserID)))
}

func logBroadcastErr(ctx context.Context) func(store.ConnectionID, error) {
	return func(cid store.ConnectionID, err error) {
		logging.Warn(ctx, "broadcast delivery failed", zap.Uint32("conn", uint32(cid)), zap.Error(err))
	}
}

// contactsFromEdges converts Db's durable contact edges (owned by user)
// into the in-memory Store.Contact shape ReplaceContacts hydrates with.
func contactsFromEdges(user store.UserID, edges []db.ContactEdge) []store.Contact {
	out := make([]store.Contact, 0, len(edges))
	for _, e := range edges {
		c := store.Contact{UserID: user, OtherID: store.UserID(e.Other)}
		switch {
		case !e.Pending:
			c.State = store.ContactAccepted
		case e.RequestedByOwner:
			c.State = store.ContactRequested
			c.RequestedBy = user
		default:
			c.State = store.ContactRequested
			c.RequestedBy = store.UserID(e.Other)
		}
		out = append(out, c)
	}
	return out
}

func toContactInfos(self store.UserID, contacts []store.Contact) []ContactInfo {
	out := make([]ContactInfo, 0, len(contacts))
	for _, c := range contacts {
		out = append(out, ContactInfo{
			UserID:        c.OtherID,
			Pending:       c.State == store.ContactRequested,
			RequestedByMe: c.State == store.ContactRequested && c.RequestedBy == self,
		})
	}
	return out
}
