package server

import (
	"context"
	"fmt"

	"github.com/collabhub/broker/internal/v1/logging"
	"github.com/collabhub/broker/internal/v1/rpc"
	"github.com/collabhub/broker/internal/v1/store"
	"go.uber.org/zap"
)

func handlePing(ctx context.Context, s *Server, conn store.ConnectionID, env rpc.Envelope) (any, error) {
	return AckPayload{}, nil
}

func handleCreateRoom(ctx context.Context, s *Server, conn store.ConnectionID, env rpc.Envelope) (any, error) {
	room, err := s.Store.CreateRoom(conn)
	if err != nil {
		return nil, err
	}

	lkName := fmt.Sprintf("room-%d", room.ID)
	var token string
	if s.LiveKit != nil {
		if err := s.LiveKit.CreateRoom(ctx, lkName); err != nil {
			logging.Warn(ctx, "livekit room creation failed", zap.Error(err))
		} else if err := s.Store.SetRoomLiveKitName(room.ID, lkName); err != nil {
			logging.Warn(ctx, "failed to record livekit room name", zap.Error(err))
		}
		if t, err := roomToken(s, lkName, conn, true); err != nil {
			logging.Warn(ctx, "livekit token mint failed", zap.Error(err))
		} else {
			token = t
		}
	}

	return CreateRoomResponse{Room: toRoomSnapshot(room), LiveKitToken: token}, nil
}

func roomToken(s *Server, lkRoomName string, conn store.ConnectionID, canPublish bool) (string, error) {
	uid, err := s.Store.UserIDForConnection(conn)
	if err != nil {
		return "", err
	}
	return s.LiveKit.RoomToken(lkRoomName, fmt.Sprintf("%d", uid), canPublish)
}

func handleCall(ctx context.Context, s *Server, conn store.ConnectionID, env rpc.Envelope) (any, error) {
	var p CallPayload
	if err := env.DecodePayload(&p); err != nil {
		return nil, err
	}

	callerUser, err := s.Store.UserIDForConnection(conn)
	if err != nil {
		return nil, err
	}
	if !isContact(ctx, s, callerUser, p.Recipient) {
		return nil, store.ErrPermissionDenied
	}
	if err := s.Store.Call(p.RoomID, conn, p.Recipient, p.InitialProject); err != nil {
		return nil, err
	}

	recipientConns := s.Store.ConnectionIDsForUser(p.Recipient)
	for _, rc := range recipientConns {
		var resp IncomingCallResponse
		invite := IncomingCallPayload{RoomID: p.RoomID, Caller: callerUser, InitialProject: p.InitialProject}
		if err := s.Peer.Request(ctx, rc, rpc.TypeIncomingCall, invite, &resp); err != nil {
			continue
		}
		if !resp.Accept {
			_ = s.Store.CancelCall(p.RoomID, p.Recipient)
		}
	}

	broadcastRoomUpdated(s, p.RoomID)
	return AckPayload{}, nil
}

func handleCancelCall(ctx context.Context, s *Server, conn store.ConnectionID, env rpc.Envelope) (any, error) {
	var p CancelCallPayload
	if err := env.DecodePayload(&p); err != nil {
		return nil, err
	}
	if err := s.Store.CancelCall(p.RoomID, p.Recipient); err != nil {
		return nil, err
	}
	for _, cid := range s.Store.ConnectionIDsForUser(p.Recipient) {
		_ = s.Peer.Send(cid, rpc.TypeCallCanceled, CallCanceledPayload{RoomID: p.RoomID})
	}
	return AckPayload{}, nil
}

// handleDeclineCall is a message (no reply); the caller is not blocked on
// it, since a decline is also communicated implicitly by the IncomingCall
// request reply carrying Accept == false.
func handleDeclineCall(ctx context.Context, s *Server, conn store.ConnectionID, env rpc.Envelope) (any, error) {
	var p DeclineCallPayload
	if err := env.DecodePayload(&p); err != nil {
		return nil, err
	}
	recipient, err := s.Store.UserIDForConnection(conn)
	if err != nil {
		return nil, err
	}
	return nil, s.Store.CancelCall(p.RoomID, recipient)
}

func handleJoinRoom(ctx context.Context, s *Server, conn store.ConnectionID, env rpc.Envelope) (any, error) {
	var p JoinRoomPayload
	if err := env.DecodePayload(&p); err != nil {
		return nil, err
	}

	// A race exists between a recipient's two connections: one accepts the
	// IncomingCall request while the other is also offered it. JoinRoom
	// clears this connection's user from PendingByUser as part of seating
	// it, so any IncomingCall reply still in flight on a sibling connection
	// harmlessly finds nothing left to cancel.
	room, err := s.Store.JoinRoom(p.RoomID, conn)
	if err != nil {
		return nil, err
	}

	broadcastRoomUpdated(s, p.RoomID)

	var token string
	if s.LiveKit != nil && room.LiveKitRoom != "" {
		if t, err := roomToken(s, room.LiveKitRoom, conn, true); err != nil {
			logging.Warn(ctx, "livekit token mint failed", zap.Error(err))
		} else {
			token = t
		}
	}

	return JoinRoomResponse{Room: toRoomSnapshot(room), LiveKitToken: token}, nil
}

// handleLeaveRoom is a message: the client that sends it is already
// departing and isn't waiting on a reply before tearing down its own UI.
func handleLeaveRoom(ctx context.Context, s *Server, conn store.ConnectionID, env rpc.Envelope) (any, error) {
	var p LeaveRoomPayload
	if err := env.DecodePayload(&p); err != nil {
		return nil, err
	}
	deleted, _, err := s.Store.LeaveRoom(p.RoomID, conn)
	if err != nil {
		return nil, err
	}
	if !deleted {
		broadcastRoomUpdated(s, p.RoomID)
	}
	return nil, nil
}

func handleUpdateParticipantLocation(ctx context.Context, s *Server, conn store.ConnectionID, env rpc.Envelope) (any, error) {
	var p UpdateParticipantLocationPayload
	if err := env.DecodePayload(&p); err != nil {
		return nil, err
	}
	loc := &store.Location{ProjectID: p.ProjectID, WorktreeID: p.WorktreeID}
	if err := s.Store.UpdateParticipantLocation(p.RoomID, conn, loc); err != nil {
		return nil, err
	}
	broadcastRoomUpdated(s, p.RoomID)
	return AckPayload{}, nil
}

func broadcastRoomUpdated(s *Server, roomID store.RoomID) {
	room, err := s.Store.Room(roomID)
	if err != nil {
		return
	}
	targets := s.Store.RoomParticipantConnections(roomID)
	if len(targets) == 0 {
		return
	}
	s.Peer.Broadcast(targets, 0, rpc.TypeRoomUpdated, RoomUpdatedPayload{Room: toRoomSnapshot(room)}, nil)
}

func toRoomSnapshot(room *store.Room) RoomSnapshot {
	snap := RoomSnapshot{RoomID: room.ID, HostProject: room.HostProject}
	for _, p := range room.Participants {
		snap.Participants = append(snap.Participants, ParticipantInfo{
			ConnectionID: p.ConnectionID,
			UserID:       p.UserID,
			IsHost:       p.Role == store.RoleHost,
		})
	}
	for _, p := range room.PendingByUser {
		snap.Pending = append(snap.Pending, PendingParticipantInfo{UserID: p.UserID})
	}
	return snap
}

// isContact is the authority behind the Call permission check: it asks Db
// directly rather than the in-memory Store, since the in-memory contact
// projection only ever reflects what this process itself has observed and
// would silently treat a real, durable contact as a stranger after a
// restart.
func isContact(ctx context.Context, s *Server, a, b store.UserID) bool {
	ok, err := s.Db.HasContact(ctx, uint64(a), uint64(b))
	if err != nil {
		logging.Warn(ctx, "has_contact check failed", zap.Error(err))
		return false
	}
	return ok
}
