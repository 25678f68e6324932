// Package server is the broker's composition root: it owns the Peer
// connection registry, the Store domain model, the durable Db, and an
// optional LiveKit client, and wires them together behind one handler table
// keyed by rpc.MessageType, matching §4.3/§4.4 of the broker design this
// module implements.
package server

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/collabhub/broker/internal/v1/db"
	"github.com/collabhub/broker/internal/v1/livekit"
	"github.com/collabhub/broker/internal/v1/logging"
	"github.com/collabhub/broker/internal/v1/ratelimit"
	"github.com/collabhub/broker/internal/v1/rpc"
	"github.com/collabhub/broker/internal/v1/store"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

var tracer = otel.Tracer("github.com/collabhub/broker/internal/v1/server")

// MaxWorktreeChunkProd and MaxWorktreeChunkTest are the §4.6 MAX_CHUNK_SIZE
// values: production streams up to 256 worktree entries per UpdateWorktree
// chunk, tests use 2 so chunking logic runs on small fixtures without
// needing thousands of synthetic entries.
const (
	MaxWorktreeChunkProd = 256
	MaxWorktreeChunkTest = 2

	// MessageCountPerPage is the page size JoinChannel/GetChannelMessages
	// use, per §4.7.
	MessageCountPerPage = 100

	// MaxChannelMessageLen is the §3/§8 body length ceiling.
	MaxChannelMessageLen = 1024
)

// handlerFunc handles one decoded envelope for one connection. req is nil
// for message (fire-and-forget) handlers. Returning a non-nil reply for a
// message handler is ignored; a request handler that returns (nil, nil)
// answers with an empty Ack-shaped payload.
type handlerFunc func(ctx context.Context, s *Server, conn store.ConnectionID, env rpc.Envelope) (reply any, err error)

// handlerEntry records whether a message type expects a reply, matching the
// request/message split in §4.3.
type handlerEntry struct {
	fn        handlerFunc
	isRequest bool
}

// Server is the broker's composition root.
type Server struct {
	Peer       *rpc.Peer
	Store      *store.Store
	Db         db.Db
	LiveKit    livekit.Client
	RateLimit  *ratelimit.RateLimiter

	WorktreeChunkSize int

	nextConnID uint32

	handlers map[rpc.MessageType]handlerEntry

	fgMu       sync.Mutex
	fgInFlight map[store.ConnectionID]int
}

// New constructs a Server with the production worktree chunk size and the
// default handler table registered.
func New(peer *rpc.Peer, st *store.Store, database db.Db, lk livekit.Client, rl *ratelimit.RateLimiter) *Server {
	s := &Server{
		Peer:              peer,
		Store:             st,
		Db:                database,
		LiveKit:           lk,
		RateLimit:         rl,
		WorktreeChunkSize: MaxWorktreeChunkProd,
		handlers:          make(map[rpc.MessageType]handlerEntry),
		fgInFlight:        make(map[store.ConnectionID]int),
	}
	s.registerHandlers()
	return s
}

// NextConnectionID hands out the next ConnectionID for a freshly upgraded
// socket.
func (s *Server) NextConnectionID() store.ConnectionID {
	return store.ConnectionID(atomic.AddUint32(&s.nextConnID, 1))
}

func (s *Server) register(t rpc.MessageType, isRequest bool, fn handlerFunc) {
	s.handlers[t] = handlerEntry{fn: fn, isRequest: isRequest}
}

// dispatch runs the handler registered for env.Type, replying or logging per
// §4.3's request/message split, and is safe to call concurrently for
// different envelopes on the same or different connections.
func (s *Server) dispatch(ctx context.Context, conn store.ConnectionID, env rpc.Envelope) {
	ctx, span := tracer.Start(ctx, "server.dispatch",
		trace.WithAttributes(
			attribute.String("rpc.message_type", string(env.Type)),
			attribute.Int64("rpc.connection_id", int64(conn)),
		))
	defer span.End()

	entry, ok := s.handlers[env.Type]
	if !ok {
		logging.Warn(ctx, "dropping envelope of unknown type", zap.String("type", string(env.Type)))
		if env.ID != 0 {
			// Unknown request types still deserve a protocol error reply
			// rather than silence, so the client doesn't hang.
			_ = s.Peer.RespondWithError(conn, env.ID, "unknown_message_type", fmt.Sprintf("unknown message type %q", env.Type))
		}
		return
	}

	reply, err := entry.fn(ctx, s, conn, env)
	if err != nil {
		logging.Warn(ctx, "handler error",
			zap.String("type", string(env.Type)), zap.Uint32("conn", uint32(conn)), zap.Error(err))
		if entry.isRequest {
			code, msg := classifyError(err)
			_ = s.Peer.RespondWithError(conn, env.ID, code, msg)
		}
		return
	}

	if entry.isRequest {
		if reply == nil {
			reply = AckPayload{}
		}
		if sendErr := s.Peer.Respond(conn, env.ID, replyType(env.Type), reply); sendErr != nil {
			logging.Warn(ctx, "failed to send reply", zap.Error(sendErr))
		}
	}
}

// replyType names the envelope Type a handler's reply is sent as. Most
// reply types follow the "<Request>Response" convention; Ack-only request
// handlers reply with TypeAck.
func replyType(reqType rpc.MessageType) rpc.MessageType {
	if t, ok := responseTypes[reqType]; ok {
		return t
	}
	return rpc.TypeAck
}

var responseTypes = map[rpc.MessageType]rpc.MessageType{
	rpc.TypeCreateRoom:         rpc.TypeCreateRoomResponse,
	rpc.TypeJoinRoom:           rpc.TypeJoinRoomResponse,
	rpc.TypeShareProject:       rpc.TypeShareProjectResponse,
	rpc.TypeJoinProject:        rpc.TypeJoinProjectResponse,
	rpc.TypeGetUsers:           rpc.TypeGetUsersResponse,
	rpc.TypeFuzzySearchUsers:   rpc.TypeGetUsersResponse,
	rpc.TypeGetChannels:        rpc.TypeGetChannelsResponse,
	rpc.TypeJoinChannel:        rpc.TypeJoinChannelResponse,
	rpc.TypeSendChannelMessage: rpc.TypeChannelMessageSent,
	rpc.TypeGetChannelMessages: rpc.TypeGetChannelMessagesResp,
	rpc.TypeGetPrivateUserInfo: rpc.TypeGetPrivateUserInfo,
}

func (s *Server) registerHandlers() {
	// Connection lifecycle
	s.register(rpc.TypePing, true, handlePing)

	// Rooms & calls
	s.register(rpc.TypeCreateRoom, true, handleCreateRoom)
	s.register(rpc.TypeCall, true, handleCall)
	s.register(rpc.TypeCancelCall, true, handleCancelCall)
	s.register(rpc.TypeDeclineCall, false, handleDeclineCall)
	s.register(rpc.TypeJoinRoom, true, handleJoinRoom)
	s.register(rpc.TypeLeaveRoom, false, handleLeaveRoom)
	s.register(rpc.TypeUpdateParticipantLocation, true, handleUpdateParticipantLocation)

	// Project sharing
	s.register(rpc.TypeShareProject, true, handleShareProject)
	s.register(rpc.TypeUnshareProject, false, handleUnshareProject)
	s.register(rpc.TypeJoinProject, true, handleJoinProject)
	s.register(rpc.TypeLeaveProject, false, handleLeaveProject)
	s.register(rpc.TypeUpdateWorktree, true, handleUpdateWorktree)
	s.register(rpc.TypeRegisterProjectActivity, true, handleRegisterProjectActivity)
	s.register(rpc.TypeSaveBuffer, true, handleSaveBuffer)
	s.register(rpc.TypeForwardProjectRequest, true, handleForwardProjectRequest)

	for _, t := range []rpc.MessageType{
		rpc.TypeUpdateBuffer, rpc.TypeUpdateBufferFile, rpc.TypeBufferReloaded, rpc.TypeBufferSaved,
		rpc.TypeUpdateDiffBase, rpc.TypeCreateBufferForPeer, rpc.TypeStartLanguageServer,
		rpc.TypeUpdateLanguageServer, rpc.TypeUpdateDiagnosticSummary, rpc.TypeUpdateWorktreeExtensions,
		rpc.TypeFollow, rpc.TypeUnfollow, rpc.TypeUpdateFollowers,
	} {
		s.register(t, false, handleForwardToProject)
	}

	// Contacts
	s.register(rpc.TypeRequestContact, true, handleRequestContact)
	s.register(rpc.TypeRespondToContactRequest, true, handleRespondToContactRequest)
	s.register(rpc.TypeRemoveContact, true, handleRemoveContact)
	s.register(rpc.TypeGetUsers, true, handleGetUsers)
	s.register(rpc.TypeFuzzySearchUsers, true, handleFuzzySearchUsers)
	s.register(rpc.TypeGetPrivateUserInfo, true, handleGetPrivateUserInfo)

	// Channels
	s.register(rpc.TypeGetChannels, true, handleGetChannels)
	s.register(rpc.TypeJoinChannel, true, handleJoinChannel)
	s.register(rpc.TypeLeaveChannel, false, handleLeaveChannel)
	s.register(rpc.TypeSendChannelMessage, true, handleSendChannelMessage)
	s.register(rpc.TypeGetChannelMessages, true, handleGetChannelMessages)
}

// markForegroundStart/markForegroundDone count in-flight foreground handlers
// per connection; nothing reads the counts. Foreground handlers on one
// connection are not serialized: drive runs each on its own goroutine, so
// they may complete in any order.
func (s *Server) markForegroundStart(conn store.ConnectionID) {
	s.fgMu.Lock()
	s.fgInFlight[conn]++
	s.fgMu.Unlock()
}

func (s *Server) markForegroundDone(conn store.ConnectionID) {
	s.fgMu.Lock()
	s.fgInFlight[conn]--
	if s.fgInFlight[conn] <= 0 {
		delete(s.fgInFlight, conn)
	}
	s.fgMu.Unlock()
}
