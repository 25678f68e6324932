package server

import (
	"testing"
	"time"

	"github.com/collabhub/broker/internal/v1/rpc"
	"github.com/collabhub/broker/internal/v1/store"
	"github.com/stretchr/testify/require"
)

const testTimeout = 2 * time.Second

// makeMutualContacts installs a's and b's contact edge directly on the
// durable Db, the way an acceptance recorded before this process started
// would look — Call's permission check reads only Db, never the in-memory
// Store, so tests must establish contact state there.
func makeMutualContacts(h *testHarness, a, b store.UserID) {
	h.db.setContactEdge(uint64(a), uint64(b), false, false)
	h.db.setContactEdge(uint64(b), uint64(a), false, false)
}

// TestRingAndJoin implements the "Ring & join" end-to-end scenario: u1 (two
// connections) calls u2 (one connection); u2 accepts and joins; every
// connection ends up seeing the same two-participant room, and no
// CallCanceled is emitted because CancelCall was never needed.
func TestRingAndJoin(t *testing.T) {
	h := newTestHarness(t)
	defer h.close()

	u1 := &store.User{ID: 1}
	u2 := &store.User{ID: 2}
	c1a, sock1a := h.connect(u1)
	_, sock1b := h.connect(u1)
	c2, sock2 := h.connect(u2)
	makeMutualContacts(h, u1.ID, u2.ID)

	require.NoError(t, sock1a.WriteJSON(&rpc.Envelope{Type: rpc.TypeCreateRoom, ID: 1}))
	createResp := readUntil(t, sock1a, testTimeout, func(e rpc.Envelope) bool { return e.RespondingTo == 1 })
	var createPayload CreateRoomResponse
	require.NoError(t, createResp.DecodePayload(&createPayload))
	roomID := createPayload.Room.RoomID

	require.NoError(t, sock1a.WriteJSON(&rpc.Envelope{
		Type: rpc.TypeCall, ID: 2,
		Payload: mustEncode(t, CallPayload{RoomID: roomID, Recipient: u2.ID}),
	}))

	// u2's single connection receives IncomingCall as a request and must
	// reply with an accept before the caller's Call request completes.
	invite := readUntil(t, sock2, testTimeout, func(e rpc.Envelope) bool { return e.Type == rpc.TypeIncomingCall })
	require.NoError(t, sock2.WriteJSON(&rpc.Envelope{
		Type: rpc.TypeAck, RespondingTo: invite.ID,
		Payload: mustEncode(t, IncomingCallResponse{Accept: true}),
	}))

	_ = readUntil(t, sock1a, testTimeout, func(e rpc.Envelope) bool { return e.RespondingTo == 2 })

	require.NoError(t, sock2.WriteJSON(&rpc.Envelope{
		Type: rpc.TypeJoinRoom, ID: 3,
		Payload: mustEncode(t, JoinRoomPayload{RoomID: roomID}),
	}))
	// handleJoinRoom broadcasts RoomUpdated before its reply goes out, so c2
	// sees the update ahead of its JoinRoom response.
	upd2 := readUntil(t, sock2, testTimeout, func(e rpc.Envelope) bool { return e.Type == rpc.TypeRoomUpdated })
	var upd2Payload RoomUpdatedPayload
	require.NoError(t, upd2.DecodePayload(&upd2Payload))
	require.Len(t, upd2Payload.Room.Participants, 2)

	joinResp := readUntil(t, sock2, testTimeout, func(e rpc.Envelope) bool { return e.RespondingTo == 3 })
	var joinPayload JoinRoomResponse
	require.NoError(t, joinResp.DecodePayload(&joinPayload))
	require.Len(t, joinPayload.Room.Participants, 2)

	for _, sock := range []*fakeSocket{sock1a, sock1b} {
		upd := readUntil(t, sock, testTimeout, func(e rpc.Envelope) bool { return e.Type == rpc.TypeRoomUpdated })
		var p RoomUpdatedPayload
		require.NoError(t, upd.DecodePayload(&p))
		require.Len(t, p.Room.Participants, 2)
	}

	participants := h.server.Store.RoomParticipantConnections(roomID)
	require.ElementsMatch(t, []store.ConnectionID{c1a, c2}, participants)
}

func TestCreateRoomRejectsSecondRoomForSameConnection(t *testing.T) {
	h := newTestHarness(t)
	defer h.close()
	u := &store.User{ID: 1}
	_, sock := h.connect(u)

	require.NoError(t, sock.WriteJSON(&rpc.Envelope{Type: rpc.TypeCreateRoom, ID: 1}))
	readUntil(t, sock, testTimeout, func(e rpc.Envelope) bool { return e.RespondingTo == 1 })

	require.NoError(t, sock.WriteJSON(&rpc.Envelope{Type: rpc.TypeCreateRoom, ID: 2}))
	errEnv := readUntil(t, sock, testTimeout, func(e rpc.Envelope) bool { return e.RespondingTo == 2 })
	require.Equal(t, rpc.TypeError, errEnv.Type)
}

func TestCallRejectsNonContact(t *testing.T) {
	h := newTestHarness(t)
	defer h.close()
	u1 := &store.User{ID: 1}
	u2 := &store.User{ID: 2}
	_, sock1 := h.connect(u1)
	h.connect(u2)

	require.NoError(t, sock1.WriteJSON(&rpc.Envelope{Type: rpc.TypeCreateRoom, ID: 1}))
	createResp := readUntil(t, sock1, testTimeout, func(e rpc.Envelope) bool { return e.RespondingTo == 1 })
	var createPayload CreateRoomResponse
	require.NoError(t, createResp.DecodePayload(&createPayload))

	require.NoError(t, sock1.WriteJSON(&rpc.Envelope{
		Type: rpc.TypeCall, ID: 2,
		Payload: mustEncode(t, CallPayload{RoomID: createPayload.Room.RoomID, Recipient: u2.ID}),
	}))
	errEnv := readUntil(t, sock1, testTimeout, func(e rpc.Envelope) bool { return e.RespondingTo == 2 })
	require.Equal(t, rpc.TypeError, errEnv.Type)
}
