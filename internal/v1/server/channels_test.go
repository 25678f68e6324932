package server

import (
	"strings"
	"testing"

	"github.com/collabhub/broker/internal/v1/rpc"
	"github.com/collabhub/broker/internal/v1/store"
	"github.com/stretchr/testify/require"
)

func TestSendChannelMessageValidation(t *testing.T) {
	h := newTestHarness(t)
	defer h.close()

	u := &store.User{ID: 1}
	_, sock := h.connect(u)

	const channelID = store.ChannelID(7)
	h.db.grantChannelAccess(uint64(u.ID), uint64(channelID))
	require.NoError(t, sock.WriteJSON(&rpc.Envelope{
		Type: rpc.TypeJoinChannel, ID: 1,
		Payload: mustEncode(t, JoinChannelPayload{ChannelID: channelID}),
	}))
	readUntil(t, sock, testTimeout, func(e rpc.Envelope) bool { return e.RespondingTo == 1 })

	cases := []struct {
		name    string
		body    string
		nonce   string
		wantErr bool
	}{
		{name: "empty body rejected", body: "", nonce: "n1", wantErr: true},
		{name: "whitespace-only body rejected", body: "   \t\n  ", nonce: "n2", wantErr: true},
		{name: "over-max-length body rejected", body: strings.Repeat("a", MaxChannelMessageLen+1), nonce: "n3", wantErr: true},
		{name: "valid body accepted", body: "hello there", nonce: "n4", wantErr: false},
	}

	var nextID uint32 = 10
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			nextID++
			id := nextID
			require.NoError(t, sock.WriteJSON(&rpc.Envelope{
				Type: rpc.TypeSendChannelMessage, ID: id,
				Payload: mustEncode(t, SendChannelMessagePayload{ChannelID: channelID, Body: c.body, Nonce: c.nonce}),
			}))
			resp := readUntil(t, sock, testTimeout, func(e rpc.Envelope) bool { return e.RespondingTo == id })
			if c.wantErr {
				require.Equal(t, rpc.TypeError, resp.Type)
			} else {
				require.NotEqual(t, rpc.TypeError, resp.Type)
				var payload SendChannelMessageResponse
				require.NoError(t, resp.DecodePayload(&payload))
				require.Equal(t, strings.TrimSpace(c.body), payload.Message.Body)
			}
		})
	}
}

func TestSendChannelMessageDedupesByNonce(t *testing.T) {
	h := newTestHarness(t)
	defer h.close()

	u := &store.User{ID: 1}
	_, sock := h.connect(u)
	const channelID = store.ChannelID(9)
	h.db.grantChannelAccess(uint64(u.ID), uint64(channelID))

	require.NoError(t, sock.WriteJSON(&rpc.Envelope{
		Type: rpc.TypeJoinChannel, ID: 1,
		Payload: mustEncode(t, JoinChannelPayload{ChannelID: channelID}),
	}))
	readUntil(t, sock, testTimeout, func(e rpc.Envelope) bool { return e.RespondingTo == 1 })

	send := func(id uint32) SendChannelMessageResponse {
		require.NoError(t, sock.WriteJSON(&rpc.Envelope{
			Type: rpc.TypeSendChannelMessage, ID: id,
			Payload: mustEncode(t, SendChannelMessagePayload{ChannelID: channelID, Body: "retry me", Nonce: "same-nonce"}),
		}))
		resp := readUntil(t, sock, testTimeout, func(e rpc.Envelope) bool { return e.RespondingTo == id })
		var p SendChannelMessageResponse
		require.NoError(t, resp.DecodePayload(&p))
		return p
	}

	first := send(2)
	second := send(3)
	require.Equal(t, first.Message.ID, second.Message.ID)
}

func TestJoinChannelRejectsWithoutDurableAccess(t *testing.T) {
	h := newTestHarness(t)
	defer h.close()

	u := &store.User{ID: 1}
	_, sock := h.connect(u)

	require.NoError(t, sock.WriteJSON(&rpc.Envelope{
		Type: rpc.TypeJoinChannel, ID: 1,
		Payload: mustEncode(t, JoinChannelPayload{ChannelID: store.ChannelID(99)}),
	}))
	resp := readUntil(t, sock, testTimeout, func(e rpc.Envelope) bool { return e.RespondingTo == 1 })
	require.Equal(t, rpc.TypeError, resp.Type)
}

func TestSendChannelMessageRejectsNonMember(t *testing.T) {
	h := newTestHarness(t)
	defer h.close()

	u := &store.User{ID: 1}
	_, sock := h.connect(u)

	require.NoError(t, sock.WriteJSON(&rpc.Envelope{
		Type: rpc.TypeSendChannelMessage, ID: 1,
		Payload: mustEncode(t, SendChannelMessagePayload{ChannelID: store.ChannelID(42), Body: "hi", Nonce: "n"}),
	}))
	resp := readUntil(t, sock, testTimeout, func(e rpc.Envelope) bool { return e.RespondingTo == 1 })
	require.Equal(t, rpc.TypeError, resp.Type)
}
