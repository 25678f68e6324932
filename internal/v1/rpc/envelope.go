// Package rpc implements the broker's transport multiplexer: one Peer per
// running broker, fanning a single websocket connection per client into
// typed, correlatable request/response traffic. It knows nothing about
// rooms, projects or channels — internal/v1/server owns that — only how to
// move an Envelope to or from a ConnectionID and how to match a reply back
// to the request that asked for it.
package rpc

import (
	"encoding/json"
	"fmt"

	"github.com/collabhub/broker/internal/v1/store"
)

// MessageType names one entry in the wire message catalog. The original
// broker this was modeled on keys its handler table by the Rust message
// type's TypeId; here a plain string does the same job without reflection.
type MessageType string

// Message catalog. Every constant below corresponds to one Envelope.Type a
// client may send or receive, grouped the way SPEC_FULL.md's component
// design groups them.
const (
	// Connection lifecycle
	TypeHello        MessageType = "hello"
	TypePing         MessageType = "ping"
	TypeAck          MessageType = "ack"
	TypeError        MessageType = "error"

	// Contacts & channels
	TypeShowContacts            MessageType = "show_contacts"
	TypeUpdateContacts          MessageType = "update_contacts"
	TypeUpdateInviteInfo        MessageType = "update_invite_info"
	TypeGetUsers                MessageType = "get_users"
	TypeGetUsersResponse        MessageType = "get_users_response"
	TypeFuzzySearchUsers        MessageType = "fuzzy_search_users"
	TypeRequestContact          MessageType = "request_contact"
	TypeRemoveContact           MessageType = "remove_contact"
	TypeRespondToContactRequest MessageType = "respond_to_contact_request"
	TypeGetChannels             MessageType = "get_channels"
	TypeGetChannelsResponse     MessageType = "get_channels_response"
	TypeJoinChannel             MessageType = "join_channel"
	TypeJoinChannelResponse     MessageType = "join_channel_response"
	TypeLeaveChannel            MessageType = "leave_channel"
	TypeSendChannelMessage      MessageType = "send_channel_message"
	TypeChannelMessageSent      MessageType = "channel_message_sent"
	TypeGetChannelMessages      MessageType = "get_channel_messages"
	TypeGetChannelMessagesResp  MessageType = "get_channel_messages_response"
	TypeGetPrivateUserInfo      MessageType = "get_private_user_info"

	// Rooms & calls
	TypeCreateRoom               MessageType = "create_room"
	TypeCreateRoomResponse        MessageType = "create_room_response"
	TypeJoinRoom                  MessageType = "join_room"
	TypeJoinRoomResponse          MessageType = "join_room_response"
	TypeLeaveRoom                 MessageType = "leave_room"
	TypeCall                      MessageType = "call"
	TypeIncomingCall              MessageType = "incoming_call"
	TypeCancelCall                MessageType = "cancel_call"
	TypeCallCanceled              MessageType = "call_canceled"
	TypeDeclineCall               MessageType = "decline_call"
	TypeCallFailed                MessageType = "call_failed"
	TypeUpdateParticipantLocation MessageType = "update_participant_location"
	TypeRoomUpdated               MessageType = "room_updated"
	TypeRoomLeft                  MessageType = "room_left"

	// Project sharing
	TypeShareProject              MessageType = "share_project"
	TypeShareProjectResponse      MessageType = "share_project_response"
	TypeUnshareProject            MessageType = "unshare_project"
	TypeJoinProject               MessageType = "join_project"
	TypeJoinProjectResponse       MessageType = "join_project_response"
	TypeLeaveProject              MessageType = "leave_project"
	TypeUpdateProject             MessageType = "update_project"
	TypeRegisterProjectActivity   MessageType = "register_project_activity"
	TypeUpdateWorktree            MessageType = "update_worktree"
	TypeUpdateWorktreeExtensions  MessageType = "update_worktree_extensions"
	TypeAddProjectCollaborator    MessageType = "add_project_collaborator"
	TypeRemoveProjectCollaborator MessageType = "remove_project_collaborator"
	TypeUpdateDiagnosticSummary   MessageType = "update_diagnostic_summary"
	TypeStartLanguageServer       MessageType = "start_language_server"
	TypeUpdateLanguageServer      MessageType = "update_language_server"
	TypeForwardProjectRequest     MessageType = "forward_project_request"
	TypeCreateBufferForPeer       MessageType = "create_buffer_for_peer"
	TypeUpdateBuffer              MessageType = "update_buffer"
	TypeUpdateBufferFile          MessageType = "update_buffer_file"
	TypeBufferReloaded            MessageType = "buffer_reloaded"
	TypeBufferSaved               MessageType = "buffer_saved"
	TypeSaveBuffer                MessageType = "save_buffer"
	TypeUpdateDiffBase            MessageType = "update_diff_base"
	TypeFollow                    MessageType = "follow"
	TypeUnfollow                  MessageType = "unfollow"
	TypeUpdateFollowers           MessageType = "update_followers"
)

// backgroundTypes are messages the connection loop may run concurrently
// with whatever foreground request is in flight, because nothing about
// them can race with per-connection ordering guarantees (pure
// notifications, or requests with no reply the client is blocking on).
// Everything else is foreground: dispatched onto the per-connection
// goroutine pool and drained in the order replies become available, not
// the order requests arrived — so that two clients that happen to send
// each other a synchronous request at the same moment can't deadlock
// waiting on one another's single-threaded reply.
var backgroundTypes = map[MessageType]bool{
	TypePing:                     true,
	TypeUpdateParticipantLocation: true,
	TypeRegisterProjectActivity:  true,
	TypeUpdateBufferFile:        true,
	TypeBufferReloaded:          true,
	TypeBufferSaved:             true,
	TypeUpdateDiffBase:          true,
}

// IsBackground reports whether a message type may be dispatched without
// waiting for earlier foreground messages on the same connection to finish.
func IsBackground(t MessageType) bool { return backgroundTypes[t] }

// Envelope is the wire-level unit exchanged on a connection. Every message
// carries a monotonically increasing ID assigned by its sender; a reply
// sets RespondingTo to the ID it answers and leaves ID as its own (so a
// reply may itself, in principle, be replied to — unused today, but costs
// nothing to allow).
type Envelope struct {
	Type         MessageType     `json:"type"`
	ID           uint32          `json:"id"`
	RespondingTo uint32          `json:"responding_to,omitempty"`
	SenderID     store.ConnectionID `json:"sender_id,omitempty"`
	Payload      json.RawMessage `json:"payload,omitempty"`
}

// ErrorPayload is the Payload of a TypeError envelope.
type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// DecodePayload unmarshals an envelope's payload into v.
func (e *Envelope) DecodePayload(v any) error {
	if len(e.Payload) == 0 {
		return nil
	}
	if err := json.Unmarshal(e.Payload, v); err != nil {
		return fmt.Errorf("rpc: decoding %s payload: %w", e.Type, err)
	}
	return nil
}

// encodePayload marshals v into an envelope payload, panicking only on a
// programmer error (an unmarshalable type passed to Send/Request/Respond) —
// every payload type in this package is a plain struct of basic fields.
func encodePayload(v any) json.RawMessage {
	if v == nil {
		return nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		panic(fmt.Sprintf("rpc: payload does not marshal: %v", err))
	}
	return b
}
