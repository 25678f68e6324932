package server

import (
	"time"

	"github.com/collabhub/broker/internal/v1/store"
)

// Payload types for every Envelope this package sends or receives. Field
// names mirror the wire vocabulary spec.md's message catalog uses, not the
// Store's internal struct names.

type HelloPayload struct {
	PeerID store.ConnectionID `json:"peer_id"`
}

type AckPayload struct{}

type ErrorInfo struct {
	Message string `json:"message"`
}

// ---- Rooms & calls ----

type ParticipantInfo struct {
	ConnectionID  store.ConnectionID `json:"connection_id"`
	UserID        store.UserID       `json:"user_id"`
	IsHost        bool               `json:"is_host"`
	ProjectID     store.ProjectID    `json:"project_id,omitempty"`
	WorktreeID    store.WorktreeID   `json:"worktree_id,omitempty"`
}

type PendingParticipantInfo struct {
	UserID UserIDWire `json:"user_id"`
}

type UserIDWire = store.UserID

type RoomSnapshot struct {
	RoomID       store.RoomID              `json:"room_id"`
	Participants []ParticipantInfo         `json:"participants"`
	Pending      []PendingParticipantInfo  `json:"pending"`
	HostProject  store.ProjectID           `json:"host_project,omitempty"`
}

type CreateRoomResponse struct {
	Room         RoomSnapshot `json:"room"`
	LiveKitToken string       `json:"livekit_token,omitempty"`
}

type CallPayload struct {
	RoomID         store.RoomID    `json:"room_id"`
	Recipient      store.UserID    `json:"recipient"`
	InitialProject store.ProjectID `json:"initial_project,omitempty"`
}

type IncomingCallPayload struct {
	RoomID         store.RoomID    `json:"room_id"`
	Caller         store.UserID    `json:"caller"`
	InitialProject store.ProjectID `json:"initial_project,omitempty"`
}

type IncomingCallResponse struct {
	Accept bool `json:"accept"`
}

type CancelCallPayload struct {
	RoomID    store.RoomID `json:"room_id"`
	Recipient store.UserID `json:"recipient"`
}

type DeclineCallPayload struct {
	RoomID store.RoomID `json:"room_id"`
}

type CallCanceledPayload struct {
	RoomID store.RoomID `json:"room_id"`
}

type CallFailedPayload struct {
	RoomID  store.RoomID `json:"room_id"`
	Message string       `json:"message"`
}

type JoinRoomPayload struct {
	RoomID store.RoomID `json:"room_id"`
}

type JoinRoomResponse struct {
	Room         RoomSnapshot `json:"room"`
	LiveKitToken string       `json:"livekit_token,omitempty"`
}

type LeaveRoomPayload struct {
	RoomID store.RoomID `json:"room_id"`
}

type RoomUpdatedPayload struct {
	Room RoomSnapshot `json:"room"`
}

type RoomLeftPayload struct {
	RoomID store.RoomID `json:"room_id"`
}

type UpdateParticipantLocationPayload struct {
	RoomID     store.RoomID     `json:"room_id"`
	ProjectID  store.ProjectID  `json:"project_id,omitempty"`
	WorktreeID store.WorktreeID `json:"worktree_id,omitempty"`
}

// ---- Project sharing ----

type WorktreeMetadata struct {
	ID       store.WorktreeID `json:"id"`
	RootName string           `json:"root_name"`
	Visible  bool             `json:"visible"`
}

type ShareProjectPayload struct {
	Worktrees []WorktreeMetadata `json:"worktrees"`
}

type ShareProjectResponse struct {
	ProjectID store.ProjectID `json:"project_id"`
}

type UnshareProjectPayload struct {
	ProjectID store.ProjectID `json:"project_id"`
}

type CollaboratorInfo struct {
	ConnectionID store.ConnectionID `json:"connection_id"`
	UserID       store.UserID       `json:"user_id"`
	ReplicaID    store.ReplicaID    `json:"replica_id"`
	IsHost       bool               `json:"is_host"`
}

type JoinProjectPayload struct {
	ProjectID store.ProjectID `json:"project_id"`
}

type JoinProjectResponse struct {
	ProjectID       store.ProjectID        `json:"project_id"`
	ReplicaID       store.ReplicaID        `json:"replica_id"`
	Collaborators   []CollaboratorInfo     `json:"collaborators"`
	Worktrees       []WorktreeMetadata     `json:"worktrees"`
	LanguageServers []store.LanguageServer `json:"language_servers,omitempty"`
}

type LeaveProjectPayload struct {
	ProjectID store.ProjectID `json:"project_id"`
}

type RemoveProjectCollaboratorPayload struct {
	ProjectID    store.ProjectID    `json:"project_id"`
	ConnectionID store.ConnectionID `json:"connection_id"`
}

type AddProjectCollaboratorPayload struct {
	ProjectID    store.ProjectID `json:"project_id"`
	Collaborator CollaboratorInfo `json:"collaborator"`
}

type RegisterProjectActivityPayload struct {
	ProjectID store.ProjectID `json:"project_id"`
}

type WorktreeEntry struct {
	Path string `json:"path"`
}

type UpdateWorktreePayload struct {
	ProjectID    store.ProjectID  `json:"project_id"`
	WorktreeID   store.WorktreeID `json:"worktree_id"`
	RootName     string           `json:"root_name"`
	Visible      bool             `json:"visible"`
	Entries      []WorktreeEntry  `json:"entries,omitempty"`
	ResetEntries bool             `json:"reset_entries,omitempty"`
	IsLastUpdate bool             `json:"is_last_update"`
}

type UpdateProjectPayload struct {
	ProjectID store.ProjectID `json:"project_id"`
}

// UpdateDiagnosticSummaryPayload is decoded out of the otherwise-opaque
// ForwardedProjectMessage body so handleForwardToProject can persist it on
// the Worktree for replay to later joiners, in addition to forwarding it.
type UpdateDiagnosticSummaryPayload struct {
	ProjectID  store.ProjectID         `json:"project_id"`
	WorktreeID store.WorktreeID        `json:"worktree_id"`
	Summary    store.DiagnosticSummary `json:"summary"`
}

// StartLanguageServerPayload is decoded the same way, so the language
// server it announces is persisted on the Project and replayed to joiners.
type StartLanguageServerPayload struct {
	ProjectID store.ProjectID      `json:"project_id"`
	Server    store.LanguageServer `json:"server"`
}

// ForwardedProjectMessage carries an opaque payload for every project
// message type that's simply relayed to other collaborators
// (UpdateBuffer, UpdateBufferFile, BufferReloaded, BufferSaved,
// UpdateDiffBase, CreateBufferForPeer, StartLanguageServer,
// UpdateLanguageServer, UpdateDiagnosticSummary, Follow, Unfollow,
// UpdateFollowers) without this package needing to understand its shape.
type ForwardedProjectMessage struct {
	ProjectID store.ProjectID `json:"project_id"`
	Body      interface{}     `json:"body"`
}

type SaveBufferPayload struct {
	ProjectID store.ProjectID `json:"project_id"`
	Body      interface{}     `json:"body"`
}

type ForwardProjectRequestPayload struct {
	ProjectID store.ProjectID `json:"project_id"`
	Method    string          `json:"method"`
	Body      interface{}     `json:"body"`
}

// ---- Contacts ----

type ContactInfo struct {
	UserID  store.UserID `json:"user_id"`
	Pending bool         `json:"pending"`
	// RequestedByMe is true when this user sent the original request.
	RequestedByMe bool `json:"requested_by_me,omitempty"`
}

type UpdateContactsPayload struct {
	Contacts []ContactInfo `json:"contacts"`
}

type RequestContactPayload struct {
	UserID store.UserID `json:"user_id"`
}

// ContactResponseAction is the answer a recipient gives to a pending
// contact request: accept or decline it outright, or dismiss the
// notification without deciding (the request stays pending for later).
type ContactResponseAction string

const (
	ContactResponseAccept  ContactResponseAction = "accept"
	ContactResponseDecline ContactResponseAction = "decline"
	ContactResponseDismiss ContactResponseAction = "dismiss"
)

type RespondToContactRequestPayload struct {
	UserID store.UserID          `json:"user_id"`
	Action ContactResponseAction `json:"action"`
}

type RemoveContactPayload struct {
	UserID store.UserID `json:"user_id"`
}

type UpdateInviteInfoPayload struct {
	Code  string `json:"code"`
	Count int    `json:"count"`
}

type GetUsersPayload struct {
	UserIDs []store.UserID `json:"user_ids"`
}

type UserInfo struct {
	UserID      store.UserID `json:"user_id"`
	GithubLogin string       `json:"github_login"`
	AvatarURL   string       `json:"avatar_url"`
}

type GetUsersResponse struct {
	Users []UserInfo `json:"users"`
}

type FuzzySearchUsersPayload struct {
	Query string `json:"query"`
}

// ---- Channels ----

type ChannelInfo struct {
	ChannelID store.ChannelID `json:"channel_id"`
	Name      string          `json:"name"`
}

type GetChannelsResponse struct {
	Channels []ChannelInfo `json:"channels"`
}

type JoinChannelPayload struct {
	ChannelID store.ChannelID `json:"channel_id"`
}

type ChannelMessageInfo struct {
	ID        store.ChannelMessageID `json:"id"`
	ChannelID store.ChannelID        `json:"channel_id"`
	SenderID  store.UserID           `json:"sender_id"`
	Body      string                 `json:"body"`
	SentAt    time.Time              `json:"sent_at"`
}

type JoinChannelResponse struct {
	Messages []ChannelMessageInfo `json:"messages"`
	Done     bool                 `json:"done"`
}

type LeaveChannelPayload struct {
	ChannelID store.ChannelID `json:"channel_id"`
}

type SendChannelMessagePayload struct {
	ChannelID store.ChannelID `json:"channel_id"`
	Body      string          `json:"body"`
	Nonce     string          `json:"nonce"`
}

type SendChannelMessageResponse struct {
	Message ChannelMessageInfo `json:"message"`
}

type ChannelMessageSentPayload struct {
	Message ChannelMessageInfo `json:"message"`
}

type GetChannelMessagesPayload struct {
	ChannelID       store.ChannelID        `json:"channel_id"`
	BeforeMessageID store.ChannelMessageID `json:"before_message_id,omitempty"`
}

type GetChannelMessagesResponse struct {
	Messages []ChannelMessageInfo `json:"messages"`
	Done     bool                 `json:"done"`
}

type GetPrivateUserInfoResponse struct {
	UserID      store.UserID `json:"user_id"`
	GithubLogin string       `json:"github_login"`
	InviteCode  string       `json:"invite_code"`
	InviteCount int          `json:"invite_count"`
}
