// Package store holds the broker's in-memory domain model: every connection,
// user, room, project, worktree, channel and contact relationship currently
// known to this broker instance. Nothing here is durable — a restart loses
// it all, which is why internal/v1/db exists for anything that must survive
// one.
package store

import (
	"time"

	"k8s.io/utils/set"
)

// ConnectionID identifies one live websocket connection. A user may hold
// several at once (multiple tabs, multiple devices).
type ConnectionID uint32

// UserID identifies a person, independent of how many connections they hold.
type UserID uint64

// RoomID identifies a call (voice/video room plus its shared project, if any).
type RoomID uint64

// ProjectID identifies one shared project tree.
type ProjectID uint64

// WorktreeID identifies one worktree within a project.
type WorktreeID uint64

// ReplicaID is the small, dense id a project host hands out to each
// collaborator so client-side CRDTs can index replicas by array position
// instead of by UserID. The host is always replica 0.
type ReplicaID uint16

// ChannelID identifies a persistent text channel.
type ChannelID uint64

// ChannelMessageID identifies one posted channel message.
type ChannelMessageID uint64

// User is the broker's projection of account data relevant to brokering —
// everything else (settings, billing, ...) lives behind internal/v1/db.
type User struct {
	ID              UserID
	GithubLogin     string
	Admin           bool
	ConnectedOnce   bool
	InviteCode      string
	InviteCount     int
}

// Connection is one live websocket session, with the projection of User
// state the dispatcher needs on every message without a Db round-trip.
type Connection struct {
	ID       ConnectionID
	UserID   UserID
	Admin    bool
}

// ParticipantRole distinguishes a room's call host from everyone else for
// permission checks (muting others, ending the call).
type ParticipantRole int

const (
	RoleGuest ParticipantRole = iota
	RoleHost
)

// Location is where a participant's cursor currently sits, used to render
// "following" indicators and presence avatars on a shared project.
type Location struct {
	ProjectID ProjectID
	WorktreeID WorktreeID
}

// Participant is one connection's seat in a Room.
type Participant struct {
	ConnectionID ConnectionID
	UserID       UserID
	Role         ParticipantRole
	Location     *Location
	Muted        bool
	VideoOn      bool
	ScreenSharing bool
}

// PendingParticipant is someone who has been rung but hasn't answered yet.
type PendingParticipant struct {
	UserID         UserID
	CalledByUserID UserID
	InitialProject ProjectID
}

// Room is a call: a set of connected participants plus anyone still being
// rung, and optionally a single shared, LiveKit-backed project.
type Room struct {
	ID             RoomID
	LiveKitRoom    string
	Participants   map[ConnectionID]*Participant
	PendingByUser  map[UserID]*PendingParticipant
	HostProject    ProjectID
}

// Collaborator is one connection's standing in a shared Project — the host
// (replica 0) or a guest with an assigned ReplicaID.
type Collaborator struct {
	ConnectionID ConnectionID
	UserID       UserID
	ReplicaID    ReplicaID
	IsHost       bool
}

// WorktreeEntry is one file or directory entry of a shared worktree — path
// only, never contents, matching the broker's "metadata and routing, not
// bytes" relationship to shared code.
type WorktreeEntry struct {
	Path string
}

// DiagnosticSummary is the latest error/warning count a language server
// reported for one path in a worktree. Like WorktreeEntry, this is
// metadata only — never diagnostic message text.
type DiagnosticSummary struct {
	Path         string
	ErrorCount   int
	WarningCount int
}

// Worktree is the broker's view of one shared directory tree: only the
// metadata needed to route and chunk updates, never file contents. Entries
// accumulates the most recently synced listing so a guest who JoinProjects
// after the host's initial scan can be replayed the same chunked stream;
// DiagnosticSummaries does the same for the worktree's per-path diagnostic
// state.
type Worktree struct {
	ID                  WorktreeID
	RootName            string
	AbsPath             string
	Visible             bool
	ScanInProgress      bool
	Entries             []WorktreeEntry
	DiagnosticSummaries map[string]DiagnosticSummary
}

// LanguageServer is one language server instance a host has started for a
// Project, replayed to guests who join after it started so their UI can
// render its status without waiting for the next status change.
type LanguageServer struct {
	ID   uint64
	Name string
}

// Project is a set of worktrees shared by a host connection into a Room,
// with a roster of collaborators who may read and edit it.
type Project struct {
	ID              ProjectID
	RoomID          RoomID
	HostConnection  ConnectionID
	Collaborators   map[ConnectionID]*Collaborator
	Worktrees       map[WorktreeID]*Worktree
	LanguageServers map[uint64]LanguageServer
	usedReplicas    set.Set[ReplicaID]
	LastActivity    time.Time
}

// ChannelMembership records one user's standing in a ChannelID.
type ChannelMembership struct {
	ChannelID ChannelID
	UserID    UserID
	Admin     bool
}

// ContactState is the lifecycle of a contact relationship between two users.
type ContactState int

const (
	ContactRequested ContactState = iota
	ContactAccepted
)

// Contact is one edge of the (undirected once accepted) contact graph.
type Contact struct {
	UserID    UserID
	OtherID   UserID
	State     ContactState
	// RequestedBy is the UserID that sent the original request; relevant
	// only while State == ContactRequested, to render "incoming" vs
	// "outgoing" in the two users' respective views of the same edge.
	RequestedBy UserID
}
