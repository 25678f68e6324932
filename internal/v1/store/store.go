package store

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"k8s.io/utils/set"
)

// Store is the broker's single piece of mutable shared state. Every
// operation below acquires the one mutex, mutates a handful of maps, and
// returns; nothing here ever blocks on I/O or holds the lock across a
// network call. Callers (internal/v1/server) compute the fan-out targets a
// given operation implies while the lock is held, release it, and only then
// push bytes onto connections — mirroring the "never await while holding
// the Store lock" discipline the broker this was modeled on enforces
// structurally.
type Store struct {
	mu sync.Mutex

	connections map[ConnectionID]*Connection
	users       map[UserID]*User

	// connectionsByUser indexes every live connection for a given user,
	// since most fan-out (contacts, channel membership, project
	// collaborator changes) targets a user, not a single connection.
	connectionsByUser map[UserID]set.Set[ConnectionID]

	rooms          map[RoomID]*Room
	roomByConnection map[ConnectionID]RoomID

	projects         map[ProjectID]*Project
	hostedByConnection map[ConnectionID]set.Set[ProjectID]
	guestProjectsByConnection map[ConnectionID]set.Set[ProjectID]

	channelMembers map[ChannelID]set.Set[UserID]

	contacts map[UserID]map[UserID]*Contact

	nextRoomID    RoomID
	nextProjectID ProjectID
	nextWorktreeID WorktreeID
}

// NewStore returns an empty Store.
func NewStore() *Store {
	return &Store{
		connections:               make(map[ConnectionID]*Connection),
		users:                     make(map[UserID]*User),
		connectionsByUser:         make(map[UserID]set.Set[ConnectionID]),
		rooms:                     make(map[RoomID]*Room),
		roomByConnection:          make(map[ConnectionID]RoomID),
		projects:                  make(map[ProjectID]*Project),
		hostedByConnection:        make(map[ConnectionID]set.Set[ProjectID]),
		guestProjectsByConnection: make(map[ConnectionID]set.Set[ProjectID]),
		channelMembers:            make(map[ChannelID]set.Set[UserID]),
		contacts:                  make(map[UserID]map[UserID]*Contact),
		nextRoomID:                1,
		nextProjectID:             1,
		nextWorktreeID:            1,
	}
}

// AddConnection registers a newly authenticated connection. It is the first
// thing the connection loop calls after the websocket upgrade succeeds.
func (s *Store) AddConnection(id ConnectionID, user *User) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.connections[id] = &Connection{ID: id, UserID: user.ID, Admin: user.Admin}
	if _, ok := s.users[user.ID]; !ok {
		s.users[user.ID] = user
	}
	if s.connectionsByUser[user.ID] == nil {
		s.connectionsByUser[user.ID] = set.New[ConnectionID]()
	}
	s.connectionsByUser[user.ID].Insert(id)
}

// Teardown describes everything RemoveConnection found that the caller must
// now notify other connections about, computed entirely under the lock so
// the caller can do so without holding it.
type Teardown struct {
	UserID              UserID
	LastConnectionForUser bool
	HostedProjects      []ProjectID
	GuestProjects       []ProjectID
	LeftRoom            RoomID
	RoomDeleted         bool
	RemainingParticipants []ConnectionID
	CanceledCalls       []UserID
	AffectedContacts    []UserID
}

// RemoveConnection unregisters a connection and unwinds every piece of
// state it held: hosted projects (deleted outright; Teardown lists their
// ids but not their guests' connections, so guests are not told), guest
// memberships (the host must be told to drop the collaborator), room
// membership (other participants must be told, and the room deleted if now
// empty), and any pending calls placed by or to this connection's user.
func (s *Store) RemoveConnection(id ConnectionID) (*Teardown, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	conn, ok := s.connections[id]
	if !ok {
		return nil, fmt.Errorf("%w: connection %d", ErrUnknownConnection, id)
	}

	t := &Teardown{UserID: conn.UserID}

	if hosted, ok := s.hostedByConnection[id]; ok {
		for pid := range hosted {
			delete(s.projects, pid)
			t.HostedProjects = append(t.HostedProjects, pid)
		}
		delete(s.hostedByConnection, id)
	}

	if guest, ok := s.guestProjectsByConnection[id]; ok {
		for pid := range guest {
			if p, ok := s.projects[pid]; ok {
				delete(p.Collaborators, id)
				t.GuestProjects = append(t.GuestProjects, pid)
			}
		}
		delete(s.guestProjectsByConnection, id)
	}

	if rid, ok := s.roomByConnection[id]; ok {
		room := s.rooms[rid]
		delete(room.Participants, id)
		delete(s.roomByConnection, id)
		t.LeftRoom = rid
		if len(room.Participants) == 0 && len(room.PendingByUser) == 0 {
			delete(s.rooms, rid)
			t.RoomDeleted = true
		} else {
			for cid := range room.Participants {
				t.RemainingParticipants = append(t.RemainingParticipants, cid)
			}
		}
	}

	for rid, room := range s.rooms {
		for uid, pending := range room.PendingByUser {
			if pending.CalledByUserID == conn.UserID || uid == conn.UserID {
				delete(room.PendingByUser, uid)
				t.CanceledCalls = append(t.CanceledCalls, uid)
				if len(room.Participants) == 0 && len(room.PendingByUser) == 0 {
					delete(s.rooms, rid)
					if rid == t.LeftRoom {
						t.RoomDeleted = true
					}
				}
			}
		}
	}

	delete(s.connections, id)
	if users := s.connectionsByUser[conn.UserID]; users != nil {
		users.Delete(id)
		if users.Len() == 0 {
			delete(s.connectionsByUser, conn.UserID)
			t.LastConnectionForUser = true
		}
	}

	for other := range s.contacts[conn.UserID] {
		t.AffectedContacts = append(t.AffectedContacts, other)
	}

	return t, nil
}

// ConnectionIDsForUser returns every live connection a user currently holds.
func (s *Store) ConnectionIDsForUser(id UserID) []ConnectionID {
	s.mu.Lock()
	defer s.mu.Unlock()
	return sortedConnIDs(s.connectionsByUser[id])
}

// UserIDForConnection resolves a connection to its owning user.
func (s *Store) UserIDForConnection(id ConnectionID) (UserID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.connections[id]
	if !ok {
		return 0, fmt.Errorf("%w: connection %d", ErrUnknownConnection, id)
	}
	return c.UserID, nil
}

// MarkConnectedOnce flips a user's ConnectedOnce flag the first time any of
// their connections completes onboarding, reporting whether this call was
// the one that did so (the connection loop uses that to decide whether to
// send the one-time ShowContacts reply).
func (s *Store) MarkConnectedOnce(id ConnectionID) (wasFirst bool, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	conn, ok := s.connections[id]
	if !ok {
		return false, fmt.Errorf("%w: connection %d", ErrUnknownConnection, id)
	}
	u, ok := s.users[conn.UserID]
	if !ok {
		return false, fmt.Errorf("%w: connection %d", ErrUnknownConnection, id)
	}
	if u.ConnectedOnce {
		return false, nil
	}
	u.ConnectedOnce = true
	return true, nil
}

// ---- Rooms & calls ----

// User returns the broker's projection of account data for id.
func (s *Store) User(id UserID) (*User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[id]
	if !ok {
		return nil, fmt.Errorf("%w: user %d", ErrUnknownConnection, id)
	}
	return u, nil
}

// PendingCall describes an outstanding invitation a user has not yet
// answered, for replay to a freshly (re)connected client.
type PendingCall struct {
	RoomID         RoomID
	CalledByUserID UserID
	InitialProject ProjectID
}

// PendingCallForUser returns the call a user is currently being rung for, if
// any, so the connection loop can replay it right after Hello.
func (s *Store) PendingCallForUser(user UserID) *PendingCall {
	s.mu.Lock()
	defer s.mu.Unlock()
	for rid, room := range s.rooms {
		if p, ok := room.PendingByUser[user]; ok {
			return &PendingCall{RoomID: rid, CalledByUserID: p.CalledByUserID, InitialProject: p.InitialProject}
		}
	}
	return nil
}

// CreateRoom allocates a new room with the caller as its sole host
// participant. Returns ErrAlreadyInRoom if the connection is already seated
// somewhere else.
func (s *Store) CreateRoom(creator ConnectionID) (*Room, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	conn, ok := s.connections[creator]
	if !ok {
		return nil, fmt.Errorf("%w: connection %d", ErrUnknownConnection, creator)
	}
	if _, ok := s.roomByConnection[creator]; ok {
		return nil, ErrAlreadyInRoom
	}

	id := s.nextRoomID
	s.nextRoomID++

	room := &Room{
		ID:            id,
		Participants:  map[ConnectionID]*Participant{creator: {ConnectionID: creator, UserID: conn.UserID, Role: RoleHost}},
		PendingByUser: make(map[UserID]*PendingParticipant),
	}
	s.rooms[id] = room
	s.roomByConnection[creator] = id
	return room, nil
}

// Call adds recipient to room's pending list, to be confirmed by JoinRoom or
// dropped by DeclineCall/CancelCall.
func (s *Store) Call(roomID RoomID, caller ConnectionID, recipient UserID, initialProject ProjectID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	room, ok := s.rooms[roomID]
	if !ok {
		return fmt.Errorf("%w: room %d", ErrUnknownRoom, roomID)
	}
	callerConn, ok := s.connections[caller]
	if !ok {
		return fmt.Errorf("%w: connection %d", ErrUnknownConnection, caller)
	}
	if _, alreadyIn := s.roomByConnection[caller]; !alreadyIn || s.roomByConnection[caller] != roomID {
		return ErrPermissionDenied
	}
	room.PendingByUser[recipient] = &PendingParticipant{
		UserID:         recipient,
		CalledByUserID: callerConn.UserID,
		InitialProject: initialProject,
	}
	return nil
}

// CancelCall drops a still-pending invitation, e.g. the caller hung up
// before the callee answered.
func (s *Store) CancelCall(roomID RoomID, recipient UserID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	room, ok := s.rooms[roomID]
	if !ok {
		return fmt.Errorf("%w: room %d", ErrUnknownRoom, roomID)
	}
	delete(room.PendingByUser, recipient)
	if len(room.Participants) == 0 && len(room.PendingByUser) == 0 {
		delete(s.rooms, roomID)
	}
	return nil
}

// JoinRoom seats a connection as a guest participant, removing it from the
// room's pending list.
func (s *Store) JoinRoom(roomID RoomID, joiner ConnectionID) (*Room, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	room, ok := s.rooms[roomID]
	if !ok {
		return nil, fmt.Errorf("%w: room %d", ErrUnknownRoom, roomID)
	}
	conn, ok := s.connections[joiner]
	if !ok {
		return nil, fmt.Errorf("%w: connection %d", ErrUnknownConnection, joiner)
	}
	if _, alreadyIn := s.roomByConnection[joiner]; alreadyIn {
		return nil, ErrAlreadyInRoom
	}

	delete(room.PendingByUser, conn.UserID)
	room.Participants[joiner] = &Participant{ConnectionID: joiner, UserID: conn.UserID, Role: RoleGuest}
	s.roomByConnection[joiner] = roomID
	return room, nil
}

// LeaveRoom removes a seated participant; the returned bool reports whether
// the room was deleted because it is now empty.
func (s *Store) LeaveRoom(roomID RoomID, leaver ConnectionID) (deleted bool, remaining []ConnectionID, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	room, ok := s.rooms[roomID]
	if !ok {
		return false, nil, fmt.Errorf("%w: room %d", ErrUnknownRoom, roomID)
	}
	delete(room.Participants, leaver)
	delete(s.roomByConnection, leaver)

	if len(room.Participants) == 0 && len(room.PendingByUser) == 0 {
		delete(s.rooms, roomID)
		return true, nil, nil
	}
	for cid := range room.Participants {
		remaining = append(remaining, cid)
	}
	return false, remaining, nil
}

// SetRoomLiveKitName records the LiveKit room name a freshly created Room
// was provisioned under, so later JoinRoom token minting knows which
// LiveKit room to grant access to.
func (s *Store) SetRoomLiveKitName(roomID RoomID, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	room, ok := s.rooms[roomID]
	if !ok {
		return fmt.Errorf("%w: room %d", ErrUnknownRoom, roomID)
	}
	room.LiveKitRoom = name
	return nil
}

// Room returns a snapshot copy of a room's participants and pending
// invitations, for building a RoomUpdated/JoinRoomResponse payload. The
// returned value is a copy; mutating it has no effect on the Store.
func (s *Store) Room(roomID RoomID) (*Room, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	room, ok := s.rooms[roomID]
	if !ok {
		return nil, fmt.Errorf("%w: room %d", ErrUnknownRoom, roomID)
	}
	cp := &Room{ID: room.ID, LiveKitRoom: room.LiveKitRoom, HostProject: room.HostProject}
	cp.Participants = make(map[ConnectionID]*Participant, len(room.Participants))
	for k, v := range room.Participants {
		participant := *v
		cp.Participants[k] = &participant
	}
	cp.PendingByUser = make(map[UserID]*PendingParticipant, len(room.PendingByUser))
	for k, v := range room.PendingByUser {
		pending := *v
		cp.PendingByUser[k] = &pending
	}
	return cp, nil
}

// RoomParticipantConnections returns every connection currently seated in a
// room, for fan-out.
func (s *Store) RoomParticipantConnections(roomID RoomID) []ConnectionID {
	s.mu.Lock()
	defer s.mu.Unlock()
	room, ok := s.rooms[roomID]
	if !ok {
		return nil
	}
	var out []ConnectionID
	for cid := range room.Participants {
		out = append(out, cid)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// UpdateParticipantLocation records where a participant's cursor/focus
// currently sits, for presence indicators.
func (s *Store) UpdateParticipantLocation(roomID RoomID, conn ConnectionID, loc *Location) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	room, ok := s.rooms[roomID]
	if !ok {
		return fmt.Errorf("%w: room %d", ErrUnknownRoom, roomID)
	}
	p, ok := room.Participants[conn]
	if !ok {
		return ErrPermissionDenied
	}
	p.Location = loc
	return nil
}

// ---- Projects & worktrees ----

// ShareProject attaches a brand-new project, hosted by conn, to the room
// that connection is currently seated in.
func (s *Store) ShareProject(host ConnectionID) (*Project, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	hostConn, ok := s.connections[host]
	if !ok {
		return nil, fmt.Errorf("%w: connection %d", ErrUnknownConnection, host)
	}
	roomID, inRoom := s.roomByConnection[host]
	if !inRoom {
		return nil, ErrPermissionDenied
	}

	id := s.nextProjectID
	s.nextProjectID++

	p := &Project{
		ID:             id,
		RoomID:         roomID,
		HostConnection: host,
		Collaborators: map[ConnectionID]*Collaborator{
			host: {ConnectionID: host, UserID: hostConn.UserID, ReplicaID: 0, IsHost: true},
		},
		Worktrees:    make(map[WorktreeID]*Worktree),
		usedReplicas: set.New[ReplicaID](0),
		LastActivity: time.Now(),
	}
	s.projects[id] = p
	if s.hostedByConnection[host] == nil {
		s.hostedByConnection[host] = set.New[ProjectID]()
	}
	s.hostedByConnection[host].Insert(id)

	if room, ok := s.rooms[roomID]; ok {
		room.HostProject = id
	}
	return p, nil
}

// UnshareProject tears down a project the caller hosts. Returns the
// connections of every guest who must be told to drop it.
func (s *Store) UnshareProject(projectID ProjectID, host ConnectionID) ([]ConnectionID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.projects[projectID]
	if !ok {
		return nil, fmt.Errorf("%w: project %d", ErrUnknownProject, projectID)
	}
	if p.HostConnection != host {
		return nil, ErrPermissionDenied
	}

	var guests []ConnectionID
	for cid := range p.Collaborators {
		if cid == host {
			continue
		}
		guests = append(guests, cid)
		if gp, ok := s.guestProjectsByConnection[cid]; ok {
			gp.Delete(projectID)
		}
	}
	delete(s.projects, projectID)
	if hp, ok := s.hostedByConnection[host]; ok {
		hp.Delete(projectID)
	}
	return guests, nil
}

// JoinProject adds a connection as a guest collaborator, assigning it the
// smallest ReplicaID not currently in use (§8 resolved open question:
// replica ids are reused, never monotonically allocated, so long-lived
// projects with churning guests don't run out of id space).
func (s *Store) JoinProject(projectID ProjectID, guest ConnectionID) (*Project, ReplicaID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.projects[projectID]
	if !ok {
		return nil, 0, fmt.Errorf("%w: project %d", ErrUnknownProject, projectID)
	}
	guestConn, ok := s.connections[guest]
	if !ok {
		return nil, 0, fmt.Errorf("%w: connection %d", ErrUnknownConnection, guest)
	}
	if _, already := p.Collaborators[guest]; already {
		return nil, 0, ErrPermissionDenied
	}

	replica := smallestFreeReplica(p.usedReplicas)
	p.usedReplicas.Insert(replica)
	p.Collaborators[guest] = &Collaborator{ConnectionID: guest, UserID: guestConn.UserID, ReplicaID: replica}

	if s.guestProjectsByConnection[guest] == nil {
		s.guestProjectsByConnection[guest] = set.New[ProjectID]()
	}
	s.guestProjectsByConnection[guest].Insert(projectID)

	return p, replica, nil
}

// LeaveProject removes a guest collaborator and frees its ReplicaID.
func (s *Store) LeaveProject(projectID ProjectID, guest ConnectionID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.projects[projectID]
	if !ok {
		return fmt.Errorf("%w: project %d", ErrUnknownProject, projectID)
	}
	collab, ok := p.Collaborators[guest]
	if !ok {
		return ErrPermissionDenied
	}
	p.usedReplicas.Delete(collab.ReplicaID)
	delete(p.Collaborators, guest)
	if gp, ok := s.guestProjectsByConnection[guest]; ok {
		gp.Delete(projectID)
	}
	return nil
}

// ProjectConnectionIDs returns every connection collaborating on a project
// (host and guests), for fan-out of broadcasts like UpdateProject.
func (s *Store) ProjectConnectionIDs(projectID ProjectID) ([]ConnectionID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.projects[projectID]
	if !ok {
		return nil, fmt.Errorf("%w: project %d", ErrUnknownProject, projectID)
	}
	var out []ConnectionID
	for cid := range p.Collaborators {
		out = append(out, cid)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out, nil
}

// HostConnection returns the connection hosting a project, for handlers
// that must forward a request to the host (LSP-style forwarded requests,
// save_buffer, ...).
func (s *Store) HostConnection(projectID ProjectID) (ConnectionID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.projects[projectID]
	if !ok {
		return 0, fmt.Errorf("%w: project %d", ErrUnknownProject, projectID)
	}
	return p.HostConnection, nil
}

// UpdateWorktree upserts worktree metadata on a project; this never carries
// file contents, only the root name/path/visibility the host advertises.
func (s *Store) UpdateWorktree(projectID ProjectID, host ConnectionID, w *Worktree) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.projects[projectID]
	if !ok {
		return fmt.Errorf("%w: project %d", ErrUnknownProject, projectID)
	}
	if p.HostConnection != host {
		return ErrPermissionDenied
	}
	if w.ID == 0 {
		w.ID = s.nextWorktreeID
		s.nextWorktreeID++
	}
	p.Worktrees[w.ID] = w
	p.LastActivity = time.Now()
	return nil
}

// AppendWorktreeEntries records the next chunk of a worktree's file listing.
// reset clears any previously recorded entries first, for the start of a
// fresh scan; otherwise the chunk is appended to what's already known, so a
// guest who joins mid-stream (or after the fact) can be replayed the full
// accumulated listing.
func (s *Store) AppendWorktreeEntries(projectID ProjectID, host ConnectionID, worktreeID WorktreeID, entries []WorktreeEntry, reset bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.projects[projectID]
	if !ok {
		return fmt.Errorf("%w: project %d", ErrUnknownProject, projectID)
	}
	if p.HostConnection != host {
		return ErrPermissionDenied
	}
	w, ok := p.Worktrees[worktreeID]
	if !ok {
		return fmt.Errorf("%w: worktree %d", ErrUnknownProject, worktreeID)
	}
	if reset {
		w.Entries = nil
	}
	w.Entries = append(w.Entries, entries...)
	p.LastActivity = time.Now()
	return nil
}

// SetDiagnosticSummary records the latest diagnostic counts a language
// server reported for one worktree path, so a guest who joins after it was
// sent still learns the worktree's diagnostic state during JoinProject's
// replay.
func (s *Store) SetDiagnosticSummary(projectID ProjectID, worktreeID WorktreeID, summary DiagnosticSummary) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.projects[projectID]
	if !ok {
		return fmt.Errorf("%w: project %d", ErrUnknownProject, projectID)
	}
	w, ok := p.Worktrees[worktreeID]
	if !ok {
		return fmt.Errorf("%w: worktree %d", ErrUnknownProject, worktreeID)
	}
	if w.DiagnosticSummaries == nil {
		w.DiagnosticSummaries = make(map[string]DiagnosticSummary)
	}
	w.DiagnosticSummaries[summary.Path] = summary
	return nil
}

// AddLanguageServer records that a language server has started in a
// project, replayed (alongside diagnostic summaries) to guests who join
// after it started.
func (s *Store) AddLanguageServer(projectID ProjectID, server LanguageServer) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.projects[projectID]
	if !ok {
		return fmt.Errorf("%w: project %d", ErrUnknownProject, projectID)
	}
	if p.LanguageServers == nil {
		p.LanguageServers = make(map[uint64]LanguageServer)
	}
	p.LanguageServers[server.ID] = server
	return nil
}

// RegisterProjectActivity bumps a project's last-activity timestamp; the
// activity recorder (internal/v1/activity) periodically sweeps these into
// the Db so non-admin usage windows can be billed/analyzed.
func (s *Store) RegisterProjectActivity(projectID ProjectID, conn ConnectionID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.projects[projectID]
	if !ok {
		return fmt.Errorf("%w: project %d", ErrUnknownProject, projectID)
	}
	if _, ok := p.Collaborators[conn]; !ok {
		return ErrPermissionDenied
	}
	p.LastActivity = time.Now()
	return nil
}

// ActiveProjectUserPairs returns (user, project) pairs with activity after
// since, excluding admins — exactly the window the activity recorder
// flushes to the Db once per tick.
func (s *Store) ActiveProjectUserPairs(since time.Time) []struct {
	UserID    UserID
	ProjectID ProjectID
} {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []struct {
		UserID    UserID
		ProjectID ProjectID
	}
	for pid, p := range s.projects {
		if p.LastActivity.Before(since) {
			continue
		}
		for _, c := range p.Collaborators {
			if u, ok := s.users[c.UserID]; ok && u.Admin {
				continue
			}
			out = append(out, struct {
				UserID    UserID
				ProjectID ProjectID
			}{c.UserID, pid})
		}
	}
	return out
}

// ---- Channels ----

// JoinChannel records that a user has joined a channel.
func (s *Store) JoinChannel(channelID ChannelID, user UserID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.channelMembers[channelID] == nil {
		s.channelMembers[channelID] = set.New[UserID]()
	}
	s.channelMembers[channelID].Insert(user)
}

// LeaveChannel records that a user has left a channel.
func (s *Store) LeaveChannel(channelID ChannelID, user UserID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if members, ok := s.channelMembers[channelID]; ok {
		members.Delete(user)
	}
}

// ChannelConnectionIDs returns every live connection belonging to a user who
// has joined the channel, for fan-out of ChannelMessageSent.
func (s *Store) ChannelConnectionIDs(channelID ChannelID) []ConnectionID {
	s.mu.Lock()
	defer s.mu.Unlock()
	members, ok := s.channelMembers[channelID]
	if !ok {
		return nil
	}
	var out []ConnectionID
	for uid := range members {
		for cid := range s.connectionsByUser[uid] {
			out = append(out, cid)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// IsChannelMember reports whether a user has joined a channel.
func (s *Store) IsChannelMember(channelID ChannelID, user UserID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	members, ok := s.channelMembers[channelID]
	return ok && members.Has(user)
}

// ---- Contacts ----

// RequestContact records an outgoing contact request from requester to
// recipient, returning the live connections of both users to notify.
func (s *Store) RequestContact(requester, recipient UserID) ([]ConnectionID, []ConnectionID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if requester == recipient {
		return nil, nil, ErrInvalidArgument
	}
	if s.contacts[requester] != nil {
		if _, exists := s.contacts[requester][recipient]; exists {
			return nil, nil, ErrInvalidArgument
		}
	}

	c := &Contact{UserID: requester, OtherID: recipient, State: ContactRequested, RequestedBy: requester}
	s.setContact(requester, recipient, c)
	s.setContact(recipient, requester, &Contact{UserID: recipient, OtherID: requester, State: ContactRequested, RequestedBy: requester})

	return sortedConnIDs(s.connectionsByUser[requester]), sortedConnIDs(s.connectionsByUser[recipient]), nil
}

// RespondToContactRequest accepts or rejects a pending request.
func (s *Store) RespondToContactRequest(responder, requester UserID, accept bool) ([]ConnectionID, []ConnectionID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.contacts[responder][requester]
	if !ok || c.State != ContactRequested {
		return nil, nil, ErrInvalidArgument
	}

	if accept {
		s.setContact(responder, requester, &Contact{UserID: responder, OtherID: requester, State: ContactAccepted})
		s.setContact(requester, responder, &Contact{UserID: requester, OtherID: responder, State: ContactAccepted})
	} else {
		s.removeContact(responder, requester)
		s.removeContact(requester, responder)
	}

	return sortedConnIDs(s.connectionsByUser[responder]), sortedConnIDs(s.connectionsByUser[requester]), nil
}

// RemoveContact deletes an accepted contact relationship in both directions.
func (s *Store) RemoveContact(user, other UserID) ([]ConnectionID, []ConnectionID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.contacts[user][other]; !ok {
		return nil, nil, ErrInvalidArgument
	}
	s.removeContact(user, other)
	s.removeContact(other, user)
	return sortedConnIDs(s.connectionsByUser[user]), sortedConnIDs(s.connectionsByUser[other]), nil
}

// ContactsForUser returns the full contact list (requested + accepted) as
// seen from user's point of view.
func (s *Store) ContactsForUser(user UserID) []Contact {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Contact
	for _, c := range s.contacts[user] {
		out = append(out, *c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].OtherID < out[j].OtherID })
	return out
}

// ReplaceContacts overwrites user's in-memory contact projection wholesale.
// The connection loop calls this once per connect, hydrated from Db, so a
// contact accepted before this process started (or before a restart) isn't
// mistaken for a stranger by anything that reads ContactsForUser in the
// meantime — the in-memory map is a cache of the durable graph, not a
// second source of truth for it.
func (s *Store) ReplaceContacts(user UserID, contacts []Contact) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m := make(map[UserID]*Contact, len(contacts))
	for i := range contacts {
		c := contacts[i]
		m[c.OtherID] = &c
	}
	s.contacts[user] = m
}

func (s *Store) setContact(owner, other UserID, c *Contact) {
	if s.contacts[owner] == nil {
		s.contacts[owner] = make(map[UserID]*Contact)
	}
	s.contacts[owner][other] = c
}

func (s *Store) removeContact(owner, other UserID) {
	delete(s.contacts[owner], other)
}

func sortedConnIDs(ids set.Set[ConnectionID]) []ConnectionID {
	if ids == nil {
		return nil
	}
	out := ids.UnsortedList()
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func smallestFreeReplica(used set.Set[ReplicaID]) ReplicaID {
	var r ReplicaID = 1
	for used.Has(r) {
		r++
	}
	return r
}
