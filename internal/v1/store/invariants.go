package store

import "fmt"

// CheckInvariants walks the Store's maps looking for the handful of
// cross-map consistency properties every operation above is supposed to
// maintain. It is O(n) in the number of connections/projects/rooms and is
// meant to run only from tests, after a sequence of operations, the same
// way the broker this was modeled on re-verified its own state on every
// lock release in debug builds.
func (s *Store) CheckInvariants() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	// I1: every room's participants reference a connection that
	// still exists and every room is reachable from roomByConnection.
	for rid, room := range s.rooms {
		for cid := range room.Participants {
			if _, ok := s.connections[cid]; !ok {
				return fmt.Errorf("%w: room %d has participant %d with no connection", ErrInvariantViolation, rid, cid)
			}
			if got := s.roomByConnection[cid]; got != rid {
				return fmt.Errorf("%w: connection %d thinks it's in room %d, room %d disagrees", ErrInvariantViolation, cid, got, rid)
			}
		}
	}
	for cid, rid := range s.roomByConnection {
		room, ok := s.rooms[rid]
		if !ok {
			return fmt.Errorf("%w: connection %d maps to deleted room %d", ErrInvariantViolation, cid, rid)
		}
		if _, ok := room.Participants[cid]; !ok {
			return fmt.Errorf("%w: connection %d maps to room %d but isn't seated there", ErrInvariantViolation, cid, rid)
		}
	}

	// I2: a project's replica ids are unique and every non-host
	// collaborator's id is present in usedReplicas; the host is always 0.
	for pid, p := range s.projects {
		seen := map[ReplicaID]ConnectionID{}
		for cid, c := range p.Collaborators {
			if prev, dup := seen[c.ReplicaID]; dup {
				return fmt.Errorf("%w: project %d assigns replica %d to both %d and %d", ErrInvariantViolation, pid, c.ReplicaID, prev, cid)
			}
			seen[c.ReplicaID] = cid
			if !c.IsHost && !p.usedReplicas.Has(c.ReplicaID) {
				return fmt.Errorf("%w: project %d collaborator %d holds replica %d missing from usedReplicas", ErrInvariantViolation, pid, cid, c.ReplicaID)
			}
			if c.IsHost != (c.ReplicaID == 0) {
				return fmt.Errorf("%w: project %d collaborator %d host/replica mismatch", ErrInvariantViolation, pid, cid)
			}
		}
		if _, ok := s.connections[p.HostConnection]; !ok {
			return fmt.Errorf("%w: project %d hosted by missing connection %d", ErrInvariantViolation, pid, p.HostConnection)
		}
	}

	// I3: every connection belongs to exactly the user connectionsByUser
	// says it does.
	for uid, ids := range s.connectionsByUser {
		for cid := range ids {
			c, ok := s.connections[cid]
			if !ok {
				return fmt.Errorf("%w: connectionsByUser[%d] references missing connection %d", ErrInvariantViolation, uid, cid)
			}
			if c.UserID != uid {
				return fmt.Errorf("%w: connection %d filed under user %d but belongs to %d", ErrInvariantViolation, cid, uid, c.UserID)
			}
		}
	}

	// I4: contact edges are symmetric — if A has an edge to B, B has one
	// back to A with a matching state.
	for uid, edges := range s.contacts {
		for other, c := range edges {
			back, ok := s.contacts[other][uid]
			if !ok {
				return fmt.Errorf("%w: contact edge %d->%d has no reverse edge", ErrInvariantViolation, uid, other)
			}
			if back.State != c.State {
				return fmt.Errorf("%w: contact edge %d<->%d has mismatched state", ErrInvariantViolation, uid, other)
			}
		}
	}

	// I5: hostedByConnection/guestProjectsByConnection agree with the
	// project's own Collaborators map.
	for cid, ids := range s.hostedByConnection {
		for pid := range ids {
			p, ok := s.projects[pid]
			if !ok {
				return fmt.Errorf("%w: hostedByConnection[%d] references deleted project %d", ErrInvariantViolation, cid, pid)
			}
			if p.HostConnection != cid {
				return fmt.Errorf("%w: project %d host mismatch for connection %d", ErrInvariantViolation, pid, cid)
			}
		}
	}
	for cid, ids := range s.guestProjectsByConnection {
		for pid := range ids {
			p, ok := s.projects[pid]
			if !ok {
				return fmt.Errorf("%w: guestProjectsByConnection[%d] references deleted project %d", ErrInvariantViolation, cid, pid)
			}
			if _, ok := p.Collaborators[cid]; !ok {
				return fmt.Errorf("%w: connection %d thinks it guests project %d but isn't a collaborator", ErrInvariantViolation, cid, pid)
			}
		}
	}

	return nil
}
