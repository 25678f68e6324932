package server

import (
	"context"
	"sort"

	"github.com/collabhub/broker/internal/v1/logging"
	"github.com/collabhub/broker/internal/v1/rpc"
	"github.com/collabhub/broker/internal/v1/store"
	"go.uber.org/zap"
)

func handleShareProject(ctx context.Context, s *Server, conn store.ConnectionID, env rpc.Envelope) (any, error) {
	var p ShareProjectPayload
	if err := env.DecodePayload(&p); err != nil {
		return nil, err
	}

	proj, err := s.Store.ShareProject(conn)
	if err != nil {
		return nil, err
	}

	for _, wt := range p.Worktrees {
		w := &store.Worktree{RootName: wt.RootName, Visible: wt.Visible}
		if err := s.Store.UpdateWorktree(proj.ID, conn, w); err != nil {
			logging.Warn(ctx, "failed to register worktree on share", zap.Error(err))
		}
	}

	hostUser, err := s.Store.UserIDForConnection(conn)
	if err == nil {
		if dbErr := s.Db.RegisterProject(ctx, uint64(proj.ID), uint64(hostUser)); dbErr != nil {
			logging.Warn(ctx, "failed to register project with durable store", zap.Error(dbErr))
		}
	}

	broadcastRoomUpdated(s, proj.RoomID)
	return ShareProjectResponse{ProjectID: proj.ID}, nil
}

// handleUnshareProject is a message: the host has already decided to stop
// sharing and isn't waiting on a round trip before continuing.
func handleUnshareProject(ctx context.Context, s *Server, conn store.ConnectionID, env rpc.Envelope) (any, error) {
	var p UnshareProjectPayload
	if err := env.DecodePayload(&p); err != nil {
		return nil, err
	}
	guests, err := s.Store.UnshareProject(p.ProjectID, conn)
	if err != nil {
		return nil, err
	}
	s.Peer.Broadcast(guests, conn, rpc.TypeUnshareProject, p, logBroadcastErr(ctx))
	if err := s.Db.UnregisterProject(ctx, uint64(p.ProjectID)); err != nil {
		logging.Warn(ctx, "failed to unregister project", zap.Error(err))
	}
	return nil, nil
}

func handleJoinProject(ctx context.Context, s *Server, conn store.ConnectionID, env rpc.Envelope) (any, error) {
	var p JoinProjectPayload
	if err := env.DecodePayload(&p); err != nil {
		return nil, err
	}

	proj, replica, err := s.Store.JoinProject(p.ProjectID, conn)
	if err != nil {
		return nil, err
	}

	others, _ := s.Store.ProjectConnectionIDs(p.ProjectID)
	joinerUser, _ := s.Store.UserIDForConnection(conn)
	s.Peer.Broadcast(others, conn, rpc.TypeAddProjectCollaborator, AddProjectCollaboratorPayload{
		ProjectID:    p.ProjectID,
		Collaborator: CollaboratorInfo{ConnectionID: conn, UserID: joinerUser, ReplicaID: replica, IsHost: false},
	}, logBroadcastErr(ctx))

	resp := JoinProjectResponse{ProjectID: p.ProjectID, ReplicaID: replica}
	for _, c := range proj.Collaborators {
		if c.ConnectionID == conn {
			continue
		}
		resp.Collaborators = append(resp.Collaborators, CollaboratorInfo{
			ConnectionID: c.ConnectionID, UserID: c.UserID, ReplicaID: c.ReplicaID, IsHost: c.IsHost,
		})
	}
	worktrees := make([]*store.Worktree, 0, len(proj.Worktrees))
	for _, w := range proj.Worktrees {
		resp.Worktrees = append(resp.Worktrees, WorktreeMetadata{ID: w.ID, RootName: w.RootName, Visible: w.Visible})
		worktrees = append(worktrees, w)
	}

	servers := make([]store.LanguageServer, 0, len(proj.LanguageServers))
	for _, ls := range proj.LanguageServers {
		servers = append(servers, ls)
	}
	sort.Slice(servers, func(i, j int) bool { return servers[i].ID < servers[j].ID })
	resp.LanguageServers = servers

	go streamWorktreesToJoiner(ctx, s, conn, p.ProjectID, worktrees, servers)

	return resp, nil
}

// streamWorktreesToJoiner replays each worktree's accumulated entry listing
// to a newly joined guest, chunked at Server.WorktreeChunkSize entries per
// UpdateWorktree request, metadata reply first (already sent by
// handleJoinProject's response) and chunks after, exactly the ordering
// §4.6 specifies. Each chunk is itself a request so the joiner's Ack
// provides natural backpressure; streaming runs off the handler goroutine
// so the JoinProjectResponse isn't delayed behind a potentially large
// listing. Each worktree's known diagnostic summaries replay right after its
// own chunk stream, and every known language server replays once all
// worktrees are done — the same ordering the project's state was built up
// in, so a late joiner never sees a diagnostic referencing a worktree it
// hasn't heard about yet.
func streamWorktreesToJoiner(ctx context.Context, s *Server, joiner store.ConnectionID, projectID store.ProjectID, worktrees []*store.Worktree, servers []store.LanguageServer) {
	chunkSize := s.WorktreeChunkSize
	if chunkSize <= 0 {
		chunkSize = MaxWorktreeChunkProd
	}
	for _, w := range worktrees {
		entries := w.Entries
		if len(entries) == 0 {
			sendWorktreeChunk(ctx, s, joiner, projectID, w, nil, true)
		} else {
			for i := 0; i < len(entries); i += chunkSize {
				end := i + chunkSize
				if end > len(entries) {
					end = len(entries)
				}
				last := end == len(entries)
				sendWorktreeChunk(ctx, s, joiner, projectID, w, entries[i:end], last)
			}
		}
		sendDiagnosticSummaries(ctx, s, joiner, projectID, w)
	}

	for _, ls := range servers {
		payload := StartLanguageServerPayload{ProjectID: projectID, Server: ls}
		if err := s.Peer.Send(joiner, rpc.TypeUpdateLanguageServer, payload); err != nil {
			logging.Warn(ctx, "language server replay failed", zap.Error(err), zap.Uint64("server", ls.ID))
		}
	}
}

// sendDiagnosticSummaries replays every diagnostic summary known for one
// worktree, sorted by path for a deterministic order.
func sendDiagnosticSummaries(ctx context.Context, s *Server, joiner store.ConnectionID, projectID store.ProjectID, w *store.Worktree) {
	if len(w.DiagnosticSummaries) == 0 {
		return
	}
	paths := make([]string, 0, len(w.DiagnosticSummaries))
	for path := range w.DiagnosticSummaries {
		paths = append(paths, path)
	}
	sort.Strings(paths)
	for _, path := range paths {
		payload := UpdateDiagnosticSummaryPayload{
			ProjectID:  projectID,
			WorktreeID: w.ID,
			Summary:    w.DiagnosticSummaries[path],
		}
		if err := s.Peer.Send(joiner, rpc.TypeUpdateDiagnosticSummary, payload); err != nil {
			logging.Warn(ctx, "diagnostic summary replay failed", zap.Error(err), zap.Uint64("worktree", uint64(w.ID)))
		}
	}
}

func sendWorktreeChunk(ctx context.Context, s *Server, joiner store.ConnectionID, projectID store.ProjectID, w *store.Worktree, entries []store.WorktreeEntry, last bool) {
	wire := make([]WorktreeEntry, 0, len(entries))
	for _, e := range entries {
		wire = append(wire, WorktreeEntry{Path: e.Path})
	}
	payload := UpdateWorktreePayload{
		ProjectID: projectID, WorktreeID: w.ID, RootName: w.RootName, Visible: w.Visible,
		Entries: wire, IsLastUpdate: last,
	}
	var ack AckPayload
	if err := s.Peer.Request(ctx, joiner, rpc.TypeUpdateWorktree, payload, &ack); err != nil {
		logging.Warn(ctx, "worktree replay chunk failed", zap.Error(err), zap.Uint64("worktree", uint64(w.ID)))
	}
}

// handleLeaveProject is a message: the guest is already leaving locally.
func handleLeaveProject(ctx context.Context, s *Server, conn store.ConnectionID, env rpc.Envelope) (any, error) {
	var p LeaveProjectPayload
	if err := env.DecodePayload(&p); err != nil {
		return nil, err
	}
	if err := s.Store.LeaveProject(p.ProjectID, conn); err != nil {
		return nil, err
	}
	if targets, err := s.Store.ProjectConnectionIDs(p.ProjectID); err == nil {
		s.Peer.Broadcast(targets, conn, rpc.TypeRemoveProjectCollaborator, RemoveProjectCollaboratorPayload{ProjectID: p.ProjectID, ConnectionID: conn}, logBroadcastErr(ctx))
	}
	return nil, nil
}

// handleUpdateWorktree is a request only in the sense that a reply (Ack)
// gives the host backpressure against how fast the broker can relay each
// chunk; the actual persistence is a plain upsert under the Store lock.
func handleUpdateWorktree(ctx context.Context, s *Server, conn store.ConnectionID, env rpc.Envelope) (any, error) {
	var p UpdateWorktreePayload
	if err := env.DecodePayload(&p); err != nil {
		return nil, err
	}

	w := &store.Worktree{ID: p.WorktreeID, RootName: p.RootName, Visible: p.Visible}
	if err := s.Store.UpdateWorktree(p.ProjectID, conn, w); err != nil {
		return nil, err
	}
	entries := make([]store.WorktreeEntry, 0, len(p.Entries))
	for _, e := range p.Entries {
		entries = append(entries, store.WorktreeEntry{Path: e.Path})
	}
	if err := s.Store.AppendWorktreeEntries(p.ProjectID, conn, w.ID, entries, p.ResetEntries); err != nil {
		return nil, err
	}

	if targets, err := s.Store.ProjectConnectionIDs(p.ProjectID); err == nil {
		s.Peer.Broadcast(targets, conn, rpc.TypeUpdateWorktree, p, logBroadcastErr(ctx))
	}
	return AckPayload{}, nil
}

func handleRegisterProjectActivity(ctx context.Context, s *Server, conn store.ConnectionID, env rpc.Envelope) (any, error) {
	var p RegisterProjectActivityPayload
	if err := env.DecodePayload(&p); err != nil {
		return nil, err
	}
	if err := s.Store.RegisterProjectActivity(p.ProjectID, conn); err != nil {
		return nil, err
	}
	return AckPayload{}, nil
}

// handleSaveBuffer routes a save request to the project host and fans the
// host's reply out to every other collaborator, so they learn the saved
// version without each issuing their own save_buffer.
func handleSaveBuffer(ctx context.Context, s *Server, conn store.ConnectionID, env rpc.Envelope) (any, error) {
	var p SaveBufferPayload
	if err := env.DecodePayload(&p); err != nil {
		return nil, err
	}
	host, err := s.Store.HostConnection(p.ProjectID)
	if err != nil {
		return nil, err
	}

	var reply ForwardedProjectMessage
	if err := s.Peer.ForwardRequest(ctx, conn, host, rpc.TypeSaveBuffer, p, &reply); err != nil {
		return nil, err
	}

	targets, err := s.Store.ProjectConnectionIDs(p.ProjectID)
	if err == nil {
		s.Peer.Broadcast(targets, conn, rpc.TypeBufferSaved, reply, logBroadcastErr(ctx))
	}
	return reply, nil
}

// handleForwardProjectRequest relays an LSP-shaped request (hover,
// definition, references, ...) to the project host, awaits its reply,
// re-validates the project still exists (the host may have torn it down
// while the request was in flight), and relays the payload back to the
// original requester.
func handleForwardProjectRequest(ctx context.Context, s *Server, conn store.ConnectionID, env rpc.Envelope) (any, error) {
	var p ForwardProjectRequestPayload
	if err := env.DecodePayload(&p); err != nil {
		return nil, err
	}
	host, err := s.Store.HostConnection(p.ProjectID)
	if err != nil {
		return nil, err
	}

	var reply ForwardedProjectMessage
	if err := s.Peer.ForwardRequest(ctx, conn, host, rpc.TypeForwardProjectRequest, p, &reply); err != nil {
		return nil, err
	}
	if _, err := s.Store.HostConnection(p.ProjectID); err != nil {
		return nil, err
	}
	return reply, nil
}

// handleForwardToProject relays a one-way project message (UpdateBuffer,
// UpdateBufferFile, BufferReloaded, BufferSaved, UpdateDiffBase,
// CreateBufferForPeer, StartLanguageServer, UpdateLanguageServer,
// UpdateDiagnosticSummary, Follow, Unfollow, UpdateFollowers) to every other
// collaborator on the sender's project, preserving sender identity via
// ForwardSend, and also registers project activity the way §4.6's
// "Activity tracking" note requires for UpdateBuffer/Follow/Unfollow/
// UpdateFollowers.
func handleForwardToProject(ctx context.Context, s *Server, conn store.ConnectionID, env rpc.Envelope) (any, error) {
	var p ForwardedProjectMessage
	if err := env.DecodePayload(&p); err != nil {
		return nil, err
	}
	targets, err := s.Store.ProjectConnectionIDs(p.ProjectID)
	if err != nil {
		return nil, err
	}

	switch env.Type {
	case rpc.TypeUpdateBuffer, rpc.TypeFollow, rpc.TypeUnfollow, rpc.TypeUpdateFollowers:
		if err := s.Store.RegisterProjectActivity(p.ProjectID, conn); err != nil {
			logging.Warn(ctx, "failed to register project activity on forward", zap.Error(err))
		}
	case rpc.TypeUpdateDiagnosticSummary:
		var dp UpdateDiagnosticSummaryPayload
		if err := env.DecodePayload(&dp); err != nil {
			logging.Warn(ctx, "failed to decode diagnostic summary for persistence", zap.Error(err))
		} else if err := s.Store.SetDiagnosticSummary(dp.ProjectID, dp.WorktreeID, dp.Summary); err != nil {
			logging.Warn(ctx, "failed to persist diagnostic summary", zap.Error(err))
		}
	case rpc.TypeStartLanguageServer:
		var sp StartLanguageServerPayload
		if err := env.DecodePayload(&sp); err != nil {
			logging.Warn(ctx, "failed to decode language server for persistence", zap.Error(err))
		} else if err := s.Store.AddLanguageServer(sp.ProjectID, sp.Server); err != nil {
			logging.Warn(ctx, "failed to persist language server", zap.Error(err))
		}
	}

	for _, target := range targets {
		if target == conn {
			continue
		}
		if err := s.Peer.ForwardSend(conn, target, env.Type, p); err != nil {
			logging.Warn(ctx, "forward failed", zap.Error(err), zap.String("type", string(env.Type)))
		}
	}
	return nil, nil
}
