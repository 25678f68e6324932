package server

import (
	"testing"

	"github.com/collabhub/broker/internal/v1/rpc"
	"github.com/collabhub/broker/internal/v1/store"
	"github.com/stretchr/testify/require"
)

// TestJoinProjectReplaysWorktreeInChunks implements the "Share & join
// project" scenario: a host shares a project with one worktree of five
// entries, a guest joins, and the replay arrives split at
// Server.WorktreeChunkSize (2 in tests) entries per update_worktree
// request — three chunks of sizes 2, 2, 1, only the last flagged done.
func TestJoinProjectReplaysWorktreeInChunks(t *testing.T) {
	h := newTestHarness(t)
	defer h.close()

	host := &store.User{ID: 1}
	guestUser := &store.User{ID: 2}
	_, hostSock := h.connect(host)
	_, guestSock := h.connect(guestUser)

	require.NoError(t, hostSock.WriteJSON(&rpc.Envelope{Type: rpc.TypeCreateRoom, ID: 1}))
	readUntil(t, hostSock, testTimeout, func(e rpc.Envelope) bool { return e.RespondingTo == 1 })

	require.NoError(t, hostSock.WriteJSON(&rpc.Envelope{
		Type: rpc.TypeShareProject, ID: 2,
		Payload: mustEncode(t, ShareProjectPayload{}),
	}))
	shareResp := readUntil(t, hostSock, testTimeout, func(e rpc.Envelope) bool { return e.RespondingTo == 2 })
	var share ShareProjectResponse
	require.NoError(t, shareResp.DecodePayload(&share))

	entries := []WorktreeEntry{{Path: "a.go"}, {Path: "b.go"}, {Path: "c.go"}, {Path: "d.go"}, {Path: "e.go"}}
	require.NoError(t, hostSock.WriteJSON(&rpc.Envelope{
		Type: rpc.TypeUpdateWorktree, ID: 3,
		Payload: mustEncode(t, UpdateWorktreePayload{
			ProjectID: share.ProjectID, RootName: "root", Visible: true,
			Entries: entries, ResetEntries: true, IsLastUpdate: true,
		}),
	}))
	readUntil(t, hostSock, testTimeout, func(e rpc.Envelope) bool { return e.RespondingTo == 3 })

	require.NoError(t, guestSock.WriteJSON(&rpc.Envelope{
		Type: rpc.TypeJoinProject, ID: 4,
		Payload: mustEncode(t, JoinProjectPayload{ProjectID: share.ProjectID}),
	}))
	joinResp := readUntil(t, guestSock, testTimeout, func(e rpc.Envelope) bool { return e.RespondingTo == 4 })
	var joinPayload JoinProjectResponse
	require.NoError(t, joinResp.DecodePayload(&joinPayload))
	require.Len(t, joinPayload.Collaborators, 1)

	var chunks []UpdateWorktreePayload
	for {
		env := readUntil(t, guestSock, testTimeout, func(e rpc.Envelope) bool { return e.Type == rpc.TypeUpdateWorktree })
		var p UpdateWorktreePayload
		require.NoError(t, env.DecodePayload(&p))
		chunks = append(chunks, p)
		require.NoError(t, guestSock.WriteJSON(&rpc.Envelope{Type: rpc.TypeAck, RespondingTo: env.ID}))
		if p.IsLastUpdate {
			break
		}
	}

	require.Len(t, chunks, 3)
	require.Len(t, chunks[0].Entries, 2)
	require.Len(t, chunks[1].Entries, 2)
	require.Len(t, chunks[2].Entries, 1)
	require.False(t, chunks[0].IsLastUpdate)
	require.False(t, chunks[1].IsLastUpdate)
	require.True(t, chunks[2].IsLastUpdate)

	var gotPaths []string
	for _, c := range chunks {
		for _, e := range c.Entries {
			gotPaths = append(gotPaths, e.Path)
		}
	}
	require.Equal(t, []string{"a.go", "b.go", "c.go", "d.go", "e.go"}, gotPaths)
}

// TestJoinProjectReplaysDiagnosticsAndLanguageServers covers the gap the
// maintainer flagged: a guest who joins after diagnostics/language servers
// were announced must still learn about them, not just about worktree
// entries. Diagnostic/language-server state is persisted directly on the
// Store here (as handleForwardToProject's persistence branch would do for a
// real update_diagnostic_summary/start_language_server message) so the test
// exercises replay deterministically, independent of forwarding timing.
func TestJoinProjectReplaysDiagnosticsAndLanguageServers(t *testing.T) {
	h := newTestHarness(t)
	defer h.close()

	host := &store.User{ID: 1}
	guestUser := &store.User{ID: 2}
	_, hostSock := h.connect(host)
	_, guestSock := h.connect(guestUser)

	require.NoError(t, hostSock.WriteJSON(&rpc.Envelope{Type: rpc.TypeCreateRoom, ID: 1}))
	readUntil(t, hostSock, testTimeout, func(e rpc.Envelope) bool { return e.RespondingTo == 1 })

	require.NoError(t, hostSock.WriteJSON(&rpc.Envelope{
		Type: rpc.TypeShareProject, ID: 2,
		Payload: mustEncode(t, ShareProjectPayload{Worktrees: []WorktreeMetadata{{RootName: "root", Visible: true}}}),
	}))
	shareResp := readUntil(t, hostSock, testTimeout, func(e rpc.Envelope) bool { return e.RespondingTo == 2 })
	var share ShareProjectResponse
	require.NoError(t, shareResp.DecodePayload(&share))

	// ShareProject assigns worktree ids starting at 1, and this is the only
	// worktree this fresh Store has ever created.
	worktreeID := store.WorktreeID(1)

	summary := store.DiagnosticSummary{Path: "main.go", ErrorCount: 2, WarningCount: 1}
	require.NoError(t, h.server.Store.SetDiagnosticSummary(share.ProjectID, worktreeID, summary))
	ls := store.LanguageServer{ID: 1, Name: "gopls"}
	require.NoError(t, h.server.Store.AddLanguageServer(share.ProjectID, ls))

	require.NoError(t, guestSock.WriteJSON(&rpc.Envelope{
		Type: rpc.TypeJoinProject, ID: 3,
		Payload: mustEncode(t, JoinProjectPayload{ProjectID: share.ProjectID}),
	}))
	joinResp := readUntil(t, guestSock, testTimeout, func(e rpc.Envelope) bool { return e.RespondingTo == 3 })
	var joinPayload JoinProjectResponse
	require.NoError(t, joinResp.DecodePayload(&joinPayload))
	require.Len(t, joinPayload.LanguageServers, 1)
	require.Equal(t, ls, joinPayload.LanguageServers[0])

	// The worktree has no entries, so its replay is one UpdateWorktree
	// request; the diagnostics follow only once it is acknowledged.
	wtEnv := readUntil(t, guestSock, testTimeout, func(e rpc.Envelope) bool { return e.Type == rpc.TypeUpdateWorktree })
	require.NoError(t, guestSock.WriteJSON(&rpc.Envelope{Type: rpc.TypeAck, RespondingTo: wtEnv.ID}))

	diagEnv := readUntil(t, guestSock, testTimeout, func(e rpc.Envelope) bool { return e.Type == rpc.TypeUpdateDiagnosticSummary })
	var diagPayload UpdateDiagnosticSummaryPayload
	require.NoError(t, diagEnv.DecodePayload(&diagPayload))
	require.Equal(t, summary, diagPayload.Summary)
	require.Equal(t, worktreeID, diagPayload.WorktreeID)

	lsEnv := readUntil(t, guestSock, testTimeout, func(e rpc.Envelope) bool { return e.Type == rpc.TypeUpdateLanguageServer })
	var lsPayload StartLanguageServerPayload
	require.NoError(t, lsEnv.DecodePayload(&lsPayload))
	require.Equal(t, ls, lsPayload.Server)
}
