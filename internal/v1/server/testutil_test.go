package server

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/collabhub/broker/internal/v1/db"
	"github.com/collabhub/broker/internal/v1/rpc"
	"github.com/collabhub/broker/internal/v1/store"
)

// mustEncode marshals v into a json.RawMessage for building test Envelopes
// directly, without going through a Peer's Send/Request helpers.
func mustEncode(t *testing.T, v any) json.RawMessage {
	t.Helper()
	b, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal payload: %v", err)
	}
	return b
}

// fakeSocket is an in-memory rpc.Socket, mirroring internal/v1/rpc's own
// test helper so server-level tests can drive a real Peer/Connection pair
// without a network round trip.
type fakeSocket struct {
	in     chan rpc.Envelope
	out    chan rpc.Envelope
	once   sync.Once
	closed chan struct{}
}

func newFakeSocketPair() (*fakeSocket, *fakeSocket) {
	ab := make(chan rpc.Envelope, 64)
	ba := make(chan rpc.Envelope, 64)
	a := &fakeSocket{in: ba, out: ab, closed: make(chan struct{})}
	b := &fakeSocket{in: ab, out: ba, closed: make(chan struct{})}
	return a, b
}

func (f *fakeSocket) ReadJSON(v any) error {
	select {
	case e, ok := <-f.in:
		if !ok {
			return io.EOF
		}
		*(v.(*rpc.Envelope)) = e
		return nil
	case <-f.closed:
		return io.EOF
	}
}

func (f *fakeSocket) WriteJSON(v any) error {
	e := *(v.(*rpc.Envelope))
	select {
	case f.out <- e:
		return nil
	case <-f.closed:
		return io.EOF
	}
}

func (f *fakeSocket) SetWriteDeadline(time.Time) error { return nil }

func (f *fakeSocket) Close() error {
	f.once.Do(func() { close(f.closed) })
	return nil
}

// fakeDb is a minimal in-memory db.Db good enough to exercise every server
// handler's happy and error paths without Redis.
type fakeDb struct {
	mu sync.Mutex

	users           map[uint64]*db.User
	channels        map[uint64][]db.Channel
	messages        map[uint64][]db.ChannelMessage
	nonces          map[string]*db.ChannelMessage
	nextMsg         uint64
	unregisteredIDs []uint64

	// contacts mirrors Store's own shape (owner -> other -> edge) so tests
	// can set up durable state independent of any in-process Store mutation,
	// exactly the gap the Db-backed HasContact/hydration fix closes.
	contacts  map[uint64]map[uint64]db.ContactEdge
	dismissed map[uint64]map[uint64]bool
	channelAccess map[uint64]map[uint64]bool
}

func newFakeDb() *fakeDb {
	return &fakeDb{
		users:         make(map[uint64]*db.User),
		channels:      make(map[uint64][]db.Channel),
		messages:      make(map[uint64][]db.ChannelMessage),
		nonces:        make(map[string]*db.ChannelMessage),
		contacts:      make(map[uint64]map[uint64]db.ContactEdge),
		dismissed:     make(map[uint64]map[uint64]bool),
		channelAccess: make(map[uint64]map[uint64]bool),
	}
}

// grantChannelAccess marks userID as durably permitted to join channelID,
// the way an out-of-band provisioning step would.
func (f *fakeDb) grantChannelAccess(userID, channelID uint64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.channelAccess[userID] == nil {
		f.channelAccess[userID] = make(map[uint64]bool)
	}
	f.channelAccess[userID][channelID] = true
}

// setContactEdge installs a durable contact edge directly, bypassing
// RequestContact/RespondToContactRequest, to simulate state a prior process
// instance established.
func (f *fakeDb) setContactEdge(owner, other uint64, pending, requestedByOwner bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.contacts[owner] == nil {
		f.contacts[owner] = make(map[uint64]db.ContactEdge)
	}
	f.contacts[owner][other] = db.ContactEdge{Owner: owner, Other: other, Pending: pending, RequestedByOwner: requestedByOwner}
}

func (f *fakeDb) GetUser(ctx context.Context, id uint64) (*db.User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.users[id], nil
}
func (f *fakeDb) GetUserByGithubLogin(ctx context.Context, login string) (*db.User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, u := range f.users {
		if u.GithubLogin == login {
			return u, nil
		}
	}
	return nil, nil
}
func (f *fakeDb) FuzzySearchUsers(ctx context.Context, query string, limit int) ([]*db.User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*db.User
	for _, u := range f.users {
		out = append(out, u)
		if len(out) >= limit {
			break
		}
	}
	return out, nil
}
func (f *fakeDb) GetContacts(ctx context.Context, userID uint64) ([]db.ContactEdge, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]db.ContactEdge, 0, len(f.contacts[userID]))
	for _, e := range f.contacts[userID] {
		out = append(out, e)
	}
	return out, nil
}
func (f *fakeDb) HasContact(ctx context.Context, userID, otherID uint64) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	e, ok := f.contacts[userID][otherID]
	return ok && !e.Pending, nil
}
func (f *fakeDb) RequestContact(ctx context.Context, requester, recipient uint64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.contacts[requester] == nil {
		f.contacts[requester] = make(map[uint64]db.ContactEdge)
	}
	if f.contacts[recipient] == nil {
		f.contacts[recipient] = make(map[uint64]db.ContactEdge)
	}
	f.contacts[requester][recipient] = db.ContactEdge{Owner: requester, Other: recipient, Pending: true, RequestedByOwner: true}
	f.contacts[recipient][requester] = db.ContactEdge{Owner: recipient, Other: requester, Pending: true, RequestedByOwner: false}
	return nil
}
func (f *fakeDb) RespondToContactRequest(ctx context.Context, responder, requester uint64, accept bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !accept {
		delete(f.contacts[responder], requester)
		delete(f.contacts[requester], responder)
		return nil
	}
	if f.contacts[responder] == nil {
		f.contacts[responder] = make(map[uint64]db.ContactEdge)
	}
	if f.contacts[requester] == nil {
		f.contacts[requester] = make(map[uint64]db.ContactEdge)
	}
	f.contacts[responder][requester] = db.ContactEdge{Owner: responder, Other: requester, Pending: false}
	f.contacts[requester][responder] = db.ContactEdge{Owner: requester, Other: responder, Pending: false}
	return nil
}
func (f *fakeDb) RemoveContact(ctx context.Context, userID, otherID uint64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.contacts[userID], otherID)
	delete(f.contacts[otherID], userID)
	return nil
}
func (f *fakeDb) DismissContactNotification(ctx context.Context, responder, requester uint64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.dismissed[responder] == nil {
		f.dismissed[responder] = make(map[uint64]bool)
	}
	f.dismissed[responder][requester] = true
	return nil
}
func (f *fakeDb) CanUserAccessChannel(ctx context.Context, userID, channelID uint64) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.channelAccess[userID][channelID], nil
}

func (f *fakeDb) GetChannels(ctx context.Context, userID uint64) ([]db.Channel, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.channels[userID], nil
}

func (f *fakeDb) CreateChannelMessage(ctx context.Context, channelID, senderID uint64, body, nonce string) (*db.ChannelMessage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := fmt.Sprintf("%d:%d:%s", channelID, senderID, nonce)
	if existing, ok := f.nonces[key]; ok {
		return existing, nil
	}
	f.nextMsg++
	m := db.ChannelMessage{ID: f.nextMsg, ChannelID: channelID, SenderID: senderID, Body: body, Nonce: nonce, SentAt: time.Unix(int64(f.nextMsg), 0)}
	f.messages[channelID] = append(f.messages[channelID], m)
	f.nonces[key] = &m
	return &m, nil
}

func (f *fakeDb) GetChannelMessages(ctx context.Context, channelID uint64, beforeMessageID uint64, limit int) ([]db.ChannelMessage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	all := f.messages[channelID]
	var out []db.ChannelMessage
	for i := len(all) - 1; i >= 0; i-- {
		if beforeMessageID != 0 && all[i].ID >= beforeMessageID {
			continue
		}
		out = append(out, all[i])
		if len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (f *fakeDb) RecordUserActivity(ctx context.Context, period db.ActivityPeriod, pairs []db.ProjectActivity) error {
	return nil
}
func (f *fakeDb) RegisterProject(ctx context.Context, projectID, hostUserID uint64) error { return nil }
func (f *fakeDb) UnregisterProject(ctx context.Context, projectID uint64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.unregisteredIDs = append(f.unregisteredIDs, projectID)
	return nil
}

func (f *fakeDb) unregisteredCount(projectID uint64) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, id := range f.unregisteredIDs {
		if id == projectID {
			n++
		}
	}
	return n
}
func (f *fakeDb) Ping(ctx context.Context) error                                         { return nil }

var _ db.Db = (*fakeDb)(nil)

// fakeLiveKit is a no-op livekit.Client for tests that don't care about
// LiveKit behavior but need a non-nil Server.LiveKit.
type fakeLiveKit struct{}

func (fakeLiveKit) CreateRoom(ctx context.Context, name string) error         { return nil }
func (fakeLiveKit) DeleteRoom(ctx context.Context, name string) error         { return nil }
func (fakeLiveKit) RoomToken(name, participant string, canPublish bool) (string, error) {
	return "token-" + name + "-" + participant, nil
}
func (fakeLiveKit) RemoveParticipant(ctx context.Context, name, participant string) error {
	return nil
}
func (fakeLiveKit) URL() string { return "wss://fake.livekit.test" }

// testHarness wires one Server and lets tests attach client-side
// fakeSockets that drive HandleConnection through its full lifecycle.
type testHarness struct {
	t      *testing.T
	server *Server
	db     *fakeDb
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func newTestHarness(t *testing.T) *testHarness {
	fdb := newFakeDb()
	srv := New(rpc.NewPeer(), store.NewStore(), fdb, fakeLiveKit{}, nil)
	srv.WorktreeChunkSize = MaxWorktreeChunkTest
	ctx, cancel := context.WithCancel(context.Background())
	return &testHarness{t: t, server: srv, db: fdb, ctx: ctx, cancel: cancel}
}

// connect registers a new user+connection and returns the client-side
// fakeSocket to drive it, plus the assigned ConnectionID. HandleConnection
// runs on its own goroutine until the harness is closed.
func (h *testHarness) connect(user *store.User) (store.ConnectionID, *fakeSocket) {
	h.t.Helper()
	serverSock, clientSock := newFakeSocketPair()
	id := h.server.NextConnectionID()
	h.server.Peer.AddConnection(id, serverSock)

	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		h.server.HandleConnection(h.ctx, id, user)
	}()

	// The Hello/onboarding burst is left on clientSock; tests skip past it
	// with readUntil, which discards envelopes its predicate rejects.
	return id, clientSock
}

func (h *testHarness) close() {
	h.cancel()
	h.wg.Wait()
}

// crash simulates a client's socket dying: it closes the Connection the way
// readPump would on a read error, so HandleConnection's drive loop observes
// conn.Done() and runs teardown exactly as it would for a real disconnect.
func (h *testHarness) crash(id store.ConnectionID) {
	h.t.Helper()
	conn, err := h.server.Peer.Connection(id)
	if err != nil {
		h.t.Fatalf("crash: connection %d not found: %v", id, err)
	}
	conn.Close()
}

// readUntil reads envelopes the server sent to sock (via its ReadJSON,
// which pulls from the client side of the pair) until pred returns true,
// discarding anything that doesn't match and failing the test if nothing
// matches within the timeout.
func readUntil(t *testing.T, sock *fakeSocket, timeout time.Duration, pred func(rpc.Envelope) bool) rpc.Envelope {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			t.Fatalf("timed out waiting for matching envelope")
		}
		envCh := make(chan rpc.Envelope, 1)
		errCh := make(chan error, 1)
		go func() {
			var e rpc.Envelope
			if err := sock.ReadJSON(&e); err != nil {
				errCh <- err
				return
			}
			envCh <- e
		}()
		select {
		case e := <-envCh:
			if pred(e) {
				return e
			}
		case <-errCh:
			t.Fatalf("socket closed while waiting for matching envelope")
		case <-time.After(remaining):
			t.Fatalf("timed out waiting for matching envelope")
		}
	}
}
