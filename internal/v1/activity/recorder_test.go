package activity

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/collabhub/broker/internal/v1/db"
	"github.com/collabhub/broker/internal/v1/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type fakeDb struct {
	mu    sync.Mutex
	calls []db.ActivityPeriod
	pairs [][]db.ProjectActivity
}

func (f *fakeDb) RecordUserActivity(ctx context.Context, period db.ActivityPeriod, pairs []db.ProjectActivity) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, period)
	f.pairs = append(f.pairs, pairs)
	return nil
}

func (f *fakeDb) GetUser(ctx context.Context, id uint64) (*db.User, error) { return nil, nil }
func (f *fakeDb) GetUserByGithubLogin(ctx context.Context, login string) (*db.User, error) {
	return nil, nil
}
func (f *fakeDb) FuzzySearchUsers(ctx context.Context, query string, limit int) ([]*db.User, error) {
	return nil, nil
}
func (f *fakeDb) GetContacts(ctx context.Context, userID uint64) ([]db.ContactEdge, error) {
	return nil, nil
}
func (f *fakeDb) RequestContact(ctx context.Context, requester, recipient uint64) error { return nil }
func (f *fakeDb) RespondToContactRequest(ctx context.Context, responder, requester uint64, accept bool) error {
	return nil
}
func (f *fakeDb) RemoveContact(ctx context.Context, userID, otherID uint64) error { return nil }
func (f *fakeDb) GetChannels(ctx context.Context, userID uint64) ([]db.Channel, error) {
	return nil, nil
}
func (f *fakeDb) CreateChannelMessage(ctx context.Context, channelID, senderID uint64, body, nonce string) (*db.ChannelMessage, error) {
	return nil, nil
}
func (f *fakeDb) GetChannelMessages(ctx context.Context, channelID uint64, beforeMessageID uint64, limit int) ([]db.ChannelMessage, error) {
	return nil, nil
}
func (f *fakeDb) RegisterProject(ctx context.Context, projectID, hostUserID uint64) error { return nil }
func (f *fakeDb) UnregisterProject(ctx context.Context, projectID uint64) error           { return nil }
func (f *fakeDb) Ping(ctx context.Context) error                                          { return nil }
func (f *fakeDb) HasContact(ctx context.Context, userID, otherID uint64) (bool, error) {
	return false, nil
}
func (f *fakeDb) DismissContactNotification(ctx context.Context, responder, requester uint64) error {
	return nil
}
func (f *fakeDb) CanUserAccessChannel(ctx context.Context, userID, channelID uint64) (bool, error) {
	return false, nil
}

var _ db.Db = (*fakeDb)(nil)

func TestRecorderFlushesActiveProjects(t *testing.T) {
	s := store.NewStore()
	s.AddConnection(1, &store.User{ID: 100})
	_, err := s.CreateRoom(1)
	require.NoError(t, err)
	proj, err := s.ShareProject(1)
	require.NoError(t, err)
	require.NoError(t, s.RegisterProjectActivity(proj.ID, 1))

	fdb := &fakeDb{}
	rec := NewRecorder(s, fdb, 20*time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	go rec.Start(ctx)

	time.Sleep(60 * time.Millisecond)
	cancel()
	rec.Stop()

	fdb.mu.Lock()
	defer fdb.mu.Unlock()
	require.NotEmpty(t, fdb.calls)
	found := false
	for _, pairs := range fdb.pairs {
		for _, p := range pairs {
			if p.UserID == 100 && p.ProjectID == uint64(proj.ID) {
				found = true
			}
		}
	}
	assert.True(t, found, "expected the active (user, project) pair to be recorded")
}

func TestRecorderStopBeforeFirstTick(t *testing.T) {
	s := store.NewStore()
	fdb := &fakeDb{}
	rec := NewRecorder(s, fdb, time.Second)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go rec.Start(ctx)

	time.Sleep(10 * time.Millisecond)
	rec.Stop()
}
