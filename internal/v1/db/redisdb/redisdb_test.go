package redisdb

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/collabhub/broker/internal/v1/db"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *Store {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	s, err := New(mr.Addr(), "")
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestPing(t *testing.T) {
	s := newTestStore(t)
	assert.NoError(t, s.Ping(context.Background()))
}

func TestContactRequestAcceptRemoveRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.RequestContact(ctx, 1, 2))

	edges1, err := s.GetContacts(ctx, 1)
	require.NoError(t, err)
	require.Len(t, edges1, 1)
	assert.True(t, edges1[0].Pending)
	assert.True(t, edges1[0].RequestedByOwner)

	edges2, err := s.GetContacts(ctx, 2)
	require.NoError(t, err)
	require.Len(t, edges2, 1)
	assert.True(t, edges2[0].Pending)
	assert.False(t, edges2[0].RequestedByOwner)

	require.NoError(t, s.RespondToContactRequest(ctx, 2, 1, true))
	edges1, err = s.GetContacts(ctx, 1)
	require.NoError(t, err)
	require.Len(t, edges1, 1)
	assert.False(t, edges1[0].Pending)

	require.NoError(t, s.RemoveContact(ctx, 1, 2))
	edges1, err = s.GetContacts(ctx, 1)
	require.NoError(t, err)
	assert.Empty(t, edges1)
	edges2, err = s.GetContacts(ctx, 2)
	require.NoError(t, err)
	assert.Empty(t, edges2)
}

func TestRequestContactDeclined(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.RequestContact(ctx, 1, 2))
	require.NoError(t, s.RespondToContactRequest(ctx, 2, 1, false))

	edges1, err := s.GetContacts(ctx, 1)
	require.NoError(t, err)
	assert.Empty(t, edges1)
}

func TestCreateChannelMessageDedupesByNonce(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	first, err := s.CreateChannelMessage(ctx, 10, 1, "hello", "nonce-a")
	require.NoError(t, err)

	second, err := s.CreateChannelMessage(ctx, 10, 1, "hello (retried)", "nonce-a")
	require.NoError(t, err)

	assert.Equal(t, first.ID, second.ID, "retrying with the same nonce must return the original message, not create a duplicate")
	assert.Equal(t, first.Body, second.Body)

	third, err := s.CreateChannelMessage(ctx, 10, 1, "a different message", "nonce-b")
	require.NoError(t, err)
	assert.NotEqual(t, first.ID, third.ID)
}

func TestGetChannelMessagesPagesNewestFirst(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	var ids []uint64
	for i := 0; i < 5; i++ {
		m, err := s.CreateChannelMessage(ctx, 20, 1, "msg", "nonce-"+string(rune('a'+i)))
		require.NoError(t, err)
		ids = append(ids, m.ID)
	}

	page1, err := s.GetChannelMessages(ctx, 20, 0, 2)
	require.NoError(t, err)
	require.Len(t, page1, 2)
	assert.Equal(t, ids[4], page1[0].ID)
	assert.Equal(t, ids[3], page1[1].ID)

	page2, err := s.GetChannelMessages(ctx, 20, page1[len(page1)-1].ID, 2)
	require.NoError(t, err)
	require.Len(t, page2, 2)
	assert.Equal(t, ids[2], page2[0].ID)
	assert.Equal(t, ids[1], page2[1].ID)
}

func TestRecordUserActivity(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	period := db.ActivityPeriod{Start: time.Now().Add(-time.Minute), End: time.Now()}
	err := s.RecordUserActivity(ctx, period, []db.ProjectActivity{
		{UserID: 1, ProjectID: 100},
		{UserID: 2, ProjectID: 100},
	})
	assert.NoError(t, err)
}

func TestRegisterUnregisterProject(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.RegisterProject(ctx, 42, 7))
	require.NoError(t, s.UnregisterProject(ctx, 42))
}

func TestFuzzySearchUsersNoMatches(t *testing.T) {
	s := newTestStore(t)
	users, err := s.FuzzySearchUsers(context.Background(), "nobody", 10)
	require.NoError(t, err)
	assert.Empty(t, users)
}

func TestHasContact(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	ok, err := s.HasContact(ctx, 1, 2)
	require.NoError(t, err)
	assert.False(t, ok, "no contact row at all must not be mistaken for an accepted contact")

	require.NoError(t, s.RequestContact(ctx, 1, 2))
	ok, err = s.HasContact(ctx, 1, 2)
	require.NoError(t, err)
	assert.False(t, ok, "a still-pending request is not yet a contact")

	require.NoError(t, s.RespondToContactRequest(ctx, 2, 1, true))
	ok, err = s.HasContact(ctx, 1, 2)
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = s.HasContact(ctx, 2, 1)
	require.NoError(t, err)
	assert.True(t, ok, "an accepted contact is symmetric")
}

func TestDismissContactNotification(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.RequestContact(ctx, 1, 2))
	require.NoError(t, s.DismissContactNotification(ctx, 2, 1))

	// Dismissing is only a notification acknowledgment: the request stays
	// pending, it is not accepted or declined.
	edges, err := s.GetContacts(ctx, 2)
	require.NoError(t, err)
	require.Len(t, edges, 1)
	assert.True(t, edges[0].Pending)
}

func TestCanUserAccessChannel(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	ok, err := s.CanUserAccessChannel(ctx, 1, 42)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, s.client.SAdd(ctx, userChannelsKey(1), "42").Err())

	ok, err = s.CanUserAccessChannel(ctx, 1, 42)
	require.NoError(t, err)
	assert.True(t, ok)
}
