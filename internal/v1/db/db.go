// Package db declares the broker's durable-store boundary: everything that
// must survive a broker restart (accounts, contacts, channels, channel
// history, invite codes, per-project activity windows) but whose storage
// internals SPEC_FULL.md treats as out of scope. internal/v1/db/redisdb is
// the one concrete implementation, backed by Redis.
package db

import (
	"context"
	"time"
)

// User is the durable projection of an account — distinct from
// internal/v1/store.User, which is the broker's in-memory, per-process
// cache of the fields a live connection needs on every message.
type User struct {
	ID          uint64
	GithubLogin string
	Admin       bool
	InviteCode  string
	InviteCount int
	Email       string
}

// ContactEdge is one durable row of the contact graph, from Owner's point
// of view.
type ContactEdge struct {
	Owner   uint64
	Other   uint64
	Pending bool
	// RequestedByOwner is true when Owner sent the original request (vs.
	// received it), relevant only while Pending.
	RequestedByOwner bool
}

// Channel is a persistent text channel.
type Channel struct {
	ID   uint64
	Name string
}

// ChannelMessage is one durably stored channel post.
type ChannelMessage struct {
	ID        uint64
	ChannelID uint64
	SenderID  uint64
	Body      string
	Nonce     string
	SentAt    time.Time
}

// ActivityPeriod is a closed-open [Start, End) window the activity
// recorder flushes once per tick.
type ActivityPeriod struct {
	Start time.Time
	End   time.Time
}

// ProjectActivity is one (user, project) pair observed active during a
// given period.
type ProjectActivity struct {
	UserID    uint64
	ProjectID uint64
}

// Db is the durable store every handler in internal/v1/server that needs
// data outside the in-memory Store goes through. Every method takes a
// context so a caller can bound how long it's willing to wait on the
// underlying store, and every implementation is expected to degrade
// gracefully (fail closed on writes, fail open on reads where SPEC_FULL.md
// allows it) rather than crash the broker when the store is unreachable.
type Db interface {
	// GetUser returns the durable account for id.
	GetUser(ctx context.Context, id uint64) (*User, error)
	// GetUserByGithubLogin looks a user up by their GitHub login, used by
	// cmd/v1/broker's /rpc upgrade handler to resolve the token's subject.
	GetUserByGithubLogin(ctx context.Context, login string) (*User, error)
	// FuzzySearchUsers returns users whose login approximately matches
	// query, capped at limit results.
	FuzzySearchUsers(ctx context.Context, query string, limit int) ([]*User, error)

	// GetContacts returns every contact edge owned by userID.
	GetContacts(ctx context.Context, userID uint64) ([]ContactEdge, error)
	// HasContact reports whether userID and otherID are durably accepted
	// contacts. This is the authority behind any permission check that
	// must survive a restart (e.g. Call) — it must never be answered from
	// a process-local projection alone.
	HasContact(ctx context.Context, userID, otherID uint64) (bool, error)
	// RequestContact durably records an outgoing contact request.
	RequestContact(ctx context.Context, requester, recipient uint64) error
	// RespondToContactRequest durably accepts or rejects a pending
	// request.
	RespondToContactRequest(ctx context.Context, responder, requester uint64, accept bool) error
	// DismissContactNotification durably records that responder has
	// dismissed the notification for a still-pending request from
	// requester, without accepting or declining it — the third option
	// (Accept | Decline | Dismiss) respond_to_contact_request supports.
	DismissContactNotification(ctx context.Context, responder, requester uint64) error
	// RemoveContact durably deletes an accepted contact edge.
	RemoveContact(ctx context.Context, userID, otherID uint64) error

	// GetChannels returns every channel userID belongs to.
	GetChannels(ctx context.Context, userID uint64) ([]Channel, error)
	// CanUserAccessChannel durably reports whether userID is permitted to
	// join channelID. JoinChannel must gate on this before replaying any
	// history; Store's membership bookkeeping tracks only which channels
	// a session has already joined, not who is allowed to.
	CanUserAccessChannel(ctx context.Context, userID, channelID uint64) (bool, error)

	// CreateChannelMessage durably appends a message, or — if (channelID,
	// senderID, nonce) was already used — returns the previously stored
	// message instead of erroring, so a client retrying a timed-out send
	// can't double-post (§8 resolved open question).
	CreateChannelMessage(ctx context.Context, channelID, senderID uint64, body, nonce string) (*ChannelMessage, error)
	// GetChannelMessages returns up to limit messages older than
	// beforeMessageID (0 meaning "most recent"), newest first.
	GetChannelMessages(ctx context.Context, channelID uint64, beforeMessageID uint64, limit int) ([]ChannelMessage, error)

	// RecordUserActivity durably records that each of pairs was active
	// during period; called once per activity-recorder tick.
	RecordUserActivity(ctx context.Context, period ActivityPeriod, pairs []ProjectActivity) error

	// RegisterProject durably records that projectID now exists, hosted
	// by hostUserID, so activity/ownership queries have somewhere to
	// land; UnregisterProject reverses it when the project stops being
	// shared.
	RegisterProject(ctx context.Context, projectID, hostUserID uint64) error
	UnregisterProject(ctx context.Context, projectID uint64) error

	// Ping reports whether the durable store is reachable, for
	// internal/v1/health's readiness probe.
	Ping(ctx context.Context) error
}
