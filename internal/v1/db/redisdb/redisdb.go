// Package redisdb implements internal/v1/db.Db on top of Redis, the same
// way the teacher's deleted pub/sub bus wrapped go-redis in a gobreaker
// circuit breaker: every call to Redis goes through the breaker so a flaky
// or overloaded store trips open and fails fast instead of piling up
// blocked handler goroutines.
package redisdb

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/collabhub/broker/internal/v1/db"
	"github.com/collabhub/broker/internal/v1/logging"
	"github.com/collabhub/broker/internal/v1/metrics"
	"github.com/redis/go-redis/v9"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"
)

// Store is a Redis-backed db.Db. The zero value is not usable; construct
// with New.
type Store struct {
	client *redis.Client
	cb     *gobreaker.CircuitBreaker
}

// New dials addr (optionally authenticating with password), pings it once
// to fail fast on misconfiguration, and wraps it in a circuit breaker
// exactly as the teacher's Redis bus service does.
func New(addr, password string) (*Store, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         addr,
		Password:     password,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
		PoolSize:     20,
		MinIdleConns: 5,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redisdb: ping %s: %w", addr, err)
	}

	settings := gobreaker.Settings{
		Name:        "db.redis",
		MaxRequests: 5,
		Interval:    30 * time.Second,
		Timeout:     15 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures > 5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			metrics.CircuitBreakerState.WithLabelValues(name).Set(float64(to))
			logging.Warn(context.Background(), "circuit breaker state changed",
				zap.String("breaker", name), zap.String("from", from.String()), zap.String("to", to.String()))
		},
	}

	return &Store{
		client: client,
		cb:     gobreaker.NewCircuitBreaker(settings),
	}, nil
}

// Close releases the underlying Redis connection pool.
func (s *Store) Close() error { return s.client.Close() }

// execute runs fn through the circuit breaker, recording per-operation
// metrics the same way the teacher's Redis bus instruments every call.
func execute[T any](ctx context.Context, s *Store, op string, fn func(ctx context.Context) (T, error)) (T, error) {
	start := time.Now()
	res, err := s.cb.Execute(func() (interface{}, error) {
		return fn(ctx)
	})
	metrics.DbOperationDuration.WithLabelValues(op).Observe(time.Since(start).Seconds())
	status := "ok"
	if err != nil {
		status = "error"
		metrics.CircuitBreakerFailures.WithLabelValues("db.redis").Inc()
	}
	metrics.DbOperationsTotal.WithLabelValues(op, status).Inc()
	var zero T
	if err != nil {
		return zero, err
	}
	return res.(T), nil
}

func userKey(id uint64) string       { return "user:" + strconv.FormatUint(id, 10) }
func loginIndexKey(login string) string { return "user:by_login:" + strings.ToLower(login) }
func contactsKey(userID uint64) string  { return "contacts:" + strconv.FormatUint(userID, 10) }
func channelKey(id uint64) string       { return "channel:" + strconv.FormatUint(id, 10) }
func userChannelsKey(userID uint64) string {
	return "user_channels:" + strconv.FormatUint(userID, 10)
}
func dismissedContactKey(userID uint64) string {
	return "contacts_dismissed:" + strconv.FormatUint(userID, 10)
}
func channelMessagesKey(channelID uint64) string {
	return "channel_messages:" + strconv.FormatUint(channelID, 10)
}
func channelNonceKey(channelID, senderID uint64, nonce string) string {
	return fmt.Sprintf("channel_nonce:%d:%d:%s", channelID, senderID, nonce)
}
func activityKey(periodStart time.Time) string {
	return "project_activity:" + strconv.FormatInt(periodStart.Unix(), 10)
}
func projectKey(id uint64) string { return "project:" + strconv.FormatUint(id, 10) }

func (s *Store) GetUser(ctx context.Context, id uint64) (*db.User, error) {
	return execute(ctx, s, "get_user", func(ctx context.Context) (*db.User, error) {
		m, err := s.client.HGetAll(ctx, userKey(id)).Result()
		if err != nil {
			return nil, err
		}
		if len(m) == 0 {
			return nil, fmt.Errorf("redisdb: user %d not found", id)
		}
		return decodeUser(m), nil
	})
}

func (s *Store) GetUserByGithubLogin(ctx context.Context, login string) (*db.User, error) {
	return execute(ctx, s, "get_user_by_login", func(ctx context.Context) (*db.User, error) {
		idStr, err := s.client.Get(ctx, loginIndexKey(login)).Result()
		if err != nil {
			return nil, err
		}
		id, err := strconv.ParseUint(idStr, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("redisdb: corrupt login index for %q: %w", login, err)
		}
		m, err := s.client.HGetAll(ctx, userKey(id)).Result()
		if err != nil {
			return nil, err
		}
		return decodeUser(m), nil
	})
}

// FuzzySearchUsers scans the login index for logins containing query. The
// in-memory Store only ever sees a handful of candidate logins per search
// (collab workspaces are small), so a SCAN-and-filter is adequate; a
// dedicated search index is out of scope.
func (s *Store) FuzzySearchUsers(ctx context.Context, query string, limit int) ([]*db.User, error) {
	return execute(ctx, s, "fuzzy_search_users", func(ctx context.Context) ([]*db.User, error) {
		query = strings.ToLower(query)
		var cursor uint64
		var matches []*db.User
		for {
			keys, next, err := s.client.Scan(ctx, cursor, "user:by_login:*"+query+"*", 100).Result()
			if err != nil {
				return nil, err
			}
			for _, k := range keys {
				idStr, err := s.client.Get(ctx, k).Result()
				if err != nil {
					continue
				}
				id, err := strconv.ParseUint(idStr, 10, 64)
				if err != nil {
					continue
				}
				m, err := s.client.HGetAll(ctx, userKey(id)).Result()
				if err != nil || len(m) == 0 {
					continue
				}
				matches = append(matches, decodeUser(m))
				if len(matches) >= limit {
					return matches, nil
				}
			}
			cursor = next
			if cursor == 0 {
				break
			}
		}
		return matches, nil
	})
}

func decodeUser(m map[string]string) *db.User {
	admin, _ := strconv.ParseBool(m["admin"])
	count, _ := strconv.Atoi(m["invite_count"])
	id, _ := strconv.ParseUint(m["id"], 10, 64)
	return &db.User{
		ID:          id,
		GithubLogin: m["github_login"],
		Admin:       admin,
		InviteCode:  m["invite_code"],
		InviteCount: count,
		Email:       m["email"],
	}
}

func (s *Store) GetContacts(ctx context.Context, userID uint64) ([]db.ContactEdge, error) {
	return execute(ctx, s, "get_contacts", func(ctx context.Context) ([]db.ContactEdge, error) {
		raw, err := s.client.HGetAll(ctx, contactsKey(userID)).Result()
		if err != nil {
			return nil, err
		}
		edges := make([]db.ContactEdge, 0, len(raw))
		for otherStr, state := range raw {
			other, err := strconv.ParseUint(otherStr, 10, 64)
			if err != nil {
				continue
			}
			edge := db.ContactEdge{Owner: userID, Other: other}
			switch state {
			case "accepted":
			case "pending_sent":
				edge.Pending = true
				edge.RequestedByOwner = true
			case "pending_received":
				edge.Pending = true
				edge.RequestedByOwner = false
			}
			edges = append(edges, edge)
		}
		sort.Slice(edges, func(i, j int) bool { return edges[i].Other < edges[j].Other })
		return edges, nil
	})
}

// HasContact reports whether userID's own edge to otherID is in the
// "accepted" state. Only userID's own edge is authoritative for the
// permission check callers actually need (a pending request isn't a
// contact yet), so a single HGet is enough.
func (s *Store) HasContact(ctx context.Context, userID, otherID uint64) (bool, error) {
	return execute(ctx, s, "has_contact", func(ctx context.Context) (bool, error) {
		state, err := s.client.HGet(ctx, contactsKey(userID), strconv.FormatUint(otherID, 10)).Result()
		if err == redis.Nil {
			return false, nil
		}
		if err != nil {
			return false, err
		}
		return state == "accepted", nil
	})
}

func (s *Store) RequestContact(ctx context.Context, requester, recipient uint64) error {
	_, err := execute(ctx, s, "request_contact", func(ctx context.Context) (struct{}, error) {
		pipe := s.client.TxPipeline()
		pipe.HSet(ctx, contactsKey(requester), strconv.FormatUint(recipient, 10), "pending_sent")
		pipe.HSet(ctx, contactsKey(recipient), strconv.FormatUint(requester, 10), "pending_received")
		_, err := pipe.Exec(ctx)
		return struct{}{}, err
	})
	return err
}

func (s *Store) RespondToContactRequest(ctx context.Context, responder, requester uint64, accept bool) error {
	_, err := execute(ctx, s, "respond_to_contact_request", func(ctx context.Context) (struct{}, error) {
		if !accept {
			pipe := s.client.TxPipeline()
			pipe.HDel(ctx, contactsKey(responder), strconv.FormatUint(requester, 10))
			pipe.HDel(ctx, contactsKey(requester), strconv.FormatUint(responder, 10))
			_, err := pipe.Exec(ctx)
			return struct{}{}, err
		}
		pipe := s.client.TxPipeline()
		pipe.HSet(ctx, contactsKey(responder), strconv.FormatUint(requester, 10), "accepted")
		pipe.HSet(ctx, contactsKey(requester), strconv.FormatUint(responder, 10), "accepted")
		_, err := pipe.Exec(ctx)
		return struct{}{}, err
	})
	return err
}

func (s *Store) RemoveContact(ctx context.Context, userID, otherID uint64) error {
	_, err := execute(ctx, s, "remove_contact", func(ctx context.Context) (struct{}, error) {
		pipe := s.client.TxPipeline()
		pipe.HDel(ctx, contactsKey(userID), strconv.FormatUint(otherID, 10))
		pipe.HDel(ctx, contactsKey(otherID), strconv.FormatUint(userID, 10))
		_, err := pipe.Exec(ctx)
		return struct{}{}, err
	})
	return err
}

// DismissContactNotification records that responder has acknowledged the
// still-pending request from requester, so a client doesn't keep reopening
// the notification on every reconnect. It never touches the edge itself —
// the request is still pending until Accepted or Declined.
func (s *Store) DismissContactNotification(ctx context.Context, responder, requester uint64) error {
	_, err := execute(ctx, s, "dismiss_contact_notification", func(ctx context.Context) (struct{}, error) {
		err := s.client.SAdd(ctx, dismissedContactKey(responder), requester).Err()
		return struct{}{}, err
	})
	return err
}

func (s *Store) GetChannels(ctx context.Context, userID uint64) ([]db.Channel, error) {
	return execute(ctx, s, "get_channels", func(ctx context.Context) ([]db.Channel, error) {
		ids, err := s.client.SMembers(ctx, userChannelsKey(userID)).Result()
		if err != nil {
			return nil, err
		}
		channels := make([]db.Channel, 0, len(ids))
		for _, idStr := range ids {
			id, err := strconv.ParseUint(idStr, 10, 64)
			if err != nil {
				continue
			}
			name, err := s.client.HGet(ctx, channelKey(id), "name").Result()
			if err != nil {
				continue
			}
			channels = append(channels, db.Channel{ID: id, Name: name})
		}
		return channels, nil
	})
}

// CanUserAccessChannel reports whether userID is a durable member of
// channelID — the set GetChannels itself reads from, and the only record
// of channel membership this store keeps. Membership is provisioned
// out-of-band (channel creation/invites are outside this broker's scope);
// this call just answers whether that provisioning already granted access.
func (s *Store) CanUserAccessChannel(ctx context.Context, userID, channelID uint64) (bool, error) {
	return execute(ctx, s, "can_user_access_channel", func(ctx context.Context) (bool, error) {
		return s.client.SIsMember(ctx, userChannelsKey(userID), strconv.FormatUint(channelID, 10)).Result()
	})
}

// CreateChannelMessage durably appends a message, using a Redis SETNX on
// the (channel, sender, nonce) triple to make the call idempotent: a client
// retrying a send whose response timed out gets back the message that was
// actually stored the first time, rather than creating a duplicate post.
func (s *Store) CreateChannelMessage(ctx context.Context, channelID, senderID uint64, body, nonce string) (*db.ChannelMessage, error) {
	return execute(ctx, s, "create_channel_message", func(ctx context.Context) (*db.ChannelMessage, error) {
		nonceKey := channelNonceKey(channelID, senderID, nonce)

		id, err := s.client.Incr(ctx, "channel_message_id_seq").Result()
		if err != nil {
			return nil, err
		}
		msg := &db.ChannelMessage{
			ID:        uint64(id),
			ChannelID: channelID,
			SenderID:  senderID,
			Body:      body,
			Nonce:     nonce,
			SentAt:    time.Now().UTC(),
		}

		ok, err := s.client.SetNX(ctx, nonceKey, msg.ID, 24*time.Hour).Result()
		if err != nil {
			return nil, err
		}
		if !ok {
			existingID, err := s.client.Get(ctx, nonceKey).Uint64()
			if err != nil {
				return nil, err
			}
			return s.getChannelMessage(ctx, channelID, existingID)
		}

		member := encodeMessage(msg)
		if err := s.client.ZAdd(ctx, channelMessagesKey(channelID), redis.Z{Score: float64(msg.ID), Member: member}).Err(); err != nil {
			return nil, err
		}
		return msg, nil
	})
}

func (s *Store) getChannelMessage(ctx context.Context, channelID, messageID uint64) (*db.ChannelMessage, error) {
	members, err := s.client.ZRangeByScore(ctx, channelMessagesKey(channelID), &redis.ZRangeBy{
		Min: strconv.FormatUint(messageID, 10),
		Max: strconv.FormatUint(messageID, 10),
	}).Result()
	if err != nil {
		return nil, err
	}
	if len(members) == 0 {
		return nil, fmt.Errorf("redisdb: channel message %d not found in channel %d", messageID, channelID)
	}
	return decodeMessage(members[0]), nil
}

func (s *Store) GetChannelMessages(ctx context.Context, channelID uint64, beforeMessageID uint64, limit int) ([]db.ChannelMessage, error) {
	return execute(ctx, s, "get_channel_messages", func(ctx context.Context) ([]db.ChannelMessage, error) {
		max := "+inf"
		if beforeMessageID != 0 {
			max = "(" + strconv.FormatUint(beforeMessageID, 10)
		}
		members, err := s.client.ZRevRangeByScore(ctx, channelMessagesKey(channelID), &redis.ZRangeBy{
			Min:   "-inf",
			Max:   max,
			Count: int64(limit),
		}).Result()
		if err != nil {
			return nil, err
		}
		out := make([]db.ChannelMessage, 0, len(members))
		for _, m := range members {
			out = append(out, *decodeMessage(m))
		}
		return out, nil
	})
}

// encodeMessage/decodeMessage use a plain delimited encoding rather than
// JSON so the channel body (which may itself contain JSON-looking text)
// never needs escaping twice; '\x1f' is not a character clients can type.
const fieldSep = "\x1f"

func encodeMessage(m *db.ChannelMessage) string {
	return strings.Join([]string{
		strconv.FormatUint(m.ID, 10),
		strconv.FormatUint(m.ChannelID, 10),
		strconv.FormatUint(m.SenderID, 10),
		m.Nonce,
		strconv.FormatInt(m.SentAt.UnixNano(), 10),
		m.Body,
	}, fieldSep)
}

func decodeMessage(raw string) *db.ChannelMessage {
	parts := strings.SplitN(raw, fieldSep, 6)
	if len(parts) != 6 {
		return &db.ChannelMessage{}
	}
	id, _ := strconv.ParseUint(parts[0], 10, 64)
	channelID, _ := strconv.ParseUint(parts[1], 10, 64)
	senderID, _ := strconv.ParseUint(parts[2], 10, 64)
	nanos, _ := strconv.ParseInt(parts[4], 10, 64)
	return &db.ChannelMessage{
		ID:        id,
		ChannelID: channelID,
		SenderID:  senderID,
		Nonce:     parts[3],
		SentAt:    time.Unix(0, nanos).UTC(),
		Body:      parts[5],
	}
}

func (s *Store) RecordUserActivity(ctx context.Context, period db.ActivityPeriod, pairs []db.ProjectActivity) error {
	_, err := execute(ctx, s, "record_user_activity", func(ctx context.Context) (struct{}, error) {
		if len(pairs) == 0 {
			return struct{}{}, nil
		}
		key := activityKey(period.Start)
		pipe := s.client.TxPipeline()
		for _, p := range pairs {
			pipe.SAdd(ctx, key, fmt.Sprintf("%d:%d", p.UserID, p.ProjectID))
		}
		pipe.Expire(ctx, key, 90*24*time.Hour)
		_, err := pipe.Exec(ctx)
		return struct{}{}, err
	})
	return err
}

func (s *Store) RegisterProject(ctx context.Context, projectID, hostUserID uint64) error {
	_, err := execute(ctx, s, "register_project", func(ctx context.Context) (struct{}, error) {
		err := s.client.HSet(ctx, projectKey(projectID), "host_user_id", hostUserID).Err()
		return struct{}{}, err
	})
	return err
}

func (s *Store) UnregisterProject(ctx context.Context, projectID uint64) error {
	_, err := execute(ctx, s, "unregister_project", func(ctx context.Context) (struct{}, error) {
		err := s.client.Del(ctx, projectKey(projectID)).Err()
		return struct{}{}, err
	})
	return err
}

func (s *Store) Ping(ctx context.Context) error {
	_, err := execute(ctx, s, "ping", func(ctx context.Context) (struct{}, error) {
		err := s.client.Ping(ctx).Err()
		return struct{}{}, err
	})
	return err
}

var _ db.Db = (*Store)(nil)
