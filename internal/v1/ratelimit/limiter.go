// Package ratelimit implements rate limiting logic using Redis or local memory,
// targeted at the /rpc endpoint rather than HTTP routes: connection upgrades
// are limited per IP and per user. CheckMessage offers per-user message
// buckets (channel messages separately from everything else); the server's
// RPC dispatcher does not call it, so RPC messages are not throttled.
package ratelimit

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/collabhub/broker/internal/v1/config"
	"github.com/collabhub/broker/internal/v1/logging"
	"github.com/collabhub/broker/internal/v1/metrics"
	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"github.com/ulule/limiter/v3"
	"github.com/ulule/limiter/v3/drivers/store/memory"
	sredis "github.com/ulule/limiter/v3/drivers/store/redis"
	"go.uber.org/zap"
)

// RateLimiter holds the rate limiter instances: the upgrade limits applied
// to /rpc and the message buckets exposed through CheckMessage.
type RateLimiter struct {
	apiGlobal        *limiter.Limiter
	apiPublic        *limiter.Limiter
	connectUpgrade   *limiter.Limiter
	channelMessages  *limiter.Limiter
	wsIP             *limiter.Limiter
	wsUser           *limiter.Limiter
	store            limiter.Store
	redisClient      *redis.Client
}

// NewRateLimiter creates a new RateLimiter instance
func NewRateLimiter(cfg *config.Config, redisClient *redis.Client) (*RateLimiter, error) {
	apiGlobalRate, err := limiter.NewRateFromFormatted(cfg.RateLimitApiGlobal)
	if err != nil {
		return nil, fmt.Errorf("invalid API global rate: %w", err)
	}

	apiPublicRate, err := limiter.NewRateFromFormatted(cfg.RateLimitApiPublic)
	if err != nil {
		return nil, fmt.Errorf("invalid API public rate: %w", err)
	}

	connectUpgradeRate, err := limiter.NewRateFromFormatted(cfg.RateLimitConnectUpgrade)
	if err != nil {
		return nil, fmt.Errorf("invalid connect upgrade rate: %w", err)
	}

	channelMessagesRate, err := limiter.NewRateFromFormatted(cfg.RateLimitChannelMessages)
	if err != nil {
		return nil, fmt.Errorf("invalid channel messages rate: %w", err)
	}

	wsIPRate, err := limiter.NewRateFromFormatted(cfg.RateLimitWsIp)
	if err != nil {
		return nil, fmt.Errorf("invalid WS IP rate: %w", err)
	}

	wsUserRate, err := limiter.NewRateFromFormatted(cfg.RateLimitWsUser)
	if err != nil {
		return nil, fmt.Errorf("invalid WS User rate: %w", err)
	}

	var store limiter.Store
	if redisClient != nil {
		s, err := sredis.NewStoreWithOptions(redisClient, limiter.StoreOptions{
			Prefix: "limiter:v1:",
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create redis store: %w", err)
		}
		store = s
		logging.Info(context.Background(), "rate limiter using Redis store")
	} else {
		store = memory.NewStore()
		logging.Warn(context.Background(), "rate limiter using memory store (Redis disabled or unavailable)")
	}

	return &RateLimiter{
		apiGlobal:       limiter.New(store, apiGlobalRate),
		apiPublic:       limiter.New(store, apiPublicRate),
		connectUpgrade:  limiter.New(store, connectUpgradeRate),
		channelMessages: limiter.New(store, channelMessagesRate),
		wsIP:            limiter.New(store, wsIPRate),
		wsUser:          limiter.New(store, wsUserRate),
		store:           store,
		redisClient:     redisClient,
	}, nil
}

// CheckUpgrade enforces the per-IP /rpc upgrade limit before a websocket
// handshake is accepted. Returns true if the upgrade may proceed; on false it
// has already written the HTTP response.
func (rl *RateLimiter) CheckUpgrade(c *gin.Context) bool {
	ctx := c.Request.Context()
	ip := c.ClientIP()

	lc, err := rl.connectUpgrade.Get(ctx, ip)
	if err != nil {
		logging.Error(ctx, "rate limiter store failed on upgrade check", zap.Error(err))
		return true // fail open: availability over strictness
	}

	metrics.RateLimitRequests.WithLabelValues("connect_upgrade").Inc()
	if lc.Reached {
		metrics.RateLimitExceeded.WithLabelValues("connect_upgrade", "ip").Inc()
		c.Header("Retry-After", strconv.FormatInt(lc.Reset-time.Now().Unix(), 10))
		c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
			"error":       "too many connection attempts",
			"retry_after": lc.Reset,
		})
		return false
	}
	return true
}

// CheckUpgradeUser enforces the per-user /rpc upgrade limit once the
// upgrade request's bearer token has been validated.
func (rl *RateLimiter) CheckUpgradeUser(ctx context.Context, userID string) error {
	lc, err := rl.wsUser.Get(ctx, userID)
	if err != nil {
		logging.Error(ctx, "rate limiter store failed on per-user upgrade check", zap.Error(err))
		return nil // fail open
	}
	if lc.Reached {
		metrics.RateLimitExceeded.WithLabelValues("connect_upgrade", "user").Inc()
		return fmt.Errorf("rate limit exceeded for user %s", userID)
	}
	return nil
}

// MessageLimiter names the limiter bucket CheckMessage checks a user against.
type MessageLimiter int

const (
	// LimiterGlobal is the default per-connection message budget.
	LimiterGlobal MessageLimiter = iota
	// LimiterChannelMessages is the bucket sized for SendChannelMessage/
	// GetChannelMessages traffic (cfg.RateLimitChannelMessages).
	LimiterChannelMessages
)

// CheckMessage enforces the named limiter bucket for a single user,
// returning an error (never aborting the connection) when the budget is
// exhausted.
func (rl *RateLimiter) CheckMessage(ctx context.Context, userID string, which MessageLimiter) error {
	var l *limiter.Limiter
	var bucket string
	switch which {
	case LimiterChannelMessages:
		l = rl.channelMessages
		bucket = "channel_messages"
	default:
		l = rl.apiGlobal
		bucket = "global"
	}

	lc, err := l.Get(ctx, userID)
	if err != nil {
		logging.Error(ctx, "rate limiter store failed on message check", zap.Error(err))
		return nil // fail open
	}

	metrics.RateLimitRequests.WithLabelValues(bucket).Inc()
	if lc.Reached {
		metrics.RateLimitExceeded.WithLabelValues(bucket, "user").Inc()
		return fmt.Errorf("rate limit exceeded: %s", bucket)
	}
	return nil
}
