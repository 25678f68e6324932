// Package livekit issues LiveKit-style room-access tokens and room
// lifecycle calls. It is optional: when no client is configured, callers
// skip straight to the room/call logic in internal/v1/store and simply
// omit connection info from their responses, per §6 of the room/call
// design.
package livekit

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/collabhub/broker/internal/v1/logging"
	"github.com/collabhub/broker/internal/v1/metrics"
	"github.com/golang-jwt/jwt/v5"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"
)

// Client is the LiveKit interface every handler that needs room-level
// audio/video goes through: create_room/delete_room/room_token/
// remove_participant/url.
type Client interface {
	CreateRoom(ctx context.Context, name string) error
	DeleteRoom(ctx context.Context, name string) error
	RoomToken(name string, participantIdentity string, canPublish bool) (string, error)
	RemoveParticipant(ctx context.Context, roomName, participantIdentity string) error
	URL() string
}

// claims is the access-token payload LiveKit's own server SDKs mint; we
// reproduce it by hand with golang-jwt rather than vendoring LiveKit's SDK,
// since the grant shape is small and stable.
type claims struct {
	jwt.RegisteredClaims
	Video videoGrant `json:"video"`
}

type videoGrant struct {
	Room           string `json:"room"`
	RoomJoin       bool   `json:"roomJoin"`
	CanPublish     bool   `json:"canPublish"`
	CanSubscribe   bool   `json:"canSubscribe"`
	CanPublishData bool   `json:"canPublishData"`
}

// HTTPClient talks to a real (or test-double) LiveKit server: tokens are
// minted locally (LiveKit verifies them against the shared API secret, it
// never needs to be asked to produce one), while room lifecycle calls go
// out over LiveKit's twirp-over-HTTP RoomService API, circuit-breaker
// wrapped exactly like the teacher wraps its SFU gRPC client.
type HTTPClient struct {
	url       string
	apiKey    string
	apiSecret string
	http      *http.Client
	cb        *gobreaker.CircuitBreaker
}

// NewHTTPClient constructs a LiveKit client against a running LiveKit
// server at url, authenticating RoomService calls with apiKey/apiSecret.
func NewHTTPClient(url, apiKey, apiSecret string) *HTTPClient {
	settings := gobreaker.Settings{
		Name:        "livekit",
		MaxRequests: 3,
		Interval:    30 * time.Second,
		Timeout:     10 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures > 3
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			metrics.CircuitBreakerState.WithLabelValues(name).Set(float64(to))
			logging.Warn(context.Background(), "circuit breaker state changed",
				zap.String("breaker", name), zap.String("from", from.String()), zap.String("to", to.String()))
		},
	}
	return &HTTPClient{
		url:       url,
		apiKey:    apiKey,
		apiSecret: apiSecret,
		http:      &http.Client{Timeout: 5 * time.Second},
		cb:        gobreaker.NewCircuitBreaker(settings),
	}
}

func (c *HTTPClient) URL() string { return c.url }

// RoomToken mints a signed room-access token for participantIdentity to
// join name, valid for six hours — long enough to outlast any single
// collaboration session without requiring a refresh flow.
func (c *HTTPClient) RoomToken(name string, participantIdentity string, canPublish bool) (string, error) {
	now := time.Now()
	cl := claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    c.apiKey,
			Subject:   participantIdentity,
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(6 * time.Hour)),
		},
		Video: videoGrant{
			Room:           name,
			RoomJoin:       true,
			CanPublish:     canPublish,
			CanSubscribe:   true,
			CanPublishData: true,
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, cl)
	signed, err := token.SignedString([]byte(c.apiSecret))
	if err != nil {
		return "", fmt.Errorf("livekit: signing room token: %w", err)
	}
	return signed, nil
}

func (c *HTTPClient) CreateRoom(ctx context.Context, name string) error {
	return c.call(ctx, "create_room", "/twirp/livekit.RoomService/CreateRoom", map[string]any{"name": name})
}

func (c *HTTPClient) DeleteRoom(ctx context.Context, name string) error {
	return c.call(ctx, "delete_room", "/twirp/livekit.RoomService/DeleteRoom", map[string]any{"room": name})
}

func (c *HTTPClient) RemoveParticipant(ctx context.Context, roomName, participantIdentity string) error {
	return c.call(ctx, "remove_participant", "/twirp/livekit.RoomService/RemoveParticipant", map[string]any{
		"room":     roomName,
		"identity": participantIdentity,
	})
}

func (c *HTTPClient) call(ctx context.Context, op, path string, body map[string]any) error {
	_, err := c.cb.Execute(func() (interface{}, error) {
		payload, err := json.Marshal(body)
		if err != nil {
			return nil, err
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url+path, bytes.NewReader(payload))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/json")
		adminToken, err := c.adminToken()
		if err != nil {
			return nil, err
		}
		req.Header.Set("Authorization", "Bearer "+adminToken)

		resp, err := c.http.Do(req)
		if err != nil {
			return nil, err
		}
		defer resp.Body.Close()
		if resp.StatusCode >= 300 {
			return nil, fmt.Errorf("livekit: %s returned status %s", op, strconv.Itoa(resp.StatusCode))
		}
		return nil, nil
	})
	metrics.LiveKitCalls.WithLabelValues(op, statusLabel(err)).Inc()
	if err != nil {
		return fmt.Errorf("livekit: %s: %w", op, err)
	}
	return nil
}

// adminToken mints a short-lived token with room-admin grants for
// RoomService calls, distinct from a participant's RoomToken.
func (c *HTTPClient) adminToken() (string, error) {
	now := time.Now()
	cl := jwt.RegisteredClaims{
		Issuer:    c.apiKey,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(time.Minute)),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, cl)
	return token.SignedString([]byte(c.apiSecret))
}

func statusLabel(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}

var _ Client = (*HTTPClient)(nil)
