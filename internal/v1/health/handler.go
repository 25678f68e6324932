package health

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/collabhub/broker/internal/v1/db"
	"github.com/collabhub/broker/internal/v1/logging"
	"go.uber.org/zap"
)

// LiveKitChecker checks reachability of the configured LiveKit deployment.
// Split out so tests can substitute a fixed result without standing up an
// HTTP listener, the same shape the teacher used for its SFU gRPC checker.
type LiveKitChecker interface {
	Check(ctx context.Context, liveKitURL string) string
}

// DefaultLiveKitChecker probes LiveKit's HTTP endpoint directly. LiveKit
// has no gRPC health-check protocol the way the SFU this broker replaces
// did, so reachability is judged by whether the base URL answers at all.
type DefaultLiveKitChecker struct {
	HTTP *http.Client
}

// Check reports "healthy" if liveKitURL responds to any HTTP request,
// "unhealthy" otherwise.
func (c *DefaultLiveKitChecker) Check(ctx context.Context, liveKitURL string) string {
	if liveKitURL == "" {
		return "unhealthy"
	}

	reqURL := liveKitURL
	if parsed, err := url.Parse(liveKitURL); err == nil {
		switch parsed.Scheme {
		case "ws":
			parsed.Scheme = "http"
			reqURL = parsed.String()
		case "wss":
			parsed.Scheme = "https"
			reqURL = parsed.String()
		}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		logging.Error(ctx, "failed to build livekit health request", zap.Error(err))
		return "unhealthy"
	}

	client := c.HTTP
	if client == nil {
		client = &http.Client{Timeout: 3 * time.Second}
	}
	resp, err := client.Do(req)
	if err != nil {
		logging.Error(ctx, "livekit health check failed", zap.Error(err), zap.String("url", liveKitURL))
		return "unhealthy"
	}
	defer func() { _ = resp.Body.Close() }()
	// LiveKit's bare HTTP port answers 404 for any unrouted path; getting a
	// response at all is enough to know the process is up.
	return "healthy"
}

// Handler manages health check endpoints.
type Handler struct {
	database       db.Db
	liveKitURL     string
	liveKitEnabled bool
	liveKitChecker LiveKitChecker
}

// NewHandler creates a health check handler. liveKitURL may be empty, in
// which case the LiveKit check is skipped entirely (LiveKit disabled).
func NewHandler(database db.Db, liveKitURL string) *Handler {
	return &Handler{
		database:       database,
		liveKitURL:     liveKitURL,
		liveKitEnabled: liveKitURL != "",
		liveKitChecker: &DefaultLiveKitChecker{},
	}
}

// LivenessResponse represents the liveness probe response.
type LivenessResponse struct {
	Status    string `json:"status"`
	Timestamp string `json:"timestamp"`
}

// ReadinessResponse represents the readiness probe response.
type ReadinessResponse struct {
	Status    string            `json:"status"`
	Checks    map[string]string `json:"checks"`
	Timestamp string            `json:"timestamp"`
}

// Liveness handles the liveness probe endpoint.
// GET /health/live — returns 200 if the process is alive, no dependency checks.
func (h *Handler) Liveness(c *gin.Context) {
	response := LivenessResponse{
		Status:    "alive",
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	}
	c.JSON(http.StatusOK, response)
}

// Readiness handles the readiness probe endpoint.
// GET /health/ready — 200 only if every critical dependency is healthy, 503 otherwise.
func (h *Handler) Readiness(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 3*time.Second)
	defer cancel()

	checks := make(map[string]string)
	allHealthy := true

	dbStatus := h.checkDb(ctx)
	checks["db"] = dbStatus
	if dbStatus != "healthy" {
		allHealthy = false
	}

	if h.liveKitEnabled {
		lkStatus := h.checkLiveKit(ctx)
		checks["livekit"] = lkStatus
		if lkStatus != "healthy" {
			allHealthy = false
		}
	}

	status := "ready"
	statusCode := http.StatusOK
	if !allHealthy {
		status = "unavailable"
		statusCode = http.StatusServiceUnavailable
	}

	response := ReadinessResponse{
		Status:    status,
		Checks:    checks,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	}
	c.JSON(statusCode, response)
}

// checkDb verifies durable-store connectivity via Db.Ping.
func (h *Handler) checkDb(ctx context.Context) string {
	if h.database == nil {
		return "healthy"
	}
	if err := h.database.Ping(ctx); err != nil {
		logging.Error(ctx, "db health check failed", zap.Error(err))
		return "unhealthy"
	}
	return "healthy"
}

// checkLiveKit verifies LiveKit connectivity using the configured checker.
func (h *Handler) checkLiveKit(ctx context.Context) string {
	if h.liveKitChecker == nil {
		return "unhealthy"
	}
	return h.liveKitChecker.Check(ctx, h.liveKitURL)
}

// HealthCheckResponse is a generic health check response for backward compatibility.
type HealthCheckResponse struct {
	Status string         `json:"status"`
	Data   map[string]any `json:"data,omitempty"`
}

// MarshalJSON implements custom JSON marshaling for better formatting.
func (r ReadinessResponse) MarshalJSON() ([]byte, error) {
	type Alias ReadinessResponse
	return json.Marshal(&struct {
		*Alias
	}{
		Alias: (*Alias)(&r),
	})
}
