package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds validated environment configuration
type Config struct {
	// Required variables
	JWTSecret string
	Port      string

	// Durable store
	DbRedisAddr     string
	DbRedisEnabled  bool
	DbRedisPassword string

	// LiveKit
	LiveKitURL       string
	LiveKitAPIKey    string
	LiveKitAPISecret string

	// Broker timing
	InviteLinkPrefix         string
	ActivityRecorderInterval time.Duration
	KeepaliveInterval        time.Duration

	// Optional variables with defaults
	GoEnv    string
	LogLevel string

	// Auth0 (existing, not validated here)
	Auth0Domain     string
	Auth0Audience   string
	SkipAuth        bool
	DevelopmentMode bool
	AllowedOrigins  string

	// Rate Limits
	RateLimitApiGlobal       string
	RateLimitApiPublic       string
	RateLimitConnectUpgrade  string
	RateLimitChannelMessages string
	RateLimitWsIp            string
	RateLimitWsUser          string
}

// ValidateEnv validates all required environment variables and returns a Config object
// Returns an error if any required variable is missing or invalid
func ValidateEnv() (*Config, error) {
	cfg := &Config{}
	var errors []string

	// Required: JWT_SECRET (minimum 32 characters)
	cfg.JWTSecret = os.Getenv("JWT_SECRET")
	if cfg.JWTSecret == "" {
		errors = append(errors, "JWT_SECRET is required")
	} else if len(cfg.JWTSecret) < 32 {
		errors = append(errors, fmt.Sprintf("JWT_SECRET must be at least 32 characters (got %d)", len(cfg.JWTSecret)))
	}

	// Required: PORT (valid port number)
	cfg.Port = os.Getenv("PORT")
	if cfg.Port == "" {
		errors = append(errors, "PORT is required")
	} else {
		port, err := strconv.Atoi(cfg.Port)
		if err != nil || port < 1 || port > 65535 {
			errors = append(errors, fmt.Sprintf("PORT must be a valid port number between 1 and 65535 (got '%s')", cfg.Port))
		}
	}

	// Required: LIVEKIT_URL / LIVEKIT_API_KEY / LIVEKIT_API_SECRET
	cfg.LiveKitURL = os.Getenv("LIVEKIT_URL")
	if cfg.LiveKitURL == "" {
		errors = append(errors, "LIVEKIT_URL is required")
	}
	cfg.LiveKitAPIKey = os.Getenv("LIVEKIT_API_KEY")
	if cfg.LiveKitAPIKey == "" {
		errors = append(errors, "LIVEKIT_API_KEY is required")
	}
	cfg.LiveKitAPISecret = os.Getenv("LIVEKIT_API_SECRET")
	if cfg.LiveKitAPISecret == "" {
		errors = append(errors, "LIVEKIT_API_SECRET is required")
	}

	// Optional: the Db is enabled unless DB_REDIS_ENABLED is "false"; when
	// enabled, DB_REDIS_ADDR defaults to localhost:6379 (with a warning).
	cfg.DbRedisEnabled = os.Getenv("DB_REDIS_ENABLED") != "false"
	if cfg.DbRedisEnabled {
		cfg.DbRedisAddr = os.Getenv("DB_REDIS_ADDR")
		if cfg.DbRedisAddr == "" {
			cfg.DbRedisAddr = "localhost:6379"
			slog.Warn("DB_REDIS_ADDR not set, using default", "addr", cfg.DbRedisAddr)
		} else if !isValidHostPort(cfg.DbRedisAddr) {
			errors = append(errors, fmt.Sprintf("DB_REDIS_ADDR must be in format 'host:port' (got '%s')", cfg.DbRedisAddr))
		}
		cfg.DbRedisPassword = os.Getenv("DB_REDIS_PASSWORD")
	}

	// Optional: INVITE_LINK_PREFIX (defaults to a dev-friendly placeholder)
	cfg.InviteLinkPrefix = getEnvOrDefault("INVITE_LINK_PREFIX", "https://collab.example.com/invite/")

	// Optional: ACTIVITY_RECORDER_INTERVAL / KEEPALIVE_INTERVAL (durations)
	var err error
	cfg.ActivityRecorderInterval, err = parseDurationOrDefault("ACTIVITY_RECORDER_INTERVAL", 2*time.Minute)
	if err != nil {
		errors = append(errors, err.Error())
	}
	cfg.KeepaliveInterval, err = parseDurationOrDefault("KEEPALIVE_INTERVAL", 30*time.Second)
	if err != nil {
		errors = append(errors, err.Error())
	}

	// Optional: GO_ENV (defaults to "production")
	cfg.GoEnv = os.Getenv("GO_ENV")
	if cfg.GoEnv == "" {
		cfg.GoEnv = "production"
	}

	// Optional: LOG_LEVEL (defaults to "info")
	cfg.LogLevel = os.Getenv("LOG_LEVEL")
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}

	// Existing variables (not validated here, kept for compatibility)
	cfg.Auth0Domain = os.Getenv("AUTH0_DOMAIN")
	cfg.Auth0Audience = os.Getenv("AUTH0_AUDIENCE")
	cfg.SkipAuth = os.Getenv("SKIP_AUTH") == "true"
	cfg.DevelopmentMode = os.Getenv("DEVELOPMENT_MODE") == "true"
	cfg.AllowedOrigins = os.Getenv("ALLOWED_ORIGINS")

	// Rate Limits (Defaults: M = Minute, H = Hour)
	cfg.RateLimitApiGlobal = getEnvOrDefault("RATE_LIMIT_API_GLOBAL", "1000-M")
	cfg.RateLimitApiPublic = getEnvOrDefault("RATE_LIMIT_API_PUBLIC", "100-M")
	cfg.RateLimitConnectUpgrade = getEnvOrDefault("RATE_LIMIT_CONNECT_UPGRADE", "100-M")
	cfg.RateLimitChannelMessages = getEnvOrDefault("RATE_LIMIT_CHANNEL_MESSAGES", "500-M")
	cfg.RateLimitWsIp = getEnvOrDefault("RATE_LIMIT_WS_IP", "100-M")
	cfg.RateLimitWsUser = getEnvOrDefault("RATE_LIMIT_WS_USER", "10-M")

	// If there are validation errors, return them
	if len(errors) > 0 {
		return nil, fmt.Errorf("environment validation failed:\n  - %s", strings.Join(errors, "\n  - "))
	}

	// Log validated configuration (with secrets redacted)
	logValidatedConfig(cfg)

	return cfg, nil
}

// isValidHostPort checks if a string is in the format "host:port"
func isValidHostPort(addr string) bool {
	parts := strings.Split(addr, ":")
	if len(parts) != 2 {
		return false
	}

	// Validate port is a number
	port, err := strconv.Atoi(parts[1])
	if err != nil || port < 1 || port > 65535 {
		return false
	}

	// Validate host is not empty
	if parts[0] == "" {
		return false
	}

	return true
}

// parseDurationOrDefault parses key as a time.Duration, falling back to def
// when unset.
func parseDurationOrDefault(key string, def time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s must be a valid duration (got '%s'): %w", key, v, err)
	}
	return d, nil
}

// logValidatedConfig logs the validated configuration with secrets redacted
func logValidatedConfig(cfg *Config) {
	slog.Info("environment configuration validated successfully")
	slog.Info("configuration",
		"jwt_secret", redactSecret(cfg.JWTSecret),
		"port", cfg.Port,
		"livekit_url", cfg.LiveKitURL,
		"db_redis_enabled", cfg.DbRedisEnabled,
		"db_redis_addr", cfg.DbRedisAddr,
		"go_env", cfg.GoEnv,
		"log_level", cfg.LogLevel,
		"development_mode", cfg.DevelopmentMode,
		"activity_recorder_interval", cfg.ActivityRecorderInterval,
		"keepalive_interval", cfg.KeepaliveInterval,
		"rate_limit_api_global", cfg.RateLimitApiGlobal,
	)
}

// getEnvOrDefault returns the value of the environment variable or a default value if not set
func getEnvOrDefault(key, defaultValue string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return defaultValue
}

// redactSecret redacts a secret by showing only the first 8 characters
func redactSecret(secret string) string {
	if len(secret) <= 8 {
		return "***"
	}
	return secret[:8] + "***"
}
