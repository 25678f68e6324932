// Command broker runs the collaboration broker: one Gin HTTP server
// exposing a single websocket RPC endpoint (plus metrics and health
// probes), backed by the Peer/Store/Db/LiveKit stack in internal/v1.
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	goredis "github.com/redis/go-redis/v9"

	"github.com/collabhub/broker/internal/v1/activity"
	"github.com/collabhub/broker/internal/v1/auth"
	"github.com/collabhub/broker/internal/v1/config"
	"github.com/collabhub/broker/internal/v1/db"
	"github.com/collabhub/broker/internal/v1/db/redisdb"
	"github.com/collabhub/broker/internal/v1/health"
	"github.com/collabhub/broker/internal/v1/livekit"
	"github.com/collabhub/broker/internal/v1/logging"
	"github.com/collabhub/broker/internal/v1/middleware"
	"github.com/collabhub/broker/internal/v1/ratelimit"
	"github.com/collabhub/broker/internal/v1/rpc"
	"github.com/collabhub/broker/internal/v1/server"
	"github.com/collabhub/broker/internal/v1/store"
	"github.com/collabhub/broker/internal/v1/tracing"
	"go.uber.org/zap"
)

// protocolHeader and protocolVersion match the upgrade contract's §6 wire
// protocol: a mismatched or missing version is rejected with 426 before the
// websocket handshake runs.
const (
	protocolHeader  = "x-zed-protocol-version"
	protocolVersion = "1"
)

// tokenValidator is the subset of auth.Validator/auth.MockValidator the
// upgrade handler needs.
type tokenValidator interface {
	ValidateToken(tokenString string) (*auth.CustomClaims, error)
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

func main() {
	for _, path := range []string{".env", "../../../.env", "../../.env"} {
		if err := godotenv.Load(path); err == nil {
			break
		}
	}

	cfg, err := config.ValidateEnv()
	if err != nil {
		panic(err)
	}

	if err := logging.Initialize(cfg.GoEnv != "production"); err != nil {
		panic(err)
	}
	ctx := context.Background()

	if addr := os.Getenv("OTEL_COLLECTOR_ADDR"); addr != "" {
		tp, err := tracing.InitTracer(ctx, "collab-broker", addr)
		if err != nil {
			logging.Warn(ctx, "tracing disabled: failed to initialize", zap.Error(err))
		} else {
			defer func() {
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				_ = tp.Shutdown(shutdownCtx)
			}()
		}
	}

	database, err := redisdb.New(cfg.DbRedisAddr, cfg.DbRedisPassword)
	if err != nil {
		logging.Fatal(ctx, "failed to connect to durable store", zap.Error(err))
		return
	}
	defer func() { _ = database.Close() }()

	lkClient := livekit.NewHTTPClient(cfg.LiveKitURL, cfg.LiveKitAPIKey, cfg.LiveKitAPISecret)

	var redisClient *goredis.Client
	if cfg.DbRedisEnabled {
		redisClient = goredis.NewClient(&goredis.Options{Addr: cfg.DbRedisAddr, Password: cfg.DbRedisPassword})
		defer func() { _ = redisClient.Close() }()
	}
	rateLimiter, err := ratelimit.NewRateLimiter(cfg, redisClient)
	if err != nil {
		logging.Fatal(ctx, "failed to build rate limiter", zap.Error(err))
		return
	}

	var validator tokenValidator
	if cfg.SkipAuth {
		logging.Warn(ctx, "authentication disabled for development — do not use in production")
		validator = &auth.MockValidator{}
	} else {
		v, err := auth.NewValidator(ctx, cfg.Auth0Domain, cfg.Auth0Audience)
		if err != nil {
			logging.Fatal(ctx, "failed to initialize token validator", zap.Error(err))
			return
		}
		validator = v
	}

	st := store.NewStore()
	peer := rpc.NewPeer()
	srv := server.New(peer, st, database, lkClient, rateLimiter)

	recorder := activity.NewRecorder(st, database, cfg.ActivityRecorderInterval)
	recorderCtx, stopRecorder := context.WithCancel(ctx)
	go recorder.Start(recorderCtx)
	defer func() {
		stopRecorder()
		recorder.Stop()
	}()

	healthHandler := health.NewHandler(database, cfg.LiveKitURL)

	router := gin.New()
	router.Use(gin.Recovery(), middleware.CorrelationID())

	corsCfg := cors.DefaultConfig()
	corsCfg.AllowOrigins = auth.GetAllowedOriginsFromEnv("ALLOWED_ORIGINS", []string{"http://localhost:3000"})
	corsCfg.AllowHeaders = append(corsCfg.AllowHeaders, protocolHeader, "Authorization")
	router.Use(cors.New(corsCfg))

	router.GET("/metrics", gin.WrapH(promhttp.Handler()))
	router.GET("/health/live", healthHandler.Liveness)
	router.GET("/health/ready", healthHandler.Readiness)

	router.GET("/rpc", func(c *gin.Context) {
		handleUpgrade(c, srv, database, rateLimiter, validator)
	})

	httpSrv := &http.Server{
		Addr:    ":" + cfg.Port,
		Handler: router,
	}

	go func() {
		logging.Info(ctx, "broker starting", zap.String("port", cfg.Port))
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logging.Error(ctx, "server failed", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	logging.Info(ctx, "shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		logging.Error(ctx, "server forced to shut down", zap.Error(err))
	}
}

// handleUpgrade validates the protocol-version header and bearer token,
// rate-limits both the connecting IP and the authenticated user, resolves
// the durable account the token names, and — only once every check passes —
// upgrades to a websocket and hands the connection to the server's
// connection loop, matching §4.4/§6 of the upgrade contract.
func handleUpgrade(c *gin.Context, srv *server.Server, database db.Db, rl *ratelimit.RateLimiter, validator tokenValidator) {
	if c.GetHeader(protocolHeader) != protocolVersion {
		c.String(http.StatusUpgradeRequired, "unsupported or missing %s (expected %s)", protocolHeader, protocolVersion)
		return
	}

	if rl != nil && !rl.CheckUpgrade(c) {
		return
	}

	token := bearerToken(c.Request)
	if token == "" {
		c.AbortWithStatus(http.StatusUnauthorized)
		return
	}
	claims, err := validator.ValidateToken(token)
	if err != nil {
		logging.Warn(c.Request.Context(), "rejected upgrade: invalid token", zap.Error(err))
		c.AbortWithStatus(http.StatusUnauthorized)
		return
	}

	if rl != nil {
		if err := rl.CheckUpgradeUser(c.Request.Context(), claims.Subject); err != nil {
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{"error": err.Error()})
			return
		}
	}

	// CustomClaims.Subject is the account's GitHub login — accounts
	// themselves are provisioned out of band (sign-up flow is out of scope,
	// per spec.md's Non-goals); an upgrade naming an account this broker
	// has never seen is rejected rather than silently created.
	account, err := database.GetUserByGithubLogin(c.Request.Context(), claims.Subject)
	if err != nil || account == nil {
		logging.Warn(c.Request.Context(), "rejected upgrade: unknown account", zap.String("subject", claims.Subject))
		c.AbortWithStatus(http.StatusUnauthorized)
		return
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		logging.Warn(c.Request.Context(), "websocket upgrade failed", zap.Error(err))
		return
	}

	user := &store.User{
		ID:          store.UserID(account.ID),
		GithubLogin: account.GithubLogin,
		Admin:       account.Admin,
		InviteCode:  account.InviteCode,
		InviteCount: account.InviteCount,
	}

	id := srv.NextConnectionID()
	srv.Peer.AddConnection(id, conn)
	srv.HandleConnection(c.Request.Context(), id, user)
}

// bearerToken extracts the token from "Authorization: Bearer <token>", or
// falls back to a "token" query parameter for clients (browser websocket
// APIs) that cannot set arbitrary headers on the upgrade request.
func bearerToken(r *http.Request) string {
	if h := r.Header.Get("Authorization"); h != "" {
		if after, ok := strings.CutPrefix(h, "Bearer "); ok {
			return after
		}
	}
	return r.URL.Query().Get("token")
}
