// Command server starts the Velostream signaling and room control plane.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"velostream/internal/api"
	"velostream/internal/directory"
	"velostream/internal/media"
	"velostream/internal/observability/logging"
	"velostream/internal/observability/metrics"
	"velostream/internal/pool"
	"velostream/internal/ratelimit"
	"velostream/internal/room"
	"velostream/internal/server"
	"velostream/internal/serverutil"
	signalws "velostream/internal/signal"
)

func main() {
	addr := flag.String("addr", "", "HTTP listen address")
	dataPath := flag.String("data", "", "path to the JSON room directory")
	storageDriver := flag.String("storage-driver", "", "directory driver (json or postgres)")
	postgresDSN := flag.String("postgres-dsn", "", "Postgres connection string")
	postgresMaxConns := flag.Int("postgres-max-conns", 0, "maximum connections in the Postgres pool")
	postgresMinConns := flag.Int("postgres-min-conns", 0, "minimum idle connections maintained by the Postgres pool")
	postgresMaxConnLifetime := flag.Duration("postgres-max-conn-lifetime", 0, "maximum lifetime for a pooled Postgres connection")
	postgresMaxConnIdle := flag.Duration("postgres-max-conn-idle", 0, "maximum idle time for a pooled Postgres connection")
	postgresHealthInterval := flag.Duration("postgres-health-interval", 0, "interval between Postgres health checks")
	postgresAcquireTimeout := flag.Duration("postgres-acquire-timeout", 0, "timeout when acquiring a Postgres connection")
	postgresAppName := flag.String("postgres-app-name", "", "application_name reported to Postgres")
	tlsCert := flag.String("tls-cert", "", "path to TLS certificate file")
	tlsKey := flag.String("tls-key", "", "path to TLS private key file")
	logLevel := flag.String("log-level", "info", "log level (debug, info, warn, error)")
	logFormat := flag.String("log-format", "", "log format (json or text)")
	workerCount := flag.Int("workers", 0, "number of media workers to spawn")
	workerRestartBackoff := flag.Duration("worker-restart-backoff", 0, "delay between media worker respawn attempts")
	maxRooms := flag.Int("max-rooms", 0, "maximum concurrently live rooms")
	defaultMaxUsers := flag.Int("default-max-users", 0, "room capacity applied when none is requested")
	minUsers := flag.Int("min-users", 0, "lowest per-room capacity a room may request")
	maxUsers := flag.Int("max-users", 0, "highest per-room capacity a room may request")
	nameMin := flag.Int("name-min", 0, "minimum room name length")
	nameMax := flag.Int("name-max", 0, "maximum room name length")
	passwordMin := flag.Int("password-min", 0, "minimum room password length")
	passwordMax := flag.Int("password-max", 0, "maximum room password length")
	bridgeThreshold := flag.Int("bridge-threshold", 0, "viewer count beyond which rooms spill onto bridged workers")
	adminGrace := flag.Duration("admin-grace", 0, "grace period for a disconnected admin to rejoin before the room closes")
	orphanWindow := flag.Duration("orphan-window", 0, "how long a freshly created room waits for its admin before closing")
	limitAttempts := flag.Int("limit-attempts", 0, "password failures tolerated before an address is blocked")
	limitBlock := flag.Duration("limit-block", 0, "how long a blocked address stays blocked")
	limitSweep := flag.Duration("limit-sweep", 0, "interval between expired limiter record sweeps")
	limiterDriver := flag.String("limiter-driver", "", "rate limiter driver (memory or redis)")
	limiterRedisAddr := flag.String("limiter-redis-addr", "", "Redis address for the shared rate limiter")
	limiterRedisAddrs := flag.String("limiter-redis-addrs", "", "comma separated Redis addresses for the shared rate limiter")
	limiterRedisUsername := flag.String("limiter-redis-username", "", "Redis username for the shared rate limiter")
	limiterRedisPassword := flag.String("limiter-redis-password", "", "Redis password for the shared rate limiter")
	limiterRedisMasterName := flag.String("limiter-redis-master-name", "", "Redis sentinel master name for the shared rate limiter")
	limiterRedisPoolSize := flag.Int("limiter-redis-pool-size", 0, "maximum Redis connections for the shared rate limiter")
	globalRPS := flag.Float64("rate-global-rps", 0, "global HTTP request limit in requests per second")
	globalBurst := flag.Int("rate-global-burst", 0, "global HTTP rate limit burst allowance")
	connectLimit := flag.Int("rate-connect-limit", 0, "websocket connects allowed per address per window")
	connectWindow := flag.Duration("rate-connect-window", 0, "window for counting websocket connects")
	corsOrigins := flag.String("cors-origins", "", "comma separated origins allowed to call the API")
	shutdownTimeout := flag.Duration("shutdown-timeout", 0, "bound on graceful shutdown after a signal")
	flag.Parse()

	logger := logging.Init(logging.Config{
		Level:  firstNonEmpty(*logLevel, os.Getenv("VELOSTREAM_LOG_LEVEL")),
		Format: firstNonEmpty(*logFormat, os.Getenv("VELOSTREAM_LOG_FORMAT")),
	})
	recorder := metrics.Default()

	listenAddr := firstNonEmpty(*addr, os.Getenv("VELOSTREAM_ADDR"), ":8080")

	mediaCfg, err := media.LoadConfigFromEnv()
	if err != nil {
		logger.Error("failed to load media engine configuration", "error", err)
		os.Exit(1)
	}
	if !mediaCfg.Enabled() {
		logger.Error("media engine is not configured, set VELOSTREAM_MEDIA_API")
		os.Exit(1)
	}
	engine, err := media.NewHTTPEngine(mediaCfg)
	if err != nil {
		logger.Error("failed to initialise media engine", "error", err)
		os.Exit(1)
	}

	driver, err := resolveStorageDriver(*storageDriver, os.Getenv("VELOSTREAM_STORAGE_DRIVER"), resolvePostgresDSN(*postgresDSN))
	if err != nil {
		logger.Error("failed to resolve storage driver", "error", err)
		os.Exit(1)
	}

	var store directory.Store
	switch driver {
	case "json":
		store, err = directory.NewJSONStore(resolveDataPath(*dataPath, os.Getenv("VELOSTREAM_DATA")))
	case "postgres":
		dsn := resolvePostgresDSN(*postgresDSN)
		if dsn == "" {
			logger.Error("postgres directory selected without DSN")
			os.Exit(1)
		}
		store, err = directory.NewPostgresStore(directory.PostgresConfig{
			DSN:                 dsn,
			MaxConnections:      int32(resolveInt(*postgresMaxConns, "VELOSTREAM_POSTGRES_MAX_CONNS")),
			MinConnections:      int32(resolveInt(*postgresMinConns, "VELOSTREAM_POSTGRES_MIN_CONNS")),
			MaxConnLifetime:     resolveDuration(*postgresMaxConnLifetime, "VELOSTREAM_POSTGRES_MAX_CONN_LIFETIME", 0),
			MaxConnIdleTime:     resolveDuration(*postgresMaxConnIdle, "VELOSTREAM_POSTGRES_MAX_CONN_IDLE", 0),
			HealthCheckInterval: resolveDuration(*postgresHealthInterval, "VELOSTREAM_POSTGRES_HEALTH_INTERVAL", 0),
			AcquireTimeout:      resolveDuration(*postgresAcquireTimeout, "VELOSTREAM_POSTGRES_ACQUIRE_TIMEOUT", 0),
			ApplicationName:     firstNonEmpty(*postgresAppName, os.Getenv("VELOSTREAM_POSTGRES_APP_NAME")),
		})
	default:
		logger.Error("unsupported storage driver", "driver", driver)
		os.Exit(1)
	}
	if err != nil {
		logger.Error("failed to open room directory", "error", err)
		os.Exit(1)
	}

	// Rooms do not survive a restart: workers and in-memory state are gone,
	// so stale directory rows would advertise rooms nobody can join.
	if err := store.Reset(); err != nil {
		logger.Error("failed to reset room directory", "error", err)
		os.Exit(1)
	}

	// The orchestrator needs the pool and the pool's death handler needs the
	// orchestrator, so the handler resolves it through an atomic pointer set
	// once construction completes.
	var orchRef atomic.Pointer[room.Orchestrator]
	poolOpts := []pool.Option{
		pool.WithLogger(logging.WithComponent(logger, "pool")),
		pool.WithRecorder(recorder),
		pool.WithRoutersLostHandler(func(workerIndex int, roomIDs []string) {
			if o := orchRef.Load(); o != nil {
				o.RoutersLost(workerIndex, roomIDs)
			}
		}),
	}
	if count := resolveInt(*workerCount, "VELOSTREAM_WORKERS"); count > 0 {
		poolOpts = append(poolOpts, pool.WithWorkerCount(count))
	}
	if backoff := resolveDuration(*workerRestartBackoff, "VELOSTREAM_WORKER_RESTART_BACKOFF", 0); backoff > 0 {
		poolOpts = append(poolOpts, pool.WithRestartBackoff(backoff))
	}
	manager := pool.New(engine, poolOpts...)

	initCtx, cancelInit := context.WithTimeout(context.Background(), time.Minute)
	err = manager.Init(initCtx)
	cancelInit()
	if err != nil {
		logger.Error("failed to spawn media workers", "error", err)
		os.Exit(1)
	}

	limiterCfg := ratelimit.Config{
		MaxAttempts:   resolveInt(*limitAttempts, "VELOSTREAM_LIMIT_ATTEMPTS"),
		BlockDuration: resolveDuration(*limitBlock, "VELOSTREAM_LIMIT_BLOCK", 0),
		SweepInterval: resolveDuration(*limitSweep, "VELOSTREAM_LIMIT_SWEEP", 0),
	}
	limiter, limiterCleanup, err := configureLimiter(
		firstNonEmpty(*limiterDriver, os.Getenv("VELOSTREAM_LIMITER_DRIVER")),
		limiterCfg,
		redisSettings{
			Addr:       firstNonEmpty(*limiterRedisAddr, os.Getenv("VELOSTREAM_LIMITER_REDIS_ADDR")),
			Addrs:      splitAndTrim(firstNonEmpty(*limiterRedisAddrs, os.Getenv("VELOSTREAM_LIMITER_REDIS_ADDRS"))),
			Username:   firstNonEmpty(*limiterRedisUsername, os.Getenv("VELOSTREAM_LIMITER_REDIS_USERNAME")),
			Password:   firstNonEmpty(*limiterRedisPassword, os.Getenv("VELOSTREAM_LIMITER_REDIS_PASSWORD")),
			MasterName: firstNonEmpty(*limiterRedisMasterName, os.Getenv("VELOSTREAM_LIMITER_REDIS_MASTER_NAME")),
			PoolSize:   resolveInt(*limiterRedisPoolSize, "VELOSTREAM_LIMITER_REDIS_POOL_SIZE"),
		},
		logger,
		recorder,
	)
	if err != nil {
		logger.Error("failed to configure rate limiter", "error", err)
		os.Exit(1)
	}

	roomCfg := buildRoomConfig(roomTunables{
		MaxRooms:        resolveInt(*maxRooms, "VELOSTREAM_MAX_ROOMS"),
		DefaultMaxUsers: resolveInt(*defaultMaxUsers, "VELOSTREAM_DEFAULT_MAX_USERS"),
		MinUsers:        resolveInt(*minUsers, "VELOSTREAM_MIN_USERS"),
		MaxUsers:        resolveInt(*maxUsers, "VELOSTREAM_MAX_USERS"),
		NameMin:         resolveInt(*nameMin, "VELOSTREAM_NAME_MIN"),
		NameMax:         resolveInt(*nameMax, "VELOSTREAM_NAME_MAX"),
		PasswordMin:     resolveInt(*passwordMin, "VELOSTREAM_PASSWORD_MIN"),
		PasswordMax:     resolveInt(*passwordMax, "VELOSTREAM_PASSWORD_MAX"),
		BridgeThreshold: resolveInt(*bridgeThreshold, "VELOSTREAM_BRIDGE_THRESHOLD"),
		AdminGrace:      resolveDuration(*adminGrace, "VELOSTREAM_ADMIN_GRACE", 0),
		OrphanWindow:    resolveDuration(*orphanWindow, "VELOSTREAM_ORPHAN_WINDOW", 0),
	})

	orch := room.New(roomCfg, store, manager, limiter,
		room.WithLogger(logging.WithComponent(logger, "room")),
		room.WithRecorder(recorder),
	)
	orchRef.Store(orch)

	gateway := signalws.NewGateway(orch,
		signalws.WithLogger(logging.WithComponent(logger, "signal")),
		signalws.WithRecorder(recorder),
	)
	orch.SetEvents(gateway)

	handler := &api.Handler{
		Orch:      orch,
		Pool:      manager,
		Store:     store,
		Logger:    logging.WithComponent(logger, "api"),
		StartedAt: time.Now(),
	}

	srv, err := server.New(handler, gateway, server.Config{
		Addr: listenAddr,
		RateLimit: server.RateLimitConfig{
			GlobalRPS:     resolveFloat(*globalRPS, "VELOSTREAM_RATE_GLOBAL_RPS"),
			GlobalBurst:   resolveInt(*globalBurst, "VELOSTREAM_RATE_GLOBAL_BURST"),
			ConnectLimit:  resolveInt(*connectLimit, "VELOSTREAM_RATE_CONNECT_LIMIT"),
			ConnectWindow: resolveDuration(*connectWindow, "VELOSTREAM_RATE_CONNECT_WINDOW", 0),
		},
		CORS: server.CORSConfig{
			AllowedOrigins: splitAndTrim(firstNonEmpty(*corsOrigins, os.Getenv("VELOSTREAM_CORS_ORIGINS"))),
		},
		Logger:  logger,
		Metrics: recorder,
	})
	if err != nil {
		logger.Error("failed to initialise server", "error", err)
		os.Exit(1)
	}

	tlsCfg := serverutil.TLSConfig{
		CertFile: firstNonEmpty(*tlsCert, os.Getenv("VELOSTREAM_TLS_CERT")),
		KeyFile:  firstNonEmpty(*tlsKey, os.Getenv("VELOSTREAM_TLS_KEY")),
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger.Info("velostream listening", "addr", listenAddr, "workers", manager.WorkerCount(), "directory", driver)
	if tlsCfg.CertFile != "" {
		logger.Info("TLS enabled", "cert_file", tlsCfg.CertFile)
	}

	runErr := serverutil.Run(ctx, serverutil.Config{
		Server:          srv.HTTPServer(),
		TLS:             tlsCfg,
		ShutdownTimeout: resolveDuration(*shutdownTimeout, "VELOSTREAM_SHUTDOWN_TIMEOUT", serverutil.DefaultShutdownTimeout),
	})
	if runErr != nil {
		logger.Error("server error", "error", runErr)
	}

	closeCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	orch.Close()
	if err := manager.Close(closeCtx); err != nil {
		logger.Warn("failed to stop media workers", "error", err)
	}
	if err := engine.Close(closeCtx); err != nil {
		logger.Warn("failed to close media engine", "error", err)
	}
	limiterCleanup()
	if err := store.Close(closeCtx); err != nil {
		logger.Warn("failed to close room directory", "error", err)
	}

	logger.Info("server stopped")
	if runErr != nil {
		os.Exit(1)
	}
}

type roomTunables struct {
	MaxRooms        int
	DefaultMaxUsers int
	MinUsers        int
	MaxUsers        int
	NameMin         int
	NameMax         int
	PasswordMin     int
	PasswordMax     int
	BridgeThreshold int
	AdminGrace      time.Duration
	OrphanWindow    time.Duration
}

// buildRoomConfig overlays the resolved tunables on the defaults. Zero
// values leave the default in place.
func buildRoomConfig(t roomTunables) room.Config {
	cfg := room.DefaultConfig()
	if t.MaxRooms > 0 {
		cfg.MaxRooms = t.MaxRooms
	}
	if t.DefaultMaxUsers > 0 {
		cfg.DefaultMaxUsers = t.DefaultMaxUsers
	}
	if t.MinUsers > 0 {
		cfg.MinRoomUsers = t.MinUsers
	}
	if t.MaxUsers > 0 {
		cfg.MaxRoomUsers = t.MaxUsers
	}
	if t.NameMin > 0 {
		cfg.NameMinLength = t.NameMin
	}
	if t.NameMax > 0 {
		cfg.NameMaxLength = t.NameMax
	}
	if t.PasswordMin > 0 {
		cfg.PasswordMinLength = t.PasswordMin
	}
	if t.PasswordMax > 0 {
		cfg.PasswordMaxLength = t.PasswordMax
	}
	if t.BridgeThreshold > 0 {
		cfg.BridgeThreshold = t.BridgeThreshold
	}
	if t.AdminGrace > 0 {
		cfg.AdminGrace = t.AdminGrace
	}
	if t.OrphanWindow > 0 {
		cfg.OrphanWindow = t.OrphanWindow
	}
	return cfg
}

type redisSettings struct {
	Addr       string
	Addrs      []string
	Username   string
	Password   string
	MasterName string
	PoolSize   int
}

func configureLimiter(driver string, cfg ratelimit.Config, redisCfg redisSettings, logger *slog.Logger, recorder *metrics.Recorder) (ratelimit.Limiter, func(), error) {
	switch strings.ToLower(strings.TrimSpace(driver)) {
	case "redis":
		addrs := redisCfg.Addrs
		if len(addrs) == 0 {
			if redisCfg.Addr == "" {
				return nil, nil, fmt.Errorf("redis addr is required for the redis limiter")
			}
			addrs = []string{redisCfg.Addr}
		}
		client := redis.NewUniversalClient(&redis.UniversalOptions{
			Addrs:      addrs,
			Username:   redisCfg.Username,
			Password:   redisCfg.Password,
			MasterName: redisCfg.MasterName,
			PoolSize:   redisCfg.PoolSize,
		})
		limiter := ratelimit.NewRedis(client, cfg,
			ratelimit.WithRedisLogger(logging.WithComponent(logger, "ratelimit")),
			ratelimit.WithRedisRecorder(recorder),
		)
		return limiter, func() { _ = client.Close() }, nil
	case "", "memory":
		limiter := ratelimit.NewMemory(cfg,
			ratelimit.WithLogger(logging.WithComponent(logger, "ratelimit")),
			ratelimit.WithRecorder(recorder),
		)
		limiter.StartSweep()
		return limiter, limiter.Stop, nil
	default:
		return nil, nil, fmt.Errorf("unsupported limiter driver %q", driver)
	}
}

func resolveStorageDriver(flagValue, envValue, postgresDSN string) (string, error) {
	if driver := strings.ToLower(strings.TrimSpace(flagValue)); driver != "" {
		return driver, nil
	}
	if driver := strings.ToLower(strings.TrimSpace(envValue)); driver != "" {
		return driver, nil
	}
	if strings.TrimSpace(postgresDSN) != "" {
		return "postgres", nil
	}
	return "json", nil
}

func resolveDataPath(flagValue, envValue string) string {
	if flagValue != "" {
		return flagValue
	}
	if env := strings.TrimSpace(envValue); env != "" {
		return env
	}
	return "data/rooms.json"
}

func resolvePostgresDSN(flagValue string) string {
	return strings.TrimSpace(firstNonEmpty(flagValue, os.Getenv("VELOSTREAM_POSTGRES_DSN"), os.Getenv("DATABASE_URL")))
}

func firstNonEmpty(values ...string) string {
	for _, value := range values {
		trimmed := strings.TrimSpace(value)
		if trimmed != "" {
			return trimmed
		}
	}
	return ""
}

func splitAndTrim(raw string) []string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		trimmed := strings.TrimSpace(part)
		if trimmed != "" {
			out = append(out, trimmed)
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

func resolveFloat(flagValue float64, envKey string) float64 {
	if flagValue > 0 {
		return flagValue
	}
	if env := os.Getenv(envKey); env != "" {
		if value, err := strconv.ParseFloat(strings.TrimSpace(env), 64); err == nil {
			return value
		}
	}
	return 0
}

func resolveInt(flagValue int, envKey string) int {
	if flagValue > 0 {
		return flagValue
	}
	if env := os.Getenv(envKey); env != "" {
		if value, err := strconv.Atoi(strings.TrimSpace(env)); err == nil {
			return value
		}
	}
	return 0
}

func resolveDuration(flagValue time.Duration, envKey string, fallback time.Duration) time.Duration {
	if flagValue > 0 {
		return flagValue
	}
	if env := os.Getenv(envKey); env != "" {
		if value, err := time.ParseDuration(env); err == nil {
			return value
		}
	}
	if fallback > 0 {
		return fallback
	}
	return 0
}
