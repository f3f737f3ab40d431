// Command server starts the StockFlux metadata API HTTP service.
package main

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"stockflux/internal/api"
	"stockflux/internal/auth"
	"stockflux/internal/observability/logging"
	"stockflux/internal/observability/metrics"
	"stockflux/internal/providers"
	"stockflux/internal/server"
	"stockflux/internal/storage"
)

func main() {
	addr := flag.String("addr", "", "HTTP listen address")
	mode := flag.String("mode", "", "server runtime mode (development or production)")
	dataPath := flag.String("data", "", "path to JSON datastore")
	storageDriver := flag.String("storage-driver", "", "datastore driver (json or postgres)")
	postgresDSN := flag.String("postgres-dsn", "", "Postgres connection string")
	postgresMaxConns := flag.Int("postgres-max-conns", 0, "maximum connections in the Postgres pool")
	postgresMinConns := flag.Int("postgres-min-conns", 0, "minimum idle connections maintained by the Postgres pool")
	postgresConnLifetime := flag.Duration("postgres-conn-lifetime", 0, "maximum lifetime for a pooled Postgres connection")
	postgresConnIdle := flag.Duration("postgres-conn-idle", 0, "maximum idle time for a pooled Postgres connection")
	postgresHealthInterval := flag.Duration("postgres-health-interval", 0, "interval between Postgres health checks")
	postgresConnectTimeout := flag.Duration("postgres-connect-timeout", 0, "timeout when establishing Postgres connections")
	postgresAppName := flag.String("postgres-app-name", "", "application_name reported to Postgres")
	sessionSecret := flag.String("session-secret", "", "HMAC secret for signing session tokens")
	sessionTTL := flag.Duration("session-ttl", 0, "session token lifetime")
	pexelsKeys := flag.String("pexels-keys", "", "comma separated Pexels API keys")
	unsplashKeys := flag.String("unsplash-keys", "", "comma separated Unsplash access keys")
	pixabayKey := flag.String("pixabay-key", "", "Pixabay API key")
	tlsCert := flag.String("tls-cert", "", "path to TLS certificate file")
	tlsKey := flag.String("tls-key", "", "path to TLS private key file")
	logLevel := flag.String("log-level", "info", "log level (debug, info, warn, error)")
	logFormat := flag.String("log-format", "", "log format (text or json)")
	globalRPS := flag.Float64("rate-global-rps", 0, "global request rate limit in requests per second")
	globalBurst := flag.Int("rate-global-burst", 0, "global rate limit burst allowance")
	loginLimit := flag.Int("rate-login-limit", 0, "maximum login attempts per window for a single IP")
	loginWindow := flag.Duration("rate-login-window", 0, "window for counting login attempts")
	redisAddr := flag.String("rate-redis-addr", "", "Redis address for distributed login throttling")
	redisPassword := flag.String("rate-redis-password", "", "Redis password for distributed login throttling")
	redisTimeout := flag.Duration("rate-redis-timeout", 0, "timeout for Redis operations")
	corsOrigins := flag.String("cors-origins", "", "comma separated origins allowed to call the API")
	corsExtensions := flag.Bool("cors-allow-extensions", false, "allow browser extension origins")
	flag.Parse()

	logger := logging.New(logging.Config{
		Level:  firstNonEmpty(*logLevel, os.Getenv("STOCKFLUX_LOG_LEVEL")),
		Format: firstNonEmpty(*logFormat, os.Getenv("STOCKFLUX_LOG_FORMAT")),
	})
	recorder := metrics.Default()

	serverMode := modeValue(*mode, os.Getenv("STOCKFLUX_MODE"))
	listenAddr := resolveListenAddr(*addr, serverMode, os.Getenv("STOCKFLUX_ADDR"))

	postgresDefaultDSN := resolvePostgresDSN(*postgresDSN)
	driver, err := resolveStorageDriver(*storageDriver, os.Getenv("STOCKFLUX_STORAGE_DRIVER"), postgresDefaultDSN)
	if err != nil {
		logger.Error("failed to resolve storage driver", "error", err)
		os.Exit(1)
	}
	if serverMode == "production" && driver != "postgres" {
		logger.Error("production mode requires the postgres datastore driver", "driver", driver)
		os.Exit(1)
	}

	var store storage.Repository
	switch driver {
	case "json":
		dataFile := resolveDataPath(*dataPath, os.Getenv("STOCKFLUX_DATA"))
		store, err = storage.NewStorage(dataFile)
	case "postgres":
		if postgresDefaultDSN == "" {
			logger.Error("postgres storage selected without DSN")
			os.Exit(1)
		}
		var pgOptions []storage.PostgresOption
		maxConns := resolveInt(*postgresMaxConns, "STOCKFLUX_POSTGRES_MAX_CONNS")
		minConns := resolveInt(*postgresMinConns, "STOCKFLUX_POSTGRES_MIN_CONNS")
		if maxConns > 0 || minConns > 0 {
			pgOptions = append(pgOptions, storage.WithPoolLimits(int32(minConns), int32(maxConns)))
		}
		lifetime := resolveDuration(*postgresConnLifetime, "STOCKFLUX_POSTGRES_CONN_LIFETIME", 0)
		idle := resolveDuration(*postgresConnIdle, "STOCKFLUX_POSTGRES_CONN_IDLE", 0)
		if lifetime > 0 || idle > 0 {
			pgOptions = append(pgOptions, storage.WithConnLifetimes(lifetime, idle))
		}
		if interval := resolveDuration(*postgresHealthInterval, "STOCKFLUX_POSTGRES_HEALTH_INTERVAL", 0); interval > 0 {
			pgOptions = append(pgOptions, storage.WithHealthCheckInterval(interval))
		}
		if timeout := resolveDuration(*postgresConnectTimeout, "STOCKFLUX_POSTGRES_CONNECT_TIMEOUT", 0); timeout > 0 {
			pgOptions = append(pgOptions, storage.WithConnectTimeout(timeout))
		}
		if appName := firstNonEmpty(*postgresAppName, os.Getenv("STOCKFLUX_POSTGRES_APP_NAME")); appName != "" {
			pgOptions = append(pgOptions, storage.WithApplicationName(appName))
		}
		store, err = storage.NewPostgresRepository(postgresDefaultDSN, pgOptions...)
	default:
		logger.Error("unsupported storage driver", "driver", driver)
		os.Exit(1)
	}
	if err != nil {
		logger.Error("failed to open datastore", "error", err)
		os.Exit(1)
	}

	secret, err := resolveSessionSecret(*sessionSecret, serverMode, logger)
	if err != nil {
		logger.Error("failed to resolve session secret", "error", err)
		os.Exit(1)
	}
	sessions, err := auth.NewSessionManager(secret, resolveDuration(*sessionTTL, "STOCKFLUX_SESSION_TTL", 0))
	if err != nil {
		logger.Error("failed to configure sessions", "error", err)
		os.Exit(1)
	}

	registry := buildRegistry(registryKeys{
		Pexels:   firstNonEmpty(*pexelsKeys, os.Getenv("STOCKFLUX_PEXELS_KEYS")),
		Unsplash: firstNonEmpty(*unsplashKeys, os.Getenv("STOCKFLUX_UNSPLASH_KEYS")),
		Pixabay:  firstNonEmpty(*pixabayKey, os.Getenv("STOCKFLUX_PIXABAY_KEY")),
	}, recorder)
	if len(registry.Names()) == 0 {
		logger.Warn("no provider keys configured; metadata requests will fail")
	}

	handler := api.NewHandler(store, sessions, registry)
	handler.Metrics = recorder
	handler.Logger = logging.WithComponent(logger, "api")

	srv, err := server.New(handler, server.Config{
		Addr: listenAddr,
		TLS: server.TLSConfig{
			CertFile: firstNonEmpty(*tlsCert, os.Getenv("STOCKFLUX_TLS_CERT")),
			KeyFile:  firstNonEmpty(*tlsKey, os.Getenv("STOCKFLUX_TLS_KEY")),
		},
		RateLimit: server.RateLimitConfig{
			GlobalRPS:     resolveFloat(*globalRPS, "STOCKFLUX_RATE_GLOBAL_RPS"),
			GlobalBurst:   resolveInt(*globalBurst, "STOCKFLUX_RATE_GLOBAL_BURST"),
			LoginLimit:    resolveInt(*loginLimit, "STOCKFLUX_RATE_LOGIN_LIMIT"),
			LoginWindow:   resolveDuration(*loginWindow, "STOCKFLUX_RATE_LOGIN_WINDOW", time.Minute),
			RedisAddr:     firstNonEmpty(*redisAddr, os.Getenv("STOCKFLUX_RATE_REDIS_ADDR")),
			RedisPassword: firstNonEmpty(*redisPassword, os.Getenv("STOCKFLUX_RATE_REDIS_PASSWORD")),
			RedisTimeout:  resolveDuration(*redisTimeout, "STOCKFLUX_RATE_REDIS_TIMEOUT", 2*time.Second),
		},
		CORS: server.CORSConfig{
			AllowedOrigins:        splitAndTrim(firstNonEmpty(*corsOrigins, os.Getenv("STOCKFLUX_CORS_ORIGINS"))),
			AllowExtensionOrigins: resolveBool(*corsExtensions, "STOCKFLUX_CORS_ALLOW_EXTENSIONS"),
		},
		Logger:  logger,
		Metrics: recorder,
	})
	if err != nil {
		logger.Error("failed to initialise server", "error", err)
		os.Exit(1)
	}

	errs := make(chan error, 1)
	go func() {
		logger.Info("StockFlux API listening", "addr", listenAddr, "mode", serverMode, "storage", driver)
		logger.Info("metrics endpoint available", "path", "/metrics")
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errs <- err
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-quit:
		logger.Info("received shutdown signal", "signal", sig.String())
	case err := <-errs:
		logger.Error("server error", "error", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		logger.Warn("graceful shutdown failed", "error", err)
	}
	if err := store.Close(ctx); err != nil {
		logger.Warn("failed to close datastore", "error", err)
	}

	logger.Info("server stopped")
}

type registryKeys struct {
	Pexels   string
	Unsplash string
	Pixabay  string
}

func buildRegistry(keys registryKeys, recorder *metrics.Recorder) *providers.Registry {
	var configured []providers.Provider
	if pool := providers.ParseKeyPool(keys.Pexels); pool.Size() > 0 {
		configured = append(configured, providers.NewPexels(providers.PexelsConfig{
			Keys:    pool,
			Metrics: recorder,
		}))
	}
	if pool := providers.ParseKeyPool(keys.Unsplash); pool.Size() > 0 {
		configured = append(configured, providers.NewUnsplash(providers.UnsplashConfig{
			Keys:    pool,
			Metrics: recorder,
		}))
	}
	if key := strings.TrimSpace(keys.Pixabay); key != "" {
		configured = append(configured, providers.NewPixabay(providers.PixabayConfig{
			Key:     key,
			Metrics: recorder,
		}))
	}
	return providers.NewRegistry(configured...)
}

func resolveSessionSecret(flagValue, mode string, logger *slog.Logger) ([]byte, error) {
	secret := firstNonEmpty(flagValue, os.Getenv("STOCKFLUX_SESSION_SECRET"))
	if secret != "" {
		return []byte(secret), nil
	}
	if mode == "production" {
		return nil, fmt.Errorf("production mode requires STOCKFLUX_SESSION_SECRET")
	}
	// Development fallback: sessions do not survive restarts.
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return nil, fmt.Errorf("generate ephemeral secret: %w", err)
	}
	logger.Warn("no session secret configured; using an ephemeral secret")
	return []byte(hex.EncodeToString(buf)), nil
}

func resolveListenAddr(flagValue, mode, envAddr string) string {
	listenAddr := strings.TrimSpace(flagValue)
	if listenAddr == "" {
		listenAddr = strings.TrimSpace(envAddr)
	}
	if listenAddr == "" {
		listenAddr = defaultListenForMode(mode)
	}
	return listenAddr
}

func modeValue(flagMode, envMode string) string {
	mode := strings.ToLower(strings.TrimSpace(flagMode))
	if mode == "" {
		mode = strings.ToLower(strings.TrimSpace(envMode))
	}
	if mode == "" {
		mode = "development"
	}
	return mode
}

func defaultListenForMode(mode string) string {
	if mode == "production" {
		return ":80"
	}
	return ":8080"
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
	return "data/store.json"
}

func resolvePostgresDSN(flagValue string) string {
	return strings.TrimSpace(firstNonEmpty(flagValue, os.Getenv("STOCKFLUX_POSTGRES_DSN"), os.Getenv("DATABASE_URL")))
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
	return fallback
}

func resolveBool(flagValue bool, envKey string) bool {
	if flagValue {
		return true
	}
	if env, ok := os.LookupEnv(envKey); ok {
		if value, err := strconv.ParseBool(strings.TrimSpace(env)); err == nil {
			return value
		}
	}
	return false
}
