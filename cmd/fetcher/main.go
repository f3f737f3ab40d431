// Command fetcher runs the bulk-download orchestrator against a StockFlux
// metadata API and exposes a local control endpoint for driving jobs.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"stockflux/internal/client"
	"stockflux/internal/control"
	"stockflux/internal/download"
	"stockflux/internal/jobstore"
	"stockflux/internal/observability/logging"
	"stockflux/internal/observability/metrics"
	"stockflux/internal/orchestrator"
	"stockflux/internal/serverutil"
)

func main() {
	addr := flag.String("addr", "", "control endpoint listen address")
	backendURL := flag.String("backend", "", "base URL of the StockFlux metadata API")
	apiKey := flag.String("api-key", "", "StockFlux API key used for metadata requests")
	destDir := flag.String("dest", "", "directory downloads are saved into")
	stateDriver := flag.String("state-driver", "", "run state store (memory, file, or redis)")
	stateFile := flag.String("state-file", "", "path to the run state file")
	stateRedisAddr := flag.String("state-redis-addr", "", "Redis address for shared run state")
	stateRedisPassword := flag.String("state-redis-password", "", "Redis password for shared run state")
	stateRedisKey := flag.String("state-redis-key", "", "Redis key holding the run state")
	itemDelay := flag.Duration("item-delay", 0, "delay between item downloads")
	roundDelay := flag.Duration("round-delay", 0, "delay between rotation rounds")
	stagnationRounds := flag.Int("stagnation-rounds", 0, "empty rounds tolerated before giving up")
	downloadTimeout := flag.Duration("download-timeout", 0, "per-attempt download timeout")
	downloadRetries := flag.Int("download-retries", 0, "retry budget per asset")
	logLevel := flag.String("log-level", "info", "log level (debug, info, warn, error)")
	logFormat := flag.String("log-format", "", "log format (text or json)")
	flag.Parse()

	logger := logging.New(logging.Config{
		Level:  firstNonEmpty(*logLevel, os.Getenv("STOCKFLUX_LOG_LEVEL")),
		Format: firstNonEmpty(*logFormat, os.Getenv("STOCKFLUX_LOG_FORMAT")),
	})
	recorder := metrics.Default()

	fetcher, err := client.New(client.Config{
		BaseURL: firstNonEmpty(*backendURL, os.Getenv("STOCKFLUX_BACKEND_URL")),
		APIKey:  firstNonEmpty(*apiKey, os.Getenv("STOCKFLUX_API_KEY")),
	})
	if err != nil {
		logger.Error("failed to configure metadata client", "error", err)
		os.Exit(1)
	}

	dest := firstNonEmpty(*destDir, os.Getenv("STOCKFLUX_DEST"))
	if dest == "" {
		dest = "downloads"
	}
	downloader := download.New(download.Config{
		DestDir: dest,
		Timeout: resolveDuration(*downloadTimeout, "STOCKFLUX_DOWNLOAD_TIMEOUT"),
		Retries: resolveInt(*downloadRetries, "STOCKFLUX_DOWNLOAD_RETRIES"),
		Logger:  logging.WithComponent(logger, "download"),
		Metrics: recorder,
	})

	store, err := buildJobStore(storeSettings{
		Driver:        firstNonEmpty(*stateDriver, os.Getenv("STOCKFLUX_STATE_DRIVER")),
		FilePath:      firstNonEmpty(*stateFile, os.Getenv("STOCKFLUX_STATE_FILE")),
		RedisAddr:     firstNonEmpty(*stateRedisAddr, os.Getenv("STOCKFLUX_STATE_REDIS_ADDR")),
		RedisPassword: firstNonEmpty(*stateRedisPassword, os.Getenv("STOCKFLUX_STATE_REDIS_PASSWORD")),
		RedisKey:      firstNonEmpty(*stateRedisKey, os.Getenv("STOCKFLUX_STATE_REDIS_KEY")),
	})
	if err != nil {
		logger.Error("failed to configure run state store", "error", err)
		os.Exit(1)
	}

	orch, err := orchestrator.New(orchestrator.Config{
		Fetcher:          fetcher,
		Downloader:       downloader,
		Store:            store,
		Logger:           logger,
		Metrics:          recorder,
		ItemDelay:        resolveDuration(*itemDelay, "STOCKFLUX_ITEM_DELAY"),
		RoundDelay:       resolveDuration(*roundDelay, "STOCKFLUX_ROUND_DELAY"),
		StagnationRounds: resolveInt(*stagnationRounds, "STOCKFLUX_STAGNATION_ROUNDS"),
	})
	if err != nil {
		logger.Error("failed to configure orchestrator", "error", err)
		os.Exit(1)
	}
	defer orch.Close()

	handler := control.NewHandler(orch, logging.WithComponent(logger, "control"))
	mux := handler.Mux()
	mux.Handle("/metrics", recorder.Handler())

	var chain http.Handler = mux
	chain = metrics.HTTPMiddleware(recorder, chain)
	chain = logging.RequestLogger(logging.RequestLoggerConfig{Logger: logger})(chain)

	listenAddr := firstNonEmpty(*addr, os.Getenv("STOCKFLUX_FETCHER_ADDR"))
	if listenAddr == "" {
		listenAddr = "127.0.0.1:8090"
	}
	httpServer := &http.Server{
		Addr:              listenAddr,
		Handler:           chain,
		ReadHeaderTimeout: 5 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger.Info("fetcher control endpoint listening", "addr", listenAddr, "dest", dest)
	if err := serverutil.Run(ctx, serverutil.Config{Server: httpServer, Logger: logger}); err != nil {
		logger.Error("control server failed", "error", err)
		os.Exit(1)
	}
	logger.Info("fetcher stopped")
}

type storeSettings struct {
	Driver        string
	FilePath      string
	RedisAddr     string
	RedisPassword string
	RedisKey      string
}

func buildJobStore(settings storeSettings) (jobstore.Store, error) {
	driver := strings.ToLower(strings.TrimSpace(settings.Driver))
	if driver == "" {
		switch {
		case settings.RedisAddr != "":
			driver = "redis"
		case settings.FilePath != "":
			driver = "file"
		default:
			driver = "file"
		}
	}

	switch driver {
	case "memory":
		return jobstore.NewMemoryStore(), nil
	case "file":
		path := settings.FilePath
		if path == "" {
			path = "data/run.json"
		}
		return jobstore.NewFileStore(path), nil
	case "redis":
		if settings.RedisAddr == "" {
			return nil, fmt.Errorf("redis state store selected without address")
		}
		rdb := redis.NewClient(&redis.Options{
			Addr:     settings.RedisAddr,
			Password: settings.RedisPassword,
		})
		var opts []jobstore.RedisOption
		if settings.RedisKey != "" {
			opts = append(opts, jobstore.WithKey(settings.RedisKey))
		}
		return jobstore.NewRedisStore(rdb, opts...), nil
	default:
		return nil, fmt.Errorf("unsupported state driver %q", driver)
	}
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

func resolveDuration(flagValue time.Duration, envKey string) time.Duration {
	if flagValue > 0 {
		return flagValue
	}
	if env := os.Getenv(envKey); env != "" {
		if value, err := time.ParseDuration(env); err == nil {
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
