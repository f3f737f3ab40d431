package storage

import "time"

// PostgresConfig tunes the pgx connection pool backing the Postgres
// repository.
type PostgresConfig struct {
	DSN                 string
	MaxConnections      int32
	MinConnections      int32
	MaxConnLifetime     time.Duration
	MaxConnIdleTime     time.Duration
	HealthCheckInterval time.Duration
	ConnectTimeout      time.Duration
	ApplicationName     string
}

// PostgresOption mutates a PostgresConfig.
type PostgresOption func(*PostgresConfig)

// WithPoolLimits bounds the pool size.
func WithPoolLimits(min, max int32) PostgresOption {
	return func(cfg *PostgresConfig) {
		if min >= 0 {
			cfg.MinConnections = min
		}
		if max > 0 {
			cfg.MaxConnections = max
		}
	}
}

// WithConnLifetimes sets per-connection lifetime and idle bounds.
func WithConnLifetimes(lifetime, idle time.Duration) PostgresOption {
	return func(cfg *PostgresConfig) {
		if lifetime > 0 {
			cfg.MaxConnLifetime = lifetime
		}
		if idle > 0 {
			cfg.MaxConnIdleTime = idle
		}
	}
}

// WithHealthCheckInterval sets the pool health check period.
func WithHealthCheckInterval(interval time.Duration) PostgresOption {
	return func(cfg *PostgresConfig) {
		if interval > 0 {
			cfg.HealthCheckInterval = interval
		}
	}
}

// WithConnectTimeout bounds how long establishing a connection may take.
func WithConnectTimeout(timeout time.Duration) PostgresOption {
	return func(cfg *PostgresConfig) {
		if timeout > 0 {
			cfg.ConnectTimeout = timeout
		}
	}
}

// WithApplicationName sets the application_name reported to Postgres.
func WithApplicationName(name string) PostgresOption {
	return func(cfg *PostgresConfig) {
		if name != "" {
			cfg.ApplicationName = name
		}
	}
}

func newPostgresConfig(dsn string, opts ...PostgresOption) PostgresConfig {
	cfg := PostgresConfig{DSN: dsn}
	for _, opt := range opts {
		if opt != nil {
			opt(&cfg)
		}
	}
	return cfg
}
