// Package serverutil runs the HTTP listeners shared by the API service and
// the fetcher's control endpoint. A listener serves until its context is
// cancelled and then drains connections within a bounded grace period.
package serverutil

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"
)

// TLSConfig points at the certificate pair used when serving TLS.
type TLSConfig struct {
	CertFile string
	KeyFile  string
}

// Config describes one listener lifecycle.
type Config struct {
	Server          *http.Server
	TLS             TLSConfig
	Logger          *slog.Logger
	ShutdownTimeout time.Duration
	// Ready is closed once the listener is bound, immediately before the
	// first Accept. Tests use it to avoid racing the bind.
	Ready chan<- struct{}
}

// DefaultShutdownTimeout bounds connection draining once the context is
// cancelled.
const DefaultShutdownTimeout = 10 * time.Second

// Run binds the server's address and serves until either the server fails or
// ctx is cancelled. Cancellation triggers a graceful shutdown; Run returns
// nil when the drain completes inside the shutdown window.
func Run(ctx context.Context, cfg Config) error {
	if cfg.Server == nil {
		return fmt.Errorf("serverutil: server is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	timeout := cfg.ShutdownTimeout
	if timeout <= 0 {
		timeout = DefaultShutdownTimeout
	}

	listener, err := bind(cfg)
	if err != nil {
		return err
	}
	if cfg.Ready != nil {
		close(cfg.Ready)
	}
	logger.Info("http listener bound", "addr", listener.Addr().String())

	serveErr := make(chan error, 1)
	go func() {
		serveErr <- cfg.Server.Serve(listener)
	}()

	select {
	case err := <-serveErr:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	logger.Info("draining http connections", "timeout", timeout)
	drainCtx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := cfg.Server.Shutdown(drainCtx); err != nil {
		logger.Warn("graceful shutdown incomplete", "error", err)
		return err
	}
	if err := <-serveErr; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// bind opens the TCP listener, wrapping it for TLS when a certificate pair
// is configured.
func bind(cfg Config) (net.Listener, error) {
	hasCert, hasKey := cfg.TLS.CertFile != "", cfg.TLS.KeyFile != ""
	if hasCert != hasKey {
		return nil, fmt.Errorf("serverutil: tls requires both a certificate and a key file")
	}

	listener, err := net.Listen("tcp", cfg.Server.Addr)
	if err != nil {
		return nil, err
	}
	if !hasCert {
		return listener, nil
	}

	cert, err := tls.LoadX509KeyPair(cfg.TLS.CertFile, cfg.TLS.KeyFile)
	if err != nil {
		listener.Close()
		return nil, err
	}
	tlsCfg := cfg.Server.TLSConfig.Clone()
	if tlsCfg == nil {
		tlsCfg = &tls.Config{MinVersion: tls.VersionTLS12}
	}
	tlsCfg.Certificates = append([]tls.Certificate{cert}, tlsCfg.Certificates...)
	return tls.NewListener(listener, tlsCfg), nil
}
