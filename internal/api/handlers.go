package api

import (
	"log/slog"
	"net/http"

	"stockflux/internal/auth"
	"stockflux/internal/observability/metrics"
	"stockflux/internal/providers"
	"stockflux/internal/storage"
)

type Handler struct {
	Store     storage.Repository
	Sessions  *auth.SessionManager
	Providers *providers.Registry
	Metrics   *metrics.Recorder
	Logger    *slog.Logger
}

func NewHandler(store storage.Repository, sessions *auth.SessionManager, registry *providers.Registry) *Handler {
	return &Handler{
		Store:     store,
		Sessions:  sessions,
		Providers: registry,
		Metrics:   metrics.Default(),
		Logger:    slog.Default(),
	}
}

func (h *Handler) recorder() *metrics.Recorder {
	if h.Metrics == nil {
		return metrics.Default()
	}
	return h.Metrics
}

func (h *Handler) logger() *slog.Logger {
	if h.Logger == nil {
		return slog.Default()
	}
	return h.Logger
}

func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	status := "ok"
	code := http.StatusOK
	if h.Store != nil {
		if err := h.Store.Ping(r.Context()); err != nil {
			status = "degraded"
			code = http.StatusServiceUnavailable
		}
	}
	writeJSON(w, code, map[string]string{"status": status})
}
