package server

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"stockflux/internal/api"
	"stockflux/internal/auth"
	"stockflux/internal/models"
	"stockflux/internal/observability/metrics"
	"stockflux/internal/providers"
	"stockflux/internal/storage"
)

func newTestServer(t *testing.T, cfg Config) (*Server, *storage.Storage) {
	t.Helper()
	store, err := storage.NewStorage(filepath.Join(t.TempDir(), "store.json"))
	if err != nil {
		t.Fatalf("create storage: %v", err)
	}
	sessions, err := auth.NewSessionManager([]byte("test-secret"), time.Hour)
	if err != nil {
		t.Fatalf("create session manager: %v", err)
	}
	handler := api.NewHandler(store, sessions, providers.NewRegistry())
	handler.Metrics = metrics.New()
	if cfg.Metrics == nil {
		cfg.Metrics = handler.Metrics
	}
	srv, err := New(handler, cfg)
	if err != nil {
		t.Fatalf("create server: %v", err)
	}
	return srv, store
}

func TestHealthzRoute(t *testing.T) {
	srv, _ := newTestServer(t, Config{})
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if rec.Header().Get("X-Request-Id") == "" {
		t.Fatal("expected generated request id header")
	}
	if rec.Header().Get("X-Content-Type-Options") != "nosniff" {
		t.Fatal("expected security headers on every response")
	}
}

func TestMetricsRoute(t *testing.T) {
	srv, _ := newTestServer(t, Config{})
	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if !bytes.Contains(rec.Body.Bytes(), []byte("stockflux_http_requests_total")) {
		t.Fatalf("expected exposition output, got %q", rec.Body.String())
	}
}

func TestMetadataRouteIsQuotaGated(t *testing.T) {
	srv, _ := newTestServer(t, Config{})
	req := httptest.NewRequest(http.MethodGet, "/metadata/pexels/images?query=cats", nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without api key, got %d", rec.Code)
	}
}

func TestRegisterThenMetadataWithAPIKey(t *testing.T) {
	srv, _ := newTestServer(t, Config{})

	body, _ := json.Marshal(map[string]string{"email": "ada@example.com", "password": "correct horse"})
	req := httptest.NewRequest(http.MethodPost, "/auth/register", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusCreated {
		t.Fatalf("register returned %d: %s", rec.Code, rec.Body.String())
	}
	var resp struct {
		User struct {
			APIKey string `json:"apiKey"`
		} `json:"user"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode register response: %v", err)
	}

	// Empty registry: the gate passes, the route 404s on the provider.
	req = httptest.NewRequest(http.MethodGet, "/metadata/pexels/images?query=cats", nil)
	req.Header.Set("Authorization", "Bearer "+resp.User.APIKey)
	rec = httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for unregistered provider, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestLoginRateLimitPerIP(t *testing.T) {
	srv, store := newTestServer(t, Config{
		RateLimit: RateLimitConfig{LoginLimit: 2, LoginWindow: time.Minute},
	})
	if _, err := store.CreateUser(storage.CreateUserParams{Email: "ada@example.com", Password: "correct horse"}); err != nil {
		t.Fatalf("create user: %v", err)
	}

	send := func() *httptest.ResponseRecorder {
		body, _ := json.Marshal(map[string]string{"email": "ada@example.com", "password": "wrong password"})
		req := httptest.NewRequest(http.MethodPost, "/auth/login", bytes.NewReader(body))
		req.RemoteAddr = "203.0.113.9:4567"
		rec := httptest.NewRecorder()
		srv.Handler().ServeHTTP(rec, req)
		return rec
	}

	for i := 0; i < 2; i++ {
		if rec := send(); rec.Code != http.StatusUnauthorized {
			t.Fatalf("attempt %d: expected 401, got %d", i+1, rec.Code)
		}
	}
	if rec := send(); rec.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429 after limit, got %d", rec.Code)
	}
}

func TestGlobalRateLimit(t *testing.T) {
	srv, _ := newTestServer(t, Config{
		RateLimit: RateLimitConfig{GlobalRPS: 0.001, GlobalBurst: 1},
	})

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("first request should pass, got %d", rec.Code)
	}

	rec = httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429 once the bucket drains, got %d", rec.Code)
	}
}

func TestUnlimitedAccountSkipsQuota(t *testing.T) {
	srv, store := newTestServer(t, Config{})
	user, err := store.CreateUser(storage.CreateUserParams{
		Email:        "ops@example.com",
		Password:     "correct horse",
		MonthlyQuota: models.UnlimitedQuota,
	})
	if err != nil {
		t.Fatalf("create user: %v", err)
	}

	req := httptest.NewRequest(http.MethodGet, "/metadata/pexels/images?query=cats", nil)
	req.Header.Set("Authorization", "Bearer "+user.APIKey)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	if rec.Code == http.StatusUnauthorized || rec.Code == http.StatusTooManyRequests {
		t.Fatalf("unlimited key must pass the gate, got %d", rec.Code)
	}
}
