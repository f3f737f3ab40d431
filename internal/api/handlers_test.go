package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"stockflux/internal/auth"
	"stockflux/internal/models"
	"stockflux/internal/observability/metrics"
	"stockflux/internal/providers"
	"stockflux/internal/storage"
)

func newTestHandler(t *testing.T, registry *providers.Registry) (*Handler, *storage.Storage) {
	t.Helper()
	store, err := storage.NewStorage(filepath.Join(t.TempDir(), "store.json"))
	if err != nil {
		t.Fatalf("create storage: %v", err)
	}
	sessions, err := auth.NewSessionManager([]byte("test-secret"), time.Hour)
	if err != nil {
		t.Fatalf("create session manager: %v", err)
	}
	handler := NewHandler(store, sessions, registry)
	handler.Metrics = metrics.New()
	return handler, store
}

func registerUser(t *testing.T, handler *Handler, email string) userResponse {
	t.Helper()
	body, _ := json.Marshal(map[string]string{"email": email, "password": "correct horse"})
	req := httptest.NewRequest(http.MethodPost, "/auth/register", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	handler.Register(rec, req)
	if rec.Code != http.StatusCreated {
		t.Fatalf("register returned %d: %s", rec.Code, rec.Body.String())
	}
	var resp authResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode register response: %v", err)
	}
	return resp.User
}

func TestRegisterIssuesAPIKeyAndToken(t *testing.T) {
	handler, _ := newTestHandler(t, providers.NewRegistry())

	body, _ := json.Marshal(map[string]string{"email": "ada@example.com", "password": "correct horse"})
	req := httptest.NewRequest(http.MethodPost, "/auth/register", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	handler.Register(rec, req)

	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rec.Code, rec.Body.String())
	}
	var resp authResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.Token == "" || resp.User.APIKey == "" {
		t.Fatalf("expected token and api key, got %+v", resp)
	}
	if resp.User.MonthlyQuota != models.DefaultMonthlyQuota {
		t.Fatalf("expected default quota, got %d", resp.User.MonthlyQuota)
	}
	if auth.LooksLikeSessionToken(resp.User.APIKey) {
		t.Fatalf("api key %q must not be shaped like a session token", resp.User.APIKey)
	}
	if !auth.LooksLikeSessionToken(resp.Token) {
		t.Fatalf("session token %q should have three segments", resp.Token)
	}
}

func TestRegisterRejectsDuplicateEmail(t *testing.T) {
	handler, _ := newTestHandler(t, providers.NewRegistry())
	registerUser(t, handler, "ada@example.com")

	body, _ := json.Marshal(map[string]string{"email": "ada@example.com", "password": "another pass"})
	req := httptest.NewRequest(http.MethodPost, "/auth/register", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	handler.Register(rec, req)
	if rec.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d", rec.Code)
	}
}

func TestRegisterRejectsShortPassword(t *testing.T) {
	handler, _ := newTestHandler(t, providers.NewRegistry())
	body, _ := json.Marshal(map[string]string{"email": "ada@example.com", "password": "short"})
	req := httptest.NewRequest(http.MethodPost, "/auth/register", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	handler.Register(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

func TestLoginRejectsWrongPassword(t *testing.T) {
	handler, _ := newTestHandler(t, providers.NewRegistry())
	registerUser(t, handler, "ada@example.com")

	body, _ := json.Marshal(map[string]string{"email": "ada@example.com", "password": "wrong password"})
	req := httptest.NewRequest(http.MethodPost, "/auth/login", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	handler.Login(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
}

func TestProfileReturnsAccountForSessionToken(t *testing.T) {
	handler, _ := newTestHandler(t, providers.NewRegistry())
	user := registerUser(t, handler, "ada@example.com")

	token, _, err := handler.Sessions.Create(user.ID, user.Email)
	if err != nil {
		t.Fatalf("create token: %v", err)
	}

	req := httptest.NewRequest(http.MethodGet, "/auth/profile", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rec := httptest.NewRecorder()
	handler.Profile(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var resp userResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.APIKey != user.APIKey {
		t.Fatalf("expected api key %q, got %q", user.APIKey, resp.APIKey)
	}
}

func TestProfileRejectsGarbageToken(t *testing.T) {
	handler, _ := newTestHandler(t, providers.NewRegistry())
	req := httptest.NewRequest(http.MethodGet, "/auth/profile", nil)
	req.Header.Set("Authorization", "Bearer not.a.token")
	rec := httptest.NewRecorder()
	handler.Profile(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
}

func TestHealthReportsOK(t *testing.T) {
	handler, _ := newTestHandler(t, providers.NewRegistry())
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	handler.Health(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
}

// stubProvider is a canned Provider implementation for handler tests.
type stubProvider struct {
	name   string
	routes []string
	media  map[models.MediaType]bool
	page   models.SearchPage
	err    error
	calls  int
}

func (s *stubProvider) Name() string { return s.name }

func (s *stubProvider) SupportsMedia(media models.MediaType) bool { return s.media[media] }

func (s *stubProvider) Routes() []string { return s.routes }

func (s *stubProvider) RouteForMedia(media models.MediaType) string {
	if media == models.MediaVideos {
		return "videos"
	}
	return "images"
}

func (s *stubProvider) Search(ctx context.Context, route, query string, page, perPage int) (models.SearchPage, error) {
	s.calls++
	if s.err != nil {
		return models.SearchPage{}, s.err
	}
	return s.page, nil
}

func stubPage(source string, count int) models.SearchPage {
	items := make([]models.NormalizedItem, 0, count)
	for i := 0; i < count; i++ {
		items = append(items, models.NormalizedItem{
			ID:     fmt.Sprintf("%s-%d", source, i),
			Type:   models.ItemImage,
			Source: source,
			URL:    fmt.Sprintf("https://example.com/%s/%d", source, i),
		})
	}
	return models.SearchPage{Total: count * 10, Items: items}
}

func TestMetadataRequiresQuery(t *testing.T) {
	registry := providers.NewRegistry(&stubProvider{
		name:   "pexels",
		routes: []string{"images"},
		media:  map[models.MediaType]bool{models.MediaImages: true},
	})
	handler, _ := newTestHandler(t, registry)

	req := httptest.NewRequest(http.MethodGet, "/metadata/pexels/images", nil)
	rec := httptest.NewRecorder()
	handler.Metadata(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

func TestMetadataUnknownProvider(t *testing.T) {
	handler, _ := newTestHandler(t, providers.NewRegistry())
	req := httptest.NewRequest(http.MethodGet, "/metadata/shutterstock/images?query=cats", nil)
	rec := httptest.NewRecorder()
	handler.Metadata(rec, req)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
}

func TestMetadataReturnsProviderPage(t *testing.T) {
	stub := &stubProvider{
		name:   "pexels",
		routes: []string{"images"},
		media:  map[models.MediaType]bool{models.MediaImages: true},
		page:   stubPage("pexels", 3),
	}
	handler, _ := newTestHandler(t, providers.NewRegistry(stub))

	req := httptest.NewRequest(http.MethodGet, "/metadata/pexels/images?query=cats&page=2&perPage=10", nil)
	rec := httptest.NewRecorder()
	handler.Metadata(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var resp searchResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.Total != 30 || len(resp.Items) != 3 {
		t.Fatalf("unexpected page: total=%d items=%d", resp.Total, len(resp.Items))
	}
	if resp.Provider != "pexels" || resp.Type != "images" || resp.Page != 2 || resp.PerPage != 10 {
		t.Fatalf("unexpected envelope: %+v", resp)
	}
}

func TestMetadataUpstreamFailureIsBadGateway(t *testing.T) {
	stub := &stubProvider{
		name:   "pexels",
		routes: []string{"images"},
		media:  map[models.MediaType]bool{models.MediaImages: true},
		err:    &providers.UpstreamError{Provider: "pexels", Status: http.StatusBadGateway},
	}
	handler, _ := newTestHandler(t, providers.NewRegistry(stub))

	req := httptest.NewRequest(http.MethodGet, "/metadata/pexels/images?query=cats", nil)
	rec := httptest.NewRecorder()
	handler.Metadata(rec, req)
	if rec.Code != http.StatusBadGateway {
		t.Fatalf("expected 502, got %d", rec.Code)
	}
}

func TestMetadataAllAggregatesAcrossProviders(t *testing.T) {
	first := &stubProvider{
		name:   "pexels",
		routes: []string{"images", "videos"},
		media:  map[models.MediaType]bool{models.MediaImages: true, models.MediaVideos: true},
		page:   stubPage("pexels", 2),
	}
	second := &stubProvider{
		name:   "unsplash",
		routes: []string{"images"},
		media:  map[models.MediaType]bool{models.MediaImages: true},
		page:   stubPage("unsplash", 3),
	}
	handler, _ := newTestHandler(t, providers.NewRegistry(first, second))

	req := httptest.NewRequest(http.MethodGet, "/metadata/all/images?query=cats", nil)
	rec := httptest.NewRecorder()
	handler.Metadata(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var resp searchResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.Total != 50 {
		t.Fatalf("expected summed total 50, got %d", resp.Total)
	}
	if len(resp.Items) != 5 {
		t.Fatalf("expected 5 interleaved items, got %d", len(resp.Items))
	}
	if resp.Provider != "all" {
		t.Fatalf("expected provider all, got %q", resp.Provider)
	}
}

func TestMetadataAllToleratesPartialFailure(t *testing.T) {
	healthy := &stubProvider{
		name:   "pexels",
		routes: []string{"images"},
		media:  map[models.MediaType]bool{models.MediaImages: true},
		page:   stubPage("pexels", 2),
	}
	broken := &stubProvider{
		name:   "unsplash",
		routes: []string{"images"},
		media:  map[models.MediaType]bool{models.MediaImages: true},
		err:    providers.ErrKeysExhausted,
	}
	handler, _ := newTestHandler(t, providers.NewRegistry(healthy, broken))

	req := httptest.NewRequest(http.MethodGet, "/metadata/all/images?query=cats", nil)
	rec := httptest.NewRecorder()
	handler.Metadata(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var resp searchResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if len(resp.Items) != 2 {
		t.Fatalf("expected only healthy provider items, got %d", len(resp.Items))
	}
}

func TestMetadataAllFailsWhenEveryProviderFails(t *testing.T) {
	broken := &stubProvider{
		name:   "pexels",
		routes: []string{"images"},
		media:  map[models.MediaType]bool{models.MediaImages: true},
		err:    providers.ErrKeysExhausted,
	}
	handler, _ := newTestHandler(t, providers.NewRegistry(broken))

	req := httptest.NewRequest(http.MethodGet, "/metadata/all/images?query=cats", nil)
	rec := httptest.NewRecorder()
	handler.Metadata(rec, req)
	if rec.Code != http.StatusBadGateway {
		t.Fatalf("expected 502, got %d", rec.Code)
	}
}
