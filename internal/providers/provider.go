// Package providers adapts third-party stock-media search APIs behind a
// uniform search contract. Each adapter owns its upstream authentication
// style and maps the provider's response shape into models.NormalizedItem.
package providers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"stockflux/internal/models"
)

var (
	// ErrKeysExhausted is returned once every key in a provider's pool has
	// been rejected for the same request.
	ErrKeysExhausted = errors.New("all provider api keys exhausted")
	// ErrUnsupportedRoute is returned for media routes a provider does not
	// serve.
	ErrUnsupportedRoute = errors.New("unsupported media route")
	// ErrUnknownProvider is returned by the registry for unknown names.
	ErrUnknownProvider = errors.New("unknown provider")
)

// UpstreamError carries the HTTP status returned by a provider API.
type UpstreamError struct {
	Provider string
	Status   int
}

func (e *UpstreamError) Error() string {
	return fmt.Sprintf("%s upstream returned status %d", e.Provider, e.Status)
}

// Provider is the adapter contract shared by all stock-media sources.
type Provider interface {
	Name() string
	SupportsMedia(media models.MediaType) bool
	// Routes lists the media routes this provider serves on the metadata
	// API (for example pixabay serves photos, illustrations, vectors, and
	// videos).
	Routes() []string
	// RouteForMedia maps a media type to the provider's canonical route.
	RouteForMedia(media models.MediaType) string
	// Search fetches one page of results for the given route.
	Search(ctx context.Context, route, query string, page, perPage int) (models.SearchPage, error)
}

// Registry holds the configured providers in a fixed rotation order.
type Registry struct {
	order     []string
	providers map[string]Provider
}

// NewRegistry builds a registry preserving the insertion order of the
// supplied providers.
func NewRegistry(providers ...Provider) *Registry {
	registry := &Registry{providers: make(map[string]Provider, len(providers))}
	for _, provider := range providers {
		if provider == nil {
			continue
		}
		name := provider.Name()
		if _, exists := registry.providers[name]; exists {
			continue
		}
		registry.order = append(registry.order, name)
		registry.providers[name] = provider
	}
	return registry
}

// Names returns provider names in rotation order.
func (r *Registry) Names() []string {
	return append([]string(nil), r.order...)
}

// Get resolves a provider by name.
func (r *Registry) Get(name string) (Provider, bool) {
	provider, ok := r.providers[name]
	return provider, ok
}

// Supporting returns the providers that serve the given media type, in
// rotation order.
func (r *Registry) Supporting(media models.MediaType) []Provider {
	supporting := make([]Provider, 0, len(r.order))
	for _, name := range r.order {
		provider := r.providers[name]
		if provider.SupportsMedia(media) {
			supporting = append(supporting, provider)
		}
	}
	return supporting
}

// SearchRoute dispatches a search to the named provider after validating the
// route.
func (r *Registry) SearchRoute(ctx context.Context, name, route, query string, page, perPage int) (models.SearchPage, error) {
	provider, ok := r.providers[name]
	if !ok {
		return models.SearchPage{}, ErrUnknownProvider
	}
	resolved, ok := resolveRoute(provider, route)
	if !ok {
		return models.SearchPage{}, ErrUnsupportedRoute
	}
	return provider.Search(ctx, resolved, query, page, perPage)
}

// resolveRoute accepts a provider's own route names plus the generic
// images/videos routes, which map to the provider's canonical route for the
// media type (pixabay serves photos when asked for images).
func resolveRoute(provider Provider, route string) (string, bool) {
	for _, candidate := range provider.Routes() {
		if candidate == route {
			return route, true
		}
	}
	switch route {
	case string(models.MediaImages), string(models.MediaVideos):
		media := models.ParseMediaType(route)
		if provider.SupportsMedia(media) {
			return provider.RouteForMedia(media), true
		}
	}
	return "", false
}

// httpDoer lets tests substitute the HTTP transport.
type httpDoer interface {
	Do(req *http.Request) (*http.Response, error)
}

func defaultHTTPClient() *http.Client {
	return &http.Client{Timeout: 15 * time.Second}
}

// decodeBody decodes a JSON response body, draining and closing it.
func decodeBody(res *http.Response, dest interface{}) error {
	defer func() {
		_, _ = io.Copy(io.Discard, res.Body)
		_ = res.Body.Close()
	}()
	if err := json.NewDecoder(res.Body).Decode(dest); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// rotatableStatus reports whether an upstream status should trigger key
// rotation rather than a hard failure.
func rotatableStatus(status int) bool {
	switch status {
	case http.StatusUnauthorized, http.StatusForbidden, http.StatusTooManyRequests:
		return true
	default:
		return false
	}
}
