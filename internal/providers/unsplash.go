package providers

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"

	"stockflux/internal/models"
	"stockflux/internal/observability/metrics"
)

const (
	unsplashName           = "unsplash"
	defaultUnsplashBaseURL = "https://api.unsplash.com"
)

// UnsplashConfig configures the Unsplash adapter.
type UnsplashConfig struct {
	Keys       *KeyPool
	BaseURL    string
	HTTPClient httpDoer
	Logger     *slog.Logger
	Metrics    *metrics.Recorder
}

// Unsplash serves photos only, authenticating with a rotating pool of access
// keys sent as a Client-ID credential.
type Unsplash struct {
	keys    *KeyPool
	baseURL string
	client  httpDoer
	logger  *slog.Logger
	metrics *metrics.Recorder
}

// NewUnsplash constructs the Unsplash adapter.
func NewUnsplash(cfg UnsplashConfig) *Unsplash {
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = defaultUnsplashBaseURL
	}
	client := cfg.HTTPClient
	if client == nil {
		client = defaultHTTPClient()
	}
	return &Unsplash{
		keys:    cfg.Keys,
		baseURL: baseURL,
		client:  client,
		logger:  cfg.Logger,
		metrics: cfg.Metrics,
	}
}

func (u *Unsplash) Name() string { return unsplashName }

func (u *Unsplash) SupportsMedia(media models.MediaType) bool {
	return media == models.MediaImages
}

func (u *Unsplash) Routes() []string { return []string{"images"} }

func (u *Unsplash) RouteForMedia(media models.MediaType) string { return "images" }

type unsplashResponse struct {
	Total   int `json:"total"`
	Results []struct {
		ID     string `json:"id"`
		Width  int    `json:"width"`
		Height int    `json:"height"`
		URLs   struct {
			Full    string `json:"full"`
			Regular string `json:"regular"`
		} `json:"urls"`
		AltDescription string `json:"alt_description"`
		User           struct {
			Name string `json:"name"`
		} `json:"user"`
	} `json:"results"`
}

// Search fetches one page of photo results and normalises it.
func (u *Unsplash) Search(ctx context.Context, route, query string, page, perPage int) (models.SearchPage, error) {
	if route != "images" {
		return models.SearchPage{}, ErrUnsupportedRoute
	}

	build := func(key string) (*http.Request, error) {
		req, err := http.NewRequest(http.MethodGet, u.baseURL+"/search/photos", nil)
		if err != nil {
			return nil, err
		}
		params := url.Values{}
		params.Set("query", query)
		params.Set("page", strconv.Itoa(page))
		params.Set("per_page", strconv.Itoa(perPage))
		req.URL.RawQuery = params.Encode()
		req.Header.Set("Authorization", "Client-ID "+key)
		return req, nil
	}

	res, err := fetchWithRotation(ctx, unsplashName, u.keys, u.client, u.metrics, u.logger, build)
	if err != nil {
		return models.SearchPage{}, err
	}

	var payload unsplashResponse
	if err := decodeBody(res, &payload); err != nil {
		return models.SearchPage{}, fmt.Errorf("%s: %w", unsplashName, err)
	}

	items := make([]models.NormalizedItem, 0, len(payload.Results))
	for _, photo := range payload.Results {
		items = append(items, models.NormalizedItem{
			ID:      photo.ID,
			Type:    models.ItemImage,
			Source:  unsplashName,
			Width:   photo.Width,
			Height:  photo.Height,
			URL:     photo.URLs.Full,
			Preview: photo.URLs.Regular,
			Alt:     photo.AltDescription,
			Author:  photo.User.Name,
		})
	}
	return models.SearchPage{Total: payload.Total, Items: items}, nil
}
