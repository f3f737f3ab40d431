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
	pixabayName           = "pixabay"
	defaultPixabayBaseURL = "https://pixabay.com"
)

// PixabayConfig configures the Pixabay adapter.
type PixabayConfig struct {
	Key        string
	BaseURL    string
	HTTPClient httpDoer
	Logger     *slog.Logger
	Metrics    *metrics.Recorder
}

// Pixabay serves photos, illustrations, vectors, and videos with a single
// static key passed as a query parameter.
type Pixabay struct {
	keys    *KeyPool
	baseURL string
	client  httpDoer
	logger  *slog.Logger
	metrics *metrics.Recorder
}

// NewPixabay constructs the Pixabay adapter.
func NewPixabay(cfg PixabayConfig) *Pixabay {
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = defaultPixabayBaseURL
	}
	client := cfg.HTTPClient
	if client == nil {
		client = defaultHTTPClient()
	}
	return &Pixabay{
		keys:    NewKeyPool([]string{cfg.Key}),
		baseURL: baseURL,
		client:  client,
		logger:  cfg.Logger,
		metrics: cfg.Metrics,
	}
}

func (p *Pixabay) Name() string { return pixabayName }

func (p *Pixabay) SupportsMedia(media models.MediaType) bool { return true }

func (p *Pixabay) Routes() []string {
	return []string{"photos", "illustrations", "vectors", "videos"}
}

func (p *Pixabay) RouteForMedia(media models.MediaType) string {
	if media == models.MediaVideos {
		return "videos"
	}
	return "photos"
}

type pixabayImageResponse struct {
	Total     int `json:"total"`
	TotalHits int `json:"totalHits"`
	Hits      []struct {
		ID            int    `json:"id"`
		ImageWidth    int    `json:"imageWidth"`
		ImageHeight   int    `json:"imageHeight"`
		LargeImageURL string `json:"largeImageURL"`
		WebformatURL  string `json:"webformatURL"`
		Tags          string `json:"tags"`
		User          string `json:"user"`
	} `json:"hits"`
}

type pixabayVideoVariant struct {
	URL       string `json:"url"`
	Width     int    `json:"width"`
	Height    int    `json:"height"`
	Thumbnail string `json:"thumbnail"`
}

type pixabayVideoResponse struct {
	Total     int `json:"total"`
	TotalHits int `json:"totalHits"`
	Hits      []struct {
		ID       int    `json:"id"`
		Duration int    `json:"duration"`
		User     string `json:"user"`
		Videos   struct {
			Large  pixabayVideoVariant `json:"large"`
			Medium pixabayVideoVariant `json:"medium"`
			Small  pixabayVideoVariant `json:"small"`
			Tiny   pixabayVideoVariant `json:"tiny"`
		} `json:"videos"`
	} `json:"hits"`
}

// Search fetches one page for the requested route and normalises it.
func (p *Pixabay) Search(ctx context.Context, route, query string, page, perPage int) (models.SearchPage, error) {
	var endpoint, imageType string
	switch route {
	case "videos":
		endpoint = p.baseURL + "/api/videos/"
	case "photos":
		endpoint, imageType = p.baseURL+"/api/", "photo"
	case "illustrations":
		endpoint, imageType = p.baseURL+"/api/", "illustration"
	case "vectors":
		endpoint, imageType = p.baseURL+"/api/", "vector"
	default:
		return models.SearchPage{}, ErrUnsupportedRoute
	}

	build := func(key string) (*http.Request, error) {
		req, err := http.NewRequest(http.MethodGet, endpoint, nil)
		if err != nil {
			return nil, err
		}
		params := url.Values{}
		params.Set("key", key)
		params.Set("q", query)
		params.Set("page", strconv.Itoa(page))
		params.Set("per_page", strconv.Itoa(perPage))
		if imageType != "" {
			params.Set("image_type", imageType)
		}
		req.URL.RawQuery = params.Encode()
		return req, nil
	}

	res, err := fetchWithRotation(ctx, pixabayName, p.keys, p.client, p.metrics, p.logger, build)
	if err != nil {
		return models.SearchPage{}, err
	}

	if route == "videos" {
		var payload pixabayVideoResponse
		if err := decodeBody(res, &payload); err != nil {
			return models.SearchPage{}, fmt.Errorf("%s: %w", pixabayName, err)
		}
		return normalizePixabayVideos(payload), nil
	}

	var payload pixabayImageResponse
	if err := decodeBody(res, &payload); err != nil {
		return models.SearchPage{}, fmt.Errorf("%s: %w", pixabayName, err)
	}
	return normalizePixabayImages(payload), nil
}

func normalizePixabayImages(payload pixabayImageResponse) models.SearchPage {
	items := make([]models.NormalizedItem, 0, len(payload.Hits))
	for _, hit := range payload.Hits {
		items = append(items, models.NormalizedItem{
			ID:      strconv.Itoa(hit.ID),
			Type:    models.ItemImage,
			Source:  pixabayName,
			Width:   hit.ImageWidth,
			Height:  hit.ImageHeight,
			URL:     hit.LargeImageURL,
			Preview: hit.WebformatURL,
			Alt:     hit.Tags,
			Author:  hit.User,
		})
	}
	return models.SearchPage{Total: pixabayTotal(payload.Total, payload.TotalHits), Items: items}
}

func normalizePixabayVideos(payload pixabayVideoResponse) models.SearchPage {
	items := make([]models.NormalizedItem, 0, len(payload.Hits))
	for _, hit := range payload.Hits {
		variant := bestPixabayVariant([]pixabayVideoVariant{
			hit.Videos.Large, hit.Videos.Medium, hit.Videos.Small, hit.Videos.Tiny,
		})
		items = append(items, models.NormalizedItem{
			ID:       strconv.Itoa(hit.ID),
			Type:     models.ItemVideo,
			Source:   pixabayName,
			Width:    variant.Width,
			Height:   variant.Height,
			URL:      variant.URL,
			Preview:  variant.Thumbnail,
			Author:   hit.User,
			Duration: hit.Duration,
		})
	}
	return models.SearchPage{Total: pixabayTotal(payload.Total, payload.TotalHits), Items: items}
}

// bestPixabayVariant picks the largest size tier that has a URL.
func bestPixabayVariant(variants []pixabayVideoVariant) pixabayVideoVariant {
	for _, variant := range variants {
		if variant.URL != "" {
			return variant
		}
	}
	return pixabayVideoVariant{}
}

func pixabayTotal(total, totalHits int) int {
	if total > 0 {
		return total
	}
	return totalHits
}
