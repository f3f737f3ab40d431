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
	pexelsName           = "pexels"
	defaultPexelsBaseURL = "https://api.pexels.com"
)

// PexelsConfig configures the Pexels adapter.
type PexelsConfig struct {
	Keys       *KeyPool
	BaseURL    string
	HTTPClient httpDoer
	Logger     *slog.Logger
	Metrics    *metrics.Recorder
}

// Pexels serves both photos and videos, authenticating with a rotating pool
// of keys in the Authorization header.
type Pexels struct {
	keys    *KeyPool
	baseURL string
	client  httpDoer
	logger  *slog.Logger
	metrics *metrics.Recorder
}

// NewPexels constructs the Pexels adapter.
func NewPexels(cfg PexelsConfig) *Pexels {
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = defaultPexelsBaseURL
	}
	client := cfg.HTTPClient
	if client == nil {
		client = defaultHTTPClient()
	}
	return &Pexels{
		keys:    cfg.Keys,
		baseURL: baseURL,
		client:  client,
		logger:  cfg.Logger,
		metrics: cfg.Metrics,
	}
}

func (p *Pexels) Name() string { return pexelsName }

func (p *Pexels) SupportsMedia(media models.MediaType) bool { return true }

func (p *Pexels) Routes() []string { return []string{"images", "videos"} }

func (p *Pexels) RouteForMedia(media models.MediaType) string {
	if media == models.MediaVideos {
		return "videos"
	}
	return "images"
}

type pexelsPhotoResponse struct {
	TotalResults int `json:"total_results"`
	Photos       []struct {
		ID     int `json:"id"`
		Width  int `json:"width"`
		Height int `json:"height"`
		Src    struct {
			Original string `json:"original"`
			Medium   string `json:"medium"`
		} `json:"src"`
		Alt          string `json:"alt"`
		Photographer string `json:"photographer"`
	} `json:"photos"`
}

type pexelsVideoFile struct {
	Quality string `json:"quality"`
	Width   int    `json:"width"`
	Height  int    `json:"height"`
	Link    string `json:"link"`
}

type pexelsUser struct {
	Name string `json:"name"`
}

type pexelsVideoResponse struct {
	TotalResults int `json:"total_results"`
	Videos       []struct {
		ID         int               `json:"id"`
		Width      int               `json:"width"`
		Height     int               `json:"height"`
		Duration   int               `json:"duration"`
		Image      string            `json:"image"`
		User       pexelsUser        `json:"user"`
		VideoFiles []pexelsVideoFile `json:"video_files"`
	} `json:"videos"`
}

// Search fetches one page from the Pexels search API and normalises it.
func (p *Pexels) Search(ctx context.Context, route, query string, page, perPage int) (models.SearchPage, error) {
	var endpoint string
	switch route {
	case "videos":
		endpoint = p.baseURL + "/videos/search"
	case "images":
		endpoint = p.baseURL + "/v1/search"
	default:
		return models.SearchPage{}, ErrUnsupportedRoute
	}

	build := func(key string) (*http.Request, error) {
		req, err := http.NewRequest(http.MethodGet, endpoint, nil)
		if err != nil {
			return nil, err
		}
		params := url.Values{}
		params.Set("query", query)
		params.Set("page", strconv.Itoa(page))
		params.Set("per_page", strconv.Itoa(perPage))
		req.URL.RawQuery = params.Encode()
		req.Header.Set("Authorization", key)
		return req, nil
	}

	res, err := fetchWithRotation(ctx, pexelsName, p.keys, p.client, p.metrics, p.logger, build)
	if err != nil {
		return models.SearchPage{}, err
	}

	if route == "videos" {
		var payload pexelsVideoResponse
		if err := decodeBody(res, &payload); err != nil {
			return models.SearchPage{}, fmt.Errorf("%s: %w", pexelsName, err)
		}
		return normalizePexelsVideos(payload), nil
	}

	var payload pexelsPhotoResponse
	if err := decodeBody(res, &payload); err != nil {
		return models.SearchPage{}, fmt.Errorf("%s: %w", pexelsName, err)
	}
	return normalizePexelsPhotos(payload), nil
}

func normalizePexelsPhotos(payload pexelsPhotoResponse) models.SearchPage {
	items := make([]models.NormalizedItem, 0, len(payload.Photos))
	for _, photo := range payload.Photos {
		items = append(items, models.NormalizedItem{
			ID:      strconv.Itoa(photo.ID),
			Type:    models.ItemImage,
			Source:  pexelsName,
			Width:   photo.Width,
			Height:  photo.Height,
			URL:     photo.Src.Original,
			Preview: photo.Src.Medium,
			Alt:     photo.Alt,
			Author:  photo.Photographer,
		})
	}
	return models.SearchPage{Total: payload.TotalResults, Items: items}
}

func normalizePexelsVideos(payload pexelsVideoResponse) models.SearchPage {
	items := make([]models.NormalizedItem, 0, len(payload.Videos))
	for _, video := range payload.Videos {
		best := bestPexelsFile(video.VideoFiles)
		width, height := video.Width, video.Height
		var link string
		if best != nil {
			link = best.Link
			if best.Width > 0 {
				width = best.Width
			}
			if best.Height > 0 {
				height = best.Height
			}
		}
		items = append(items, models.NormalizedItem{
			ID:       strconv.Itoa(video.ID),
			Type:     models.ItemVideo,
			Source:   pexelsName,
			Width:    width,
			Height:   height,
			URL:      link,
			Preview:  video.Image,
			Author:   video.User.Name,
			Duration: video.Duration,
		})
	}
	return models.SearchPage{Total: payload.TotalResults, Items: items}
}

// bestPexelsFile prefers the hd-tagged encoding over the first-listed file,
// ties broken by encounter order.
func bestPexelsFile(files []pexelsVideoFile) *pexelsVideoFile {
	if len(files) == 0 {
		return nil
	}
	for i := range files {
		if files[i].Quality == "hd" {
			return &files[i]
		}
	}
	return &files[0]
}
