// Package client is the HTTP consumer of the metadata API, used by the
// fetcher to page through provider results with its StockFlux API key.
package client

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"stockflux/internal/models"
	"stockflux/internal/observability/logging"
)

const defaultTimeout = 20 * time.Second

// Config describes how to reach the metadata API.
type Config struct {
	BaseURL    string
	APIKey     string
	HTTPClient *http.Client
}

// Client fetches normalized metadata pages over HTTP.
type Client struct {
	baseURL string
	apiKey  string
	client  *http.Client
}

// StatusError reports a non-200 response from the metadata API.
type StatusError struct {
	Status int
	Body   string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("metadata api returned status %d: %s", e.Status, e.Body)
}

// New validates the configuration and returns a metadata client.
func New(cfg Config) (*Client, error) {
	base := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if base == "" {
		return nil, fmt.Errorf("client: base url is required")
	}
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, fmt.Errorf("client: api key is required")
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: defaultTimeout}
	}
	return &Client{baseURL: base, apiKey: strings.TrimSpace(cfg.APIKey), client: httpClient}, nil
}

type searchEnvelope struct {
	Total int                     `json:"total"`
	Items []models.NormalizedItem `json:"items"`
}

// FetchPage requests one page for a provider. The provider name "all"
// aggregates across every provider serving the media type. A run identity on
// the context is forwarded in the X-Run-Id header so backend request logs
// can be correlated with fetcher runs.
func (c *Client) FetchPage(ctx context.Context, provider string, media models.MediaType, query string, page, perPage int) (models.SearchPage, error) {
	endpoint := fmt.Sprintf("%s/metadata/%s/%s", c.baseURL, url.PathEscape(provider), url.PathEscape(string(media)))
	values := url.Values{}
	values.Set("query", query)
	values.Set("page", strconv.Itoa(page))
	values.Set("perPage", strconv.Itoa(perPage))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint+"?"+values.Encode(), nil)
	if err != nil {
		return models.SearchPage{}, fmt.Errorf("build metadata request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Accept", "application/json")
	if runID, ok := logging.RunIDFromContext(ctx); ok {
		req.Header.Set("X-Run-Id", strconv.FormatInt(runID, 10))
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return models.SearchPage{}, fmt.Errorf("fetch metadata page: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return models.SearchPage{}, &StatusError{Status: resp.StatusCode, Body: strings.TrimSpace(string(body))}
	}

	var envelope searchEnvelope
	if err := json.NewDecoder(resp.Body).Decode(&envelope); err != nil {
		return models.SearchPage{}, fmt.Errorf("decode metadata page: %w", err)
	}
	return models.SearchPage{Total: envelope.Total, Items: envelope.Items}, nil
}
