package api

import (
	"errors"
	"fmt"
	"math/rand"
	"net/http"
	"strconv"
	"strings"
	"sync"

	"golang.org/x/sync/errgroup"

	"stockflux/internal/models"
	"stockflux/internal/providers"
)

const (
	defaultPerPage = 30
	maxPerPage     = 80
)

type searchQuery struct {
	Query   string
	Page    int
	PerPage int
}

// searchResponse is the wire envelope for metadata results. The shape is
// stable: the bulk-download client decodes it.
type searchResponse struct {
	Provider string                  `json:"provider"`
	Type     string                  `json:"type"`
	Query    string                  `json:"query"`
	Page     int                     `json:"page"`
	PerPage  int                     `json:"perPage"`
	Total    int                     `json:"total"`
	Items    []models.NormalizedItem `json:"items"`
}

func parseSearchQuery(r *http.Request) (searchQuery, error) {
	values := r.URL.Query()
	query := strings.TrimSpace(values.Get("query"))
	if query == "" {
		return searchQuery{}, fmt.Errorf("query parameter is required")
	}

	parsed := searchQuery{Query: query, Page: 1, PerPage: defaultPerPage}
	if raw := values.Get("page"); raw != "" {
		page, err := strconv.Atoi(raw)
		if err != nil || page < 1 {
			return searchQuery{}, fmt.Errorf("invalid page %q", raw)
		}
		parsed.Page = page
	}
	if raw := values.Get("perPage"); raw != "" {
		perPage, err := strconv.Atoi(raw)
		if err != nil || perPage < 1 {
			return searchQuery{}, fmt.Errorf("invalid perPage %q", raw)
		}
		if perPage > maxPerPage {
			perPage = maxPerPage
		}
		parsed.PerPage = perPage
	}
	return parsed, nil
}

// Metadata dispatches /metadata/{provider}/{route} requests. The pseudo
// provider "all" fans the search out across every provider serving the media
// type.
func (h *Handler) Metadata(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", "GET")
		writeError(w, http.StatusMethodNotAllowed, fmt.Errorf("method %s not allowed", r.Method))
		return
	}

	trimmed := strings.TrimPrefix(r.URL.Path, "/metadata/")
	parts := strings.Split(strings.Trim(trimmed, "/"), "/")
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		writeError(w, http.StatusNotFound, fmt.Errorf("unknown metadata path"))
		return
	}
	provider, route := parts[0], parts[1]

	query, err := parseSearchQuery(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	if provider == "all" {
		h.searchAll(w, r, route, query)
		return
	}

	page, err := h.Providers.SearchRoute(r.Context(), provider, route, query.Query, query.Page, query.PerPage)
	if err != nil {
		writeSearchError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, searchResponse{
		Provider: provider,
		Type:     route,
		Query:    query.Query,
		Page:     query.Page,
		PerPage:  query.PerPage,
		Total:    page.Total,
		Items:    page.Items,
	})
}

// searchAll queries every provider serving the media type concurrently and
// interleaves the results. Provider failures degrade the response rather
// than failing it, unless every provider fails.
func (h *Handler) searchAll(w http.ResponseWriter, r *http.Request, route string, query searchQuery) {
	if route != string(models.MediaImages) && route != string(models.MediaVideos) {
		writeError(w, http.StatusNotFound, fmt.Errorf("unknown metadata path"))
		return
	}
	media := models.ParseMediaType(route)

	supporting := h.Providers.Supporting(media)
	if len(supporting) == 0 {
		writeError(w, http.StatusNotFound, fmt.Errorf("no providers serve %s", media))
		return
	}

	var (
		mu       sync.Mutex
		total    int
		items    []models.NormalizedItem
		failures int
		lastErr  error
	)
	group, ctx := errgroup.WithContext(r.Context())
	for _, provider := range supporting {
		provider := provider
		group.Go(func() error {
			page, err := provider.Search(ctx, provider.RouteForMedia(media), query.Query, query.Page, query.PerPage)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				failures++
				lastErr = err
				h.logger().Warn("provider search failed", "provider", provider.Name(), "error", err)
				return nil
			}
			total += page.Total
			items = append(items, page.Items...)
			return nil
		})
	}
	_ = group.Wait()

	if failures == len(supporting) {
		writeSearchError(w, lastErr)
		return
	}

	rand.Shuffle(len(items), func(i, j int) {
		items[i], items[j] = items[j], items[i]
	})
	writeJSON(w, http.StatusOK, searchResponse{
		Provider: "all",
		Type:     route,
		Query:    query.Query,
		Page:     query.Page,
		PerPage:  query.PerPage,
		Total:    total,
		Items:    items,
	})
}

func writeSearchError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, providers.ErrUnknownProvider), errors.Is(err, providers.ErrUnsupportedRoute):
		writeError(w, http.StatusNotFound, err)
	case errors.Is(err, providers.ErrKeysExhausted):
		writeError(w, http.StatusBadGateway, err)
	default:
		var upstream *providers.UpstreamError
		if errors.As(err, &upstream) {
			writeError(w, http.StatusBadGateway, err)
			return
		}
		writeError(w, http.StatusInternalServerError, err)
	}
}
