// Package models defines the shared data shapes exchanged between the
// storage layer, the HTTP API, and the download orchestrator.
package models

import (
	"strings"
	"time"
)

// DefaultMonthlyQuota is the request allowance granted to newly registered
// accounts. A quota of UnlimitedQuota disables enforcement entirely.
const (
	DefaultMonthlyQuota = 5000
	UnlimitedQuota      = -1
)

// CycleLength is the rolling usage window applied to every API key.
const CycleLength = 30 * 24 * time.Hour

// User is an account row in the datastore. The APIKey is the opaque
// credential presented on metadata requests; session tokens are issued
// separately and never stored here.
type User struct {
	ID              string    `json:"id"`
	Email           string    `json:"email"`
	PasswordHash    string    `json:"passwordHash,omitempty"`
	APIKey          string    `json:"apiKey"`
	UsageCount      int       `json:"usageCount"`
	UsageCycleStart time.Time `json:"usageCycleStart"`
	UsageCycleEnd   time.Time `json:"usageCycleEnd"`
	MonthlyQuota    int       `json:"monthlyQuota"`
	CreatedAt       time.Time `json:"createdAt"`
}

// Unlimited reports whether quota enforcement is disabled for the user.
func (u User) Unlimited() bool {
	return u.MonthlyQuota == UnlimitedQuota
}

// MediaType selects between still images and video assets.
type MediaType string

const (
	MediaImages MediaType = "images"
	MediaVideos MediaType = "videos"
)

// ParseMediaType normalises a user-supplied media type string. Anything that
// is not recognisably "videos" falls back to images, matching the permissive
// behaviour of the public API.
func ParseMediaType(value string) MediaType {
	if strings.EqualFold(strings.TrimSpace(value), string(MediaVideos)) {
		return MediaVideos
	}
	return MediaImages
}

// ItemType is the normalised asset kind carried on the wire.
type ItemType string

const (
	ItemImage ItemType = "image"
	ItemVideo ItemType = "video"
)

// NormalizedItem is the provider-independent asset representation returned by
// the metadata endpoints. URL points at the highest-quality direct asset
// link; Preview is a lower-resolution thumbnail.
type NormalizedItem struct {
	ID       string   `json:"id"`
	Type     ItemType `json:"type"`
	Source   string   `json:"source"`
	Width    int      `json:"width"`
	Height   int      `json:"height"`
	URL      string   `json:"url"`
	Preview  string   `json:"preview"`
	Author   string   `json:"author"`
	Alt      string   `json:"alt,omitempty"`
	Duration int      `json:"duration,omitempty"`
}

// SearchPage is one page of provider results after normalisation. Total is
// the provider-reported total match count, not the page size.
type SearchPage struct {
	Total int              `json:"total"`
	Items []NormalizedItem `json:"items"`
}

// Job describes one bulk-download request. It is immutable once a run
// starts.
type Job struct {
	Query       string    `json:"query"`
	MediaType   MediaType `json:"mediaType"`
	TargetCount int       `json:"targetCount"`
}

// ProviderCursor tracks pagination and exhaustion for a single provider
// within a run. Exhausted is monotonic for the lifetime of a job.
type ProviderCursor struct {
	Page       int  `json:"page"`
	PerPage    int  `json:"perPage"`
	Downloaded int  `json:"downloaded"`
	Exhausted  bool `json:"exhausted"`
}

// RunStatus is the orchestrator state machine's externally visible state.
type RunStatus string

const (
	RunRunning RunStatus = "running"
	RunPaused  RunStatus = "paused"
	RunDone    RunStatus = "done"
)

// RunState is the unit of persistence and resumability for a download run.
// Invariant: TotalDownloaded equals the sum of all cursor Downloaded counts.
type RunState struct {
	Status          RunStatus                  `json:"status"`
	Job             Job                        `json:"job"`
	TotalDownloaded int                        `json:"totalDownloaded"`
	ProviderIndex   int                        `json:"providerIndex"`
	Providers       map[string]*ProviderCursor `json:"providers"`
}

// Clone returns a deep copy of the run state so persisted snapshots cannot
// alias the live cursors.
func (s RunState) Clone() RunState {
	copied := s
	copied.Providers = make(map[string]*ProviderCursor, len(s.Providers))
	for name, cursor := range s.Providers {
		if cursor == nil {
			continue
		}
		c := *cursor
		copied.Providers[name] = &c
	}
	return copied
}
