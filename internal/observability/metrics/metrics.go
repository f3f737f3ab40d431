// Package metrics aggregates in-memory counters and gauges for the API
// service and the download orchestrator, exported in Prometheus text format.
package metrics

import (
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

type requestLabel struct {
	method string
	path   string
	status string
}

// ProviderLabel identifies an upstream provider operation outcome.
type ProviderLabel struct {
	Provider string
	Outcome  string
}

// Recorder aggregates metrics for HTTP requests, upstream provider calls,
// quota enforcement, and asset downloads. It coordinates concurrent writers
// via a RWMutex while exposing a thread-safe gauge for active download runs.
type Recorder struct {
	mu               sync.RWMutex
	requestCount     map[requestLabel]uint64
	requestDuration  map[requestLabel]time.Duration
	providerRequests map[ProviderLabel]uint64
	keyRotations     map[string]uint64
	quotaDenials     uint64
	authFailures     map[string]uint64
	downloads        map[ProviderLabel]uint64
	activeRuns       atomic.Int64
}

var defaultRecorder = New()

// New constructs an empty Recorder with initialized backing maps so callers
// can immediately record metrics without additional setup.
func New() *Recorder {
	return &Recorder{
		requestCount:     make(map[requestLabel]uint64),
		requestDuration:  make(map[requestLabel]time.Duration),
		providerRequests: make(map[ProviderLabel]uint64),
		keyRotations:     make(map[string]uint64),
		authFailures:     make(map[string]uint64),
		downloads:        make(map[ProviderLabel]uint64),
	}
}

// Default returns the singleton Recorder shared across packages that do not
// require custom instrumentation pipelines.
func Default() *Recorder {
	return defaultRecorder
}

// ObserveRequest normalizes the request label set and accumulates totals for
// request count and cumulative duration by HTTP method, normalized path, and
// status code.
func (r *Recorder) ObserveRequest(method, path string, status int, duration time.Duration) {
	label := requestLabel{
		method: strings.ToUpper(method),
		path:   normalizePath(path),
		status: fmt.Sprintf("%d", status),
	}
	r.mu.Lock()
	r.requestCount[label]++
	r.requestDuration[label] += duration
	r.mu.Unlock()
}

// ObserveProviderRequest records one upstream metadata fetch keyed by
// provider name and outcome ("ok", "error", "empty").
func (r *Recorder) ObserveProviderRequest(provider, outcome string) {
	label := ProviderLabel{Provider: normalizeName(provider), Outcome: normalizeName(outcome)}
	r.mu.Lock()
	r.providerRequests[label]++
	r.mu.Unlock()
}

// ObserveKeyRotation records an upstream API key rotation triggered by a
// rate-limit or auth rejection from the named provider.
func (r *Recorder) ObserveKeyRotation(provider string) {
	name := normalizeName(provider)
	r.mu.Lock()
	r.keyRotations[name]++
	r.mu.Unlock()
}

// ObserveQuotaDenial records a request rejected by the quota gate.
func (r *Recorder) ObserveQuotaDenial() {
	r.mu.Lock()
	r.quotaDenials++
	r.mu.Unlock()
}

// ObserveAuthFailure records an authentication failure keyed by reason
// ("malformed", "wrong_type", "invalid_key").
func (r *Recorder) ObserveAuthFailure(reason string) {
	name := normalizeName(reason)
	r.mu.Lock()
	r.authFailures[name]++
	r.mu.Unlock()
}

// ObserveDownload records one asset download attempt keyed by provider and
// outcome ("ok", "failed", "timeout", "skipped").
func (r *Recorder) ObserveDownload(provider, outcome string) {
	label := ProviderLabel{Provider: normalizeName(provider), Outcome: normalizeName(outcome)}
	r.mu.Lock()
	r.downloads[label]++
	r.mu.Unlock()
}

// RunStarted increments the active run gauge.
func (r *Recorder) RunStarted() {
	r.activeRuns.Add(1)
}

// RunFinished decrements the active run gauge, guarding against negative
// counts when concurrent updates race.
func (r *Recorder) RunFinished() {
	r.decrementGauge(&r.activeRuns)
}

// ActiveRuns exposes the current gauge of in-flight download runs.
func (r *Recorder) ActiveRuns() int64 {
	return r.activeRuns.Load()
}

// QuotaDenials returns the current quota denial count for tests and reports.
func (r *Recorder) QuotaDenials() uint64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.quotaDenials
}

// DownloadCounts returns a copy of the download counters.
func (r *Recorder) DownloadCounts() map[ProviderLabel]uint64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	counts := make(map[ProviderLabel]uint64, len(r.downloads))
	for k, v := range r.downloads {
		counts[k] = v
	}
	return counts
}

// ProviderRequestCounts returns a copy of the provider request counters.
func (r *Recorder) ProviderRequestCounts() map[ProviderLabel]uint64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	counts := make(map[ProviderLabel]uint64, len(r.providerRequests))
	for k, v := range r.providerRequests {
		counts[k] = v
	}
	return counts
}

// Reset clears all counters and gauges on the recorder. It is intended for
// test setups.
func (r *Recorder) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.requestCount = make(map[requestLabel]uint64)
	r.requestDuration = make(map[requestLabel]time.Duration)
	r.providerRequests = make(map[ProviderLabel]uint64)
	r.keyRotations = make(map[string]uint64)
	r.quotaDenials = 0
	r.authFailures = make(map[string]uint64)
	r.downloads = make(map[ProviderLabel]uint64)
	r.activeRuns.Store(0)
}

// Handler exposes the Recorder as an http.Handler that writes Prometheus text
// exposition data with the appropriate content type.
func (r *Recorder) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain; version=0.0.4")
		r.Write(w)
	})
}

// Write renders the Recorder's metrics in Prometheus text format, sorting
// label sets to provide stable output for scrapes and tests.
func (r *Recorder) Write(w io.Writer) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	requestLabels := r.sortedRequestLabels()
	providerLabels := sortedProviderLabels(r.providerRequests)
	downloadLabels := sortedProviderLabels(r.downloads)
	rotationProviders := sortedKeys(r.keyRotations)
	authReasons := sortedKeys(r.authFailures)

	fmt.Fprintln(w, "# HELP stockflux_http_requests_total Total number of HTTP requests processed by the API")
	fmt.Fprintln(w, "# TYPE stockflux_http_requests_total counter")
	for _, label := range requestLabels {
		fmt.Fprintf(w, "stockflux_http_requests_total{method=%q,path=%q,status=%q} %d\n", label.method, label.path, label.status, r.requestCount[label])
	}

	fmt.Fprintln(w, "# HELP stockflux_http_request_duration_seconds_sum Cumulative duration of HTTP requests in seconds")
	fmt.Fprintln(w, "# TYPE stockflux_http_request_duration_seconds_sum counter")
	for _, label := range requestLabels {
		fmt.Fprintf(w, "stockflux_http_request_duration_seconds_sum{method=%q,path=%q,status=%q} %f\n", label.method, label.path, label.status, r.requestDuration[label].Seconds())
	}

	fmt.Fprintln(w, "# HELP stockflux_http_request_duration_seconds_count Total number of observations for request durations")
	fmt.Fprintln(w, "# TYPE stockflux_http_request_duration_seconds_count counter")
	for _, label := range requestLabels {
		fmt.Fprintf(w, "stockflux_http_request_duration_seconds_count{method=%q,path=%q,status=%q} %d\n", label.method, label.path, label.status, r.requestCount[label])
	}

	fmt.Fprintln(w, "# HELP stockflux_provider_requests_total Upstream provider metadata fetches by provider and outcome")
	fmt.Fprintln(w, "# TYPE stockflux_provider_requests_total counter")
	for _, label := range providerLabels {
		fmt.Fprintf(w, "stockflux_provider_requests_total{provider=%q,outcome=%q} %d\n", label.Provider, label.Outcome, r.providerRequests[label])
	}

	fmt.Fprintln(w, "# HELP stockflux_provider_key_rotations_total Upstream API key rotations by provider")
	fmt.Fprintln(w, "# TYPE stockflux_provider_key_rotations_total counter")
	for _, provider := range rotationProviders {
		fmt.Fprintf(w, "stockflux_provider_key_rotations_total{provider=%q} %d\n", provider, r.keyRotations[provider])
	}

	fmt.Fprintln(w, "# HELP stockflux_quota_denials_total Requests rejected by the quota gate")
	fmt.Fprintln(w, "# TYPE stockflux_quota_denials_total counter")
	fmt.Fprintf(w, "stockflux_quota_denials_total %d\n", r.quotaDenials)

	fmt.Fprintln(w, "# HELP stockflux_auth_failures_total Authentication failures by reason")
	fmt.Fprintln(w, "# TYPE stockflux_auth_failures_total counter")
	for _, reason := range authReasons {
		fmt.Fprintf(w, "stockflux_auth_failures_total{reason=%q} %d\n", reason, r.authFailures[reason])
	}

	fmt.Fprintln(w, "# HELP stockflux_downloads_total Asset download attempts by provider and outcome")
	fmt.Fprintln(w, "# TYPE stockflux_downloads_total counter")
	for _, label := range downloadLabels {
		fmt.Fprintf(w, "stockflux_downloads_total{provider=%q,outcome=%q} %d\n", label.Provider, label.Outcome, r.downloads[label])
	}

	fmt.Fprintln(w, "# HELP stockflux_active_runs Current number of in-flight download runs")
	fmt.Fprintln(w, "# TYPE stockflux_active_runs gauge")
	fmt.Fprintf(w, "stockflux_active_runs %d\n", r.activeRuns.Load())
}

func (r *Recorder) sortedRequestLabels() []requestLabel {
	labels := make([]requestLabel, 0, len(r.requestCount))
	for label := range r.requestCount {
		labels = append(labels, label)
	}
	sort.Slice(labels, func(i, j int) bool {
		if labels[i].method != labels[j].method {
			return labels[i].method < labels[j].method
		}
		if labels[i].path != labels[j].path {
			return labels[i].path < labels[j].path
		}
		return labels[i].status < labels[j].status
	})
	return labels
}

func sortedProviderLabels(counts map[ProviderLabel]uint64) []ProviderLabel {
	labels := make([]ProviderLabel, 0, len(counts))
	for label := range counts {
		labels = append(labels, label)
	}
	sort.Slice(labels, func(i, j int) bool {
		if labels[i].Provider != labels[j].Provider {
			return labels[i].Provider < labels[j].Provider
		}
		return labels[i].Outcome < labels[j].Outcome
	})
	return labels
}

func sortedKeys(counts map[string]uint64) []string {
	keys := make([]string, 0, len(counts))
	for key := range counts {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}

// normalizePath collapses volatile path segments (identifiers, search
// queries) so the label cardinality stays bounded.
func normalizePath(path string) string {
	if path == "" || path == "/" {
		return "/"
	}
	parts := strings.Split(path, "/")
	for i, part := range parts {
		if part == "" {
			continue
		}
		if looksLikeIdentifier(part) {
			parts[i] = ":id"
		}
	}
	normalized := strings.Join(parts, "/")
	if !strings.HasPrefix(normalized, "/") {
		normalized = "/" + normalized
	}
	if strings.HasSuffix(normalized, "/") && len(normalized) > 1 {
		normalized = strings.TrimSuffix(normalized, "/")
	}
	return normalized
}

func looksLikeIdentifier(segment string) bool {
	if len(segment) >= 16 {
		return true
	}
	digitCount := 0
	for _, r := range segment {
		if r >= '0' && r <= '9' {
			digitCount++
		}
	}
	return digitCount >= 3
}

func (r *Recorder) decrementGauge(gauge *atomic.Int64) {
	for {
		current := gauge.Load()
		if current <= 0 {
			return
		}
		if gauge.CompareAndSwap(current, current-1) {
			return
		}
	}
}

func normalizeName(name string) string {
	normalized := strings.ToLower(strings.TrimSpace(name))
	if normalized == "" {
		return "unknown"
	}
	return normalized
}

// ObserveRequest is a helper on the default recorder.
func ObserveRequest(method, path string, status int, duration time.Duration) {
	defaultRecorder.ObserveRequest(method, path, status, duration)
}

// ObserveQuotaDenial increments the quota denial counter on the default recorder.
func ObserveQuotaDenial() {
	defaultRecorder.ObserveQuotaDenial()
}

// ObserveAuthFailure records an auth failure on the default recorder.
func ObserveAuthFailure(reason string) {
	defaultRecorder.ObserveAuthFailure(reason)
}

// Handler exposes the default recorder as an HTTP handler.
func Handler() http.Handler {
	return defaultRecorder.Handler()
}
