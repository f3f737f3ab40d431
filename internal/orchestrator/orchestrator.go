// Package orchestrator drives resumable bulk downloads. A single logical
// worker pages through the provider rotation, downloading assets until the
// target count is reached, every provider is exhausted, or progress stalls.
//
// Cancellation is cooperative: every control transition that starts or kills
// a loop bumps a monotonically increasing run identity, and the loop
// re-checks its captured identity at every suspension point. A superseded
// loop is never forcibly stopped; it free-runs until its next check and then
// terminates silently, without mutating state or emitting events.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"stockflux/internal/jobstore"
	"stockflux/internal/models"
	"stockflux/internal/observability/logging"
	"stockflux/internal/observability/metrics"
)

// Completion reasons reported on Done events.
const (
	ReasonTargetReached = "target reached"
	ReasonExhausted     = "all providers exhausted"
	ReasonNoMoreContent = "no more content"
)

const (
	defaultItemDelay        = 150 * time.Millisecond
	defaultRoundDelay       = 200 * time.Millisecond
	defaultStagnationRounds = 5
)

var (
	ErrNoJob          = errors.New("no job")
	ErrNotRunning     = errors.New("no running job")
	ErrAlreadyRunning = errors.New("job already running")
)

// PageFetcher retrieves one page of normalized metadata from a provider.
type PageFetcher interface {
	FetchPage(ctx context.Context, provider string, media models.MediaType, query string, page, perPage int) (models.SearchPage, error)
}

// AssetDownloader saves a single asset to local storage.
type AssetDownloader interface {
	Fetch(ctx context.Context, query string, item models.NormalizedItem) error
}

// Config assembles an Orchestrator. Fetcher and Downloader are required;
// everything else has working defaults.
type Config struct {
	Fetcher          PageFetcher
	Downloader       AssetDownloader
	Store            jobstore.Store
	Providers        []ProviderSpec
	Logger           *slog.Logger
	Metrics          *metrics.Recorder
	ItemDelay        time.Duration
	RoundDelay       time.Duration
	StagnationRounds int
}

// Orchestrator owns at most one live run at a time. Control methods are safe
// for concurrent use.
type Orchestrator struct {
	fetcher          PageFetcher
	downloader       AssetDownloader
	store            jobstore.Store
	providers        []ProviderSpec
	logger           *slog.Logger
	metrics          *metrics.Recorder
	itemDelay        time.Duration
	roundDelay       time.Duration
	stagnationRounds int

	runID atomic.Int64

	mu    sync.Mutex
	state *models.RunState

	subsMu  sync.Mutex
	subs    map[int]chan Event
	nextSub int
}

// New validates the configuration and returns a ready orchestrator.
func New(cfg Config) (*Orchestrator, error) {
	if cfg.Fetcher == nil {
		return nil, fmt.Errorf("orchestrator: fetcher is required")
	}
	if cfg.Downloader == nil {
		return nil, fmt.Errorf("orchestrator: downloader is required")
	}
	if cfg.Store == nil {
		cfg.Store = jobstore.NewMemoryStore()
	}
	if len(cfg.Providers) == 0 {
		cfg.Providers = DefaultSpecs()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Metrics == nil {
		cfg.Metrics = metrics.Default()
	}
	if cfg.ItemDelay == 0 {
		cfg.ItemDelay = defaultItemDelay
	} else if cfg.ItemDelay < 0 {
		cfg.ItemDelay = 0
	}
	if cfg.RoundDelay == 0 {
		cfg.RoundDelay = defaultRoundDelay
	} else if cfg.RoundDelay < 0 {
		cfg.RoundDelay = 0
	}
	if cfg.StagnationRounds <= 0 {
		cfg.StagnationRounds = defaultStagnationRounds
	}
	return &Orchestrator{
		fetcher:          cfg.Fetcher,
		downloader:       cfg.Downloader,
		store:            cfg.Store,
		providers:        cfg.Providers,
		logger:           cfg.Logger.With("component", "orchestrator"),
		metrics:          cfg.Metrics,
		itemDelay:        cfg.ItemDelay,
		roundDelay:       cfg.RoundDelay,
		stagnationRounds: cfg.StagnationRounds,
		subs:             make(map[int]chan Event),
	}, nil
}

// Start begins a fresh run for the job, superseding any run in flight. The
// returned snapshot is the initial persisted state.
func (o *Orchestrator) Start(ctx context.Context, job models.Job) (models.RunState, error) {
	job.Query = strings.TrimSpace(job.Query)
	if job.Query == "" {
		return models.RunState{}, fmt.Errorf("start: query is required")
	}
	if job.TargetCount < 1 {
		return models.RunState{}, fmt.Errorf("start: target count must be positive")
	}
	job.MediaType = models.ParseMediaType(string(job.MediaType))

	state := models.RunState{
		Status:    models.RunRunning,
		Job:       job,
		Providers: make(map[string]*models.ProviderCursor),
	}
	for _, spec := range o.providers {
		if !spec.Supports(job.MediaType) {
			continue
		}
		state.Providers[spec.Name] = &models.ProviderCursor{Page: 1, PerPage: spec.PerPage(job.MediaType)}
	}
	if len(state.Providers) == 0 {
		return models.RunState{}, fmt.Errorf("start: no provider serves %s", job.MediaType)
	}

	id := o.runID.Add(1)
	o.mu.Lock()
	o.state = &state
	snapshot := state.Clone()
	o.mu.Unlock()

	if err := o.store.Save(ctx, snapshot); err != nil {
		return models.RunState{}, fmt.Errorf("start: persist initial state: %w", err)
	}
	o.publish(Event{Type: EventRunning, Snapshot: &snapshot})

	go o.run(id)
	return snapshot, nil
}

// Pause asks the live run to stop at its next checkpoint. The run identity
// stays valid so the same logical run can resume; state is persisted
// immediately so a crash during the pause loses nothing.
func (o *Orchestrator) Pause(ctx context.Context) error {
	o.mu.Lock()
	if o.state == nil || o.state.Status != models.RunRunning {
		o.mu.Unlock()
		return ErrNotRunning
	}
	o.state.Status = models.RunPaused
	snapshot := o.state.Clone()
	o.mu.Unlock()

	if err := o.store.Save(ctx, snapshot); err != nil {
		return fmt.Errorf("pause: persist state: %w", err)
	}
	o.publish(Event{Type: EventPaused, Downloaded: snapshot.TotalDownloaded, Target: snapshot.Job.TargetCount})
	return nil
}

// Resume restarts the loop from the persisted cursors under a new run
// identity, so any stray iteration from before the pause observes a
// mismatch and halts. It also rehydrates a run after a process restart.
func (o *Orchestrator) Resume(ctx context.Context) (models.RunState, error) {
	stored, err := o.store.Load(ctx)
	if errors.Is(err, jobstore.ErrNoState) {
		return models.RunState{}, ErrNoJob
	} else if err != nil {
		return models.RunState{}, fmt.Errorf("resume: load state: %w", err)
	}
	if stored.Status == models.RunDone {
		return models.RunState{}, ErrNoJob
	}
	if stored.Status == models.RunRunning {
		// A stored running status with no live loop means the process died
		// mid-run; resuming rehydrates from the persisted cursors. With a
		// live loop it is a double resume.
		o.mu.Lock()
		liveLoop := o.state != nil
		o.mu.Unlock()
		if liveLoop {
			return models.RunState{}, ErrAlreadyRunning
		}
	}
	stored.Status = models.RunRunning

	id := o.runID.Add(1)
	o.mu.Lock()
	o.state = &stored
	snapshot := stored.Clone()
	o.mu.Unlock()

	if err := o.store.Save(ctx, snapshot); err != nil {
		return models.RunState{}, fmt.Errorf("resume: persist state: %w", err)
	}
	o.publish(Event{Type: EventRunning, Snapshot: &snapshot})

	go o.run(id)
	return snapshot, nil
}

// Stop invalidates any in-flight loop and discards all persisted state. From
// the caller's perspective the job ceases to exist, so no completion event is
// emitted. Stopping when nothing is running is not an error.
func (o *Orchestrator) Stop(ctx context.Context) error {
	o.runID.Add(1)

	o.mu.Lock()
	o.state = nil
	o.mu.Unlock()

	if err := o.store.Clear(ctx); err != nil {
		return fmt.Errorf("stop: clear state: %w", err)
	}
	return nil
}

// Get is a pure read of the job store. It works with no loop active, so a
// controller can rehydrate after a process restart.
func (o *Orchestrator) Get(ctx context.Context) (models.RunState, bool, error) {
	state, err := o.store.Load(ctx)
	if errors.Is(err, jobstore.ErrNoState) {
		return models.RunState{}, false, nil
	} else if err != nil {
		return models.RunState{}, false, err
	}
	return state, true, nil
}

// Close invalidates any live loop without touching persisted state. Used on
// process shutdown; the run can be resumed later.
func (o *Orchestrator) Close() {
	o.runID.Add(1)
}

// run is the main loop. One round is a full pass over the provider rotation;
// round N's persistence completes before round N+1 begins.
func (o *Orchestrator) run(id int64) {
	ctx := logging.ContextWithRunID(context.Background(), id)
	logger := o.logger.With("run_id", id)

	o.metrics.RunStarted()
	defer o.metrics.RunFinished()
	logger.Info("run loop started")

	stagnant := 0
	for {
		if !o.checkpoint(ctx, id, logger) {
			return
		}
		downloads := o.round(ctx, id, logger)
		if !o.checkpoint(ctx, id, logger) {
			return
		}
		o.persistLive(ctx, id, logger)

		if downloads == 0 {
			stagnant++
		} else {
			stagnant = 0
		}
		switch {
		case o.targetReached(id):
			o.finish(ctx, id, ReasonTargetReached, logger)
			return
		case o.allExhausted(id):
			o.finish(ctx, id, ReasonExhausted, logger)
			return
		case stagnant >= o.stagnationRounds:
			logger.Warn("run stalled", "rounds", stagnant)
			o.finish(ctx, id, ReasonNoMoreContent, logger)
			return
		}
		time.Sleep(o.roundDelay)
	}
}

// round performs one pass over the rotation and reports how many downloads
// succeeded.
func (o *Orchestrator) round(ctx context.Context, id int64, logger *slog.Logger) int {
	job, start, ok := o.jobSnapshot(id)
	if !ok {
		return 0
	}

	downloads := 0
	for i := 0; i < len(o.providers); i++ {
		if !o.live(id) {
			return downloads
		}
		idx := (start + i) % len(o.providers)
		spec := o.providers[idx]
		next := (idx + 1) % len(o.providers)

		if !spec.Supports(job.MediaType) {
			o.setRotation(id, next)
			continue
		}
		cursor, ok := o.cursorSnapshot(id, spec.Name)
		if !ok || cursor.Exhausted {
			o.setRotation(id, next)
			continue
		}
		if spec.MaxPages > 0 && cursor.Page > spec.MaxPages {
			o.markExhausted(id, spec.Name, "page ceiling", logger)
			o.setRotation(id, next)
			continue
		}
		if spec.MaxItems > 0 && cursor.Downloaded >= spec.MaxItems {
			o.markExhausted(id, spec.Name, "item ceiling", logger)
			o.setRotation(id, next)
			continue
		}

		page, err := o.fetcher.FetchPage(ctx, spec.Name, job.MediaType, job.Query, cursor.Page, cursor.PerPage)
		if err != nil {
			// Transient: rotation advances, the cursor stays fetchable.
			logger.Warn("metadata fetch failed", "provider", spec.Name, "page", cursor.Page, "error", err)
			o.setRotation(id, next)
			continue
		}
		if len(page.Items) == 0 {
			o.markExhausted(id, spec.Name, "no more results", logger)
			o.setRotation(id, next)
			continue
		}

		downloads += o.downloadItems(ctx, id, spec.Name, job, page.Items, logger)
		// The page cursor moves as soon as the page has been fetched. An
		// early exit from the item loop skips the rest of the page; a resume
		// must not re-download items that were already counted.
		o.advancePage(id, spec.Name)
		o.setRotation(id, next)
	}
	return downloads
}

// downloadItems walks one page of results and reports how many downloads
// succeeded. It stops early if the run identity goes stale, the status
// leaves running, or the target is reached.
func (o *Orchestrator) downloadItems(ctx context.Context, id int64, provider string, job models.Job, items []models.NormalizedItem, logger *slog.Logger) (succeeded int) {
	for _, item := range items {
		if !o.live(id) || o.targetReached(id) {
			return succeeded
		}
		if item.URL == "" {
			logger.Debug("skipping item without asset url", "provider", provider, "item", item.ID)
			continue
		}
		if err := o.downloader.Fetch(ctx, job.Query, item); err != nil {
			// Bounded retry already happened inside the downloader; the
			// item is skipped and never retried within this job.
			logger.Warn("download failed", "provider", provider, "item", item.ID, "error", err)
		} else if o.recordDownload(id, provider) {
			succeeded++
		}
		time.Sleep(o.itemDelay)
	}
	return succeeded
}

// live reports whether the captured identity still owns an active running
// state.
func (o *Orchestrator) live(id int64) bool {
	if o.runID.Load() != id {
		return false
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.state != nil && o.state.Status == models.RunRunning
}

// checkpoint is the loop-level stale check. When the run was paused while
// the identity is still valid, the live counters are persisted once more so
// a resume continues from the exact stopping point.
func (o *Orchestrator) checkpoint(ctx context.Context, id int64, logger *slog.Logger) bool {
	o.mu.Lock()
	if o.runID.Load() != id || o.state == nil {
		o.mu.Unlock()
		return false
	}
	if o.state.Status == models.RunRunning {
		o.mu.Unlock()
		return true
	}
	snapshot := o.state.Clone()
	o.mu.Unlock()

	if err := o.store.Save(ctx, snapshot); err != nil {
		logger.Error("persist paused state failed", "error", err)
	}
	logger.Info("run loop suspended", "status", snapshot.Status)
	return false
}

func (o *Orchestrator) jobSnapshot(id int64) (models.Job, int, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.runID.Load() != id || o.state == nil {
		return models.Job{}, 0, false
	}
	return o.state.Job, o.state.ProviderIndex % len(o.providers), true
}

func (o *Orchestrator) cursorSnapshot(id int64, provider string) (models.ProviderCursor, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.runID.Load() != id || o.state == nil {
		return models.ProviderCursor{}, false
	}
	cursor, ok := o.state.Providers[provider]
	if !ok {
		return models.ProviderCursor{}, false
	}
	return *cursor, true
}

func (o *Orchestrator) setRotation(id int64, index int) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.runID.Load() != id || o.state == nil {
		return
	}
	o.state.ProviderIndex = index
}

func (o *Orchestrator) markExhausted(id int64, provider, reason string, logger *slog.Logger) {
	o.mu.Lock()
	if o.runID.Load() != id || o.state == nil {
		o.mu.Unlock()
		return
	}
	cursor, ok := o.state.Providers[provider]
	if !ok || cursor.Exhausted {
		o.mu.Unlock()
		return
	}
	cursor.Exhausted = true
	o.mu.Unlock()
	logger.Info("provider exhausted", "provider", provider, "reason", reason)
}

func (o *Orchestrator) advancePage(id int64, provider string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.runID.Load() != id || o.state == nil {
		return
	}
	if cursor, ok := o.state.Providers[provider]; ok {
		cursor.Page++
	}
}

// recordDownload applies one successful download to the live counters and
// emits a progress event. The identity check and the increment share the
// lock, so a download completing after a STOP or RESUME can never leak into
// the superseding run's totals.
func (o *Orchestrator) recordDownload(id int64, provider string) bool {
	o.mu.Lock()
	if o.runID.Load() != id || o.state == nil {
		o.mu.Unlock()
		return false
	}
	cursor, ok := o.state.Providers[provider]
	if !ok {
		o.mu.Unlock()
		return false
	}
	cursor.Downloaded++
	o.state.TotalDownloaded++

	event := Event{
		Type:       EventProgress,
		Downloaded: o.state.TotalDownloaded,
		Target:     o.state.Job.TargetCount,
		Providers:  make(map[string]int, len(o.state.Providers)),
	}
	for name, c := range o.state.Providers {
		event.Providers[name] = c.Downloaded
	}
	o.mu.Unlock()

	o.publish(event)
	return true
}

func (o *Orchestrator) targetReached(id int64) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.runID.Load() != id || o.state == nil {
		return false
	}
	return o.state.TotalDownloaded >= o.state.Job.TargetCount
}

func (o *Orchestrator) allExhausted(id int64) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.runID.Load() != id || o.state == nil {
		return false
	}
	for _, cursor := range o.state.Providers {
		if !cursor.Exhausted {
			return false
		}
	}
	return true
}

func (o *Orchestrator) persistLive(ctx context.Context, id int64, logger *slog.Logger) {
	o.mu.Lock()
	if o.runID.Load() != id || o.state == nil {
		o.mu.Unlock()
		return
	}
	snapshot := o.state.Clone()
	o.mu.Unlock()

	if err := o.store.Save(ctx, snapshot); err != nil {
		logger.Error("persist run state failed", "error", err)
	}
}

// finish transitions the run to done, persists the final state, and emits
// the completion notification.
func (o *Orchestrator) finish(ctx context.Context, id int64, reason string, logger *slog.Logger) {
	o.mu.Lock()
	if o.runID.Load() != id || o.state == nil {
		o.mu.Unlock()
		return
	}
	o.state.Status = models.RunDone
	snapshot := o.state.Clone()
	o.mu.Unlock()

	if err := o.store.Save(ctx, snapshot); err != nil {
		logger.Error("persist final state failed", "error", err)
	}
	logger.Info("run finished", "reason", reason, "downloaded", snapshot.TotalDownloaded, "target", snapshot.Job.TargetCount)
	o.publish(Event{Type: EventDone, Reason: reason, Downloaded: snapshot.TotalDownloaded, Target: snapshot.Job.TargetCount})
}
