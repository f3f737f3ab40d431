// Package download saves normalised media assets to the local filesystem,
// with bounded retries and a hard per-asset timeout.
package download

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"
	"unicode"

	"golang.org/x/text/unicode/norm"

	"stockflux/internal/models"
	"stockflux/internal/observability/metrics"
)

const (
	// DefaultTimeout is the per-asset download deadline. A download that
	// exceeds it is abandoned and counted as handled, so one slow asset
	// cannot stall a whole run.
	DefaultTimeout = 12 * time.Second
	// DefaultRetries is the number of re-attempts after a failed transfer.
	DefaultRetries = 2
	// DefaultBackoff is the pause between retry attempts.
	DefaultBackoff = 500 * time.Millisecond

	maxFilenameLength = 100
)

var ErrNoAssetURL = errors.New("item has no asset url")

type httpDoer interface {
	Do(req *http.Request) (*http.Response, error)
}

// Config tunes a Downloader. Zero values fall back to the defaults above.
type Config struct {
	DestDir string
	Client  httpDoer
	Timeout time.Duration
	Retries int
	Backoff time.Duration
	Logger  *slog.Logger
	Metrics *metrics.Recorder
}

// Downloader fetches assets into DestDir/<query>/<provider>/ with collision-
// safe filenames.
type Downloader struct {
	destDir string
	client  httpDoer
	timeout time.Duration
	retries int
	backoff time.Duration
	logger  *slog.Logger
	metrics *metrics.Recorder
}

// New constructs a Downloader from the provided configuration.
func New(cfg Config) *Downloader {
	client := cfg.Client
	if client == nil {
		client = &http.Client{}
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	retries := cfg.Retries
	if retries == 0 {
		retries = DefaultRetries
	} else if retries < 0 {
		retries = 0
	}
	backoff := cfg.Backoff
	if backoff <= 0 {
		backoff = DefaultBackoff
	}
	return &Downloader{
		destDir: cfg.DestDir,
		client:  client,
		timeout: timeout,
		retries: retries,
		backoff: backoff,
		logger:  cfg.Logger,
		metrics: cfg.Metrics,
	}
}

// Fetch downloads one asset for the given query. It returns nil both on a
// completed transfer and on a per-asset timeout: a timed-out asset is treated
// as handled so the caller keeps making progress. A non-nil error means the
// asset failed after all retries and should not be counted.
func (d *Downloader) Fetch(ctx context.Context, query string, item models.NormalizedItem) error {
	if strings.TrimSpace(item.URL) == "" {
		d.observe(item.Source, "skipped")
		return ErrNoAssetURL
	}

	var lastErr error
	for attempt := 0; attempt <= d.retries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(d.backoff):
			}
		}

		err := d.fetchOnce(ctx, query, item)
		if err == nil {
			d.observe(item.Source, "ok")
			return nil
		}
		if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
			// Per-asset deadline, not a caller cancellation.
			if d.logger != nil {
				d.logger.Warn("download timed out", "provider", item.Source, "item", item.ID)
			}
			d.observe(item.Source, "timeout")
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		lastErr = err
		if d.logger != nil {
			d.logger.Warn("download attempt failed", "provider", item.Source, "item", item.ID, "attempt", attempt+1, "error", err)
		}
	}

	d.observe(item.Source, "failed")
	return fmt.Errorf("download %s/%s: %w", item.Source, item.ID, lastErr)
}

func (d *Downloader) fetchOnce(ctx context.Context, query string, item models.NormalizedItem) error {
	attemptCtx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(attemptCtx, http.MethodGet, item.URL, nil)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	res, err := d.client.Do(req)
	if err != nil {
		return err
	}
	defer func() {
		_, _ = io.Copy(io.Discard, res.Body)
		_ = res.Body.Close()
	}()
	if res.StatusCode != http.StatusOK {
		return fmt.Errorf("unexpected status %d", res.StatusCode)
	}

	dir := filepath.Join(d.destDir, SanitizeName(query), SanitizeName(item.Source))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create asset dir: %w", err)
	}

	filename := SanitizeName(item.Source+"_"+item.ID) + extensionFor(item)
	target, err := uniquePath(dir, filename)
	if err != nil {
		return err
	}

	tmp, err := os.CreateTemp(dir, ".partial-*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpPath := tmp.Name()
	success := false
	defer func() {
		if !success {
			_ = tmp.Close()
			_ = os.Remove(tmpPath)
		}
	}()

	if _, err := io.Copy(tmp, res.Body); err != nil {
		return fmt.Errorf("write asset: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close asset file: %w", err)
	}
	if err := os.Rename(tmpPath, target); err != nil {
		return fmt.Errorf("place asset file: %w", err)
	}
	success = true
	return nil
}

func (d *Downloader) observe(provider, outcome string) {
	if d.metrics != nil {
		d.metrics.ObserveDownload(provider, outcome)
	}
}

// SanitizeName normalises a string into a filesystem-safe path segment.
// Unicode is NFC-normalised first so visually identical queries map to the
// same directory.
func SanitizeName(name string) string {
	normalized := norm.NFC.String(strings.TrimSpace(name))
	var b strings.Builder
	for _, r := range normalized {
		switch {
		case r == '/' || r == '\\' || r == ':' || r == '*' || r == '?' || r == '"' || r == '<' || r == '>' || r == '|':
			b.WriteRune('_')
		case unicode.IsControl(r):
			b.WriteRune('_')
		case unicode.IsSpace(r):
			b.WriteRune(' ')
		default:
			b.WriteRune(r)
		}
	}
	cleaned := strings.Join(strings.Fields(b.String()), " ")
	cleaned = strings.Trim(cleaned, ". ")
	if len(cleaned) > maxFilenameLength {
		cleaned = strings.TrimRight(cleaned[:maxFilenameLength], ". ")
	}
	if cleaned == "" {
		return "download"
	}
	return cleaned
}

// uniquePath returns dir/filename, appending " (n)" before the extension
// until the name is free.
func uniquePath(dir, filename string) (string, error) {
	ext := path.Ext(filename)
	base := strings.TrimSuffix(filename, ext)
	candidate := filepath.Join(dir, filename)
	for n := 1; ; n++ {
		_, err := os.Stat(candidate)
		if errors.Is(err, os.ErrNotExist) {
			return candidate, nil
		}
		if err != nil {
			return "", fmt.Errorf("stat %s: %w", candidate, err)
		}
		candidate = filepath.Join(dir, fmt.Sprintf("%s (%d)%s", base, n, ext))
	}
}

func extensionFor(item models.NormalizedItem) string {
	if parsed, err := url.Parse(item.URL); err == nil {
		if ext := path.Ext(parsed.Path); ext != "" && len(ext) <= 5 {
			return strings.ToLower(ext)
		}
	}
	if item.Type == models.ItemVideo {
		return ".mp4"
	}
	return ".jpg"
}
