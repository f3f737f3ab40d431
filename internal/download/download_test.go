package download

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"stockflux/internal/models"
	"stockflux/internal/observability/metrics"
)

func TestSanitizeName(t *testing.T) {
	cases := []struct {
		in   string
		want string
	}{
		{"mountain lake", "mountain lake"},
		{"  padded  ", "padded"},
		{"a/b\\c:d*e", "a_b_c_d_e"},
		{"q?u\"o<t>e|s", "q_u_o_t_e_s"},
		{"trailing dots...", "trailing dots"},
		{"", "download"},
		{"   ", "download"},
		{"multi\t\nspace", "multi space"},
	}
	for _, tc := range cases {
		if got := SanitizeName(tc.in); got != tc.want {
			t.Errorf("SanitizeName(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}

func TestSanitizeNameTruncatesLongInput(t *testing.T) {
	long := ""
	for i := 0; i < 40; i++ {
		long += "abcdefgh"
	}
	got := SanitizeName(long)
	if len(got) > maxFilenameLength {
		t.Fatalf("expected at most %d chars, got %d", maxFilenameLength, len(got))
	}
}

func TestFetchSavesAssetUnderQueryAndProvider(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("image-bytes"))
	}))
	defer upstream.Close()

	dest := t.TempDir()
	recorder := metrics.New()
	dl := New(Config{DestDir: dest, Metrics: recorder})

	item := models.NormalizedItem{
		ID:     "42",
		Type:   models.ItemImage,
		Source: "pexels",
		URL:    upstream.URL + "/photo.jpeg",
	}
	if err := dl.Fetch(context.Background(), "mountain lake", item); err != nil {
		t.Fatalf("fetch: %v", err)
	}

	saved := filepath.Join(dest, "mountain lake", "pexels", "pexels_42.jpeg")
	data, err := os.ReadFile(saved)
	if err != nil {
		t.Fatalf("read saved asset: %v", err)
	}
	if string(data) != "image-bytes" {
		t.Fatalf("unexpected content %q", data)
	}

	counts := recorder.DownloadCounts()
	if counts[metrics.ProviderLabel{Provider: "pexels", Outcome: "ok"}] != 1 {
		t.Fatalf("expected ok download recorded, got %v", counts)
	}
}

func TestFetchUniquifiesCollidingNames(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("bytes"))
	}))
	defer upstream.Close()

	dest := t.TempDir()
	dl := New(Config{DestDir: dest})
	item := models.NormalizedItem{ID: "7", Type: models.ItemImage, Source: "pixabay", URL: upstream.URL + "/img.png"}

	for i := 0; i < 3; i++ {
		if err := dl.Fetch(context.Background(), "cats", item); err != nil {
			t.Fatalf("fetch %d: %v", i, err)
		}
	}

	dir := filepath.Join(dest, "cats", "pixabay")
	for _, name := range []string{"pixabay_7.png", "pixabay_7 (1).png", "pixabay_7 (2).png"} {
		if _, err := os.Stat(filepath.Join(dir, name)); err != nil {
			t.Fatalf("expected %s to exist: %v", name, err)
		}
	}
}

func TestFetchRetriesTransientFailures(t *testing.T) {
	var calls atomic.Int64
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		_, _ = w.Write([]byte("bytes"))
	}))
	defer upstream.Close()

	dl := New(Config{DestDir: t.TempDir(), Backoff: time.Millisecond})
	item := models.NormalizedItem{ID: "1", Source: "pexels", URL: upstream.URL + "/a.jpg"}
	if err := dl.Fetch(context.Background(), "q", item); err != nil {
		t.Fatalf("expected success on third attempt, got %v", err)
	}
	if calls.Load() != 3 {
		t.Fatalf("expected 3 attempts, got %d", calls.Load())
	}
}

func TestFetchFailsAfterRetriesExhausted(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer upstream.Close()

	recorder := metrics.New()
	dl := New(Config{DestDir: t.TempDir(), Backoff: time.Millisecond, Metrics: recorder})
	item := models.NormalizedItem{ID: "1", Source: "pexels", URL: upstream.URL + "/a.jpg"}
	if err := dl.Fetch(context.Background(), "q", item); err == nil {
		t.Fatal("expected failure after retries")
	}
	counts := recorder.DownloadCounts()
	if counts[metrics.ProviderLabel{Provider: "pexels", Outcome: "failed"}] != 1 {
		t.Fatalf("expected failed download recorded, got %v", counts)
	}
}

func TestFetchTimeoutCountsAsHandled(t *testing.T) {
	release := make(chan struct{})
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-release
	}))
	defer upstream.Close()
	defer close(release)

	recorder := metrics.New()
	dl := New(Config{DestDir: t.TempDir(), Timeout: 50 * time.Millisecond, Metrics: recorder})
	item := models.NormalizedItem{ID: "1", Source: "unsplash", URL: upstream.URL + "/slow.jpg"}
	if err := dl.Fetch(context.Background(), "q", item); err != nil {
		t.Fatalf("timeout must be treated as handled, got %v", err)
	}
	counts := recorder.DownloadCounts()
	if counts[metrics.ProviderLabel{Provider: "unsplash", Outcome: "timeout"}] != 1 {
		t.Fatalf("expected timeout recorded, got %v", counts)
	}
}

func TestFetchRespectsCallerCancellation(t *testing.T) {
	release := make(chan struct{})
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-release
	}))
	defer upstream.Close()
	defer close(release)

	dl := New(Config{DestDir: t.TempDir()})
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	item := models.NormalizedItem{ID: "1", Source: "pexels", URL: upstream.URL + "/a.jpg"}
	err := dl.Fetch(ctx, "q", item)
	if err == nil {
		t.Fatal("expected cancellation error")
	}
}

func TestFetchRejectsMissingURL(t *testing.T) {
	dl := New(Config{DestDir: t.TempDir()})
	err := dl.Fetch(context.Background(), "q", models.NormalizedItem{ID: "1", Source: "pexels"})
	if err == nil {
		t.Fatal("expected ErrNoAssetURL")
	}
}
