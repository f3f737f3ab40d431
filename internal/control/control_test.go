package control

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"stockflux/internal/models"
	"stockflux/internal/observability/metrics"
	"stockflux/internal/orchestrator"
)

type onePageFetcher struct{}

func (onePageFetcher) FetchPage(ctx context.Context, provider string, media models.MediaType, query string, page, perPage int) (models.SearchPage, error) {
	if page > 1 {
		return models.SearchPage{}, nil
	}
	return models.SearchPage{
		Total: 1,
		Items: []models.NormalizedItem{{
			ID:     "item-1",
			Type:   models.ItemImage,
			Source: provider,
			URL:    "https://cdn.example.com/item-1.jpg",
		}},
	}, nil
}

type noopDownloader struct{}

func (noopDownloader) Fetch(ctx context.Context, query string, item models.NormalizedItem) error {
	return nil
}

func newTestHandler(t *testing.T) *Handler {
	t.Helper()
	orch, err := orchestrator.New(orchestrator.Config{
		Fetcher:    onePageFetcher{},
		Downloader: noopDownloader{},
		Providers:  []orchestrator.ProviderSpec{{Name: "pexels", Images: true, ImagesPerPage: 10}},
		Logger:     slog.New(slog.NewTextHandler(io.Discard, nil)),
		Metrics:    metrics.New(),
		ItemDelay:  -1,
		RoundDelay: -1,
	})
	if err != nil {
		t.Fatalf("new orchestrator: %v", err)
	}
	t.Cleanup(orch.Close)
	return NewHandler(orch, slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func sendCommand(t *testing.T, handler *Handler, cmd Command) (int, Ack) {
	t.Helper()
	body, err := json.Marshal(cmd)
	if err != nil {
		t.Fatalf("encode command: %v", err)
	}
	req := httptest.NewRequest(http.MethodPost, "/control", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	handler.Control(rec, req)

	var ack Ack
	if err := json.Unmarshal(rec.Body.Bytes(), &ack); err != nil {
		t.Fatalf("decode ack: %v", err)
	}
	return rec.Code, ack
}

func TestGetJobWithoutRunReturnsNullSnapshot(t *testing.T) {
	handler := newTestHandler(t)
	code, ack := sendCommand(t, handler, Command{Type: CommandGet})
	if code != http.StatusOK || !ack.OK {
		t.Fatalf("unexpected ack: code=%d %+v", code, ack)
	}
	if ack.Snapshot != nil {
		t.Fatalf("expected null snapshot, got %+v", ack.Snapshot)
	}
}

func TestStartRequiresJob(t *testing.T) {
	handler := newTestHandler(t)
	code, ack := sendCommand(t, handler, Command{Type: CommandStart})
	if code != http.StatusBadRequest || ack.OK {
		t.Fatalf("expected 400, got code=%d %+v", code, ack)
	}
}

func TestUnknownCommandRejected(t *testing.T) {
	handler := newTestHandler(t)
	code, _ := sendCommand(t, handler, Command{Type: "DELETE_EVERYTHING"})
	if code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", code)
	}
}

func TestPauseWithoutRunConflicts(t *testing.T) {
	handler := newTestHandler(t)
	code, ack := sendCommand(t, handler, Command{Type: CommandPause})
	if code != http.StatusConflict || ack.OK {
		t.Fatalf("expected 409, got code=%d %+v", code, ack)
	}
}

func TestStartStopLifecycle(t *testing.T) {
	handler := newTestHandler(t)

	job := models.Job{Query: "cats", MediaType: models.MediaImages, TargetCount: 1}
	code, ack := sendCommand(t, handler, Command{Type: CommandStart, Job: &job})
	if code != http.StatusOK || !ack.OK || ack.Snapshot == nil {
		t.Fatalf("unexpected start ack: code=%d %+v", code, ack)
	}
	if ack.Snapshot.Status != models.RunRunning {
		t.Fatalf("expected running snapshot, got %s", ack.Snapshot.Status)
	}

	code, ack = sendCommand(t, handler, Command{Type: CommandStop})
	if code != http.StatusOK || !ack.OK {
		t.Fatalf("unexpected stop ack: code=%d %+v", code, ack)
	}

	code, ack = sendCommand(t, handler, Command{Type: CommandGet})
	if code != http.StatusOK || ack.Snapshot != nil {
		t.Fatalf("expected no job after stop, got code=%d %+v", code, ack)
	}
}

func TestEventsStreamDeliversCompletion(t *testing.T) {
	handler := newTestHandler(t)
	server := httptest.NewServer(handler.Mux())
	defer server.Close()

	resp, err := http.Get(server.URL + "/events")
	if err != nil {
		t.Fatalf("open event stream: %v", err)
	}
	defer resp.Body.Close()
	if got := resp.Header.Get("Content-Type"); got != "text/event-stream" {
		t.Fatalf("unexpected content type %q", got)
	}

	job := models.Job{Query: "cats", MediaType: models.MediaImages, TargetCount: 1}
	code, ack := sendCommand(t, handler, Command{Type: CommandStart, Job: &job})
	if code != http.StatusOK || !ack.OK {
		t.Fatalf("start failed: code=%d %+v", code, ack)
	}

	done := make(chan Ack, 1)
	go func() {
		scanner := bufio.NewScanner(resp.Body)
		for scanner.Scan() {
			line := scanner.Text()
			if !strings.HasPrefix(line, "data: ") {
				continue
			}
			var event struct {
				Type string `json:"type"`
			}
			if err := json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &event); err != nil {
				continue
			}
			if event.Type == "DONE" {
				done <- Ack{OK: true}
				return
			}
		}
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for DONE on the event stream")
	}
}
