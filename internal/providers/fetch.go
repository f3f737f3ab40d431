package providers

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"stockflux/internal/observability/metrics"
)

// fetchWithRotation issues an upstream request, rotating through the key pool
// on rate-limit or auth-rejection statuses. It returns the first successful
// response, ErrKeysExhausted once every key has been rejected, or an
// UpstreamError for non-rotatable failures.
func fetchWithRotation(ctx context.Context, name string, pool *KeyPool, client httpDoer, recorder *metrics.Recorder, logger *slog.Logger, build func(key string) (*http.Request, error)) (*http.Response, error) {
	key, ok := pool.Current()
	if !ok {
		return nil, fmt.Errorf("%s: no api keys configured", name)
	}

	attempts := pool.Size()
	for attempt := 0; attempt < attempts; attempt++ {
		req, err := build(key)
		if err != nil {
			return nil, fmt.Errorf("%s: build request: %w", name, err)
		}
		res, err := client.Do(req.WithContext(ctx))
		if err != nil {
			observe(recorder, name, "error")
			return nil, fmt.Errorf("%s: %w", name, err)
		}
		if rotatableStatus(res.StatusCode) {
			drain(res)
			if recorder != nil {
				recorder.ObserveKeyRotation(name)
			}
			if logger != nil {
				logger.Warn("rotating upstream api key", "provider", name, "status", res.StatusCode, "attempt", attempt+1)
			}
			key, _ = pool.Rotate()
			continue
		}
		if res.StatusCode != http.StatusOK {
			drain(res)
			observe(recorder, name, "error")
			return nil, &UpstreamError{Provider: name, Status: res.StatusCode}
		}
		observe(recorder, name, "ok")
		return res, nil
	}
	observe(recorder, name, "error")
	return nil, fmt.Errorf("%s: %w", name, ErrKeysExhausted)
}

func observe(recorder *metrics.Recorder, provider, outcome string) {
	if recorder != nil {
		recorder.ObserveProviderRequest(provider, outcome)
	}
}

func drain(res *http.Response) {
	_, _ = io.Copy(io.Discard, res.Body)
	_ = res.Body.Close()
}
