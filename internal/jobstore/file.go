package jobstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"stockflux/internal/models"
)

// FileStore persists run state as a JSON document, written atomically via a
// temp file and rename so a crash mid-write never corrupts the saved run.
type FileStore struct {
	mu   sync.Mutex
	path string
}

// NewFileStore constructs a store backed by the given file path.
func NewFileStore(path string) *FileStore {
	return &FileStore{path: path}
}

func (s *FileStore) Save(ctx context.Context, state models.RunState) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create state dir: %w", err)
	}

	tmpFile, err := os.CreateTemp(dir, "run-*.json")
	if err != nil {
		return fmt.Errorf("create temp state file: %w", err)
	}
	tmpPath := tmpFile.Name()
	success := false
	defer func() {
		if !success {
			_ = tmpFile.Close()
			_ = os.Remove(tmpPath)
		}
	}()

	encoder := json.NewEncoder(tmpFile)
	encoder.SetIndent("", "  ")
	if err := encoder.Encode(state); err != nil {
		return fmt.Errorf("encode state: %w", err)
	}
	if err := tmpFile.Sync(); err != nil {
		return fmt.Errorf("flush state file: %w", err)
	}
	if err := tmpFile.Close(); err != nil {
		return fmt.Errorf("close temp state file: %w", err)
	}
	if err := os.Rename(tmpPath, s.path); err != nil {
		return fmt.Errorf("replace state file: %w", err)
	}
	success = true
	return nil
}

func (s *FileStore) Load(ctx context.Context) (models.RunState, error) {
	if err := ctx.Err(); err != nil {
		return models.RunState{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return models.RunState{}, ErrNoState
	} else if err != nil {
		return models.RunState{}, fmt.Errorf("read state file: %w", err)
	}

	var state models.RunState
	if err := json.Unmarshal(data, &state); err != nil {
		return models.RunState{}, fmt.Errorf("decode state file: %w", err)
	}
	if state.Providers == nil {
		state.Providers = make(map[string]*models.ProviderCursor)
	}
	return state, nil
}

func (s *FileStore) Clear(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	err := os.Remove(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	return err
}
