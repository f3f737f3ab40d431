package jobstore

import (
	"context"
	"sync"

	"stockflux/internal/models"
)

// MemoryStore keeps run state in process memory. It matches the semantics of
// the durable stores, including deep copies on both save and load.
type MemoryStore struct {
	mu    sync.RWMutex
	state models.RunState
	saved bool
}

// NewMemoryStore constructs an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

func (s *MemoryStore) Save(ctx context.Context, state models.RunState) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = state.Clone()
	s.saved = true
	return nil
}

func (s *MemoryStore) Load(ctx context.Context) (models.RunState, error) {
	if err := ctx.Err(); err != nil {
		return models.RunState{}, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if !s.saved {
		return models.RunState{}, ErrNoState
	}
	return s.state.Clone(), nil
}

func (s *MemoryStore) Clear(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = models.RunState{}
	s.saved = false
	return nil
}
