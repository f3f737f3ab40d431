package jobstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"

	"stockflux/internal/models"
)

const defaultRedisKey = "stockflux:run"

// RedisStore persists run state as a JSON value in Redis so several fetcher
// hosts can share one resumable run.
type RedisStore struct {
	client redis.UniversalClient
	key    string
}

// RedisOption configures a RedisStore.
type RedisOption func(*RedisStore)

// WithKey overrides the Redis key used for the run state value.
func WithKey(key string) RedisOption {
	return func(s *RedisStore) {
		if key != "" {
			s.key = key
		}
	}
}

// NewRedisStore constructs a store on top of an existing Redis client.
func NewRedisStore(client redis.UniversalClient, opts ...RedisOption) *RedisStore {
	store := &RedisStore{client: client, key: defaultRedisKey}
	for _, opt := range opts {
		if opt != nil {
			opt(store)
		}
	}
	return store
}

func (s *RedisStore) Save(ctx context.Context, state models.RunState) error {
	payload, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("encode state: %w", err)
	}
	if err := s.client.Set(ctx, s.key, payload, 0).Err(); err != nil {
		return fmt.Errorf("save state: %w", err)
	}
	return nil
}

func (s *RedisStore) Load(ctx context.Context) (models.RunState, error) {
	payload, err := s.client.Get(ctx, s.key).Bytes()
	if errors.Is(err, redis.Nil) {
		return models.RunState{}, ErrNoState
	} else if err != nil {
		return models.RunState{}, fmt.Errorf("load state: %w", err)
	}

	var state models.RunState
	if err := json.Unmarshal(payload, &state); err != nil {
		return models.RunState{}, fmt.Errorf("decode state: %w", err)
	}
	if state.Providers == nil {
		state.Providers = make(map[string]*models.ProviderCursor)
	}
	return state, nil
}

func (s *RedisStore) Clear(ctx context.Context) error {
	if err := s.client.Del(ctx, s.key).Err(); err != nil {
		return fmt.Errorf("clear state: %w", err)
	}
	return nil
}
