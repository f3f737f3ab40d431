// Package jobstore persists download run state so a run survives process
// restarts and can be resumed from its provider cursors.
package jobstore

import (
	"context"
	"errors"

	"stockflux/internal/models"
)

// ErrNoState is returned by Load when no run state has been saved.
var ErrNoState = errors.New("no run state saved")

// Store is the persistence contract for run state. Implementations must
// return deep copies from Load so callers cannot alias stored cursors.
type Store interface {
	Save(ctx context.Context, state models.RunState) error
	Load(ctx context.Context) (models.RunState, error)
	Clear(ctx context.Context) error
}
