// Package storage persists user accounts and their API-key usage records.
// Two implementations exist: a JSON-file store for single-node deployments
// and a Postgres-backed store for replicated ones.
package storage

import (
	"context"
	"errors"
	"time"

	"stockflux/internal/models"
)

var (
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrEmailInUse         = errors.New("email already in use")
	ErrUserNotFound       = errors.New("user not found")
	ErrAPIKeyNotFound     = errors.New("api key not found")
)

// CreateUserParams captures the attributes that can be set when registering
// a user. Quota and cycle bounds default per models when left zero.
type CreateUserParams struct {
	Email        string
	Password     string
	MonthlyQuota int
}

// Repository exposes the datastore operations required by the auth endpoints
// and the API-key quota gate.
type Repository interface {
	Ping(ctx context.Context) error
	Close(ctx context.Context) error

	CreateUser(params CreateUserParams) (models.User, error)
	AuthenticateUser(email, password string) (models.User, error)
	GetUser(id string) (models.User, bool)
	FindUserByAPIKey(apiKey string) (models.User, bool)

	// ResetUsageCycle zeroes the usage counter and advances the cycle
	// window for the key's record, persisting before returning.
	ResetUsageCycle(apiKey string, start, end time.Time) (models.User, error)

	// IncrementUsage adds one to the usage counter for the key's record.
	// Implementations should prefer an atomic storage-level increment over
	// read-modify-write.
	IncrementUsage(apiKey string) error
}
