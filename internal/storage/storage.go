package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"stockflux/internal/models"
)

type dataset struct {
	Users map[string]models.User `json:"users"`
}

func newDataset() dataset {
	return dataset{Users: make(map[string]models.User)}
}

// Storage is the JSON-file backed Repository implementation. All mutations
// work on a cloned dataset and swap it in only after a successful persist, so
// a failed write never leaves partially applied state in memory.
type Storage struct {
	mu       sync.RWMutex
	filePath string
	data     dataset
	// persistOverride allows tests to intercept persist operations.
	persistOverride func(dataset) error
}

// NewStorage loads (or initialises) the JSON store at path.
func NewStorage(path string) (*Storage, error) {
	store := &Storage{filePath: path}
	if err := store.load(); err != nil {
		return nil, err
	}
	return store, nil
}

func (s *Storage) load() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.MkdirAll(filepath.Dir(s.filePath), 0o755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}

	file, err := os.Open(s.filePath)
	if errors.Is(err, os.ErrNotExist) {
		s.data = newDataset()
		return nil
	} else if err != nil {
		return fmt.Errorf("open store file: %w", err)
	}
	defer file.Close()

	decoder := json.NewDecoder(file)
	if err := decoder.Decode(&s.data); err != nil {
		if errors.Is(err, io.EOF) {
			s.data = newDataset()
			return nil
		}
		return fmt.Errorf("decode store file: %w", err)
	}
	if s.data.Users == nil {
		s.data.Users = make(map[string]models.User)
	}
	return nil
}

func (s *Storage) persistDataset(data dataset) error {
	if s.persistOverride != nil {
		return s.persistOverride(data)
	}

	dir := filepath.Dir(s.filePath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}

	tmpFile, err := os.CreateTemp(dir, "store-*.json")
	if err != nil {
		return fmt.Errorf("create temp store file: %w", err)
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
	if err := encoder.Encode(data); err != nil {
		return fmt.Errorf("encode store file: %w", err)
	}
	if err := tmpFile.Sync(); err != nil {
		return fmt.Errorf("flush store file: %w", err)
	}
	if err := tmpFile.Close(); err != nil {
		return fmt.Errorf("close temp store file: %w", err)
	}

	if err := os.Rename(tmpPath, s.filePath); err != nil {
		return fmt.Errorf("replace store file: %w", err)
	}
	success = true
	return nil
}

func cloneDataset(src dataset) dataset {
	clone := newDataset()
	for id, user := range src.Users {
		clone.Users[id] = user
	}
	return clone
}

// Ping reports whether the backing file's directory is reachable.
func (s *Storage) Ping(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	_, err := os.Stat(filepath.Dir(s.filePath))
	return err
}

// Close is a no-op for the file-backed store.
func (s *Storage) Close(ctx context.Context) error {
	return nil
}

// CreateUser registers a new account with a fresh API key, the default
// monthly quota, and a 30-day usage cycle starting now.
func (s *Storage) CreateUser(params CreateUserParams) (models.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	normalizedEmail := strings.TrimSpace(strings.ToLower(params.Email))
	if normalizedEmail == "" {
		return models.User{}, errors.New("email is required")
	}
	for _, user := range s.data.Users {
		if user.Email == normalizedEmail {
			return models.User{}, ErrEmailInUse
		}
	}
	if params.Password == "" {
		return models.User{}, errors.New("password is required")
	}

	id, err := generateID()
	if err != nil {
		return models.User{}, err
	}
	apiKey, err := generateAPIKey()
	if err != nil {
		return models.User{}, err
	}
	passwordHash, err := hashPassword(params.Password)
	if err != nil {
		return models.User{}, fmt.Errorf("hash password: %w", err)
	}

	quota := params.MonthlyQuota
	if quota == 0 {
		quota = models.DefaultMonthlyQuota
	}

	now := time.Now().UTC()
	user := models.User{
		ID:              id,
		Email:           normalizedEmail,
		PasswordHash:    passwordHash,
		APIKey:          apiKey,
		UsageCount:      0,
		UsageCycleStart: now,
		UsageCycleEnd:   now.Add(models.CycleLength),
		MonthlyQuota:    quota,
		CreatedAt:       now,
	}

	updated := cloneDataset(s.data)
	updated.Users[id] = user
	if err := s.persistDataset(updated); err != nil {
		return models.User{}, err
	}
	s.data = updated

	return user, nil
}

// AuthenticateUser verifies credentials and returns the matching user.
func (s *Storage) AuthenticateUser(email, password string) (models.User, error) {
	if password == "" {
		return models.User{}, errors.New("password is required")
	}
	user, ok := s.findUserByEmail(email)
	if !ok {
		return models.User{}, ErrInvalidCredentials
	}
	if err := verifyPassword(user.PasswordHash, password); err != nil {
		if errors.Is(err, ErrInvalidCredentials) {
			return models.User{}, ErrInvalidCredentials
		}
		return models.User{}, err
	}
	return user, nil
}

func (s *Storage) findUserByEmail(email string) (models.User, bool) {
	normalized := strings.TrimSpace(strings.ToLower(email))
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, user := range s.data.Users {
		if user.Email == normalized {
			return user, true
		}
	}
	return models.User{}, false
}

// GetUser returns the user with the provided ID.
func (s *Storage) GetUser(id string) (models.User, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	user, ok := s.data.Users[id]
	return user, ok
}

// FindUserByAPIKey resolves an opaque API key to its account record.
func (s *Storage) FindUserByAPIKey(apiKey string) (models.User, bool) {
	if apiKey == "" {
		return models.User{}, false
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, user := range s.data.Users {
		if user.APIKey == apiKey {
			return user, true
		}
	}
	return models.User{}, false
}

// ResetUsageCycle zeroes the usage counter and advances the cycle window for
// the key's record, persisting before returning.
func (s *Storage) ResetUsageCycle(apiKey string, start, end time.Time) (models.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id, user, ok := s.lookupByAPIKeyLocked(apiKey)
	if !ok {
		return models.User{}, ErrAPIKeyNotFound
	}

	user.UsageCount = 0
	user.UsageCycleStart = start.UTC()
	user.UsageCycleEnd = end.UTC()

	updated := cloneDataset(s.data)
	updated.Users[id] = user
	if err := s.persistDataset(updated); err != nil {
		return models.User{}, err
	}
	s.data = updated

	return user, nil
}

// IncrementUsage adds one to the usage counter for the key's record. The
// write happens under the store lock, so concurrent increments on the same
// key cannot lose updates.
func (s *Storage) IncrementUsage(apiKey string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	id, user, ok := s.lookupByAPIKeyLocked(apiKey)
	if !ok {
		return ErrAPIKeyNotFound
	}

	user.UsageCount++

	updated := cloneDataset(s.data)
	updated.Users[id] = user
	if err := s.persistDataset(updated); err != nil {
		return err
	}
	s.data = updated
	return nil
}

func (s *Storage) lookupByAPIKeyLocked(apiKey string) (string, models.User, bool) {
	for id, user := range s.data.Users {
		if user.APIKey == apiKey {
			return id, user, true
		}
	}
	return "", models.User{}, false
}
