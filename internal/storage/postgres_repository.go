package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"stockflux/internal/models"
)

type postgresRepository struct {
	pool *pgxpool.Pool
	cfg  PostgresConfig
}

// NewPostgresRepository opens a Postgres-backed repository. The caller must
// ensure the users table exists prior to invoking this constructor.
func NewPostgresRepository(dsn string, opts ...PostgresOption) (Repository, error) {
	cfg := newPostgresConfig(dsn, opts...)
	if strings.TrimSpace(cfg.DSN) == "" {
		return nil, fmt.Errorf("postgres dsn required")
	}

	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres config: %w", err)
	}
	if cfg.MaxConnections > 0 {
		poolCfg.MaxConns = cfg.MaxConnections
	}
	if cfg.MinConnections >= 0 {
		poolCfg.MinConns = cfg.MinConnections
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	if cfg.MaxConnIdleTime > 0 {
		poolCfg.MaxConnIdleTime = cfg.MaxConnIdleTime
	}
	if cfg.HealthCheckInterval > 0 {
		poolCfg.HealthCheckPeriod = cfg.HealthCheckInterval
	}
	if cfg.ConnectTimeout > 0 {
		poolCfg.ConnConfig.ConnectTimeout = cfg.ConnectTimeout
	}
	if cfg.ApplicationName != "" {
		if poolCfg.ConnConfig.RuntimeParams == nil {
			poolCfg.ConnConfig.RuntimeParams = make(map[string]string)
		}
		poolCfg.ConnConfig.RuntimeParams["application_name"] = cfg.ApplicationName
	}

	pool, err := pgxpool.NewWithConfig(context.Background(), poolCfg)
	if err != nil {
		return nil, fmt.Errorf("open postgres pool: %w", err)
	}
	return &postgresRepository{pool: pool, cfg: cfg}, nil
}

func (r *postgresRepository) Ping(ctx context.Context) error {
	if r == nil || r.pool == nil {
		return fmt.Errorf("postgres pool not configured")
	}
	return r.pool.Ping(ctx)
}

func (r *postgresRepository) Close(ctx context.Context) error {
	if r == nil || r.pool == nil {
		return nil
	}
	done := make(chan struct{})
	go func() {
		r.pool.Close()
		close(done)
	}()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-done:
		return nil
	}
}

const userColumns = `id, email, password_hash, api_key, usage_count, usage_cycle_start, usage_cycle_end, monthly_quota, created_at`

func scanUser(row pgx.Row) (models.User, error) {
	var user models.User
	err := row.Scan(
		&user.ID,
		&user.Email,
		&user.PasswordHash,
		&user.APIKey,
		&user.UsageCount,
		&user.UsageCycleStart,
		&user.UsageCycleEnd,
		&user.MonthlyQuota,
		&user.CreatedAt,
	)
	return user, err
}

func (r *postgresRepository) CreateUser(params CreateUserParams) (models.User, error) {
	normalizedEmail := strings.TrimSpace(strings.ToLower(params.Email))
	if normalizedEmail == "" {
		return models.User{}, errors.New("email is required")
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
	row := r.pool.QueryRow(context.Background(), `
INSERT INTO users (id, email, password_hash, api_key, usage_count, usage_cycle_start, usage_cycle_end, monthly_quota, created_at)
VALUES ($1, $2, $3, $4, 0, $5, $6, $7, $5)
RETURNING `+userColumns, id, normalizedEmail, passwordHash, apiKey, now, now.Add(models.CycleLength), quota)

	user, err := scanUser(row)
	if err != nil {
		if isUniqueViolation(err) {
			return models.User{}, ErrEmailInUse
		}
		return models.User{}, fmt.Errorf("insert user: %w", err)
	}
	return user, nil
}

func (r *postgresRepository) AuthenticateUser(email, password string) (models.User, error) {
	if password == "" {
		return models.User{}, errors.New("password is required")
	}
	normalized := strings.TrimSpace(strings.ToLower(email))
	row := r.pool.QueryRow(context.Background(), `
SELECT `+userColumns+` FROM users WHERE email = $1`, normalized)
	user, err := scanUser(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.User{}, ErrInvalidCredentials
		}
		return models.User{}, fmt.Errorf("lookup user: %w", err)
	}
	if err := verifyPassword(user.PasswordHash, password); err != nil {
		if errors.Is(err, ErrInvalidCredentials) {
			return models.User{}, ErrInvalidCredentials
		}
		return models.User{}, err
	}
	return user, nil
}

func (r *postgresRepository) GetUser(id string) (models.User, bool) {
	row := r.pool.QueryRow(context.Background(), `
SELECT `+userColumns+` FROM users WHERE id = $1`, id)
	user, err := scanUser(row)
	if err != nil {
		return models.User{}, false
	}
	return user, true
}

func (r *postgresRepository) FindUserByAPIKey(apiKey string) (models.User, bool) {
	if apiKey == "" {
		return models.User{}, false
	}
	row := r.pool.QueryRow(context.Background(), `
SELECT `+userColumns+` FROM users WHERE api_key = $1`, apiKey)
	user, err := scanUser(row)
	if err != nil {
		return models.User{}, false
	}
	return user, true
}

func (r *postgresRepository) ResetUsageCycle(apiKey string, start, end time.Time) (models.User, error) {
	row := r.pool.QueryRow(context.Background(), `
UPDATE users
SET usage_count = 0, usage_cycle_start = $2, usage_cycle_end = $3
WHERE api_key = $1
RETURNING `+userColumns, apiKey, start.UTC(), end.UTC())
	user, err := scanUser(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.User{}, ErrAPIKeyNotFound
		}
		return models.User{}, fmt.Errorf("reset usage cycle: %w", err)
	}
	return user, nil
}

// IncrementUsage is a single-statement atomic increment so concurrent
// requests on the same key never lose updates.
func (r *postgresRepository) IncrementUsage(apiKey string) error {
	tag, err := r.pool.Exec(context.Background(), `
UPDATE users SET usage_count = usage_count + 1 WHERE api_key = $1`, apiKey)
	if err != nil {
		return fmt.Errorf("increment usage: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrAPIKeyNotFound
	}
	return nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}
