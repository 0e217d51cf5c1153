package tenant

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog/log"
)

// Store is the pgx-backed tenant repository.
type Store struct {
	db *pgxpool.Pool
}

// OpenStore creates the connection pool and verifies connectivity.
func OpenStore(ctx context.Context, url string) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(url)
	if err != nil {
		return nil, err
	}

	cfg.MaxConns = 20
	cfg.MinConns = 2
	cfg.MaxConnLifetime = time.Hour
	cfg.MaxConnIdleTime = 30 * time.Minute
	cfg.HealthCheckPeriod = time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, err
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}

	log.Info().
		Int32("max_conns", cfg.MaxConns).
		Int32("min_conns", cfg.MinConns).
		Msg("tenant store connected")

	return &Store{db: pool}, nil
}

// NewStoreWithPool wraps an existing pool. Used by tests.
func NewStoreWithPool(pool *pgxpool.Pool) *Store {
	return &Store{db: pool}
}

// Close releases the pool.
func (s *Store) Close() {
	s.db.Close()
}

const tenantColumns = `
	id, name, slug, status,
	upstream_url, upstream_database, upstream_login, upstream_secret,
	COALESCE(max_requests_per_day, 0), COALESCE(max_requests_per_hour, 0), COALESCE(max_users, 0),
	COALESCE(allowed_models, '{}'), COALESCE(last_active_at, 'epoch'::timestamptz), created_at`

// GetByID loads one tenant. Soft-deleted tenants are returned with their
// deleted status so callers can answer 410 instead of 404.
func (s *Store) GetByID(ctx context.Context, id string) (*Tenant, error) {
	row := s.db.QueryRow(ctx, `SELECT `+tenantColumns+` FROM tenants WHERE id = $1`, id)

	t, err := scanTenant(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return t, nil
}

// UpdateLastActive stamps the tenant's last traversal time. Best-effort: a
// failure is logged, not surfaced, because it must never fail a request.
func (s *Store) UpdateLastActive(ctx context.Context, id string) {
	if _, err := s.db.Exec(ctx,
		`UPDATE tenants SET last_active_at = now() WHERE id = $1`, id); err != nil {
		log.Warn().Err(err).Str("tenant_id", id).Msg("failed to update last_active_at")
	}
}

// Create inserts a tenant. Admin surface.
func (s *Store) Create(ctx context.Context, t *Tenant) error {
	_, err := s.db.Exec(ctx, `
		INSERT INTO tenants (
			id, name, slug, status,
			upstream_url, upstream_database, upstream_login, upstream_secret,
			max_requests_per_day, max_requests_per_hour, max_users,
			allowed_models, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, now())
	`, t.ID, t.Name, t.Slug, string(t.Status),
		t.UpstreamURL, t.UpstreamDatabase, t.UpstreamLogin, t.UpstreamSecret,
		t.MaxRequestsPerDay, t.MaxRequestsPerHour, t.MaxUsers, t.AllowedModels)
	return err
}

// UpdateStatus transitions the tenant lifecycle state.
func (s *Store) UpdateStatus(ctx context.Context, id string, status Status) error {
	tag, err := s.db.Exec(ctx,
		`UPDATE tenants SET status = $2 WHERE id = $1`, id, string(status))
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// SoftDelete marks the tenant deleted; its data stays for audit.
func (s *Store) SoftDelete(ctx context.Context, id string) error {
	tag, err := s.db.Exec(ctx,
		`UPDATE tenants SET status = $2, deleted_at = now() WHERE id = $1`,
		id, string(StatusDeleted))
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func scanTenant(row pgx.Row) (*Tenant, error) {
	var t Tenant
	var status string
	err := row.Scan(
		&t.ID, &t.Name, &t.Slug, &status,
		&t.UpstreamURL, &t.UpstreamDatabase, &t.UpstreamLogin, &t.UpstreamSecret,
		&t.MaxRequestsPerDay, &t.MaxRequestsPerHour, &t.MaxUsers,
		&t.AllowedModels, &t.LastActiveAt, &t.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	t.Status = Status(status)
	return &t, nil
}
