package registry

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/metergate/metergate/internal/models"
)

// Postgres is the persistent Store backed by pgx.
type Postgres struct {
	db *pgxpool.Pool
}

// NewPostgres creates a registry store on the given pool.
func NewPostgres(db *pgxpool.Pool) *Postgres {
	return &Postgres{db: db}
}

// Resolve looks up an API by id first, then by slug.
func (p *Postgres) Resolve(ctx context.Context, slugOrID string) (*models.API, error) {
	if id, err := uuid.Parse(slugOrID); err == nil {
		api, err := p.Get(ctx, id)
		if err == nil {
			return api, nil
		}
		if !errors.Is(err, ErrNotFound) {
			return nil, err
		}
	}

	var api models.API
	err := p.db.QueryRow(ctx, `
		SELECT id, slug, base_url, owner_id, created_at
		FROM apis WHERE slug = $1
	`, slugOrID).Scan(&api.ID, &api.Slug, &api.BaseURL, &api.OwnerID, &api.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to resolve api: %w", err)
	}
	return &api, nil
}

// Get looks up an API by id.
func (p *Postgres) Get(ctx context.Context, id uuid.UUID) (*models.API, error) {
	var api models.API
	err := p.db.QueryRow(ctx, `
		SELECT id, slug, base_url, owner_id, created_at
		FROM apis WHERE id = $1
	`, id).Scan(&api.ID, &api.Slug, &api.BaseURL, &api.OwnerID, &api.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get api: %w", err)
	}
	return &api, nil
}

// Register stores a new API. Uniqueness of id and slug is enforced by
// the schema.
func (p *Postgres) Register(ctx context.Context, api models.API) error {
	_, err := p.db.Exec(ctx, `
		INSERT INTO apis (id, slug, base_url, owner_id, created_at)
		VALUES ($1, $2, $3, $4, $5)
	`, api.ID, api.Slug, api.BaseURL, api.OwnerID, api.CreatedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return ErrDuplicate
		}
		return fmt.Errorf("failed to register api: %w", err)
	}
	return nil
}
