package keystore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/metergate/metergate/internal/models"
)

// Postgres is the persistent Store backed by pgx.
type Postgres struct {
	db *pgxpool.Pool
}

// NewPostgres creates a key store on the given pool.
func NewPostgres(db *pgxpool.Pool) *Postgres {
	return &Postgres{db: db}
}

// Lookup returns the key record for a presented credential.
func (p *Postgres) Lookup(ctx context.Context, rawKey string) (*models.APIKey, error) {
	var k models.APIKey
	err := p.db.QueryRow(ctx, `
		SELECT id, key_hash, key_prefix, owner_id, api_id, created_at, revoked_at
		FROM api_keys WHERE key_hash = $1
	`, HashKey(rawKey)).Scan(
		&k.ID, &k.KeyHash, &k.KeyPrefix, &k.OwnerID, &k.APIID, &k.CreatedAt, &k.RevokedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to look up api key: %w", err)
	}
	if k.Revoked() {
		return nil, ErrRevoked
	}
	return &k, nil
}

// Issue generates and stores a fresh credential.
func (p *Postgres) Issue(ctx context.Context, ownerID, apiID uuid.UUID) (string, *models.APIKey, error) {
	raw, hash, prefix, err := generateKey()
	if err != nil {
		return "", nil, err
	}

	var k models.APIKey
	err = p.db.QueryRow(ctx, `
		INSERT INTO api_keys (id, key_hash, key_prefix, owner_id, api_id, created_at)
		VALUES ($1, $2, $3, $4, $5, NOW())
		RETURNING id, key_hash, key_prefix, owner_id, api_id, created_at, revoked_at
	`, uuid.New(), hash, prefix, ownerID, apiID).Scan(
		&k.ID, &k.KeyHash, &k.KeyPrefix, &k.OwnerID, &k.APIID, &k.CreatedAt, &k.RevokedAt,
	)
	if err != nil {
		return "", nil, fmt.Errorf("failed to issue api key: %w", err)
	}

	return raw, &k, nil
}

// Get returns the key record by id.
func (p *Postgres) Get(ctx context.Context, id uuid.UUID) (*models.APIKey, error) {
	var k models.APIKey
	err := p.db.QueryRow(ctx, `
		SELECT id, key_hash, key_prefix, owner_id, api_id, created_at, revoked_at
		FROM api_keys WHERE id = $1
	`, id).Scan(
		&k.ID, &k.KeyHash, &k.KeyPrefix, &k.OwnerID, &k.APIID, &k.CreatedAt, &k.RevokedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get api key: %w", err)
	}
	return &k, nil
}

// Revoke marks a key as revoked.
func (p *Postgres) Revoke(ctx context.Context, id uuid.UUID, at time.Time) error {
	result, err := p.db.Exec(ctx, `
		UPDATE api_keys SET revoked_at = $1
		WHERE id = $2 AND revoked_at IS NULL
	`, at, id)
	if err != nil {
		return fmt.Errorf("failed to revoke api key: %w", err)
	}
	if result.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}
