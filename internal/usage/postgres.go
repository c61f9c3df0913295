package usage

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/metergate/metergate/internal/models"
)

// Postgres is the persistent Store backed by pgx. Single-row inserts
// are atomic, so concurrent request handlers can append without
// coordination.
type Postgres struct {
	db *pgxpool.Pool
}

// NewPostgres creates a usage store on the given pool.
func NewPostgres(db *pgxpool.Pool) *Postgres {
	return &Postgres{db: db}
}

// Record appends an event; an existing id is never overwritten.
func (p *Postgres) Record(ctx context.Context, event models.UsageEvent) error {
	_, err := p.db.Exec(ctx, `
		INSERT INTO usage_events
			(id, api_key_id, api_id, owner_id, status_code, amount_charged, settlement_id, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, event.ID, event.APIKeyID, event.APIID, event.OwnerID,
		event.StatusCode, event.AmountCharged, event.SettlementID, event.CreatedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return ErrDuplicateID
		}
		return fmt.Errorf("failed to record usage event: %w", err)
	}
	return nil
}

// Unsettled returns every event without a settlement id.
func (p *Postgres) Unsettled(ctx context.Context) ([]models.UsageEvent, error) {
	rows, err := p.db.Query(ctx, `
		SELECT id, api_key_id, api_id, owner_id, status_code, amount_charged, settlement_id, created_at
		FROM usage_events WHERE settlement_id IS NULL
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to query unsettled events: %w", err)
	}
	defer rows.Close()

	return scanEvents(rows)
}

// MarkSettled attaches settlementID to the given ids atomically.
func (p *Postgres) MarkSettled(ctx context.Context, eventIDs []uuid.UUID, settlementID uuid.UUID) error {
	if len(eventIDs) == 0 {
		return nil
	}

	tx, err := p.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	var conflicts int
	err = tx.QueryRow(ctx, `
		SELECT COUNT(*) FROM usage_events
		WHERE id = ANY($1) AND settlement_id IS NOT NULL AND settlement_id <> $2
	`, eventIDs, settlementID).Scan(&conflicts)
	if err != nil {
		return fmt.Errorf("failed to check settlement conflicts: %w", err)
	}
	if conflicts > 0 {
		return ErrSettlementConflict
	}

	_, err = tx.Exec(ctx, `
		UPDATE usage_events SET settlement_id = $2
		WHERE id = ANY($1) AND settlement_id IS NULL
	`, eventIDs, settlementID)
	if err != nil {
		return fmt.Errorf("failed to mark events settled: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// ByOwner returns all events recorded against one owner.
func (p *Postgres) ByOwner(ctx context.Context, ownerID uuid.UUID) ([]models.UsageEvent, error) {
	rows, err := p.db.Query(ctx, `
		SELECT id, api_key_id, api_id, owner_id, status_code, amount_charged, settlement_id, created_at
		FROM usage_events WHERE owner_id = $1
		ORDER BY created_at DESC
	`, ownerID)
	if err != nil {
		return nil, fmt.Errorf("failed to query events by owner: %w", err)
	}
	defer rows.Close()

	return scanEvents(rows)
}

type rowScanner interface {
	Next() bool
	Scan(dest ...any) error
	Err() error
}

func scanEvents(rows rowScanner) ([]models.UsageEvent, error) {
	var out []models.UsageEvent
	for rows.Next() {
		var e models.UsageEvent
		err := rows.Scan(&e.ID, &e.APIKeyID, &e.APIID, &e.OwnerID,
			&e.StatusCode, &e.AmountCharged, &e.SettlementID, &e.CreatedAt)
		if err != nil {
			return nil, fmt.Errorf("failed to scan usage event: %w", err)
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating usage events: %w", err)
	}
	return out, nil
}
