package settlement

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

// PostgresStore is the persistent Store backed by pgx.
type PostgresStore struct {
	db *pgxpool.Pool
}

// NewPostgresStore creates a settlement store on the given pool.
func NewPostgresStore(db *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{db: db}
}

// Create stores a new settlement.
func (p *PostgresStore) Create(ctx context.Context, s models.Settlement) error {
	_, err := p.db.Exec(ctx, `
		INSERT INTO settlements (id, payee_id, amount, status, tx_ref, created_at, settled_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, s.ID, s.PayeeID, s.Amount, s.Status, s.TxRef, s.CreatedAt, s.SettledAt)
	if err != nil {
		return fmt.Errorf("failed to create settlement: %w", err)
	}
	return nil
}

// Complete transitions pending -> completed. The status guard in the
// WHERE clause makes the transition one-way.
func (p *PostgresStore) Complete(ctx context.Context, id uuid.UUID, txRef string, at time.Time) error {
	result, err := p.db.Exec(ctx, `
		UPDATE settlements SET status = $1, tx_ref = $2, settled_at = $3
		WHERE id = $4 AND status = $5
	`, models.SettlementStatusCompleted, txRef, at, id, models.SettlementStatusPending)
	if err != nil {
		return fmt.Errorf("failed to complete settlement: %w", err)
	}
	if result.RowsAffected() == 0 {
		return p.doneOrMissing(ctx, id)
	}
	return nil
}

// Fail transitions pending -> failed.
func (p *PostgresStore) Fail(ctx context.Context, id uuid.UUID, at time.Time) error {
	result, err := p.db.Exec(ctx, `
		UPDATE settlements SET status = $1, settled_at = $2
		WHERE id = $3 AND status = $4
	`, models.SettlementStatusFailed, at, id, models.SettlementStatusPending)
	if err != nil {
		return fmt.Errorf("failed to fail settlement: %w", err)
	}
	if result.RowsAffected() == 0 {
		return p.doneOrMissing(ctx, id)
	}
	return nil
}

func (p *PostgresStore) doneOrMissing(ctx context.Context, id uuid.UUID) error {
	if _, err := p.Get(ctx, id); err != nil {
		return err
	}
	return ErrAlreadyDone
}

// Get retrieves a settlement by id.
func (p *PostgresStore) Get(ctx context.Context, id uuid.UUID) (*models.Settlement, error) {
	var s models.Settlement
	err := p.db.QueryRow(ctx, `
		SELECT id, payee_id, amount, status, tx_ref, created_at, settled_at
		FROM settlements WHERE id = $1
	`, id).Scan(&s.ID, &s.PayeeID, &s.Amount, &s.Status, &s.TxRef, &s.CreatedAt, &s.SettledAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get settlement: %w", err)
	}
	return &s, nil
}

// ByPayee returns a payee's settlements newest-first.
func (p *PostgresStore) ByPayee(ctx context.Context, payeeID uuid.UUID, limit, offset int) ([]models.Settlement, int, error) {
	var total int
	err := p.db.QueryRow(ctx, `
		SELECT COUNT(*) FROM settlements WHERE payee_id = $1
	`, payeeID).Scan(&total)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to count settlements: %w", err)
	}

	rows, err := p.db.Query(ctx, `
		SELECT id, payee_id, amount, status, tx_ref, created_at, settled_at
		FROM settlements
		WHERE payee_id = $1
		ORDER BY created_at DESC
		LIMIT $2 OFFSET $3
	`, payeeID, limit, offset)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to query settlements: %w", err)
	}
	defer rows.Close()

	var settlements []models.Settlement
	for rows.Next() {
		var s models.Settlement
		err := rows.Scan(&s.ID, &s.PayeeID, &s.Amount, &s.Status, &s.TxRef, &s.CreatedAt, &s.SettledAt)
		if err != nil {
			return nil, 0, fmt.Errorf("failed to scan settlement: %w", err)
		}
		settlements = append(settlements, s)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("error iterating settlements: %w", err)
	}
	return settlements, total, nil
}

// Summarize aggregates a payee's settlements by status.
func (p *PostgresStore) Summarize(ctx context.Context, payeeID uuid.UUID) (*Summary, error) {
	var summary Summary
	err := p.db.QueryRow(ctx, `
		SELECT
			COUNT(*),
			COALESCE(SUM(amount), 0),
			COUNT(*) FILTER (WHERE status = 'pending'),
			COUNT(*) FILTER (WHERE status = 'completed'),
			COUNT(*) FILTER (WHERE status = 'failed'),
			COALESCE(SUM(amount) FILTER (WHERE status = 'completed'), 0)
		FROM settlements
		WHERE payee_id = $1
	`, payeeID).Scan(
		&summary.Total,
		&summary.TotalAmount,
		&summary.Pending,
		&summary.Completed,
		&summary.Failed,
		&summary.SettledAmount,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to summarize settlements: %w", err)
	}
	return &summary, nil
}
