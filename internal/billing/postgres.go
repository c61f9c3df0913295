package billing

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
)

// PostgresLedger is the persistent Ledger backed by pgx. Atomicity of
// deductions rides on a single conditional UPDATE, so concurrent
// deductions against one account serialize on the row lock and can
// never overdraw.
type PostgresLedger struct {
	db *pgxpool.Pool
}

// NewPostgresLedger creates a ledger on the given pool.
func NewPostgresLedger(db *pgxpool.Pool) *PostgresLedger {
	return &PostgresLedger{db: db}
}

// Deduct subtracts amount if the balance covers it.
func (p *PostgresLedger) Deduct(ctx context.Context, accountID uuid.UUID, amount decimal.Decimal) (DeductResult, error) {
	var balance decimal.Decimal
	err := p.db.QueryRow(ctx, `
		UPDATE balances
		SET amount = amount - $2, updated_at = NOW()
		WHERE account_id = $1 AND amount >= $2
		RETURNING amount
	`, accountID, amount).Scan(&balance)
	if err == nil {
		return DeductResult{OK: true, Balance: balance}, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return DeductResult{}, fmt.Errorf("failed to deduct balance: %w", err)
	}

	// Insufficient funds or unknown account; report the current
	// balance untouched.
	balance, err = p.Balance(ctx, accountID)
	if err != nil {
		return DeductResult{}, err
	}
	return DeductResult{OK: false, Balance: balance}, nil
}

// Credit adds amount to the account, creating it if needed.
func (p *PostgresLedger) Credit(ctx context.Context, accountID uuid.UUID, amount decimal.Decimal) (decimal.Decimal, error) {
	var balance decimal.Decimal
	err := p.db.QueryRow(ctx, `
		INSERT INTO balances (account_id, amount, updated_at)
		VALUES ($1, $2, NOW())
		ON CONFLICT (account_id)
		DO UPDATE SET amount = balances.amount + $2, updated_at = NOW()
		RETURNING amount
	`, accountID, amount).Scan(&balance)
	if err != nil {
		return decimal.Zero, fmt.Errorf("failed to credit balance: %w", err)
	}
	return balance, nil
}

// Balance returns the current balance; unknown accounts are zero.
func (p *PostgresLedger) Balance(ctx context.Context, accountID uuid.UUID) (decimal.Decimal, error) {
	var balance decimal.Decimal
	err := p.db.QueryRow(ctx, `
		SELECT amount FROM balances WHERE account_id = $1
	`, accountID).Scan(&balance)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return decimal.Zero, nil
		}
		return decimal.Zero, fmt.Errorf("failed to get balance: %w", err)
	}
	return balance, nil
}
