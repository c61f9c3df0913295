package billing

import (
	"context"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// DeductResult reports the outcome of one deduction attempt. Balance
// is the post-deduction balance on success and the untouched current
// balance on failure.
type DeductResult struct {
	OK      bool
	Balance decimal.Decimal
}

// Ledger holds each account's spendable balance. Deductions are
// atomic: they either fully succeed or leave the balance untouched,
// and concurrent deductions against one account serialize. A negative
// balance is never persisted.
type Ledger interface {
	// Deduct subtracts amount if the balance covers it.
	Deduct(ctx context.Context, accountID uuid.UUID, amount decimal.Decimal) (DeductResult, error)

	// Credit adds amount to the account, creating it if needed, and
	// returns the new balance. Administrative path, not on the
	// request path.
	Credit(ctx context.Context, accountID uuid.UUID, amount decimal.Decimal) (decimal.Decimal, error)

	// Balance returns the current balance; unknown accounts are zero.
	Balance(ctx context.Context, accountID uuid.UUID) (decimal.Decimal, error)
}
