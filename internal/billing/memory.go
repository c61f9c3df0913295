package billing

import (
	"context"
	"sync"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// MemoryLedger is an in-memory Ledger for tests and single-node runs.
// A single mutex serializes all balance mutations, which satisfies the
// per-account linearizability requirement trivially.
type MemoryLedger struct {
	mu       sync.Mutex
	balances map[uuid.UUID]decimal.Decimal
}

// NewMemoryLedger creates an empty in-memory ledger.
func NewMemoryLedger() *MemoryLedger {
	return &MemoryLedger{balances: make(map[uuid.UUID]decimal.Decimal)}
}

// Deduct subtracts amount if the balance covers it.
func (m *MemoryLedger) Deduct(ctx context.Context, accountID uuid.UUID, amount decimal.Decimal) (DeductResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	balance := m.balances[accountID]
	if balance.LessThan(amount) {
		return DeductResult{OK: false, Balance: balance}, nil
	}

	balance = balance.Sub(amount)
	m.balances[accountID] = balance
	return DeductResult{OK: true, Balance: balance}, nil
}

// Credit adds amount to the account and returns the new balance.
func (m *MemoryLedger) Credit(ctx context.Context, accountID uuid.UUID, amount decimal.Decimal) (decimal.Decimal, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	balance := m.balances[accountID].Add(amount)
	m.balances[accountID] = balance
	return balance, nil
}

// Balance returns the current balance; unknown accounts are zero.
func (m *MemoryLedger) Balance(ctx context.Context, accountID uuid.UUID) (decimal.Decimal, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.balances[accountID], nil
}
