package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Balance is an account's spendable credit. It is mutated only by
// atomic deductions and credits; a negative balance is never persisted.
type Balance struct {
	AccountID uuid.UUID       `json:"account_id" db:"account_id"`
	Amount    decimal.Decimal `json:"amount" db:"amount"`
	UpdatedAt time.Time       `json:"updated_at" db:"updated_at"`
}
