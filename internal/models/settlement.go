package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// SettlementStatus represents the status of a settlement.
type SettlementStatus string

const (
	SettlementStatusPending   SettlementStatus = "pending"
	SettlementStatusCompleted SettlementStatus = "completed"
	SettlementStatusFailed    SettlementStatus = "failed"
)

// Settlement is a batched payout converting accumulated unsettled
// usage charges into one external transfer attempt. It is created
// pending before the transfer and transitions to exactly one of
// completed or failed; it never reverts to pending, and a failed
// settlement is permanent history that is never retried as the same
// record.
type Settlement struct {
	ID        uuid.UUID        `json:"id" db:"id"`
	PayeeID   uuid.UUID        `json:"payee_id" db:"payee_id"`
	Amount    decimal.Decimal  `json:"amount" db:"amount"`
	Status    SettlementStatus `json:"status" db:"status"`
	TxRef     *string          `json:"tx_ref,omitempty" db:"tx_ref"`
	CreatedAt time.Time        `json:"created_at" db:"created_at"`
	SettledAt *time.Time       `json:"settled_at,omitempty" db:"settled_at"`
}
