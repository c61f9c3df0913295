package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// UsageEvent is the append-only record of a completed proxy attempt.
// Exactly one event is written for every request that reached the
// forwarding stage, regardless of the upstream outcome. The only field
// mutated after creation is SettlementID, owned exclusively by the
// settlement batcher; once set it is never unset.
type UsageEvent struct {
	ID            uuid.UUID       `json:"id" db:"id"`
	APIKeyID      uuid.UUID       `json:"api_key_id" db:"api_key_id"`
	APIID         uuid.UUID       `json:"api_id" db:"api_id"`
	OwnerID       *uuid.UUID      `json:"owner_id,omitempty" db:"owner_id"`
	StatusCode    int             `json:"status_code" db:"status_code"`
	AmountCharged decimal.Decimal `json:"amount_charged" db:"amount_charged"`
	SettlementID  *uuid.UUID      `json:"settlement_id,omitempty" db:"settlement_id"`
	CreatedAt     time.Time       `json:"created_at" db:"created_at"`
}

// Settled reports whether the event has been attached to a settlement.
func (e *UsageEvent) Settled() bool {
	return e.SettlementID != nil
}
