package settlement

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/metergate/metergate/internal/models"
	"github.com/shopspring/decimal"
)

// Store errors
var (
	ErrNotFound    = errors.New("settlement not found")
	ErrAlreadyDone = errors.New("settlement already completed or failed")
)

// Summary aggregates a payee's settlements by status.
type Summary struct {
	Total         int             `json:"total"`
	TotalAmount   decimal.Decimal `json:"total_amount"`
	Pending       int             `json:"pending"`
	Completed     int             `json:"completed"`
	Failed        int             `json:"failed"`
	SettledAmount decimal.Decimal `json:"settled_amount"`
}

// Store persists settlement records. Status only ever moves forward:
// pending to exactly one of completed or failed.
type Store interface {
	// Create stores a new settlement; the batcher always creates it
	// in pending state before the external transfer.
	Create(ctx context.Context, s models.Settlement) error

	// Complete transitions pending -> completed and records the
	// external transaction reference.
	Complete(ctx context.Context, id uuid.UUID, txRef string, at time.Time) error

	// Fail transitions pending -> failed. Failed settlements are
	// permanent history and are never retried as the same record.
	Fail(ctx context.Context, id uuid.UUID, at time.Time) error

	// Get retrieves a settlement by id.
	Get(ctx context.Context, id uuid.UUID) (*models.Settlement, error)

	// ByPayee returns a payee's settlements newest-first with the
	// total count for pagination.
	ByPayee(ctx context.Context, payeeID uuid.UUID, limit, offset int) ([]models.Settlement, int, error)

	// Summarize aggregates a payee's settlements by status.
	Summarize(ctx context.Context, payeeID uuid.UUID) (*Summary, error)
}
