package usage

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/metergate/metergate/internal/models"
)

// Store errors
var (
	ErrDuplicateID = errors.New("usage event id already recorded")

	// ErrSettlementConflict means an event was asked to join a second
	// settlement. The batcher's exclusivity makes this unreachable in
	// normal operation; hitting it indicates a correctness bug.
	ErrSettlementConflict = errors.New("usage event already settled under a different settlement")
)

// Store is the append-only log of completed proxy attempts.
type Store interface {
	// Record appends an event; an existing id is never overwritten.
	Record(ctx context.Context, event models.UsageEvent) error

	// Unsettled returns every event without a settlement id, in no
	// guaranteed order.
	Unsettled(ctx context.Context) ([]models.UsageEvent, error)

	// MarkSettled attaches settlementID to exactly the given ids,
	// atomically across the whole set. Re-marking an id with the same
	// settlement id is a no-op; a different id is ErrSettlementConflict.
	MarkSettled(ctx context.Context, eventIDs []uuid.UUID, settlementID uuid.UUID) error

	// ByOwner returns all events recorded against one owner, for
	// reporting.
	ByOwner(ctx context.Context, ownerID uuid.UUID) ([]models.UsageEvent, error)
}
