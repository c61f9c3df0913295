package registry

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/metergate/metergate/internal/models"
)

// Store errors
var (
	ErrNotFound  = errors.New("api not found")
	ErrDuplicate = errors.New("api id or slug already registered")
)

// Store resolves caller-supplied identifiers to registered APIs.
// Lookups have no side effects; registration is an administrative
// operation outside the request path.
type Store interface {
	// Resolve looks up an API by id first, then by slug.
	Resolve(ctx context.Context, slugOrID string) (*models.API, error)

	// Get looks up an API by id.
	Get(ctx context.Context, id uuid.UUID) (*models.API, error)

	// Register stores a new API. Both id and slug must be unique.
	Register(ctx context.Context, api models.API) error
}
