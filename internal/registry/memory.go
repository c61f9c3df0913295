package registry

import (
	"context"
	"sync"

	"github.com/google/uuid"
	"github.com/metergate/metergate/internal/models"
)

// Memory is an in-memory Store for tests and single-node runs.
type Memory struct {
	mu     sync.RWMutex
	byID   map[uuid.UUID]models.API
	bySlug map[string]models.API
}

// NewMemory creates an empty in-memory registry.
func NewMemory() *Memory {
	return &Memory{
		byID:   make(map[uuid.UUID]models.API),
		bySlug: make(map[string]models.API),
	}
}

// Resolve looks up an API by id first, then by slug.
func (m *Memory) Resolve(ctx context.Context, slugOrID string) (*models.API, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if id, err := uuid.Parse(slugOrID); err == nil {
		if api, ok := m.byID[id]; ok {
			return &api, nil
		}
	}
	if api, ok := m.bySlug[slugOrID]; ok {
		return &api, nil
	}
	return nil, ErrNotFound
}

// Get looks up an API by id.
func (m *Memory) Get(ctx context.Context, id uuid.UUID) (*models.API, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if api, ok := m.byID[id]; ok {
		return &api, nil
	}
	return nil, ErrNotFound
}

// Register stores a new API, enforcing id and slug uniqueness.
func (m *Memory) Register(ctx context.Context, api models.API) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.byID[api.ID]; ok {
		return ErrDuplicate
	}
	if _, ok := m.bySlug[api.Slug]; ok {
		return ErrDuplicate
	}
	m.byID[api.ID] = api
	m.bySlug[api.Slug] = api
	return nil
}
