package usage

import (
	"context"
	"sync"

	"github.com/google/uuid"
	"github.com/metergate/metergate/internal/models"
)

// Memory is an in-memory Store for tests and single-node runs.
type Memory struct {
	mu     sync.RWMutex
	events map[uuid.UUID]models.UsageEvent
}

// NewMemory creates an empty in-memory usage store.
func NewMemory() *Memory {
	return &Memory{events: make(map[uuid.UUID]models.UsageEvent)}
}

// Record appends an event; an existing id is never overwritten.
func (m *Memory) Record(ctx context.Context, event models.UsageEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.events[event.ID]; ok {
		return ErrDuplicateID
	}
	m.events[event.ID] = event
	return nil
}

// Unsettled returns every event without a settlement id.
func (m *Memory) Unsettled(ctx context.Context) ([]models.UsageEvent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []models.UsageEvent
	for _, e := range m.events {
		if !e.Settled() {
			out = append(out, e)
		}
	}
	return out, nil
}

// MarkSettled attaches settlementID to the given ids atomically.
func (m *Memory) MarkSettled(ctx context.Context, eventIDs []uuid.UUID, settlementID uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	// Validate the whole set before touching anything so the
	// operation is all-or-nothing.
	for _, id := range eventIDs {
		e, ok := m.events[id]
		if !ok {
			continue
		}
		if e.SettlementID != nil && *e.SettlementID != settlementID {
			return ErrSettlementConflict
		}
	}

	for _, id := range eventIDs {
		e, ok := m.events[id]
		if !ok {
			continue
		}
		sid := settlementID
		e.SettlementID = &sid
		m.events[id] = e
	}
	return nil
}

// ByOwner returns all events recorded against one owner.
func (m *Memory) ByOwner(ctx context.Context, ownerID uuid.UUID) ([]models.UsageEvent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []models.UsageEvent
	for _, e := range m.events {
		if e.OwnerID != nil && *e.OwnerID == ownerID {
			out = append(out, e)
		}
	}
	return out, nil
}
