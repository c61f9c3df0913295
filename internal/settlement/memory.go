package settlement

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/metergate/metergate/internal/models"
	"github.com/shopspring/decimal"
)

// MemoryStore is an in-memory Store for tests and single-node runs.
type MemoryStore struct {
	mu          sync.RWMutex
	settlements map[uuid.UUID]models.Settlement
}

// NewMemoryStore creates an empty in-memory settlement store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{settlements: make(map[uuid.UUID]models.Settlement)}
}

// Create stores a new settlement.
func (m *MemoryStore) Create(ctx context.Context, s models.Settlement) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.settlements[s.ID] = s
	return nil
}

// Complete transitions pending -> completed.
func (m *MemoryStore) Complete(ctx context.Context, id uuid.UUID, txRef string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.settlements[id]
	if !ok {
		return ErrNotFound
	}
	if s.Status != models.SettlementStatusPending {
		return ErrAlreadyDone
	}
	s.Status = models.SettlementStatusCompleted
	s.TxRef = &txRef
	s.SettledAt = &at
	m.settlements[id] = s
	return nil
}

// Fail transitions pending -> failed.
func (m *MemoryStore) Fail(ctx context.Context, id uuid.UUID, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.settlements[id]
	if !ok {
		return ErrNotFound
	}
	if s.Status != models.SettlementStatusPending {
		return ErrAlreadyDone
	}
	s.Status = models.SettlementStatusFailed
	s.SettledAt = &at
	m.settlements[id] = s
	return nil
}

// Get retrieves a settlement by id.
func (m *MemoryStore) Get(ctx context.Context, id uuid.UUID) (*models.Settlement, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	s, ok := m.settlements[id]
	if !ok {
		return nil, ErrNotFound
	}
	return &s, nil
}

// ByPayee returns a payee's settlements newest-first.
func (m *MemoryStore) ByPayee(ctx context.Context, payeeID uuid.UUID, limit, offset int) ([]models.Settlement, int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var all []models.Settlement
	for _, s := range m.settlements {
		if s.PayeeID == payeeID {
			all = append(all, s)
		}
	}
	sort.Slice(all, func(i, j int) bool {
		return all[i].CreatedAt.After(all[j].CreatedAt)
	})

	total := len(all)
	if offset >= total {
		return nil, total, nil
	}
	end := offset + limit
	if limit <= 0 || end > total {
		end = total
	}
	return all[offset:end], total, nil
}

// Summarize aggregates a payee's settlements by status.
func (m *MemoryStore) Summarize(ctx context.Context, payeeID uuid.UUID) (*Summary, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	summary := &Summary{
		TotalAmount:   decimal.Zero,
		SettledAmount: decimal.Zero,
	}
	for _, s := range m.settlements {
		if s.PayeeID != payeeID {
			continue
		}
		summary.Total++
		summary.TotalAmount = summary.TotalAmount.Add(s.Amount)
		switch s.Status {
		case models.SettlementStatusPending:
			summary.Pending++
		case models.SettlementStatusCompleted:
			summary.Completed++
			summary.SettledAmount = summary.SettledAmount.Add(s.Amount)
		case models.SettlementStatusFailed:
			summary.Failed++
		}
	}
	return summary, nil
}
