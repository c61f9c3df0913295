package keystore

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/metergate/metergate/internal/models"
)

// Memory is an in-memory Store for tests and single-node runs.
type Memory struct {
	mu     sync.RWMutex
	byHash map[string]models.APIKey
	byID   map[uuid.UUID]string
}

// NewMemory creates an empty in-memory key store.
func NewMemory() *Memory {
	return &Memory{
		byHash: make(map[string]models.APIKey),
		byID:   make(map[uuid.UUID]string),
	}
}

// Lookup returns the key record for a presented credential.
func (m *Memory) Lookup(ctx context.Context, rawKey string) (*models.APIKey, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	k, ok := m.byHash[HashKey(rawKey)]
	if !ok {
		return nil, ErrNotFound
	}
	if k.Revoked() {
		return nil, ErrRevoked
	}
	return &k, nil
}

// Issue generates and stores a fresh credential.
func (m *Memory) Issue(ctx context.Context, ownerID, apiID uuid.UUID) (string, *models.APIKey, error) {
	raw, hash, prefix, err := generateKey()
	if err != nil {
		return "", nil, err
	}

	k := models.APIKey{
		ID:        uuid.New(),
		KeyHash:   hash,
		KeyPrefix: prefix,
		OwnerID:   ownerID,
		APIID:     apiID,
		CreatedAt: time.Now().UTC(),
	}

	m.mu.Lock()
	m.byHash[hash] = k
	m.byID[k.ID] = hash
	m.mu.Unlock()

	return raw, &k, nil
}

// Get returns the key record by id.
func (m *Memory) Get(ctx context.Context, id uuid.UUID) (*models.APIKey, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	hash, ok := m.byID[id]
	if !ok {
		return nil, ErrNotFound
	}
	k := m.byHash[hash]
	return &k, nil
}

// Revoke marks a key as revoked.
func (m *Memory) Revoke(ctx context.Context, id uuid.UUID, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	hash, ok := m.byID[id]
	if !ok {
		return ErrNotFound
	}
	k := m.byHash[hash]
	k.RevokedAt = &at
	m.byHash[hash] = k
	return nil
}
