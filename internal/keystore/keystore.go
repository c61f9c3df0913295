package keystore

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/metergate/metergate/internal/models"
)

// Store errors
var (
	ErrNotFound = errors.New("api key not found")
	ErrRevoked  = errors.New("api key has been revoked")
)

// KeyPrefixLen is how many characters of the raw key are kept for
// display purposes.
const KeyPrefixLen = 11

// Store maps presented credentials to the account and API they are
// scoped to. Raw keys are never persisted; lookup is by SHA-256 hash.
type Store interface {
	// Lookup returns the key record for a presented credential.
	// Revoked keys return ErrRevoked; unknown keys ErrNotFound.
	Lookup(ctx context.Context, rawKey string) (*models.APIKey, error)

	// Issue generates a fresh credential scoped to one API and
	// returns the raw key once, alongside the stored record.
	Issue(ctx context.Context, ownerID, apiID uuid.UUID) (string, *models.APIKey, error)

	// Get returns the key record by id, revoked or not.
	Get(ctx context.Context, id uuid.UUID) (*models.APIKey, error)

	// Revoke marks a key as revoked.
	Revoke(ctx context.Context, id uuid.UUID, at time.Time) error
}

// generateKey produces a raw credential, its storage hash and its
// display prefix.
func generateKey() (raw, hash, prefix string, err error) {
	buf := make([]byte, 24)
	if _, err = rand.Read(buf); err != nil {
		return "", "", "", fmt.Errorf("failed to generate key material: %w", err)
	}
	raw = "mg_" + hex.EncodeToString(buf)
	hash = HashKey(raw)
	prefix = raw[:KeyPrefixLen]
	return raw, hash, prefix, nil
}

// HashKey returns the storage hash for a raw credential.
func HashKey(raw string) string {
	sum := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:])
}
