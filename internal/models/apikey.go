package models

import (
	"time"

	"github.com/google/uuid"
)

// APIKey represents a caller credential.
// A key is scoped to exactly one API; presenting it against any other
// API is treated as an unknown key.
type APIKey struct {
	ID        uuid.UUID  `json:"id" db:"id"`
	KeyHash   string     `json:"-" db:"key_hash"`
	KeyPrefix string     `json:"key_prefix" db:"key_prefix"`
	OwnerID   uuid.UUID  `json:"owner_id" db:"owner_id"`
	APIID     uuid.UUID  `json:"api_id" db:"api_id"`
	CreatedAt time.Time  `json:"created_at" db:"created_at"`
	RevokedAt *time.Time `json:"revoked_at,omitempty" db:"revoked_at"`
}

// Revoked reports whether the key has been revoked.
func (k *APIKey) Revoked() bool {
	return k.RevokedAt != nil
}
