package models

import (
	"time"

	"github.com/google/uuid"
)

// API represents a registered upstream API.
// Entries are immutable once registered; both ID and Slug are unique
// across the registry and resolve to the same entry.
type API struct {
	ID        uuid.UUID `json:"id" db:"id"`
	Slug      string    `json:"slug" db:"slug"`
	BaseURL   string    `json:"base_url" db:"base_url"`
	OwnerID   uuid.UUID `json:"owner_id" db:"owner_id"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
}
