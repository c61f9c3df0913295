package registry

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/metergate/metergate/internal/models"
	"github.com/stretchr/testify/require"
)

func TestMemory_ResolveByIDAndSlug(t *testing.T) {
	store := NewMemory()
	ctx := context.Background()

	api := models.API{
		ID:        uuid.New(),
		Slug:      "weather",
		BaseURL:   "https://api.example.com/weather",
		OwnerID:   uuid.New(),
		CreatedAt: time.Now().UTC(),
	}
	require.NoError(t, store.Register(ctx, api))

	byID, err := store.Resolve(ctx, api.ID.String())
	require.NoError(t, err)
	require.Equal(t, api.ID, byID.ID)

	bySlug, err := store.Resolve(ctx, "weather")
	require.NoError(t, err)
	require.Equal(t, api.ID, bySlug.ID, "id and slug must resolve to the same entry")
}

func TestMemory_ResolveUnknown(t *testing.T) {
	store := NewMemory()

	_, err := store.Resolve(context.Background(), "nope")
	require.ErrorIs(t, err, ErrNotFound)

	_, err = store.Resolve(context.Background(), uuid.New().String())
	require.ErrorIs(t, err, ErrNotFound)
}

func TestMemory_RegisterRejectsDuplicates(t *testing.T) {
	store := NewMemory()
	ctx := context.Background()

	api := models.API{ID: uuid.New(), Slug: "weather", BaseURL: "https://a.example.com", OwnerID: uuid.New()}
	require.NoError(t, store.Register(ctx, api))

	sameSlug := models.API{ID: uuid.New(), Slug: "weather", BaseURL: "https://b.example.com", OwnerID: uuid.New()}
	require.ErrorIs(t, store.Register(ctx, sameSlug), ErrDuplicate)

	sameID := models.API{ID: api.ID, Slug: "other", BaseURL: "https://c.example.com", OwnerID: uuid.New()}
	require.ErrorIs(t, store.Register(ctx, sameID), ErrDuplicate)
}

func TestMemory_GetByID(t *testing.T) {
	store := NewMemory()
	ctx := context.Background()

	api := models.API{ID: uuid.New(), Slug: "geo", BaseURL: "https://geo.example.com", OwnerID: uuid.New()}
	require.NoError(t, store.Register(ctx, api))

	got, err := store.Get(ctx, api.ID)
	require.NoError(t, err)
	require.Equal(t, api.OwnerID, got.OwnerID)

	_, err = store.Get(ctx, uuid.New())
	require.ErrorIs(t, err, ErrNotFound)
}
