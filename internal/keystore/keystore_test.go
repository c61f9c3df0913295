package keystore

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

func TestMemory_IssueAndLookup(t *testing.T) {
	store := NewMemory()
	ctx := context.Background()
	owner, api := uuid.New(), uuid.New()

	raw, record, err := store.Issue(ctx, owner, api)
	require.NoError(t, err)
	require.True(t, strings.HasPrefix(raw, "mg_"))
	require.Equal(t, raw[:KeyPrefixLen], record.KeyPrefix)
	require.Equal(t, HashKey(raw), record.KeyHash)

	got, err := store.Lookup(ctx, raw)
	require.NoError(t, err)
	require.Equal(t, record.ID, got.ID)
	require.Equal(t, owner, got.OwnerID)
	require.Equal(t, api, got.APIID)
}

func TestMemory_LookupUnknownKey(t *testing.T) {
	store := NewMemory()

	_, err := store.Lookup(context.Background(), "mg_does_not_exist")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestMemory_RevokedKeyIsRejectedImmediately(t *testing.T) {
	store := NewMemory()
	ctx := context.Background()

	raw, record, err := store.Issue(ctx, uuid.New(), uuid.New())
	require.NoError(t, err)

	require.NoError(t, store.Revoke(ctx, record.ID, time.Now().UTC()))

	_, err = store.Lookup(ctx, raw)
	require.ErrorIs(t, err, ErrRevoked)
}

func TestMemory_RevokeUnknownKey(t *testing.T) {
	store := NewMemory()

	err := store.Revoke(context.Background(), uuid.New(), time.Now().UTC())
	require.ErrorIs(t, err, ErrNotFound)
}

func TestMemory_GetReturnsRevokedKeys(t *testing.T) {
	store := NewMemory()
	ctx := context.Background()

	_, record, err := store.Issue(ctx, uuid.New(), uuid.New())
	require.NoError(t, err)
	require.NoError(t, store.Revoke(ctx, record.ID, time.Now().UTC()))

	got, err := store.Get(ctx, record.ID)
	require.NoError(t, err)
	require.True(t, got.Revoked())
}

func TestGenerateKey_UniqueAndWellFormed(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 100; i++ {
		raw, hash, prefix, err := generateKey()
		require.NoError(t, err)
		require.Len(t, raw, 3+48)
		require.Equal(t, raw[:KeyPrefixLen], prefix)
		require.Equal(t, HashKey(raw), hash)
		require.False(t, seen[raw], "raw keys must not repeat")
		seen[raw] = true
	}
}
