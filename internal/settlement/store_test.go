package settlement

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/metergate/metergate/internal/models"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
)

func pending(payee uuid.UUID, amount string, createdAt time.Time) models.Settlement {
	d, _ := decimal.NewFromString(amount)
	return models.Settlement{
		ID:        uuid.New(),
		PayeeID:   payee,
		Amount:    d,
		Status:    models.SettlementStatusPending,
		CreatedAt: createdAt,
	}
}

func TestMemoryStore_StatusTransitionsAreOneWay(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	now := time.Now().UTC()

	s := pending(uuid.New(), "5.0", now)
	require.NoError(t, store.Create(ctx, s))

	require.NoError(t, store.Complete(ctx, s.ID, "tx-1", now))

	// Completed settlements never move again.
	require.ErrorIs(t, store.Complete(ctx, s.ID, "tx-2", now), ErrAlreadyDone)
	require.ErrorIs(t, store.Fail(ctx, s.ID, now), ErrAlreadyDone)

	got, err := store.Get(ctx, s.ID)
	require.NoError(t, err)
	require.Equal(t, models.SettlementStatusCompleted, got.Status)
	require.Equal(t, "tx-1", *got.TxRef)
}

func TestMemoryStore_FailedIsTerminal(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	now := time.Now().UTC()

	s := pending(uuid.New(), "5.0", now)
	require.NoError(t, store.Create(ctx, s))
	require.NoError(t, store.Fail(ctx, s.ID, now))
	require.ErrorIs(t, store.Complete(ctx, s.ID, "tx-1", now), ErrAlreadyDone)
}

func TestMemoryStore_UnknownID(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	_, err := store.Get(ctx, uuid.New())
	require.ErrorIs(t, err, ErrNotFound)
	require.ErrorIs(t, store.Complete(ctx, uuid.New(), "tx", time.Now()), ErrNotFound)
	require.ErrorIs(t, store.Fail(ctx, uuid.New(), time.Now()), ErrNotFound)
}

func TestMemoryStore_ByPayeePaginatesNewestFirst(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	payee := uuid.New()
	base := time.Now().UTC()

	var ids []uuid.UUID
	for i := 0; i < 5; i++ {
		s := pending(payee, "1.0", base.Add(time.Duration(i)*time.Minute))
		require.NoError(t, store.Create(ctx, s))
		ids = append(ids, s.ID)
	}
	// Another payee's settlement is invisible here.
	require.NoError(t, store.Create(ctx, pending(uuid.New(), "1.0", base)))

	page, total, err := store.ByPayee(ctx, payee, 2, 0)
	require.NoError(t, err)
	require.Equal(t, 5, total)
	require.Len(t, page, 2)
	require.Equal(t, ids[4], page[0].ID)
	require.Equal(t, ids[3], page[1].ID)

	page, _, err = store.ByPayee(ctx, payee, 2, 4)
	require.NoError(t, err)
	require.Len(t, page, 1)
	require.Equal(t, ids[0], page[0].ID)
}

func TestMemoryStore_Summarize(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	payee := uuid.New()
	now := time.Now().UTC()

	done := pending(payee, "3.0", now)
	failed := pending(payee, "2.0", now)
	open := pending(payee, "1.0", now)
	require.NoError(t, store.Create(ctx, done))
	require.NoError(t, store.Create(ctx, failed))
	require.NoError(t, store.Create(ctx, open))
	require.NoError(t, store.Complete(ctx, done.ID, "tx", now))
	require.NoError(t, store.Fail(ctx, failed.ID, now))

	summary, err := store.Summarize(ctx, payee)
	require.NoError(t, err)
	require.Equal(t, 3, summary.Total)
	require.Equal(t, 1, summary.Pending)
	require.Equal(t, 1, summary.Completed)
	require.Equal(t, 1, summary.Failed)
	require.True(t, summary.TotalAmount.Equal(decimal.NewFromFloat(6.0)))
	require.True(t, summary.SettledAmount.Equal(decimal.NewFromFloat(3.0)))
}
