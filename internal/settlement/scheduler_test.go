package settlement

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
)

func TestScheduler_StartStop(t *testing.T) {
	f := newFixture(t, Config{MinPayout: decimal.NewFromFloat(1.0)})
	scheduler := NewScheduler(f.service, time.Hour)

	require.NoError(t, scheduler.Start(context.Background()))
	require.True(t, scheduler.IsRunning())
	require.Error(t, scheduler.Start(context.Background()), "double start must fail")

	scheduler.Stop()
	require.False(t, scheduler.IsRunning())

	// Stopping twice is safe.
	scheduler.Stop()
}

func TestScheduler_RunNowUpdatesStatus(t *testing.T) {
	f := newFixture(t, Config{MinPayout: decimal.NewFromFloat(1.0)})
	apiID, _ := f.addAPI(t)
	f.addEvents(t, apiID, 2, "1.0")

	scheduler := NewScheduler(f.service, time.Hour)

	status := scheduler.GetStatus()
	require.False(t, status.Running)
	require.Nil(t, status.LastRun)
	require.Nil(t, status.LastResult)

	result, err := scheduler.RunNow(context.Background())
	require.NoError(t, err)
	require.Equal(t, 2, result.EventsSettled)

	status = scheduler.GetStatus()
	require.NotNil(t, status.LastRun)
	require.NotNil(t, status.LastResult)
	require.Equal(t, 2, status.LastResult.EventsSettled)
}

func TestScheduler_TickRunsBatch(t *testing.T) {
	f := newFixture(t, Config{MinPayout: decimal.NewFromFloat(1.0)})
	apiID, _ := f.addAPI(t)
	f.addEvents(t, apiID, 1, "1.0")

	scheduler := NewScheduler(f.service, 10*time.Millisecond)
	require.NoError(t, scheduler.Start(context.Background()))
	defer scheduler.Stop()

	require.Eventually(t, func() bool {
		return scheduler.LastResult() != nil && scheduler.LastResult().EventsSettled == 1
	}, time.Second, 5*time.Millisecond)
}
