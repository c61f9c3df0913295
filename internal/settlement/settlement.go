// Package settlement converts accumulated unsettled usage into payouts
// on the external settlement network.
package settlement

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/metergate/metergate/internal/logging"
	"github.com/metergate/metergate/internal/models"
	"github.com/metergate/metergate/internal/registry"
	"github.com/metergate/metergate/internal/usage"
	"github.com/shopspring/decimal"
)

// Service errors
var (
	// ErrBatchInProgress means a batch run was requested while one is
	// already in flight. Two overlapping batches could double-group
	// the same unsettled events, so only one runs at a time.
	ErrBatchInProgress = errors.New("settlement batch already in progress")
)

// Config holds the batcher's payout policy.
type Config struct {
	// MinPayout is the minimum summed charge for an owner group to be
	// paid out; groups below it stay unsettled for the next run.
	MinPayout decimal.Decimal
	// MaxEventsPerOwner caps how many events one owner group may
	// include per batch; the rest wait for the next run.
	MaxEventsPerOwner int
}

// Service is the usage-settlement batcher. It exclusively owns the
// write path to settlement records and to usage events' settlement id.
type Service struct {
	usage    usage.Store
	registry registry.Store
	store    Store
	network  Network
	cfg      Config

	// runMu is the single-flight guard; Run refuses to overlap.
	runMu sync.Mutex
	now   func() time.Time
}

// NewService creates a settlement batcher.
func NewService(usageStore usage.Store, reg registry.Store, store Store, network Network, cfg Config) *Service {
	return &Service{
		usage:    usageStore,
		registry: reg,
		store:    store,
		network:  network,
		cfg:      cfg,
		now:      time.Now,
	}
}

// BatchResult reports one batch run for observability.
type BatchResult struct {
	EventsConsidered int             `json:"events_considered"`
	EventsSettled    int             `json:"events_settled"`
	AmountSettled    decimal.Decimal `json:"amount_settled"`
	OwnersPaid       int             `json:"owners_paid"`
	FailedGroups     int             `json:"failed_groups"`
}

// ownerGroup collects one payee's events for this batch.
type ownerGroup struct {
	payeeID  uuid.UUID
	eventIDs []uuid.UUID
	total    decimal.Decimal
	capped   bool
}

// Run executes one settlement batch: fetch unsettled usage, group by
// payee under the per-batch cap, pay out groups over the threshold,
// and reconcile each transfer result. A failing group never aborts the
// others; its events stay unsettled and re-aggregate into a fresh
// settlement next run.
func (s *Service) Run(ctx context.Context) (*BatchResult, error) {
	if !s.runMu.TryLock() {
		return nil, ErrBatchInProgress
	}
	defer s.runMu.Unlock()

	log := logging.NewLogger("settlement")

	events, err := s.usage.Unsettled(ctx)
	if err != nil {
		return nil, err
	}

	result := &BatchResult{AmountSettled: decimal.Zero}
	groups := s.group(ctx, events, result)

	for _, g := range groups {
		if g.total.LessThan(s.cfg.MinPayout) {
			continue
		}

		settled, amount, err := s.payout(ctx, g)
		if err != nil {
			result.FailedGroups++
			log.Warn().
				Err(err).
				Str("payee_id", g.payeeID.String()).
				Str("amount", g.total.String()).
				Msg("Owner group payout failed")
			continue
		}

		result.OwnersPaid++
		result.EventsSettled += settled
		result.AmountSettled = result.AmountSettled.Add(amount)
	}

	log.Info().
		Int("events_considered", result.EventsConsidered).
		Int("events_settled", result.EventsSettled).
		Int("owners_paid", result.OwnersPaid).
		Int("failed_groups", result.FailedGroups).
		Str("amount_settled", result.AmountSettled.String()).
		Msg("Settlement batch finished")

	return result, nil
}

// group buckets unsettled events by payee. Zero and negative charges
// never contribute to a payout and stay unsettled indefinitely. An
// event whose API is gone is deferred, not failed: it stays unsettled
// until the registry entry reappears.
func (s *Service) group(ctx context.Context, events []models.UsageEvent, result *BatchResult) map[uuid.UUID]*ownerGroup {
	log := logging.NewLogger("settlement")
	groups := make(map[uuid.UUID]*ownerGroup)
	owners := make(map[uuid.UUID]uuid.UUID) // api id -> payee id
	missing := make(map[uuid.UUID]bool)

	for _, e := range events {
		if !e.AmountCharged.IsPositive() {
			continue
		}
		result.EventsConsidered++

		payeeID, ok := owners[e.APIID]
		if !ok {
			if missing[e.APIID] {
				continue
			}
			api, err := s.registry.Get(ctx, e.APIID)
			if err != nil {
				missing[e.APIID] = true
				if !errors.Is(err, registry.ErrNotFound) {
					log.Warn().Err(err).Str("api_id", e.APIID.String()).Msg("Registry lookup failed; deferring events")
				}
				continue
			}
			payeeID = api.OwnerID
			owners[e.APIID] = payeeID
		}

		g := groups[payeeID]
		if g == nil {
			g = &ownerGroup{payeeID: payeeID, total: decimal.Zero}
			groups[payeeID] = g
		}
		if s.cfg.MaxEventsPerOwner > 0 && len(g.eventIDs) >= s.cfg.MaxEventsPerOwner {
			g.capped = true
			continue
		}
		g.eventIDs = append(g.eventIDs, e.ID)
		g.total = g.total.Add(e.AmountCharged)
	}

	return groups
}

// payout settles one owner group: pending record first, then the
// external transfer, then reconciliation.
func (s *Service) payout(ctx context.Context, g *ownerGroup) (int, decimal.Decimal, error) {
	log := logging.NewLogger("settlement")
	now := s.now().UTC()

	stl := models.Settlement{
		ID:        uuid.New(),
		PayeeID:   g.payeeID,
		Amount:    g.total,
		Status:    models.SettlementStatusPending,
		CreatedAt: now,
	}

	// The pending record goes in before the transfer so a crash
	// between the two is detectable from stored state.
	if err := s.store.Create(ctx, stl); err != nil {
		return 0, decimal.Zero, err
	}

	txRef, err := s.network.Distribute(ctx, g.payeeID, g.total)
	if err != nil {
		// The failed record is permanent history; the events stay
		// unsettled and re-aggregate into a new settlement next run.
		if failErr := s.store.Fail(ctx, stl.ID, s.now().UTC()); failErr != nil {
			log.Error().Err(failErr).Str("settlement_id", stl.ID.String()).Msg("Failed to mark settlement failed")
		}
		logging.LogSettlement(stl.ID.String(), g.payeeID.String(), string(models.SettlementStatusFailed), g.total.String())
		return 0, decimal.Zero, err
	}

	if err := s.store.Complete(ctx, stl.ID, txRef, s.now().UTC()); err != nil {
		return 0, decimal.Zero, err
	}

	// Completion and event marking belong to the same logical step.
	// A completed settlement with unmarked events is a correctness
	// bug, so a marking failure is loud.
	if err := s.usage.MarkSettled(ctx, g.eventIDs, stl.ID); err != nil {
		log.Error().
			Err(err).
			Str("settlement_id", stl.ID.String()).
			Int("events", len(g.eventIDs)).
			Msg("Settlement completed but events not marked; manual reconciliation required")
		return 0, decimal.Zero, err
	}

	logging.LogSettlement(stl.ID.String(), g.payeeID.String(), string(models.SettlementStatusCompleted), g.total.String())
	return len(g.eventIDs), g.total, nil
}
