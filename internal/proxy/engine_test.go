package proxy

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/metergate/metergate/internal/billing"
	apierrors "github.com/metergate/metergate/internal/errors"
	"github.com/metergate/metergate/internal/keystore"
	"github.com/metergate/metergate/internal/models"
	"github.com/metergate/metergate/internal/ratelimit"
	"github.com/metergate/metergate/internal/registry"
	"github.com/metergate/metergate/internal/usage"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
)

const testKeyHeader = "X-Metergate-Key"

type fixture struct {
	engine   *Engine
	registry *registry.Memory
	keys     *keystore.Memory
	ledger   *billing.MemoryLedger
	usage    *usage.Memory

	api    models.API
	rawKey string
	key    *models.APIKey
	caller uuid.UUID
}

// newFixture wires an engine over memory stores with one registered
// API, one key for it and a funded caller account.
func newFixture(t *testing.T, upstreamURL string, cfg Config) *fixture {
	t.Helper()
	ctx := context.Background()

	f := &fixture{
		registry: registry.NewMemory(),
		keys:     keystore.NewMemory(),
		ledger:   billing.NewMemoryLedger(),
		usage:    usage.NewMemory(),
	}

	f.api = models.API{
		ID:      uuid.New(),
		Slug:    "weather",
		BaseURL: upstreamURL,
		OwnerID: uuid.New(),
	}
	require.NoError(t, f.registry.Register(ctx, f.api))

	f.caller = uuid.New()
	var err error
	f.rawKey, f.key, err = f.keys.Issue(ctx, f.caller, f.api.ID)
	require.NoError(t, err)

	_, err = f.ledger.Credit(ctx, f.caller, decimal.NewFromFloat(50.0))
	require.NoError(t, err)

	if cfg.KeyHeader == "" {
		cfg.KeyHeader = testKeyHeader
	}
	if cfg.CostPerCall.IsZero() {
		cfg.CostPerCall = decimal.NewFromFloat(1.0)
	}
	if cfg.UpstreamTimeout == 0 {
		cfg.UpstreamTimeout = 5 * time.Second
	}

	limiter := ratelimit.NewLimiter(ratelimit.NewMemoryStore(), ratelimit.Config{
		Capacity: 1000,
		Window:   time.Minute,
	})
	f.engine = NewEngine(f.registry, f.keys, limiter, f.ledger, f.usage, cfg)
	return f
}

// call runs one request through the engine.
func (f *fixture) call(t *testing.T, method, slugOrID, path string, key string) (*httptest.ResponseRecorder, Outcome, *apierrors.APIError) {
	t.Helper()
	req := httptest.NewRequest(method, "http://gateway/v1/"+slugOrID+path, nil)
	if key != "" {
		req.Header.Set(testKeyHeader, key)
	}
	w := httptest.NewRecorder()
	outcome, apiErr := f.engine.Handle(w, Request{
		SlugOrID:      slugOrID,
		TrailingPath:  path,
		CorrelationID: uuid.NewString(),
		Inbound:       req,
	})
	return w, outcome, apiErr
}

func TestHandle_ForwardsAndCharges(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Upstream", "yes")
		w.WriteHeader(http.StatusOK)
		io.WriteString(w, `{"ok":true}`)
	}))
	defer upstream.Close()

	f := newFixture(t, upstream.URL, Config{})

	for i := 0; i < 5; i++ {
		w, outcome, apiErr := f.call(t, http.MethodGet, "weather", "/forecast", f.rawKey)
		require.Nil(t, apiErr)
		require.True(t, outcome.Forwarded)
		require.Equal(t, http.StatusOK, w.Code)
		require.Equal(t, `{"ok":true}`, w.Body.String())
		require.Equal(t, "yes", w.Header().Get("X-Upstream"))
		require.NotEmpty(t, w.Header().Get("X-Correlation-ID"))
	}

	balance, err := f.ledger.Balance(context.Background(), f.caller)
	require.NoError(t, err)
	require.True(t, balance.Equal(decimal.NewFromFloat(45.0)), "five calls at 1.0 each, got %s", balance)

	events, err := f.usage.ByOwner(context.Background(), f.api.OwnerID)
	require.NoError(t, err)
	require.Len(t, events, 5, "exactly one event per forwarded call")
	for _, e := range events {
		require.Equal(t, http.StatusOK, e.StatusCode)
		require.Equal(t, f.key.ID, e.APIKeyID)
		require.True(t, e.AmountCharged.Equal(decimal.NewFromFloat(1.0)))
		require.Nil(t, e.SettlementID)
	}
}

func TestHandle_ResolvesByIDAndSlugEqually(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer upstream.Close()

	f := newFixture(t, upstream.URL, Config{})

	_, outcome, apiErr := f.call(t, http.MethodGet, f.api.ID.String(), "/x", f.rawKey)
	require.Nil(t, apiErr)
	require.True(t, outcome.Forwarded)
}

func TestHandle_UnknownAPI(t *testing.T) {
	f := newFixture(t, "http://127.0.0.1:0", Config{})

	_, outcome, apiErr := f.call(t, http.MethodGet, "nope", "/x", f.rawKey)
	require.NotNil(t, apiErr)
	require.Equal(t, apierrors.ErrAPINotFound, apiErr.Code)
	require.False(t, outcome.Forwarded)

	f.requireNoChargeNoEvents(t)
}

func TestHandle_MissingKey(t *testing.T) {
	f := newFixture(t, "http://127.0.0.1:0", Config{})

	_, _, apiErr := f.call(t, http.MethodGet, "weather", "/x", "")
	require.NotNil(t, apiErr)
	require.Equal(t, apierrors.ErrMissingAPIKey, apiErr.Code)

	f.requireNoChargeNoEvents(t)
}

func TestHandle_InvalidRevokedAndWrongScopeKeysAreIndistinguishable(t *testing.T) {
	f := newFixture(t, "http://127.0.0.1:0", Config{})
	ctx := context.Background()

	// Unknown key
	_, _, apiErr := f.call(t, http.MethodGet, "weather", "/x", "mg_bogus")
	require.NotNil(t, apiErr)
	require.Equal(t, apierrors.ErrInvalidAPIKey, apiErr.Code)

	// Key scoped to a different API
	other := models.API{ID: uuid.New(), Slug: "other", BaseURL: "http://127.0.0.1:0", OwnerID: uuid.New()}
	require.NoError(t, f.registry.Register(ctx, other))
	otherRaw, _, err := f.keys.Issue(ctx, f.caller, other.ID)
	require.NoError(t, err)
	_, _, apiErr = f.call(t, http.MethodGet, "weather", "/x", otherRaw)
	require.NotNil(t, apiErr)
	require.Equal(t, apierrors.ErrInvalidAPIKey, apiErr.Code)

	// Revoked key
	require.NoError(t, f.keys.Revoke(ctx, f.key.ID, time.Now().UTC()))
	_, _, apiErr = f.call(t, http.MethodGet, "weather", "/x", f.rawKey)
	require.NotNil(t, apiErr)
	require.Equal(t, apierrors.ErrInvalidAPIKey, apiErr.Code)

	f.requireNoChargeNoEvents(t)
}

func TestHandle_RateLimitedBeforeBilling(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer upstream.Close()

	f := newFixture(t, upstream.URL, Config{})
	f.engine.limiter = ratelimit.NewLimiter(ratelimit.NewMemoryStore(), ratelimit.Config{
		Capacity: 2,
		Window:   time.Minute,
	})

	for i := 0; i < 2; i++ {
		_, _, apiErr := f.call(t, http.MethodGet, "weather", "/x", f.rawKey)
		require.Nil(t, apiErr)
	}

	_, _, apiErr := f.call(t, http.MethodGet, "weather", "/x", f.rawKey)
	require.NotNil(t, apiErr)
	require.Equal(t, apierrors.ErrRateLimited, apiErr.Code)
	details := apiErr.Details.(map[string]int64)
	require.GreaterOrEqual(t, details["retry_after_seconds"], int64(1))

	// The denied call was not charged and produced no event.
	balance, err := f.ledger.Balance(context.Background(), f.caller)
	require.NoError(t, err)
	require.True(t, balance.Equal(decimal.NewFromFloat(48.0)))

	events, err := f.usage.ByOwner(context.Background(), f.api.OwnerID)
	require.NoError(t, err)
	require.Len(t, events, 2)
}

func TestHandle_InsufficientBalance(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer upstream.Close()

	f := newFixture(t, upstream.URL, Config{CostPerCall: decimal.NewFromFloat(100.0)})

	_, _, apiErr := f.call(t, http.MethodGet, "weather", "/x", f.rawKey)
	require.NotNil(t, apiErr)
	require.Equal(t, apierrors.ErrInsufficientBalance, apiErr.Code)
	details := apiErr.Details.(map[string]string)
	require.Equal(t, "50", details["balance"])

	events, err := f.usage.ByOwner(context.Background(), f.api.OwnerID)
	require.NoError(t, err)
	require.Empty(t, events, "denied calls never produce events")
}

func TestHandle_UpstreamErrorsPassThroughAndStillCharge(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer upstream.Close()

	f := newFixture(t, upstream.URL, Config{})

	w, outcome, apiErr := f.call(t, http.MethodGet, "weather", "/x", f.rawKey)
	require.Nil(t, apiErr, "an upstream 5xx is a successful proxy operation")
	require.True(t, outcome.Forwarded)
	require.Equal(t, http.StatusInternalServerError, w.Code)

	balance, err := f.ledger.Balance(context.Background(), f.caller)
	require.NoError(t, err)
	require.True(t, balance.Equal(decimal.NewFromFloat(49.0)), "pay for the attempt, not the result")

	events, err := f.usage.ByOwner(context.Background(), f.api.OwnerID)
	require.NoError(t, err)
	require.Len(t, events, 1)
	require.Equal(t, http.StatusInternalServerError, events[0].StatusCode)
}

func TestHandle_UpstreamTimeout(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(200 * time.Millisecond)
	}))
	defer upstream.Close()

	f := newFixture(t, upstream.URL, Config{UpstreamTimeout: 50 * time.Millisecond})

	_, outcome, apiErr := f.call(t, http.MethodGet, "weather", "/slow", f.rawKey)
	require.NotNil(t, apiErr)
	require.Equal(t, apierrors.ErrUpstreamTimeout, apiErr.Code)
	require.Equal(t, http.StatusGatewayTimeout, outcome.StatusCode)
	require.True(t, outcome.Forwarded)

	// Timeouts are still charged and still recorded.
	balance, err := f.ledger.Balance(context.Background(), f.caller)
	require.NoError(t, err)
	require.True(t, balance.Equal(decimal.NewFromFloat(49.0)))

	events, err := f.usage.ByOwner(context.Background(), f.api.OwnerID)
	require.NoError(t, err)
	require.Len(t, events, 1)
	require.Equal(t, http.StatusGatewayTimeout, events[0].StatusCode)
}

func TestHandle_UpstreamUnreachable(t *testing.T) {
	// A server that is already closed.
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	upstream.Close()

	f := newFixture(t, upstream.URL, Config{})

	_, outcome, apiErr := f.call(t, http.MethodGet, "weather", "/x", f.rawKey)
	require.NotNil(t, apiErr)
	require.Equal(t, apierrors.ErrUpstreamUnreachable, apiErr.Code)
	require.Equal(t, http.StatusBadGateway, outcome.StatusCode)

	events, err := f.usage.ByOwner(context.Background(), f.api.OwnerID)
	require.NoError(t, err)
	require.Len(t, events, 1)
	require.Equal(t, http.StatusBadGateway, events[0].StatusCode)
}

func TestHandle_HeaderHygieneAndPathForwarding(t *testing.T) {
	var seen *http.Request
	var seenPath, seenQuery string
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = r.Clone(context.Background())
		seenPath = r.URL.Path
		seenQuery = r.URL.RawQuery
		w.WriteHeader(http.StatusOK)
	}))
	defer upstream.Close()

	f := newFixture(t, upstream.URL+"/base", Config{})

	req := httptest.NewRequest(http.MethodGet, "http://gateway/v1/weather/cities/osaka?units=metric", nil)
	req.Header.Set(testKeyHeader, f.rawKey)
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Proxy-Authorization", "secret")
	w := httptest.NewRecorder()

	_, apiErr := f.engine.Handle(w, Request{
		SlugOrID:      "weather",
		TrailingPath:  "/cities/osaka",
		CorrelationID: "corr-123",
		Inbound:       req,
	})
	require.Nil(t, apiErr)

	require.Equal(t, "/base/cities/osaka", seenPath)
	require.Equal(t, "units=metric", seenQuery)
	require.Empty(t, seen.Header.Get(testKeyHeader), "credential must never reach the upstream")
	require.Empty(t, seen.Header.Get("Proxy-Authorization"))
	require.Equal(t, "application/json", seen.Header.Get("Accept"))
	require.Equal(t, "corr-123", seen.Header.Get("X-Correlation-ID"))
	require.Equal(t, "corr-123", w.Header().Get("X-Correlation-ID"))
}

// requireNoChargeNoEvents asserts the pipeline short-circuited before
// billing and recording.
func (f *fixture) requireNoChargeNoEvents(t *testing.T) {
	t.Helper()
	balance, err := f.ledger.Balance(context.Background(), f.caller)
	require.NoError(t, err)
	require.True(t, balance.Equal(decimal.NewFromFloat(50.0)))

	events, err := f.usage.ByOwner(context.Background(), f.api.OwnerID)
	require.NoError(t, err)
	require.Empty(t, events)
}
