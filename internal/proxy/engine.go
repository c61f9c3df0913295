// Package proxy implements the metered request pipeline:
// resolve, authenticate, rate-limit, bill, forward, stream, record.
package proxy

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/metergate/metergate/internal/billing"
	apierrors "github.com/metergate/metergate/internal/errors"
	"github.com/metergate/metergate/internal/keystore"
	"github.com/metergate/metergate/internal/logging"
	"github.com/metergate/metergate/internal/models"
	"github.com/metergate/metergate/internal/ratelimit"
	"github.com/metergate/metergate/internal/registry"
	"github.com/metergate/metergate/internal/usage"
	"github.com/shopspring/decimal"
)

// Config holds the engine's request-path policy.
type Config struct {
	// KeyHeader is the credential header; it is required inbound and
	// stripped from the outbound header set.
	KeyHeader string
	// CostPerCall is deducted from the caller's account before every
	// forwarded call.
	CostPerCall decimal.Decimal
	// UpstreamTimeout is a single deadline covering connect plus
	// response for the upstream call.
	UpstreamTimeout time.Duration
}

// Engine orchestrates the request pipeline over its collaborator
// interfaces. It owns no cross-request state; all shared mutable state
// lives behind the limiter and the ledger.
type Engine struct {
	registry registry.Store
	keys     keystore.Store
	limiter  *ratelimit.Limiter
	ledger   billing.Ledger
	usage    usage.Store
	client   *http.Client
	cfg      Config
}

// NewEngine creates a proxy engine.
func NewEngine(
	reg registry.Store,
	keys keystore.Store,
	limiter *ratelimit.Limiter,
	ledger billing.Ledger,
	usageStore usage.Store,
	cfg Config,
) *Engine {
	return &Engine{
		registry: reg,
		keys:     keys,
		limiter:  limiter,
		ledger:   ledger,
		usage:    usageStore,
		client: &http.Client{
			// Redirects from the upstream are passed through, not
			// followed on the caller's behalf.
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
		cfg: cfg,
	}
}

// Request carries one inbound proxied call into the pipeline.
type Request struct {
	// SlugOrID is the registry path segment supplied by the caller.
	SlugOrID string
	// TrailingPath is forwarded to the resolved upstream base URL.
	TrailingPath string
	// CorrelationID is generated fresh per request by the server.
	CorrelationID string
	// Inbound is the caller's HTTP request.
	Inbound *http.Request
}

// Outcome reports what the pipeline did, for logging and metrics.
type Outcome struct {
	StatusCode int
	Charged    decimal.Decimal
	Forwarded  bool
}

// hopByHopHeaders never cross the proxy in either direction.
var hopByHopHeaders = []string{
	"Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

// Handle runs the pipeline for one request. Terminal short-circuits
// return an APIError for the server to render; a forwarded response is
// written to w directly and a nil error returned. Every request that
// reaches the forwarding stage produces exactly one usage event,
// whatever the upstream outcome.
func (e *Engine) Handle(w http.ResponseWriter, req Request) (Outcome, *apierrors.APIError) {
	ctx := req.Inbound.Context()

	// Resolve
	api, err := e.registry.Resolve(ctx, req.SlugOrID)
	if err != nil {
		if errors.Is(err, registry.ErrNotFound) {
			return Outcome{StatusCode: http.StatusNotFound}, apierrors.ErrAPINotFoundError
		}
		return Outcome{StatusCode: http.StatusInternalServerError}, apierrors.ErrInternalServerError
	}

	// Authenticate. Unknown, revoked and wrong-API keys are all the
	// same answer so callers cannot probe key scoping.
	rawKey := req.Inbound.Header.Get(e.cfg.KeyHeader)
	if rawKey == "" {
		return Outcome{StatusCode: http.StatusUnauthorized}, apierrors.ErrMissingAPIKeyError
	}
	key, err := e.keys.Lookup(ctx, rawKey)
	if err != nil {
		if errors.Is(err, keystore.ErrNotFound) || errors.Is(err, keystore.ErrRevoked) {
			return Outcome{StatusCode: http.StatusUnauthorized}, apierrors.ErrInvalidAPIKeyError
		}
		return Outcome{StatusCode: http.StatusInternalServerError}, apierrors.ErrInternalServerError
	}
	if key.APIID != api.ID {
		return Outcome{StatusCode: http.StatusUnauthorized}, apierrors.ErrInvalidAPIKeyError
	}

	// Admission control, always before billing: a rate-limited
	// request is never charged.
	rl, err := e.limiter.Check(ctx, key.KeyHash)
	if err != nil {
		return Outcome{StatusCode: http.StatusInternalServerError}, apierrors.ErrInternalServerError
	}
	if !rl.Allowed {
		retryAfter := wholeSeconds(rl.RetryAfter)
		return Outcome{StatusCode: http.StatusTooManyRequests}, apierrors.NewRateLimitError(retryAfter)
	}

	// Billing
	deduction, err := e.ledger.Deduct(ctx, key.OwnerID, e.cfg.CostPerCall)
	if err != nil {
		return Outcome{StatusCode: http.StatusInternalServerError}, apierrors.ErrInternalServerError
	}
	if !deduction.OK {
		return Outcome{StatusCode: http.StatusPaymentRequired},
			apierrors.NewInsufficientBalanceError(deduction.Balance.String())
	}

	// Forward. From here on the attempt is always recorded and the
	// charge already taken stands, timeout or not.
	statusCode, apiErr := e.forward(w, req, api)

	e.record(models.UsageEvent{
		ID:            uuid.New(),
		APIKeyID:      key.ID,
		APIID:         api.ID,
		OwnerID:       &api.OwnerID,
		StatusCode:    statusCode,
		AmountCharged: e.cfg.CostPerCall,
		CreatedAt:     time.Now().UTC(),
	}, req.CorrelationID)

	return Outcome{
		StatusCode: statusCode,
		Charged:    e.cfg.CostPerCall,
		Forwarded:  true,
	}, apiErr
}

// forward issues the upstream call and streams the response back.
// It returns the status code the caller will see; apiErr is non-nil
// for gateway-level failures (timeout, unreachable) which the server
// renders as structured errors.
func (e *Engine) forward(w http.ResponseWriter, req Request, api *models.API) (int, *apierrors.APIError) {
	ctx, cancel := context.WithTimeout(req.Inbound.Context(), e.cfg.UpstreamTimeout)
	defer cancel()

	target := joinURL(api.BaseURL, req.TrailingPath)
	if raw := req.Inbound.URL.RawQuery; raw != "" {
		target += "?" + raw
	}

	var body io.Reader
	if methodHasBody(req.Inbound.Method) {
		body = req.Inbound.Body
	}

	upstreamReq, err := http.NewRequestWithContext(ctx, req.Inbound.Method, target, body)
	if err != nil {
		return http.StatusBadGateway, apierrors.ErrUpstreamUnreachableError
	}

	upstreamReq.Header = e.outboundHeaders(req.Inbound.Header)
	upstreamReq.Header.Set("X-Correlation-ID", req.CorrelationID)

	resp, err := e.client.Do(upstreamReq)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || ctx.Err() == context.DeadlineExceeded {
			return http.StatusGatewayTimeout, apierrors.ErrUpstreamTimeoutError
		}
		return http.StatusBadGateway, apierrors.ErrUpstreamUnreachableError
	}
	defer resp.Body.Close()

	// Respond: pass the upstream status through verbatim, 4xx and
	// 5xx included, and stream the body without buffering it.
	copyResponseHeaders(w.Header(), resp.Header)
	w.Header().Set("X-Correlation-ID", req.CorrelationID)
	w.WriteHeader(resp.StatusCode)

	if err := streamBody(w, resp.Body); err != nil {
		// The status line is already on the wire; all we can do is
		// stop and leave a trace.
		log := logging.NewLogger("proxy")
		log.Warn().
			Err(err).
			Str("correlation_id", req.CorrelationID).
			Msg("Response stream interrupted")
	}

	return resp.StatusCode, nil
}

// outboundHeaders copies the inbound header set minus the strip list:
// Host, the credential header, and hop-by-hop headers.
func (e *Engine) outboundHeaders(inbound http.Header) http.Header {
	out := make(http.Header, len(inbound))
	for name, values := range inbound {
		for _, v := range values {
			out.Add(name, v)
		}
	}

	out.Del("Host")
	out.Del(e.cfg.KeyHeader)
	stripHopByHop(out)
	return out
}

func copyResponseHeaders(dst, src http.Header) {
	for name, values := range src {
		for _, v := range values {
			dst.Add(name, v)
		}
	}
	stripHopByHop(dst)
}

func stripHopByHop(h http.Header) {
	// Headers named by Connection are hop-by-hop too.
	for _, conn := range h.Values("Connection") {
		for _, name := range strings.Split(conn, ",") {
			if name = strings.TrimSpace(name); name != "" {
				h.Del(name)
			}
		}
	}
	for _, name := range hopByHopHeaders {
		h.Del(name)
	}
}

// streamBody copies the upstream body to the caller as it arrives,
// flushing after every chunk. Chunk boundaries are not preserved, the
// byte stream is.
func streamBody(w http.ResponseWriter, body io.Reader) error {
	flusher, _ := w.(http.Flusher)
	buf := make([]byte, 32*1024)
	for {
		n, readErr := body.Read(buf)
		if n > 0 {
			if _, writeErr := w.Write(buf[:n]); writeErr != nil {
				return writeErr
			}
			if flusher != nil {
				flusher.Flush()
			}
		}
		if readErr == io.EOF {
			return nil
		}
		if readErr != nil {
			return readErr
		}
	}
}

// record writes the usage event on a detached context: the attempt
// happened and must be recorded even if the caller has gone away.
func (e *Engine) record(event models.UsageEvent, correlationID string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := e.usage.Record(ctx, event); err != nil {
		log := logging.NewLogger("proxy")
		log.Error().
			Err(err).
			Str("correlation_id", correlationID).
			Str("event_id", event.ID.String()).
			Msg("Failed to record usage event")
	}
}

func joinURL(base, trailing string) string {
	base = strings.TrimSuffix(base, "/")
	if trailing == "" {
		return base
	}
	return base + "/" + strings.TrimPrefix(trailing, "/")
}

func methodHasBody(method string) bool {
	switch method {
	case http.MethodGet, http.MethodHead, http.MethodOptions, http.MethodTrace:
		return false
	}
	return true
}

// wholeSeconds rounds a retry hint up to whole seconds, minimum one.
func wholeSeconds(d time.Duration) int64 {
	secs := int64((d + time.Second - 1) / time.Second)
	if secs < 1 {
		secs = 1
	}
	return secs
}
