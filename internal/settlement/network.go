package settlement

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/sony/gobreaker"
)

// Network errors
var (
	ErrTransferRejected = errors.New("settlement network rejected the transfer")
	ErrNetworkOpen      = errors.New("settlement network circuit breaker is open")
)

// Network is the external settlement rail. A transfer either returns
// an external transaction reference or an error; the caller never
// retries the same settlement against it, so no idempotency is
// assumed.
type Network interface {
	Distribute(ctx context.Context, payeeID uuid.UUID, amount decimal.Decimal) (string, error)
}

// HTTPNetwork talks to the settlement network over HTTP. Calls run
// through a circuit breaker so a failing payment rail is not hammered
// by every batch run.
type HTTPNetwork struct {
	url     string
	client  *http.Client
	breaker *gobreaker.CircuitBreaker
}

// NewHTTPNetwork creates a client for the given distribute endpoint.
func NewHTTPNetwork(url string) *HTTPNetwork {
	return &HTTPNetwork{
		url:    url,
		client: &http.Client{Timeout: 30 * time.Second},
		breaker: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:    "settlement-network",
			Timeout: 60 * time.Second,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= 5
			},
		}),
	}
}

type distributeRequest struct {
	PayeeID string `json:"payee_id"`
	Amount  string `json:"amount"`
}

type distributeResponse struct {
	Success bool   `json:"success"`
	TxRef   string `json:"tx_ref,omitempty"`
	Error   string `json:"error,omitempty"`
}

// Distribute attempts one transfer and returns the external
// transaction reference.
func (n *HTTPNetwork) Distribute(ctx context.Context, payeeID uuid.UUID, amount decimal.Decimal) (string, error) {
	result, err := n.breaker.Execute(func() (interface{}, error) {
		return n.distribute(ctx, payeeID, amount)
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return "", ErrNetworkOpen
		}
		return "", err
	}
	return result.(string), nil
}

func (n *HTTPNetwork) distribute(ctx context.Context, payeeID uuid.UUID, amount decimal.Decimal) (string, error) {
	body, err := json.Marshal(distributeRequest{
		PayeeID: payeeID.String(),
		Amount:  amount.String(),
	})
	if err != nil {
		return "", fmt.Errorf("failed to marshal transfer request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.url, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("failed to create transfer request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("transfer request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("%w: status %d", ErrTransferRejected, resp.StatusCode)
	}

	var out distributeResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("failed to decode transfer response: %w", err)
	}
	if !out.Success {
		return "", fmt.Errorf("%w: %s", ErrTransferRejected, out.Error)
	}
	return out.TxRef, nil
}
