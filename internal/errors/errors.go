package errors

import (
	"net/http"
)

// ErrorCode is a machine-stable error indicator surfaced to API
// consumers alongside the HTTP status.
type ErrorCode string

const (
	// Client errors
	ErrAPINotFound         ErrorCode = "api_not_found"
	ErrMissingAPIKey       ErrorCode = "missing_api_key"
	ErrInvalidAPIKey       ErrorCode = "invalid_api_key"
	ErrRateLimited         ErrorCode = "rate_limited"
	ErrInsufficientBalance ErrorCode = "insufficient_balance"

	// Gateway errors
	ErrUpstreamTimeout     ErrorCode = "upstream_timeout"
	ErrUpstreamUnreachable ErrorCode = "upstream_unreachable"
	ErrInternalServer      ErrorCode = "internal_error"

	// Identity errors
	ErrInvalidToken ErrorCode = "invalid_token"
	ErrForbidden    ErrorCode = "forbidden"

	// Request errors
	ErrInvalidRequest ErrorCode = "invalid_request"
)

// APIError represents a standardized API error
type APIError struct {
	Code       ErrorCode `json:"code"`
	Message    string    `json:"message"`
	Details    any       `json:"details,omitempty"`
	HTTPStatus int       `json:"-"`
}

// Error implements the error interface
func (e *APIError) Error() string {
	return e.Message
}

// ErrorResponse is the wire format for every error the gateway
// produces. CorrelationID allows programmatic cross-referencing with
// gateway logs.
type ErrorResponse struct {
	Error         APIError `json:"error"`
	RequestID     string   `json:"request_id"`
	CorrelationID string   `json:"correlation_id"`
}

// NewErrorResponse builds the standard error envelope.
func NewErrorResponse(apiErr *APIError, requestID, correlationID string) *ErrorResponse {
	return &ErrorResponse{
		Error:         *apiErr,
		RequestID:     requestID,
		CorrelationID: correlationID,
	}
}

// Common errors
var (
	ErrAPINotFoundError = &APIError{
		Code:       ErrAPINotFound,
		Message:    "Unknown API",
		HTTPStatus: http.StatusNotFound,
	}

	ErrMissingAPIKeyError = &APIError{
		Code:       ErrMissingAPIKey,
		Message:    "API key header is required",
		HTTPStatus: http.StatusUnauthorized,
	}

	ErrInvalidAPIKeyError = &APIError{
		Code:       ErrInvalidAPIKey,
		Message:    "Invalid or revoked API key",
		HTTPStatus: http.StatusUnauthorized,
	}

	ErrUpstreamTimeoutError = &APIError{
		Code:       ErrUpstreamTimeout,
		Message:    "Upstream service timeout",
		HTTPStatus: http.StatusGatewayTimeout,
	}

	ErrUpstreamUnreachableError = &APIError{
		Code:       ErrUpstreamUnreachable,
		Message:    "Upstream service unreachable",
		HTTPStatus: http.StatusBadGateway,
	}

	ErrInternalServerError = &APIError{
		Code:       ErrInternalServer,
		Message:    "Internal server error",
		HTTPStatus: http.StatusInternalServerError,
	}

	ErrInvalidTokenError = &APIError{
		Code:       ErrInvalidToken,
		Message:    "Invalid or expired token",
		HTTPStatus: http.StatusUnauthorized,
	}

	ErrForbiddenError = &APIError{
		Code:       ErrForbidden,
		Message:    "Access denied",
		HTTPStatus: http.StatusForbidden,
	}
)

// NewInvalidRequestError creates a 400 with a specific message.
func NewInvalidRequestError(message string) *APIError {
	return &APIError{
		Code:       ErrInvalidRequest,
		Message:    message,
		HTTPStatus: http.StatusBadRequest,
	}
}

// NewRateLimitError creates a rate limit error carrying the caller
// retry hint in whole seconds.
func NewRateLimitError(retryAfterSeconds int64) *APIError {
	return &APIError{
		Code:       ErrRateLimited,
		Message:    "Rate limit exceeded",
		Details:    map[string]int64{"retry_after_seconds": retryAfterSeconds},
		HTTPStatus: http.StatusTooManyRequests,
	}
}

// NewInsufficientBalanceError creates a payment-required error that
// exposes the account's current balance for transparency.
func NewInsufficientBalanceError(balance string) *APIError {
	return &APIError{
		Code:       ErrInsufficientBalance,
		Message:    "Insufficient balance",
		Details:    map[string]string{"balance": balance},
		HTTPStatus: http.StatusPaymentRequired,
	}
}
