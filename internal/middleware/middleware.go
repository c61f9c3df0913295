package middleware

import (
	"errors"
	"fmt"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/metergate/metergate/internal/config"
	apierrors "github.com/metergate/metergate/internal/errors"
)

// Context keys for storing request and caller information
const (
	ContextKeyRequestID     = "request_id"
	ContextKeyCorrelationID = "correlation_id"
	ContextKeyAccountID     = "account_id"
)

// JWT validation errors
var (
	ErrInvalidToken = errors.New("invalid token")
	ErrTokenExpired = errors.New("token expired")
)

// Claims represents the caller identity produced by the external auth
// boundary. The gateway trusts the token; it does not issue them.
type Claims struct {
	AccountID string `json:"account_id"`
	jwt.RegisteredClaims
}

// Identity validates bearer tokens on owner-scoped read endpoints and
// puts the caller's account id in the context.
type Identity struct {
	config *config.JWTConfig
}

// NewIdentity creates an identity middleware from JWT configuration.
func NewIdentity(cfg *config.JWTConfig) *Identity {
	return &Identity{config: cfg}
}

// Require rejects requests without a valid bearer token.
func (i *Identity) Require() gin.HandlerFunc {
	return func(c *gin.Context) {
		authHeader := c.GetHeader("Authorization")
		if authHeader == "" {
			respondWithError(c, apierrors.ErrInvalidTokenError)
			c.Abort()
			return
		}

		tokenString, err := extractBearerToken(authHeader)
		if err != nil {
			respondWithError(c, apierrors.ErrInvalidTokenError)
			c.Abort()
			return
		}

		claims, err := i.validateToken(tokenString)
		if err != nil {
			respondWithError(c, apierrors.ErrInvalidTokenError)
			c.Abort()
			return
		}

		c.Set(ContextKeyAccountID, claims.AccountID)
		c.Next()
	}
}

func (i *Identity) validateToken(tokenString string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return []byte(i.config.Secret), nil
	})
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrTokenExpired
		}
		return nil, ErrInvalidToken
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, ErrInvalidToken
	}

	return claims, nil
}

func extractBearerToken(authHeader string) (string, error) {
	const bearerPrefix = "Bearer "
	if !strings.HasPrefix(authHeader, bearerPrefix) {
		return "", ErrInvalidToken
	}
	return authHeader[len(bearerPrefix):], nil
}

// AccountIDFromContext extracts the authenticated account id.
// Returns uuid.Nil if the identity middleware did not run.
func AccountIDFromContext(c *gin.Context) uuid.UUID {
	raw, exists := c.Get(ContextKeyAccountID)
	if !exists {
		return uuid.Nil
	}
	id, err := uuid.Parse(raw.(string))
	if err != nil {
		return uuid.Nil
	}
	return id
}

// RequestID adds a unique request ID to each request
func RequestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		requestID := c.GetHeader("X-Request-ID")
		if requestID == "" {
			requestID = uuid.New().String()
		}
		c.Set(ContextKeyRequestID, requestID)
		c.Header("X-Request-ID", requestID)
		c.Next()
	}
}

// CorrelationID attaches a fresh correlation identifier to every
// request. Unlike the request id it is never taken from the caller:
// the proxy generates it, injects it upstream, and returns it on every
// response, success or error.
func CorrelationID() gin.HandlerFunc {
	return func(c *gin.Context) {
		correlationID := uuid.New().String()
		c.Set(ContextKeyCorrelationID, correlationID)
		c.Header("X-Correlation-ID", correlationID)
		c.Next()
	}
}

// CORS configures CORS headers
func CORS(allowedOrigins []string) gin.HandlerFunc {
	return func(c *gin.Context) {
		origin := c.GetHeader("Origin")

		allowed := false
		for _, o := range allowedOrigins {
			if o == origin || o == "*" {
				allowed = true
				break
			}
		}

		if allowed {
			c.Header("Access-Control-Allow-Origin", origin)
			c.Header("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
			c.Header("Access-Control-Allow-Headers", "Authorization, Content-Type, X-Request-ID, X-Metergate-Key")
			c.Header("Access-Control-Expose-Headers", "X-Request-ID, X-Correlation-ID, Retry-After")
			c.Header("Access-Control-Max-Age", "43200")
		}

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(204)
			return
		}

		c.Next()
	}
}

// respondWithError sends a standardized error response
func respondWithError(c *gin.Context, err *apierrors.APIError) {
	requestID := c.GetString(ContextKeyRequestID)
	correlationID := c.GetString(ContextKeyCorrelationID)
	if correlationID == "" {
		correlationID = requestID
	}

	c.JSON(err.HTTPStatus, apierrors.NewErrorResponse(err, requestID, correlationID))
}
