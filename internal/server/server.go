// Package server wires the HTTP surface: the metered proxy route and
// the owner-scoped management API.
package server

import (
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/metergate/metergate/internal/billing"
	"github.com/metergate/metergate/internal/config"
	apierrors "github.com/metergate/metergate/internal/errors"
	"github.com/metergate/metergate/internal/keystore"
	"github.com/metergate/metergate/internal/logging"
	"github.com/metergate/metergate/internal/middleware"
	"github.com/metergate/metergate/internal/monitoring"
	"github.com/metergate/metergate/internal/proxy"
	"github.com/metergate/metergate/internal/registry"
	"github.com/metergate/metergate/internal/settlement"
	"github.com/metergate/metergate/internal/usage"
)

// Deps bundles everything the server serves.
type Deps struct {
	Engine      *proxy.Engine
	Registry    registry.Store
	Keys        keystore.Store
	Ledger      billing.Ledger
	Usage       usage.Store
	Settlements settlement.Store
	Scheduler   *settlement.Scheduler

	// Health reports backing-store reachability; nil means no checks.
	Health func(c *gin.Context) error
}

// Server is the gateway HTTP server.
type Server struct {
	config   *config.Config
	router   *gin.Engine
	deps     Deps
	identity *middleware.Identity
}

// New creates the gateway server and registers all routes.
func New(cfg *config.Config, deps Deps) *Server {
	if cfg.Server.Env == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()

	// Middleware in order
	router.Use(gin.Recovery())
	router.Use(middleware.RequestID())
	router.Use(middleware.CorrelationID())
	router.Use(middleware.CORS(cfg.CORS.AllowedOrigins))
	router.Use(monitoring.MetricsMiddleware())
	router.Use(logging.RequestLogger())

	srv := &Server{
		config:   cfg,
		router:   router,
		deps:     deps,
		identity: middleware.NewIdentity(&cfg.JWT),
	}

	srv.setupRoutes()
	return srv
}

// Router returns the gin router
func (s *Server) Router() http.Handler {
	return s.router
}

// setupRoutes configures all routes
func (s *Server) setupRoutes() {
	s.router.GET("/health", s.healthCheck)
	s.router.GET("/metrics", monitoring.GinHandler())

	// The metered proxy surface. Any method, any trailing path.
	s.router.Any("/v1/:api/*path", s.handleProxy)
	s.router.Any("/v1/:api", s.handleProxy)

	// Owner-scoped management and reporting API
	api := s.router.Group("/api/v1")
	api.Use(s.identity.Require())
	{
		api.POST("/apis", s.handleRegisterAPI)
		api.POST("/keys", s.handleIssueKey)
		api.DELETE("/keys/:id", s.handleRevokeKey)

		api.GET("/balance", s.handleGetBalance)
		api.POST("/balance/credit", s.handleCredit)

		api.GET("/usage", s.handleGetUsage)
		api.GET("/settlements", s.handleListSettlements)
		api.GET("/settlements/summary", s.handleSettlementSummary)

		api.GET("/settlements/scheduler", s.handleSchedulerStatus)
		api.POST("/settlements/run", s.handleRunSettlement)
	}
}

// healthCheck reports service and backing-store health.
func (s *Server) healthCheck(c *gin.Context) {
	if s.deps.Health != nil {
		if err := s.deps.Health(c); err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{
				"status":  "unhealthy",
				"service": "metergate",
				"error":   err.Error(),
			})
			return
		}
	}
	c.JSON(http.StatusOK, gin.H{
		"status":  "healthy",
		"service": "metergate",
	})
}

// handleProxy delegates one metered call to the pipeline engine.
// Forwarded responses are already written by the engine; only terminal
// short-circuits are rendered here.
func (s *Server) handleProxy(c *gin.Context) {
	outcome, apiErr := s.deps.Engine.Handle(c.Writer, proxy.Request{
		SlugOrID:      c.Param("api"),
		TrailingPath:  c.Param("path"),
		CorrelationID: c.GetString(middleware.ContextKeyCorrelationID),
		Inbound:       c.Request,
	})

	monitoring.RecordProxyRequest(c.Param("api"), outcomeLabel(outcome, apiErr))
	if outcome.Forwarded {
		chargedFloat, _ := outcome.Charged.Float64()
		monitoring.RecordCharge(chargedFloat)
	}

	if apiErr == nil {
		// Success: the engine streamed the upstream response.
		return
	}
	if outcome.Forwarded {
		// Gateway-level upstream failure: the charge stands and the
		// usage event is recorded; only the error body remains to send.
		s.sendError(c, apiErr)
		return
	}

	switch apiErr.Code {
	case apierrors.ErrRateLimited:
		monitoring.RecordRateLimitRejection()
		s.sendRateLimitError(c, apiErr)
	case apierrors.ErrInsufficientBalance:
		monitoring.RecordBillingDenial()
		s.sendError(c, apiErr)
	default:
		s.sendError(c, apiErr)
	}
}

func outcomeLabel(outcome proxy.Outcome, apiErr *apierrors.APIError) string {
	if apiErr == nil {
		return "forwarded"
	}
	return string(apiErr.Code)
}

// sendError sends a standardized error response with correlation ID
func (s *Server) sendError(c *gin.Context, apiErr *apierrors.APIError) {
	requestID := c.GetString(middleware.ContextKeyRequestID)
	correlationID := c.GetString(middleware.ContextKeyCorrelationID)
	if correlationID == "" {
		correlationID = requestID
	}

	c.Header("X-Correlation-ID", correlationID)
	c.JSON(apiErr.HTTPStatus, apierrors.NewErrorResponse(apiErr, requestID, correlationID))
}

// sendRateLimitError adds the standard Retry-After header.
func (s *Server) sendRateLimitError(c *gin.Context, apiErr *apierrors.APIError) {
	if details, ok := apiErr.Details.(map[string]int64); ok {
		c.Header("Retry-After", fmt.Sprintf("%d", details["retry_after_seconds"]))
	}
	s.sendError(c, apiErr)
}
