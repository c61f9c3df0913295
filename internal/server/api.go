package server

import (
	"errors"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	apierrors "github.com/metergate/metergate/internal/errors"
	"github.com/metergate/metergate/internal/keystore"
	"github.com/metergate/metergate/internal/middleware"
	"github.com/metergate/metergate/internal/models"
	"github.com/metergate/metergate/internal/registry"
	"github.com/metergate/metergate/internal/settlement"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
)

// registerAPIRequest is the body for POST /api/v1/apis.
type registerAPIRequest struct {
	Slug    string `json:"slug" binding:"required"`
	BaseURL string `json:"base_url" binding:"required"`
}

// handleRegisterAPI registers a new upstream API owned by the caller.
func (s *Server) handleRegisterAPI(c *gin.Context) {
	ownerID := middleware.AccountIDFromContext(c)
	if ownerID == uuid.Nil {
		s.sendError(c, apierrors.ErrInvalidTokenError)
		return
	}

	var req registerAPIRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.sendError(c, apierrors.NewInvalidRequestError(err.Error()))
		return
	}

	// Slugs share the path namespace with API ids, so a slug that
	// parses as a UUID would be unreachable.
	req.Slug = strings.TrimSpace(req.Slug)
	if _, err := uuid.Parse(req.Slug); err == nil {
		s.sendError(c, apierrors.NewInvalidRequestError("slug must not be a UUID"))
		return
	}
	if strings.ContainsAny(req.Slug, "/ ") || req.Slug == "" {
		s.sendError(c, apierrors.NewInvalidRequestError("slug must be a non-empty path segment"))
		return
	}
	if u, err := url.Parse(req.BaseURL); err != nil || u.Scheme == "" || u.Host == "" {
		s.sendError(c, apierrors.NewInvalidRequestError("base_url must be an absolute URL"))
		return
	}

	api := models.API{
		ID:        uuid.New(),
		Slug:      req.Slug,
		BaseURL:   req.BaseURL,
		OwnerID:   ownerID,
		CreatedAt: time.Now().UTC(),
	}
	if err := s.deps.Registry.Register(c.Request.Context(), api); err != nil {
		if errors.Is(err, registry.ErrDuplicate) {
			s.sendError(c, apierrors.NewInvalidRequestError("slug already registered"))
			return
		}
		log.Error().Err(err).Msg("Failed to register API")
		s.sendError(c, apierrors.ErrInternalServerError)
		return
	}

	c.JSON(http.StatusCreated, api)
}

// issueKeyRequest is the body for POST /api/v1/keys.
type issueKeyRequest struct {
	APIID string `json:"api_id" binding:"required"`
}

// issueKeyResponse returns the raw key exactly once.
type issueKeyResponse struct {
	Key    string         `json:"key"`
	Record *models.APIKey `json:"record"`
}

// handleIssueKey mints a credential for the caller against one API.
func (s *Server) handleIssueKey(c *gin.Context) {
	ownerID := middleware.AccountIDFromContext(c)
	if ownerID == uuid.Nil {
		s.sendError(c, apierrors.ErrInvalidTokenError)
		return
	}

	var req issueKeyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.sendError(c, apierrors.NewInvalidRequestError(err.Error()))
		return
	}
	apiID, err := uuid.Parse(req.APIID)
	if err != nil {
		s.sendError(c, apierrors.NewInvalidRequestError("api_id must be a UUID"))
		return
	}

	if _, err := s.deps.Registry.Get(c.Request.Context(), apiID); err != nil {
		if errors.Is(err, registry.ErrNotFound) {
			s.sendError(c, apierrors.ErrAPINotFoundError)
			return
		}
		log.Error().Err(err).Msg("Failed to resolve API for key issue")
		s.sendError(c, apierrors.ErrInternalServerError)
		return
	}

	raw, record, err := s.deps.Keys.Issue(c.Request.Context(), ownerID, apiID)
	if err != nil {
		log.Error().Err(err).Msg("Failed to issue API key")
		s.sendError(c, apierrors.ErrInternalServerError)
		return
	}

	c.JSON(http.StatusCreated, issueKeyResponse{Key: raw, Record: record})
}

// handleRevokeKey revokes one of the caller's keys.
func (s *Server) handleRevokeKey(c *gin.Context) {
	ownerID := middleware.AccountIDFromContext(c)
	keyID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		s.sendError(c, apierrors.NewInvalidRequestError("key id must be a UUID"))
		return
	}

	key, err := s.deps.Keys.Get(c.Request.Context(), keyID)
	if err != nil {
		if errors.Is(err, keystore.ErrNotFound) {
			s.sendError(c, apierrors.ErrInvalidAPIKeyError)
			return
		}
		log.Error().Err(err).Msg("Failed to get API key")
		s.sendError(c, apierrors.ErrInternalServerError)
		return
	}
	if key.OwnerID != ownerID {
		s.sendError(c, apierrors.ErrForbiddenError)
		return
	}

	if err := s.deps.Keys.Revoke(c.Request.Context(), keyID, time.Now().UTC()); err != nil {
		if errors.Is(err, keystore.ErrNotFound) {
			// Already revoked; revocation is idempotent from the
			// caller's point of view.
			c.Status(http.StatusNoContent)
			return
		}
		log.Error().Err(err).Msg("Failed to revoke API key")
		s.sendError(c, apierrors.ErrInternalServerError)
		return
	}

	c.Status(http.StatusNoContent)
}

// handleGetBalance returns the caller's spendable balance.
func (s *Server) handleGetBalance(c *gin.Context) {
	accountID := middleware.AccountIDFromContext(c)
	balance, err := s.deps.Ledger.Balance(c.Request.Context(), accountID)
	if err != nil {
		log.Error().Err(err).Msg("Failed to get balance")
		s.sendError(c, apierrors.ErrInternalServerError)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"account_id": accountID,
		"balance":    balance,
	})
}

// creditRequest is the body for POST /api/v1/balance/credit.
type creditRequest struct {
	Amount string `json:"amount" binding:"required"`
}

// handleCredit tops up the caller's balance.
func (s *Server) handleCredit(c *gin.Context) {
	accountID := middleware.AccountIDFromContext(c)

	var req creditRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.sendError(c, apierrors.NewInvalidRequestError(err.Error()))
		return
	}
	amount, err := decimal.NewFromString(req.Amount)
	if err != nil || !amount.IsPositive() {
		s.sendError(c, apierrors.NewInvalidRequestError("amount must be a positive decimal"))
		return
	}

	balance, err := s.deps.Ledger.Credit(c.Request.Context(), accountID, amount)
	if err != nil {
		log.Error().Err(err).Msg("Failed to credit balance")
		s.sendError(c, apierrors.ErrInternalServerError)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"account_id": accountID,
		"balance":    balance,
	})
}

// handleGetUsage returns the caller's usage events with totals.
func (s *Server) handleGetUsage(c *gin.Context) {
	accountID := middleware.AccountIDFromContext(c)

	events, err := s.deps.Usage.ByOwner(c.Request.Context(), accountID)
	if err != nil {
		log.Error().Err(err).Msg("Failed to list usage events")
		s.sendError(c, apierrors.ErrInternalServerError)
		return
	}

	totalCharged := decimal.Zero
	unsettled := 0
	for i := range events {
		totalCharged = totalCharged.Add(events[i].AmountCharged)
		if !events[i].Settled() {
			unsettled++
		}
	}

	c.JSON(http.StatusOK, gin.H{
		"events":        events,
		"total":         len(events),
		"total_charged": totalCharged,
		"unsettled":     unsettled,
	})
}

// handleListSettlements returns the caller's settlements, paginated.
func (s *Server) handleListSettlements(c *gin.Context) {
	accountID := middleware.AccountIDFromContext(c)
	limit := queryInt(c, "limit", 50)
	offset := queryInt(c, "offset", 0)
	if limit < 1 || limit > 200 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}

	settlements, total, err := s.deps.Settlements.ByPayee(c.Request.Context(), accountID, limit, offset)
	if err != nil {
		log.Error().Err(err).Msg("Failed to list settlements")
		s.sendError(c, apierrors.ErrInternalServerError)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"settlements": settlements,
		"total":       total,
		"limit":       limit,
		"offset":      offset,
	})
}

// handleSettlementSummary aggregates the caller's settlements by status.
func (s *Server) handleSettlementSummary(c *gin.Context) {
	accountID := middleware.AccountIDFromContext(c)

	summary, err := s.deps.Settlements.Summarize(c.Request.Context(), accountID)
	if err != nil {
		log.Error().Err(err).Msg("Failed to summarize settlements")
		s.sendError(c, apierrors.ErrInternalServerError)
		return
	}

	c.JSON(http.StatusOK, summary)
}

// handleSchedulerStatus reports the settlement scheduler's state.
func (s *Server) handleSchedulerStatus(c *gin.Context) {
	if s.deps.Scheduler == nil {
		c.JSON(http.StatusOK, gin.H{"running": false})
		return
	}
	c.JSON(http.StatusOK, s.deps.Scheduler.GetStatus())
}

// handleRunSettlement triggers an immediate settlement batch.
func (s *Server) handleRunSettlement(c *gin.Context) {
	if s.deps.Scheduler == nil {
		s.sendError(c, apierrors.ErrInternalServerError)
		return
	}

	result, err := s.deps.Scheduler.RunNow(c.Request.Context())
	if err != nil {
		if errors.Is(err, settlement.ErrBatchInProgress) {
			s.sendError(c, &apierrors.APIError{
				Code:       apierrors.ErrInvalidRequest,
				Message:    "A settlement batch is already running",
				HTTPStatus: http.StatusConflict,
			})
			return
		}
		log.Error().Err(err).Msg("Settlement batch failed")
		s.sendError(c, apierrors.ErrInternalServerError)
		return
	}

	c.JSON(http.StatusOK, result)
}

func queryInt(c *gin.Context, name string, fallback int) int {
	raw := c.Query(name)
	if raw == "" {
		return fallback
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return fallback
	}
	return n
}
