package api

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"github.com/pulsetrack/backend/internal/auth"
	"github.com/pulsetrack/backend/internal/config"
	"github.com/pulsetrack/backend/internal/db"
	"github.com/pulsetrack/backend/internal/dispatch"
	"github.com/pulsetrack/backend/internal/errors"
	"github.com/pulsetrack/backend/internal/jobs"
	"github.com/pulsetrack/backend/internal/models"
	"github.com/pulsetrack/backend/internal/syncer"
)

// Handler exposes the sync orchestrator over HTTP.
type Handler struct {
	dispatcher *dispatch.Dispatcher
	registry   *jobs.Registry
	runner     *syncer.Runner
	auth       *auth.Manager
	store      db.Store
	cfg        *config.Config
	logger     *logrus.Logger
}

// NewHandler creates the API handler.
func NewHandler(dispatcher *dispatch.Dispatcher, registry *jobs.Registry, runner *syncer.Runner, authMgr *auth.Manager, store db.Store, cfg *config.Config, logger *logrus.Logger) *Handler {
	return &Handler{
		dispatcher: dispatcher,
		registry:   registry,
		runner:     runner,
		auth:       authMgr,
		store:      store,
		cfg:        cfg,
		logger:     logger,
	}
}

// jobResponse is the wire shape of a job, with progress derived server-side.
type jobResponse struct {
	*models.Job
	ProgressPercent float64 `json:"progress_percent"`
}

func toJobResponse(job *models.Job) jobResponse {
	return jobResponse{Job: job, ProgressPercent: job.ProgressPercent()}
}

// RequestSync handles POST /sync/:provider/:scope. A fresh dispatch answers
// 202 with the queued job; a coalesced request and an inline completion both
// answer 200 since no new work was queued.
func (h *Handler) RequestSync(c *gin.Context) {
	target := c.Param("provider") + "/" + c.Param("scope")

	mode := models.SyncMode(c.DefaultQuery("mode", string(models.SyncIncremental)))

	job, outcome, err := h.dispatcher.RequestSync(c.Request.Context(), target, mode)
	if err != nil {
		h.renderError(c, err)
		return
	}

	status := http.StatusOK
	if outcome == dispatch.OutcomeStarted {
		status = http.StatusAccepted
	}
	c.JSON(status, gin.H{
		"outcome": outcome,
		"job":     toJobResponse(job),
	})
}

// GetJob handles GET /jobs/:id.
func (h *Handler) GetJob(c *gin.Context) {
	job, err := h.registry.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.renderError(c, err)
		return
	}
	c.JSON(http.StatusOK, toJobResponse(job))
}

// ListJobs handles GET /jobs?limit=N, newest first.
func (h *Handler) ListJobs(c *gin.Context) {
	limit := 10
	if raw := c.Query("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 1 {
			h.renderError(c, errors.NewValidationError("limit must be a positive integer", err))
			return
		}
		limit = parsed
	}

	list, err := h.registry.ListRecent(c.Request.Context(), limit)
	if err != nil {
		h.renderError(c, err)
		return
	}

	out := make([]jobResponse, 0, len(list))
	for _, job := range list {
		out = append(out, toJobResponse(job))
	}
	c.JSON(http.StatusOK, gin.H{"jobs": out})
}

// ListTargets handles GET /sync/targets.
func (h *Handler) ListTargets(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"targets": h.runner.Targets()})
}

type exchangeRequest struct {
	Code        string `json:"code" binding:"required"`
	RedirectURI string `json:"redirect_uri" binding:"required"`
}

// ExchangeCode handles POST /auth/:provider/exchange, bootstrapping the
// provider credential from an authorization code. Tokens never appear in the
// response; only the resulting credential status does.
func (h *Handler) ExchangeCode(c *gin.Context) {
	provider := c.Param("provider")

	var req exchangeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.renderError(c, errors.NewValidationError("code and redirect_uri are required", err))
		return
	}

	clientID, clientSecret := h.providerClient(provider)
	if clientID == "" {
		h.renderError(c, errors.NewValidationError("provider has no OAuth client configured: "+provider, nil))
		return
	}

	cred, err := h.auth.ExchangeAuthorizationCode(c.Request.Context(), provider, req.Code, req.RedirectURI, clientID, clientSecret)
	if err != nil {
		h.renderError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"provider": cred.Provider,
		"status":   cred.Status,
	})
}

func (h *Handler) providerClient(provider string) (string, string) {
	if provider == "whoop" {
		return h.cfg.WhoopClientID, h.cfg.WhoopClientSecret
	}
	return "", ""
}

// Health handles GET /health.
func (h *Handler) Health(c *gin.Context) {
	if err := h.store.Ping(c.Request.Context()); err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unhealthy", "error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "healthy"})
}

// renderError maps typed application errors onto HTTP statuses.
func (h *Handler) renderError(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.IsNotFound(err):
		status = http.StatusNotFound
	case errors.IsInvalidInput(err):
		status = http.StatusBadRequest
	case errors.IsCredentialExpired(err):
		status = http.StatusUnauthorized
	case errors.IsRateLimited(err):
		status = http.StatusTooManyRequests
	case errors.IsInvalidTransition(err):
		status = http.StatusConflict
	}

	if status >= 500 {
		h.logger.WithError(err).Error("Request failed")
	}
	c.JSON(status, gin.H{"error": err.Error()})
}
