package handler

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/noah-isme/user-guard-api/internal/middleware"
	"github.com/noah-isme/user-guard-api/internal/models"
	appErrors "github.com/noah-isme/user-guard-api/pkg/errors"
	"github.com/noah-isme/user-guard-api/pkg/response"
)

type securityGuard interface {
	Status(ctx context.Context, policy, key string) (*models.RateLimitStatus, error)
	Unblock(ctx context.Context, policy, key, actorID string, prov models.Provenance) error
}

type securityMetrics interface {
	Snapshot() models.SecurityMetrics
}

// SecurityHandler exposes abuse guard administration.
type SecurityHandler struct {
	guard   securityGuard
	metrics securityMetrics
}

// NewSecurityHandler constructs the handler.
func NewSecurityHandler(guard securityGuard, metrics securityMetrics) *SecurityHandler {
	return &SecurityHandler{guard: guard, metrics: metrics}
}

// RateLimitStatus godoc
// @Summary Inspect a rate limit key
// @Tags Security
// @Produce json
// @Param policy query string true "login, password_reset or ip"
// @Param key query string true "Client address or email"
// @Success 200 {object} response.Envelope
// @Failure 400 {object} response.Envelope
// @Router /admin/security/rate-limits [get]
func (h *SecurityHandler) RateLimitStatus(c *gin.Context) {
	policy, key := c.Query("policy"), c.Query("key")
	if policy == "" || key == "" {
		response.Error(c, appErrors.Clone(appErrors.ErrValidation, "policy and key are required"))
		return
	}

	status, err := h.guard.Status(c.Request.Context(), policy, key)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, status, nil)
}

// Unblock godoc
// @Summary Lift a rate limit block
// @Tags Security
// @Accept json
// @Param payload body models.UnblockRequest true "Key to unblock"
// @Success 204
// @Failure 400 {object} response.Envelope
// @Router /admin/security/rate-limits [delete]
func (h *SecurityHandler) Unblock(c *gin.Context) {
	req := models.UnblockRequest{Policy: c.Query("policy"), Key: c.Query("key")}
	if req.Policy == "" || req.Key == "" {
		if err := c.ShouldBindJSON(&req); err != nil {
			response.Error(c, appErrors.Wrap(err, appErrors.ErrValidation.Code, http.StatusBadRequest, "invalid payload"))
			return
		}
	}
	if req.Policy == "" || req.Key == "" {
		response.Error(c, appErrors.Clone(appErrors.ErrValidation, "policy and key are required"))
		return
	}

	if err := h.guard.Unblock(c.Request.Context(), req.Policy, req.Key, actorID(c), middleware.Provenance(c)); err != nil {
		response.Error(c, err)
		return
	}
	response.NoContent(c)
}

// Metrics godoc
// @Summary Security counters
// @Tags Security
// @Produce json
// @Success 200 {object} response.Envelope
// @Router /admin/security/metrics [get]
func (h *SecurityHandler) Metrics(c *gin.Context) {
	if h.metrics == nil {
		response.JSON(c, http.StatusOK, models.SecurityMetrics{}, nil)
		return
	}
	response.JSON(c, http.StatusOK, h.metrics.Snapshot(), nil)
}
