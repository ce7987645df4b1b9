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

type userService interface {
	UpdateRole(ctx context.Context, actorID, userID string, req models.UpdateRoleRequest, prov models.Provenance) (int64, error)
}

// UserHandler handles administrative user endpoints.
type UserHandler struct {
	service userService
}

// NewUserHandler creates a new user handler.
func NewUserHandler(svc userService) *UserHandler {
	return &UserHandler{service: svc}
}

// UpdateRole godoc
// @Summary Update user role
// @Description Change a user's role. Existing sessions of the user are revoked.
// @Tags Users
// @Accept json
// @Produce json
// @Param id path string true "User ID"
// @Param payload body models.UpdateRoleRequest true "Role payload"
// @Success 200 {object} response.Envelope
// @Failure 400 {object} response.Envelope
// @Failure 404 {object} response.Envelope
// @Router /admin/users/{id}/role [put]
func (h *UserHandler) UpdateRole(c *gin.Context) {
	var req models.UpdateRoleRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, appErrors.Wrap(err, appErrors.ErrValidation.Code, http.StatusBadRequest, "invalid payload"))
		return
	}

	id := c.Param("id")
	revoked, err := h.service.UpdateRole(c.Request.Context(), actorID(c), id, req, middleware.Provenance(c))
	if err != nil {
		response.Error(c, err)
		return
	}

	response.JSON(c, http.StatusOK, gin.H{"id": id, "role": req.Role, "sessionsRevoked": revoked}, nil)
}
