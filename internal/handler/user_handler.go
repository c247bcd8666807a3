package handler

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/noah-isme/iam-gate-api/internal/middleware"
	"github.com/noah-isme/iam-gate-api/internal/models"
	appErrors "github.com/noah-isme/iam-gate-api/pkg/errors"
	"github.com/noah-isme/iam-gate-api/pkg/response"
)

type accountService interface {
	DeactivateAccount(ctx context.Context, actor models.Identity, userID string, meta models.RequestMeta) error
}

type userProvisioner interface {
	Create(ctx context.Context, req models.CreateUserRequest, actor models.Identity, meta models.RequestMeta) (*models.UserInfo, error)
}

type permissionInvalidator interface {
	Invalidate(ctx context.Context, userID string) error
}

// UserHandler handles account administration endpoints.
type UserHandler struct {
	service     accountService
	users       userProvisioner
	permissions permissionInvalidator
}

// NewUserHandler creates a new user handler. permissions may be nil.
func NewUserHandler(svc accountService, users userProvisioner, permissions permissionInvalidator) *UserHandler {
	return &UserHandler{service: svc, users: users, permissions: permissions}
}

// Create godoc
// @Summary Create user
// @Description Provisions an active account. Username and email must be unused.
// @Tags Users
// @Accept json
// @Produce json
// @Security BearerAuth
// @Param payload body models.CreateUserRequest true "User payload"
// @Success 201 {object} response.Envelope
// @Failure 400 {object} response.Envelope
// @Failure 403 {object} response.Envelope
// @Failure 409 {object} response.Envelope
// @Failure 422 {object} response.Envelope
// @Router /iam/admin/users [post]
func (h *UserHandler) Create(c *gin.Context) {
	identity, ok := middleware.CurrentIdentity(c)
	if !ok {
		response.Error(c, appErrors.ErrCredentialMissing)
		return
	}

	var req models.CreateUserRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, appErrors.Wrap(err, appErrors.ErrBadRequest.Code, http.StatusBadRequest, "invalid payload"))
		return
	}

	info, err := h.users.Create(c.Request.Context(), req, identity, requestMeta(c))
	if err != nil {
		response.Error(c, err)
		return
	}

	response.Created(c, info)
}

// Deactivate godoc
// @Summary Deactivate user
// @Description Disables the account. Outstanding access tokens stop working on privileged routes and refresh records are purged.
// @Tags Users
// @Security BearerAuth
// @Param id path string true "User ID"
// @Success 204
// @Failure 403 {object} response.Envelope
// @Failure 404 {object} response.Envelope
// @Router /iam/admin/users/{id}/deactivate [post]
func (h *UserHandler) Deactivate(c *gin.Context) {
	identity, ok := middleware.CurrentIdentity(c)
	if !ok {
		response.Error(c, appErrors.ErrCredentialMissing)
		return
	}

	if err := h.service.DeactivateAccount(c.Request.Context(), identity, c.Param("id"), requestMeta(c)); err != nil {
		response.Error(c, err)
		return
	}

	if h.permissions != nil {
		_ = h.permissions.Invalidate(c.Request.Context(), c.Param("id"))
	}
	response.NoContent(c)
}
