package handler

import (
	"context"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/noah-isme/iam-gate-api/internal/middleware"
	"github.com/noah-isme/iam-gate-api/internal/models"
	"github.com/noah-isme/iam-gate-api/internal/service"
	appErrors "github.com/noah-isme/iam-gate-api/pkg/errors"
	"github.com/noah-isme/iam-gate-api/pkg/response"
)

// loginRoute is returned to clients whose refresh session is gone.
const loginRoute = "iam/auth/login"

type authService interface {
	Login(ctx context.Context, req models.LoginRequest, meta models.RequestMeta) (*service.AuthResult, error)
	Refresh(ctx context.Context, secret string, meta models.RequestMeta) (*service.AuthResult, error)
	Logout(ctx context.Context, secret string, meta models.RequestMeta) error
	ChangePassword(ctx context.Context, identity models.Identity, req models.ChangePasswordRequest, meta models.RequestMeta) error
	Me(ctx context.Context, identity models.Identity) (*models.UserInfo, error)
}

// RefreshCookie describes where the refresh secret lives on the client.
type RefreshCookie struct {
	Name   string
	Path   string
	Secure bool
}

// AuthHandler wires HTTP endpoints to the auth service.
type AuthHandler struct {
	service authService
	cookie  RefreshCookie
}

// NewAuthHandler creates a new handler.
func NewAuthHandler(svc authService, cookie RefreshCookie) *AuthHandler {
	if cookie.Name == "" {
		cookie.Name = "refresh_token"
	}
	if cookie.Path == "" {
		cookie.Path = "/"
	}
	return &AuthHandler{service: svc, cookie: cookie}
}

// Login godoc
// @Summary Authenticate user
// @Description Authenticate by username or email. The refresh secret is set as an HttpOnly cookie.
// @Tags Authentication
// @Accept json
// @Produce json
// @Param payload body models.LoginRequest true "Login payload"
// @Success 200 {object} response.Envelope
// @Failure 400 {object} response.Envelope
// @Failure 422 {object} response.Envelope
// @Failure 429 {object} response.Envelope
// @Failure 503 {object} response.Envelope
// @Router /iam/auth/login [post]
func (h *AuthHandler) Login(c *gin.Context) {
	var req models.LoginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, appErrors.Wrap(err, appErrors.ErrBadRequest.Code, http.StatusBadRequest, "invalid login payload"))
		return
	}

	res, err := h.service.Login(c.Request.Context(), req, requestMeta(c))
	if err != nil {
		response.Error(c, err)
		return
	}

	h.setRefreshCookie(c, res.Refresh)
	response.JSON(c, http.StatusOK, res.Response)
}

// Refresh godoc
// @Summary Refresh access token
// @Description Exchange the refresh cookie for a new access token
// @Tags Authentication
// @Produce json
// @Success 200 {object} response.Envelope
// @Failure 401 {object} response.Envelope
// @Router /iam/auth/refresh [post]
func (h *AuthHandler) Refresh(c *gin.Context) {
	secret, err := c.Cookie(h.cookie.Name)
	if err != nil || secret == "" {
		response.Error(c, appErrors.ErrRefreshMissing, routeMeta())
		return
	}

	res, err := h.service.Refresh(c.Request.Context(), secret, requestMeta(c))
	if err != nil {
		if errors.Is(err, appErrors.ErrRefreshNotFound) || errors.Is(err, appErrors.ErrAccountInactive) {
			h.clearRefreshCookie(c)
			response.Error(c, err, routeMeta())
			return
		}
		response.Error(c, err)
		return
	}

	h.setRefreshCookie(c, res.Refresh)
	response.JSON(c, http.StatusOK, res.Response)
}

// Logout godoc
// @Summary Logout current device
// @Description Purges the refresh records of the cookie owner and clears the cookie
// @Tags Authentication
// @Produce json
// @Success 200 {object} response.Envelope
// @Router /iam/auth/logout [post]
func (h *AuthHandler) Logout(c *gin.Context) {
	secret, _ := c.Cookie(h.cookie.Name)
	h.clearRefreshCookie(c)

	if err := h.service.Logout(c.Request.Context(), secret, requestMeta(c)); err != nil {
		response.Error(c, err)
		return
	}

	response.JSON(c, http.StatusOK, gin.H{"message": "Logged out."}, routeMeta())
}

// ChangePassword godoc
// @Summary Change password
// @Description Change password for current user. Every session of the user ends.
// @Tags Authentication
// @Accept json
// @Produce json
// @Security BearerAuth
// @Param payload body models.ChangePasswordRequest true "Change password"
// @Success 200 {object} response.Envelope
// @Failure 400 {object} response.Envelope
// @Failure 401 {object} response.Envelope
// @Failure 422 {object} response.Envelope
// @Router /iam/auth/change-password [post]
func (h *AuthHandler) ChangePassword(c *gin.Context) {
	identity, ok := middleware.CurrentIdentity(c)
	if !ok {
		response.Error(c, appErrors.ErrCredentialMissing)
		return
	}

	var req models.ChangePasswordRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, appErrors.Wrap(err, appErrors.ErrBadRequest.Code, http.StatusBadRequest, "invalid payload"))
		return
	}

	if err := h.service.ChangePassword(c.Request.Context(), identity, req, requestMeta(c)); err != nil {
		response.Error(c, err)
		return
	}

	h.clearRefreshCookie(c)
	response.JSON(c, http.StatusOK, gin.H{"message": "Please login with your new password."}, routeMeta())
}

// Me godoc
// @Summary Get current user
// @Description Returns the authenticated user's info
// @Tags Authentication
// @Produce json
// @Security BearerAuth
// @Success 200 {object} response.Envelope
// @Failure 401 {object} response.Envelope
// @Router /iam/auth/me [get]
func (h *AuthHandler) Me(c *gin.Context) {
	identity, ok := middleware.CurrentIdentity(c)
	if !ok {
		response.Error(c, appErrors.ErrCredentialMissing)
		return
	}

	info, err := h.service.Me(c.Request.Context(), identity)
	if err != nil {
		response.Error(c, err)
		return
	}

	response.JSON(c, http.StatusOK, info)
}

func (h *AuthHandler) setRefreshCookie(c *gin.Context, token *models.RefreshToken) {
	if token == nil {
		return
	}
	c.SetSameSite(http.SameSiteLaxMode)
	c.SetCookie(h.cookie.Name, token.Token, 0, h.cookie.Path, "", h.cookie.Secure, true)
}

func (h *AuthHandler) clearRefreshCookie(c *gin.Context) {
	c.SetSameSite(http.SameSiteLaxMode)
	c.SetCookie(h.cookie.Name, "", -1, h.cookie.Path, "", h.cookie.Secure, true)
}

func routeMeta() map[string]interface{} {
	return map[string]interface{}{"route": loginRoute}
}
