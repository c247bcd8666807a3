package handler

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/noah-isme/iam-gate-api/internal/middleware"
	"github.com/noah-isme/iam-gate-api/internal/models"
	"github.com/noah-isme/iam-gate-api/internal/service"
	appErrors "github.com/noah-isme/iam-gate-api/pkg/errors"
	"github.com/noah-isme/iam-gate-api/pkg/response"
)

type abuseAdmin interface {
	Status(ctx context.Context, scope models.BlockScope, key string) (*models.BlockInfo, error)
	Unblock(ctx context.Context, scope models.BlockScope, key string) error
}

type auditRecorder interface {
	Record(entry *models.AuditLog)
}

// AbuseHandler lets operators inspect and lift login blocks.
type AbuseHandler struct {
	guard abuseAdmin
	audit auditRecorder
}

// NewAbuseHandler constructs the abuse admin handler.
func NewAbuseHandler(guard abuseAdmin, audit auditRecorder) *AbuseHandler {
	return &AbuseHandler{guard: guard, audit: audit}
}

// Status godoc
// @Summary Inspect a block
// @Tags Abuse
// @Produce json
// @Security BearerAuth
// @Param scope path string true "principal or ip"
// @Param key path string true "Username or IP address"
// @Success 200 {object} response.Envelope
// @Failure 400 {object} response.Envelope
// @Failure 403 {object} response.Envelope
// @Router /admin/abuse/{scope}/{key} [get]
func (h *AbuseHandler) Status(c *gin.Context) {
	info, err := h.guard.Status(c.Request.Context(), models.BlockScope(c.Param("scope")), c.Param("key"))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, info)
}

// Unblock godoc
// @Summary Lift a block
// @Description Removes the block. For an IP the failure counter and distinct-username set are cleared too.
// @Tags Abuse
// @Security BearerAuth
// @Param scope path string true "principal or ip"
// @Param key path string true "Username or IP address"
// @Success 204
// @Failure 400 {object} response.Envelope
// @Failure 403 {object} response.Envelope
// @Router /admin/abuse/{scope}/{key} [delete]
func (h *AbuseHandler) Unblock(c *gin.Context) {
	identity, ok := middleware.CurrentIdentity(c)
	if !ok {
		response.Error(c, appErrors.ErrCredentialMissing)
		return
	}

	scope := models.BlockScope(c.Param("scope"))
	key := c.Param("key")
	if err := h.guard.Unblock(c.Request.Context(), scope, key); err != nil {
		response.Error(c, err)
		return
	}

	if h.audit != nil {
		h.audit.Record(service.NewAuditEntry(models.AuditActionUnblock, identity.PrincipalID, requestMeta(c), map[string]interface{}{
			"scope": string(scope),
			"key":   key,
		}))
	}
	response.NoContent(c)
}
