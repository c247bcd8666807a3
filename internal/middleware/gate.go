package middleware

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"runtime/debug"
	"strings"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/noah-isme/iam-gate-api/internal/models"
	"github.com/noah-isme/iam-gate-api/internal/service"
	"github.com/noah-isme/iam-gate-api/internal/token"
	appErrors "github.com/noah-isme/iam-gate-api/pkg/errors"
	"github.com/noah-isme/iam-gate-api/pkg/response"
)

// ContextIdentityKey is the gin context key storing the verified identity.
const ContextIdentityKey = "identity"

// ContextUserKey stores the live user record once RequireLiveSession passed.
const ContextUserKey = "currentUser"

type identityKey struct{}

// Gate rejection reasons, used as metric labels.
const (
	rejectMissing  = "missing"
	rejectExpired  = "expired"
	rejectInvalid  = "invalid"
	rejectRevoked  = "revoked"
	rejectInactive = "inactive"
	rejectPanic    = "panic"
)

// TokenValidator verifies access tokens.
type TokenValidator interface {
	Validate(raw string) (*token.Claims, error)
}

// GateConfig configures the authentication gate.
type GateConfig struct {
	APIPrefix      string
	SafeEndpoints  []string
	CookieName     string
	CookieFallback bool
}

// Gate admits safe-listed paths, otherwise requires a valid access token and
// attaches the resulting identity to the request. Any panic below the gate is
// turned into a generic 500.
func Gate(validator TokenValidator, cfg GateConfig, metrics *service.MetricsService, logger *zap.Logger) gin.HandlerFunc {
	if logger == nil {
		logger = zap.NewNop()
	}
	safe := NewSafeList(cfg.APIPrefix, cfg.SafeEndpoints)

	return func(c *gin.Context) {
		defer func() {
			if rec := recover(); rec != nil {
				metrics.RecordGateRejection(rejectPanic)
				logger.Error("panic behind authentication gate",
					zap.Any("panic", rec),
					zap.String("path", c.Request.URL.Path),
					zap.ByteString("stack", debug.Stack()),
				)
				if !c.Writer.Written() {
					response.Error(c, appErrors.WithCause(appErrors.ErrInternal, fmt.Errorf("panic: %v", rec)))
				}
				c.Abort()
			}
		}()

		if c.Request.Method == http.MethodOptions || safe.Match(c.Request.URL.Path) {
			c.Next()
			return
		}

		raw := extractToken(c.Request, cfg)
		if raw == "" {
			metrics.RecordGateRejection(rejectMissing)
			response.Abort(c, appErrors.ErrCredentialMissing)
			return
		}

		claims, err := validator.Validate(raw)
		if err != nil {
			if errors.Is(err, token.ErrExpired) {
				metrics.RecordGateRejection(rejectExpired)
				response.Abort(c, appErrors.ErrCredentialExpired)
				return
			}
			metrics.RecordGateRejection(rejectInvalid)
			response.Abort(c, appErrors.ErrCredentialMalformed)
			return
		}

		identity := models.Identity{
			PrincipalID:  claims.PrincipalID(),
			RevocationID: claims.RevocationID(),
		}
		if claims.IssuedAt != nil {
			identity.IssuedAt = claims.IssuedAt.Time
		}
		if claims.ExpiresAt != nil {
			identity.ExpiresAt = claims.ExpiresAt.Time
		}

		c.Set(ContextIdentityKey, identity)
		c.Request = c.Request.WithContext(WithIdentity(c.Request.Context(), identity))
		c.Next()
	}
}

// extractToken reads the bearer header first; the cookie is consulted only
// when the header is absent and the fallback is enabled.
func extractToken(r *http.Request, cfg GateConfig) string {
	if header := r.Header.Get("Authorization"); header != "" {
		parts := strings.Fields(header)
		if len(parts) == 2 && strings.EqualFold(parts[0], "Bearer") {
			return parts[1]
		}
	}
	if cfg.CookieFallback && cfg.CookieName != "" {
		if cookie, err := r.Cookie(cfg.CookieName); err == nil {
			return cookie.Value
		}
	}
	return ""
}

// WithIdentity stores identity on ctx.
func WithIdentity(ctx context.Context, identity models.Identity) context.Context {
	return context.WithValue(ctx, identityKey{}, identity)
}

// IdentityFromContext returns the identity attached by Gate.
func IdentityFromContext(ctx context.Context) (models.Identity, bool) {
	identity, ok := ctx.Value(identityKey{}).(models.Identity)
	return identity, ok
}

// CurrentIdentity returns the identity attached to a gin context.
func CurrentIdentity(c *gin.Context) (models.Identity, bool) {
	if value, ok := c.Get(ContextIdentityKey); ok {
		if identity, ok := value.(models.Identity); ok {
			return identity, true
		}
	}
	return IdentityFromContext(c.Request.Context())
}

// SessionVerifier performs the live revocation check.
type SessionVerifier interface {
	VerifySession(ctx context.Context, identity models.Identity) (*models.User, error)
}

// RequireLiveSession compares the token's revocation id with the live
// principal. Mount it on privileged routes behind Gate.
func RequireLiveSession(verifier SessionVerifier, metrics *service.MetricsService) gin.HandlerFunc {
	return func(c *gin.Context) {
		identity, ok := CurrentIdentity(c)
		if !ok {
			metrics.RecordGateRejection(rejectMissing)
			response.Abort(c, appErrors.ErrCredentialMissing)
			return
		}
		user, err := verifier.VerifySession(c.Request.Context(), identity)
		if err != nil {
			switch {
			case errors.Is(err, appErrors.ErrAccountInactive):
				metrics.RecordGateRejection(rejectInactive)
			case errors.Is(err, appErrors.ErrRevocationMismatch):
				metrics.RecordGateRejection(rejectRevoked)
			}
			response.Abort(c, err)
			return
		}
		c.Set(ContextUserKey, user)
		c.Next()
	}
}

// PermissionOracle answers whether a principal holds a permission.
type PermissionOracle interface {
	HasPermission(ctx context.Context, userID, item string) (bool, error)
}

// RequirePermission allows the request only when the oracle grants item.
func RequirePermission(oracle PermissionOracle, item string) gin.HandlerFunc {
	return func(c *gin.Context) {
		identity, ok := CurrentIdentity(c)
		if !ok {
			response.Abort(c, appErrors.ErrCredentialMissing)
			return
		}
		allowed, err := oracle.HasPermission(c.Request.Context(), identity.PrincipalID, item)
		if err != nil {
			response.Abort(c, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "permission check failed"))
			return
		}
		if !allowed {
			response.Abort(c, appErrors.ErrForbidden)
			return
		}
		c.Next()
	}
}
