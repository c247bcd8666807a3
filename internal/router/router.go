// Package router declares every HTTP route of the service in one table.
package router

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/noah-isme/iam-gate-api/internal/handler"
	"github.com/noah-isme/iam-gate-api/internal/models"
)

// PermissionAbuseManage guards the abuse administration endpoints.
const PermissionAbuseManage = "abuse.manage"

// PermissionUserManage guards account administration.
const PermissionUserManage = "user.manage"

// Route is one entry of the routing table.
type Route struct {
	Method   string
	Path     string
	Handlers []gin.HandlerFunc
}

// Handlers groups the HTTP handlers exposed by the service.
type Handlers struct {
	Auth    *handler.AuthHandler
	Abuse   *handler.AbuseHandler
	Users   *handler.UserHandler
	Metrics *handler.MetricsHandler
}

// Guards are the per-route middleware applied on top of the global gate.
type Guards struct {
	LiveSession gin.HandlerFunc
	Permission  func(item string) gin.HandlerFunc
	Audit       func(action, resource string) gin.HandlerFunc
}

// Routes builds the routing table. Paths under the auth and admin groups are
// placed below apiPrefix; health endpoints stay at the root.
func Routes(apiPrefix string, h Handlers, g Guards) []Route {
	prefix := strings.TrimRight(apiPrefix, "/")
	auth := prefix + "/iam/auth"
	admin := prefix + "/iam/admin"

	privileged := func(handlers ...gin.HandlerFunc) []gin.HandlerFunc {
		chain := make([]gin.HandlerFunc, 0, len(handlers)+1)
		if g.LiveSession != nil {
			chain = append(chain, g.LiveSession)
		}
		return append(chain, handlers...)
	}
	permitted := func(item string, handlers ...gin.HandlerFunc) []gin.HandlerFunc {
		chain := privileged()
		if g.Permission != nil {
			chain = append(chain, g.Permission(item))
		}
		return append(chain, handlers...)
	}
	audited := func(action, resource string, next gin.HandlerFunc) []gin.HandlerFunc {
		if g.Audit == nil {
			return []gin.HandlerFunc{next}
		}
		return []gin.HandlerFunc{g.Audit(action, resource), next}
	}

	return []Route{
		{http.MethodGet, "/health", []gin.HandlerFunc{h.Metrics.Health}},
		{http.MethodGet, "/ready", []gin.HandlerFunc{h.Metrics.Ready}},
		{http.MethodGet, "/metrics", []gin.HandlerFunc{h.Metrics.Prometheus}},

		{http.MethodPost, auth + "/login", []gin.HandlerFunc{h.Auth.Login}},
		{http.MethodPost, auth + "/refresh", []gin.HandlerFunc{h.Auth.Refresh}},
		{http.MethodPost, auth + "/logout", []gin.HandlerFunc{h.Auth.Logout}},
		{http.MethodPost, auth + "/change-password", privileged(h.Auth.ChangePassword)},
		{http.MethodGet, auth + "/me", []gin.HandlerFunc{h.Auth.Me}},

		{http.MethodGet, admin + "/abuse/:scope/:key", permitted(PermissionAbuseManage,
			audited(models.AuditActionAbuseInspect, "abuse", h.Abuse.Status)...)},
		{http.MethodDelete, admin + "/abuse/:scope/:key", permitted(PermissionAbuseManage, h.Abuse.Unblock)},
		{http.MethodPost, admin + "/users", permitted(PermissionUserManage, h.Users.Create)},
		{http.MethodPost, admin + "/users/:id/deactivate", permitted(PermissionUserManage, h.Users.Deactivate)},
	}
}

// NewEngine returns a bare engine that reads the client address from
// forwarding headers only when the peer is one of trustedProxies. With an
// empty list the socket address is always the client address.
func NewEngine(trustedProxies []string) (*gin.Engine, error) {
	r := gin.New()
	if len(trustedProxies) == 0 {
		trustedProxies = nil
	}
	if err := r.SetTrustedProxies(trustedProxies); err != nil {
		return nil, fmt.Errorf("trusted proxies: %w", err)
	}
	return r, nil
}

// Register mounts routes on r.
func Register(r gin.IRoutes, routes []Route) {
	for _, route := range routes {
		r.Handle(route.Method, route.Path, route.Handlers...)
	}
}
