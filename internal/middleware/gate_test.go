package middleware

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/noah-isme/iam-gate-api/internal/models"
	"github.com/noah-isme/iam-gate-api/internal/service"
	"github.com/noah-isme/iam-gate-api/internal/token"
	appErrors "github.com/noah-isme/iam-gate-api/pkg/errors"
)

type countingValidator struct {
	inner TokenValidator
	err   error
	calls int
}

func (v *countingValidator) Validate(raw string) (*token.Claims, error) {
	v.calls++
	if v.err != nil {
		return nil, v.err
	}
	return v.inner.Validate(raw)
}

type subject struct{ id, key string }

func (s subject) SubjectID() string    { return s.id }
func (s subject) RevocationID() string { return s.key }

func testCodec() *token.Codec {
	return token.NewCodec("iam-gate", "test-secret", 30*time.Minute)
}

func issue(t *testing.T, codec *token.Codec, id string) string {
	t.Helper()
	signed, _, err := codec.Issue(subject{id: id, key: "key-" + id})
	require.NoError(t, err)
	return signed
}

func testGateConfig() GateConfig {
	return GateConfig{
		APIPrefix:      "/v1",
		SafeEndpoints:  []string{"/health", "/docs/*", "/iam/auth/login"},
		CookieName:     "access_token",
		CookieFallback: true,
	}
}

func newGateRouter(v TokenValidator, cfg GateConfig, metrics *service.MetricsService) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(Gate(v, cfg, metrics, zap.NewNop()))
	echo := func(c *gin.Context) {
		identity, ok := CurrentIdentity(c)
		ctxIdentity, ctxOK := IdentityFromContext(c.Request.Context())
		c.JSON(http.StatusOK, gin.H{
			"authenticated": ok && ctxOK,
			"principal":     identity.PrincipalID,
			"ctx_principal": ctxIdentity.PrincipalID,
			"revocation":    identity.RevocationID,
		})
	}
	r.GET("/health", echo)
	r.GET("/healthz", echo)
	r.GET("/docs/*any", echo)
	r.POST("/v1/iam/auth/login", echo)
	r.POST("/v1/iam/auth/login/extra", echo)
	r.GET("/v1/private", echo)
	r.GET("/v1/boom", func(c *gin.Context) { panic("kaboom") })
	return r
}

func errorCode(t *testing.T, w *httptest.ResponseRecorder) string {
	t.Helper()
	var body struct {
		Error struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	return body.Error.Code
}

func TestSafeListMatching(t *testing.T) {
	s := NewSafeList("/v1", []string{"/health", "docs/*", "/iam/auth/login/", "/v1/already"})

	safe := []string{"/health", "/health/", "/v1/health", "/docs", "/docs/index.html", "/v1/docs/swagger.json", "/iam/auth/login", "/v1/iam/auth/login/", "/v1/already"}
	for _, p := range safe {
		assert.True(t, s.Match(p), p)
	}

	protected := []string{"/healthz", "/v1/iam/auth/login/extra", "/iam/auth", "/documents", "/v1/v1/already", "/"}
	for _, p := range protected {
		assert.False(t, s.Match(p), p)
	}
}

func TestGateAdmitsSafeListedPaths(t *testing.T) {
	v := &countingValidator{inner: testCodec()}
	r := newGateRouter(v, testGateConfig(), nil)

	for _, tc := range []struct{ method, path string }{
		{http.MethodGet, "/health"},
		{http.MethodGet, "/docs/index.html"},
		{http.MethodPost, "/v1/iam/auth/login"},
	} {
		w := httptest.NewRecorder()
		r.ServeHTTP(w, httptest.NewRequest(tc.method, tc.path, nil))
		assert.Equal(t, http.StatusOK, w.Code, tc.path)
	}
	assert.Zero(t, v.calls)
}

func TestGateRejectsMissingCredentialWithoutVerifying(t *testing.T) {
	v := &countingValidator{inner: testCodec()}
	metrics := service.NewMetricsService()
	r := newGateRouter(v, testGateConfig(), metrics)

	for _, path := range []string{"/v1/private", "/healthz"} {
		w := httptest.NewRecorder()
		r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, path, nil))
		assert.Equal(t, http.StatusUnauthorized, w.Code, path)
		assert.Equal(t, appErrors.ErrCredentialMissing.Code, errorCode(t, w))
	}

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/v1/iam/auth/login/extra", nil))
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	assert.Zero(t, v.calls)
}

func TestGateDistinguishesExpiredFromInvalid(t *testing.T) {
	codec := testCodec()

	expired := &countingValidator{err: token.ErrExpired}
	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/v1/private", nil)
	req.Header.Set("Authorization", "Bearer whatever")
	newGateRouter(expired, testGateConfig(), nil).ServeHTTP(w, req)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Equal(t, appErrors.ErrCredentialExpired.Code, errorCode(t, w))

	signed := issue(t, codec, "user-1")
	tampered := signed[:len(signed)-2] + "xx"
	if tampered == signed {
		tampered = signed[:len(signed)-2] + "yy"
	}
	w = httptest.NewRecorder()
	req = httptest.NewRequest(http.MethodGet, "/v1/private", nil)
	req.Header.Set("Authorization", "Bearer "+tampered)
	newGateRouter(codec, testGateConfig(), nil).ServeHTTP(w, req)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Equal(t, appErrors.ErrCredentialMalformed.Code, errorCode(t, w))
	assert.NotContains(t, w.Body.String(), "user-1")
}

func TestGateAttachesIdentity(t *testing.T) {
	codec := testCodec()
	r := newGateRouter(codec, testGateConfig(), nil)

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/v1/private", nil)
	req.Header.Set("Authorization", "Bearer "+issue(t, codec, "user-1"))
	r.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"authenticated":true,"principal":"user-1","ctx_principal":"user-1","revocation":"key-user-1"}`, w.Body.String())
}

func TestGateHeaderWinsOverCookie(t *testing.T) {
	codec := testCodec()
	r := newGateRouter(codec, testGateConfig(), nil)

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/v1/private", nil)
	req.Header.Set("Authorization", "Bearer "+issue(t, codec, "header-user"))
	req.AddCookie(&http.Cookie{Name: "access_token", Value: issue(t, codec, "cookie-user")})
	r.ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"principal":"header-user"`)

	w = httptest.NewRecorder()
	req = httptest.NewRequest(http.MethodGet, "/v1/private", nil)
	req.Header.Set("Authorization", "Bearer not-a-token")
	req.AddCookie(&http.Cookie{Name: "access_token", Value: issue(t, codec, "cookie-user")})
	r.ServeHTTP(w, req)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = httptest.NewRecorder()
	req = httptest.NewRequest(http.MethodGet, "/v1/private", nil)
	req.AddCookie(&http.Cookie{Name: "access_token", Value: issue(t, codec, "cookie-user")})
	r.ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"principal":"cookie-user"`)
}

func TestGateCookieFallbackDisabled(t *testing.T) {
	codec := testCodec()
	cfg := testGateConfig()
	cfg.CookieFallback = false
	r := newGateRouter(codec, cfg, nil)

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/v1/private", nil)
	req.AddCookie(&http.Cookie{Name: "access_token", Value: issue(t, codec, "cookie-user")})
	r.ServeHTTP(w, req)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Equal(t, appErrors.ErrCredentialMissing.Code, errorCode(t, w))
}

func TestGateRecoversPanics(t *testing.T) {
	codec := testCodec()
	metrics := service.NewMetricsService()
	r := newGateRouter(codec, testGateConfig(), metrics)

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/v1/boom", nil)
	req.Header.Set("Authorization", "Bearer "+issue(t, codec, "user-1"))
	r.ServeHTTP(w, req)

	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.Equal(t, appErrors.ErrInternal.Code, errorCode(t, w))
	assert.NotContains(t, w.Body.String(), "kaboom")

	n, err := testutil.GatherAndCount(metrics.Registry(), "auth_gate_rejections_total")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

type stubVerifier struct{ err error }

func (s stubVerifier) VerifySession(ctx context.Context, identity models.Identity) (*models.User, error) {
	if s.err != nil {
		return nil, s.err
	}
	return &models.User{ID: identity.PrincipalID, Status: models.UserStatusActive}, nil
}

type stubOracle struct {
	allowed bool
	err     error
}

func (s stubOracle) HasPermission(ctx context.Context, userID, item string) (bool, error) {
	return s.allowed, s.err
}

func TestRequireLiveSessionAndPermission(t *testing.T) {
	codec := testCodec()
	cases := []struct {
		name     string
		verifier stubVerifier
		oracle   stubOracle
		status   int
		code     string
	}{
		{"allowed", stubVerifier{}, stubOracle{allowed: true}, http.StatusOK, ""},
		{"revoked", stubVerifier{err: appErrors.ErrRevocationMismatch}, stubOracle{allowed: true}, http.StatusUnauthorized, appErrors.ErrRevocationMismatch.Code},
		{"inactive", stubVerifier{err: appErrors.ErrAccountInactive}, stubOracle{allowed: true}, http.StatusUnauthorized, appErrors.ErrAccountInactive.Code},
		{"forbidden", stubVerifier{}, stubOracle{allowed: false}, http.StatusForbidden, appErrors.ErrForbidden.Code},
		{"oracle failure", stubVerifier{}, stubOracle{err: errors.New("db down")}, http.StatusInternalServerError, appErrors.ErrInternal.Code},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			gin.SetMode(gin.TestMode)
			r := gin.New()
			r.Use(Gate(codec, testGateConfig(), nil, zap.NewNop()))
			r.GET("/v1/admin", RequireLiveSession(tc.verifier, nil), RequirePermission(tc.oracle, "abuse.manage"), func(c *gin.Context) {
				_, ok := c.Get(ContextUserKey)
				c.JSON(http.StatusOK, gin.H{"user_loaded": ok})
			})

			w := httptest.NewRecorder()
			req := httptest.NewRequest(http.MethodGet, "/v1/admin", nil)
			req.Header.Set("Authorization", "Bearer "+issue(t, codec, "admin"))
			r.ServeHTTP(w, req)

			assert.Equal(t, tc.status, w.Code)
			if tc.code != "" {
				assert.Equal(t, tc.code, errorCode(t, w))
			} else {
				assert.JSONEq(t, `{"user_loaded":true}`, w.Body.String())
			}
		})
	}
}
