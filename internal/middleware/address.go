package middleware

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/noah-isme/iam-gate-api/internal/repository"
	"github.com/noah-isme/iam-gate-api/internal/service"
	appErrors "github.com/noah-isme/iam-gate-api/pkg/errors"
	"github.com/noah-isme/iam-gate-api/pkg/response"
)

const (
	rejectAddressBlocked = "ip_blocked"
	rejectRateLimited    = "rate_limited"
)

// AddressAdmitter reports whether a client address is blocked.
type AddressAdmitter interface {
	AdmitAddress(ctx context.Context, ip string) error
}

// RequestLimiter counts requests per key in a window.
type RequestLimiter interface {
	Allow(ctx context.Context, key string) (repository.RateResult, error)
}

// AddressGuardConfig configures AddressGuard.
type AddressGuardConfig struct {
	FailOpen     bool
	StoreTimeout time.Duration
	// Exempt lists exact paths never counted or blocked, such as health checks.
	Exempt []string
}

// AddressGuard turns away every request from a blocked address and applies
// the per-address request limit. Either collaborator may be nil.
func AddressGuard(blocks AddressAdmitter, limiter RequestLimiter, cfg AddressGuardConfig, metrics *service.MetricsService, logger *zap.Logger) gin.HandlerFunc {
	if logger == nil {
		logger = zap.NewNop()
	}
	exempt := make(map[string]struct{}, len(cfg.Exempt))
	for _, path := range cfg.Exempt {
		exempt[path] = struct{}{}
	}

	return func(c *gin.Context) {
		if _, ok := exempt[c.Request.URL.Path]; ok || c.Request.Method == http.MethodOptions {
			c.Next()
			return
		}
		ip := c.ClientIP()

		if blocks != nil {
			if err := blocks.AdmitAddress(c.Request.Context(), ip); err != nil {
				if errors.Is(err, appErrors.ErrAbuseBlocked) {
					metrics.RecordGateRejection(rejectAddressBlocked)
					response.Abort(c, appErrors.WithCause(appErrors.Clone(appErrors.ErrAbuseBlocked,
						"too many requests from your address, try again later"), err))
					return
				}
				response.Abort(c, err)
				return
			}
		}

		if limiter == nil {
			c.Next()
			return
		}

		ctx := c.Request.Context()
		if cfg.StoreTimeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, cfg.StoreTimeout)
			defer cancel()
		}
		res, err := limiter.Allow(ctx, ip)
		if err != nil {
			metrics.RecordStoreError("rate_limit")
			if cfg.FailOpen {
				logger.Error("rate limit store unavailable, admitting request", zap.String("ip", ip), zap.Error(err))
				c.Next()
				return
			}
			logger.Error("rate limit store unavailable, rejecting request", zap.String("ip", ip), zap.Error(err))
			response.Abort(c, appErrors.WithCause(appErrors.ErrStoreUnavailable, fmt.Errorf("rate limit: %w", err)))
			return
		}

		header := c.Writer.Header()
		header.Set("X-RateLimit-Limit", strconv.FormatInt(res.Limit, 10))
		header.Set("X-RateLimit-Remaining", strconv.FormatInt(res.Remaining, 10))
		header.Set("X-RateLimit-Reset", strconv.FormatInt(res.ResetAt.Unix(), 10))
		if !res.Allowed {
			header.Set("Retry-After", strconv.Itoa(int(res.RetryAfter.Round(time.Second)/time.Second)))
			metrics.RecordGateRejection(rejectRateLimited)
			logger.Warn("rate limit exceeded", zap.String("ip", ip), zap.Int64("hits", res.Hits))
			response.Abort(c, appErrors.Clone(appErrors.ErrAbuseBlocked, "too many requests, slow down"))
			return
		}
		c.Next()
	}
}
