package service

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/noah-isme/iam-gate-api/internal/models"
	"github.com/noah-isme/iam-gate-api/pkg/config"
	appErrors "github.com/noah-isme/iam-gate-api/pkg/errors"
)

// AbuseStore abstracts the expiring counter store behind the guard.
type AbuseStore interface {
	IncrCounter(ctx context.Context, scope models.BlockScope, key string, window time.Duration) (int64, error)
	Counter(ctx context.Context, scope models.BlockScope, key string) (int64, error)
	ResetCounters(ctx context.Context, principal, ip string) error
	Block(ctx context.Context, scope models.BlockScope, key, reason string, ttl time.Duration) error
	BlockStates(ctx context.Context, principal, ip string) (models.BlockRecord, models.BlockRecord, error)
	BlockState(ctx context.Context, scope models.BlockScope, key string) (models.BlockRecord, error)
	Unblock(ctx context.Context, scope models.BlockScope, key string) error
	AddScatter(ctx context.Context, ip, principal string, window time.Duration) (int64, error)
	ScatterSize(ctx context.Context, ip string) (int64, error)
}

// AbuseGuard decides whether a (principal, ip) pair may attempt to
// authenticate. It holds no state of its own; every decision is read from and
// written to the store.
type AbuseGuard struct {
	store   AbuseStore
	cfg     config.AbuseGuardConfig
	metrics *MetricsService
	logger  *zap.Logger
	now     func() time.Time
}

// NewAbuseGuard constructs an abuse guard.
func NewAbuseGuard(store AbuseStore, cfg config.AbuseGuardConfig, metrics *MetricsService, logger *zap.Logger) *AbuseGuard {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.FailPolicy == "" {
		cfg.FailPolicy = config.FailClosed
	}
	return &AbuseGuard{store: store, cfg: cfg, metrics: metrics, logger: logger, now: time.Now}
}

// Enabled reports whether brute-force protection is switched on.
func (g *AbuseGuard) Enabled() bool {
	return g != nil && g.cfg.Enabled
}

func (g *AbuseGuard) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if g.cfg.StoreTimeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, g.cfg.StoreTimeout)
}

func (g *AbuseGuard) storeError(op string, err error) error {
	g.metrics.RecordStoreError(op)
	return appErrors.WithCause(appErrors.ErrStoreUnavailable, fmt.Errorf("abuse store %s: %w", op, err))
}

// IsBlocked reports the principal and IP block states independently. A
// caller must deny the attempt when either is set.
func (g *AbuseGuard) IsBlocked(ctx context.Context, principal, ip string) (models.BlockStatus, error) {
	if !g.Enabled() {
		return models.BlockStatus{}, nil
	}
	ctx, cancel := g.withTimeout(ctx)
	defer cancel()

	userBlock, ipBlock, err := g.store.BlockStates(ctx, principal, ip)
	if err != nil {
		return models.BlockStatus{}, g.storeError("is_blocked", err)
	}

	status := models.BlockStatus{PrincipalBlocked: userBlock.Active()}
	if g.cfg.IPBlocking {
		status.IPBlocked = ipBlock.Active()
	}
	switch {
	case status.PrincipalBlocked:
		status.Reason = userBlock.Reason
	case status.IPBlocked:
		status.Reason = ipBlock.Reason
	}
	return status, nil
}

// Admit applies IsBlocked and the configured fail policy. A blocked pair gets
// ErrAbuseBlocked. A store failure gets ErrStoreUnavailable under the closed
// policy; under the open policy the attempt is admitted unchecked and the
// failure is logged at error level.
func (g *AbuseGuard) Admit(ctx context.Context, principal, ip string) (models.BlockStatus, error) {
	status, err := g.IsBlocked(ctx, principal, ip)
	if err != nil {
		if g.cfg.FailPolicy == config.FailOpen {
			g.logger.Error("abuse store unavailable, admitting login attempt unchecked",
				zap.String("principal", principal),
				zap.String("ip", ip),
				zap.Error(err),
			)
			return models.BlockStatus{}, nil
		}
		g.logger.Error("abuse store unavailable, rejecting login attempt",
			zap.String("principal", principal),
			zap.String("ip", ip),
			zap.Error(err),
		)
		return models.BlockStatus{}, err
	}
	if status.Blocked() {
		scope := status.Scope()
		g.logger.Warn("login attempt blocked",
			zap.String("scope", string(scope)),
			zap.String("reason", status.Reason),
			zap.String("principal", principal),
			zap.String("ip", ip),
		)
		return status, appErrors.WithCause(appErrors.ErrAbuseBlocked, fmt.Errorf("%s blocked: %s", scope, status.Reason))
	}
	return status, nil
}

// AdmitAddress rejects any request from a blocked IP. It follows the same
// fail policy as Admit.
func (g *AbuseGuard) AdmitAddress(ctx context.Context, ip string) error {
	if !g.Enabled() || !g.cfg.IPBlocking || ip == "" {
		return nil
	}
	ctx, cancel := g.withTimeout(ctx)
	defer cancel()

	record, err := g.store.BlockState(ctx, models.BlockScopeIP, ip)
	if err != nil {
		err = g.storeError("address_check", err)
		if g.cfg.FailPolicy == config.FailOpen {
			g.logger.Error("abuse store unavailable, admitting request unchecked", zap.String("ip", ip), zap.Error(err))
			return nil
		}
		g.logger.Error("abuse store unavailable, rejecting request", zap.String("ip", ip), zap.Error(err))
		return err
	}
	if record.Active() {
		g.logger.Warn("request from blocked address", zap.String("ip", ip), zap.String("reason", record.Reason))
		return appErrors.WithCause(appErrors.ErrAbuseBlocked, fmt.Errorf("ip blocked: %s", record.Reason))
	}
	return nil
}

// RegisterFailure records a failed attempt. The scatter check runs before the
// per-counter thresholds: once an IP has tried too many distinct names it is
// blocked and the counters are not consulted.
func (g *AbuseGuard) RegisterFailure(ctx context.Context, principal, ip string) (models.BlockStatus, error) {
	if !g.Enabled() {
		return models.BlockStatus{}, nil
	}
	ctx, cancel := g.withTimeout(ctx)
	defer cancel()

	principalCount, err := g.store.IncrCounter(ctx, models.BlockScopePrincipal, principal, g.cfg.Window)
	if err != nil {
		return models.BlockStatus{}, g.storeError("incr_principal", err)
	}

	var status models.BlockStatus
	if g.cfg.IPBlocking && ip != "" {
		ipCount, err := g.store.IncrCounter(ctx, models.BlockScopeIP, ip, g.cfg.Window)
		if err != nil {
			return models.BlockStatus{}, g.storeError("incr_ip", err)
		}
		distinct, err := g.store.AddScatter(ctx, ip, principal, g.cfg.ScatterWindow)
		if err != nil {
			return models.BlockStatus{}, g.storeError("add_scatter", err)
		}

		if distinct >= g.cfg.ScatterThreshold {
			if err := g.block(ctx, models.BlockScopeIP, ip, models.BlockReasonDistinctUsernames, g.cfg.IPLockout); err != nil {
				return models.BlockStatus{}, err
			}
			return models.BlockStatus{IPBlocked: true, Reason: models.BlockReasonDistinctUsernames}, nil
		}

		if ipCount >= g.cfg.MaxAttempts {
			if err := g.block(ctx, models.BlockScopeIP, ip, models.BlockReasonTooManyAttempts, g.cfg.Lockout); err != nil {
				return models.BlockStatus{}, err
			}
			status.IPBlocked = true
			status.Reason = models.BlockReasonTooManyAttempts
		}
	}

	if principalCount >= g.cfg.MaxAttempts {
		if err := g.block(ctx, models.BlockScopePrincipal, principal, models.BlockReasonTooManyAttempts, g.cfg.Lockout); err != nil {
			return models.BlockStatus{}, err
		}
		status.PrincipalBlocked = true
		status.Reason = models.BlockReasonTooManyAttempts
	}

	g.logger.Info("login failure registered",
		zap.String("principal", principal),
		zap.String("ip", ip),
		zap.Int64("principal_attempts", principalCount),
	)
	return status, nil
}

func (g *AbuseGuard) block(ctx context.Context, scope models.BlockScope, key, reason string, ttl time.Duration) error {
	if err := g.store.Block(ctx, scope, key, reason, ttl); err != nil {
		return g.storeError("block", err)
	}
	g.metrics.RecordBlock(string(scope), reason)
	g.logger.Warn("abuse block written",
		zap.String("scope", string(scope)),
		zap.String("key", key),
		zap.String("reason", reason),
		zap.Duration("ttl", ttl),
	)
	return nil
}

// Reset clears the principal and IP counters after a successful login. The
// scatter set for ip is left to expire on its own.
func (g *AbuseGuard) Reset(ctx context.Context, principal, ip string) error {
	if !g.Enabled() {
		return nil
	}
	ctx, cancel := g.withTimeout(ctx)
	defer cancel()

	if err := g.store.ResetCounters(ctx, principal, ip); err != nil {
		return g.storeError("reset", err)
	}
	return nil
}

// Unblock lifts a block before it expires.
func (g *AbuseGuard) Unblock(ctx context.Context, scope models.BlockScope, key string) error {
	if !scope.Valid() || key == "" {
		return appErrors.Clone(appErrors.ErrBadRequest, "invalid block scope or key")
	}
	ctx, cancel := g.withTimeout(ctx)
	defer cancel()

	if err := g.store.Unblock(ctx, scope, key); err != nil {
		return g.storeError("unblock", err)
	}
	g.logger.Info("abuse block lifted", zap.String("scope", string(scope)), zap.String("key", key))
	return nil
}

// Status describes the block and counter state of a single key.
func (g *AbuseGuard) Status(ctx context.Context, scope models.BlockScope, key string) (*models.BlockInfo, error) {
	if !scope.Valid() || key == "" {
		return nil, appErrors.Clone(appErrors.ErrBadRequest, "invalid block scope or key")
	}
	ctx, cancel := g.withTimeout(ctx)
	defer cancel()

	record, err := g.store.BlockState(ctx, scope, key)
	if err != nil {
		return nil, g.storeError("status", err)
	}
	attempts, err := g.store.Counter(ctx, scope, key)
	if err != nil {
		return nil, g.storeError("status", err)
	}

	info := &models.BlockInfo{
		Scope:     scope,
		Key:       key,
		Blocked:   record.Active(),
		Attempts:  attempts,
		CheckedAt: g.now().UTC(),
	}
	if info.Blocked {
		info.Reason = record.Reason
		info.Remaining = int64(record.TTL.Round(time.Second) / time.Second)
	}
	if scope == models.BlockScopeIP {
		distinct, err := g.store.ScatterSize(ctx, key)
		if err != nil {
			return nil, g.storeError("status", err)
		}
		info.Distinct = distinct
	}
	return info, nil
}
