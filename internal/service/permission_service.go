package service

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/noah-isme/iam-gate-api/internal/repository"
)

// PermissionSource answers permission checks from the system of record.
type PermissionSource interface {
	HasPermission(ctx context.Context, userID, item string) (bool, error)
}

// PermissionCache abstracts the cache behind permission lookups.
type PermissionCache interface {
	Get(ctx context.Context, key string, dest interface{}) error
	Set(ctx context.Context, key string, value interface{}, ttl time.Duration) error
	DeleteByPattern(ctx context.Context, pattern string) error
}

// PermissionService caches answers of the permission oracle. A cache outage
// degrades to direct lookups.
type PermissionService struct {
	source  PermissionSource
	cache   PermissionCache
	ttl     time.Duration
	metrics *MetricsService
	logger  *zap.Logger
}

// NewPermissionService constructs a permission service. A nil cache or a
// non-positive ttl disables caching.
func NewPermissionService(source PermissionSource, cache PermissionCache, ttl time.Duration, metrics *MetricsService, logger *zap.Logger) *PermissionService {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &PermissionService{source: source, cache: cache, ttl: ttl, metrics: metrics, logger: logger}
}

func (s *PermissionService) cacheEnabled() bool {
	return s.cache != nil && s.ttl > 0
}

func permissionKey(userID, item string) string {
	return userID + ":" + item
}

// HasPermission reports whether userID holds item.
func (s *PermissionService) HasPermission(ctx context.Context, userID, item string) (bool, error) {
	key := permissionKey(userID, item)
	if s.cacheEnabled() {
		var allowed bool
		err := s.cache.Get(ctx, key, &allowed)
		switch {
		case err == nil:
			s.metrics.RecordPermissionLookup(true)
			return allowed, nil
		case !errors.Is(err, repository.ErrCacheMiss):
			s.logger.Warn("permission cache get failed", zap.String("key", key), zap.Error(err))
		}
		s.metrics.RecordPermissionLookup(false)
	}

	start := time.Now()
	allowed, err := s.source.HasPermission(ctx, userID, item)
	s.metrics.ObserveDBQuery("permission_lookup", time.Since(start))
	if err != nil {
		return false, err
	}

	if s.cacheEnabled() {
		if err := s.cache.Set(ctx, key, allowed, s.ttl); err != nil {
			s.logger.Warn("permission cache set failed", zap.String("key", key), zap.Error(err))
		}
	}
	return allowed, nil
}

// Invalidate drops every cached answer for userID.
func (s *PermissionService) Invalidate(ctx context.Context, userID string) error {
	if !s.cacheEnabled() || userID == "" {
		return nil
	}
	if err := s.cache.DeleteByPattern(ctx, userID+":*"); err != nil {
		s.logger.Warn("permission cache invalidate failed", zap.String("user_id", userID), zap.Error(err))
		return err
	}
	return nil
}
