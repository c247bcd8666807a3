package service

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/noah-isme/iam-gate-api/internal/models"
	appErrors "github.com/noah-isme/iam-gate-api/pkg/errors"
)

// RefreshTokenStore abstracts refresh record persistence.
type RefreshTokenStore interface {
	FindByToken(ctx context.Context, token string) (*models.RefreshToken, error)
	FindByUserID(ctx context.Context, userID string) (*models.RefreshToken, error)
	CreateIfAbsent(ctx context.Context, token *models.RefreshToken) (bool, error)
	Replace(ctx context.Context, token *models.RefreshToken) error
	DeleteByUserID(ctx context.Context, userID string) (int64, error)
}

// RefreshService manages the server-side refresh record behind the refresh
// cookie. A user holds one record; rapid re-issues reuse it.
type RefreshService struct {
	store  RefreshTokenStore
	logger *zap.Logger
	now    func() time.Time
}

// NewRefreshService constructs a refresh service.
func NewRefreshService(store RefreshTokenStore, logger *zap.Logger) *RefreshService {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RefreshService{store: store, logger: logger, now: time.Now}
}

// NewRefreshSecret returns an opaque secret built from two random 128-bit blocks.
func NewRefreshSecret() string {
	a, b := uuid.New(), uuid.New()
	return hex.EncodeToString(a[:]) + hex.EncodeToString(b[:])
}

// Fingerprint identifies the device a record was created from.
func Fingerprint(meta models.RequestMeta) string {
	sum := sha256.Sum256([]byte(meta.UserAgent + ":" + meta.IP))
	return hex.EncodeToString(sum[:])
}

// IssueOrRotate returns the user's refresh record, creating one when none
// exists. With force set a new secret always replaces the current record.
// Concurrent callers converge on whichever insert won.
func (s *RefreshService) IssueOrRotate(ctx context.Context, userID string, meta models.RequestMeta, force bool) (*models.RefreshToken, error) {
	if strings.TrimSpace(userID) == "" {
		return nil, appErrors.Clone(appErrors.ErrBadRequest, "user id required")
	}

	if !force {
		existing, err := s.store.FindByUserID(ctx, userID)
		if err == nil {
			return existing, nil
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load refresh token")
		}
	}

	record := &models.RefreshToken{
		ID:          uuid.NewString(),
		UserID:      userID,
		Token:       NewRefreshSecret(),
		Fingerprint: Fingerprint(meta),
		IPAddress:   meta.IP,
		UserAgent:   meta.UserAgent,
		CreatedAt:   s.now().UTC(),
	}

	if force {
		if err := s.store.Replace(ctx, record); err != nil {
			return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to rotate refresh token")
		}
		s.logger.Info("refresh token rotated", zap.String("user_id", userID))
		return record, nil
	}

	created, err := s.store.CreateIfAbsent(ctx, record)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to create refresh token")
	}
	if created {
		s.logger.Info("refresh token issued", zap.String("user_id", userID))
		return record, nil
	}

	winner, err := s.store.FindByUserID(ctx, userID)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load refresh token")
	}
	return winner, nil
}

// Resolve returns the live record for secret or ErrRefreshNotFound.
func (s *RefreshService) Resolve(ctx context.Context, secret string) (*models.RefreshToken, error) {
	if secret == "" {
		return nil, appErrors.ErrRefreshMissing
	}
	record, err := s.store.FindByToken(ctx, secret)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.ErrRefreshNotFound
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to resolve refresh token")
	}
	return record, nil
}

// PurgeAll deletes every refresh record owned by userID in one statement.
func (s *RefreshService) PurgeAll(ctx context.Context, userID string) (int64, error) {
	n, err := s.store.DeleteByUserID(ctx, userID)
	if err != nil {
		return 0, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to purge refresh tokens")
	}
	if n > 0 {
		s.logger.Info("refresh tokens purged", zap.String("user_id", userID), zap.Int64("count", n))
	}
	return n, nil
}

