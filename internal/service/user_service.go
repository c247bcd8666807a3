package service

import (
	"context"
	"database/sql"
	"errors"
	"strings"

	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"github.com/noah-isme/iam-gate-api/internal/models"
	"github.com/noah-isme/iam-gate-api/internal/repository"
	appErrors "github.com/noah-isme/iam-gate-api/pkg/errors"
	"github.com/noah-isme/iam-gate-api/pkg/password"
)

type userCreator interface {
	FindByIdentifier(ctx context.Context, identifier string) (*models.User, error)
	Create(ctx context.Context, user *models.User) error
}

// UserService provisions principals.
type UserService struct {
	repo      userCreator
	hasher    *password.Hasher
	policy    password.Policy
	validator *validator.Validate
	audit     *AuditService
	logger    *zap.Logger
}

// NewUserService constructs a user service.
func NewUserService(repo userCreator, hasher *password.Hasher, policy password.Policy, validate *validator.Validate, audit *AuditService, logger *zap.Logger) *UserService {
	if logger == nil {
		logger = zap.NewNop()
	}
	if validate == nil {
		validate = NewValidator()
	}
	return &UserService{repo: repo, hasher: hasher, policy: policy, validator: validate, audit: audit, logger: logger}
}

// Create registers an active user. Username and email are unique across
// every non-deleted account.
func (s *UserService) Create(ctx context.Context, req models.CreateUserRequest, actor models.Identity, meta models.RequestMeta) (*models.UserInfo, error) {
	req.Username = strings.TrimSpace(req.Username)
	req.Email = strings.ToLower(strings.TrimSpace(req.Email))
	if err := s.validator.Struct(req); err != nil {
		return nil, validationError(err, "invalid create user payload")
	}
	if reasons := s.policy.Validate(req.Password); len(reasons) > 0 {
		return nil, appErrors.WithDetails(appErrors.Clone(appErrors.ErrValidation, "password does not meet the strength policy"),
			map[string][]string{"password": reasons})
	}

	for _, field := range []struct{ name, value string }{{"username", req.Username}, {"email", req.Email}} {
		if _, err := s.repo.FindByIdentifier(ctx, field.value); err == nil {
			return nil, appErrors.WithDetails(appErrors.Clone(appErrors.ErrConflict, field.name+" already exists"),
				map[string][]string{field.name: {"already exists"}})
		} else if !errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to check uniqueness")
		}
	}

	digest, err := s.hasher.Hash(req.Password)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to hash password")
	}

	user := &models.User{
		Username:     req.Username,
		Email:        req.Email,
		PasswordHash: digest,
		Status:       models.UserStatusActive,
	}
	if err := s.repo.Create(ctx, user); err != nil {
		if errors.Is(err, repository.ErrDuplicate) {
			return nil, appErrors.Clone(appErrors.ErrConflict, "user already exists")
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to create user")
	}

	s.audit.Record(NewAuditEntry(models.AuditActionUserCreate, user.ID, meta, map[string]interface{}{
		"actor":    actor.PrincipalID,
		"username": user.Username,
	}))
	s.logger.Info("user created", zap.String("user_id", user.ID), zap.String("actor", actor.PrincipalID))

	return &models.UserInfo{
		ID:       user.ID,
		Username: user.Username,
		Email:    user.Email,
		Status:   user.Status.String(),
	}, nil
}
