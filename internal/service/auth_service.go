package service

import (
	"context"
	"crypto/subtle"
	"database/sql"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"github.com/noah-isme/iam-gate-api/internal/models"
	"github.com/noah-isme/iam-gate-api/internal/repository"
	"github.com/noah-isme/iam-gate-api/internal/token"
	appErrors "github.com/noah-isme/iam-gate-api/pkg/errors"
	"github.com/noah-isme/iam-gate-api/pkg/password"
)

type authUserRepository interface {
	FindByIdentifier(ctx context.Context, identifier string) (*models.User, error)
	FindByID(ctx context.Context, id string) (*models.User, error)
	UpdateLastLogin(ctx context.Context, id string, ts time.Time) error
	ChangePassword(ctx context.Context, id, previousHash, newHash string, changedAt time.Time) (string, error)
	RecentPasswordHashes(ctx context.Context, id string, limit int) ([]string, error)
	SetStatus(ctx context.Context, id string, status models.UserStatus, updatedAt time.Time) error
}

type refreshLifecycle interface {
	IssueOrRotate(ctx context.Context, userID string, meta models.RequestMeta, force bool) (*models.RefreshToken, error)
	Resolve(ctx context.Context, secret string) (*models.RefreshToken, error)
	PurgeAll(ctx context.Context, userID string) (int64, error)
}

type loginGuard interface {
	Admit(ctx context.Context, principal, ip string) (models.BlockStatus, error)
	RegisterFailure(ctx context.Context, principal, ip string) (models.BlockStatus, error)
	Reset(ctx context.Context, principal, ip string) error
}

type accessTokenIssuer interface {
	Issue(subject token.Subject) (string, time.Time, error)
	TTL() time.Duration
}

// AuthConfig defines configuration for authentication flows.
type AuthConfig struct {
	PasswordHistory int
	RevokeOnSignIn  bool
}

// AuthDependencies groups the collaborators of AuthService.
type AuthDependencies struct {
	Users   authUserRepository
	Refresh refreshLifecycle
	Guard   loginGuard
	Tokens  accessTokenIssuer
	Hasher  *password.Hasher
	Policy  password.Policy
	Audit   *AuditService
	Metrics *MetricsService
}

// AuthResult carries the access token response and the refresh record whose
// secret belongs in the refresh cookie.
type AuthResult struct {
	Response models.LoginResponse
	Refresh  *models.RefreshToken
}

// AuthService provides authentication use cases.
type AuthService struct {
	deps      AuthDependencies
	validator *validator.Validate
	logger    *zap.Logger
	config    AuthConfig
	now       func() time.Time

	dummyOnce sync.Once
	dummyHash string
}

// NewAuthService constructs an AuthService instance.
func NewAuthService(deps AuthDependencies, validate *validator.Validate, logger *zap.Logger, config AuthConfig) *AuthService {
	if logger == nil {
		logger = zap.NewNop()
	}
	if validate == nil {
		validate = NewValidator()
	}
	if deps.Hasher == nil {
		deps.Hasher = password.NewHasher(0)
	}
	return &AuthService{deps: deps, validator: validate, logger: logger, config: config, now: time.Now}
}

// Login authenticates a user by username or email and issues credentials.
func (s *AuthService) Login(ctx context.Context, req models.LoginRequest, meta models.RequestMeta) (*AuthResult, error) {
	if err := s.validator.Struct(req); err != nil {
		return nil, validationError(err, "invalid login payload")
	}
	identifier := strings.TrimSpace(req.Identifier)

	user, err := s.deps.Users.FindByIdentifier(ctx, identifier)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		s.deps.Metrics.RecordLogin(LoginOutcomeError)
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to fetch user")
	}
	principal := abuseKey(identifier, user)

	if _, err := s.deps.Guard.Admit(ctx, principal, meta.IP); err != nil {
		if errors.Is(err, appErrors.ErrAbuseBlocked) {
			s.deps.Metrics.RecordLogin(LoginOutcomeBlocked)
			s.deps.Audit.Record(NewAuditEntry(models.AuditActionLoginBlocked, "", meta, map[string]interface{}{"identifier": principal}))
		} else {
			s.deps.Metrics.RecordLogin(LoginOutcomeError)
		}
		return nil, err
	}

	if user == nil {
		// Keep the timing of unknown names close to a real verify.
		s.deps.Hasher.Verify(req.Password, s.dummyDigest())
		return nil, s.rejectLogin(ctx, principal, "", meta)
	}

	if !s.deps.Hasher.Verify(req.Password, user.PasswordHash) {
		return nil, s.rejectLogin(ctx, principal, user.ID, meta)
	}

	if !user.Active() {
		s.deps.Metrics.RecordLogin(LoginOutcomeInactive)
		return nil, appErrors.ErrAccountDisabled
	}

	if err := s.deps.Guard.Reset(ctx, principal, meta.IP); err != nil {
		s.logger.Warn("failed to reset abuse counters", zap.String("user_id", user.ID), zap.Error(err))
	}

	if s.config.RevokeOnSignIn {
		if _, err := s.deps.Refresh.PurgeAll(ctx, user.ID); err != nil {
			return nil, err
		}
	}

	refresh, err := s.deps.Refresh.IssueOrRotate(ctx, user.ID, meta, false)
	if err != nil {
		return nil, err
	}

	resp, err := s.accessResponse(user)
	if err != nil {
		return nil, err
	}

	if err := s.deps.Users.UpdateLastLogin(ctx, user.ID, s.now().UTC()); err != nil {
		s.logger.Warn("failed to update last login", zap.String("user_id", user.ID), zap.Error(err))
	}

	s.deps.Metrics.RecordLogin(LoginOutcomeSuccess)
	s.deps.Audit.Record(NewAuditEntry(models.AuditActionLogin, user.ID, meta, map[string]interface{}{"status": "success"}))
	return &AuthResult{Response: *resp, Refresh: refresh}, nil
}

// abuseKey picks the counter key for a login attempt. Known accounts share one
// key whichever alias was typed; unknown names are keyed by what was sent.
func abuseKey(identifier string, user *models.User) string {
	if user != nil {
		return repository.NormalizePrincipal(user.Username)
	}
	return repository.NormalizePrincipal(identifier)
}

func (s *AuthService) rejectLogin(ctx context.Context, principal, userID string, meta models.RequestMeta) error {
	s.deps.Metrics.RecordLogin(LoginOutcomeInvalid)
	status, err := s.deps.Guard.RegisterFailure(ctx, principal, meta.IP)
	if err != nil {
		s.logger.Error("failed to register login failure",
			zap.String("principal", principal),
			zap.String("ip", meta.IP),
			zap.Error(err),
		)
	}
	s.deps.Audit.Record(NewAuditEntry(models.AuditActionLoginFailed, userID, meta, map[string]interface{}{
		"identifier": principal,
		"blocked":    status.Blocked(),
	}))
	return appErrors.ErrInvalidCredentials
}

func (s *AuthService) dummyDigest() string {
	s.dummyOnce.Do(func() {
		digest, err := s.deps.Hasher.Hash("unknown-principal-placeholder")
		if err != nil {
			s.logger.Error("failed to prepare placeholder digest", zap.Error(err))
			return
		}
		s.dummyHash = digest
	})
	return s.dummyHash
}

func (s *AuthService) accessResponse(user *models.User) (*models.LoginResponse, error) {
	signed, expiresAt, err := s.deps.Tokens.Issue(user)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to create access token")
	}
	return &models.LoginResponse{
		AccessToken: signed,
		TokenType:   "Bearer",
		ExpiresIn:   int64(s.deps.Tokens.TTL().Seconds()),
		ExpiresAt:   expiresAt,
		Username:    user.Username,
	}, nil
}

// Refresh mints a new access token from the refresh secret. The refresh record
// itself is reused, so concurrent refreshes from one device all succeed.
func (s *AuthService) Refresh(ctx context.Context, secret string, meta models.RequestMeta) (*AuthResult, error) {
	if secret == "" {
		return nil, appErrors.ErrRefreshMissing
	}

	record, err := s.deps.Refresh.Resolve(ctx, secret)
	if err != nil {
		return nil, err
	}

	user, err := s.deps.Users.FindByID(ctx, record.UserID)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load user")
	}
	if err != nil || !user.Active() {
		if _, purgeErr := s.deps.Refresh.PurgeAll(ctx, record.UserID); purgeErr != nil {
			s.logger.Error("failed to purge refresh tokens of inactive user", zap.String("user_id", record.UserID), zap.Error(purgeErr))
		}
		return nil, appErrors.ErrAccountInactive
	}

	refresh, err := s.deps.Refresh.IssueOrRotate(ctx, user.ID, meta, false)
	if err != nil {
		return nil, err
	}

	resp, err := s.accessResponse(user)
	if err != nil {
		return nil, err
	}

	s.deps.Audit.Record(NewAuditEntry(models.AuditActionRefresh, user.ID, meta, nil))
	return &AuthResult{Response: *resp, Refresh: refresh}, nil
}

// Logout purges the refresh records tied to secret. Unknown or empty secrets
// succeed without touching the store.
func (s *AuthService) Logout(ctx context.Context, secret string, meta models.RequestMeta) error {
	if secret == "" {
		return nil
	}
	record, err := s.deps.Refresh.Resolve(ctx, secret)
	if err != nil {
		if errors.Is(err, appErrors.ErrRefreshNotFound) {
			return nil
		}
		return err
	}
	if _, err := s.deps.Refresh.PurgeAll(ctx, record.UserID); err != nil {
		return err
	}
	s.deps.Audit.Record(NewAuditEntry(models.AuditActionLogout, record.UserID, meta, nil))
	return nil
}

// ChangePassword replaces the password of the authenticated user, rotates the
// revocation id and purges every refresh record. The caller must log in again.
func (s *AuthService) ChangePassword(ctx context.Context, identity models.Identity, req models.ChangePasswordRequest, meta models.RequestMeta) error {
	if err := s.validator.Struct(req); err != nil {
		return validationError(err, "invalid change password payload")
	}

	user, err := s.deps.Users.FindByID(ctx, identity.PrincipalID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return appErrors.ErrRevocationMismatch
		}
		return appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load user")
	}

	if !s.deps.Hasher.Verify(req.OldPassword, user.PasswordHash) {
		return fieldError("old_password", "current password is incorrect")
	}
	if req.NewPassword == req.OldPassword {
		return fieldError("new_password", "new password must differ from the current password")
	}
	if reasons := s.deps.Policy.Validate(req.NewPassword); len(reasons) > 0 {
		return appErrors.WithDetails(appErrors.Clone(appErrors.ErrValidation, "password does not meet the strength policy"),
			map[string][]string{"new_password": reasons})
	}

	history, err := s.deps.Users.RecentPasswordHashes(ctx, user.ID, s.config.PasswordHistory)
	if err != nil {
		return appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load password history")
	}
	for _, digest := range history {
		if s.deps.Hasher.Verify(req.NewPassword, digest) {
			return appErrors.WithDetails(appErrors.ErrPasswordReused, map[string][]string{"new_password": {"password was used recently"}})
		}
	}

	newHash, err := s.deps.Hasher.Hash(req.NewPassword)
	if err != nil {
		return appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to hash password")
	}

	if _, err := s.deps.Users.ChangePassword(ctx, user.ID, user.PasswordHash, newHash, s.now().UTC()); err != nil {
		return appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to update password")
	}

	if _, err := s.deps.Refresh.PurgeAll(ctx, user.ID); err != nil {
		return err
	}

	s.deps.Audit.Record(NewAuditEntry(models.AuditActionPasswordChange, user.ID, meta, map[string]interface{}{"status": "changed"}))
	return nil
}

// VerifySession checks a verified access token against the live principal:
// the account must be active and the token's revocation id current.
func (s *AuthService) VerifySession(ctx context.Context, identity models.Identity) (*models.User, error) {
	user, err := s.deps.Users.FindByID(ctx, identity.PrincipalID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.ErrRevocationMismatch
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load user")
	}
	if !user.Active() {
		return nil, appErrors.ErrAccountInactive
	}
	if subtle.ConstantTimeCompare([]byte(user.AuthKey), []byte(identity.RevocationID)) != 1 {
		return nil, appErrors.ErrRevocationMismatch
	}
	return user, nil
}

// Me returns the profile of the authenticated principal.
func (s *AuthService) Me(ctx context.Context, identity models.Identity) (*models.UserInfo, error) {
	user, err := s.VerifySession(ctx, identity)
	if err != nil {
		return nil, err
	}
	return &models.UserInfo{
		ID:       user.ID,
		Username: user.Username,
		Email:    user.Email,
		Status:   user.Status.String(),
	}, nil
}

// DeactivateAccount disables userID, invalidating its tokens and purging its
// refresh records.
func (s *AuthService) DeactivateAccount(ctx context.Context, actor models.Identity, userID string, meta models.RequestMeta) error {
	if strings.TrimSpace(userID) == "" {
		return appErrors.Clone(appErrors.ErrBadRequest, "user id required")
	}
	if err := s.deps.Users.SetStatus(ctx, userID, models.UserStatusInactive, s.now().UTC()); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return appErrors.Clone(appErrors.ErrNotFound, "user not found")
		}
		return appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to deactivate user")
	}
	if _, err := s.deps.Refresh.PurgeAll(ctx, userID); err != nil {
		return err
	}
	s.deps.Audit.Record(NewAuditEntry(models.AuditActionDeactivate, userID, meta, map[string]interface{}{"actor": actor.PrincipalID}))
	return nil
}
