package service

import (
	"context"
	"database/sql"
	"errors"
	"net/http"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"

	"github.com/noah-isme/iam-gate-api/internal/models"
	"github.com/noah-isme/iam-gate-api/internal/token"
	appErrors "github.com/noah-isme/iam-gate-api/pkg/errors"
	"github.com/noah-isme/iam-gate-api/pkg/jobs"
	"github.com/noah-isme/iam-gate-api/pkg/password"
)

type mockAuthRepo struct {
	mu            sync.Mutex
	users         map[string]*models.User
	history       map[string][]string
	findErr       error
	lastLogins    int
	changePassErr error
	statusChanges map[string]models.UserStatus
}

func newMockAuthRepo(users ...*models.User) *mockAuthRepo {
	repo := &mockAuthRepo{
		users:         map[string]*models.User{},
		history:       map[string][]string{},
		statusChanges: map[string]models.UserStatus{},
	}
	for _, u := range users {
		repo.users[u.ID] = u
	}
	return repo
}

func (m *mockAuthRepo) FindByIdentifier(ctx context.Context, identifier string) (*models.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.findErr != nil {
		return nil, m.findErr
	}
	needle := strings.ToLower(identifier)
	for _, u := range m.users {
		if u.Status != models.UserStatusDeleted && (strings.ToLower(u.Username) == needle || strings.ToLower(u.Email) == needle) {
			cp := *u
			return &cp, nil
		}
	}
	return nil, sql.ErrNoRows
}

func (m *mockAuthRepo) FindByID(ctx context.Context, id string) (*models.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.findErr != nil {
		return nil, m.findErr
	}
	u, ok := m.users[id]
	if !ok {
		return nil, sql.ErrNoRows
	}
	cp := *u
	return &cp, nil
}

func (m *mockAuthRepo) UpdateLastLogin(ctx context.Context, id string, ts time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lastLogins++
	return nil
}

func (m *mockAuthRepo) ChangePassword(ctx context.Context, id, previousHash, newHash string, changedAt time.Time) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.changePassErr != nil {
		return "", m.changePassErr
	}
	u := m.users[id]
	m.history[id] = append([]string{previousHash}, m.history[id]...)
	u.PasswordHash = newHash
	u.AuthKey = "rotated-" + u.AuthKey
	return u.AuthKey, nil
}

func (m *mockAuthRepo) RecentPasswordHashes(ctx context.Context, id string, limit int) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	hashes := m.history[id]
	if len(hashes) > limit {
		hashes = hashes[:limit]
	}
	return hashes, nil
}

func (m *mockAuthRepo) SetStatus(ctx context.Context, id string, status models.UserStatus, updatedAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[id]
	if !ok {
		return sql.ErrNoRows
	}
	u.Status = status
	u.AuthKey = "rotated-" + u.AuthKey
	m.statusChanges[id] = status
	return nil
}

type recordingQueue struct {
	mu   sync.Mutex
	jobs []jobs.Job
}

func (q *recordingQueue) TryEnqueue(job jobs.Job) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.jobs = append(q.jobs, job)
	return nil
}

func (q *recordingQueue) actions() []string {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]string, 0, len(q.jobs))
	for _, j := range q.jobs {
		out = append(out, j.Payload.(*models.AuditLog).Action)
	}
	return out
}

type authFixture struct {
	svc     *AuthService
	repo    *mockAuthRepo
	refresh *memoryRefreshStore
	codec   *token.Codec
	queue   *recordingQueue
	hasher  *password.Hasher
	user    *models.User
}

const fixturePassword = "S3cret!pass"

func newAuthFixture(t *testing.T, cfg AuthConfig) *authFixture {
	t.Helper()
	hasher := password.NewHasher(bcrypt.MinCost)
	digest, err := hasher.Hash(fixturePassword)
	require.NoError(t, err)

	user := &models.User{
		ID:           "user-1",
		Username:     "alice",
		Email:        "alice@example.com",
		PasswordHash: digest,
		AuthKey:      "key-1",
		Status:       models.UserStatusActive,
	}
	repo := newMockAuthRepo(user)
	refreshStore := newMemoryRefreshStore()
	guard, _, _ := newTestGuard(t, testGuardConfig())
	codec := token.NewCodec("iam-gate", "test-secret", 30*time.Minute)
	queue := &recordingQueue{}

	svc := NewAuthService(AuthDependencies{
		Users:   repo,
		Refresh: NewRefreshService(refreshStore, zap.NewNop()),
		Guard:   guard,
		Tokens:  codec,
		Hasher:  hasher,
		Policy:  password.DefaultPolicy(8),
		Audit:   NewAuditService(queue, zap.NewNop()),
	}, NewValidator(), zap.NewNop(), cfg)

	return &authFixture{svc: svc, repo: repo, refresh: refreshStore, codec: codec, queue: queue, hasher: hasher, user: user}
}

var aliceMeta = models.RequestMeta{IP: "1.2.3.4", UserAgent: "test-agent"}

func TestLoginIssuesTokensAndRefreshRecord(t *testing.T) {
	f := newAuthFixture(t, AuthConfig{PasswordHistory: 5})

	res, err := f.svc.Login(context.Background(), models.LoginRequest{Identifier: "alice", Password: fixturePassword}, aliceMeta)
	require.NoError(t, err)
	assert.Equal(t, "Bearer", res.Response.TokenType)
	assert.EqualValues(t, 1800, res.Response.ExpiresIn)
	require.NotNil(t, res.Refresh)
	assert.Len(t, res.Refresh.Token, 64)
	assert.Equal(t, "1.2.3.4", res.Refresh.IPAddress)

	claims, err := f.codec.Validate(res.Response.AccessToken)
	require.NoError(t, err)
	assert.Equal(t, "user-1", claims.PrincipalID())
	assert.Equal(t, "key-1", claims.RevocationID())
	assert.Equal(t, 1, f.repo.lastLogins)
	assert.Contains(t, f.queue.actions(), models.AuditActionLogin)
}

func TestLoginAcceptsEmailIdentifier(t *testing.T) {
	f := newAuthFixture(t, AuthConfig{})

	res, err := f.svc.Login(context.Background(), models.LoginRequest{Identifier: "Alice@Example.com", Password: fixturePassword}, aliceMeta)
	require.NoError(t, err)
	assert.Equal(t, "alice", res.Response.Username)
}

func TestLoginReusesRefreshRecordUnlessRevokeOnSignIn(t *testing.T) {
	ctx := context.Background()
	req := models.LoginRequest{Identifier: "alice", Password: fixturePassword}

	f := newAuthFixture(t, AuthConfig{})
	first, err := f.svc.Login(ctx, req, aliceMeta)
	require.NoError(t, err)
	second, err := f.svc.Login(ctx, req, aliceMeta)
	require.NoError(t, err)
	assert.Equal(t, first.Refresh.Token, second.Refresh.Token)

	f = newAuthFixture(t, AuthConfig{RevokeOnSignIn: true})
	first, err = f.svc.Login(ctx, req, aliceMeta)
	require.NoError(t, err)
	second, err = f.svc.Login(ctx, req, aliceMeta)
	require.NoError(t, err)
	assert.NotEqual(t, first.Refresh.Token, second.Refresh.Token)
}

func TestLoginInvalidCredentialsAreIndistinguishable(t *testing.T) {
	f := newAuthFixture(t, AuthConfig{})
	ctx := context.Background()

	_, errWrongPass := f.svc.Login(ctx, models.LoginRequest{Identifier: "alice", Password: "nope"}, aliceMeta)
	_, errNoUser := f.svc.Login(ctx, models.LoginRequest{Identifier: "mallory", Password: "nope"}, aliceMeta)

	for _, err := range []error{errWrongPass, errNoUser} {
		appErr := appErrors.FromError(err)
		assert.Equal(t, http.StatusUnprocessableEntity, appErr.Status)
		assert.Equal(t, appErrors.ErrInvalidCredentials.Message, appErr.Message)
	}
	assert.Equal(t, []string{models.AuditActionLoginFailed, models.AuditActionLoginFailed}, f.queue.actions())
}

func TestLoginValidationDetails(t *testing.T) {
	f := newAuthFixture(t, AuthConfig{})

	_, err := f.svc.Login(context.Background(), models.LoginRequest{}, aliceMeta)
	appErr := appErrors.FromError(err)
	require.NotNil(t, appErr)
	assert.Equal(t, appErrors.ErrValidation.Code, appErr.Code)
	assert.Contains(t, appErr.Details, "identifier")
	assert.Contains(t, appErr.Details, "password")
}

func TestLoginBlockedAfterThresholdFromAnyAddress(t *testing.T) {
	f := newAuthFixture(t, AuthConfig{})
	ctx := context.Background()
	bad := models.LoginRequest{Identifier: "alice", Password: "wrong"}

	for i := 0; i < 5; i++ {
		_, err := f.svc.Login(ctx, bad, aliceMeta)
		require.Error(t, err)
		assert.Equal(t, http.StatusUnprocessableEntity, appErrors.FromError(err).Status, "attempt %d", i+1)
	}

	_, err := f.svc.Login(ctx, models.LoginRequest{Identifier: "alice", Password: fixturePassword}, aliceMeta)
	assert.Equal(t, http.StatusTooManyRequests, appErrors.FromError(err).Status)

	_, err = f.svc.Login(ctx, bad, models.RequestMeta{IP: "5.6.7.8"})
	assert.Equal(t, http.StatusTooManyRequests, appErrors.FromError(err).Status)
	assert.Contains(t, f.queue.actions(), models.AuditActionLoginBlocked)
}

func TestLoginLockoutCoversEveryAliasOfAccount(t *testing.T) {
	f := newAuthFixture(t, AuthConfig{})
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		meta := models.RequestMeta{IP: "10.0.0." + string(rune('1'+i))}
		_, err := f.svc.Login(ctx, models.LoginRequest{Identifier: "alice", Password: "wrong"}, meta)
		require.Error(t, err)
	}

	for _, alias := range []string{"alice@example.com", " ALICE "} {
		_, err := f.svc.Login(ctx, models.LoginRequest{Identifier: alias, Password: fixturePassword}, models.RequestMeta{IP: "9.9.9.9"})
		assert.True(t, errors.Is(err, appErrors.ErrAbuseBlocked), alias)
	}

	guard := f.svc.deps.Guard.(*AbuseGuard)
	info, err := guard.Status(ctx, models.BlockScopePrincipal, "alice")
	require.NoError(t, err)
	assert.True(t, info.Blocked)
}

func TestLoginSuccessResetsOnlyPairCounters(t *testing.T) {
	f := newAuthFixture(t, AuthConfig{})
	ctx := context.Background()

	for _, name := range []string{"bob", "carol", "alice"} {
		_, err := f.svc.Login(ctx, models.LoginRequest{Identifier: name, Password: "wrong"}, aliceMeta)
		require.Error(t, err)
	}

	_, err := f.svc.Login(ctx, models.LoginRequest{Identifier: "alice", Password: fixturePassword}, aliceMeta)
	require.NoError(t, err)

	guard := f.svc.deps.Guard.(*AbuseGuard)
	info, err := guard.Status(ctx, models.BlockScopeIP, "1.2.3.4")
	require.NoError(t, err)
	assert.Zero(t, info.Attempts)
	assert.EqualValues(t, 3, info.Distinct)

	bob, err := guard.Status(ctx, models.BlockScopePrincipal, "bob")
	require.NoError(t, err)
	assert.EqualValues(t, 1, bob.Attempts)
}

func TestLoginInactiveAccount(t *testing.T) {
	f := newAuthFixture(t, AuthConfig{})
	f.user.Status = models.UserStatusInactive

	_, err := f.svc.Login(context.Background(), models.LoginRequest{Identifier: "alice", Password: fixturePassword}, aliceMeta)
	assert.True(t, errors.Is(err, appErrors.ErrAccountDisabled))
	assert.Empty(t, f.refresh.byUser)
}

func TestRefreshFlow(t *testing.T) {
	f := newAuthFixture(t, AuthConfig{})
	ctx := context.Background()

	login, err := f.svc.Login(ctx, models.LoginRequest{Identifier: "alice", Password: fixturePassword}, aliceMeta)
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := f.svc.Refresh(ctx, login.Refresh.Token, aliceMeta)
			if assert.NoError(t, err) {
				assert.Equal(t, login.Refresh.Token, res.Refresh.Token)
				_, verr := f.codec.Validate(res.Response.AccessToken)
				assert.NoError(t, verr)
			}
		}()
	}
	wg.Wait()

	_, err = f.svc.Refresh(ctx, "", aliceMeta)
	assert.True(t, errors.Is(err, appErrors.ErrRefreshMissing))

	_, err = f.svc.Refresh(ctx, "unknown", aliceMeta)
	assert.True(t, errors.Is(err, appErrors.ErrRefreshNotFound))
}

func TestRefreshPurgesInactiveOwner(t *testing.T) {
	f := newAuthFixture(t, AuthConfig{})
	ctx := context.Background()

	login, err := f.svc.Login(ctx, models.LoginRequest{Identifier: "alice", Password: fixturePassword}, aliceMeta)
	require.NoError(t, err)

	f.user.Status = models.UserStatusInactive
	_, err = f.svc.Refresh(ctx, login.Refresh.Token, aliceMeta)
	assert.True(t, errors.Is(err, appErrors.ErrAccountInactive))
	assert.Equal(t, http.StatusUnauthorized, appErrors.FromError(err).Status)

	_, err = f.svc.Refresh(ctx, login.Refresh.Token, aliceMeta)
	assert.True(t, errors.Is(err, appErrors.ErrRefreshNotFound))
}

func TestLogoutIsIdempotent(t *testing.T) {
	f := newAuthFixture(t, AuthConfig{})
	ctx := context.Background()

	login, err := f.svc.Login(ctx, models.LoginRequest{Identifier: "alice", Password: fixturePassword}, aliceMeta)
	require.NoError(t, err)

	require.NoError(t, f.svc.Logout(ctx, login.Refresh.Token, aliceMeta))
	require.NoError(t, f.svc.Logout(ctx, login.Refresh.Token, aliceMeta))
	require.NoError(t, f.svc.Logout(ctx, "", aliceMeta))
	assert.Equal(t, 1, f.refresh.deletes)

	_, err = f.svc.Refresh(ctx, login.Refresh.Token, aliceMeta)
	assert.True(t, errors.Is(err, appErrors.ErrRefreshNotFound))
}

func TestChangePasswordRules(t *testing.T) {
	identity := models.Identity{PrincipalID: "user-1", RevocationID: "key-1"}

	cases := []struct {
		name  string
		req   models.ChangePasswordRequest
		field string
		code  string
	}{
		{"wrong old password", models.ChangePasswordRequest{OldPassword: "bad", NewPassword: "N3w!passw0rd", ConfirmNewPassword: "N3w!passw0rd"}, "old_password", appErrors.ErrValidation.Code},
		{"same as old", models.ChangePasswordRequest{OldPassword: fixturePassword, NewPassword: fixturePassword, ConfirmNewPassword: fixturePassword}, "new_password", appErrors.ErrValidation.Code},
		{"weak", models.ChangePasswordRequest{OldPassword: fixturePassword, NewPassword: "weakpass", ConfirmNewPassword: "weakpass"}, "new_password", appErrors.ErrValidation.Code},
		{"confirmation mismatch", models.ChangePasswordRequest{OldPassword: fixturePassword, NewPassword: "N3w!passw0rd", ConfirmNewPassword: "other"}, "confirm_new_password", appErrors.ErrValidation.Code},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			f := newAuthFixture(t, AuthConfig{PasswordHistory: 5})
			err := f.svc.ChangePassword(context.Background(), identity, tc.req, aliceMeta)
			appErr := appErrors.FromError(err)
			require.NotNil(t, appErr)
			assert.Equal(t, tc.code, appErr.Code)
			assert.Equal(t, http.StatusUnprocessableEntity, appErr.Status)
			assert.Contains(t, appErr.Details, tc.field)
		})
	}
}

func TestChangePasswordPurgesSessionsAndRejectsReuse(t *testing.T) {
	f := newAuthFixture(t, AuthConfig{PasswordHistory: 5})
	ctx := context.Background()
	identity := models.Identity{PrincipalID: "user-1", RevocationID: "key-1"}

	login, err := f.svc.Login(ctx, models.LoginRequest{Identifier: "alice", Password: fixturePassword}, aliceMeta)
	require.NoError(t, err)

	next := "N3w!passw0rd"
	require.NoError(t, f.svc.ChangePassword(ctx, identity, models.ChangePasswordRequest{
		OldPassword: fixturePassword, NewPassword: next, ConfirmNewPassword: next,
	}, aliceMeta))

	_, err = f.svc.Refresh(ctx, login.Refresh.Token, aliceMeta)
	assert.True(t, errors.Is(err, appErrors.ErrRefreshNotFound))

	_, err = f.svc.VerifySession(ctx, identity)
	assert.True(t, errors.Is(err, appErrors.ErrRevocationMismatch))

	rotated := models.Identity{PrincipalID: "user-1", RevocationID: f.user.AuthKey}
	err = f.svc.ChangePassword(ctx, rotated, models.ChangePasswordRequest{
		OldPassword: next, NewPassword: fixturePassword, ConfirmNewPassword: fixturePassword,
	}, aliceMeta)
	assert.True(t, errors.Is(err, appErrors.ErrPasswordReused))
	assert.Contains(t, f.queue.actions(), models.AuditActionPasswordChange)
}

func TestVerifySessionRejectsInactivePrincipal(t *testing.T) {
	f := newAuthFixture(t, AuthConfig{})
	ctx := context.Background()

	signed, _, err := f.codec.Issue(f.user)
	require.NoError(t, err)
	claims, err := f.codec.Validate(signed)
	require.NoError(t, err)
	identity := models.Identity{PrincipalID: claims.PrincipalID(), RevocationID: claims.RevocationID()}

	_, err = f.svc.VerifySession(ctx, identity)
	require.NoError(t, err)

	for _, status := range []models.UserStatus{models.UserStatusInactive, models.UserStatusDeleted} {
		f.user.Status = status
		_, err = f.svc.VerifySession(ctx, identity)
		assert.True(t, errors.Is(err, appErrors.ErrAccountInactive), status.String())
	}

	_, err = f.svc.VerifySession(ctx, models.Identity{PrincipalID: "ghost"})
	assert.True(t, errors.Is(err, appErrors.ErrRevocationMismatch))
}

func TestDeactivateAccount(t *testing.T) {
	f := newAuthFixture(t, AuthConfig{})
	ctx := context.Background()

	login, err := f.svc.Login(ctx, models.LoginRequest{Identifier: "alice", Password: fixturePassword}, aliceMeta)
	require.NoError(t, err)

	admin := models.Identity{PrincipalID: "admin-1"}
	require.NoError(t, f.svc.DeactivateAccount(ctx, admin, "user-1", aliceMeta))
	assert.Equal(t, models.UserStatusInactive, f.repo.statusChanges["user-1"])

	_, err = f.svc.Refresh(ctx, login.Refresh.Token, aliceMeta)
	assert.True(t, errors.Is(err, appErrors.ErrRefreshNotFound))

	err = f.svc.DeactivateAccount(ctx, admin, "missing", aliceMeta)
	assert.True(t, errors.Is(err, appErrors.ErrNotFound))
}

func TestMeReturnsProfile(t *testing.T) {
	f := newAuthFixture(t, AuthConfig{})

	info, err := f.svc.Me(context.Background(), models.Identity{PrincipalID: "user-1", RevocationID: "key-1"})
	require.NoError(t, err)
	assert.Equal(t, "alice", info.Username)
	assert.Equal(t, "active", info.Status)
}
