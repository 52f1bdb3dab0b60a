package service

import (
	"context"
	"database/sql"
	"sync"
	"testing"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"

	"github.com/vivuchat/vivuchat-api/internal/models"
	"github.com/vivuchat/vivuchat-api/pkg/config"
	appErrors "github.com/vivuchat/vivuchat-api/pkg/errors"
)

type mockUserRepo struct {
	users            map[string]*models.User // keyed by username
	lastLoginUpdated bool
}

func newMockUserRepo(users ...*models.User) *mockUserRepo {
	repo := &mockUserRepo{users: make(map[string]*models.User)}
	for _, u := range users {
		repo.users[u.Username] = u
	}
	return repo
}

func (m *mockUserRepo) FindByUsername(ctx context.Context, username string) (*models.User, error) {
	if u, ok := m.users[username]; ok {
		return u, nil
	}
	return nil, sql.ErrNoRows
}

func (m *mockUserRepo) FindByID(ctx context.Context, id string) (*models.User, error) {
	for _, u := range m.users {
		if u.ID == id {
			return u, nil
		}
	}
	return nil, sql.ErrNoRows
}

func (m *mockUserRepo) ExistsByUsername(ctx context.Context, username string) (bool, error) {
	_, ok := m.users[username]
	return ok, nil
}

func (m *mockUserRepo) ExistsByEmail(ctx context.Context, email string) (bool, error) {
	for _, u := range m.users {
		if u.Email == email {
			return true, nil
		}
	}
	return false, nil
}

func (m *mockUserRepo) Create(ctx context.Context, user *models.User) error {
	user.ID = "user-" + user.Username
	m.users[user.Username] = user
	return nil
}

func (m *mockUserRepo) UpdateLastLogin(ctx context.Context, id string, ts time.Time) error {
	m.lastLoginUpdated = true
	return nil
}

type capturedEvents struct {
	mu     sync.Mutex
	events []models.AuthEvent
}

func (c *capturedEvents) Publish(event models.AuthEvent) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, event)
}

func (c *capturedEvents) kinds() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.events))
	for _, e := range c.events {
		out = append(out, e.Kind)
	}
	return out
}

func testUser(username, password string) *models.User {
	hash, _ := bcrypt.GenerateFromPassword([]byte(password), bcrypt.MinCost)
	return &models.User{
		ID:           "user-" + username,
		Username:     username,
		Email:        username + "@example.com",
		PasswordHash: string(hash),
		Roles:        []string{models.RoleUser},
		Active:       true,
	}
}

func newAuthFixture(users ...*models.User) (*AuthService, *mockUserRepo, *mockTokenRepo, *capturedEvents) {
	userRepo := newMockUserRepo(users...)
	tokenRepo := newMockTokenRepo()
	tokenSvc := NewTokenService(tokenRepo, zap.NewNop(), 24*time.Hour)
	jwtSvc := NewJWTService(config.JWTConfig{Secret: "test-secret", Issuer: "vivuchat", Expiration: time.Hour})
	events := &capturedEvents{}
	svc := NewAuthService(userRepo, tokenSvc, jwtSvc, events, validator.New(), zap.NewNop())
	return svc, userRepo, tokenRepo, events
}

func TestAuthServiceLoginSuccess(t *testing.T) {
	svc, userRepo, tokenRepo, events := newAuthFixture(testUser("alice", "password"))

	res, err := svc.Login(context.Background(), models.LoginRequest{Username: "alice", Password: "password"})
	require.NoError(t, err)
	assert.NotEmpty(t, res.AccessToken)
	assert.NotEmpty(t, res.RefreshToken)
	assert.Equal(t, "Bearer", res.TokenType)
	assert.Equal(t, "alice", res.Username)
	assert.True(t, userRepo.lastLoginUpdated)
	assert.Equal(t, 1, tokenRepo.activeCount("user-alice"))
	assert.Contains(t, events.kinds(), models.AuthEventLoginSuccess)
}

func TestAuthServiceLoginUnknownUser(t *testing.T) {
	svc, _, _, events := newAuthFixture()

	_, err := svc.Login(context.Background(), models.LoginRequest{Username: "ghost", Password: "whatever"})
	require.ErrorIs(t, err, appErrors.ErrInvalidCredentials)
	assert.Contains(t, events.kinds(), models.AuthEventLoginFailed)
}

func TestAuthServiceLoginWrongPassword(t *testing.T) {
	svc, _, _, events := newAuthFixture(testUser("alice", "password"))

	_, err := svc.Login(context.Background(), models.LoginRequest{Username: "alice", Password: "wrong"})
	require.ErrorIs(t, err, appErrors.ErrInvalidCredentials)
	assert.Contains(t, events.kinds(), models.AuthEventLoginFailed)
}

func TestAuthServiceLoginInactiveAccount(t *testing.T) {
	user := testUser("alice", "password")
	user.Active = false
	svc, _, _, _ := newAuthFixture(user)

	_, err := svc.Login(context.Background(), models.LoginRequest{Username: "alice", Password: "password"})
	require.ErrorIs(t, err, appErrors.ErrAccountInactive)
}

func TestAuthServiceLoginLockedAccount(t *testing.T) {
	user := testUser("alice", "password")
	lockedUntil := time.Now().UTC().Add(time.Hour)
	user.LockedUntil = &lockedUntil
	svc, _, _, events := newAuthFixture(user)

	_, err := svc.Login(context.Background(), models.LoginRequest{Username: "alice", Password: "password"})
	require.ErrorIs(t, err, appErrors.ErrAccountLocked)
	assert.Contains(t, events.kinds(), models.AuthEventAccountLocked)
}

func TestAuthServiceRefreshRotatesAndDetectsReuse(t *testing.T) {
	svc, _, tokenRepo, events := newAuthFixture(testUser("alice", "password"))

	login, err := svc.Login(context.Background(), models.LoginRequest{Username: "alice", Password: "password"})
	require.NoError(t, err)

	refreshed, err := svc.Refresh(context.Background(), models.RefreshTokenRequest{RefreshToken: login.RefreshToken})
	require.NoError(t, err)
	assert.NotEqual(t, login.RefreshToken, refreshed.RefreshToken)
	assert.Equal(t, 1, tokenRepo.activeCount("user-alice"))
	assert.Contains(t, events.kinds(), models.AuthEventRefreshToken)

	// Replaying the consumed token must fail with a generalized message
	// while the audit trail keeps the precise cause.
	_, err = svc.Refresh(context.Background(), models.RefreshTokenRequest{RefreshToken: login.RefreshToken})
	require.ErrorIs(t, err, appErrors.ErrTokenAlreadyUsed)
	assert.Equal(t, "refresh token is no longer valid", appErrors.FromError(err).Message)

	var invalidEvent *models.AuthEvent
	for i := range events.events {
		if events.events[i].Kind == models.AuthEventInvalidToken {
			invalidEvent = &events.events[i]
		}
	}
	require.NotNil(t, invalidEvent)
	assert.Equal(t, "TOKEN_ALREADY_USED", invalidEvent.Message)
}

func TestAuthServiceConcurrentRefreshHasOneWinner(t *testing.T) {
	svc, _, tokenRepo, _ := newAuthFixture(testUser("alice", "password"))

	login, err := svc.Login(context.Background(), models.LoginRequest{Username: "alice", Password: "password"})
	require.NoError(t, err)

	// Two clients race to rotate the same token. Whatever the
	// interleaving, the consume step is first-wins, so exactly one call
	// may return a successor.
	start := make(chan struct{})
	results := make(chan error, 2)
	for i := 0; i < 2; i++ {
		go func() {
			<-start
			_, err := svc.Refresh(context.Background(), models.RefreshTokenRequest{RefreshToken: login.RefreshToken})
			results <- err
		}()
	}
	close(start)

	var wins int
	for i := 0; i < 2; i++ {
		err := <-results
		if err == nil {
			wins++
			continue
		}
		code := appErrors.FromError(err).Code
		assert.Contains(t, []string{appErrors.ErrTokenAlreadyUsed.Code, appErrors.ErrTokenRevoked.Code}, code)
	}
	assert.Equal(t, 1, wins, "exactly one rotation may win")
	assert.Equal(t, 1, tokenRepo.activeCount("user-alice"))
}

func TestAuthServiceRefreshUnknownToken(t *testing.T) {
	svc, _, _, events := newAuthFixture(testUser("alice", "password"))

	_, err := svc.Refresh(context.Background(), models.RefreshTokenRequest{RefreshToken: "bogus"})
	require.ErrorIs(t, err, appErrors.ErrTokenNotFound)
	assert.Contains(t, events.kinds(), models.AuthEventInvalidToken)
}

func TestAuthServiceRefreshInactiveUser(t *testing.T) {
	user := testUser("alice", "password")
	svc, _, _, _ := newAuthFixture(user)

	login, err := svc.Login(context.Background(), models.LoginRequest{Username: "alice", Password: "password"})
	require.NoError(t, err)

	user.Active = false
	_, err = svc.Refresh(context.Background(), models.RefreshTokenRequest{RefreshToken: login.RefreshToken})
	require.ErrorIs(t, err, appErrors.ErrAccountInactive)
}

func TestAuthServiceRegister(t *testing.T) {
	svc, userRepo, _, _ := newAuthFixture(testUser("alice", "password"))

	res, err := svc.Register(context.Background(), models.RegisterRequest{
		Username: "bob", Email: "bob@example.com", Password: "secret1",
	})
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, []string{models.RoleUser}, []string(userRepo.users["bob"].Roles))

	dup, err := svc.Register(context.Background(), models.RegisterRequest{
		Username: "alice", Email: "other@example.com", Password: "secret1",
	})
	require.NoError(t, err)
	assert.False(t, dup.Success)
	assert.Equal(t, "Username is already taken", dup.Message)
}

func TestAuthServiceRegisterRoleMapping(t *testing.T) {
	svc, userRepo, _, _ := newAuthFixture()

	_, err := svc.Register(context.Background(), models.RegisterRequest{
		Username: "root", Email: "root@example.com", Password: "secret1",
		Roles: []string{"admin", "mod", "bogus"},
	})
	require.NoError(t, err)

	created := userRepo.users["root"]
	assert.True(t, created.HasRole(models.RoleAdmin))
	assert.True(t, created.HasRole(models.RoleModerator))
	assert.True(t, created.HasRole(models.RoleUser))
}

func TestAuthServiceLogoutAlwaysSucceeds(t *testing.T) {
	svc, _, tokenRepo, _ := newAuthFixture(testUser("alice", "password"))

	login, err := svc.Login(context.Background(), models.LoginRequest{Username: "alice", Password: "password"})
	require.NoError(t, err)
	require.NotEmpty(t, login.RefreshToken)

	res, err := svc.Logout(context.Background(), models.LogoutRequest{Username: "alice"})
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, 0, tokenRepo.activeCount("user-alice"))

	// Unknown users are indistinguishable from users with no sessions.
	res, err = svc.Logout(context.Background(), models.LogoutRequest{Username: "ghost"})
	require.NoError(t, err)
	assert.True(t, res.Success)
}

func TestAuthServiceRevokeToken(t *testing.T) {
	svc, _, _, _ := newAuthFixture(testUser("alice", "password"))

	login, err := svc.Login(context.Background(), models.LoginRequest{Username: "alice", Password: "password"})
	require.NoError(t, err)

	missing, err := svc.RevokeToken(context.Background(), models.RevokeTokenRequest{Token: "bogus"})
	require.NoError(t, err)
	assert.False(t, missing.Success)
	assert.Equal(t, "Token not found", missing.Message)

	revoked, err := svc.RevokeToken(context.Background(), models.RevokeTokenRequest{Token: login.RefreshToken})
	require.NoError(t, err)
	assert.True(t, revoked.Success)

	again, err := svc.RevokeToken(context.Background(), models.RevokeTokenRequest{Token: login.RefreshToken})
	require.NoError(t, err)
	assert.False(t, again.Success)
	assert.Equal(t, "Token was already revoked", again.Message)
}

func TestAuthServiceRevokeAllForUser(t *testing.T) {
	svc, _, tokenRepo, _ := newAuthFixture(testUser("alice", "password"))

	_, err := svc.Login(context.Background(), models.LoginRequest{Username: "alice", Password: "password"})
	require.NoError(t, err)

	_, err = svc.RevokeAllForUser(context.Background(), "ghost", "", "")
	require.ErrorIs(t, err, appErrors.ErrNotFound)

	res, err := svc.RevokeAllForUser(context.Background(), "alice", "", "")
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, 0, tokenRepo.activeCount("user-alice"))

	for _, token := range tokenRepo.tokens {
		assert.Equal(t, models.ReasonAdminAction, token.ReasonRevoked)
	}
}
