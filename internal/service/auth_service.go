package service

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"

	"github.com/vivuchat/vivuchat-api/internal/models"
	appErrors "github.com/vivuchat/vivuchat-api/pkg/errors"
)

type authUserRepository interface {
	FindByUsername(ctx context.Context, username string) (*models.User, error)
	FindByID(ctx context.Context, id string) (*models.User, error)
	ExistsByUsername(ctx context.Context, username string) (bool, error)
	ExistsByEmail(ctx context.Context, email string) (bool, error)
	Create(ctx context.Context, user *models.User) error
	UpdateLastLogin(ctx context.Context, id string, ts time.Time) error
}

type refreshTokenManager interface {
	FindByToken(ctx context.Context, value string) (*models.RefreshToken, error)
	CreateRefreshToken(ctx context.Context, user *models.User) (*models.RefreshToken, error)
	VerifyExpiration(ctx context.Context, token *models.RefreshToken) (*models.RefreshToken, error)
	UseToken(ctx context.Context, token *models.RefreshToken, successor string) error
	RevokeToken(ctx context.Context, token *models.RefreshToken, reason string) (bool, error)
	DeleteByUser(ctx context.Context, userID, reason string) (int64, error)
	ListActiveTokens(ctx context.Context) ([]models.RefreshToken, error)
	PurgeExpiredTokens(ctx context.Context) (int64, error)
}

type accessTokenIssuer interface {
	GenerateAccessToken(user *models.User) (string, time.Time, error)
}

// eventPublisher is fire-and-forget: implementations must never block
// the calling operation or surface failures into it.
type eventPublisher interface {
	Publish(event models.AuthEvent)
}

// AuthService composes the credential gate, access-token issuer and
// refresh-token lifecycle into the login/refresh/logout/revoke flows.
type AuthService struct {
	users     authUserRepository
	tokens    refreshTokenManager
	issuer    accessTokenIssuer
	events    eventPublisher
	validator *validator.Validate
	logger    *zap.Logger
}

// NewAuthService constructs an AuthService instance.
func NewAuthService(users authUserRepository, tokens refreshTokenManager, issuer accessTokenIssuer, events eventPublisher, validate *validator.Validate, logger *zap.Logger) *AuthService {
	if logger == nil {
		logger = zap.NewNop()
	}
	if validate == nil {
		validate = validator.New()
	}
	return &AuthService{users: users, tokens: tokens, issuer: issuer, events: events, validator: validate, logger: logger}
}

// authenticate is the credential gate: it verifies the account exists,
// is active, is not locked, and that the password matches. Lookup only,
// no side effects.
func (s *AuthService) authenticate(ctx context.Context, username, password, ip string) (*models.User, error) {
	user, err := s.users.FindByUsername(ctx, username)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			s.publish(username, models.AuthEventLoginFailed, "unknown account", ip)
			return nil, appErrors.Clone(appErrors.ErrInvalidCredentials, "")
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to fetch user")
	}

	if !user.Active {
		s.publish(username, models.AuthEventLoginFailed, "account is deactivated", ip)
		return nil, appErrors.Clone(appErrors.ErrAccountInactive, "")
	}

	now := time.Now().UTC()
	if user.Locked(now) {
		s.publish(username, models.AuthEventAccountLocked, fmt.Sprintf("account locked until %s", user.LockedUntil.Format(time.RFC3339)), ip)
		return nil, appErrors.Clone(appErrors.ErrAccountLocked, "")
	}

	if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(password)); err != nil {
		s.publish(username, models.AuthEventLoginFailed, "password mismatch", ip)
		return nil, appErrors.Clone(appErrors.ErrInvalidCredentials, "")
	}

	return user, nil
}

// Login authenticates a user and returns a fresh token pair.
func (s *AuthService) Login(ctx context.Context, req models.LoginRequest) (*models.JwtResponse, error) {
	if err := s.validator.Struct(req); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "invalid login payload")
	}

	user, err := s.authenticate(ctx, req.Username, req.Password, req.IP)
	if err != nil {
		return nil, err
	}

	accessToken, _, err := s.issuer.GenerateAccessToken(user)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to create access token")
	}

	refreshToken, err := s.tokens.CreateRefreshToken(ctx, user)
	if err != nil {
		return nil, err
	}

	if err := s.users.UpdateLastLogin(ctx, user.ID, time.Now().UTC()); err != nil {
		s.logger.Warn("failed to update last login", zap.Error(err))
	}

	s.publish(user.Username, models.AuthEventLoginSuccess, "login successful", req.IP)

	return &models.JwtResponse{
		AccessToken:  accessToken,
		RefreshToken: refreshToken.Token,
		TokenType:    "Bearer",
		ID:           user.ID,
		Username:     user.Username,
		Email:        user.Email,
		Roles:        user.Roles,
	}, nil
}

// Refresh exchanges a valid refresh token for a new token pair. The
// presented token is only consumed after its successor exists, so there
// is never a window with no valid successor.
func (s *AuthService) Refresh(ctx context.Context, req models.RefreshTokenRequest) (*models.JwtResponse, error) {
	if err := s.validator.Struct(req); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "invalid refresh payload")
	}

	token, err := s.tokens.FindByToken(ctx, req.RefreshToken)
	if err != nil {
		s.publish("", models.AuthEventInvalidToken, "refresh token not found", req.IP)
		return nil, err
	}

	user, err := s.users.FindByID(ctx, token.UserID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.Clone(appErrors.ErrUnauthorized, "associated user no longer exists")
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load user")
	}

	if _, err := s.tokens.VerifyExpiration(ctx, token); err != nil {
		appErr := appErrors.FromError(err)
		s.publish(user.Username, models.AuthEventInvalidToken, appErr.Code, req.IP)
		return nil, err
	}

	if !user.Active {
		return nil, appErrors.Clone(appErrors.ErrAccountInactive, "")
	}

	accessToken, _, err := s.issuer.GenerateAccessToken(user)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to generate access token")
	}

	successor, err := s.tokens.CreateRefreshToken(ctx, user)
	if err != nil {
		return nil, err
	}

	if err := s.tokens.UseToken(ctx, token, successor.Token); err != nil {
		return nil, err
	}

	s.publish(user.Username, models.AuthEventRefreshToken, "token rotated", req.IP)

	return &models.JwtResponse{
		AccessToken:  accessToken,
		RefreshToken: successor.Token,
		TokenType:    "Bearer",
		ID:           user.ID,
		Username:     user.Username,
		Email:        user.Email,
		Roles:        user.Roles,
	}, nil
}

// Register creates a new user account.
func (s *AuthService) Register(ctx context.Context, req models.RegisterRequest) (*models.MessageResponse, error) {
	if err := s.validator.Struct(req); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "invalid register payload")
	}

	taken, err := s.users.ExistsByUsername(ctx, req.Username)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to check username")
	}
	if taken {
		return &models.MessageResponse{Message: "Username is already taken", Success: false}, nil
	}

	inUse, err := s.users.ExistsByEmail(ctx, req.Email)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to check email")
	}
	if inUse {
		return &models.MessageResponse{Message: "Email is already in use", Success: false}, nil
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(req.Password), bcrypt.DefaultCost)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to hash password")
	}

	user := &models.User{
		Username:     req.Username,
		Email:        req.Email,
		PasswordHash: string(hash),
		DisplayName:  req.DisplayName,
		Roles:        resolveRoles(req.Roles),
		Active:       true,
	}

	if err := s.users.Create(ctx, user); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to create user")
	}

	s.logger.Info("user registered", zap.String("username", user.Username))
	s.publish(user.Username, models.AuthEventRegisterSuccess, "user registered", req.IP)

	return &models.MessageResponse{Message: "User registered successfully", Success: true}, nil
}

// Logout revokes every refresh token of the named user. It always
// succeeds; a user with no tokens is a no-op.
func (s *AuthService) Logout(ctx context.Context, req models.LogoutRequest) (*models.MessageResponse, error) {
	user, err := s.users.FindByUsername(ctx, req.Username)
	if err == nil {
		if _, err := s.tokens.DeleteByUser(ctx, user.ID, models.ReasonLogout); err != nil {
			s.logger.Warn("failed to revoke tokens on logout", zap.String("username", req.Username), zap.Error(err))
		}
		s.publish(user.Username, models.AuthEventLogout, "logout", req.IP)
	} else if !errors.Is(err, sql.ErrNoRows) {
		s.logger.Warn("logout user lookup failed", zap.String("username", req.Username), zap.Error(err))
	}

	return &models.MessageResponse{Message: "Logout successful", Success: true}, nil
}

// RevokeToken explicitly invalidates a refresh token by value. An
// already-revoked token reports success=false without error and leaves
// the stored reason untouched.
func (s *AuthService) RevokeToken(ctx context.Context, req models.RevokeTokenRequest) (*models.MessageResponse, error) {
	token, err := s.tokens.FindByToken(ctx, req.Token)
	if err != nil {
		if errors.Is(err, appErrors.ErrTokenNotFound) {
			return &models.MessageResponse{Message: "Token not found", Success: false}, nil
		}
		return nil, err
	}

	reason := req.Reason
	if reason == "" {
		reason = models.ReasonManual
	}

	revoked, err := s.tokens.RevokeToken(ctx, token, reason)
	if err != nil {
		return nil, err
	}
	if !revoked {
		return &models.MessageResponse{Message: "Token was already revoked", Success: false}, nil
	}

	s.publish("", models.AuthEventTokenRevoked, reason, req.IP)
	return &models.MessageResponse{Message: "Token successfully revoked", Success: true}, nil
}

// ListActiveTokens returns every active refresh token (administrative).
func (s *AuthService) ListActiveTokens(ctx context.Context) ([]models.RefreshToken, error) {
	return s.tokens.ListActiveTokens(ctx)
}

// RevokeAllForUser bulk-revokes the named user's tokens (administrative).
func (s *AuthService) RevokeAllForUser(ctx context.Context, username, reason, ip string) (*models.MessageResponse, error) {
	user, err := s.users.FindByUsername(ctx, username)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.Clone(appErrors.ErrNotFound, "user not found")
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to fetch user")
	}

	if reason == "" {
		reason = models.ReasonAdminAction
	}

	n, err := s.tokens.DeleteByUser(ctx, user.ID, reason)
	if err != nil {
		return nil, err
	}

	s.publish(username, models.AuthEventTokenRevoked, reason, ip)
	return &models.MessageResponse{Message: fmt.Sprintf("Revoked %d tokens for user %s", n, username), Success: true}, nil
}

// PurgeExpiredTokens triggers an immediate sweep (administrative).
func (s *AuthService) PurgeExpiredTokens(ctx context.Context) (int64, error) {
	return s.tokens.PurgeExpiredTokens(ctx)
}

func (s *AuthService) publish(username, kind, message, ip string) {
	if s.events == nil {
		return
	}
	s.events.Publish(models.AuthEvent{Username: username, Kind: kind, Message: message, SourceIP: ip})
}

func resolveRoles(requested []string) []string {
	if len(requested) == 0 {
		return []string{models.RoleUser}
	}
	seen := make(map[string]struct{}, len(requested))
	var roles []string
	add := func(role string) {
		if _, ok := seen[role]; !ok {
			seen[role] = struct{}{}
			roles = append(roles, role)
		}
	}
	for _, r := range requested {
		switch r {
		case "admin":
			add(models.RoleAdmin)
		case "mod":
			add(models.RoleModerator)
		default:
			add(models.RoleUser)
		}
	}
	return roles
}
