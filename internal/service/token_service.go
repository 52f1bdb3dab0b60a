package service

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/base64"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/vivuchat/vivuchat-api/internal/models"
	"github.com/vivuchat/vivuchat-api/internal/repository"
	appErrors "github.com/vivuchat/vivuchat-api/pkg/errors"
)

type tokenRepository interface {
	CreateRotated(ctx context.Context, token *models.RefreshToken) error
	FindByToken(ctx context.Context, value string) (*models.RefreshToken, error)
	FindByUser(ctx context.Context, userID string) ([]models.RefreshToken, error)
	FindActiveByUser(ctx context.Context, userID string, now time.Time) ([]models.RefreshToken, error)
	MarkUsed(ctx context.Context, id, successor string, ts time.Time) (int64, error)
	Revoke(ctx context.Context, id, reason string, ts time.Time) error
	RevokeAllForUser(ctx context.Context, userID, reason string, ts time.Time) (int64, error)
	Revive(ctx context.Context, id string, expiresAt, ts time.Time) error
	DeleteExpired(ctx context.Context, before time.Time) (int64, error)
	ListActive(ctx context.Context, now time.Time) ([]models.RefreshToken, error)
}

// TokenService owns the refresh-token lifecycle: rotation, consumption,
// revocation and purging.
type TokenService struct {
	repo       tokenRepository
	logger     *zap.Logger
	refreshTTL time.Duration
}

// NewTokenService constructs a TokenService instance.
func NewTokenService(repo tokenRepository, logger *zap.Logger, refreshTTL time.Duration) *TokenService {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &TokenService{repo: repo, logger: logger, refreshTTL: refreshTTL}
}

// FindByToken looks a token up by its opaque value.
func (s *TokenService) FindByToken(ctx context.Context, value string) (*models.RefreshToken, error) {
	token, err := s.repo.FindByToken(ctx, value)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.Clone(appErrors.ErrTokenNotFound, "")
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to fetch refresh token")
	}
	return token, nil
}

// CreateRefreshToken retires the user's active tokens and issues a
// successor in one atomic step. When a concurrent rotation for the same
// user wins the race, the storage conflict is recovered by re-reading
// the user's tokens: a still-active one is returned as-is, otherwise the
// newest row is revived. Revival is the single sanctioned exception to
// used/revoked monotonicity.
func (s *TokenService) CreateRefreshToken(ctx context.Context, user *models.User) (*models.RefreshToken, error) {
	value, err := generateTokenValue()
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to generate refresh token")
	}

	now := time.Now().UTC()
	token := &models.RefreshToken{
		UserID:    user.ID,
		Token:     value,
		ExpiresAt: now.Add(s.refreshTTL),
	}

	createErr := s.repo.CreateRotated(ctx, token)
	if createErr == nil {
		s.logger.Info("refresh token created", zap.String("username", user.Username))
		return token, nil
	}
	if !errors.Is(createErr, repository.ErrTokenConflict) {
		return nil, appErrors.Wrap(createErr, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to persist refresh token")
	}

	s.logger.Warn("refresh token conflict, attempting recovery",
		zap.String("username", user.Username), zap.Error(createErr))
	return s.recoverFromConflict(ctx, user)
}

func (s *TokenService) recoverFromConflict(ctx context.Context, user *models.User) (*models.RefreshToken, error) {
	tokens, err := s.repo.FindByUser(ctx, user.ID)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrTokenCreationFailed.Code, appErrors.ErrTokenCreationFailed.Status, "failed to re-read tokens after conflict")
	}
	if len(tokens) == 0 {
		return nil, appErrors.Clone(appErrors.ErrTokenCreationFailed, "")
	}

	now := time.Now().UTC()
	latest := tokens[0]
	if latest.IsActive(now) {
		return &latest, nil
	}

	expiresAt := now.Add(s.refreshTTL)
	if err := s.repo.Revive(ctx, latest.ID, expiresAt, now); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrTokenCreationFailed.Code, appErrors.ErrTokenCreationFailed.Status, "failed to revive token after conflict")
	}

	latest.Used = false
	latest.Revoked = false
	latest.ExpiresAt = expiresAt
	latest.UpdatedAt = now

	s.logger.Warn("revived latest refresh token after conflict",
		zap.String("username", user.Username), zap.String("token_id", latest.ID))
	return &latest, nil
}

// VerifyExpiration checks that a token is still exchangeable. A lazily
// discovered expiry is persisted as a revocation before the error is
// raised, so the audit state reflects the failure cause.
func (s *TokenService) VerifyExpiration(ctx context.Context, token *models.RefreshToken) (*models.RefreshToken, error) {
	now := time.Now().UTC()

	if token.IsExpired(now) {
		if err := s.repo.Revoke(ctx, token.ID, models.ReasonExpired, now); err != nil {
			return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to revoke expired token")
		}
		token.Revoked = true
		token.ReasonRevoked = models.ReasonExpired
		s.logger.Info("refresh token expired", zap.String("token_id", token.ID))
		return nil, appErrors.Clone(appErrors.ErrTokenExpired, "")
	}

	if token.Used {
		s.logger.Warn("refresh token reuse detected", zap.String("token_id", token.ID))
		return nil, appErrors.Clone(appErrors.ErrTokenAlreadyUsed, "")
	}

	if token.Revoked {
		return nil, appErrors.Clone(appErrors.ErrTokenRevoked, "")
	}

	return token, nil
}

// UseToken marks a token consumed, pointing it at its successor. Callers
// must only invoke this after the successor has been durably created.
// Consumption is first-wins: when a concurrent rotation got there first,
// the loser sees the token as already used or revoked.
func (s *TokenService) UseToken(ctx context.Context, token *models.RefreshToken, successor string) error {
	now := time.Now().UTC()
	n, err := s.repo.MarkUsed(ctx, token.ID, successor, now)
	if err != nil {
		return appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to mark token used")
	}
	if n == 0 {
		s.logger.Warn("refresh token lost rotation race", zap.String("token_id", token.ID))
		if current, readErr := s.repo.FindByToken(ctx, token.Token); readErr == nil && !current.Used && current.Revoked {
			return appErrors.Clone(appErrors.ErrTokenRevoked, "")
		}
		return appErrors.Clone(appErrors.ErrTokenAlreadyUsed, "")
	}
	token.Used = true
	token.ReplacedByToken = successor
	token.UpdatedAt = now
	return nil
}

// RevokeToken revokes a single token with the given reason. Revoking an
// already-revoked token is a no-op and reports false without touching
// the stored reason.
func (s *TokenService) RevokeToken(ctx context.Context, token *models.RefreshToken, reason string) (bool, error) {
	if token.Revoked {
		return false, nil
	}
	now := time.Now().UTC()
	if err := s.repo.Revoke(ctx, token.ID, reason, now); err != nil {
		return false, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to revoke token")
	}
	token.Revoked = true
	token.ReasonRevoked = reason
	token.UpdatedAt = now
	s.logger.Info("refresh token revoked", zap.String("token_id", token.ID), zap.String("reason", reason))
	return true, nil
}

// DeleteByUser bulk-revokes every token belonging to the user. Rows are
// kept for auditing; physical deletion is reserved for the purger.
func (s *TokenService) DeleteByUser(ctx context.Context, userID, reason string) (int64, error) {
	n, err := s.repo.RevokeAllForUser(ctx, userID, reason, time.Now().UTC())
	if err != nil {
		return 0, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to revoke user tokens")
	}
	if n > 0 {
		s.logger.Info("revoked user refresh tokens", zap.String("user_id", userID), zap.Int64("count", n))
	}
	return n, nil
}

// FindActiveTokensByUser returns the user's currently active tokens.
func (s *TokenService) FindActiveTokensByUser(ctx context.Context, userID string) ([]models.RefreshToken, error) {
	tokens, err := s.repo.FindActiveByUser(ctx, userID, time.Now().UTC())
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to list active tokens")
	}
	return tokens, nil
}

// ListActiveTokens returns every active token across all users.
func (s *TokenService) ListActiveTokens(ctx context.Context) ([]models.RefreshToken, error) {
	tokens, err := s.repo.ListActive(ctx, time.Now().UTC())
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to list active tokens")
	}
	return tokens, nil
}

// PurgeExpiredTokens hard-deletes every row past its expiry and reports
// the count removed. Safe to run concurrently with rotation: only rows
// already dead are touched.
func (s *TokenService) PurgeExpiredTokens(ctx context.Context) (int64, error) {
	n, err := s.repo.DeleteExpired(ctx, time.Now().UTC())
	if err != nil {
		return 0, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to purge expired tokens")
	}
	if n > 0 {
		s.logger.Info("purged expired refresh tokens", zap.Int64("count", n))
	}
	return n, nil
}

func generateTokenValue() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}
