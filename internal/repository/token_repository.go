package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/vivuchat/vivuchat-api/internal/models"
)

// ErrTokenConflict signals that a concurrent rotation for the same user
// committed first and the unique constraint rejected this transaction.
var ErrTokenConflict = errors.New("refresh token conflict")

// TokenRepository owns the refresh_tokens table.
type TokenRepository struct {
	db *sqlx.DB
}

// NewTokenRepository creates a new instance of TokenRepository.
func NewTokenRepository(db *sqlx.DB) *TokenRepository {
	return &TokenRepository{db: db}
}

const tokenColumns = `id, user_id, token, expires_at, used, revoked, replaced_by_token, reason_revoked, created_at, updated_at`

// CreateRotated retires every active token of the owner and inserts the
// successor in one transaction. The retired rows point at the new token
// value so the revocation chain stays intact. A unique-constraint
// rejection rolls back and surfaces as ErrTokenConflict.
func (r *TokenRepository) CreateRotated(ctx context.Context, token *models.RefreshToken) error {
	if token.ID == "" {
		token.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	if token.CreatedAt.IsZero() {
		token.CreatedAt = now
	}
	token.UpdatedAt = now

	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin rotation: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	const supersede = `UPDATE refresh_tokens SET revoked = TRUE, reason_revoked = $3, replaced_by_token = $2, updated_at = $4 WHERE user_id = $1 AND revoked = FALSE AND used = FALSE`
	if _, err := tx.ExecContext(ctx, supersede, token.UserID, token.Token, models.ReasonSuperseded, now); err != nil {
		return fmt.Errorf("supersede active tokens: %w", err)
	}

	const insert = `INSERT INTO refresh_tokens (id, user_id, token, expires_at, used, revoked, replaced_by_token, reason_revoked, created_at, updated_at) VALUES (:id, :user_id, :token, :expires_at, :used, :revoked, :replaced_by_token, :reason_revoked, :created_at, :updated_at)`
	if _, err := tx.NamedExecContext(ctx, insert, token); err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("insert refresh token: %w", ErrTokenConflict)
		}
		return fmt.Errorf("insert refresh token: %w", err)
	}

	if err := tx.Commit(); err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("commit rotation: %w", ErrTokenConflict)
		}
		return fmt.Errorf("commit rotation: %w", err)
	}
	return nil
}

// FindByToken returns a refresh token by its opaque value.
func (r *TokenRepository) FindByToken(ctx context.Context, value string) (*models.RefreshToken, error) {
	query := `SELECT ` + tokenColumns + ` FROM refresh_tokens WHERE token = $1 LIMIT 1`
	var rt models.RefreshToken
	if err := r.db.GetContext(ctx, &rt, query, value); err != nil {
		if err == sql.ErrNoRows {
			return nil, err
		}
		return nil, fmt.Errorf("find refresh token: %w", err)
	}
	return &rt, nil
}

// FindByUser returns every token belonging to a user, newest first.
func (r *TokenRepository) FindByUser(ctx context.Context, userID string) ([]models.RefreshToken, error) {
	query := `SELECT ` + tokenColumns + ` FROM refresh_tokens WHERE user_id = $1 ORDER BY created_at DESC`
	var tokens []models.RefreshToken
	if err := r.db.SelectContext(ctx, &tokens, query, userID); err != nil {
		return nil, fmt.Errorf("find tokens by user: %w", err)
	}
	return tokens, nil
}

// FindActiveByUser returns the user's not-revoked, not-used, not-expired tokens.
func (r *TokenRepository) FindActiveByUser(ctx context.Context, userID string, now time.Time) ([]models.RefreshToken, error) {
	query := `SELECT ` + tokenColumns + ` FROM refresh_tokens WHERE user_id = $1 AND revoked = FALSE AND used = FALSE AND expires_at > $2 ORDER BY created_at DESC`
	var tokens []models.RefreshToken
	if err := r.db.SelectContext(ctx, &tokens, query, userID, now); err != nil {
		return nil, fmt.Errorf("find active tokens: %w", err)
	}
	return tokens, nil
}

// MarkUsed consumes a token, recording the successor that replaced it.
// Consumption is first-wins: a row already used, or already chained to a
// different successor by a concurrent rotation, is left alone and
// reported as zero rows affected.
func (r *TokenRepository) MarkUsed(ctx context.Context, id, successor string, ts time.Time) (int64, error) {
	const query = `UPDATE refresh_tokens SET used = TRUE, replaced_by_token = $2, updated_at = $3 WHERE id = $1 AND used = FALSE AND (replaced_by_token = '' OR replaced_by_token = $2)`
	res, err := r.db.ExecContext(ctx, query, id, successor, ts)
	if err != nil {
		return 0, fmt.Errorf("mark token used: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("mark token used: %w", err)
	}
	return n, nil
}

// Revoke marks a single token revoked with the given reason.
func (r *TokenRepository) Revoke(ctx context.Context, id, reason string, ts time.Time) error {
	const query = `UPDATE refresh_tokens SET revoked = TRUE, reason_revoked = $2, updated_at = $3 WHERE id = $1`
	if _, err := r.db.ExecContext(ctx, query, id, reason, ts); err != nil {
		return fmt.Errorf("revoke refresh token: %w", err)
	}
	return nil
}

// RevokeAllForUser bulk-revokes the user's not-yet-revoked tokens and
// reports how many rows changed. Rows are kept for the purger.
func (r *TokenRepository) RevokeAllForUser(ctx context.Context, userID, reason string, ts time.Time) (int64, error) {
	const query = `UPDATE refresh_tokens SET revoked = TRUE, reason_revoked = $2, updated_at = $3 WHERE user_id = $1 AND revoked = FALSE`
	res, err := r.db.ExecContext(ctx, query, userID, reason, ts)
	if err != nil {
		return 0, fmt.Errorf("revoke user tokens: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("revoke user tokens: %w", err)
	}
	return n, nil
}

// Revive resets a token back into an active state with a fresh expiry.
// Only the conflict-recovery path calls this; it is the one sanctioned
// exception to used/revoked monotonicity. The revocation reason and the
// successor pointer are history and stay as written.
func (r *TokenRepository) Revive(ctx context.Context, id string, expiresAt, ts time.Time) error {
	const query = `UPDATE refresh_tokens SET used = FALSE, revoked = FALSE, expires_at = $2, updated_at = $3 WHERE id = $1`
	if _, err := r.db.ExecContext(ctx, query, id, expiresAt, ts); err != nil {
		return fmt.Errorf("revive refresh token: %w", err)
	}
	return nil
}

// DeleteExpired hard-deletes every row past its expiry, regardless of
// used/revoked state, and reports the count removed.
func (r *TokenRepository) DeleteExpired(ctx context.Context, before time.Time) (int64, error) {
	const query = `DELETE FROM refresh_tokens WHERE expires_at < $1`
	res, err := r.db.ExecContext(ctx, query, before)
	if err != nil {
		return 0, fmt.Errorf("delete expired tokens: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("delete expired tokens: %w", err)
	}
	return n, nil
}

// ListActive returns every currently active token across all users.
func (r *TokenRepository) ListActive(ctx context.Context, now time.Time) ([]models.RefreshToken, error) {
	query := `SELECT ` + tokenColumns + ` FROM refresh_tokens WHERE revoked = FALSE AND used = FALSE AND expires_at > $1 ORDER BY created_at DESC`
	var tokens []models.RefreshToken
	if err := r.db.SelectContext(ctx, &tokens, query, now); err != nil {
		return nil, fmt.Errorf("list active tokens: %w", err)
	}
	return tokens, nil
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == "23505"
}
