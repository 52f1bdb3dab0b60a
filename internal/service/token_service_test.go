package service

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/vivuchat/vivuchat-api/internal/models"
	"github.com/vivuchat/vivuchat-api/internal/repository"
	appErrors "github.com/vivuchat/vivuchat-api/pkg/errors"
)

// mockTokenRepo is an in-memory stand-in for the refresh_tokens table.
// The mutex serializes calls the way row locks would, so tests can drive
// rotations from multiple goroutines.
type mockTokenRepo struct {
	mu        sync.Mutex
	tokens    map[string]*models.RefreshToken
	nextID    int
	conflicts int // pending CreateRotated calls that fail with ErrTokenConflict
}

func newMockTokenRepo() *mockTokenRepo {
	return &mockTokenRepo{tokens: make(map[string]*models.RefreshToken)}
}

func (m *mockTokenRepo) add(token models.RefreshToken) *models.RefreshToken {
	m.mu.Lock()
	defer m.mu.Unlock()
	if token.ID == "" {
		m.nextID++
		token.ID = fmt.Sprintf("rt-%d", m.nextID)
	}
	copied := token
	m.tokens[copied.ID] = &copied
	return &copied
}

func (m *mockTokenRepo) CreateRotated(ctx context.Context, token *models.RefreshToken) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.conflicts > 0 {
		m.conflicts--
		return fmt.Errorf("insert refresh token: %w", repository.ErrTokenConflict)
	}
	now := time.Now().UTC()
	for _, existing := range m.tokens {
		if existing.UserID == token.UserID && !existing.Revoked && !existing.Used {
			existing.Revoked = true
			existing.ReasonRevoked = models.ReasonSuperseded
			existing.ReplacedByToken = token.Token
			existing.UpdatedAt = now
		}
	}
	m.nextID++
	token.ID = fmt.Sprintf("rt-%d", m.nextID)
	token.CreatedAt = now
	token.UpdatedAt = now
	copied := *token
	m.tokens[copied.ID] = &copied
	return nil
}

func (m *mockTokenRepo) FindByToken(ctx context.Context, value string) (*models.RefreshToken, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, t := range m.tokens {
		if t.Token == value {
			copied := *t
			return &copied, nil
		}
	}
	return nil, sql.ErrNoRows
}

func (m *mockTokenRepo) FindByUser(ctx context.Context, userID string) ([]models.RefreshToken, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.RefreshToken
	for _, t := range m.tokens {
		if t.UserID == userID {
			out = append(out, *t)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (m *mockTokenRepo) FindActiveByUser(ctx context.Context, userID string, now time.Time) ([]models.RefreshToken, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.RefreshToken
	for _, t := range m.tokens {
		if t.UserID == userID && t.IsActive(now) {
			out = append(out, *t)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (m *mockTokenRepo) MarkUsed(ctx context.Context, id, successor string, ts time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tokens[id]
	if !ok || t.Used || (t.ReplacedByToken != "" && t.ReplacedByToken != successor) {
		return 0, nil
	}
	t.Used = true
	t.ReplacedByToken = successor
	t.UpdatedAt = ts
	return 1, nil
}

func (m *mockTokenRepo) Revoke(ctx context.Context, id, reason string, ts time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if t, ok := m.tokens[id]; ok {
		t.Revoked = true
		t.ReasonRevoked = reason
		t.UpdatedAt = ts
	}
	return nil
}

func (m *mockTokenRepo) RevokeAllForUser(ctx context.Context, userID, reason string, ts time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for _, t := range m.tokens {
		if t.UserID == userID && !t.Revoked {
			t.Revoked = true
			t.ReasonRevoked = reason
			t.UpdatedAt = ts
			n++
		}
	}
	return n, nil
}

func (m *mockTokenRepo) Revive(ctx context.Context, id string, expiresAt, ts time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if t, ok := m.tokens[id]; ok {
		t.Used = false
		t.Revoked = false
		t.ExpiresAt = expiresAt
		t.UpdatedAt = ts
	}
	return nil
}

func (m *mockTokenRepo) DeleteExpired(ctx context.Context, before time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for id, t := range m.tokens {
		if t.ExpiresAt.Before(before) {
			delete(m.tokens, id)
			n++
		}
	}
	return n, nil
}

func (m *mockTokenRepo) ListActive(ctx context.Context, now time.Time) ([]models.RefreshToken, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.RefreshToken
	for _, t := range m.tokens {
		if t.IsActive(now) {
			out = append(out, *t)
		}
	}
	return out, nil
}

func (m *mockTokenRepo) activeCount(userID string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	now := time.Now().UTC()
	for _, t := range m.tokens {
		if t.UserID == userID && t.IsActive(now) {
			n++
		}
	}
	return n
}

func newTokenService(repo *mockTokenRepo) *TokenService {
	return NewTokenService(repo, zap.NewNop(), 24*time.Hour)
}

func TestCreateRefreshTokenKeepsSingleActive(t *testing.T) {
	repo := newMockTokenRepo()
	svc := newTokenService(repo)
	user := &models.User{ID: "user-1", Username: "alice"}

	first, err := svc.CreateRefreshToken(context.Background(), user)
	require.NoError(t, err)
	require.NotEmpty(t, first.Token)

	second, err := svc.CreateRefreshToken(context.Background(), user)
	require.NoError(t, err)
	require.NotEqual(t, first.Token, second.Token)

	assert.Equal(t, 1, repo.activeCount("user-1"))

	retired := repo.tokens[first.ID]
	assert.True(t, retired.Revoked)
	assert.Equal(t, models.ReasonSuperseded, retired.ReasonRevoked)
	assert.Equal(t, second.Token, retired.ReplacedByToken)
}

func TestCreateRefreshTokenConflictReturnsActiveSurvivor(t *testing.T) {
	repo := newMockTokenRepo()
	svc := newTokenService(repo)
	user := &models.User{ID: "user-1", Username: "alice"}

	now := time.Now().UTC()
	winner := repo.add(models.RefreshToken{
		UserID: "user-1", Token: "tok-winner",
		ExpiresAt: now.Add(time.Hour), CreatedAt: now, UpdatedAt: now,
	})

	repo.conflicts = 1
	token, err := svc.CreateRefreshToken(context.Background(), user)
	require.NoError(t, err)
	assert.Equal(t, winner.Token, token.Token)
	assert.Equal(t, 1, repo.activeCount("user-1"))
}

func TestCreateRefreshTokenConflictRevivesNewest(t *testing.T) {
	repo := newMockTokenRepo()
	svc := newTokenService(repo)
	user := &models.User{ID: "user-1", Username: "alice"}

	now := time.Now().UTC()
	repo.add(models.RefreshToken{
		UserID: "user-1", Token: "tok-old",
		Revoked: true, ReasonRevoked: models.ReasonSuperseded,
		ExpiresAt: now.Add(time.Hour), CreatedAt: now.Add(-2 * time.Minute), UpdatedAt: now,
	})
	newest := repo.add(models.RefreshToken{
		UserID: "user-1", Token: "tok-newest",
		Used: true, Revoked: true, ReasonRevoked: models.ReasonSuperseded,
		ReplacedByToken: "tok-successor",
		ExpiresAt:       now.Add(-time.Minute), CreatedAt: now.Add(-time.Minute), UpdatedAt: now,
	})

	repo.conflicts = 1
	token, err := svc.CreateRefreshToken(context.Background(), user)
	require.NoError(t, err)
	assert.Equal(t, "tok-newest", token.Token)
	assert.False(t, token.Revoked)
	assert.False(t, token.Used)
	assert.True(t, token.ExpiresAt.After(now), "revived token must get a fresh expiry")

	// Revival flips used/revoked only; the recorded history survives.
	stored := repo.tokens[newest.ID]
	assert.False(t, stored.Revoked)
	assert.False(t, stored.Used)
	assert.Equal(t, "tok-successor", stored.ReplacedByToken)
	assert.Equal(t, models.ReasonSuperseded, stored.ReasonRevoked)
	assert.Equal(t, 1, repo.activeCount("user-1"))
}

func TestCreateRefreshTokenConflictWithoutRowsFails(t *testing.T) {
	repo := newMockTokenRepo()
	svc := newTokenService(repo)

	repo.conflicts = 1
	_, err := svc.CreateRefreshToken(context.Background(), &models.User{ID: "user-1", Username: "alice"})
	require.ErrorIs(t, err, appErrors.ErrTokenCreationFailed)
}

func TestVerifyExpirationPersistsExpiryAsRevocation(t *testing.T) {
	repo := newMockTokenRepo()
	svc := newTokenService(repo)

	now := time.Now().UTC()
	stored := repo.add(models.RefreshToken{
		UserID: "user-1", Token: "tok-stale",
		ExpiresAt: now.Add(-time.Minute), CreatedAt: now.Add(-time.Hour), UpdatedAt: now.Add(-time.Hour),
	})

	token := *stored
	_, err := svc.VerifyExpiration(context.Background(), &token)
	require.ErrorIs(t, err, appErrors.ErrTokenExpired)

	// State change lands before the error reaches the caller.
	assert.True(t, repo.tokens[stored.ID].Revoked)
	assert.Equal(t, models.ReasonExpired, repo.tokens[stored.ID].ReasonRevoked)
}

func TestVerifyExpirationRejectsUsedAndRevoked(t *testing.T) {
	repo := newMockTokenRepo()
	svc := newTokenService(repo)
	now := time.Now().UTC()

	used := &models.RefreshToken{ID: "rt-u", Token: "tok-u", Used: true, ExpiresAt: now.Add(time.Hour)}
	_, err := svc.VerifyExpiration(context.Background(), used)
	require.ErrorIs(t, err, appErrors.ErrTokenAlreadyUsed)

	revoked := &models.RefreshToken{ID: "rt-r", Token: "tok-r", Revoked: true, ExpiresAt: now.Add(time.Hour)}
	_, err = svc.VerifyExpiration(context.Background(), revoked)
	require.ErrorIs(t, err, appErrors.ErrTokenRevoked)
}

func TestUseTokenRecordsSuccessor(t *testing.T) {
	repo := newMockTokenRepo()
	svc := newTokenService(repo)

	now := time.Now().UTC()
	stored := repo.add(models.RefreshToken{
		UserID: "user-1", Token: "tok-a",
		ExpiresAt: now.Add(time.Hour), CreatedAt: now, UpdatedAt: now,
	})

	token := *stored
	require.NoError(t, svc.UseToken(context.Background(), &token, "tok-b"))
	assert.True(t, token.Used)
	assert.Equal(t, "tok-b", token.ReplacedByToken)
	assert.True(t, repo.tokens[stored.ID].Used)

	// A consumed token can never be exchanged again.
	reread, err := svc.FindByToken(context.Background(), "tok-a")
	require.NoError(t, err)
	_, err = svc.VerifyExpiration(context.Background(), reread)
	require.ErrorIs(t, err, appErrors.ErrTokenAlreadyUsed)
}

func TestUseTokenDetectsConcurrentConsumption(t *testing.T) {
	repo := newMockTokenRepo()
	svc := newTokenService(repo)

	now := time.Now().UTC()
	stored := repo.add(models.RefreshToken{
		UserID: "user-1", Token: "tok-a",
		ExpiresAt: now.Add(time.Hour), CreatedAt: now, UpdatedAt: now,
	})

	first := *stored
	second := *stored
	require.NoError(t, svc.UseToken(context.Background(), &first, "tok-b"))

	err := svc.UseToken(context.Background(), &second, "tok-c")
	require.ErrorIs(t, err, appErrors.ErrTokenAlreadyUsed)
	assert.Equal(t, "tok-b", repo.tokens[stored.ID].ReplacedByToken, "successor pointer must not be rewritten")
}

func TestUseTokenRejectsForeignSuccessor(t *testing.T) {
	repo := newMockTokenRepo()
	svc := newTokenService(repo)

	// Another rotation superseded the row and chained it elsewhere.
	now := time.Now().UTC()
	stored := repo.add(models.RefreshToken{
		UserID: "user-1", Token: "tok-a",
		Revoked: true, ReasonRevoked: models.ReasonSuperseded, ReplacedByToken: "tok-other",
		ExpiresAt: now.Add(time.Hour), CreatedAt: now, UpdatedAt: now,
	})

	token := *stored
	err := svc.UseToken(context.Background(), &token, "tok-mine")
	require.ErrorIs(t, err, appErrors.ErrTokenRevoked)
	assert.Equal(t, "tok-other", repo.tokens[stored.ID].ReplacedByToken)
	assert.False(t, repo.tokens[stored.ID].Used)
}

func TestRevokeTokenIsIdempotent(t *testing.T) {
	repo := newMockTokenRepo()
	svc := newTokenService(repo)

	now := time.Now().UTC()
	stored := repo.add(models.RefreshToken{
		UserID: "user-1", Token: "tok-a",
		ExpiresAt: now.Add(time.Hour), CreatedAt: now, UpdatedAt: now,
	})

	token := *stored
	revoked, err := svc.RevokeToken(context.Background(), &token, models.ReasonManual)
	require.NoError(t, err)
	assert.True(t, revoked)

	again, err := svc.RevokeToken(context.Background(), &token, "some other reason")
	require.NoError(t, err)
	assert.False(t, again)
	assert.Equal(t, models.ReasonManual, repo.tokens[stored.ID].ReasonRevoked, "original reason must survive")
}

func TestFindByTokenNotFound(t *testing.T) {
	repo := newMockTokenRepo()
	svc := newTokenService(repo)

	_, err := svc.FindByToken(context.Background(), "missing")
	require.ErrorIs(t, err, appErrors.ErrTokenNotFound)
}

func TestDeleteByUserRevokesEverything(t *testing.T) {
	repo := newMockTokenRepo()
	svc := newTokenService(repo)
	now := time.Now().UTC()

	repo.add(models.RefreshToken{UserID: "user-1", Token: "tok-a", ExpiresAt: now.Add(time.Hour), CreatedAt: now})
	repo.add(models.RefreshToken{UserID: "user-1", Token: "tok-b", Used: true, ExpiresAt: now.Add(time.Hour), CreatedAt: now})
	repo.add(models.RefreshToken{UserID: "user-2", Token: "tok-c", ExpiresAt: now.Add(time.Hour), CreatedAt: now})

	n, err := svc.DeleteByUser(context.Background(), "user-1", models.ReasonLogout)
	require.NoError(t, err)
	assert.EqualValues(t, 2, n)
	assert.Equal(t, 0, repo.activeCount("user-1"))
	assert.Equal(t, 1, repo.activeCount("user-2"))
}

func TestPurgeExpiredTokensDeletesRegardlessOfState(t *testing.T) {
	repo := newMockTokenRepo()
	svc := newTokenService(repo)
	now := time.Now().UTC()

	repo.add(models.RefreshToken{UserID: "user-1", Token: "tok-live", ExpiresAt: now.Add(time.Hour), CreatedAt: now})
	repo.add(models.RefreshToken{UserID: "user-1", Token: "tok-dead", ExpiresAt: now.Add(-time.Hour), CreatedAt: now})
	repo.add(models.RefreshToken{UserID: "user-2", Token: "tok-dead-used", Used: true, ExpiresAt: now.Add(-time.Hour), CreatedAt: now})

	n, err := svc.PurgeExpiredTokens(context.Background())
	require.NoError(t, err)
	assert.EqualValues(t, 2, n)
	assert.Len(t, repo.tokens, 1)
}

func TestRotationChainStaysAppendOnly(t *testing.T) {
	repo := newMockTokenRepo()
	svc := newTokenService(repo)
	user := &models.User{ID: "user-1", Username: "alice"}

	a, err := svc.CreateRefreshToken(context.Background(), user)
	require.NoError(t, err)

	b, err := svc.CreateRefreshToken(context.Background(), user)
	require.NoError(t, err)
	require.NoError(t, svc.UseToken(context.Background(), a, b.Token))

	c, err := svc.CreateRefreshToken(context.Background(), user)
	require.NoError(t, err)
	require.NoError(t, svc.UseToken(context.Background(), b, c.Token))

	// Walk the chain from the oldest token to the head.
	storedA := repo.tokens[a.ID]
	storedB := repo.tokens[b.ID]
	assert.Equal(t, b.Token, storedA.ReplacedByToken)
	assert.Equal(t, c.Token, storedB.ReplacedByToken)
	assert.Equal(t, 1, repo.activeCount("user-1"))

	// Replaying the consumed token is detected as reuse.
	replayed, err := svc.FindByToken(context.Background(), a.Token)
	require.NoError(t, err)
	_, err = svc.VerifyExpiration(context.Background(), replayed)
	require.ErrorIs(t, err, appErrors.ErrTokenAlreadyUsed)
}
