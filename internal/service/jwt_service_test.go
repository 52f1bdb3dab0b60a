package service

import (
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vivuchat/vivuchat-api/internal/models"
	"github.com/vivuchat/vivuchat-api/pkg/config"
)

func newJWTFixture(ttl time.Duration) *JWTService {
	return NewJWTService(config.JWTConfig{Secret: "test-secret", Issuer: "vivuchat", Expiration: ttl})
}

func TestJWTServiceRoundTrip(t *testing.T) {
	svc := newJWTFixture(time.Hour)
	user := &models.User{
		ID:       "user-1",
		Username: "alice",
		Email:    "alice@example.com",
		Roles:    []string{models.RoleUser, models.RoleAdmin},
	}

	token, expiresAt, err := svc.GenerateAccessToken(user)
	require.NoError(t, err)
	assert.WithinDuration(t, time.Now().Add(time.Hour), expiresAt, 5*time.Second)

	claims, err := svc.ValidateToken(token)
	require.NoError(t, err)
	assert.Equal(t, "user-1", claims.UserID)
	assert.Equal(t, "alice", claims.Subject)
	assert.Equal(t, "vivuchat", claims.Issuer)
	assert.Contains(t, claims.Roles, models.RoleAdmin)
}

func TestJWTServiceRejectsExpiredToken(t *testing.T) {
	svc := newJWTFixture(-time.Minute)

	token, _, err := svc.GenerateAccessToken(&models.User{ID: "user-1", Username: "alice"})
	require.NoError(t, err)

	_, err = svc.ValidateToken(token)
	require.Error(t, err)
}

func TestJWTServiceRejectsWrongSecret(t *testing.T) {
	svc := newJWTFixture(time.Hour)
	other := NewJWTService(config.JWTConfig{Secret: "other-secret", Issuer: "vivuchat", Expiration: time.Hour})

	token, _, err := other.GenerateAccessToken(&models.User{ID: "user-1", Username: "alice"})
	require.NoError(t, err)

	_, err = svc.ValidateToken(token)
	require.Error(t, err)
}

func TestJWTServiceRejectsUnsignedToken(t *testing.T) {
	svc := newJWTFixture(time.Hour)

	unsigned := jwt.NewWithClaims(jwt.SigningMethodNone, jwt.RegisteredClaims{Subject: "alice"})
	raw, err := unsigned.SignedString(jwt.UnsafeAllowNoneSignatureType)
	require.NoError(t, err)

	_, err = svc.ValidateToken(raw)
	require.Error(t, err)
}

func TestJWTServiceRejectsGarbage(t *testing.T) {
	svc := newJWTFixture(time.Hour)
	_, err := svc.ValidateToken("not-a-token")
	require.Error(t, err)
}
