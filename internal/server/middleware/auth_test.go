package middleware

import (
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/DacKha/Bus-Tracking-System-sub001/internal/registry"
)

func sign(t *testing.T, secret string, claims AppClaims) string {
	t.Helper()
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
	require.NoError(t, err)
	return signed
}

func TestJWTValidator(t *testing.T) {
	v := NewJWTValidator("secret")

	t.Run("valid token", func(t *testing.T) {
		token := sign(t, "secret", AppClaims{
			Role: registry.RoleGuardian,
			RegisteredClaims: jwt.RegisteredClaims{
				Subject:   "u-1",
				ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
			},
		})
		identity, err := v.Validate(token)
		require.NoError(t, err)
		assert.Equal(t, "u-1", identity.Participant)
		assert.Equal(t, registry.RoleGuardian, identity.Role)
		assert.True(t, identity.Perms.Has(registry.PermPublishMessage))
		assert.False(t, identity.Perms.Has(registry.PermPublishTripStatus))
	})

	t.Run("wrong secret", func(t *testing.T) {
		token := sign(t, "other-secret", AppClaims{
			Role:             registry.RoleGuardian,
			RegisteredClaims: jwt.RegisteredClaims{Subject: "u-1"},
		})
		_, err := v.Validate(token)
		assert.Error(t, err)
	})

	t.Run("expired token", func(t *testing.T) {
		token := sign(t, "secret", AppClaims{
			Role: registry.RoleGuardian,
			RegisteredClaims: jwt.RegisteredClaims{
				Subject:   "u-1",
				ExpiresAt: jwt.NewNumericDate(time.Now().Add(-time.Minute)),
			},
		})
		_, err := v.Validate(token)
		assert.Error(t, err)
	})

	t.Run("missing subject", func(t *testing.T) {
		token := sign(t, "secret", AppClaims{Role: registry.RoleGuardian})
		_, err := v.Validate(token)
		assert.Error(t, err)
	})

	t.Run("unknown role", func(t *testing.T) {
		token := sign(t, "secret", AppClaims{
			Role:             "mechanic",
			RegisteredClaims: jwt.RegisteredClaims{Subject: "u-1"},
		})
		_, err := v.Validate(token)
		assert.Error(t, err)
	})
}
