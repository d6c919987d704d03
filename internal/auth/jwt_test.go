package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/require"
	"github.com/wolfeidau/simstream/internal/models"
)

const testSecret = "test-secret-key-min-32-bytes-long"

func createSignedToken(t *testing.T, method jwt.SigningMethod, key any, claims jwt.Claims) string {
	t.Helper()
	token := jwt.NewWithClaims(method, claims)
	tokenStr, err := token.SignedString(key)
	require.NoError(t, err)
	return tokenStr
}

func TestAuthenticate(t *testing.T) {
	a := NewAuthenticator(testSecret)

	t.Run("missing credential", func(t *testing.T) {
		_, err := a.Authenticate("  ")
		require.ErrorIs(t, err, ErrMissingCredential)
	})

	t.Run("no secret configured", func(t *testing.T) {
		token, err := IssueToken(testSecret, models.Identity{UserID: 1}, time.Hour)
		require.NoError(t, err)

		_, err = NewAuthenticator("").Authenticate(token)
		require.ErrorIs(t, err, ErrConfiguration)
	})

	t.Run("valid token", func(t *testing.T) {
		token, err := IssueToken(testSecret, models.Identity{UserID: 42, Email: "u@example.com"}, time.Hour)
		require.NoError(t, err)

		identity, err := a.Authenticate(token)
		require.NoError(t, err)
		require.Equal(t, int64(42), identity.UserID)
		require.Equal(t, "u@example.com", identity.Email)
	})

	t.Run("expired token", func(t *testing.T) {
		claims := &Claims{
			UserID: 42,
			RegisteredClaims: jwt.RegisteredClaims{
				ExpiresAt: jwt.NewNumericDate(time.Now().Add(-time.Hour)),
			},
		}
		token := createSignedToken(t, jwt.SigningMethodHS256, []byte(testSecret), claims)

		_, err := a.Authenticate(token)
		require.ErrorIs(t, err, ErrExpiredCredential)
	})

	t.Run("wrong secret", func(t *testing.T) {
		token, err := IssueToken("another-secret-key-min-32-bytes-long", models.Identity{UserID: 42}, time.Hour)
		require.NoError(t, err)

		_, err = a.Authenticate(token)
		require.ErrorIs(t, err, ErrMalformedCredential)
	})

	t.Run("garbage", func(t *testing.T) {
		_, err := a.Authenticate("not-a-jwt")
		require.ErrorIs(t, err, ErrMalformedCredential)
	})

	t.Run("signing method none rejected", func(t *testing.T) {
		claims := &Claims{UserID: 42}
		token := createSignedToken(t, jwt.SigningMethodNone, jwt.UnsafeAllowNoneSignatureType, claims)

		_, err := a.Authenticate(token)
		require.ErrorIs(t, err, ErrMalformedCredential)
	})

	t.Run("missing expiry", func(t *testing.T) {
		claims := &Claims{UserID: 42}
		token := createSignedToken(t, jwt.SigningMethodHS256, []byte(testSecret), claims)

		_, err := a.Authenticate(token)
		require.ErrorIs(t, err, ErrMalformedCredential)
		require.NotErrorIs(t, err, ErrExpiredCredential)
	})

	t.Run("missing user id", func(t *testing.T) {
		claims := &Claims{
			Email:            "u@example.com",
			RegisteredClaims: jwt.RegisteredClaims{ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour))},
		}
		token := createSignedToken(t, jwt.SigningMethodHS256, []byte(testSecret), claims)

		_, err := a.Authenticate(token)
		require.ErrorIs(t, err, ErrMalformedCredential)
	})

	t.Run("user id from subject", func(t *testing.T) {
		claims := &Claims{RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "7",
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		}}
		token := createSignedToken(t, jwt.SigningMethodHS256, []byte(testSecret), claims)

		identity, err := a.Authenticate(token)
		require.NoError(t, err)
		require.Equal(t, int64(7), identity.UserID)
	})
}

func TestCredentialFromRequest(t *testing.T) {
	tests := []struct {
		name     string
		header   string
		url      string
		expected string
	}{
		{name: "bearer header", header: "Bearer abc", url: "/ws", expected: "abc"},
		{name: "lowercase scheme", header: "bearer abc", url: "/ws", expected: "abc"},
		{name: "query token", url: "/ws?token=xyz", expected: "xyz"},
		{name: "header wins", header: "Bearer abc", url: "/ws?token=xyz", expected: "abc"},
		{name: "basic scheme ignored", header: "Basic abc", url: "/ws", expected: ""},
		{name: "nothing", url: "/ws", expected: ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest(http.MethodGet, tt.url, nil)
			if tt.header != "" {
				r.Header.Set("Authorization", tt.header)
			}
			require.Equal(t, tt.expected, CredentialFromRequest(r))
		})
	}
}
