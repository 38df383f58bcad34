package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIssueThenVerifyRoundTrip(t *testing.T) {
	m := NewManager("secret", time.Minute)

	token, err := m.Issue("u1", "u1@example.com", "t1", []string{"publish"})
	require.NoError(t, err)

	claims, err := m.Verify(token)
	require.NoError(t, err)
	assert.Equal(t, "u1", claims.UserID)
	assert.Equal(t, "t1", claims.TenantID)
	assert.Equal(t, []string{"publish"}, claims.Permissions)
}

func TestVerifyRejectsTokenFromDifferentSecret(t *testing.T) {
	issuer := NewManager("secret-a", time.Minute)
	verifier := NewManager("secret-b", time.Minute)

	token, err := issuer.Issue("u1", "", "t1", nil)
	require.NoError(t, err)

	_, err = verifier.Verify(token)
	assert.Error(t, err)
}

func TestVerifyRejectsExpiredToken(t *testing.T) {
	m := NewManager("secret", time.Minute)
	m.tokenDuration = -time.Minute

	token, err := m.Issue("u1", "", "t1", nil)
	require.NoError(t, err)

	_, err = m.Verify(token)
	assert.Error(t, err)
}

func TestExtractTokenPrefersAuthorizationHeader(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/v1/ws?token=query-token", nil)
	r.Header.Set("Authorization", "Bearer header-token")

	token, err := ExtractToken(r)
	require.NoError(t, err)
	assert.Equal(t, "header-token", token)
}

func TestExtractTokenFallsBackToQueryParam(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/v1/ws?token=query-token", nil)

	token, err := ExtractToken(r)
	require.NoError(t, err)
	assert.Equal(t, "query-token", token)
}

func TestAuthenticateRoundTrip(t *testing.T) {
	m := NewManager("secret", time.Minute)
	token, err := m.Issue("u1", "u1@example.com", "t1", []string{"publish"})
	require.NoError(t, err)

	r := httptest.NewRequest(http.MethodPost, "/v1/publish", nil)
	r.Header.Set("Authorization", "Bearer "+token)

	principal, err := m.Authenticate(r)
	require.NoError(t, err)
	assert.Equal(t, "u1", principal.UserID)
	assert.Equal(t, "t1", principal.TenantID)
}

func TestMiddlewareRejectsMissingToken(t *testing.T) {
	m := NewManager("secret", time.Minute)
	called := false
	handler := m.Middleware(func(w http.ResponseWriter, r *http.Request) {
		called = true
	})

	r := httptest.NewRequest(http.MethodPost, "/v1/publish", nil)
	w := httptest.NewRecorder()
	handler(w, r)

	assert.False(t, called)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}
