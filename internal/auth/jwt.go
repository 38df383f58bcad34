// Package auth mints the gateway.Principal that every event-plane
// operation requires. Per spec §1, identity verification is an
// external collaborator in production; this package is the dev-only
// stand-in named in the ambient stack — never the source of truth for
// access control, which stays with internal/acl.
package auth

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/odin-gateway/realtime-gateway/internal/gateway"
)

// Claims is the JWT payload this build issues and accepts.
type Claims struct {
	UserID      string   `json:"userId"`
	Email       string   `json:"email"`
	TenantID    string   `json:"tenantId"`
	Permissions []string `json:"permissions"`
	jwt.RegisteredClaims
}

// Principal converts the token's claims into a gateway.Principal.
func (c *Claims) Principal() gateway.Principal {
	return gateway.Principal{
		UserID:      c.UserID,
		Email:       c.Email,
		TenantID:    c.TenantID,
		Permissions: c.Permissions,
	}
}

// Manager issues and verifies dev tokens.
type Manager struct {
	secretKey     []byte
	tokenDuration time.Duration
}

// NewManager builds a Manager. secretKey should never be the default
// in a production environment; internal/config.Validate enforces that
// allow_auth_disabled cannot be set there, but the secret itself is an
// operator responsibility this package does not police.
func NewManager(secretKey string, tokenDuration time.Duration) *Manager {
	if tokenDuration <= 0 {
		tokenDuration = 24 * time.Hour
	}
	return &Manager{secretKey: []byte(secretKey), tokenDuration: tokenDuration}
}

// Issue creates a signed token for the given identity.
func (m *Manager) Issue(userID, email, tenantID string, permissions []string) (string, error) {
	claims := &Claims{
		UserID:      userID,
		Email:       email,
		TenantID:    tenantID,
		Permissions: permissions,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(m.tokenDuration)),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
			NotBefore: jwt.NewNumericDate(time.Now()),
			Issuer:    "realtime-gateway",
			Subject:   userID,
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(m.secretKey)
}

// Verify validates tokenString and returns its claims.
func (m *Manager) Verify(tokenString string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return m.secretKey, nil
	})
	if err != nil {
		return nil, fmt.Errorf("invalid token: %w", err)
	}
	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, errors.New("invalid token claims")
	}
	return claims, nil
}

// ExtractToken pulls a bearer token from the Authorization header,
// falling back to a "token" query parameter for transports (like
// WebSocket upgrades) that cannot set headers.
func ExtractToken(r *http.Request) (string, error) {
	if authHeader := r.Header.Get("Authorization"); authHeader != "" {
		const bearerPrefix = "Bearer "
		if !strings.HasPrefix(authHeader, bearerPrefix) {
			return "", errors.New("invalid authorization header format")
		}
		return strings.TrimPrefix(authHeader, bearerPrefix), nil
	}
	if token := r.URL.Query().Get("token"); token != "" {
		return token, nil
	}
	return "", errors.New("no token found in header or query")
}

// Authenticate extracts and verifies the token on r, returning the
// resulting Principal.
func (m *Manager) Authenticate(r *http.Request) (gateway.Principal, error) {
	token, err := ExtractToken(r)
	if err != nil {
		return gateway.Principal{}, err
	}
	claims, err := m.Verify(token)
	if err != nil {
		return gateway.Principal{}, err
	}
	return claims.Principal(), nil
}

// Middleware authenticates every request and stores the resulting
// Principal on its context, rejecting with 401 on failure.
func (m *Manager) Middleware(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		principal, err := m.Authenticate(r)
		if err != nil {
			http.Error(w, "unauthorized: "+err.Error(), http.StatusUnauthorized)
			return
		}
		next(w, r.WithContext(WithPrincipal(r.Context(), principal)))
	}
}
