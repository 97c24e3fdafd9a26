/*
auth.go - Bearer token authentication for mutating routes

PURPOSE:
  Protects administrative and mutation routes with an HS256 JWT carrying an
  "admin": true claim. Read routes stay public.

  Authentication is optional: an Authenticator with an empty secret (or a
  nil *Authenticator) lets every request through, which is how local
  development and the test suite run.

RESPONSES:
  401  Missing or malformed Authorization header, bad signature, expired
  403  Valid token without the admin claim

SEE ALSO:
  - server.go: Which routes are wrapped
  - config/config.go: auth.jwt_secret, auth.issuer
*/
package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Claims are the JWT claims the API understands.
type Claims struct {
	Admin bool `json:"admin"`
	jwt.RegisteredClaims
}

type claimsKey struct{}

// Authenticator validates bearer tokens.
type Authenticator struct {
	secret []byte
	issuer string
}

// NewAuthenticator returns an authenticator for secret. An empty secret
// disables authentication. A non-empty issuer is required in every token.
func NewAuthenticator(secret, issuer string) *Authenticator {
	return &Authenticator{secret: []byte(secret), issuer: issuer}
}

// Enabled reports whether tokens are checked.
func (a *Authenticator) Enabled() bool {
	return a != nil && len(a.secret) > 0
}

// IssueToken signs a token for subject valid for ttl.
func (a *Authenticator) IssueToken(subject string, admin bool, ttl time.Duration) (string, error) {
	if !a.Enabled() {
		return "", errors.New("authentication is disabled")
	}
	now := time.Now()
	claims := &Claims{
		Admin: admin,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			Issuer:    a.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(a.secret)
}

// Parse validates raw and returns its claims.
func (a *Authenticator) Parse(raw string) (*Claims, error) {
	opts := []jwt.ParserOption{jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()})}
	if a.issuer != "" {
		opts = append(opts, jwt.WithIssuer(a.issuer))
	}
	token, err := jwt.ParseWithClaims(raw, &Claims{}, func(*jwt.Token) (any, error) {
		return a.secret, nil
	}, opts...)
	if err != nil {
		return nil, fmt.Errorf("invalid or expired token: %w", err)
	}
	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, errors.New("invalid token claims")
	}
	return claims, nil
}

// RequireAdmin rejects requests without a valid admin token. It is a no-op
// when authentication is disabled.
func (a *Authenticator) RequireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !a.Enabled() || r.Method == http.MethodOptions {
			next.ServeHTTP(w, r)
			return
		}
		header := r.Header.Get("Authorization")
		raw, ok := strings.CutPrefix(header, "Bearer ")
		if !ok || raw == "" {
			writeError(w, http.StatusUnauthorized, "Missing bearer token", nil)
			return
		}
		claims, err := a.Parse(raw)
		if err != nil {
			writeError(w, http.StatusUnauthorized, "Invalid token", err)
			return
		}
		if !claims.Admin {
			writeError(w, http.StatusForbidden, "Admin privileges required", nil)
			return
		}
		ctx := context.WithValue(r.Context(), claimsKey{}, claims)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// ClaimsFrom returns the claims RequireAdmin stored in ctx.
func ClaimsFrom(ctx context.Context) (*Claims, bool) {
	c, ok := ctx.Value(claimsKey{}).(*Claims)
	return c, ok
}
