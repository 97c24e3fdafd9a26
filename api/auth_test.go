package api

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAuthenticator_IssueAndParse(t *testing.T) {
	auth := NewAuthenticator("s3cret", "dues-engine")

	token, err := auth.IssueToken("treasurer", true, time.Hour)
	require.NoError(t, err)

	claims, err := auth.Parse(token)
	require.NoError(t, err)
	assert.True(t, claims.Admin)
	assert.Equal(t, "treasurer", claims.Subject)

	// Wrong secret, wrong issuer and expired tokens are rejected
	_, err = NewAuthenticator("other", "dues-engine").Parse(token)
	assert.Error(t, err)
	_, err = NewAuthenticator("s3cret", "someone-else").Parse(token)
	assert.Error(t, err)
	expired, err := auth.IssueToken("treasurer", true, -time.Minute)
	require.NoError(t, err)
	_, err = auth.Parse(expired)
	assert.Error(t, err)
}

func TestAuthenticator_Disabled(t *testing.T) {
	var nilAuth *Authenticator
	assert.False(t, nilAuth.Enabled())
	assert.False(t, NewAuthenticator("", "").Enabled())

	_, err := NewAuthenticator("", "").IssueToken("x", true, time.Hour)
	assert.Error(t, err)
}

func TestRouter_AdminRoutesRequireToken(t *testing.T) {
	// GIVEN: A router with authentication enabled
	auth := NewAuthenticator("s3cret", "dues-engine")
	h := newTestHandler(t, newSQLiteBackend(t))
	router := NewRouter(h, RouterOptions{Auth: auth})

	adminToken, err := auth.IssueToken("treasurer", true, time.Hour)
	require.NoError(t, err)
	memberToken, err := auth.IssueToken("member", false, time.Hour)
	require.NoError(t, err)

	send := func(token string) int {
		req := httptest.NewRequest("POST", "/api/members",
			strings.NewReader(`{"id":"m-1","fiscal_id":"12345678-5","name":"Ana","monthly_due":6500}`))
		req.Header.Set("Content-Type", "application/json")
		if token != "" {
			req.Header.Set("Authorization", "Bearer "+token)
		}
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, req)
		return rec.Code
	}

	// WHEN/THEN: Missing, invalid and non-admin tokens are refused
	assert.Equal(t, http.StatusUnauthorized, send(""))
	assert.Equal(t, http.StatusUnauthorized, send("not-a-jwt"))
	assert.Equal(t, http.StatusForbidden, send(memberToken))
	assert.Equal(t, http.StatusCreated, send(adminToken))

	// Reads stay public
	assert.Equal(t, http.StatusOK, do(router, "GET", "/api/members/m-1", "").Code)
	assert.Equal(t, http.StatusUnauthorized, do(router, "GET", "/api/admin/imports", "").Code)
}

func TestRequireAdmin_StoresClaims(t *testing.T) {
	auth := NewAuthenticator("s3cret", "")
	token, err := auth.IssueToken("treasurer", true, time.Hour)
	require.NoError(t, err)

	var subject string
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		claims, ok := ClaimsFrom(r.Context())
		require.True(t, ok)
		subject = claims.Subject
	})

	req := httptest.NewRequest("POST", "/", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	auth.RequireAdmin(next).ServeHTTP(httptest.NewRecorder(), req)
	assert.Equal(t, "treasurer", subject)
}
