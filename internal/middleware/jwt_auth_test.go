package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/otchange/changeval/internal/database"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestAuth(t *testing.T, accounts ...Account) *ReviewerAuth {
	t.Helper()
	hash, err := HashPassword("s3cret")
	require.NoError(t, err)
	if len(accounts) == 0 {
		accounts = []Account{
			{Username: "jdoe", PasswordHash: hash, Role: database.ReviewerRoleReviewer},
			{Username: "shift-lead", PasswordHash: hash, Role: database.ReviewerRoleObserver},
		}
	}
	return NewReviewerAuth(AuthConfig{
		Accounts:    accounts,
		Secret:      "test-signing-key",
		TokenTTL:    8 * time.Hour,
		PublicPaths: []string{"/health", "/metrics", "/auth/*"},
	})
}

func TestReviewerAuth_Authenticate(t *testing.T) {
	a := newTestAuth(t)

	id, ok := a.Authenticate("jdoe", "s3cret")
	require.True(t, ok)
	assert.Equal(t, Identity{Username: "jdoe", Role: database.ReviewerRoleReviewer}, id)

	id, ok = a.Authenticate("shift-lead", "s3cret")
	require.True(t, ok)
	assert.Equal(t, database.ReviewerRoleObserver, id.Role)

	_, ok = a.Authenticate("jdoe", "wrong")
	assert.False(t, ok)
	_, ok = a.Authenticate("admin", "s3cret")
	assert.False(t, ok)
	assert.Equal(t, 8*time.Hour, a.TokenTTL())
}

func TestReviewerAuth_SkipsInvalidAccounts(t *testing.T) {
	hash, err := HashPassword("s3cret")
	require.NoError(t, err)
	a := newTestAuth(t,
		Account{Username: "root", PasswordHash: hash, Role: "admin"},
		Account{Username: "", PasswordHash: hash, Role: database.ReviewerRoleReviewer},
	)
	_, ok := a.Authenticate("root", "s3cret")
	assert.False(t, ok)
}

func TestReviewerAuth_TokenCarriesRole(t *testing.T) {
	a := newTestAuth(t)

	token, err := a.IssueToken(Identity{Username: "shift-lead", Role: database.ReviewerRoleObserver})
	require.NoError(t, err)

	id, err := a.ParseToken(token)
	require.NoError(t, err)
	assert.Equal(t, "shift-lead", id.Username)
	assert.Equal(t, database.ReviewerRoleObserver, id.Role)
	assert.False(t, id.Role.CanDecide())
}

func TestReviewerAuth_RejectsStaleIdentity(t *testing.T) {
	a := newTestAuth(t)

	escalated, err := a.IssueToken(Identity{Username: "shift-lead", Role: database.ReviewerRoleReviewer})
	require.NoError(t, err)
	_, err = a.ParseToken(escalated)
	assert.ErrorIs(t, err, ErrUnknownReviewer, "role differs from the account")

	removed, err := a.IssueToken(Identity{Username: "former-employee", Role: database.ReviewerRoleReviewer})
	require.NoError(t, err)
	_, err = a.ParseToken(removed)
	assert.ErrorIs(t, err, ErrUnknownReviewer)
}

func TestReviewerAuth_RejectsForeignTokens(t *testing.T) {
	a := newTestAuth(t)

	other := NewReviewerAuth(AuthConfig{Secret: "another-key", TokenTTL: time.Hour})
	foreign, err := other.IssueToken(Identity{Username: "jdoe", Role: database.ReviewerRoleReviewer})
	require.NoError(t, err)
	_, err = a.ParseToken(foreign)
	assert.Error(t, err, "wrong signing key")

	sign := func(claims ReviewerClaims) string {
		s, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte("test-signing-key"))
		require.NoError(t, err)
		return s
	}

	_, err = a.ParseToken(sign(ReviewerClaims{
		Role: database.ReviewerRoleReviewer,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "jdoe",
			Issuer:    "someone-else",
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
	}))
	assert.Error(t, err, "wrong issuer")

	_, err = a.ParseToken(sign(ReviewerClaims{
		Role: database.ReviewerRoleReviewer,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "jdoe",
			Issuer:    TokenIssuer,
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(-time.Minute)),
		},
	}))
	assert.Error(t, err, "expired")

	_, err = a.ParseToken(sign(ReviewerClaims{
		Role:             database.ReviewerRoleReviewer,
		RegisteredClaims: jwt.RegisteredClaims{Subject: "jdoe", Issuer: TokenIssuer},
	}))
	assert.Error(t, err, "tokens without expiry are refused")
}

func TestReviewerAuth_Wrap(t *testing.T) {
	a := newTestAuth(t)
	token, err := a.IssueToken(Identity{Username: "jdoe", Role: database.ReviewerRoleReviewer})
	require.NoError(t, err)

	var seen Identity
	handler := a.Wrap(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen, _ = IdentityFromContext(r.Context())
		w.WriteHeader(http.StatusOK)
	}))

	tests := []struct {
		name     string
		path     string
		header   string
		want     int
		wantUser string
	}{
		{"public exact", "/health", "", http.StatusOK, ""},
		{"public prefix", "/auth/login", "", http.StatusOK, ""},
		{"missing token", "/api/alerts/pending", "", http.StatusUnauthorized, ""},
		{"garbage token", "/api/alerts/pending", "Bearer not-a-jwt", http.StatusUnauthorized, ""},
		{"wrong scheme", "/api/alerts/pending", "Basic " + token, http.StatusUnauthorized, ""},
		{"valid token", "/api/alerts/pending", "Bearer " + token, http.StatusOK, "jdoe"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			seen = Identity{}
			req := httptest.NewRequest(http.MethodGet, tt.path, nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			w := httptest.NewRecorder()
			handler.ServeHTTP(w, req)

			assert.Equal(t, tt.want, w.Code)
			assert.Equal(t, tt.wantUser, seen.Username)
			if tt.want == http.StatusUnauthorized {
				assert.Equal(t, `Bearer realm="changeval"`, w.Header().Get("WWW-Authenticate"))
			}
		})
	}
}

func TestRequireDecisionRole(t *testing.T) {
	handler := RequireDecisionRole(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusCreated)
	})

	tests := []struct {
		name string
		id   *Identity
		want int
	}{
		{"reviewer", &Identity{Username: "jdoe", Role: database.ReviewerRoleReviewer}, http.StatusCreated},
		{"observer", &Identity{Username: "shift-lead", Role: database.ReviewerRoleObserver}, http.StatusForbidden},
		{"anonymous", nil, http.StatusUnauthorized},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/api/alerts/1/decision", nil)
			if tt.id != nil {
				req = req.WithContext(WithIdentity(req.Context(), *tt.id))
			}
			w := httptest.NewRecorder()
			handler(w, req)
			assert.Equal(t, tt.want, w.Code)
		})
	}
}
