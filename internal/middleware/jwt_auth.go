package middleware

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/otchange/changeval/internal/api"
	"github.com/otchange/changeval/internal/database"
	"github.com/otchange/changeval/internal/logger"
	"github.com/sirupsen/logrus"
	"golang.org/x/crypto/bcrypt"
)

// TokenIssuer is the issuer claim on reviewer tokens
const TokenIssuer = "changeval"

// ErrUnknownReviewer marks a token whose account no longer exists or has changed role
var ErrUnknownReviewer = errors.New("token does not match a configured account")

// Identity is the authenticated dashboard account of a request
type Identity struct {
	Username string
	Role     database.ReviewerRole
}

// ReviewerClaims are the JWT claims issued to dashboard accounts
type ReviewerClaims struct {
	Role database.ReviewerRole `json:"role"`
	jwt.RegisteredClaims
}

// Account is one dashboard login
type Account struct {
	Username     string
	PasswordHash string
	Role         database.ReviewerRole
}

// AuthConfig configures ReviewerAuth
type AuthConfig struct {
	Accounts []Account
	Secret   string
	TokenTTL time.Duration
	// PublicPaths bypass authentication; a trailing * matches a prefix
	PublicPaths []string
}

// ReviewerAuth issues and checks reviewer tokens for the review API
type ReviewerAuth struct {
	accounts map[string]Account
	secret   []byte
	ttl      time.Duration
	public   []string
	now      func() time.Time
	// compared against for unknown users so a miss costs one bcrypt round too
	decoyHash []byte
}

type identityKey struct{}

// NewReviewerAuth creates a new reviewer authenticator
func NewReviewerAuth(cfg AuthConfig) *ReviewerAuth {
	a := &ReviewerAuth{
		accounts: make(map[string]Account, len(cfg.Accounts)),
		secret:   []byte(cfg.Secret),
		ttl:      cfg.TokenTTL,
		public:   cfg.PublicPaths,
		now:      time.Now,
	}
	if a.ttl <= 0 {
		a.ttl = 24 * time.Hour
	}
	for _, acc := range cfg.Accounts {
		if acc.Username == "" || !acc.Role.Valid() {
			logger.WithFields(logrus.Fields{"username": acc.Username, "role": acc.Role}).Warn("Skipping invalid dashboard account")
			continue
		}
		a.accounts[acc.Username] = acc
	}
	a.decoyHash, _ = bcrypt.GenerateFromPassword([]byte("decoy"), bcrypt.MinCost)
	return a
}

// HashPassword hashes a password using bcrypt
func HashPassword(password string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	return string(hash), err
}

// Authenticate checks a login and returns the account's identity
func (a *ReviewerAuth) Authenticate(username, password string) (Identity, bool) {
	acc, ok := a.accounts[username]
	if !ok {
		_ = bcrypt.CompareHashAndPassword(a.decoyHash, []byte(password))
		return Identity{}, false
	}
	if bcrypt.CompareHashAndPassword([]byte(acc.PasswordHash), []byte(password)) != nil {
		return Identity{}, false
	}
	return Identity{Username: acc.Username, Role: acc.Role}, true
}

// IssueToken signs a token carrying the identity's name and role
func (a *ReviewerAuth) IssueToken(id Identity) (string, error) {
	now := a.now()
	claims := ReviewerClaims{
		Role: id.Role,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   id.Username,
			Issuer:    TokenIssuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(a.ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(a.secret)
}

// ParseToken verifies a token and resolves it to a current account. Tokens
// of removed accounts or of accounts whose role changed are rejected.
func (a *ReviewerAuth) ParseToken(tokenString string) (Identity, error) {
	claims := &ReviewerClaims{}
	_, err := jwt.ParseWithClaims(tokenString, claims, func(*jwt.Token) (interface{}, error) {
		return a.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(TokenIssuer),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(a.now),
	)
	if err != nil {
		return Identity{}, err
	}

	acc, ok := a.accounts[claims.Subject]
	if !ok || acc.Role != claims.Role {
		return Identity{}, ErrUnknownReviewer
	}
	return Identity{Username: acc.Username, Role: acc.Role}, nil
}

// TokenTTL returns the lifetime of issued tokens
func (a *ReviewerAuth) TokenTTL() time.Duration {
	return a.ttl
}

// Wrap requires a valid bearer token on every non-public path and stores
// the resolved identity on the request context.
func (a *ReviewerAuth) Wrap(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if a.isPublic(r.URL.Path) {
			next.ServeHTTP(w, r)
			return
		}

		token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
		if !ok || token == "" {
			unauthorized(w, "Missing authentication token")
			return
		}

		id, err := a.ParseToken(token)
		if err != nil {
			logger.WithFields(logrus.Fields{
				"remote_addr": r.RemoteAddr,
				"request_id":  GetRequestID(r.Context()),
			}).WithError(err).Warn("Rejected reviewer token")
			unauthorized(w, "Invalid or expired token")
			return
		}

		next.ServeHTTP(w, r.WithContext(WithIdentity(r.Context(), id)))
	})
}

// RequireDecisionRole refuses requests whose identity may not record decisions
func RequireDecisionRole(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := IdentityFromContext(r.Context())
		if !ok {
			unauthorized(w, "Not authenticated")
			return
		}
		if !id.Role.CanDecide() {
			api.RespondErrorWithCode(w, http.StatusForbidden, "role_forbidden", "Role "+string(id.Role)+" may not record decisions")
			return
		}
		next(w, r)
	}
}

func (a *ReviewerAuth) isPublic(path string) bool {
	for _, p := range a.public {
		if prefix, ok := strings.CutSuffix(p, "*"); ok {
			if strings.HasPrefix(path, prefix) {
				return true
			}
		} else if p == path {
			return true
		}
	}
	return false
}

func unauthorized(w http.ResponseWriter, message string) {
	w.Header().Set("WWW-Authenticate", `Bearer realm="changeval"`)
	api.RespondError(w, http.StatusUnauthorized, message)
}

// WithIdentity returns ctx carrying id
func WithIdentity(ctx context.Context, id Identity) context.Context {
	return context.WithValue(ctx, identityKey{}, id)
}

// IdentityFromContext returns the authenticated identity of a request
func IdentityFromContext(ctx context.Context) (Identity, bool) {
	id, ok := ctx.Value(identityKey{}).(Identity)
	return id, ok && id.Username != ""
}
