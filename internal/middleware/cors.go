package middleware

import (
	"net/http"
	"strings"

	"github.com/otchange/changeval/internal/api"
)

const (
	corsAllowMethods = "GET, POST"
	corsMaxAge       = "600"
)

// CORSMiddleware lets the review dashboard, served from its own origin,
// call the API with a bearer token
type CORSMiddleware struct {
	origins map[string]bool // nil allows any origin
}

// NewCORSMiddleware creates a new CORS middleware. With no origins every
// origin is allowed.
func NewCORSMiddleware(allowedOrigins ...string) *CORSMiddleware {
	c := &CORSMiddleware{}
	for _, o := range allowedOrigins {
		o = strings.TrimRight(strings.TrimSpace(o), "/")
		if o == "" {
			continue
		}
		if c.origins == nil {
			c.origins = make(map[string]bool)
		}
		c.origins[o] = true
	}
	return c
}

func (c *CORSMiddleware) allows(origin string) bool {
	return c.origins == nil || c.origins[origin]
}

// Wrap answers preflights itself and decorates cross-origin responses.
// A preflight from an origin that is not allowed is refused with 403.
func (c *CORSMiddleware) Wrap(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if origin == "" {
			next.ServeHTTP(w, r)
			return
		}

		h := w.Header()
		h.Add("Vary", "Origin")
		preflight := r.Method == http.MethodOptions && r.Header.Get("Access-Control-Request-Method") != ""

		if !c.allows(origin) {
			if preflight {
				api.RespondError(w, http.StatusForbidden, "Origin not allowed")
				return
			}
			next.ServeHTTP(w, r)
			return
		}

		h.Set("Access-Control-Allow-Origin", origin)
		h.Set("Access-Control-Allow-Credentials", "true")
		h.Set("Access-Control-Expose-Headers", RequestIDHeader)

		if preflight {
			h.Set("Access-Control-Allow-Methods", corsAllowMethods)
			h.Set("Access-Control-Allow-Headers", "Authorization, Content-Type, "+RequestIDHeader)
			h.Set("Access-Control-Max-Age", corsMaxAge)
			w.WriteHeader(http.StatusNoContent)
			return
		}

		next.ServeHTTP(w, r)
	})
}
