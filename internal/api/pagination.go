package api

import (
	"net/http"
	"strconv"
)

const (
	DefaultLimit = 100
	MaxLimit     = 500
)

// ParseLimit extracts the limit query parameter from the request.
// Defaults to 100; values above 500 are capped and invalid values ignored.
func ParseLimit(r *http.Request) int {
	limit := DefaultLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}
	if limit > MaxLimit {
		limit = MaxLimit
	}
	return limit
}
