package api

import (
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestParseLimit(t *testing.T) {
	tests := []struct {
		query string
		want  int
	}{
		{"", DefaultLimit},
		{"?limit=25", 25},
		{"?limit=5000", MaxLimit},
		{"?limit=0", DefaultLimit},
		{"?limit=-3", DefaultLimit},
		{"?limit=lots", DefaultLimit},
	}

	for _, tt := range tests {
		t.Run(tt.query, func(t *testing.T) {
			r := httptest.NewRequest(http.MethodGet, "/api/alerts/pending"+tt.query, nil)
			if got := ParseLimit(r); got != tt.want {
				t.Errorf("ParseLimit(%q) = %d, want %d", tt.query, got, tt.want)
			}
		})
	}
}
