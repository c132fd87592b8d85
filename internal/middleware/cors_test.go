package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestCORSMiddleware(t *testing.T) {
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusAccepted)
	})

	tests := []struct {
		name       string
		allowed    []string
		method     string
		origin     string
		preflight  bool
		wantStatus int
		wantOrigin string
	}{
		{"allow all", nil, http.MethodGet, "https://dashboard.plant.local", false, http.StatusAccepted, "https://dashboard.plant.local"},
		{"listed origin", []string{"https://dashboard.plant.local/"}, http.MethodGet, "https://dashboard.plant.local", false, http.StatusAccepted, "https://dashboard.plant.local"},
		{"unlisted origin", []string{"https://dashboard.plant.local"}, http.MethodGet, "https://evil.example", false, http.StatusAccepted, ""},
		{"preflight", nil, http.MethodOptions, "https://dashboard.plant.local", true, http.StatusNoContent, "https://dashboard.plant.local"},
		{"unlisted preflight refused", []string{"https://dashboard.plant.local"}, http.MethodOptions, "https://evil.example", true, http.StatusForbidden, ""},
		{"options without preflight headers", nil, http.MethodOptions, "https://dashboard.plant.local", false, http.StatusAccepted, "https://dashboard.plant.local"},
		{"same origin", nil, http.MethodPost, "", false, http.StatusAccepted, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			handler := NewCORSMiddleware(tt.allowed...).Wrap(next)
			req := httptest.NewRequest(tt.method, "/api/alerts/pending", nil)
			if tt.origin != "" {
				req.Header.Set("Origin", tt.origin)
			}
			if tt.preflight {
				req.Header.Set("Access-Control-Request-Method", http.MethodPost)
			}
			w := httptest.NewRecorder()
			handler.ServeHTTP(w, req)

			if w.Code != tt.wantStatus {
				t.Errorf("status = %d, want %d", w.Code, tt.wantStatus)
			}
			if got := w.Header().Get("Access-Control-Allow-Origin"); got != tt.wantOrigin {
				t.Errorf("allow origin = %q, want %q", got, tt.wantOrigin)
			}
			if tt.origin != "" && w.Header().Get("Vary") != "Origin" {
				t.Errorf("cross-origin responses must vary on Origin")
			}
			if tt.wantOrigin != "" && w.Header().Get("Access-Control-Expose-Headers") != RequestIDHeader {
				t.Errorf("request id header should be exposed")
			}
			if tt.preflight && tt.wantOrigin != "" && w.Header().Get("Access-Control-Allow-Methods") != "GET, POST" {
				t.Errorf("allow methods = %q", w.Header().Get("Access-Control-Allow-Methods"))
			}
		})
	}
}
