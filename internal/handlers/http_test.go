package handlers

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
)

func TestHTTPHandler_handleHealth(t *testing.T) {
	h := NewHTTPHandler(prometheus.NewRegistry())

	tests := []struct {
		name           string
		method         string
		expectedStatus int
	}{
		{"GET returns 200 OK", http.MethodGet, http.StatusOK},
		{"POST returns 405 Method Not Allowed", http.MethodPost, http.StatusMethodNotAllowed},
		{"DELETE returns 405 Method Not Allowed", http.MethodDelete, http.StatusMethodNotAllowed},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(tt.method, "/health", nil)
			w := httptest.NewRecorder()

			h.handleHealth(w, req)

			if w.Code != tt.expectedStatus {
				t.Errorf("handleHealth() status = %d, want %d", w.Code, tt.expectedStatus)
			}
			if tt.expectedStatus != http.StatusOK {
				return
			}
			var response map[string]string
			if err := json.NewDecoder(w.Body).Decode(&response); err != nil {
				t.Fatalf("Failed to decode response: %v", err)
			}
			if response["status"] != "ok" {
				t.Errorf("status = %q, want %q", response["status"], "ok")
			}
			if response["version"] != Version {
				t.Errorf("version = %q, want %q", response["version"], Version)
			}
		})
	}
}

func TestHTTPHandler_Metrics(t *testing.T) {
	registry := prometheus.NewRegistry()
	counter := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "changeval_test_events_total",
		Help: "Test counter",
	})
	registry.MustRegister(counter)
	counter.Add(3)

	mux := http.NewServeMux()
	NewHTTPHandler(registry).SetupRoutes(mux)

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	w := httptest.NewRecorder()
	mux.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("metrics status = %d", w.Code)
	}
	if !strings.Contains(w.Body.String(), "changeval_test_events_total 3") {
		t.Errorf("metrics output missing counter: %s", w.Body.String())
	}
}
