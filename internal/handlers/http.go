package handlers

import (
	"net/http"

	"github.com/otchange/changeval/internal/api"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Version is reported by the health endpoint
var Version = "dev"

// HTTPHandler serves the unauthenticated operational endpoints
type HTTPHandler struct {
	gatherer prometheus.Gatherer
}

// NewHTTPHandler creates a new HTTP handler exposing metrics from gatherer.
// A nil gatherer uses the default Prometheus registry.
func NewHTTPHandler(gatherer prometheus.Gatherer) *HTTPHandler {
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	return &HTTPHandler{gatherer: gatherer}
}

// SetupRoutes configures the health and metrics routes
func (h *HTTPHandler) SetupRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/health", h.handleHealth)
	mux.Handle("/metrics", promhttp.HandlerFor(h.gatherer, promhttp.HandlerOpts{}))
}

// handleHealth returns a simple health check response
func (h *HTTPHandler) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		api.RespondError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}

	api.RespondJSON(w, http.StatusOK, map[string]string{
		"status":  "ok",
		"version": Version,
	})
}
