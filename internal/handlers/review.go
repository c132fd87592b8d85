package handlers

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/otchange/changeval/internal/api"
	"github.com/otchange/changeval/internal/database"
	"github.com/otchange/changeval/internal/logger"
	"github.com/otchange/changeval/internal/middleware"
	"github.com/otchange/changeval/internal/services"
)

// ReviewQueue is the read side of the review dashboard
type ReviewQueue interface {
	GetAlert(ctx context.Context, id uint) (*database.Alert, error)
	GetPendingAlerts(ctx context.Context, limit int) ([]database.Alert, error)
	GetMetrics(ctx context.Context, now time.Time) (*database.Metrics, error)
	GetSyncStatus(ctx context.Context) ([]database.SyncStatus, error)
}

// DecisionRecorder records and lists validation decisions
type DecisionRecorder interface {
	Decide(ctx context.Context, alertID uint, status database.ValidationStatus, reviewer services.Reviewer, notes string) (*database.Validation, error)
	History(ctx context.Context, alertID uint) ([]database.Validation, error)
}

// ReviewHandler serves the pending queue and manual decisions
type ReviewHandler struct {
	queue    ReviewQueue
	reviewer DecisionRecorder
	now      func() time.Time
}

// NewReviewHandler creates a new review handler
func NewReviewHandler(queue ReviewQueue, reviewer DecisionRecorder) *ReviewHandler {
	return &ReviewHandler{queue: queue, reviewer: reviewer, now: time.Now}
}

// SetupRoutes sets up review routes
func (h *ReviewHandler) SetupRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/alerts/pending", h.handlePending)
	mux.HandleFunc("GET /api/alerts/{id}/validations", h.handleHistory)
	mux.HandleFunc("POST /api/alerts/{id}/decision", middleware.RequireDecisionRole(h.handleDecision))
	mux.HandleFunc("GET /api/summary", h.handleSummary)
}

// handlePending handles GET /api/alerts/pending
func (h *ReviewHandler) handlePending(w http.ResponseWriter, r *http.Request) {
	limit := api.ParseLimit(r)
	alerts, err := h.queue.GetPendingAlerts(r.Context(), limit)
	if err != nil {
		logger.Log().WithError(err).Error("Failed to load pending alerts")
		api.RespondError(w, http.StatusInternalServerError, "Failed to load pending alerts")
		return
	}

	api.RespondJSON(w, http.StatusOK, api.PendingAlertsResponse{
		Alerts: api.AlertsToListItems(alerts),
		Count:  len(alerts),
		Limit:  limit,
	})
}

// handleHistory handles GET /api/alerts/{id}/validations
func (h *ReviewHandler) handleHistory(w http.ResponseWriter, r *http.Request) {
	id, err := api.PathID(r, "id")
	if err != nil {
		api.RespondError(w, http.StatusBadRequest, err.Error())
		return
	}

	alert, err := h.queue.GetAlert(r.Context(), id)
	if err != nil {
		h.respondLookupError(w, err)
		return
	}
	history, err := h.reviewer.History(r.Context(), id)
	if err != nil {
		h.respondLookupError(w, err)
		return
	}
	if history == nil {
		history = []database.Validation{}
	}

	api.RespondJSON(w, http.StatusOK, api.ValidationHistoryResponse{
		Alert:       api.AlertToListItem(*alert),
		Validations: history,
	})
}

// handleDecision handles POST /api/alerts/{id}/decision
func (h *ReviewHandler) handleDecision(w http.ResponseWriter, r *http.Request) {
	id, err := api.PathID(r, "id")
	if err != nil {
		api.RespondError(w, http.StatusBadRequest, err.Error())
		return
	}

	var req api.DecisionRequest
	if err := api.DecodeJSON(r, &req); err != nil {
		api.RespondError(w, http.StatusBadRequest, err.Error())
		return
	}
	if errs := api.Validate(req); errs != nil {
		api.RespondValidationError(w, errs)
		return
	}

	who, _ := middleware.IdentityFromContext(r.Context())
	reviewer := services.Reviewer{Username: who.Username, Role: who.Role}
	v, err := h.reviewer.Decide(r.Context(), id, database.ValidationStatus(req.Status), reviewer, req.Notes)
	switch {
	case errors.Is(err, services.ErrInvalidDecision):
		api.RespondErrorWithCode(w, http.StatusBadRequest, "invalid_decision", err.Error())
		return
	case errors.Is(err, services.ErrDecisionNotPermitted):
		api.RespondErrorWithCode(w, http.StatusForbidden, "role_forbidden", err.Error())
		return
	case err != nil:
		h.respondLookupError(w, err)
		return
	}

	api.RespondJSON(w, http.StatusCreated, v)
}

// handleSummary handles GET /api/summary
func (h *ReviewHandler) handleSummary(w http.ResponseWriter, r *http.Request) {
	m, err := h.queue.GetMetrics(r.Context(), h.now())
	if err != nil {
		logger.Log().WithError(err).Error("Failed to compute metrics")
		api.RespondError(w, http.StatusInternalServerError, "Failed to compute metrics")
		return
	}
	sync, err := h.queue.GetSyncStatus(r.Context())
	if err != nil {
		logger.Log().WithError(err).Error("Failed to load sync status")
		api.RespondError(w, http.StatusInternalServerError, "Failed to load sync status")
		return
	}
	if sync == nil {
		sync = []database.SyncStatus{}
	}

	api.RespondJSON(w, http.StatusOK, api.SummaryResponse{Metrics: m, Sync: sync})
}

func (h *ReviewHandler) respondLookupError(w http.ResponseWriter, err error) {
	if errors.Is(err, database.ErrNotFound) {
		api.RespondError(w, http.StatusNotFound, "Alert not found")
		return
	}
	logger.Log().WithError(err).Error("Review lookup failed")
	api.RespondError(w, http.StatusInternalServerError, "Internal server error")
}
