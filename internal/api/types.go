package api

import (
	"time"

	"github.com/otchange/changeval/internal/database"
)

// ========== Auth Types ==========

// LoginRequest is the request body for POST /auth/login.
type LoginRequest struct {
	Username string `json:"username" validate:"required,max=128"`
	Password string `json:"password" validate:"required"`
}

// LoginResponse is the response body for POST /auth/login.
type LoginResponse struct {
	Token     string `json:"token"`
	Username  string `json:"username"`
	Role      string `json:"role"`
	ExpiresIn int    `json:"expires_in"` // seconds
}

// ========== Alert Types ==========

// AlertListItem is the compact form of an alert in the pending queue.
// It omits the raw payload.
type AlertListItem struct {
	ID             uint                 `json:"id"`
	AlertID        string               `json:"alert_id"`
	SourceType     database.SourceType  `json:"source_type"`
	AssetName      string               `json:"asset_name"`
	ChangeCategory string               `json:"change_category"`
	ChangeAction   string               `json:"change_action,omitempty"`
	ChangeDetail   string               `json:"change_detail"`
	Severity       int                  `json:"severity"`
	DetectedAt     time.Time            `json:"detected_at"`
	Status         database.AlertStatus `json:"status"`
	TicketIDs      []string             `json:"ticket_ids,omitempty"`
	PatchIDs       []string             `json:"patch_ids,omitempty"`
	Details        database.JSONB       `json:"details,omitempty"`
}

// PendingAlertsResponse is the response body for GET /api/alerts/pending.
type PendingAlertsResponse struct {
	Alerts []AlertListItem `json:"alerts"`
	Count  int             `json:"count"`
	Limit  int             `json:"limit"`
}

// ValidationHistoryResponse is the response body for GET /api/alerts/{id}/validations.
type ValidationHistoryResponse struct {
	Alert       AlertListItem         `json:"alert"`
	Validations []database.Validation `json:"validations"`
}

// DecisionRequest is the request body for POST /api/alerts/{id}/decision.
type DecisionRequest struct {
	Status string `json:"status" validate:"required,decision"`
	Notes  string `json:"notes" validate:"omitempty,max=2000"`
}

// ========== Import Types ==========

// PatchImportResponse is the response body for POST /api/imports/patches.
type PatchImportResponse struct {
	Imported int `json:"imported"`
}

// ========== Summary Types ==========

// SummaryResponse is the response body for GET /api/summary.
type SummaryResponse struct {
	Metrics *database.Metrics     `json:"metrics"`
	Sync    []database.SyncStatus `json:"sync_status"`
}
