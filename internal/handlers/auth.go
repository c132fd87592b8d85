package handlers

import (
	"net/http"

	"github.com/otchange/changeval/internal/api"
	"github.com/otchange/changeval/internal/logger"
	"github.com/otchange/changeval/internal/middleware"
	"github.com/sirupsen/logrus"
)

// AuthHandler handles authentication endpoints
type AuthHandler struct {
	auth *middleware.ReviewerAuth
}

// NewAuthHandler creates a new authentication handler
func NewAuthHandler(auth *middleware.ReviewerAuth) *AuthHandler {
	return &AuthHandler{
		auth: auth,
	}
}

// SetupRoutes sets up authentication routes
func (h *AuthHandler) SetupRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/auth/login", h.handleLogin)
	mux.HandleFunc("/auth/verify", h.handleVerify)
}

// handleLogin handles POST /auth/login
func (h *AuthHandler) handleLogin(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		api.RespondError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}

	var req api.LoginRequest
	if err := api.DecodeJSON(r, &req); err != nil {
		api.RespondError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	if req.Username == "" || req.Password == "" {
		api.RespondError(w, http.StatusBadRequest, "Username and password are required")
		return
	}

	log := logger.WithFields(logrus.Fields{
		"username":    req.Username,
		"remote_addr": r.RemoteAddr,
	})

	id, ok := h.auth.Authenticate(req.Username, req.Password)
	if !ok {
		log.Warn("Failed login attempt")
		api.RespondError(w, http.StatusUnauthorized, "Invalid username or password")
		return
	}

	token, err := h.auth.IssueToken(id)
	if err != nil {
		log.WithError(err).Error("Failed to generate token")
		api.RespondError(w, http.StatusInternalServerError, "Failed to generate token")
		return
	}

	log.WithField("role", id.Role).Info("Reviewer logged in")

	api.RespondJSON(w, http.StatusOK, api.LoginResponse{
		Token:     token,
		Username:  id.Username,
		Role:      string(id.Role),
		ExpiresIn: int(h.auth.TokenTTL().Seconds()),
	})
}

// handleVerify handles GET /auth/verify - verifies if the current token is valid
func (h *AuthHandler) handleVerify(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		api.RespondError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}

	id, ok := middleware.IdentityFromContext(r.Context())
	if !ok {
		api.RespondError(w, http.StatusUnauthorized, "Not authenticated")
		return
	}

	api.RespondJSON(w, http.StatusOK, map[string]interface{}{
		"valid":      true,
		"username":   id.Username,
		"role":       id.Role,
		"can_decide": id.Role.CanDecide(),
	})
}
