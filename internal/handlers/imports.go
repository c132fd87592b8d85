package handlers

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/otchange/changeval/internal/api"
	"github.com/otchange/changeval/internal/logger"
	"github.com/otchange/changeval/internal/services"
)

// ExceptionImporter validates an uploaded exception export
type ExceptionImporter interface {
	ImportExceptions(ctx context.Context, r io.Reader) (*services.BatchSummary, error)
}

// PatchUploader loads an uploaded approved-patch export
type PatchUploader interface {
	Import(ctx context.Context, r io.Reader) (int, error)
}

// maxImportSize bounds uploaded CSV exports
const maxImportSize = 32 << 20

// ImportHandler accepts CSV uploads for exceptions and approved patches
type ImportHandler struct {
	exceptions ExceptionImporter
	patches    PatchUploader
}

// NewImportHandler creates a new import handler. Either importer may be nil,
// in which case its route answers 503.
func NewImportHandler(exceptions ExceptionImporter, patches PatchUploader) *ImportHandler {
	return &ImportHandler{exceptions: exceptions, patches: patches}
}

// SetupRoutes sets up import routes
func (h *ImportHandler) SetupRoutes(mux *http.ServeMux) {
	mux.HandleFunc("POST /api/imports/exceptions", h.handleExceptions)
	mux.HandleFunc("POST /api/imports/patches", h.handlePatches)
}

// handleExceptions handles POST /api/imports/exceptions
func (h *ImportHandler) handleExceptions(w http.ResponseWriter, r *http.Request) {
	if h.exceptions == nil {
		api.RespondError(w, http.StatusServiceUnavailable, "Exception import is not available")
		return
	}

	body, err := uploadBody(r)
	if err != nil {
		api.RespondError(w, http.StatusBadRequest, err.Error())
		return
	}
	defer body.Close()

	summary, err := h.exceptions.ImportExceptions(r.Context(), body)
	if err != nil {
		logger.Log().WithError(err).Warn("Rejected exception export")
		api.RespondErrorWithCode(w, http.StatusBadRequest, "invalid_export", err.Error())
		return
	}
	api.RespondJSON(w, http.StatusOK, summary)
}

// handlePatches handles POST /api/imports/patches
func (h *ImportHandler) handlePatches(w http.ResponseWriter, r *http.Request) {
	if h.patches == nil {
		api.RespondError(w, http.StatusServiceUnavailable, "Patch import is not available")
		return
	}

	body, err := uploadBody(r)
	if err != nil {
		api.RespondError(w, http.StatusBadRequest, err.Error())
		return
	}
	defer body.Close()

	n, err := h.patches.Import(r.Context(), body)
	if err != nil {
		logger.Log().WithError(err).Warn("Rejected patch export")
		api.RespondErrorWithCode(w, http.StatusBadRequest, "invalid_export", err.Error())
		return
	}
	api.RespondJSON(w, http.StatusOK, api.PatchImportResponse{Imported: n})
}

// uploadBody returns the CSV payload, either the raw body or the "file"
// part of a multipart form
func uploadBody(r *http.Request) (io.ReadCloser, error) {
	r.Body = http.MaxBytesReader(nil, r.Body, maxImportSize)
	if !strings.HasPrefix(r.Header.Get("Content-Type"), "multipart/form-data") {
		return r.Body, nil
	}
	file, _, err := r.FormFile("file")
	if err != nil {
		return nil, fmt.Errorf("missing file part: %w", err)
	}
	return file, nil
}
