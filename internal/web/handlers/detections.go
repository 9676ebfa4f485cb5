package handlers

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/kozaktomas/sightline/internal/database"
	"github.com/kozaktomas/sightline/internal/logger"
	"github.com/kozaktomas/sightline/internal/web/middleware"
)

// DetectionsHandler handles detection review.
type DetectionsHandler struct {
	repo database.Repository
	log  *logger.Logger
	now  func() time.Time
}

// NewDetectionsHandler creates a new detections handler.
func NewDetectionsHandler(repo database.Repository, log *logger.Logger) *DetectionsHandler {
	return &DetectionsHandler{repo: repo, log: log, now: time.Now}
}

// VerifyRequest is the body of a verification.
type VerifyRequest struct {
	Notes string `json:"notes"`
}

// Verify marks a detection as confirmed by an admin. Verification survives
// later re-analysis of the same frame.
func (h *DetectionsHandler) Verify(w http.ResponseWriter, r *http.Request) {
	var req VerifyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		respondError(w, http.StatusBadRequest, errInvalidRequestBody)
		return
	}

	d, err := h.repo.GetDetection(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		respondServiceError(w, h.log, err)
		return
	}

	now := h.now()
	d.Verified = true
	d.VerifiedBy = middleware.GetIdentityFromContext(r.Context()).UserID
	d.VerifiedAt = &now
	d.Notes = strings.TrimSpace(req.Notes)

	if err := h.repo.SaveDetection(r.Context(), d); err != nil {
		respondServiceError(w, h.log, err)
		return
	}
	h.log.Info("detection verified", "detection_id", d.ID, "case_id", d.CaseID, "admin_id", d.VerifiedBy)
	respondJSON(w, http.StatusOK, d)
}
