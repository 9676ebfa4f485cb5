package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/kozaktomas/sightline/internal/analysis"
	"github.com/kozaktomas/sightline/internal/casework"
	"github.com/kozaktomas/sightline/internal/constants"
	"github.com/kozaktomas/sightline/internal/database"
	"github.com/kozaktomas/sightline/internal/lifecycle"
	"github.com/kozaktomas/sightline/internal/logger"
)

// errInvalidRequestBody is a shared error message for invalid JSON request bodies.
const errInvalidRequestBody = "invalid request body"

// sanitizeForLog removes newlines and carriage returns to prevent log injection.
func sanitizeForLog(s string) string {
	return strings.NewReplacer("\n", "", "\r", "").Replace(s)
}

// respondJSON sends a JSON response.
func respondJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if data != nil {
		json.NewEncoder(w).Encode(data)
	}
}

// respondError sends an error response.
func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, map[string]string{"error": message})
}

// statusForError maps domain errors to HTTP status codes.
func statusForError(err error) int {
	switch {
	case errors.Is(err, database.ErrNotFound), errors.Is(err, analysis.ErrNoMatch):
		return http.StatusNotFound
	case errors.Is(err, lifecycle.ErrInvalidTransition),
		errors.Is(err, analysis.ErrNotProcessing),
		errors.Is(err, casework.ErrCaseClosed):
		return http.StatusConflict
	case errors.Is(err, lifecycle.ErrReasonRequired),
		errors.Is(err, casework.ErrInvalidCase),
		errors.Is(err, casework.ErrFootageDeleted):
		return http.StatusBadRequest
	}
	return http.StatusInternalServerError
}

// respondServiceError sends the error of a domain operation. Messages of
// server errors are logged, not returned.
func respondServiceError(w http.ResponseWriter, log *logger.Logger, err error) {
	status := statusForError(err)
	if status == http.StatusInternalServerError {
		log.Error("request failed", "error", sanitizeForLog(err.Error()))
		respondError(w, status, "internal error")
		return
	}
	respondError(w, status, err.Error())
}

// pageParams reads limit and offset query parameters, clamped to the handler
// page size bounds.
func pageParams(r *http.Request) (limit, offset int) {
	limit = constants.DefaultHandlerPageSize
	if v, err := strconv.Atoi(r.URL.Query().Get("limit")); err == nil && v > 0 {
		limit = min(v, constants.MaxHandlerPageSize)
	}
	if v, err := strconv.Atoi(r.URL.Query().Get("offset")); err == nil && v > 0 {
		offset = v
	}
	return limit, offset
}

// HealthCheck handles the health check endpoint.
func HealthCheck(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{
		"status": "ok",
	})
}
