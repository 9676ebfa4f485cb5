package handlers

import (
	"net/http"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/kozaktomas/sightline/internal/casework"
	"github.com/kozaktomas/sightline/internal/constants"
	"github.com/kozaktomas/sightline/internal/database"
	"github.com/kozaktomas/sightline/internal/geo"
	"github.com/kozaktomas/sightline/internal/logger"
	"github.com/kozaktomas/sightline/internal/storage"
	"github.com/kozaktomas/sightline/internal/web/middleware"
)

// multipartMemory is the part of a multipart form kept in memory; the rest
// spills to temporary files.
const multipartMemory = 32 << 20

// FootageHandler handles footage endpoints.
type FootageHandler struct {
	repo    database.Repository
	service *casework.Service
	files   storage.Saver
	log     *logger.Logger
}

// NewFootageHandler creates a new footage handler.
func NewFootageHandler(repo database.Repository, service *casework.Service, files storage.Saver, log *logger.Logger) *FootageHandler {
	return &FootageHandler{
		repo:    repo,
		service: service,
		files:   files,
		log:     log,
	}
}

// UploadResponse is returned after a footage upload.
type UploadResponse struct {
	Footage *database.Footage        `json:"footage"`
	Matches []database.LocationMatch `json:"matches"`
}

// Upload stores a footage file with its metadata and links it to open cases.
func (h *FootageHandler) Upload(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, constants.MaxUploadSize)
	if err := r.ParseMultipartForm(multipartMemory); err != nil {
		respondError(w, http.StatusBadRequest, "failed to parse form")
		return
	}
	defer r.MultipartForm.RemoveAll()

	f, problem := footageFromForm(r)
	if problem != "" {
		respondError(w, http.StatusBadRequest, problem)
		return
	}
	f.UploaderID = middleware.GetIdentityFromContext(r.Context()).UserID

	file, header, err := r.FormFile("file")
	if err != nil {
		respondError(w, http.StatusBadRequest, "file is required")
		return
	}
	defer file.Close()
	if f.Title == "" {
		f.Title = strings.TrimSuffix(filepath.Base(header.Filename), filepath.Ext(header.Filename))
	}

	f.StorageRef, err = h.files.Save(r.Context(), "footage"+filepath.Ext(header.Filename), file)
	if err != nil {
		h.log.Error("saving footage file failed", "error", err)
		respondError(w, http.StatusInternalServerError, "failed to save file")
		return
	}
	if err := h.repo.SaveFootage(r.Context(), f); err != nil {
		respondServiceError(w, h.log, err)
		return
	}
	h.log.Info("footage uploaded", "footage_id", f.ID, "location", sanitizeForLog(f.Location.Text), "auto_analyze", f.AutoAnalyze)

	matches, err := h.service.OnFootageUploaded(r.Context(), f)
	if err != nil {
		respondServiceError(w, h.log, err)
		return
	}
	if matches == nil {
		matches = []database.LocationMatch{}
	}
	respondJSON(w, http.StatusCreated, UploadResponse{Footage: f, Matches: matches})
}

// footageFromForm reads footage metadata from form fields. A non-empty
// problem describes the first invalid field.
func footageFromForm(r *http.Request) (*database.Footage, string) {
	f := &database.Footage{
		Title:    strings.TrimSpace(r.FormValue("title")),
		Location: geo.Location{Text: strings.TrimSpace(r.FormValue("location_text"))},
		Quality:  database.QualityHD,
	}

	lat, lon, err := parseCoordinates(r.FormValue("lat"), r.FormValue("lon"))
	if err != nil {
		return nil, err.Error()
	}
	if lat != nil {
		f.Location.Point = &geo.Point{Lat: *lat, Lon: *lon}
		if !f.Location.Point.Valid() {
			return nil, "coordinates are out of range"
		}
	}
	if f.Location.Text == "" && f.Location.Point == nil {
		return nil, "location_text or coordinates are required"
	}

	if raw := r.FormValue("duration"); raw != "" {
		if f.Duration, err = strconv.ParseFloat(raw, 64); err != nil || f.Duration < 0 {
			return nil, "invalid duration"
		}
	}
	if raw := r.FormValue("fps"); raw != "" {
		if f.FPS, err = strconv.ParseFloat(raw, 64); err != nil || f.FPS < 0 {
			return nil, "invalid fps"
		}
	}
	if raw := r.FormValue("quality"); raw != "" {
		q, ok := database.ParseQuality(raw)
		if !ok {
			return nil, "invalid quality"
		}
		f.Quality = q
	}
	if raw := r.FormValue("auto_analyze"); raw != "" {
		if f.AutoAnalyze, err = strconv.ParseBool(raw); err != nil {
			return nil, "invalid auto_analyze"
		}
	}
	return f, ""
}

// List returns footage, newest first.
func (h *FootageHandler) List(w http.ResponseWriter, r *http.Request) {
	filter := database.FootageFilter{
		ActiveOnly: r.URL.Query().Get("include_deleted") != "true",
		UploaderID: r.URL.Query().Get("uploader"),
	}
	filter.Limit, _ = pageParams(r)

	items, err := h.repo.ListFootage(r.Context(), filter)
	if err != nil {
		respondServiceError(w, h.log, err)
		return
	}
	if items == nil {
		items = []database.Footage{}
	}
	respondJSON(w, http.StatusOK, items)
}

// Delete soft-deletes footage and drops its location matches.
func (h *FootageHandler) Delete(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := h.repo.DeleteFootage(r.Context(), id); err != nil {
		respondServiceError(w, h.log, err)
		return
	}
	h.log.Info("footage deleted", "footage_id", id)
	w.WriteHeader(http.StatusNoContent)
}
