package handlers

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/kozaktomas/sightline/internal/analysis"
	"github.com/kozaktomas/sightline/internal/casework"
	"github.com/kozaktomas/sightline/internal/constants"
	"github.com/kozaktomas/sightline/internal/database"
	"github.com/kozaktomas/sightline/internal/geo"
	"github.com/kozaktomas/sightline/internal/logger"
	"github.com/kozaktomas/sightline/internal/storage"
	"github.com/kozaktomas/sightline/internal/web/middleware"
)

// CasesHandler handles case endpoints.
type CasesHandler struct {
	repo    database.Repository
	service *casework.Service
	jobs    *JobManager
	files   storage.Saver
	log     *logger.Logger
}

// NewCasesHandler creates a new cases handler.
func NewCasesHandler(repo database.Repository, service *casework.Service, jobs *JobManager, files storage.Saver, log *logger.Logger) *CasesHandler {
	return &CasesHandler{
		repo:    repo,
		service: service,
		jobs:    jobs,
		files:   files,
		log:     log,
	}
}

// CreateCaseRequest is the JSON body of a case submission.
type CreateCaseRequest struct {
	SubjectName         string   `json:"subject_name"`
	Description         string   `json:"description"`
	ClothingDescription string   `json:"clothing_description"`
	LocationText        string   `json:"location_text"`
	Lat                 *float64 `json:"lat"`
	Lon                 *float64 `json:"lon"`
	ReferencePhotos     []string `json:"reference_photos"`
}

func (req *CreateCaseRequest) toCase(ownerID string) *database.Case {
	c := &database.Case{
		OwnerID:             ownerID,
		SubjectName:         req.SubjectName,
		Description:         strings.TrimSpace(req.Description),
		ClothingDescription: strings.TrimSpace(req.ClothingDescription),
		Location:            geo.Location{Text: req.LocationText},
		ReferencePhotos:     req.ReferencePhotos,
	}
	if req.Lat != nil && req.Lon != nil {
		c.Location.Point = &geo.Point{Lat: *req.Lat, Lon: *req.Lon}
	}
	return c
}

// Create submits a new case. The body is JSON, or a multipart form whose
// "photos" files are stored as reference photos.
func (h *CasesHandler) Create(w http.ResponseWriter, r *http.Request) {
	identity := middleware.GetIdentityFromContext(r.Context())

	var req CreateCaseRequest
	if strings.HasPrefix(r.Header.Get("Content-Type"), "multipart/form-data") {
		if !h.parseCaseForm(w, r, &req) {
			return
		}
	} else if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, errInvalidRequestBody)
		return
	}

	c := req.toCase(identity.UserID)
	if err := h.service.Submit(r.Context(), c); err != nil {
		respondServiceError(w, h.log, err)
		return
	}
	respondJSON(w, http.StatusCreated, c)
}

func (h *CasesHandler) parseCaseForm(w http.ResponseWriter, r *http.Request, req *CreateCaseRequest) bool {
	r.Body = http.MaxBytesReader(w, r.Body, constants.MaxReferencePhotoSize*constants.MaxReferencePhotos)
	if err := r.ParseMultipartForm(constants.MaxReferencePhotoSize); err != nil {
		respondError(w, http.StatusBadRequest, "failed to parse form")
		return false
	}

	req.SubjectName = r.FormValue("subject_name")
	req.Description = r.FormValue("description")
	req.ClothingDescription = r.FormValue("clothing_description")
	req.LocationText = r.FormValue("location_text")
	var err error
	if req.Lat, req.Lon, err = parseCoordinates(r.FormValue("lat"), r.FormValue("lon")); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return false
	}

	files := r.MultipartForm.File["photos"]
	if len(files) > constants.MaxReferencePhotos {
		respondError(w, http.StatusBadRequest, fmt.Sprintf("at most %d reference photos", constants.MaxReferencePhotos))
		return false
	}
	for _, fh := range files {
		f, err := fh.Open()
		if err != nil {
			respondError(w, http.StatusBadRequest, "failed to read photo")
			return false
		}
		ref, err := h.files.Save(r.Context(), "reference"+filepath.Ext(fh.Filename), f)
		f.Close()
		if err != nil {
			h.log.Error("saving reference photo failed", "error", err)
			respondError(w, http.StatusInternalServerError, "failed to save photo")
			return false
		}
		req.ReferencePhotos = append(req.ReferencePhotos, ref)
	}
	return true
}

// parseCoordinates parses an optional lat/lon pair. Both or neither must be set.
func parseCoordinates(latStr, lonStr string) (*float64, *float64, error) {
	if latStr == "" && lonStr == "" {
		return nil, nil, nil
	}
	lat, err := strconv.ParseFloat(latStr, 64)
	if err != nil {
		return nil, nil, errors.New("invalid latitude")
	}
	lon, err := strconv.ParseFloat(lonStr, 64)
	if err != nil {
		return nil, nil, errors.New("invalid longitude")
	}
	return &lat, &lon, nil
}

// loadVisibleCase returns the case of the {id} parameter when the caller may
// see it. Cases of other owners are reported as missing.
func (h *CasesHandler) loadVisibleCase(w http.ResponseWriter, r *http.Request) (*database.Case, bool) {
	c, err := h.repo.GetCase(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		respondServiceError(w, h.log, err)
		return nil, false
	}
	identity := middleware.GetIdentityFromContext(r.Context())
	if identity == nil || (!identity.IsAdmin() && identity.UserID != c.OwnerID) {
		respondError(w, http.StatusNotFound, "case not found")
		return nil, false
	}
	return c, true
}

// Get returns one case.
func (h *CasesHandler) Get(w http.ResponseWriter, r *http.Request) {
	c, ok := h.loadVisibleCase(w, r)
	if !ok {
		return
	}
	respondJSON(w, http.StatusOK, c)
}

// List returns cases, optionally filtered by a comma separated status list.
func (h *CasesHandler) List(w http.ResponseWriter, r *http.Request) {
	filter := database.CaseFilter{OwnerID: r.URL.Query().Get("owner")}
	filter.Limit, filter.Offset = pageParams(r)

	if raw := r.URL.Query().Get("status"); raw != "" {
		for s := range strings.SplitSeq(raw, ",") {
			status := database.CaseStatus(strings.TrimSpace(s))
			if !status.Valid() {
				respondError(w, http.StatusBadRequest, "unknown status: "+sanitizeForLog(string(status)))
				return
			}
			filter.Statuses = append(filter.Statuses, status)
		}
	}

	cases, err := h.repo.ListCases(r.Context(), filter)
	if err != nil {
		respondServiceError(w, h.log, err)
		return
	}
	if cases == nil {
		cases = []database.Case{}
	}
	respondJSON(w, http.StatusOK, cases)
}

// Detections returns the detections of a case.
func (h *CasesHandler) Detections(w http.ResponseWriter, r *http.Request) {
	c, ok := h.loadVisibleCase(w, r)
	if !ok {
		return
	}

	filter := database.DetectionFilter{
		CaseID:    c.ID,
		FootageID: r.URL.Query().Get("footage_id"),
	}
	filter.Limit, _ = pageParams(r)
	if raw := r.URL.Query().Get("min_confidence"); raw != "" {
		v, err := strconv.ParseFloat(raw, 64)
		if err != nil || v < 0 || v > 1 {
			respondError(w, http.StatusBadRequest, "min_confidence must be between 0 and 1")
			return
		}
		filter.MinConfidence = v
	}
	filter.VerifiedOnly = r.URL.Query().Get("verified") == "true"

	detections, err := h.repo.ListDetections(r.Context(), filter)
	if err != nil {
		respondServiceError(w, h.log, err)
		return
	}
	if detections == nil {
		detections = []database.Detection{}
	}
	respondJSON(w, http.StatusOK, detections)
}

// Matches returns the location matches of a case.
func (h *CasesHandler) Matches(w http.ResponseWriter, r *http.Request) {
	c, ok := h.loadVisibleCase(w, r)
	if !ok {
		return
	}
	matches, err := h.repo.ListLocationMatches(r.Context(), c.ID)
	if err != nil {
		respondServiceError(w, h.log, err)
		return
	}
	if matches == nil {
		matches = []database.LocationMatch{}
	}
	respondJSON(w, http.StatusOK, matches)
}

// Approve approves a pending case.
func (h *CasesHandler) Approve(w http.ResponseWriter, r *http.Request) {
	identity := middleware.GetIdentityFromContext(r.Context())
	res, err := h.service.Approve(r.Context(), chi.URLParam(r, "id"), identity.UserID)
	if err != nil {
		respondServiceError(w, h.log, err)
		return
	}
	if res.Matches == nil {
		res.Matches = []database.LocationMatch{}
	}
	respondJSON(w, http.StatusOK, res)
}

// RejectRequest is the body of a rejection.
type RejectRequest struct {
	Reason string `json:"reason"`
}

// Reject rejects a pending case.
func (h *CasesHandler) Reject(w http.ResponseWriter, r *http.Request) {
	var req RejectRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, errInvalidRequestBody)
		return
	}
	identity := middleware.GetIdentityFromContext(r.Context())
	c, err := h.service.Reject(r.Context(), chi.URLParam(r, "id"), identity.UserID, req.Reason)
	if err != nil {
		respondServiceError(w, h.log, err)
		return
	}
	respondJSON(w, http.StatusOK, c)
}

// Cancel asks running bulk analysis of a case to stop after the units in
// flight.
func (h *CasesHandler) Cancel(w http.ResponseWriter, r *http.Request) {
	c, err := h.service.Cancel(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		respondServiceError(w, h.log, err)
		return
	}
	respondJSON(w, http.StatusOK, c)
}

// Analyze starts bulk analysis of a processing case.
func (h *CasesHandler) Analyze(w http.ResponseWriter, r *http.Request) {
	caseID := chi.URLParam(r, "id")
	c, err := h.repo.GetCase(r.Context(), caseID)
	if err != nil {
		respondServiceError(w, h.log, err)
		return
	}
	if c.Status != database.StatusProcessing {
		respondServiceError(w, h.log, fmt.Errorf("case %s is %s: %w", caseID, c.Status, analysis.ErrNotProcessing))
		return
	}
	if _, err := h.service.Machine().ClearCancel(r.Context(), caseID); err != nil {
		respondServiceError(w, h.log, err)
		return
	}

	job, err := h.jobs.StartBulk(caseID)
	if err != nil {
		respondServiceError(w, h.log, err)
		return
	}
	respondJSON(w, http.StatusAccepted, map[string]string{
		"job_id": job.ID,
		"status": string(job.GetStatus()),
	})
}

// AssignFootage links footage to a case manually and analyzes that unit.
func (h *CasesHandler) AssignFootage(w http.ResponseWriter, r *http.Request) {
	caseID := chi.URLParam(r, "id")
	footageID := chi.URLParam(r, "footageId")
	identity := middleware.GetIdentityFromContext(r.Context())

	m, err := h.service.AssignManual(r.Context(), caseID, footageID, identity.UserID)
	if err != nil {
		respondServiceError(w, h.log, err)
		return
	}

	job, err := h.jobs.StartUnit(caseID, footageID)
	if err != nil {
		respondServiceError(w, h.log, err)
		return
	}
	respondJSON(w, http.StatusAccepted, map[string]any{
		"job_id": job.ID,
		"match":  m,
	})
}
