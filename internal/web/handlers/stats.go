package handlers

import (
	"net/http"
	"sync"
	"time"

	"github.com/kozaktomas/sightline/internal/database"
	"github.com/kozaktomas/sightline/internal/logger"
)

const statsCacheTTL = 30 * time.Second

// statsCache holds cached stats with expiry
type statsCache struct {
	mu        sync.RWMutex
	data      *StatsResponse
	expiresAt time.Time
}

func (c *statsCache) get(now time.Time) (*StatsResponse, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.data == nil || now.After(c.expiresAt) {
		return nil, false
	}
	return c.data, true
}

func (c *statsCache) set(data *StatsResponse, now time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.data = data
	c.expiresAt = now.Add(statsCacheTTL)
}

// StatsHandler handles statistics endpoints
type StatsHandler struct {
	repo  database.Repository
	jobs  *JobManager
	log   *logger.Logger
	cache statsCache
	now   func() time.Time
}

// NewStatsHandler creates a new stats handler
func NewStatsHandler(repo database.Repository, jobs *JobManager, log *logger.Logger) *StatsHandler {
	return &StatsHandler{repo: repo, jobs: jobs, log: log, now: time.Now}
}

// StatsResponse represents the stats response
type StatsResponse struct {
	Cases              map[database.CaseStatus]int `json:"cases"`
	TotalCases         int                         `json:"total_cases"`
	ActiveFootage      int                         `json:"active_footage"`
	Detections         int                         `json:"detections"`
	VerifiedDetections int                         `json:"verified_detections"`
	RunningJobs        int                         `json:"running_jobs"`
}

// Get returns case and detection counts. Counts are cached briefly; the
// running job count is always current.
func (h *StatsHandler) Get(w http.ResponseWriter, r *http.Request) {
	now := h.now()
	cached, ok := h.cache.get(now)
	if !ok {
		stats, err := h.compute(r)
		if err != nil {
			respondServiceError(w, h.log, err)
			return
		}
		h.cache.set(stats, now)
		cached = stats
	}

	resp := *cached
	resp.RunningJobs = 0
	for _, job := range h.jobs.ListJobs() {
		if !isJobTerminal(job.GetStatus()) {
			resp.RunningJobs++
		}
	}
	respondJSON(w, http.StatusOK, resp)
}

func (h *StatsHandler) compute(r *http.Request) (*StatsResponse, error) {
	ctx := r.Context()
	cases, err := h.repo.ListCases(ctx, database.CaseFilter{})
	if err != nil {
		return nil, err
	}
	footage, err := h.repo.ListFootage(ctx, database.FootageFilter{ActiveOnly: true})
	if err != nil {
		return nil, err
	}
	detections, err := h.repo.ListDetections(ctx, database.DetectionFilter{})
	if err != nil {
		return nil, err
	}

	stats := &StatsResponse{
		Cases:         make(map[database.CaseStatus]int),
		TotalCases:    len(cases),
		ActiveFootage: len(footage),
		Detections:    len(detections),
	}
	for _, c := range cases {
		stats.Cases[c.Status]++
	}
	for _, d := range detections {
		if d.Verified {
			stats.VerifiedDetections++
		}
	}
	return stats, nil
}
