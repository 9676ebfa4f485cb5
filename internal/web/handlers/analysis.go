package handlers

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/kozaktomas/sightline/internal/events"
)

// JobsHandler exposes analysis jobs.
type JobsHandler struct {
	jobs *JobManager
}

// NewJobsHandler creates a new jobs handler.
func NewJobsHandler(jobs *JobManager) *JobsHandler {
	return &JobsHandler{jobs: jobs}
}

// List returns every known job.
func (h *JobsHandler) List(w http.ResponseWriter, _ *http.Request) {
	jobs := h.jobs.ListJobs()
	snapshots := make([]JobSnapshot, 0, len(jobs))
	for _, job := range jobs {
		snapshots = append(snapshots, job.Snapshot())
	}
	respondJSON(w, http.StatusOK, snapshots)
}

// Get returns the status of one job.
func (h *JobsHandler) Get(w http.ResponseWriter, r *http.Request) {
	job := h.jobs.GetJob(chi.URLParam(r, "jobId"))
	if job == nil {
		respondError(w, http.StatusNotFound, "job not found")
		return
	}
	respondJSON(w, http.StatusOK, job.Snapshot())
}

// Events streams job progress via SSE.
func (h *JobsHandler) Events(w http.ResponseWriter, r *http.Request) {
	streamSSEEvents(w, r,
		func(id string) SSEJob {
			if job := h.jobs.GetJob(id); job != nil {
				return job
			}
			return nil
		},
		func(j SSEJob) any { return j.(*AnalysisJob).Snapshot() },
	)
}

// Cancel cancels a running job, or forgets a finished one.
func (h *JobsHandler) Cancel(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "jobId")
	job := h.jobs.GetJob(id)
	if job == nil {
		respondError(w, http.StatusNotFound, "job not found")
		return
	}
	if isJobTerminal(job.GetStatus()) {
		h.jobs.DeleteJob(id)
		w.WriteHeader(http.StatusNoContent)
		return
	}
	job.Cancel()
	respondJSON(w, http.StatusOK, job.Snapshot())
}

// Subscriber hands out engine event subscriptions.
type Subscriber interface {
	Subscribe() (<-chan events.Event, func())
}

// EngineEvents streams case and detection events via SSE until the client
// goes away.
func EngineEvents(sub Subscriber) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		flusher, ok := w.(http.Flusher)
		if !ok {
			respondError(w, http.StatusInternalServerError, "streaming not supported")
			return
		}
		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")
		w.Header().Set("Connection", "keep-alive")

		ch, unsubscribe := sub.Subscribe()
		defer unsubscribe()
		flusher.Flush()

		for {
			select {
			case <-r.Context().Done():
				return
			case e, ok := <-ch:
				if !ok {
					return
				}
				sendSSEEvent(w, flusher, string(e.Kind), e)
			}
		}
	}
}
