package web

import (
	"github.com/go-chi/chi/v5"
	"github.com/kozaktomas/sightline/internal/web/handlers"
	"github.com/kozaktomas/sightline/internal/web/middleware"
)

func (s *Server) setupRoutes() {
	d := s.deps
	casesHandler := handlers.NewCasesHandler(d.Repo, d.Service, d.Jobs, d.Files, d.Log)
	footageHandler := handlers.NewFootageHandler(d.Repo, d.Service, d.Files, d.Log)
	detectionsHandler := handlers.NewDetectionsHandler(d.Repo, d.Log)
	jobsHandler := handlers.NewJobsHandler(d.Jobs)
	statsHandler := handlers.NewStatsHandler(d.Repo, d.Jobs, d.Log)

	// Health check and metrics (no auth required)
	s.router.Get("/api/v1/health", handlers.HealthCheck)
	if d.Metrics != nil {
		s.router.Handle("/metrics", d.Metrics)
	}

	s.router.Route("/api/v1", func(r chi.Router) {
		r.Use(middleware.RequireAuth(d.Verifier))

		// Case owners
		r.Post("/cases", casesHandler.Create)
		r.Get("/cases/{id}", casesHandler.Get)
		r.Get("/cases/{id}/detections", casesHandler.Detections)
		r.Get("/cases/{id}/matches", casesHandler.Matches)

		r.Group(func(r chi.Router) {
			r.Use(middleware.RequireAdmin())

			// Review and analysis
			r.Get("/cases", casesHandler.List)
			r.Post("/cases/{id}/approve", casesHandler.Approve)
			r.Post("/cases/{id}/reject", casesHandler.Reject)
			r.Post("/cases/{id}/cancel", casesHandler.Cancel)
			r.Post("/cases/{id}/analyze", casesHandler.Analyze)
			r.Post("/cases/{id}/footage/{footageId}", casesHandler.AssignFootage)

			// Jobs (long-running operations)
			r.Get("/jobs", jobsHandler.List)
			r.Get("/jobs/{jobId}", jobsHandler.Get)
			r.Get("/jobs/{jobId}/events", jobsHandler.Events)
			r.Delete("/jobs/{jobId}", jobsHandler.Cancel)

			// Footage
			r.Post("/footage", footageHandler.Upload)
			r.Get("/footage", footageHandler.List)
			r.Delete("/footage/{id}", footageHandler.Delete)

			r.Put("/detections/{id}/verify", detectionsHandler.Verify)
			r.Get("/stats", statsHandler.Get)
			if d.Events != nil {
				r.Get("/events", handlers.EngineEvents(d.Events))
			}
		})
	})
}
