package web

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/kozaktomas/sightline/internal/casework"
	"github.com/kozaktomas/sightline/internal/config"
	"github.com/kozaktomas/sightline/internal/database"
	"github.com/kozaktomas/sightline/internal/logger"
	"github.com/kozaktomas/sightline/internal/storage"
	"github.com/kozaktomas/sightline/internal/web/handlers"
	"github.com/kozaktomas/sightline/internal/web/middleware"
)

// Deps are the collaborators the HTTP API serves.
type Deps struct {
	Repo     database.Repository
	Service  *casework.Service
	Jobs     *handlers.JobManager
	Files    storage.Saver
	Verifier *middleware.Verifier
	// Events streams engine events to admins; nil disables the route.
	Events handlers.Subscriber
	// Metrics serves /metrics; nil disables the route.
	Metrics http.Handler
	Log     *logger.Logger
}

// Server represents the web server
type Server struct {
	deps       Deps
	router     *chi.Mux
	httpServer *http.Server
	log        *logger.Logger
}

// NewServer creates a new web server
func NewServer(cfg *config.WebConfig, deps Deps) *Server {
	r := chi.NewRouter()
	if deps.Log == nil {
		deps.Log = logger.Nop()
	}

	s := &Server{
		deps:   deps,
		router: r,
		log:    deps.Log,
	}

	// Set up middleware stack
	r.Use(chiMiddleware.RequestID)
	r.Use(chiMiddleware.RealIP)
	r.Use(chiMiddleware.Logger)
	r.Use(chiMiddleware.Recoverer)
	r.Use(chiMiddleware.Timeout(5 * time.Minute))
	r.Use(middleware.CORS(cfg.AllowedOrigins))
	r.Use(middleware.SecurityHeaders())

	s.setupRoutes()

	s.httpServer = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Handler:      r,
		ReadTimeout:  5 * time.Minute, // footage uploads
		WriteTimeout: 5 * time.Minute, // Long timeout for SSE
		IdleTimeout:  60 * time.Second,
	}

	return s
}

// Start starts the HTTP server
func (s *Server) Start() error {
	s.log.Info("starting web server", "addr", s.httpServer.Addr)
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("failed to start server: %w", err)
	}
	return nil
}

// Shutdown gracefully shuts down the server, then cancels running analysis
// jobs and waits for them to return.
func (s *Server) Shutdown(ctx context.Context) error {
	s.log.Info("shutting down web server")

	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("shutting down server: %w", err)
	}
	if s.deps.Jobs != nil {
		if err := s.deps.Jobs.Shutdown(ctx); err != nil {
			return fmt.Errorf("stopping analysis jobs: %w", err)
		}
	}
	return nil
}

// Router returns the chi router for testing
func (s *Server) Router() *chi.Mux {
	return s.router
}
