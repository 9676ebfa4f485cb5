package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/kozaktomas/sightline/internal/web"
	"github.com/kozaktomas/sightline/internal/web/handlers"
	"github.com/kozaktomas/sightline/internal/web/middleware"
	"github.com/spf13/cobra"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the API server",
	Long: `Start the Sightline HTTP API.
Case owners submit cases and follow their detections; admins review cases,
upload footage and run analysis jobs.`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().Int("port", 0, "Port to listen on (overrides WEB_PORT)")
	serveCmd.Flags().String("host", "", "Host to bind to (overrides WEB_HOST)")
	serveCmd.Flags().Int("concurrency", 0, "Footage items analyzed in parallel per job")
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx := commandContext(cmd)

	e, err := newEngine(ctx)
	if err != nil {
		return err
	}
	defer e.close()

	if e.cfg.Auth.JWTSecret == "" {
		return errors.New("AUTH_JWT_SECRET environment variable is required")
	}
	if port := mustGetInt(cmd, "port"); port > 0 {
		e.cfg.Web.Port = port
	}
	if host := mustGetString(cmd, "host"); host != "" {
		e.cfg.Web.Host = host
	}

	healthCtx, cancelHealth := context.WithTimeout(ctx, 5*time.Second)
	if err := e.inference.Health(healthCtx); err != nil {
		e.log.Warn("inference service unavailable, face and pose scores will be missing", "error", err)
	}
	cancelHealth()

	jobs := handlers.NewJobManager(e.orchestrator, mustGetInt(cmd, "concurrency"), e.log)
	server := web.NewServer(&e.cfg.Web, web.Deps{
		Repo:     e.repo,
		Service:  e.service(jobs),
		Jobs:     jobs,
		Files:    e.files,
		Verifier: middleware.NewVerifier(e.cfg.Auth.JWTSecret),
		Events:   e.broadcaster,
		Metrics:  e.metrics.Handler(),
		Log:      e.log,
	})

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	go func() {
		<-sigChan
		fmt.Println("\nShutting down...")

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer shutdownCancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			e.log.Error("error during shutdown", "error", err)
		}
	}()

	fmt.Printf("Starting Sightline API on http://%s:%d\n", e.cfg.Web.Host, e.cfg.Web.Port)
	fmt.Println("Press Ctrl+C to stop")

	if err := server.Start(); err != nil {
		return fmt.Errorf("starting server: %w", err)
	}
	return nil
}
