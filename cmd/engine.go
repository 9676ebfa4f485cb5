package cmd

import (
	"context"
	"errors"
	"fmt"

	"github.com/kozaktomas/sightline/internal/analysis"
	"github.com/kozaktomas/sightline/internal/casework"
	"github.com/kozaktomas/sightline/internal/config"
	"github.com/kozaktomas/sightline/internal/database"
	"github.com/kozaktomas/sightline/internal/database/postgres"
	"github.com/kozaktomas/sightline/internal/detect"
	"github.com/kozaktomas/sightline/internal/events"
	"github.com/kozaktomas/sightline/internal/footage"
	"github.com/kozaktomas/sightline/internal/frames"
	"github.com/kozaktomas/sightline/internal/inference"
	"github.com/kozaktomas/sightline/internal/lifecycle"
	"github.com/kozaktomas/sightline/internal/logger"
	"github.com/kozaktomas/sightline/internal/metrics"
	"github.com/kozaktomas/sightline/internal/storage"
	"github.com/prometheus/client_golang/prometheus"
)

// engine holds the wired analysis components shared by the commands.
type engine struct {
	cfg          *config.Config
	log          *logger.Logger
	repo         database.Repository
	files        *storage.Local
	inference    *inference.Client
	metrics      *metrics.Metrics
	broadcaster  *events.Broadcaster
	machine      *lifecycle.Machine
	index        *footage.Index
	orchestrator *analysis.Orchestrator
}

// newEngine loads the configuration, connects to PostgreSQL and wires the
// analysis pipeline. The caller owns the returned logger and must Sync it.
func newEngine(ctx context.Context) (*engine, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}
	if cfg.Database.URL == "" {
		return nil, errors.New("DATABASE_URL environment variable is required")
	}

	log, err := logger.New(cfg.Log.Mode)
	if err != nil {
		return nil, err
	}

	log.Info("connecting to PostgreSQL")
	if err := postgres.Initialize(&cfg.Database); err != nil {
		return nil, fmt.Errorf("failed to initialize PostgreSQL: %w", err)
	}
	repo, err := database.GetRepository(ctx)
	if err != nil {
		return nil, err
	}
	refs, err := database.GetReferenceStore(ctx)
	if err != nil {
		return nil, err
	}

	files, err := storage.NewLocal(cfg.Storage.Root)
	if err != nil {
		return nil, err
	}

	m, err := metrics.New(prometheus.NewRegistry())
	if err != nil {
		return nil, err
	}

	broadcaster := events.NewBroadcaster()
	emitter := events.Multi{events.NewLog(log), broadcaster, m}
	machine := lifecycle.New(repo, emitter, lifecycle.WithMetrics(m))

	client := inference.NewClient(cfg.Inference.URL, cfg.Inference.Timeout)
	log.Info("using inference service", "url", client.BaseURL())
	ensemble := detect.NewEnsemble(log, m,
		detect.NewFace(client),
		detect.NewPose(client),
		detect.NewClothing(),
	)
	subjects := detect.NewReferences(refs, files, client, client, cfg.Analysis.ReferenceCacheTTL, log)

	orchestrator := analysis.New(analysis.Deps{
		Repo:      repo,
		Extractor: frames.NewDecoder(files, cfg.Frames.FFmpegPath, cfg.Frames.MaxWidth),
		Frames:    files,
		Subjects:  subjects,
		Analyzer:  ensemble,
		Machine:   machine,
		Emitter:   emitter,
		Metrics:   m,
		Log:       log,
		Config:    cfg.Analysis,
	})

	return &engine{
		cfg:          cfg,
		log:          log,
		repo:         repo,
		files:        files,
		inference:    client,
		metrics:      m,
		broadcaster:  broadcaster,
		machine:      machine,
		index:        footage.NewIndex(repo, cfg.Analysis.ProximityRadiusKm),
		orchestrator: orchestrator,
	}, nil
}

// service builds the case workflow with the given analysis scheduler.
func (e *engine) service(scheduler analysis.Scheduler) *casework.Service {
	return casework.NewService(e.repo, e.machine, e.index, scheduler, e.log)
}

func (e *engine) close() {
	if pool := postgres.GetGlobalPool(); pool != nil {
		pool.Close()
	}
	e.log.Sync()
}
