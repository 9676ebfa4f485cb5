// Package analysis runs cases against their candidate footage.
//
// A unit is one (case, footage) pair: the footage is sampled, every frame is
// scored by the detector ensemble, scores are fused and accepted detections
// stored. Units are synchronous and idempotent; callers decide how many run in
// parallel.
package analysis

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/kozaktomas/sightline/internal/config"
	"github.com/kozaktomas/sightline/internal/database"
	"github.com/kozaktomas/sightline/internal/detect"
	"github.com/kozaktomas/sightline/internal/events"
	"github.com/kozaktomas/sightline/internal/frames"
	"github.com/kozaktomas/sightline/internal/fusion"
	"github.com/kozaktomas/sightline/internal/lifecycle"
	"github.com/kozaktomas/sightline/internal/logger"
	"github.com/kozaktomas/sightline/internal/metrics"
	"github.com/kozaktomas/sightline/internal/sampler"
	"github.com/kozaktomas/sightline/internal/storage"
)

var (
	// ErrNotProcessing is returned when analysis is requested for a case that
	// is not in the processing state.
	ErrNotProcessing = errors.New("case is not processing")
	// ErrNoMatch is returned when a footage item is not linked to the case.
	ErrNoMatch = errors.New("footage is not matched to the case")
)

// Analyzer scores a frame against a subject.
type Analyzer interface {
	Analyze(ctx context.Context, frame *frames.Frame, s *detect.Subject) detect.Result
}

// SubjectLoader builds the subject of a case.
type SubjectLoader interface {
	Subject(ctx context.Context, c *database.Case) (*detect.Subject, error)
}

// Deps are the collaborators of an Orchestrator.
type Deps struct {
	Repo      database.Repository
	Extractor frames.Extractor
	// Frames stores the image of each accepted detection; nil skips it.
	Frames    storage.Saver
	Subjects  SubjectLoader
	Analyzer  Analyzer
	Machine   *lifecycle.Machine
	Emitter   events.Emitter
	Metrics   *metrics.Metrics
	Log       *logger.Logger
	Config    config.AnalysisConfig
}

// Orchestrator runs analysis units and bulk runs.
type Orchestrator struct {
	repo      database.Repository
	extractor frames.Extractor
	frames    storage.Saver
	subjects  SubjectLoader
	analyzer  Analyzer
	fusion    *fusion.Aggregator
	machine   *lifecycle.Machine
	emitter   events.Emitter
	metrics   *metrics.Metrics
	log       *logger.Logger

	budget int
	retry  RetryPolicy
	sleep  func(ctx context.Context, d time.Duration) error
	now    func() time.Time
}

// New creates an orchestrator.
func New(d Deps) *Orchestrator {
	if d.Emitter == nil {
		d.Emitter = events.Nop()
	}
	if d.Log == nil {
		d.Log = logger.Nop()
	}
	return &Orchestrator{
		repo:      d.Repo,
		extractor: d.Extractor,
		frames:    d.Frames,
		subjects:  d.Subjects,
		analyzer:  d.Analyzer,
		fusion:    fusion.FromConfig(&d.Config),
		machine:   d.Machine,
		emitter:   d.Emitter,
		metrics:   d.Metrics,
		log:       d.Log,
		budget:    d.Config.MaxFrameSamples,
		retry: RetryPolicy{
			Limit:      d.Config.RetryLimit,
			MinBackoff: d.Config.RetryBaseDelay,
			MaxBackoff: d.Config.RetryMaxDelay,
		},
		sleep: sleepContext,
		now:   time.Now,
	}
}

// UnitResult summarizes one analysis unit.
type UnitResult struct {
	CaseID         string               `json:"case_id"`
	FootageID      string               `json:"footage_id"`
	Status         database.MatchStatus `json:"status"`
	Attempts       int                  `json:"attempts"`
	FramesSampled  int                  `json:"frames_sampled"`
	FramesScored   int                  `json:"frames_scored"`
	FramesSkipped  int                  `json:"frames_skipped"`
	Detections     int                  `json:"detections"`
	BestConfidence float64              `json:"best_confidence"`
	Error          string               `json:"error,omitempty"`
	AlreadyDone    bool                 `json:"already_done,omitempty"`
	CaseCompleted  bool                 `json:"case_completed"`
	Duration       time.Duration        `json:"duration"`
}

// Progress is reported after each footage item of a bulk run.
type Progress struct {
	CaseID     string      `json:"case_id"`
	ItemsTotal int         `json:"items_total"`
	ItemsDone  int         `json:"items_done"`
	Last       *UnitResult `json:"last,omitempty"`
}

// BulkResult summarizes a bulk run.
type BulkResult struct {
	CaseID        string       `json:"case_id"`
	ItemsTotal    int          `json:"items_total"`
	ItemsDone     int          `json:"items_done"`
	Detections    int          `json:"detections"`
	Failed        int          `json:"failed"`
	Cancelled     bool         `json:"cancelled"`
	CaseCompleted bool         `json:"case_completed"`
	Units         []UnitResult `json:"units"`
}

// RunUnit analyzes one footage item for a processing case, then tries to
// complete the case. A unit whose match is already done or failed is not run
// again.
func (o *Orchestrator) RunUnit(ctx context.Context, caseID, footageID string) (*UnitResult, error) {
	c, err := o.processingCase(ctx, caseID)
	if err != nil {
		return nil, err
	}
	m, err := o.repo.GetLocationMatch(ctx, caseID, footageID)
	if err != nil {
		if errors.Is(err, database.ErrNotFound) {
			return nil, fmt.Errorf("case %s, footage %s: %w", caseID, footageID, ErrNoMatch)
		}
		return nil, fmt.Errorf("loading match: %w", err)
	}

	var res *UnitResult
	if m.Terminal() {
		res = resultFromMatch(m)
		res.AlreadyDone = true
	} else {
		res, err = o.runUnit(ctx, c, m)
		if err != nil {
			return nil, err
		}
	}

	res.CaseCompleted, err = o.machine.TryComplete(ctx, caseID, o.HasPending)
	if err != nil {
		return res, err
	}
	return res, nil
}

// RunBulk analyzes every unfinished footage item of a processing case in
// match order. The cancel flag of the case is checked before each item; a
// cancelled run stops cleanly and leaves the remaining items pending.
func (o *Orchestrator) RunBulk(ctx context.Context, caseID string, progress func(Progress)) (*BulkResult, error) {
	if _, err := o.processingCase(ctx, caseID); err != nil {
		return nil, err
	}
	todo, err := o.PendingMatches(ctx, caseID)
	if err != nil {
		return nil, err
	}

	result := &BulkResult{CaseID: caseID, ItemsTotal: len(todo)}
	for i := range todo {
		c, err := o.repo.GetCase(ctx, caseID)
		if err != nil {
			return result, fmt.Errorf("loading case %s: %w", caseID, err)
		}
		if c.CancelRequested {
			o.log.Info("bulk analysis cancelled", "case_id", caseID, "items_done", result.ItemsDone, "items_total", result.ItemsTotal)
			result.Cancelled = true
			break
		}
		if err := ctx.Err(); err != nil {
			return result, err
		}

		ur, err := o.runUnit(ctx, c, &todo[i])
		if err != nil {
			return result, err
		}
		result.ItemsDone++
		result.Detections += ur.Detections
		if ur.Status == database.MatchFailed {
			result.Failed++
		}
		result.Units = append(result.Units, *ur)
		if progress != nil {
			progress(Progress{CaseID: caseID, ItemsTotal: result.ItemsTotal, ItemsDone: result.ItemsDone, Last: ur})
		}
	}

	if result.Cancelled {
		return result, nil
	}
	result.CaseCompleted, err = o.machine.TryComplete(ctx, caseID, o.HasPending)
	if err != nil {
		return result, err
	}
	return result, nil
}

// PendingMatches returns the unfinished matches of a case in match order.
func (o *Orchestrator) PendingMatches(ctx context.Context, caseID string) ([]database.LocationMatch, error) {
	matches, err := o.repo.ListLocationMatches(ctx, caseID)
	if err != nil {
		return nil, fmt.Errorf("listing matches of case %s: %w", caseID, err)
	}
	pending := matches[:0]
	for _, m := range matches {
		if !m.Terminal() {
			pending = append(pending, m)
		}
	}
	return pending, nil
}

// HasPending reports whether the case has unfinished matches. It is the
// completion check passed to lifecycle.Machine.TryComplete.
func (o *Orchestrator) HasPending(ctx context.Context, caseID string) (bool, error) {
	pending, err := o.PendingMatches(ctx, caseID)
	if err != nil {
		return false, err
	}
	return len(pending) > 0, nil
}

// Complete tries to complete the case; runners that fan units out call it once
// after all units returned.
func (o *Orchestrator) Complete(ctx context.Context, caseID string) (bool, error) {
	return o.machine.TryComplete(ctx, caseID, o.HasPending)
}

func (o *Orchestrator) processingCase(ctx context.Context, caseID string) (*database.Case, error) {
	c, err := o.repo.GetCase(ctx, caseID)
	if err != nil {
		return nil, fmt.Errorf("loading case %s: %w", caseID, err)
	}
	if c.Status != database.StatusProcessing {
		return nil, fmt.Errorf("case %s is %s: %w", caseID, c.Status, ErrNotProcessing)
	}
	return c, nil
}

// runUnit analyzes one match with retries and records the outcome on it.
// Only context cancellation and failures to record the outcome are returned
// as errors; footage problems end up in the match status.
func (o *Orchestrator) runUnit(ctx context.Context, c *database.Case, m *database.LocationMatch) (*UnitResult, error) {
	start := o.now()
	log := o.log.With("case_id", c.ID, "footage_id", m.FootageID)

	m.Status = database.MatchProcessing
	m.FailureReason = ""
	if err := o.repo.SaveLocationMatch(ctx, m); err != nil {
		return nil, fmt.Errorf("saving match: %w", err)
	}

	var stats *unitStats
	for attempt := 1; ; attempt++ {
		m.Attempts++
		var err error
		stats, err = o.attempt(ctx, c, m.FootageID)
		if err == nil {
			m.Status = database.MatchDone
			m.DetectionCount = stats.detections
			m.BestConfidence = stats.best
			break
		}

		if ctx.Err() != nil {
			return nil, o.abandon(ctx, m, start, log)
		}

		if !errors.Is(err, storage.ErrUnreadable) && attempt <= o.retry.Limit {
			m.Status = database.MatchRetrying
			m.FailureReason = err.Error()
			if saveErr := o.repo.SaveLocationMatch(ctx, m); saveErr != nil {
				return nil, fmt.Errorf("saving match: %w", saveErr)
			}
			delay := computeBackoff(o.retry, attempt)
			log.Warn("unit attempt failed, retrying", "attempt", attempt, "delay", delay.String(), "error", err)
			o.metrics.UnitFinished(metrics.ResultRetried, o.now().Sub(start))
			if err := o.sleep(ctx, delay); err != nil {
				return nil, o.abandon(ctx, m, start, log)
			}
			continue
		}

		log.Warn("unit failed", "attempts", attempt, "error", err)
		m.Status = database.MatchFailed
		m.FailureReason = err.Error()
		break
	}

	if m.Status == database.MatchDone {
		m.FailureReason = ""
	}
	if err := o.repo.SaveLocationMatch(ctx, m); err != nil {
		return nil, fmt.Errorf("saving match: %w", err)
	}

	res := resultFromMatch(m)
	if stats != nil {
		res.FramesSampled = stats.sampled
		res.FramesScored = stats.scored
		res.FramesSkipped = stats.skipped
	}
	res.Duration = o.now().Sub(start)

	result := metrics.ResultDone
	if m.Status == database.MatchFailed {
		result = metrics.ResultFailed
	}
	o.metrics.UnitFinished(result, res.Duration)
	log.Info("unit finished",
		"status", string(m.Status),
		"detections", res.Detections,
		"best_confidence", res.BestConfidence,
		"frames_sampled", res.FramesSampled,
		"frames_skipped", res.FramesSkipped,
	)
	return res, nil
}

// abandon puts a cancelled unit back to pending so the next run picks it up.
func (o *Orchestrator) abandon(ctx context.Context, m *database.LocationMatch, start time.Time, log *logger.Logger) error {
	m.Status = database.MatchPending
	if err := o.repo.SaveLocationMatch(context.WithoutCancel(ctx), m); err != nil {
		log.Warn("resetting match after cancellation failed", "error", err)
	}
	o.metrics.UnitFinished(metrics.ResultCancelled, o.now().Sub(start))
	return ctx.Err()
}

type unitStats struct {
	sampled    int
	scored     int
	skipped    int
	detections int
	best       float64
}

// attempt runs one pass over the sampled frames of a footage item.
func (o *Orchestrator) attempt(ctx context.Context, c *database.Case, footageID string) (*unitStats, error) {
	f, err := o.repo.GetFootage(ctx, footageID)
	if err != nil {
		if errors.Is(err, database.ErrNotFound) {
			return nil, fmt.Errorf("footage %s: %w: %w", footageID, storage.ErrUnreadable, err)
		}
		return nil, fmt.Errorf("loading footage %s: %w", footageID, err)
	}
	if !f.Active() {
		return nil, fmt.Errorf("footage %s was deleted: %w", footageID, storage.ErrUnreadable)
	}

	subject, err := o.subjects.Subject(ctx, c)
	if err != nil {
		return nil, fmt.Errorf("loading subject of case %s: %w", c.ID, err)
	}

	src, err := o.extractor.Open(ctx, f)
	if err != nil {
		return nil, err
	}
	defer src.Close()

	stats := &unitStats{}
	for ts := range sampler.PlanFor(f, o.budget).Timestamps() {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		frame, err := src.Frame(ctx, ts)
		if errors.Is(err, frames.ErrDecode) {
			stats.skipped++
			o.metrics.Frame(metrics.FrameDecodeError)
			o.log.Debug("frame skipped", "footage_id", f.ID, "timestamp", ts, "error", err)
			continue
		}
		if err != nil {
			return nil, err
		}
		stats.sampled++

		res := o.analyzer.Analyze(ctx, frame, subject)
		confidence, ok := o.fusion.Fuse(res.Scores)
		if !ok {
			o.metrics.Frame(metrics.FrameEmpty)
			continue
		}
		stats.scored++
		o.metrics.Frame(metrics.FrameScored)
		if !o.fusion.Accept(confidence) {
			continue
		}

		d := &database.Detection{
			CaseID:        c.ID,
			FootageID:     f.ID,
			Timestamp:     ts,
			FaceScore:     res.Scores.Face,
			ClothingScore: res.Scores.Clothing,
			PoseScore:     res.Scores.Pose,
			Confidence:    confidence,
			Method:        fusion.Method(res.Scores),
			BBox:          res.BBox,
			FrameRef:      o.saveFrame(ctx, frame, res.BBox),
		}
		if err := o.repo.SaveDetection(ctx, d); err != nil {
			return nil, fmt.Errorf("saving detection: %w", err)
		}
		stats.detections++
		stats.best = max(stats.best, confidence)
		o.metrics.DetectionStored(d.Method)
		o.emitter.Emit(ctx, events.Event{
			Kind:        events.DetectionFound,
			CaseID:      c.ID,
			FootageID:   f.ID,
			DetectionID: d.ID,
			Timestamp:   ts,
			Confidence:  confidence,
			At:          o.now(),
		})
	}

	if stats.sampled == 0 && stats.skipped > 0 {
		return nil, fmt.Errorf("footage %s: no decodable frames: %w", f.ID, storage.ErrUnreadable)
	}
	return stats, nil
}

// saveFrame stores the detection crop and returns its reference. A frame that
// cannot be stored leaves the detection without one.
func (o *Orchestrator) saveFrame(ctx context.Context, frame *frames.Frame, bbox []float64) string {
	if o.frames == nil {
		return ""
	}
	data, err := frames.Crop(frame, bbox)
	if err != nil {
		o.log.Warn("cropping detection frame failed", "timestamp", frame.Timestamp, "error", err)
		return ""
	}
	if len(data) == 0 {
		return ""
	}
	ref, err := o.frames.Save(ctx, "detection.jpg", bytes.NewReader(data))
	if err != nil {
		o.log.Warn("storing detection frame failed", "timestamp", frame.Timestamp, "error", err)
		return ""
	}
	return ref
}

func resultFromMatch(m *database.LocationMatch) *UnitResult {
	return &UnitResult{
		CaseID:         m.CaseID,
		FootageID:      m.FootageID,
		Status:         m.Status,
		Attempts:       m.Attempts,
		Detections:     m.DetectionCount,
		BestConfidence: m.BestConfidence,
		Error:          m.FailureReason,
	}
}
