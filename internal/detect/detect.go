// Package detect scores sampled frames against a case subject with a fixed
// set of detectors: face, pose and clothing.
package detect

import (
	"context"

	"github.com/kozaktomas/sightline/internal/frames"
	"github.com/kozaktomas/sightline/internal/fusion"
	"github.com/kozaktomas/sightline/internal/logger"
	"github.com/kozaktomas/sightline/internal/metrics"
)

// Subject is what the detectors look for: the reference vectors and the
// clothing palette of one case.
type Subject struct {
	CaseID   string
	Faces    [][]float32
	Poses    [][]float32
	Clothing []NamedColor
}

// Observation is the per-frame scratch shared by the detectors of one frame.
// Detectors run in a fixed order and may leave boxes for the ones after them.
type Observation struct {
	Frame     *frames.Frame
	FaceBox   []float64 // pixel box of the best matching face
	PersonBox []float64 // pixel box of the best matching person
}

// Detector scores one modality. A nil score with a nil error means the
// modality has nothing to say about the frame; an error is a modality
// failure and is treated as a nil score by the ensemble.
type Detector interface {
	Modality() fusion.Modality
	Score(ctx context.Context, obs *Observation, s *Subject) (*float64, error)
}

// Result is the outcome of running every detector on a frame.
type Result struct {
	Scores fusion.Scores
	BBox   []float64 // relative [x1, y1, x2, y2], face box preferred
}

// Ensemble runs the detectors in order.
type Ensemble struct {
	detectors []Detector
	log       *logger.Logger
	metrics   *metrics.Metrics
}

// NewEnsemble creates an ensemble. Detectors run in the given order, which
// should be face, pose, clothing so clothing can use the boxes found before it.
func NewEnsemble(log *logger.Logger, m *metrics.Metrics, detectors ...Detector) *Ensemble {
	if log == nil {
		log = logger.Nop()
	}
	return &Ensemble{detectors: detectors, log: log, metrics: m}
}

// Analyze scores one frame. It never fails: a detector error only removes
// that modality from the result.
func (e *Ensemble) Analyze(ctx context.Context, frame *frames.Frame, s *Subject) Result {
	obs := &Observation{Frame: frame}
	var res Result
	for _, d := range e.detectors {
		if ctx.Err() != nil {
			break
		}
		score, err := d.Score(ctx, obs, s)
		if err != nil {
			e.log.Debug("modality failed",
				"modality", string(d.Modality()),
				"case_id", s.CaseID,
				"timestamp", frame.Timestamp,
				"error", err,
			)
			e.metrics.ModalityFailure(string(d.Modality()))
			continue
		}
		res.Scores.Set(d.Modality(), score)
	}

	b := frame.Image.Bounds()
	switch {
	case obs.FaceBox != nil:
		res.BBox = ConvertPixelBBoxToRelative(obs.FaceBox, b.Dx(), b.Dy())
	case obs.PersonBox != nil:
		res.BBox = ConvertPixelBBoxToRelative(obs.PersonBox, b.Dx(), b.Dy())
	}
	return res
}
