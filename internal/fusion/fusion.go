// Package fusion combines per-modality detector scores into one confidence value.
package fusion

import (
	"github.com/kozaktomas/sightline/internal/config"
)

// DefaultThreshold is the minimum fused confidence for a detection to be stored.
const DefaultThreshold = 0.6

// Method labels stored on detections.
const (
	MethodFace       = "face"
	MethodClothing   = "clothing"
	MethodPose       = "pose"
	MethodMultiModal = "multi_modal"
)

// Modality identifies one detector family.
type Modality string

const (
	ModalityFace     Modality = "face"
	ModalityClothing Modality = "clothing"
	ModalityPose     Modality = "pose"
)

// Modalities lists every modality in the fixed fusion order.
var Modalities = []Modality{ModalityFace, ModalityClothing, ModalityPose}

// Weights are the relative importance of each modality.
type Weights struct {
	Face     float64
	Clothing float64
	Pose     float64
}

// DefaultWeights mirrors the embedded analysis defaults.
var DefaultWeights = Weights{Face: 0.6, Clothing: 0.25, Pose: 0.15}

// Scores holds the per-modality scores of one frame. A nil entry means the
// modality produced nothing, which is different from a score of 0.
type Scores struct {
	Face     *float64
	Clothing *float64
	Pose     *float64
}

// Set records the score of one modality. Unknown modalities are ignored.
func (s *Scores) Set(m Modality, v *float64) {
	switch m {
	case ModalityFace:
		s.Face = v
	case ModalityClothing:
		s.Clothing = v
	case ModalityPose:
		s.Pose = v
	}
}

// Get returns the score of one modality.
func (s Scores) Get(m Modality) *float64 {
	switch m {
	case ModalityFace:
		return s.Face
	case ModalityClothing:
		return s.Clothing
	case ModalityPose:
		return s.Pose
	}
	return nil
}

// Present returns how many modalities produced a score.
func (s Scores) Present() int {
	n := 0
	for _, v := range []*float64{s.Face, s.Clothing, s.Pose} {
		if v != nil {
			n++
		}
	}
	return n
}

// Aggregator fuses scores with fixed weights and an acceptance threshold.
type Aggregator struct {
	weights   Weights
	threshold float64
}

// NewAggregator creates an aggregator from explicit weights and threshold.
func NewAggregator(w Weights, threshold float64) *Aggregator {
	return &Aggregator{weights: w, threshold: threshold}
}

// FromConfig creates an aggregator from the analysis configuration.
func FromConfig(cfg *config.AnalysisConfig) *Aggregator {
	return NewAggregator(Weights{
		Face:     cfg.Weights.Face,
		Clothing: cfg.Weights.Clothing,
		Pose:     cfg.Weights.Pose,
	}, cfg.ConfidenceThreshold)
}

// Threshold returns the acceptance threshold.
func (a *Aggregator) Threshold() float64 {
	return a.threshold
}

// Fuse returns the weighted average of the present scores, renormalized over
// the weights of present modalities. Scores are clamped to [0, 1] first and
// summed in a fixed modality order, so the same scores always produce the
// same bits. ok is false when no modality is present or every present
// modality has zero weight.
func (a *Aggregator) Fuse(s Scores) (float64, bool) {
	terms := [...]struct {
		score  *float64
		weight float64
	}{
		{s.Face, a.weights.Face},
		{s.Clothing, a.weights.Clothing},
		{s.Pose, a.weights.Pose},
	}

	var num, den float64
	for _, t := range terms {
		if t.score == nil || t.weight <= 0 {
			continue
		}
		num += clamp01(*t.score) * t.weight
		den += t.weight
	}
	if den == 0 {
		return 0, false
	}
	return clamp01(num / den), true
}

// Accept reports whether a fused confidence reaches the threshold.
func (a *Aggregator) Accept(confidence float64) bool {
	return confidence >= a.threshold
}

// Method names the evidence behind a detection: the single present modality,
// or multi_modal when more than one contributed.
func Method(s Scores) string {
	switch {
	case s.Present() > 1:
		return MethodMultiModal
	case s.Face != nil:
		return MethodFace
	case s.Clothing != nil:
		return MethodClothing
	case s.Pose != nil:
		return MethodPose
	}
	return ""
}

func clamp01(v float64) float64 {
	if v != v { // NaN
		return 0
	}
	return min(1, max(0, v))
}
