// Package sampler chooses which frame timestamps of a footage item to analyze.
package sampler

import (
	"iter"
	"math"

	"github.com/kozaktomas/sightline/internal/database"
)

// DefaultBudget caps the number of frames sampled from one footage item.
const DefaultBudget = 120

// baseInterval is the preferred spacing between samples, in seconds.
// Lower quality footage is sampled more densely.
var baseInterval = map[database.Quality]float64{
	database.QualitySD:  0.5,
	database.QualityHD:  1.0,
	database.QualityFHD: 1.5,
	database.Quality4K:  2.0,
}

// Interval returns the base sampling interval for a quality; unknown quality
// is treated as HD.
func Interval(q database.Quality) float64 {
	if d, ok := baseInterval[q]; ok {
		return d
	}
	return baseInterval[database.QualityHD]
}

// Plan describes the sampling of one footage item.
type Plan struct {
	Duration float64 // seconds; <= 0 for still images
	FPS      float64 // 0 when unknown
	Quality  database.Quality
	Budget   int // maximum samples; <= 0 means DefaultBudget
}

// PlanFor builds the plan for a footage item.
func PlanFor(f *database.Footage, budget int) Plan {
	return Plan{Duration: f.Duration, FPS: f.FPS, Quality: f.Quality, Budget: budget}
}

// lastTimestamp returns the timestamp of the final decodable frame.
func (p Plan) lastTimestamp() float64 {
	last := p.Duration
	if p.FPS > 0 {
		last -= 1 / p.FPS
	}
	return max(0, last)
}

// Count returns how many timestamps Timestamps yields.
func (p Plan) Count() int {
	if p.Duration <= 0 {
		return 1
	}
	budget := p.Budget
	if budget <= 0 {
		budget = DefaultBudget
	}
	last := p.lastTimestamp()
	n := int(math.Ceil(last/Interval(p.Quality))) + 1
	return max(1, min(n, budget))
}

// Timestamps yields sample timestamps in increasing order, evenly spaced over
// [0, last] so the first and last frame are always covered. The sequence is
// recomputed on every range, so it can be iterated any number of times.
func (p Plan) Timestamps() iter.Seq[float64] {
	return func(yield func(float64) bool) {
		n := p.Count()
		if n == 1 {
			yield(0)
			return
		}
		last := p.lastTimestamp()
		step := last / float64(n-1)
		for i := range n {
			ts := float64(i) * step
			if i == n-1 {
				ts = last
			}
			if !yield(ts) {
				return
			}
		}
	}
}
