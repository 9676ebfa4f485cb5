// Package constants provides shared constants used across the codebase.
// Centralizing these values ensures consistency and makes them easier to modify.
package constants

import "time"

// Analysis constants
const (
	// DefaultConcurrency is the default number of footage items analyzed in parallel
	// by the in-process runners (job manager and CLI)
	DefaultConcurrency = 4

	// MinFaceDetScore is the minimum detector score for a face found in a frame
	// to take part in matching
	MinFaceDetScore = 0.5

	// MaxFrameWidth is the maximum width a decoded frame is scaled down to
	MaxFrameWidth = 1280

	// MaxStillImageSize is the maximum size of still-image footage read into memory (64MB)
	MaxStillImageSize = 64 << 20

	// ReferenceBuildTimeout bounds building the reference embeddings of one case
	ReferenceBuildTimeout = 2 * time.Minute
)

// Clothing analysis constants
const (
	// TorsoSampleStep is the pixel stride used when sampling the torso region
	TorsoSampleStep = 2

	// MinTorsoPixels is the minimum number of sampled pixels for a clothing score
	MinTorsoPixels = 16
)

// Event channel constants
const (
	// EventChannelBuffer is the buffer size for event channels
	EventChannelBuffer = 100
)
