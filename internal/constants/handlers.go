// Package constants provides shared constants used across the codebase.
package constants

// Handler pagination constants
const (
	// DefaultHandlerPageSize is the page size for paginated handler endpoints
	DefaultHandlerPageSize = 100

	// MaxHandlerPageSize caps the limit query parameter
	MaxHandlerPageSize = 1000
)

// File upload constants
const (
	// MaxUploadSize is the maximum footage upload size in bytes (2GB)
	MaxUploadSize = 2 << 30

	// MaxReferencePhotoSize is the maximum size of one reference photo in bytes (20MB)
	MaxReferencePhotoSize = 20 << 20

	// MaxReferencePhotos is the maximum number of reference photos per case submission
	MaxReferencePhotos = 10
)
