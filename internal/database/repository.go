package database

import (
	"context"
	"errors"
)

// ErrNotFound is returned when a record with the requested ID does not exist.
var ErrNotFound = errors.New("not found")

// CaseStore provides access to cases
type CaseStore interface {
	// GetCase retrieves a case by ID, returns ErrNotFound if missing
	GetCase(ctx context.Context, id string) (*Case, error)
	// CreateCase inserts a new case, assigning ID and timestamps when empty
	CreateCase(ctx context.Context, c *Case) error
	// SaveCase updates an existing case, returns ErrNotFound if missing
	SaveCase(ctx context.Context, c *Case) error
	// ListCases returns cases newest first
	ListCases(ctx context.Context, filter CaseFilter) ([]Case, error)
}

// FootageStore provides access to footage metadata
type FootageStore interface {
	GetFootage(ctx context.Context, id string) (*Footage, error)
	// SaveFootage inserts or updates a footage record, assigning ID when empty
	SaveFootage(ctx context.Context, f *Footage) error
	// ListFootage returns footage most recently uploaded first
	ListFootage(ctx context.Context, filter FootageFilter) ([]Footage, error)
	// DeleteFootage soft-deletes the footage and removes its location matches
	DeleteFootage(ctx context.Context, id string) error
}

// MatchStore provides access to case/footage location matches
type MatchStore interface {
	// ListLocationMatches returns the matches of a case, strongest first
	ListLocationMatches(ctx context.Context, caseID string) ([]LocationMatch, error)
	// GetLocationMatch retrieves the match for a (case, footage) pair
	GetLocationMatch(ctx context.Context, caseID, footageID string) (*LocationMatch, error)
	// SaveLocationMatch upserts keyed by (CaseID, FootageID) and sets m.ID to the stored ID
	SaveLocationMatch(ctx context.Context, m *LocationMatch) error
}

// DetectionStore provides access to detections
type DetectionStore interface {
	// SaveDetection upserts keyed by (CaseID, FootageID, Timestamp) and sets d.ID to the stored ID.
	// An existing verification survives a re-analysis of the same frame.
	SaveDetection(ctx context.Context, d *Detection) error
	GetDetection(ctx context.Context, id string) (*Detection, error)
	// ListDetections returns detections ordered by footage and timestamp
	ListDetections(ctx context.Context, filter DetectionFilter) ([]Detection, error)
}

// Repository is the persistent store the engine runs against.
type Repository interface {
	CaseStore
	FootageStore
	MatchStore
	DetectionStore
}

// ReferenceStore persists reference embeddings computed from case photos.
type ReferenceStore interface {
	// GetReferenceEmbeddings returns the stored embeddings of one kind for a case (empty if none)
	GetReferenceEmbeddings(ctx context.Context, caseID string, kind ReferenceKind) ([]ReferenceEmbedding, error)
	// SaveReferenceEmbeddings replaces the stored embeddings of one kind for a case
	SaveReferenceEmbeddings(ctx context.Context, caseID string, kind ReferenceKind, refs []ReferenceEmbedding) error
}
