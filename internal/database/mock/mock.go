// Package mock provides mock implementations of database interfaces for testing.
package mock

import (
	"cmp"
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/kozaktomas/sightline/internal/database"
)

// MockRepository is an in-memory implementation of database.Repository
type MockRepository struct {
	mu         sync.RWMutex
	cases      map[string]*database.Case
	footage    map[string]*database.Footage
	matches    map[string]*database.LocationMatch // keyed by match ID
	detections map[string]*database.Detection     // keyed by detection ID

	// Now returns the current time; tests may pin it.
	Now func() time.Time

	// Error injection
	GetCaseError        error
	CreateCaseError     error
	SaveCaseError       error
	ListCasesError      error
	GetFootageError     error
	SaveFootageError    error
	ListFootageError    error
	DeleteFootageError  error
	ListMatchesError    error
	GetMatchError       error
	SaveMatchError      error
	SaveDetectionError  error
	GetDetectionError   error
	ListDetectionsError error
}

// NewMockRepository creates a new empty mock repository
func NewMockRepository() *MockRepository {
	return &MockRepository{
		cases:      make(map[string]*database.Case),
		footage:    make(map[string]*database.Footage),
		matches:    make(map[string]*database.LocationMatch),
		detections: make(map[string]*database.Detection),
		Now:        time.Now,
	}
}

func (m *MockRepository) now() time.Time {
	if m.Now != nil {
		return m.Now()
	}
	return time.Now()
}

func copyCase(c *database.Case) *database.Case {
	out := *c
	out.ReferencePhotos = slices.Clone(c.ReferencePhotos)
	if c.Location.Point != nil {
		p := *c.Location.Point
		out.Location.Point = &p
	}
	return &out
}

func copyFootage(f *database.Footage) *database.Footage {
	out := *f
	if f.Location.Point != nil {
		p := *f.Location.Point
		out.Location.Point = &p
	}
	return &out
}

func copyDetection(d *database.Detection) *database.Detection {
	out := *d
	out.BBox = slices.Clone(d.BBox)
	return &out
}

// AddCase stores a case as-is, bypassing CreateCase defaults
func (m *MockRepository) AddCase(c database.Case) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cases[c.ID] = copyCase(&c)
}

// AddFootage stores a footage record as-is
func (m *MockRepository) AddFootage(f database.Footage) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.footage[f.ID] = copyFootage(&f)
}

// GetCase retrieves a case by ID
func (m *MockRepository) GetCase(ctx context.Context, id string) (*database.Case, error) {
	if m.GetCaseError != nil {
		return nil, m.GetCaseError
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.cases[id]
	if !ok {
		return nil, fmt.Errorf("case %s: %w", id, database.ErrNotFound)
	}
	return copyCase(c), nil
}

// CreateCase inserts a new case
func (m *MockRepository) CreateCase(ctx context.Context, c *database.Case) error {
	if m.CreateCaseError != nil {
		return m.CreateCaseError
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	if _, exists := m.cases[c.ID]; exists {
		return fmt.Errorf("case %s already exists", c.ID)
	}
	now := m.now()
	if c.CreatedAt.IsZero() {
		c.CreatedAt = now
	}
	c.UpdatedAt = now
	m.cases[c.ID] = copyCase(c)
	return nil
}

// SaveCase updates an existing case
func (m *MockRepository) SaveCase(ctx context.Context, c *database.Case) error {
	if m.SaveCaseError != nil {
		return m.SaveCaseError
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.cases[c.ID]; !ok {
		return fmt.Errorf("case %s: %w", c.ID, database.ErrNotFound)
	}
	c.UpdatedAt = m.now()
	m.cases[c.ID] = copyCase(c)
	return nil
}

// ListCases returns cases newest first
func (m *MockRepository) ListCases(ctx context.Context, filter database.CaseFilter) ([]database.Case, error) {
	if m.ListCasesError != nil {
		return nil, m.ListCasesError
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []database.Case
	for _, c := range m.cases {
		if len(filter.Statuses) > 0 && !slices.Contains(filter.Statuses, c.Status) {
			continue
		}
		if filter.OwnerID != "" && c.OwnerID != filter.OwnerID {
			continue
		}
		result = append(result, *copyCase(c))
	}
	slices.SortFunc(result, func(a, b database.Case) int {
		if c := b.CreatedAt.Compare(a.CreatedAt); c != 0 {
			return c
		}
		return cmp.Compare(a.ID, b.ID)
	})
	return paginate(result, filter.Offset, filter.Limit), nil
}

// GetFootage retrieves a footage record by ID (including soft-deleted ones)
func (m *MockRepository) GetFootage(ctx context.Context, id string) (*database.Footage, error) {
	if m.GetFootageError != nil {
		return nil, m.GetFootageError
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	f, ok := m.footage[id]
	if !ok {
		return nil, fmt.Errorf("footage %s: %w", id, database.ErrNotFound)
	}
	return copyFootage(f), nil
}

// SaveFootage inserts or updates a footage record
func (m *MockRepository) SaveFootage(ctx context.Context, f *database.Footage) error {
	if m.SaveFootageError != nil {
		return m.SaveFootageError
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if f.ID == "" {
		f.ID = uuid.NewString()
	}
	if f.UploadedAt.IsZero() {
		f.UploadedAt = m.now()
	}
	m.footage[f.ID] = copyFootage(f)
	return nil
}

// ListFootage returns footage most recently uploaded first
func (m *MockRepository) ListFootage(ctx context.Context, filter database.FootageFilter) ([]database.Footage, error) {
	if m.ListFootageError != nil {
		return nil, m.ListFootageError
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []database.Footage
	for _, f := range m.footage {
		if filter.ActiveOnly && !f.Active() {
			continue
		}
		if filter.UploaderID != "" && f.UploaderID != filter.UploaderID {
			continue
		}
		result = append(result, *copyFootage(f))
	}
	slices.SortFunc(result, func(a, b database.Footage) int {
		if c := b.UploadedAt.Compare(a.UploadedAt); c != 0 {
			return c
		}
		return cmp.Compare(a.ID, b.ID)
	})
	return paginate(result, 0, filter.Limit), nil
}

// DeleteFootage soft-deletes footage and drops its location matches
func (m *MockRepository) DeleteFootage(ctx context.Context, id string) error {
	if m.DeleteFootageError != nil {
		return m.DeleteFootageError
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	f, ok := m.footage[id]
	if !ok || !f.Active() {
		return fmt.Errorf("footage %s: %w", id, database.ErrNotFound)
	}
	now := m.now()
	f.DeletedAt = &now
	for matchID, match := range m.matches {
		if match.FootageID == id {
			delete(m.matches, matchID)
		}
	}
	return nil
}

// ListLocationMatches returns the matches of a case, strongest first
func (m *MockRepository) ListLocationMatches(ctx context.Context, caseID string) ([]database.LocationMatch, error) {
	if m.ListMatchesError != nil {
		return nil, m.ListMatchesError
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []database.LocationMatch
	for _, match := range m.matches {
		if match.CaseID == caseID {
			result = append(result, *match)
		}
	}
	slices.SortFunc(result, func(a, b database.LocationMatch) int {
		if c := cmp.Compare(b.Strength, a.Strength); c != 0 {
			return c
		}
		if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
			return c
		}
		return cmp.Compare(a.FootageID, b.FootageID)
	})
	return result, nil
}

// GetLocationMatch retrieves the match for a (case, footage) pair
func (m *MockRepository) GetLocationMatch(ctx context.Context, caseID, footageID string) (*database.LocationMatch, error) {
	if m.GetMatchError != nil {
		return nil, m.GetMatchError
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, match := range m.matches {
		if match.CaseID == caseID && match.FootageID == footageID {
			out := *match
			return &out, nil
		}
	}
	return nil, fmt.Errorf("match %s/%s: %w", caseID, footageID, database.ErrNotFound)
}

// SaveLocationMatch upserts a match keyed by (CaseID, FootageID)
func (m *MockRepository) SaveLocationMatch(ctx context.Context, lm *database.LocationMatch) error {
	if m.SaveMatchError != nil {
		return m.SaveMatchError
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	for id, existing := range m.matches {
		if existing.CaseID == lm.CaseID && existing.FootageID == lm.FootageID {
			lm.ID = id
			lm.CreatedAt = existing.CreatedAt
			break
		}
	}
	if lm.ID == "" {
		lm.ID = uuid.NewString()
	}
	if lm.CreatedAt.IsZero() {
		lm.CreatedAt = now
	}
	if lm.Status == "" {
		lm.Status = database.MatchPending
	}
	lm.UpdatedAt = now
	stored := *lm
	m.matches[lm.ID] = &stored
	return nil
}

// SaveDetection upserts a detection keyed by (CaseID, FootageID, Timestamp)
func (m *MockRepository) SaveDetection(ctx context.Context, d *database.Detection) error {
	if m.SaveDetectionError != nil {
		return m.SaveDetectionError
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	for id, existing := range m.detections {
		if existing.CaseID == d.CaseID && existing.FootageID == d.FootageID && existing.Timestamp == d.Timestamp {
			d.ID = id
			d.CreatedAt = existing.CreatedAt
			if !d.Verified && existing.Verified {
				d.Verified = true
				d.VerifiedBy = existing.VerifiedBy
				d.VerifiedAt = existing.VerifiedAt
				d.Notes = existing.Notes
			}
			break
		}
	}
	if d.ID == "" {
		d.ID = uuid.NewString()
	}
	if d.CreatedAt.IsZero() {
		d.CreatedAt = m.now()
	}
	m.detections[d.ID] = copyDetection(d)
	return nil
}

// GetDetection retrieves a detection by ID
func (m *MockRepository) GetDetection(ctx context.Context, id string) (*database.Detection, error) {
	if m.GetDetectionError != nil {
		return nil, m.GetDetectionError
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	d, ok := m.detections[id]
	if !ok {
		return nil, fmt.Errorf("detection %s: %w", id, database.ErrNotFound)
	}
	return copyDetection(d), nil
}

// ListDetections returns detections ordered by footage and timestamp
func (m *MockRepository) ListDetections(ctx context.Context, filter database.DetectionFilter) ([]database.Detection, error) {
	if m.ListDetectionsError != nil {
		return nil, m.ListDetectionsError
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []database.Detection
	for _, d := range m.detections {
		if filter.CaseID != "" && d.CaseID != filter.CaseID {
			continue
		}
		if filter.FootageID != "" && d.FootageID != filter.FootageID {
			continue
		}
		if d.Confidence < filter.MinConfidence {
			continue
		}
		if filter.VerifiedOnly && !d.Verified {
			continue
		}
		result = append(result, *copyDetection(d))
	}
	slices.SortFunc(result, func(a, b database.Detection) int {
		if c := cmp.Compare(a.FootageID, b.FootageID); c != 0 {
			return c
		}
		return cmp.Compare(a.Timestamp, b.Timestamp)
	})
	return paginate(result, 0, filter.Limit), nil
}

func paginate[T any](items []T, offset, limit int) []T {
	if offset > 0 {
		if offset >= len(items) {
			return nil
		}
		items = items[offset:]
	}
	if limit > 0 && len(items) > limit {
		items = items[:limit]
	}
	return items
}

// MockReferenceStore is an in-memory implementation of database.ReferenceStore
type MockReferenceStore struct {
	mu   sync.RWMutex
	refs map[string][]database.ReferenceEmbedding // keyed by caseID + "/" + kind

	// Calls counts GetReferenceEmbeddings invocations.
	Calls int

	// Error injection
	GetError  error
	SaveError error
}

// NewMockReferenceStore creates a new empty mock reference store
func NewMockReferenceStore() *MockReferenceStore {
	return &MockReferenceStore{refs: make(map[string][]database.ReferenceEmbedding)}
}

func refKey(caseID string, kind database.ReferenceKind) string {
	return caseID + "/" + string(kind)
}

// GetReferenceEmbeddings returns the stored embeddings of one kind for a case
func (s *MockReferenceStore) GetReferenceEmbeddings(ctx context.Context, caseID string, kind database.ReferenceKind) ([]database.ReferenceEmbedding, error) {
	s.mu.Lock()
	s.Calls++
	s.mu.Unlock()
	if s.GetError != nil {
		return nil, s.GetError
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return slices.Clone(s.refs[refKey(caseID, kind)]), nil
}

// SaveReferenceEmbeddings replaces the stored embeddings of one kind for a case
func (s *MockReferenceStore) SaveReferenceEmbeddings(ctx context.Context, caseID string, kind database.ReferenceKind, refs []database.ReferenceEmbedding) error {
	if s.SaveError != nil {
		return s.SaveError
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.refs[refKey(caseID, kind)] = slices.Clone(refs)
	return nil
}

// GetCalls returns how many times GetReferenceEmbeddings was called
func (s *MockReferenceStore) GetCalls() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.Calls
}
