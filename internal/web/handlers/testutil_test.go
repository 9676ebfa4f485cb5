package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/kozaktomas/sightline/internal/analysis"
	"github.com/kozaktomas/sightline/internal/casework"
	"github.com/kozaktomas/sightline/internal/database"
	"github.com/kozaktomas/sightline/internal/database/mock"
	"github.com/kozaktomas/sightline/internal/events"
	"github.com/kozaktomas/sightline/internal/footage"
	"github.com/kozaktomas/sightline/internal/lifecycle"
	"github.com/kozaktomas/sightline/internal/logger"
	"github.com/kozaktomas/sightline/internal/web/middleware"
)

var (
	adminIdentity = &middleware.Identity{UserID: "admin-1", Role: middleware.RoleAdmin}
	ownerIdentity = &middleware.Identity{UserID: "user-1"}
	otherIdentity = &middleware.Identity{UserID: "user-2"}
)

// fakeRunner records analysis calls. When gate is set, runs block on it or
// until their context ends.
type fakeRunner struct {
	mu    sync.Mutex
	bulk  []string
	units []string
	gate  chan struct{}
	err   error
}

func (f *fakeRunner) wait(ctx context.Context) error {
	if f.gate == nil {
		return nil
	}
	select {
	case <-f.gate:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (f *fakeRunner) RunConcurrent(ctx context.Context, caseID string, _ int, progress func(analysis.Progress)) (*analysis.BulkResult, error) {
	f.mu.Lock()
	f.bulk = append(f.bulk, caseID)
	f.mu.Unlock()
	if err := f.wait(ctx); err != nil {
		return nil, err
	}
	if f.err != nil {
		return nil, f.err
	}
	unit := &analysis.UnitResult{CaseID: caseID, FootageID: "f1", Status: database.MatchDone, Detections: 2}
	progress(analysis.Progress{CaseID: caseID, ItemsTotal: 1, ItemsDone: 1, Last: unit})
	return &analysis.BulkResult{CaseID: caseID, ItemsTotal: 1, ItemsDone: 1, Detections: 2, Units: []analysis.UnitResult{*unit}}, nil
}

func (f *fakeRunner) RunUnit(ctx context.Context, caseID, footageID string) (*analysis.UnitResult, error) {
	f.mu.Lock()
	f.units = append(f.units, caseID+"/"+footageID)
	f.mu.Unlock()
	if err := f.wait(ctx); err != nil {
		return nil, err
	}
	if f.err != nil {
		return nil, f.err
	}
	return &analysis.UnitResult{CaseID: caseID, FootageID: footageID, Status: database.MatchDone, Detections: 1}, nil
}

func (f *fakeRunner) bulkCalls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.bulk...)
}

// memorySaver keeps saved files in memory.
type memorySaver struct {
	mu    sync.Mutex
	files map[string][]byte
	err   error
}

func (s *memorySaver) Save(_ context.Context, name string, r io.Reader) (string, error) {
	if s.err != nil {
		return "", s.err
	}
	data, err := io.ReadAll(r)
	if err != nil {
		return "", err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.files == nil {
		s.files = make(map[string][]byte)
	}
	ref := fmt.Sprintf("%d-%s", len(s.files), name)
	s.files[ref] = data
	return ref, nil
}

type handlerFixture struct {
	repo     *mock.MockRepository
	recorder *events.Recorder
	runner   *fakeRunner
	jobs     *JobManager
	service  *casework.Service
	files    *memorySaver
}

func newHandlerFixture(t *testing.T) *handlerFixture {
	t.Helper()
	repo := mock.NewMockRepository()
	recorder := &events.Recorder{}
	runner := &fakeRunner{}
	jobs := NewJobManager(runner, 2, logger.Nop())
	t.Cleanup(func() { _ = jobs.Shutdown(context.Background()) })

	machine := lifecycle.New(repo, recorder)
	service := casework.NewService(repo, machine, footage.NewIndex(repo, 5), jobs, logger.Nop())
	return &handlerFixture{
		repo:     repo,
		recorder: recorder,
		runner:   runner,
		jobs:     jobs,
		service:  service,
		files:    &memorySaver{},
	}
}

func (fx *handlerFixture) cases() *CasesHandler {
	return NewCasesHandler(fx.repo, fx.service, fx.jobs, fx.files, logger.Nop())
}

func (fx *handlerFixture) seedCase(t *testing.T, c database.Case) *database.Case {
	t.Helper()
	if c.OwnerID == "" {
		c.OwnerID = ownerIdentity.UserID
	}
	if c.SubjectName == "" {
		c.SubjectName = "Jan Novak"
	}
	if c.Status == "" {
		c.Status = database.StatusPendingApproval
	}
	if err := fx.repo.CreateCase(context.Background(), &c); err != nil {
		t.Fatalf("seeding case: %v", err)
	}
	return &c
}

func (fx *handlerFixture) seedFootage(t *testing.T, f database.Footage) *database.Footage {
	t.Helper()
	if f.Quality == "" {
		f.Quality = database.QualityHD
	}
	if err := fx.repo.SaveFootage(context.Background(), &f); err != nil {
		t.Fatalf("seeding footage: %v", err)
	}
	return &f
}

// newRequest creates a request carrying identity, with an optional JSON body.
func newRequest(method, path string, identity *middleware.Identity, body any) *http.Request {
	var r io.Reader
	if body != nil {
		data, _ := json.Marshal(body)
		r = bytes.NewReader(data)
	}
	req := httptest.NewRequest(method, path, r)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if identity != nil {
		req = withIdentity(req, identity)
	}
	return req
}

func withIdentity(r *http.Request, identity *middleware.Identity) *http.Request {
	return r.WithContext(middleware.SetIdentityInContext(r.Context(), identity))
}

// requestWithChiParams creates a request with chi URL parameters
func requestWithChiParams(r *http.Request, params map[string]string) *http.Request {
	rctx := chi.NewRouteContext()
	for key, value := range params {
		rctx.URLParams.Add(key, value)
	}
	return r.WithContext(context.WithValue(r.Context(), chi.RouteCtxKey, rctx))
}

// parseJSONResponse parses a JSON response body into the target type
func parseJSONResponse(t *testing.T, recorder *httptest.ResponseRecorder, target any) {
	t.Helper()
	if err := json.Unmarshal(recorder.Body.Bytes(), target); err != nil {
		t.Fatalf("failed to parse JSON response: %v\nBody: %s", err, recorder.Body.String())
	}
}

// assertStatusCode checks if the response has the expected status code
func assertStatusCode(t *testing.T, recorder *httptest.ResponseRecorder, expected int) {
	t.Helper()
	if recorder.Code != expected {
		t.Errorf("expected status %d, got %d\nBody: %s", expected, recorder.Code, recorder.Body.String())
	}
}

// assertContentType checks if the response has the expected content type
func assertContentType(t *testing.T, recorder *httptest.ResponseRecorder, expected string) {
	t.Helper()
	ct := recorder.Header().Get("Content-Type")
	if ct != expected {
		t.Errorf("expected Content-Type '%s', got '%s'", expected, ct)
	}
}

// assertJSONError checks if the response is a JSON error with the expected message
func assertJSONError(t *testing.T, recorder *httptest.ResponseRecorder, expectedMessage string) {
	t.Helper()
	var result map[string]string
	if err := json.Unmarshal(recorder.Body.Bytes(), &result); err != nil {
		t.Fatalf("failed to parse error response: %v\nBody: %s", err, recorder.Body.String())
	}
	if result["error"] != expectedMessage {
		t.Errorf("expected error '%s', got '%s'", expectedMessage, result["error"])
	}
}
