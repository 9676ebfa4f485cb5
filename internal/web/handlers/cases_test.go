package handlers

import (
	"bytes"
	"context"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"slices"
	"strings"
	"testing"

	"github.com/kozaktomas/sightline/internal/database"
	"github.com/kozaktomas/sightline/internal/geo"
	"github.com/kozaktomas/sightline/internal/web/middleware"
)

func TestCasesHandler_Create(t *testing.T) {
	tests := []struct {
		name           string
		body           any
		expectedStatus int
		expectedError  string
	}{
		{
			name: "valid case",
			body: map[string]any{
				"subject_name":  "Jan Novak",
				"location_text": "Wenceslas Square, Prague",
				"lat":           50.0815,
				"lon":           14.4283,
			},
			expectedStatus: http.StatusCreated,
		},
		{
			name:           "missing subject",
			body:           map[string]any{"location_text": "Prague"},
			expectedStatus: http.StatusBadRequest,
			expectedError:  "invalid case: subject name is required",
		},
		{
			name:           "missing location",
			body:           map[string]any{"subject_name": "Jan"},
			expectedStatus: http.StatusBadRequest,
			expectedError:  "invalid case: last seen location is required",
		},
		{
			name:           "coordinates out of range",
			body:           map[string]any{"subject_name": "Jan", "lat": 95.0, "lon": 10.0},
			expectedStatus: http.StatusBadRequest,
			expectedError:  "invalid case: coordinates are out of range",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fx := newHandlerFixture(t)
			recorder := httptest.NewRecorder()
			fx.cases().Create(recorder, newRequest("POST", "/api/v1/cases", ownerIdentity, tt.body))

			assertStatusCode(t, recorder, tt.expectedStatus)
			if tt.expectedError != "" {
				assertJSONError(t, recorder, tt.expectedError)
				return
			}

			var c database.Case
			parseJSONResponse(t, recorder, &c)
			if c.ID == "" || c.OwnerID != ownerIdentity.UserID {
				t.Errorf("unexpected case %+v", c)
			}
			if c.Status != database.StatusPendingApproval {
				t.Errorf("expected pending_approval, got %s", c.Status)
			}
			if c.Location.Point == nil || c.Location.Point.Lat != 50.0815 {
				t.Errorf("coordinates not stored: %+v", c.Location)
			}
		})
	}
}

func TestCasesHandler_Create_InvalidJSON(t *testing.T) {
	fx := newHandlerFixture(t)
	req := httptest.NewRequest("POST", "/api/v1/cases", strings.NewReader("{"))
	req = withIdentity(req, ownerIdentity)
	recorder := httptest.NewRecorder()

	fx.cases().Create(recorder, req)

	assertStatusCode(t, recorder, http.StatusBadRequest)
	assertJSONError(t, recorder, errInvalidRequestBody)
}

func TestCasesHandler_Create_Multipart(t *testing.T) {
	fx := newHandlerFixture(t)

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	mw.WriteField("subject_name", "Eva Svobodova")
	mw.WriteField("location_text", "Brno hlavni nadrazi")
	mw.WriteField("clothing_description", "red jacket")
	for _, name := range []string{"front.jpg", "side.jpg"} {
		part, _ := mw.CreateFormFile("photos", name)
		part.Write([]byte("jpeg bytes"))
	}
	mw.Close()

	req := httptest.NewRequest("POST", "/api/v1/cases", &body)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	req = withIdentity(req, ownerIdentity)
	recorder := httptest.NewRecorder()

	fx.cases().Create(recorder, req)

	assertStatusCode(t, recorder, http.StatusCreated)
	var c database.Case
	parseJSONResponse(t, recorder, &c)
	if len(c.ReferencePhotos) != 2 {
		t.Fatalf("expected 2 reference photos, got %v", c.ReferencePhotos)
	}
	for _, ref := range c.ReferencePhotos {
		if !strings.HasSuffix(ref, ".jpg") {
			t.Errorf("reference %q lost its extension", ref)
		}
	}
	if c.ClothingDescription != "red jacket" {
		t.Errorf("clothing description = %q", c.ClothingDescription)
	}
}

func TestCasesHandler_Create_MultipartBadCoordinates(t *testing.T) {
	fx := newHandlerFixture(t)

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	mw.WriteField("subject_name", "Eva")
	mw.WriteField("lat", "north")
	mw.WriteField("lon", "14.4")
	mw.Close()

	req := httptest.NewRequest("POST", "/api/v1/cases", &body)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	req = withIdentity(req, ownerIdentity)
	recorder := httptest.NewRecorder()

	fx.cases().Create(recorder, req)

	assertStatusCode(t, recorder, http.StatusBadRequest)
	assertJSONError(t, recorder, "invalid latitude")
}

func TestCasesHandler_Get_Visibility(t *testing.T) {
	fx := newHandlerFixture(t)
	c := fx.seedCase(t, database.Case{Location: geo.Location{Text: "Prague"}})

	tests := []struct {
		name           string
		id             string
		identity       *middleware.Identity
		expectedStatus int
	}{
		{"owner", c.ID, ownerIdentity, http.StatusOK},
		{"admin", c.ID, adminIdentity, http.StatusOK},
		{"other user", c.ID, otherIdentity, http.StatusNotFound},
		{"missing case", "nope", adminIdentity, http.StatusNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := requestWithChiParams(newRequest("GET", "/api/v1/cases/"+tt.id, tt.identity, nil), map[string]string{"id": tt.id})
			recorder := httptest.NewRecorder()

			fx.cases().Get(recorder, req)

			assertStatusCode(t, recorder, tt.expectedStatus)
		})
	}
}

func TestCasesHandler_List(t *testing.T) {
	fx := newHandlerFixture(t)
	fx.seedCase(t, database.Case{Location: geo.Location{Text: "A"}})
	fx.seedCase(t, database.Case{Location: geo.Location{Text: "B"}, Status: database.StatusProcessing})
	fx.seedCase(t, database.Case{Location: geo.Location{Text: "C"}, Status: database.StatusRejected})

	tests := []struct {
		name           string
		query          string
		expectedStatus int
		expectedCount  int
	}{
		{"all", "", http.StatusOK, 3},
		{"one status", "?status=processing", http.StatusOK, 1},
		{"status list", "?status=processing,rejected", http.StatusOK, 2},
		{"limit", "?limit=2", http.StatusOK, 2},
		{"unknown status", "?status=open", http.StatusBadRequest, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			recorder := httptest.NewRecorder()
			fx.cases().List(recorder, newRequest("GET", "/api/v1/cases"+tt.query, adminIdentity, nil))

			assertStatusCode(t, recorder, tt.expectedStatus)
			if tt.expectedStatus != http.StatusOK {
				return
			}
			var cases []database.Case
			parseJSONResponse(t, recorder, &cases)
			if len(cases) != tt.expectedCount {
				t.Errorf("expected %d cases, got %d", tt.expectedCount, len(cases))
			}
		})
	}
}

func TestCasesHandler_List_Empty(t *testing.T) {
	fx := newHandlerFixture(t)
	recorder := httptest.NewRecorder()

	fx.cases().List(recorder, newRequest("GET", "/api/v1/cases", adminIdentity, nil))

	assertStatusCode(t, recorder, http.StatusOK)
	if got := strings.TrimSpace(recorder.Body.String()); got != "[]" {
		t.Errorf("expected empty array, got %s", got)
	}
}

func TestCasesHandler_Approve(t *testing.T) {
	fx := newHandlerFixture(t)
	c := fx.seedCase(t, database.Case{Location: geo.Location{Text: "Wenceslas Square"}})
	fx.seedFootage(t, database.Footage{Title: "cam 1", Location: geo.Location{Text: "Wenceslas Square"}})

	req := requestWithChiParams(newRequest("POST", "/api/v1/cases/"+c.ID+"/approve", adminIdentity, nil), map[string]string{"id": c.ID})
	recorder := httptest.NewRecorder()
	fx.cases().Approve(recorder, req)
	fx.jobs.Wait()

	assertStatusCode(t, recorder, http.StatusOK)
	var result struct {
		Case    database.Case            `json:"case"`
		Matches []database.LocationMatch `json:"matches"`
	}
	parseJSONResponse(t, recorder, &result)
	if result.Case.Status != database.StatusProcessing {
		t.Errorf("expected processing, got %s", result.Case.Status)
	}
	if len(result.Matches) != 1 || result.Matches[0].MatchType != database.MatchExact {
		t.Errorf("expected one exact match, got %+v", result.Matches)
	}
	if result.Case.ReviewedBy != adminIdentity.UserID {
		t.Errorf("reviewed_by = %q", result.Case.ReviewedBy)
	}
	if calls := fx.runner.bulkCalls(); !slices.Equal(calls, []string{c.ID}) {
		t.Errorf("expected bulk analysis of %s, got %v", c.ID, calls)
	}

	// A second approval is an illegal transition.
	recorder = httptest.NewRecorder()
	fx.cases().Approve(recorder, req)
	assertStatusCode(t, recorder, http.StatusConflict)
}

func TestCasesHandler_Approve_NoFootage(t *testing.T) {
	fx := newHandlerFixture(t)
	c := fx.seedCase(t, database.Case{Location: geo.Location{Text: "Ostrava"}})

	req := requestWithChiParams(newRequest("POST", "/", adminIdentity, nil), map[string]string{"id": c.ID})
	recorder := httptest.NewRecorder()
	fx.cases().Approve(recorder, req)

	assertStatusCode(t, recorder, http.StatusOK)
	var result map[string]any
	parseJSONResponse(t, recorder, &result)
	if matches, ok := result["matches"].([]any); !ok || len(matches) != 0 {
		t.Errorf("expected empty matches array, got %v", result["matches"])
	}
	stored, _ := fx.repo.GetCase(context.Background(), c.ID)
	if stored.Status != database.StatusAwaitingFootage {
		t.Errorf("expected awaiting_footage, got %s", stored.Status)
	}
	if len(fx.runner.bulkCalls()) != 0 {
		t.Error("no analysis should be queued")
	}
}

func TestCasesHandler_Reject(t *testing.T) {
	tests := []struct {
		name           string
		body           any
		expectedStatus int
	}{
		{"with reason", map[string]string{"reason": "duplicate report"}, http.StatusOK},
		{"blank reason", map[string]string{"reason": "  "}, http.StatusBadRequest},
		{"no body", nil, http.StatusBadRequest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fx := newHandlerFixture(t)
			c := fx.seedCase(t, database.Case{Location: geo.Location{Text: "Prague"}})

			req := requestWithChiParams(newRequest("POST", "/", adminIdentity, tt.body), map[string]string{"id": c.ID})
			recorder := httptest.NewRecorder()
			fx.cases().Reject(recorder, req)

			assertStatusCode(t, recorder, tt.expectedStatus)
			stored, _ := fx.repo.GetCase(context.Background(), c.ID)
			wantRejected := tt.expectedStatus == http.StatusOK
			if (stored.Status == database.StatusRejected) != wantRejected {
				t.Errorf("status = %s", stored.Status)
			}
		})
	}
}

func TestCasesHandler_Cancel(t *testing.T) {
	fx := newHandlerFixture(t)
	c := fx.seedCase(t, database.Case{Location: geo.Location{Text: "Prague"}, Status: database.StatusProcessing})

	req := requestWithChiParams(newRequest("POST", "/", adminIdentity, nil), map[string]string{"id": c.ID})
	recorder := httptest.NewRecorder()
	fx.cases().Cancel(recorder, req)

	assertStatusCode(t, recorder, http.StatusOK)
	var got database.Case
	parseJSONResponse(t, recorder, &got)
	if !got.CancelRequested || got.Status != database.StatusProcessing {
		t.Errorf("expected cancel flag on a processing case, got %+v", got)
	}
}

func TestCasesHandler_Analyze(t *testing.T) {
	t.Run("processing case starts a bulk job", func(t *testing.T) {
		fx := newHandlerFixture(t)
		c := fx.seedCase(t, database.Case{
			Location:        geo.Location{Text: "Prague"},
			Status:          database.StatusProcessing,
			CancelRequested: true,
		})

		req := requestWithChiParams(newRequest("POST", "/", adminIdentity, nil), map[string]string{"id": c.ID})
		recorder := httptest.NewRecorder()
		fx.cases().Analyze(recorder, req)
		fx.jobs.Wait()

		assertStatusCode(t, recorder, http.StatusAccepted)
		var result map[string]string
		parseJSONResponse(t, recorder, &result)
		job := fx.jobs.GetJob(result["job_id"])
		if job == nil {
			t.Fatal("job not registered")
		}
		if job.GetStatus() != JobStatusCompleted {
			t.Errorf("expected completed job, got %s", job.GetStatus())
		}
		stored, _ := fx.repo.GetCase(context.Background(), c.ID)
		if stored.CancelRequested {
			t.Error("cancel flag should be cleared")
		}
	})

	t.Run("case not processing", func(t *testing.T) {
		fx := newHandlerFixture(t)
		c := fx.seedCase(t, database.Case{Location: geo.Location{Text: "Prague"}, Status: database.StatusAwaitingFootage})

		req := requestWithChiParams(newRequest("POST", "/", adminIdentity, nil), map[string]string{"id": c.ID})
		recorder := httptest.NewRecorder()
		fx.cases().Analyze(recorder, req)

		assertStatusCode(t, recorder, http.StatusConflict)
		if len(fx.runner.bulkCalls()) != 0 {
			t.Error("no analysis should run")
		}
	})

	t.Run("missing case", func(t *testing.T) {
		fx := newHandlerFixture(t)
		req := requestWithChiParams(newRequest("POST", "/", adminIdentity, nil), map[string]string{"id": "nope"})
		recorder := httptest.NewRecorder()
		fx.cases().Analyze(recorder, req)

		assertStatusCode(t, recorder, http.StatusNotFound)
	})
}

func TestCasesHandler_AssignFootage(t *testing.T) {
	fx := newHandlerFixture(t)
	c := fx.seedCase(t, database.Case{Location: geo.Location{Text: "Prague"}, Status: database.StatusAwaitingFootage})
	f := fx.seedFootage(t, database.Footage{Title: "far away", Location: geo.Location{Text: "Vienna"}})

	req := requestWithChiParams(newRequest("POST", "/", adminIdentity, nil), map[string]string{"id": c.ID, "footageId": f.ID})
	recorder := httptest.NewRecorder()
	fx.cases().AssignFootage(recorder, req)
	fx.jobs.Wait()

	assertStatusCode(t, recorder, http.StatusAccepted)
	var result struct {
		JobID string                 `json:"job_id"`
		Match database.LocationMatch `json:"match"`
	}
	parseJSONResponse(t, recorder, &result)
	if result.Match.MatchType != database.MatchManual {
		t.Errorf("expected manual match, got %s", result.Match.MatchType)
	}
	if job := fx.jobs.GetJob(result.JobID); job == nil || job.Kind != JobKindUnit {
		t.Fatalf("expected unit job, got %+v", job)
	}
	stored, _ := fx.repo.GetCase(context.Background(), c.ID)
	if stored.Status != database.StatusProcessing {
		t.Errorf("expected processing, got %s", stored.Status)
	}
}

func TestCasesHandler_AssignFootage_Errors(t *testing.T) {
	fx := newHandlerFixture(t)
	closed := fx.seedCase(t, database.Case{Location: geo.Location{Text: "Prague"}, Status: database.StatusCompleted})
	open := fx.seedCase(t, database.Case{Location: geo.Location{Text: "Prague"}, Status: database.StatusProcessing})
	f := fx.seedFootage(t, database.Footage{Location: geo.Location{Text: "Prague"}})
	deleted := fx.seedFootage(t, database.Footage{Location: geo.Location{Text: "Prague"}})
	if err := fx.repo.DeleteFootage(context.Background(), deleted.ID); err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name           string
		caseID         string
		footageID      string
		expectedStatus int
	}{
		{"closed case", closed.ID, f.ID, http.StatusConflict},
		{"deleted footage", open.ID, deleted.ID, http.StatusBadRequest},
		{"missing footage", open.ID, "nope", http.StatusNotFound},
		{"missing case", "nope", f.ID, http.StatusNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := requestWithChiParams(newRequest("POST", "/", adminIdentity, nil), map[string]string{"id": tt.caseID, "footageId": tt.footageID})
			recorder := httptest.NewRecorder()
			fx.cases().AssignFootage(recorder, req)

			assertStatusCode(t, recorder, tt.expectedStatus)
		})
	}
}

func TestCasesHandler_Detections(t *testing.T) {
	fx := newHandlerFixture(t)
	c := fx.seedCase(t, database.Case{Location: geo.Location{Text: "Prague"}, Status: database.StatusProcessing})
	ctx := context.Background()
	for i, conf := range []float64{0.65, 0.8, 0.95} {
		d := &database.Detection{CaseID: c.ID, FootageID: "f1", Timestamp: float64(i), Confidence: conf, Method: "face"}
		d.Verified = i == 2
		if err := fx.repo.SaveDetection(ctx, d); err != nil {
			t.Fatal(err)
		}
	}

	tests := []struct {
		name           string
		query          string
		identity       bool
		expectedStatus int
		expectedCount  int
	}{
		{"all", "", true, http.StatusOK, 3},
		{"min confidence", "?min_confidence=0.75", true, http.StatusOK, 2},
		{"verified only", "?verified=true", true, http.StatusOK, 1},
		{"bad min confidence", "?min_confidence=2", true, http.StatusBadRequest, 0},
		{"not visible", "", false, http.StatusNotFound, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			identity := otherIdentity
			if tt.identity {
				identity = ownerIdentity
			}
			req := requestWithChiParams(newRequest("GET", "/api/v1/cases/x/detections"+tt.query, identity, nil), map[string]string{"id": c.ID})
			recorder := httptest.NewRecorder()
			fx.cases().Detections(recorder, req)

			assertStatusCode(t, recorder, tt.expectedStatus)
			if tt.expectedStatus != http.StatusOK {
				return
			}
			var detections []database.Detection
			parseJSONResponse(t, recorder, &detections)
			if len(detections) != tt.expectedCount {
				t.Errorf("expected %d detections, got %d", tt.expectedCount, len(detections))
			}
		})
	}
}

func TestCasesHandler_Matches(t *testing.T) {
	fx := newHandlerFixture(t)
	c := fx.seedCase(t, database.Case{Location: geo.Location{Text: "Prague"}, Status: database.StatusProcessing})
	m := &database.LocationMatch{CaseID: c.ID, FootageID: "f1", MatchType: database.MatchExact, Strength: 1, Status: database.MatchPending}
	if err := fx.repo.SaveLocationMatch(context.Background(), m); err != nil {
		t.Fatal(err)
	}

	req := requestWithChiParams(newRequest("GET", "/", adminIdentity, nil), map[string]string{"id": c.ID})
	recorder := httptest.NewRecorder()
	fx.cases().Matches(recorder, req)

	assertStatusCode(t, recorder, http.StatusOK)
	var matches []database.LocationMatch
	parseJSONResponse(t, recorder, &matches)
	if len(matches) != 1 || matches[0].ID != m.ID {
		t.Errorf("unexpected matches %+v", matches)
	}
}
