package handlers

import (
	"bytes"
	"context"
	"errors"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/kozaktomas/sightline/internal/database"
	"github.com/kozaktomas/sightline/internal/geo"
	"github.com/kozaktomas/sightline/internal/logger"
)

func (fx *handlerFixture) footage() *FootageHandler {
	return NewFootageHandler(fx.repo, fx.service, fx.files, logger.Nop())
}

func uploadRequest(t *testing.T, fields map[string]string, withFile bool) *http.Request {
	t.Helper()
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	for k, v := range fields {
		mw.WriteField(k, v)
	}
	if withFile {
		part, err := mw.CreateFormFile("file", "entrance-cam.mp4")
		if err != nil {
			t.Fatal(err)
		}
		part.Write([]byte("video bytes"))
	}
	mw.Close()

	req := httptest.NewRequest("POST", "/api/v1/footage", &body)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	return withIdentity(req, adminIdentity)
}

func TestFootageHandler_Upload(t *testing.T) {
	fx := newHandlerFixture(t)
	c := fx.seedCase(t, database.Case{Location: geo.Location{Text: "Main Station"}, Status: database.StatusAwaitingFootage})

	req := uploadRequest(t, map[string]string{
		"location_text": "Main Station",
		"duration":      "30",
		"fps":           "25",
		"quality":       "fhd",
		"auto_analyze":  "true",
	}, true)
	recorder := httptest.NewRecorder()
	fx.footage().Upload(recorder, req)
	fx.jobs.Wait()

	assertStatusCode(t, recorder, http.StatusCreated)
	var result UploadResponse
	parseJSONResponse(t, recorder, &result)

	f := result.Footage
	if f == nil || f.ID == "" {
		t.Fatalf("footage not stored: %s", recorder.Body.String())
	}
	if f.Title != "entrance-cam" {
		t.Errorf("title should default to the file name, got %q", f.Title)
	}
	if f.Quality != database.QualityFHD || f.Duration != 30 || f.FPS != 25 || !f.AutoAnalyze {
		t.Errorf("metadata not parsed: %+v", f)
	}
	if f.UploaderID != adminIdentity.UserID {
		t.Errorf("uploader = %q", f.UploaderID)
	}
	if len(fx.files.files) != 1 {
		t.Errorf("expected one stored file, got %d", len(fx.files.files))
	}
	if len(result.Matches) != 1 || result.Matches[0].CaseID != c.ID {
		t.Errorf("expected a match to the waiting case, got %+v", result.Matches)
	}

	stored, _ := fx.repo.GetCase(context.Background(), c.ID)
	if stored.Status != database.StatusProcessing {
		t.Errorf("waiting case should start processing, got %s", stored.Status)
	}
	if calls := fx.runner.bulkCalls(); len(calls) != 1 || calls[0] != c.ID {
		t.Errorf("expected analysis of %s, got %v", c.ID, calls)
	}
}

func TestFootageHandler_Upload_Validation(t *testing.T) {
	tests := []struct {
		name          string
		fields        map[string]string
		withFile      bool
		expectedError string
	}{
		{"no location", map[string]string{"title": "cam"}, true, "location_text or coordinates are required"},
		{"bad quality", map[string]string{"location_text": "x", "quality": "8K"}, true, "invalid quality"},
		{"negative duration", map[string]string{"location_text": "x", "duration": "-1"}, true, "invalid duration"},
		{"bad fps", map[string]string{"location_text": "x", "fps": "fast"}, true, "invalid fps"},
		{"bad auto analyze", map[string]string{"location_text": "x", "auto_analyze": "maybe"}, true, "invalid auto_analyze"},
		{"half coordinates", map[string]string{"lat": "50.1"}, true, "invalid longitude"},
		{"coordinates out of range", map[string]string{"lat": "50.1", "lon": "200"}, true, "coordinates are out of range"},
		{"missing file", map[string]string{"location_text": "x"}, false, "file is required"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fx := newHandlerFixture(t)
			recorder := httptest.NewRecorder()
			fx.footage().Upload(recorder, uploadRequest(t, tt.fields, tt.withFile))

			assertStatusCode(t, recorder, http.StatusBadRequest)
			assertJSONError(t, recorder, tt.expectedError)
		})
	}
}

func TestFootageHandler_Upload_StorageError(t *testing.T) {
	fx := newHandlerFixture(t)
	fx.files.err = errors.New("disk full")

	recorder := httptest.NewRecorder()
	fx.footage().Upload(recorder, uploadRequest(t, map[string]string{"location_text": "x"}, true))

	assertStatusCode(t, recorder, http.StatusInternalServerError)
	assertJSONError(t, recorder, "failed to save file")
}

func TestFootageHandler_Upload_NoAutoAnalyze(t *testing.T) {
	fx := newHandlerFixture(t)
	fx.seedCase(t, database.Case{Location: geo.Location{Text: "Harbor"}, Status: database.StatusProcessing})

	recorder := httptest.NewRecorder()
	fx.footage().Upload(recorder, uploadRequest(t, map[string]string{"location_text": "Harbor"}, true))
	fx.jobs.Wait()

	assertStatusCode(t, recorder, http.StatusCreated)
	if calls := fx.runner.bulkCalls(); len(calls) != 0 {
		t.Errorf("analysis should wait for a manual start, got %v", calls)
	}
}

func TestFootageHandler_ListAndDelete(t *testing.T) {
	fx := newHandlerFixture(t)
	a := fx.seedFootage(t, database.Footage{Title: "a", Location: geo.Location{Text: "x"}})
	fx.seedFootage(t, database.Footage{Title: "b", Location: geo.Location{Text: "y"}})

	req := requestWithChiParams(newRequest("DELETE", "/api/v1/footage/"+a.ID, adminIdentity, nil), map[string]string{"id": a.ID})
	recorder := httptest.NewRecorder()
	fx.footage().Delete(recorder, req)
	assertStatusCode(t, recorder, http.StatusNoContent)

	tests := []struct {
		query string
		count int
	}{
		{"", 1},
		{"?include_deleted=true", 2},
	}
	for _, tt := range tests {
		recorder := httptest.NewRecorder()
		fx.footage().List(recorder, newRequest("GET", "/api/v1/footage"+tt.query, adminIdentity, nil))
		assertStatusCode(t, recorder, http.StatusOK)

		var items []database.Footage
		parseJSONResponse(t, recorder, &items)
		if len(items) != tt.count {
			t.Errorf("%q: expected %d items, got %d", tt.query, tt.count, len(items))
		}
	}
}

func TestFootageHandler_Delete_NotFound(t *testing.T) {
	fx := newHandlerFixture(t)
	req := requestWithChiParams(newRequest("DELETE", "/", adminIdentity, nil), map[string]string{"id": "nope"})
	recorder := httptest.NewRecorder()

	fx.footage().Delete(recorder, req)

	assertStatusCode(t, recorder, http.StatusNotFound)
}
