package handlers

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/kozaktomas/sightline/internal/database"
	"github.com/kozaktomas/sightline/internal/geo"
	"github.com/kozaktomas/sightline/internal/logger"
)

func TestStatsHandler_Get(t *testing.T) {
	fx := newHandlerFixture(t)
	fx.seedCase(t, database.Case{Location: geo.Location{Text: "a"}})
	fx.seedCase(t, database.Case{Location: geo.Location{Text: "b"}, Status: database.StatusProcessing})
	fx.seedCase(t, database.Case{Location: geo.Location{Text: "c"}, Status: database.StatusProcessing})
	f := fx.seedFootage(t, database.Footage{Location: geo.Location{Text: "a"}})
	fx.seedFootage(t, database.Footage{Location: geo.Location{Text: "b"}})
	if err := fx.repo.DeleteFootage(context.Background(), f.ID); err != nil {
		t.Fatal(err)
	}
	for i := range 3 {
		d := &database.Detection{CaseID: "c", FootageID: "f", Timestamp: float64(i), Confidence: 0.7, Verified: i == 0}
		if err := fx.repo.SaveDetection(context.Background(), d); err != nil {
			t.Fatal(err)
		}
	}

	h := NewStatsHandler(fx.repo, fx.jobs, logger.Nop())
	recorder := httptest.NewRecorder()
	h.Get(recorder, newRequest("GET", "/api/v1/stats", adminIdentity, nil))

	assertStatusCode(t, recorder, http.StatusOK)
	var stats StatsResponse
	parseJSONResponse(t, recorder, &stats)

	if stats.TotalCases != 3 || stats.Cases[database.StatusProcessing] != 2 || stats.Cases[database.StatusPendingApproval] != 1 {
		t.Errorf("unexpected case counts %+v", stats)
	}
	if stats.ActiveFootage != 1 {
		t.Errorf("expected 1 active footage, got %d", stats.ActiveFootage)
	}
	if stats.Detections != 3 || stats.VerifiedDetections != 1 {
		t.Errorf("unexpected detection counts %+v", stats)
	}
}

func TestStatsHandler_Cache(t *testing.T) {
	fx := newHandlerFixture(t)
	fx.seedCase(t, database.Case{Location: geo.Location{Text: "a"}})

	now := time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)
	h := NewStatsHandler(fx.repo, fx.jobs, logger.Nop())
	h.now = func() time.Time { return now }

	get := func() StatsResponse {
		recorder := httptest.NewRecorder()
		h.Get(recorder, newRequest("GET", "/api/v1/stats", adminIdentity, nil))
		assertStatusCode(t, recorder, http.StatusOK)
		var stats StatsResponse
		parseJSONResponse(t, recorder, &stats)
		return stats
	}

	if got := get().TotalCases; got != 1 {
		t.Fatalf("expected 1 case, got %d", got)
	}
	fx.seedCase(t, database.Case{Location: geo.Location{Text: "b"}})
	if got := get().TotalCases; got != 1 {
		t.Errorf("cached stats should still report 1 case, got %d", got)
	}

	now = now.Add(statsCacheTTL + time.Second)
	if got := get().TotalCases; got != 2 {
		t.Errorf("expired cache should be refreshed, got %d cases", got)
	}
}

func TestStatsHandler_RepositoryError(t *testing.T) {
	fx := newHandlerFixture(t)
	fx.repo.ListCasesError = context.DeadlineExceeded

	h := NewStatsHandler(fx.repo, fx.jobs, logger.Nop())
	recorder := httptest.NewRecorder()
	h.Get(recorder, newRequest("GET", "/api/v1/stats", adminIdentity, nil))

	assertStatusCode(t, recorder, http.StatusInternalServerError)
	assertJSONError(t, recorder, "internal error")
}
