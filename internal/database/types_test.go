package database

import (
	"math"
	"testing"
)

func TestParseQuality(t *testing.T) {
	tests := []struct {
		input  string
		want   Quality
		wantOK bool
	}{
		{"SD", QualitySD, true},
		{"hd", QualityHD, true},
		{" fhd ", QualityFHD, true},
		{"4k", Quality4K, true},
		{"8K", "", false},
		{"", "", false},
	}

	for _, tc := range tests {
		t.Run(tc.input, func(t *testing.T) {
			got, ok := ParseQuality(tc.input)
			if got != tc.want || ok != tc.wantOK {
				t.Errorf("ParseQuality(%q) = (%q, %v), want (%q, %v)", tc.input, got, ok, tc.want, tc.wantOK)
			}
		})
	}
}

func TestMatchTypeSpecificity(t *testing.T) {
	order := []MatchType{MatchManual, MatchExact, MatchPartial, MatchProximity}
	for i := 1; i < len(order); i++ {
		if order[i-1].Specificity() <= order[i].Specificity() {
			t.Errorf("%s should be more specific than %s", order[i-1], order[i])
		}
	}
	if MatchType("bogus").Specificity() != 0 {
		t.Error("unknown match type should have zero specificity")
	}
}

func TestCaseStatusTerminal(t *testing.T) {
	terminal := map[CaseStatus]bool{
		StatusPendingApproval: false,
		StatusApproved:        false,
		StatusAwaitingFootage: false,
		StatusProcessing:      false,
		StatusCompleted:       true,
		StatusRejected:        true,
	}
	for status, want := range terminal {
		if got := status.Terminal(); got != want {
			t.Errorf("%s.Terminal() = %v, want %v", status, got, want)
		}
	}
}

func TestLocationMatchTerminal(t *testing.T) {
	for _, s := range []MatchStatus{MatchPending, MatchProcessing, MatchRetrying} {
		m := LocationMatch{Status: s}
		if m.Terminal() {
			t.Errorf("%s should not be terminal", s)
		}
	}
	for _, s := range []MatchStatus{MatchDone, MatchFailed} {
		m := LocationMatch{Status: s}
		if !m.Terminal() {
			t.Errorf("%s should be terminal", s)
		}
	}
}

func TestCosineSimilarity(t *testing.T) {
	tests := []struct {
		name string
		a, b []float32
		want float64
	}{
		{"identical", []float32{1, 2, 3}, []float32{1, 2, 3}, 1},
		{"orthogonal", []float32{1, 0}, []float32{0, 1}, 0},
		{"opposite clamps to zero", []float32{1, 0}, []float32{-1, 0}, 0},
		{"length mismatch", []float32{1, 0}, []float32{1}, 0},
		{"zero vector", []float32{0, 0}, []float32{1, 0}, 0},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got := CosineSimilarity(tc.a, tc.b)
			if math.Abs(got-tc.want) > 1e-9 {
				t.Errorf("CosineSimilarity = %v, want %v", got, tc.want)
			}
		})
	}
}

func TestCaseStatusValid(t *testing.T) {
	for _, s := range []CaseStatus{StatusPendingApproval, StatusApproved, StatusAwaitingFootage, StatusProcessing, StatusCompleted, StatusRejected} {
		if !s.Valid() {
			t.Errorf("%s should be valid", s)
		}
	}
	for _, s := range []CaseStatus{"", "open", "PROCESSING"} {
		if s.Valid() {
			t.Errorf("%q should not be valid", s)
		}
	}
}
