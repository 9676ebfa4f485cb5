package geo

import (
	"math"
	"testing"
)

func TestNormalize(t *testing.T) {
	tests := []struct {
		input    string
		expected string
	}{
		{"Main St Park", "main st park"},
		{"  Main   St.  Park!! ", "main st park"},
		{"MAIN-ST/PARK", "main st park"},
		{"Náměstí Míru", "namesti miru"},
		{"5th Ave", "5th ave"},
		{"", ""},
		{"...", ""},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			result := Normalize(tt.input)
			if result != tt.expected {
				t.Errorf("Normalize(%q) = %q, want %q", tt.input, result, tt.expected)
			}
		})
	}
}

func TestNormalize_Idempotent(t *testing.T) {
	inputs := []string{"Main St. Park", "Café de Flore, Paris", "  a  b  ", "Žižkov-Praha 3", ""}
	for _, in := range inputs {
		once := Normalize(in)
		twice := Normalize(once)
		if once != twice {
			t.Errorf("Normalize not idempotent for %q: %q then %q", in, once, twice)
		}
	}
}

func TestTokens(t *testing.T) {
	got := Tokens("Park Main St, main park")
	want := []string{"park", "main", "st"}
	if len(got) != len(want) {
		t.Fatalf("Tokens() = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("Tokens()[%d] = %q, want %q", i, got[i], want[i])
		}
	}
}

func TestContainsKey(t *testing.T) {
	tests := []struct {
		name     string
		haystack string
		needle   string
		expected bool
	}{
		{"prefix run", "main st park", "main st", true},
		{"suffix run", "main st park", "st park", true},
		{"whole", "main st park", "main st park", true},
		{"not contiguous", "main st park", "main park", false},
		{"inside a token", "east side", "st", true},
		{"word prefix", "parkview mall", "park", true},
		{"longer needle", "main st", "main st park", false},
		{"empty needle", "main st", "", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ContainsKey(tt.haystack, tt.needle); got != tt.expected {
				t.Errorf("ContainsKey(%q, %q) = %v, want %v", tt.haystack, tt.needle, got, tt.expected)
			}
		})
	}
}

func TestOverlap(t *testing.T) {
	tests := []struct {
		name     string
		a        []string
		b        []string
		expected float64
	}{
		{"identical", []string{"a", "b"}, []string{"a", "b"}, 1.0},
		{"one shared of three", []string{"main", "st"}, []string{"main", "road"}, 1.0 / 3.0},
		{"disjoint", []string{"a"}, []string{"b"}, 0},
		{"empty", nil, []string{"b"}, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Overlap(tt.a, tt.b)
			if math.Abs(got-tt.expected) > 1e-9 {
				t.Errorf("Overlap(%v, %v) = %v, want %v", tt.a, tt.b, got, tt.expected)
			}
		})
	}
}

func TestPointValid(t *testing.T) {
	var missing *Point
	if missing.Valid() {
		t.Error("nil point should not be valid")
	}
	if !(&Point{Lat: 50.08, Lon: 14.43}).Valid() {
		t.Error("Prague should be valid")
	}
	if (&Point{Lat: 91, Lon: 0}).Valid() {
		t.Error("latitude 91 should be invalid")
	}
}
