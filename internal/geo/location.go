// Package geo normalizes free-text locations into comparable keys and computes
// great-circle distances between coordinates.
package geo

import (
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// Point is a WGS84 coordinate. A nil *Point means "no coordinates on file".
type Point struct {
	Lat float64 `json:"lat"`
	Lon float64 `json:"lon"`
}

// Valid reports whether the point lies within the WGS84 coordinate range.
func (p *Point) Valid() bool {
	if p == nil {
		return false
	}
	return p.Lat >= -90 && p.Lat <= 90 && p.Lon >= -180 && p.Lon <= 180
}

// Location is a location descriptor: free text, coordinates, or both.
type Location struct {
	Text  string `json:"text"`
	Point *Point `json:"point,omitempty"`
}

// Key returns the normalized matching key of the location text.
func (l Location) Key() string {
	return Normalize(l.Text)
}

// RemoveDiacritics removes diacritical marks from a string (e.g., "Náměstí" -> "Namesti").
func RemoveDiacritics(s string) string {
	t := transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	result, _, _ := transform.String(t, s)
	return result
}

// Normalize turns a free-text location into its matching key: no diacritics,
// lowercase, punctuation replaced by spaces and whitespace collapsed.
// Normalize(Normalize(s)) == Normalize(s).
func Normalize(text string) string {
	text = strings.ToLower(RemoveDiacritics(text))
	mapped := strings.Map(func(r rune) rune {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			return r
		}
		return ' '
	}, text)
	return strings.Join(strings.Fields(mapped), " ")
}

// Tokens returns the de-duplicated tokens of the normalized key, in first-seen order.
func Tokens(text string) []string {
	fields := strings.Fields(Normalize(text))
	seen := make(map[string]struct{}, len(fields))
	tokens := make([]string, 0, len(fields))
	for _, f := range fields {
		if _, ok := seen[f]; ok {
			continue
		}
		seen[f] = struct{}{}
		tokens = append(tokens, f)
	}
	return tokens
}

// ContainsKey reports whether normalized key needle is a substring of
// normalized key haystack. Matches may end inside a word ("park" in
// "parkview").
func ContainsKey(haystack, needle string) bool {
	if haystack == "" || needle == "" {
		return false
	}
	return strings.Contains(haystack, needle)
}

// Overlap returns the Jaccard ratio of the two token sets (shared / union).
func Overlap(a, b []string) float64 {
	if len(a) == 0 || len(b) == 0 {
		return 0
	}
	set := make(map[string]struct{}, len(a))
	for _, t := range a {
		set[t] = struct{}{}
	}
	shared := 0
	union := len(set)
	for _, t := range b {
		if _, ok := set[t]; ok {
			shared++
		} else {
			union++
		}
	}
	if shared == 0 {
		return 0
	}
	return float64(shared) / float64(union)
}
