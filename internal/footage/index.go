// Package footage decides which uploaded footage is relevant to a case by
// correlating their locations.
package footage

import (
	"cmp"
	"context"
	"fmt"
	"slices"

	"github.com/kozaktomas/sightline/internal/database"
	"github.com/kozaktomas/sightline/internal/geo"
)

const (
	// ExactStrength is the strength of a normalized-text exact match.
	ExactStrength = 1.0
	// PartialStrength is the strength of a match where one normalized key
	// contains the other.
	PartialStrength = 0.75
	// DefaultRadiusKm is used when the index is built with a non-positive radius.
	DefaultRadiusKm = 5.0
)

// Candidate is one footage item relevant to a case.
type Candidate struct {
	Footage    database.Footage
	MatchType  database.MatchType
	Strength   float64
	DistanceKm *float64
}

// Lister is the slice of the repository the index reads from.
type Lister interface {
	ListFootage(ctx context.Context, filter database.FootageFilter) ([]database.Footage, error)
}

// Index ranks active footage against a case location. It holds no mutable
// state, so one Index may serve concurrent queries.
type Index struct {
	footage  Lister
	radiusKm float64
}

// NewIndex creates an index over the given footage source.
func NewIndex(footage Lister, radiusKm float64) *Index {
	if radiusKm <= 0 {
		radiusKm = DefaultRadiusKm
	}
	return &Index{footage: footage, radiusKm: radiusKm}
}

// RadiusKm returns the proximity radius in kilometers.
func (ix *Index) RadiusKm() float64 {
	return ix.radiusKm
}

// Nearby returns the active footage relevant to the case, strongest first.
// An empty result is not an error.
func (ix *Index) Nearby(ctx context.Context, c *database.Case) ([]Candidate, error) {
	items, err := ix.footage.ListFootage(ctx, database.FootageFilter{ActiveOnly: true})
	if err != nil {
		return nil, fmt.Errorf("listing footage: %w", err)
	}

	query := newQuery(c.Location)
	var candidates []Candidate
	for i := range items {
		if !items[i].Active() {
			continue
		}
		if cand, ok := ix.qualify(query, &items[i]); ok {
			candidates = append(candidates, cand)
		}
	}
	SortCandidates(candidates)
	return candidates, nil
}

// Qualify evaluates a single (case, footage) pair, used when new footage arrives.
func (ix *Index) Qualify(c *database.Case, f *database.Footage) (Candidate, bool) {
	if !f.Active() {
		return Candidate{}, false
	}
	return ix.qualify(newQuery(c.Location), f)
}

// query caches the normalized form of the case location across footage items.
type query struct {
	key    string
	tokens []string
	point  *geo.Point
}

func newQuery(loc geo.Location) query {
	return query{key: loc.Key(), tokens: geo.Tokens(loc.Text), point: loc.Point}
}

// qualify applies every rule and keeps the strongest; on equal strength the
// more specific rule wins.
func (ix *Index) qualify(q query, f *database.Footage) (Candidate, bool) {
	best := Candidate{Footage: *f}
	found := false
	consider := func(t database.MatchType, strength float64, dist *float64) {
		if strength <= 0 {
			return
		}
		if !found || strength > best.Strength ||
			(strength == best.Strength && t.Specificity() > best.MatchType.Specificity()) {
			best.MatchType = t
			best.Strength = strength
			best.DistanceKm = dist
			found = true
		}
	}

	fkey := f.Location.Key()
	if q.key != "" && fkey != "" {
		switch {
		case q.key == fkey:
			consider(database.MatchExact, ExactStrength, nil)
		case geo.ContainsKey(q.key, fkey) || geo.ContainsKey(fkey, q.key):
			consider(database.MatchPartial, PartialStrength, nil)
		default:
			consider(database.MatchProximity, geo.Overlap(q.tokens, geo.Tokens(f.Location.Text)), nil)
		}
	}

	if d, known := geo.Distance(q.point, f.Location.Point); known && d <= ix.radiusKm {
		strength := min(1, max(0, 1-d/ix.radiusKm))
		dist := d
		if strength > 0 {
			consider(database.MatchProximity, strength, &dist)
		}
		// A textual match on footage that is also nearby keeps the distance for display.
		if found && best.DistanceKm == nil {
			best.DistanceKm = &dist
		}
	}

	return best, found
}

// SortCandidates orders by strength desc, then rule specificity, then most
// recent upload, then footage ID.
func SortCandidates(cands []Candidate) {
	slices.SortStableFunc(cands, func(a, b Candidate) int {
		if c := cmp.Compare(b.Strength, a.Strength); c != 0 {
			return c
		}
		if c := cmp.Compare(b.MatchType.Specificity(), a.MatchType.Specificity()); c != 0 {
			return c
		}
		if c := b.Footage.UploadedAt.Compare(a.Footage.UploadedAt); c != 0 {
			return c
		}
		return cmp.Compare(a.Footage.ID, b.Footage.ID)
	})
}
