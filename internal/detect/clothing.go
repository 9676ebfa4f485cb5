package detect

import (
	"context"
	"image/color"
	"slices"
	"strings"
	"unicode"

	"golang.org/x/image/colornames"

	"github.com/kozaktomas/sightline/internal/constants"
	"github.com/kozaktomas/sightline/internal/fusion"
)

// NamedColor is a color word resolved to RGB.
type NamedColor struct {
	Name string
	RGB  color.RGBA
}

// baseline colors compete with the described ones, so a pixel only counts for
// "red" when red is its closest common color.
var baselineNames = []string{
	"black", "white", "gray", "red", "green", "blue", "yellow", "orange",
	"purple", "pink", "brown", "beige", "navy", "maroon", "olive", "teal", "khaki",
}

// ParsePalette extracts the colors named in a clothing description. Two-word
// names such as "dark blue" resolve to their single-word form. Unknown words
// are ignored and each color appears once.
func ParsePalette(description string) []NamedColor {
	words := strings.FieldsFunc(strings.ToLower(description), func(r rune) bool {
		return !unicode.IsLetter(r)
	})

	var out []NamedColor
	add := func(name string) {
		if slices.ContainsFunc(out, func(c NamedColor) bool { return c.Name == name }) {
			return
		}
		out = append(out, NamedColor{Name: name, RGB: colornames.Map[name]})
	}
	for i := 0; i < len(words); i++ {
		if i+1 < len(words) {
			if _, ok := colornames.Map[words[i]+words[i+1]]; ok {
				add(words[i] + words[i+1])
				i++
				continue
			}
		}
		if _, ok := colornames.Map[words[i]]; ok {
			add(words[i])
		}
	}
	return out
}

// Clothing scores how much of the subject's torso region shows the described
// colors.
type Clothing struct {
	step      int
	minPixels int
}

// NewClothing creates the clothing detector.
func NewClothing() *Clothing {
	return &Clothing{step: constants.TorsoSampleStep, minPixels: constants.MinTorsoPixels}
}

func (c *Clothing) Modality() fusion.Modality { return fusion.ModalityClothing }

// Score returns the share of sampled torso pixels whose nearest palette color
// is one of the described colors.
func (c *Clothing) Score(_ context.Context, obs *Observation, s *Subject) (*float64, error) {
	if len(s.Clothing) == 0 {
		return nil, nil
	}
	img := obs.Frame.Image
	region := TorsoRegion(obs.FaceBox, obs.PersonBox, img.Bounds())
	if region.Empty() {
		return nil, nil
	}

	palette := make([]color.RGBA, 0, len(s.Clothing)+len(baselineNames))
	for _, nc := range s.Clothing {
		palette = append(palette, nc.RGB)
	}
	described := len(palette)
	for _, name := range baselineNames {
		if !slices.ContainsFunc(s.Clothing, func(nc NamedColor) bool { return nc.Name == name }) {
			palette = append(palette, colornames.Map[name])
		}
	}

	var total, hits int
	for y := region.Min.Y; y < region.Max.Y; y += c.step {
		for x := region.Min.X; x < region.Max.X; x += c.step {
			total++
			if nearest(img.At(x, y), palette) < described {
				hits++
			}
		}
	}
	if total < c.minPixels {
		return nil, nil
	}
	score := float64(hits) / float64(total)
	return &score, nil
}

// nearest returns the index of the palette entry closest to px in RGB space.
func nearest(px color.Color, palette []color.RGBA) int {
	r, g, b, _ := px.RGBA()
	pr, pg, pb := int(r>>8), int(g>>8), int(b>>8)

	best, bestDist := 0, -1
	for i, p := range palette {
		dr, dg, db := pr-int(p.R), pg-int(p.G), pb-int(p.B)
		d := dr*dr + dg*dg + db*db
		if bestDist < 0 || d < bestDist {
			best, bestDist = i, d
		}
	}
	return best
}
