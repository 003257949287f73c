package visualization

import (
	"math"

	"github.com/lucasb-eyer/go-colorful"
)

// inactive is the colour of points without a fitted thickness
var inactive = colorful.Color{R: 0.6, G: 0.6, B: 0.6}

// ThicknessRange returns the smallest and largest positive thickness among active points.
// ok is false when no point qualifies.
func ThicknessRange(thickness []float64, use []bool) (lo, hi float64, ok bool) {
	lo, hi = math.Inf(1), math.Inf(-1)
	for i, t := range thickness {
		if !use[i] || t <= 0 {
			continue
		}
		lo = math.Min(lo, t)
		hi = math.Max(hi, t)
		ok = true
	}
	return lo, hi, ok
}

// ThicknessColors maps thickness onto a hue ramp from blue at lo to red at hi.
// Inactive points and points with zero thickness are grey.
func ThicknessColors(thickness []float64, use []bool, lo, hi float64) []colorful.Color {
	out := make([]colorful.Color, len(thickness))
	for i, t := range thickness {
		if !use[i] || t <= 0 {
			out[i] = inactive
			continue
		}
		n := 0.5
		if hi > lo {
			n = math.Max(0, math.Min(1, (t-lo)/(hi-lo)))
		}
		out[i] = colorful.Hsv(240*(1-n), 0.9, 0.95).Clamped()
	}
	return out
}

// RGB converts colours into plain triples in [0,1]
func RGB(colors []colorful.Color) [][3]float64 {
	out := make([][3]float64, len(colors))
	for i, c := range colors {
		out[i] = [3]float64{c.R, c.G, c.B}
	}
	return out
}
