package surface

import (
	"sort"
)

// MedianSmooth replaces the value of every active point by the median of its
// active neighbours with strictly positive values. Points without such
// neighbours, and inactive points, keep their value. All medians are taken
// from the input, so the filter is applied once and not iteratively.
func MedianSmooth(values []float64, use []bool, g *Graph) []float64 {
	out := make([]float64, len(values))
	copy(out, values)
	var buf []float64
	for i := range values {
		if !use[i] {
			continue
		}
		buf = buf[:0]
		for _, j := range g.Of(i) {
			if use[j] && values[j] > 0 {
				buf = append(buf, values[j])
			}
		}
		if len(buf) > 0 {
			out[i] = middle(buf)
		}
	}
	return out
}

// middle sorts vals in place and returns its median; an even count averages
// the two central values
func middle(vals []float64) float64 {
	sort.Float64s(vals)
	h := len(vals) / 2
	if len(vals)%2 == 1 {
		return vals[h]
	}
	return 0.5 * (vals[h-1] + vals[h])
}
