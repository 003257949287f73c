package interpolation

import (
	"github.com/pkg/errors"
	"github.com/valyala/fastrand"
	"gonum.org/v1/gonum/spatial/r3"
)

// SelectControlPoints picks a subset of points whose pairwise distances are at
// least separation. A random remaining point is accepted and every remaining
// point within separation of it is discarded, until no candidates are left.
// The returned indices refer to points, in selection order, and depend only on
// the inputs and seed.
func SelectControlPoints(points []r3.Vec, separation float64, seed uint32) ([]int, error) {
	if separation <= 0 {
		return nil, errors.Errorf("control point separation must be positive, got %g", separation)
	}
	if len(points) == 0 {
		return nil, errors.New("no points to select control points from")
	}

	tree := NewTree(points)

	// remaining holds the candidates; pos maps a point to its slot so removal is O(1)
	remaining := make([]int, len(points))
	pos := make([]int, len(points))
	for i := range remaining {
		remaining[i] = i
		pos[i] = i
	}
	removed := make([]bool, len(points))
	remove := func(i int) {
		removed[i] = true
		last := remaining[len(remaining)-1]
		remaining[pos[i]] = last
		pos[last] = pos[i]
		remaining = remaining[:len(remaining)-1]
	}

	var rng fastrand.RNG
	rng.Seed(rngSeed(seed))

	var selected []int
	for len(remaining) > 0 {
		pick := remaining[rng.Uint32n(uint32(len(remaining)))]
		selected = append(selected, pick)
		for _, nb := range tree.Within(points[pick], separation) {
			if !removed[nb.Index] {
				remove(nb.Index)
			}
		}
		if !removed[pick] {
			remove(pick)
		}
	}
	return selected, nil
}

// rngSeed maps a user seed to a non-zero RNG state; a zero state would be
// replaced by a random one.
func rngSeed(seed uint32) uint32 {
	s := seed ^ 0x9e3779b9
	if s == 0 {
		s = 1
	}
	return s
}
