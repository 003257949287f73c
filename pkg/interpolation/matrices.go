package interpolation

import (
	"math"
	"sort"

	"github.com/james-bowman/sparse"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/spatial/r3"
)

// rows collects a CSR matrix row by row with columns sorted within each row
type rows struct {
	r, c   int
	indptr []int
	ind    []int
	data   []float64
}

func newRows(r, c int) *rows {
	return &rows{r: r, c: c, indptr: make([]int, 1, r+1)}
}

func (b *rows) add(cols []int, vals []float64) {
	order := make([]int, len(cols))
	for k := range order {
		order[k] = k
	}
	sort.Slice(order, func(a, c int) bool { return cols[order[a]] < cols[order[c]] })
	for _, o := range order {
		b.ind = append(b.ind, cols[o])
		b.data = append(b.data, vals[o])
	}
	b.indptr = append(b.indptr, len(b.ind))
}

func (b *rows) csr() *sparse.CSR {
	return sparse.NewCSR(b.r, b.c, b.indptr, b.ind, b.data)
}

// MulVec writes a·x into dst
func MulVec(dst []float64, a *sparse.CSR, x []float64) {
	for i := range dst {
		dst[i] = 0
	}
	a.MulVecTo(dst, false, x)
}

// MulTransVec writes aᵀ·x into dst
func MulTransVec(dst []float64, a *sparse.CSR, x []float64) {
	for i := range dst {
		dst[i] = 0
	}
	a.MulVecTo(dst, true, x)
}

// gaussianWeights returns exp(-½(d/width)²) for sorted neighbours, shifted by
// the smallest distance so the largest weight is 1 and the row never
// underflows to all zeros. The shift cancels under row normalisation.
func gaussianWeights(nbs []Neighbour, width float64) []float64 {
	w := make([]float64, len(nbs))
	if len(nbs) == 0 {
		return w
	}
	d0 := nbs[0].Dist
	for k, nb := range nbs {
		w[k] = math.Exp(-0.5 * (nb.Dist*nb.Dist - d0*d0) / (width * width))
	}
	return w
}

// InterpolationMatrix builds the N×Q matrix that maps values at the control
// points onto points. Row i holds Gaussian weights of width s for the k
// control points nearest to point i, normalised to sum to one.
func InterpolationMatrix(points, controls []r3.Vec, k int, s float64) (*sparse.CSR, error) {
	if k < 1 {
		return nil, errors.Errorf("number of neighbours must be at least 1, got %d", k)
	}
	if s <= 0 {
		return nil, errors.Errorf("interpolation width must be positive, got %g", s)
	}
	if len(controls) == 0 {
		return nil, errors.New("no control points")
	}

	tree := NewTree(controls)
	b := newRows(len(points), len(controls))
	for _, p := range points {
		nbs := tree.Nearest(p, k)
		w := gaussianWeights(nbs, s)
		var sum float64
		for _, v := range w {
			sum += v
		}
		cols := make([]int, len(nbs))
		for j, nb := range nbs {
			cols[j] = nb.Index
			w[j] /= sum
		}
		b.add(cols, w)
	}
	return b.csr(), nil
}

// LaplacianMatrix builds the N×N smoothness operator over points. Row i has
// +1 on the diagonal and -w_ij/Σw on the k nearest other points, with
// Gaussian weights of width sigma, so every row sums to zero. A point with no
// other points around it gets an empty row.
func LaplacianMatrix(points []r3.Vec, k int, sigma float64) (*sparse.CSR, error) {
	if k < 1 {
		return nil, errors.Errorf("number of neighbours must be at least 1, got %d", k)
	}
	if sigma <= 0 {
		return nil, errors.Errorf("regularisation width must be positive, got %g", sigma)
	}

	tree := NewTree(points)
	b := newRows(len(points), len(points))
	for i, p := range points {
		all := tree.Nearest(p, k+1)
		nbs := all[:0:0]
		for _, nb := range all {
			if nb.Index != i {
				nbs = append(nbs, nb)
			}
		}
		if len(nbs) > k {
			nbs = nbs[:k]
		}
		if len(nbs) == 0 {
			b.add(nil, nil)
			continue
		}

		w := gaussianWeights(nbs, sigma)
		var sum float64
		for _, v := range w {
			sum += v
		}
		cols := make([]int, 0, len(nbs)+1)
		vals := make([]float64, 0, len(nbs)+1)
		cols = append(cols, i)
		vals = append(vals, 1)
		for j, nb := range nbs {
			cols = append(cols, nb.Index)
			vals = append(vals, -w[j]/sum)
		}
		b.add(cols, vals)
	}
	return b.csr(), nil
}
