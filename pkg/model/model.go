// Package model implements the parametric intensity model of a cortical shell
// sampled along a line through the bone surface.
//
// Along a profile with offset x (negative in soft tissue, positive in bone) the
// intensity is
//
//	f(x) = ρs + ½(ρc−ρs)(1+erf((x−m+t/2)/(σ√2))) + ½(ρb−ρc)(1+erf((x−m−t/2)/(σ√2)))
//
// i.e. soft tissue of density ρs, a cortex of density ρc and thickness t centred
// at m, and trabecular bone of density ρb, all blurred by a Gaussian of width σ.
package model

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"
)

// erfSlope is 2/√π, the derivative of erf at zero
var erfSlope = 2 / math.Sqrt(math.Pi)

// Model holds the cortical density, either one global value or one value per point.
type Model struct {
	density []float64
}

// NewGlobal creates a model with a single cortical density for every point
func NewGlobal(rhoC float64) *Model {
	return &Model{density: []float64{rhoC}}
}

// NewPerPoint creates a model with one cortical density per point
func NewPerPoint(rhoC []float64) *Model {
	d := make([]float64, len(rhoC))
	copy(d, rhoC)
	return &Model{density: d}
}

// NewFromProfiles creates a per-point model whose cortical density is the
// maximum intensity of each profile row.
func NewFromProfiles(f *mat.Dense) *Model {
	rows, _ := f.Dims()
	d := make([]float64, rows)
	for i := range d {
		d[i] = mat.Max(f.RowView(i))
	}
	return &Model{density: d}
}

// PerPoint reports whether the cortical density varies per point
func (m *Model) PerPoint() bool { return len(m.density) > 1 }

// CorticalDensity returns ρc for point i
func (m *Model) CorticalDensity(i int) float64 {
	if len(m.density) == 1 {
		return m.density[0]
	}
	return m.density[i]
}

// Point is the full parameter set of a single profile
type Point struct {
	M, T, RhoS, RhoB, Sigma float64
}

// Params holds parameter columns for many points. A column of length one is
// broadcast to every point.
type Params struct {
	M, T, RhoS, RhoB, Sigma []float64
}

// Uniform returns parameters that apply the same point to n profiles
func Uniform(q Point) Params {
	return Params{
		M:     []float64{q.M},
		T:     []float64{q.T},
		RhoS:  []float64{q.RhoS},
		RhoB:  []float64{q.RhoB},
		Sigma: []float64{q.Sigma},
	}
}

// At returns the parameters of point i
func (p Params) At(i int) Point {
	return Point{
		M:     column(p.M, i),
		T:     column(p.T, i),
		RhoS:  column(p.RhoS, i),
		RhoB:  column(p.RhoB, i),
		Sigma: column(p.Sigma, i),
	}
}

// Len returns the number of points the columns describe
func (p Params) Len() int {
	n := 1
	for _, c := range [][]float64{p.M, p.T, p.RhoS, p.RhoB, p.Sigma} {
		if len(c) > n {
			n = len(c)
		}
	}
	return n
}

func column(c []float64, i int) float64 {
	if len(c) == 1 {
		return c[0]
	}
	return c[i]
}

// StepHeights returns the soft tissue to cortex and cortex to trabecular jumps.
// They always sum to ρb−ρs.
func StepHeights(rhoS, rhoB, rhoC float64) (outer, inner float64) {
	return rhoC - rhoS, rhoB - rhoC
}

// Profile evaluates the model for point i at every offset in x, writing into dst
func (m *Model) Profile(dst, x []float64, i int, q Point) {
	rhoC := m.CorticalDensity(i)
	outer, inner := StepHeights(q.RhoS, q.RhoB, rhoC)
	scale := 1 / (q.Sigma * math.Sqrt2)
	for j, xj := range x {
		a := (xj - q.M + q.T/2) * scale
		b := (xj - q.M - q.T/2) * scale
		dst[j] = q.RhoS + 0.5*outer*(1+math.Erf(a)) + 0.5*inner*(1+math.Erf(b))
	}
}

// RowGradients holds the model value and its partial derivatives along one profile
type RowGradients struct {
	F, M, T, RhoS, RhoB, Sigma []float64
}

// NewRowGradients allocates buffers for profiles of length n
func NewRowGradients(n int) RowGradients {
	buf := make([]float64, 6*n)
	return RowGradients{
		F:     buf[0:n],
		M:     buf[n : 2*n],
		T:     buf[2*n : 3*n],
		RhoS:  buf[3*n : 4*n],
		RhoB:  buf[4*n : 5*n],
		Sigma: buf[5*n : 6*n],
	}
}

// ProfileAndGradients evaluates the model and its analytic Jacobian for point i.
// Both erf terms differentiate to Gaussians.
func (m *Model) ProfileAndGradients(g RowGradients, x []float64, i int, q Point) {
	rhoC := m.CorticalDensity(i)
	outer, inner := StepHeights(q.RhoS, q.RhoB, rhoC)
	scale := 1 / (q.Sigma * math.Sqrt2)
	for j, xj := range x {
		a := (xj - q.M + q.T/2) * scale
		b := (xj - q.M - q.T/2) * scale
		ea, eb := math.Erf(a), math.Erf(b)
		// derivatives of ½·h·(1+erf(u)) with respect to u
		da := 0.5 * outer * erfSlope * math.Exp(-a*a)
		db := 0.5 * inner * erfSlope * math.Exp(-b*b)

		g.F[j] = q.RhoS + 0.5*outer*(1+ea) + 0.5*inner*(1+eb)
		g.M[j] = -(da + db) * scale
		g.T[j] = 0.5 * (da - db) * scale
		g.RhoS[j] = 0.5 * (1 - ea)
		g.RhoB[j] = 0.5 * (1 + eb)
		g.Sigma[j] = -(da*a + db*b) / q.Sigma
	}
}

// Gradients holds whole-matrix model values and derivatives, one row per point
type Gradients struct {
	F, M, T, RhoS, RhoB, Sigma *mat.Dense
}

// Intensities evaluates the model for every point (rows) and offset (columns)
func (m *Model) Intensities(x []float64, p Params) (*mat.Dense, error) {
	n, err := m.points(p)
	if err != nil {
		return nil, err
	}
	f := mat.NewDense(n, len(x), nil)
	for i := 0; i < n; i++ {
		m.Profile(f.RawRowView(i), x, i, p.At(i))
	}
	return f, nil
}

// IntensitiesAndGradients evaluates the model and all partial derivatives for
// every point and offset.
func (m *Model) IntensitiesAndGradients(x []float64, p Params) (Gradients, error) {
	n, err := m.points(p)
	if err != nil {
		return Gradients{}, err
	}
	cols := len(x)
	g := Gradients{
		F:     mat.NewDense(n, cols, nil),
		M:     mat.NewDense(n, cols, nil),
		T:     mat.NewDense(n, cols, nil),
		RhoS:  mat.NewDense(n, cols, nil),
		RhoB:  mat.NewDense(n, cols, nil),
		Sigma: mat.NewDense(n, cols, nil),
	}
	for i := 0; i < n; i++ {
		row := RowGradients{
			F:     g.F.RawRowView(i),
			M:     g.M.RawRowView(i),
			T:     g.T.RawRowView(i),
			RhoS:  g.RhoS.RawRowView(i),
			RhoB:  g.RhoB.RawRowView(i),
			Sigma: g.Sigma.RawRowView(i),
		}
		m.ProfileAndGradients(row, x, i, p.At(i))
	}
	return g, nil
}

// points resolves the broadcast point count of parameters and density
func (m *Model) points(p Params) (int, error) {
	n := p.Len()
	if m.PerPoint() && len(m.density) > n {
		n = len(m.density)
	}
	for name, c := range map[string][]float64{"m": p.M, "t": p.T, "rho_s": p.RhoS, "rho_b": p.RhoB, "sigma": p.Sigma} {
		if len(c) != 1 && len(c) != n {
			return 0, fmt.Errorf("parameter %s has %d values, want 1 or %d", name, len(c), n)
		}
	}
	if m.PerPoint() && len(m.density) != n {
		return 0, fmt.Errorf("cortical density has %d values, want %d", len(m.density), n)
	}
	return n, nil
}
