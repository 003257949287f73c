package interpolation

import (
	"math"

	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/spatial/r3"
)

// ThinPlate is a thin-plate spline φ(r) = r² log r with a linear polynomial
// tail, fitted to scalar values at a set of centres.
type ThinPlate struct {
	centers []r3.Vec
	weights []float64
	origin  r3.Vec
	axes    []r3.Vec  // polynomial directions with non-zero spread
	poly    []float64 // constant term followed by one coefficient per axis
}

func thinPlateKernel(r float64) float64 {
	if r == 0 {
		return 0
	}
	return r * r * math.Log(r)
}

// FitThinPlate solves the interpolation system for values given at centers.
// The linear tail only spans the directions the centres actually vary in, so
// planar or collinear centre sets remain solvable.
func FitThinPlate(centers []r3.Vec, values []float64) (*ThinPlate, error) {
	q := len(centers)
	if q == 0 {
		return nil, errors.New("thin-plate spline needs at least one centre")
	}
	if len(values) != q {
		return nil, errors.Errorf("got %d values for %d centres", len(values), q)
	}

	tp := &ThinPlate{centers: centers}
	for _, c := range centers {
		tp.origin = r3.Add(tp.origin, c)
	}
	tp.origin = r3.Scale(1/float64(q), tp.origin)
	tp.axes = principalAxes(centers, tp.origin)

	np := 1 + len(tp.axes)
	n := q + np
	a := mat.NewDense(n, n, nil)
	b := mat.NewVecDense(n, nil)
	for i := 0; i < q; i++ {
		for j := 0; j < i; j++ {
			v := thinPlateKernel(r3.Norm(r3.Sub(centers[i], centers[j])))
			a.Set(i, j, v)
			a.Set(j, i, v)
		}
		for k, p := range tp.basis(centers[i]) {
			a.Set(i, q+k, p)
			a.Set(q+k, i, p)
		}
		b.SetVec(i, values[i])
	}

	var qr mat.QR
	qr.Factorize(a)
	x := mat.NewDense(n, 1, nil)
	if err := qr.SolveTo(x, false, b); err != nil {
		var cond mat.Condition
		if !errors.As(err, &cond) {
			return nil, errors.Wrap(err, "thin-plate spline solve")
		}
	}
	for i := 0; i < n; i++ {
		if v := x.At(i, 0); math.IsNaN(v) || math.IsInf(v, 0) {
			return nil, errors.New("thin-plate spline system is singular")
		}
	}

	tp.weights = make([]float64, q)
	for i := range tp.weights {
		tp.weights[i] = x.At(i, 0)
	}
	tp.poly = make([]float64, np)
	for k := range tp.poly {
		tp.poly[k] = x.At(q+k, 0)
	}
	return tp, nil
}

// basis returns the polynomial terms at p
func (tp *ThinPlate) basis(p r3.Vec) []float64 {
	out := make([]float64, 1+len(tp.axes))
	out[0] = 1
	d := r3.Sub(p, tp.origin)
	for k, ax := range tp.axes {
		out[1+k] = r3.Dot(d, ax)
	}
	return out
}

// At evaluates the spline at p
func (tp *ThinPlate) At(p r3.Vec) float64 {
	var v float64
	for i, c := range tp.centers {
		v += tp.weights[i] * thinPlateKernel(r3.Norm(r3.Sub(p, c)))
	}
	for k, b := range tp.basis(p) {
		v += tp.poly[k] * b
	}
	return v
}

// Evaluate evaluates the spline at every point
func (tp *ThinPlate) Evaluate(points []r3.Vec) []float64 {
	out := make([]float64, len(points))
	for i, p := range points {
		out[i] = tp.At(p)
	}
	return out
}

// principalAxes returns the right singular vectors of the centred coordinates
// whose singular values are not negligible.
func principalAxes(points []r3.Vec, origin r3.Vec) []r3.Vec {
	if len(points) < 2 {
		return nil
	}
	m := mat.NewDense(len(points), 3, nil)
	for i, p := range points {
		d := r3.Sub(p, origin)
		m.SetRow(i, []float64{d.X, d.Y, d.Z})
	}
	var svd mat.SVD
	if !svd.Factorize(m, mat.SVDThin) {
		return nil
	}
	sv := svd.Values(nil)
	var v mat.Dense
	svd.VTo(&v)

	var axes []r3.Vec
	for k, s := range sv {
		if s > 1e-8*sv[0] && s > 0 {
			axes = append(axes, r3.Vec{X: v.At(0, k), Y: v.At(1, k), Z: v.At(2, k)})
		}
	}
	if len(axes) > len(points)-1 {
		axes = axes[:len(points)-1]
	}
	return axes
}
