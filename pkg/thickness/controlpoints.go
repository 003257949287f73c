package thickness

import (
	"github.com/james-bowman/sparse"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/spatial/r3"

	"treeces/internal/logging"
	"treeces/pkg/interpolation"
	"treeces/pkg/model"
	"treeces/pkg/optimize"
)

// controlProblem is one stage of the multiscale fit. Variables are laid out
// as [m (Q), t (Q), ρs, ρb, σ (Q)] and mapped to points through a.
type controlProblem struct {
	*problem
	a *sparse.CSR
	q int

	pm, pt, ps []float64 // per-point values
	g          paramGrads
}

func newControlProblem(p *problem, a *sparse.CSR) *controlProblem {
	n, q := a.Dims()
	return &controlProblem{
		problem: p,
		a:       a,
		q:       q,
		pm:      make([]float64, n),
		pt:      make([]float64, n),
		ps:      make([]float64, n),
		g:       newParamGrads(n, n, 1, 1, n),
	}
}

func (c *controlProblem) loss(v, grad []float64) float64 {
	q := c.q
	mc, tc, sc := v[:q], v[q:2*q], v[2*q+2:]
	rhoS, rhoB := v[2*q], v[2*q+1]
	interpolation.MulVec(c.pm, c.a, mc)
	interpolation.MulVec(c.pt, c.a, tc)
	interpolation.MulVec(c.ps, c.a, sc)

	l := c.data(func(i int) model.Point {
		return model.Point{M: c.pm[i], T: c.pt[i], RhoS: rhoS, RhoB: rhoB, Sigma: c.ps[i]}
	}, c.g)

	interpolation.MulTransVec(grad[:q], c.a, c.g.M)
	interpolation.MulTransVec(grad[q:2*q], c.a, c.g.T)
	grad[2*q] = c.g.RhoS[0]
	grad[2*q+1] = c.g.RhoB[0]
	interpolation.MulTransVec(grad[2*q+2:], c.a, c.g.Sigma)
	return l
}

// fitControlPoints runs one L-BFGS-B fit per control point separation,
// coarse to fine, each stage starting from the previous stage's per-point values.
func (ft *Fitter) fitControlPoints(p *problem, warm model.Point, points []r3.Vec, res *Result) error {
	o := ft.opts
	n := len(points)
	mRange := profileRange(p.x)

	pm := make([]float64, n)
	pt := make([]float64, n)
	ps := make([]float64, n)
	for i := range pm {
		pm[i], pt[i], ps[i] = warm.M, warm.T, warm.Sigma
	}
	rhoS, rhoB := warm.RhoS, warm.RhoB

	for stage, s := range o.Separations {
		idx, err := interpolation.SelectControlPoints(points, s, o.Seed+uint32(stage))
		if err != nil {
			return errors.Wrapf(err, "stage %d", stage+1)
		}
		ctrl := make([]r3.Vec, len(idx))
		for k, i := range idx {
			ctrl[k] = points[i]
		}
		a, err := interpolation.InterpolationMatrix(points, ctrl, o.Neighbours, s)
		if err != nil {
			return errors.Wrapf(err, "stage %d", stage+1)
		}
		q := len(idx)
		logging.Printf("  stage %d: separation %g, %d control points\n", stage+1, s, q)

		x0 := make([]float64, 3*q+2)
		for k, i := range idx {
			x0[k] = pm[i]
			x0[q+k] = pt[i]
			x0[2*q+2+k] = ps[i]
		}
		x0[2*q], x0[2*q+1] = rhoS, rhoB

		b := optimize.NewBounds(3*q+2, 0, 0)
		b.Set(0, q, mRange[0], mRange[1])
		b.Set(q, 2*q, o.ThicknessBounds[0], o.ThicknessBounds[1])
		b.Set(2*q, 2*q+1, o.RhoSBounds[0], o.RhoSBounds[1])
		b.Set(2*q+1, 2*q+2, o.RhoBBounds[0], o.RhoBBounds[1])
		b.Set(2*q+2, 3*q+2, o.SigmaBounds[0], o.SigmaBounds[1])

		cp := newControlProblem(p, a)
		out, err := optimize.LBFGSB(cp.loss, x0, b, o.Optimizer)
		if err != nil {
			return errors.Wrapf(err, "stage %d fit", stage+1)
		}
		if !out.Converged() {
			res.warnf("stage %d (separation %g) stopped with status %v after %d iterations", stage+1, s, out.Status, out.Iterations)
		}

		v := out.X
		rhoS, rhoB = v[2*q], v[2*q+1]
		if o.RBF {
			if err := expandThinPlate(pm, ctrl, v[:q], points, mRange); err != nil {
				return err
			}
			if err := expandThinPlate(pt, ctrl, v[q:2*q], points, o.ThicknessBounds); err != nil {
				return err
			}
			if err := expandThinPlate(ps, ctrl, v[2*q+2:], points, o.SigmaBounds); err != nil {
				return err
			}
		} else {
			interpolation.MulVec(pm, a, v[:q])
			interpolation.MulVec(pt, a, v[q:2*q])
			interpolation.MulVec(ps, a, v[2*q+2:])
		}
	}

	for i := 0; i < n; i++ {
		q := model.Point{M: pm[i], T: pt[i], RhoS: rhoS, RhoB: rhoB, Sigma: ps[i]}
		if finite(q) {
			res.store(i, q)
		}
	}
	return nil
}

// expandThinPlate evaluates a thin-plate spline through the control values at
// every point, clipped to bounds since splines can overshoot.
func expandThinPlate(dst []float64, ctrl []r3.Vec, values []float64, points []r3.Vec, bounds Interval) error {
	tp, err := interpolation.FitThinPlate(ctrl, values)
	if err != nil {
		return errors.Wrap(err, "control point spline")
	}
	for i, v := range tp.Evaluate(points) {
		dst[i] = bounds.Clip(v)
	}
	return nil
}
