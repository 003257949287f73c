package thickness

import (
	"github.com/james-bowman/sparse"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/spatial/r3"

	"treeces/pkg/interpolation"
	"treeces/pkg/model"
	"treeces/pkg/optimize"
)

// regularizedProblem fits per-point m and t with shared ρs, ρb and σ.
// Variables are laid out as [m (N), t (N), ρs, ρb, σ].
type regularizedProblem struct {
	*problem
	l      *sparse.CSR
	lambda float64
	n      int

	lv, ltl []float64
	g       paramGrads
}

func newRegularizedProblem(p *problem, l *sparse.CSR, lambda float64) *regularizedProblem {
	n, _ := l.Dims()
	return &regularizedProblem{
		problem: p,
		l:       l,
		lambda:  lambda,
		n:       n,
		lv:      make([]float64, n),
		ltl:     make([]float64, n),
		g:       newParamGrads(n, n, 1, 1, 1),
	}
}

func (r *regularizedProblem) loss(v, grad []float64) float64 {
	n := r.n
	m, t := v[:n], v[n:2*n]
	rhoS, rhoB, sigma := v[2*n], v[2*n+1], v[2*n+2]

	l := r.data(func(i int) model.Point {
		return model.Point{M: m[i], T: t[i], RhoS: rhoS, RhoB: rhoB, Sigma: sigma}
	}, r.g)
	copy(grad[:n], r.g.M)
	copy(grad[n:2*n], r.g.T)
	grad[2*n] = r.g.RhoS[0]
	grad[2*n+1] = r.g.RhoB[0]
	grad[2*n+2] = r.g.Sigma[0]

	// ½λ·mean((L·v)²) with gradient (λ/N)·LᵀL·v
	scale := r.lambda / float64(n)
	for k, field := range [][]float64{m, t} {
		interpolation.MulVec(r.lv, r.l, field)
		l += 0.5 * scale * floats.Dot(r.lv, r.lv)
		interpolation.MulTransVec(r.ltl, r.l, r.lv)
		floats.AddScaled(grad[k*n:(k+1)*n], scale, r.ltl)
	}
	return l
}

// fitRegularized runs a single L-BFGS-B fit over every point with a Laplacian
// smoothness penalty on m and t.
func (ft *Fitter) fitRegularized(p *problem, warm model.Point, points []r3.Vec, res *Result) error {
	o := ft.opts
	n := len(points)
	mRange := profileRange(p.x)

	lap, err := interpolation.LaplacianMatrix(points, o.Neighbours, o.SigmaR)
	if err != nil {
		return errors.Wrap(err, "regularisation matrix")
	}

	x0 := make([]float64, 2*n+3)
	for i := 0; i < n; i++ {
		x0[i] = warm.M
		x0[n+i] = warm.T
	}
	x0[2*n], x0[2*n+1], x0[2*n+2] = warm.RhoS, warm.RhoB, warm.Sigma

	b := optimize.NewBounds(2*n+3, 0, 0)
	b.Set(0, n, mRange[0], mRange[1])
	b.Set(n, 2*n, o.ThicknessBounds[0], o.ThicknessBounds[1])
	b.Set(2*n, 2*n+1, o.RhoSBounds[0], o.RhoSBounds[1])
	b.Set(2*n+1, 2*n+2, o.RhoBBounds[0], o.RhoBBounds[1])
	b.Set(2*n+2, 2*n+3, o.SigmaBounds[0], o.SigmaBounds[1])

	rp := newRegularizedProblem(p, lap, o.Lambda)
	out, err := optimize.LBFGSB(rp.loss, x0, b, o.Optimizer)
	if err != nil {
		return errors.Wrap(err, "regularised fit")
	}
	if !out.Converged() {
		res.warnf("regularised fit stopped with status %v after %d iterations", out.Status, out.Iterations)
	}

	v := out.X
	for i := 0; i < n; i++ {
		q := model.Point{M: v[i], T: v[n+i], RhoS: v[2*n], RhoB: v[2*n+1], Sigma: v[2*n+2]}
		if finite(q) {
			res.store(i, q)
		}
	}
	return nil
}
