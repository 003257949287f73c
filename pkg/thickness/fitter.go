// Package thickness fits the cortical shell model to intensity profiles
// sampled along surface normals.
package thickness

import (
	"fmt"
	"math"

	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/spatial/r3"

	"treeces/internal/logging"
	"treeces/pkg/model"
	"treeces/pkg/optimize"
)

// ErrInvariant marks inputs that violate a structural requirement of the fit
var ErrInvariant = errors.New("invariant violation")

// pinnedWarnFraction is the share of points with thickness at a bound above
// which a warning is raised
const pinnedWarnFraction = 0.5

// Result holds the fitted parameters for every active point
type Result struct {
	M, T, Sigma, RhoS, RhoB []float64
	// Updated is false for points whose fit was discarded
	Updated []bool
	// WarmStart is the shared fit every strategy starts from
	WarmStart model.Point
	// Pinned counts updated points whose thickness lies on a bound
	Pinned   int
	Warnings []string
}

func (r *Result) warnf(format string, args ...interface{}) {
	msg := fmt.Sprintf(format, args...)
	r.Warnings = append(r.Warnings, msg)
	logging.Warnf("%s", msg)
}

// Fitter runs one of the fitting strategies
type Fitter struct {
	opts Options
}

// New validates opts and returns a Fitter
func New(opts Options) (*Fitter, error) {
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	return &Fitter{opts: opts}, nil
}

// Options returns the options the fitter was created with
func (ft *Fitter) Options() Options { return ft.opts }

// problem is the data shared by every loss: the sample axis, the profile
// matrix, the residual weights and the model.
type problem struct {
	model *model.Model
	x     []float64
	f     *mat.Dense
	gamma []float64
	row   model.RowGradients
}

// paramGrads receives loss gradients per point. A slice of length one
// accumulates the gradient of a parameter shared by every point.
type paramGrads struct {
	M, T, RhoS, RhoB, Sigma []float64
}

func newParamGrads(m, t, rhoS, rhoB, sigma int) paramGrads {
	return paramGrads{
		M:     make([]float64, m),
		T:     make([]float64, t),
		RhoS:  make([]float64, rhoS),
		RhoB:  make([]float64, rhoB),
		Sigma: make([]float64, sigma),
	}
}

func (g paramGrads) zero() {
	for _, s := range [][]float64{g.M, g.T, g.RhoS, g.RhoB, g.Sigma} {
		for i := range s {
			s[i] = 0
		}
	}
}

func accumulate(g []float64, i int, v float64) {
	if len(g) == 1 {
		g[0] += v
		return
	}
	g[i] += v
}

// data returns ½·mean γ(f̂−F)² over all points and samples and writes the
// gradient with respect to the parameters returned by at into g.
func (p *problem) data(at func(i int) model.Point, g paramGrads) float64 {
	n, m := p.f.Dims()
	scale := 1 / float64(n*m)
	g.zero()
	var loss float64
	for i := 0; i < n; i++ {
		p.model.ProfileAndGradients(p.row, p.x, i, at(i))
		obs := p.f.RawRowView(i)
		var sm, st, ss, sb, sg float64
		for j := range p.x {
			r := p.row.F[j] - obs[j]
			wr := p.gamma[j] * r
			loss += wr * r
			sm += wr * p.row.M[j]
			st += wr * p.row.T[j]
			ss += wr * p.row.RhoS[j]
			sb += wr * p.row.RhoB[j]
			sg += wr * p.row.Sigma[j]
		}
		accumulate(g.M, i, sm*scale)
		accumulate(g.T, i, st*scale)
		accumulate(g.RhoS, i, ss*scale)
		accumulate(g.RhoB, i, sb*scale)
		accumulate(g.Sigma, i, sg*scale)
	}
	return 0.5 * loss * scale
}

// residualWeights boosts residuals near the nominal surface: β at x=0 falling
// linearly to 1 at the largest |x|.
func residualWeights(x []float64, beta float64) []float64 {
	var maxAbs float64
	for _, v := range x {
		maxAbs = math.Max(maxAbs, math.Abs(v))
	}
	w := make([]float64, len(x))
	for j, v := range x {
		if maxAbs == 0 {
			w[j] = beta
			continue
		}
		w[j] = beta + (1-beta)*math.Abs(v)/maxAbs
	}
	return w
}

// Fit estimates the model parameters of every profile. f has one row per
// active point and one column per offset in x. points holds the coordinates
// of the active points and is only used by the global strategies.
func (ft *Fitter) Fit(x []float64, f *mat.Dense, points []r3.Vec) (*Result, error) {
	if f == nil {
		return nil, errors.Wrap(ErrInvariant, "no sample matrix")
	}
	n, m := f.Dims()
	if n == 0 {
		return nil, errors.Wrap(ErrInvariant, "active point set is empty")
	}
	if m != len(x) || m < 2 {
		return nil, errors.Wrapf(ErrInvariant, "sample matrix has %d columns for %d offsets", m, len(x))
	}
	if ft.opts.Mode != Local && len(points) != n {
		return nil, errors.Wrapf(ErrInvariant, "%d points for %d profiles", len(points), n)
	}

	var mdl *model.Model
	if ft.opts.CorticalDensity != nil {
		mdl = model.NewGlobal(*ft.opts.CorticalDensity)
	} else {
		mdl = model.NewFromProfiles(f)
	}
	p := &problem{
		model: mdl,
		x:     x,
		f:     f,
		gamma: residualWeights(x, ft.opts.ResidualBoost),
		row:   model.NewRowGradients(len(x)),
	}

	res := &Result{
		M:       make([]float64, n),
		T:       make([]float64, n),
		Sigma:   make([]float64, n),
		RhoS:    make([]float64, n),
		RhoB:    make([]float64, n),
		Updated: make([]bool, n),
	}

	warm, err := ft.warmStart(p, res)
	if err != nil {
		return nil, err
	}
	res.WarmStart = warm
	logging.Printf("Warm start: m=%.3f t=%.3f rho_s=%.1f rho_b=%.1f sigma=%.3f\n",
		warm.M, warm.T, warm.RhoS, warm.RhoB, warm.Sigma)

	switch ft.opts.Mode {
	case Local:
		err = ft.fitLocal(p, warm, res)
	case GlobalInterpolation:
		err = ft.fitControlPoints(p, warm, points, res)
	case GlobalRegularization:
		err = ft.fitRegularized(p, warm, points, res)
	default:
		err = errors.Errorf("unknown fitting mode %d", ft.opts.Mode)
	}
	if err != nil {
		return nil, err
	}

	ft.collapseUnresolved(p, res)
	ft.countPinned(res)
	return res, nil
}

// profileRange is the admissible interval for the cortex centre m
func profileRange(x []float64) Interval {
	return Interval{x[0], x[len(x)-1]}
}

// warmStart fits one parameter set shared by every profile
func (ft *Fitter) warmStart(p *problem, res *Result) (model.Point, error) {
	o := ft.opts
	mRange := profileRange(p.x)
	x0 := []float64{
		mRange.Clip(0),
		o.initialThickness(),
		o.RhoSBounds.Clip(o.RhoSGuess),
		o.RhoBBounds.Clip(o.RhoBGuess),
		o.SigmaBounds.Clip(o.SigmaGuess),
	}
	b := optimize.Bounds{
		Lower: []float64{mRange[0], o.ThicknessBounds[0], o.RhoSBounds[0], o.RhoBBounds[0], o.SigmaBounds[0]},
		Upper: []float64{mRange[1], o.ThicknessBounds[1], o.RhoSBounds[1], o.RhoBBounds[1], o.SigmaBounds[1]},
	}

	g := newParamGrads(1, 1, 1, 1, 1)
	loss := func(v, grad []float64) float64 {
		q := model.Point{M: v[0], T: v[1], RhoS: v[2], RhoB: v[3], Sigma: v[4]}
		l := p.data(func(int) model.Point { return q }, g)
		grad[0], grad[1], grad[2], grad[3], grad[4] = g.M[0], g.T[0], g.RhoS[0], g.RhoB[0], g.Sigma[0]
		return l
	}

	out, err := optimize.LBFGSB(loss, x0, b, o.Optimizer)
	if err != nil {
		return model.Point{}, errors.Wrap(err, "warm start fit")
	}
	if !out.Converged() {
		res.warnf("warm start fit stopped with status %v after %d iterations", out.Status, out.Iterations)
	}
	return model.Point{M: out.X[0], T: out.X[1], RhoS: out.X[2], RhoB: out.X[3], Sigma: out.X[4]}, nil
}

// countPinned records how many updated points have thickness on a bound
func (ft *Fitter) countPinned(res *Result) {
	b := ft.opts.ThicknessBounds
	tol := 1e-6 * (b[1] - b[0])
	updated := 0
	for i, t := range res.T {
		if !res.Updated[i] {
			continue
		}
		updated++
		if t <= b[0]+tol || t >= b[1]-tol {
			res.Pinned++
		}
	}
	if updated > 0 && float64(res.Pinned) > pinnedWarnFraction*float64(updated) {
		res.warnf("thickness is pinned at a bound for %d of %d points", res.Pinned, updated)
	}
}

// store writes one point's parameters into the result
func (res *Result) store(i int, q model.Point) {
	res.M[i] = q.M
	res.T[i] = q.T
	res.Sigma[i] = q.Sigma
	res.RhoS[i] = q.RhoS
	res.RhoB[i] = q.RhoB
	res.Updated[i] = true
}

func finite(q model.Point) bool {
	for _, v := range []float64{q.M, q.T, q.RhoS, q.RhoB, q.Sigma} {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return false
		}
	}
	return true
}
