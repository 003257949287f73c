package optimize

import (
	"math"

	"github.com/pkg/errors"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
	gonumopt "gonum.org/v1/gonum/optimize"
)

// Residuals writes the residual vector r(x) and, when jac is not nil, the
// Jacobian ∂r/∂x with one row per residual.
type Residuals func(x, r []float64, jac *mat.Dense)

const (
	initialDamping = 1e-3
	// tolerance tests only apply once the damping is this small, so the
	// accepted step is close to the Gauss-Newton step
	gaussNewtonDamping = 1e-2
	maxDamping         = 1e16
	minDamping         = 1e-12
	minDiagonal        = 1e-12
	stepTol            = 1e-10
)

// LeastSquares minimises ½‖r(x)‖² over the box b with a Levenberg-Marquardt
// iteration. The damping λ multiplies the diagonal of JᵀJ, variables held at
// a bound by the gradient are frozen for the step, and trial points are
// projected into the box. m is the number of residuals. When no damping gives
// a decrease the run stops with Failure.
func LeastSquares(fn Residuals, m int, x0 []float64, b Bounds, s Settings) (*Result, error) {
	n := len(x0)
	if n == 0 || m == 0 {
		return nil, errors.Errorf("least squares needs variables and residuals, got %d and %d", n, m)
	}
	if err := b.check(n); err != nil {
		return nil, err
	}

	x := append([]float64(nil), x0...)
	b.Project(x)
	r := make([]float64, m)
	jac := mat.NewDense(m, n, nil)
	fn(x, r, jac)
	cost := 0.5 * floats.Dot(r, r)
	res := &Result{FuncEvals: 1}
	if math.IsNaN(cost) || math.IsInf(cost, 0) {
		return nil, errors.Errorf("residuals are not finite at the starting point")
	}

	var (
		jtj    mat.SymDense
		g      = make([]float64, n)
		pg     = make([]float64, n)
		free   = make([]bool, n)
		xNew   = make([]float64, n)
		rNew   = make([]float64, m)
		jacNew = mat.NewDense(m, n, nil)
		damp   = initialDamping
	)

	normal := func() {
		jtj.SymOuterK(1, jac.T())
		gv := mat.NewVecDense(n, g)
		gv.MulVec(jac.T(), mat.NewVecDense(m, r))
	}
	normal()

	status := gonumopt.NotTerminated
	for res.Iterations = 0; ; res.Iterations++ {
		b.projectedGradient(pg, free, x, g)
		if floats.Norm(pg, math.Inf(1)) <= s.GradientTol {
			status = gonumopt.GradientThreshold
			break
		}
		if s.MaxIterations > 0 && res.Iterations >= s.MaxIterations {
			status = gonumopt.IterationLimit
			break
		}

		var idx []int
		for i, f := range free {
			if f {
				idx = append(idx, i)
			}
		}

		improved := false
		for damp < maxDamping {
			delta, ok := dampedStep(&jtj, g, idx, damp)
			if !ok {
				damp *= 10
				continue
			}
			copy(xNew, x)
			for k, i := range idx {
				xNew[i] += delta[k]
			}
			b.Project(xNew)
			fn(xNew, rNew, jacNew)
			res.FuncEvals++
			costNew := 0.5 * floats.Dot(rNew, rNew)
			if costNew < cost && !math.IsNaN(costNew) {
				stepNorm := floats.Distance(xNew, x, 2)
				reduction := cost - costNew
				copy(x, xNew)
				copy(r, rNew)
				jac, jacNew = jacNew, jac
				cost = costNew
				normal()
				nearGaussNewton := damp <= gaussNewtonDamping
				damp = math.Max(damp/3, minDamping)
				improved = true
				switch {
				case !nearGaussNewton:
				case reduction <= s.FunctionTol*math.Max(cost+reduction, minDiagonal):
					status = gonumopt.FunctionConvergence
				case stepNorm <= stepTol*(floats.Norm(x, 2)+stepTol):
					status = gonumopt.StepConvergence
				}
				break
			}
			damp *= 10
		}
		if !improved {
			status = gonumopt.Failure
			break
		}
		if status != gonumopt.NotTerminated {
			res.Iterations++
			break
		}
	}

	res.X = x
	res.F = cost
	res.Status = status
	return res, nil
}

// dampedStep solves (JᵀJ + λ·diag(JᵀJ)) δ = -g over the free variables idx
func dampedStep(jtj *mat.SymDense, g []float64, idx []int, damp float64) ([]float64, bool) {
	k := len(idx)
	if k == 0 {
		return nil, false
	}
	a := mat.NewSymDense(k, nil)
	rhs := mat.NewVecDense(k, nil)
	for p, i := range idx {
		for q := p; q < k; q++ {
			a.SetSym(p, q, jtj.At(i, idx[q]))
		}
		d := math.Max(jtj.At(i, i), minDiagonal)
		a.SetSym(p, p, jtj.At(i, i)+damp*d)
		rhs.SetVec(p, -g[i])
	}
	var chol mat.Cholesky
	if !chol.Factorize(a) {
		return nil, false
	}
	var delta mat.VecDense
	if err := chol.SolveVecTo(&delta, rhs); err != nil {
		return nil, false
	}
	return delta.RawVector().Data, true
}
