package optimize

import (
	"math"

	"github.com/pkg/errors"
	"gonum.org/v1/gonum/floats"
	gonumopt "gonum.org/v1/gonum/optimize"
)

// Objective returns f(x) and writes ∇f(x) into grad
type Objective func(x, grad []float64) float64

const (
	armijo         = 1e-4
	contraction    = 0.5
	curvatureFloor = 1e-12
	// maxStalls is the number of consecutive backtracked iterations with a
	// negligible decrease after which the run is abandoned
	maxStalls = 5
)

type correction struct {
	s, y []float64
}

// LBFGSB minimises fn over the box b starting from x0, which is projected
// into the box first. Search directions come from the limited-memory BFGS
// two-loop recursion restricted to the free variables, and steps are
// projected back into the box with an Armijo backtracking line search.
// The run reports Failure when it cannot make progress away from a point
// whose projected gradient is still above GradientTol.
func LBFGSB(fn Objective, x0 []float64, b Bounds, s Settings) (*Result, error) {
	n := len(x0)
	if n == 0 {
		return nil, errors.New("no variables to optimise")
	}
	if err := b.check(n); err != nil {
		return nil, err
	}
	if s.Memory <= 0 {
		s.Memory = 10
	}

	x := append([]float64(nil), x0...)
	b.Project(x)
	g := make([]float64, n)
	f := fn(x, g)
	res := &Result{FuncEvals: 1}
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return nil, errors.Errorf("objective is %g at the starting point", f)
	}

	var (
		mem    []correction
		pg     = make([]float64, n)
		free   = make([]bool, n)
		d      = make([]float64, n)
		xNew   = make([]float64, n)
		gNew   = make([]float64, n)
		alpha  = make([]float64, s.Memory)
		stalls int
	)

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

		direction(d, pg, free, mem, alpha)
		slope := floats.Dot(d, g)
		if !(slope < 0) {
			mem = mem[:0]
			copy(d, pg)
			floats.Scale(-1, d)
			slope = floats.Dot(d, g)
		}

		step := 1.0
		if len(mem) == 0 {
			step = math.Min(1, 1/floats.Norm(pg, 2))
		}

		// Armijo backtracking along the projected path
		ls := &gonumopt.Backtracking{DecreaseFactor: armijo, ContractionFactor: contraction}
		op := ls.Init(f, slope, step)
		trials := 0
		fNew := math.NaN()
		for op == gonumopt.FuncEvaluation {
			copy(xNew, x)
			floats.AddScaled(xNew, step, d)
			b.Project(xNew)
			fNew = fn(xNew, gNew)
			res.FuncEvals++
			trials++
			var err error
			if op, step, err = ls.Iterate(fNew, math.NaN()); err != nil {
				break
			}
		}
		if op != gonumopt.MajorIteration {
			if len(mem) > 0 {
				// Retry from steepest descent before giving up
				mem = mem[:0]
				continue
			}
			status = gonumopt.Failure
			break
		}

		sv := make([]float64, n)
		yv := make([]float64, n)
		floats.SubTo(sv, xNew, x)
		floats.SubTo(yv, gNew, g)
		quasiNewton := len(mem) > 0
		if floats.Dot(sv, yv) > curvatureFloor*floats.Dot(yv, yv) {
			if len(mem) == s.Memory {
				mem = append(mem[:0], mem[1:]...)
			}
			mem = append(mem, correction{s: sv, y: yv})
		}

		reduction := f - fNew
		small := reduction <= s.FunctionTol*math.Max(math.Max(math.Abs(f), math.Abs(fNew)), 1)
		copy(x, xNew)
		copy(g, gNew)
		f = fNew
		// small decreases only count as convergence after a full quasi-Newton step
		switch {
		case small && quasiNewton && trials == 1:
			res.Iterations++
			status = gonumopt.FunctionConvergence
		case small:
			stalls++
			if stalls >= maxStalls {
				res.Iterations++
				status = gonumopt.Failure
			}
		default:
			stalls = 0
		}
		if status != gonumopt.NotTerminated {
			break
		}
	}

	res.X = x
	res.F = f
	res.Status = status
	return res, nil
}

// direction computes d = -H·pg using the stored corrections, restricted to the
// free variables. Bound variables get a zero component.
func direction(d, pg []float64, free []bool, mem []correction, alpha []float64) {
	masked := func(v []float64, i int) float64 {
		if free[i] {
			return v[i]
		}
		return 0
	}
	dot := func(a, b []float64) float64 {
		var sum float64
		for i := range a {
			if free[i] {
				sum += a[i] * b[i]
			}
		}
		return sum
	}

	for i := range d {
		d[i] = masked(pg, i)
	}

	rho := make([]float64, len(mem))
	for k := len(mem) - 1; k >= 0; k-- {
		sy := dot(mem[k].s, mem[k].y)
		if sy <= curvatureFloor {
			continue
		}
		rho[k] = 1 / sy
		alpha[k] = rho[k] * dot(mem[k].s, d)
		for i := range d {
			if free[i] {
				d[i] -= alpha[k] * mem[k].y[i]
			}
		}
	}

	gamma := 1.0
	for k := len(mem) - 1; k >= 0; k-- {
		if rho[k] != 0 {
			if yy := dot(mem[k].y, mem[k].y); yy > 0 {
				gamma = 1 / (rho[k] * yy)
			}
			break
		}
	}
	floats.Scale(gamma, d)

	for k := range mem {
		if rho[k] == 0 {
			continue
		}
		beta := rho[k] * dot(mem[k].y, d)
		for i := range d {
			if free[i] {
				d[i] += mem[k].s[i] * (alpha[k] - beta)
			}
		}
	}
	floats.Scale(-1, d)
}
