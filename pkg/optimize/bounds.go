// Package optimize provides box-constrained minimisers: a projected
// limited-memory BFGS for smooth objectives and a bounded Levenberg-Marquardt
// solver for nonlinear least squares.
package optimize

import (
	"math"

	"github.com/pkg/errors"
	gonumopt "gonum.org/v1/gonum/optimize"
)

// Bounds holds per-variable lower and upper limits. Infinite values are allowed.
type Bounds struct {
	Lower []float64
	Upper []float64
}

// NewBounds returns bounds of length n filled with the given limits
func NewBounds(n int, lower, upper float64) Bounds {
	b := Bounds{Lower: make([]float64, n), Upper: make([]float64, n)}
	for i := 0; i < n; i++ {
		b.Lower[i] = lower
		b.Upper[i] = upper
	}
	return b
}

// Set assigns the limits for variables [from, to)
func (b Bounds) Set(from, to int, lower, upper float64) {
	for i := from; i < to; i++ {
		b.Lower[i] = lower
		b.Upper[i] = upper
	}
}

func (b Bounds) check(n int) error {
	if len(b.Lower) != n || len(b.Upper) != n {
		return errors.Errorf("bounds have lengths %d and %d for %d variables", len(b.Lower), len(b.Upper), n)
	}
	for i := range b.Lower {
		if !(b.Lower[i] <= b.Upper[i]) {
			return errors.Errorf("variable %d has lower bound %g above upper bound %g", i, b.Lower[i], b.Upper[i])
		}
	}
	return nil
}

// Project clips x into the box in place
func (b Bounds) Project(x []float64) {
	for i := range x {
		x[i] = math.Min(math.Max(x[i], b.Lower[i]), b.Upper[i])
	}
}

// projectedGradient zeroes gradient components that point out of the box at
// an active bound and reports which variables are free.
func (b Bounds) projectedGradient(dst []float64, free []bool, x, g []float64) {
	for i := range x {
		atLower := x[i] <= b.Lower[i] && g[i] > 0
		atUpper := x[i] >= b.Upper[i] && g[i] < 0
		fixed := b.Lower[i] == b.Upper[i]
		free[i] = !(atLower || atUpper || fixed)
		if free[i] {
			dst[i] = g[i]
		} else {
			dst[i] = 0
		}
	}
}

// Settings controls termination
type Settings struct {
	MaxIterations int
	// FunctionTol stops when the relative reduction of the objective in one
	// iteration falls below it.
	FunctionTol float64
	// GradientTol stops when the infinity norm of the projected gradient falls below it.
	GradientTol float64
	// Memory is the number of correction pairs kept by LBFGSB
	Memory int
}

// DefaultSettings mirrors the usual L-BFGS-B defaults
func DefaultSettings() Settings {
	return Settings{
		MaxIterations: 15000,
		FunctionTol:   2.220446049250313e-09,
		GradientTol:   1e-5,
		Memory:        10,
	}
}

// Result is the outcome of a minimisation
type Result struct {
	X          []float64
	F          float64
	Iterations int
	FuncEvals  int
	Status     gonumopt.Status
}

// Converged reports whether the run stopped on a tolerance rather than a limit or failure
func (r *Result) Converged() bool {
	switch r.Status {
	case gonumopt.Success, gonumopt.FunctionConvergence, gonumopt.GradientThreshold, gonumopt.StepConvergence:
		return true
	}
	return false
}
