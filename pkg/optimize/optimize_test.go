package optimize

import (
	"math"
	"testing"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
	gonumopt "gonum.org/v1/gonum/optimize"
)

func rosenbrock(x, grad []float64) float64 {
	a, b := 1-x[0], x[1]-x[0]*x[0]
	grad[0] = -2*a - 400*x[0]*b
	grad[1] = 200 * b
	return a*a + 100*b*b
}

// TestLBFGSBRosenbrock verifies unconstrained-like convergence inside wide bounds
func TestLBFGSBRosenbrock(t *testing.T) {
	s := DefaultSettings()
	s.GradientTol = 1e-8
	s.FunctionTol = 0
	res, err := LBFGSB(rosenbrock, []float64{-1.2, 1}, NewBounds(2, -5, 5), s)
	if err != nil {
		t.Fatalf("LBFGSB failed: %v", err)
	}
	if !res.Converged() {
		t.Errorf("Expected convergence, got status %v", res.Status)
	}
	if !floats.EqualApprox(res.X, []float64{1, 1}, 1e-4) {
		t.Errorf("Expected minimum at (1,1), got %v", res.X)
	}
}

// TestLBFGSBActiveBounds verifies the solution sits on the bound when the
// unconstrained minimum lies outside the box
func TestLBFGSBActiveBounds(t *testing.T) {
	tests := []struct {
		name   string
		lower  []float64
		upper  []float64
		target []float64
		want   []float64
	}{
		{"interior", []float64{-10, -10, -10}, []float64{10, 10, 10}, []float64{1, 2, 3}, []float64{1, 2, 3}},
		{"upper active", []float64{-10, -10, -10}, []float64{0.5, 10, 2}, []float64{1, 2, 3}, []float64{0.5, 2, 2}},
		{"lower active", []float64{2, -10, 4}, []float64{10, 10, 10}, []float64{1, 2, 3}, []float64{2, 2, 4}},
		{"fixed variable", []float64{0, -10, -10}, []float64{0, 10, 10}, []float64{1, 2, 3}, []float64{0, 2, 3}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			scale := []float64{1, 10, 0.1}
			fn := func(x, grad []float64) float64 {
				var f float64
				for i := range x {
					d := x[i] - tt.target[i]
					f += 0.5 * scale[i] * d * d
					grad[i] = scale[i] * d
				}
				return f
			}
			visited := true
			bounded := func(x, grad []float64) float64 {
				for i := range x {
					if x[i] < tt.lower[i] || x[i] > tt.upper[i] {
						visited = false
					}
				}
				return fn(x, grad)
			}
			s := DefaultSettings()
			s.GradientTol = 1e-9
			s.FunctionTol = 0
			res, err := LBFGSB(bounded, []float64{5, 5, 5}, Bounds{Lower: tt.lower, Upper: tt.upper}, s)
			if err != nil {
				t.Fatalf("LBFGSB failed: %v", err)
			}
			if !visited {
				t.Error("Objective evaluated outside the bounds")
			}
			if !floats.EqualApprox(res.X, tt.want, 1e-6) {
				t.Errorf("Expected %v, got %v (status %v)", tt.want, res.X, res.Status)
			}
		})
	}
}

// TestLBFGSBIterationLimit verifies the iteration limit status
func TestLBFGSBIterationLimit(t *testing.T) {
	s := DefaultSettings()
	s.MaxIterations = 3
	s.FunctionTol = 0
	s.GradientTol = 0
	res, err := LBFGSB(rosenbrock, []float64{-1.2, 1}, NewBounds(2, -5, 5), s)
	if err != nil {
		t.Fatalf("LBFGSB failed: %v", err)
	}
	if res.Status != gonumopt.IterationLimit {
		t.Errorf("Expected IterationLimit, got %v", res.Status)
	}
	if res.Iterations != 3 {
		t.Errorf("Expected 3 iterations, got %d", res.Iterations)
	}
}

// TestInvalidBounds verifies bound validation
func TestInvalidBounds(t *testing.T) {
	if _, err := LBFGSB(rosenbrock, []float64{0, 0}, NewBounds(2, 1, -1), DefaultSettings()); err == nil {
		t.Error("Expected error for inverted bounds")
	}
	if _, err := LBFGSB(rosenbrock, []float64{0, 0}, NewBounds(3, -1, 1), DefaultSettings()); err == nil {
		t.Error("Expected error for mismatched bounds")
	}
	if _, err := LeastSquares(func(x, r []float64, j *mat.Dense) {}, 2, []float64{0}, NewBounds(1, 1, 0), DefaultSettings()); err == nil {
		t.Error("Expected error for inverted least squares bounds")
	}
}

// expModel fits y = a·exp(-k·t) + c
func expResiduals(ts, ys []float64) Residuals {
	return func(x, r []float64, jac *mat.Dense) {
		for i, t := range ts {
			e := math.Exp(-x[1] * t)
			r[i] = x[0]*e + x[2] - ys[i]
			if jac != nil {
				jac.Set(i, 0, e)
				jac.Set(i, 1, -x[0]*t*e)
				jac.Set(i, 2, 1)
			}
		}
	}
}

// TestLeastSquares verifies recovery of exponential decay parameters
func TestLeastSquares(t *testing.T) {
	truth := []float64{3, 0.7, 0.5}
	ts := make([]float64, 40)
	ys := make([]float64, 40)
	for i := range ts {
		ts[i] = float64(i) * 0.25
		ys[i] = truth[0]*math.Exp(-truth[1]*ts[i]) + truth[2]
	}

	s := DefaultSettings()
	s.FunctionTol = 1e-15
	s.GradientTol = 1e-12
	res, err := LeastSquares(expResiduals(ts, ys), len(ts), []float64{1, 0.1, 0}, NewBounds(3, -10, 10), s)
	if err != nil {
		t.Fatalf("LeastSquares failed: %v", err)
	}
	if !floats.EqualApprox(res.X, truth, 1e-5) {
		t.Errorf("Expected %v, got %v (status %v, cost %g)", truth, res.X, res.Status, res.F)
	}
	if !res.Converged() {
		t.Errorf("Expected convergence, got %v", res.Status)
	}
}

// TestLeastSquaresBounded verifies a bound on the decay rate is respected and active
func TestLeastSquaresBounded(t *testing.T) {
	ts := make([]float64, 30)
	ys := make([]float64, 30)
	for i := range ts {
		ts[i] = float64(i) * 0.3
		ys[i] = 2*math.Exp(-1.5*ts[i]) + 1
	}

	b := NewBounds(3, -10, 10)
	b.Set(1, 2, 0, 0.8)
	res, err := LeastSquares(expResiduals(ts, ys), len(ts), []float64{1, 0.2, 0}, b, DefaultSettings())
	if err != nil {
		t.Fatalf("LeastSquares failed: %v", err)
	}
	if res.X[1] < 0 || res.X[1] > 0.8 {
		t.Errorf("Decay rate %f left the box", res.X[1])
	}
	if math.Abs(res.X[1]-0.8) > 1e-6 {
		t.Errorf("Expected decay rate pinned at 0.8, got %f", res.X[1])
	}
}

// TestLBFGSBIllScaled verifies a badly scaled coupled quadratic is solved
// with the default tolerances instead of stopping after a shortened step
func TestLBFGSBIllScaled(t *testing.T) {
	h := [2][2]float64{{1e4, 5}, {5, 1e-2}}
	target := []float64{1, 100}
	fn := func(x, grad []float64) float64 {
		d := []float64{x[0] - target[0], x[1] - target[1]}
		var f float64
		for i := 0; i < 2; i++ {
			grad[i] = h[i][0]*d[0] + h[i][1]*d[1]
			f += 0.5 * d[i] * grad[i]
		}
		return f
	}
	res, err := LBFGSB(fn, []float64{0, 0}, NewBounds(2, -1000, 1000), DefaultSettings())
	if err != nil {
		t.Fatalf("LBFGSB failed: %v", err)
	}
	if !res.Converged() {
		t.Errorf("Expected convergence, got %v", res.Status)
	}
	if math.Abs(res.X[0]-1) > 1e-3 || math.Abs(res.X[1]-100) > 1e-1 {
		t.Errorf("Expected minimum at %v, got %v (status %v)", target, res.X, res.Status)
	}
}

// TestNoDescentIsFailure verifies both solvers report Failure, not
// convergence, when every trial step increases the objective
func TestNoDescentIsFailure(t *testing.T) {
	// gradient and Jacobian with the wrong sign
	wrongGrad := func(x, grad []float64) float64 {
		grad[0] = -(x[0] - 3)
		return 0.5 * (x[0] - 3) * (x[0] - 3)
	}
	wrongJac := func(x, r []float64, jac *mat.Dense) {
		r[0] = x[0] - 3
		if jac != nil {
			jac.Set(0, 0, -1)
		}
	}

	res, err := LBFGSB(wrongGrad, []float64{0}, NewBounds(1, -10, 10), DefaultSettings())
	if err != nil {
		t.Fatalf("LBFGSB failed: %v", err)
	}
	if res.Status != gonumopt.Failure || res.Converged() {
		t.Errorf("LBFGSB: expected Failure, got %v", res.Status)
	}

	res, err = LeastSquares(wrongJac, 1, []float64{0}, NewBounds(1, -10, 10), DefaultSettings())
	if err != nil {
		t.Fatalf("LeastSquares failed: %v", err)
	}
	if res.Status != gonumopt.Failure || res.Converged() {
		t.Errorf("LeastSquares: expected Failure, got %v", res.Status)
	}
	if res.X[0] != 0 {
		t.Errorf("LeastSquares moved to %v without a decrease", res.X)
	}
}

// TestLeastSquaresScaledStep verifies the first step of a linear problem with
// large Jacobian entries reaches the solution instead of being damped away
func TestLeastSquaresScaledStep(t *testing.T) {
	// r = 1000·(x - 2), one Gauss-Newton step solves it
	lin := func(x, r []float64, jac *mat.Dense) {
		r[0] = 1000 * (x[0] - 2)
		if jac != nil {
			jac.Set(0, 0, 1000)
		}
	}
	res, err := LeastSquares(lin, 1, []float64{0}, NewBounds(1, -10, 10), DefaultSettings())
	if err != nil {
		t.Fatalf("LeastSquares failed: %v", err)
	}
	if !res.Converged() || math.Abs(res.X[0]-2) > 1e-8 {
		t.Errorf("Expected x=2, got %v (status %v after %d iterations)", res.X, res.Status, res.Iterations)
	}
}
