package thickness

import (
	"math"
	"testing"

	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/spatial/r3"
	"gonum.org/v1/gonum/stat"

	"treeces/internal/models"
	"treeces/pkg/model"
	"treeces/pkg/sampling"
)

// axisVolume fills a volume whose intensity depends on x and z only. x runs
// from -8 to 8 in steps of 0.1, y and z in unit steps from 0.
func axisVolume(depth int, value func(x, z float64) float64) *models.Volume {
	v := models.NewVolume(161, 3, depth)
	v.Spacing = r3.Vec{X: 0.1, Y: 1, Z: 1}
	v.Origin = r3.Vec{X: -8}
	for z := 0; z < depth; z++ {
		for y := 0; y < v.Height; y++ {
			for x := 0; x < v.Width; x++ {
				p := v.Position(float64(x), float64(y), float64(z))
				v.Set(x, y, z, value(p.X, p.Z))
			}
		}
	}
	return v
}

// samplePlane samples profiles along +x through every voxel of the x=0 plane
func samplePlane(t *testing.T, v *models.Volume) (*mat.Dense, []float64, []r3.Vec) {
	t.Helper()
	var points, normals []r3.Vec
	for z := 0; z < v.Depth; z++ {
		for y := 0; y < v.Height; y++ {
			points = append(points, r3.Vec{Y: float64(y), Z: float64(z)})
			normals = append(normals, r3.Vec{X: 1})
		}
	}
	f, x, err := sampling.Sample(v, points, normals, 3, 8, 0.1)
	if err != nil {
		t.Fatalf("Sample failed: %v", err)
	}
	return f, x, points
}

// shell evaluates the model with cortical density 1500 at offset x
func shell(x float64, q model.Point) float64 {
	out := make([]float64, 1)
	model.NewGlobal(1500).Profile(out, []float64{x}, 0, q)
	return out[0]
}

func fitOrFail(t *testing.T, o Options, x []float64, f *mat.Dense, points []r3.Vec) *Result {
	t.Helper()
	ft, err := New(o)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	res, err := ft.Fit(x, f, points)
	if err != nil {
		t.Fatalf("Fit failed: %v", err)
	}
	for i, u := range res.Updated {
		if !u {
			t.Fatalf("Point %d was not updated", i)
		}
	}
	return res
}

// TestConstantImage fits a featureless image in every mode with the default
// per-point cortical density. No cortex can be seen, so thickness sits at its
// lower bound and both densities equal the image value.
func TestConstantImage(t *testing.T) {
	v := axisVolume(3, func(x, z float64) float64 { return 100 })
	f, x, points := samplePlane(t, v)

	for _, mode := range []Mode{Local, GlobalInterpolation, GlobalRegularization} {
		t.Run(mode.String(), func(t *testing.T) {
			if testing.Short() && mode != Local {
				t.Skip("Skipping global fit in short mode")
			}
			o := DefaultOptions()
			o.Mode = mode
			o.ThicknessBounds = Interval{0.1, 11}
			o.Separations = []float64{2, 1}
			o.Neighbours = 4
			res := fitOrFail(t, o, x, f, points)
			for i := range points {
				if res.T[i] != 0.1 {
					t.Errorf("Point %d: thickness %f, want 0.1", i, res.T[i])
				}
				if math.Abs(res.RhoS[i]-100) > 1e-6 || math.Abs(res.RhoB[i]-100) > 1e-6 {
					t.Errorf("Point %d: densities (%f, %f), want 100", i, res.RhoS[i], res.RhoB[i])
				}
			}
		})
	}
}

// TestStepImage fits a sharp soft tissue to bone edge with the default
// per-point cortical density, which equals the bone level here
func TestStepImage(t *testing.T) {
	v := axisVolume(3, func(x, z float64) float64 {
		if x < 0 {
			return 100
		}
		return 1000
	})
	f, x, points := samplePlane(t, v)

	o := DefaultOptions()
	o.ThicknessBounds = Interval{0.1, 11}
	o.RhoSBounds = Interval{-200, 2000}
	o.RhoBBounds = Interval{-200, 2000}
	o.SigmaBounds = Interval{0.01, 100}
	res := fitOrFail(t, o, x, f, points)

	for i := range points {
		if res.T[i] != 0.1 {
			t.Errorf("Point %d: thickness %f, want 0.1", i, res.T[i])
		}
		if math.Abs(res.RhoS[i]-100) > 5 || math.Abs(res.RhoB[i]-1000) > 5 {
			t.Errorf("Point %d: densities (%f, %f), want (100, 1000)", i, res.RhoS[i], res.RhoB[i])
		}
		// the visible edge lies between the last soft tissue and the first bone sample
		if edge := res.M[i] - res.T[i]/2; edge < -0.15 || edge > 0.05 {
			t.Errorf("Point %d: edge at %f, want in (-0.1, 0)", i, edge)
		}
	}
}

// TestThreeRegionImage samples a blurred cortical shell and fits it locally
// with the global cortical density 1500 the image was built with
func TestThreeRegionImage(t *testing.T) {
	truth := model.Point{M: 0, T: 2, RhoS: 0, RhoB: 200, Sigma: 0.5}
	v := axisVolume(3, func(x, z float64) float64 { return shell(x, truth) })
	f, x, points := samplePlane(t, v)

	o := testOptions(x, Local)
	res := fitOrFail(t, o, x, f, points)
	for i := range points {
		if math.Abs(res.T[i]-truth.T) > 0.1 {
			t.Errorf("Point %d: thickness %f, want %f ± 0.1", i, res.T[i], truth.T)
		}
		if math.Abs(res.RhoS[i]-truth.RhoS) > 5 || math.Abs(res.RhoB[i]-truth.RhoB) > 5 {
			t.Errorf("Point %d: densities (%f, %f), want (%f, %f)", i, res.RhoS[i], res.RhoB[i], truth.RhoS, truth.RhoB)
		}
	}
}

// TestThicknessRamp builds a shell whose thickness grows linearly from 1 at
// z=0 to 3 at z=10, with the global cortical density 1500
func TestThicknessRamp(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping ramp fit in short mode")
	}
	ramp := func(z float64) float64 { return 1 + 0.2*z }
	v := axisVolume(11, func(x, z float64) float64 {
		return shell(x, model.Point{M: 0, T: ramp(z), RhoS: 0, RhoB: 200, Sigma: 0.5})
	})
	f, x, points := samplePlane(t, v)
	zs := make([]float64, len(points))
	want := make([]float64, len(points))
	for i, p := range points {
		zs[i] = p.Z
		want[i] = ramp(p.Z)
	}

	t.Run("global-regularization", func(t *testing.T) {
		o := testOptions(x, GlobalRegularization)
		o.Lambda = 0.1
		o.SigmaR = 2
		res := fitOrFail(t, o, x, f, points)

		var sq float64
		for i := range points {
			d := res.T[i] - want[i]
			sq += d * d
		}
		if rms := math.Sqrt(sq / float64(len(points))); rms >= 0.1 {
			t.Errorf("Ramp reproduced with RMS error %f, want < 0.1", rms)
		}
	})

	t.Run("local", func(t *testing.T) {
		res := fitOrFail(t, testOptions(x, Local), x, f, points)
		_, slope := stat.LinearRegression(zs, res.T, nil, false)
		if math.Abs(slope-0.2) > 0.02 {
			t.Errorf("Thickness slope %f, want 0.2", slope)
		}
	})
}
