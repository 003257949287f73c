// Package sampling extracts intensity profiles along surface normals.
package sampling

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/spatial/r3"

	"treeces/internal/models"
)

// NormalEpsilon is the length floor used when renormalising normals
const NormalEpsilon = 1e-12

// DefaultResolution returns the default step along a profile, a tenth of the
// smallest voxel spacing.
func DefaultResolution(img *models.Volume) float64 {
	return img.MinSpacing() / 10
}

// SampleAxis returns the offsets x_j = -outside + j*step for j < ceil((outside+inside)/step).
// The axis is shared by every profile.
func SampleAxis(outside, inside, step float64) ([]float64, error) {
	if outside < 0 || inside < 0 {
		return nil, fmt.Errorf("sample distances must be non-negative, got outside=%g inside=%g", outside, inside)
	}
	if step <= 0 || math.IsNaN(step) {
		return nil, fmt.Errorf("line resolution must be positive, got %g", step)
	}
	// absorb rounding in (outside+inside)/step so that 11/0.1 yields 110 samples
	n := int(math.Ceil((outside+inside)/step - 1e-9))
	if n < 2 {
		return nil, fmt.Errorf("profile of length %g with step %g has fewer than 2 samples", outside+inside, step)
	}
	x := make([]float64, n)
	for j := range x {
		x[j] = -outside + float64(j)*step
	}
	return x, nil
}

// Sample builds the profile matrix F with one row per point and one column per
// offset of the sample axis. Location (i, j) is points[i] + x[j]*normals[i].
func Sample(img *models.Volume, points, normals []r3.Vec, outside, inside, step float64) (*mat.Dense, []float64, error) {
	if len(points) != len(normals) {
		return nil, nil, fmt.Errorf("got %d points but %d normals", len(points), len(normals))
	}
	if len(points) == 0 {
		return nil, nil, fmt.Errorf("no points to sample")
	}
	x, err := SampleAxis(outside, inside, step)
	if err != nil {
		return nil, nil, err
	}
	f := mat.NewDense(len(points), len(x), nil)
	for i, p := range points {
		row := f.RawRowView(i)
		n := normals[i]
		for j, xj := range x {
			row[j] = Trilinear(img, r3.Add(p, r3.Scale(xj, n)))
		}
	}
	return f, x, nil
}

// Trilinear interpolates the volume at physical position p. Positions outside
// the voxel grid take the value of the nearest boundary voxel.
func Trilinear(img *models.Volume, p r3.Vec) float64 {
	fx, fy, fz := img.ContinuousIndex(p)
	x0, tx := split(fx, img.Width)
	y0, ty := split(fy, img.Height)
	z0, tz := split(fz, img.Depth)
	x1, y1, z1 := next(x0, img.Width), next(y0, img.Height), next(z0, img.Depth)

	c00 := lerp(img.At(x0, y0, z0), img.At(x1, y0, z0), tx)
	c10 := lerp(img.At(x0, y1, z0), img.At(x1, y1, z0), tx)
	c01 := lerp(img.At(x0, y0, z1), img.At(x1, y0, z1), tx)
	c11 := lerp(img.At(x0, y1, z1), img.At(x1, y1, z1), tx)
	return lerp(lerp(c00, c10, ty), lerp(c01, c11, ty), tz)
}

// split clamps a continuous index into the grid and returns the lower voxel and weight
func split(f float64, n int) (int, float64) {
	if f <= 0 || n == 1 {
		return 0, 0
	}
	if f >= float64(n-1) {
		return n - 1, 0
	}
	i := int(math.Floor(f))
	return i, f - float64(i)
}

func next(i, n int) int {
	if i+1 < n {
		return i + 1
	}
	return i
}

func lerp(a, b, t float64) float64 { return a + (b-a)*t }
