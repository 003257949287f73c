package models

import (
	"math"

	"gonum.org/v1/gonum/spatial/r3"
)

// Volume represents a 3D scalar field on a regular voxel grid.
// It is used both for the intensity image and for label masks.
type Volume struct {
	// Data is the voxel data as a 1D array with x varying fastest
	Data []float64

	// Width is the number of voxels along x
	Width int

	// Height is the number of voxels along y
	Height int

	// Depth is the number of voxels along z
	Depth int

	// Spacing is the physical size of each voxel in mm
	Spacing r3.Vec

	// Origin is the physical position of voxel (0, 0, 0)
	Origin r3.Vec
}

// NewVolume allocates a zero-filled volume with unit spacing
func NewVolume(width, height, depth int) *Volume {
	return &Volume{
		Data:    make([]float64, width*height*depth),
		Width:   width,
		Height:  height,
		Depth:   depth,
		Spacing: r3.Vec{X: 1, Y: 1, Z: 1},
	}
}

// Len returns the number of voxels
func (v *Volume) Len() int { return v.Width * v.Height * v.Depth }

// Index returns the linear index of voxel (x, y, z)
func (v *Volume) Index(x, y, z int) int {
	return (z*v.Height+y)*v.Width + x
}

// Contains reports whether (x, y, z) is a valid voxel index
func (v *Volume) Contains(x, y, z int) bool {
	return x >= 0 && y >= 0 && z >= 0 && x < v.Width && y < v.Height && z < v.Depth
}

// At returns the value of voxel (x, y, z)
func (v *Volume) At(x, y, z int) float64 {
	return v.Data[v.Index(x, y, z)]
}

// Set stores a value at voxel (x, y, z)
func (v *Volume) Set(x, y, z int, value float64) {
	v.Data[v.Index(x, y, z)] = value
}

// Position returns the physical coordinate of the voxel centre (x, y, z)
func (v *Volume) Position(x, y, z float64) r3.Vec {
	return r3.Vec{
		X: v.Origin.X + x*v.Spacing.X,
		Y: v.Origin.Y + y*v.Spacing.Y,
		Z: v.Origin.Z + z*v.Spacing.Z,
	}
}

// ContinuousIndex converts a physical coordinate into fractional voxel indices
func (v *Volume) ContinuousIndex(p r3.Vec) (x, y, z float64) {
	return (p.X - v.Origin.X) / v.Spacing.X,
		(p.Y - v.Origin.Y) / v.Spacing.Y,
		(p.Z - v.Origin.Z) / v.Spacing.Z
}

// MinSpacing returns the smallest voxel edge length
func (v *Volume) MinSpacing() float64 {
	return math.Min(v.Spacing.X, math.Min(v.Spacing.Y, v.Spacing.Z))
}

// SameGrid reports whether two volumes share dimensions, spacing and origin
func (v *Volume) SameGrid(o *Volume) bool {
	const tol = 1e-6
	return v.Width == o.Width && v.Height == o.Height && v.Depth == o.Depth &&
		r3.Norm(r3.Sub(v.Spacing, o.Spacing)) < tol &&
		r3.Norm(r3.Sub(v.Origin, o.Origin)) < tol
}

// CountNonZero returns the number of voxels with a non-zero value
func (v *Volume) CountNonZero() int {
	n := 0
	for _, d := range v.Data {
		if d != 0 {
			n++
		}
	}
	return n
}
