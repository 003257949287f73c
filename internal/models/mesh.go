package models

import (
	"gonum.org/v1/gonum/spatial/r3"
)

// Mesh represents a triangulated bone surface with per-point fields
type Mesh struct {
	// Points are the vertex positions in the image frame
	Points []r3.Vec

	// Triangles holds vertex indices of each face, wound so that the
	// face normal points away from the bone
	Triangles [][3]int

	// UsePoint marks the points that take part in the fit
	UsePoint []bool

	// Normals are the unit profile directions, pointing from soft tissue into bone
	Normals []r3.Vec

	// Thickness is the fitted cortical thickness (0 where not fitted)
	Thickness []float64

	// CortCenter is the fitted cortical midline offset (0 where not fitted)
	CortCenter []float64
}

// NewMesh allocates a mesh with the given points and triangles. Every point is
// active and all fit fields are zero.
func NewMesh(points []r3.Vec, triangles [][3]int) *Mesh {
	n := len(points)
	m := &Mesh{
		Points:     points,
		Triangles:  triangles,
		UsePoint:   make([]bool, n),
		Normals:    make([]r3.Vec, n),
		Thickness:  make([]float64, n),
		CortCenter: make([]float64, n),
	}
	for i := range m.UsePoint {
		m.UsePoint[i] = true
	}
	return m
}

// NumPoints returns the number of vertices
func (m *Mesh) NumPoints() int { return len(m.Points) }

// ActiveIndices returns the indices of points with UsePoint set, in ascending order
func (m *Mesh) ActiveIndices() []int {
	idx := make([]int, 0, len(m.Points))
	for i, use := range m.UsePoint {
		if use {
			idx = append(idx, i)
		}
	}
	return idx
}
