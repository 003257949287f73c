package stl

import (
	"sort"

	"github.com/unixpickle/model3d/model3d"
	"gonum.org/v1/gonum/spatial/r3"
)

// SmoothOptions configures the surface smoother
type SmoothOptions struct {
	// Iterations is the number of gradient steps
	Iterations int

	// StepSize scales each step. 0.1 is a stable choice.
	StepSize float64

	// Slack is how far a vertex may drift from its extracted position before
	// it is pulled back
	Slack float64
}

// Smooth reduces the surface area of the mesh by gradient descent while
// holding every vertex near where it was extracted, so the enclosed volume is
// kept. Vertices only interact with their own neighbours and separate
// components stay separate.
func Smooth(mesh *model3d.Mesh, opts SmoothOptions) *model3d.Mesh {
	if opts.Iterations <= 0 {
		return mesh
	}
	s := &model3d.MeshSmoother{
		StepSize:           opts.StepSize,
		Iterations:         opts.Iterations,
		ConstraintDistance: opts.Slack,
		ConstraintWeight:   1,
	}
	return s.Smooth(mesh)
}

// Index converts a mesh to shared vertices and index triangles. Vertices are
// ordered by z, then y, then x so the result does not depend on the mesh's
// internal triangle order.
func Index(mesh *model3d.Mesh) (vertices []r3.Vec, faces [][3]int) {
	tris := mesh.TriangleSlice()
	seen := make(map[model3d.Coord3D]struct{}, len(tris)/2+3)
	var coords []model3d.Coord3D
	for _, t := range tris {
		for _, c := range t {
			if _, ok := seen[c]; !ok {
				seen[c] = struct{}{}
				coords = append(coords, c)
			}
		}
	}
	sort.Slice(coords, func(i, j int) bool {
		a, b := coords[i], coords[j]
		if a.Z != b.Z {
			return a.Z < b.Z
		}
		if a.Y != b.Y {
			return a.Y < b.Y
		}
		return a.X < b.X
	})

	index := make(map[model3d.Coord3D]int, len(coords))
	vertices = make([]r3.Vec, len(coords))
	for i, c := range coords {
		index[c] = i
		vertices[i] = r3.Vec{X: c.X, Y: c.Y, Z: c.Z}
	}

	faces = make([][3]int, len(tris))
	for i, t := range tris {
		faces[i] = [3]int{index[t[0]], index[t[1]], index[t[2]]}
	}
	sort.Slice(faces, func(i, j int) bool {
		a, b := faces[i], faces[j]
		for k := 0; k < 3; k++ {
			if a[k] != b[k] {
				return a[k] < b[k]
			}
		}
		return false
	})
	return vertices, faces
}
