// Package surface builds the bone surface mesh from masks and maintains its
// normals, neighbour graph and per-point scalar fields.
package surface

import (
	"math"

	"github.com/pkg/errors"
	"github.com/unixpickle/model3d/model3d"
	"gonum.org/v1/gonum/spatial/r3"

	"treeces/internal/logging"
	"treeces/internal/models"
	"treeces/pkg/sampling"
	"treeces/pkg/stl"
)

var (
	// ErrEmptyMask is returned when the bone masks select no voxel
	ErrEmptyMask = errors.New("bone mask is empty")

	// ErrInvariant marks a violated geometric invariant
	ErrInvariant = errors.New("invariant violation")
)

// MaxDegenerateFraction is the largest share of active points that may lose
// their normal to a plane constraint before the run is aborted
const MaxDegenerateFraction = 0.5

// Options controls surface construction
type Options struct {
	// Smooth enables smoothing of the extracted surface
	Smooth bool

	// Iterations is the number of smoothing steps
	Iterations int

	// PassBand sets the smoothing step size; smaller values keep more detail
	PassBand float64

	// FlipNormals reverses the profile direction globally
	FlipNormals bool
}

// NormalConstraint restricts normals before sampling. At most one of Plane
// and Axis may be set.
type NormalConstraint struct {
	Plane    *int
	Axis     *int
	Negative bool
}

// Geometry owns the mesh together with its neighbour graph
type Geometry struct {
	Mesh  *models.Mesh
	Graph *Graph

	surface *model3d.Mesh
}

// Build extracts the surface of the binary union mask. When sub is non-nil,
// only points generated from voxels inside sub are marked active.
func Build(union, sub *models.Volume, opts Options) (*Geometry, error) {
	if union.CountNonZero() == 0 {
		return nil, ErrEmptyMask
	}
	if sub != nil && !sub.SameGrid(union) {
		return nil, errors.New("sub-mask does not share the bone mask grid")
	}

	surf := stl.Isosurface(union)
	if opts.Smooth {
		surf = stl.Smooth(surf, stl.SmoothOptions{
			Iterations: opts.Iterations,
			StepSize:   opts.PassBand,
			Slack:      0.5 * union.MinSpacing(),
		})
	}
	vertices, faces := stl.Index(surf)
	if len(faces) == 0 {
		return nil, ErrEmptyMask
	}

	mesh := models.NewMesh(vertices, faces)
	if sub != nil {
		for i, p := range mesh.Points {
			voxel, ok := nearestVoxel(union, p)
			mesh.UsePoint[i] = ok && sub.Data[voxel] != 0
		}
	}
	graph := Neighbours(len(mesh.Points), mesh.Triangles)

	outward := ComputeNormals(mesh.Points, mesh.Triangles)
	sign := -1.0
	if opts.FlipNormals {
		sign = 1
	}
	for i, n := range outward {
		mesh.Normals[i] = r3.Scale(sign, n)
	}
	return &Geometry{Mesh: mesh, Graph: graph, surface: surf}, nil
}

// nearestVoxel returns the linear index of the object voxel closest to the
// physical position p among the voxels around it
func nearestVoxel(mask *models.Volume, p r3.Vec) (int, bool) {
	fx, fy, fz := mask.ContinuousIndex(p)
	cx, cy, cz := int(math.Round(fx)), int(math.Round(fy)), int(math.Round(fz))
	best, bestDist := -1, math.Inf(1)
	for z := cz - 1; z <= cz+1; z++ {
		for y := cy - 1; y <= cy+1; y++ {
			for x := cx - 1; x <= cx+1; x++ {
				if !mask.Contains(x, y, z) || mask.At(x, y, z) == 0 {
					continue
				}
				if d := r3.Norm2(r3.Sub(mask.Position(float64(x), float64(y), float64(z)), p)); d < bestDist {
					best, bestDist = mask.Index(x, y, z), d
				}
			}
		}
	}
	return best, best >= 0
}

// ComputeNormals returns area-weighted unit vertex normals that point away
// from the enclosed volume.
func ComputeNormals(points []r3.Vec, triangles [][3]int) []r3.Vec {
	normals := make([]r3.Vec, len(points))
	for _, tri := range triangles {
		p0, p1, p2 := points[tri[0]], points[tri[1]], points[tri[2]]
		// the cross product length is twice the face area
		n := r3.Cross(r3.Sub(p1, p0), r3.Sub(p2, p0))
		for _, v := range tri {
			normals[v] = r3.Add(normals[v], n)
		}
	}
	for i, n := range normals {
		normals[i] = sampling.Normalize(n)
	}
	return normals
}

// ConstrainNormals applies a normal constraint. Active points whose normal
// degenerates are deactivated and their indices returned. When more than
// MaxDegenerateFraction of the active points degenerate the constraint is
// rejected with ErrInvariant. Afterwards every active normal must have unit length.
func (g *Geometry) ConstrainNormals(c NormalConstraint) ([]int, error) {
	if c.Plane != nil && c.Axis != nil {
		return nil, errors.New("normals cannot be constrained to a plane and an axis at once")
	}
	var degenerate []int
	switch {
	case c.Plane != nil:
		active := len(g.Mesh.ActiveIndices())
		d, err := sampling.ConstrainToPlane(g.Mesh.Normals, *c.Plane)
		if err != nil {
			return nil, err
		}
		for _, i := range d {
			if g.Mesh.UsePoint[i] {
				g.Mesh.UsePoint[i] = false
				degenerate = append(degenerate, i)
			}
		}
		if len(degenerate) > 0 {
			logging.Warnf("%d of %d points have a normal perpendicular to plane %d and are skipped\n", len(degenerate), active, *c.Plane)
		}
		if frac := float64(len(degenerate)) / float64(active); active > 0 && frac > MaxDegenerateFraction {
			return degenerate, errors.Wrapf(ErrInvariant, "%.0f%% of the normals degenerate in plane %d", 100*frac, *c.Plane)
		}
	case c.Axis != nil:
		if err := sampling.ConstrainToAxis(g.Mesh.Normals, *c.Axis, c.Negative); err != nil {
			return nil, err
		}
	}
	if err := sampling.CheckUnit(g.Mesh.Normals, g.Mesh.ActiveIndices()); err != nil {
		return degenerate, errors.Wrap(ErrInvariant, err.Error())
	}
	return degenerate, nil
}

// ActivePoints returns positions and normals of the active points together with their indices
func (g *Geometry) ActivePoints() (indices []int, points, normals []r3.Vec) {
	indices = g.Mesh.ActiveIndices()
	points = make([]r3.Vec, len(indices))
	normals = make([]r3.Vec, len(indices))
	for k, i := range indices {
		points[k] = g.Mesh.Points[i]
		normals[k] = g.Mesh.Normals[i]
	}
	return indices, points, normals
}

// MedianSmoothThickness median-filters the thickness field once
func (g *Geometry) MedianSmoothThickness() {
	g.Mesh.Thickness = MedianSmooth(g.Mesh.Thickness, g.Mesh.UsePoint, g.Graph)
}

// SaveSTL writes the surface the points were taken from
func (g *Geometry) SaveSTL(path string) error {
	return stl.Save(path, g.surface)
}
