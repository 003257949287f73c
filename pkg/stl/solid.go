// Package stl turns binary voxel masks into triangle meshes and stores them as
// STL files.
package stl

import (
	"math"

	"github.com/unixpickle/model3d/model3d"

	"treeces/internal/models"
)

// searchIterations is the number of bisection steps that place each vertex on
// its cube edge
const searchIterations = 8

// MaskSolid is a solid over a mask in voxel index coordinates. A point is
// inside when the trilinear interpolation of the mask is above one half.
// Voxels outside the grid count as empty, so the surface is always closed.
type MaskSolid struct {
	mask *models.Volume
}

// NewMaskSolid wraps a mask whose non-zero voxels belong to the object
func NewMaskSolid(mask *models.Volume) *MaskSolid {
	return &MaskSolid{mask: mask}
}

// Min gets the minimum of the bounding box.
func (m *MaskSolid) Min() model3d.Coord3D {
	return model3d.XYZ(-1, -1, -1)
}

// Max gets the maximum of the bounding box.
func (m *MaskSolid) Max() model3d.Coord3D {
	return model3d.XYZ(float64(m.mask.Width), float64(m.mask.Height), float64(m.mask.Depth))
}

// Contains checks if the interpolated mask at c is above one half.
func (m *MaskSolid) Contains(c model3d.Coord3D) bool {
	return m.interp(c) > 0.5
}

func (m *MaskSolid) interp(c model3d.Coord3D) float64 {
	x0, y0, z0 := math.Floor(c.X), math.Floor(c.Y), math.Floor(c.Z)
	tx, ty, tz := c.X-x0, c.Y-y0, c.Z-z0
	ix, iy, iz := int(x0), int(y0), int(z0)

	var value float64
	for dz := 0; dz < 2; dz++ {
		wz := weight(tz, dz)
		for dy := 0; dy < 2; dy++ {
			wy := weight(ty, dy)
			for dx := 0; dx < 2; dx++ {
				w := weight(tx, dx) * wy * wz
				if w != 0 {
					value += w * m.get(ix+dx, iy+dy, iz+dz)
				}
			}
		}
	}
	return value
}

func weight(t float64, upper int) float64 {
	if upper == 1 {
		return t
	}
	return 1 - t
}

// get returns 1 for object voxels and 0 elsewhere, including outside the grid
func (m *MaskSolid) get(x, y, z int) float64 {
	if !m.mask.Contains(x, y, z) || m.mask.At(x, y, z) == 0 {
		return 0
	}
	return 1
}

// Isosurface extracts the boundary of the mask with marching cubes on the
// voxel lattice and maps it into the physical frame of the mask. Triangles are
// wound with their normals pointing out of the object.
func Isosurface(mask *models.Volume) *model3d.Mesh {
	index := model3d.MarchingCubesSearch(NewMaskSolid(mask), 1, searchIterations)
	tris := index.TriangleSlice()
	physical := make([]*model3d.Triangle, len(tris))
	for i, t := range tris {
		physical[i] = &model3d.Triangle{toPhysical(mask, t[0]), toPhysical(mask, t[1]), toPhysical(mask, t[2])}
	}
	return model3d.NewMeshTriangles(physical)
}

func toPhysical(mask *models.Volume, c model3d.Coord3D) model3d.Coord3D {
	p := mask.Position(c.X, c.Y, c.Z)
	return model3d.XYZ(p.X, p.Y, p.Z)
}
