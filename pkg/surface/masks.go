package surface

import (
	"fmt"

	"treeces/internal/models"
)

// UnionMasks combines bone masks into a single binary volume. Any non-zero
// voxel in any mask is set to 1.
func UnionMasks(masks []*models.Volume) (*models.Volume, error) {
	if len(masks) == 0 {
		return nil, fmt.Errorf("at least one bone mask is required")
	}
	first := masks[0]
	union := &models.Volume{
		Data:    make([]float64, first.Len()),
		Width:   first.Width,
		Height:  first.Height,
		Depth:   first.Depth,
		Spacing: first.Spacing,
		Origin:  first.Origin,
	}
	for k, m := range masks {
		if !m.SameGrid(first) {
			return nil, fmt.Errorf("bone mask %d does not share the grid of bone mask 0", k)
		}
		for i, v := range m.Data {
			if v != 0 {
				union.Data[i] = 1
			}
		}
	}
	return union, nil
}

// SelectLabel returns a binary copy of mask. With a nil label every non-zero
// voxel is selected, otherwise only voxels equal to *label.
func SelectLabel(mask *models.Volume, label *int) *models.Volume {
	out := &models.Volume{
		Data:    make([]float64, mask.Len()),
		Width:   mask.Width,
		Height:  mask.Height,
		Depth:   mask.Depth,
		Spacing: mask.Spacing,
		Origin:  mask.Origin,
	}
	for i, v := range mask.Data {
		if (label == nil && v != 0) || (label != nil && v == float64(*label)) {
			out.Data[i] = 1
		}
	}
	return out
}

// Dilate grows a binary mask by a box structuring element with the given
// half-widths, applied once along each axis in turn.
func Dilate(mask *models.Volume, rx, ry, rz int) *models.Volume {
	out := SelectLabel(mask, nil)
	dilateAxis(out, rx, 0)
	dilateAxis(out, ry, 1)
	dilateAxis(out, rz, 2)
	return out
}

// dilateAxis applies a 1-D max filter of half-width r along axis in place
func dilateAxis(v *models.Volume, r, axis int) {
	if r <= 0 {
		return
	}
	src := make([]float64, v.Len())
	copy(src, v.Data)
	for z := 0; z < v.Depth; z++ {
		for y := 0; y < v.Height; y++ {
			for x := 0; x < v.Width; x++ {
				if src[v.Index(x, y, z)] == 0 {
					continue
				}
				for d := -r; d <= r; d++ {
					nx, ny, nz := x, y, z
					switch axis {
					case 0:
						nx += d
					case 1:
						ny += d
					case 2:
						nz += d
					}
					if v.Contains(nx, ny, nz) {
						v.Data[v.Index(nx, ny, nz)] = 1
					}
				}
			}
		}
	}
}
