package surface

import (
	"math"
	"testing"

	"github.com/pkg/errors"
	"gonum.org/v1/gonum/spatial/r3"

	"treeces/internal/models"
)

// boxMask marks the voxels of [x0,x1)x[y0,y1)x[z0,z1) with value
func boxMask(v *models.Volume, x0, x1, y0, y1, z0, z1 int, value float64) {
	for z := z0; z < z1; z++ {
		for y := y0; y < y1; y++ {
			for x := x0; x < x1; x++ {
				v.Set(x, y, z, value)
			}
		}
	}
}

// TestUnionMasks verifies the union is binary and grid mismatches are rejected
func TestUnionMasks(t *testing.T) {
	a := models.NewVolume(4, 4, 4)
	b := models.NewVolume(4, 4, 4)
	a.Set(0, 0, 0, 3)
	b.Set(1, 1, 1, -2)

	u, err := UnionMasks([]*models.Volume{a, b})
	if err != nil {
		t.Fatalf("UnionMasks failed: %v", err)
	}
	if u.At(0, 0, 0) != 1 || u.At(1, 1, 1) != 1 || u.CountNonZero() != 2 {
		t.Errorf("Unexpected union contents")
	}

	c := models.NewVolume(4, 4, 5)
	if _, err := UnionMasks([]*models.Volume{a, c}); err == nil {
		t.Error("Expected error for mismatched grids")
	}
	if _, err := UnionMasks(nil); err == nil {
		t.Error("Expected error for no masks")
	}
}

// TestSelectLabel verifies label selection
func TestSelectLabel(t *testing.T) {
	m := models.NewVolume(3, 1, 1)
	m.Data = []float64{0, 1, 2}
	label := 2
	if got := SelectLabel(m, &label).Data; got[0] != 0 || got[1] != 0 || got[2] != 1 {
		t.Errorf("Label selection gave %v", got)
	}
	if got := SelectLabel(m, nil).Data; got[0] != 0 || got[1] != 1 || got[2] != 1 {
		t.Errorf("Non-zero selection gave %v", got)
	}
}

// TestDilateAnisotropic verifies the structuring element half-widths per axis
func TestDilateAnisotropic(t *testing.T) {
	m := models.NewVolume(9, 9, 9)
	m.Set(4, 4, 4, 1)
	d := Dilate(m, 2, 1, 0)

	if got, want := d.CountNonZero(), 5*3*1; got != want {
		t.Errorf("Expected %d voxels after dilation, got %d", want, got)
	}
	if d.At(6, 5, 4) != 1 || d.At(7, 4, 4) != 0 || d.At(4, 4, 5) != 0 {
		t.Errorf("Dilation extent is wrong")
	}
}

// TestNeighbours verifies the adjacency is symmetric, sorted and free of self loops
func TestNeighbours(t *testing.T) {
	tris := [][3]int{{0, 1, 2}, {0, 2, 3}}
	g := Neighbours(5, tris)

	expected := [][]int{{1, 2, 3}, {0, 2}, {0, 1, 3}, {0, 2}, {}}
	for i, want := range expected {
		got := g.Of(i)
		if len(got) != len(want) {
			t.Fatalf("Point %d: expected neighbours %v, got %v", i, want, got)
		}
		for k := range want {
			if got[k] != want[k] {
				t.Errorf("Point %d: expected neighbours %v, got %v", i, want, got)
			}
		}
	}
}

// TestMedianSmoothRemovesOutlier verifies an injected spike is replaced by its neighbours' median
func TestMedianSmoothRemovesOutlier(t *testing.T) {
	m := models.NewVolume(8, 8, 8)
	boxMask(m, 2, 6, 2, 6, 2, 6, 1)
	geom, err := Build(m, nil, Options{})
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}
	mesh := geom.Mesh
	for i := range mesh.Thickness {
		mesh.Thickness[i] = 1.5
	}
	mesh.Thickness[7] = 15

	geom.MedianSmoothThickness()
	for i, v := range mesh.Thickness {
		if v != 1.5 {
			t.Fatalf("Point %d has thickness %f after smoothing, want 1.5", i, v)
		}
	}
}

// TestMedianSmoothIdempotent verifies a field equal to its neighbours' median is unchanged
func TestMedianSmoothIdempotent(t *testing.T) {
	tris := [][3]int{{0, 1, 2}, {0, 2, 3}, {0, 3, 1}}
	g := Neighbours(4, tris)
	use := []bool{true, true, true, true}
	values := []float64{2, 2, 2, 2}

	once := MedianSmooth(values, use, g)
	twice := MedianSmooth(once, use, g)
	for i := range values {
		if once[i] != values[i] || twice[i] != values[i] {
			t.Errorf("Point %d changed: %f -> %f -> %f", i, values[i], once[i], twice[i])
		}
	}
}

// TestMedianSmoothRespectsMask verifies inactive and non-positive neighbours are ignored
func TestMedianSmoothRespectsMask(t *testing.T) {
	tris := [][3]int{{0, 1, 2}, {0, 2, 3}}
	g := Neighbours(4, tris)
	use := []bool{true, true, false, true}
	values := []float64{5, 1, 100, 0}

	out := MedianSmooth(values, use, g)
	// point 0 sees 1 (active, positive), 100 (inactive) and 0 (not positive)
	if out[0] != 1 {
		t.Errorf("Expected 1 for point 0, got %f", out[0])
	}
	if out[2] != 100 {
		t.Errorf("Inactive point changed to %f", out[2])
	}
}

// TestBuildCubeNormals verifies profile normals point into the bone
func TestBuildCubeNormals(t *testing.T) {
	m := models.NewVolume(10, 10, 10)
	m.Spacing = r3.Vec{X: 0.5, Y: 0.5, Z: 0.5}
	boxMask(m, 2, 8, 2, 8, 2, 8, 1)

	geom, err := Build(m, nil, Options{})
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}
	center := m.Position(4.5, 4.5, 4.5)
	for i, p := range geom.Mesh.Points {
		if !geom.Mesh.UsePoint[i] {
			t.Fatalf("Point %d inactive without a sub-mask", i)
		}
		n := geom.Mesh.Normals[i]
		if math.Abs(r3.Norm(n)-1) > 1e-9 {
			t.Fatalf("Normal %d is not unit length", i)
		}
		if r3.Dot(n, r3.Sub(p, center)) >= 0 {
			t.Fatalf("Normal %d points away from the bone", i)
		}
	}

	flipped, err := Build(m, nil, Options{FlipNormals: true})
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}
	if r3.Dot(flipped.Mesh.Normals[0], geom.Mesh.Normals[0]) > -0.999 {
		t.Errorf("FlipNormals did not reverse the normals")
	}
}

// TestBuildSubMask verifies only points generated from the sub-mask are active
func TestBuildSubMask(t *testing.T) {
	bone := models.NewVolume(16, 8, 8)
	boxMask(bone, 1, 6, 1, 6, 1, 6, 1)
	boxMask(bone, 9, 14, 1, 6, 1, 6, 1)
	sub := models.NewVolume(16, 8, 8)
	boxMask(sub, 9, 14, 1, 6, 1, 6, 1)

	geom, err := Build(bone, Dilate(sub, 1, 1, 1), Options{})
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}
	active := 0
	for i, p := range geom.Mesh.Points {
		if geom.Mesh.UsePoint[i] {
			active++
			if p.X < 7.5 {
				t.Errorf("Point %d at %v is active outside the sub-mask", i, p)
			}
		} else if p.X > 7.5 {
			t.Errorf("Point %d at %v is inactive inside the sub-mask", i, p)
		}
	}
	if active == 0 || active == len(geom.Mesh.Points) {
		t.Errorf("Expected a strict subset of active points, got %d of %d", active, len(geom.Mesh.Points))
	}
}

// TestBuildEmptyMask verifies an empty mask is reported
func TestBuildEmptyMask(t *testing.T) {
	if _, err := Build(models.NewVolume(4, 4, 4), nil, Options{}); errors.Cause(err) != ErrEmptyMask {
		t.Errorf("Expected ErrEmptyMask, got %v", err)
	}
}

// TestSmoothKeepsComponents verifies smoothing neither collapses nor merges components
func TestSmoothKeepsComponents(t *testing.T) {
	bone := models.NewVolume(20, 8, 8)
	boxMask(bone, 1, 7, 1, 7, 1, 7, 1)
	boxMask(bone, 12, 18, 1, 7, 1, 7, 1)

	raw, err := Build(bone, nil, Options{})
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}
	smoothed, err := Build(bone, nil, Options{Smooth: true, Iterations: 15, PassBand: 0.1})
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}
	if len(smoothed.Mesh.Points) != len(raw.Mesh.Points) {
		t.Fatalf("Smoothing changed the point count: %d vs %d", len(smoothed.Mesh.Points), len(raw.Mesh.Points))
	}

	for i, p := range smoothed.Mesh.Points {
		// the boxes end at 6.5 and start at 11.5
		if p.X > 7.5 && p.X < 10.5 {
			t.Errorf("Point %d at %v moved into the gap between components", i, p)
		}
		nearest := math.Inf(1)
		for _, q := range raw.Mesh.Points {
			nearest = math.Min(nearest, r3.Norm(r3.Sub(p, q)))
		}
		if nearest > 1 {
			t.Errorf("Point %d moved %f away from the extracted surface", i, nearest)
		}
	}
	for _, c := range [][2]float64{{0, 10}, {10, 20}} {
		if got, want := extent(smoothed.Mesh.Points, c[0], c[1]), extent(raw.Mesh.Points, c[0], c[1]); got < 0.8*want {
			t.Errorf("Component in [%g, %g) shrank: %f vs %f", c[0], c[1], got, want)
		}
	}
}

// extent returns the x-extent of the points with lo <= x < hi
func extent(points []r3.Vec, lo, hi float64) float64 {
	min, max := math.Inf(1), math.Inf(-1)
	for _, p := range points {
		if p.X >= lo && p.X < hi {
			min = math.Min(min, p.X)
			max = math.Max(max, p.X)
		}
	}
	return max - min
}

// TestConstrainNormals verifies constraints and their mutual exclusion
func TestConstrainNormals(t *testing.T) {
	m := models.NewVolume(10, 10, 10)
	boxMask(m, 2, 8, 2, 8, 2, 8, 1)

	geom, err := Build(m, nil, Options{})
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}
	plane, axis := 2, 0
	if _, err := geom.ConstrainNormals(NormalConstraint{Plane: &plane, Axis: &axis}); err == nil {
		t.Error("Expected error for conflicting constraints")
	}

	degenerate, err := geom.ConstrainNormals(NormalConstraint{Plane: &plane})
	if err != nil {
		t.Fatalf("ConstrainNormals failed: %v", err)
	}
	for _, i := range degenerate {
		if geom.Mesh.UsePoint[i] {
			t.Errorf("Degenerate point %d is still active", i)
		}
	}
	for _, i := range geom.Mesh.ActiveIndices() {
		if geom.Mesh.Normals[i].Z != 0 {
			t.Fatalf("Active normal %d keeps a z component", i)
		}
	}

	if _, err := geom.ConstrainNormals(NormalConstraint{Axis: &axis, Negative: true}); err != nil {
		t.Fatalf("ConstrainNormals failed: %v", err)
	}
	for _, i := range geom.Mesh.ActiveIndices() {
		if geom.Mesh.Normals[i] != (r3.Vec{X: -1}) {
			t.Fatalf("Normal %d = %v, want (-1,0,0)", i, geom.Mesh.Normals[i])
		}
	}
}

// TestConstrainNormalsRejectsFlatSlab verifies a plane constraint that removes
// most normals is reported as an invariant violation
func TestConstrainNormalsRejectsFlatSlab(t *testing.T) {
	slab := models.NewVolume(17, 17, 5)
	boxMask(slab, 1, 16, 1, 16, 2, 3, 1)

	geom, err := Build(slab, nil, Options{})
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}
	plane := 2
	degenerate, err := geom.ConstrainNormals(NormalConstraint{Plane: &plane})
	if errors.Cause(err) != ErrInvariant {
		t.Fatalf("Expected ErrInvariant, got %v", err)
	}
	if frac := float64(len(degenerate)) / float64(len(geom.Mesh.Points)); frac <= MaxDegenerateFraction {
		t.Errorf("Only %f of the points degenerated", frac)
	}

	// a plane containing the slab normals keeps almost every point
	geom, err = Build(slab, nil, Options{})
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}
	plane = 0
	degenerate, err = geom.ConstrainNormals(NormalConstraint{Plane: &plane})
	if err != nil {
		t.Fatalf("ConstrainNormals failed: %v", err)
	}
	if len(degenerate) > len(geom.Mesh.Points)/4 {
		t.Errorf("%d of %d points degenerated", len(degenerate), len(geom.Mesh.Points))
	}
}

// TestNearestVoxel verifies surface points map back to the object voxel they bound
func TestNearestVoxel(t *testing.T) {
	m := models.NewVolume(4, 4, 4)
	m.Spacing = r3.Vec{X: 2, Y: 1, Z: 1}
	m.Origin = r3.Vec{X: -3}
	m.Set(1, 1, 1, 1)
	m.Set(2, 1, 1, 1)

	tests := []struct {
		p    r3.Vec
		want int
		ok   bool
	}{
		{m.Position(0.5, 1, 1), m.Index(1, 1, 1), true},
		{m.Position(1.4, 1.5, 1), m.Index(1, 1, 1), true},
		{m.Position(2.5, 1, 0.5), m.Index(2, 1, 1), true},
		{m.Position(3.5, 3.5, 3.5), 0, false},
	}
	for _, tt := range tests {
		got, ok := nearestVoxel(m, tt.p)
		if ok != tt.ok || (ok && got != tt.want) {
			t.Errorf("nearestVoxel(%v) = %d, %v, want %d, %v", tt.p, got, ok, tt.want, tt.ok)
		}
	}
}

// TestMiddle verifies odd and even neighbour counts
func TestMiddle(t *testing.T) {
	tests := []struct {
		in   []float64
		want float64
	}{
		{[]float64{3}, 3},
		{[]float64{5, 1, 3}, 3},
		{[]float64{4, 1, 3, 2}, 2.5},
		{[]float64{2, 2, 9, 2}, 2},
	}
	for _, tt := range tests {
		if got := middle(tt.in); got != tt.want {
			t.Errorf("middle(%v) = %f, want %f", tt.in, got, tt.want)
		}
	}
}
