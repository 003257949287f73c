// Package interpolation builds the spatial operators used by the global
// thickness fits on a surface point cloud.
package interpolation

import (
	"math"
	"sort"

	"gonum.org/v1/gonum/spatial/kdtree"
	"gonum.org/v1/gonum/spatial/r3"
)

// Point is a surface point tagged with its index in the caller's slice
type Point struct {
	r3.Vec
	Index int
}

// Compare implements the kdtree.Comparable interface
func (p Point) Compare(c kdtree.Comparable, d kdtree.Dim) float64 {
	q := c.(Point)
	switch d {
	case 0:
		return p.X - q.X
	case 1:
		return p.Y - q.Y
	case 2:
		return p.Z - q.Z
	default:
		panic("illegal dimension")
	}
}

// Dims returns the number of dimensions for the KD-tree
func (p Point) Dims() int { return 3 }

// Distance returns the squared Euclidean distance between two points
func (p Point) Distance(c kdtree.Comparable) float64 {
	return r3.Norm2(r3.Sub(p.Vec, c.(Point).Vec))
}

// Points is a collection of Point that satisfies kdtree.Interface
type Points []Point

func (p Points) Index(i int) kdtree.Comparable         { return p[i] }
func (p Points) Len() int                              { return len(p) }
func (p Points) Slice(start, end int) kdtree.Interface { return p[start:end] }

// Pivot implements the kdtree.Interface method
func (p Points) Pivot(d kdtree.Dim) int {
	return kdtree.Partition(pointPlane{Points: p, Dim: d}, kdtree.MedianOfRandoms(pointPlane{Points: p, Dim: d}, 100))
}

// pointPlane implements sort.Interface and kdtree.SortSlicer for Points
type pointPlane struct {
	Points
	kdtree.Dim
}

func (p pointPlane) Less(i, j int) bool {
	switch p.Dim {
	case 0:
		return p.Points[i].X < p.Points[j].X
	case 1:
		return p.Points[i].Y < p.Points[j].Y
	case 2:
		return p.Points[i].Z < p.Points[j].Z
	default:
		panic("illegal dimension")
	}
}

func (p pointPlane) Slice(start, end int) kdtree.SortSlicer {
	return pointPlane{Points: p.Points[start:end], Dim: p.Dim}
}

func (p pointPlane) Swap(i, j int) {
	p.Points[i], p.Points[j] = p.Points[j], p.Points[i]
}

// Neighbour is a search result: the index of the point and its Euclidean distance
type Neighbour struct {
	Index int
	Dist  float64
}

// Tree is a KD-tree over a fixed set of points
type Tree struct {
	tree *kdtree.Tree
	n    int
}

// NewTree indexes points. The input slice is not retained.
func NewTree(points []r3.Vec) *Tree {
	pts := make(Points, len(points))
	for i, p := range points {
		pts[i] = Point{Vec: p, Index: i}
	}
	t := &Tree{n: len(pts)}
	if len(pts) > 0 {
		t.tree = kdtree.New(pts, true)
	}
	return t
}

// Len returns the number of indexed points
func (t *Tree) Len() int { return t.n }

// Nearest returns the k points closest to q in increasing distance order.
// Ties are broken by index so results are reproducible.
func (t *Tree) Nearest(q r3.Vec, k int) []Neighbour {
	if t.tree == nil || k <= 0 {
		return nil
	}
	keeper := kdtree.NewNKeeper(k)
	t.tree.NearestSet(keeper, Point{Vec: q, Index: -1})
	return collect(keeper.Heap)
}

// Within returns every point whose distance to q is at most r
func (t *Tree) Within(q r3.Vec, r float64) []Neighbour {
	if t.tree == nil || r < 0 {
		return nil
	}
	keeper := kdtree.NewDistKeeper(r * r)
	t.tree.NearestSet(keeper, Point{Vec: q, Index: -1})
	return collect(keeper.Heap)
}

func collect(heap kdtree.Heap) []Neighbour {
	out := make([]Neighbour, 0, len(heap))
	for _, item := range heap {
		// Skip the sentinel value
		if item.Comparable == nil {
			continue
		}
		out = append(out, Neighbour{Index: item.Comparable.(Point).Index, Dist: item.Dist})
	}
	sort.Slice(out, func(a, b int) bool {
		if out[a].Dist != out[b].Dist {
			return out[a].Dist < out[b].Dist
		}
		return out[a].Index < out[b].Index
	})
	for i := range out {
		out[i].Dist = math.Sqrt(out[i].Dist)
	}
	return out
}
