package surface

import (
	"sort"
)

// Graph is the read-only vertex adjacency of a mesh in CSR layout: the
// neighbours of point i are Indices[Offsets[i]:Offsets[i+1]].
type Graph struct {
	Offsets []int
	Indices []int
}

// Neighbours builds the adjacency of n points from triangle connectivity. Two
// points are neighbours when they share at least one triangle.
func Neighbours(n int, triangles [][3]int) *Graph {
	sets := make([][]int, n)
	for _, tri := range triangles {
		for a := 0; a < 3; a++ {
			for b := 0; b < 3; b++ {
				if a != b {
					sets[tri[a]] = append(sets[tri[a]], tri[b])
				}
			}
		}
	}
	g := &Graph{Offsets: make([]int, n+1)}
	for i, s := range sets {
		sort.Ints(s)
		prev := -1
		for _, j := range s {
			if j != prev {
				g.Indices = append(g.Indices, j)
				prev = j
			}
		}
		g.Offsets[i+1] = len(g.Indices)
	}
	return g
}

// Len returns the number of points
func (g *Graph) Len() int { return len(g.Offsets) - 1 }

// Of returns the neighbours of point i
func (g *Graph) Of(i int) []int {
	return g.Indices[g.Offsets[i]:g.Offsets[i+1]]
}
