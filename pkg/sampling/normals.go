package sampling

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/spatial/r3"
)

// Normalize scales v to unit length, using NormalEpsilon as a floor on the norm
func Normalize(v r3.Vec) r3.Vec {
	return r3.Scale(1/math.Max(r3.Norm(v), NormalEpsilon), v)
}

// ConstrainToPlane zeroes the given axis component of every normal and
// renormalises. It returns the indices of normals that collapsed to zero length.
func ConstrainToPlane(normals []r3.Vec, axis int) ([]int, error) {
	if axis < 0 || axis > 2 {
		return nil, fmt.Errorf("plane axis must be 0, 1 or 2, got %d", axis)
	}
	var degenerate []int
	for i, n := range normals {
		switch axis {
		case 0:
			n.X = 0
		case 1:
			n.Y = 0
		case 2:
			n.Z = 0
		}
		if r3.Norm(n) < NormalEpsilon {
			degenerate = append(degenerate, i)
		}
		normals[i] = Normalize(n)
	}
	return degenerate, nil
}

// ConstrainToAxis replaces every normal by the signed principal axis
func ConstrainToAxis(normals []r3.Vec, axis int, negative bool) error {
	if axis < 0 || axis > 2 {
		return fmt.Errorf("normal axis must be 0, 1 or 2, got %d", axis)
	}
	var v r3.Vec
	switch axis {
	case 0:
		v.X = 1
	case 1:
		v.Y = 1
	case 2:
		v.Z = 1
	}
	if negative {
		v = r3.Scale(-1, v)
	}
	for i := range normals {
		normals[i] = v
	}
	return nil
}

// ParseSignedAxis parses "+1", "-2", "0" style axis arguments
func ParseSignedAxis(s string) (axis int, negative bool, err error) {
	if s == "" {
		return 0, false, fmt.Errorf("empty axis")
	}
	switch s[0] {
	case '-':
		negative = true
		s = s[1:]
	case '+':
		s = s[1:]
	}
	if len(s) != 1 || s[0] < '0' || s[0] > '2' {
		return 0, false, fmt.Errorf("axis must be one of 0, 1, 2 with optional sign")
	}
	return int(s[0] - '0'), negative, nil
}

// CheckUnit returns an error naming the first normal whose length differs from one
func CheckUnit(normals []r3.Vec, indices []int) error {
	for _, i := range indices {
		if l := r3.Norm(normals[i]); math.Abs(l-1) > 1e-6 {
			return fmt.Errorf("normal %d has length %g after constraint application", i, l)
		}
	}
	return nil
}
