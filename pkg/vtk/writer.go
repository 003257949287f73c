// Package vtk writes annotated surface meshes in the legacy VTK format.
package vtk

import (
	"bufio"
	"fmt"
	"io"
	"os"

	"github.com/pkg/errors"

	"treeces/internal/models"
)

// PointColors is an RGB array in [0,1] attached to every mesh point
type PointColors struct {
	Name   string
	Values [][3]float64
}

// WriteFile writes the mesh to path, see Write
func WriteFile(path string, m *models.Mesh, colors ...PointColors) error {
	f, err := os.Create(path)
	if err != nil {
		return errors.Wrap(err, "error creating VTK file")
	}
	defer f.Close()

	w := bufio.NewWriter(f)
	if err := Write(w, m, colors...); err != nil {
		return err
	}
	if err := w.Flush(); err != nil {
		return errors.Wrap(err, "error writing VTK file")
	}
	return f.Close()
}

// Write encodes the mesh as ASCII POLYDATA with the point arrays thickness,
// cort_center, use_point and Normals, followed by any colour arrays.
func Write(w io.Writer, m *models.Mesh, colors ...PointColors) error {
	n := m.NumPoints()
	for name, l := range map[string]int{
		"thickness":   len(m.Thickness),
		"cort_center": len(m.CortCenter),
		"use_point":   len(m.UsePoint),
		"Normals":     len(m.Normals),
	} {
		if l != n {
			return errors.Errorf("point array %s has %d values for %d points", name, l, n)
		}
	}
	for _, c := range colors {
		if len(c.Values) != n {
			return errors.Errorf("colour array %s has %d values for %d points", c.Name, len(c.Values), n)
		}
	}

	ew := &errWriter{w: w}
	ew.printf("# vtk DataFile Version 3.0\n")
	ew.printf("treeces cortical thickness\n")
	ew.printf("ASCII\n")
	ew.printf("DATASET POLYDATA\n")

	ew.printf("POINTS %d float\n", n)
	for _, p := range m.Points {
		ew.printf("%g %g %g\n", p.X, p.Y, p.Z)
	}

	ew.printf("POLYGONS %d %d\n", len(m.Triangles), 4*len(m.Triangles))
	for _, t := range m.Triangles {
		ew.printf("3 %d %d %d\n", t[0], t[1], t[2])
	}

	ew.printf("POINT_DATA %d\n", n)
	scalars := func(name string, values []float64) {
		ew.printf("SCALARS %s float 1\nLOOKUP_TABLE default\n", name)
		for _, v := range values {
			ew.printf("%g\n", v)
		}
	}
	scalars("thickness", m.Thickness)
	scalars("cort_center", m.CortCenter)

	ew.printf("SCALARS use_point int 1\nLOOKUP_TABLE default\n")
	for _, u := range m.UsePoint {
		if u {
			ew.printf("1\n")
		} else {
			ew.printf("0\n")
		}
	}

	ew.printf("NORMALS Normals float\n")
	for _, v := range m.Normals {
		ew.printf("%g %g %g\n", v.X, v.Y, v.Z)
	}

	for _, c := range colors {
		ew.printf("COLOR_SCALARS %s 3\n", c.Name)
		for _, rgb := range c.Values {
			ew.printf("%g %g %g\n", clamp01(rgb[0]), clamp01(rgb[1]), clamp01(rgb[2]))
		}
	}
	if ew.err != nil {
		return errors.Wrap(ew.err, "error writing VTK data")
	}
	return nil
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

// errWriter remembers the first write error so formatting code stays linear
type errWriter struct {
	w   io.Writer
	err error
}

func (e *errWriter) printf(format string, args ...interface{}) {
	if e.err != nil {
		return
	}
	_, e.err = fmt.Fprintf(e.w, format, args...)
}
