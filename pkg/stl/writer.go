package stl

import (
	"io"

	"github.com/pkg/errors"
	"github.com/unixpickle/model3d/model3d"
)

// Save writes the mesh to a binary STL file
func Save(path string, mesh *model3d.Mesh) error {
	if err := mesh.SaveGroupedSTL(path); err != nil {
		return errors.Wrap(err, "error writing STL file")
	}
	return nil
}

// Write encodes the mesh as binary STL
func Write(w io.Writer, mesh *model3d.Mesh) error {
	return errors.Wrap(model3d.WriteSTL(w, mesh.TriangleSlice()), "error encoding STL")
}
