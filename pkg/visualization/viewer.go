// Package visualization renders fitting inputs and results as images and colours.
package visualization

import (
	"bufio"
	"fmt"
	"image"
	"image/color"
	"math"
	"os"

	"github.com/pkg/errors"
	"golang.org/x/image/tiff"
	"gonum.org/v1/gonum/mat"
)

// ProfileViewer renders a profile matrix as an image with one row per surface
// point and one column per sample along the normal.
type ProfileViewer struct {
	data     *mat.Dense
	min, max float64
}

// NewProfileViewer creates a viewer whose grey range spans the matrix values
func NewProfileViewer(data *mat.Dense) *ProfileViewer {
	v := &ProfileViewer{data: data}
	if rows, cols := data.Dims(); rows > 0 && cols > 0 {
		v.min, v.max = mat.Min(data), mat.Max(data)
	}
	return v
}

// Range returns the values mapped to black and white
func (v *ProfileViewer) Range() (min, max float64) { return v.min, v.max }

// SetRange sets the values mapped to black and white, so several matrices can
// be rendered on a common scale
func (v *ProfileViewer) SetRange(min, max float64) {
	v.min, v.max = min, max
}

// Image renders the matrix into a 16-bit grayscale image
func (v *ProfileViewer) Image() *image.Gray16 {
	rows, cols := v.data.Dims()
	img := image.NewGray16(image.Rect(0, 0, cols, rows))
	span := v.max - v.min
	for y := 0; y < rows; y++ {
		for x := 0; x < cols; x++ {
			n := 0.0
			if span > 0 {
				n = (v.data.At(y, x) - v.min) / span
			}
			if math.IsNaN(n) {
				n = 0
			}
			value := uint16(math.Max(0, math.Min(65535, n*65535)))
			img.SetGray16(x, y, color.Gray16{Y: value})
		}
	}
	return img
}

// Save renders the matrix and writes it as a deflate-compressed TIFF
func (v *ProfileViewer) Save(filename string) error {
	rows, cols := v.data.Dims()
	if rows == 0 || cols == 0 {
		return fmt.Errorf("cannot render an empty %dx%d matrix", rows, cols)
	}
	return SaveTIFF(v.Image(), filename)
}

// SaveTIFF writes img as a deflate-compressed TIFF file
func SaveTIFF(img image.Image, filename string) error {
	file, err := os.Create(filename)
	if err != nil {
		return errors.Wrap(err, "error creating TIFF file")
	}
	defer file.Close()

	writer := bufio.NewWriter(file)
	if err := tiff.Encode(writer, img, &tiff.Options{Compression: tiff.Deflate, Predictor: true}); err != nil {
		return errors.Wrap(err, "error encoding TIFF")
	}
	if err := writer.Flush(); err != nil {
		return errors.Wrap(err, "error writing TIFF")
	}
	return file.Close()
}
