package nifti

import (
	"bytes"
	"encoding/binary"
	"os"
	"path/filepath"
	"testing"

	"gonum.org/v1/gonum/spatial/r3"

	"treeces/internal/models"
)

func testVolume() *models.Volume {
	v := models.NewVolume(4, 3, 2)
	for i := range v.Data {
		v.Data[i] = float64(i)*1.5 - 7
	}
	v.Spacing = r3.Vec{X: 0.5, Y: 0.25, Z: 2}
	v.Origin = r3.Vec{X: -10, Y: 3, Z: 7.5}
	return v
}

// TestWriteRead verifies volumes survive a round trip with and without compression
func TestWriteRead(t *testing.T) {
	dir, err := os.MkdirTemp("", "treeces-nifti-*")
	if err != nil {
		t.Fatalf("Failed to create temp dir: %v", err)
	}
	defer os.RemoveAll(dir)

	for _, name := range []string{"volume.nii", "volume.nii.gz"} {
		t.Run(name, func(t *testing.T) {
			v := testVolume()
			path := filepath.Join(dir, name)
			if err := Write(path, v); err != nil {
				t.Fatalf("Write failed: %v", err)
			}
			got, err := Read(path)
			if err != nil {
				t.Fatalf("Read failed: %v", err)
			}
			if !got.SameGrid(v) {
				t.Errorf("Grid changed: %dx%dx%d spacing %v origin %v", got.Width, got.Height, got.Depth, got.Spacing, got.Origin)
			}
			for i := range v.Data {
				if got.Data[i] != v.Data[i] {
					t.Fatalf("Voxel %d: expected %f, got %f", i, v.Data[i], got.Data[i])
				}
			}
		})
	}
}

// encode builds a single-file NIfTI-1 image in memory
func encode(t *testing.T, order binary.ByteOrder, h header, voxels interface{}) []byte {
	var buf bytes.Buffer
	if err := binary.Write(&buf, order, &h); err != nil {
		t.Fatalf("Failed to encode header: %v", err)
	}
	buf.Write(make([]byte, dataOffset-headerSize))
	if err := binary.Write(&buf, order, voxels); err != nil {
		t.Fatalf("Failed to encode voxels: %v", err)
	}
	return buf.Bytes()
}

// TestDecodeDatatypes verifies integer types, byte order and intensity scaling
func TestDecodeDatatypes(t *testing.T) {
	base := header{SizeofHdr: headerSize, VoxOffset: dataOffset}
	base.Dim = [8]int16{3, 2, 2, 1, 1, 1, 1, 1}
	base.Pixdim = [8]float32{1, 1, 1, 1}
	copy(base.Magic[:], "n+1\x00")

	tests := []struct {
		name   string
		order  binary.ByteOrder
		dtype  int16
		slope  float32
		inter  float32
		voxels interface{}
		want   []float64
	}{
		{"uint8 mask", binary.LittleEndian, typeUint8, 0, 0, []uint8{0, 1, 1, 0}, []float64{0, 1, 1, 0}},
		{"int16 big endian", binary.BigEndian, typeInt16, 0, 0, []int16{-5, 100, 0, 32000}, []float64{-5, 100, 0, 32000}},
		{"scaled uint16", binary.LittleEndian, typeUint16, 2, -10, []uint16{0, 5, 10, 15}, []float64{-10, 0, 10, 20}},
		{"float64", binary.LittleEndian, typeFloat64, 1, 0, []float64{0.5, -1.25, 3, 8}, []float64{0.5, -1.25, 3, 8}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := base
			h.Datatype = tt.dtype
			h.SclSlope = tt.slope
			h.SclInter = tt.inter
			v, err := decode(encode(t, tt.order, h, tt.voxels))
			if err != nil {
				t.Fatalf("decode failed: %v", err)
			}
			if v.Width != 2 || v.Height != 2 || v.Depth != 1 {
				t.Fatalf("Unexpected dimensions %dx%dx%d", v.Width, v.Height, v.Depth)
			}
			for i, w := range tt.want {
				if v.Data[i] != w {
					t.Errorf("Voxel %d: expected %f, got %f", i, w, v.Data[i])
				}
			}
		})
	}
}

// TestDecodeErrors verifies malformed files are rejected
func TestDecodeErrors(t *testing.T) {
	if _, err := decode(make([]byte, 10)); err == nil {
		t.Error("Expected error for short file")
	}
	if _, err := decode(make([]byte, 400)); err == nil {
		t.Error("Expected error for missing header size")
	}

	h := header{SizeofHdr: headerSize, VoxOffset: dataOffset, Datatype: typeFloat32}
	h.Dim = [8]int16{3, 10, 10, 10}
	copy(h.Magic[:], "n+1\x00")
	if _, err := decode(encode(t, binary.LittleEndian, h, []float32{1, 2})); err == nil {
		t.Error("Expected error for truncated voxel data")
	}

	h.Dim = [8]int16{3, 1, 1, 1}
	h.Datatype = 128 // RGB
	if _, err := decode(encode(t, binary.LittleEndian, h, []uint8{1, 2, 3})); err == nil {
		t.Error("Expected error for unsupported datatype")
	}

	if _, err := Read(filepath.Join(os.TempDir(), "does-not-exist.nii")); err == nil {
		t.Error("Expected error for missing file")
	}
}
