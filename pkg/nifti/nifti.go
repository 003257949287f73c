// Package nifti reads and writes single-file NIfTI-1 volumes (.nii and .nii.gz).
//
// Only the voxel grid, spacing and translation are kept; rotations in the
// qform and sform are ignored, so volumes are treated as axis aligned.
package nifti

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"io"
	"math"
	"os"
	"strings"

	"github.com/klauspost/pgzip"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/spatial/r3"

	"treeces/internal/models"
)

const (
	headerSize = 348
	dataOffset = 352
)

// NIfTI-1 datatype codes
const (
	typeUint8   = 2
	typeInt16   = 4
	typeInt32   = 8
	typeFloat32 = 16
	typeFloat64 = 64
	typeInt8    = 256
	typeUint16  = 512
	typeUint32  = 768
)

// header is the on-disk NIfTI-1 header
type header struct {
	SizeofHdr     int32
	DataType      [10]byte
	DbName        [18]byte
	Extents       int32
	SessionError  int16
	Regular       byte
	DimInfo       byte
	Dim           [8]int16
	IntentP1      float32
	IntentP2      float32
	IntentP3      float32
	IntentCode    int16
	Datatype      int16
	Bitpix        int16
	SliceStart    int16
	Pixdim        [8]float32
	VoxOffset     float32
	SclSlope      float32
	SclInter      float32
	SliceEnd      int16
	SliceCode     byte
	XyztUnits     byte
	CalMax        float32
	CalMin        float32
	SliceDuration float32
	Toffset       float32
	Glmax         int32
	Glmin         int32
	Descrip       [80]byte
	AuxFile       [24]byte
	QformCode     int16
	SformCode     int16
	QuaternB      float32
	QuaternC      float32
	QuaternD      float32
	QoffsetX      float32
	QoffsetY      float32
	QoffsetZ      float32
	SrowX         [4]float32
	SrowY         [4]float32
	SrowZ         [4]float32
	IntentName    [16]byte
	Magic         [4]byte
}

// Read loads a volume from path. Gzip compression is detected from the content.
func Read(path string) (*models.Volume, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrap(err, "error opening image")
	}
	defer f.Close()

	br := bufio.NewReader(f)
	var r io.Reader = br
	if magic, err := br.Peek(2); err == nil && magic[0] == 0x1f && magic[1] == 0x8b {
		gz, err := pgzip.NewReader(br)
		if err != nil {
			return nil, errors.Wrapf(err, "error decompressing %s", path)
		}
		defer gz.Close()
		r = gz
	}

	data, err := io.ReadAll(r)
	if err != nil {
		return nil, errors.Wrapf(err, "error reading %s", path)
	}
	v, err := decode(data)
	if err != nil {
		return nil, errors.Wrapf(err, "error decoding %s", path)
	}
	return v, nil
}

func decode(data []byte) (*models.Volume, error) {
	if len(data) < headerSize {
		return nil, errors.Errorf("file too short for a NIfTI-1 header (%d bytes)", len(data))
	}

	var h header
	var order binary.ByteOrder = binary.LittleEndian
	if err := binary.Read(bytes.NewReader(data[:headerSize]), order, &h); err != nil {
		return nil, err
	}
	if h.SizeofHdr != headerSize {
		order = binary.BigEndian
		if err := binary.Read(bytes.NewReader(data[:headerSize]), order, &h); err != nil {
			return nil, err
		}
		if h.SizeofHdr != headerSize {
			return nil, errors.New("not a NIfTI-1 file")
		}
	}
	if string(h.Magic[:3]) != "n+1" {
		return nil, errors.Errorf("unsupported NIfTI magic %q (only single-file .nii is supported)", h.Magic[:3])
	}

	dims := [3]int{1, 1, 1}
	for k := 0; k < 3; k++ {
		if int(h.Dim[0]) > k {
			dims[k] = int(h.Dim[k+1])
		}
		if dims[k] < 1 {
			return nil, errors.Errorf("invalid dimension %d along axis %d", dims[k], k)
		}
	}

	v := models.NewVolume(dims[0], dims[1], dims[2])
	v.Spacing = r3.Vec{X: spacing(h.Pixdim[1]), Y: spacing(h.Pixdim[2]), Z: spacing(h.Pixdim[3])}
	switch {
	case h.SformCode > 0:
		v.Origin = r3.Vec{X: float64(h.SrowX[3]), Y: float64(h.SrowY[3]), Z: float64(h.SrowZ[3])}
	case h.QformCode > 0:
		v.Origin = r3.Vec{X: float64(h.QoffsetX), Y: float64(h.QoffsetY), Z: float64(h.QoffsetZ)}
	}

	offset := int(h.VoxOffset)
	if offset < dataOffset {
		offset = dataOffset
	}
	size, read, err := sampleReader(h.Datatype, order)
	if err != nil {
		return nil, err
	}
	need := offset + v.Len()*size
	if len(data) < need {
		return nil, errors.Errorf("voxel data truncated: need %d bytes, have %d", need, len(data))
	}

	slope, inter := float64(h.SclSlope), float64(h.SclInter)
	if slope == 0 || math.IsNaN(slope) {
		slope, inter = 1, 0
	}
	raw := data[offset:need]
	for i := range v.Data {
		v.Data[i] = read(raw[i*size:])*slope + inter
	}
	return v, nil
}

func spacing(p float32) float64 {
	s := math.Abs(float64(p))
	if s == 0 || math.IsNaN(s) {
		return 1
	}
	return s
}

// sampleReader returns the byte size of one voxel and a decoder for it
func sampleReader(datatype int16, order binary.ByteOrder) (int, func([]byte) float64, error) {
	switch datatype {
	case typeUint8:
		return 1, func(b []byte) float64 { return float64(b[0]) }, nil
	case typeInt8:
		return 1, func(b []byte) float64 { return float64(int8(b[0])) }, nil
	case typeInt16:
		return 2, func(b []byte) float64 { return float64(int16(order.Uint16(b))) }, nil
	case typeUint16:
		return 2, func(b []byte) float64 { return float64(order.Uint16(b)) }, nil
	case typeInt32:
		return 4, func(b []byte) float64 { return float64(int32(order.Uint32(b))) }, nil
	case typeUint32:
		return 4, func(b []byte) float64 { return float64(order.Uint32(b)) }, nil
	case typeFloat32:
		return 4, func(b []byte) float64 { return float64(math.Float32frombits(order.Uint32(b))) }, nil
	case typeFloat64:
		return 8, func(b []byte) float64 { return math.Float64frombits(order.Uint64(b)) }, nil
	}
	return 0, nil, errors.Errorf("unsupported NIfTI datatype %d", datatype)
}

// Write stores v as little-endian float32 NIfTI-1. Paths ending in .gz are compressed.
func Write(path string, v *models.Volume) error {
	h := header{
		SizeofHdr: headerSize,
		Regular:   'r',
		Datatype:  typeFloat32,
		Bitpix:    32,
		VoxOffset: dataOffset,
		SclSlope:  1,
		QformCode: 1,
		QoffsetX:  float32(v.Origin.X),
		QoffsetY:  float32(v.Origin.Y),
		QoffsetZ:  float32(v.Origin.Z),
		XyztUnits: 2, // mm
	}
	h.Dim = [8]int16{3, int16(v.Width), int16(v.Height), int16(v.Depth), 1, 1, 1, 1}
	h.Pixdim = [8]float32{1, float32(v.Spacing.X), float32(v.Spacing.Y), float32(v.Spacing.Z), 0, 0, 0, 0}
	copy(h.Magic[:], "n+1\x00")
	copy(h.Descrip[:], "treeces")

	f, err := os.Create(path)
	if err != nil {
		return errors.Wrap(err, "error creating image file")
	}
	defer f.Close()

	bw := bufio.NewWriter(f)
	var w io.Writer = bw
	var gz *pgzip.Writer
	if strings.HasSuffix(path, ".gz") {
		gz = pgzip.NewWriter(bw)
		w = gz
	}

	if err := binary.Write(w, binary.LittleEndian, &h); err != nil {
		return errors.Wrap(err, "error writing header")
	}
	if _, err := w.Write(make([]byte, dataOffset-headerSize)); err != nil {
		return errors.Wrap(err, "error writing header extension")
	}
	buf := make([]byte, 4)
	for _, d := range v.Data {
		binary.LittleEndian.PutUint32(buf, math.Float32bits(float32(d)))
		if _, err := w.Write(buf); err != nil {
			return errors.Wrap(err, "error writing voxel data")
		}
	}

	if gz != nil {
		if err := gz.Close(); err != nil {
			return errors.Wrap(err, "error finishing compression")
		}
	}
	if err := bw.Flush(); err != nil {
		return errors.Wrap(err, "error flushing image file")
	}
	return f.Close()
}
