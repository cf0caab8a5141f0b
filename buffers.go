package tessera

import (
	"encoding/binary"
	"math"

	"github.com/tesseradb/tessera/schema"
)

// Reserved attribute names for projections: explicit coordinates on sparse
// arrays, stored keys on metadata objects.
const (
	Coords = schema.CoordsName
	Key    = schema.KeyName
)

// Buffer helpers for the cell exchange format: fixed-width little-endian
// values, and u64 offsets for var attributes.

// PackInt32 encodes values into a cell buffer.
func PackInt32(vals ...int32) []byte {
	b := make([]byte, len(vals)*4)
	for i, v := range vals {
		binary.LittleEndian.PutUint32(b[i*4:], uint32(v))
	}
	return b
}

// UnpackInt32 decodes a cell buffer.
func UnpackInt32(b []byte) []int32 {
	out := make([]int32, len(b)/4)
	for i := range out {
		out[i] = int32(binary.LittleEndian.Uint32(b[i*4:]))
	}
	return out
}

// PackInt64 encodes values into a cell buffer.
func PackInt64(vals ...int64) []byte {
	b := make([]byte, len(vals)*8)
	for i, v := range vals {
		binary.LittleEndian.PutUint64(b[i*8:], uint64(v))
	}
	return b
}

// UnpackInt64 decodes a cell buffer.
func UnpackInt64(b []byte) []int64 {
	out := make([]int64, len(b)/8)
	for i := range out {
		out[i] = int64(binary.LittleEndian.Uint64(b[i*8:]))
	}
	return out
}

// PackFloat32 encodes values into a cell buffer.
func PackFloat32(vals ...float32) []byte {
	b := make([]byte, len(vals)*4)
	for i, v := range vals {
		binary.LittleEndian.PutUint32(b[i*4:], math.Float32bits(v))
	}
	return b
}

// UnpackFloat32 decodes a cell buffer.
func UnpackFloat32(b []byte) []float32 {
	out := make([]float32, len(b)/4)
	for i := range out {
		out[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[i*4:]))
	}
	return out
}

// PackFloat64 encodes values into a cell buffer.
func PackFloat64(vals ...float64) []byte {
	b := make([]byte, len(vals)*8)
	for i, v := range vals {
		binary.LittleEndian.PutUint64(b[i*8:], math.Float64bits(v))
	}
	return b
}

// UnpackFloat64 decodes a cell buffer.
func UnpackFloat64(b []byte) []float64 {
	out := make([]float64, len(b)/8)
	for i := range out {
		out[i] = math.Float64frombits(binary.LittleEndian.Uint64(b[i*8:]))
	}
	return out
}

// PackOffsets encodes the offsets buffer of a var attribute: one u64 byte
// offset into the values buffer per cell.
func PackOffsets(offs ...uint64) []byte {
	b := make([]byte, len(offs)*8)
	for i, v := range offs {
		binary.LittleEndian.PutUint64(b[i*8:], v)
	}
	return b
}

// UnpackOffsets decodes an offsets buffer.
func UnpackOffsets(b []byte) []uint64 {
	out := make([]uint64, len(b)/8)
	for i := range out {
		out[i] = binary.LittleEndian.Uint64(b[i*8:])
	}
	return out
}

// PackStrings builds the offsets and values buffers of a var char attribute
// from one string per cell.
func PackStrings(vals ...string) (offsets, values []byte) {
	offs := make([]uint64, len(vals))
	n := 0
	for i, v := range vals {
		offs[i] = uint64(n)
		n += len(v)
	}
	values = make([]byte, 0, n)
	for _, v := range vals {
		values = append(values, v...)
	}
	return PackOffsets(offs...), values
}

// UnpackStrings splits a var char result back into one string per cell.
// Pass the delivered slices of the offsets and values buffers.
func UnpackStrings(offsets, values []byte) []string {
	offs := UnpackOffsets(offsets)
	out := make([]string, len(offs))
	for i := range offs {
		end := uint64(len(values))
		if i+1 < len(offs) {
			end = offs[i+1]
		}
		out[i] = string(values[offs[i]:end])
	}
	return out
}

// PackCoords encodes one integral coordinate tuple per cell in the schema's
// coordinate type. flat holds the tuples back to back.
func PackCoords(sch *schema.Schema, flat ...int64) []byte {
	nd := sch.NDim()
	b := make([]byte, (len(flat)/nd)*sch.CoordSize())
	for i := 0; i < len(flat)/nd; i++ {
		sch.EncodeCoordsInt(b[i*sch.CoordSize():], flat[i*nd:(i+1)*nd])
	}
	return b
}

// Subarray encodes an inclusive [lo, hi] pair per integral dimension into
// the wire layout WithSubarray and ResetSubarray take.
func Subarray(sch *schema.Schema, lo, hi []int64) []byte {
	return sch.EncodeSubarray(&schema.Subarray{ILo: lo, IHi: hi})
}
