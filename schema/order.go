package schema

import (
	"encoding/binary"
	"fmt"
	"math"
	"math/bits"

	"github.com/tesseradb/tessera/internal/hilbert"
)

func packUint32(v uint32) []byte {
	b := make([]byte, 4)
	binary.LittleEndian.PutUint32(b, v)
	return b
}

func packUint64(v uint64) []byte {
	b := make([]byte, 8)
	binary.LittleEndian.PutUint64(b, v)
	return b
}

// DecodeCoordInt reads the coordinate of one dimension from a raw tuple
// encoded in an integral coordinate type.
func (s *Schema) DecodeCoordInt(raw []byte, dim int) int64 {
	switch s.CoordsType {
	case TypeInt32:
		return int64(int32(binary.LittleEndian.Uint32(raw[dim*4:])))
	default:
		return int64(binary.LittleEndian.Uint64(raw[dim*8:]))
	}
}

// DecodeCoordFloat reads the coordinate of one dimension from a raw tuple
// encoded in a floating coordinate type.
func (s *Schema) DecodeCoordFloat(raw []byte, dim int) float64 {
	switch s.CoordsType {
	case TypeFloat32:
		return float64(math.Float32frombits(binary.LittleEndian.Uint32(raw[dim*4:])))
	default:
		return math.Float64frombits(binary.LittleEndian.Uint64(raw[dim*8:]))
	}
}

// EncodeCoordsInt writes an integral coordinate tuple into dst, which must
// hold CoordSize bytes.
func (s *Schema) EncodeCoordsInt(dst []byte, coords []int64) {
	switch s.CoordsType {
	case TypeInt32:
		for i, c := range coords {
			binary.LittleEndian.PutUint32(dst[i*4:], uint32(int32(c)))
		}
	default:
		for i, c := range coords {
			binary.LittleEndian.PutUint64(dst[i*8:], uint64(c))
		}
	}
}

// CmpCoord compares two raw single-dimension coordinate values.
func (s *Schema) CmpCoord(a, b []byte) int {
	if s.CoordsType.Floating() {
		av, bv := s.DecodeCoordFloat(a, 0), s.DecodeCoordFloat(b, 0)
		switch {
		case av < bv:
			return -1
		case av > bv:
			return 1
		default:
			return 0
		}
	}
	av, bv := s.DecodeCoordInt(a, 0), s.DecodeCoordInt(b, 0)
	switch {
	case av < bv:
		return -1
	case av > bv:
		return 1
	default:
		return 0
	}
}

// Subarray is a decoded hyper-rectangle, one inclusive [lo, hi] pair per
// dimension. Exactly one of the integral or floating pairs is populated,
// matching the coordinate type.
type Subarray struct {
	ILo, IHi []int64
	FLo, FHi []float64
}

// FullSubarray returns the subarray spanning the whole domain.
func (s *Schema) FullSubarray() *Subarray {
	sub := &Subarray{}
	n := len(s.Dimensions)
	if s.CoordsType.Floating() {
		sub.FLo = make([]float64, n)
		sub.FHi = make([]float64, n)
		for i, d := range s.Dimensions {
			sub.FLo[i], sub.FHi[i] = d.DomainF[0], d.DomainF[1]
		}
		return sub
	}
	sub.ILo = make([]int64, n)
	sub.IHi = make([]int64, n)
	for i, d := range s.Dimensions {
		sub.ILo[i], sub.IHi[i] = d.Domain[0], d.Domain[1]
	}
	return sub
}

// DecodeSubarray parses a raw subarray laid out as one [lo, hi] pair per
// dimension in the coordinate type. It rejects malformed, inverted and
// out-of-domain ranges.
func (s *Schema) DecodeSubarray(raw []byte) (*Subarray, error) {
	n := len(s.Dimensions)
	want := 2 * n * s.CoordsType.Size()
	if len(raw) != want {
		return nil, fmt.Errorf("subarray must be %d bytes (%d ranges of %s), got %d",
			want, n, s.CoordsType, len(raw))
	}

	sub := &Subarray{}
	if s.CoordsType.Floating() {
		sub.FLo = make([]float64, n)
		sub.FHi = make([]float64, n)
		for i, d := range s.Dimensions {
			lo := s.DecodeCoordFloat(raw, 2*i)
			hi := s.DecodeCoordFloat(raw, 2*i+1)
			if math.IsNaN(lo) || math.IsNaN(hi) {
				return nil, fmt.Errorf("subarray dimension %q: NaN bound", d.Name)
			}
			if lo > hi {
				return nil, fmt.Errorf("subarray dimension %q: inverted range [%g, %g]", d.Name, lo, hi)
			}
			if lo < d.DomainF[0] || hi > d.DomainF[1] {
				return nil, fmt.Errorf("subarray dimension %q: range [%g, %g] outside domain [%g, %g]",
					d.Name, lo, hi, d.DomainF[0], d.DomainF[1])
			}
			sub.FLo[i], sub.FHi[i] = lo, hi
		}
		return sub, nil
	}

	sub.ILo = make([]int64, n)
	sub.IHi = make([]int64, n)
	for i, d := range s.Dimensions {
		lo := s.DecodeCoordInt(raw, 2*i)
		hi := s.DecodeCoordInt(raw, 2*i+1)
		if lo > hi {
			return nil, fmt.Errorf("subarray dimension %q: inverted range [%d, %d]", d.Name, lo, hi)
		}
		if lo < d.Domain[0] || hi > d.Domain[1] {
			return nil, fmt.Errorf("subarray dimension %q: range [%d, %d] outside domain [%d, %d]",
				d.Name, lo, hi, d.Domain[0], d.Domain[1])
		}
		sub.ILo[i], sub.IHi[i] = lo, hi
	}
	return sub, nil
}

// EncodeSubarray is the inverse of DecodeSubarray.
func (s *Schema) EncodeSubarray(sub *Subarray) []byte {
	n := len(s.Dimensions)
	raw := make([]byte, 2*n*s.CoordsType.Size())
	switch s.CoordsType {
	case TypeInt32:
		for i := 0; i < n; i++ {
			binary.LittleEndian.PutUint32(raw[(2*i)*4:], uint32(int32(sub.ILo[i])))
			binary.LittleEndian.PutUint32(raw[(2*i+1)*4:], uint32(int32(sub.IHi[i])))
		}
	case TypeInt64:
		for i := 0; i < n; i++ {
			binary.LittleEndian.PutUint64(raw[(2*i)*8:], uint64(sub.ILo[i]))
			binary.LittleEndian.PutUint64(raw[(2*i+1)*8:], uint64(sub.IHi[i]))
		}
	case TypeFloat32:
		for i := 0; i < n; i++ {
			binary.LittleEndian.PutUint32(raw[(2*i)*4:], math.Float32bits(float32(sub.FLo[i])))
			binary.LittleEndian.PutUint32(raw[(2*i+1)*4:], math.Float32bits(float32(sub.FHi[i])))
		}
	case TypeFloat64:
		for i := 0; i < n; i++ {
			binary.LittleEndian.PutUint64(raw[(2*i)*8:], math.Float64bits(sub.FLo[i]))
			binary.LittleEndian.PutUint64(raw[(2*i+1)*8:], math.Float64bits(sub.FHi[i]))
		}
	}
	return raw
}

// Volume returns the cell count of an integral subarray and whether the
// product fits in a uint64.
func (sub *Subarray) Volume() (uint64, bool) {
	n := uint64(1)
	for i := range sub.ILo {
		span := uint64(sub.IHi[i] - sub.ILo[i] + 1)
		hi, lo := bits.Mul64(n, span)
		if hi != 0 {
			return 0, false
		}
		n = lo
	}
	return n, true
}

// TileAligned reports whether an integral subarray starts and ends on tile
// boundaries of a dense schema.
func (s *Schema) TileAligned(sub *Subarray) bool {
	for i, d := range s.Dimensions {
		if d.TileExtent <= 0 {
			return false
		}
		if (sub.ILo[i]-d.Domain[0])%d.TileExtent != 0 {
			return false
		}
		if (sub.IHi[i]-d.Domain[0]+1)%d.TileExtent != 0 {
			return false
		}
	}
	return true
}

// CoordsIn reports whether a raw coordinate tuple falls inside the subarray.
// NaN coordinates never qualify.
func (s *Schema) CoordsIn(raw []byte, sub *Subarray) bool {
	if s.CoordsType.Floating() {
		for i := range sub.FLo {
			c := s.DecodeCoordFloat(raw, i)
			if !(c >= sub.FLo[i] && c <= sub.FHi[i]) {
				return false
			}
		}
		return true
	}
	for i := range sub.ILo {
		c := s.DecodeCoordInt(raw, i)
		if c < sub.ILo[i] || c > sub.IHi[i] {
			return false
		}
	}
	return true
}

// InDomain reports whether a raw coordinate tuple falls inside the domain.
// NaN coordinates never qualify.
func (s *Schema) InDomain(raw []byte) bool {
	if s.CoordsType.Floating() {
		for i, d := range s.Dimensions {
			c := s.DecodeCoordFloat(raw, i)
			if !(c >= d.DomainF[0] && c <= d.DomainF[1]) {
				return false
			}
		}
		return true
	}
	for i, d := range s.Dimensions {
		c := s.DecodeCoordInt(raw, i)
		if c < d.Domain[0] || c > d.Domain[1] {
			return false
		}
	}
	return true
}

// cmpDim compares the coordinate of one dimension across two raw tuples.
func (s *Schema) cmpDim(a, b []byte, dim int) int {
	if s.CoordsType.Floating() {
		av, bv := s.DecodeCoordFloat(a, dim), s.DecodeCoordFloat(b, dim)
		switch {
		case av < bv:
			return -1
		case av > bv:
			return 1
		default:
			return 0
		}
	}
	av, bv := s.DecodeCoordInt(a, dim), s.DecodeCoordInt(b, dim)
	switch {
	case av < bv:
		return -1
	case av > bv:
		return 1
	default:
		return 0
	}
}

func (s *Schema) cmpOrder(a, b []byte, o Order) int {
	n := len(s.Dimensions)
	if o == ColMajor {
		for i := n - 1; i >= 0; i-- {
			if c := s.cmpDim(a, b, i); c != 0 {
				return c
			}
		}
		return 0
	}
	for i := 0; i < n; i++ {
		if c := s.cmpDim(a, b, i); c != 0 {
			return c
		}
	}
	return 0
}

// TileCoords fills dst with the space tile coordinates of a raw cell tuple.
// Valid only on schemas with tile extents.
func (s *Schema) TileCoords(dst []int64, raw []byte) {
	for i, d := range s.Dimensions {
		dst[i] = (s.DecodeCoordInt(raw, i) - d.Domain[0]) / d.TileExtent
	}
}

func cmpInt64s(a, b []int64, o Order) int {
	n := len(a)
	if o == ColMajor {
		for i := n - 1; i >= 0; i-- {
			switch {
			case a[i] < b[i]:
				return -1
			case a[i] > b[i]:
				return 1
			}
		}
		return 0
	}
	for i := 0; i < n; i++ {
		switch {
		case a[i] < b[i]:
			return -1
		case a[i] > b[i]:
			return 1
		}
	}
	return 0
}

// CompareCoords orders two raw coordinate tuples in the global cell order of
// the schema. On tiled schemas cells compare first by their space tile in the
// tile order, then within the tile in the cell order. Hilbert order ties
// break row-major so the result is total.
func (s *Schema) CompareCoords(a, b []byte) int {
	if s.dense {
		var ta, tb [16]int64
		n := len(s.Dimensions)
		s.TileCoords(ta[:n], a)
		s.TileCoords(tb[:n], b)
		if c := cmpInt64s(ta[:n], tb[:n], s.TileOrder); c != 0 {
			return c
		}
		return s.cmpOrder(a, b, s.CellOrder)
	}
	if s.CellOrder == Hilbert {
		ha, hb := s.HilbertIndex(a), s.HilbertIndex(b)
		switch {
		case ha < hb:
			return -1
		case ha > hb:
			return 1
		}
		return s.cmpOrder(a, b, RowMajor)
	}
	return s.cmpOrder(a, b, s.CellOrder)
}

// HilbertIndex maps a raw coordinate tuple to its position on the Hilbert
// curve over the domain. Coordinates are offset to the domain origin and,
// when a dimension spans more bits than the curve can carry, uniformly
// truncated from the low end.
func (s *Schema) HilbertIndex(raw []byte) uint64 {
	n := len(s.Dimensions)
	var buf [8]uint64
	offs := buf[:n]
	for i, d := range s.Dimensions {
		offs[i] = uint64(s.DecodeCoordInt(raw, i)-d.Domain[0]) >> s.hilbertShft
	}
	return hilbert.Index(offs, s.hilbertBits)
}
