// Package schema defines and validates array and metadata schemas.
//
// A schema fixes the shape of a dataset before any data is written: its
// dimensions and their domain, the attributes with their types and
// compression, how cells are ordered within tiles and tiles within fragments,
// and how large tiles are. Schemas are immutable once built; they are
// persisted next to the dataset at create time and loaded read-only by every
// later session.
package schema

import (
	"fmt"
	"math"
	"regexp"

	"github.com/tesseradb/tessera/internal/hilbert"
)

// Type is the scalar type of an attribute or dimension.
type Type uint8

const (
	// TypeChar is a single byte. Attributes holding strings use TypeChar with
	// a variable cell value count.
	TypeChar Type = iota + 1
	// TypeInt32 is a 32-bit signed integer.
	TypeInt32
	// TypeInt64 is a 64-bit signed integer.
	TypeInt64
	// TypeFloat32 is a 32-bit float.
	TypeFloat32
	// TypeFloat64 is a 64-bit float.
	TypeFloat64
)

// Size returns the byte width of one value of the type.
func (t Type) Size() int {
	switch t {
	case TypeChar:
		return 1
	case TypeInt32, TypeFloat32:
		return 4
	case TypeInt64, TypeFloat64:
		return 8
	default:
		return 0
	}
}

// Floating reports whether the type is a floating-point type.
func (t Type) Floating() bool {
	return t == TypeFloat32 || t == TypeFloat64
}

func (t Type) String() string {
	switch t {
	case TypeChar:
		return "char"
	case TypeInt32:
		return "int32"
	case TypeInt64:
		return "int64"
	case TypeFloat32:
		return "float32"
	case TypeFloat64:
		return "float64"
	default:
		return fmt.Sprintf("type(%d)", uint8(t))
	}
}

func (t Type) valid() bool {
	return t >= TypeChar && t <= TypeFloat64
}

// Compression selects the codec applied to each tile of an attribute.
type Compression uint8

const (
	// CompressionNone stores tiles raw.
	CompressionNone Compression = iota
	// CompressionGzip uses DEFLATE. Best for cold archival data.
	CompressionGzip
	// CompressionZstd balances ratio and speed. The default for coordinates.
	CompressionZstd
	// CompressionLZ4 favors decode speed over ratio. Good for hot data.
	CompressionLZ4
)

func (c Compression) String() string {
	switch c {
	case CompressionNone:
		return "none"
	case CompressionGzip:
		return "gzip"
	case CompressionZstd:
		return "zstd"
	case CompressionLZ4:
		return "lz4"
	default:
		return fmt.Sprintf("compression(%d)", uint8(c))
	}
}

func (c Compression) valid() bool {
	return c <= CompressionLZ4
}

// Order is a cell or tile traversal order.
type Order uint8

const (
	// RowMajor varies the last dimension fastest.
	RowMajor Order = iota + 1
	// ColMajor varies the first dimension fastest.
	ColMajor
	// Hilbert orders cells along a Hilbert space-filling curve. Valid only as
	// the cell order of a sparse array with integer dimensions.
	Hilbert
)

func (o Order) String() string {
	switch o {
	case RowMajor:
		return "row-major"
	case ColMajor:
		return "col-major"
	case Hilbert:
		return "hilbert"
	default:
		return fmt.Sprintf("order(%d)", uint8(o))
	}
}

// Kind distinguishes arrays from key-value metadata objects.
type Kind uint8

const (
	// KindArray is a dense or sparse multi-dimensional array.
	KindArray Kind = iota + 1
	// KindMetadata is a key-value store layered on a sparse array whose
	// coordinates are a hash of the key.
	KindMetadata
)

// VarNum marks an attribute with a variable number of values per cell.
const VarNum = uint32(0xFFFFFFFF)

// DefaultCapacity is the default number of cells per sparse data tile.
const DefaultCapacity = uint64(10000)

// MaxDimensions bounds the number of dimensions a schema may declare.
const MaxDimensions = 16

// Names of the implicit trailing attributes.
const (
	// CoordsName is the implicit coordinates attribute of sparse cells.
	CoordsName = "__coords"
	// KeyName is the implicit key attribute of metadata objects.
	KeyName = "__key"
)

// Attribute describes one named value per cell.
type Attribute struct {
	Name        string      `json:"name"`
	Type        Type        `json:"type"`
	CellValNum  uint32      `json:"cell_val_num"`
	Compression Compression `json:"compression"`
}

// Var reports whether the attribute stores a variable number of values per
// cell. Var attributes occupy two buffers in the I/O protocol: offsets and
// values.
func (a Attribute) Var() bool {
	return a.CellValNum == VarNum
}

// CellSize returns the fixed byte size of one cell, or -1 for var attributes.
func (a Attribute) CellSize() int {
	if a.Var() {
		return -1
	}
	return a.Type.Size() * int(a.CellValNum)
}

// Dimension describes one axis of the coordinate space. Integral coordinate
// types use Domain; floating types use DomainF. TileExtent is zero when the
// dimension carries no space tiling.
type Dimension struct {
	Name       string     `json:"name"`
	Domain     [2]int64   `json:"domain"`
	DomainF    [2]float64 `json:"domain_f,omitempty"`
	TileExtent int64      `json:"tile_extent,omitempty"`
}

// Schema is the immutable description of an array or metadata object.
// Build one with a Builder; do not mutate fields after that.
type Schema struct {
	Version    int         `json:"version"`
	Name       string      `json:"name"`
	Kind       Kind        `json:"kind"`
	CoordsType Type        `json:"coords_type"`
	Dimensions []Dimension `json:"dimensions"`
	Attributes []Attribute `json:"attributes"`
	CellOrder  Order       `json:"cell_order"`
	TileOrder  Order       `json:"tile_order"`
	Capacity   uint64      `json:"capacity"`
	CoordsComp Compression `json:"coords_compression"`

	// Derived at build/load time.
	dense       bool
	hilbertBits int
	hilbertShft uint
}

// Error describes an invalid or inconsistent schema definition. It is
// reported at build or load time; nothing is written to disk when it occurs.
type Error struct {
	Field  string
	Reason string
}

func (e *Error) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("invalid schema: %s", e.Reason)
	}
	return fmt.Sprintf("invalid schema: %s: %s", e.Field, e.Reason)
}

func schemaErrf(field, format string, args ...any) error {
	return &Error{Field: field, Reason: fmt.Sprintf(format, args...)}
}

var nameRE = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// Dense reports whether every dimension carries a tile extent.
func (s *Schema) Dense() bool { return s.dense }

// NDim returns the number of dimensions.
func (s *Schema) NDim() int { return len(s.Dimensions) }

// CoordSize returns the byte size of one coordinate tuple.
func (s *Schema) CoordSize() int { return s.CoordsType.Size() * len(s.Dimensions) }

// TileCellCount returns the number of cells per tile: the tile extent volume
// for dense schemas, the capacity for sparse ones.
func (s *Schema) TileCellCount() uint64 {
	if !s.dense {
		return s.Capacity
	}
	n := uint64(1)
	for _, d := range s.Dimensions {
		n *= uint64(d.TileExtent)
	}
	return n
}

// AttributeIndex returns the position of a named user attribute.
func (s *Schema) AttributeIndex(name string) (int, bool) {
	for i, a := range s.Attributes {
		if a.Name == name {
			return i, true
		}
	}
	return 0, false
}

// CoordsAttribute synthesizes the implicit coordinates attribute: one fixed
// cell of NDim values in the coordinate type.
func (s *Schema) CoordsAttribute() Attribute {
	return Attribute{
		Name:        CoordsName,
		Type:        s.CoordsType,
		CellValNum:  uint32(len(s.Dimensions)),
		Compression: s.CoordsComp,
	}
}

// KeyAttribute synthesizes the implicit metadata key attribute: a var-length
// char column holding the original key of each cell.
func (s *Schema) KeyAttribute() Attribute {
	return Attribute{
		Name:        KeyName,
		Type:        TypeChar,
		CellValNum:  VarNum,
		Compression: CompressionZstd,
	}
}

// FillValue returns the canonical empty-cell value for an attribute type,
// used when reading dense cells no fragment covers. Var attributes fill with
// a zero-length value instead.
func FillValue(t Type) []byte {
	switch t {
	case TypeChar:
		return []byte{0}
	case TypeInt32:
		v := int32(math.MinInt32)
		return packUint32(uint32(v))
	case TypeInt64:
		v := int64(math.MinInt64)
		return packUint64(uint64(v))
	case TypeFloat32:
		return packUint32(math.Float32bits(float32(math.NaN())))
	case TypeFloat64:
		return packUint64(math.Float64bits(math.NaN()))
	default:
		return nil
	}
}

// finish recomputes the derived fields. It runs after Build and after Load.
func (s *Schema) finish() {
	s.dense = len(s.Dimensions) > 0
	for _, d := range s.Dimensions {
		if d.TileExtent <= 0 {
			s.dense = false
			break
		}
	}

	if s.CellOrder == Hilbert && !s.CoordsType.Floating() {
		n := len(s.Dimensions)
		s.hilbertBits = hilbert.Bits(n)
		maxBits := 0
		for _, d := range s.Dimensions {
			span := uint64(d.Domain[1] - d.Domain[0])
			b := 0
			for span > 0 {
				span >>= 1
				b++
			}
			if b > maxBits {
				maxBits = b
			}
		}
		if maxBits > s.hilbertBits {
			s.hilbertShft = uint(maxBits - s.hilbertBits)
		} else {
			s.hilbertShft = 0
			if maxBits > 0 {
				s.hilbertBits = maxBits
			}
		}
	}
}

// validate checks the full set of schema invariants.
func (s *Schema) validate() error {
	if s.Name == "" {
		return schemaErrf("name", "must not be empty")
	}
	if s.Kind != KindArray && s.Kind != KindMetadata {
		return schemaErrf("kind", "unknown kind %d", s.Kind)
	}
	if len(s.Dimensions) == 0 {
		return schemaErrf("dimensions", "at least one dimension required")
	}
	if len(s.Dimensions) > MaxDimensions {
		return schemaErrf("dimensions", "at most %d dimensions supported", MaxDimensions)
	}
	if len(s.Attributes) == 0 {
		return schemaErrf("attributes", "at least one attribute required")
	}
	if !s.CoordsType.valid() || s.CoordsType == TypeChar {
		return schemaErrf("coords_type", "coordinates must be int32, int64, float32 or float64")
	}
	if s.CellOrder != RowMajor && s.CellOrder != ColMajor && s.CellOrder != Hilbert {
		return schemaErrf("cell_order", "unknown order %d", s.CellOrder)
	}
	if s.TileOrder != RowMajor && s.TileOrder != ColMajor {
		return schemaErrf("tile_order", "must be row-major or col-major")
	}
	if s.Capacity == 0 {
		return schemaErrf("capacity", "must be positive")
	}
	if !s.CoordsComp.valid() {
		return schemaErrf("coords_compression", "unknown compression %d", s.CoordsComp)
	}

	seen := map[string]bool{}
	extents := 0
	for i, d := range s.Dimensions {
		field := fmt.Sprintf("dimension %q", d.Name)
		if !nameRE.MatchString(d.Name) {
			return schemaErrf(fmt.Sprintf("dimension %d", i), "invalid name %q", d.Name)
		}
		if seen[d.Name] {
			return schemaErrf(field, "duplicate name")
		}
		seen[d.Name] = true

		if s.CoordsType.Floating() {
			if d.DomainF[0] > d.DomainF[1] {
				return schemaErrf(field, "empty domain [%g, %g]", d.DomainF[0], d.DomainF[1])
			}
			if d.TileExtent != 0 {
				return schemaErrf(field, "tile extents require an integer coordinate type")
			}
			continue
		}

		if d.Domain[0] > d.Domain[1] {
			return schemaErrf(field, "empty domain [%d, %d]", d.Domain[0], d.Domain[1])
		}
		if d.TileExtent < 0 {
			return schemaErrf(field, "negative tile extent")
		}
		if d.TileExtent > 0 {
			extents++
			span := d.Domain[1] - d.Domain[0] + 1
			if d.TileExtent > span {
				return schemaErrf(field, "tile extent %d exceeds domain span %d", d.TileExtent, span)
			}
			if span%d.TileExtent != 0 {
				return schemaErrf(field, "tile extent %d does not divide domain span %d", d.TileExtent, span)
			}
		}
	}

	// Tile extents are all-or-nothing: their presence is what makes the
	// schema dense.
	if extents != 0 && extents != len(s.Dimensions) {
		return schemaErrf("dimensions", "tile extents must be set on every dimension or none")
	}
	dense := extents == len(s.Dimensions)

	if s.CellOrder == Hilbert {
		if dense {
			return schemaErrf("cell_order", "hilbert order requires a sparse array")
		}
		if s.CoordsType.Floating() {
			return schemaErrf("cell_order", "hilbert order requires integer dimensions")
		}
		if len(s.Dimensions) > 8 {
			return schemaErrf("cell_order", "hilbert order supports at most 8 dimensions")
		}
	}
	if s.Kind == KindMetadata && dense {
		return schemaErrf("kind", "metadata objects are sparse")
	}

	for i, a := range s.Attributes {
		field := fmt.Sprintf("attribute %q", a.Name)
		if !nameRE.MatchString(a.Name) {
			return schemaErrf(fmt.Sprintf("attribute %d", i), "invalid name %q", a.Name)
		}
		if a.Name == CoordsName || a.Name == KeyName {
			return schemaErrf(field, "name is reserved")
		}
		if seen[a.Name] {
			return schemaErrf(field, "duplicate name")
		}
		seen[a.Name] = true
		if !a.Type.valid() {
			return schemaErrf(field, "unknown type %d", a.Type)
		}
		if !a.Compression.valid() {
			return schemaErrf(field, "unknown compression %d", a.Compression)
		}
		if a.CellValNum == 0 {
			return schemaErrf(field, "cell value count must be positive or VarNum")
		}
		// Multi-char cells are strings; strings are variable length.
		if a.Type == TypeChar && a.CellValNum > 1 && a.CellValNum != VarNum {
			return schemaErrf(field, "char attributes with more than one value per cell must use VarNum")
		}
	}

	return nil
}
