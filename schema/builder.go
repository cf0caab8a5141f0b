package schema

import (
	"fmt"
	"math"
)

// Builder assembles a Schema step by step. Methods take and return the
// Builder by value so definitions read as a single chain:
//
//	s, err := schema.NewBuilder("temperatures").
//		Dimension("row", 1, 100).
//		Dimension("col", 1, 100).
//		TileExtents(10, 10).
//		Attribute("celsius", schema.TypeFloat32, 1, schema.CompressionZstd).
//		Build()
//
// Setting tile extents on every dimension makes the array dense; leaving
// them off makes it sparse.
type Builder struct {
	s         Schema
	extents   []int64
	intDims   bool
	floatDims bool
	typeSet   bool
	err       error
}

// NewBuilder starts an array schema. Defaults: int64 coordinates, row-major
// cell and tile order, zstd-compressed coordinates and the default sparse
// tile capacity.
func NewBuilder(name string) Builder {
	return Builder{s: Schema{
		Name:       name,
		Kind:       KindArray,
		CoordsType: TypeInt64,
		CellOrder:  RowMajor,
		TileOrder:  RowMajor,
		Capacity:   DefaultCapacity,
		CoordsComp: CompressionZstd,
	}}
}

// NewMetadataBuilder starts a metadata schema. The coordinate space is fixed
// to four int32 dimensions holding the MD5 prefix of each key; callers only
// declare the value attributes.
func NewMetadataBuilder(name string) Builder {
	b := NewBuilder(name)
	b.s.Kind = KindMetadata
	b.s.CoordsType = TypeInt32
	b.typeSet = true
	for i := 0; i < 4; i++ {
		b.s.Dimensions = append(b.s.Dimensions, Dimension{
			Name:   fmt.Sprintf("h%d", i),
			Domain: [2]int64{math.MinInt32, math.MaxInt32},
		})
	}
	return b
}

// CoordsType sets the coordinate type shared by all dimensions.
func (b Builder) CoordsType(t Type) Builder {
	b.s.CoordsType = t
	b.typeSet = true
	return b
}

// Dimension appends an integer dimension with an inclusive domain.
func (b Builder) Dimension(name string, lo, hi int64) Builder {
	if b.s.Kind == KindMetadata {
		b.fail("metadata dimensions are implicit")
		return b
	}
	b.intDims = true
	b.s.Dimensions = append(b.s.Dimensions, Dimension{Name: name, Domain: [2]int64{lo, hi}})
	return b
}

// FloatDimension appends a floating-point dimension with an inclusive
// domain. Floating dimensions imply a sparse array.
func (b Builder) FloatDimension(name string, lo, hi float64) Builder {
	if b.s.Kind == KindMetadata {
		b.fail("metadata dimensions are implicit")
		return b
	}
	b.floatDims = true
	b.s.Dimensions = append(b.s.Dimensions, Dimension{Name: name, DomainF: [2]float64{lo, hi}})
	return b
}

// TileExtents sets the space tile extent of each dimension, in declaration
// order. Every extent must divide its dimension's domain span.
func (b Builder) TileExtents(extents ...int64) Builder {
	b.extents = extents
	return b
}

// Attribute appends an attribute with a fixed number of values per cell, or
// a variable number when cellValNum is VarNum.
func (b Builder) Attribute(name string, t Type, cellValNum uint32, comp Compression) Builder {
	b.s.Attributes = append(b.s.Attributes, Attribute{
		Name:        name,
		Type:        t,
		CellValNum:  cellValNum,
		Compression: comp,
	})
	return b
}

// VarAttribute appends an attribute with a variable number of values per
// cell. Shorthand for Attribute with VarNum.
func (b Builder) VarAttribute(name string, t Type, comp Compression) Builder {
	return b.Attribute(name, t, VarNum, comp)
}

// CellOrder sets the order of cells within a tile (dense) or of all cells
// (sparse).
func (b Builder) CellOrder(o Order) Builder {
	b.s.CellOrder = o
	return b
}

// TileOrder sets the order of space tiles within a fragment.
func (b Builder) TileOrder(o Order) Builder {
	b.s.TileOrder = o
	return b
}

// Capacity sets the number of cells per sparse data tile.
func (b Builder) Capacity(n uint64) Builder {
	b.s.Capacity = n
	return b
}

// CoordsCompression sets the codec for the implicit coordinates attribute.
func (b Builder) CoordsCompression(c Compression) Builder {
	b.s.CoordsComp = c
	return b
}

func (b *Builder) fail(reason string) {
	if b.err == nil {
		b.err = &Error{Reason: reason}
	}
}

// Build validates the definition and returns the immutable schema.
func (b Builder) Build() (*Schema, error) {
	if b.err != nil {
		return nil, b.err
	}
	if b.intDims && b.floatDims {
		return nil, schemaErrf("dimensions", "cannot mix integer and floating dimensions")
	}
	if b.floatDims && !b.typeSet {
		b.s.CoordsType = TypeFloat64
	}
	if b.floatDims && !b.s.CoordsType.Floating() {
		return nil, schemaErrf("coords_type", "floating dimensions require a floating coordinate type")
	}
	if b.intDims && b.s.CoordsType.Floating() {
		return nil, schemaErrf("coords_type", "integer dimensions require an integer coordinate type")
	}

	s := b.s
	s.Version = FormatVersion
	s.Dimensions = append([]Dimension(nil), b.s.Dimensions...)
	s.Attributes = append([]Attribute(nil), b.s.Attributes...)
	if len(b.extents) > 0 {
		if len(b.extents) != len(s.Dimensions) {
			return nil, schemaErrf("tile_extents", "got %d extents for %d dimensions",
				len(b.extents), len(s.Dimensions))
		}
		for i, e := range b.extents {
			s.Dimensions[i].TileExtent = e
		}
	}
	if err := s.validate(); err != nil {
		return nil, err
	}
	s.finish()
	return &s, nil
}
