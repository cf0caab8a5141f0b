package fragment

import (
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/hashicorp/go-multierror"

	"github.com/tesseradb/tessera/internal/fs"
	"github.com/tesseradb/tessera/internal/mmap"
	"github.com/tesseradb/tessera/schema"
	"github.com/tesseradb/tessera/tile"
)

// ReadMethod selects how tile streams are read.
type ReadMethod uint8

const (
	// ReadPRead reads tiles with positional reads through the FileSystem.
	ReadPRead ReadMethod = iota
	// ReadMmap maps each stream and slices tiles out of the mapping. Faster
	// for repeated range reads on a warm cache; bypasses the FileSystem
	// abstraction.
	ReadMmap
)

type readerAt interface {
	io.ReaderAt
	Close() error
}

// stream is one attribute's open tile stream with a one-tile decode cache.
// Reads walk tiles in order, so caching more than the last decoded tile buys
// nothing.
type stream struct {
	attr schema.Attribute
	main readerAt
	vf   readerAt

	cached  int
	data    []byte
	varData []byte
}

// Reader gives positional access to one committed fragment: decoded tiles by
// index, cells by position, and the bookkeeping needed to resolve a subarray
// to the tiles it intersects. A Reader is not safe for concurrent use; open
// one per session.
type Reader struct {
	sch    *schema.Schema
	fsys   fs.FileSystem
	id     ID
	dir    string
	method ReadMethod

	meta    *Meta
	streams []*stream
	domain  *schema.Subarray
}

// OpenReader opens the fragment id inside the dataset directory. Only the
// meta file is read eagerly; attribute streams open on first access.
func OpenReader(fsys fs.FileSystem, dataset string, id ID, sch *schema.Schema, method ReadMethod) (*Reader, error) {
	dir := filepath.Join(dataset, id.Name())
	meta, err := loadMeta(fsys, dir)
	if err != nil {
		return nil, err
	}

	r := &Reader{sch: sch, fsys: fsys, id: id, dir: dir, method: method, meta: meta}
	if meta.Domain != nil {
		r.domain, err = sch.DecodeSubarray(meta.Domain)
		if err != nil {
			return nil, fmt.Errorf("%w: bad domain: %v", ErrInvalidMeta, err)
		}
	}

	names := make([]string, len(meta.Attrs))
	for i, a := range meta.Attrs {
		names[i] = a.Name
	}
	attrs, err := ResolveAttrs(sch, names)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidMeta, err)
	}
	for i, a := range attrs {
		r.streams = append(r.streams, &stream{attr: a, cached: -1})
		if len(meta.Attrs[i].Tiles) != meta.TileCount() {
			return nil, fmt.Errorf("%w: attribute %q lists %d tiles, fragment has %d",
				ErrInvalidMeta, a.Name, len(meta.Attrs[i].Tiles), meta.TileCount())
		}
	}
	return r, nil
}

// ID returns the fragment's identity.
func (r *Reader) ID() ID { return r.id }

// Meta returns the fragment's bookkeeping.
func (r *Reader) Meta() *Meta { return r.meta }

// Sparse reports whether the fragment stores explicit coordinates. On a
// dense schema this is true for fragments written by the unsorted path.
func (r *Reader) Sparse() bool { return r.meta.Domain == nil }

// Domain returns the dense write region, nil for sparse fragments.
func (r *Reader) Domain() *schema.Subarray { return r.domain }

// TileCount returns the number of tiles per attribute stream.
func (r *Reader) TileCount() int { return r.meta.TileCount() }

// CellCount returns the number of cells in one tile.
func (r *Reader) CellCount(t int) int { return int(r.meta.TileCells[t]) }

// AttrIndex resolves an attribute name to its stream index.
func (r *Reader) AttrIndex(name string) (int, bool) { return r.meta.AttrIndex(name) }

// Attr returns the schema definition of stream ai.
func (r *Reader) Attr(ai int) schema.Attribute { return r.streams[ai].attr }

func (r *Reader) fileName(a schema.Attribute) string {
	if a.Name == schema.CoordsName {
		return CoordsFile
	}
	return a.Name + ".dat"
}

func (r *Reader) open(name string) (readerAt, error) {
	path := filepath.Join(r.dir, name)
	if r.method == ReadMmap {
		return mmap.Open(path)
	}
	return r.fsys.OpenFile(path, os.O_RDONLY, 0)
}

func (r *Reader) readBlock(ra readerAt, off, size uint64) ([]byte, error) {
	block := make([]byte, size)
	n, err := ra.ReadAt(block, int64(off))
	if err != nil && !(err == io.EOF && n == len(block)) {
		return nil, fmt.Errorf("failed to read tile block: %w", err)
	}
	return block, nil
}

// load decodes tile t of stream ai into the stream's cache.
func (r *Reader) load(ai, t int) (*stream, error) {
	st := r.streams[ai]
	if st.cached == t {
		return st, nil
	}

	if st.main == nil {
		var err error
		st.main, err = r.open(r.fileName(st.attr))
		if err != nil {
			return nil, fmt.Errorf("failed to open stream %q: %w", st.attr.Name, err)
		}
		if st.attr.Var() {
			st.vf, err = r.open(st.attr.Name + ".var")
			if err != nil {
				return nil, fmt.Errorf("failed to open stream %q: %w", st.attr.Name, err)
			}
		}
	}

	ti := r.meta.Attrs[ai].Tiles[t]
	block, err := r.readBlock(st.main, ti.Offset, ti.Size)
	if err != nil {
		return nil, err
	}
	data, err := tile.Decode(st.attr.Compression, block)
	if err != nil {
		return nil, err
	}

	if st.attr.Var() {
		vblock, err := r.readBlock(st.vf, ti.VarOffset, ti.VarSize)
		if err != nil {
			return nil, err
		}
		vdata, err := tile.Decode(st.attr.Compression, vblock)
		if err != nil {
			return nil, err
		}
		if len(data) != 8*r.CellCount(t) {
			return nil, fmt.Errorf("%w: offsets tile of %q holds %d cells, meta declares %d",
				tile.ErrCorruptTile, st.attr.Name, len(data)/8, r.CellCount(t))
		}
		st.varData = vdata
	} else {
		if len(data) != st.attr.CellSize()*r.CellCount(t) {
			return nil, fmt.Errorf("%w: tile of %q holds %d bytes, meta declares %d cells",
				tile.ErrCorruptTile, st.attr.Name, len(data), r.CellCount(t))
		}
	}
	st.data = data
	st.cached = t
	return st, nil
}

// FixedTile returns the decoded cell values of one fixed-attribute tile. The
// slice aliases the stream cache and is valid until the next access on the
// same stream.
func (r *Reader) FixedTile(ai, t int) ([]byte, error) {
	st, err := r.load(ai, t)
	if err != nil {
		return nil, err
	}
	return st.data, nil
}

// VarTile returns one var-attribute tile: the offsets (uint64 per cell,
// bytes into vals) and the value blob.
func (r *Reader) VarTile(ai, t int) (offs, vals []byte, err error) {
	st, err := r.load(ai, t)
	if err != nil {
		return nil, nil, err
	}
	return st.data, st.varData, nil
}

// Cell returns the bytes of one cell value.
func (r *Reader) Cell(ai, t, c int) ([]byte, error) {
	st, err := r.load(ai, t)
	if err != nil {
		return nil, err
	}
	if st.attr.Var() {
		start := binary.LittleEndian.Uint64(st.data[c*8:])
		end := uint64(len(st.varData))
		if c+1 < r.CellCount(t) {
			end = binary.LittleEndian.Uint64(st.data[(c+1)*8:])
		}
		return st.varData[start:end], nil
	}
	cs := st.attr.CellSize()
	return st.data[c*cs : (c+1)*cs], nil
}

// CoordsTile returns the decoded coordinate tuples of one sparse tile.
func (r *Reader) CoordsTile(t int) ([]byte, error) {
	ai, ok := r.AttrIndex(schema.CoordsName)
	if !ok {
		return nil, fmt.Errorf("%w: fragment has no coordinates", ErrInvalidMeta)
	}
	return r.FixedTile(ai, t)
}

// MBRIntersects reports whether sparse tile t's bounding rectangle touches
// the subarray.
func (r *Reader) MBRIntersects(t int, sub *schema.Subarray) bool {
	mbr := r.meta.MBRs[t]
	ds := r.sch.CoordsType.Size()
	for d := 0; d < r.sch.NDim(); d++ {
		lo := mbr[(2*d)*ds:]
		hi := mbr[(2*d+1)*ds:]
		if r.sch.CoordsType.Floating() {
			l := r.sch.DecodeCoordFloat(lo, 0)
			h := r.sch.DecodeCoordFloat(hi, 0)
			if h < sub.FLo[d] || l > sub.FHi[d] {
				return false
			}
		} else {
			l := r.sch.DecodeCoordInt(lo, 0)
			h := r.sch.DecodeCoordInt(hi, 0)
			if h < sub.ILo[d] || l > sub.IHi[d] {
				return false
			}
		}
	}
	return true
}

// DomainIntersects reports whether the dense write region touches the
// subarray.
func (r *Reader) DomainIntersects(sub *schema.Subarray) bool {
	for d := range r.domain.ILo {
		if r.domain.IHi[d] < sub.ILo[d] || r.domain.ILo[d] > sub.IHi[d] {
			return false
		}
	}
	return true
}

// Covers reports whether the dense write region contains the coordinate
// tuple. Valid only on dense fragments.
func (r *Reader) Covers(coords []int64) bool {
	for d := range r.domain.ILo {
		if coords[d] < r.domain.ILo[d] || coords[d] > r.domain.IHi[d] {
			return false
		}
	}
	return true
}

// Close releases all open streams.
func (r *Reader) Close() error {
	var result error
	for _, st := range r.streams {
		if st.main != nil {
			if err := st.main.Close(); err != nil {
				result = multierror.Append(result, err)
			}
			st.main = nil
		}
		if st.vf != nil {
			if err := st.vf.Close(); err != nil {
				result = multierror.Append(result, err)
			}
			st.vf = nil
		}
	}
	return result
}
