package fragment

import (
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/hashicorp/go-multierror"

	"github.com/tesseradb/tessera/internal/fs"
	"github.com/tesseradb/tessera/schema"
	"github.com/tesseradb/tessera/tile"
)

// ErrRequest marks a malformed write call: wrong buffer count, sizes that do
// not split into whole cells, or inconsistent var offsets. Request errors are
// reported before anything reaches disk.
var ErrRequest = errors.New("invalid request")

func requestErrf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrRequest, fmt.Sprintf(format, args...))
}

// ResolveAttrs maps attribute names to their schema definitions, resolving
// the implicit coordinates and key attributes by their reserved names.
func ResolveAttrs(sch *schema.Schema, names []string) ([]schema.Attribute, error) {
	attrs := make([]schema.Attribute, len(names))
	for i, name := range names {
		switch name {
		case schema.CoordsName:
			attrs[i] = sch.CoordsAttribute()
		case schema.KeyName:
			if sch.Kind != schema.KindMetadata {
				return nil, requestErrf("attribute %q exists only on metadata objects", name)
			}
			attrs[i] = sch.KeyAttribute()
		default:
			idx, ok := sch.AttributeIndex(name)
			if !ok {
				return nil, requestErrf("unknown attribute %q", name)
			}
			attrs[i] = sch.Attributes[idx]
		}
	}
	return attrs, nil
}

// BufferCount returns how many I/O buffers a projection occupies: one per
// fixed attribute, two per var attribute.
func BufferCount(attrs []schema.Attribute) int {
	n := 0
	for _, a := range attrs {
		if a.Var() {
			n += 2
		} else {
			n++
		}
	}
	return n
}

func (w *Writer) fileName(a schema.Attribute) string {
	if a.Name == schema.CoordsName {
		return CoordsFile
	}
	return a.Name + ".dat"
}

// attrState tracks one attribute's stream and its pending partial tile.
type attrState struct {
	attr schema.Attribute

	f    fs.File // main stream: fixed cells, or the offsets tiles of a var attribute
	vf   fs.File // var values stream, nil for fixed attributes
	off  uint64
	voff uint64

	tiles []TileInfo

	// Pending cells carried across Write calls until a whole tile is cut.
	cells   int
	fixed   []byte
	lens    []int
	varData []byte

	total uint64
}

// Writer is the append writer: it adds cells to exactly one new fragment in
// the order the caller supplies them, cutting and flushing whole tiles as
// they fill. Cell counts may differ across attributes within a single Write
// call; the per-attribute remainder is carried until the next call or
// Finalize. The writer never reorders input.
type Writer struct {
	fsys fs.FileSystem
	sch  *schema.Schema
	id   ID

	dir     string // dataset directory
	tmpPath string

	attrs     []*attrState
	coords    *attrState // aliases the trailing attrs entry on sparse fragments
	tileCells int
	region    *schema.Subarray // dense write region, nil for sparse
	regionRaw []byte
	want      uint64 // dense: exact cell count the region demands

	mbrs      [][]byte
	tileCount int

	done bool
}

// NewWriter creates the fragment's temporary directory and opens one stream
// per attribute. Sparse fragments get the implicit coordinates attribute
// appended to the projection; callers supply its buffer last. Dense writers
// require a tile-aligned region inside the domain and will only commit once
// exactly the region's volume has been written.
func NewWriter(fsys fs.FileSystem, dir string, sch *schema.Schema, names []string, regionRaw []byte, id ID) (*Writer, error) {
	return newWriter(fsys, dir, sch, names, regionRaw, id, false)
}

// newWriter backs both NewWriter and the bulk path. forceSparse makes a
// coordinate-explicit fragment on a dense schema, which is how unsorted
// updates to dense arrays are stored.
func newWriter(fsys fs.FileSystem, dir string, sch *schema.Schema, names []string, regionRaw []byte, id ID, forceSparse bool) (*Writer, error) {
	attrs, err := ResolveAttrs(sch, names)
	if err != nil {
		return nil, err
	}

	w := &Writer{
		fsys:      fsys,
		sch:       sch,
		id:        id,
		dir:       dir,
		tmpPath:   filepath.Join(dir, tmpName(id)),
		tileCells: int(sch.TileCellCount()),
	}
	if forceSparse {
		w.tileCells = int(sch.Capacity)
	}

	if sch.Dense() && !forceSparse {
		if regionRaw == nil {
			regionRaw = sch.EncodeSubarray(sch.FullSubarray())
		}
		region, err := sch.DecodeSubarray(regionRaw)
		if err != nil {
			return nil, requestErrf("%v", err)
		}
		if !sch.TileAligned(region) {
			return nil, requestErrf("dense write region must be tile aligned")
		}
		vol, ok := region.Volume()
		if !ok {
			return nil, requestErrf("dense write region volume overflows")
		}
		w.region = region
		w.regionRaw = append([]byte(nil), regionRaw...)
		w.want = vol
	} else {
		if regionRaw != nil {
			return nil, requestErrf("write regions apply to dense arrays only")
		}
		attrs = append(attrs, sch.CoordsAttribute())
	}

	if err := fsys.MkdirAll(w.tmpPath, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create fragment dir: %w", err)
	}

	for _, a := range attrs {
		st := &attrState{attr: a}
		st.f, err = fsys.OpenFile(filepath.Join(w.tmpPath, w.fileName(a)), os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
		if err == nil && a.Var() {
			st.vf, err = fsys.OpenFile(filepath.Join(w.tmpPath, a.Name+".var"), os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
		}
		if err != nil {
			w.Abort()
			return nil, fmt.Errorf("failed to open attribute stream %q: %w", a.Name, err)
		}
		w.attrs = append(w.attrs, st)
		if a.Name == schema.CoordsName {
			w.coords = st
		}
	}
	return w, nil
}

// ID returns the identity the fragment will commit under.
func (w *Writer) ID() ID { return w.id }

// Attrs returns the projection, including any implicit trailing coordinates
// attribute.
func (w *Writer) Attrs() []schema.Attribute {
	out := make([]schema.Attribute, len(w.attrs))
	for i, st := range w.attrs {
		out[i] = st.attr
	}
	return out
}

// Write appends cells. buffers and sizes follow the projection order: one
// buffer per fixed attribute, an offsets buffer (uint64 per cell) followed by
// a values buffer per var attribute. sizes gives the valid byte count of each
// buffer. Cell counts may differ per attribute; whole tiles are flushed as
// they complete and the remainder is carried.
func (w *Writer) Write(buffers [][]byte, sizes []int) error {
	if w.done {
		return requestErrf("writer already finalized")
	}
	if err := w.checkLayout(buffers, sizes); err != nil {
		return err
	}

	bi := 0
	for _, st := range w.attrs {
		if st.attr.Var() {
			if err := w.appendVar(st, buffers[bi][:sizes[bi]], buffers[bi+1][:sizes[bi+1]]); err != nil {
				return err
			}
			bi += 2
		} else {
			if err := w.appendFixed(st, buffers[bi][:sizes[bi]]); err != nil {
				return err
			}
			bi++
		}
	}
	return nil
}

func (w *Writer) checkLayout(buffers [][]byte, sizes []int) error {
	want := BufferCount(w.Attrs())
	if len(buffers) != want || len(sizes) != want {
		return requestErrf("projection takes %d buffers, got %d buffers and %d sizes",
			want, len(buffers), len(sizes))
	}
	for i, s := range sizes {
		if s < 0 || s > len(buffers[i]) {
			return requestErrf("size %d out of range for buffer %d (%d bytes)", s, i, len(buffers[i]))
		}
	}

	bi := 0
	for _, st := range w.attrs {
		if st.attr.Var() {
			offBytes, valBytes := sizes[bi], sizes[bi+1]
			if offBytes%8 != 0 {
				return requestErrf("attribute %q: offsets size %d is not a whole number of cells",
					st.attr.Name, offBytes)
			}
			offs := buffers[bi][:offBytes]
			prev := uint64(0)
			for c := 0; c < offBytes/8; c++ {
				o := binary.LittleEndian.Uint64(offs[c*8:])
				if o < prev || o > uint64(valBytes) {
					return requestErrf("attribute %q: offset %d of cell %d is out of order or past the %d valid value bytes",
						st.attr.Name, o, c, valBytes)
				}
				prev = o
			}
			bi += 2
		} else {
			cs := st.attr.CellSize()
			if sizes[bi]%cs != 0 {
				return requestErrf("attribute %q: size %d is not a whole number of %d-byte cells",
					st.attr.Name, sizes[bi], cs)
			}
			bi++
		}
	}
	return nil
}

func (w *Writer) appendFixed(st *attrState, data []byte) error {
	cs := st.attr.CellSize()
	st.fixed = append(st.fixed, data...)
	st.cells += len(data) / cs

	for st.cells >= w.tileCells {
		if err := w.flushFixedTile(st, w.tileCells); err != nil {
			return err
		}
	}
	return nil
}

func (w *Writer) appendVar(st *attrState, offs, vals []byte) error {
	n := len(offs) / 8
	for c := 0; c < n; c++ {
		start := binary.LittleEndian.Uint64(offs[c*8:])
		end := uint64(len(vals))
		if c+1 < n {
			end = binary.LittleEndian.Uint64(offs[(c+1)*8:])
		}
		st.lens = append(st.lens, int(end-start))
	}
	st.varData = append(st.varData, vals...)
	st.cells += n

	for st.cells >= w.tileCells {
		if err := w.flushVarTile(st, w.tileCells); err != nil {
			return err
		}
	}
	return nil
}

// flushFixedTile encodes and writes the first n pending cells as one tile.
func (w *Writer) flushFixedTile(st *attrState, n int) error {
	cs := st.attr.CellSize()
	raw := st.fixed[:n*cs]

	if st == w.coords {
		w.recordMBR(raw, n)
	}

	block, err := tile.Encode(st.attr.Compression, raw)
	if err != nil {
		return err
	}
	if _, err := st.f.Write(block); err != nil {
		return fmt.Errorf("failed to write tile of %q: %w", st.attr.Name, err)
	}

	st.tiles = append(st.tiles, TileInfo{Offset: st.off, Size: uint64(len(block))})
	st.off += uint64(len(block))
	st.fixed = st.fixed[:copy(st.fixed, st.fixed[n*cs:])]
	st.cells -= n
	st.total += uint64(n)
	return nil
}

func (w *Writer) flushVarTile(st *attrState, n int) error {
	// Rebuild the offsets tile relative to this tile's value blob.
	offRaw := make([]byte, n*8)
	valBytes := 0
	for c := 0; c < n; c++ {
		binary.LittleEndian.PutUint64(offRaw[c*8:], uint64(valBytes))
		valBytes += st.lens[c]
	}
	valRaw := st.varData[:valBytes]

	offBlock, err := tile.Encode(st.attr.Compression, offRaw)
	if err != nil {
		return err
	}
	valBlock, err := tile.Encode(st.attr.Compression, valRaw)
	if err != nil {
		return err
	}
	if _, err := st.f.Write(offBlock); err != nil {
		return fmt.Errorf("failed to write offsets tile of %q: %w", st.attr.Name, err)
	}
	if _, err := st.vf.Write(valBlock); err != nil {
		return fmt.Errorf("failed to write values tile of %q: %w", st.attr.Name, err)
	}

	st.tiles = append(st.tiles, TileInfo{
		Offset:    st.off,
		Size:      uint64(len(offBlock)),
		VarOffset: st.voff,
		VarSize:   uint64(len(valBlock)),
	})
	st.off += uint64(len(offBlock))
	st.voff += uint64(len(valBlock))
	st.varData = st.varData[:copy(st.varData, st.varData[valBytes:])]
	st.lens = st.lens[:copy(st.lens, st.lens[n:])]
	st.cells -= n
	st.total += uint64(n)
	return nil
}

// recordMBR captures the bounding rectangle of one coordinates tile.
func (w *Writer) recordMBR(raw []byte, n int) {
	cs := w.sch.CoordSize()
	ds := w.sch.CoordsType.Size()
	ndim := w.sch.NDim()

	mbr := make([]byte, 2*cs)
	for d := 0; d < ndim; d++ {
		lo := raw[0*cs+d*ds : 0*cs+d*ds+ds]
		hi := lo
		for c := 1; c < n; c++ {
			cur := raw[c*cs+d*ds : c*cs+d*ds+ds]
			if w.sch.CmpCoord(cur, lo) < 0 {
				lo = cur
			}
			if w.sch.CmpCoord(cur, hi) > 0 {
				hi = cur
			}
		}
		copy(mbr[(2*d)*ds:], lo)
		copy(mbr[(2*d+1)*ds:], hi)
	}
	w.mbrs = append(w.mbrs, mbr)
}

// Finalize flushes the remaining partial tiles, writes the meta file and
// atomically publishes the fragment directory. On any failure the temporary
// directory is removed and no fragment becomes visible.
func (w *Writer) Finalize() (err error) {
	if w.done {
		return requestErrf("writer already finalized")
	}
	defer func() {
		if err != nil {
			w.Abort()
		}
		w.done = true
	}()

	// The last tile may be short; every earlier tile is full.
	for _, st := range w.attrs {
		if st.cells == 0 {
			continue
		}
		if st.attr.Var() {
			err = w.flushVarTile(st, st.cells)
		} else {
			err = w.flushFixedTile(st, st.cells)
		}
		if err != nil {
			return err
		}
	}

	total := w.attrs[0].total
	for _, st := range w.attrs[1:] {
		if st.total != total {
			return requestErrf("attribute %q holds %d cells, %q holds %d",
				w.attrs[0].attr.Name, total, st.attr.Name, st.total)
		}
	}
	if w.region != nil && total != w.want {
		return requestErrf("dense region demands %d cells, got %d", w.want, total)
	}
	if total == 0 {
		return requestErrf("empty fragment")
	}

	meta := &Meta{CellTotal: total, Domain: w.regionRaw, MBRs: w.mbrs}
	left := total
	for left > 0 {
		n := uint64(w.tileCells)
		if left < n {
			n = left
		}
		meta.TileCells = append(meta.TileCells, uint32(n))
		left -= n
	}
	for _, st := range w.attrs {
		meta.Attrs = append(meta.Attrs, AttrMeta{Name: st.attr.Name, Tiles: st.tiles})
	}

	for _, st := range w.attrs {
		if err = syncClose(st.f); err != nil {
			return fmt.Errorf("failed to flush stream %q: %w", st.attr.Name, err)
		}
		st.f = nil
		if st.vf != nil {
			if err = syncClose(st.vf); err != nil {
				return fmt.Errorf("failed to flush stream %q: %w", st.attr.Name, err)
			}
			st.vf = nil
		}
	}

	if err = fs.WriteFileAtomic(w.fsys, w.tmpPath, MetaFile, meta.Encode(), 0o644); err != nil {
		return fmt.Errorf("failed to write fragment meta: %w", err)
	}

	// Commit point: one rename publishes the whole fragment.
	final := filepath.Join(w.dir, w.id.Name())
	if err = w.fsys.Rename(w.tmpPath, final); err != nil {
		return fmt.Errorf("failed to commit fragment: %w", err)
	}
	if err = fs.SyncDir(w.fsys, w.dir); err != nil {
		return fmt.Errorf("failed to sync dataset dir: %w", err)
	}
	return nil
}

// Abort discards the in-flight fragment. Safe to call at any point before a
// successful Finalize; afterwards it is a no-op.
func (w *Writer) Abort() error {
	if w.done {
		return nil
	}
	w.done = true

	var result error
	for _, st := range w.attrs {
		if st.f != nil {
			if err := st.f.Close(); err != nil {
				result = multierror.Append(result, err)
			}
			st.f = nil
		}
		if st.vf != nil {
			if err := st.vf.Close(); err != nil {
				result = multierror.Append(result, err)
			}
			st.vf = nil
		}
	}
	if err := w.fsys.RemoveAll(w.tmpPath); err != nil {
		result = multierror.Append(result, err)
	}
	return result
}

func syncClose(f fs.File) error {
	if err := f.Sync(); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}
