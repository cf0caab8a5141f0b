package fragment

import (
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"path/filepath"

	"github.com/tesseradb/tessera/internal/fs"
)

// Meta file layout:
//
//	[Magic u32][Version u32][BodyLen u32][Checksum u32][body]
//
// The checksum is CRC32C of the body. The body carries everything a reader
// needs to resolve a domain range to tile byte ranges without touching cell
// data.
const (
	MagicNumber = 0x54534652 // "TSFR"
	MetaVersion = 1

	metaHeaderSize = 16
)

var (
	// ErrInvalidMeta indicates a truncated, checksum-failing or otherwise
	// malformed fragment meta file.
	ErrInvalidMeta = errors.New("invalid fragment meta")
	// ErrMetaVersion indicates a meta file written by an unknown format version.
	ErrMetaVersion = errors.New("unsupported fragment meta version")
)

var castagnoli = crc32.MakeTable(crc32.Castagnoli)

// TileInfo locates one encoded tile inside an attribute's streams. Fixed
// attributes use only the main stream; var attributes keep the offsets tile
// in the main stream and the values tile at VarOffset/VarSize in the
// companion stream.
type TileInfo struct {
	Offset uint64
	Size   uint64

	VarOffset uint64
	VarSize   uint64
}

// AttrMeta is the tile sequence of one attribute. Tile boundaries are cut at
// the same cell positions for every attribute of a fragment, so Tiles is
// parallel across all AttrMetas and to Meta.TileCells.
type AttrMeta struct {
	Name  string
	Tiles []TileInfo
}

// Meta is the bookkeeping of one fragment.
type Meta struct {
	// CellTotal is the number of cells in the fragment.
	CellTotal uint64
	// Attrs lists the attribute projection in on-disk order. Sparse
	// fragments carry the implicit coordinates attribute last.
	Attrs []AttrMeta
	// TileCells holds the cell count of each tile.
	TileCells []uint32
	// Domain is the raw dense write region, one [lo, hi] pair per dimension
	// in the coordinate type. Nil for sparse fragments.
	Domain []byte
	// MBRs holds the raw bounding rectangle of each sparse tile's
	// coordinates, same encoding as Domain. Nil for dense fragments.
	MBRs [][]byte
}

// AttrIndex returns the position of a named attribute in the projection.
func (m *Meta) AttrIndex(name string) (int, bool) {
	for i, a := range m.Attrs {
		if a.Name == name {
			return i, true
		}
	}
	return 0, false
}

// TileCount returns the number of tiles per attribute stream.
func (m *Meta) TileCount() int { return len(m.TileCells) }

// Encode serializes the meta into its file representation, checksum included.
func (m *Meta) Encode() []byte {
	body := make([]byte, 0, 256)

	body = appendUint64(body, m.CellTotal)
	body = appendUint32(body, uint32(len(m.TileCells)))
	for _, c := range m.TileCells {
		body = appendUint32(body, c)
	}

	body = appendUint32(body, uint32(len(m.Attrs)))
	for _, a := range m.Attrs {
		body = appendBytes(body, []byte(a.Name))
		for _, ti := range a.Tiles {
			body = appendUint64(body, ti.Offset)
			body = appendUint64(body, ti.Size)
			body = appendUint64(body, ti.VarOffset)
			body = appendUint64(body, ti.VarSize)
		}
	}

	body = appendBytes(body, m.Domain)
	body = appendUint32(body, uint32(len(m.MBRs)))
	for _, mbr := range m.MBRs {
		body = appendBytes(body, mbr)
	}

	out := make([]byte, metaHeaderSize+len(body))
	binary.LittleEndian.PutUint32(out[0:], MagicNumber)
	binary.LittleEndian.PutUint32(out[4:], MetaVersion)
	binary.LittleEndian.PutUint32(out[8:], uint32(len(body)))
	binary.LittleEndian.PutUint32(out[12:], crc32.Checksum(body, castagnoli))
	copy(out[metaHeaderSize:], body)
	return out
}

// DecodeMeta parses and verifies a meta file.
func DecodeMeta(data []byte) (*Meta, error) {
	if len(data) < metaHeaderSize {
		return nil, fmt.Errorf("%w: %d bytes is too small for a header", ErrInvalidMeta, len(data))
	}
	if magic := binary.LittleEndian.Uint32(data[0:]); magic != MagicNumber {
		return nil, fmt.Errorf("%w: bad magic 0x%x", ErrInvalidMeta, magic)
	}
	if v := binary.LittleEndian.Uint32(data[4:]); v != MetaVersion {
		return nil, fmt.Errorf("%w: %d", ErrMetaVersion, v)
	}
	bodyLen := binary.LittleEndian.Uint32(data[8:])
	if uint64(len(data)) < metaHeaderSize+uint64(bodyLen) {
		return nil, fmt.Errorf("%w: body truncated", ErrInvalidMeta)
	}
	body := data[metaHeaderSize : metaHeaderSize+bodyLen]
	if sum := crc32.Checksum(body, castagnoli); sum != binary.LittleEndian.Uint32(data[12:]) {
		return nil, fmt.Errorf("%w: checksum mismatch", ErrInvalidMeta)
	}

	d := decoder{buf: body}
	m := &Meta{}
	m.CellTotal = d.uint64()

	tiles := d.uint32()
	m.TileCells = make([]uint32, tiles)
	for i := range m.TileCells {
		m.TileCells[i] = d.uint32()
	}

	attrs := d.uint32()
	m.Attrs = make([]AttrMeta, attrs)
	for i := range m.Attrs {
		m.Attrs[i].Name = string(d.bytes())
		m.Attrs[i].Tiles = make([]TileInfo, tiles)
		for j := range m.Attrs[i].Tiles {
			ti := &m.Attrs[i].Tiles[j]
			ti.Offset = d.uint64()
			ti.Size = d.uint64()
			ti.VarOffset = d.uint64()
			ti.VarSize = d.uint64()
		}
	}

	if dom := d.bytes(); len(dom) > 0 {
		m.Domain = append([]byte(nil), dom...)
	}
	nmbr := d.uint32()
	if nmbr > 0 {
		m.MBRs = make([][]byte, nmbr)
		for i := range m.MBRs {
			m.MBRs[i] = append([]byte(nil), d.bytes()...)
		}
	}

	if d.err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidMeta, d.err)
	}
	return m, nil
}

func loadMeta(fsys fs.FileSystem, dir string) (*Meta, error) {
	data, err := fs.ReadFile(fsys, filepath.Join(dir, MetaFile))
	if err != nil {
		return nil, fmt.Errorf("failed to read fragment meta: %w", err)
	}
	return DecodeMeta(data)
}

func appendUint32(b []byte, v uint32) []byte {
	return binary.LittleEndian.AppendUint32(b, v)
}

func appendUint64(b []byte, v uint64) []byte {
	return binary.LittleEndian.AppendUint64(b, v)
}

func appendBytes(b, p []byte) []byte {
	b = appendUint32(b, uint32(len(p)))
	return append(b, p...)
}

type decoder struct {
	buf []byte
	err error
}

func (d *decoder) uint32() uint32 {
	if d.err != nil || len(d.buf) < 4 {
		d.err = errors.New("short body")
		return 0
	}
	v := binary.LittleEndian.Uint32(d.buf)
	d.buf = d.buf[4:]
	return v
}

func (d *decoder) uint64() uint64 {
	if d.err != nil || len(d.buf) < 8 {
		d.err = errors.New("short body")
		return 0
	}
	v := binary.LittleEndian.Uint64(d.buf)
	d.buf = d.buf[8:]
	return v
}

func (d *decoder) bytes() []byte {
	n := d.uint32()
	if d.err != nil || uint64(len(d.buf)) < uint64(n) {
		d.err = errors.New("short body")
		return nil
	}
	p := d.buf[:n]
	d.buf = d.buf[n:]
	return p
}
