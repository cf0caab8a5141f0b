package engine

import (
	"bytes"
	"container/heap"
	"context"
	"encoding/binary"
	"fmt"
	"sync"

	"github.com/RoaringBitmap/roaring/v2"
	"github.com/hashicorp/go-multierror"

	"github.com/tesseradb/tessera/fragment"
	"github.com/tesseradb/tessera/resource"
	"github.com/tesseradb/tessera/schema"
)

// loc pins one result cell to its source: a cell position inside a fragment
// tile, or a fill cell (frag < 0) for dense positions no fragment covers.
type loc struct {
	frag int32
	tile int32
	cell int32
}

// ReadSession merges every fragment of a dataset into one cell stream for a
// subarray and attribute projection. The merged cell sequence is resolved
// once per subarray; each attribute then walks it behind its own cursor, so
// a too-small buffer for one attribute never stalls the others.
//
// Sessions are single-caller; the iterator serializes its own access.
type ReadSession struct {
	env Env
	sch *schema.Schema
	dir string

	frags []*fragment.Reader // recency order, oldest first

	names   []string
	attrs   []schema.Attribute
	attrMap [][]int  // projection attr -> per-fragment stream index, -1 if absent
	fills   [][]byte // projection attr -> fill cell, nil for var

	sub       *schema.Subarray
	keyFilter []byte

	locs     []loc
	cursors  []int
	overflow []bool
	done     bool
}

// NewReadSession opens every committed fragment of the dataset and resolves
// the merged cell sequence for the subarray. names nil means every schema
// attribute; subRaw nil means the full domain.
func NewReadSession(env Env, dir string, sch *schema.Schema, names []string, subRaw []byte) (*ReadSession, error) {
	s := &ReadSession{env: env, sch: sch, dir: dir}

	if err := s.setAttributes(names); err != nil {
		return nil, err
	}
	if err := s.setSubarray(subRaw); err != nil {
		return nil, err
	}

	ids, err := fragment.List(env.FS, dir)
	if err != nil {
		return nil, err
	}
	if err := s.openFragments(ids); err != nil {
		return nil, err
	}

	if err := s.rebuild(); err != nil {
		s.Finalize()
		return nil, err
	}
	return s, nil
}

// openFragments loads fragment bookkeeping through a bounded worker pool;
// with many fragments the meta reads dominate open latency.
func (s *ReadSession) openFragments(ids []fragment.ID) error {
	s.frags = make([]*fragment.Reader, len(ids))
	errs := make([]error, len(ids))

	pool := resource.NewPool(s.env.MetaWorkers)
	var wg sync.WaitGroup
	for i, id := range ids {
		i, id := i, id
		wg.Add(1)
		if err := pool.Submit(context.Background(), func() {
			defer wg.Done()
			s.frags[i], errs[i] = fragment.OpenReader(s.env.FS, s.dir, id, s.sch, s.env.Method)
		}); err != nil {
			wg.Done()
			errs[i] = err
		}
	}
	wg.Wait()
	pool.Close()

	for _, err := range errs {
		if err != nil {
			s.Finalize()
			return err
		}
	}
	s.mapAttrs()
	return nil
}

func (s *ReadSession) setAttributes(names []string) error {
	if names == nil {
		names = make([]string, len(s.sch.Attributes))
		for i, a := range s.sch.Attributes {
			names[i] = a.Name
		}
	}
	attrs, err := fragment.ResolveAttrs(s.sch, names)
	if err != nil {
		return err
	}
	if s.sch.Dense() {
		for _, n := range names {
			if n == schema.CoordsName {
				return fmt.Errorf("%w: dense reads have no explicit coordinates", fragment.ErrRequest)
			}
		}
	}

	s.names = append([]string(nil), names...)
	s.attrs = attrs
	s.fills = make([][]byte, len(attrs))
	for i, a := range attrs {
		if !a.Var() {
			s.fills[i] = bytes.Repeat(schema.FillValue(a.Type), int(a.CellValNum))
		}
	}
	s.mapAttrs()
	return nil
}

func (s *ReadSession) mapAttrs() {
	s.attrMap = make([][]int, len(s.attrs))
	for i, a := range s.attrs {
		s.attrMap[i] = make([]int, len(s.frags))
		for f, r := range s.frags {
			if ai, ok := r.AttrIndex(a.Name); ok {
				s.attrMap[i][f] = ai
			} else {
				s.attrMap[i][f] = -1
			}
		}
	}
}

func (s *ReadSession) setSubarray(subRaw []byte) error {
	if subRaw == nil {
		s.sub = s.sch.FullSubarray()
		return nil
	}
	sub, err := s.sch.DecodeSubarray(subRaw)
	if err != nil {
		return fmt.Errorf("%w: %v", fragment.ErrRequest, err)
	}
	s.sub = sub
	return nil
}

// rebuild resolves the merged cell sequence and resets every cursor.
func (s *ReadSession) rebuild() error {
	s.locs = s.locs[:0]
	s.cursors = make([]int, len(s.attrs))
	s.overflow = make([]bool, len(s.attrs))

	if s.sch.Dense() {
		return s.buildDense()
	}
	return s.buildSparse()
}

// buildSparse merges the per-fragment cell streams with a heap keyed by the
// schema's cell order. Colliding coordinates resolve to the newest fragment;
// everything else is a union.
func (s *ReadSession) buildSparse() error {
	h := &cursorHeap{sch: s.sch}
	for i, r := range s.frags {
		c, err := newFragCursor(i, r, s.sch, s.sub, s.keyFilter)
		if err != nil {
			return err
		}
		if c.has {
			h.cs = append(h.cs, c)
		}
	}
	heap.Init(h)

	var eq []*fragCursor
	for h.Len() > 0 {
		eq = append(eq[:0], heap.Pop(h).(*fragCursor))
		for h.Len() > 0 && s.sch.CompareCoords(h.cs[0].cur.coords, eq[0].cur.coords) == 0 {
			eq = append(eq, heap.Pop(h).(*fragCursor))
		}

		// Newest fragment wins the collision.
		winner := eq[0]
		for _, c := range eq[1:] {
			if c.idx > winner.idx {
				winner = c
			}
		}
		s.locs = append(s.locs, loc{frag: int32(winner.idx), tile: winner.cur.tile, cell: winner.cur.cell})

		for _, c := range eq {
			ok, err := c.next()
			if err != nil {
				return err
			}
			if ok {
				heap.Push(h, c)
			}
		}
	}
	return nil
}

// buildDense enumerates the subarray in global cell order and resolves each
// position to the newest fragment covering it: dense fragments by region,
// coordinate-explicit update fragments by exact match, fill cells otherwise.
func (s *ReadSession) buildDense() error {
	// Update cursors merge with the odometer like a sorted stream: both run
	// in global cell order, so only the heap top is ever compared against
	// the visited point.
	h := &cursorHeap{sch: s.sch}
	for i, r := range s.frags {
		if !r.Sparse() {
			continue
		}
		c, err := newFragCursor(i, r, s.sch, s.sub, nil)
		if err != nil {
			return err
		}
		if c.has {
			h.cs = append(h.cs, c)
		}
	}
	heap.Init(h)

	ndim := s.sch.NDim()
	ext := make([]int64, ndim)
	domLo := make([]int64, ndim)
	tlo := make([]int64, ndim)
	thi := make([]int64, ndim)
	for d, dim := range s.sch.Dimensions {
		ext[d] = dim.TileExtent
		domLo[d] = dim.Domain[0]
		tlo[d] = (s.sub.ILo[d] - domLo[d]) / ext[d]
		thi[d] = (s.sub.IHi[d] - domLo[d]) / ext[d]
	}

	raw := make([]byte, s.sch.CoordSize())
	cellLo := make([]int64, ndim)
	cellHi := make([]int64, ndim)

	return forEachPoint(tlo, thi, s.sch.TileOrder, func(tc []int64) error {
		for d := 0; d < ndim; d++ {
			cellLo[d] = max64(s.sub.ILo[d], domLo[d]+tc[d]*ext[d])
			cellHi[d] = min64(s.sub.IHi[d], domLo[d]+(tc[d]+1)*ext[d]-1)
		}
		return forEachPoint(cellLo, cellHi, s.sch.CellOrder, func(pt []int64) error {
			s.sch.EncodeCoordsInt(raw, pt)

			// Pop every cursor sitting on this coordinate; the newest wins,
			// the shadowed ones advance with it.
			winner := -1
			var winTile, winCell int32
			for h.Len() > 0 && s.sch.CompareCoords(h.cs[0].cur.coords, raw) == 0 {
				c := heap.Pop(h).(*fragCursor)
				if c.idx > winner {
					winner, winTile, winCell = c.idx, c.cur.tile, c.cur.cell
				}
				ok, err := c.next()
				if err != nil {
					return err
				}
				if ok {
					heap.Push(h, c)
				}
			}
			fromUpdate := winner >= 0
			for f := len(s.frags) - 1; f > winner; f-- {
				if !s.frags[f].Sparse() && s.frags[f].Covers(pt) {
					winner, fromUpdate = f, false
					break
				}
			}

			switch {
			case winner < 0:
				s.locs = append(s.locs, loc{frag: -1})
			case fromUpdate:
				s.locs = append(s.locs, loc{frag: int32(winner), tile: winTile, cell: winCell})
			default:
				t, c := denseLoc(s.sch, s.frags[winner].Domain(), pt)
				s.locs = append(s.locs, loc{frag: int32(winner), tile: t, cell: c})
			}
			return nil
		})
	})
}

// denseLoc maps a coordinate inside a dense fragment's region to its tile
// and cell indices.
func denseLoc(sch *schema.Schema, region *schema.Subarray, pt []int64) (int32, int32) {
	ndim := sch.NDim()
	tc := make([]int64, ndim)
	cc := make([]int64, ndim)
	tdims := make([]int64, ndim)
	cdims := make([]int64, ndim)
	for d, dim := range sch.Dimensions {
		rel := pt[d] - region.ILo[d]
		tc[d] = rel / dim.TileExtent
		cc[d] = rel % dim.TileExtent
		tdims[d] = (region.IHi[d] - region.ILo[d] + 1) / dim.TileExtent
		cdims[d] = dim.TileExtent
	}
	return int32(linearize(tc, tdims, sch.TileOrder)), int32(linearize(cc, cdims, sch.CellOrder))
}

func linearize(pt, dims []int64, o schema.Order) int64 {
	var idx int64
	if o == schema.ColMajor {
		for d := len(pt) - 1; d >= 0; d-- {
			idx = idx*dims[d] + pt[d]
		}
		return idx
	}
	for d := 0; d < len(pt); d++ {
		idx = idx*dims[d] + pt[d]
	}
	return idx
}

// forEachPoint visits every integer point of the box [lo, hi] in the given
// order. Row-major varies the last dimension fastest.
func forEachPoint(lo, hi []int64, o schema.Order, fn func(pt []int64) error) error {
	n := len(lo)
	for d := 0; d < n; d++ {
		if lo[d] > hi[d] {
			return nil
		}
	}
	pt := append([]int64(nil), lo...)
	for {
		if err := fn(pt); err != nil {
			return err
		}
		if o == schema.ColMajor {
			d := 0
			for d < n {
				pt[d]++
				if pt[d] <= hi[d] {
					break
				}
				pt[d] = lo[d]
				d++
			}
			if d == n {
				return nil
			}
		} else {
			d := n - 1
			for d >= 0 {
				pt[d]++
				if pt[d] <= hi[d] {
					break
				}
				pt[d] = lo[d]
				d--
			}
			if d < 0 {
				return nil
			}
		}
	}
}

func max64(a, b int64) int64 {
	if a > b {
		return a
	}
	return b
}

func min64(a, b int64) int64 {
	if a < b {
		return a
	}
	return b
}

// Read fills each buffer with as many complete cells as fit and rewrites
// sizes to the bytes actually written. A buffer too small for the next cell
// raises that attribute's overflow flag; the call still succeeds and the
// next Read resumes at the first undelivered cell. Var attributes take two
// buffers; their offsets are rebased to this call's values buffer.
func (s *ReadSession) Read(buffers [][]byte, sizes []int) error {
	if s.done {
		return ErrFinalized
	}
	want := fragment.BufferCount(s.attrs)
	if len(buffers) != want || len(sizes) != want {
		return fmt.Errorf("%w: projection takes %d buffers, got %d buffers and %d sizes",
			fragment.ErrRequest, want, len(buffers), len(sizes))
	}
	for i, sz := range sizes {
		if sz < 0 || sz > len(buffers[i]) {
			return fmt.Errorf("%w: size %d out of range for buffer %d (%d bytes)",
				fragment.ErrRequest, sz, i, len(buffers[i]))
		}
	}

	bi := 0
	for i, a := range s.attrs {
		if a.Var() {
			offW, valW, err := s.readVar(i, buffers[bi][:sizes[bi]], buffers[bi+1][:sizes[bi+1]])
			if err != nil {
				return err
			}
			sizes[bi], sizes[bi+1] = offW, valW
			bi += 2
		} else {
			w, err := s.readFixed(i, a, buffers[bi][:sizes[bi]])
			if err != nil {
				return err
			}
			sizes[bi] = w
			bi++
		}
	}
	return nil
}

func (s *ReadSession) cellValue(i int, l loc) ([]byte, error) {
	if l.frag < 0 {
		return s.fills[i], nil
	}
	ai := s.attrMap[i][l.frag]
	if ai < 0 {
		return s.fills[i], nil
	}
	return s.frags[l.frag].Cell(ai, int(l.tile), int(l.cell))
}

func (s *ReadSession) readFixed(i int, a schema.Attribute, buf []byte) (int, error) {
	cs := a.CellSize()
	s.overflow[i] = false

	w := 0
	for s.cursors[i] < len(s.locs) {
		if w+cs > len(buf) {
			s.overflow[i] = true
			break
		}
		val, err := s.cellValue(i, s.locs[s.cursors[i]])
		if err != nil {
			return w, err
		}
		copy(buf[w:], val)
		w += cs
		s.cursors[i]++
	}
	return w, nil
}

func (s *ReadSession) readVar(i int, offBuf, valBuf []byte) (int, int, error) {
	s.overflow[i] = false

	offW, valW := 0, 0
	for s.cursors[i] < len(s.locs) {
		val, err := s.cellValue(i, s.locs[s.cursors[i]])
		if err != nil {
			return offW, valW, err
		}
		// A var cell fits only if both its offset and its bytes do.
		if offW+8 > len(offBuf) || valW+len(val) > len(valBuf) {
			s.overflow[i] = true
			break
		}
		binary.LittleEndian.PutUint64(offBuf[offW:], uint64(valW))
		offW += 8
		valW += copy(valBuf[valW:], val)
		s.cursors[i]++
	}
	return offW, valW, nil
}

// Overflow reports whether the last Read left undelivered cells for the
// projection attribute at index i.
func (s *ReadSession) Overflow(i int) (bool, error) {
	if s.done {
		return false, ErrFinalized
	}
	if i < 0 || i >= len(s.overflow) {
		return false, fmt.Errorf("%w: attribute index %d out of range", fragment.ErrRequest, i)
	}
	return s.overflow[i], nil
}

// Done reports whether every attribute has delivered the full result.
func (s *ReadSession) Done() bool {
	for _, c := range s.cursors {
		if c < len(s.locs) {
			return false
		}
	}
	return true
}

// Total returns the number of cells the current subarray resolves to.
func (s *ReadSession) Total() int { return len(s.locs) }

// Attrs returns the resolved projection.
func (s *ReadSession) Attrs() []schema.Attribute {
	return append([]schema.Attribute(nil), s.attrs...)
}

// ResetSubarray re-resolves the session against a new subarray without
// reopening the dataset. Any in-flight resume cursor and overflow flags are
// discarded.
func (s *ReadSession) ResetSubarray(subRaw []byte) error {
	if s.done {
		return ErrFinalized
	}
	if err := s.setSubarray(subRaw); err != nil {
		return err
	}
	s.keyFilter = nil
	return s.rebuild()
}

// ResetKey re-resolves the session to the cells of one metadata key: the
// subarray pins the key's coordinate hash and the filter drops hash
// collisions by comparing stored keys.
func (s *ReadSession) ResetKey(subRaw, key []byte) error {
	if s.done {
		return ErrFinalized
	}
	if err := s.setSubarray(subRaw); err != nil {
		return err
	}
	s.keyFilter = append([]byte(nil), key...)
	return s.rebuild()
}

// ResetAttributes changes the projection. Resolved cells are kept; every
// cursor restarts at the first cell.
func (s *ReadSession) ResetAttributes(names []string) error {
	if s.done {
		return ErrFinalized
	}
	if err := s.setAttributes(names); err != nil {
		return err
	}
	s.cursors = make([]int, len(s.attrs))
	s.overflow = make([]bool, len(s.attrs))
	return nil
}

// Finalize releases the merge cursors and closes every fragment.
func (s *ReadSession) Finalize() error {
	if s.done {
		return nil
	}
	s.done = true

	var result error
	for _, r := range s.frags {
		if r == nil {
			continue
		}
		if err := r.Close(); err != nil {
			result = multierror.Append(result, err)
		}
	}
	return result
}

// cellRef is one qualifying cell of a fragment cursor. coords is an owned
// copy; tile caches keep moving underneath.
type cellRef struct {
	tile   int32
	cell   int32
	coords []byte
}

// fragCursor walks one sparse fragment's cells inside the subarray in cell
// order. Tiles are qualified wholesale: the cursor skips tiles whose bounding
// rectangle misses the subarray and collects the qualifying positions of the
// rest in a bitmap before walking them. Runs of equal coordinates within the
// fragment collapse to the last written cell.
type fragCursor struct {
	idx int
	r   *fragment.Reader
	sch *schema.Schema
	sub *schema.Subarray

	key       []byte
	keyIdx    int
	coordsIdx int

	tile  int
	qtile int32
	queue []uint32
	qi    int

	cur    cellRef
	nxt    cellRef
	has    bool
	hasNxt bool
}

func newFragCursor(idx int, r *fragment.Reader, sch *schema.Schema, sub *schema.Subarray, key []byte) (*fragCursor, error) {
	c := &fragCursor{idx: idx, r: r, sch: sch, sub: sub, key: key, keyIdx: -1}

	ci, ok := r.AttrIndex(schema.CoordsName)
	if !ok {
		return nil, fmt.Errorf("%w: sparse fragment lacks coordinates", fragment.ErrInvalidMeta)
	}
	c.coordsIdx = ci
	if key != nil {
		ki, ok := r.AttrIndex(schema.KeyName)
		if !ok {
			return nil, fmt.Errorf("%w: metadata fragment lacks keys", fragment.ErrInvalidMeta)
		}
		c.keyIdx = ki
	}

	ref, ok, err := c.fetch()
	if err != nil {
		return nil, err
	}
	if ok {
		c.nxt, c.hasNxt = ref, true
	}
	if _, err := c.next(); err != nil {
		return nil, err
	}
	return c, nil
}

// fetch returns the next qualifying cell position in on-disk order.
func (c *fragCursor) fetch() (cellRef, bool, error) {
	for {
		if c.qi < len(c.queue) {
			pos := c.queue[c.qi]
			c.qi++
			data, err := c.r.FixedTile(c.coordsIdx, int(c.qtile))
			if err != nil {
				return cellRef{}, false, err
			}
			cs := c.sch.CoordSize()
			coords := append([]byte(nil), data[int(pos)*cs:(int(pos)+1)*cs]...)
			return cellRef{tile: c.qtile, cell: int32(pos), coords: coords}, true, nil
		}

		if c.tile >= c.r.TileCount() {
			return cellRef{}, false, nil
		}
		t := c.tile
		c.tile++
		if !c.r.MBRIntersects(t, c.sub) {
			continue
		}

		data, err := c.r.FixedTile(c.coordsIdx, t)
		if err != nil {
			return cellRef{}, false, err
		}
		cs := c.sch.CoordSize()
		qualifying := roaring.New()
		for pos := 0; pos < c.r.CellCount(t); pos++ {
			if !c.sch.CoordsIn(data[pos*cs:], c.sub) {
				continue
			}
			if c.key != nil {
				stored, err := c.r.Cell(c.keyIdx, t, pos)
				if err != nil {
					return cellRef{}, false, err
				}
				if !bytes.Equal(stored, c.key) {
					continue
				}
				// The key stream and the coords stream are distinct, but
				// reload in case a shared stream cache moved.
				data, err = c.r.FixedTile(c.coordsIdx, t)
				if err != nil {
					return cellRef{}, false, err
				}
			}
			qualifying.Add(uint32(pos))
		}
		if qualifying.IsEmpty() {
			continue
		}
		c.queue = qualifying.ToArray()
		c.qi = 0
		c.qtile = int32(t)
	}
}

// next advances to the following distinct coordinate; within the fragment
// the last written of equal coordinates wins.
func (c *fragCursor) next() (bool, error) {
	if !c.hasNxt {
		c.has = false
		return false, nil
	}
	cur := c.nxt
	c.hasNxt = false
	for {
		ref, ok, err := c.fetch()
		if err != nil {
			return false, err
		}
		if !ok {
			break
		}
		if c.sch.CompareCoords(ref.coords, cur.coords) == 0 {
			cur = ref
			continue
		}
		c.nxt, c.hasNxt = ref, true
		break
	}
	c.cur, c.has = cur, true
	return true, nil
}

// cursorHeap orders fragment cursors by their current coordinate in the
// schema's cell order, oldest fragment first on ties.
type cursorHeap struct {
	sch *schema.Schema
	cs  []*fragCursor
}

func (h *cursorHeap) Len() int { return len(h.cs) }

func (h *cursorHeap) Less(i, j int) bool {
	c := h.sch.CompareCoords(h.cs[i].cur.coords, h.cs[j].cur.coords)
	if c != 0 {
		return c < 0
	}
	return h.cs[i].idx < h.cs[j].idx
}

func (h *cursorHeap) Swap(i, j int) { h.cs[i], h.cs[j] = h.cs[j], h.cs[i] }

func (h *cursorHeap) Push(x any) { h.cs = append(h.cs, x.(*fragCursor)) }

func (h *cursorHeap) Pop() any {
	x := h.cs[len(h.cs)-1]
	h.cs = h.cs[:len(h.cs)-1]
	return x
}
