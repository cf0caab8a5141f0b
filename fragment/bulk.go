package fragment

import (
	"context"
	"encoding/binary"
	"sort"

	"golang.org/x/sync/errgroup"

	"github.com/tesseradb/tessera/internal/fs"
	"github.com/tesseradb/tessera/resource"
	"github.com/tesseradb/tessera/schema"
)

// BulkWrite is the unsorted writer: one call produces one committed fragment.
// Buffers carry coordinates plus attribute values in arbitrary cell order and
// must agree on the cell count across every attribute including coordinates;
// a mismatch is a request error and nothing is written. Cells are sorted by
// the schema's cell order before any tile is cut, so one call costs memory
// proportional to its input, never to the array.
//
// On a dense schema the result is a coordinate-explicit fragment that
// shadows the dense cells it names.
func BulkWrite(ctx context.Context, fsys fs.FileSystem, dir string, sch *schema.Schema, names []string, buffers [][]byte, sizes []int, ctrl *resource.Controller) (ID, error) {
	attrs, err := ResolveAttrs(sch, names)
	if err != nil {
		return ID{}, err
	}
	attrs = append(attrs, sch.CoordsAttribute())

	want := BufferCount(attrs)
	if len(buffers) != want || len(sizes) != want {
		return ID{}, requestErrf("projection takes %d buffers, got %d buffers and %d sizes",
			want, len(buffers), len(sizes))
	}
	for i, s := range sizes {
		if s < 0 || s > len(buffers[i]) {
			return ID{}, requestErrf("size %d out of range for buffer %d (%d bytes)", s, i, len(buffers[i]))
		}
	}

	// The cell count must be synchronized across every buffer.
	coordSize := sch.CoordSize()
	coordsBuf := buffers[want-1][:sizes[want-1]]
	if len(coordsBuf)%coordSize != 0 {
		return ID{}, requestErrf("coordinates size %d is not a whole number of %d-byte tuples",
			len(coordsBuf), coordSize)
	}
	cells := len(coordsBuf) / coordSize
	if cells == 0 {
		return ID{}, requestErrf("empty fragment")
	}

	bi := 0
	for _, a := range attrs[:len(attrs)-1] {
		if a.Var() {
			if got := sizes[bi] / 8; sizes[bi]%8 != 0 || got != cells {
				return ID{}, requestErrf("attribute %q holds %d cells, coordinates hold %d", a.Name, got, cells)
			}
			bi += 2
		} else {
			cs := a.CellSize()
			if got := sizes[bi] / cs; sizes[bi]%cs != 0 || got != cells {
				return ID{}, requestErrf("attribute %q holds %d cells, coordinates hold %d", a.Name, got, cells)
			}
			bi++
		}
	}

	for c := 0; c < cells; c++ {
		if !sch.InDomain(coordsBuf[c*coordSize:]) {
			return ID{}, requestErrf("cell %d lies outside the domain", c)
		}
	}

	// The sort and the reordered copies cost roughly twice the input.
	var budget int64
	for _, s := range sizes {
		budget += int64(s)
	}
	if err := ctrl.AcquireMemory(ctx, budget); err != nil {
		return ID{}, err
	}
	defer ctrl.ReleaseMemory(budget)

	// Stable sort keeps the input order of colliding coordinates, so the last
	// submitted value survives the merge.
	perm := make([]int, cells)
	for i := range perm {
		perm[i] = i
	}
	sort.SliceStable(perm, func(i, j int) bool {
		return sch.CompareCoords(coordsBuf[perm[i]*coordSize:], coordsBuf[perm[j]*coordSize:]) < 0
	})

	// Reorder each buffer into cell order; attributes are independent, so
	// they permute in parallel.
	sorted := make([][]byte, want)
	sortedSizes := make([]int, want)
	g, gctx := errgroup.WithContext(ctx)
	bi = 0
	for _, a := range attrs {
		a, cur := a, bi
		if a.Var() {
			g.Go(func() error {
				if err := ctrl.AcquireBackground(gctx); err != nil {
					return err
				}
				defer ctrl.ReleaseBackground()
				offs, vals := permuteVar(buffers[cur][:sizes[cur]], buffers[cur+1][:sizes[cur+1]], perm)
				sorted[cur], sorted[cur+1] = offs, vals
				sortedSizes[cur], sortedSizes[cur+1] = len(offs), len(vals)
				return nil
			})
			bi += 2
		} else {
			g.Go(func() error {
				if err := ctrl.AcquireBackground(gctx); err != nil {
					return err
				}
				defer ctrl.ReleaseBackground()
				out := permuteFixed(buffers[cur][:sizes[cur]], a.CellSize(), perm)
				sorted[cur] = out
				sortedSizes[cur] = len(out)
				return nil
			})
			bi++
		}
	}
	if err := g.Wait(); err != nil {
		return ID{}, err
	}

	id := NewID()
	w, err := newWriter(fsys, dir, sch, names, nil, id, sch.Dense())
	if err != nil {
		return ID{}, err
	}
	if err := w.Write(sorted, sortedSizes); err != nil {
		w.Abort()
		return ID{}, err
	}
	if err := w.Finalize(); err != nil {
		return ID{}, err
	}
	return id, nil
}

func permuteFixed(data []byte, cellSize int, perm []int) []byte {
	out := make([]byte, len(data))
	for dst, src := range perm {
		copy(out[dst*cellSize:(dst+1)*cellSize], data[src*cellSize:])
	}
	return out
}

func permuteVar(offs, vals []byte, perm []int) ([]byte, []byte) {
	cells := len(offs) / 8
	cellAt := func(c int) (uint64, uint64) {
		start := binary.LittleEndian.Uint64(offs[c*8:])
		end := uint64(len(vals))
		if c+1 < cells {
			end = binary.LittleEndian.Uint64(offs[(c+1)*8:])
		}
		return start, end
	}

	outOffs := make([]byte, len(offs))
	outVals := make([]byte, 0, len(vals))
	for dst, src := range perm {
		start, end := cellAt(src)
		binary.LittleEndian.PutUint64(outOffs[dst*8:], uint64(len(outVals)))
		outVals = append(outVals, vals[start:end]...)
	}
	return outOffs, outVals
}
