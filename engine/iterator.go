package engine

import (
	"encoding/binary"
	"fmt"
	"sync"

	"github.com/tesseradb/tessera/fragment"
)

// Iterator walks a read session cell by cell. Each attribute reads through a
// pair of arenas: while the caller consumes one window the next is fetched in
// the background, so sequential scans overlap decode with consumption.
//
// The iterator owns the session; Finalize closes both.
type Iterator struct {
	sess *ReadSession
	mu   sync.Mutex // serializes session reads between caller and prefetch

	ws    []*window
	nbuf  int
	cell  int
	total int
	done  bool
}

type window struct {
	bufIdx   int
	variable bool
	cellSize int
	arenas   [2][][]byte
	active   int

	g          int // global index of the window's first cell
	n          int // cells in the window
	offW, valW int

	pre *prefetch
}

type prefetch struct {
	wg         sync.WaitGroup
	n          int
	offW, valW int
	err        error
}

// NewIterator wraps a read session. buffers become one arena per projection
// buffer and a twin of the same capacities is allocated for prefetch; nil
// buffers means allocate both arenas from sizes. Var attributes take an
// offsets buffer and a values buffer, in the projection's buffer order.
func NewIterator(sess *ReadSession, buffers [][]byte, sizes []int) (*Iterator, error) {
	attrs := sess.Attrs()
	want := fragment.BufferCount(attrs)
	if len(sizes) != want || (buffers != nil && len(buffers) != want) {
		return nil, fmt.Errorf("%w: projection takes %d buffers, got %d sizes and %d buffers",
			fragment.ErrRequest, want, len(sizes), len(buffers))
	}
	caps := make([]int, want)
	for i, sz := range sizes {
		if sz <= 0 {
			return nil, fmt.Errorf("%w: buffer size %d must be positive", fragment.ErrRequest, i)
		}
		if buffers != nil && sz > len(buffers[i]) {
			return nil, fmt.Errorf("%w: size %d exceeds buffer %d capacity %d",
				fragment.ErrRequest, sz, i, len(buffers[i]))
		}
		caps[i] = sz
	}

	it := &Iterator{sess: sess, nbuf: want, total: sess.Total()}
	bi := 0
	for _, a := range attrs {
		// The first roll flips to the other arena, so starting on arena 1
		// makes the caller's buffers serve the first window.
		w := &window{bufIdx: bi, variable: a.Var(), cellSize: a.CellSize(), active: 1}
		n := 1
		if a.Var() {
			n = 2
		}
		for k := 0; k < n; k++ {
			if buffers != nil {
				w.arenas[0] = append(w.arenas[0], buffers[bi+k][:caps[bi+k]])
			} else {
				w.arenas[0] = append(w.arenas[0], make([]byte, caps[bi+k]))
			}
			w.arenas[1] = append(w.arenas[1], make([]byte, caps[bi+k]))
		}
		it.ws = append(it.ws, w)
		bi += n
	}
	return it, nil
}

// fill reads the next window of one attribute into the given arena. Other
// attributes pass zero-length buffers, which the session treats as an
// immediate overflow without advancing them.
func (it *Iterator) fill(w *window, arena int) (n, offW, valW int, err error) {
	it.mu.Lock()
	defer it.mu.Unlock()

	bufs := make([][]byte, it.nbuf)
	sizes := make([]int, it.nbuf)
	for k, b := range w.arenas[arena] {
		bufs[w.bufIdx+k] = b
		sizes[w.bufIdx+k] = len(b)
	}
	if err := it.sess.Read(bufs, sizes); err != nil {
		return 0, 0, 0, err
	}
	if w.variable {
		return sizes[w.bufIdx] / 8, sizes[w.bufIdx], sizes[w.bufIdx+1], nil
	}
	return sizes[w.bufIdx] / w.cellSize, sizes[w.bufIdx], 0, nil
}

// ensure rolls the window of w forward until it covers the current cell.
func (it *Iterator) ensure(w *window) error {
	for it.cell >= w.g+w.n {
		var n, offW, valW int
		var err error
		if w.pre != nil {
			w.pre.wg.Wait()
			n, offW, valW, err = w.pre.n, w.pre.offW, w.pre.valW, w.pre.err
			w.pre = nil
		} else {
			n, offW, valW, err = it.fill(w, w.active^1)
		}
		w.active ^= 1
		if err != nil {
			return err
		}
		if n == 0 {
			return fmt.Errorf("%w: iterator buffer too small for cell %d",
				fragment.ErrRequest, w.g+w.n)
		}
		w.g += w.n
		w.n, w.offW, w.valW = n, offW, valW

		if w.g+w.n < it.total {
			p := &prefetch{}
			p.wg.Add(1)
			w.pre = p
			inactive := w.active ^ 1
			go func() {
				defer p.wg.Done()
				p.n, p.offW, p.valW, p.err = it.fill(w, inactive)
			}()
		}
	}
	return nil
}

// Value returns the current cell of the projection attribute at index ai.
// The slice aliases the iterator's arena and is valid until the second Next
// after the call.
func (it *Iterator) Value(ai int) ([]byte, error) {
	if it.done {
		return nil, ErrFinalized
	}
	if it.cell >= it.total {
		return nil, fmt.Errorf("%w: iterator exhausted", fragment.ErrRequest)
	}
	if ai < 0 || ai >= len(it.ws) {
		return nil, fmt.Errorf("%w: attribute index %d out of range", fragment.ErrRequest, ai)
	}
	w := it.ws[ai]
	if err := it.ensure(w); err != nil {
		return nil, err
	}

	i := it.cell - w.g
	bufs := w.arenas[w.active]
	if !w.variable {
		return bufs[0][i*w.cellSize : (i+1)*w.cellSize], nil
	}
	offs := bufs[0][:w.offW]
	start := binary.LittleEndian.Uint64(offs[i*8:])
	end := uint64(w.valW)
	if (i+1)*8 < w.offW {
		end = binary.LittleEndian.Uint64(offs[(i+1)*8:])
	}
	return bufs[1][start:end], nil
}

// Next advances to the following cell.
func (it *Iterator) Next() error {
	if it.done {
		return ErrFinalized
	}
	if it.cell >= it.total {
		return fmt.Errorf("%w: iterator exhausted", fragment.ErrRequest)
	}
	it.cell++
	return nil
}

// End reports whether every cell has been visited.
func (it *Iterator) End() bool { return it.cell >= it.total }

// Total returns the number of cells the iterator covers.
func (it *Iterator) Total() int { return it.total }

// Finalize waits out in-flight prefetches and closes the session.
func (it *Iterator) Finalize() error {
	if it.done {
		return nil
	}
	it.done = true
	for _, w := range it.ws {
		if w.pre != nil {
			w.pre.wg.Wait()
			w.pre = nil
		}
	}
	return it.sess.Finalize()
}
