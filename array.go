package tessera

import (
	"context"
	"time"

	"github.com/tesseradb/tessera/engine"
	"github.com/tesseradb/tessera/schema"
)

// Array is an open handle on one array. A handle does exactly one thing:
// read under ModeRead, append under ModeWrite, bulk-load under
// ModeWriteUnsorted. Finalize commits pending writes and releases the
// handle; a handle is single-caller.
type Array struct {
	ctx  *Context
	path string
	sch  *schema.Schema
	mode Mode

	names []string
	sub   []byte

	read  *engine.ReadSession
	write *engine.WriteSession
	done  bool
}

// OpenArray opens the array at path in the given mode.
func (c *Context) OpenArray(path string, mode Mode, opts ...OpenOption) (*Array, error) {
	const op = "open array"
	if err := c.checkOpen(op); err != nil {
		return nil, err
	}
	if !mode.valid() {
		return nil, requestErr(op, "unknown mode %d", mode)
	}
	sch, err := c.loadSchema(op, path, schema.KindArray)
	if err != nil {
		return nil, err
	}

	var oo openOptions
	for _, fn := range opts {
		fn(&oo)
	}

	a := &Array{ctx: c, path: path, sch: sch, mode: mode, names: oo.names, sub: oo.sub}
	switch mode {
	case ModeRead:
		sess, err := engine.NewReadSession(c.env, path, sch, oo.names, oo.sub)
		if err != nil {
			return nil, translateError(op, path, err)
		}
		a.read = sess
	case ModeWrite, ModeWriteUnsorted:
		sess, err := engine.NewWriteSession(c.env, path, sch, oo.names, oo.sub, mode == ModeWriteUnsorted)
		if err != nil {
			return nil, translateError(op, path, err)
		}
		a.write = sess
	}

	if err := c.register(a); err != nil {
		a.release()
		return nil, err
	}
	return a, nil
}

// Schema returns the array's schema.
func (a *Array) Schema() *schema.Schema { return a.sch }

// Write hands cells to the engine. In ModeWrite the cells must arrive in
// global cell order and commit on Finalize; in ModeWriteUnsorted any order
// is accepted and each call commits one fragment. Buffer layout follows the
// projection: one buffer per fixed attribute, offsets then values per var
// attribute, and a trailing coordinates buffer for sparse cells.
func (a *Array) Write(buffers [][]byte, sizes []int) error {
	const op = "write array"
	if a.done {
		return &RequestError{Op: op, Reason: "handle finalized", cause: ErrFinalized}
	}
	if a.write == nil {
		return requestErr(op, "handle is open for reading")
	}

	total := 0
	for _, sz := range sizes {
		total += sz
	}
	start := time.Now()
	err := a.write.Write(buffers, sizes)
	a.ctx.metrics.RecordWrite(total, time.Since(start), err)
	a.ctx.log.LogWrite(context.Background(), a.path, total, err)
	return translateError(op, a.path, err)
}

// Read fills each buffer with complete cells and rewrites sizes to bytes
// written. When a buffer cannot hold the next cell the attribute's overflow
// flag raises, the call still succeeds, and the next Read resumes exactly
// where this one stopped.
func (a *Array) Read(buffers [][]byte, sizes []int) error {
	const op = "read array"
	if a.done {
		return &RequestError{Op: op, Reason: "handle finalized", cause: ErrFinalized}
	}
	if a.read == nil {
		return requestErr(op, "handle is open for writing")
	}

	start := time.Now()
	err := a.read.Read(buffers, sizes)
	total := 0
	for _, sz := range sizes {
		total += sz
	}
	overflow := false
	if err == nil {
		for i := range a.read.Attrs() {
			if over, oerr := a.read.Overflow(i); oerr == nil && over {
				overflow = true
				break
			}
		}
	}
	a.ctx.metrics.RecordRead(total, time.Since(start), err)
	a.ctx.log.LogRead(context.Background(), a.path, total, overflow, err)
	return translateError(op, a.path, err)
}

// Overflow reports whether the last Read left undelivered cells for the
// projection attribute at index i.
func (a *Array) Overflow(i int) (bool, error) {
	const op = "array overflow"
	if a.read == nil {
		return false, requestErr(op, "handle is not open for reading")
	}
	over, err := a.read.Overflow(i)
	return over, translateError(op, a.path, err)
}

// ResetSubarray points a read handle at a new subarray without reopening
// the array. Pending overflow state is discarded.
func (a *Array) ResetSubarray(raw []byte) error {
	const op = "reset subarray"
	if a.read == nil {
		return requestErr(op, "handle is not open for reading")
	}
	a.sub = append([]byte(nil), raw...)
	return translateError(op, a.path, a.read.ResetSubarray(raw))
}

// ResetAttributes changes a read handle's projection; delivery restarts at
// the first cell.
func (a *Array) ResetAttributes(names ...string) error {
	const op = "reset attributes"
	if a.read == nil {
		return requestErr(op, "handle is not open for reading")
	}
	a.names = append([]string(nil), names...)
	return translateError(op, a.path, a.read.ResetAttributes(names))
}

// Finalize commits any pending fragment and releases the handle.
func (a *Array) Finalize() error {
	const op = "finalize array"
	if a.done {
		return nil
	}
	a.ctx.unregister(a)

	if a.write != nil {
		start := time.Now()
		err := a.release()
		if len(a.write.Committed()) > 0 || err != nil {
			a.ctx.metrics.RecordFragmentCommit(time.Since(start), err)
			name := ""
			if committed := a.write.Committed(); len(committed) > 0 {
				name = committed[len(committed)-1].Name()
			}
			a.ctx.log.LogFragmentCommit(context.Background(), a.path, name, err)
		}
		return translateError(op, a.path, err)
	}
	return translateError(op, a.path, a.release())
}

// release closes the underlying session without context bookkeeping.
func (a *Array) release() error {
	if a.done {
		return nil
	}
	a.done = true
	if a.read != nil {
		return a.read.Finalize()
	}
	if a.write != nil {
		return a.write.Finalize()
	}
	return nil
}

// ArrayIterator walks an array cell by cell with internal double buffering.
type ArrayIterator struct {
	ctx  *Context
	path string
	it   *engine.Iterator
}

// Iterator opens a cell iterator over the same subarray and projection as
// the handle, independent of the handle's own Read cursor. buffers and
// sizes set the window capacity per projection buffer; nil buffers means
// allocate internally.
func (a *Array) Iterator(buffers [][]byte, sizes []int) (*ArrayIterator, error) {
	const op = "array iterator"
	if a.read == nil {
		return nil, requestErr(op, "handle is not open for reading")
	}

	sess, err := engine.NewReadSession(a.ctx.env, a.path, a.sch, a.names, a.sub)
	if err != nil {
		return nil, translateError(op, a.path, err)
	}
	it, err := engine.NewIterator(sess, buffers, sizes)
	if err != nil {
		sess.Finalize()
		return nil, translateError(op, a.path, err)
	}

	ai := &ArrayIterator{ctx: a.ctx, path: a.path, it: it}
	if err := a.ctx.register(ai); err != nil {
		it.Finalize()
		return nil, err
	}
	return ai, nil
}

// Value returns the current cell of the projection attribute at index ai.
// The slice is valid until the second Next after the call.
func (it *ArrayIterator) Value(ai int) ([]byte, error) {
	v, err := it.it.Value(ai)
	return v, translateError("iterator value", it.path, err)
}

// Next advances to the following cell.
func (it *ArrayIterator) Next() error {
	return translateError("iterator next", it.path, it.it.Next())
}

// End reports whether every cell has been visited.
func (it *ArrayIterator) End() bool { return it.it.End() }

// Finalize releases the iterator and its session.
func (it *ArrayIterator) Finalize() error {
	it.ctx.unregister(it)
	return translateError("finalize iterator", it.path, it.it.Finalize())
}
