package tessera

import (
	"context"
	"crypto/md5"
	"encoding/binary"
	"time"

	"github.com/tesseradb/tessera/engine"
	"github.com/tesseradb/tessera/schema"
)

// Metadata is an open handle on a key-value metadata object. Keys hash to
// coordinates in a sparse array of four int32 dimensions; the key itself is
// stored alongside the values and verified on lookup, so hash collisions
// read as misses instead of wrong values.
type Metadata struct {
	ctx  *Context
	path string
	sch  *schema.Schema
	mode Mode

	names []string

	read  *engine.ReadSession
	write *engine.WriteSession

	// Resume state: a lookup left unfinished by a short buffer continues on
	// the next Read with the same key.
	lastKey    string
	keyPending bool

	done bool
}

// keyCoords hashes a key into its cell coordinates.
func keyCoords(key string) [4]int64 {
	sum := md5.Sum([]byte(key))
	var c [4]int64
	for i := 0; i < 4; i++ {
		c[i] = int64(int32(binary.LittleEndian.Uint32(sum[i*4:])))
	}
	return c
}

// OpenMetadata opens the metadata object at path in the given mode. Write
// modes behave identically: every Write call commits one fragment.
func (c *Context) OpenMetadata(path string, mode Mode, opts ...OpenOption) (*Metadata, error) {
	const op = "open metadata"
	if err := c.checkOpen(op); err != nil {
		return nil, err
	}
	if !mode.valid() {
		return nil, requestErr(op, "unknown mode %d", mode)
	}
	sch, err := c.loadSchema(op, path, schema.KindMetadata)
	if err != nil {
		return nil, err
	}

	var oo openOptions
	for _, fn := range opts {
		fn(&oo)
	}
	if oo.sub != nil {
		return nil, requestErr(op, "metadata objects take no subarray")
	}
	names := oo.names
	if names == nil {
		names = make([]string, len(sch.Attributes))
		for i, a := range sch.Attributes {
			names[i] = a.Name
		}
	}

	m := &Metadata{ctx: c, path: path, sch: sch, mode: mode, names: names}
	switch mode {
	case ModeRead:
		sess, err := engine.NewReadSession(c.env, path, sch, names, nil)
		if err != nil {
			return nil, translateError(op, path, err)
		}
		m.read = sess
	case ModeWrite, ModeWriteUnsorted:
		writeNames := append(append([]string(nil), names...), schema.KeyName)
		sess, err := engine.NewWriteSession(c.env, path, sch, writeNames, nil, true)
		if err != nil {
			return nil, translateError(op, path, err)
		}
		m.write = sess
	}

	if err := c.register(m); err != nil {
		m.release()
		return nil, err
	}
	return m, nil
}

// Write stores one cell per key. buffers carry the value attributes in
// projection order; the key and coordinate streams are derived from keys.
// Each call commits its own fragment; writing an existing key shadows it.
func (m *Metadata) Write(keys []string, buffers [][]byte, sizes []int) error {
	const op = "write metadata"
	if m.done {
		return &RequestError{Op: op, Reason: "handle finalized", cause: ErrFinalized}
	}
	if m.write == nil {
		return requestErr(op, "handle is open for reading")
	}
	if len(keys) == 0 {
		return requestErr(op, "at least one key is required")
	}

	var keyVals []byte
	keyOffs := make([]byte, 0, len(keys)*8)
	coords := make([]byte, len(keys)*m.sch.CoordSize())
	for i, key := range keys {
		keyOffs = binary.LittleEndian.AppendUint64(keyOffs, uint64(len(keyVals)))
		keyVals = append(keyVals, key...)
		kc := keyCoords(key)
		m.sch.EncodeCoordsInt(coords[i*m.sch.CoordSize():], kc[:])
	}

	all := make([][]byte, 0, len(buffers)+3)
	allSizes := make([]int, 0, len(sizes)+3)
	all = append(all, buffers...)
	allSizes = append(allSizes, sizes...)
	all = append(all, keyOffs, keyVals, coords)
	allSizes = append(allSizes, len(keyOffs), len(keyVals), len(coords))

	total := 0
	for _, sz := range sizes {
		total += sz
	}
	start := time.Now()
	err := m.write.Write(all, allSizes)
	m.ctx.metrics.RecordWrite(total, time.Since(start), err)
	m.ctx.log.LogWrite(context.Background(), m.path, total, err)
	return translateError(op, m.path, err)
}

// Read fetches the cell stored under key into the projection buffers. A
// missing key delivers zero bytes in every buffer. A read cut short by a
// small buffer resumes on the next call with the same key; switching keys
// discards the resume state.
func (m *Metadata) Read(key string, buffers [][]byte, sizes []int) error {
	const op = "read metadata"
	if m.done {
		return &RequestError{Op: op, Reason: "handle finalized", cause: ErrFinalized}
	}
	if m.read == nil {
		return requestErr(op, "handle is open for writing")
	}

	if !m.keyPending || key != m.lastKey {
		kc := keyCoords(key)
		sub := m.sch.EncodeSubarray(&schema.Subarray{ILo: kc[:], IHi: kc[:]})
		if err := m.read.ResetKey(sub, []byte(key)); err != nil {
			return translateError(op, m.path, err)
		}
		m.lastKey = key
	}

	start := time.Now()
	err := m.read.Read(buffers, sizes)
	total := 0
	for _, sz := range sizes {
		total += sz
	}
	m.keyPending = err == nil && !m.read.Done()
	m.ctx.metrics.RecordRead(total, time.Since(start), err)
	m.ctx.log.LogRead(context.Background(), m.path, total, m.keyPending, err)
	return translateError(op, m.path, err)
}

// Overflow reports whether the last Read left undelivered data for the
// projection attribute at index i.
func (m *Metadata) Overflow(i int) (bool, error) {
	const op = "metadata overflow"
	if m.read == nil {
		return false, requestErr(op, "handle is not open for reading")
	}
	over, err := m.read.Overflow(i)
	return over, translateError(op, m.path, err)
}

// ResetAttributes changes a read handle's projection. A lookup left pending
// by a short buffer is discarded; the next Read delivers its key from the
// first cell.
func (m *Metadata) ResetAttributes(names ...string) error {
	const op = "reset attributes"
	if m.read == nil {
		return requestErr(op, "handle is not open for reading")
	}
	m.names = append([]string(nil), names...)
	m.keyPending = false
	m.lastKey = ""
	return translateError(op, m.path, m.read.ResetAttributes(names))
}

// Iterator walks every stored cell in hash order. Include tessera.Key in
// the handle's projection to receive the keys themselves.
func (m *Metadata) Iterator(buffers [][]byte, sizes []int) (*ArrayIterator, error) {
	const op = "metadata iterator"
	if m.read == nil {
		return nil, requestErr(op, "handle is not open for reading")
	}

	sess, err := engine.NewReadSession(m.ctx.env, m.path, m.sch, m.names, nil)
	if err != nil {
		return nil, translateError(op, m.path, err)
	}
	it, err := engine.NewIterator(sess, buffers, sizes)
	if err != nil {
		sess.Finalize()
		return nil, translateError(op, m.path, err)
	}

	ai := &ArrayIterator{ctx: m.ctx, path: m.path, it: it}
	if err := m.ctx.register(ai); err != nil {
		it.Finalize()
		return nil, err
	}
	return ai, nil
}

// Finalize releases the handle.
func (m *Metadata) Finalize() error {
	const op = "finalize metadata"
	if m.done {
		return nil
	}
	m.ctx.unregister(m)
	return translateError(op, m.path, m.release())
}

func (m *Metadata) release() error {
	if m.done {
		return nil
	}
	m.done = true
	if m.read != nil {
		return m.read.Finalize()
	}
	if m.write != nil {
		return m.write.Finalize()
	}
	return nil
}
