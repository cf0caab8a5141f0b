package engine

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"path/filepath"

	"github.com/hashicorp/go-multierror"

	"github.com/tesseradb/tessera/fragment"
	"github.com/tesseradb/tessera/internal/flock"
	"github.com/tesseradb/tessera/schema"
	"github.com/tesseradb/tessera/sink"
)

// LockFile guards a dataset against concurrent consolidations. Readers and
// writers ignore it.
const LockFile = "__consolidation.lock"

// consolidation buffer sizing. Batches grow when a single cell outgrows
// them, so these only set the steady-state granularity.
const (
	consolidateBufSize   = 1 << 20
	consolidateArenaSize = 4 << 20
)

// Consolidate merges every committed fragment of a dataset into one. The
// merged fragment takes the newest input's timestamp with its generation
// bumped, so it sorts exactly where its inputs did: fragments written during
// the merge stay newer and survive untouched. On any failure the original
// fragment list remains intact.
//
// Only one consolidation may run per dataset; a second gets
// ErrConsolidationConflict and can simply retry later.
func Consolidate(ctx context.Context, env Env, dir string, sch *schema.Schema) error {
	lock, err := flock.TryAcquire(filepath.Join(dir, LockFile))
	if err != nil {
		if errors.Is(err, flock.ErrLocked) {
			return ErrConsolidationConflict
		}
		return err
	}
	defer lock.Release()

	ids, err := fragment.List(env.FS, dir)
	if err != nil {
		return err
	}
	if len(ids) <= 1 {
		return nil
	}

	// The projection carries everything a fragment stores: user attributes,
	// keys for metadata, and explicit coordinates for sparse data. The
	// fragment writer appends the coordinates stream itself, so they stay
	// out of its name list but arrive in the same buffer position.
	names := make([]string, 0, len(sch.Attributes)+2)
	for _, a := range sch.Attributes {
		names = append(names, a.Name)
	}
	if sch.Kind == schema.KindMetadata {
		names = append(names, schema.KeyName)
	}
	readNames := names
	if !sch.Dense() {
		readNames = append(append([]string(nil), names...), schema.CoordsName)
	}

	sess, err := NewReadSession(env, dir, sch, readNames, nil)
	if err != nil {
		return err
	}
	defer sess.Finalize()

	newest := ids[len(ids)-1]
	out := fragment.ID{TS: newest.TS, Seq: newest.Seq, Gen: newest.Gen + 1}
	w, err := fragment.NewWriter(env.FS, dir, sch, names, nil, out)
	if err != nil {
		return err
	}

	if err := consolidateStream(ctx, env, sess, w); err != nil {
		w.Abort()
		return err
	}
	if err := w.Finalize(); err != nil {
		return err
	}

	// The merged fragment shadows its inputs from here on; dropping them is
	// cleanup, not correctness, so a failed delete leaves a bigger dataset
	// but the same answers.
	var result error
	for _, id := range ids {
		if err := env.FS.RemoveAll(filepath.Join(dir, id.Name())); err != nil {
			result = multierror.Append(result, err)
		}
	}
	return result
}

// consolidateStream pumps the read session into the writer through a double
// buffer, overlapping the decode-and-merge of one batch with the disk writes
// of the previous. Each record frames one read round's buffers with u32
// lengths.
func consolidateStream(ctx context.Context, env Env, sess *ReadSession, w *fragment.Writer) error {
	nb := fragment.BufferCount(sess.Attrs())
	bufs := make([][]byte, nb)
	sizes := make([]int, nb)
	for i := range bufs {
		bufs[i] = make([]byte, consolidateBufSize)
	}

	drainBufs := make([][]byte, nb)
	drainSizes := make([]int, nb)
	db := sink.NewDoubleBuffer(consolidateArenaSize, func(batch []byte) error {
		if err := env.Ctrl.AcquireIO(ctx, len(batch)); err != nil {
			return err
		}
		for len(batch) > 0 {
			for i := 0; i < nb; i++ {
				if len(batch) < 4 {
					return fmt.Errorf("consolidation batch truncated")
				}
				n := int(binary.LittleEndian.Uint32(batch))
				batch = batch[4:]
				if n > len(batch) {
					return fmt.Errorf("consolidation batch truncated")
				}
				drainBufs[i] = batch[:n]
				drainSizes[i] = n
				batch = batch[n:]
			}
			if err := w.Write(drainBufs, drainSizes); err != nil {
				return err
			}
		}
		return nil
	})
	defer db.Close()

	record := make([]byte, 0, consolidateBufSize)
	for !sess.Done() {
		for i := range bufs {
			sizes[i] = len(bufs[i])
		}
		if err := sess.Read(bufs, sizes); err != nil {
			return err
		}

		progress := 0
		for _, sz := range sizes {
			progress += sz
		}
		if progress == 0 {
			// A single cell outgrew its buffer; grow the overflowed
			// attributes and retry.
			if err := growOverflowed(sess, bufs); err != nil {
				return err
			}
			continue
		}

		record = record[:0]
		for i := range bufs {
			record = binary.LittleEndian.AppendUint32(record, uint32(sizes[i]))
			record = append(record, bufs[i][:sizes[i]]...)
		}
		if err := db.Handoff(record); err != nil {
			return err
		}
	}
	return db.Close()
}

// growOverflowed doubles the buffers of every attribute whose overflow flag
// is set. A round that grew nothing means the session is wedged, which the
// caller reports instead of spinning.
func growOverflowed(sess *ReadSession, bufs [][]byte) error {
	grew := false
	bi := 0
	for i, a := range sess.Attrs() {
		n := 1
		if a.Var() {
			n = 2
		}
		over, err := sess.Overflow(i)
		if err != nil {
			return err
		}
		if over {
			for k := 0; k < n; k++ {
				bufs[bi+k] = make([]byte, 2*len(bufs[bi+k]))
			}
			grew = true
		}
		bi += n
	}
	if !grew {
		return fmt.Errorf("consolidation made no progress")
	}
	return nil
}
