package engine

import (
	"context"
	"encoding/binary"
	"math"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tesseradb/tessera/fragment"
	"github.com/tesseradb/tessera/internal/flock"
	"github.com/tesseradb/tessera/internal/fs"
	"github.com/tesseradb/tessera/resource"
	"github.com/tesseradb/tessera/schema"
)

func testEnv() Env {
	return Env{
		FS:     fs.Default,
		Ctrl:   resource.NewController(resource.Config{MaxBackgroundWorkers: 2}),
		Method: fragment.ReadPRead,
	}
}

func denseSchema(t *testing.T) *schema.Schema {
	t.Helper()
	s, err := schema.NewBuilder("grid").
		Dimension("row", 0, 3).
		Dimension("col", 0, 3).
		TileExtents(2, 2).
		Attribute("v", schema.TypeInt32, 1, schema.CompressionLZ4).
		Build()
	require.NoError(t, err)
	return s
}

func sparseSchema(t *testing.T) *schema.Schema {
	t.Helper()
	s, err := schema.NewBuilder("points").
		Dimension("x", 0, 99).
		Dimension("y", 0, 99).
		Capacity(3).
		Attribute("v", schema.TypeInt32, 1, schema.CompressionZstd).
		VarAttribute("tag", schema.TypeChar, schema.CompressionGzip).
		Build()
	require.NoError(t, err)
	return s
}

func packInt32s(vals ...int32) []byte {
	b := make([]byte, len(vals)*4)
	for i, v := range vals {
		binary.LittleEndian.PutUint32(b[i*4:], uint32(v))
	}
	return b
}

func unpackInt32s(b []byte) []int32 {
	out := make([]int32, len(b)/4)
	for i := range out {
		out[i] = int32(binary.LittleEndian.Uint32(b[i*4:]))
	}
	return out
}

func packUint64s(vals ...uint64) []byte {
	b := make([]byte, len(vals)*8)
	for i, v := range vals {
		binary.LittleEndian.PutUint64(b[i*8:], v)
	}
	return b
}

func packCoords(s *schema.Schema, flat ...int64) []byte {
	b := make([]byte, len(flat)*s.CoordsType.Size())
	for i := 0; i < len(flat)/s.NDim(); i++ {
		s.EncodeCoordsInt(b[i*s.CoordSize():], flat[i*s.NDim():(i+1)*s.NDim()])
	}
	return b
}

func point(s *schema.Schema, coords ...int64) []byte {
	return s.EncodeSubarray(&schema.Subarray{ILo: coords, IHi: coords})
}

// writeDenseFull commits one fragment covering the whole 4x4 grid with
// vals[g] at global cell position g.
func writeDenseFull(t *testing.T, env Env, dir string, sch *schema.Schema, vals []int32) {
	t.Helper()
	ws, err := NewWriteSession(env, dir, sch, []string{"v"}, nil, false)
	require.NoError(t, err)
	buf := packInt32s(vals...)
	require.NoError(t, ws.Write([][]byte{buf}, []int{len(buf)}))
	require.NoError(t, ws.Finalize())
}

// writeSparse commits one append fragment; cells must arrive in cell order.
func writeSparse(t *testing.T, env Env, dir string, sch *schema.Schema, coords []int64, vals []int32, tags []string) {
	t.Helper()
	ws, err := NewWriteSession(env, dir, sch, []string{"v", "tag"}, nil, false)
	require.NoError(t, err)

	var tagBytes []byte
	offs := make([]uint64, len(tags))
	for i, tag := range tags {
		offs[i] = uint64(len(tagBytes))
		tagBytes = append(tagBytes, tag...)
	}
	v := packInt32s(vals...)
	ob := packUint64s(offs...)
	cb := packCoords(sch, coords...)
	require.NoError(t, ws.Write(
		[][]byte{v, ob, tagBytes, cb},
		[]int{len(v), len(ob), len(tagBytes), len(cb)},
	))
	require.NoError(t, ws.Finalize())
}

// readAll drains a session's single int32 attribute, resuming on overflow.
func readAll(t *testing.T, sess *ReadSession, bufCells int) []int32 {
	t.Helper()
	buf := make([]byte, bufCells*4)
	var out []int32
	for {
		sizes := []int{len(buf)}
		require.NoError(t, sess.Read([][]byte{buf}, sizes))
		out = append(out, unpackInt32s(buf[:sizes[0]])...)
		over, err := sess.Overflow(0)
		require.NoError(t, err)
		if !over {
			break
		}
	}
	assert.True(t, sess.Done())
	return out
}

func TestDenseReadFullAndSubarray(t *testing.T) {
	env := testEnv()
	dir := t.TempDir()
	sch := denseSchema(t)

	vals := make([]int32, 16)
	for i := range vals {
		vals[i] = int32(i)
	}
	writeDenseFull(t, env, dir, sch, vals)

	sess, err := NewReadSession(env, dir, sch, []string{"v"}, nil)
	require.NoError(t, err)
	defer sess.Finalize()

	assert.Equal(t, 16, sess.Total())
	assert.Equal(t, vals, readAll(t, sess, 16))

	// The middle 2x2 block crosses all four space tiles.
	sub := sch.EncodeSubarray(&schema.Subarray{ILo: []int64{1, 1}, IHi: []int64{2, 2}})
	require.NoError(t, sess.ResetSubarray(sub))
	assert.Equal(t, []int32{3, 6, 9, 12}, readAll(t, sess, 4))
}

func TestDenseFillValues(t *testing.T) {
	env := testEnv()
	dir := t.TempDir()
	sch := denseSchema(t)

	// One fragment covering only the top-left tile.
	region := sch.EncodeSubarray(&schema.Subarray{ILo: []int64{0, 0}, IHi: []int64{1, 1}})
	ws, err := NewWriteSession(env, dir, sch, []string{"v"}, region, false)
	require.NoError(t, err)
	buf := packInt32s(1, 2, 3, 4)
	require.NoError(t, ws.Write([][]byte{buf}, []int{len(buf)}))
	require.NoError(t, ws.Finalize())

	sess, err := NewReadSession(env, dir, sch, []string{"v"}, nil)
	require.NoError(t, err)
	defer sess.Finalize()

	got := readAll(t, sess, 16)
	fill := int32(math.MinInt32)
	want := []int32{1, 2, 3, 4}
	for i := 0; i < 12; i++ {
		want = append(want, fill)
	}
	assert.Equal(t, want, got)
}

func TestDenseOverflowResumesExactly(t *testing.T) {
	env := testEnv()
	dir := t.TempDir()
	sch := denseSchema(t)

	vals := make([]int32, 16)
	for i := range vals {
		vals[i] = int32(i * 7)
	}
	writeDenseFull(t, env, dir, sch, vals)

	sess, err := NewReadSession(env, dir, sch, []string{"v"}, nil)
	require.NoError(t, err)
	defer sess.Finalize()

	// Three cells per round: 16 cells need 6 rounds, the last one partial.
	buf := make([]byte, 3*4)
	var got []int32
	rounds := 0
	for {
		sizes := []int{len(buf)}
		require.NoError(t, sess.Read([][]byte{buf}, sizes))
		got = append(got, unpackInt32s(buf[:sizes[0]])...)
		rounds++
		over, err := sess.Overflow(0)
		require.NoError(t, err)
		if !over {
			break
		}
	}
	assert.Equal(t, 6, rounds)
	assert.Equal(t, vals, got)
}

func TestSparseRecencyMerge(t *testing.T) {
	env := testEnv()
	dir := t.TempDir()
	sch := sparseSchema(t)

	writeSparse(t, env, dir, sch, []int64{1, 1, 2, 2}, []int32{10, 20}, []string{"old", "old"})
	writeSparse(t, env, dir, sch, []int64{2, 2, 5, 5}, []int32{99, 30}, []string{"new", "new"})

	sess, err := NewReadSession(env, dir, sch, []string{"v"}, nil)
	require.NoError(t, err)
	defer sess.Finalize()

	// Union of both fragments; (2,2) resolves to the newer write.
	assert.Equal(t, 3, sess.Total())
	assert.Equal(t, []int32{10, 99, 30}, readAll(t, sess, 8))
}

func TestSparseVarAttributeResume(t *testing.T) {
	env := testEnv()
	dir := t.TempDir()
	sch := sparseSchema(t)

	writeSparse(t, env, dir, sch,
		[]int64{0, 0, 1, 1, 2, 2, 3, 3},
		[]int32{1, 2, 3, 4},
		[]string{"aa", "bbbb", "c", "dddddd"})

	sess, err := NewReadSession(env, dir, sch, []string{"tag"}, nil)
	require.NoError(t, err)
	defer sess.Finalize()

	// The values buffer holds at most 8 bytes, so delivery splits wherever
	// the next tag would not fit; offsets rebase to each round.
	offBuf := make([]byte, 8*8)
	valBuf := make([]byte, 8)
	var tags []string
	for {
		sizes := []int{len(offBuf), len(valBuf)}
		require.NoError(t, sess.Read([][]byte{offBuf, valBuf}, sizes))
		nCells := sizes[0] / 8
		for i := 0; i < nCells; i++ {
			start := binary.LittleEndian.Uint64(offBuf[i*8:])
			end := uint64(sizes[1])
			if i+1 < nCells {
				end = binary.LittleEndian.Uint64(offBuf[(i+1)*8:])
			}
			tags = append(tags, string(valBuf[start:end]))
		}
		over, err := sess.Overflow(0)
		require.NoError(t, err)
		if !over {
			break
		}
	}
	assert.Equal(t, []string{"aa", "bbbb", "c", "dddddd"}, tags)
}

func TestUnsortedWriteThenSortedRead(t *testing.T) {
	env := testEnv()
	dir := t.TempDir()
	sch := sparseSchema(t)

	ws, err := NewWriteSession(env, dir, sch, []string{"v", "tag"}, nil, true)
	require.NoError(t, err)

	// Reverse cell order on input; every Write is its own fragment.
	coords := packCoords(sch, 9, 9, 5, 5, 0, 0)
	v := packInt32s(3, 2, 1)
	offs := packUint64s(0, 1, 2)
	tags := []byte("cba")
	require.NoError(t, ws.Write(
		[][]byte{v, offs, tags, coords},
		[]int{len(v), len(offs), len(tags), len(coords)},
	))
	require.Len(t, ws.Committed(), 1)
	require.NoError(t, ws.Finalize())

	sess, err := NewReadSession(env, dir, sch, []string{"v"}, nil)
	require.NoError(t, err)
	defer sess.Finalize()
	assert.Equal(t, []int32{1, 2, 3}, readAll(t, sess, 8))
}

func TestDenseUnsortedUpdateShadows(t *testing.T) {
	env := testEnv()
	dir := t.TempDir()
	sch := denseSchema(t)

	vals := make([]int32, 16)
	writeDenseFull(t, env, dir, sch, vals)

	// A point update on a dense array lands as a coordinate-explicit
	// fragment and must shadow the dense cell underneath.
	ws, err := NewWriteSession(env, dir, sch, []string{"v"}, nil, true)
	require.NoError(t, err)
	coords := packCoords(sch, 1, 1)
	v := packInt32s(777)
	require.NoError(t, ws.Write([][]byte{v, coords}, []int{len(v), len(coords)}))
	require.NoError(t, ws.Finalize())

	sess, err := NewReadSession(env, dir, sch, []string{"v"}, point(sch, 1, 1))
	require.NoError(t, err)
	defer sess.Finalize()
	assert.Equal(t, []int32{777}, readAll(t, sess, 1))

	// The neighbors still come from the dense fragment.
	require.NoError(t, sess.ResetSubarray(point(sch, 1, 0)))
	assert.Equal(t, []int32{0}, readAll(t, sess, 1))
}

// Several update fragments over one dense base: colliding coordinates take
// the newest value, the rest of each update survives, untouched cells keep
// the base value.
func TestDenseStackedUpdates(t *testing.T) {
	env := testEnv()
	dir := t.TempDir()
	sch := denseSchema(t)

	vals := make([]int32, 16)
	writeDenseFull(t, env, dir, sch, vals)

	update := func(coords []int64, vs []int32) {
		ws, err := NewWriteSession(env, dir, sch, []string{"v"}, nil, true)
		require.NoError(t, err)
		cb := packCoords(sch, coords...)
		vb := packInt32s(vs...)
		require.NoError(t, ws.Write([][]byte{vb, cb}, []int{len(vb), len(cb)}))
		require.NoError(t, ws.Finalize())
	}
	update([]int64{0, 0, 0, 1, 3, 3}, []int32{10, 11, 12})
	update([]int64{0, 1, 2, 2}, []int32{21, 22})

	sess, err := NewReadSession(env, dir, sch, []string{"v"}, nil)
	require.NoError(t, err)
	defer sess.Finalize()

	// Global order: tiles row-major, 2x2 cells row-major within each.
	want := []int32{
		10, 21, 0, 0, // tile (0,0): (0,0)=10, (0,1) second update wins
		0, 0, 0, 0, // tile (0,1)
		0, 0, 0, 0, // tile (1,0)
		22, 0, 0, 12, // tile (1,1): (2,2)=22, (3,3)=12
	}
	assert.Equal(t, want, readAll(t, sess, 16))
}

func TestResetAttributesRestartsCursors(t *testing.T) {
	env := testEnv()
	dir := t.TempDir()
	sch := sparseSchema(t)

	writeSparse(t, env, dir, sch, []int64{0, 0, 1, 1}, []int32{5, 6}, []string{"x", "y"})

	sess, err := NewReadSession(env, dir, sch, []string{"v"}, nil)
	require.NoError(t, err)
	defer sess.Finalize()

	assert.Equal(t, []int32{5, 6}, readAll(t, sess, 8))
	assert.True(t, sess.Done())

	require.NoError(t, sess.ResetAttributes([]string{"v"}))
	assert.False(t, sess.Done())
	assert.Equal(t, []int32{5, 6}, readAll(t, sess, 8))
}

func TestDenseReadRejectsCoords(t *testing.T) {
	env := testEnv()
	dir := t.TempDir()
	sch := denseSchema(t)
	writeDenseFull(t, env, dir, sch, make([]int32, 16))

	_, err := NewReadSession(env, dir, sch, []string{"v", schema.CoordsName}, nil)
	require.ErrorIs(t, err, fragment.ErrRequest)
}

func TestIteratorMatchesRead(t *testing.T) {
	env := testEnv()
	dir := t.TempDir()
	sch := sparseSchema(t)

	coords := []int64{0, 0, 1, 1, 2, 2, 3, 3, 4, 4, 5, 5}
	writeSparse(t, env, dir, sch, coords,
		[]int32{1, 2, 3, 4, 5, 6},
		[]string{"a", "bb", "ccc", "d", "ee", "f"})

	sess, err := NewReadSession(env, dir, sch, []string{"v", "tag"}, nil)
	require.NoError(t, err)

	// Two cells per window to force rolling and prefetch.
	it, err := NewIterator(sess, nil, []int{2 * 4, 2 * 8, 8})
	require.NoError(t, err)

	var vs []int32
	var tags []string
	for !it.End() {
		v, err := it.Value(0)
		require.NoError(t, err)
		vs = append(vs, unpackInt32s(v)...)
		tag, err := it.Value(1)
		require.NoError(t, err)
		tags = append(tags, string(tag))
		require.NoError(t, it.Next())
	}
	require.NoError(t, it.Finalize())

	assert.Equal(t, []int32{1, 2, 3, 4, 5, 6}, vs)
	assert.Equal(t, []string{"a", "bb", "ccc", "d", "ee", "f"}, tags)
}

func TestConsolidateSparse(t *testing.T) {
	env := testEnv()
	dir := t.TempDir()
	sch := sparseSchema(t)

	writeSparse(t, env, dir, sch, []int64{1, 1, 2, 2}, []int32{10, 20}, []string{"p", "q"})
	writeSparse(t, env, dir, sch, []int64{2, 2, 3, 3}, []int32{99, 30}, []string{"r", "s"})
	writeSparse(t, env, dir, sch, []int64{9, 9}, []int32{40}, []string{"t"})

	before, err := fragment.List(env.FS, dir)
	require.NoError(t, err)
	require.Len(t, before, 3)

	require.NoError(t, Consolidate(context.Background(), env, dir, sch))

	after, err := fragment.List(env.FS, dir)
	require.NoError(t, err)
	require.Len(t, after, 1)
	assert.Equal(t, before[2].TS, after[0].TS)
	assert.Equal(t, before[2].Gen+1, after[0].Gen)

	sess, err := NewReadSession(env, dir, sch, []string{"v"}, nil)
	require.NoError(t, err)
	defer sess.Finalize()
	assert.Equal(t, []int32{10, 99, 30, 40}, readAll(t, sess, 8))
}

func TestConsolidateDenseMaterializesFills(t *testing.T) {
	env := testEnv()
	dir := t.TempDir()
	sch := denseSchema(t)

	region := sch.EncodeSubarray(&schema.Subarray{ILo: []int64{0, 0}, IHi: []int64{1, 1}})
	ws, err := NewWriteSession(env, dir, sch, []string{"v"}, region, false)
	require.NoError(t, err)
	buf := packInt32s(1, 2, 3, 4)
	require.NoError(t, ws.Write([][]byte{buf}, []int{len(buf)}))
	require.NoError(t, ws.Finalize())

	region2 := sch.EncodeSubarray(&schema.Subarray{ILo: []int64{2, 2}, IHi: []int64{3, 3}})
	ws, err = NewWriteSession(env, dir, sch, []string{"v"}, region2, false)
	require.NoError(t, err)
	buf = packInt32s(5, 6, 7, 8)
	require.NoError(t, ws.Write([][]byte{buf}, []int{len(buf)}))
	require.NoError(t, ws.Finalize())

	require.NoError(t, Consolidate(context.Background(), env, dir, sch))

	after, err := fragment.List(env.FS, dir)
	require.NoError(t, err)
	require.Len(t, after, 1)

	sess, err := NewReadSession(env, dir, sch, []string{"v"}, nil)
	require.NoError(t, err)
	defer sess.Finalize()

	fill := int32(math.MinInt32)
	want := []int32{1, 2, 3, 4, fill, fill, fill, fill, fill, fill, fill, fill, 5, 6, 7, 8}
	assert.Equal(t, want, readAll(t, sess, 16))
}

func TestConsolidateSingleFragmentIsNoop(t *testing.T) {
	env := testEnv()
	dir := t.TempDir()
	sch := sparseSchema(t)

	writeSparse(t, env, dir, sch, []int64{1, 1}, []int32{1}, []string{"a"})
	require.NoError(t, Consolidate(context.Background(), env, dir, sch))

	after, err := fragment.List(env.FS, dir)
	require.NoError(t, err)
	require.Len(t, after, 1)
	assert.Equal(t, uint64(0), after[0].Gen)
}

func TestConsolidateConflict(t *testing.T) {
	env := testEnv()
	dir := t.TempDir()
	sch := sparseSchema(t)

	lock, err := flock.TryAcquire(filepath.Join(dir, LockFile))
	require.NoError(t, err)
	defer lock.Release()

	err = Consolidate(context.Background(), env, dir, sch)
	require.ErrorIs(t, err, ErrConsolidationConflict)
}

// A consolidation that dies at the commit rename must leave the original
// fragments and their data untouched.
func TestConsolidateFailureKeepsOriginals(t *testing.T) {
	env := testEnv()
	dir := t.TempDir()
	sch := sparseSchema(t)

	writeSparse(t, env, dir, sch, []int64{1, 1}, []int32{10}, []string{"a"})
	writeSparse(t, env, dir, sch, []int64{2, 2}, []int32{20}, []string{"b"})

	ffs := fs.NewFaultyFS(fs.Default)
	ffs.FailRename("/frag-", nil)
	faultyEnv := env
	faultyEnv.FS = ffs

	require.Error(t, Consolidate(context.Background(), faultyEnv, dir, sch))

	after, err := fragment.List(env.FS, dir)
	require.NoError(t, err)
	require.Len(t, after, 2)

	sess, err := NewReadSession(env, dir, sch, []string{"v"}, nil)
	require.NoError(t, err)
	defer sess.Finalize()
	assert.Equal(t, []int32{10, 20}, readAll(t, sess, 8))
}

func TestMetadataKeyFilter(t *testing.T) {
	env := testEnv()
	dir := t.TempDir()
	sch, err := schema.NewMetadataBuilder("meta").
		Attribute("v", schema.TypeInt32, 1, schema.CompressionLZ4).
		Build()
	require.NoError(t, err)

	ws, err := NewWriteSession(env, dir, sch, []string{"v", schema.KeyName}, nil, true)
	require.NoError(t, err)

	coords := packCoords(sch, 1, 2, 3, 4, 5, 6, 7, 8)
	v := packInt32s(10, 30)
	keys := []byte("alphagamma")
	offs := packUint64s(0, 5)
	require.NoError(t, ws.Write(
		[][]byte{v, offs, keys, coords},
		[]int{len(v), len(offs), len(keys), len(coords)},
	))
	require.NoError(t, ws.Finalize())

	sess, err := NewReadSession(env, dir, sch, []string{"v"}, nil)
	require.NoError(t, err)
	defer sess.Finalize()

	require.NoError(t, sess.ResetKey(point(sch, 1, 2, 3, 4), []byte("alpha")))
	assert.Equal(t, []int32{10}, readAll(t, sess, 4))

	// Same hash cell, different key: a collision miss yields nothing.
	require.NoError(t, sess.ResetKey(point(sch, 1, 2, 3, 4), []byte("omega")))
	assert.Equal(t, 0, sess.Total())
	assert.True(t, sess.Done())
}
