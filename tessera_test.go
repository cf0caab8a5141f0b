package tessera_test

import (
	"errors"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tesseradb/tessera"
	"github.com/tesseradb/tessera/fragment"
	"github.com/tesseradb/tessera/internal/fs"
	"github.com/tesseradb/tessera/schema"
)

func newTestContext(t *testing.T) *tessera.Context {
	t.Helper()
	c, err := tessera.New()
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, c.Finalize()) })
	return c
}

// newWorkspace creates a workspace under a fresh temp dir and returns its path.
func newWorkspace(t *testing.T, c *tessera.Context) string {
	t.Helper()
	ws := filepath.Join(t.TempDir(), "ws")
	require.NoError(t, c.CreateWorkspace(ws))
	return ws
}

func gridSchema(t *testing.T) *schema.Schema {
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

func pointsSchema(t *testing.T) *schema.Schema {
	t.Helper()
	s, err := schema.NewBuilder("points").
		Dimension("x", 0, 99).
		Dimension("y", 0, 99).
		Capacity(4).
		Attribute("v", schema.TypeInt32, 1, schema.CompressionZstd).
		Build()
	require.NoError(t, err)
	return s
}

// writeUnsorted commits one fragment of sparse cells in arbitrary order.
func writeUnsorted(t *testing.T, c *tessera.Context, path string, sch *schema.Schema, coords []int64, vals []int32) {
	t.Helper()
	a, err := c.OpenArray(path, tessera.ModeWriteUnsorted, tessera.WithAttributes("v"))
	require.NoError(t, err)
	v := tessera.PackInt32(vals...)
	cb := tessera.PackCoords(sch, coords...)
	require.NoError(t, a.Write([][]byte{v, cb}, []int{len(v), len(cb)}))
	require.NoError(t, a.Finalize())
}

// readAllInt32 drains a single-attribute read handle, resuming on overflow.
func readAllInt32(t *testing.T, a *tessera.Array, bufCells int) []int32 {
	t.Helper()
	buf := make([]byte, bufCells*4)
	var out []int32
	for {
		sizes := []int{len(buf)}
		require.NoError(t, a.Read([][]byte{buf}, sizes))
		out = append(out, tessera.UnpackInt32(buf[:sizes[0]])...)
		over, err := a.Overflow(0)
		require.NoError(t, err)
		if !over {
			return out
		}
	}
}

func TestWorkspaceHierarchy(t *testing.T) {
	c := newTestContext(t)
	ws := newWorkspace(t, c)

	group := filepath.Join(ws, "study")
	require.NoError(t, c.CreateGroup(group))

	arr := filepath.Join(group, "grid")
	require.NoError(t, c.CreateArray(arr, gridSchema(t)))

	meta := filepath.Join(arr, "labels")
	ms, err := schema.NewMetadataBuilder("labels").
		Attribute("n", schema.TypeInt32, 1, schema.CompressionNone).
		Build()
	require.NoError(t, err)
	require.NoError(t, c.CreateMetadata(meta, ms))

	entries, err := c.List(ws)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, group, entries[0].Path)
	assert.Equal(t, tessera.KindGroup, entries[0].Kind)

	entries, err = c.List(arr)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, tessera.KindMetadata, entries[0].Kind)

	// Groups cannot float outside a workspace.
	err = c.CreateGroup(filepath.Join(t.TempDir(), "orphan"))
	var reqErr *tessera.RequestError
	require.ErrorAs(t, err, &reqErr)

	// A second create on the same path is rejected.
	require.Error(t, c.CreateArray(arr, gridSchema(t)))
}

func TestDenseRoundTrip(t *testing.T) {
	c := newTestContext(t)
	ws := newWorkspace(t, c)
	arr := filepath.Join(ws, "grid")
	sch := gridSchema(t)
	require.NoError(t, c.CreateArray(arr, sch))

	w, err := c.OpenArray(arr, tessera.ModeWrite)
	require.NoError(t, err)
	vals := make([]int32, 16)
	for i := range vals {
		vals[i] = int32(i + 1)
	}
	buf := tessera.PackInt32(vals...)
	require.NoError(t, w.Write([][]byte{buf}, []int{len(buf)}))
	require.NoError(t, w.Finalize())

	// The center 2x2 block straddles all four space tiles.
	r, err := c.OpenArray(arr, tessera.ModeRead,
		tessera.WithSubarray(tessera.Subarray(sch, []int64{1, 1}, []int64{2, 2})))
	require.NoError(t, err)
	// Cells arrive in global order: space tiles row-major, cells within each.
	got := readAllInt32(t, r, 4)
	assert.Equal(t, []int32{4, 7, 10, 13}, got)
	require.NoError(t, r.Finalize())

	// Finalized handles refuse further work.
	err = r.Read([][]byte{buf}, []int{len(buf)})
	assert.ErrorIs(t, err, tessera.ErrFinalized)
}

func TestSparseUnsortedWriteAndOverflow(t *testing.T) {
	c := newTestContext(t)
	ws := newWorkspace(t, c)
	arr := filepath.Join(ws, "points")
	sch := pointsSchema(t)
	require.NoError(t, c.CreateArray(arr, sch))

	writeUnsorted(t, c, arr, sch,
		[]int64{50, 50, 1, 2, 7, 7, 1, 1}, []int32{44, 12, 33, 11})

	r, err := c.OpenArray(arr, tessera.ModeRead, tessera.WithAttributes("v"))
	require.NoError(t, err)
	defer r.Finalize()

	// A one-cell buffer forces a resume on every call.
	got := readAllInt32(t, r, 1)
	assert.Equal(t, []int32{11, 12, 33, 44}, got)
}

func TestArrayShadowing(t *testing.T) {
	c := newTestContext(t)
	ws := newWorkspace(t, c)
	arr := filepath.Join(ws, "points")
	sch := pointsSchema(t)
	require.NoError(t, c.CreateArray(arr, sch))

	writeUnsorted(t, c, arr, sch, []int64{1, 1, 2, 2}, []int32{10, 20})
	writeUnsorted(t, c, arr, sch, []int64{2, 2, 3, 3}, []int32{99, 30})

	r, err := c.OpenArray(arr, tessera.ModeRead, tessera.WithAttributes("v"))
	require.NoError(t, err)
	defer r.Finalize()
	assert.Equal(t, []int32{10, 99, 30}, readAllInt32(t, r, 8))
}

func TestArrayIterator(t *testing.T) {
	c := newTestContext(t)
	ws := newWorkspace(t, c)
	arr := filepath.Join(ws, "points")
	sch := pointsSchema(t)
	require.NoError(t, c.CreateArray(arr, sch))

	writeUnsorted(t, c, arr, sch,
		[]int64{5, 5, 1, 1, 3, 3}, []int32{3, 1, 2})

	r, err := c.OpenArray(arr, tessera.ModeRead, tessera.WithAttributes("v"))
	require.NoError(t, err)
	defer r.Finalize()

	it, err := r.Iterator([][]byte{make([]byte, 8)}, []int{8})
	require.NoError(t, err)
	var got []int32
	for !it.End() {
		cell, err := it.Value(0)
		require.NoError(t, err)
		got = append(got, tessera.UnpackInt32(cell)...)
		require.NoError(t, it.Next())
	}
	require.NoError(t, it.Finalize())
	assert.Equal(t, []int32{1, 2, 3}, got)

	// The iterator runs its own cursor; the handle still reads from the top.
	assert.Equal(t, []int32{1, 2, 3}, readAllInt32(t, r, 8))
}

func TestConsolidateArray(t *testing.T) {
	c := newTestContext(t)
	ws := newWorkspace(t, c)
	arr := filepath.Join(ws, "points")
	sch := pointsSchema(t)
	require.NoError(t, c.CreateArray(arr, sch))

	writeUnsorted(t, c, arr, sch, []int64{1, 1, 2, 2}, []int32{10, 20})
	writeUnsorted(t, c, arr, sch, []int64{2, 2, 4, 4}, []int32{99, 40})

	require.NoError(t, c.ConsolidateArray(arr))

	ids, err := fragment.List(fs.Default, arr)
	require.NoError(t, err)
	require.Len(t, ids, 1)

	r, err := c.OpenArray(arr, tessera.ModeRead, tessera.WithAttributes("v"))
	require.NoError(t, err)
	defer r.Finalize()
	assert.Equal(t, []int32{10, 99, 40}, readAllInt32(t, r, 8))
}

func TestMetadataRoundTrip(t *testing.T) {
	c := newTestContext(t)
	ws := newWorkspace(t, c)
	meta := filepath.Join(ws, "settings")
	ms, err := schema.NewMetadataBuilder("settings").
		Attribute("n", schema.TypeInt32, 1, schema.CompressionNone).
		VarAttribute("s", schema.TypeChar, schema.CompressionGzip).
		Build()
	require.NoError(t, err)
	require.NoError(t, c.CreateMetadata(meta, ms))

	w, err := c.OpenMetadata(meta, tessera.ModeWrite)
	require.NoError(t, err)
	n := tessera.PackInt32(7, 8)
	so, sv := tessera.PackStrings("seven", "eight")
	require.NoError(t, w.Write([]string{"alpha", "beta"},
		[][]byte{n, so, sv}, []int{len(n), len(so), len(sv)}))

	// A later write under the same key shadows the first.
	n2 := tessera.PackInt32(70)
	so2, sv2 := tessera.PackStrings("seventy")
	require.NoError(t, w.Write([]string{"alpha"},
		[][]byte{n2, so2, sv2}, []int{len(n2), len(so2), len(sv2)}))
	require.NoError(t, w.Finalize())

	r, err := c.OpenMetadata(meta, tessera.ModeRead)
	require.NoError(t, err)
	defer r.Finalize()

	nb := make([]byte, 4)
	ob := make([]byte, 8)
	vb := make([]byte, 16)
	read := func(key string) (int32, string, []int) {
		sizes := []int{len(nb), len(ob), len(vb)}
		require.NoError(t, r.Read(key, [][]byte{nb, ob, vb}, sizes))
		if sizes[0] == 0 {
			return 0, "", sizes
		}
		s := tessera.UnpackStrings(ob[:sizes[1]], vb[:sizes[2]])
		return tessera.UnpackInt32(nb[:sizes[0]])[0], s[0], sizes
	}

	nv, sv1, _ := read("alpha")
	assert.Equal(t, int32(70), nv)
	assert.Equal(t, "seventy", sv1)

	nv, sv1, _ = read("beta")
	assert.Equal(t, int32(8), nv)
	assert.Equal(t, "eight", sv1)

	_, _, sizes := read("missing")
	assert.Equal(t, []int{0, 0, 0}, sizes)
}

func TestMetadataIterator(t *testing.T) {
	c := newTestContext(t)
	ws := newWorkspace(t, c)
	meta := filepath.Join(ws, "settings")
	ms, err := schema.NewMetadataBuilder("settings").
		Attribute("n", schema.TypeInt32, 1, schema.CompressionNone).
		Build()
	require.NoError(t, err)
	require.NoError(t, c.CreateMetadata(meta, ms))

	w, err := c.OpenMetadata(meta, tessera.ModeWrite)
	require.NoError(t, err)
	n := tessera.PackInt32(1, 2, 3)
	require.NoError(t, w.Write([]string{"a", "b", "c"}, [][]byte{n}, []int{len(n)}))
	require.NoError(t, w.Finalize())

	// Projecting the key attribute yields the keys alongside the values.
	r, err := c.OpenMetadata(meta, tessera.ModeRead,
		tessera.WithAttributes("n", tessera.Key))
	require.NoError(t, err)
	defer r.Finalize()

	it, err := r.Iterator(
		[][]byte{make([]byte, 16), make([]byte, 32), make([]byte, 32)},
		[]int{16, 32, 32})
	require.NoError(t, err)

	got := map[string]int32{}
	for !it.End() {
		nc, err := it.Value(0)
		require.NoError(t, err)
		kc, err := it.Value(1)
		require.NoError(t, err)
		got[string(kc)] = tessera.UnpackInt32(nc)[0]
		require.NoError(t, it.Next())
	}
	require.NoError(t, it.Finalize())
	assert.Equal(t, map[string]int32{"a": 1, "b": 2, "c": 3}, got)
}

func TestMetadataResetAttributes(t *testing.T) {
	c := newTestContext(t)
	ws := newWorkspace(t, c)
	meta := filepath.Join(ws, "settings")
	ms, err := schema.NewMetadataBuilder("settings").
		Attribute("n", schema.TypeInt32, 1, schema.CompressionNone).
		VarAttribute("s", schema.TypeChar, schema.CompressionGzip).
		Build()
	require.NoError(t, err)
	require.NoError(t, c.CreateMetadata(meta, ms))

	w, err := c.OpenMetadata(meta, tessera.ModeWrite)
	require.NoError(t, err)
	n := tessera.PackInt32(7)
	so, sv := tessera.PackStrings("seven")
	require.NoError(t, w.Write([]string{"alpha"},
		[][]byte{n, so, sv}, []int{len(n), len(so), len(sv)}))
	require.NoError(t, w.Finalize())

	r, err := c.OpenMetadata(meta, tessera.ModeRead)
	require.NoError(t, err)
	defer r.Finalize()

	nb := make([]byte, 4)
	ob := make([]byte, 8)
	vb := make([]byte, 16)
	sizes := []int{len(nb), len(ob), len(vb)}
	require.NoError(t, r.Read("alpha", [][]byte{nb, ob, vb}, sizes))
	require.Equal(t, []int{4, 8, 5}, sizes)

	// Narrow the projection; the same key reads through a single buffer.
	require.NoError(t, r.ResetAttributes("n"))
	sizes = []int{len(nb)}
	require.NoError(t, r.Read("alpha", [][]byte{nb}, sizes))
	require.Equal(t, 4, sizes[0])
	assert.Equal(t, []int32{7}, tessera.UnpackInt32(nb[:sizes[0]]))

	// A write handle has no projection to reset.
	w2, err := c.OpenMetadata(meta, tessera.ModeWrite)
	require.NoError(t, err)
	var reqErr *tessera.RequestError
	require.ErrorAs(t, w2.ResetAttributes("n"), &reqErr)
	require.NoError(t, w2.Finalize())
}

func TestClearDeleteMove(t *testing.T) {
	c := newTestContext(t)
	ws := newWorkspace(t, c)
	sch := pointsSchema(t)

	arr := filepath.Join(ws, "points")
	require.NoError(t, c.CreateArray(arr, sch))
	writeUnsorted(t, c, arr, sch, []int64{1, 1}, []int32{5})

	// Clear drops the fragments but keeps the array readable.
	require.NoError(t, c.Clear(arr))
	ids, err := fragment.List(fs.Default, arr)
	require.NoError(t, err)
	assert.Empty(t, ids)
	r, err := c.OpenArray(arr, tessera.ModeRead, tessera.WithAttributes("v"))
	require.NoError(t, err)
	assert.Empty(t, readAllInt32(t, r, 8))
	require.NoError(t, r.Finalize())

	// Move within the workspace, then delete.
	moved := filepath.Join(ws, "points2")
	require.NoError(t, c.Move(arr, moved))
	_, err = c.OpenArray(arr, tessera.ModeRead)
	assert.ErrorIs(t, err, tessera.ErrNotFound)
	require.NoError(t, c.Delete(moved))
	assert.Error(t, c.Delete(moved))

	// Moving into a plain directory is refused.
	other := filepath.Join(ws, "sub")
	require.NoError(t, c.CreateArray(other, sch))
	err = c.Move(other, filepath.Join(t.TempDir(), "nowhere"))
	var reqErr *tessera.RequestError
	require.ErrorAs(t, err, &reqErr)
}

func TestHandleModeErrors(t *testing.T) {
	c := newTestContext(t)
	ws := newWorkspace(t, c)
	arr := filepath.Join(ws, "grid")
	require.NoError(t, c.CreateArray(arr, gridSchema(t)))

	_, err := c.OpenArray(filepath.Join(ws, "nope"), tessera.ModeRead)
	assert.ErrorIs(t, err, tessera.ErrNotFound)

	// A read call on a write handle is a request error, not an IO error.
	w, err := c.OpenArray(arr, tessera.ModeWrite)
	require.NoError(t, err)
	buf := make([]byte, 4)
	err = w.Read([][]byte{buf}, []int{4})
	var reqErr *tessera.RequestError
	require.ErrorAs(t, err, &reqErr)
	var ioErr *tessera.IOError
	assert.False(t, errors.As(err, &ioErr))
	require.NoError(t, w.Finalize())

	// Opening an array path as metadata is refused.
	_, err = c.OpenMetadata(arr, tessera.ModeRead)
	require.ErrorAs(t, err, &reqErr)
}

func TestContextFinalizeClosesHandles(t *testing.T) {
	c, err := tessera.New(tessera.WithMetricsCollector(tessera.NewBasicMetricsCollector()))
	require.NoError(t, err)
	ws := filepath.Join(t.TempDir(), "ws")
	require.NoError(t, c.CreateWorkspace(ws))
	arr := filepath.Join(ws, "grid")
	sch := gridSchema(t)
	require.NoError(t, c.CreateArray(arr, sch))

	w, err := c.OpenArray(arr, tessera.ModeWrite)
	require.NoError(t, err)
	vals := make([]int32, 16)
	buf := tessera.PackInt32(vals...)
	require.NoError(t, w.Write([][]byte{buf}, []int{len(buf)}))

	// Finalizing the context commits the pending write and closes the handle.
	require.NoError(t, c.Finalize())
	err = w.Write([][]byte{buf}, []int{len(buf)})
	assert.ErrorIs(t, err, tessera.ErrFinalized)
	assert.ErrorIs(t, c.CreateGroup(filepath.Join(ws, "g")), tessera.ErrFinalized)
}
