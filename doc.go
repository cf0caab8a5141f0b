// Package tessera is an embedded storage engine for dense and sparse
// multi-dimensional arrays. Arrays live in ordinary directories; every write
// session commits one immutable fragment, reads merge all fragments by
// recency, and consolidation folds a fragment pile back into one.
//
// The top-level Context mirrors a C-style handle API: open an array in a
// mode, exchange cells through caller-owned buffers, finalize the handle.
// Reads never fail on small buffers; they deliver what fits, raise a
// per-attribute overflow flag and resume exactly where they stopped.
//
//	ctx, _ := tessera.New()
//	defer ctx.Finalize()
//
//	ctx.CreateWorkspace("/data/ws")
//	sch, _ := schema.NewBuilder("grid").
//		Dimension("row", 0, 99).
//		Dimension("col", 0, 99).
//		TileExtents(10, 10).
//		Attribute("v", schema.TypeInt32, 1, schema.CompressionZstd).
//		Build()
//	ctx.CreateArray("/data/ws/grid", sch)
//
//	a, _ := ctx.OpenArray("/data/ws/grid", tessera.ModeWrite)
//	a.Write(buffers, sizes)
//	a.Finalize()
//
// Key-value metadata rides on the same machinery: keys hash to coordinates
// in a sparse array of four int32 dimensions, values are ordinary
// attributes.
package tessera
