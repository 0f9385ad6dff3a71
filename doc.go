// Package cellulite provides an embedded geospatial index for GeoJSON
// geometries over an H3 hexagonal grid.
//
// The index maps 32-bit document ids to geometries (points, multipoints,
// lines, polygons, multipolygons, one-level collections) and answers one
// family of queries: which documents intersect or are contained by a query
// polygon.
//
// Shapes are partitioned hierarchically: every document is posted to the
// resolution-0 cells it touches, and any cell whose posting grows past a
// threshold is split into its children. A cell entirely contained inside a
// document is recorded once as a "belly" cell and never split further: any
// query overlapping it matches every document in its posting without a
// geometric check.
//
// Storage is a pebble keyspace owned by the caller. Every operation takes an
// externally provided transaction — an indexed *pebble.Batch for writes, any
// pebble.Reader for queries — and the engine never commits:
//
//	db, _ := pebble.Open(path, &pebble.Options{})
//	wtxn := db.NewIndexedBatch()
//	index, err := cellulite.CreateFromEnv(db, wtxn, "parcels")
//	if err != nil {
//	    panic(err)
//	}
//
// Insertions and deletions are staged, then materialized in batch:
//
//	_ = index.Add(wtxn, 0, []byte(`{"type":"Point","coordinates":[2.29,48.85]}`))
//	_ = index.Delete(wtxn, 42)
//	err = index.Build(wtxn, nil, nil)
//	if err != nil {
//	    panic(err)
//	}
//	_ = wtxn.Commit(pebble.Sync)
//
// Queries run against any snapshot:
//
//	ids, err := index.InShape(db, polygon)
//	ids, err = index.InCircle(db, geom.Coord{2.35, 48.85}, 5000, 16)
//
// Build is synchronous and may run for minutes on millions of shapes; it is
// made cancellable through a probe checked at every phase boundary and every
// per-cell iteration, and observable through a ProgressReporter. Concurrency
// follows the store's single-writer, many-readers discipline: readers see
// either the pre-build or the post-build state, never a mix.
package cellulite
