package cellulite

import (
	"fmt"
	"sort"
	"time"

	"github.com/RoaringBitmap/roaring/v2"
	"github.com/cockroachdb/pebble"
	h3 "github.com/uber/h3-go/v4"

	"github.com/meilisearch/cellulite/internal/h3x"
	"github.com/meilisearch/cellulite/internal/keys"
)

// frozenItems is the pre-materialized items store: every geometry decoded
// and compiled once, so the descent can read shapes freely while the batch
// rewrites cell postings. Owned by a single Build call.
type frozenItems map[uint32]*h3x.Shape

func (f frozenItems) get(id uint32) (*h3x.Shape, error) {
	shape, ok := f[id]
	if !ok {
		return nil, fmt.Errorf("%w: document `%d` missing from the frozen items", ErrInternalConsistency, id)
	}
	return shape, nil
}

// splitTask is one work-queue entry of the recursive descent: a cell and the
// ids that were newly routed into it at this build.
type splitTask struct {
	cell     h3.Cell
	incoming *roaring.Bitmap
}

// Build materializes the cell postings from the staged updates.
//
// Indexing runs in five phases inside the caller's batch: drain the staged
// updates, purge deleted and re-added ids from the postings, seed the
// resolution-0 cover of every upsert, split the cells that grew past the
// threshold level by level, then clear the updates store and refresh the
// metadata. The cancel probe is consulted at every phase boundary and every
// per-cell iteration; on cancellation the batch must be dropped uncommitted
// by the caller.
func (c *Cellulite) Build(wtxn *pebble.Batch, cancel func() bool, progress ProgressReporter) error {
	if cancel == nil {
		cancel = func() bool { return false }
	}
	if progress == nil {
		progress = NoopProgress{}
	}
	progress = loggingProgress{ProgressReporter: progress, logger: c.logger}
	start := time.Now()

	version, err := c.version(wtxn)
	if err != nil {
		return err
	}
	if version != schemaVersion {
		return &ErrVersionMismatch{Expected: schemaVersion, Got: version}
	}

	upserts, deletes, err := c.retrieveUpdatedItems(wtxn, cancel, progress)
	if err != nil {
		return err
	}

	if err := c.removeDeletedItems(wtxn, cancel, progress, upserts, deletes); err != nil {
		return err
	}

	frozen, err := c.freezeItems(wtxn, cancel)
	if err != nil {
		return err
	}

	seeded, err := c.insertItemsAtLevelZero(wtxn, cancel, progress, upserts, frozen)
	if err != nil {
		return err
	}

	if err := c.insertItemsRecursively(wtxn, cancel, progress, seeded, frozen); err != nil {
		return err
	}

	if err := c.clearAndUpdateMetadata(wtxn, cancel, progress, uint64(len(frozen))); err != nil {
		return err
	}

	c.logger.LogBuild(upserts.GetCardinality(), deletes.GetCardinality(), time.Since(start), nil)
	return nil
}

// retrieveUpdatedItems drains the updates store into the set of ids to
// (re)index and the set of ids to purge.
func (c *Cellulite) retrieveUpdatedItems(wtxn *pebble.Batch, cancel func() bool, progress ProgressReporter) (upserts, deletes *roaring.Bitmap, err error) {
	done := stepTimer(progress, BuildStepRetrieveUpdatedItems)
	defer done()

	upserts, deletes = roaring.New(), roaring.New()
	lo, hi := c.layout.Bounds(keys.StoreUpdates)
	err = c.scan(wtxn, lo, hi, func(k, v []byte) (bool, error) {
		if cancel() {
			return false, ErrCancelled
		}
		id := c.layout.ItemID(k)
		if v[0] == keys.UpdateDelete {
			deletes.Add(id)
		} else {
			upserts.Add(id)
		}
		return true, nil
	})
	if err != nil {
		return nil, nil, err
	}
	return upserts, deletes, nil
}

// removeDeletedItems purges ids from the index before re-insertion: deleted
// ids lose their stored geometry, and both deleted and re-added ids are
// stripped from every posting, because the seed phase treats every upsert as
// a brand-new insertion. Postings that become empty are dropped.
func (c *Cellulite) removeDeletedItems(wtxn *pebble.Batch, cancel func() bool, progress ProgressReporter, upserts, deletes *roaring.Bitmap) error {
	done := stepTimer(progress, BuildStepRemoveDeletedItems)
	defer done()

	it := deletes.Iterator()
	for it.HasNext() {
		if cancel() {
			return ErrCancelled
		}
		if err := wtxn.Delete(c.layout.Item(it.Next()), nil); err != nil {
			return err
		}
	}

	purge := deletes.Clone()
	purge.Or(upserts)
	if purge.IsEmpty() {
		return nil
	}

	// Mutations are buffered until the scan is over: a batch must not be
	// written to while one of its iterators is open.
	type rewrite struct {
		key   []byte
		value []byte // nil removes the posting
	}
	var rewrites []rewrite

	lo, hi := c.layout.Bounds(keys.StoreCells)
	err := c.scan(wtxn, lo, hi, func(k, v []byte) (bool, error) {
		if cancel() {
			return false, ErrCancelled
		}
		bitmap := roaring.New()
		if err := bitmap.UnmarshalBinary(v); err != nil {
			return false, err
		}
		before := bitmap.GetCardinality()
		bitmap.AndNot(purge)
		if bitmap.GetCardinality() == before {
			return true, nil
		}
		key := append([]byte(nil), k...)
		if bitmap.IsEmpty() {
			rewrites = append(rewrites, rewrite{key: key})
			return true, nil
		}
		value, err := bitmap.MarshalBinary()
		if err != nil {
			return false, err
		}
		rewrites = append(rewrites, rewrite{key: key, value: value})
		return true, nil
	})
	if err != nil {
		return err
	}

	for _, rw := range rewrites {
		if cancel() {
			return ErrCancelled
		}
		if rw.value == nil {
			err = wtxn.Delete(rw.key, nil)
		} else {
			err = wtxn.Set(rw.key, rw.value, nil)
		}
		if err != nil {
			return err
		}
	}
	return nil
}

// freezeItems decodes and compiles every stored geometry into memory. The
// descent re-partitions postings that may reference any previously indexed
// document, so the whole store is frozen, not just the upserts.
func (c *Cellulite) freezeItems(wtxn *pebble.Batch, cancel func() bool) (frozenItems, error) {
	frozen := make(frozenItems)
	lo, hi := c.layout.Bounds(keys.StoreItems)
	err := c.scan(wtxn, lo, hi, func(k, v []byte) (bool, error) {
		if cancel() {
			return false, ErrCancelled
		}
		id := c.layout.ItemID(k)
		g, err := decodeGeometry(c.codec, v)
		if err != nil {
			return false, itemError(id, err)
		}
		shape, err := h3x.Compile(g)
		if err != nil {
			return false, itemError(id, err)
		}
		frozen[id] = shape
		return true, nil
	})
	if err != nil {
		return nil, err
	}
	return frozen, nil
}

// insertItemsAtLevelZero seeds the resolution-0 cover of every upsert: the
// whole earth is 122 cells at that resolution, so every insert touches a
// handful of postings. Cells fully contained in a shape go straight to the
// belly posting and are never revisited. Returns the normal-tag seed
// buckets, which are the starting tasks of the descent.
func (c *Cellulite) insertItemsAtLevelZero(wtxn *pebble.Batch, cancel func() bool, progress ProgressReporter, upserts *roaring.Bitmap, frozen frozenItems) (map[h3.Cell]*roaring.Bitmap, error) {
	done := stepTimer(progress, BuildStepInsertItemsAtLevelZero)
	defer done()

	seeded := make(map[h3.Cell]*roaring.Bitmap)
	belly := make(map[h3.Cell]*roaring.Bitmap)

	it := upserts.Iterator()
	for it.HasNext() {
		if cancel() {
			return nil, ErrCancelled
		}
		id := it.Next()
		shape, err := frozen.get(id)
		if err != nil {
			return nil, err
		}
		normalCells, bellyCells, err := shape.Cover(0)
		if err != nil {
			return nil, itemError(id, err)
		}
		for _, cell := range normalCells {
			bucket, ok := seeded[cell]
			if !ok {
				bucket = roaring.New()
				seeded[cell] = bucket
			}
			bucket.Add(id)
		}
		for _, cell := range bellyCells {
			bucket, ok := belly[cell]
			if !ok {
				bucket = roaring.New()
				belly[cell] = bucket
			}
			bucket.Add(id)
		}
	}

	if err := c.mergePostings(wtxn, cancel, seeded, keys.TagNormal); err != nil {
		return nil, err
	}
	if err := c.mergePostings(wtxn, cancel, belly, keys.TagBelly); err != nil {
		return nil, err
	}
	return seeded, nil
}

// mergePostings ORs each bucket into its stored posting, in cell order.
func (c *Cellulite) mergePostings(wtxn *pebble.Batch, cancel func() bool, buckets map[h3.Cell]*roaring.Bitmap, tag byte) error {
	for _, cell := range sortedBucketCells(buckets) {
		if cancel() {
			return ErrCancelled
		}
		key := c.layout.Cell(uint64(cell), tag)
		bitmap, err := c.getBitmap(wtxn, key)
		if err != nil {
			return err
		}
		if bitmap == nil {
			bitmap = roaring.New()
		}
		bitmap.Or(buckets[cell])
		if err := c.putBitmap(wtxn, key, bitmap); err != nil {
			return err
		}
	}
	return nil
}

// insertItemsRecursively runs the descent as an explicit work queue, one
// resolution at a time, so the depth is bounded by the grid rather than the
// stack. A task's cell is split when its posting exceeds the threshold: the
// union of resident and incoming ids is re-partitioned over the children,
// ids containing a child's hexagon are promoted to that child's belly
// posting, and the splitting cell keeps no normal posting.
func (c *Cellulite) insertItemsRecursively(wtxn *pebble.Batch, cancel func() bool, progress ProgressReporter, seeded map[h3.Cell]*roaring.Bitmap, frozen frozenItems) error {
	done := stepTimer(progress, BuildStepInsertItemsRecursively)
	defer done()

	level := make([]splitTask, 0, len(seeded))
	for _, cell := range sortedBucketCells(seeded) {
		level = append(level, splitTask{cell: cell, incoming: seeded[cell]})
	}

	for res := 0; res <= h3x.MaxResolution && len(level) > 0; res++ {
		if cancel() {
			return ErrCancelled
		}
		next, err := c.splitLevel(wtxn, cancel, progress, level, res, frozen)
		if err != nil {
			return err
		}
		level = next
	}
	return nil
}

func (c *Cellulite) splitLevel(wtxn *pebble.Batch, cancel func() bool, progress ProgressReporter, level []splitTask, res int, frozen frozenItems) ([]splitTask, error) {
	done := stepTimer(progress, fmt.Sprintf("resolution %d", res))
	defer done()

	var next []splitTask
	for _, task := range level {
		if cancel() {
			return nil, ErrCancelled
		}
		tasks, err := c.splitCell(wtxn, cancel, task, res, frozen)
		if err != nil {
			return nil, err
		}
		next = append(next, tasks...)
	}
	return next, nil
}

func (c *Cellulite) splitCell(wtxn *pebble.Batch, cancel func() bool, task splitTask, res int, frozen frozenItems) ([]splitTask, error) {
	cellKey := c.layout.Cell(uint64(task.cell), keys.TagNormal)
	full, err := c.getBitmap(wtxn, cellKey)
	if err != nil {
		return nil, err
	}
	if full == nil {
		full = roaring.New()
	}
	if full.GetCardinality() <= c.threshold || res == h3x.MaxResolution {
		return nil, nil
	}

	// Residents were assigned when this cell was a leaf; they must be
	// re-partitioned alongside the incoming ids.
	union := full.Clone()
	union.Or(task.incoming)

	if err := wtxn.Delete(cellKey, nil); err != nil {
		return nil, err
	}

	children, err := h3x.Children(task.cell)
	if err != nil {
		return nil, err
	}

	bellyBuckets := make(map[h3.Cell]*roaring.Bitmap)
	normalBuckets := make(map[h3.Cell]*roaring.Bitmap)
	for _, child := range children {
		if cancel() {
			return nil, ErrCancelled
		}
		childPoly, err := h3x.CellPolygon(child)
		if err != nil {
			return nil, err
		}
		it := union.Iterator()
		for it.HasNext() {
			id := it.Next()
			shape, err := frozen.get(id)
			if err != nil {
				return nil, err
			}
			switch shape.RelationToPolygon(childPoly) {
			case h3x.RelationContains:
				bucket, ok := bellyBuckets[child]
				if !ok {
					bucket = roaring.New()
					bellyBuckets[child] = bucket
				}
				bucket.Add(id)
			case h3x.RelationIntersects:
				bucket, ok := normalBuckets[child]
				if !ok {
					bucket = roaring.New()
					normalBuckets[child] = bucket
				}
				bucket.Add(id)
			}
		}
	}

	if err := c.mergePostings(wtxn, cancel, bellyBuckets, keys.TagBelly); err != nil {
		return nil, err
	}

	var next []splitTask
	for _, child := range sortedBucketCells(normalBuckets) {
		if cancel() {
			return nil, ErrCancelled
		}
		bucket := normalBuckets[child]
		childKey := c.layout.Cell(uint64(child), keys.TagNormal)
		merged, err := c.getBitmap(wtxn, childKey)
		if err != nil {
			return nil, err
		}
		if merged == nil {
			merged = roaring.New()
		}
		merged.Or(bucket)
		if err := c.putBitmap(wtxn, childKey, merged); err != nil {
			return nil, err
		}
		if merged.GetCardinality() > c.threshold && res+1 < h3x.MaxResolution {
			next = append(next, splitTask{cell: child, incoming: bucket})
		}
	}
	return next, nil
}

// clearAndUpdateMetadata empties the updates store with a single range
// removal and refreshes the metadata. Per-key deletion would pay a tree
// rebalance per staged update; the range clear is why updates live in their
// own store.
func (c *Cellulite) clearAndUpdateMetadata(wtxn *pebble.Batch, cancel func() bool, progress ProgressReporter, itemCount uint64) error {
	if cancel() {
		return ErrCancelled
	}

	doneClear := stepTimer(progress, BuildStepClearUpdatedItems)
	lo, hi := c.layout.Bounds(keys.StoreUpdates)
	if err := wtxn.DeleteRange(lo, hi, nil); err != nil {
		doneClear()
		return err
	}
	doneClear()

	done := stepTimer(progress, BuildStepUpdateTheMetadata)
	defer done()
	if err := c.putCounter(wtxn, metaItems, itemCount); err != nil {
		return err
	}
	if err := c.putCounter(wtxn, metaThreshold, c.threshold); err != nil {
		return err
	}
	return wtxn.Set(c.layout.Metadata(metaVersion), []byte{schemaVersion}, nil)
}

func sortedBucketCells(buckets map[h3.Cell]*roaring.Bitmap) []h3.Cell {
	cells := make([]h3.Cell, 0, len(buckets))
	for cell := range buckets {
		cells = append(cells, cell)
	}
	sort.Slice(cells, func(i, j int) bool { return uint64(cells[i]) < uint64(cells[j]) })
	return cells
}
