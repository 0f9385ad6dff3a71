package cellulite

import (
	"fmt"
	"sort"
	"strings"
	"testing"

	"github.com/RoaringBitmap/roaring/v2"
	"github.com/cockroachdb/pebble"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/twpayne/go-geom"
	h3 "github.com/uber/h3-go/v4"
)

func newTestDB(t *testing.T) *pebble.DB {
	t.Helper()
	db, err := pebble.Open(t.TempDir(), &pebble.Options{})
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func newTestIndex(t *testing.T, db *pebble.DB, opts ...Option) *Cellulite {
	t.Helper()
	wtxn := db.NewIndexedBatch()
	index, err := CreateFromEnv(db, wtxn, "test", opts...)
	require.NoError(t, err)
	require.NoError(t, wtxn.Commit(pebble.Sync))
	return index
}

func point(lng, lat float64) []byte {
	return []byte(fmt.Sprintf(`{"type":"Point","coordinates":[%v,%v]}`, lng, lat))
}

func rectangle(minLng, maxLng, minLat, maxLat float64) *geom.Polygon {
	return geom.NewPolygon(geom.XY).MustSetCoords([][]geom.Coord{{
		{minLng, minLat},
		{maxLng, minLat},
		{maxLng, maxLat},
		{minLng, maxLat},
		{minLng, minLat},
	}})
}

func rectangleJSON(minLng, maxLng, minLat, maxLat float64) []byte {
	return []byte(fmt.Sprintf(
		`{"type":"Polygon","coordinates":[[[%v,%v],[%v,%v],[%v,%v],[%v,%v],[%v,%v]]]}`,
		minLng, minLat, maxLng, minLat, maxLng, maxLat, minLng, maxLat, minLng, minLat,
	))
}

func addAndBuild(t *testing.T, db *pebble.DB, index *Cellulite, docs map[uint32][]byte) {
	t.Helper()
	wtxn := db.NewIndexedBatch()
	for id, doc := range docs {
		require.NoError(t, index.Add(wtxn, id, doc))
	}
	require.NoError(t, index.Build(wtxn, nil, nil))
	require.NoError(t, wtxn.Commit(pebble.Sync))
}

// snapCells dumps the cells store in a stable textual form.
func snapCells(t *testing.T, db *pebble.DB, index *Cellulite) string {
	t.Helper()
	var sb strings.Builder
	err := index.CellPostings(db, func(cell h3.Cell, belly bool, ids *roaring.Bitmap) bool {
		tag := "normal"
		if belly {
			tag = "belly"
		}
		fmt.Fprintf(&sb, "cell %x res %d %s: %v\n", uint64(cell), cell.Resolution(), tag, ids.ToArray())
		return true
	})
	require.NoError(t, err)
	return sb.String()
}

func TestNbDBs(t *testing.T) {
	assert.Equal(t, 4, NbDBs())
}

func TestCreateFromEnv(t *testing.T) {
	t.Run("FreshIndexWritesMetadata", func(t *testing.T) {
		db := newTestDB(t)
		index := newTestIndex(t, db)

		count, err := index.ItemCount(db)
		require.NoError(t, err)
		assert.Zero(t, count)
	})

	t.Run("ReopenSameVersion", func(t *testing.T) {
		db := newTestDB(t)
		newTestIndex(t, db)

		wtxn := db.NewIndexedBatch()
		_, err := CreateFromEnv(db, wtxn, "test")
		require.NoError(t, err)
		_ = wtxn.Close()
	})

	t.Run("VersionMismatch", func(t *testing.T) {
		db := newTestDB(t)
		index := newTestIndex(t, db)

		// Forge a future schema version.
		require.NoError(t, db.Set(index.layout.Metadata(metaVersion), []byte{99}, pebble.Sync))

		wtxn := db.NewIndexedBatch()
		_, err := CreateFromEnv(db, wtxn, "test")
		var mismatch *ErrVersionMismatch
		require.ErrorAs(t, err, &mismatch)
		assert.Equal(t, byte(99), mismatch.Got)
		assert.Equal(t, schemaVersion, mismatch.Expected)
		_ = wtxn.Close()

		wtxn = db.NewIndexedBatch()
		require.Error(t, index.Build(wtxn, nil, nil))
		_ = wtxn.Close()
	})

	t.Run("DistinctIndexesDoNotCollide", func(t *testing.T) {
		db := newTestDB(t)
		wtxn := db.NewIndexedBatch()
		left, err := CreateFromEnv(db, wtxn, "left")
		require.NoError(t, err)
		right, err := CreateFromEnv(db, wtxn, "right")
		require.NoError(t, err)
		require.NoError(t, left.Add(wtxn, 1, point(2.35, 48.85)))
		require.NoError(t, left.Build(wtxn, nil, nil))
		require.NoError(t, right.Build(wtxn, nil, nil))
		require.NoError(t, wtxn.Commit(pebble.Sync))

		ids, err := right.InShape(db, rectangle(-10, 10, 40, 55))
		require.NoError(t, err)
		assert.True(t, ids.IsEmpty())

		ids, err = left.InShape(db, rectangle(-10, 10, 40, 55))
		require.NoError(t, err)
		assert.Equal(t, []uint32{1}, ids.ToArray())
	})
}

func TestStaging(t *testing.T) {
	t.Run("AddDoesNotTouchCells", func(t *testing.T) {
		db := newTestDB(t)
		index := newTestIndex(t, db)

		wtxn := db.NewIndexedBatch()
		require.NoError(t, index.Add(wtxn, 7, point(2.35, 48.85)))
		require.NoError(t, wtxn.Commit(pebble.Sync))

		assert.Empty(t, snapCells(t, db, index))
	})

	t.Run("ItemIsReadableBeforeBuild", func(t *testing.T) {
		db := newTestDB(t)
		index := newTestIndex(t, db)

		wtxn := db.NewIndexedBatch()
		require.NoError(t, index.Add(wtxn, 7, point(2.35, 48.85)))
		require.NoError(t, wtxn.Commit(pebble.Sync))

		g, err := index.Item(db, 7)
		require.NoError(t, err)
		pt, ok := g.(*geom.Point)
		require.True(t, ok)
		assert.InDelta(t, 2.35, pt.Coords().X(), 1e-9)
		assert.InDelta(t, 48.85, pt.Coords().Y(), 1e-9)

		_, err = index.Item(db, 8)
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("ItemsIteratesInOrder", func(t *testing.T) {
		db := newTestDB(t)
		index := newTestIndex(t, db)

		wtxn := db.NewIndexedBatch()
		for _, id := range []uint32{5, 1, 3} {
			require.NoError(t, index.Add(wtxn, id, point(float64(id), float64(id))))
		}
		require.NoError(t, wtxn.Commit(pebble.Sync))

		var seen []uint32
		require.NoError(t, index.Items(db, func(id uint32, raw []byte) bool {
			seen = append(seen, id)
			return true
		}))
		assert.True(t, sort.SliceIsSorted(seen, func(i, j int) bool { return seen[i] < seen[j] }))
		assert.ElementsMatch(t, []uint32{1, 3, 5}, seen)
	})
}
