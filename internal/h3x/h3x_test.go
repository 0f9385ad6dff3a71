package h3x

import (
	"testing"

	"github.com/golang/geo/s2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/twpayne/go-geom"
	h3 "github.com/uber/h3-go/v4"
)

func mustPolygon(t *testing.T, rings [][]geom.Coord) *geom.Polygon {
	t.Helper()
	return geom.NewPolygon(geom.XY).MustSetCoords(rings)
}

func rectangle(t *testing.T, minLng, maxLng, minLat, maxLat float64) *geom.Polygon {
	t.Helper()
	return mustPolygon(t, [][]geom.Coord{{
		{minLng, minLat},
		{maxLng, minLat},
		{maxLng, maxLat},
		{minLng, maxLat},
		{minLng, minLat},
	}})
}

func TestCompile(t *testing.T) {
	t.Run("RejectsNestedCollections", func(t *testing.T) {
		inner := geom.NewGeometryCollection()
		require.NoError(t, inner.Push(geom.NewPointFlat(geom.XY, []float64{1, 2})))
		outer := geom.NewGeometryCollection()
		require.NoError(t, outer.Push(inner))

		_, err := Compile(outer)
		require.Error(t, err)
	})

	t.Run("RejectsSelfIntersectingRing", func(t *testing.T) {
		bowtie := mustPolygon(t, [][]geom.Coord{{
			{0, 0}, {1, 1}, {1, 0}, {0, 1}, {0, 0},
		}})
		_, err := Compile(bowtie)
		require.Error(t, err)
	})

	t.Run("WindingDoesNotMatter", func(t *testing.T) {
		ccw := rectangle(t, 0, 1, 0, 1)
		cw := mustPolygon(t, [][]geom.Coord{{
			{0, 0}, {0, 1}, {1, 1}, {1, 0}, {0, 0},
		}})

		inside, err := Compile(geom.NewPointFlat(geom.XY, []float64{0.5, 0.5}))
		require.NoError(t, err)

		for _, polygon := range []*geom.Polygon{ccw, cw} {
			shape, err := Compile(polygon)
			require.NoError(t, err)
			assert.True(t, shape.IntersectsShape(inside))
		}
	})
}

func TestRelationToPolygon(t *testing.T) {
	cell, err := CellFromLatLng(s2.LatLngFromDegrees(48.85, 2.35), 7)
	require.NoError(t, err)
	cellPoly, err := CellPolygon(cell)
	require.NoError(t, err)

	t.Run("BigPolygonContainsSmallCell", func(t *testing.T) {
		shape, err := Compile(rectangle(t, -4, 8, 42, 51))
		require.NoError(t, err)
		assert.Equal(t, RelationContains, shape.RelationToPolygon(cellPoly))
	})

	t.Run("PointIntersectsItsCell", func(t *testing.T) {
		shape, err := Compile(geom.NewPointFlat(geom.XY, []float64{2.35, 48.85}))
		require.NoError(t, err)
		assert.Equal(t, RelationIntersects, shape.RelationToPolygon(cellPoly))
	})

	t.Run("FarAwayIsDisjoint", func(t *testing.T) {
		shape, err := Compile(geom.NewPointFlat(geom.XY, []float64{-118, 34}))
		require.NoError(t, err)
		assert.Equal(t, RelationDisjoint, shape.RelationToPolygon(cellPoly))
	})

	t.Run("LineCrossingTheCell", func(t *testing.T) {
		line := geom.NewLineStringFlat(geom.XY, []float64{2.0, 48.85, 2.7, 48.85})
		shape, err := Compile(line)
		require.NoError(t, err)
		assert.Equal(t, RelationIntersects, shape.RelationToPolygon(cellPoly))
	})
}

func TestCover(t *testing.T) {
	t.Run("PointCoversOneCell", func(t *testing.T) {
		shape, err := Compile(geom.NewPointFlat(geom.XY, []float64{2.35, 48.85}))
		require.NoError(t, err)
		normal, belly, err := shape.Cover(0)
		require.NoError(t, err)
		assert.Len(t, normal, 1)
		assert.Empty(t, belly)

		want, err := CellFromLatLng(s2.LatLngFromDegrees(48.85, 2.35), 0)
		require.NoError(t, err)
		assert.Equal(t, want, normal[0])
	})

	t.Run("TinyPolygonCoversItsCell", func(t *testing.T) {
		shape, err := Compile(rectangle(t, 2.350, 2.351, 48.850, 48.851))
		require.NoError(t, err)
		normal, belly, err := shape.Cover(0)
		require.NoError(t, err)
		assert.Empty(t, belly)
		require.NotEmpty(t, normal)

		want, err := CellFromLatLng(s2.LatLngFromDegrees(48.8505, 2.3505), 0)
		require.NoError(t, err)
		assert.Contains(t, normal, want)
	})

	t.Run("BigPolygonSwallowsFineCells", func(t *testing.T) {
		shape, err := Compile(rectangle(t, -4, 8, 42, 51))
		require.NoError(t, err)
		normal, belly, err := shape.Cover(4)
		require.NoError(t, err)
		assert.NotEmpty(t, belly)
		assert.NotEmpty(t, normal)

		// The cell under Paris sits deep inside the polygon.
		paris, err := CellFromLatLng(s2.LatLngFromDegrees(48.85, 2.35), 4)
		require.NoError(t, err)
		assert.Contains(t, belly, paris)
	})

	t.Run("LineCoverFollowsTheLine", func(t *testing.T) {
		line := geom.NewLineStringFlat(geom.XY, []float64{2.0, 48.0, 3.0, 49.0})
		shape, err := Compile(line)
		require.NoError(t, err)
		normal, belly, err := shape.Cover(5)
		require.NoError(t, err)
		assert.Empty(t, belly)
		require.NotEmpty(t, normal)

		start, err := CellFromLatLng(s2.LatLngFromDegrees(48.0, 2.0), 5)
		require.NoError(t, err)
		end, err := CellFromLatLng(s2.LatLngFromDegrees(49.0, 3.0), 5)
		require.NoError(t, err)
		assert.Contains(t, normal, start)
		assert.Contains(t, normal, end)
	})
}

func TestChildren(t *testing.T) {
	cell, err := CellFromLatLng(s2.LatLngFromDegrees(48.85, 2.35), 3)
	require.NoError(t, err)

	children, err := Children(cell)
	require.NoError(t, err)
	require.NotEmpty(t, children)
	for _, child := range children {
		assert.Equal(t, 4, child.Resolution())
	}

	// The direct center child is always part of the candidate set.
	center, err := cell.CenterChild(4)
	require.NoError(t, err)
	assert.Contains(t, children, center)
}

func TestChildrenAtMaxResolution(t *testing.T) {
	cell, err := CellFromLatLng(s2.LatLngFromDegrees(48.85, 2.35), MaxResolution)
	require.NoError(t, err)

	children, err := Children(cell)
	require.NoError(t, err)
	assert.Empty(t, children)
}

func TestChildrenCoverTheParent(t *testing.T) {
	parent, err := CellFromLatLng(s2.LatLngFromDegrees(48.85, 2.35), 2)
	require.NoError(t, err)
	children, err := Children(parent)
	require.NoError(t, err)

	// A point anywhere in the parent must land in one of the candidates,
	// including near the corners where direct children leave slivers.
	center, err := parent.LatLng()
	require.NoError(t, err)
	boundary, err := parent.Boundary()
	require.NoError(t, err)
	for _, corner := range boundary {
		lat := center.Lat + 0.99*(corner.Lat-center.Lat)
		lng := center.Lng + 0.99*(corner.Lng-center.Lng)
		inner, err := h3.LatLngToCell(h3.NewLatLng(lat, lng), 3)
		require.NoError(t, err)
		assert.Contains(t, children, inner)
	}
}
