package cellulite

import (
	"errors"
	"fmt"
	"math"

	"github.com/RoaringBitmap/roaring/v2"
	"github.com/cockroachdb/pebble"
	"github.com/golang/geo/s2"
	"github.com/twpayne/go-geom"
	h3 "github.com/uber/h3-go/v4"

	"github.com/meilisearch/cellulite/internal/h3x"
	"github.com/meilisearch/cellulite/internal/keys"
)

// Mean earth radius in meters, haversine model.
const earthRadiusMeters = 6371008.8

// Query polygon edges longer than this are densified before covering, so
// that long edges follow the same path for the tiler and the predicates.
const densifyMaxSegmentMeters = 1000.0

// FilteringStep describes how the query walk classified one cell. Exposed
// through InShapeWithInspector for debugging and display tooling.
type FilteringStep int

const (
	// FilteringStepNotPresentInDB: the cell holds no posting and no child.
	FilteringStepNotPresentInDB FilteringStep = iota
	// FilteringStepOutsideOfShape: the cell does not touch the query polygon.
	FilteringStepOutsideOfShape
	// FilteringStepReturned: the cell lies inside the polygon, its postings
	// are validated wholesale.
	FilteringStepReturned
	// FilteringStepRequireDoubleCheck: the cell is a leaf overlapping the
	// polygon edge, its ids await geometric verification.
	FilteringStepRequireDoubleCheck
	// FilteringStepDeepDive: the cell was split at build time, the walk
	// descends into the next resolution.
	FilteringStepDeepDive
)

func (s FilteringStep) String() string {
	switch s {
	case FilteringStepNotPresentInDB:
		return "not present in db"
	case FilteringStepOutsideOfShape:
		return "outside of shape"
	case FilteringStepReturned:
		return "returned"
	case FilteringStepRequireDoubleCheck:
		return "require double check"
	case FilteringStepDeepDive:
		return "deep dive"
	default:
		return "unknown"
	}
}

// InShape returns the ids of every document whose geometry intersects or is
// contained by the polygon.
func (c *Cellulite) InShape(rtxn pebble.Reader, polygon *geom.Polygon) (*roaring.Bitmap, error) {
	return c.InShapeWithInspector(rtxn, polygon, nil)
}

// InShapeWithInspector is InShape with a window into the walk: inspect is
// called once per visited cell with the step that classified it.
//
// The walk starts from the resolution-0 cover of the polygon. Belly postings
// of visited cells are validated immediately: their documents contain the
// whole cell, so they intersect anything overlapping it. Cells lying inside
// the polygon validate their posting wholesale. Cells overlapping the
// polygon edge either descend — when the cell was split at build time,
// detected by probing for children — or defer their posting to a final
// double-check that re-reads the geometries.
func (c *Cellulite) InShapeWithInspector(rtxn pebble.Reader, polygon *geom.Polygon, inspect func(FilteringStep, h3.Cell)) (*roaring.Bitmap, error) {
	if inspect == nil {
		inspect = func(FilteringStep, h3.Cell) {}
	}
	if err := validateRings(polygon.Coords()); err != nil {
		return nil, err
	}

	query, err := h3x.Compile(densifyPolygon(polygon, densifyMaxSegmentMeters))
	if err != nil {
		return nil, err
	}
	queue, err := query.CoverAll(0)
	if err != nil {
		return nil, err
	}

	validated := roaring.New()
	doubleCheck := roaring.New()
	explored := make(map[h3.Cell]struct{}, len(queue))
	tooLarge := false

	for head := 0; head < len(queue); head++ {
		cell := queue[head]
		if _, seen := explored[cell]; seen {
			continue
		}
		explored[cell] = struct{}{}

		belly, err := c.getBitmap(rtxn, c.layout.Cell(uint64(cell), keys.TagBelly))
		if err != nil {
			return nil, err
		}
		normal, err := c.getBitmap(rtxn, c.layout.Cell(uint64(cell), keys.TagNormal))
		if err != nil {
			return nil, err
		}
		split, err := c.hasChildCells(rtxn, cell)
		if err != nil {
			return nil, err
		}
		if belly == nil && normal == nil && !split {
			inspect(FilteringStepNotPresentInDB, cell)
			continue
		}

		cellPoly, err := h3x.CellPolygon(cell)
		if err != nil {
			return nil, err
		}
		relation := query.RelationToPolygon(cellPoly)
		if relation == h3x.RelationDisjoint {
			inspect(FilteringStepOutsideOfShape, cell)
			continue
		}

		// Belly documents contain the whole cell, and the cell touches the
		// polygon, so they are guaranteed matches at any relation.
		if belly != nil {
			validated.Or(belly)
		}

		if relation == h3x.RelationContains {
			inspect(FilteringStepReturned, cell)
			if normal != nil {
				validated.Or(normal)
			}
			if split {
				children, err := h3x.Children(cell)
				if err != nil {
					return nil, err
				}
				queue = append(queue, children...)
			}
			continue
		}

		// The cell overlaps the polygon edge. Leaf postings go to the
		// double-check list; split cells descend. A split cell normally
		// keeps no posting of its own, but any resident ids are deferred
		// too rather than dropped.
		if normal != nil {
			doubleCheck.Or(normal)
		}
		if !split {
			inspect(FilteringStepRequireDoubleCheck, cell)
			continue
		}
		inspect(FilteringStepDeepDive, cell)
		var dive []h3.Cell
		if tooLarge {
			// Covering a huge polygon again at every resolution is
			// quadratic; past a few cells per dive, tile the cell instead.
			dive, err = h3x.Children(cell)
		} else {
			dive, err = query.CoverAll(cell.Resolution() + 1)
		}
		if err != nil {
			return nil, err
		}
		pushed := 0
		for _, child := range dive {
			if _, seen := explored[child]; !seen {
				queue = append(queue, child)
				pushed++
			}
		}
		if pushed > 3 {
			tooLarge = true
		}
	}

	// Overlapping cells may have deferred an id that a contained cell
	// already validated; those are guaranteed matches.
	doubleCheck.AndNot(validated)

	it := doubleCheck.Iterator()
	for it.HasNext() {
		id := it.Next()
		shape, err := c.itemShape(rtxn, id)
		if err != nil {
			return nil, err
		}
		if query.IntersectsShape(shape) {
			validated.Add(id)
		}
	}
	return validated, nil
}

// InCircle returns the ids of every document whose geometry intersects a
// circle, approximated as an nPoints-gon on the sphere. The approximation
// is inscribed: it may miss documents close to the radius but never returns
// one outside it.
func (c *Cellulite) InCircle(rtxn pebble.Reader, center geom.Coord, radiusMeters float64, nPoints int) (*roaring.Bitmap, error) {
	if radiusMeters <= 0 {
		return nil, ErrInvalidRadius
	}
	if nPoints < 3 {
		return nil, ErrInvalidCirclePoints
	}
	if err := validateCoord(center); err != nil {
		return nil, err
	}

	ring := make([]geom.Coord, 0, nPoints+1)
	for i := 0; i < nPoints; i++ {
		bearing := 360 * float64(i) / float64(nPoints)
		lng, lat := destination(center.X(), center.Y(), bearing, radiusMeters)
		ring = append(ring, geom.Coord{lng, lat})
	}
	ring = append(ring, ring[0])

	polygon, err := geom.NewPolygon(geom.XY).SetCoords([][]geom.Coord{ring})
	if err != nil {
		return nil, err
	}
	return c.InShape(rtxn, polygon)
}

// hasChildCells reports whether any child of the cell holds a posting, which
// is how a build-time split is detected.
func (c *Cellulite) hasChildCells(rtxn pebble.Reader, cell h3.Cell) (bool, error) {
	children, err := h3x.Children(cell)
	if err != nil || len(children) == 0 {
		return false, err
	}
	for _, child := range children {
		for _, tag := range [2]byte{keys.TagNormal, keys.TagBelly} {
			_, closer, err := rtxn.Get(c.layout.Cell(uint64(child), tag))
			if err == nil {
				return true, closer.Close()
			}
			if !errors.Is(err, pebble.ErrNotFound) {
				return false, err
			}
		}
	}
	return false, nil
}

// itemShape loads and compiles the geometry backing a posting entry.
func (c *Cellulite) itemShape(rtxn pebble.Reader, id uint32) (*h3x.Shape, error) {
	value, closer, err := rtxn.Get(c.layout.Item(id))
	if errors.Is(err, pebble.ErrNotFound) {
		return nil, fmt.Errorf("%w: document `%d` is in a posting but has no geometry", ErrInternalConsistency, id)
	}
	if err != nil {
		return nil, err
	}
	defer closer.Close()
	g, err := decodeGeometry(c.codec, value)
	if err != nil {
		return nil, itemError(id, err)
	}
	shape, err := h3x.Compile(g)
	if err != nil {
		return nil, itemError(id, err)
	}
	return shape, nil
}

// densifyPolygon splits every ring edge longer than maxSegmentMeters into
// equal geodesic sub-segments.
func densifyPolygon(polygon *geom.Polygon, maxSegmentMeters float64) *geom.Polygon {
	rings := polygon.Coords()
	out := make([][]geom.Coord, len(rings))
	for i, ring := range rings {
		dense := make([]geom.Coord, 0, len(ring))
		for j := 0; j+1 < len(ring); j++ {
			a, b := ring[j], ring[j+1]
			pa := s2.PointFromLatLng(s2.LatLngFromDegrees(a.Y(), a.X()))
			pb := s2.PointFromLatLng(s2.LatLngFromDegrees(b.Y(), b.X()))
			dist := pa.Distance(pb).Radians() * earthRadiusMeters
			steps := int(math.Ceil(dist / maxSegmentMeters))
			if steps < 1 {
				steps = 1
			}
			dense = append(dense, a)
			for k := 1; k < steps; k++ {
				ll := s2.LatLngFromPoint(s2.Interpolate(float64(k)/float64(steps), pa, pb))
				dense = append(dense, geom.Coord{ll.Lng.Degrees(), ll.Lat.Degrees()})
			}
		}
		if len(ring) > 0 {
			dense = append(dense, ring[len(ring)-1])
		}
		out[i] = dense
	}
	// The ring structure is preserved, so this cannot fail.
	densified, err := geom.NewPolygon(geom.XY).SetCoords(out)
	if err != nil {
		return polygon
	}
	return densified
}

// destination computes the point at a bearing and distance from an origin,
// on the haversine sphere. Bearing is in degrees clockwise from north.
func destination(lng, lat, bearingDeg, distMeters float64) (dstLng, dstLat float64) {
	latRad := lat * math.Pi / 180
	lngRad := lng * math.Pi / 180
	bearing := bearingDeg * math.Pi / 180
	angular := distMeters / earthRadiusMeters

	dstLatRad := math.Asin(math.Sin(latRad)*math.Cos(angular) +
		math.Cos(latRad)*math.Sin(angular)*math.Cos(bearing))
	dstLngRad := lngRad + math.Atan2(
		math.Sin(bearing)*math.Sin(angular)*math.Cos(latRad),
		math.Cos(angular)-math.Sin(latRad)*math.Sin(dstLatRad),
	)
	// Normalize to [-180, 180].
	dstLng = math.Mod(dstLngRad*180/math.Pi+540, 360) - 180
	dstLat = dstLatRad * 180 / math.Pi
	return dstLng, dstLat
}
