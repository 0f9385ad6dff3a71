// Package h3x adapts GeoJSON geometries to the H3 grid: covering a geometry
// with cells at a resolution, enumerating the children of a cell, and
// computing the relation between a shape and a cell's hexagon.
//
// Predicates are evaluated on the sphere with s2. A Shape is the compiled
// form of a geometry: built once, then probed many times against cell
// polygons during build and query.
package h3x

import (
	"fmt"

	"github.com/golang/geo/s2"
	"github.com/twpayne/go-geom"
	h3 "github.com/uber/h3-go/v4"
)

// MaxResolution is the finest H3 resolution.
const MaxResolution = 15

// Relation describes how a shape relates to a probed region.
type Relation int

const (
	// RelationDisjoint means the shape and the region share no point.
	RelationDisjoint Relation = iota
	// RelationIntersects means they overlap without the shape covering the
	// whole region.
	RelationIntersects
	// RelationContains means the shape fully contains the region.
	RelationContains
)

type pointShape struct {
	ll s2.LatLng
	pt s2.Point
}

type lineShape struct {
	pts []s2.Point
}

type polygonShape struct {
	poly *s2.Polygon
	// Raw rings kept for H3 tiling, outer first.
	rings [][]s2.LatLng
}

// Shape is a compiled geometry. The zero value is empty.
type Shape struct {
	points   []pointShape
	lines    []lineShape
	polygons []polygonShape
}

// Compile builds the s2 form of a go-geom geometry. Geometry collections are
// flattened one level; a collection nested inside a collection is rejected.
func Compile(g geom.T) (*Shape, error) {
	s := &Shape{}
	if err := s.add(g, false); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Shape) add(g geom.T, nested bool) error {
	switch g := g.(type) {
	case *geom.Point:
		s.addPoint(g.Coords())
	case *geom.MultiPoint:
		for _, c := range g.Coords() {
			s.addPoint(c)
		}
	case *geom.LineString:
		s.addLine(g.Coords())
	case *geom.MultiLineString:
		for _, cs := range g.Coords() {
			s.addLine(cs)
		}
	case *geom.Polygon:
		return s.addPolygon(g.Coords())
	case *geom.MultiPolygon:
		for _, rings := range g.Coords() {
			if err := s.addPolygon(rings); err != nil {
				return err
			}
		}
	case *geom.GeometryCollection:
		if nested {
			return fmt.Errorf("geometry collection nested inside a geometry collection")
		}
		for _, sub := range g.Geoms() {
			if err := s.add(sub, true); err != nil {
				return err
			}
		}
	default:
		return fmt.Errorf("unhandled geometry type %T", g)
	}
	return nil
}

func (s *Shape) addPoint(c geom.Coord) {
	ll := s2.LatLngFromDegrees(c.Y(), c.X())
	s.points = append(s.points, pointShape{ll: ll, pt: s2.PointFromLatLng(ll)})
}

func (s *Shape) addLine(cs []geom.Coord) {
	if len(cs) < 2 {
		return
	}
	pts := make([]s2.Point, len(cs))
	for i, c := range cs {
		pts[i] = s2.PointFromLatLng(s2.LatLngFromDegrees(c.Y(), c.X()))
	}
	s.lines = append(s.lines, lineShape{pts: pts})
}

func (s *Shape) addPolygon(rings [][]geom.Coord) error {
	if len(rings) == 0 {
		return nil
	}
	loops := make([]*s2.Loop, 0, len(rings))
	raw := make([][]s2.LatLng, 0, len(rings))
	for i, ring := range rings {
		lls := ringLatLngs(ring)
		if len(lls) < 3 {
			return fmt.Errorf("polygon ring has %d distinct coordinates, at least 3 are required", len(lls))
		}
		// Outer ring counter-clockwise, holes clockwise, so that
		// PolygonFromOrientedLoops sees the interior on the left of
		// every loop.
		ccw := ringIsCCW(lls)
		if (i == 0 && !ccw) || (i > 0 && ccw) {
			reverseLatLngs(lls)
		}
		pts := make([]s2.Point, len(lls))
		for j, ll := range lls {
			pts[j] = s2.PointFromLatLng(ll)
		}
		loop := s2.LoopFromPoints(pts)
		// The predicates are undefined on degenerate or self-intersecting
		// loops; refuse to build a shape from one.
		if err := loop.Validate(); err != nil {
			return fmt.Errorf("polygon ring is not simple: %v", err)
		}
		n := len(pts)
		for a := 0; a < n; a++ {
			for b := a + 2; b < n; b++ {
				if a == 0 && b == n-1 {
					continue // the closing edge is adjacent to the first one
				}
				if s2.CrossingSign(pts[a], pts[(a+1)%n], pts[b], pts[(b+1)%n]) == s2.Cross {
					return fmt.Errorf("polygon ring is not simple: edges %d and %d cross", a, b)
				}
			}
		}
		loops = append(loops, loop)
		raw = append(raw, lls)
	}
	s.polygons = append(s.polygons, polygonShape{
		poly:  s2.PolygonFromOrientedLoops(loops),
		rings: raw,
	})
	return nil
}

// ringLatLngs drops the redundant closing coordinate of a GeoJSON ring.
func ringLatLngs(ring []geom.Coord) []s2.LatLng {
	n := len(ring)
	if n > 1 && ring[0].X() == ring[n-1].X() && ring[0].Y() == ring[n-1].Y() {
		n--
	}
	lls := make([]s2.LatLng, n)
	for i := 0; i < n; i++ {
		lls[i] = s2.LatLngFromDegrees(ring[i].Y(), ring[i].X())
	}
	return lls
}

// ringIsCCW reports the winding of a ring using the shoelace sum over
// lon/lat, which is how GeoJSON defines winding.
func ringIsCCW(lls []s2.LatLng) bool {
	var sum float64
	for i, ll := range lls {
		next := lls[(i+1)%len(lls)]
		sum += (next.Lng.Degrees() - ll.Lng.Degrees()) * (next.Lat.Degrees() + ll.Lat.Degrees())
	}
	return sum < 0
}

func reverseLatLngs(lls []s2.LatLng) {
	for i, j := 0, len(lls)-1; i < j; i, j = i+1, j-1 {
		lls[i], lls[j] = lls[j], lls[i]
	}
}

// IsEmpty reports whether the shape carries no geometry at all.
func (s *Shape) IsEmpty() bool {
	return len(s.points) == 0 && len(s.lines) == 0 && len(s.polygons) == 0
}

// RelationToPolygon computes how the shape relates to a region polygon,
// typically a cell hexagon or a query polygon. RelationContains is reported
// when any single polygon component contains the whole region.
func (s *Shape) RelationToPolygon(region *s2.Polygon) Relation {
	for _, p := range s.polygons {
		if p.poly.Contains(region) {
			return RelationContains
		}
	}
	for _, p := range s.polygons {
		if p.poly.Intersects(region) {
			return RelationIntersects
		}
	}
	for _, pt := range s.points {
		if region.ContainsPoint(pt.pt) {
			return RelationIntersects
		}
	}
	for _, l := range s.lines {
		if lineIntersectsPolygon(region, l.pts) {
			return RelationIntersects
		}
	}
	return RelationDisjoint
}

// IntersectsShape reports whether any polygon component of the receiver
// shares at least one point with the other shape. The receiver is expected
// to be a query polygon; point and line components on the receiver side are
// ignored.
func (s *Shape) IntersectsShape(other *Shape) bool {
	for _, p := range s.polygons {
		if other.RelationToPolygon(p.poly) != RelationDisjoint {
			return true
		}
	}
	return false
}

// lineIntersectsPolygon reports whether a polyline shares at least one point
// with a polygon: a vertex inside it, or an edge crossing its boundary.
func lineIntersectsPolygon(poly *s2.Polygon, pts []s2.Point) bool {
	for _, pt := range pts {
		if poly.ContainsPoint(pt) {
			return true
		}
	}
	for i := 0; i+1 < len(pts); i++ {
		a, b := pts[i], pts[i+1]
		for li := 0; li < poly.NumLoops(); li++ {
			loop := poly.Loop(li)
			n := loop.NumVertices()
			for j := 0; j < n; j++ {
				c, d := loop.Vertex(j), loop.Vertex((j+1)%n)
				if s2.CrossingSign(a, b, c, d) != s2.DoNotCross {
					return true
				}
			}
		}
	}
	return false
}

// CellFromLatLng returns the cell containing a lat/lng at a resolution.
func CellFromLatLng(ll s2.LatLng, res int) (h3.Cell, error) {
	return h3.LatLngToCell(h3.NewLatLng(ll.Lat.Degrees(), ll.Lng.Degrees()), res)
}
