package cellulite

import (
	"encoding/json"
	"fmt"

	"github.com/golang/geo/s2"
	"github.com/twpayne/go-geom"
	"github.com/twpayne/go-geom/encoding/geojson"
)

// unsupportedKindError marks a GeoJSON kind the index cannot handle, as
// opposed to a document that is malformed.
type unsupportedKindError struct {
	kind string
}

func (e *unsupportedKindError) Error() string {
	return fmt.Sprintf("unsupported GeoJSON type %q", e.kind)
}

var supportedGeometryTypes = map[string]struct{}{
	"Point":              {},
	"MultiPoint":         {},
	"LineString":         {},
	"MultiLineString":    {},
	"Polygon":            {},
	"MultiPolygon":       {},
	"GeometryCollection": {},
}

// decodeGeometry parses a raw GeoJSON document: either a bare geometry or a
// Feature wrapping one. The envelope is sniffed with the configured codec;
// the geometry itself goes through go-geom.
func decodeGeometry(c Codec, raw []byte) (geom.T, error) {
	var envelope struct {
		Type     string          `json:"type"`
		Geometry json.RawMessage `json:"geometry"`
	}
	if err := c.Unmarshal(raw, &envelope); err != nil {
		return nil, err
	}
	switch envelope.Type {
	case "":
		return nil, fmt.Errorf("missing GeoJSON type")
	case "Feature":
		if len(envelope.Geometry) == 0 {
			return nil, fmt.Errorf("feature has no geometry")
		}
		raw = envelope.Geometry
		if err := c.Unmarshal(raw, &envelope); err != nil {
			return nil, err
		}
	}
	if _, ok := supportedGeometryTypes[envelope.Type]; !ok {
		return nil, &unsupportedKindError{kind: envelope.Type}
	}

	var g geom.T
	if err := geojson.Unmarshal(raw, &g); err != nil {
		return nil, err
	}
	if err := validateGeometry(g, false); err != nil {
		return nil, err
	}
	return g, nil
}

// validateGeometry enforces coordinate ranges, ring well-formedness, and the
// one-level collection rule.
func validateGeometry(g geom.T, nested bool) error {
	switch g := g.(type) {
	case *geom.Point:
		return validateCoord(g.Coords())
	case *geom.MultiPoint:
		return validateCoords(g.Coords())
	case *geom.LineString:
		return validateCoords(g.Coords())
	case *geom.MultiLineString:
		for _, cs := range g.Coords() {
			if err := validateCoords(cs); err != nil {
				return err
			}
		}
	case *geom.Polygon:
		return validateRings(g.Coords())
	case *geom.MultiPolygon:
		for _, rings := range g.Coords() {
			if err := validateRings(rings); err != nil {
				return err
			}
		}
	case *geom.GeometryCollection:
		if nested {
			return &unsupportedKindError{kind: "nested GeometryCollection"}
		}
		for _, sub := range g.Geoms() {
			if err := validateGeometry(sub, true); err != nil {
				return err
			}
		}
	default:
		return &unsupportedKindError{kind: fmt.Sprintf("%T", g)}
	}
	return nil
}

func validateRings(rings [][]geom.Coord) error {
	for _, ring := range rings {
		if len(ring) < 4 {
			return fmt.Errorf("polygon ring has %d coordinates, at least 4 are required", len(ring))
		}
		first, last := ring[0], ring[len(ring)-1]
		if first.X() != last.X() || first.Y() != last.Y() {
			return fmt.Errorf("polygon ring is not closed")
		}
		if err := validateCoords(ring); err != nil {
			return err
		}
		if err := validateRingSimple(ring); err != nil {
			return err
		}
	}
	return nil
}

// validateRingSimple rejects non-simple rings: degenerate edges and
// self-intersections ("bowties"), on which the spherical predicates are
// undefined.
func validateRingSimple(ring []geom.Coord) error {
	pts := make([]s2.Point, 0, len(ring)-1)
	for _, c := range ring[:len(ring)-1] {
		pts = append(pts, s2.PointFromLatLng(s2.LatLngFromDegrees(c.Y(), c.X())))
	}
	if err := s2.LoopFromPoints(pts).Validate(); err != nil {
		return fmt.Errorf("polygon ring is not simple: %v", err)
	}
	// Edges that are not adjacent must not cross.
	n := len(pts)
	for i := 0; i < n; i++ {
		for j := i + 2; j < n; j++ {
			if i == 0 && j == n-1 {
				continue // the closing edge is adjacent to the first one
			}
			if s2.CrossingSign(pts[i], pts[(i+1)%n], pts[j], pts[(j+1)%n]) == s2.Cross {
				return fmt.Errorf("polygon ring is not simple: edges %d and %d cross", i, j)
			}
		}
	}
	return nil
}

func validateCoords(cs []geom.Coord) error {
	for _, c := range cs {
		if err := validateCoord(c); err != nil {
			return err
		}
	}
	return nil
}

func validateCoord(c geom.Coord) error {
	if len(c) < 2 {
		return fmt.Errorf("coordinate has %d components, at least 2 are required", len(c))
	}
	lng, lat := c.X(), c.Y()
	if lng < -180 || lng > 180 {
		return fmt.Errorf("longitude %v out of the [-180, 180] range", lng)
	}
	if lat < -90 || lat > 90 {
		return fmt.Errorf("latitude %v out of the [-90, 90] range", lat)
	}
	return nil
}
