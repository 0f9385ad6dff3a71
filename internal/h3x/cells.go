package h3x

import (
	"sort"

	"github.com/golang/geo/s2"
	h3 "github.com/uber/h3-go/v4"
)

// Children returns the candidate children of a cell at the next resolution,
// or nil when the cell is already at the maximum resolution.
//
// The direct H3 children of a hexagon do not tile it exactly: slivers along
// the parent boundary belong to children of neighboring parents. The grid
// disk of radius 2 around the center child covers the whole parent hexagon,
// so splitting a cell over this set never drops a shape. Callers filter the
// candidates by relation, so the over-approximation only costs probes.
func Children(cell h3.Cell) ([]h3.Cell, error) {
	res := cell.Resolution()
	if res >= MaxResolution {
		return nil, nil
	}
	center, err := cell.CenterChild(res + 1)
	if err != nil {
		return nil, err
	}
	disk, err := center.GridDisk(2)
	if err != nil {
		return nil, err
	}
	sort.Slice(disk, func(i, j int) bool { return uint64(disk[i]) < uint64(disk[j]) })
	return disk, nil
}

// CellPolygon returns the hexagon (or pentagon) of a cell as an s2 polygon.
func CellPolygon(cell h3.Cell) (*s2.Polygon, error) {
	boundary, err := cell.Boundary()
	if err != nil {
		return nil, err
	}
	pts := make([]s2.Point, len(boundary))
	for i, ll := range boundary {
		pts[i] = s2.PointFromLatLng(s2.LatLngFromDegrees(ll.Lat, ll.Lng))
	}
	loop := s2.LoopFromPoints(pts)
	loop.Normalize()
	return s2.PolygonFromLoops([]*s2.Loop{loop}), nil
}
