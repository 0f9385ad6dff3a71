package h3x

import (
	"math"
	"sort"

	"github.com/golang/geo/s2"
	h3 "github.com/uber/h3-go/v4"
)

// Mean earth radius in meters, consistent with the haversine model.
const earthRadiusMeters = 6371008.8

// Average hexagon edge length in meters per resolution. Used only to pick a
// sampling step when tracing rings and lines over the grid; the exact cell
// membership is always re-checked with s2 predicates afterwards.
var avgEdgeMeters = [MaxResolution + 1]float64{
	1107712.591, 418676.0055, 158244.6558, 59810.85794,
	22606.3794, 8544.408276, 3229.482772, 1220.629759,
	461.3546837, 174.3756681, 65.90780749, 24.9108126,
	9.415526211, 3.559893033, 1.348574562, 0.509713273,
}

// Cover partitions the cells touched by the shape at a resolution into the
// normal set (the shape overlaps the cell) and the belly set (the shape
// fully contains the cell). Points and lines never produce belly cells.
func (s *Shape) Cover(res int) (normal, belly []h3.Cell, err error) {
	normalSet := make(map[h3.Cell]struct{})
	bellySet := make(map[h3.Cell]struct{})

	for _, pt := range s.points {
		cell, err := CellFromLatLng(pt.ll, res)
		if err != nil {
			return nil, nil, err
		}
		normalSet[cell] = struct{}{}
	}

	for _, line := range s.lines {
		cells, err := plotLine(line.pts, res)
		if err != nil {
			return nil, nil, err
		}
		for _, cell := range cells {
			normalSet[cell] = struct{}{}
		}
	}

	for _, poly := range s.polygons {
		cells, err := tilePolygon(poly, res)
		if err != nil {
			return nil, nil, err
		}
		for _, cell := range cells {
			cellPoly, err := CellPolygon(cell)
			if err != nil {
				return nil, nil, err
			}
			if poly.poly.Contains(cellPoly) {
				bellySet[cell] = struct{}{}
			} else if poly.poly.Intersects(cellPoly) {
				normalSet[cell] = struct{}{}
			}
		}
	}

	// A cell can be belly for one component and normal for another; the
	// belly guarantee only needs a single containing component.
	for cell := range bellySet {
		delete(normalSet, cell)
	}
	return sortedCells(normalSet), sortedCells(bellySet), nil
}

// CoverAll returns every cell the shape touches at a resolution, regardless
// of containment.
func (s *Shape) CoverAll(res int) ([]h3.Cell, error) {
	normal, belly, err := s.Cover(res)
	if err != nil {
		return nil, err
	}
	merged := make(map[h3.Cell]struct{}, len(normal)+len(belly))
	for _, cell := range normal {
		merged[cell] = struct{}{}
	}
	for _, cell := range belly {
		merged[cell] = struct{}{}
	}
	return sortedCells(merged), nil
}

// tilePolygon returns a superset-free cover of one polygon at a resolution:
// the H3 tiling by cell centers, completed with the cells traced along the
// rings so that boundary cells whose center falls outside are not missed,
// then filtered back down to the cells the polygon actually touches.
func tilePolygon(p polygonShape, res int) ([]h3.Cell, error) {
	set := make(map[h3.Cell]struct{})

	loops := make([]h3.GeoLoop, len(p.rings))
	for i, ring := range p.rings {
		loop := make(h3.GeoLoop, len(ring))
		for j, ll := range ring {
			loop[j] = h3.NewLatLng(ll.Lat.Degrees(), ll.Lng.Degrees())
		}
		loops[i] = loop
	}
	cells, err := h3.PolygonToCells(h3.GeoPolygon{GeoLoop: loops[0], Holes: loops[1:]}, res)
	if err != nil {
		return nil, err
	}
	for _, cell := range cells {
		set[cell] = struct{}{}
	}

	step := avgEdgeMeters[res] / 2
	for _, ring := range p.rings {
		n := len(ring)
		for i := 0; i < n; i++ {
			a := s2.PointFromLatLng(ring[i])
			b := s2.PointFromLatLng(ring[(i+1)%n])
			if err := sampleSegment(a, b, res, step, set); err != nil {
				return nil, err
			}
		}
	}

	out := make([]h3.Cell, 0, len(set))
	for cell := range set {
		cellPoly, err := CellPolygon(cell)
		if err != nil {
			return nil, err
		}
		if p.poly.Intersects(cellPoly) {
			out = append(out, cell)
		}
	}
	sort.Slice(out, func(i, j int) bool { return uint64(out[i]) < uint64(out[j]) })
	return out, nil
}

// plotLine returns the cells a polyline passes through at a resolution.
func plotLine(pts []s2.Point, res int) ([]h3.Cell, error) {
	set := make(map[h3.Cell]struct{})
	step := avgEdgeMeters[res] / 2
	for i := 0; i+1 < len(pts); i++ {
		if err := sampleSegment(pts[i], pts[i+1], res, step, set); err != nil {
			return nil, err
		}
	}
	out := make([]h3.Cell, 0, len(set))
	for cell := range set {
		cellPoly, err := CellPolygon(cell)
		if err != nil {
			return nil, err
		}
		if lineIntersectsPolygon(cellPoly, pts) {
			out = append(out, cell)
		}
	}
	sort.Slice(out, func(i, j int) bool { return uint64(out[i]) < uint64(out[j]) })
	return out, nil
}

// sampleSegment walks the geodesic from a to b with a step of roughly
// stepMeters, adding the cell of every sample and its immediate neighbors to
// the set. The neighbors make the sweep tolerant to cells clipped between
// two samples; callers re-check every candidate against the real geometry.
func sampleSegment(a, b s2.Point, res int, stepMeters float64, set map[h3.Cell]struct{}) error {
	distMeters := a.Distance(b).Radians() * earthRadiusMeters
	steps := int(math.Ceil(distMeters/stepMeters)) + 1
	var prev h3.Cell
	for i := 0; i <= steps; i++ {
		sample := s2.Interpolate(float64(i)/float64(steps), a, b)
		cell, err := CellFromLatLng(s2.LatLngFromPoint(sample), res)
		if err != nil {
			return err
		}
		// Consecutive samples in the same cell would add the same disk.
		if i > 0 && cell == prev {
			continue
		}
		prev = cell
		disk, err := cell.GridDisk(1)
		if err != nil {
			return err
		}
		for _, c := range disk {
			set[c] = struct{}{}
		}
	}
	return nil
}

func sortedCells(set map[h3.Cell]struct{}) []h3.Cell {
	out := make([]h3.Cell, 0, len(set))
	for cell := range set {
		out = append(out, cell)
	}
	sort.Slice(out, func(i, j int) bool { return uint64(out[i]) < uint64(out[j]) })
	return out
}
