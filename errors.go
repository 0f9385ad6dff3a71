package cellulite

import (
	"errors"
	"fmt"
)

var (
	// ErrCancelled is returned by Build when the cancel probe fired. The
	// caller must drop the write batch without committing it.
	ErrCancelled = errors.New("the build was cancelled")

	// ErrNotFound is returned when a document id is not present.
	ErrNotFound = errors.New("not found")

	// ErrInternalConsistency is returned when an invariant of the index is
	// detected broken mid-operation. It is fatal for the current batch.
	ErrInternalConsistency = errors.New("internal consistency check failed")

	// ErrInvalidRadius is returned by InCircle for a non-positive radius.
	ErrInvalidRadius = errors.New("radius must be positive")

	// ErrInvalidCirclePoints is returned by InCircle when fewer than three
	// points are requested for the circle approximation.
	ErrInvalidCirclePoints = errors.New("circle approximation needs at least 3 points")
)

// ErrVersionMismatch indicates the on-disk schema version differs from the
// version this package writes.
type ErrVersionMismatch struct {
	Expected byte
	Got      byte
}

func (e *ErrVersionMismatch) Error() string {
	return fmt.Sprintf("version mismatch: index uses schema version %d, expected %d", e.Got, e.Expected)
}

// ErrUnsupportedGeometry indicates a document carries a GeoJSON kind the
// index cannot partition over the grid.
//
// The original underlying error (if any) can be accessed via errors.Unwrap.
type ErrUnsupportedGeometry struct {
	Item  uint32
	Kind  string
	cause error
}

func (e *ErrUnsupportedGeometry) Error() string {
	return fmt.Sprintf("document `%d` contains a %s but only Point, MultiPoint, LineString, MultiLineString, Polygon, MultiPolygon and one level of GeometryCollection are supported", e.Item, e.Kind)
}

func (e *ErrUnsupportedGeometry) Unwrap() error { return e.cause }

// ErrInvalidGeoJSON indicates a document is not well-formed GeoJSON: broken
// JSON, coordinates out of range, or a degenerate ring.
//
// The original underlying error (if any) can be accessed via errors.Unwrap.
type ErrInvalidGeoJSON struct {
	Item  uint32
	cause error
}

func (e *ErrInvalidGeoJSON) Error() string {
	return fmt.Sprintf("document `%d` is not valid GeoJSON: %v", e.Item, e.cause)
}

func (e *ErrInvalidGeoJSON) Unwrap() error { return e.cause }

// itemError attaches a document id to a decode failure, keeping the
// unsupported/invalid distinction.
func itemError(id uint32, err error) error {
	var kind *unsupportedKindError
	if errors.As(err, &kind) {
		return &ErrUnsupportedGeometry{Item: id, Kind: kind.kind, cause: err}
	}
	return &ErrInvalidGeoJSON{Item: id, cause: err}
}
