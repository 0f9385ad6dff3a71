package cellulite

import (
	"encoding/binary"
	"errors"

	"github.com/RoaringBitmap/roaring/v2"
	"github.com/cockroachdb/pebble"
	"github.com/twpayne/go-geom"
	h3 "github.com/uber/h3-go/v4"

	"github.com/meilisearch/cellulite/internal/keys"
)

const (
	// DefaultThreshold is the posting size above which a cell is split into
	// its children during build.
	DefaultThreshold = 200

	// schemaVersion is bumped on every incompatible change of the key or
	// value layout.
	schemaVersion byte = 1
)

// Metadata labels.
const (
	metaVersion   = "version"
	metaThreshold = "threshold"
	metaItems     = "items"
)

// NbDBs returns the number of logical stores one index occupies inside its
// environment.
func NbDBs() int {
	return keys.NbStores
}

// Cellulite is a handle on one named geospatial index.
//
// The handle never opens or commits transactions: every operation takes a
// caller-provided transaction. Write operations take a *pebble.Batch that
// MUST be indexed (pebble.DB.NewIndexedBatch) so the engine can read its own
// uncommitted writes; read operations accept any pebble.Reader — the DB, a
// snapshot, or an indexed batch.
type Cellulite struct {
	layout    keys.Layout
	name      string
	threshold uint64
	logger    *Logger
	codec     Codec
}

// CreateFromEnv binds a handle to the four stores of the index named name,
// creating their metadata if absent. The version check reads the committed
// state of env; a mismatch fails with ErrVersionMismatch.
func CreateFromEnv(env *pebble.DB, wtxn *pebble.Batch, name string, opts ...Option) (*Cellulite, error) {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	c := &Cellulite{
		layout:    keys.NewLayout(name),
		name:      name,
		threshold: o.threshold,
		logger:    o.logger,
		codec:     o.codec,
	}

	value, closer, err := env.Get(c.layout.Metadata(metaVersion))
	switch {
	case errors.Is(err, pebble.ErrNotFound):
		if err := wtxn.Set(c.layout.Metadata(metaVersion), []byte{schemaVersion}, nil); err != nil {
			return nil, err
		}
		if err := c.putCounter(wtxn, metaItems, 0); err != nil {
			return nil, err
		}
	case err != nil:
		return nil, err
	default:
		version := value[0]
		_ = closer.Close()
		if version != schemaVersion {
			return nil, &ErrVersionMismatch{Expected: schemaVersion, Got: version}
		}
	}
	if err := c.putCounter(wtxn, metaThreshold, c.threshold); err != nil {
		return nil, err
	}
	return c, nil
}

// Add stages the insertion of a document: the raw GeoJSON is stored as-is
// (overwriting any previous geometry) and the id is flagged for the next
// build. The geometry kind is not validated here; unsupported kinds are
// reported by Build so that the foreground write path stays independent of
// the grid cost.
func (c *Cellulite) Add(wtxn *pebble.Batch, id uint32, geojson []byte) error {
	if err := wtxn.Set(c.layout.Item(id), geojson, nil); err != nil {
		return err
	}
	return wtxn.Set(c.layout.Update(id), []byte{keys.UpdateUpsert}, nil)
}

// Delete stages the removal of a document for the next build. The stored
// geometry is kept until then.
func (c *Cellulite) Delete(wtxn *pebble.Batch, id uint32) error {
	return wtxn.Set(c.layout.Update(id), []byte{keys.UpdateDelete}, nil)
}

// Item returns the stored geometry of a document, or ErrNotFound.
func (c *Cellulite) Item(rtxn pebble.Reader, id uint32) (geom.T, error) {
	value, closer, err := rtxn.Get(c.layout.Item(id))
	if errors.Is(err, pebble.ErrNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	defer closer.Close()
	g, err := decodeGeometry(c.codec, value)
	if err != nil {
		return nil, itemError(id, err)
	}
	return g, nil
}

// Items iterates over every stored document in id order, yielding the raw
// GeoJSON bytes, which are only valid for the duration of the call. The
// iteration stops early when fn returns false.
func (c *Cellulite) Items(rtxn pebble.Reader, fn func(id uint32, raw []byte) bool) error {
	lo, hi := c.layout.Bounds(keys.StoreItems)
	return c.scan(rtxn, lo, hi, func(k, v []byte) (bool, error) {
		return fn(c.layout.ItemID(k), v), nil
	})
}

// CellPostings iterates over every cell posting in cell order, normal tag
// before belly tag. The iteration stops early when fn returns false.
func (c *Cellulite) CellPostings(rtxn pebble.Reader, fn func(cell h3.Cell, belly bool, ids *roaring.Bitmap) bool) error {
	lo, hi := c.layout.Bounds(keys.StoreCells)
	return c.scan(rtxn, lo, hi, func(k, v []byte) (bool, error) {
		cell, tag := c.layout.CellID(k)
		bitmap := roaring.New()
		if err := bitmap.UnmarshalBinary(v); err != nil {
			return false, err
		}
		return fn(h3.Cell(cell), tag == keys.TagBelly, bitmap), nil
	})
}

// ItemCount returns the number of indexed documents as of the last build.
func (c *Cellulite) ItemCount(rtxn pebble.Reader) (uint64, error) {
	return c.getCounter(rtxn, metaItems)
}

// scan walks [lo, hi) in key order. fn returns false to stop early.
func (c *Cellulite) scan(rtxn pebble.Reader, lo, hi []byte, fn func(k, v []byte) (bool, error)) error {
	iter, err := rtxn.NewIter(&pebble.IterOptions{LowerBound: lo, UpperBound: hi})
	if err != nil {
		return err
	}
	defer iter.Close()
	for iter.First(); iter.Valid(); iter.Next() {
		keep, err := fn(iter.Key(), iter.Value())
		if err != nil {
			return err
		}
		if !keep {
			return nil
		}
	}
	return iter.Error()
}

// getBitmap reads a posting, returning nil when the key is absent.
func (c *Cellulite) getBitmap(rtxn pebble.Reader, key []byte) (*roaring.Bitmap, error) {
	value, closer, err := rtxn.Get(key)
	if errors.Is(err, pebble.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	defer closer.Close()
	bitmap := roaring.New()
	if err := bitmap.UnmarshalBinary(value); err != nil {
		return nil, err
	}
	return bitmap, nil
}

func (c *Cellulite) putBitmap(wtxn *pebble.Batch, key []byte, bitmap *roaring.Bitmap) error {
	value, err := bitmap.MarshalBinary()
	if err != nil {
		return err
	}
	return wtxn.Set(key, value, nil)
}

func (c *Cellulite) getCounter(rtxn pebble.Reader, label string) (uint64, error) {
	value, closer, err := rtxn.Get(c.layout.Metadata(label))
	if errors.Is(err, pebble.ErrNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	defer closer.Close()
	return binary.BigEndian.Uint64(value), nil
}

func (c *Cellulite) putCounter(wtxn *pebble.Batch, label string, value uint64) error {
	return wtxn.Set(c.layout.Metadata(label), binary.BigEndian.AppendUint64(nil, value), nil)
}

// version reads the schema version through the given reader.
func (c *Cellulite) version(rtxn pebble.Reader) (byte, error) {
	value, closer, err := rtxn.Get(c.layout.Metadata(metaVersion))
	if err != nil {
		return 0, err
	}
	version := value[0]
	err = closer.Close()
	return version, err
}
