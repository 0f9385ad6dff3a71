// Package keys defines the on-disk key layout of a cellulite index.
//
// A single pebble keyspace holds four logical stores, discriminated by a
// store byte that follows the index name:
//
//	<name> '/' <store> <suffix>
//
// Item and update suffixes are the document id widened to a big-endian
// uint64 so that every key is 8-byte sized and values inherit 8-byte
// alignment. Cell suffixes are the big-endian 64-bit H3 cell index followed
// by a single tag byte; the tag trails the cell so that one bounded scan
// starting at the cell prefix returns both the normal and the belly posting.
package keys

import "encoding/binary"

// Store discriminates the four logical stores of an index.
type Store byte

const (
	StoreItems Store = iota
	StoreUpdates
	StoreCells
	StoreMetadata
)

// NbStores is the number of logical stores an index occupies.
const NbStores = 4

// Cell posting tags. A prefix scan over a cell returns both tags interleaved,
// normal first.
const (
	TagNormal byte = 0
	TagBelly  byte = 1
)

// Update flags stored as the single value byte of the updates store.
const (
	UpdateUpsert byte = 0
	UpdateDelete byte = 1
)

const separator = '/'

// Layout builds and parses the keys of one named index.
type Layout struct {
	name string
}

func NewLayout(name string) Layout {
	return Layout{name: name}
}

func (l Layout) prefix(s Store) []byte {
	key := make([]byte, 0, len(l.name)+2+9)
	key = append(key, l.name...)
	key = append(key, separator, byte(s))
	return key
}

// Item returns the items store key of a document.
func (l Layout) Item(id uint32) []byte {
	return binary.BigEndian.AppendUint64(l.prefix(StoreItems), uint64(id))
}

// Update returns the updates store key of a document.
func (l Layout) Update(id uint32) []byte {
	return binary.BigEndian.AppendUint64(l.prefix(StoreUpdates), uint64(id))
}

// Cell returns the cells store key of a (cell, tag) posting.
func (l Layout) Cell(cell uint64, tag byte) []byte {
	key := binary.BigEndian.AppendUint64(l.prefix(StoreCells), cell)
	return append(key, tag)
}

// Metadata returns the metadata store key of a label.
func (l Layout) Metadata(label string) []byte {
	return append(l.prefix(StoreMetadata), label...)
}

// Bounds returns the [lo, hi) scan bounds covering a whole store.
func (l Layout) Bounds(s Store) (lo, hi []byte) {
	lo = l.prefix(s)
	hi = l.prefix(s + 1)
	return lo, hi
}

// suffixStart is the length of the name-and-store prefix every key carries.
func (l Layout) suffixStart() int {
	return len(l.name) + 2
}

// ItemID parses the document id out of an items or updates store key.
func (l Layout) ItemID(key []byte) uint32 {
	return uint32(binary.BigEndian.Uint64(key[l.suffixStart():]))
}

// CellID parses a cells store key into its cell index and tag byte.
func (l Layout) CellID(key []byte) (cell uint64, tag byte) {
	at := l.suffixStart()
	return binary.BigEndian.Uint64(key[at : at+8]), key[at+8]
}
