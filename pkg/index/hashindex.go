// Package index implements the slotted primary-key hash index mapping node
// keys to dense node offsets. Collisions chain through overflow slots; the
// slot shape is a header {numEntries, validityMask, nextOvfSlotId} followed
// by a fixed number of (key, offset) entries.
package index

import (
	"encoding/binary"
	"hash/fnv"

	"github.com/antonellof/VeronaDB/pkg/storage"
)

// Slot geometry
const (
	SlotCapacity      = 4
	DefaultLoadFactor = 1.5
	slotHeaderSize    = 13 // numEntries u8 + validityMask u32 + nextOvfSlotId u64
)

// KeyType selects the primary-key encoding
type KeyType uint8

const (
	// Int64Key stores the key inline as 8 little-endian bytes
	Int64Key KeyType = 0
	// StringKey stores {len u32, 8 bytes}: inline when len <= 8, otherwise
	// a (pageIdx u32, pageOffset u32) pointer into the key-overflow file.
	StringKey KeyType = 1
)

const stringKeyInlineCap = 8

func (t KeyType) keySize() int {
	if t == StringKey {
		return 12
	}
	return 8
}

func (t KeyType) entrySize() int { return t.keySize() + 8 }

func (t KeyType) slotSize() int { return slotHeaderSize + SlotCapacity*t.entrySize() }

// EncodeInt64Key encodes an int64 primary key
func EncodeInt64Key(v int64) []byte {
	buf := make([]byte, 8)
	binary.LittleEndian.PutUint64(buf, uint64(v))
	return buf
}

func hashKey(key []byte) uint64 {
	h := fnv.New64a()
	h.Write(key)
	return h.Sum64()
}

// numPrimarySlotsFor sizes the primary slot array for a bulk load of
// numNodes entries, rounded to the next power of two.
func numPrimarySlotsFor(numNodes uint64) uint64 {
	needed := uint64(float64(numNodes)/(SlotCapacity*DefaultLoadFactor)) + 1
	slots := uint64(1)
	for slots < needed {
		slots <<= 1
	}
	return slots
}

// indexMeta is the metadata page at page 0 of the index file
type indexMeta struct {
	keyType     KeyType
	numPrimary  uint64
	numOverflow uint64
	numEntries  uint64
}

func (m *indexMeta) encode() []byte {
	page := make([]byte, storage.PageSize)
	page[0] = byte(m.keyType)
	binary.LittleEndian.PutUint64(page[8:16], m.numPrimary)
	binary.LittleEndian.PutUint64(page[16:24], m.numOverflow)
	binary.LittleEndian.PutUint64(page[24:32], m.numEntries)
	return page
}

func decodeIndexMeta(page []byte) indexMeta {
	return indexMeta{
		keyType:     KeyType(page[0]),
		numPrimary:  binary.LittleEndian.Uint64(page[8:16]),
		numOverflow: binary.LittleEndian.Uint64(page[16:24]),
		numEntries:  binary.LittleEndian.Uint64(page[24:32]),
	}
}

// slotPageAndPos locates a slot in the combined primary+overflow slot array.
// Overflow slot ids are 1-based; id 0 terminates a chain.
func slotPageAndPos(globalIdx uint64, slotSize int) (uint64, int) {
	perPage := uint64(storage.ElementsPerPage(slotSize, false))
	// page 0 is the metadata page
	return 1 + globalIdx/perPage, int(globalIdx % perPage)
}
