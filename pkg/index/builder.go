package index

import (
	"bufio"
	"encoding/binary"
	"os"
	"sync"

	"github.com/antonellof/VeronaDB/pkg/storage"
)

type slotEntry struct {
	key    []byte
	offset uint64
}

type memSlot struct {
	entries []slotEntry
	nextOvf uint64
}

// Builder bulk-builds a hash index in memory. Appends are safe to call
// from parallel loader tasks; the index flushes to disk once at the end of
// the load.
type Builder struct {
	path    string
	keyType KeyType

	mu         sync.Mutex
	primary    []memSlot
	overflow   []*memSlot
	keyOvf     *storage.InMemOverflowFile
	numEntries uint64
}

// NewBuilder creates a builder for the index file at path
func NewBuilder(path string, keyType KeyType) *Builder {
	b := &Builder{path: path, keyType: keyType}
	if keyType == StringKey {
		b.keyOvf = storage.NewInMemOverflowFile(storage.OverflowPath(path))
	}
	return b
}

// BulkReserve sizes the primary slot array for numNodes entries
func (b *Builder) BulkReserve(numNodes uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.primary = make([]memSlot, numPrimarySlotsFor(numNodes))
}

// AppendInt64 inserts an int64 key
func (b *Builder) AppendInt64(key int64, offset uint64) error {
	return b.append(EncodeInt64Key(key), offset)
}

// AppendString inserts a string key
func (b *Builder) AppendString(key string, offset uint64) error {
	return b.append([]byte(key), offset)
}

// append places the entry in the first free slot of the chain, appending
// and linking a new overflow slot when primary and all overflows are full.
func (b *Builder) append(key []byte, offset uint64) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if len(b.primary) == 0 {
		b.primary = make([]memSlot, 1)
	}
	slot := &b.primary[hashKey(key)&uint64(len(b.primary)-1)]
	for len(slot.entries) >= SlotCapacity {
		if slot.nextOvf == 0 {
			b.overflow = append(b.overflow, &memSlot{})
			slot.nextOvf = uint64(len(b.overflow)) // 1-based
		}
		slot = b.overflow[slot.nextOvf-1]
	}
	slot.entries = append(slot.entries, slotEntry{key: key, offset: offset})
	b.numEntries++
	return nil
}

// NumEntries returns the number of inserted keys
func (b *Builder) NumEntries() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.numEntries
}

// Flush writes the index file and, for string keys, its key-overflow
// sibling.
func (b *Builder) Flush() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	slotSize := b.keyType.slotSize()
	perPage := storage.ElementsPerPage(slotSize, false)
	numSlots := len(b.primary) + len(b.overflow)
	numPages := (numSlots + perPage - 1) / perPage
	if numPages == 0 {
		numPages = 1
	}
	pages := make([][]byte, numPages)
	for i := range pages {
		pages[i] = make([]byte, storage.PageSize)
	}

	encodeSlot := func(globalIdx uint64, slot *memSlot) {
		pageIdx, pos := slotPageAndPos(globalIdx, slotSize)
		buf := pages[pageIdx-1][pos*slotSize:]
		buf[0] = byte(len(slot.entries))
		var mask uint32
		for i := range slot.entries {
			mask |= 1 << i
		}
		binary.LittleEndian.PutUint32(buf[1:5], mask)
		binary.LittleEndian.PutUint64(buf[5:13], slot.nextOvf)
		for i, entry := range slot.entries {
			at := slotHeaderSize + i*b.keyType.entrySize()
			b.encodeKey(buf[at:at+b.keyType.keySize()], entry.key)
			binary.LittleEndian.PutUint64(buf[at+b.keyType.keySize():], entry.offset)
		}
	}
	for i := range b.primary {
		encodeSlot(uint64(i), &b.primary[i])
	}
	for i := range b.overflow {
		encodeSlot(uint64(len(b.primary)+i), b.overflow[i])
	}

	meta := indexMeta{
		keyType:     b.keyType,
		numPrimary:  uint64(len(b.primary)),
		numOverflow: uint64(len(b.overflow)),
		numEntries:  b.numEntries,
	}

	file, err := os.Create(b.path)
	if err != nil {
		return &storage.IOError{Path: b.path, Op: "create", Err: err}
	}
	defer file.Close()
	w := bufio.NewWriter(file)
	if err := storage.WriteFileHeader(w); err != nil {
		return &storage.IOError{Path: b.path, Op: "write header", Err: err}
	}
	if _, err := w.Write(meta.encode()); err != nil {
		return &storage.IOError{Path: b.path, Op: "write", Err: err}
	}
	for _, page := range pages {
		if _, err := w.Write(page); err != nil {
			return &storage.IOError{Path: b.path, Op: "write", Err: err}
		}
	}
	if err := w.Flush(); err != nil {
		return &storage.IOError{Path: b.path, Op: "flush", Err: err}
	}
	if err := file.Sync(); err != nil {
		return &storage.IOError{Path: b.path, Op: "sync", Err: err}
	}

	if b.keyOvf != nil {
		return b.keyOvf.SaveToFile()
	}
	return nil
}

// encodeKey writes the key field for one entry
func (b *Builder) encodeKey(dst, key []byte) {
	if b.keyType == Int64Key {
		copy(dst, key)
		return
	}
	binary.LittleEndian.PutUint32(dst[0:4], uint32(len(key)))
	if len(key) <= stringKeyInlineCap {
		copy(dst[4:], key)
		return
	}
	cursor := b.keyOvf.AppendBytes(key)
	binary.LittleEndian.PutUint32(dst[4:8], uint32(cursor.PageIdx))
	binary.LittleEndian.PutUint32(dst[8:12], uint32(cursor.Offset))
}
