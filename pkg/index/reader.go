package index

import (
	"bytes"
	"encoding/binary"
	"os"

	"github.com/antonellof/VeronaDB/pkg/storage"
)

// Index reads a saved hash index. Lookup computes the hash, probes the
// primary slot and walks the overflow chain comparing keys.
type Index struct {
	file   *storage.PagedFile
	bm     *storage.BufferManager
	keyOvf *storage.OverflowFile
	meta   indexMeta
}

// Open opens a saved index file
func Open(path string, bm *storage.BufferManager) (*Index, error) {
	file, err := storage.OpenPagedFile(path)
	if err != nil {
		return nil, err
	}
	metaPage := make([]byte, storage.PageSize)
	if err := file.ReadPage(0, metaPage); err != nil {
		file.Close()
		return nil, err
	}
	idx := &Index{file: file, bm: bm, meta: decodeIndexMeta(metaPage)}
	if idx.meta.keyType == StringKey {
		ovfPath := storage.OverflowPath(path)
		if _, err := os.Stat(ovfPath); err == nil {
			if idx.keyOvf, err = storage.OpenOverflowFile(ovfPath, bm); err != nil {
				file.Close()
				return nil, err
			}
		}
	}
	return idx, nil
}

// NumEntries returns the number of stored keys
func (idx *Index) NumEntries() uint64 { return idx.meta.numEntries }

// LookupInt64 returns the node offset stored under an int64 key
func (idx *Index) LookupInt64(key int64) (uint64, bool, error) {
	return idx.lookup(EncodeInt64Key(key))
}

// LookupString returns the node offset stored under a string key
func (idx *Index) LookupString(key string) (uint64, bool, error) {
	return idx.lookup([]byte(key))
}

func (idx *Index) lookup(key []byte) (uint64, bool, error) {
	if idx.meta.numPrimary == 0 {
		return 0, false, nil
	}
	slotSize := idx.meta.keyType.slotSize()
	globalIdx := hashKey(key) & (idx.meta.numPrimary - 1)
	for {
		offset, found, nextOvf, err := idx.probeSlot(globalIdx, slotSize, key)
		if err != nil {
			return 0, false, err
		}
		if found {
			return offset, true, nil
		}
		if nextOvf == 0 {
			return 0, false, nil
		}
		globalIdx = idx.meta.numPrimary + nextOvf - 1
	}
}

func (idx *Index) probeSlot(globalIdx uint64, slotSize int, key []byte) (uint64, bool, uint64, error) {
	pageIdx, pos := slotPageAndPos(globalIdx, slotSize)
	frame, err := idx.bm.Pin(idx.file, pageIdx)
	if err != nil {
		return 0, false, 0, err
	}
	defer idx.bm.Unpin(frame, false)

	frame.Latch.RLock()
	defer frame.Latch.RUnlock()
	buf := frame.Data[pos*slotSize:]
	mask := binary.LittleEndian.Uint32(buf[1:5])
	nextOvf := binary.LittleEndian.Uint64(buf[5:13])
	for i := 0; i < SlotCapacity; i++ {
		if mask&(1<<i) == 0 {
			continue
		}
		at := slotHeaderSize + i*idx.meta.keyType.entrySize()
		equal, err := idx.keyEquals(buf[at:at+idx.meta.keyType.keySize()], key)
		if err != nil {
			return 0, false, 0, err
		}
		if equal {
			offset := binary.LittleEndian.Uint64(buf[at+idx.meta.keyType.keySize():])
			return offset, true, nextOvf, nil
		}
	}
	return 0, false, nextOvf, nil
}

func (idx *Index) keyEquals(stored, key []byte) (bool, error) {
	if idx.meta.keyType == Int64Key {
		return bytes.Equal(stored[:8], key), nil
	}
	length := binary.LittleEndian.Uint32(stored[0:4])
	if int(length) != len(key) {
		return false, nil
	}
	if length <= stringKeyInlineCap {
		return bytes.Equal(stored[4:4+length], key), nil
	}
	cursor := storage.PageByteCursor{
		PageIdx: uint64(binary.LittleEndian.Uint32(stored[4:8])),
		Offset:  int(binary.LittleEndian.Uint32(stored[8:12])),
	}
	full, err := idx.keyOvf.ReadString(cursor, length)
	if err != nil {
		return false, err
	}
	return bytes.Equal(full, key), nil
}

// Close closes the index and its key-overflow file
func (idx *Index) Close() error {
	if idx.keyOvf != nil {
		if err := idx.keyOvf.Close(); err != nil {
			return err
		}
	}
	if err := idx.bm.EvictFile(idx.file); err != nil {
		return err
	}
	return idx.file.Close()
}
