package storage

import (
	"container/list"
	"fmt"
	"sync"
)

// Frame is a pinned buffer holding one page. The latch serializes readers
// and the single writer of the frame contents; a pinned frame is never
// evicted.
type Frame struct {
	file    *PagedFile
	pageIdx uint64
	Data    []byte
	Latch   sync.RWMutex

	pins  int
	dirty bool
	elem  *list.Element
}

type frameKey struct {
	file    *PagedFile
	pageIdx uint64
}

// BufferManager pins and unpins page frames backed by paged files. Eviction
// is LRU over unpinned frames.
type BufferManager struct {
	capacity int
	mu       sync.Mutex
	frames   map[frameKey]*Frame
	lru      *list.List
	hits     uint64
	misses   uint64
}

// BufferManagerStats reports cache effectiveness
type BufferManagerStats struct {
	Frames   int     `json:"frames"`
	Capacity int     `json:"capacity"`
	Hits     uint64  `json:"hits"`
	Misses   uint64  `json:"misses"`
	HitRate  float64 `json:"hit_rate"`
}

// NewBufferManager creates a buffer manager holding up to capacity frames
func NewBufferManager(capacity int) *BufferManager {
	if capacity < 1 {
		capacity = 1
	}
	return &BufferManager{
		capacity: capacity,
		frames:   make(map[frameKey]*Frame),
		lru:      list.New(),
	}
}

// Pin returns a frame whose contents reflect page pageIdx of file. The
// caller must Unpin the frame when done.
func (bm *BufferManager) Pin(file *PagedFile, pageIdx uint64) (*Frame, error) {
	bm.mu.Lock()
	defer bm.mu.Unlock()

	key := frameKey{file: file, pageIdx: pageIdx}
	if frame, found := bm.frames[key]; found {
		frame.pins++
		bm.lru.MoveToFront(frame.elem)
		bm.hits++
		return frame, nil
	}
	bm.misses++

	if len(bm.frames) >= bm.capacity {
		if err := bm.evictOne(); err != nil {
			return nil, err
		}
	}

	frame := &Frame{
		file:    file,
		pageIdx: pageIdx,
		Data:    make([]byte, PageSize),
		pins:    1,
	}
	if err := file.ReadPage(pageIdx, frame.Data); err != nil {
		return nil, err
	}
	frame.elem = bm.lru.PushFront(frame)
	bm.frames[key] = frame
	return frame, nil
}

// PinNew extends file with a zero page and returns it pinned
func (bm *BufferManager) PinNew(file *PagedFile) (*Frame, uint64, error) {
	zero := make([]byte, PageSize)
	pageIdx, err := file.AppendPage(zero)
	if err != nil {
		return nil, 0, err
	}
	frame, err := bm.Pin(file, pageIdx)
	if err != nil {
		return nil, 0, err
	}
	return frame, pageIdx, nil
}

// Unpin releases a pin and marks the page for eventual flush when dirty
func (bm *BufferManager) Unpin(frame *Frame, dirty bool) {
	bm.mu.Lock()
	defer bm.mu.Unlock()

	frame.pins--
	if dirty {
		frame.dirty = true
	}
}

// FlushAll writes every dirty frame back to its file
func (bm *BufferManager) FlushAll() error {
	bm.mu.Lock()
	defer bm.mu.Unlock()

	for _, frame := range bm.frames {
		if err := bm.flushFrame(frame); err != nil {
			return err
		}
	}
	return nil
}

// EvictFile drops every frame of file, flushing dirty ones first. Called
// before a file is renamed or removed underneath the manager.
func (bm *BufferManager) EvictFile(file *PagedFile) error {
	bm.mu.Lock()
	defer bm.mu.Unlock()

	for key, frame := range bm.frames {
		if key.file != file {
			continue
		}
		if frame.pins > 0 {
			return &InternalError{Msg: fmt.Sprintf("evicting pinned page %d of %s", frame.pageIdx, file.Path())}
		}
		if err := bm.flushFrame(frame); err != nil {
			return err
		}
		bm.lru.Remove(frame.elem)
		delete(bm.frames, key)
	}
	return nil
}

// Stats returns buffer manager statistics
func (bm *BufferManager) Stats() BufferManagerStats {
	bm.mu.Lock()
	defer bm.mu.Unlock()

	total := bm.hits + bm.misses
	hitRate := 0.0
	if total > 0 {
		hitRate = float64(bm.hits) / float64(total)
	}
	return BufferManagerStats{
		Frames:   len(bm.frames),
		Capacity: bm.capacity,
		Hits:     bm.hits,
		Misses:   bm.misses,
		HitRate:  hitRate,
	}
}

// evictOne removes the least recently used unpinned frame
func (bm *BufferManager) evictOne() error {
	for elem := bm.lru.Back(); elem != nil; elem = elem.Prev() {
		frame := elem.Value.(*Frame)
		if frame.pins > 0 {
			continue
		}
		if err := bm.flushFrame(frame); err != nil {
			return err
		}
		bm.lru.Remove(elem)
		delete(bm.frames, frameKey{file: frame.file, pageIdx: frame.pageIdx})
		return nil
	}
	return &InternalError{Msg: "buffer manager exhausted: all frames pinned"}
}

func (bm *BufferManager) flushFrame(frame *Frame) error {
	if !frame.dirty {
		return nil
	}
	if err := frame.file.WritePage(frame.pageIdx, frame.Data); err != nil {
		return err
	}
	frame.dirty = false
	return nil
}
