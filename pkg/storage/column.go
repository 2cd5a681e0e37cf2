package storage

import (
	"bufio"
	"os"
	"sync"
)

// InMemColumn builds a fixed-width column in memory during bulk load. One
// slot exists per node offset; every slot starts null and is cleared when a
// value is placed.
type InMemColumn struct {
	path        string
	elemSize    int
	numElements uint64
	pages       [][]byte
	// Parallel loader tasks write disjoint slot ranges, but null bits of
	// neighboring slots share a byte.
	nullMu sync.Mutex
}

// NewInMemColumn creates an in-memory column with numElements slots of
// elemSize bytes each.
func NewInMemColumn(path string, elemSize int, numElements uint64) *InMemColumn {
	perPage := uint64(ElementsPerPage(elemSize, true))
	numPages := (numElements + perPage - 1) / perPage
	if numPages == 0 {
		numPages = 1
	}
	pages := make([][]byte, numPages)
	for i := range pages {
		pages[i] = make([]byte, PageSize)
		// all slots start null
		start := nullBitmapStart(elemSize)
		for b := start; b < start+(int(perPage)+7)/8; b++ {
			pages[i][b] = 0xFF
		}
	}
	return &InMemColumn{path: path, elemSize: elemSize, numElements: numElements, pages: pages}
}

// Path returns the column file path
func (c *InMemColumn) Path() string { return c.path }

// ElemSize returns the slot size in bytes
func (c *InMemColumn) ElemSize() int { return c.elemSize }

// SetValue places val into the slot for offset and clears its null bit
func (c *InMemColumn) SetValue(offset uint64, val []byte) {
	cursor := ElementCursor(offset, c.elemSize, true)
	page := c.pages[cursor.PageIdx]
	copy(page[cursor.PosInPage*c.elemSize:(cursor.PosInPage+1)*c.elemSize], val)
	c.nullMu.Lock()
	setPageNullBit(page, c.elemSize, cursor.PosInPage, false)
	c.nullMu.Unlock()
}

// Value returns the slot bytes for offset and whether the slot is null
func (c *InMemColumn) Value(offset uint64) ([]byte, bool) {
	cursor := ElementCursor(offset, c.elemSize, true)
	page := c.pages[cursor.PageIdx]
	if pageNullBit(page, c.elemSize, cursor.PosInPage) {
		return nil, true
	}
	out := make([]byte, c.elemSize)
	copy(out, page[cursor.PosInPage*c.elemSize:])
	return out, false
}

// MutableValue returns the live slot bytes for offset. Used by the overflow
// sort pass to rewrite pointers in place.
func (c *InMemColumn) MutableValue(offset uint64) ([]byte, bool) {
	cursor := ElementCursor(offset, c.elemSize, true)
	page := c.pages[cursor.PageIdx]
	if pageNullBit(page, c.elemSize, cursor.PosInPage) {
		return nil, true
	}
	return page[cursor.PosInPage*c.elemSize : (cursor.PosInPage+1)*c.elemSize], false
}

// SaveToFile writes the header and all pages, then fsyncs
func (c *InMemColumn) SaveToFile() error {
	return savePages(c.path, c.pages)
}

// savePages writes a storage file as header + pages and fsyncs it
func savePages(path string, pages [][]byte) error {
	file, err := os.Create(path)
	if err != nil {
		return &IOError{Path: path, Op: "create", Err: err}
	}
	defer file.Close()

	w := bufio.NewWriter(file)
	if err := WriteFileHeader(w); err != nil {
		return &IOError{Path: path, Op: "write header", Err: err}
	}
	for _, page := range pages {
		if _, err := w.Write(page); err != nil {
			return &IOError{Path: path, Op: "write", Err: err}
		}
	}
	if err := w.Flush(); err != nil {
		return &IOError{Path: path, Op: "flush", Err: err}
	}
	if err := file.Sync(); err != nil {
		return &IOError{Path: path, Op: "sync", Err: err}
	}
	return nil
}

// Column reads and writes a saved fixed-width column through the buffer
// manager. Slot writes pin the page, place the bytes, update the null bit
// and unpin dirty.
type Column struct {
	file     *PagedFile
	bm       *BufferManager
	elemSize int
}

// OpenColumn opens a saved column file with slots of elemSize bytes
func OpenColumn(path string, elemSize int, bm *BufferManager) (*Column, error) {
	file, err := OpenPagedFile(path)
	if err != nil {
		return nil, err
	}
	return &Column{file: file, bm: bm, elemSize: elemSize}, nil
}

// Path returns the column file path
func (c *Column) Path() string { return c.file.Path() }

// ElemSize returns the slot size in bytes
func (c *Column) ElemSize() int { return c.elemSize }

// Read returns the slot bytes for offset and whether the slot is null
func (c *Column) Read(offset uint64) ([]byte, bool, error) {
	cursor := ElementCursor(offset, c.elemSize, true)
	frame, err := c.bm.Pin(c.file, cursor.PageIdx)
	if err != nil {
		return nil, false, err
	}
	defer c.bm.Unpin(frame, false)

	frame.Latch.RLock()
	defer frame.Latch.RUnlock()
	if pageNullBit(frame.Data, c.elemSize, cursor.PosInPage) {
		return nil, true, nil
	}
	out := make([]byte, c.elemSize)
	copy(out, frame.Data[cursor.PosInPage*c.elemSize:])
	return out, false, nil
}

// Write places val into the slot for offset and clears its null bit
func (c *Column) Write(offset uint64, val []byte) error {
	cursor := ElementCursor(offset, c.elemSize, true)
	frame, err := c.bm.Pin(c.file, cursor.PageIdx)
	if err != nil {
		return err
	}
	defer c.bm.Unpin(frame, true)

	frame.Latch.Lock()
	defer frame.Latch.Unlock()
	copy(frame.Data[cursor.PosInPage*c.elemSize:(cursor.PosInPage+1)*c.elemSize], val)
	setPageNullBit(frame.Data, c.elemSize, cursor.PosInPage, false)
	return nil
}

// WritePageImage applies a full page image. Used by the update path when
// materializing shadow pages logged in the WAL.
func (c *Column) WritePageImage(pageIdx uint64, image []byte) error {
	return c.file.WritePage(pageIdx, image)
}

// PageOf returns the page index holding the slot for offset
func (c *Column) PageOf(offset uint64) uint64 {
	return ElementCursor(offset, c.elemSize, true).PageIdx
}

// Sync flushes dirty frames of this column and fsyncs the file
func (c *Column) Sync() error {
	if err := c.bm.EvictFile(c.file); err != nil {
		return err
	}
	return c.file.Sync()
}

// Close closes the underlying file
func (c *Column) Close() error {
	if err := c.bm.EvictFile(c.file); err != nil {
		return err
	}
	return c.file.Close()
}

// InMemAdjColumn is an in-memory adjacency column for a single-multiplicity
// direction: one compressed neighbor id per bound node offset.
type InMemAdjColumn struct {
	col         *InMemColumn
	compression NodeIDCompression
}

// NewInMemAdjColumn creates an adjacency column for numElements bound nodes
func NewInMemAdjColumn(path string, compression NodeIDCompression, numElements uint64) *InMemAdjColumn {
	return &InMemAdjColumn{
		col:         NewInMemColumn(path, compression.TotalBytes(), numElements),
		compression: compression,
	}
}

// Set places nbr as the single neighbor of the bound node at offset
func (c *InMemAdjColumn) Set(offset uint64, nbr NodeID) {
	buf := make([]byte, c.compression.TotalBytes())
	c.compression.Encode(nbr, buf)
	c.col.SetValue(offset, buf)
}

// Value returns the neighbor of the bound node at offset, if any
func (c *InMemAdjColumn) Value(offset uint64) (NodeID, bool) {
	buf, null := c.col.Value(offset)
	if null {
		return NodeID{}, true
	}
	return c.compression.Decode(buf, 0), false
}

// SaveToFile writes the column to disk
func (c *InMemAdjColumn) SaveToFile() error {
	return c.col.SaveToFile()
}

// AdjColumn reads a saved adjacency column
type AdjColumn struct {
	col         *Column
	compression NodeIDCompression
	singleTable TableID
}

// OpenAdjColumn opens a saved adjacency column. singleTable is the neighbor
// table used when the compression stores no table bytes.
func OpenAdjColumn(path string, compression NodeIDCompression, singleTable TableID, bm *BufferManager) (*AdjColumn, error) {
	col, err := OpenColumn(path, compression.TotalBytes(), bm)
	if err != nil {
		return nil, err
	}
	return &AdjColumn{col: col, compression: compression, singleTable: singleTable}, nil
}

// Read returns the neighbor of the bound node at offset, if any
func (c *AdjColumn) Read(offset uint64) (NodeID, bool, error) {
	buf, null, err := c.col.Read(offset)
	if err != nil || null {
		return NodeID{}, false, err
	}
	return c.compression.Decode(buf, c.singleTable), true, nil
}

// Close closes the underlying column
func (c *AdjColumn) Close() error { return c.col.Close() }
