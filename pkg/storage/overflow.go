package storage

import (
	"encoding/binary"
	"fmt"
	"sync"
)

// GFString is the 16-byte encoded form of a string value. Strings of up to
// GFStringInlineCap bytes are embedded; longer strings keep their first
// four bytes as a prefix and point into the sibling overflow file.
const (
	GFStringSize      = 16
	GFStringInlineCap = 12
	GFStringPrefixLen = 4
)

// EncodeGFString encodes s, appending its bytes to ovf when it does not fit
// inline. ovf may be nil for strings of inline length.
func EncodeGFString(s []byte, ovf *InMemOverflowFile) ([GFStringSize]byte, error) {
	var out [GFStringSize]byte
	binary.LittleEndian.PutUint32(out[0:4], uint32(len(s)))
	copy(out[4:4+GFStringPrefixLen], s)
	if len(s) <= GFStringInlineCap {
		if len(s) > GFStringPrefixLen {
			copy(out[8:], s[GFStringPrefixLen:])
		}
		return out, nil
	}
	if len(s) > PageSize {
		return out, &InternalError{Msg: fmt.Sprintf("string of %d bytes exceeds the page size", len(s))}
	}
	if ovf == nil {
		return out, &InternalError{Msg: fmt.Sprintf("string of length %d requires an overflow file", len(s))}
	}
	cursor := ovf.AppendBytes(s)
	binary.LittleEndian.PutUint32(out[8:12], uint32(cursor.PageIdx))
	binary.LittleEndian.PutUint32(out[12:16], uint32(cursor.Offset))
	return out, nil
}

// EncodeGFStringWithCursor encodes a string whose overflow bytes have
// already been placed at cursor. Inline-length strings embed their bytes
// and ignore the cursor.
func EncodeGFStringWithCursor(s []byte, cursor PageByteCursor) [GFStringSize]byte {
	var out [GFStringSize]byte
	binary.LittleEndian.PutUint32(out[0:4], uint32(len(s)))
	copy(out[4:4+GFStringPrefixLen], s)
	if len(s) <= GFStringInlineCap {
		if len(s) > GFStringPrefixLen {
			copy(out[8:], s[GFStringPrefixLen:])
		}
		return out
	}
	binary.LittleEndian.PutUint32(out[8:12], uint32(cursor.PageIdx))
	binary.LittleEndian.PutUint32(out[12:16], uint32(cursor.Offset))
	return out
}

// GFStringLength returns the decoded length of an encoded string slot
func GFStringLength(slot []byte) uint32 {
	return binary.LittleEndian.Uint32(slot[0:4])
}

// GFStringIsInline reports whether the slot embeds its bytes
func GFStringIsInline(slot []byte) bool {
	return GFStringLength(slot) <= GFStringInlineCap
}

// GFStringInline returns the embedded bytes of an inline slot
func GFStringInline(slot []byte) []byte {
	length := GFStringLength(slot)
	out := make([]byte, length)
	n := copy(out, slot[4:4+GFStringPrefixLen])
	if int(length) > n {
		copy(out[n:], slot[8:8+int(length)-n])
	}
	return out
}

// GFStringOverflowCursor returns the overflow pointer of a non-inline slot
func GFStringOverflowCursor(slot []byte) PageByteCursor {
	return PageByteCursor{
		PageIdx: uint64(binary.LittleEndian.Uint32(slot[8:12])),
		Offset:  int(binary.LittleEndian.Uint32(slot[12:16])),
	}
}

// SetGFStringOverflowCursor rewrites the overflow pointer in place,
// preserving length and prefix. Used by the overflow sort pass.
func SetGFStringOverflowCursor(slot []byte, cursor PageByteCursor) {
	binary.LittleEndian.PutUint32(slot[8:12], uint32(cursor.PageIdx))
	binary.LittleEndian.PutUint32(slot[12:16], uint32(cursor.Offset))
}

// InMemOverflowFile accumulates variable-length payload pages in memory
// during bulk load and flushes them as a sibling overflow file. A string
// never wraps across a page boundary: when the current page cannot hold it,
// the cursor advances to a fresh page. Appends are safe from parallel
// loader tasks.
type InMemOverflowFile struct {
	path   string
	mu     sync.Mutex
	pages  [][]byte
	cursor PageByteCursor
}

// NewInMemOverflowFile creates an empty in-memory overflow file
func NewInMemOverflowFile(path string) *InMemOverflowFile {
	return &InMemOverflowFile{path: path}
}

// Path returns the overflow file path
func (f *InMemOverflowFile) Path() string { return f.path }

// AppendBytes places s at the current cursor and returns its location
func (f *InMemOverflowFile) AppendBytes(s []byte) PageByteCursor {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.pages) == 0 || PageSize-f.cursor.Offset < len(s) {
		f.pages = append(f.pages, make([]byte, PageSize))
		f.cursor = PageByteCursor{PageIdx: uint64(len(f.pages) - 1), Offset: 0}
	}
	at := f.cursor
	copy(f.pages[at.PageIdx][at.Offset:], s)
	f.cursor.Offset += len(s)
	return at
}

// AppendBytesAt places s at an explicitly reserved cursor. Used by the
// overflow sort pass, where buckets write to disjoint pre-assigned page
// ranges.
func (f *InMemOverflowFile) AppendBytesAt(cursor PageByteCursor, s []byte) {
	f.mu.Lock()
	for uint64(len(f.pages)) <= cursor.PageIdx {
		f.pages = append(f.pages, make([]byte, PageSize))
	}
	page := f.pages[cursor.PageIdx]
	f.mu.Unlock()
	copy(page[cursor.Offset:], s)
}

// ReservePages grows the file to numPages. Called before parallel bucket
// writers start so page allocation never races.
func (f *InMemOverflowFile) ReservePages(numPages uint64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for uint64(len(f.pages)) < numPages {
		f.pages = append(f.pages, make([]byte, PageSize))
	}
}

// ReadBytes returns length bytes at cursor
func (f *InMemOverflowFile) ReadBytes(cursor PageByteCursor, length uint32) []byte {
	f.mu.Lock()
	page := f.pages[cursor.PageIdx]
	f.mu.Unlock()
	out := make([]byte, length)
	copy(out, page[cursor.Offset:])
	return out
}

// SaveToFile writes the header and all pages, then fsyncs
func (f *InMemOverflowFile) SaveToFile() error {
	return savePages(f.path, f.pages)
}

// OverflowFile reads variable-length payload from a saved overflow file
type OverflowFile struct {
	file *PagedFile
	bm   *BufferManager
}

// OpenOverflowFile opens a saved overflow file for reading
func OpenOverflowFile(path string, bm *BufferManager) (*OverflowFile, error) {
	file, err := OpenPagedFile(path)
	if err != nil {
		return nil, err
	}
	return &OverflowFile{file: file, bm: bm}, nil
}

// ReadString reads length bytes at cursor
func (f *OverflowFile) ReadString(cursor PageByteCursor, length uint32) ([]byte, error) {
	frame, err := f.bm.Pin(f.file, cursor.PageIdx)
	if err != nil {
		return nil, err
	}
	defer f.bm.Unpin(frame, false)

	frame.Latch.RLock()
	defer frame.Latch.RUnlock()
	out := make([]byte, length)
	copy(out, frame.Data[cursor.Offset:])
	return out, nil
}

// Close closes the underlying file
func (f *OverflowFile) Close() error {
	if err := f.bm.EvictFile(f.file); err != nil {
		return err
	}
	return f.file.Close()
}
