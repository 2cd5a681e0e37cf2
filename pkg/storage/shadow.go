package storage

import (
	"fmt"
	"io"
	"os"
	"strings"
)

// ShadowSuffix is appended to a canonical file name to form the parallel
// shadow file that carries a transaction's new image until checkpoint.
const ShadowSuffix = ".wal"

// ShadowPath returns the shadow file path for a canonical file
func ShadowPath(canonical string) string { return canonical + ShadowSuffix }

// IsShadowPath reports whether path names a shadow file
func IsShadowPath(path string) bool { return strings.HasSuffix(path, ShadowSuffix) }

// ShadowSiblings lists the sibling files that are renamed or removed
// together with their primary at replay.
func ShadowSiblings(primary string) []string {
	switch {
	case strings.HasSuffix(primary, ".col"), strings.HasSuffix(primary, ".index"):
		return []string{OverflowPath(primary)}
	case strings.HasSuffix(primary, ".lists"):
		return []string{ListMetadataPath(primary), ListHeadersPath(primary), OverflowPath(primary)}
	}
	return nil
}

// ShadowColumn redirects slot writes of a column into its shadow file.
// WriteSlot returns the new page image so the caller can append the WAL
// record before the shadow write is flushed.
type ShadowColumn struct {
	canonical string
	file      *PagedFile
	elemSize  int
}

// OpenShadowColumn copies the canonical column to its shadow (first touch)
// and opens the shadow for writing.
func OpenShadowColumn(canonical string, elemSize int) (*ShadowColumn, error) {
	shadow, err := EnsureShadowCopy(canonical)
	if err != nil {
		return nil, err
	}
	file, err := OpenPagedFile(shadow)
	if err != nil {
		return nil, err
	}
	return &ShadowColumn{canonical: canonical, file: file, elemSize: elemSize}, nil
}

// PrepareSlot places val into the page image holding the slot for offset
// and returns (pageIdx, image) without writing it yet.
func (s *ShadowColumn) PrepareSlot(offset uint64, val []byte) (uint64, []byte, error) {
	cursor := ElementCursor(offset, s.elemSize, true)
	image := make([]byte, PageSize)
	if err := s.file.ReadPage(cursor.PageIdx, image); err != nil {
		return 0, nil, err
	}
	copy(image[cursor.PosInPage*s.elemSize:(cursor.PosInPage+1)*s.elemSize], val)
	setPageNullBit(image, s.elemSize, cursor.PosInPage, false)
	return cursor.PageIdx, image, nil
}

// WritePage applies a prepared page image to the shadow file
func (s *ShadowColumn) WritePage(pageIdx uint64, image []byte) error {
	return s.file.WritePage(pageIdx, image)
}

// Sync flushes the shadow file
func (s *ShadowColumn) Sync() error { return s.file.Sync() }

// Close closes the shadow file
func (s *ShadowColumn) Close() error { return s.file.Close() }

// ShadowOverflow redirects overflow appends into the shadow of an overflow
// file. Each appended string starts a fresh page at the end of the file so
// the write never disturbs existing pages.
type ShadowOverflow struct {
	file *PagedFile
}

// OpenShadowOverflow copies the canonical overflow file to its shadow and
// opens it for appending.
func OpenShadowOverflow(canonical string) (*ShadowOverflow, error) {
	shadow, err := EnsureShadowCopy(canonical)
	if err != nil {
		return nil, err
	}
	file, err := OpenPagedFile(shadow)
	if err != nil {
		return nil, err
	}
	return &ShadowOverflow{file: file}, nil
}

// AppendString places s on a fresh page and returns its cursor and the
// page image for WAL logging.
func (s *ShadowOverflow) AppendString(str []byte) (PageByteCursor, uint64, []byte, error) {
	if len(str) > PageSize {
		return PageByteCursor{}, 0, nil, &InternalError{Msg: fmt.Sprintf("string of %d bytes exceeds the page size", len(str))}
	}
	image := make([]byte, PageSize)
	copy(image, str)
	pageIdx := s.file.NumPages()
	return PageByteCursor{PageIdx: pageIdx, Offset: 0}, pageIdx, image, nil
}

// WritePage applies a prepared page image to the shadow file
func (s *ShadowOverflow) WritePage(pageIdx uint64, image []byte) error {
	return s.file.WritePage(pageIdx, image)
}

// Sync flushes the shadow file
func (s *ShadowOverflow) Sync() error { return s.file.Sync() }

// Close closes the shadow file
func (s *ShadowOverflow) Close() error { return s.file.Close() }

// EnsureShadowCopy copies the canonical file to its shadow path unless the
// shadow already exists, and returns the shadow path.
func EnsureShadowCopy(canonical string) (string, error) {
	shadow := ShadowPath(canonical)
	if _, err := os.Stat(shadow); err == nil {
		return shadow, nil
	}
	src, err := os.Open(canonical)
	if err != nil {
		return "", &IOError{Path: canonical, Op: "open", Err: err}
	}
	defer src.Close()
	dst, err := os.Create(shadow)
	if err != nil {
		return "", &IOError{Path: shadow, Op: "create", Err: err}
	}
	defer dst.Close()
	if _, err := io.Copy(dst, src); err != nil {
		return "", &IOError{Path: shadow, Op: "copy", Err: err}
	}
	if err := dst.Sync(); err != nil {
		return "", &IOError{Path: shadow, Op: "sync", Err: err}
	}
	return shadow, nil
}
