package storage

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"os"
)

// PagedFile provides fixed-size page I/O over a single named file. Byte 0
// holds the 16-byte file header; page p lives at FileHeaderSize + p*PageSize.
// Writes are durable only after an explicit Sync.
type PagedFile struct {
	path     string
	file     *os.File
	numPages uint64
}

// OpenPagedFile opens an existing paged file or creates a new empty one
// with a fresh header.
func OpenPagedFile(path string) (*PagedFile, error) {
	file, err := os.OpenFile(path, os.O_RDWR, 0644)
	if err != nil {
		if os.IsNotExist(err) {
			return createPagedFile(path)
		}
		return nil, &IOError{Path: path, Op: "open", Err: err}
	}

	pf := &PagedFile{path: path, file: file}
	if err := pf.readHeader(); err != nil {
		file.Close()
		return nil, err
	}

	info, err := file.Stat()
	if err != nil {
		file.Close()
		return nil, &IOError{Path: path, Op: "stat", Err: err}
	}
	if info.Size() >= FileHeaderSize {
		pf.numPages = uint64(info.Size()-FileHeaderSize) / PageSize
	}
	return pf, nil
}

func createPagedFile(path string) (*PagedFile, error) {
	file, err := os.Create(path)
	if err != nil {
		return nil, &IOError{Path: path, Op: "create", Err: err}
	}
	pf := &PagedFile{path: path, file: file}
	if err := pf.writeHeader(); err != nil {
		file.Close()
		return nil, err
	}
	return pf, nil
}

// Path returns the file path
func (pf *PagedFile) Path() string { return pf.path }

// NumPages returns the number of pages written so far
func (pf *PagedFile) NumPages() uint64 { return pf.numPages }

// ReadPage reads page pageIdx into buf. buf must be PageSize long. Reading
// a never-written page fails with ErrPageOutOfRange.
func (pf *PagedFile) ReadPage(pageIdx uint64, buf []byte) error {
	if pageIdx >= pf.numPages {
		return fmt.Errorf("read %s page %d of %d: %w", pf.path, pageIdx, pf.numPages, ErrPageOutOfRange)
	}
	if _, err := pf.file.ReadAt(buf[:PageSize], pageOffset(pageIdx)); err != nil && err != io.EOF {
		return &IOError{Path: pf.path, Op: "read", Err: err}
	}
	return nil
}

// WritePage writes buf to page pageIdx, extending the file if pageIdx is
// the next unwritten page.
func (pf *PagedFile) WritePage(pageIdx uint64, buf []byte) error {
	if pageIdx > pf.numPages {
		return fmt.Errorf("write %s page %d of %d: %w", pf.path, pageIdx, pf.numPages, ErrPageOutOfRange)
	}
	if _, err := pf.file.WriteAt(buf[:PageSize], pageOffset(pageIdx)); err != nil {
		return &IOError{Path: pf.path, Op: "write", Err: err}
	}
	if pageIdx == pf.numPages {
		pf.numPages++
	}
	return nil
}

// AppendPage appends buf as a new page and returns its index
func (pf *PagedFile) AppendPage(buf []byte) (uint64, error) {
	pageIdx := pf.numPages
	if err := pf.WritePage(pageIdx, buf); err != nil {
		return 0, err
	}
	return pageIdx, nil
}

// Sync flushes pending writes to stable storage
func (pf *PagedFile) Sync() error {
	if err := pf.file.Sync(); err != nil {
		return &IOError{Path: pf.path, Op: "sync", Err: err}
	}
	return nil
}

// Close closes the underlying file
func (pf *PagedFile) Close() error {
	if pf.file == nil {
		return nil
	}
	if err := pf.file.Close(); err != nil {
		return &IOError{Path: pf.path, Op: "close", Err: err}
	}
	pf.file = nil
	return nil
}

func pageOffset(pageIdx uint64) int64 {
	return FileHeaderSize + int64(pageIdx)*PageSize
}

func (pf *PagedFile) readHeader() error {
	buf := make([]byte, FileHeaderSize)
	if _, err := pf.file.ReadAt(buf, 0); err != nil {
		return &IOError{Path: pf.path, Op: "read header", Err: err}
	}
	var header FileHeader
	if err := binary.Read(bytes.NewReader(buf), binary.LittleEndian, &header); err != nil {
		return &IOError{Path: pf.path, Op: "decode header", Err: err}
	}
	if header.Magic != StorageMagic {
		return &IOError{Path: pf.path, Op: "open", Err: fmt.Errorf("invalid file magic %#x", header.Magic)}
	}
	if header.PageSize != PageSize {
		return &IOError{Path: pf.path, Op: "open", Err: fmt.Errorf("unsupported page size %d", header.PageSize)}
	}
	return nil
}

func (pf *PagedFile) writeHeader() error {
	header := FileHeader{
		Magic:    StorageMagic,
		Version:  StorageVersion,
		PageSize: PageSize,
	}
	buf := new(bytes.Buffer)
	if err := binary.Write(buf, binary.LittleEndian, &header); err != nil {
		return &IOError{Path: pf.path, Op: "encode header", Err: err}
	}
	if _, err := pf.file.WriteAt(buf.Bytes(), 0); err != nil {
		return &IOError{Path: pf.path, Op: "write header", Err: err}
	}
	return nil
}

// WriteFileHeader prepends the standard storage header to a byte stream.
// Used by writers that assemble whole files in memory before flushing.
func WriteFileHeader(w io.Writer) error {
	header := FileHeader{
		Magic:    StorageMagic,
		Version:  StorageVersion,
		PageSize: PageSize,
	}
	return binary.Write(w, binary.LittleEndian, &header)
}

// ReadFileHeader validates the standard storage header at the start of buf
// and returns the remaining payload.
func ReadFileHeader(buf []byte) ([]byte, error) {
	if len(buf) < FileHeaderSize {
		return nil, fmt.Errorf("short file: %d bytes", len(buf))
	}
	var header FileHeader
	if err := binary.Read(bytes.NewReader(buf[:FileHeaderSize]), binary.LittleEndian, &header); err != nil {
		return nil, err
	}
	if header.Magic != StorageMagic {
		return nil, fmt.Errorf("invalid file magic %#x", header.Magic)
	}
	return buf[FileHeaderSize:], nil
}

// Rename atomically renames src over dst
func Rename(src, dst string) error {
	if err := os.Rename(src, dst); err != nil {
		return &IOError{Path: src, Op: "rename", Err: err}
	}
	return nil
}

// RenameIfExists renames src over dst when src exists; a missing src is not
// an error so that replay stays idempotent.
func RenameIfExists(src, dst string) error {
	if _, err := os.Stat(src); os.IsNotExist(err) {
		return nil
	}
	return Rename(src, dst)
}

// Remove deletes a file
func Remove(path string) error {
	if err := os.Remove(path); err != nil {
		return &IOError{Path: path, Op: "remove", Err: err}
	}
	return nil
}

// RemoveIfExists deletes a file when it exists
func RemoveIfExists(path string) error {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil
	}
	return Remove(path)
}
