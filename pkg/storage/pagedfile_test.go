package storage

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func TestPagedFileReadWrite(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.col")
	pf, err := OpenPagedFile(path)
	if err != nil {
		t.Fatalf("failed to create paged file: %v", err)
	}

	page := make([]byte, PageSize)
	copy(page, []byte("hello pages"))
	pageIdx, err := pf.AppendPage(page)
	if err != nil {
		t.Fatalf("append failed: %v", err)
	}
	if pageIdx != 0 {
		t.Errorf("first appended page = %d, want 0", pageIdx)
	}
	if pf.NumPages() != 1 {
		t.Errorf("numPages = %d, want 1", pf.NumPages())
	}

	got := make([]byte, PageSize)
	if err := pf.ReadPage(0, got); err != nil {
		t.Fatalf("read failed: %v", err)
	}
	if !bytes.Equal(got, page) {
		t.Error("page content mismatch")
	}
	if err := pf.Sync(); err != nil {
		t.Fatalf("sync failed: %v", err)
	}
	if err := pf.Close(); err != nil {
		t.Fatalf("close failed: %v", err)
	}

	// Reopen validates the header and recovers the page count.
	pf, err = OpenPagedFile(path)
	if err != nil {
		t.Fatalf("reopen failed: %v", err)
	}
	defer pf.Close()
	if pf.NumPages() != 1 {
		t.Errorf("numPages after reopen = %d, want 1", pf.NumPages())
	}
	if err := pf.ReadPage(0, got); err != nil {
		t.Fatalf("read after reopen failed: %v", err)
	}
	if !bytes.Equal(got, page) {
		t.Error("page content mismatch after reopen")
	}
}

func TestPagedFileReadOutOfRange(t *testing.T) {
	pf, err := OpenPagedFile(filepath.Join(t.TempDir(), "test.col"))
	if err != nil {
		t.Fatalf("failed to create paged file: %v", err)
	}
	defer pf.Close()

	buf := make([]byte, PageSize)
	if err := pf.ReadPage(0, buf); !errors.Is(err, ErrPageOutOfRange) {
		t.Errorf("reading a never-written page = %v, want ErrPageOutOfRange", err)
	}
}

func TestPagedFileRejectsBadMagic(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.col")
	if err := os.WriteFile(path, make([]byte, FileHeaderSize), 0644); err != nil {
		t.Fatal(err)
	}
	if _, err := OpenPagedFile(path); err == nil {
		t.Error("expected an error opening a file with a zero magic")
	}
}
