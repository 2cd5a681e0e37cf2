package storage

import (
	"bytes"
	"encoding/binary"
	"path/filepath"
	"testing"
)

func encodeU64(v uint64) []byte {
	buf := make([]byte, 8)
	binary.LittleEndian.PutUint64(buf, v)
	return buf
}

func TestInMemColumnRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "n-0-0.col")
	const numNodes = 2000 // spans multiple pages at 8 bytes per slot
	col := NewInMemColumn(path, 8, numNodes)

	for offset := uint64(0); offset < numNodes; offset += 2 {
		col.SetValue(offset, encodeU64(offset*3))
	}
	if err := col.SaveToFile(); err != nil {
		t.Fatalf("save failed: %v", err)
	}

	bm := NewBufferManager(16)
	opened, err := OpenColumn(path, 8, bm)
	if err != nil {
		t.Fatalf("open failed: %v", err)
	}
	defer opened.Close()

	for offset := uint64(0); offset < numNodes; offset++ {
		slot, null, err := opened.Read(offset)
		if err != nil {
			t.Fatalf("read %d failed: %v", offset, err)
		}
		if offset%2 == 0 {
			if null {
				t.Fatalf("offset %d unexpectedly null", offset)
			}
			if got := binary.LittleEndian.Uint64(slot); got != offset*3 {
				t.Fatalf("offset %d = %d, want %d", offset, got, offset*3)
			}
		} else if !null {
			t.Fatalf("offset %d should be null", offset)
		}
	}
}

func TestColumnWrite(t *testing.T) {
	path := filepath.Join(t.TempDir(), "n-0-0.col")
	col := NewInMemColumn(path, 8, 10)
	col.SetValue(1, encodeU64(11))
	if err := col.SaveToFile(); err != nil {
		t.Fatal(err)
	}

	bm := NewBufferManager(4)
	opened, err := OpenColumn(path, 8, bm)
	if err != nil {
		t.Fatal(err)
	}
	defer opened.Close()

	if err := opened.Write(2, encodeU64(22)); err != nil {
		t.Fatalf("write failed: %v", err)
	}
	slot, null, err := opened.Read(2)
	if err != nil || null {
		t.Fatalf("read back: err=%v null=%v", err, null)
	}
	if binary.LittleEndian.Uint64(slot) != 22 {
		t.Errorf("read back %d, want 22", binary.LittleEndian.Uint64(slot))
	}
}

func TestAdjColumn(t *testing.T) {
	path := filepath.Join(t.TempDir(), "r-0-0-fwd.col")
	compression := NewNodeIDCompression(1, 0, 500)
	col := NewInMemAdjColumn(path, compression, 100)
	col.Set(7, NodeID{Table: 0, Offset: 432})
	if err := col.SaveToFile(); err != nil {
		t.Fatal(err)
	}

	bm := NewBufferManager(4)
	opened, err := OpenAdjColumn(path, compression, 0, bm)
	if err != nil {
		t.Fatal(err)
	}
	defer opened.Close()

	nbr, exists, err := opened.Read(7)
	if err != nil || !exists {
		t.Fatalf("read: err=%v exists=%v", err, exists)
	}
	if nbr.Offset != 432 {
		t.Errorf("neighbor offset = %d, want 432", nbr.Offset)
	}
	if _, exists, _ := opened.Read(8); exists {
		t.Error("offset 8 should have no neighbor")
	}
}

func TestBufferManagerPinUnpin(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.col")
	pf, err := OpenPagedFile(path)
	if err != nil {
		t.Fatal(err)
	}
	defer pf.Close()
	page := make([]byte, PageSize)
	copy(page, []byte("frame content"))
	if _, err := pf.AppendPage(page); err != nil {
		t.Fatal(err)
	}

	bm := NewBufferManager(2)
	frame, err := bm.Pin(pf, 0)
	if err != nil {
		t.Fatalf("pin failed: %v", err)
	}
	if !bytes.Contains(frame.Data, []byte("frame content")) {
		t.Error("frame does not reflect the page")
	}
	copy(frame.Data, []byte("dirty content"))
	bm.Unpin(frame, true)

	if err := bm.FlushAll(); err != nil {
		t.Fatalf("flush failed: %v", err)
	}
	got := make([]byte, PageSize)
	if err := pf.ReadPage(0, got); err != nil {
		t.Fatal(err)
	}
	if !bytes.Contains(got, []byte("dirty content")) {
		t.Error("dirty frame was not flushed")
	}

	stats := bm.Stats()
	if stats.Misses != 1 {
		t.Errorf("misses = %d, want 1", stats.Misses)
	}
	if _, err := bm.Pin(pf, 0); err != nil {
		t.Fatal(err)
	}
	if bm.Stats().Hits != 1 {
		t.Errorf("hits = %d, want 1", bm.Stats().Hits)
	}
}
