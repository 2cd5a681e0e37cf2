package index

import (
	"fmt"
	"path/filepath"
	"strings"
	"testing"

	"github.com/antonellof/VeronaDB/pkg/storage"
)

func TestInt64IndexBulkLoadAndLookup(t *testing.T) {
	path := filepath.Join(t.TempDir(), "n-0.pk.index")
	builder := NewBuilder(path, Int64Key)

	const numNodes = 5000
	builder.BulkReserve(numNodes)
	for offset := uint64(0); offset < numNodes; offset++ {
		if err := builder.AppendInt64(int64(offset*7), offset); err != nil {
			t.Fatal(err)
		}
	}
	if err := builder.Flush(); err != nil {
		t.Fatalf("flush failed: %v", err)
	}

	bm := storage.NewBufferManager(64)
	idx, err := Open(path, bm)
	if err != nil {
		t.Fatalf("open failed: %v", err)
	}
	defer idx.Close()

	if idx.NumEntries() != numNodes {
		t.Fatalf("numEntries = %d, want %d", idx.NumEntries(), numNodes)
	}
	// offset density: every offset is reachable through its key
	for offset := uint64(0); offset < numNodes; offset++ {
		got, found, err := idx.LookupInt64(int64(offset * 7))
		if err != nil {
			t.Fatal(err)
		}
		if !found || got != offset {
			t.Fatalf("lookup(%d) = (%d, %v), want (%d, true)", offset*7, got, found, offset)
		}
	}
	if _, found, _ := idx.LookupInt64(-1); found {
		t.Error("lookup of a missing key succeeded")
	}
}

func TestStringIndexInlineAndOverflowKeys(t *testing.T) {
	path := filepath.Join(t.TempDir(), "n-0.pk.index")
	builder := NewBuilder(path, StringKey)
	builder.BulkReserve(100)

	keys := []string{
		"a",
		"exactly8",
		"more-than-eight-bytes",
		strings.Repeat("k", 200),
	}
	for offset, key := range keys {
		if err := builder.AppendString(key, uint64(offset)); err != nil {
			t.Fatal(err)
		}
	}
	if err := builder.Flush(); err != nil {
		t.Fatal(err)
	}

	bm := storage.NewBufferManager(16)
	idx, err := Open(path, bm)
	if err != nil {
		t.Fatal(err)
	}
	defer idx.Close()

	for offset, key := range keys {
		got, found, err := idx.LookupString(key)
		if err != nil {
			t.Fatal(err)
		}
		if !found || got != uint64(offset) {
			t.Fatalf("lookup(%q) = (%d, %v), want (%d, true)", key, got, found, offset)
		}
	}
	if _, found, _ := idx.LookupString("missing"); found {
		t.Error("lookup of a missing key succeeded")
	}
	// same length as an existing overflow key, different content
	if _, found, _ := idx.LookupString(strings.Repeat("q", 200)); found {
		t.Error("lookup matched a different key of equal length")
	}
}

func TestOverflowSlotChains(t *testing.T) {
	path := filepath.Join(t.TempDir(), "n-0.pk.index")
	builder := NewBuilder(path, Int64Key)
	// a single primary slot forces chains past SLOT_CAPACITY
	builder.BulkReserve(1)
	const numKeys = 64
	for offset := uint64(0); offset < numKeys; offset++ {
		if err := builder.AppendInt64(int64(offset), offset); err != nil {
			t.Fatal(err)
		}
	}
	if err := builder.Flush(); err != nil {
		t.Fatal(err)
	}

	bm := storage.NewBufferManager(16)
	idx, err := Open(path, bm)
	if err != nil {
		t.Fatal(err)
	}
	defer idx.Close()

	for offset := uint64(0); offset < numKeys; offset++ {
		got, found, err := idx.LookupInt64(int64(offset))
		if err != nil {
			t.Fatal(err)
		}
		if !found || got != offset {
			t.Fatalf("lookup(%d) = (%d, %v)", offset, got, found)
		}
	}
}

func TestPrimarySlotSizing(t *testing.T) {
	cases := []struct {
		numNodes uint64
		want     uint64
	}{
		{0, 1},
		{6, 2},
		{100, 32},
	}
	for _, c := range cases {
		if got := numPrimarySlotsFor(c.numNodes); got != c.want {
			t.Errorf("numPrimarySlotsFor(%d) = %d, want %d", c.numNodes, got, c.want)
		}
	}
}

func TestEncodeInt64Key(t *testing.T) {
	k := EncodeInt64Key(0x0102030405060708)
	want := fmt.Sprintf("%x", []byte{8, 7, 6, 5, 4, 3, 2, 1})
	if fmt.Sprintf("%x", k) != want {
		t.Errorf("little-endian encoding mismatch: %x", k)
	}
}
