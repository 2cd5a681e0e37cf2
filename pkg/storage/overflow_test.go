package storage

import (
	"bytes"
	"path/filepath"
	"strings"
	"testing"
)

func TestGFStringInlineLaw(t *testing.T) {
	ovf := NewInMemOverflowFile(filepath.Join(t.TempDir(), "t.col.ovf"))
	for length := 0; length <= 64; length++ {
		s := []byte(strings.Repeat("x", length))
		enc, err := EncodeGFString(s, ovf)
		if err != nil {
			t.Fatalf("encode length %d: %v", length, err)
		}
		if int(GFStringLength(enc[:])) != length {
			t.Fatalf("decoded length %d, want %d", GFStringLength(enc[:]), length)
		}
		inline := GFStringIsInline(enc[:])
		if (length <= GFStringInlineCap) != inline {
			t.Errorf("length %d: inline=%v, law requires inline iff length <= %d", length, inline, GFStringInlineCap)
		}
	}
}

func TestGFStringInlineRoundTrip(t *testing.T) {
	enc, err := EncodeGFString([]byte("short"), nil)
	if err != nil {
		t.Fatal(err)
	}
	if got := string(GFStringInline(enc[:])); got != "short" {
		t.Errorf("inline round trip = %q", got)
	}
}

func TestGFStringOverflowRoundTrip(t *testing.T) {
	// 26 characters: slot holds the 4-byte prefix plus an overflow pointer
	// whose target bytes equal the full string.
	value := "abcdefghijklmnopqrstuvwxyz"
	ovf := NewInMemOverflowFile(filepath.Join(t.TempDir(), "t.col.ovf"))
	enc, err := EncodeGFString([]byte(value), ovf)
	if err != nil {
		t.Fatal(err)
	}
	if GFStringIsInline(enc[:]) {
		t.Fatal("26-char string must not be inline")
	}
	if !bytes.Equal(enc[4:8], []byte("abcd")) {
		t.Errorf("prefix = %q, want abcd", enc[4:8])
	}
	cursor := GFStringOverflowCursor(enc[:])
	got := ovf.ReadBytes(cursor, GFStringLength(enc[:]))
	if string(got) != value {
		t.Errorf("overflow bytes = %q, want %q", got, value)
	}
}

func TestOverflowNoWrapAcrossPages(t *testing.T) {
	ovf := NewInMemOverflowFile(filepath.Join(t.TempDir(), "t.col.ovf"))
	big := bytes.Repeat([]byte("a"), PageSize-10)
	first := ovf.AppendBytes(big)
	if first.PageIdx != 0 || first.Offset != 0 {
		t.Fatalf("first allocation = %+v", first)
	}
	// 20 bytes do not fit in the 10 remaining: a fresh page must start.
	second := ovf.AppendBytes(bytes.Repeat([]byte("b"), 20))
	if second.PageIdx != 1 || second.Offset != 0 {
		t.Errorf("second allocation = %+v, want fresh page", second)
	}
}

func TestOverflowFileSaveAndRead(t *testing.T) {
	path := filepath.Join(t.TempDir(), "t.col.ovf")
	ovf := NewInMemOverflowFile(path)
	cursor := ovf.AppendBytes([]byte("persisted payload"))
	if err := ovf.SaveToFile(); err != nil {
		t.Fatal(err)
	}

	bm := NewBufferManager(4)
	opened, err := OpenOverflowFile(path, bm)
	if err != nil {
		t.Fatal(err)
	}
	defer opened.Close()
	got, err := opened.ReadString(cursor, uint32(len("persisted payload")))
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != "persisted payload" {
		t.Errorf("read back %q", got)
	}
}
