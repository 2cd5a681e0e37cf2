package loader

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"
)

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
	return path
}

func readAllRecords(t *testing.T, path string, chars CSVSpecialChars, blockIdx uint64) [][]string {
	t.Helper()
	reader, err := NewCSVReader(path, chars, blockIdx)
	if err != nil {
		t.Fatal(err)
	}
	defer reader.Close()

	var records [][]string
	for {
		ok, err := reader.HasNextLine()
		if err != nil {
			t.Fatal(err)
		}
		if !ok {
			return records
		}
		var tokens []string
		for {
			token, ok := reader.NextToken()
			if !ok {
				break
			}
			tokens = append(tokens, token)
		}
		records = append(records, tokens)
	}
}

func TestCSVReaderBasic(t *testing.T) {
	path := writeFile(t, t.TempDir(), "basic.csv",
		"ID:INT64,name:STRING\n# a comment\n0,alice\n1, bob \n\n2,\n")
	records := readAllRecords(t, path, CSVSpecialChars{}, 0)
	want := [][]string{
		{"ID:INT64", "name:STRING"},
		{"0", "alice"},
		{"1", "bob"}, // unquoted tokens are trimmed
		{"2", ""},    // trailing empty token is a null
	}
	if len(records) != len(want) {
		t.Fatalf("got %d records, want %d: %v", len(records), len(want), records)
	}
	for i := range want {
		if len(records[i]) != len(want[i]) {
			t.Fatalf("record %d = %v, want %v", i, records[i], want[i])
		}
		for j := range want[i] {
			if records[i][j] != want[i][j] {
				t.Errorf("record %d token %d = %q, want %q", i, j, records[i][j], want[i][j])
			}
		}
	}
}

func TestCSVReaderQuotesAndEscapes(t *testing.T) {
	path := writeFile(t, t.TempDir(), "quotes.csv",
		`a,"hello, world","esc\"aped","back\\slash"`+"\n"+
			`b,"multi`+"\n"+`line", plain ,"  spaced  "`+"\n")
	records := readAllRecords(t, path, CSVSpecialChars{}, 0)
	if len(records) != 2 {
		t.Fatalf("got %d records: %v", len(records), records)
	}
	first := records[0]
	if first[1] != "hello, world" {
		t.Errorf("quoted separator: %q", first[1])
	}
	if first[2] != `esc"aped` {
		t.Errorf("escaped quote: %q", first[2])
	}
	if first[3] != `back\slash` {
		t.Errorf("escaped escape: %q", first[3])
	}
	second := records[1]
	if second[1] != "multi\nline" {
		t.Errorf("newline in quotes: %q", second[1])
	}
	if second[2] != "plain" {
		t.Errorf("unquoted trim: %q", second[2])
	}
	if second[3] != "  spaced  " {
		t.Errorf("quoted tokens keep their whitespace: %q", second[3])
	}
}

func TestCSVReaderCustomSeparator(t *testing.T) {
	path := writeFile(t, t.TempDir(), "pipes.csv", "x|y\n1|two\n")
	records := readAllRecords(t, path, CSVSpecialChars{TokenSeparator: "|"}, 0)
	if len(records) != 2 || records[1][1] != "two" {
		t.Fatalf("records = %v", records)
	}
}

func TestCSVBlocksPartitionRecords(t *testing.T) {
	// Build a file larger than one reading block; adjacent blocks must
	// partition records without duplication or loss.
	dir := t.TempDir()
	path := filepath.Join(dir, "big.csv")
	file, err := os.Create(path)
	if err != nil {
		t.Fatal(err)
	}
	const numRecords = 400000
	for i := 0; i < numRecords; i++ {
		if _, err := fmt.Fprintf(file, "%d,value-%d-%s\n", i, i, "padpadpadpadpadpadpad"); err != nil {
			t.Fatal(err)
		}
	}
	if err := file.Close(); err != nil {
		t.Fatal(err)
	}

	numBlocks, err := NumBlocksInFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if numBlocks < 2 {
		t.Skipf("file did not exceed one block (%d)", numBlocks)
	}

	total := 0
	seen := make(map[string]bool)
	for b := uint64(0); b < numBlocks; b++ {
		for _, record := range readAllRecords(t, path, CSVSpecialChars{}, b) {
			if seen[record[0]] {
				t.Fatalf("record %s seen twice", record[0])
			}
			seen[record[0]] = true
			total++
		}
	}
	if total != numRecords {
		t.Errorf("blocks produced %d records, want %d", total, numRecords)
	}
}

func TestTrimToken(t *testing.T) {
	cases := map[string]string{
		"  x  ":  "x",
		"x":      "x",
		"   ":    "", // all-space token terminates at zero
		"":       "",
		"a b\t ": "a b",
	}
	for in, want := range cases {
		if got := trimToken(in); got != want {
			t.Errorf("trimToken(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestParseHeader(t *testing.T) {
	props2, props, err := parseHeader("f.csv", "ID:INT64,name:STRING", ',', false)
	if err != nil {
		t.Fatal(err)
	}
	if len(props2) != 2 || len(props) != 2 {
		t.Fatalf("parsed %d columns, %d props", len(props2), len(props))
	}
	if _, _, err := parseHeader("f.csv", "ID:INT64,ID:STRING", ',', false); err == nil {
		t.Error("duplicate column accepted")
	}
	if _, _, err := parseHeader("f.csv", "ID", ',', false); err == nil {
		t.Error("missing type accepted")
	}
	if _, _, err := parseHeader("f.csv", "ID:WAT", ',', false); err == nil {
		t.Error("unknown type accepted")
	}

	columns, props, err := parseHeader("r.csv", "START_ID:INT64,END_ID:INT64,since:INT64", ',', true)
	if err != nil {
		t.Fatal(err)
	}
	if !columns[0].Special || !columns[1].Special || columns[2].Special {
		t.Error("special column detection failed")
	}
	if len(props) != 1 || props[0].Name != "since" {
		t.Errorf("props = %v", props)
	}
}
