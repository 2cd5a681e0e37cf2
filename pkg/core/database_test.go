package core

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/antonellof/VeronaDB/pkg/loader"
	"github.com/antonellof/VeronaDB/pkg/storage"
	"github.com/antonellof/VeronaDB/pkg/transaction"
)

// buildFixture loads a small person/knows graph and returns the database
// directory.
func buildFixture(t *testing.T) string {
	t.Helper()
	inputDir := t.TempDir()
	metadata := loader.DatasetMetadata{
		NodeFileDescriptions: []loader.NodeFileDescription{
			{FilePath: "persons.csv", LabelName: "person", PrimaryKeyPropertyName: "ID"},
		},
		RelFileDescriptions: []loader.RelFileDescription{
			{
				FilePath:          "knows.csv",
				LabelName:         "knows",
				RelMultiplicity:   "MANY_MANY",
				SrcNodeLabelNames: []string{"person"},
				DstNodeLabelNames: []string{"person"},
			},
		},
	}
	raw, err := json.Marshal(metadata)
	if err != nil {
		t.Fatal(err)
	}
	files := map[string]string{
		"persons.csv":         "ID:INT64,name:STRING,age:INT64\n0,alice,30\n1,bob,40\n2,carol,50\n",
		"knows.csv":           "START_ID:INT64,END_ID:INT64\n0,1\n0,2\n1,2\n",
		loader.MetadataFileName: string(raw),
	}
	for name, content := range files {
		if err := os.WriteFile(filepath.Join(inputDir, name), []byte(content), 0644); err != nil {
			t.Fatal(err)
		}
	}
	outputDir := filepath.Join(t.TempDir(), "db")
	if err := loader.NewGraphLoader(inputDir, outputDir, 2, nil).Load(); err != nil {
		t.Fatalf("fixture load failed: %v", err)
	}
	return outputDir
}

func openFixture(t *testing.T, dir string) *VeronaDB {
	t.Helper()
	db := NewDatabase(nil)
	if err := db.Open(DefaultConfig(dir)); err != nil {
		t.Fatalf("open failed: %v", err)
	}
	return db
}

func TestOpenAndRead(t *testing.T) {
	dir := buildFixture(t)
	db := openFixture(t, dir)
	defer db.Close()

	tx := db.BeginRead()
	defer db.EndRead(tx)

	name, err := db.NodeProperty(tx, "person", 0, "name")
	if err != nil {
		t.Fatal(err)
	}
	if name != "alice" {
		t.Errorf("name[0] = %v, want alice", name)
	}
	offset, found, err := db.LookupNode("person", int64(2))
	if err != nil || !found || offset != 2 {
		t.Errorf("lookup(2) = (%d, %v, %v)", offset, found, err)
	}

	nbrs, err := db.Adjacency(tx, "knows", storage.FWD, storage.NodeID{Table: 0, Offset: 0})
	if err != nil {
		t.Fatal(err)
	}
	if len(nbrs) != 2 || nbrs[0].Offset != 1 || nbrs[1].Offset != 2 {
		t.Errorf("FWD adjacency of 0 = %v", nbrs)
	}
	bwd, err := db.Adjacency(tx, "knows", storage.BWD, storage.NodeID{Table: 0, Offset: 2})
	if err != nil {
		t.Fatal(err)
	}
	if len(bwd) != 2 {
		t.Errorf("BWD adjacency of 2 = %v", bwd)
	}
}

func TestSetPropertyRollback(t *testing.T) {
	dir := buildFixture(t)
	db := openFixture(t, dir)
	defer db.Close()

	tx, err := db.BeginWrite()
	if err != nil {
		t.Fatal(err)
	}
	if err := db.SetNodeProperty(tx, "person", 1, "age", int64(99)); err != nil {
		t.Fatal(err)
	}
	// the writer observes its own change
	if v, _ := db.NodeProperty(tx, "person", 1, "age"); v.(int64) != 99 {
		t.Errorf("writer sees %v, want 99", v)
	}
	if err := db.Rollback(tx); err != nil {
		t.Fatal(err)
	}

	rtx := db.BeginRead()
	defer db.EndRead(rtx)
	if v, _ := db.NodeProperty(rtx, "person", 1, "age"); v.(int64) != 40 {
		t.Errorf("after rollback age = %v, want 40", v)
	}
	assertNoShadowFiles(t, dir)
}

func TestCommitCheckpointPublishes(t *testing.T) {
	dir := buildFixture(t)
	db := openFixture(t, dir)
	defer db.Close()

	tx, err := db.BeginWrite()
	if err != nil {
		t.Fatal(err)
	}
	if err := db.SetNodeProperty(tx, "person", 0, "age", int64(31)); err != nil {
		t.Fatal(err)
	}
	longName := "a-name-well-beyond-the-inline-capacity"
	if err := db.SetNodeProperty(tx, "person", 0, "name", longName); err != nil {
		t.Fatal(err)
	}
	if err := db.Commit(tx); err != nil {
		t.Fatalf("commit failed: %v", err)
	}

	// before checkpoint, readers observe the pre-transaction snapshot
	rtx := db.BeginRead()
	if v, _ := db.NodeProperty(rtx, "person", 0, "age"); v.(int64) != 30 {
		t.Errorf("reader before checkpoint sees %v, want 30", v)
	}
	db.EndRead(rtx)

	if err := db.Checkpoint(tx); err != nil {
		t.Fatalf("checkpoint failed: %v", err)
	}
	rtx = db.BeginRead()
	defer db.EndRead(rtx)
	if v, _ := db.NodeProperty(rtx, "person", 0, "age"); v.(int64) != 31 {
		t.Errorf("after checkpoint age = %v, want 31", v)
	}
	if v, _ := db.NodeProperty(rtx, "person", 0, "name"); v.(string) != longName {
		t.Errorf("after checkpoint name = %v", v)
	}
	assertNoShadowFiles(t, dir)
}

func TestCommitSurvivesCrashBeforeCheckpoint(t *testing.T) {
	dir := buildFixture(t)
	db := openFixture(t, dir)

	tx, err := db.BeginWrite()
	if err != nil {
		t.Fatal(err)
	}
	if err := db.SetNodeProperty(tx, "person", 2, "age", int64(77)); err != nil {
		t.Fatal(err)
	}
	if err := db.Commit(tx); err != nil {
		t.Fatal(err)
	}
	// crash: no checkpoint, just drop the process state
	if err := db.Close(); err != nil {
		t.Fatal(err)
	}

	// restart replays the committed WAL into the canonical files
	db2 := openFixture(t, dir)
	defer db2.Close()
	rtx := db2.BeginRead()
	defer db2.EndRead(rtx)
	if v, _ := db2.NodeProperty(rtx, "person", 2, "age"); v.(int64) != 77 {
		t.Errorf("after crash restart age = %v, want 77", v)
	}
	assertNoShadowFiles(t, dir)
}

func TestUncommittedChangesDiscardedOnRestart(t *testing.T) {
	dir := buildFixture(t)
	db := openFixture(t, dir)

	tx, err := db.BeginWrite()
	if err != nil {
		t.Fatal(err)
	}
	if err := db.SetNodeProperty(tx, "person", 2, "age", int64(123)); err != nil {
		t.Fatal(err)
	}
	// buffered only, never committed
	if err := db.Close(); err != nil {
		t.Fatal(err)
	}

	db2 := openFixture(t, dir)
	defer db2.Close()
	rtx := db2.BeginRead()
	defer db2.EndRead(rtx)
	if v, _ := db2.NodeProperty(rtx, "person", 2, "age"); v.(int64) != 50 {
		t.Errorf("uncommitted change survived: age = %v, want 50", v)
	}
}

func TestCheckpointTimeoutWithActiveReader(t *testing.T) {
	dir := buildFixture(t)
	db := NewDatabase(nil)
	cfg := DefaultConfig(dir)
	cfg.CheckpointWaitTimeout = 10 * time.Millisecond
	if err := db.Open(cfg); err != nil {
		t.Fatal(err)
	}
	defer db.Close()

	reader := db.BeginRead()
	tx, err := db.BeginWrite()
	if err != nil {
		t.Fatal(err)
	}
	if err := db.SetNodeProperty(tx, "person", 0, "age", int64(31)); err != nil {
		t.Fatal(err)
	}
	if err := db.Commit(tx); err != nil {
		t.Fatal(err)
	}

	err = db.Checkpoint(tx)
	var timeoutErr *transaction.TimeoutError
	if !errors.As(err, &timeoutErr) {
		t.Fatalf("checkpoint with an active reader = %v, want TimeoutError", err)
	}
	// canonical state unchanged
	if v, _ := db.NodeProperty(reader, "person", 0, "age"); v.(int64) != 30 {
		t.Errorf("reader sees %v after failed checkpoint, want 30", v)
	}

	// once the reader leaves, the checkpoint goes through
	db.EndRead(reader)
	if err := db.Checkpoint(tx); err != nil {
		t.Fatalf("checkpoint after reader left: %v", err)
	}
	rtx := db.BeginRead()
	defer db.EndRead(rtx)
	if v, _ := db.NodeProperty(rtx, "person", 0, "age"); v.(int64) != 31 {
		t.Errorf("age = %v, want 31", v)
	}
}

func TestAddRelVisibleAfterCheckpoint(t *testing.T) {
	dir := buildFixture(t)
	db := openFixture(t, dir)
	defer db.Close()

	tx, err := db.BeginWrite()
	if err != nil {
		t.Fatal(err)
	}
	src := storage.NodeID{Table: 0, Offset: 2}
	dst := storage.NodeID{Table: 0, Offset: 0}
	if err := db.AddRel(tx, "knows", src, dst, nil); err != nil {
		t.Fatal(err)
	}

	// the writer already observes the inserted rel
	nbrs, err := db.Adjacency(tx, "knows", storage.FWD, src)
	if err != nil {
		t.Fatal(err)
	}
	if len(nbrs) != 1 || nbrs[0] != dst {
		t.Fatalf("writer FWD adjacency of 2 = %v", nbrs)
	}

	if err := db.Commit(tx); err != nil {
		t.Fatalf("commit failed: %v", err)
	}
	if err := db.Checkpoint(tx); err != nil {
		t.Fatalf("checkpoint failed: %v", err)
	}

	rtx := db.BeginRead()
	defer db.EndRead(rtx)
	nbrs, err = db.Adjacency(rtx, "knows", storage.FWD, src)
	if err != nil {
		t.Fatal(err)
	}
	if len(nbrs) != 1 || nbrs[0] != dst {
		t.Errorf("FWD adjacency of 2 after checkpoint = %v", nbrs)
	}
	// both representations exist
	bwd, err := db.Adjacency(rtx, "knows", storage.BWD, dst)
	if err != nil {
		t.Fatal(err)
	}
	foundSrc := false
	for _, nbr := range bwd {
		if nbr == src {
			foundSrc = true
		}
	}
	if !foundSrc {
		t.Errorf("BWD adjacency of 0 after checkpoint = %v, missing %v", bwd, src)
	}

	stats := db.Stats()
	if stats.RelTables[0].NumRels != 4 {
		t.Errorf("numRels = %d, want 4", stats.RelTables[0].NumRels)
	}
}

func assertNoShadowFiles(t *testing.T, dir string) {
	t.Helper()
	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatal(err)
	}
	for _, entry := range entries {
		if storage.IsShadowPath(entry.Name()) {
			t.Errorf("shadow file %s left behind", entry.Name())
		}
	}
}
