package loader

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/antonellof/VeronaDB/pkg/catalog"
	"github.com/antonellof/VeronaDB/pkg/index"
	"github.com/antonellof/VeronaDB/pkg/storage"
)

func writeDataset(t *testing.T, dir string, metadata DatasetMetadata, files map[string]string) {
	t.Helper()
	for name, content := range files {
		writeFile(t, dir, name, content)
	}
	raw, err := json.Marshal(metadata)
	if err != nil {
		t.Fatal(err)
	}
	writeFile(t, dir, MetadataFileName, string(raw))
}

func runLoad(t *testing.T, inputDir string) string {
	t.Helper()
	outputDir := filepath.Join(t.TempDir(), "db")
	gl := NewGraphLoader(inputDir, outputDir, 2, nil)
	if err := gl.Load(); err != nil {
		t.Fatalf("load failed: %v", err)
	}
	return outputDir
}

func loadedSnapshot(t *testing.T, outputDir string) *catalog.Snapshot {
	t.Helper()
	cat, err := catalog.LoadFromFile(outputDir)
	if err != nil {
		t.Fatalf("failed to load catalog: %v", err)
	}
	return cat.ReadOnlyVersion()
}

func TestTinyLoad(t *testing.T) {
	inputDir := t.TempDir()
	writeDataset(t, inputDir, DatasetMetadata{
		NodeFileDescriptions: []NodeFileDescription{
			{FilePath: "nodes.csv", LabelName: "person", PrimaryKeyPropertyName: "name"},
		},
	}, map[string]string{
		"nodes.csv": "ID:INT64,name:STRING\n0,alice\n1,bob\n",
	})
	outputDir := runLoad(t, inputDir)

	snapshot := loadedSnapshot(t, outputDir)
	person, err := snapshot.NodeTable("person")
	if err != nil {
		t.Fatal(err)
	}
	if person.NumNodes != 2 {
		t.Fatalf("numNodes = %d, want 2", person.NumNodes)
	}

	bm := storage.NewBufferManager(64)
	idx, err := index.Open(filepath.Join(outputDir, storage.NodeIndexName(person.ID)), bm)
	if err != nil {
		t.Fatal(err)
	}
	defer idx.Close()
	offset, found, err := idx.LookupString("alice")
	if err != nil || !found || offset != 0 {
		t.Errorf("index[alice] = (%d, %v, %v), want (0, true, nil)", offset, found, err)
	}
	if idx.NumEntries() != person.NumNodes {
		t.Errorf("index size %d != numNodes %d", idx.NumEntries(), person.NumNodes)
	}

	nameProp := person.Properties[1]
	colPath := filepath.Join(outputDir, storage.NodePropertyColumnName(person.ID, nameProp.ID))
	col, err := storage.OpenColumn(colPath, nameProp.Type.Size(), bm)
	if err != nil {
		t.Fatal(err)
	}
	defer col.Close()
	slot, null, err := col.Read(0)
	if err != nil || null {
		t.Fatalf("column[name][0]: err=%v null=%v", err, null)
	}
	if !storage.GFStringIsInline(slot) || string(storage.GFStringInline(slot)) != "alice" {
		t.Errorf("column[name][0] = %q", storage.GFStringInline(slot))
	}

	// the nodes meta file carries the count
	n, err := ReadNodesMeta(filepath.Join(outputDir, storage.NodesMetaName("person")))
	if err != nil || n != 2 {
		t.Errorf("nodes meta = (%d, %v)", n, err)
	}
}

func knowsDataset(t *testing.T, inputDir, multiplicity string) {
	writeDataset(t, inputDir, DatasetMetadata{
		NodeFileDescriptions: []NodeFileDescription{
			{FilePath: "persons.csv", LabelName: "person", PrimaryKeyPropertyName: "ID"},
		},
		RelFileDescriptions: []RelFileDescription{
			{
				FilePath:          "knows.csv",
				LabelName:         "knows",
				RelMultiplicity:   multiplicity,
				SrcNodeLabelNames: []string{"person"},
				DstNodeLabelNames: []string{"person"},
			},
		},
	}, map[string]string{
		"persons.csv": "ID:INT64\n0\n1\n2\n",
		"knows.csv":   "START_ID:INT64,END_ID:INT64,since:INT64\n0,1,2010\n0,2,2011\n1,2,2012\n",
	})
}

func TestManyManyLoad(t *testing.T) {
	inputDir := t.TempDir()
	knowsDataset(t, inputDir, "MANY_MANY")
	outputDir := runLoad(t, inputDir)
	snapshot := loadedSnapshot(t, outputDir)

	person, _ := snapshot.NodeTable("person")
	knows, err := snapshot.RelTable("knows")
	if err != nil {
		t.Fatal(err)
	}
	if knows.NumRels[storage.FWD] != 3 || knows.NumRels[storage.BWD] != 3 {
		t.Fatalf("numRels = %v", knows.NumRels)
	}

	bm := storage.NewBufferManager(64)
	expectFwd := map[uint64][]uint64{0: {1, 2}, 1: {2}, 2: {}}
	expectBwd := map[uint64][]uint64{0: {}, 1: {0}, 2: {0, 1}}
	for _, c := range []struct {
		d      storage.Direction
		expect map[uint64][]uint64
	}{{storage.FWD, expectFwd}, {storage.BWD, expectBwd}} {
		path := filepath.Join(outputDir, storage.AdjListsName(knows.ID, person.ID, c.d))
		lists, err := storage.OpenAdjLists(path, person.ID, bm)
		if err != nil {
			t.Fatalf("open %s lists: %v", c.d, err)
		}
		var total uint64
		for offset, want := range c.expect {
			nbrs, err := lists.ReadList(offset)
			if err != nil {
				t.Fatal(err)
			}
			if len(nbrs) != len(want) {
				t.Fatalf("%s list at %d = %v, want offsets %v", c.d, offset, nbrs, want)
			}
			for i, wantOffset := range want {
				if nbrs[i].Offset != wantOffset {
					t.Errorf("%s list at %d element %d = %d, want %d (CSV order)", c.d, offset, i, nbrs[i].Offset, wantOffset)
				}
			}
			total += lists.ListSize(offset)
		}
		// header/metadata agreement: sizes sum to the direction's rel count
		if total != knows.NumRels[c.d] {
			t.Errorf("%s list sizes sum to %d, numRels is %d", c.d, total, knows.NumRels[c.d])
		}
		lists.Close()
	}

	// bidirectional consistency for the pair (0, 2)
	fwd, _ := storage.OpenAdjLists(filepath.Join(outputDir, storage.AdjListsName(knows.ID, person.ID, storage.FWD)), person.ID, bm)
	defer fwd.Close()
	bwd, _ := storage.OpenAdjLists(filepath.Join(outputDir, storage.AdjListsName(knows.ID, person.ID, storage.BWD)), person.ID, bm)
	defer bwd.Close()
	fwdNbrs, _ := fwd.ReadList(0)
	bwdNbrs, _ := bwd.ReadList(2)
	countFwd, countBwd := 0, 0
	for _, nbr := range fwdNbrs {
		if nbr.Offset == 2 {
			countFwd++
		}
	}
	for _, nbr := range bwdNbrs {
		if nbr.Offset == 0 {
			countBwd++
		}
	}
	if countFwd != countBwd {
		t.Errorf("pair (0,2): FWD count %d != BWD count %d", countFwd, countBwd)
	}
}

func TestManyOneLoadUsesColumns(t *testing.T) {
	inputDir := t.TempDir()
	writeDataset(t, inputDir, DatasetMetadata{
		NodeFileDescriptions: []NodeFileDescription{
			{FilePath: "persons.csv", LabelName: "person", PrimaryKeyPropertyName: "ID"},
		},
		RelFileDescriptions: []RelFileDescription{
			{
				FilePath:          "worksAt.csv",
				LabelName:         "worksAt",
				RelMultiplicity:   "MANY_ONE",
				SrcNodeLabelNames: []string{"person"},
				DstNodeLabelNames: []string{"person"},
			},
		},
	}, map[string]string{
		"persons.csv": "ID:INT64\n0\n1\n2\n",
		"worksAt.csv": "START_ID:INT64,END_ID:INT64\n0,2\n1,2\n",
	})
	outputDir := runLoad(t, inputDir)
	snapshot := loadedSnapshot(t, outputDir)
	person, _ := snapshot.NodeTable("person")
	worksAt, _ := snapshot.RelTable("worksAt")

	bm := storage.NewBufferManager(64)
	// FWD is single multiplicity: an adjacency column per source
	colPath := filepath.Join(outputDir, storage.AdjColumnName(worksAt.ID, person.ID, storage.FWD))
	col, err := storage.OpenAdjColumn(colPath, worksAt.Compression[storage.FWD], person.ID, bm)
	if err != nil {
		t.Fatal(err)
	}
	defer col.Close()
	nbr, exists, err := col.Read(0)
	if err != nil || !exists || nbr.Offset != 2 {
		t.Errorf("adj column[0] = (%+v, %v, %v)", nbr, exists, err)
	}
	if _, exists, _ := col.Read(2); exists {
		t.Error("offset 2 has no outgoing rel")
	}

	// BWD is MANY: lists
	listsPath := filepath.Join(outputDir, storage.AdjListsName(worksAt.ID, person.ID, storage.BWD))
	lists, err := storage.OpenAdjLists(listsPath, person.ID, bm)
	if err != nil {
		t.Fatal(err)
	}
	defer lists.Close()
	if lists.ListSize(2) != 2 {
		t.Errorf("BWD list size at 2 = %d, want 2", lists.ListSize(2))
	}
}

func TestRoundTripPropertyValues(t *testing.T) {
	inputDir := t.TempDir()
	longName := "abcdefghijklmnopqrstuvwxyz"
	writeDataset(t, inputDir, DatasetMetadata{
		NodeFileDescriptions: []NodeFileDescription{
			{FilePath: "nodes.csv", LabelName: "item", PrimaryKeyPropertyName: "ID"},
		},
	}, map[string]string{
		"nodes.csv": "ID:INT64,name:STRING,score:DOUBLE,ok:BOOLEAN,born:DATE\n" +
			"7," + longName + ",1.5,true,2000-02-29\n" +
			"8,bob,-2.25,false,1970-01-01\n",
	})
	outputDir := runLoad(t, inputDir)
	snapshot := loadedSnapshot(t, outputDir)
	item, _ := snapshot.NodeTable("item")

	bm := storage.NewBufferManager(64)
	readSlot := func(propIdx int, offset uint64) []byte {
		prop := item.Properties[propIdx]
		col, err := storage.OpenColumn(filepath.Join(outputDir, storage.NodePropertyColumnName(item.ID, prop.ID)), prop.Type.Size(), bm)
		if err != nil {
			t.Fatal(err)
		}
		defer col.Close()
		slot, null, err := col.Read(offset)
		if err != nil || null {
			t.Fatalf("prop %s offset %d: err=%v null=%v", prop.Name, offset, err, null)
		}
		return slot
	}

	if v, _ := catalog.DecodeValue(catalog.Int64, readSlot(0, 0)); v.(int64) != 7 {
		t.Errorf("ID[0] = %v", v)
	}
	if v, _ := catalog.DecodeValue(catalog.Double, readSlot(2, 1)); v.(float64) != -2.25 {
		t.Errorf("score[1] = %v", v)
	}
	if v, _ := catalog.DecodeValue(catalog.Boolean, readSlot(3, 0)); v.(bool) != true {
		t.Errorf("ok[0] = %v", v)
	}
	if v, _ := catalog.DecodeValue(catalog.Date, readSlot(4, 0)); v.(string) != "2000-02-29" {
		t.Errorf("born[0] = %v", v)
	}

	// long string: prefix inline, full bytes through the sorted overflow
	slot := readSlot(1, 0)
	if storage.GFStringIsInline(slot) {
		t.Fatal("26-char name must not be inline")
	}
	if string(slot[4:8]) != "abcd" {
		t.Errorf("prefix = %q", slot[4:8])
	}
	nameProp := item.Properties[1]
	ovfPath := storage.OverflowPath(filepath.Join(outputDir, storage.NodePropertyColumnName(item.ID, nameProp.ID)))
	ovf, err := storage.OpenOverflowFile(ovfPath, bm)
	if err != nil {
		t.Fatal(err)
	}
	defer ovf.Close()
	raw, err := ovf.ReadString(storage.GFStringOverflowCursor(slot), storage.GFStringLength(slot))
	if err != nil {
		t.Fatal(err)
	}
	if string(raw) != longName {
		t.Errorf("overflow round trip = %q, want %q", raw, longName)
	}
}

func TestLoadFailureCleansOutputDir(t *testing.T) {
	inputDir := t.TempDir()
	writeDataset(t, inputDir, DatasetMetadata{
		NodeFileDescriptions: []NodeFileDescription{
			{FilePath: "nodes.csv", LabelName: "person", PrimaryKeyPropertyName: "ID"},
		},
	}, map[string]string{
		"nodes.csv": "ID:INT64,name:STRING\nnot-a-number,alice\n",
	})
	outputDir := filepath.Join(t.TempDir(), "db")
	gl := NewGraphLoader(inputDir, outputDir, 2, nil)
	err := gl.Load()
	if err == nil {
		t.Fatal("load of a bad dataset succeeded")
	}
	if _, ok := err.(*LoaderError); !ok {
		t.Errorf("error type %T, want *LoaderError", err)
	}
	if _, statErr := os.Stat(outputDir); !os.IsNotExist(statErr) {
		t.Error("failed load left the output directory behind")
	}
}

func TestDuplicateHeaderNameIsFatal(t *testing.T) {
	inputDir := t.TempDir()
	writeDataset(t, inputDir, DatasetMetadata{
		NodeFileDescriptions: []NodeFileDescription{
			{FilePath: "nodes.csv", LabelName: "person", PrimaryKeyPropertyName: "ID"},
		},
	}, map[string]string{
		"nodes.csv": "ID:INT64,ID:STRING\n0,x\n",
	})
	gl := NewGraphLoader(inputDir, filepath.Join(t.TempDir(), "db"), 1, nil)
	if err := gl.Load(); err == nil {
		t.Fatal("duplicate header accepted")
	}
}

func TestUnstructuredPropertyNamesRegistered(t *testing.T) {
	inputDir := t.TempDir()
	writeDataset(t, inputDir, DatasetMetadata{
		NodeFileDescriptions: []NodeFileDescription{
			{FilePath: "nodes.csv", LabelName: "person", PrimaryKeyPropertyName: "ID"},
		},
	}, map[string]string{
		"nodes.csv": "ID:INT64\n0,height:180\n1,age:30,height:170\n",
	})
	outputDir := runLoad(t, inputDir)
	snapshot := loadedSnapshot(t, outputDir)
	person, _ := snapshot.NodeTable("person")
	found := map[string]bool{}
	for _, name := range person.UnstructuredProps {
		found[name] = true
	}
	if !found["height"] || !found["age"] {
		t.Errorf("unstructured props = %v", person.UnstructuredProps)
	}
}
