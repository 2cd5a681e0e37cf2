package server

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/antonellof/VeronaDB/pkg/core"
	"github.com/antonellof/VeronaDB/pkg/loader"
)

func newTestServer(t *testing.T) (*Server, *core.VeronaDB) {
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
		"persons.csv":           "ID:INT64,name:STRING\n0,alice\n1,bob\n",
		"knows.csv":             "START_ID:INT64,END_ID:INT64\n0,1\n",
		loader.MetadataFileName: string(raw),
	}
	for name, content := range files {
		if err := os.WriteFile(filepath.Join(inputDir, name), []byte(content), 0644); err != nil {
			t.Fatal(err)
		}
	}
	dbDir := filepath.Join(t.TempDir(), "db")
	if err := loader.NewGraphLoader(inputDir, dbDir, 1, nil).Load(); err != nil {
		t.Fatalf("fixture load failed: %v", err)
	}

	db := core.NewDatabase(nil)
	if err := db.Open(core.DefaultConfig(dbDir)); err != nil {
		t.Fatalf("open failed: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	srv := NewServer(db, &ServerConfig{
		Host:         "localhost",
		Port:         0,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 5 * time.Second,
	}, nil)
	return srv, db
}

func get(t *testing.T, handler http.Handler, path string) (int, map[string]interface{}) {
	t.Helper()
	req := httptest.NewRequest("GET", path, nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	var body map[string]interface{}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("invalid JSON from %s: %v", path, err)
	}
	return rec.Code, body
}

func TestHealthEndpoint(t *testing.T) {
	srv, _ := newTestServer(t)
	code, body := get(t, srv.router, "/health")
	if code != http.StatusOK {
		t.Fatalf("status = %d", code)
	}
	if body["status"] != "healthy" {
		t.Errorf("status field = %v", body["status"])
	}
	if body["total_nodes"].(float64) != 2 {
		t.Errorf("total_nodes = %v", body["total_nodes"])
	}
}

func TestNodePropertyEndpoint(t *testing.T) {
	srv, _ := newTestServer(t)
	code, body := get(t, srv.router, "/tables/person/nodes/0/properties/name")
	if code != http.StatusOK {
		t.Fatalf("status = %d, body = %v", code, body)
	}
	if body["value"] != "alice" {
		t.Errorf("value = %v, want alice", body["value"])
	}

	code, _ = get(t, srv.router, "/tables/person/nodes/9/properties/name")
	if code != http.StatusNotFound {
		t.Errorf("out-of-range read status = %d, want 404", code)
	}
}

func TestAdjacencyEndpoint(t *testing.T) {
	srv, _ := newTestServer(t)
	code, body := get(t, srv.router, "/rels/knows/fwd/0/0")
	if code != http.StatusOK {
		t.Fatalf("status = %d, body = %v", code, body)
	}
	nbrs := body["neighbors"].([]interface{})
	if len(nbrs) != 1 {
		t.Fatalf("neighbors = %v", nbrs)
	}
	nbr := nbrs[0].(map[string]interface{})
	if nbr["offset"].(float64) != 1 {
		t.Errorf("neighbor = %v", nbr)
	}

	code, _ = get(t, srv.router, "/rels/knows/sideways/0/0")
	if code != http.StatusBadRequest {
		t.Errorf("bad direction status = %d", code)
	}
}
