package catalog

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/antonellof/VeronaDB/pkg/storage"
)

// NodeTableSchema describes one node table: its ordered structured
// properties, the primary key, the count of loaded nodes and any
// unstructured property names observed during load.
type NodeTableSchema struct {
	ID                TableID    `json:"id"`
	Name              string     `json:"name"`
	Properties        []Property `json:"properties"`
	PrimaryKey        string     `json:"primary_key"`
	NumNodes          uint64     `json:"num_nodes"`
	UnstructuredProps []string   `json:"unstructured_props,omitempty"`
}

// TableID aliases the storage table id
type TableID = storage.TableID

// PrimaryKeyProperty returns the primary-key property definition
func (s *NodeTableSchema) PrimaryKeyProperty() (Property, error) {
	for _, p := range s.Properties {
		if p.Name == s.PrimaryKey {
			return p, nil
		}
	}
	return Property{}, &CatalogError{Msg: fmt.Sprintf("node table %s has no primary key property %q", s.Name, s.PrimaryKey)}
}

// RelTableSchema describes one rel table: per-direction multiplicity and
// bound node table sets, plus its ordered properties.
type RelTableSchema struct {
	ID           TableID         `json:"id"`
	Name         string          `json:"name"`
	Properties   []Property      `json:"properties"`
	Multiplicity RelMultiplicity `json:"multiplicity"`
	// NodeTables[d] is the set of node tables bound in direction d
	// (sources for FWD, destinations for BWD).
	NodeTables [2][]TableID `json:"node_tables"`
	// NumRels[d] is the count of stored relationships per direction.
	NumRels [2]uint64 `json:"num_rels"`
	// Compression[d] is the neighbor id encoding picked by the loader for
	// direction d; readers reuse it.
	Compression [2]storage.NodeIDCompression `json:"compression"`
}

// Snapshot is one immutable version of the schema. Readers borrow the
// read-only snapshot; the active writer mutates the write-ahead one.
type Snapshot struct {
	NodeTables []*NodeTableSchema `json:"node_tables"`
	RelTables  []*RelTableSchema  `json:"rel_tables"`

	nodesByName map[string]*NodeTableSchema
	relsByName  map[string]*RelTableSchema
}

// NewSnapshot creates an empty schema version
func NewSnapshot() *Snapshot {
	return &Snapshot{
		nodesByName: make(map[string]*NodeTableSchema),
		relsByName:  make(map[string]*RelTableSchema),
	}
}

// AddNodeTable registers a node table and returns its id. Duplicate table
// or property names are fatal.
func (s *Snapshot) AddNodeTable(name string, props []Property, pkName string) (TableID, error) {
	if _, exists := s.nodesByName[name]; exists {
		return 0, &CatalogError{Msg: fmt.Sprintf("node table %q already exists", name)}
	}
	if err := checkPropertyNames(props); err != nil {
		return 0, err
	}
	schema := &NodeTableSchema{
		ID:         TableID(len(s.NodeTables)),
		Name:       name,
		Properties: props,
		PrimaryKey: pkName,
	}
	if _, err := schema.PrimaryKeyProperty(); err != nil {
		return 0, err
	}
	s.NodeTables = append(s.NodeTables, schema)
	s.nodesByName[name] = schema
	return schema.ID, nil
}

// AddRelTable registers a rel table and returns its id. Source and
// destination table names must already be registered.
func (s *Snapshot) AddRelTable(name string, mult RelMultiplicity, props []Property, srcTables, dstTables []string) (TableID, error) {
	if _, exists := s.relsByName[name]; exists {
		return 0, &CatalogError{Msg: fmt.Sprintf("rel table %q already exists", name)}
	}
	if err := checkPropertyNames(props); err != nil {
		return 0, err
	}
	schema := &RelTableSchema{
		ID:           TableID(len(s.RelTables)),
		Name:         name,
		Properties:   props,
		Multiplicity: mult,
	}
	var err error
	if schema.NodeTables[storage.FWD], err = s.resolveNodeTables(srcTables); err != nil {
		return 0, err
	}
	if schema.NodeTables[storage.BWD], err = s.resolveNodeTables(dstTables); err != nil {
		return 0, err
	}
	s.RelTables = append(s.RelTables, schema)
	s.relsByName[name] = schema
	return schema.ID, nil
}

func (s *Snapshot) resolveNodeTables(names []string) ([]TableID, error) {
	if len(names) == 0 {
		return nil, &CatalogError{Msg: "rel table requires at least one bound node table per side"}
	}
	ids := make([]TableID, 0, len(names))
	for _, name := range names {
		schema, ok := s.nodesByName[name]
		if !ok {
			return nil, &CatalogError{Msg: fmt.Sprintf("unknown node table %q", name)}
		}
		ids = append(ids, schema.ID)
	}
	return ids, nil
}

func checkPropertyNames(props []Property) error {
	seen := make(map[string]bool, len(props))
	for _, p := range props {
		if seen[p.Name] {
			return &CatalogError{Msg: fmt.Sprintf("property %q already exists", p.Name)}
		}
		seen[p.Name] = true
	}
	return nil
}

// NodeTable returns a node table schema by name
func (s *Snapshot) NodeTable(name string) (*NodeTableSchema, error) {
	schema, ok := s.nodesByName[name]
	if !ok {
		return nil, &CatalogError{Msg: fmt.Sprintf("unknown node table %q", name)}
	}
	return schema, nil
}

// RelTable returns a rel table schema by name
func (s *Snapshot) RelTable(name string) (*RelTableSchema, error) {
	schema, ok := s.relsByName[name]
	if !ok {
		return nil, &CatalogError{Msg: fmt.Sprintf("unknown rel table %q", name)}
	}
	return schema, nil
}

// NodeTableByID returns a node table schema by id
func (s *Snapshot) NodeTableByID(id TableID) (*NodeTableSchema, error) {
	if int(id) >= len(s.NodeTables) {
		return nil, &CatalogError{Msg: fmt.Sprintf("unknown node table id %d", id)}
	}
	return s.NodeTables[id], nil
}

// RelTableByID returns a rel table schema by id
func (s *Snapshot) RelTableByID(id TableID) (*RelTableSchema, error) {
	if int(id) >= len(s.RelTables) {
		return nil, &CatalogError{Msg: fmt.Sprintf("unknown rel table id %d", id)}
	}
	return s.RelTables[id], nil
}

// StructuredProperties returns the ordered property list of a node table
func (s *Snapshot) StructuredProperties(id TableID) ([]Property, error) {
	schema, err := s.NodeTableByID(id)
	if err != nil {
		return nil, err
	}
	return schema.Properties, nil
}

// NodeTablesForRelDirection returns the node tables bound to relID in
// direction d.
func (s *Snapshot) NodeTablesForRelDirection(relID TableID, d storage.Direction) ([]TableID, error) {
	schema, err := s.RelTableByID(relID)
	if err != nil {
		return nil, err
	}
	return schema.NodeTables[d], nil
}

// IsSingleMultiplicity reports whether each bound node in direction d has
// at most one rel of relID (column storage rather than a list).
func (s *Snapshot) IsSingleMultiplicity(relID TableID, d storage.Direction) (bool, error) {
	schema, err := s.RelTableByID(relID)
	if err != nil {
		return false, err
	}
	return schema.Multiplicity.ForDirection(d) == One, nil
}

// AddUnstructuredProperty records an unstructured property name observed
// during load; duplicates are ignored.
func (s *Snapshot) AddUnstructuredProperty(id TableID, name string) error {
	schema, err := s.NodeTableByID(id)
	if err != nil {
		return err
	}
	for _, existing := range schema.UnstructuredProps {
		if existing == name {
			return nil
		}
	}
	schema.UnstructuredProps = append(schema.UnstructuredProps, name)
	return nil
}

func (s *Snapshot) clone() *Snapshot {
	out := NewSnapshot()
	for _, nt := range s.NodeTables {
		c := *nt
		c.Properties = append([]Property(nil), nt.Properties...)
		c.UnstructuredProps = append([]string(nil), nt.UnstructuredProps...)
		out.NodeTables = append(out.NodeTables, &c)
		out.nodesByName[c.Name] = &c
	}
	for _, rt := range s.RelTables {
		c := *rt
		c.Properties = append([]Property(nil), rt.Properties...)
		for _, d := range storage.Directions {
			c.NodeTables[d] = append([]TableID(nil), rt.NodeTables[d]...)
		}
		out.RelTables = append(out.RelTables, &c)
		out.relsByName[c.Name] = &c
	}
	return out
}

func (s *Snapshot) rebuildIndexes() {
	s.nodesByName = make(map[string]*NodeTableSchema, len(s.NodeTables))
	for _, nt := range s.NodeTables {
		s.nodesByName[nt.Name] = nt
	}
	s.relsByName = make(map[string]*RelTableSchema, len(s.RelTables))
	for _, rt := range s.RelTables {
		s.relsByName[rt.Name] = rt
	}
}

// Catalog holds two schema versions: readOnly, observed by readers, and
// writeAhead, observed by the active writer. On commit writeAhead replaces
// readOnly atomically.
type Catalog struct {
	mu         sync.RWMutex
	readOnly   *Snapshot
	writeAhead *Snapshot
}

// NewCatalog creates a catalog with empty versions
func NewCatalog() *Catalog {
	return &Catalog{readOnly: NewSnapshot()}
}

// ReadOnlyVersion returns the snapshot observed by readers
func (c *Catalog) ReadOnlyVersion() *Snapshot {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.readOnly
}

// WriteAheadVersion returns the snapshot observed by the active writer,
// creating it from the read-only version on first use.
func (c *Catalog) WriteAheadVersion() *Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.writeAhead == nil {
		c.writeAhead = c.readOnly.clone()
	}
	return c.writeAhead
}

// HasWriteAheadChanges reports whether a write-ahead version exists
func (c *Catalog) HasWriteAheadChanges() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.writeAhead != nil
}

// PromoteWriteAhead atomically replaces the read-only version with the
// write-ahead one. Called when a checkpoint completes.
func (c *Catalog) PromoteWriteAhead() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.writeAhead != nil {
		c.readOnly = c.writeAhead
		c.writeAhead = nil
	}
}

// DiscardWriteAhead drops the write-ahead version. Called on rollback.
func (c *Catalog) DiscardWriteAhead() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.writeAhead = nil
}

// SetReadOnly installs a loaded snapshot as the read-only version
func (c *Catalog) SetReadOnly(s *Snapshot) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.readOnly = s
}

// EncodeSnapshot serializes a snapshot as a catalog.bin image: the
// standard 16-byte storage header followed by JSON.
func EncodeSnapshot(s *Snapshot) ([]byte, error) {
	buf := new(bytes.Buffer)
	if err := storage.WriteFileHeader(buf); err != nil {
		return nil, err
	}
	payload, err := json.Marshal(s)
	if err != nil {
		return nil, fmt.Errorf("failed to encode catalog: %w", err)
	}
	buf.Write(payload)
	return buf.Bytes(), nil
}

// SaveToFile writes the read-only version to catalog.bin in dir
func (c *Catalog) SaveToFile(dir string) error {
	c.mu.RLock()
	image, err := EncodeSnapshot(c.readOnly)
	c.mu.RUnlock()
	if err != nil {
		return err
	}
	path := filepath.Join(dir, storage.CatalogFileName)
	if err := os.WriteFile(path, image, 0644); err != nil {
		return fmt.Errorf("failed to write catalog: %w", err)
	}
	return nil
}

// LoadFromFile reads catalog.bin from dir
func LoadFromFile(dir string) (*Catalog, error) {
	path := filepath.Join(dir, storage.CatalogFileName)
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read catalog: %w", err)
	}
	payload, err := storage.ReadFileHeader(raw)
	if err != nil {
		return nil, fmt.Errorf("invalid catalog file: %w", err)
	}
	snapshot := NewSnapshot()
	if err := json.Unmarshal(payload, snapshot); err != nil {
		return nil, fmt.Errorf("failed to decode catalog: %w", err)
	}
	snapshot.rebuildIndexes()
	c := NewCatalog()
	c.SetReadOnly(snapshot)
	return c, nil
}
