package loader

// NodeIDMap maps the external primary keys of one node table to their
// internal dense offsets. The forward (offset -> key) side is populated by
// parallel node-population tasks writing disjoint offset ranges; the
// reverse map is built afterwards in its own parallel pass.
type NodeIDMap struct {
	offsetToKey []string
	keyToOffset map[string]uint64
}

// NewNodeIDMap creates a map sized for numNodes offsets
func NewNodeIDMap(numNodes uint64) *NodeIDMap {
	return &NodeIDMap{offsetToKey: make([]string, numNodes)}
}

// SetKey records the external key of offset
func (m *NodeIDMap) SetKey(offset uint64, key string) {
	m.offsetToKey[offset] = key
}

// Key returns the external key of offset
func (m *NodeIDMap) Key(offset uint64) string {
	return m.offsetToKey[offset]
}

// BuildReverseMap materializes the key -> offset side
func (m *NodeIDMap) BuildReverseMap() {
	m.keyToOffset = make(map[string]uint64, len(m.offsetToKey))
	for offset, key := range m.offsetToKey {
		m.keyToOffset[key] = uint64(offset)
	}
}

// Offset resolves an external key to its internal offset
func (m *NodeIDMap) Offset(key string) (uint64, bool) {
	offset, ok := m.keyToOffset[key]
	return offset, ok
}

// NumNodes returns the number of mapped offsets
func (m *NodeIDMap) NumNodes() uint64 {
	return uint64(len(m.offsetToKey))
}
