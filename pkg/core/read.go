package core

import (
	"fmt"

	"github.com/antonellof/VeronaDB/pkg/catalog"
	"github.com/antonellof/VeronaDB/pkg/storage"
	"github.com/antonellof/VeronaDB/pkg/transaction"
)

// snapshotFor returns the catalog version the transaction observes
func (db *VeronaDB) snapshotFor(tx *transaction.Transaction) *catalog.Snapshot {
	if tx != nil && tx.IsWrite() && db.catalog.HasWriteAheadChanges() {
		return db.catalog.WriteAheadVersion()
	}
	return db.catalog.ReadOnlyVersion()
}

// NodeProperty reads one structured property of a node. The writer
// observes its own buffered overwrites; readers observe the canonical
// value until checkpoint.
func (db *VeronaDB) NodeProperty(tx *transaction.Transaction, tableName string, offset uint64, propName string) (interface{}, error) {
	db.mu.RLock()
	defer db.mu.RUnlock()

	snapshot := db.snapshotFor(tx)
	schema, err := snapshot.NodeTable(tableName)
	if err != nil {
		return nil, err
	}
	if offset >= schema.NumNodes {
		return nil, fmt.Errorf("node offset %d out of range for table %s", offset, tableName)
	}
	var prop *catalog.Property
	for i := range schema.Properties {
		if schema.Properties[i].Name == propName {
			prop = &schema.Properties[i]
			break
		}
	}
	if prop == nil {
		return nil, &catalog.CatalogError{Msg: fmt.Sprintf("unknown property %q on table %s", propName, tableName)}
	}

	if tx != nil && tx.IsWrite() {
		if buffered, ok := db.updates.Property(schema.ID, prop.ID, offset); ok {
			if prop.Type == catalog.String {
				return string(buffered), nil
			}
			return catalog.DecodeValue(prop.Type, buffered)
		}
	}

	nts := db.nodeTables[schema.ID]
	slot, null, err := nts.columns[prop.ID].Read(offset)
	if err != nil {
		return nil, err
	}
	if null {
		return nil, nil
	}
	if prop.Type == catalog.String {
		return db.decodeString(nts, prop.ID, slot)
	}
	return catalog.DecodeValue(prop.Type, slot)
}

// decodeString materializes a gf_string slot, following the overflow
// pointer when the value is not inline.
func (db *VeronaDB) decodeString(nts *nodeTableStorage, propID uint32, slot []byte) (interface{}, error) {
	if storage.GFStringIsInline(slot) {
		return string(storage.GFStringInline(slot)), nil
	}
	ovf := nts.ovfs[propID]
	if ovf == nil {
		return nil, &storage.InternalError{Msg: "string column has no overflow file"}
	}
	raw, err := ovf.ReadString(storage.GFStringOverflowCursor(slot), storage.GFStringLength(slot))
	if err != nil {
		return nil, err
	}
	return string(raw), nil
}

// LookupNode resolves a primary key to its node offset
func (db *VeronaDB) LookupNode(tableName string, key interface{}) (uint64, bool, error) {
	db.mu.RLock()
	defer db.mu.RUnlock()

	schema, err := db.catalog.ReadOnlyVersion().NodeTable(tableName)
	if err != nil {
		return 0, false, err
	}
	nts := db.nodeTables[schema.ID]
	switch k := key.(type) {
	case int64:
		return nts.pkIndex.LookupInt64(k)
	case string:
		return nts.pkIndex.LookupString(k)
	}
	return 0, false, fmt.Errorf("unsupported primary key type %T", key)
}

// Adjacency returns the neighbors of the bound node in direction d. The
// writer additionally observes its own buffered insertions.
func (db *VeronaDB) Adjacency(tx *transaction.Transaction, relName string, d storage.Direction, bound storage.NodeID) ([]storage.NodeID, error) {
	db.mu.RLock()
	defer db.mu.RUnlock()

	snapshot := db.snapshotFor(tx)
	schema, err := snapshot.RelTable(relName)
	if err != nil {
		return nil, err
	}
	rts := db.relTables[schema.ID]

	var nbrs []storage.NodeID
	if cols := rts.adjColumns[d]; cols != nil {
		col, ok := cols[bound.Table]
		if !ok {
			return nil, &catalog.CatalogError{Msg: fmt.Sprintf("node table %d is not bound to rel table %s", bound.Table, relName)}
		}
		nbr, exists, err := col.Read(bound.Offset)
		if err != nil {
			return nil, err
		}
		if exists {
			nbrs = append(nbrs, nbr)
		}
	} else {
		lists, ok := rts.adjLists[d][bound.Table]
		if !ok {
			return nil, &catalog.CatalogError{Msg: fmt.Sprintf("node table %d is not bound to rel table %s", bound.Table, relName)}
		}
		if nbrs, err = lists.ReadList(bound.Offset); err != nil {
			return nil, err
		}
	}

	if tx != nil && tx.IsWrite() {
		for _, ins := range db.updates.InsertedRelsFor(schema.ID, d, bound) {
			nbrs = append(nbrs, ins.NbrNode(d))
		}
	}
	return nbrs, nil
}

// AdjacencyCount returns the number of neighbors without materializing
// them.
func (db *VeronaDB) AdjacencyCount(tx *transaction.Transaction, relName string, d storage.Direction, bound storage.NodeID) (uint64, error) {
	nbrs, err := db.Adjacency(tx, relName, d, bound)
	if err != nil {
		return 0, err
	}
	return uint64(len(nbrs)), nil
}
