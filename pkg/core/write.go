package core

import (
	"fmt"
	"path/filepath"
	"time"

	"github.com/antonellof/VeronaDB/pkg/catalog"
	"github.com/antonellof/VeronaDB/pkg/storage"
	"github.com/antonellof/VeronaDB/pkg/transaction"
)

// SetNodeProperty buffers an overwrite of one node property. The change
// becomes durable at commit and visible to readers at checkpoint.
func (db *VeronaDB) SetNodeProperty(tx *transaction.Transaction, tableName string, offset uint64, propName string, value interface{}) error {
	if tx == nil || !tx.IsWrite() {
		return fmt.Errorf("property writes require a write transaction")
	}
	db.mu.RLock()
	defer db.mu.RUnlock()

	schema, err := db.catalog.ReadOnlyVersion().NodeTable(tableName)
	if err != nil {
		return err
	}
	if offset >= schema.NumNodes {
		return fmt.Errorf("node offset %d out of range for table %s", offset, tableName)
	}
	var prop *catalog.Property
	for i := range schema.Properties {
		if schema.Properties[i].Name == propName {
			prop = &schema.Properties[i]
			break
		}
	}
	if prop == nil {
		return &catalog.CatalogError{Msg: fmt.Sprintf("unknown property %q on table %s", propName, tableName)}
	}
	encoded, err := encodePropertyValue(*prop, value)
	if err != nil {
		return err
	}
	db.updates.SetProperty(schema.ID, prop.ID, offset, encoded)
	return nil
}

// AddRel buffers one inserted relationship. Multiplicity-ONE violations
// are rejected immediately against both the canonical store and the
// buffered insertions.
func (db *VeronaDB) AddRel(tx *transaction.Transaction, relName string, src, dst storage.NodeID, props map[string]interface{}) error {
	if tx == nil || !tx.IsWrite() {
		return fmt.Errorf("rel insertion requires a write transaction")
	}
	db.mu.RLock()
	schema, err := db.catalog.ReadOnlyVersion().RelTable(relName)
	db.mu.RUnlock()
	if err != nil {
		return err
	}

	endpoints := [2]storage.NodeID{src, dst}
	for _, d := range storage.Directions {
		if !containsTable(schema.NodeTables[d], endpoints[d].Table) {
			return &catalog.CatalogError{Msg: fmt.Sprintf("node table %d is not bound to rel table %s", endpoints[d].Table, relName)}
		}
		nodeSchema, err := db.catalog.ReadOnlyVersion().NodeTableByID(endpoints[d].Table)
		if err != nil {
			return err
		}
		if endpoints[d].Offset >= nodeSchema.NumNodes {
			return fmt.Errorf("node offset %d out of range for table %s", endpoints[d].Offset, nodeSchema.Name)
		}
		if schema.Multiplicity.ForDirection(d) == catalog.One {
			nbrs, err := db.Adjacency(tx, relName, d, endpoints[d])
			if err != nil {
				return err
			}
			if len(nbrs) > 0 {
				return fmt.Errorf("node (%d, %d) already has a %s rel in direction %s", endpoints[d].Table, endpoints[d].Offset, relName, d)
			}
		}
	}

	encodedProps := make(map[uint32][]byte, len(props))
	for name, value := range props {
		var prop *catalog.Property
		for i := range schema.Properties {
			if schema.Properties[i].Name == name {
				prop = &schema.Properties[i]
				break
			}
		}
		if prop == nil {
			return &catalog.CatalogError{Msg: fmt.Sprintf("unknown property %q on rel table %s", name, relName)}
		}
		encoded, err := encodePropertyValue(*prop, value)
		if err != nil {
			return err
		}
		encodedProps[prop.ID] = encoded
	}

	db.updates.AddRel(schema.ID, &storage.RelInsertion{Src: src, Dst: dst, Properties: encodedProps})
	return nil
}

func containsTable(tables []storage.TableID, id storage.TableID) bool {
	for _, t := range tables {
		if t == id {
			return true
		}
	}
	return false
}

// encodePropertyValue coerces a Go value into its encoded slot form.
// String values stay raw; their overflow placement happens at commit.
func encodePropertyValue(prop catalog.Property, value interface{}) ([]byte, error) {
	switch prop.Type {
	case catalog.Int64:
		switch v := value.(type) {
		case int64:
			return catalog.EncodeInt64(v), nil
		case int:
			return catalog.EncodeInt64(int64(v)), nil
		}
	case catalog.Double:
		if v, ok := value.(float64); ok {
			return catalog.EncodeDouble(v), nil
		}
	case catalog.Boolean:
		if v, ok := value.(bool); ok {
			return catalog.EncodeBool(v), nil
		}
	case catalog.Date:
		if v, ok := value.(string); ok {
			t, err := time.ParseInLocation("2006-01-02", v, time.UTC)
			if err != nil {
				return nil, fmt.Errorf("cannot convert %q to DATE", v)
			}
			return catalog.EncodeDate(t), nil
		}
	case catalog.Timestamp:
		if v, ok := value.(string); ok {
			t, err := time.ParseInLocation("2006-01-02 15:04:05", v, time.UTC)
			if err != nil {
				return nil, fmt.Errorf("cannot convert %q to TIMESTAMP", v)
			}
			return catalog.EncodeTimestamp(t), nil
		}
	case catalog.Interval:
		if v, ok := value.(catalog.IntervalValue); ok {
			return catalog.EncodeInterval(v), nil
		}
	case catalog.String:
		if v, ok := value.(string); ok {
			return []byte(v), nil
		}
	}
	return nil, fmt.Errorf("cannot convert %T to %s", value, prop.Type)
}

// Commit materializes the writer's buffered changes into WAL-logged shadow
// files and appends the COMMIT record. Readers keep observing the
// pre-transaction state until Checkpoint.
func (db *VeronaDB) Commit(tx *transaction.Transaction) error {
	if tx == nil || !tx.IsWrite() {
		return fmt.Errorf("commit requires a write transaction")
	}
	db.mu.Lock()
	defer db.mu.Unlock()

	if db.updates.Empty() && !db.catalog.HasWriteAheadChanges() {
		return nil
	}
	if err := db.materializePropertyUpdates(); err != nil {
		db.rollbackLocked(tx)
		return fmt.Errorf("commit failed: %w", err)
	}
	if err := db.materializeRelInsertions(); err != nil {
		db.rollbackLocked(tx)
		return fmt.Errorf("commit failed: %w", err)
	}
	if db.catalog.HasWriteAheadChanges() {
		image, err := catalog.EncodeSnapshot(db.catalog.WriteAheadVersion())
		if err != nil {
			db.rollbackLocked(tx)
			return fmt.Errorf("commit failed: %w", err)
		}
		if err := db.wal.LogCatalog(image); err != nil {
			db.rollbackLocked(tx)
			return fmt.Errorf("commit failed: %w", err)
		}
	}
	if err := db.wal.LogCommit(tx.ID); err != nil {
		db.rollbackLocked(tx)
		return fmt.Errorf("commit failed: %w", err)
	}
	return nil
}

// Rollback discards the writer's buffered changes and shadow files
func (db *VeronaDB) Rollback(tx *transaction.Transaction) error {
	if tx == nil || !tx.IsWrite() {
		return fmt.Errorf("rollback requires a write transaction")
	}
	db.mu.Lock()
	defer db.mu.Unlock()
	return db.rollbackLocked(tx)
}

func (db *VeronaDB) rollbackLocked(tx *transaction.Transaction) error {
	db.updates.Clear()
	db.catalog.DiscardWriteAhead()
	replayer := storage.NewReplayer(db.dataDir, db.wal, db.logger)
	if err := replayer.DiscardShadows(); err != nil {
		return err
	}
	if err := db.wal.Truncate(); err != nil {
		return err
	}
	db.txnMgr.EndWrite(tx)
	return nil
}

// Checkpoint waits for readers to drain, materializes the WAL into the
// canonical files, truncates it and promotes the write-ahead catalog. On a
// drain timeout the state is left unchanged and a TimeoutError surfaces.
func (db *VeronaDB) Checkpoint(tx *transaction.Transaction) error {
	if tx == nil || !tx.IsWrite() {
		return fmt.Errorf("checkpoint requires a write transaction")
	}
	if err := db.txnMgr.WaitForReadersToLeave(); err != nil {
		return err
	}

	db.mu.Lock()
	defer db.mu.Unlock()

	replayer := storage.NewReplayer(db.dataDir, db.wal, db.logger)
	if err := replayer.Replay(); err != nil {
		return err
	}
	if err := db.wal.Truncate(); err != nil {
		return err
	}
	db.catalog.PromoteWriteAhead()
	db.updates.Clear()
	if err := db.reopenTables(); err != nil {
		return err
	}
	db.txnMgr.EndWrite(tx)
	return nil
}

// materializePropertyUpdates redirects every buffered property overwrite
// into the shadow file of its column, logging each page image first.
func (db *VeronaDB) materializePropertyUpdates() error {
	type colKey struct {
		table storage.TableID
		prop  uint32
	}
	grouped := make(map[colKey]map[uint64][]byte)
	for key, value := range db.updates.PropertyUpdates() {
		ck := colKey{table: key.Table, prop: key.Property}
		if grouped[ck] == nil {
			grouped[ck] = make(map[uint64][]byte)
		}
		grouped[ck][key.Offset] = value
	}
	snapshot := db.catalog.ReadOnlyVersion()

	for ck, byOffset := range grouped {
		schema, err := snapshot.NodeTableByID(ck.table)
		if err != nil {
			return err
		}
		var prop *catalog.Property
		for i := range schema.Properties {
			if schema.Properties[i].ID == ck.prop {
				prop = &schema.Properties[i]
				break
			}
		}
		if prop == nil {
			return &storage.InternalError{Msg: fmt.Sprintf("no property %d on table %d", ck.prop, ck.table)}
		}
		relPath := storage.NodePropertyColumnName(ck.table, ck.prop)
		colPath := filepath.Join(db.dataDir, relPath)
		sc, err := storage.OpenShadowColumn(colPath, prop.Type.Size())
		if err != nil {
			return err
		}
		var so *storage.ShadowOverflow
		if prop.Type == catalog.String {
			if so, err = storage.OpenShadowOverflow(storage.OverflowPath(colPath)); err != nil {
				sc.Close()
				return err
			}
		}

		for offset, value := range byOffset {
			slot := value
			if prop.Type == catalog.String {
				if slot, err = db.placeShadowString(so, storage.OverflowPath(relPath), value); err != nil {
					break
				}
			}
			var pageIdx uint64
			var image []byte
			if pageIdx, image, err = sc.PrepareSlot(offset, slot); err != nil {
				break
			}
			if err = db.wal.LogPage(relPath, pageIdx, image); err != nil {
				break
			}
			if err = sc.WritePage(pageIdx, image); err != nil {
				break
			}
		}
		if err == nil {
			err = sc.Sync()
		}
		sc.Close()
		if so != nil {
			if err == nil {
				err = so.Sync()
			}
			so.Close()
		}
		if err != nil {
			return err
		}
	}
	return nil
}

// placeShadowString appends a long string to the shadow overflow file and
// returns the encoded slot. Inline strings never touch the overflow file.
func (db *VeronaDB) placeShadowString(so *storage.ShadowOverflow, ovfRelPath string, raw []byte) ([]byte, error) {
	if len(raw) <= storage.GFStringInlineCap {
		enc := storage.EncodeGFStringWithCursor(raw, storage.PageByteCursor{})
		return enc[:], nil
	}
	cursor, pageIdx, image, err := so.AppendString(raw)
	if err != nil {
		return nil, err
	}
	if err := db.wal.LogPage(ovfRelPath, pageIdx, image); err != nil {
		return nil, err
	}
	if err := so.WritePage(pageIdx, image); err != nil {
		return nil, err
	}
	enc := storage.EncodeGFStringWithCursor(raw, cursor)
	return enc[:], nil
}
