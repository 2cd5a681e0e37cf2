package core

import (
	"path/filepath"

	"github.com/antonellof/VeronaDB/pkg/catalog"
	"github.com/antonellof/VeronaDB/pkg/storage"
)

// materializeRelInsertions moves the buffered rel insertions of every rel
// table into shadow files: slot writes for multiplicity-ONE adjacency
// columns, full rebuilds for chunked adjacency and property lists.
func (db *VeronaDB) materializeRelInsertions() error {
	snapshot := db.catalog.ReadOnlyVersion()
	for _, schema := range snapshot.RelTables {
		inserted := db.updates.InsertedRels(schema.ID)
		if len(inserted) == 0 {
			continue
		}
		// The rel counts change with the insertions; the new catalog image
		// rides the same transaction.
		waSchema, err := db.catalog.WriteAheadVersion().RelTableByID(schema.ID)
		if err != nil {
			return err
		}
		for _, d := range storage.Directions {
			waSchema.NumRels[d] = schema.NumRels[d] + uint64(len(inserted))
			single := schema.Multiplicity.ForDirection(d) == catalog.One
			if single {
				if err := db.materializeAdjColumnInsertions(schema, d, inserted); err != nil {
					return err
				}
			} else {
				if err := db.materializeListInsertions(schema, d); err != nil {
					return err
				}
			}
		}
		if schema.Multiplicity.ForDirection(storage.FWD) == catalog.One ||
			schema.Multiplicity.ForDirection(storage.BWD) == catalog.One {
			if err := db.materializePropColumnInsertions(schema, inserted); err != nil {
				return err
			}
		}
	}
	return nil
}

// materializeAdjColumnInsertions writes each inserted neighbor into the
// shadow of the bound table's adjacency column.
func (db *VeronaDB) materializeAdjColumnInsertions(schema *catalog.RelTableSchema, d storage.Direction, inserted []*storage.RelInsertion) error {
	byBound := make(map[storage.TableID][]*storage.RelInsertion)
	for _, ins := range inserted {
		bound := ins.BoundNode(d)
		byBound[bound.Table] = append(byBound[bound.Table], ins)
	}
	compression := schema.Compression[d]
	for boundTable, rels := range byBound {
		relPath := storage.AdjColumnName(schema.ID, boundTable, d)
		sc, err := storage.OpenShadowColumn(filepath.Join(db.dataDir, relPath), compression.TotalBytes())
		if err != nil {
			return err
		}
		for _, ins := range rels {
			buf := make([]byte, compression.TotalBytes())
			compression.Encode(ins.NbrNode(d), buf)
			pageIdx, image, err := sc.PrepareSlot(ins.BoundNode(d).Offset, buf)
			if err != nil {
				sc.Close()
				return err
			}
			if err := db.wal.LogPage(relPath, pageIdx, image); err != nil {
				sc.Close()
				return err
			}
			if err := sc.WritePage(pageIdx, image); err != nil {
				sc.Close()
				return err
			}
		}
		if err := sc.Sync(); err != nil {
			sc.Close()
			return err
		}
		if err := sc.Close(); err != nil {
			return err
		}
	}
	return nil
}

// materializeListInsertions rebuilds the adjacency lists (and property
// lists when properties are list-stored) of every bound table that gained
// rels, appending the insertions after the canonical elements.
func (db *VeronaDB) materializeListInsertions(schema *catalog.RelTableSchema, d storage.Direction) error {
	rts := db.relTables[schema.ID]
	listProps := schema.Multiplicity.ForDirection(storage.FWD) != catalog.One &&
		schema.Multiplicity.ForDirection(storage.BWD) != catalog.One

	for _, boundTable := range schema.NodeTables[d] {
		existing := rts.adjLists[d][boundTable]
		meta := existing.Metadata()
		sizes := append([]uint64(nil), meta.NumElementsPerList...)
		touched := false
		insertedAt := make(map[uint64][]*storage.RelInsertion)
		for offset := range sizes {
			rels := db.updates.InsertedRelsFor(schema.ID, d, storage.NodeID{Table: boundTable, Offset: uint64(offset)})
			if len(rels) > 0 {
				sizes[offset] += uint64(len(rels))
				insertedAt[uint64(offset)] = rels
				touched = true
			}
		}
		if !touched {
			continue
		}

		placement := storage.BuildListPlacement(sizes)
		relPath := storage.AdjListsName(schema.ID, boundTable, d)
		path := filepath.Join(db.dataDir, relPath)
		rebuilt := storage.NewInMemAdjLists(path, schema.Compression[d], sizes, placement)
		for offset := uint64(0); offset < uint64(len(sizes)); offset++ {
			nbrs, err := existing.ReadList(offset)
			if err != nil {
				return err
			}
			pos := uint64(0)
			for _, nbr := range nbrs {
				if err := rebuilt.SetRel(offset, pos, nbr); err != nil {
					return err
				}
				pos++
			}
			for _, ins := range insertedAt[offset] {
				if err := rebuilt.SetRel(offset, pos, ins.NbrNode(d)); err != nil {
					return err
				}
				pos++
			}
		}
		if err := db.wal.LogFileTouch(relPath); err != nil {
			return err
		}
		if err := rebuilt.SaveToShadowFiles(); err != nil {
			return err
		}

		if listProps {
			if err := db.rebuildPropLists(schema, d, boundTable, sizes, placement, insertedAt); err != nil {
				return err
			}
		}
	}
	return nil
}

// rebuildPropLists rebuilds the list-stored property files of one bound
// table with the same placement as the rebuilt adjacency lists. Canonical
// elements are copied verbatim (their overflow pointers stay valid since
// the overflow file is preserved); new string values append to the shadow
// overflow file.
func (db *VeronaDB) rebuildPropLists(schema *catalog.RelTableSchema, d storage.Direction, boundTable storage.TableID, sizes []uint64, placement *storage.ListPlacement, insertedAt map[uint64][]*storage.RelInsertion) error {
	for _, prop := range schema.Properties {
		relPath := storage.RelPropertyListsName(schema.ID, boundTable, d, prop.ID)
		path := filepath.Join(db.dataDir, relPath)
		canonical, err := storage.OpenLists(path, prop.Type.Size(), db.bm)
		if err != nil {
			return err
		}
		rebuilt := storage.NewInMemLists(path, prop.Type.Size(), sizes, placement)

		var so *storage.ShadowOverflow
		if prop.Type == catalog.String {
			if so, err = storage.OpenShadowOverflow(storage.OverflowPath(path)); err != nil {
				canonical.Close()
				return err
			}
		}
		err = db.copyAndAppendListProp(canonical, rebuilt, so, storage.OverflowPath(relPath), prop, sizes, insertedAt)
		canonical.Close()
		if err == nil && so != nil {
			err = so.Sync()
		}
		if so != nil {
			so.Close()
		}
		if err != nil {
			return err
		}
		if err := db.wal.LogFileTouch(relPath); err != nil {
			return err
		}
		if err := rebuilt.SaveToShadowFiles(); err != nil {
			return err
		}
	}
	return nil
}

func (db *VeronaDB) copyAndAppendListProp(canonical *storage.Lists, rebuilt *storage.InMemLists, so *storage.ShadowOverflow, ovfRelPath string, prop catalog.Property, sizes []uint64, insertedAt map[uint64][]*storage.RelInsertion) error {
	for offset := uint64(0); offset < uint64(len(sizes)); offset++ {
		elems, err := canonical.ReadList(offset)
		if err != nil {
			return err
		}
		pos := uint64(0)
		for _, elem := range elems {
			if err := rebuilt.SetElement(offset, pos, elem); err != nil {
				return err
			}
			pos++
		}
		for _, ins := range insertedAt[offset] {
			raw, ok := ins.Properties[prop.ID]
			if ok {
				slot := raw
				if prop.Type == catalog.String {
					if slot, err = db.placeShadowString(so, ovfRelPath, raw); err != nil {
						return err
					}
				}
				if err := rebuilt.SetElement(offset, pos, slot); err != nil {
					return err
				}
			}
			pos++
		}
	}
	return nil
}

// materializePropColumnInsertions writes the property values of inserted
// rels into the shadow of the rel property columns on the single
// multiplicity direction.
func (db *VeronaDB) materializePropColumnInsertions(schema *catalog.RelTableSchema, inserted []*storage.RelInsertion) error {
	if len(schema.Properties) == 0 {
		return nil
	}
	propDir := storage.BWD
	if schema.Multiplicity.ForDirection(storage.FWD) == catalog.One {
		propDir = storage.FWD
	}
	for _, prop := range schema.Properties {
		byBound := make(map[storage.TableID]map[uint64][]byte)
		for _, ins := range inserted {
			raw, ok := ins.Properties[prop.ID]
			if !ok {
				continue
			}
			bound := ins.BoundNode(propDir)
			if byBound[bound.Table] == nil {
				byBound[bound.Table] = make(map[uint64][]byte)
			}
			byBound[bound.Table][bound.Offset] = raw
		}
		for boundTable, byOffset := range byBound {
			relPath := storage.RelPropertyColumnName(schema.ID, boundTable, propDir, prop.ID)
			path := filepath.Join(db.dataDir, relPath)
			sc, err := storage.OpenShadowColumn(path, prop.Type.Size())
			if err != nil {
				return err
			}
			var so *storage.ShadowOverflow
			if prop.Type == catalog.String {
				if so, err = storage.OpenShadowOverflow(storage.OverflowPath(path)); err != nil {
					sc.Close()
					return err
				}
			}
			for offset, raw := range byOffset {
				slot := raw
				if prop.Type == catalog.String {
					if slot, err = db.placeShadowString(so, storage.OverflowPath(relPath), raw); err != nil {
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
	}
	return nil
}
