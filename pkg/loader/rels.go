package loader

import (
	"fmt"
	"log"
	"path/filepath"
	"sync/atomic"

	"github.com/antonellof/VeronaDB/pkg/catalog"
	"github.com/antonellof/VeronaDB/pkg/storage"
)

// relTableBuild carries the in-flight state of one rel table across the
// two phases of rel population.
type relTableBuild struct {
	desc    RelFileDescription
	schema  *catalog.RelTableSchema
	columns []headerColumn
	props   []catalog.Property

	numBlocks uint64

	srcIdx      int
	dstIdx      int
	srcLabelIdx int
	dstLabelIdx int

	single      [2]bool
	compression [2]storage.NodeIDCompression

	adjColumns [2]map[storage.TableID]*storage.InMemAdjColumn
	listSizes  [2]map[storage.TableID][]uint64
	placements [2]map[storage.TableID]*storage.ListPlacement
	adjLists   [2]map[storage.TableID]*storage.InMemAdjLists
	nextPos    [2]map[storage.TableID][]uint64

	// Rel properties are stored once as columns on the first
	// single-multiplicity direction, or as lists per direction when both
	// directions are MANY.
	hasPropColumns bool
	propDir        storage.Direction
	propColumns    map[storage.TableID][]*storage.InMemColumn
	propColOvfs    map[storage.TableID][]*storage.InMemOverflowFile
	propLists      [2]map[storage.TableID][]*storage.InMemLists
	propListOvfs   [2]map[storage.TableID][]*storage.InMemOverflowFile

	numRels [2]uint64
}

// RelsLoader runs the relationship passes: a first parse that populates
// adjacency columns and counts list sizes, list placement, a second parse
// that fills the allocated list slots, and the overflow sort.
type RelsLoader struct {
	pool      *Pool
	snapshot  *catalog.Snapshot
	outputDir string
	logger    *log.Logger
	idMaps    map[storage.TableID]*NodeIDMap
}

// NewRelsLoader creates a rels loader over the loaded node tables
func NewRelsLoader(pool *Pool, snapshot *catalog.Snapshot, outputDir string, idMaps map[storage.TableID]*NodeIDMap, logger *log.Logger) *RelsLoader {
	return &RelsLoader{pool: pool, snapshot: snapshot, outputDir: outputDir, idMaps: idMaps, logger: logger}
}

// Load runs all rel passes for every rel file
func (rl *RelsLoader) Load(descs []RelFileDescription) error {
	tables, err := rl.registerTables(descs)
	if err != nil {
		return err
	}
	for _, table := range tables {
		rl.logger.Printf("loading rel table %s (%d block(s))", table.schema.Name, table.numBlocks)
		if err := rl.loadTable(table); err != nil {
			return err
		}
	}
	return nil
}

// registerTables parses each rel file header and adds the rel tables to
// the catalog.
func (rl *RelsLoader) registerTables(descs []RelFileDescription) ([]*relTableBuild, error) {
	tables := make([]*relTableBuild, 0, len(descs))
	for _, desc := range descs {
		header, err := ReadHeaderLine(desc.FilePath)
		if err != nil {
			return nil, err
		}
		sep, _, _, err := desc.CSVSpecialChars.chars()
		if err != nil {
			return nil, &ParserError{File: desc.FilePath, Msg: err.Error()}
		}
		columns, props, err := parseHeader(desc.FilePath, header, sep, true)
		if err != nil {
			return nil, err
		}
		mult, err := catalog.ParseRelMultiplicity(desc.RelMultiplicity)
		if err != nil {
			return nil, err
		}
		relID, err := rl.snapshot.AddRelTable(desc.LabelName, mult, props, desc.SrcNodeLabelNames, desc.DstNodeLabelNames)
		if err != nil {
			return nil, err
		}
		schema, _ := rl.snapshot.RelTableByID(relID)
		numBlocks, err := NumBlocksInFile(desc.FilePath)
		if err != nil {
			return nil, err
		}

		table := &relTableBuild{
			desc:        desc,
			schema:      schema,
			columns:     columns,
			props:       props,
			numBlocks:   numBlocks,
			srcIdx:      headerColumnIndex(columns, StartIDField),
			dstIdx:      headerColumnIndex(columns, EndIDField),
			srcLabelIdx: headerColumnIndex(columns, StartIDLabelField),
			dstLabelIdx: headerColumnIndex(columns, EndIDLabelField),
		}
		if table.srcIdx < 0 || table.dstIdx < 0 {
			return nil, &ParserError{File: desc.FilePath, Msg: "rel file requires START_ID and END_ID columns"}
		}
		if len(schema.NodeTables[storage.FWD]) > 1 && table.srcLabelIdx < 0 {
			return nil, &ParserError{File: desc.FilePath, Msg: "rel file with multiple source tables requires a START_ID_LABEL column"}
		}
		if len(schema.NodeTables[storage.BWD]) > 1 && table.dstLabelIdx < 0 {
			return nil, &ParserError{File: desc.FilePath, Msg: "rel file with multiple destination tables requires an END_ID_LABEL column"}
		}
		rl.initBuildStructures(table)
		tables = append(tables, table)
	}
	return tables, nil
}

// initBuildStructures picks the neighbor id compression per direction and
// creates the adjacency columns and list-size counters.
func (rl *RelsLoader) initBuildStructures(table *relTableBuild) {
	for _, d := range storage.Directions {
		nbrTables := table.schema.NodeTables[d.Reverse()]
		var maxTableID storage.TableID
		var maxOffset uint64
		for _, id := range nbrTables {
			if id > maxTableID {
				maxTableID = id
			}
			if n := rl.numNodes(id); n > 0 && n-1 > maxOffset {
				maxOffset = n - 1
			}
		}
		table.compression[d] = storage.NewNodeIDCompression(len(nbrTables), maxTableID, maxOffset)
		table.schema.Compression[d] = table.compression[d]
		table.single[d] = table.schema.Multiplicity.ForDirection(d) == catalog.One

		if table.single[d] {
			table.adjColumns[d] = make(map[storage.TableID]*storage.InMemAdjColumn)
			for _, bound := range table.schema.NodeTables[d] {
				path := filepath.Join(rl.outputDir, storage.AdjColumnName(table.schema.ID, bound, d))
				table.adjColumns[d][bound] = storage.NewInMemAdjColumn(path, table.compression[d], rl.numNodes(bound))
			}
		} else {
			table.listSizes[d] = make(map[storage.TableID][]uint64)
			for _, bound := range table.schema.NodeTables[d] {
				table.listSizes[d][bound] = make([]uint64, rl.numNodes(bound))
			}
		}
	}

	table.hasPropColumns = table.single[storage.FWD] || table.single[storage.BWD]
	if table.hasPropColumns {
		table.propDir = storage.BWD
		if table.single[storage.FWD] {
			table.propDir = storage.FWD
		}
		table.propColumns = make(map[storage.TableID][]*storage.InMemColumn)
		table.propColOvfs = make(map[storage.TableID][]*storage.InMemOverflowFile)
		for _, bound := range table.schema.NodeTables[table.propDir] {
			cols := make([]*storage.InMemColumn, len(table.props))
			ovfs := make([]*storage.InMemOverflowFile, len(table.props))
			for i, prop := range table.props {
				path := filepath.Join(rl.outputDir, storage.RelPropertyColumnName(table.schema.ID, bound, table.propDir, prop.ID))
				cols[i] = storage.NewInMemColumn(path, prop.Type.Size(), rl.numNodes(bound))
				if prop.Type == catalog.String {
					ovfs[i] = storage.NewInMemOverflowFile(storage.OverflowPath(path))
				}
			}
			table.propColumns[bound] = cols
			table.propColOvfs[bound] = ovfs
		}
	}
}

func (rl *RelsLoader) numNodes(id storage.TableID) uint64 {
	schema, err := rl.snapshot.NodeTableByID(id)
	if err != nil {
		return 0
	}
	return schema.NumNodes
}

// loadTable runs both phases and the overflow sort for one rel table
func (rl *RelsLoader) loadTable(table *relTableBuild) error {
	// Phase 1: adjacency columns and list-size counting, parallel per block.
	for blockIdx := uint64(0); blockIdx < table.numBlocks; blockIdx++ {
		t, b := table, blockIdx
		rl.pool.Execute(func() error {
			return rl.populateColumnsAndCountTask(t, b)
		})
	}
	if err := rl.pool.Wait(); err != nil {
		return err
	}

	// List placement from the counted sizes.
	rl.buildLists(table)

	// Phase 2: fill the allocated list slots. Blocks run in index order so
	// insertion order within every list follows CSV order.
	if !table.single[storage.FWD] || !table.single[storage.BWD] {
		for blockIdx := uint64(0); blockIdx < table.numBlocks; blockIdx++ {
			if err := rl.populateListsTask(table, blockIdx); err != nil {
				return err
			}
		}
	}

	for _, d := range storage.Directions {
		table.schema.NumRels[d] = table.numRels[d]
	}

	if err := rl.sortOverflow(table); err != nil {
		return err
	}
	return rl.save(table)
}

// resolveEndpoint maps one endpoint's key (and optional label token) to a
// node id.
func (rl *RelsLoader) resolveEndpoint(table *relTableBuild, d storage.Direction, tokens []string, lineNum uint64) (storage.NodeID, error) {
	keyIdx, labelIdx := table.srcIdx, table.srcLabelIdx
	if d == storage.BWD {
		keyIdx, labelIdx = table.dstIdx, table.dstLabelIdx
	}
	candidates := table.schema.NodeTables[d]

	var tableID storage.TableID
	if len(candidates) == 1 {
		tableID = candidates[0]
	} else {
		labelName := tokens[labelIdx]
		schema, err := rl.snapshot.NodeTable(labelName)
		if err != nil {
			return storage.NodeID{}, &ConversionError{File: table.desc.FilePath, Line: lineNum, Msg: fmt.Sprintf("unknown node table %q", labelName)}
		}
		found := false
		for _, c := range candidates {
			if c == schema.ID {
				found = true
				break
			}
		}
		if !found {
			return storage.NodeID{}, &ConversionError{File: table.desc.FilePath, Line: lineNum, Msg: fmt.Sprintf("node table %q is not bound to rel table %s", labelName, table.schema.Name)}
		}
		tableID = schema.ID
	}

	key := tokens[keyIdx]
	offset, ok := rl.idMaps[tableID].Offset(key)
	if !ok {
		return storage.NodeID{}, &ConversionError{File: table.desc.FilePath, Line: lineNum, Msg: fmt.Sprintf("unknown node key %q", key)}
	}
	return storage.NodeID{Table: tableID, Offset: offset}, nil
}

// readRelLine reads all positional tokens of the current record
func (table *relTableBuild) readRelLine(reader *CSVReader) ([]string, error) {
	tokens := make([]string, len(table.columns))
	for i := range table.columns {
		token, ok := reader.NextToken()
		if !ok {
			return nil, &ConversionError{File: table.desc.FilePath, Line: reader.LineNum(), Msg: fmt.Sprintf("expected %d columns, found %d", len(table.columns), i)}
		}
		tokens[i] = token
	}
	reader.SkipLine()
	return tokens, nil
}

// populateColumnsAndCountTask is the phase-1 task for one block: set
// adjacency column slots for single-multiplicity directions, bump per
// offset list-size counters for the others, and place property values when
// properties are stored as columns.
func (rl *RelsLoader) populateColumnsAndCountTask(table *relTableBuild, blockIdx uint64) error {
	reader, err := NewCSVReader(table.desc.FilePath, table.desc.CSVSpecialChars, blockIdx)
	if err != nil {
		return err
	}
	defer reader.Close()

	if blockIdx == 0 {
		if ok, err := reader.HasNextLine(); err != nil || !ok {
			return err
		}
		reader.SkipLine()
	}

	for {
		ok, err := reader.HasNextLine()
		if err != nil {
			return err
		}
		if !ok {
			break
		}
		tokens, err := table.readRelLine(reader)
		if err != nil {
			return err
		}
		var nodeIDs [2]storage.NodeID
		for _, d := range storage.Directions {
			if nodeIDs[d], err = rl.resolveEndpoint(table, d, tokens, reader.LineNum()); err != nil {
				return err
			}
		}
		for _, d := range storage.Directions {
			bound, nbr := nodeIDs[d], nodeIDs[d.Reverse()]
			if table.single[d] {
				col := table.adjColumns[d][bound.Table]
				if _, null := col.Value(bound.Offset); !null {
					return &ConversionError{
						File: table.desc.FilePath,
						Line: reader.LineNum(),
						Msg:  fmt.Sprintf("node %d already has a %s rel in direction %s", bound.Offset, table.schema.Name, d),
					}
				}
				col.Set(bound.Offset, nbr)
				atomic.AddUint64(&table.numRels[d], 1)
			} else {
				atomic.AddUint64(&table.listSizes[d][bound.Table][bound.Offset], 1)
				atomic.AddUint64(&table.numRels[d], 1)
			}
		}
		if table.hasPropColumns && len(table.props) > 0 {
			bound := nodeIDs[table.propDir]
			if err := rl.setRelColumnProperties(table, bound, tokens, reader.LineNum()); err != nil {
				return err
			}
		}
	}
	return nil
}

func (rl *RelsLoader) setRelColumnProperties(table *relTableBuild, bound storage.NodeID, tokens []string, lineNum uint64) error {
	propIdx := 0
	for i, col := range table.columns {
		if col.Special {
			continue
		}
		token := tokens[i]
		if token != "" {
			val, err := rl.encodePropValue(table.props[propIdx], token, table.propColOvfs[bound.Table][propIdx])
			if err != nil {
				return &ConversionError{File: table.desc.FilePath, Line: lineNum, Msg: err.Error()}
			}
			table.propColumns[bound.Table][propIdx].SetValue(bound.Offset, val)
		}
		propIdx++
	}
	return nil
}

func (rl *RelsLoader) encodePropValue(prop catalog.Property, token string, ovf *storage.InMemOverflowFile) ([]byte, error) {
	if prop.Type == catalog.String {
		enc, err := storage.EncodeGFString([]byte(token), ovf)
		if err != nil {
			return nil, err
		}
		return enc[:], nil
	}
	return convertValue(prop.Type, token)
}

// buildLists materializes headers, metadata and list files from the
// counted sizes for every MANY direction.
func (rl *RelsLoader) buildLists(table *relTableBuild) {
	for _, d := range storage.Directions {
		if table.single[d] {
			continue
		}
		table.placements[d] = make(map[storage.TableID]*storage.ListPlacement)
		table.adjLists[d] = make(map[storage.TableID]*storage.InMemAdjLists)
		table.nextPos[d] = make(map[storage.TableID][]uint64)
		if !table.hasPropColumns && len(table.props) > 0 {
			table.propLists[d] = make(map[storage.TableID][]*storage.InMemLists)
			table.propListOvfs[d] = make(map[storage.TableID][]*storage.InMemOverflowFile)
		}
		for _, bound := range table.schema.NodeTables[d] {
			sizes := table.listSizes[d][bound]
			placement := storage.BuildListPlacement(sizes)
			table.placements[d][bound] = placement
			path := filepath.Join(rl.outputDir, storage.AdjListsName(table.schema.ID, bound, d))
			table.adjLists[d][bound] = storage.NewInMemAdjLists(path, table.compression[d], sizes, placement)
			table.nextPos[d][bound] = make([]uint64, len(sizes))
			if !table.hasPropColumns && len(table.props) > 0 {
				lists := make([]*storage.InMemLists, len(table.props))
				ovfs := make([]*storage.InMemOverflowFile, len(table.props))
				for i, prop := range table.props {
					propPath := filepath.Join(rl.outputDir, storage.RelPropertyListsName(table.schema.ID, bound, d, prop.ID))
					lists[i] = storage.NewInMemLists(propPath, prop.Type.Size(), sizes, placement)
					if prop.Type == catalog.String {
						ovfs[i] = storage.NewInMemOverflowFile(storage.OverflowPath(propPath))
					}
				}
				table.propLists[d][bound] = lists
				table.propListOvfs[d][bound] = ovfs
			}
		}
	}
}

// populateListsTask is the phase-2 task for one block: write neighbor ids
// and property values into the allocated list slots.
func (rl *RelsLoader) populateListsTask(table *relTableBuild, blockIdx uint64) error {
	reader, err := NewCSVReader(table.desc.FilePath, table.desc.CSVSpecialChars, blockIdx)
	if err != nil {
		return err
	}
	defer reader.Close()

	if blockIdx == 0 {
		if ok, err := reader.HasNextLine(); err != nil || !ok {
			return err
		}
		reader.SkipLine()
	}

	for {
		ok, err := reader.HasNextLine()
		if err != nil {
			return err
		}
		if !ok {
			break
		}
		tokens, err := table.readRelLine(reader)
		if err != nil {
			return err
		}
		var nodeIDs [2]storage.NodeID
		for _, d := range storage.Directions {
			if nodeIDs[d], err = rl.resolveEndpoint(table, d, tokens, reader.LineNum()); err != nil {
				return err
			}
		}
		for _, d := range storage.Directions {
			if table.single[d] {
				continue
			}
			bound, nbr := nodeIDs[d], nodeIDs[d.Reverse()]
			pos := table.nextPos[d][bound.Table][bound.Offset]
			table.nextPos[d][bound.Table][bound.Offset]++
			if err := table.adjLists[d][bound.Table].SetRel(bound.Offset, pos, nbr); err != nil {
				return err
			}
			if table.propLists[d] != nil {
				if err := rl.setRelListProperties(table, d, bound, pos, tokens, reader.LineNum()); err != nil {
					return err
				}
			}
		}
	}
	return nil
}

func (rl *RelsLoader) setRelListProperties(table *relTableBuild, d storage.Direction, bound storage.NodeID, pos uint64, tokens []string, lineNum uint64) error {
	propIdx := 0
	for i, col := range table.columns {
		if col.Special {
			continue
		}
		token := tokens[i]
		if token != "" {
			val, err := rl.encodePropValue(table.props[propIdx], token, table.propListOvfs[d][bound.Table][propIdx])
			if err != nil {
				return &ConversionError{File: table.desc.FilePath, Line: lineNum, Msg: err.Error()}
			}
			if err := table.propLists[d][bound.Table][propIdx].SetElement(bound.Offset, pos, val); err != nil {
				return err
			}
		}
		propIdx++
	}
	return nil
}

// sortOverflow runs pass 5 over every string rel property structure
func (rl *RelsLoader) sortOverflow(table *relTableBuild) error {
	if table.hasPropColumns {
		for _, bound := range table.schema.NodeTables[table.propDir] {
			for i, prop := range table.props {
				if prop.Type != catalog.String {
					continue
				}
				unordered := table.propColOvfs[bound][i]
				ordered := storage.NewInMemOverflowFile(unordered.Path())
				sortColumnOverflowStrings(table.propColumns[bound][i], unordered, ordered, rl.numNodes(bound), rl.pool)
				table.propColOvfs[bound][i] = ordered
			}
		}
	} else {
		for _, d := range storage.Directions {
			if table.propLists[d] == nil {
				continue
			}
			for _, bound := range table.schema.NodeTables[d] {
				for i, prop := range table.props {
					if prop.Type != catalog.String {
						continue
					}
					unordered := table.propListOvfs[d][bound][i]
					ordered := storage.NewInMemOverflowFile(unordered.Path())
					sortListsOverflowStrings(table.propLists[d][bound][i], unordered, ordered, rl.numNodes(bound), rl.pool)
					table.propListOvfs[d][bound][i] = ordered
				}
			}
		}
	}
	return rl.pool.Wait()
}

// save writes every structure of the rel table to disk
func (rl *RelsLoader) save(table *relTableBuild) error {
	for _, d := range storage.Directions {
		if table.single[d] {
			for _, col := range table.adjColumns[d] {
				rl.pool.Execute(col.SaveToFile)
			}
		} else {
			for _, lists := range table.adjLists[d] {
				rl.pool.Execute(lists.SaveToFile)
			}
		}
		if table.propLists[d] != nil {
			for _, lists := range table.propLists[d] {
				for i := range lists {
					rl.pool.Execute(lists[i].SaveToFile)
				}
			}
			for _, ovfs := range table.propListOvfs[d] {
				for _, ovf := range ovfs {
					if ovf != nil {
						rl.pool.Execute(ovf.SaveToFile)
					}
				}
			}
		}
	}
	if table.hasPropColumns {
		for _, cols := range table.propColumns {
			for _, col := range cols {
				rl.pool.Execute(col.SaveToFile)
			}
		}
		for _, ovfs := range table.propColOvfs {
			for _, ovf := range ovfs {
				if ovf != nil {
					rl.pool.Execute(ovf.SaveToFile)
				}
			}
		}
	}
	return rl.pool.Wait()
}
