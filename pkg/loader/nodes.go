package loader

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/antonellof/VeronaDB/pkg/catalog"
	"github.com/antonellof/VeronaDB/pkg/index"
	"github.com/antonellof/VeronaDB/pkg/storage"
)

// UnstructuredPropertySeparator splits an unstructured CSV token into its
// name and value.
const UnstructuredPropertySeparator = ":"

// nodeTableBuild carries the in-flight state of one node table across the
// loader passes.
type nodeTableBuild struct {
	desc   NodeFileDescription
	schema *catalog.NodeTableSchema
	props  []catalog.Property

	numBlocks        uint64
	numLinesPerBlock []uint64
	startOffsets     []uint64
	unstrPerBlock    []map[string]bool

	propColumns  []*storage.InMemColumn
	propOvfs     []*storage.InMemOverflowFile
	indexBuilder *index.Builder
	idMap        *NodeIDMap
	pkProp       catalog.Property
}

// NodesLoader runs the node passes: header parse and block count, parallel
// per-block line counting with prefix-sum offset assignment, and parallel
// population of property columns, the primary-key index and the NodeIDMap.
type NodesLoader struct {
	pool      *Pool
	snapshot  *catalog.Snapshot
	outputDir string
	logger    *log.Logger
}

// NewNodesLoader creates a nodes loader writing into outputDir
func NewNodesLoader(pool *Pool, snapshot *catalog.Snapshot, outputDir string, logger *log.Logger) *NodesLoader {
	return &NodesLoader{pool: pool, snapshot: snapshot, outputDir: outputDir, logger: logger}
}

// Load runs all node passes and returns the per-table build state
func (nl *NodesLoader) Load(descs []NodeFileDescription) ([]*nodeTableBuild, error) {
	tables, err := nl.registerTables(descs)
	if err != nil {
		return nil, err
	}
	if err := nl.countLines(tables); err != nil {
		return nil, err
	}
	if err := nl.populate(tables); err != nil {
		return nil, err
	}

	nl.logger.Printf("creating reverse NodeIDMaps")
	for _, table := range tables {
		t := table
		nl.pool.Execute(func() error {
			t.idMap.BuildReverseMap()
			return nil
		})
	}
	if err := nl.pool.Wait(); err != nil {
		return nil, err
	}
	return tables, nil
}

// registerTables reads each file header and adds the node tables to the
// catalog (pass 1).
func (nl *NodesLoader) registerTables(descs []NodeFileDescription) ([]*nodeTableBuild, error) {
	tables := make([]*nodeTableBuild, 0, len(descs))
	for _, desc := range descs {
		header, err := ReadHeaderLine(desc.FilePath)
		if err != nil {
			return nil, err
		}
		sep, _, _, err := desc.CSVSpecialChars.chars()
		if err != nil {
			return nil, &ParserError{File: desc.FilePath, Msg: err.Error()}
		}
		_, props, err := parseHeader(desc.FilePath, header, sep, false)
		if err != nil {
			return nil, err
		}
		numBlocks, err := NumBlocksInFile(desc.FilePath)
		if err != nil {
			return nil, err
		}
		tableID, err := nl.snapshot.AddNodeTable(desc.LabelName, props, desc.PrimaryKeyPropertyName)
		if err != nil {
			return nil, err
		}
		schema, _ := nl.snapshot.NodeTableByID(tableID)
		pkProp, err := schema.PrimaryKeyProperty()
		if err != nil {
			return nil, err
		}
		if pkProp.Type != catalog.Int64 && pkProp.Type != catalog.String {
			return nil, &catalog.CatalogError{Msg: fmt.Sprintf("primary key %q must be INT64 or STRING", pkProp.Name)}
		}
		tables = append(tables, &nodeTableBuild{
			desc:      desc,
			schema:    schema,
			props:     props,
			pkProp:    pkProp,
			numBlocks: numBlocks,
		})
	}
	return tables, nil
}

// countLines runs the counting pass (pass 2): one task per block, then a
// prefix sum assigns each block its starting offset. The header line in
// block 0 is subtracted. Unstructured property names observed past the
// structured columns are registered in the catalog.
func (nl *NodesLoader) countLines(tables []*nodeTableBuild) error {
	nl.logger.Printf("counting lines in %d node file(s)", len(tables))
	for _, table := range tables {
		table.numLinesPerBlock = make([]uint64, table.numBlocks)
		table.unstrPerBlock = make([]map[string]bool, table.numBlocks)
		for blockIdx := uint64(0); blockIdx < table.numBlocks; blockIdx++ {
			t, b := table, blockIdx
			nl.pool.Execute(func() error {
				return nl.countBlockTask(t, b)
			})
		}
	}
	if err := nl.pool.Wait(); err != nil {
		return err
	}

	for _, table := range tables {
		if table.numLinesPerBlock[0] == 0 {
			return &ParserError{File: table.desc.FilePath, Msg: "missing header line"}
		}
		table.numLinesPerBlock[0]--
		table.startOffsets = make([]uint64, table.numBlocks)
		var total uint64
		for b := uint64(0); b < table.numBlocks; b++ {
			table.startOffsets[b] = total
			total += table.numLinesPerBlock[b]
		}
		table.schema.NumNodes = total
		for _, names := range table.unstrPerBlock {
			for name := range names {
				if err := nl.snapshot.AddUnstructuredProperty(table.schema.ID, name); err != nil {
					return err
				}
			}
		}
		nl.logger.Printf("node table %s: %d nodes in %d block(s)", table.schema.Name, total, table.numBlocks)
	}
	return nil
}

func (nl *NodesLoader) countBlockTask(table *nodeTableBuild, blockIdx uint64) error {
	reader, err := NewCSVReader(table.desc.FilePath, table.desc.CSVSpecialChars, blockIdx)
	if err != nil {
		return err
	}
	defer reader.Close()

	unstrNames := make(map[string]bool)
	var count uint64
	for {
		ok, err := reader.HasNextLine()
		if err != nil {
			return err
		}
		if !ok {
			break
		}
		count++
		for i := 0; i < len(table.props); i++ {
			reader.NextToken()
		}
		for {
			token, ok := reader.NextToken()
			if !ok {
				break
			}
			if token == "" {
				continue
			}
			name := strings.SplitN(token, UnstructuredPropertySeparator, 2)[0]
			unstrNames[name] = true
		}
	}
	table.numLinesPerBlock[blockIdx] = count
	table.unstrPerBlock[blockIdx] = unstrNames
	return nil
}

// populate runs the node population pass (pass 3): per-block tasks write
// disjoint offset ranges into the property columns, insert primary keys
// into the hash index and fill the forward NodeIDMap.
func (nl *NodesLoader) populate(tables []*nodeTableBuild) error {
	for _, table := range tables {
		numNodes := table.schema.NumNodes
		table.propColumns = make([]*storage.InMemColumn, len(table.props))
		table.propOvfs = make([]*storage.InMemOverflowFile, len(table.props))
		for i, prop := range table.props {
			path := filepath.Join(nl.outputDir, storage.NodePropertyColumnName(table.schema.ID, prop.ID))
			table.propColumns[i] = storage.NewInMemColumn(path, prop.Type.Size(), numNodes)
			if prop.Type == catalog.String {
				table.propOvfs[i] = storage.NewInMemOverflowFile(storage.OverflowPath(path))
			}
		}
		keyType := index.Int64Key
		if table.pkProp.Type == catalog.String {
			keyType = index.StringKey
		}
		table.indexBuilder = index.NewBuilder(filepath.Join(nl.outputDir, storage.NodeIndexName(table.schema.ID)), keyType)
		table.indexBuilder.BulkReserve(numNodes)
		table.idMap = NewNodeIDMap(numNodes)

		for blockIdx := uint64(0); blockIdx < table.numBlocks; blockIdx++ {
			t, b := table, blockIdx
			nl.pool.Execute(func() error {
				return nl.populateBlockTask(t, b)
			})
		}
	}
	return nl.pool.Wait()
}

func (nl *NodesLoader) populateBlockTask(table *nodeTableBuild, blockIdx uint64) error {
	reader, err := NewCSVReader(table.desc.FilePath, table.desc.CSVSpecialChars, blockIdx)
	if err != nil {
		return err
	}
	defer reader.Close()

	if blockIdx == 0 {
		// discard the header record
		if ok, err := reader.HasNextLine(); err != nil || !ok {
			return err
		}
		reader.SkipLine()
	}

	offset := table.startOffsets[blockIdx]
	for {
		ok, err := reader.HasNextLine()
		if err != nil {
			return err
		}
		if !ok {
			break
		}
		for i, prop := range table.props {
			token, _ := reader.NextToken()
			isPK := prop.Name == table.pkProp.Name
			if token == "" {
				if isPK {
					return &ConversionError{File: table.desc.FilePath, Line: reader.LineNum(), Msg: "primary key must not be null"}
				}
				continue
			}
			if err := nl.setNodeProperty(table, i, offset, token); err != nil {
				return &ConversionError{File: table.desc.FilePath, Line: reader.LineNum(), Msg: err.Error()}
			}
			if isPK {
				if err := nl.insertPrimaryKey(table, token, offset); err != nil {
					return &ConversionError{File: table.desc.FilePath, Line: reader.LineNum(), Msg: err.Error()}
				}
				table.idMap.SetKey(offset, token)
			}
		}
		reader.SkipLine()
		offset++
	}
	return nil
}

func (nl *NodesLoader) setNodeProperty(table *nodeTableBuild, propIdx int, offset uint64, token string) error {
	prop := table.props[propIdx]
	if prop.Type == catalog.String {
		enc, err := storage.EncodeGFString([]byte(token), table.propOvfs[propIdx])
		if err != nil {
			return err
		}
		table.propColumns[propIdx].SetValue(offset, enc[:])
		return nil
	}
	val, err := convertValue(prop.Type, token)
	if err != nil {
		return err
	}
	table.propColumns[propIdx].SetValue(offset, val)
	return nil
}

func (nl *NodesLoader) insertPrimaryKey(table *nodeTableBuild, token string, offset uint64) error {
	if table.pkProp.Type == catalog.Int64 {
		key, err := strconv.ParseInt(token, 10, 64)
		if err != nil {
			return fmt.Errorf("cannot convert primary key %q to INT64", token)
		}
		return table.indexBuilder.AppendInt64(key, offset)
	}
	return table.indexBuilder.AppendString(token, offset)
}

// Finish sorts string overflow files, then saves the columns, indexes and
// per-table .nodes metadata.
func (nl *NodesLoader) Finish(tables []*nodeTableBuild) error {
	nl.logger.Printf("sorting node string overflow files")
	for _, table := range tables {
		for i, prop := range table.props {
			if prop.Type != catalog.String {
				continue
			}
			ordered := storage.NewInMemOverflowFile(table.propOvfs[i].Path())
			sortColumnOverflowStrings(table.propColumns[i], table.propOvfs[i], ordered, table.schema.NumNodes, nl.pool)
			table.propOvfs[i] = ordered
		}
	}
	if err := nl.pool.Wait(); err != nil {
		return err
	}

	nl.logger.Printf("writing node columns and indexes")
	for _, table := range tables {
		t := table
		for i := range table.props {
			col, ovf := table.propColumns[i], table.propOvfs[i]
			nl.pool.Execute(col.SaveToFile)
			if ovf != nil {
				nl.pool.Execute(ovf.SaveToFile)
			}
		}
		nl.pool.Execute(t.indexBuilder.Flush)
		nl.pool.Execute(func() error {
			return writeNodesMeta(filepath.Join(nl.outputDir, storage.NodesMetaName(t.schema.Name)), t.schema.NumNodes)
		})
		// Unstructured property values live in per-node byte lists; bulk
		// load only records their names, so the lists start empty.
		nl.pool.Execute(func() error {
			sizes := make([]uint64, t.schema.NumNodes)
			path := filepath.Join(nl.outputDir, storage.NodeUnstructuredListsName(t.schema.ID))
			return storage.NewInMemLists(path, 1, sizes, storage.BuildListPlacement(sizes)).SaveToFile()
		})
	}
	return nl.pool.Wait()
}

// writeNodesMeta writes the <table>.nodes file: the node count followed by
// a zeroed tombstone mask with one bit per offset.
func writeNodesMeta(path string, numNodes uint64) error {
	file, err := os.Create(path)
	if err != nil {
		return &storage.IOError{Path: path, Op: "create", Err: err}
	}
	defer file.Close()
	w := bufio.NewWriter(file)
	if err := storage.WriteFileHeader(w); err != nil {
		return &storage.IOError{Path: path, Op: "write header", Err: err}
	}
	if err := binary.Write(w, binary.LittleEndian, numNodes); err != nil {
		return &storage.IOError{Path: path, Op: "write", Err: err}
	}
	mask := make([]byte, (numNodes+7)/8)
	if _, err := w.Write(mask); err != nil {
		return &storage.IOError{Path: path, Op: "write", Err: err}
	}
	if err := w.Flush(); err != nil {
		return &storage.IOError{Path: path, Op: "flush", Err: err}
	}
	return file.Sync()
}

// ReadNodesMeta reads the node count from a <table>.nodes file
func ReadNodesMeta(path string) (uint64, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return 0, &storage.IOError{Path: path, Op: "read", Err: err}
	}
	payload, err := storage.ReadFileHeader(raw)
	if err != nil {
		return 0, &storage.IOError{Path: path, Op: "decode", Err: err}
	}
	return binary.LittleEndian.Uint64(payload[:8]), nil
}
