package loader

import (
	"fmt"
	"log"
	"os"

	"github.com/antonellof/VeronaDB/pkg/catalog"
	"github.com/antonellof/VeronaDB/pkg/storage"
)

// GraphLoader constructs every storage file of a database directory from a
// directory of CSV files described by metadata.json. A failure during any
// pass removes the output directory and surfaces a LoaderError.
type GraphLoader struct {
	inputDir   string
	outputDir  string
	numThreads int
	logger     *log.Logger
}

// NewGraphLoader creates a loader running up to numThreads parallel tasks
func NewGraphLoader(inputDir, outputDir string, numThreads int, logger *log.Logger) *GraphLoader {
	if logger == nil {
		logger = log.Default()
	}
	return &GraphLoader{
		inputDir:   inputDir,
		outputDir:  outputDir,
		numThreads: numThreads,
		logger:     logger,
	}
}

// Load runs the full bulk load
func (gl *GraphLoader) Load() error {
	if err := os.MkdirAll(gl.outputDir, 0755); err != nil {
		return &LoaderError{Err: &storage.IOError{Path: gl.outputDir, Op: "mkdir", Err: err}}
	}
	if err := gl.load(); err != nil {
		gl.cleanup()
		if _, ok := err.(*LoaderError); ok {
			return err
		}
		return &LoaderError{Err: err}
	}
	return nil
}

func (gl *GraphLoader) load() error {
	gl.logger.Printf("starting graph loader: %s -> %s", gl.inputDir, gl.outputDir)
	metadata, err := ReadDatasetMetadata(gl.inputDir)
	if err != nil {
		return err
	}

	pool := NewPool(gl.numThreads)
	cat := catalog.NewCatalog()
	snapshot := cat.WriteAheadVersion()

	nodesLoader := NewNodesLoader(pool, snapshot, gl.outputDir, gl.logger)
	nodeTables, err := nodesLoader.Load(metadata.NodeFileDescriptions)
	if err != nil {
		return err
	}

	idMaps := make(map[storage.TableID]*NodeIDMap, len(nodeTables))
	for _, table := range nodeTables {
		idMaps[table.schema.ID] = table.idMap
	}

	relsLoader := NewRelsLoader(pool, snapshot, gl.outputDir, idMaps, gl.logger)
	if err := relsLoader.Load(metadata.RelFileDescriptions); err != nil {
		return err
	}

	if err := nodesLoader.Finish(nodeTables); err != nil {
		return err
	}

	gl.logger.Printf("writing catalog")
	cat.PromoteWriteAhead()
	if err := cat.SaveToFile(gl.outputDir); err != nil {
		return err
	}
	gl.logger.Printf("done loading graph")
	return nil
}

// cleanup removes the output directory after a failed load
func (gl *GraphLoader) cleanup() {
	gl.logger.Printf("load failed, removing %s", gl.outputDir)
	if err := os.RemoveAll(gl.outputDir); err != nil {
		gl.logger.Printf("cleanup failed: %v", err)
	}
}

// Validate checks that the input directory holds a parseable dataset
// without loading it.
func (gl *GraphLoader) Validate() error {
	metadata, err := ReadDatasetMetadata(gl.inputDir)
	if err != nil {
		return err
	}
	for _, desc := range metadata.NodeFileDescriptions {
		if _, err := os.Stat(desc.FilePath); err != nil {
			return &ParserError{File: desc.FilePath, Msg: fmt.Sprintf("cannot open file: %v", err)}
		}
	}
	for _, desc := range metadata.RelFileDescriptions {
		if _, err := os.Stat(desc.FilePath); err != nil {
			return &ParserError{File: desc.FilePath, Msg: fmt.Sprintf("cannot open file: %v", err)}
		}
	}
	return nil
}
