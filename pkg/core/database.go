package core

import (
	"fmt"
	"log"
	"path/filepath"
	"sync"
	"time"

	"github.com/antonellof/VeronaDB/pkg/catalog"
	"github.com/antonellof/VeronaDB/pkg/index"
	"github.com/antonellof/VeronaDB/pkg/storage"
	"github.com/antonellof/VeronaDB/pkg/transaction"
)

// VeronaDB is an opened graph database directory: the catalog, the storage
// structures of every table, the WAL and the transaction manager.
type VeronaDB struct {
	config  *Config
	dataDir string
	logger  *log.Logger

	catalog *catalog.Catalog
	bm      *storage.BufferManager
	wal     *storage.WAL
	txnMgr  *transaction.Manager
	updates *storage.UpdatesStore

	mu         sync.RWMutex
	nodeTables map[storage.TableID]*nodeTableStorage
	relTables  map[storage.TableID]*relTableStorage
	startTime  time.Time
	closed     bool
}

// nodeTableStorage holds the open files of one node table. It keeps only
// the table id; schema details are resolved through a borrowed catalog
// snapshot.
type nodeTableStorage struct {
	tableID storage.TableID
	columns map[uint32]*storage.Column
	ovfs    map[uint32]*storage.OverflowFile
	pkIndex *index.Index
}

// relTableStorage holds the open adjacency structures of one rel table
type relTableStorage struct {
	tableID    storage.TableID
	adjColumns [2]map[storage.TableID]*storage.AdjColumn
	adjLists   [2]map[storage.TableID]*storage.AdjLists
}

// NewDatabase creates an unopened database handle
func NewDatabase(logger *log.Logger) *VeronaDB {
	if logger == nil {
		logger = log.Default()
	}
	return &VeronaDB{
		logger:     logger,
		nodeTables: make(map[storage.TableID]*nodeTableStorage),
		relTables:  make(map[storage.TableID]*relTableStorage),
		startTime:  time.Now(),
	}
}

// Open opens a database directory produced by the bulk loader: recover from
// the WAL, load the catalog, then open every table's files.
func (db *VeronaDB) Open(config *Config) error {
	db.mu.Lock()
	defer db.mu.Unlock()

	if db.closed {
		return fmt.Errorf("database is closed")
	}
	db.config = config
	db.dataDir = config.DataDir
	db.bm = storage.NewBufferManager(config.CacheSizePages)
	db.txnMgr = transaction.NewManager(config.CheckpointWaitTimeout)
	db.updates = storage.NewUpdatesStore()

	wal, err := storage.OpenWAL(filepath.Join(db.dataDir, storage.WALFileName))
	if err != nil {
		return fmt.Errorf("failed to open WAL: %w", err)
	}
	db.wal = wal

	// Crash recovery: apply committed shadow files, drop the rest.
	replayer := storage.NewReplayer(db.dataDir, db.wal, db.logger)
	if err := replayer.Replay(); err != nil {
		return fmt.Errorf("failed to replay WAL: %w", err)
	}
	if err := db.wal.Truncate(); err != nil {
		return fmt.Errorf("failed to truncate WAL: %w", err)
	}

	cat, err := catalog.LoadFromFile(db.dataDir)
	if err != nil {
		return fmt.Errorf("failed to load catalog: %w", err)
	}
	db.catalog = cat

	if err := db.openTables(); err != nil {
		return err
	}
	return nil
}

// Close closes every open file
func (db *VeronaDB) Close() error {
	db.mu.Lock()
	defer db.mu.Unlock()

	if db.closed {
		return nil
	}
	if err := db.closeTables(); err != nil {
		db.logger.Printf("error closing tables: %v", err)
	}
	if db.wal != nil {
		if err := db.wal.Close(); err != nil {
			db.logger.Printf("error closing WAL: %v", err)
		}
	}
	db.closed = true
	return nil
}

// Catalog returns the database catalog
func (db *VeronaDB) Catalog() *catalog.Catalog { return db.catalog }

// openTables opens the storage files of every table in the read-only
// catalog version.
func (db *VeronaDB) openTables() error {
	snapshot := db.catalog.ReadOnlyVersion()
	for _, schema := range snapshot.NodeTables {
		nts := &nodeTableStorage{
			tableID: schema.ID,
			columns: make(map[uint32]*storage.Column),
			ovfs:    make(map[uint32]*storage.OverflowFile),
		}
		for _, prop := range schema.Properties {
			path := filepath.Join(db.dataDir, storage.NodePropertyColumnName(schema.ID, prop.ID))
			col, err := storage.OpenColumn(path, prop.Type.Size(), db.bm)
			if err != nil {
				return fmt.Errorf("failed to open column %s: %w", path, err)
			}
			nts.columns[prop.ID] = col
			if prop.Type == catalog.String {
				ovf, err := storage.OpenOverflowFile(storage.OverflowPath(path), db.bm)
				if err != nil {
					return fmt.Errorf("failed to open overflow file of %s: %w", path, err)
				}
				nts.ovfs[prop.ID] = ovf
			}
		}
		pkIndex, err := index.Open(filepath.Join(db.dataDir, storage.NodeIndexName(schema.ID)), db.bm)
		if err != nil {
			return fmt.Errorf("failed to open primary key index of %s: %w", schema.Name, err)
		}
		nts.pkIndex = pkIndex
		db.nodeTables[schema.ID] = nts
	}

	for _, schema := range snapshot.RelTables {
		rts := &relTableStorage{tableID: schema.ID}
		for _, d := range storage.Directions {
			single, err := snapshot.IsSingleMultiplicity(schema.ID, d)
			if err != nil {
				return err
			}
			nbrTables := schema.NodeTables[d.Reverse()]
			singleNbr := nbrTables[0]
			if single {
				rts.adjColumns[d] = make(map[storage.TableID]*storage.AdjColumn)
				for _, bound := range schema.NodeTables[d] {
					path := filepath.Join(db.dataDir, storage.AdjColumnName(schema.ID, bound, d))
					col, err := storage.OpenAdjColumn(path, schema.Compression[d], singleNbr, db.bm)
					if err != nil {
						return fmt.Errorf("failed to open adjacency column %s: %w", path, err)
					}
					rts.adjColumns[d][bound] = col
				}
			} else {
				rts.adjLists[d] = make(map[storage.TableID]*storage.AdjLists)
				for _, bound := range schema.NodeTables[d] {
					path := filepath.Join(db.dataDir, storage.AdjListsName(schema.ID, bound, d))
					lists, err := storage.OpenAdjLists(path, singleNbr, db.bm)
					if err != nil {
						return fmt.Errorf("failed to open adjacency lists %s: %w", path, err)
					}
					rts.adjLists[d][bound] = lists
				}
			}
		}
		db.relTables[schema.ID] = rts
	}
	return nil
}

func (db *VeronaDB) closeTables() error {
	var firstErr error
	keep := func(err error) {
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}
	for _, nts := range db.nodeTables {
		for _, col := range nts.columns {
			keep(col.Close())
		}
		for _, ovf := range nts.ovfs {
			keep(ovf.Close())
		}
		keep(nts.pkIndex.Close())
	}
	for _, rts := range db.relTables {
		for _, d := range storage.Directions {
			for _, col := range rts.adjColumns[d] {
				keep(col.Close())
			}
			for _, lists := range rts.adjLists[d] {
				keep(lists.Close())
			}
		}
	}
	db.nodeTables = make(map[storage.TableID]*nodeTableStorage)
	db.relTables = make(map[storage.TableID]*relTableStorage)
	return firstErr
}

// reopenTables closes and reopens every table after a checkpoint replaced
// canonical files underneath the open handles.
func (db *VeronaDB) reopenTables() error {
	if err := db.closeTables(); err != nil {
		return err
	}
	return db.openTables()
}

// BeginRead starts a reader transaction observing the current snapshot
func (db *VeronaDB) BeginRead() *transaction.Transaction {
	return db.txnMgr.BeginRead()
}

// EndRead finishes a reader transaction
func (db *VeronaDB) EndRead(tx *transaction.Transaction) {
	db.txnMgr.EndRead(tx)
}

// BeginWrite starts the single writer transaction
func (db *VeronaDB) BeginWrite() (*transaction.Transaction, error) {
	return db.txnMgr.BeginWrite()
}

// Health returns the current health status
func (db *VeronaDB) Health() *HealthStatus {
	db.mu.RLock()
	defer db.mu.RUnlock()

	snapshot := db.catalog.ReadOnlyVersion()
	var totalNodes, totalRels uint64
	for _, nt := range snapshot.NodeTables {
		totalNodes += nt.NumNodes
	}
	for _, rt := range snapshot.RelTables {
		totalRels += rt.NumRels[storage.FWD]
	}
	return &HealthStatus{
		Status:        "healthy",
		Uptime:        int64(time.Since(db.startTime).Seconds()),
		NodeTables:    len(snapshot.NodeTables),
		RelTables:     len(snapshot.RelTables),
		TotalNodes:    totalNodes,
		TotalRels:     totalRels,
		ActiveReaders: db.txnMgr.ActiveReaders(),
		WALSize:       db.wal.Size(),
	}
}

// Stats returns database statistics
func (db *VeronaDB) Stats() *DatabaseStats {
	db.mu.RLock()
	defer db.mu.RUnlock()

	snapshot := db.catalog.ReadOnlyVersion()
	stats := &DatabaseStats{}
	for _, nt := range snapshot.NodeTables {
		stats.NodeTables = append(stats.NodeTables, NodeTableStats{
			Name:       nt.Name,
			NumNodes:   nt.NumNodes,
			Properties: len(nt.Properties),
		})
	}
	for _, rt := range snapshot.RelTables {
		stats.RelTables = append(stats.RelTables, RelTableStats{
			Name:    rt.Name,
			NumRels: rt.NumRels[storage.FWD],
		})
	}
	bmStats := db.bm.Stats()
	stats.BufferFrames = bmStats.Frames
	stats.CacheHitRate = bmStats.HitRate
	return stats
}
