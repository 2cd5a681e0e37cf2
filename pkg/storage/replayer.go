package storage

import (
	"io/fs"
	"log"
	"os"
	"path/filepath"
	"strings"
)

// CatalogFileName is the schema image in the database directory
const CatalogFileName = "catalog.bin"

// Replayer materializes the WAL into the canonical files: shadow files of
// committed transactions are renamed into place together with their
// siblings, uncommitted shadows are removed. Replaying a fully applied WAL
// is a no-op.
type Replayer struct {
	dir    string
	wal    *WAL
	logger *log.Logger
}

// NewReplayer creates a replayer for the database directory
func NewReplayer(dir string, wal *WAL, logger *log.Logger) *Replayer {
	return &Replayer{dir: dir, wal: wal, logger: logger}
}

// Replay scans the WAL and applies every committed transaction. It is run
// at startup (crash recovery) and at checkpoint.
func (r *Replayer) Replay() error {
	records, err := r.wal.ReadAll()
	if err != nil {
		return err
	}

	var pendingFiles []string
	var pendingCatalog []byte
	committed := make(map[string]bool)
	var committedCatalog []byte

	for _, rec := range records {
		switch rec.Type {
		case WALRecordFile:
			pendingFiles = append(pendingFiles, rec.FilePath)
		case WALRecordCatalog:
			pendingCatalog = rec.Image
		case WALRecordCommit:
			for _, f := range pendingFiles {
				committed[f] = true
			}
			pendingFiles = nil
			if pendingCatalog != nil {
				committedCatalog = pendingCatalog
				pendingCatalog = nil
			}
		}
	}

	for relPath := range committed {
		if err := r.renameShadowSet(filepath.Join(r.dir, relPath)); err != nil {
			return err
		}
	}
	if committedCatalog != nil {
		if err := r.applyCatalogImage(committedCatalog); err != nil {
			return err
		}
	}

	// Any shadow file still on disk belongs to an uncommitted transaction.
	if err := r.removeStrayShadows(); err != nil {
		return err
	}
	return nil
}

// DiscardShadows removes every shadow file in the directory. Used by
// rollback before the WAL is truncated.
func (r *Replayer) DiscardShadows() error {
	return r.removeStrayShadows()
}

func (r *Replayer) renameShadowSet(primary string) error {
	members := append([]string{primary}, ShadowSiblings(primary)...)
	for _, member := range members {
		if err := RenameIfExists(ShadowPath(member), member); err != nil {
			return err
		}
	}
	return nil
}

func (r *Replayer) applyCatalogImage(image []byte) error {
	shadow := filepath.Join(r.dir, ShadowPath(CatalogFileName))
	if err := os.WriteFile(shadow, image, 0644); err != nil {
		return &IOError{Path: shadow, Op: "write", Err: err}
	}
	return Rename(shadow, filepath.Join(r.dir, CatalogFileName))
}

func (r *Replayer) removeStrayShadows() error {
	return filepath.WalkDir(r.dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return err
		}
		if !IsShadowPath(path) {
			return nil
		}
		if r.logger != nil {
			r.logger.Printf("removing stale shadow file %s", strings.TrimPrefix(path, r.dir))
		}
		return Remove(path)
	})
}
