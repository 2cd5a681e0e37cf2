package core

import (
	"time"
)

// Config configures an opened database
type Config struct {
	DataDir        string
	CacheSizePages int
	// CheckpointWaitTimeout bounds how long a checkpoint waits for readers
	// to drain. Zero waits indefinitely.
	CheckpointWaitTimeout time.Duration
}

// DefaultConfig returns sensible defaults
func DefaultConfig(dataDir string) *Config {
	return &Config{
		DataDir:        dataDir,
		CacheSizePages: 4096,
	}
}

// HealthStatus reports the current database health
type HealthStatus struct {
	Status        string `json:"status"`
	Uptime        int64  `json:"uptime_seconds"`
	NodeTables    int    `json:"node_tables"`
	RelTables     int    `json:"rel_tables"`
	TotalNodes    uint64 `json:"total_nodes"`
	TotalRels     uint64 `json:"total_rels"`
	ActiveReaders int    `json:"active_readers"`
	WALSize       int64  `json:"wal_size"`
}

// NodeTableStats describes one node table
type NodeTableStats struct {
	Name       string `json:"name"`
	NumNodes   uint64 `json:"num_nodes"`
	Properties int    `json:"properties"`
}

// RelTableStats describes one rel table
type RelTableStats struct {
	Name    string `json:"name"`
	NumRels uint64 `json:"num_rels"`
}

// DatabaseStats aggregates table statistics
type DatabaseStats struct {
	NodeTables   []NodeTableStats `json:"node_tables"`
	RelTables    []RelTableStats  `json:"rel_tables"`
	BufferFrames int              `json:"buffer_frames"`
	CacheHitRate float64          `json:"cache_hit_rate"`
}
