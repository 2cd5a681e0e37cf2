package storage

import "fmt"

// Canonical storage file names inside a database directory. Node property
// columns and the primary-key index are keyed by table and property id;
// rel structures additionally carry the bound node table and direction.

// NodePropertyColumnName returns n-<t>-<pid>.col
func NodePropertyColumnName(tableID TableID, propertyID uint32) string {
	return fmt.Sprintf("n-%d-%d.col", tableID, propertyID)
}

// NodeUnstructuredListsName returns n-<t>-unstr.lists
func NodeUnstructuredListsName(tableID TableID) string {
	return fmt.Sprintf("n-%d-unstr.lists", tableID)
}

// NodeIndexName returns n-<t>.pk.index
func NodeIndexName(tableID TableID) string {
	return fmt.Sprintf("n-%d.pk.index", tableID)
}

// NodesMetaName returns <table>.nodes
func NodesMetaName(tableName string) string {
	return tableName + ".nodes"
}

// AdjColumnName returns r-<rt>-<nt>-<dir>.col
func AdjColumnName(relTableID, nodeTableID TableID, d Direction) string {
	return fmt.Sprintf("r-%d-%d-%s.col", relTableID, nodeTableID, d)
}

// AdjListsName returns r-<rt>-<nt>-<dir>.lists
func AdjListsName(relTableID, nodeTableID TableID, d Direction) string {
	return fmt.Sprintf("r-%d-%d-%s.lists", relTableID, nodeTableID, d)
}

// RelPropertyColumnName returns r-<rt>-<nt>-<dir>-<pid>.col
func RelPropertyColumnName(relTableID, nodeTableID TableID, d Direction, propertyID uint32) string {
	return fmt.Sprintf("r-%d-%d-%s-%d.col", relTableID, nodeTableID, d, propertyID)
}

// RelPropertyListsName returns r-<rt>-<nt>-<dir>-<pid>.lists
func RelPropertyListsName(relTableID, nodeTableID TableID, d Direction, propertyID uint32) string {
	return fmt.Sprintf("r-%d-%d-%s-%d.lists", relTableID, nodeTableID, d, propertyID)
}

// WALFileName is the write-ahead log in the database directory
const WALFileName = "wal.log"
