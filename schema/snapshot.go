// Package schema tracks source table schemas: point-in-time snapshots,
// ordered diffs between them, a process-wide cache, and the monitor that
// polls the source catalog and emits change notifications.
package schema

import "fmt"

// ColumnDef is one column of a source table.
type ColumnDef struct {
	Name            string
	Type            string // CQL type, verbatim from the catalog
	IsPartitionKey  bool
	IsClusteringKey bool
	IsStatic        bool
}

// Snapshot is the schema of one (keyspace, table) at a point in time.
// Columns are ordered: partition key columns first (key order), then
// clustering key columns (key order), then regular columns by name.
// Version is monotone per table; the first observation is version 1.
type Snapshot struct {
	Keyspace       string
	Table          string
	Columns        []ColumnDef
	PartitionKeys  []string // ordered
	ClusteringKeys []string // ordered
	Version        int
}

// Key returns the cache key for this snapshot's table.
func (s *Snapshot) Key() string {
	return s.Keyspace + "." + s.Table
}

// Column returns the named column definition, if present.
func (s *Snapshot) Column(name string) (ColumnDef, bool) {
	for _, c := range s.Columns {
		if c.Name == name {
			return c, true
		}
	}
	return ColumnDef{}, false
}

// IsKeyColumn reports whether the column is part of the partition or
// clustering key.
func (s *Snapshot) IsKeyColumn(name string) bool {
	c, ok := s.Column(name)
	return ok && (c.IsPartitionKey || c.IsClusteringKey)
}

// Validate checks structural invariants before a snapshot enters the cache.
func (s *Snapshot) Validate() error {
	if s.Keyspace == "" || s.Table == "" {
		return fmt.Errorf("snapshot requires keyspace and table")
	}
	if len(s.PartitionKeys) == 0 {
		return fmt.Errorf("%s: partition keys must be non-empty", s.Key())
	}
	for _, pk := range s.PartitionKeys {
		if _, ok := s.Column(pk); !ok {
			return fmt.Errorf("%s: partition key %q not found in columns", s.Key(), pk)
		}
	}
	for _, ck := range s.ClusteringKeys {
		if _, ok := s.Column(ck); !ok {
			return fmt.Errorf("%s: clustering key %q not found in columns", s.Key(), ck)
		}
	}
	return nil
}
