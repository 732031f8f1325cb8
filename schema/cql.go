package schema

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/gocql/gocql"
)

// CQLCatalog reads table definitions from the source cluster's
// system_schema tables.
type CQLCatalog struct {
	session *gocql.Session
}

// NewCQLCatalog connects to the source cluster. The session only ever
// touches system_schema, so consistency One is sufficient.
func NewCQLCatalog(hosts []string, port int, connectTimeout time.Duration) (*CQLCatalog, error) {
	cluster := gocql.NewCluster(hosts...)
	cluster.Port = port
	cluster.Keyspace = "system_schema"
	cluster.Consistency = gocql.One
	cluster.ConnectTimeout = connectTimeout
	cluster.Timeout = connectTimeout

	session, err := cluster.CreateSession()
	if err != nil {
		return nil, fmt.Errorf("failed to connect to source cluster: %w", err)
	}
	return &CQLCatalog{session: session}, nil
}

func (c *CQLCatalog) Tables(ctx context.Context, keyspace string) ([]string, error) {
	iter := c.session.Query(
		`SELECT table_name FROM system_schema.tables WHERE keyspace_name = ?`,
		keyspace,
	).WithContext(ctx).Iter()

	var tables []string
	var name string
	for iter.Scan(&name) {
		tables = append(tables, name)
	}
	if err := iter.Close(); err != nil {
		return nil, fmt.Errorf("failed to list tables for %s: %w", keyspace, err)
	}
	sort.Strings(tables)
	return tables, nil
}

func (c *CQLCatalog) Snapshot(ctx context.Context, keyspace, table string) (*Snapshot, error) {
	iter := c.session.Query(
		`SELECT column_name, type, kind, position FROM system_schema.columns
		 WHERE keyspace_name = ? AND table_name = ?`,
		keyspace, table,
	).WithContext(ctx).Iter()

	type rawColumn struct {
		def      ColumnDef
		position int
	}
	var partition, clustering, regular []rawColumn

	var (
		name, cqlType, kind string
		position            int
	)
	for iter.Scan(&name, &cqlType, &kind, &position) {
		rc := rawColumn{
			def:      ColumnDef{Name: name, Type: cqlType},
			position: position,
		}
		switch kind {
		case "partition_key":
			rc.def.IsPartitionKey = true
			partition = append(partition, rc)
		case "clustering":
			rc.def.IsClusteringKey = true
			clustering = append(clustering, rc)
		case "static":
			rc.def.IsStatic = true
			regular = append(regular, rc)
		default:
			regular = append(regular, rc)
		}
	}
	if err := iter.Close(); err != nil {
		return nil, fmt.Errorf("failed to read columns for %s.%s: %w", keyspace, table, err)
	}
	if len(partition) == 0 {
		return nil, fmt.Errorf("%s.%s: no partition key columns in catalog", keyspace, table)
	}

	byPosition := func(cols []rawColumn) {
		sort.Slice(cols, func(i, j int) bool { return cols[i].position < cols[j].position })
	}
	byPosition(partition)
	byPosition(clustering)
	sort.Slice(regular, func(i, j int) bool { return regular[i].def.Name < regular[j].def.Name })

	snap := &Snapshot{Keyspace: keyspace, Table: table}
	for _, rc := range partition {
		snap.Columns = append(snap.Columns, rc.def)
		snap.PartitionKeys = append(snap.PartitionKeys, rc.def.Name)
	}
	for _, rc := range clustering {
		snap.Columns = append(snap.Columns, rc.def)
		snap.ClusteringKeys = append(snap.ClusteringKeys, rc.def.Name)
	}
	for _, rc := range regular {
		snap.Columns = append(snap.Columns, rc.def)
	}
	return snap, nil
}

func (c *CQLCatalog) Close() {
	c.session.Close()
}
