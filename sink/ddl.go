package sink

import (
	"fmt"
	"strings"

	"github.com/datastreamhq/cascade/mapper"
	"github.com/datastreamhq/cascade/mask"
	"github.com/datastreamhq/cascade/schema"
)

// destColumnType resolves the destination type for one column. Columns
// the masking rules classify carry hex digests after the transform, no
// matter what the source typed them, so they must land as text. Key
// columns keep their source type: masking never rewrites keys.
func destColumnType(mapping *mapper.Mapping, rules *mask.Rules, name, sourceType string, isKey bool) (string, error) {
	if rules != nil && !isKey && rules.Classify(name) != mask.ClassNone {
		return mapping.DestinationType("text")
	}
	return mapping.DestinationType(sourceType)
}

// relationalCreateTable builds the CREATE TABLE statement for Postgres
// and TimescaleDB from a schema snapshot. The primary key is the source
// primary key (partition then clustering columns).
func relationalCreateTable(snap *schema.Snapshot, mapping *mapper.Mapping, rules *mask.Rules) (string, error) {
	table := DestinationTable(snap.Keyspace, snap.Table)

	var cols []string
	for _, c := range snap.Columns {
		destType, err := destColumnType(mapping, rules, c.Name, c.Type, c.IsPartitionKey || c.IsClusteringKey)
		if err != nil {
			return "", err
		}
		cols = append(cols, fmt.Sprintf("%q %s", c.Name, destType))
	}

	pk := append(append([]string{}, snap.PartitionKeys...), snap.ClusteringKeys...)
	quoted := make([]string, len(pk))
	for i, k := range pk {
		quoted[i] = fmt.Sprintf("%q", k)
	}

	return fmt.Sprintf(
		"CREATE TABLE IF NOT EXISTS %q (%s, PRIMARY KEY (%s))",
		table, strings.Join(cols, ", "), strings.Join(quoted, ", "),
	), nil
}

// relationalAlter builds one ALTER TABLE statement per compatible
// operation. Incompatible operations never reach a sink; the pipeline
// routes their table's events to the DLQ instead.
func relationalAlter(change schema.Change, mapping *mapper.Mapping, rules *mask.Rules) ([]string, error) {
	table := DestinationTable(change.Keyspace, change.Table)

	var stmts []string
	for _, op := range change.Ops {
		if !op.Compatible {
			continue
		}
		switch op.Kind {
		case schema.ChangeAddColumn:
			// Added and altered columns are never key columns in CQL.
			destType, err := destColumnType(mapping, rules, op.Column, op.NewType, false)
			if err != nil {
				return nil, err
			}
			stmts = append(stmts, fmt.Sprintf(
				"ALTER TABLE %q ADD COLUMN IF NOT EXISTS %q %s", table, op.Column, destType))
		case schema.ChangeDropColumn:
			stmts = append(stmts, fmt.Sprintf(
				"ALTER TABLE %q DROP COLUMN IF EXISTS %q", table, op.Column))
		case schema.ChangeAlterType:
			destType, err := destColumnType(mapping, rules, op.Column, op.NewType, false)
			if err != nil {
				return nil, err
			}
			stmts = append(stmts, fmt.Sprintf(
				"ALTER TABLE %q ALTER COLUMN %q TYPE %s", table, op.Column, destType))
		}
	}
	return stmts, nil
}

// Versioning columns carried by every columnar data table. _version is
// the source timestamp; _deleted marks tombstones. ReplacingMergeTree
// collapses rows per key keeping the highest _version.
const (
	columnarVersionColumn = "_version"
	columnarDeletedColumn = "_deleted"
)

func columnarCreateTable(snap *schema.Snapshot, mapping *mapper.Mapping, rules *mask.Rules) (string, error) {
	table := DestinationTable(snap.Keyspace, snap.Table)

	var cols []string
	for _, c := range snap.Columns {
		destType, err := destColumnType(mapping, rules, c.Name, c.Type, c.IsPartitionKey || c.IsClusteringKey)
		if err != nil {
			return "", err
		}
		if !c.IsPartitionKey && !c.IsClusteringKey {
			destType = "Nullable(" + destType + ")"
		}
		cols = append(cols, fmt.Sprintf("`%s` %s", c.Name, destType))
	}
	cols = append(cols,
		fmt.Sprintf("`%s` Int64", columnarVersionColumn),
		fmt.Sprintf("`%s` UInt8 DEFAULT 0", columnarDeletedColumn),
	)

	pk := append(append([]string{}, snap.PartitionKeys...), snap.ClusteringKeys...)
	quoted := make([]string, len(pk))
	for i, k := range pk {
		quoted[i] = "`" + k + "`"
	}

	return fmt.Sprintf(
		"CREATE TABLE IF NOT EXISTS `%s` (%s) ENGINE = ReplacingMergeTree(%s) ORDER BY (%s)",
		table, strings.Join(cols, ", "), columnarVersionColumn, strings.Join(quoted, ", "),
	), nil
}

func columnarAlter(change schema.Change, mapping *mapper.Mapping, rules *mask.Rules) ([]string, error) {
	table := DestinationTable(change.Keyspace, change.Table)

	var stmts []string
	for _, op := range change.Ops {
		if !op.Compatible {
			continue
		}
		switch op.Kind {
		case schema.ChangeAddColumn:
			destType, err := destColumnType(mapping, rules, op.Column, op.NewType, false)
			if err != nil {
				return nil, err
			}
			stmts = append(stmts, fmt.Sprintf(
				"ALTER TABLE `%s` ADD COLUMN IF NOT EXISTS `%s` Nullable(%s)", table, op.Column, destType))
		case schema.ChangeDropColumn:
			stmts = append(stmts, fmt.Sprintf(
				"ALTER TABLE `%s` DROP COLUMN IF EXISTS `%s`", table, op.Column))
		case schema.ChangeAlterType:
			destType, err := destColumnType(mapping, rules, op.Column, op.NewType, false)
			if err != nil {
				return nil, err
			}
			stmts = append(stmts, fmt.Sprintf(
				"ALTER TABLE `%s` MODIFY COLUMN `%s` Nullable(%s)", table, op.Column, destType))
		}
	}
	return stmts, nil
}
