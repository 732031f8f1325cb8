package offsets

import (
	"github.com/doug-martin/goqu/v9"
	_ "github.com/doug-martin/goqu/v9/dialect/postgres"
)

var pg = goqu.Dialect("postgres")

const conflictTarget = "keyspace, table_name, partition_id, destination"

// UpsertSQL builds the offset upsert executed inside each relational
// batch transaction. The WHERE guard on the conflict update enforces
// monotone advancement: a replayed batch with an older token updates
// nothing. EventsReplicated is the batch delta; the update accumulates
// it into the stored total.
func UpsertSQL(o Offset) (string, []interface{}, error) {
	rec := goqu.Record{
		"keyspace":                    o.Keyspace,
		"table_name":                  o.Table,
		"partition_id":                o.PartitionID,
		"destination":                 o.Destination,
		"commitlog_file":              o.File,
		"commitlog_position":          o.Position,
		"last_event_timestamp_micros": o.LastTimestampMicros,
		"events_replicated_count":     o.EventsReplicated,
		"last_committed_at":           o.CommittedAt,
	}
	return pg.Insert(TableName).
		Rows(rec).
		OnConflict(goqu.DoUpdate(conflictTarget, goqu.Record{
			"commitlog_file":              goqu.L("EXCLUDED.commitlog_file"),
			"commitlog_position":          goqu.L("EXCLUDED.commitlog_position"),
			"last_event_timestamp_micros": goqu.L("EXCLUDED.last_event_timestamp_micros"),
			"events_replicated_count":     goqu.L("cdc_offsets.events_replicated_count + EXCLUDED.events_replicated_count"),
			"last_committed_at":           goqu.L("EXCLUDED.last_committed_at"),
		}).Where(goqu.L(
			"(cdc_offsets.commitlog_file, cdc_offsets.commitlog_position) < (EXCLUDED.commitlog_file, EXCLUDED.commitlog_position)",
		))).
		Prepared(true).
		ToSQL()
}

// SelectSQL builds the startup read of all offsets for one destination.
func SelectSQL(destination string) (string, []interface{}, error) {
	return pg.From(TableName).
		Select(
			"keyspace", "table_name", "partition_id", "destination",
			"commitlog_file", "commitlog_position",
			"last_event_timestamp_micros", "events_replicated_count",
			"last_committed_at",
		).
		Where(goqu.C("destination").Eq(destination)).
		Prepared(true).
		ToSQL()
}

// RelationalDDL creates the offset table in Postgres and TimescaleDB.
const RelationalDDL = `CREATE TABLE IF NOT EXISTS cdc_offsets (
	keyspace text NOT NULL,
	table_name text NOT NULL,
	partition_id bigint NOT NULL,
	destination text NOT NULL,
	commitlog_file text NOT NULL,
	commitlog_position bigint NOT NULL,
	last_event_timestamp_micros bigint NOT NULL,
	events_replicated_count bigint NOT NULL DEFAULT 0,
	last_committed_at timestamptz NOT NULL,
	PRIMARY KEY (keyspace, table_name, partition_id, destination)
)`

// ColumnarDDL creates the offset table in ClickHouse. ReplacingMergeTree
// keyed on the offset identity and versioned by the event timestamp
// keeps the newest row per key after merges; reads use argMax to get
// the same answer before merges run. The token, not the position alone,
// must be the ordering criterion because positions reset at each
// segment rollover.
const ColumnarDDL = `CREATE TABLE IF NOT EXISTS cdc_offsets (
	keyspace String,
	table_name String,
	partition_id Int64,
	destination String,
	commitlog_file String,
	commitlog_position Int64,
	last_event_timestamp_micros Int64,
	events_replicated_count Int64,
	last_committed_at DateTime64(3)
) ENGINE = ReplacingMergeTree(last_event_timestamp_micros)
ORDER BY (keyspace, table_name, partition_id, destination)`

// ColumnarSelectSQL reads the newest offset rows from ClickHouse,
// collapsing unmerged duplicates by token order. Counts are summed
// because each committed batch inserts its own delta row.
const ColumnarSelectSQL = `SELECT
	keyspace, table_name, partition_id, destination,
	argMax(commitlog_file, (commitlog_file, commitlog_position)) AS commitlog_file,
	argMax(commitlog_position, (commitlog_file, commitlog_position)) AS commitlog_position,
	max(last_event_timestamp_micros) AS last_event_timestamp_micros,
	sum(events_replicated_count) AS events_replicated_count,
	max(last_committed_at) AS last_committed_at
FROM cdc_offsets
WHERE destination = ?
GROUP BY keyspace, table_name, partition_id, destination`
