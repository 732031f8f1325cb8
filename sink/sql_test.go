package sink

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/datastreamhq/cascade/cfg"
	"github.com/datastreamhq/cascade/event"
	"github.com/datastreamhq/cascade/mapper"
	"github.com/datastreamhq/cascade/mask"
	"github.com/datastreamhq/cascade/schema"
)

func sinkTestSnapshot() *schema.Snapshot {
	return &schema.Snapshot{
		Keyspace: "app",
		Table:    "users",
		Columns: []schema.ColumnDef{
			{Name: "user_id", Type: "uuid", IsPartitionKey: true},
			{Name: "age", Type: "int"},
			{Name: "email", Type: "text"},
		},
		PartitionKeys: []string{"user_id"},
		Version:       1,
	}
}

func sinkTestEvent(t *testing.T, kind event.Kind, columns []event.Column) *event.Event {
	t.Helper()
	pk := []event.Column{{Name: "user_id", Type: "uuid", Value: "u-1"}}
	ts := int64(1700000000000000)
	ev, err := event.New(
		event.DeriveID("CommitLog-1.log", pk, nil, ts),
		kind, "app", "users",
		pk, nil, columns,
		ts, 0, time.Now(),
	)
	require.NoError(t, err)
	return ev
}

func TestEventSQLUpsert(t *testing.T) {
	ev := sinkTestEvent(t, event.KindInsert, []event.Column{
		{Name: "email", Type: "text", Value: "a@b.com"},
		{Name: "age", Type: "int", Value: 30},
	})

	sql, args, err := eventSQL(ev)
	require.NoError(t, err)
	assert.Contains(t, sql, `INSERT INTO "app_users"`)
	assert.Contains(t, sql, `ON CONFLICT ("user_id") DO UPDATE`)
	assert.Contains(t, sql, `EXCLUDED."email"`)
	assert.Contains(t, sql, `EXCLUDED."age"`)
	assert.Len(t, args, 3)
}

func TestEventSQLDelete(t *testing.T) {
	ev := sinkTestEvent(t, event.KindDelete, nil)

	sql, args, err := eventSQL(ev)
	require.NoError(t, err)
	assert.Contains(t, sql, `DELETE FROM "app_users"`)
	assert.Contains(t, sql, `"user_id"`)
	assert.Equal(t, []interface{}{"u-1"}, args)
}

func TestRelationalCreateTable(t *testing.T) {
	mapping, err := mapper.ForDestination(cfg.DestPostgres)
	require.NoError(t, err)

	ddl, err := relationalCreateTable(sinkTestSnapshot(), mapping, nil)
	require.NoError(t, err)
	assert.Contains(t, ddl, `CREATE TABLE IF NOT EXISTS "app_users"`)
	assert.Contains(t, ddl, `"user_id" uuid`)
	assert.Contains(t, ddl, `"age" integer`)
	assert.Contains(t, ddl, `PRIMARY KEY ("user_id")`)
}

func TestRelationalAlterSkipsIncompatible(t *testing.T) {
	mapping, err := mapper.ForDestination(cfg.DestPostgres)
	require.NoError(t, err)

	change := schema.Change{
		Keyspace: "app", Table: "users", FromVersion: 1, ToVersion: 2,
		Ops: []schema.ColumnChange{
			{Kind: schema.ChangeAddColumn, Column: "city", NewType: "text", Compatible: true},
			{Kind: schema.ChangeAlterType, Column: "age", OldType: "int", NewType: "text", Compatible: false},
			{Kind: schema.ChangeAlterType, Column: "age", OldType: "int", NewType: "bigint", Compatible: true},
			{Kind: schema.ChangeDropColumn, Column: "email", OldType: "text", Compatible: true},
		},
	}

	stmts, err := relationalAlter(change, mapping, nil)
	require.NoError(t, err)
	require.Len(t, stmts, 3)
	assert.Equal(t, `ALTER TABLE "app_users" ADD COLUMN IF NOT EXISTS "city" text`, stmts[0])
	assert.Equal(t, `ALTER TABLE "app_users" ALTER COLUMN "age" TYPE bigint`, stmts[1])
	assert.Equal(t, `ALTER TABLE "app_users" DROP COLUMN IF EXISTS "email"`, stmts[2])
}

func maskedTestSnapshot() *schema.Snapshot {
	return &schema.Snapshot{
		Keyspace: "app",
		Table:    "users",
		Columns: []schema.ColumnDef{
			{Name: "user_id", Type: "uuid", IsPartitionKey: true},
			{Name: "phone", Type: "bigint"},
			{Name: "ip_address", Type: "inet"},
			{Name: "age", Type: "int"},
		},
		PartitionKeys: []string{"user_id"},
		Version:       1,
	}
}

func TestRelationalCreateTableTypesMaskedColumnsAsText(t *testing.T) {
	mapping, err := mapper.ForDestination(cfg.DestPostgres)
	require.NoError(t, err)
	rules := mask.NewRules(nil, nil)

	// Masked values are hex digests regardless of source type, so
	// classified columns must be created as text.
	ddl, err := relationalCreateTable(maskedTestSnapshot(), mapping, rules)
	require.NoError(t, err)
	assert.Contains(t, ddl, `"phone" text`)
	assert.Contains(t, ddl, `"ip_address" text`)
	assert.Contains(t, ddl, `"age" integer`)
	assert.Contains(t, ddl, `"user_id" uuid`)
}

func TestRelationalAlterTypesMaskedColumnAsText(t *testing.T) {
	mapping, err := mapper.ForDestination(cfg.DestPostgres)
	require.NoError(t, err)
	rules := mask.NewRules(nil, nil)

	change := schema.Change{
		Keyspace: "app", Table: "users", FromVersion: 1, ToVersion: 2,
		Ops: []schema.ColumnChange{
			{Kind: schema.ChangeAddColumn, Column: "phone", NewType: "bigint", Compatible: true},
		},
	}
	stmts, err := relationalAlter(change, mapping, rules)
	require.NoError(t, err)
	require.Len(t, stmts, 1)
	assert.Equal(t, `ALTER TABLE "app_users" ADD COLUMN IF NOT EXISTS "phone" text`, stmts[0])
}

func TestColumnarCreateTableTypesMaskedColumnsAsString(t *testing.T) {
	mapping, err := mapper.ForDestination(cfg.DestClickHouse)
	require.NoError(t, err)
	rules := mask.NewRules(nil, nil)

	ddl, err := columnarCreateTable(maskedTestSnapshot(), mapping, rules)
	require.NoError(t, err)
	assert.Contains(t, ddl, "`phone` Nullable(String)")
	assert.Contains(t, ddl, "`ip_address` Nullable(String)")
	assert.Contains(t, ddl, "`age` Nullable(Int32)")
	assert.Contains(t, ddl, "`user_id` UUID")
}

func TestColumnarCreateTable(t *testing.T) {
	mapping, err := mapper.ForDestination(cfg.DestClickHouse)
	require.NoError(t, err)

	ddl, err := columnarCreateTable(sinkTestSnapshot(), mapping, nil)
	require.NoError(t, err)
	assert.Contains(t, ddl, "CREATE TABLE IF NOT EXISTS `app_users`")
	assert.Contains(t, ddl, "`user_id` UUID")
	assert.Contains(t, ddl, "`age` Nullable(Int32)")
	assert.Contains(t, ddl, "`_version` Int64")
	assert.Contains(t, ddl, "`_deleted` UInt8 DEFAULT 0")
	assert.Contains(t, ddl, "ENGINE = ReplacingMergeTree(_version)")
	assert.Contains(t, ddl, "ORDER BY (`user_id`)")
}

func TestColumnarRowValues(t *testing.T) {
	s, err := NewClickHouseSink(cfg.DestinationConfiguration{}, schema.NewCache(), nil, time.Second, time.Second)
	require.NoError(t, err)
	snap := sinkTestSnapshot()

	// Update carrying only email: age renders null.
	ev := sinkTestEvent(t, event.KindUpdate, []event.Column{
		{Name: "email", Type: "text", Value: "a@b.com"},
	})
	row, err := s.rowValues(snap, ev)
	require.NoError(t, err)
	require.Len(t, row, 5)
	assert.Equal(t, "u-1", row[0])
	assert.Nil(t, row[1])
	assert.Equal(t, "a@b.com", row[2])
	assert.Equal(t, ev.TimestampMicros, row[3])
	assert.Equal(t, uint8(0), row[4])

	// Delete renders a tombstone.
	del := sinkTestEvent(t, event.KindDelete, nil)
	row, err = s.rowValues(snap, del)
	require.NoError(t, err)
	assert.Equal(t, uint8(1), row[4])
	assert.Nil(t, row[2])
}

func TestConvertValue(t *testing.T) {
	v, err := convertValue(event.Column{Name: "tags", Type: "set<text>", Value: []interface{}{"a", "b"}})
	require.NoError(t, err)
	assert.JSONEq(t, `["a","b"]`, v.(string))

	v, err = convertValue(event.Column{Name: "at", Type: "timestamp", Value: int64(1700000000000000)})
	require.NoError(t, err)
	assert.Equal(t, time.UnixMicro(1700000000000000).UTC(), v)

	v, err = convertValue(event.Column{Name: "email", Type: "text", Value: nil})
	require.NoError(t, err)
	assert.Nil(t, v)
}

func TestThroughput(t *testing.T) {
	tp := NewThroughput()
	assert.Equal(t, int64(0), tp.Total())

	tp.Record(100)
	tp.Record(50)
	assert.Equal(t, int64(150), tp.Total())
	assert.GreaterOrEqual(t, tp.Rate(), 0.0)
}
