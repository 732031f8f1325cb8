package sink

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
	"github.com/rs/zerolog/log"

	"github.com/datastreamhq/cascade/cfg"
	"github.com/datastreamhq/cascade/event"
	"github.com/datastreamhq/cascade/mapper"
	"github.com/datastreamhq/cascade/mask"
	"github.com/datastreamhq/cascade/offsets"
	"github.com/datastreamhq/cascade/retry"
	"github.com/datastreamhq/cascade/schema"
)

// ClickHouseSink writes to the columnar store. ClickHouse has no
// cross-statement transactions, so exactly-once rests on two things:
// row versioning (ReplacingMergeTree keyed on the primary key,
// versioned by source timestamp, so replayed rows collapse) and write
// order (data before offset, so a crash between the two replays data
// instead of skipping it).
type ClickHouseSink struct {
	dc      cfg.DestinationConfiguration
	mapping *mapper.Mapping
	cache   *schema.Cache
	rules   *mask.Rules
	conn    driver.Conn

	connectTimeout   time.Duration
	statementTimeout time.Duration

	throughput *Throughput
	tables     tableSet
}

func NewClickHouseSink(dc cfg.DestinationConfiguration, cache *schema.Cache, rules *mask.Rules, connectTimeout, statementTimeout time.Duration) (*ClickHouseSink, error) {
	mapping, err := mapper.ForDestination(cfg.DestClickHouse)
	if err != nil {
		return nil, err
	}
	return &ClickHouseSink{
		dc:               dc,
		mapping:          mapping,
		cache:            cache,
		rules:            rules,
		connectTimeout:   connectTimeout,
		statementTimeout: statementTimeout,
		throughput:       NewThroughput(),
	}, nil
}

func (s *ClickHouseSink) Name() string { return cfg.DestClickHouse }

func (s *ClickHouseSink) Throughput() *Throughput { return s.throughput }

func (s *ClickHouseSink) Connect(ctx context.Context) error {
	conn, err := clickhouse.Open(&clickhouse.Options{
		Addr: []string{fmt.Sprintf("%s:%d", s.dc.Host, s.dc.Port)},
		Auth: clickhouse.Auth{
			Database: s.dc.Database,
			Username: s.dc.User,
			Password: s.dc.Password,
		},
		DialTimeout: s.connectTimeout,
	})
	if err != nil {
		return fmt.Errorf("clickhouse: failed to open connection: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, s.connectTimeout)
	defer cancel()
	if err := conn.Ping(pingCtx); err != nil {
		conn.Close()
		return fmt.Errorf("clickhouse: ping failed: %w", err)
	}

	if err := conn.Exec(ctx, offsets.ColumnarDDL); err != nil {
		conn.Close()
		return fmt.Errorf("clickhouse: failed to create offset table: %w", err)
	}

	s.conn = conn
	log.Info().Str("destination", s.Name()).Str("host", s.dc.Host).Msg("Destination connected")
	return nil
}

// WriteBatch inserts the data rows and then the offset row. A batch
// with no events but a non-zero offset is an offset-only advance.
func (s *ClickHouseSink) WriteBatch(ctx context.Context, batch *Batch) error {
	if len(batch.Events) == 0 && batch.Offset.File == "" {
		return nil
	}

	ctx, cancel := context.WithTimeout(ctx, s.statementTimeout)
	defer cancel()

	if len(batch.Events) > 0 {
		snap := s.cache.Get(batch.Keyspace, batch.Table)
		if snap == nil {
			return fmt.Errorf("clickhouse: no schema snapshot for %s.%s yet", batch.Keyspace, batch.Table)
		}
		if err := s.ensureTable(ctx, snap); err != nil {
			return err
		}

		// Data first. If the process dies before the offset insert
		// below, the batch replays and the versioned rows absorb the
		// duplicates.
		if err := s.insertRows(ctx, snap, batch.Events); err != nil {
			return err
		}
	}

	o := batch.Offset
	err := s.conn.Exec(ctx,
		`INSERT INTO cdc_offsets (keyspace, table_name, partition_id, destination,
			commitlog_file, commitlog_position, last_event_timestamp_micros,
			events_replicated_count, last_committed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		o.Keyspace, o.Table, o.PartitionID, o.Destination,
		o.File, o.Position, o.LastTimestampMicros,
		o.EventsReplicated, o.CommittedAt,
	)
	if err != nil {
		return fmt.Errorf("clickhouse: offset write failed: %w", err)
	}

	s.throughput.Record(len(batch.Events))
	return nil
}

func (s *ClickHouseSink) insertRows(ctx context.Context, snap *schema.Snapshot, events []*event.Event) error {
	table := DestinationTable(snap.Keyspace, snap.Table)

	names := make([]string, 0, len(snap.Columns)+2)
	for _, c := range snap.Columns {
		names = append(names, "`"+c.Name+"`")
	}
	names = append(names, "`"+columnarVersionColumn+"`", "`"+columnarDeletedColumn+"`")

	prepared, err := s.conn.PrepareBatch(ctx, fmt.Sprintf(
		"INSERT INTO `%s` (%s)", table, strings.Join(names, ", ")))
	if err != nil {
		return fmt.Errorf("clickhouse: prepare batch for %s failed: %w", table, err)
	}

	for _, ev := range events {
		row, err := s.rowValues(snap, ev)
		if err != nil {
			prepared.Abort()
			return retry.Wrapf(retry.CategoryTerminal, "clickhouse: event %s: %v", ev.ID, err)
		}
		if err := prepared.Append(row...); err != nil {
			prepared.Abort()
			return fmt.Errorf("clickhouse: append for event %s failed: %w", ev.ID, err)
		}
	}

	if err := prepared.Send(); err != nil {
		return fmt.Errorf("clickhouse: batch send for %s failed: %w", table, err)
	}
	return nil
}

// rowValues renders one event against the snapshot's column order.
// Columns the event does not carry are null; deletes write a tombstone
// row carrying only the key.
func (s *ClickHouseSink) rowValues(snap *schema.Snapshot, ev *event.Event) ([]interface{}, error) {
	byName := make(map[string]event.Column, len(ev.PartitionKey)+len(ev.ClusteringKey)+len(ev.Columns))
	for _, c := range ev.AllColumns() {
		byName[c.Name] = c
	}

	row := make([]interface{}, 0, len(snap.Columns)+2)
	for _, def := range snap.Columns {
		c, ok := byName[def.Name]
		if !ok {
			row = append(row, nil)
			continue
		}
		v, err := convertValue(c)
		if err != nil {
			return nil, err
		}
		row = append(row, v)
	}

	deleted := uint8(0)
	if ev.Kind == event.KindDelete {
		deleted = 1
	}
	row = append(row, ev.TimestampMicros, deleted)
	return row, nil
}

func (s *ClickHouseSink) ApplySchemaChange(ctx context.Context, change schema.Change, snap *schema.Snapshot) error {
	stmts, err := columnarAlter(change, s.mapping, s.rules)
	if err != nil {
		return err
	}
	for _, stmt := range stmts {
		if err := s.conn.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("clickhouse: DDL failed (%s): %w", stmt, err)
		}
	}
	log.Info().
		Str("destination", s.Name()).
		Str("table", change.Key()).
		Int("statements", len(stmts)).
		Msg("Schema change applied")
	return nil
}

func (s *ClickHouseSink) ReadOffsets(ctx context.Context) ([]offsets.Offset, error) {
	rows, err := s.conn.Query(ctx, offsets.ColumnarSelectSQL, s.Name())
	if err != nil {
		return nil, fmt.Errorf("clickhouse: offset read failed: %w", err)
	}
	defer rows.Close()

	var out []offsets.Offset
	for rows.Next() {
		var o offsets.Offset
		if err := rows.Scan(
			&o.Keyspace, &o.Table, &o.PartitionID, &o.Destination,
			&o.File, &o.Position, &o.LastTimestampMicros,
			&o.EventsReplicated, &o.CommittedAt,
		); err != nil {
			return nil, err
		}
		out = append(out, o)
	}
	return out, rows.Err()
}

func (s *ClickHouseSink) HealthCheck(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, s.connectTimeout)
	defer cancel()
	return s.conn.Ping(ctx)
}

func (s *ClickHouseSink) Close() error {
	if s.conn != nil {
		return s.conn.Close()
	}
	return nil
}

func (s *ClickHouseSink) ensureTable(ctx context.Context, snap *schema.Snapshot) error {
	key := snap.Key()
	if s.tables.has(key) {
		return nil
	}

	ddl, err := columnarCreateTable(snap, s.mapping, s.rules)
	if err != nil {
		return retry.Wrap(retry.CategorySchemaIncompatible, err)
	}
	if err := s.conn.Exec(ctx, ddl); err != nil {
		return fmt.Errorf("clickhouse: failed to create table %s: %w", key, err)
	}

	s.tables.add(key)
	return nil
}
