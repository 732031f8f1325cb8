package sink

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/doug-martin/goqu/v9"
	_ "github.com/doug-martin/goqu/v9/dialect/postgres"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog/log"

	"github.com/datastreamhq/cascade/cfg"
	"github.com/datastreamhq/cascade/event"
	"github.com/datastreamhq/cascade/mapper"
	"github.com/datastreamhq/cascade/mask"
	"github.com/datastreamhq/cascade/offsets"
	"github.com/datastreamhq/cascade/retry"
	"github.com/datastreamhq/cascade/schema"
)

var pgDialect = goqu.Dialect("postgres")

// PostgresSink writes to the relational warehouse. Each batch commits
// in a single transaction: row upserts, deletes, then the guarded
// offset upsert. TimescaleDB reuses this sink with hypertable setup on
// table creation.
type PostgresSink struct {
	name       string
	dc         cfg.DestinationConfiguration
	mapping    *mapper.Mapping
	cache      *schema.Cache
	rules      *mask.Rules
	pool       *pgxpool.Pool
	hypertable bool

	connectTimeout   time.Duration
	statementTimeout time.Duration

	throughput *Throughput
	tables     tableSet
}

// NewPostgresSink builds the relational sink. The masking rules feed
// table DDL: classified columns are typed text to hold digests.
func NewPostgresSink(dc cfg.DestinationConfiguration, cache *schema.Cache, rules *mask.Rules, connectTimeout, statementTimeout time.Duration) (*PostgresSink, error) {
	mapping, err := mapper.ForDestination(cfg.DestPostgres)
	if err != nil {
		return nil, err
	}
	return &PostgresSink{
		name:             cfg.DestPostgres,
		dc:               dc,
		mapping:          mapping,
		cache:            cache,
		rules:            rules,
		connectTimeout:   connectTimeout,
		statementTimeout: statementTimeout,
		throughput:       NewThroughput(),
	}, nil
}

// NewTimescaleSink builds the time-series sink: the relational write
// path with the TimescaleDB type mapping, and new tables converted to
// hypertables.
func NewTimescaleSink(dc cfg.DestinationConfiguration, cache *schema.Cache, rules *mask.Rules, connectTimeout, statementTimeout time.Duration) (*PostgresSink, error) {
	mapping, err := mapper.ForDestination(cfg.DestTimescaleDB)
	if err != nil {
		return nil, err
	}
	return &PostgresSink{
		name:             cfg.DestTimescaleDB,
		dc:               dc,
		mapping:          mapping,
		cache:            cache,
		rules:            rules,
		hypertable:       true,
		connectTimeout:   connectTimeout,
		statementTimeout: statementTimeout,
		throughput:       NewThroughput(),
	}, nil
}

func (s *PostgresSink) Name() string { return s.name }

func (s *PostgresSink) Throughput() *Throughput { return s.throughput }

func (s *PostgresSink) Connect(ctx context.Context) error {
	dsn := fmt.Sprintf("postgres://%s:%s@%s:%d/%s",
		s.dc.User, s.dc.Password, s.dc.Host, s.dc.Port, s.dc.Database)

	poolCfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return fmt.Errorf("%s: invalid connection config: %w", s.name, err)
	}
	poolCfg.ConnConfig.ConnectTimeout = s.connectTimeout

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return fmt.Errorf("%s: failed to create pool: %w", s.name, err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, s.connectTimeout)
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return fmt.Errorf("%s: ping failed: %w", s.name, err)
	}

	if _, err := pool.Exec(ctx, offsets.RelationalDDL); err != nil {
		pool.Close()
		return fmt.Errorf("%s: failed to create offset table: %w", s.name, err)
	}

	s.pool = pool
	log.Info().Str("destination", s.name).Str("host", s.dc.Host).Msg("Destination connected")
	return nil
}

// WriteBatch applies the batch in one transaction. A batch with no
// events but a non-zero offset is an offset-only advance (dead-lettered
// events still move the token forward).
func (s *PostgresSink) WriteBatch(ctx context.Context, batch *Batch) error {
	if len(batch.Events) == 0 && batch.Offset.File == "" {
		return nil
	}
	if len(batch.Events) > 0 {
		if err := s.ensureTable(ctx, batch.Keyspace, batch.Table); err != nil {
			return err
		}
	}

	ctx, cancel := context.WithTimeout(ctx, s.statementTimeout)
	defer cancel()

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("%s: begin failed: %w", s.name, err)
	}
	defer tx.Rollback(ctx)

	for _, ev := range batch.Events {
		sql, args, err := eventSQL(ev)
		if err != nil {
			return retry.Wrapf(retry.CategoryTerminal, "%s: event %s: %v", s.name, ev.ID, err)
		}
		if _, err := tx.Exec(ctx, sql, args...); err != nil {
			return fmt.Errorf("%s: write for event %s failed: %w", s.name, ev.ID, err)
		}
	}

	sql, args, err := offsets.UpsertSQL(batch.Offset)
	if err != nil {
		return retry.Wrapf(retry.CategoryTerminal, "%s: offset SQL: %v", s.name, err)
	}
	if _, err := tx.Exec(ctx, sql, args...); err != nil {
		return fmt.Errorf("%s: offset write failed: %w", s.name, err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("%s: commit failed: %w", s.name, err)
	}

	s.throughput.Record(len(batch.Events))
	return nil
}

func (s *PostgresSink) ApplySchemaChange(ctx context.Context, change schema.Change, snap *schema.Snapshot) error {
	stmts, err := relationalAlter(change, s.mapping, s.rules)
	if err != nil {
		return err
	}
	for _, stmt := range stmts {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("%s: DDL failed (%s): %w", s.name, stmt, err)
		}
	}
	log.Info().
		Str("destination", s.name).
		Str("table", change.Key()).
		Int("statements", len(stmts)).
		Msg("Schema change applied")
	return nil
}

func (s *PostgresSink) ReadOffsets(ctx context.Context) ([]offsets.Offset, error) {
	sql, args, err := offsets.SelectSQL(s.name)
	if err != nil {
		return nil, err
	}
	rows, err := s.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("%s: offset read failed: %w", s.name, err)
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

func (s *PostgresSink) HealthCheck(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, s.connectTimeout)
	defer cancel()
	return s.pool.Ping(ctx)
}

func (s *PostgresSink) Close() error {
	if s.pool != nil {
		s.pool.Close()
	}
	return nil
}

// ensureTable creates the destination table on first write. Tables with
// no cached snapshot cannot be created yet; their events fail transient
// and retry after the next catalog poll.
func (s *PostgresSink) ensureTable(ctx context.Context, keyspace, table string) error {
	key := keyspace + "." + table
	if s.tables.has(key) {
		return nil
	}

	snap := s.cache.Get(keyspace, table)
	if snap == nil {
		return fmt.Errorf("%s: no schema snapshot for %s yet", s.name, key)
	}

	ddl, err := relationalCreateTable(snap, s.mapping, s.rules)
	if err != nil {
		return retry.Wrap(retry.CategorySchemaIncompatible, err)
	}
	if _, err := s.pool.Exec(ctx, ddl); err != nil {
		return fmt.Errorf("%s: failed to create table %s: %w", s.name, key, err)
	}

	if s.hypertable {
		if err := s.ensureHypertable(ctx, snap); err != nil {
			return err
		}
	}

	s.tables.add(key)
	return nil
}

// ensureHypertable partitions the new table on its first timestamptz
// column. A table with no time column stays a plain table.
func (s *PostgresSink) ensureHypertable(ctx context.Context, snap *schema.Snapshot) error {
	timeColumn := ""
	for _, c := range snap.Columns {
		destType, err := s.mapping.DestinationType(c.Type)
		if err != nil {
			continue
		}
		if destType == "timestamptz" && (c.IsPartitionKey || c.IsClusteringKey) {
			timeColumn = c.Name
			break
		}
	}
	if timeColumn == "" {
		log.Debug().
			Str("table", snap.Key()).
			Msg("No key time column, leaving table as plain relational")
		return nil
	}

	stmt := fmt.Sprintf(
		"SELECT create_hypertable('%s', '%s', if_not_exists => TRUE)",
		DestinationTable(snap.Keyspace, snap.Table), timeColumn,
	)
	if _, err := s.pool.Exec(ctx, stmt); err != nil {
		return fmt.Errorf("%s: create_hypertable failed for %s: %w", s.name, snap.Key(), err)
	}
	return nil
}

// eventSQL builds the single statement applying one event: a keyed
// upsert for inserts and updates, a primary-key delete for deletes.
func eventSQL(ev *event.Event) (string, []interface{}, error) {
	table := DestinationTable(ev.Keyspace, ev.Table)

	if ev.Kind == event.KindDelete {
		where := goqu.Ex{}
		for _, c := range ev.PrimaryKey() {
			v, err := convertValue(c)
			if err != nil {
				return "", nil, err
			}
			where[c.Name] = v
		}
		return pgDialect.Delete(table).Where(where).Prepared(true).ToSQL()
	}

	rec := goqu.Record{}
	update := goqu.Record{}
	for _, c := range ev.AllColumns() {
		v, err := convertValue(c)
		if err != nil {
			return "", nil, err
		}
		rec[c.Name] = v
	}
	for _, c := range ev.Columns {
		update[c.Name] = goqu.L(fmt.Sprintf("EXCLUDED.%q", c.Name))
	}

	pk := ev.PrimaryKey()
	target := make([]string, len(pk))
	for i, c := range pk {
		target[i] = fmt.Sprintf("%q", c.Name)
	}

	insert := pgDialect.Insert(table).Rows(rec)
	if len(update) == 0 {
		// Key-only event: nothing to overwrite on replay.
		return insert.OnConflict(goqu.DoNothing()).Prepared(true).ToSQL()
	}
	return insert.
		OnConflict(goqu.DoUpdate(strings.Join(target, ", "), update)).
		Prepared(true).
		ToSQL()
}

// tableSet tracks tables already created in the destination.
type tableSet struct {
	mu   sync.Mutex
	keys map[string]struct{}
}

func (t *tableSet) has(key string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.keys[key]
	return ok
}

func (t *tableSet) add(key string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.keys == nil {
		t.keys = make(map[string]struct{})
	}
	t.keys[key] = struct{}{}
}
