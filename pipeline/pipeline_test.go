package pipeline

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/datastreamhq/cascade/cfg"
	"github.com/datastreamhq/cascade/commitlog"
	"github.com/datastreamhq/cascade/dlq"
	"github.com/datastreamhq/cascade/event"
	"github.com/datastreamhq/cascade/mask"
	"github.com/datastreamhq/cascade/offsets"
	"github.com/datastreamhq/cascade/retry"
	"github.com/datastreamhq/cascade/schema"
	"github.com/datastreamhq/cascade/sink"
	"github.com/datastreamhq/cascade/state"
)

// mockSink records batches in memory and keeps offset rows like a real
// destination would.
type mockSink struct {
	name string

	mu        sync.Mutex
	events    []*event.Event
	offsets   map[offsets.Key]offsets.Offset
	ddlCalls  []schema.Change
	failWith  error
	failCount int // fail this many WriteBatch calls, then succeed
}

func newMockSink(name string) *mockSink {
	return &mockSink{name: name, offsets: make(map[offsets.Key]offsets.Offset)}
}

func (m *mockSink) Name() string                      { return m.name }
func (m *mockSink) Connect(context.Context) error     { return nil }
func (m *mockSink) HealthCheck(context.Context) error { return nil }
func (m *mockSink) Close() error                      { return nil }

func (m *mockSink) WriteBatch(_ context.Context, batch *sink.Batch) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.failCount != 0 && len(batch.Events) > 0 {
		if m.failCount > 0 {
			m.failCount--
		}
		return m.failWith
	}

	m.events = append(m.events, batch.Events...)
	key := batch.Offset.Key()
	if cur, ok := m.offsets[key]; !ok || batch.Offset.Token().After(cur.Token()) {
		o := batch.Offset
		o.EventsReplicated += cur.EventsReplicated
		m.offsets[key] = o
	}
	return nil
}

func (m *mockSink) ApplySchemaChange(_ context.Context, change schema.Change, _ *schema.Snapshot) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ddlCalls = append(m.ddlCalls, change)
	return nil
}

func (m *mockSink) ReadOffsets(context.Context) ([]offsets.Offset, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]offsets.Offset, 0, len(m.offsets))
	for _, o := range m.offsets {
		out = append(out, o)
	}
	return out, nil
}

func (m *mockSink) eventCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.events)
}

func (m *mockSink) ddlCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.ddlCalls)
}

// stubCatalog serves a fixed snapshot set.
type stubCatalog struct {
	mu    sync.Mutex
	snaps map[string]*schema.Snapshot
}

func (c *stubCatalog) Tables(context.Context, string) ([]string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []string
	for t := range c.snaps {
		out = append(out, t)
	}
	return out, nil
}

func (c *stubCatalog) Snapshot(_ context.Context, _, table string) (*schema.Snapshot, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	cp := *c.snaps[table]
	cp.Version = 0
	return &cp, nil
}

func (c *stubCatalog) Close() {}

func (c *stubCatalog) swap(s *schema.Snapshot) {
	c.mu.Lock()
	c.snaps[s.Table] = s
	c.mu.Unlock()
}

func usersSnapshot() *schema.Snapshot {
	return &schema.Snapshot{
		Keyspace: "app",
		Table:    "users",
		Columns: []schema.ColumnDef{
			{Name: "user_id", Type: "uuid", IsPartitionKey: true},
			{Name: "age", Type: "int"},
			{Name: "email", Type: "text"},
		},
		PartitionKeys: []string{"user_id"},
	}
}

func testConfig(t *testing.T) *cfg.Configuration {
	t.Helper()
	return &cfg.Configuration{
		Source: cfg.SourceConfiguration{Keyspace: "app"},
		Batch:  cfg.BatchConfiguration{MaxSize: 10, MaxBytes: 1 << 20, MaxAgeMS: 20},
		Retry:  cfg.RetryConfiguration{MaxAttempts: 2, BaseDelayMS: 1, Multiplier: 2, MaxDelayMS: 10},
		Pipeline: cfg.PipelineConfiguration{
			WorkersPerDestination:  2,
			MaxInflightBatches:     4,
			SchemaQuiesceTimeoutMS: 500,
			ShutdownDeadlineMS:     5000,
		},
	}
}

type fixture struct {
	conf    *cfg.Configuration
	catalog *stubCatalog
	cache   *schema.Cache
	monitor *schema.Monitor
	store   *state.Store
	dlqDir  string
	logDir  string
	sinks   []*mockSink
}

func newFixture(t *testing.T, sinkNames ...string) *fixture {
	t.Helper()

	f := &fixture{
		conf:    testConfig(t),
		catalog: &stubCatalog{snaps: map[string]*schema.Snapshot{"users": usersSnapshot()}},
		cache:   schema.NewCache(),
		dlqDir:  t.TempDir(),
		logDir:  t.TempDir(),
	}

	var err error
	f.monitor, err = schema.NewMonitor(f.catalog, f.cache, "app", nil, 20*time.Millisecond, nil)
	require.NoError(t, err)
	require.NoError(t, f.monitor.Prime(context.Background()))

	f.store, err = state.Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { f.store.Close() })

	for _, name := range sinkNames {
		f.sinks = append(f.sinks, newMockSink(name))
	}
	return f
}

func (f *fixture) build(t *testing.T) *Pipeline {
	t.Helper()

	dlqWriter, err := dlq.NewWriter(f.dlqDir, time.Second)
	require.NoError(t, err)
	t.Cleanup(func() { dlqWriter.Close() })

	reader := commitlog.NewReader(f.logDir, 10*time.Millisecond, nil, 64)
	masker := mask.NewMasker(mask.NewRules(nil, nil), "salt", "k1", "key")

	sinks := make([]sink.Sink, len(f.sinks))
	for i, s := range f.sinks {
		sinks[i] = s
	}

	p, err := New(Options{
		Config:  f.conf,
		Reader:  reader,
		Masker:  masker,
		Cache:   f.cache,
		Monitor: f.monitor,
		Store:   f.store,
		DLQ:     dlqWriter,
		Sinks:   sinks,
	})
	require.NoError(t, err)
	return p
}

// writeSegment appends events to one commit-log segment file.
func (f *fixture) writeSegment(t *testing.T, file string, events ...*event.Event) {
	t.Helper()
	fh, err := os.OpenFile(filepath.Join(f.logDir, file), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	require.NoError(t, err)
	defer fh.Close()
	fw := commitlog.NewFrameWriter(fh)
	for _, ev := range events {
		_, err := fw.Write(ev)
		require.NoError(t, err)
	}
}

func makeEvent(t *testing.T, userID string, tsMicros int64, columns []event.Column) *event.Event {
	t.Helper()
	pk := []event.Column{{Name: "user_id", Type: "uuid", Value: userID}}
	ev, err := event.New(
		event.DeriveID("CommitLog-1.log", pk, nil, tsMicros),
		event.KindInsert, "app", "users",
		pk, nil, columns,
		tsMicros, 0, time.Now(),
	)
	require.NoError(t, err)
	return ev
}

func eventually(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	require.Eventually(t, cond, 5*time.Second, 10*time.Millisecond, msg)
}

func runPipeline(t *testing.T, p *Pipeline) (stop func() error) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- p.Run(ctx) }()

	return func() error {
		cancel()
		select {
		case err := <-errCh:
			return err
		case <-time.After(10 * time.Second):
			t.Fatal("pipeline did not stop")
			return nil
		}
	}
}

func TestPipelineReplicatesToAllDestinations(t *testing.T) {
	f := newFixture(t, "postgres", "clickhouse", "timescaledb")

	base := time.Now().UnixMicro()
	var evs []*event.Event
	for i := 0; i < 5; i++ {
		evs = append(evs, makeEvent(t, fmt.Sprintf("u-%d", i), base+int64(i),
			[]event.Column{{Name: "age", Type: "int", Value: 20 + i}}))
	}
	f.writeSegment(t, "CommitLog-1.log", evs...)

	p := f.build(t)
	stop := runPipeline(t, p)

	for _, s := range f.sinks {
		s := s
		eventually(t, func() bool { return s.eventCount() == 5 },
			s.name+" should receive all events")
	}
	require.NoError(t, stop())

	// Offsets advanced for every destination.
	for _, s := range f.sinks {
		rows, err := s.ReadOffsets(context.Background())
		require.NoError(t, err)
		require.NotEmpty(t, rows)
		for _, o := range rows {
			assert.Equal(t, "CommitLog-1.log", o.File)
			assert.Greater(t, o.Position, int64(0))
		}
	}
}

func TestPipelineMasksSensitiveColumns(t *testing.T) {
	f := newFixture(t, "postgres")

	ev := makeEvent(t, "u-1", time.Now().UnixMicro(), []event.Column{
		{Name: "email", Type: "text", Value: "a@b.com"},
		{Name: "age", Type: "int", Value: 30},
	})
	f.writeSegment(t, "CommitLog-1.log", ev)

	p := f.build(t)
	stop := runPipeline(t, p)

	s := f.sinks[0]
	eventually(t, func() bool { return s.eventCount() == 1 }, "event should arrive")
	require.NoError(t, stop())

	s.mu.Lock()
	defer s.mu.Unlock()
	email, ok := s.events[0].Column("email")
	require.True(t, ok)
	assert.Len(t, email.Value, 64)
	assert.NotEqual(t, "a@b.com", email.Value)
	age, _ := s.events[0].Column("age")
	assert.Equal(t, int8(30), toInt8(t, age.Value))
}

// msgpack decodes small ints to the narrowest type; normalize for the
// assertion.
func toInt8(t *testing.T, v interface{}) int8 {
	t.Helper()
	switch n := v.(type) {
	case int8:
		return n
	case int16:
		return int8(n)
	case int32:
		return int8(n)
	case int64:
		return int8(n)
	case int:
		return int8(n)
	case uint8:
		return int8(n)
	default:
		t.Fatalf("unexpected numeric type %T", v)
		return 0
	}
}

func TestPipelineResumesFromCommittedOffsets(t *testing.T) {
	f := newFixture(t, "postgres")

	base := time.Now().UnixMicro()
	first := makeEvent(t, "u-1", base, []event.Column{{Name: "age", Type: "int", Value: 1}})
	f.writeSegment(t, "CommitLog-1.log", first)

	p := f.build(t)
	stop := runPipeline(t, p)
	s := f.sinks[0]
	eventually(t, func() bool { return s.eventCount() == 1 }, "first event should arrive")
	require.NoError(t, stop())

	// Restart with one more event appended: only the new event flows.
	second := makeEvent(t, "u-2", base+1, []event.Column{{Name: "age", Type: "int", Value: 2}})
	f.writeSegment(t, "CommitLog-1.log", second)

	p = f.build(t)
	stop = runPipeline(t, p)
	eventually(t, func() bool { return s.eventCount() == 2 }, "second event should arrive")
	require.NoError(t, stop())

	s.mu.Lock()
	defer s.mu.Unlock()
	require.Len(t, s.events, 2)
	age0, _ := s.events[0].Column("age")
	age1, _ := s.events[1].Column("age")
	assert.Equal(t, int8(1), toInt8(t, age0.Value))
	assert.Equal(t, int8(2), toInt8(t, age1.Value))
}

func TestPipelineDeadLettersTerminalFailures(t *testing.T) {
	f := newFixture(t, "postgres", "clickhouse")
	f.sinks[0].failWith = retry.Wrapf(retry.CategoryTerminal, "permission denied for table app_users")
	f.sinks[0].failCount = -1 // fail forever

	ev := makeEvent(t, "u-1", time.Now().UnixMicro(),
		[]event.Column{{Name: "age", Type: "int", Value: 30}})
	f.writeSegment(t, "CommitLog-1.log", ev)

	p := f.build(t)
	stop := runPipeline(t, p)

	// Healthy destination still replicates.
	eventually(t, func() bool { return f.sinks[1].eventCount() == 1 },
		"clickhouse should receive the event")

	dlqWriter, err := dlq.NewWriter(f.dlqDir, time.Second)
	require.NoError(t, err)
	defer dlqWriter.Close()
	eventually(t, func() bool {
		n, err := dlqWriter.Count("postgres")
		return err == nil && n == 1
	}, "event should be dead-lettered for postgres")

	require.NoError(t, stop())

	files, err := dlqWriter.Files("postgres")
	require.NoError(t, err)
	require.Len(t, files, 1)
	records, err := dlq.Read(files[0])
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, "Terminal", records[0].ErrorCategory)
	assert.Equal(t, ev.ID, records[0].Event.ID)

	// The failing destination's offset still advanced past the event.
	rows, err := f.sinks[0].ReadOffsets(context.Background())
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "CommitLog-1.log", rows[0].File)
}

func TestPipelineTransientFailureRecovers(t *testing.T) {
	f := newFixture(t, "postgres")
	f.sinks[0].failWith = fmt.Errorf("connection reset by peer")
	f.sinks[0].failCount = 1

	ev := makeEvent(t, "u-1", time.Now().UnixMicro(),
		[]event.Column{{Name: "age", Type: "int", Value: 30}})
	f.writeSegment(t, "CommitLog-1.log", ev)

	p := f.build(t)
	stop := runPipeline(t, p)

	eventually(t, func() bool { return f.sinks[0].eventCount() == 1 },
		"event should arrive after retry")
	require.NoError(t, stop())
}

func TestPipelineAppliesCompatibleSchemaChange(t *testing.T) {
	f := newFixture(t, "postgres", "clickhouse")

	p := f.build(t)
	stop := runPipeline(t, p)

	// Alter the source table: add a column.
	altered := usersSnapshot()
	altered.Columns = append(altered.Columns, schema.ColumnDef{Name: "city", Type: "text"})
	f.catalog.swap(altered)

	for _, s := range f.sinks {
		s := s
		eventually(t, func() bool { return s.ddlCount() == 1 },
			s.name+" should apply the schema change")
	}
	require.NoError(t, stop())

	snap := f.cache.Get("app", "users")
	require.NotNil(t, snap)
	assert.Equal(t, 2, snap.Version)
}

func TestPipelineDivertsIncompatibleSchemaChange(t *testing.T) {
	f := newFixture(t, "postgres")

	p := f.build(t)
	stop := runPipeline(t, p)

	// Narrowing alter: int -> text is not a widening transform here
	// because the monitor was built with a nil widening func.
	altered := usersSnapshot()
	altered.Columns[1].Type = "text"
	f.catalog.swap(altered)

	eventually(t, func() bool {
		_, ok := p.incompatible.Load("app.users")
		return ok
	}, "table should be marked incompatible")

	// Events now land in the DLQ, not the sink.
	ev := makeEvent(t, "u-1", time.Now().UnixMicro(),
		[]event.Column{{Name: "age", Type: "text", Value: "30"}})
	f.writeSegment(t, "CommitLog-1.log", ev)

	dlqWriter, err := dlq.NewWriter(f.dlqDir, time.Second)
	require.NoError(t, err)
	defer dlqWriter.Close()
	eventually(t, func() bool {
		n, err := dlqWriter.Count("postgres")
		return err == nil && n == 1
	}, "event should be dead-lettered")

	require.NoError(t, stop())
	assert.Equal(t, 0, f.sinks[0].eventCount())

	files, _ := dlqWriter.Files("postgres")
	records, err := dlq.Read(files[0])
	require.NoError(t, err)
	assert.Equal(t, "SchemaIncompatible", records[0].ErrorCategory)
}

func TestPipelineQuarantineBlocksWrites(t *testing.T) {
	f := newFixture(t, "postgres")
	require.NoError(t, f.store.Latch("postgres", "app", "users", "DDL failed"))

	ev := makeEvent(t, "u-1", time.Now().UnixMicro(),
		[]event.Column{{Name: "age", Type: "int", Value: 30}})
	f.writeSegment(t, "CommitLog-1.log", ev)

	p := f.build(t)
	stop := runPipeline(t, p)

	dlqWriter, err := dlq.NewWriter(f.dlqDir, time.Second)
	require.NoError(t, err)
	defer dlqWriter.Close()
	eventually(t, func() bool {
		n, err := dlqWriter.Count("postgres")
		return err == nil && n == 1
	}, "quarantined table's event should be dead-lettered")

	require.NoError(t, stop())
	assert.Equal(t, 0, f.sinks[0].eventCount())
}

func TestPipelineHealthReport(t *testing.T) {
	f := newFixture(t, "postgres", "clickhouse")

	p := f.build(t)
	stop := runPipeline(t, p)
	defer stop()

	eventually(t, func() bool {
		return p.Health(context.Background()).Status == "healthy"
	}, "pipeline should report healthy")

	report := p.Health(context.Background())
	assert.Len(t, report.Dependencies, 2)
	assert.Equal(t, "healthy", report.Dependencies["postgres"].Status)

	require.NoError(t, f.store.Latch("clickhouse", "app", "users", "DDL failed"))
	report = p.Health(context.Background())
	assert.Equal(t, "degraded", report.Status)
	assert.Len(t, report.Quarantined, 1)
}

func TestReplicationLagFromSourceTimestamp(t *testing.T) {
	now := time.Now()
	tsMicros := now.Add(-time.Hour).UnixMicro()

	// CapturedAt is fresh but the mutation itself is an hour old: a
	// reader catching up on backlog must still report the full lag.
	ev := makeEvent(t, "u-lag", tsMicros, []event.Column{
		{Name: "age", Type: "int", Value: 30},
	})

	lag := replicationLag(ev, now)
	assert.InDelta(t, time.Hour.Seconds(), lag.Seconds(), 1.0)
}
