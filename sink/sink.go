// Package sink implements the destination writers: batched idempotent
// writes, offset rows committed with the data, and DDL application on
// schema changes.
package sink

import (
	"context"
	"sync"
	"time"

	"github.com/datastreamhq/cascade/event"
	"github.com/datastreamhq/cascade/offsets"
	"github.com/datastreamhq/cascade/schema"
)

// Batch is one per-partition unit of work. Events are ordered by source
// timestamp; Offset carries the token of the last event and the batch's
// event-count delta.
type Batch struct {
	Keyspace    string
	Table       string
	PartitionID int64
	Events      []*event.Event
	Offset      offsets.Offset
}

// Sink is one destination. WriteBatch must be idempotent: replaying a
// committed batch leaves the destination's observable state unchanged,
// including the offset row.
type Sink interface {
	Name() string
	Connect(ctx context.Context) error
	// WriteBatch applies the batch's row mutations and advances the
	// offset row, atomically where the destination supports it.
	WriteBatch(ctx context.Context, batch *Batch) error
	// ApplySchemaChange applies the compatible operations of a schema
	// change to the destination table. Called only while the table is
	// quiesced.
	ApplySchemaChange(ctx context.Context, change schema.Change, snap *schema.Snapshot) error
	// ReadOffsets returns all committed offsets for this destination.
	ReadOffsets(ctx context.Context) ([]offsets.Offset, error)
	HealthCheck(ctx context.Context) error
	Close() error
}

// Throughput tracks a decaying events-per-second rate per sink for the
// metrics surface. Safe for concurrent use.
type Throughput struct {
	mu     sync.Mutex
	rate   float64
	total  int64
	lastAt time.Time
}

const throughputHalfLife = 10 * time.Second

func NewThroughput() *Throughput {
	return &Throughput{lastAt: time.Now()}
}

// Record accounts n committed events.
func (t *Throughput) Record(n int) {
	now := time.Now()
	t.mu.Lock()
	defer t.mu.Unlock()

	elapsed := now.Sub(t.lastAt)
	if elapsed > 0 {
		decay := 0.5
		if elapsed < throughputHalfLife {
			decay = 1 - float64(elapsed)/float64(2*throughputHalfLife)
		}
		instant := float64(n) / elapsed.Seconds()
		t.rate = t.rate*decay + instant*(1-decay)
	}
	t.total += int64(n)
	t.lastAt = now
}

// Rate returns the smoothed events-per-second estimate.
func (t *Throughput) Rate() float64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	if time.Since(t.lastAt) > 2*throughputHalfLife {
		return 0
	}
	return t.rate
}

// Total returns events committed since startup.
func (t *Throughput) Total() int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.total
}
