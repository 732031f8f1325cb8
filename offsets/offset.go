// Package offsets tracks replication progress per (keyspace, table,
// partition, destination). Offset rows live in each destination's own
// database so they commit atomically with the data they describe.
package offsets

import (
	"fmt"
	"sync"
	"time"

	"github.com/datastreamhq/cascade/commitlog"
)

// TableName is the offset table present in every destination.
const TableName = "cdc_offsets"

// Key identifies one offset row.
type Key struct {
	Keyspace    string
	Table       string
	PartitionID int64
	Destination string
}

func (k Key) String() string {
	return fmt.Sprintf("%s.%s:partition_%d:%s", k.Keyspace, k.Table, k.PartitionID, k.Destination)
}

// Offset is the committed progress for one key. EventsReplicated is a
// per-batch delta on write and an accumulated total on read.
type Offset struct {
	Keyspace            string
	Table               string
	PartitionID         int64
	Destination         string
	File                string
	Position            int64
	LastTimestampMicros int64
	EventsReplicated    int64
	CommittedAt         time.Time
}

func (o Offset) Key() Key {
	return Key{
		Keyspace:    o.Keyspace,
		Table:       o.Table,
		PartitionID: o.PartitionID,
		Destination: o.Destination,
	}
}

// Token returns the resumption token this offset represents.
func (o Offset) Token() commitlog.Token {
	return commitlog.Token{File: o.File, Position: o.Position}
}

// Manager is the in-memory view of committed offsets, loaded from each
// destination at startup and advanced as batches commit. Writes to the
// destination tables happen inside sink transactions; the manager only
// mirrors them.
type Manager struct {
	mu      sync.RWMutex
	offsets map[Key]Offset
}

func NewManager() *Manager {
	return &Manager{offsets: make(map[Key]Offset)}
}

// Load installs offsets read from a destination at startup.
func (m *Manager) Load(rows []Offset) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, o := range rows {
		key := o.Key()
		if cur, ok := m.offsets[key]; ok && cur.Token().After(o.Token()) {
			continue
		}
		m.offsets[key] = o
	}
}

// Record mirrors a committed batch. Regressions are ignored: the
// destination-side guard already refused them, so the mirror must too.
func (m *Manager) Record(o Offset) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := o.Key()
	if cur, ok := m.offsets[key]; ok {
		if !o.Token().After(cur.Token()) {
			return
		}
		o.EventsReplicated += cur.EventsReplicated
	}
	m.offsets[key] = o
}

// Get returns the committed offset for a key.
func (m *Manager) Get(key Key) (Offset, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	o, ok := m.offsets[key]
	return o, ok
}

// ResumeToken computes where the reader should restart: the minimum
// committed token across every destination, so the slowest destination
// misses nothing. Events before a faster destination's offset replay
// harmlessly through its idempotent writes. A zero token means no
// offsets exist and the stream starts from the oldest segment.
func (m *Manager) ResumeToken() commitlog.Token {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var min commitlog.Token
	first := true
	for _, o := range m.offsets {
		t := o.Token()
		if first || min.After(t) {
			min = t
			first = false
		}
	}
	return min
}

// Totals returns accumulated event counts per destination, for the
// health surface.
func (m *Manager) Totals() map[string]int64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	totals := make(map[string]int64)
	for key, o := range m.offsets {
		totals[key.Destination] += o.EventsReplicated
	}
	return totals
}
