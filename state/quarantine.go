// Package state is the durable local store for pipeline control state.
// Quarantine latches survive restarts: a table latched because DDL
// could not be applied stays blocked until an operator clears it, even
// across process lifetimes.
package state

import (
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/cockroachdb/pebble"
	"github.com/rs/zerolog/log"

	"github.com/datastreamhq/cascade/encoding"
)

// Key prefixes for Pebble storage
const (
	prefixQuarantine = "/quarantine/" // /quarantine/{destination}/{keyspace.table}
)

// Latch records why writes to one (destination, table) are blocked.
type Latch struct {
	Destination string    `msgpack:"dest"`
	Keyspace    string    `msgpack:"ks"`
	Table       string    `msgpack:"tbl"`
	Reason      string    `msgpack:"reason"`
	LatchedAt   time.Time `msgpack:"at"`
}

func (l Latch) key() string {
	return prefixQuarantine + l.Destination + "/" + l.Keyspace + "." + l.Table
}

// Store is the Pebble-backed latch store with an in-memory mirror for
// lock-free-ish lookups on the hot path.
type Store struct {
	db *pebble.DB

	mu      sync.RWMutex
	latches map[string]Latch
}

// Open creates or opens the store under dataDir.
func Open(dataDir string) (*Store, error) {
	path := filepath.Join(dataDir, "pipeline_state")
	db, err := pebble.Open(path, &pebble.Options{})
	if err != nil {
		return nil, fmt.Errorf("failed to open state store at %s: %w", path, err)
	}

	s := &Store{db: db, latches: make(map[string]Latch)}
	if err := s.load(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to load quarantine latches: %w", err)
	}
	return s, nil
}

func (s *Store) load() error {
	prefix := []byte(prefixQuarantine)
	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: prefix,
		UpperBound: prefixUpperBound(prefix),
	})
	if err != nil {
		return err
	}
	defer iter.Close()

	count := 0
	for iter.SeekGE(prefix); iter.Valid(); iter.Next() {
		val, err := iter.ValueAndErr()
		if err != nil {
			return err
		}
		var latch Latch
		if err := encoding.Unmarshal(val, &latch); err != nil {
			return fmt.Errorf("corrupted latch at %s: %w", iter.Key(), err)
		}
		s.latches[latch.key()] = latch
		count++
	}
	if err := iter.Error(); err != nil {
		return err
	}

	if count > 0 {
		log.Warn().Int("latches", count).Msg("Loaded quarantine latches from previous run")
	}
	return nil
}

// Latch persists a quarantine and blocks further writes for the table.
func (s *Store) Latch(destination, keyspace, table, reason string) error {
	latch := Latch{
		Destination: destination,
		Keyspace:    keyspace,
		Table:       table,
		Reason:      reason,
		LatchedAt:   time.Now().UTC(),
	}

	val, err := encoding.Marshal(&latch)
	if err != nil {
		return fmt.Errorf("failed to marshal latch: %w", err)
	}
	if err := s.db.Set([]byte(latch.key()), val, pebble.Sync); err != nil {
		return fmt.Errorf("failed to persist latch: %w", err)
	}

	s.mu.Lock()
	s.latches[latch.key()] = latch
	s.mu.Unlock()

	log.Error().
		Str("destination", destination).
		Str("table", keyspace+"."+table).
		Str("reason", reason).
		Msg("Table quarantined")
	return nil
}

// Clear removes a latch, re-enabling writes. Returns false when no
// latch existed.
func (s *Store) Clear(destination, keyspace, table string) (bool, error) {
	key := Latch{Destination: destination, Keyspace: keyspace, Table: table}.key()

	s.mu.Lock()
	_, existed := s.latches[key]
	delete(s.latches, key)
	s.mu.Unlock()
	if !existed {
		return false, nil
	}

	if err := s.db.Delete([]byte(key), pebble.Sync); err != nil {
		return true, fmt.Errorf("failed to delete latch: %w", err)
	}
	log.Info().
		Str("destination", destination).
		Str("table", keyspace+"."+table).
		Msg("Quarantine cleared")
	return true, nil
}

// Latched returns the latch for (destination, table), if any.
func (s *Store) Latched(destination, keyspace, table string) (Latch, bool) {
	key := Latch{Destination: destination, Keyspace: keyspace, Table: table}.key()
	s.mu.RLock()
	defer s.mu.RUnlock()
	latch, ok := s.latches[key]
	return latch, ok
}

// List returns all active latches.
func (s *Store) List() []Latch {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Latch, 0, len(s.latches))
	for _, l := range s.latches {
		out = append(out, l)
	}
	return out
}

func (s *Store) Close() error {
	return s.db.Close()
}

// prefixUpperBound returns the smallest key greater than every key with
// the given prefix.
func prefixUpperBound(prefix []byte) []byte {
	upper := make([]byte, len(prefix))
	copy(upper, prefix)
	for i := len(upper) - 1; i >= 0; i-- {
		if upper[i] < 0xFF {
			upper[i]++
			return upper[:i+1]
		}
	}
	return nil
}
