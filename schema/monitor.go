package schema

import (
	"context"
	"fmt"
	"time"

	"github.com/gobwas/glob"
	"github.com/rs/zerolog/log"
)

// Catalog abstracts the source cluster's schema tables. The production
// implementation is CQLCatalog; tests use an in-memory fake.
type Catalog interface {
	// Tables lists table names in the keyspace.
	Tables(ctx context.Context, keyspace string) ([]string, error)
	// Snapshot builds a fresh snapshot for one table. Version is left 0;
	// the monitor assigns it against the cache.
	Snapshot(ctx context.Context, keyspace, table string) (*Snapshot, error)
	Close()
}

// Monitor polls the catalog on a fixed cadence, diffs fresh snapshots
// against the cache and emits one Change per table per detected diff.
type Monitor struct {
	catalog  Catalog
	cache    *Cache
	keyspace string
	globs    []glob.Glob
	interval time.Duration
	widens   WideningFunc
}

// NewMonitor builds a monitor over the given catalog and cache. Table
// patterns are globs; empty means every table in the keyspace.
func NewMonitor(catalog Catalog, cache *Cache, keyspace string, tablePatterns []string, interval time.Duration, widens WideningFunc) (*Monitor, error) {
	globs := make([]glob.Glob, 0, len(tablePatterns))
	for _, p := range tablePatterns {
		g, err := glob.Compile(p)
		if err != nil {
			return nil, fmt.Errorf("invalid table pattern %q: %w", p, err)
		}
		globs = append(globs, g)
	}
	return &Monitor{
		catalog:  catalog,
		cache:    cache,
		keyspace: keyspace,
		globs:    globs,
		interval: interval,
		widens:   widens,
	}, nil
}

// Monitored reports whether the table matches the configured patterns.
func (m *Monitor) Monitored(table string) bool {
	if len(m.globs) == 0 {
		return true
	}
	for _, g := range m.globs {
		if g.Match(table) {
			return true
		}
	}
	return false
}

// Prime performs an initial poll so the cache is populated before the
// pipeline starts consuming events.
func (m *Monitor) Prime(ctx context.Context) error {
	changes, err := m.Poll(ctx)
	if err != nil {
		return err
	}
	// First observations never produce changes; anything here means the
	// process restarted against a warm cache, which cannot happen.
	if len(changes) > 0 {
		return fmt.Errorf("unexpected schema changes during prime: %d", len(changes))
	}
	return nil
}

// Run polls until ctx is cancelled, sending detected changes to out.
func (m *Monitor) Run(ctx context.Context, out chan<- Change) {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	log.Info().
		Str("keyspace", m.keyspace).
		Dur("interval", m.interval).
		Msg("Schema monitor started")

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			changes, err := m.Poll(ctx)
			if err != nil {
				log.Error().Err(err).Msg("Schema poll failed")
				continue
			}
			for _, ch := range changes {
				select {
				case out <- ch:
				case <-ctx.Done():
					return
				}
			}
		}
	}
}

// Poll performs one catalog sweep and returns any detected changes.
// The cache is updated before the changes are returned.
func (m *Monitor) Poll(ctx context.Context) ([]Change, error) {
	tables, err := m.catalog.Tables(ctx, m.keyspace)
	if err != nil {
		return nil, fmt.Errorf("failed to list tables: %w", err)
	}

	var changes []Change
	for _, table := range tables {
		if !m.Monitored(table) {
			continue
		}

		snap, err := m.catalog.Snapshot(ctx, m.keyspace, table)
		if err != nil {
			log.Warn().Err(err).Str("table", table).Msg("Failed to snapshot table schema")
			continue
		}
		if err := snap.Validate(); err != nil {
			log.Warn().Err(err).Str("table", table).Msg("Rejecting invalid schema snapshot")
			continue
		}

		cached := m.cache.Get(m.keyspace, table)
		if cached == nil {
			snap.Version = 1
			m.cache.Swap(snap)
			log.Debug().Str("table", snap.Key()).Msg("Initial schema snapshot cached")
			continue
		}

		ops := Diff(cached, snap, m.widens)
		if len(ops) == 0 {
			continue
		}

		snap.Version = cached.Version + 1
		m.cache.Swap(snap)

		change := Change{
			Keyspace:    m.keyspace,
			Table:       table,
			FromVersion: cached.Version,
			ToVersion:   snap.Version,
			Ops:         ops,
		}
		log.Info().
			Str("table", change.Key()).
			Int("version", snap.Version).
			Int("ops", len(ops)).
			Int("incompatible", len(change.Incompatible())).
			Msg("Schema change detected")
		changes = append(changes, change)
	}

	return changes, nil
}
