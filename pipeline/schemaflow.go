package pipeline

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/datastreamhq/cascade/retry"
	"github.com/datastreamhq/cascade/schema"
	"github.com/datastreamhq/cascade/telemetry"
)

func (p *Pipeline) handleSchemaChanges(ctx context.Context, changes <-chan schema.Change) {
	for {
		select {
		case <-ctx.Done():
			return
		case change := <-changes:
			p.applySchemaChange(ctx, change)
		}
	}
}

// applySchemaChange runs the quiesce protocol: pause the table, drain
// in-flight events, then either divert the table to the DLQ (any
// incompatible operation) or apply the DDL to every destination in
// parallel, quarantining destinations whose DDL fails.
func (p *Pipeline) applySchemaChange(ctx context.Context, change schema.Change) {
	incompatible := change.Incompatible()
	if len(incompatible) > 0 {
		telemetry.SchemaChangesTotal.With("incompatible").Inc()
	} else {
		telemetry.SchemaChangesTotal.With("compatible").Inc()
	}

	p.pauseTable(change.Keyspace, change.Table)
	defer p.resumeTable(change.Keyspace, change.Table)

	p.drainTable(ctx, change.Keyspace, change.Table)

	if len(incompatible) > 0 {
		reasons := make([]string, 0, len(incompatible))
		for _, op := range incompatible {
			reasons = append(reasons, fmt.Sprintf("%s %s: %s", op.Kind, op.Column, op.Reason))
		}
		reason := fmt.Sprintf("schema version %d: %s", change.ToVersion, strings.Join(reasons, "; "))
		p.incompatible.Store(change.Key(), reason)
		log.Error().
			Str("table", change.Key()).
			Str("reason", reason).
			Msg("Incompatible schema change, diverting table to DLQ")
		return
	}

	// The schema moved again and is representable: lift any previous
	// diversion.
	p.incompatible.Delete(change.Key())

	snap := p.cache.Get(change.Keyspace, change.Table)

	var wg sync.WaitGroup
	for _, d := range p.destinations {
		if _, latched := p.store.Latched(d.name(), change.Keyspace, change.Table); latched {
			continue
		}
		wg.Add(1)
		go func(d *destination) {
			defer wg.Done()
			err := p.policy.Do(ctx, fmt.Sprintf("apply DDL to %s", d.name()), func(ctx context.Context) error {
				return d.sink.ApplySchemaChange(ctx, change, snap)
			})
			if err == nil {
				return
			}
			log.Error().
				Err(err).
				Str("destination", d.name()).
				Str("table", change.Key()).
				Msg("DDL application failed, quarantining table")
			if lerr := p.store.Latch(d.name(), change.Keyspace, change.Table, err.Error()); lerr != nil {
				// A latch that cannot persist cannot block writes across
				// a restart; stopping is the only safe option.
				p.fatal(retry.Wrapf(retry.CategoryFatal, "failed to persist quarantine latch: %v", lerr))
			}
		}(d)
	}
	wg.Wait()

	telemetry.QuarantinedTables.Set(float64(len(p.store.List())))
}

// drainTable waits for queued events of one table to settle, bounded by
// the quiesce timeout so a wedged destination cannot stall schema
// handling forever.
func (p *Pipeline) drainTable(ctx context.Context, keyspace, table string) {
	timeout := time.Duration(p.conf.Pipeline.SchemaQuiesceTimeoutMS) * time.Millisecond
	deadline := time.Now().Add(timeout)

	for p.inflightFor(keyspace, table) > 0 {
		if time.Now().After(deadline) {
			log.Warn().
				Str("table", tableKey(keyspace, table)).
				Dur("timeout", timeout).
				Int64("inflight", p.inflightFor(keyspace, table)).
				Msg("Quiesce timeout with events still in flight, proceeding")
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(50 * time.Millisecond):
		}
	}
}
