package pipeline

import (
	"context"

	"github.com/rs/zerolog/log"

	"github.com/datastreamhq/cascade/commitlog"
	"github.com/datastreamhq/cascade/retry"
	"github.com/datastreamhq/cascade/telemetry"
)

// runTransform consumes the commit-log stream, masks sensitive fields,
// validates per destination and fans events out to the worker queues.
// It owns the queues: when the stream ends it closes every queue so the
// workers flush and exit.
func (p *Pipeline) runTransform(ctx context.Context, records <-chan commitlog.Record) {
	defer func() {
		for _, d := range p.destinations {
			for _, q := range d.queues {
				close(q)
			}
		}
	}()

	for rec := range records {
		if rec.Skip != nil {
			telemetry.ParseSkipsTotal.Inc()
			log.Warn().
				Str("file", rec.Skip.File).
				Int64("position", rec.Skip.Position).
				Str("reason", rec.Skip.Reason).
				Msg("Skipped undecodable commit-log frame")
			continue
		}

		ev := rec.Event.Event
		token := rec.Event.Token

		// Hold events of tables under schema quiesce.
		if !p.waitIfPaused(ctx, ev.Keyspace, ev.Table) {
			return
		}

		masked := p.masker.Apply(ev)

		for _, d := range p.destinations {
			env := envelope{ev: masked, token: token}

			if reason, ok := p.incompatible.Load(tableKey(ev.Keyspace, ev.Table)); ok {
				env.reject = retry.Wrapf(retry.CategorySchemaIncompatible, "%s", reason)
			} else if _, latched := p.store.Latched(d.name(), ev.Keyspace, ev.Table); latched {
				env.reject = retry.Wrapf(retry.CategoryQuarantine,
					"table %s.%s is quarantined for %s", ev.Keyspace, ev.Table, d.name())
			} else if err := d.validator.Validate(masked); err != nil {
				env.reject = err
			}

			p.inflightCounter(d.name(), ev.Keyspace, ev.Table).Inc()
			telemetry.BacklogDepth.With(d.name()).Inc()

			select {
			case d.queues[d.slotFor(ev.PartitionID())] <- env:
			case <-ctx.Done():
				return
			}
		}
	}
}

// waitIfPaused blocks while the event's table is quiesced for a schema
// change. Returns false only when the pipeline is aborting.
func (p *Pipeline) waitIfPaused(ctx context.Context, keyspace, table string) bool {
	for {
		p.pauseMu.Lock()
		gate, paused := p.paused[tableKey(keyspace, table)]
		p.pauseMu.Unlock()
		if !paused {
			return true
		}
		select {
		case <-gate:
		case <-ctx.Done():
			return false
		}
	}
}

// pauseTable gates the transform for one table. Idempotent.
func (p *Pipeline) pauseTable(keyspace, table string) {
	p.pauseMu.Lock()
	defer p.pauseMu.Unlock()
	key := tableKey(keyspace, table)
	if _, ok := p.paused[key]; !ok {
		p.paused[key] = make(chan struct{})
	}
}

// resumeTable releases the gate.
func (p *Pipeline) resumeTable(keyspace, table string) {
	p.pauseMu.Lock()
	defer p.pauseMu.Unlock()
	key := tableKey(keyspace, table)
	if gate, ok := p.paused[key]; ok {
		close(gate)
		delete(p.paused, key)
	}
}
