package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/datastreamhq/cascade/commitlog"
	"github.com/datastreamhq/cascade/event"
	"github.com/datastreamhq/cascade/offsets"
	"github.com/datastreamhq/cascade/retry"
	"github.com/datastreamhq/cascade/sink"
	"github.com/datastreamhq/cascade/telemetry"
)

// pendingBatch accumulates one partition's events between flushes.
type pendingBatch struct {
	keyspace    string
	table       string
	partitionID int64
	events      []*event.Event
	bytes       int
	firstAt     time.Time
	lastToken   commitlog.Token
	lastTS      int64
}

// runWorker is one destination worker slot. Envelopes arrive in
// per-partition order; batches flush on size, bytes or age, and always
// before a rejection is dead-lettered so DLQ order matches commit
// order.
func (p *Pipeline) runWorker(ctx context.Context, d *destination, slot int, q <-chan envelope) {
	maxAge := time.Duration(p.conf.Batch.MaxAgeMS) * time.Millisecond
	pending := make(map[int64]*pendingBatch)

	ticker := time.NewTicker(maxAge / 2)
	defer ticker.Stop()

	for {
		select {
		case env, ok := <-q:
			if !ok {
				// Queue closed: final flush, oldest first.
				for _, pb := range pending {
					p.flushBatch(ctx, d, pb)
				}
				return
			}
			if !p.handleEnvelope(ctx, d, pending, env) {
				return
			}
		case <-ticker.C:
			now := time.Now()
			for pid, pb := range pending {
				if now.Sub(pb.firstAt) >= maxAge {
					delete(pending, pid)
					if !p.flushBatch(ctx, d, pb) {
						return
					}
				}
			}
		case <-ctx.Done():
			return
		}
	}
}

func (p *Pipeline) handleEnvelope(ctx context.Context, d *destination, pending map[int64]*pendingBatch, env envelope) bool {
	ev := env.ev
	pid := ev.PartitionID()

	if env.reject != nil {
		// Preserve order: committed work for this partition lands
		// before the rejection's DLQ record and offset advance.
		if pb, ok := pending[pid]; ok {
			delete(pending, pid)
			if !p.flushBatch(ctx, d, pb) {
				return false
			}
		}
		return p.deadLetter(ctx, d, []*event.Event{ev}, env.token, env.reject, 0)
	}

	pb, ok := pending[pid]
	if !ok {
		pb = &pendingBatch{
			keyspace:    ev.Keyspace,
			table:       ev.Table,
			partitionID: pid,
			firstAt:     time.Now(),
		}
		pending[pid] = pb
	}
	pb.events = append(pb.events, ev)
	pb.bytes += ev.EstimateSize()
	pb.lastToken = env.token
	pb.lastTS = ev.TimestampMicros

	if len(pb.events) >= p.conf.Batch.MaxSize || pb.bytes >= p.conf.Batch.MaxBytes {
		delete(pending, pid)
		return p.flushBatch(ctx, d, pb)
	}
	return true
}

// flushBatch writes one batch with retries. Terminal failures divert
// every event to the DLQ and still advance the offset, so restarts do
// not resurrect them. Returns false when the pipeline must stop.
func (p *Pipeline) flushBatch(ctx context.Context, d *destination, pb *pendingBatch) bool {
	if len(pb.events) == 0 {
		return true
	}

	batch := &sink.Batch{
		Keyspace:    pb.keyspace,
		Table:       pb.table,
		PartitionID: pb.partitionID,
		Events:      pb.events,
		Offset: offsets.Offset{
			Keyspace:            pb.keyspace,
			Table:               pb.table,
			PartitionID:         pb.partitionID,
			Destination:         d.name(),
			File:                pb.lastToken.File,
			Position:            pb.lastToken.Position,
			LastTimestampMicros: pb.lastTS,
			EventsReplicated:    int64(len(pb.events)),
			CommittedAt:         time.Now().UTC(),
		},
	}

	attempts := 0
	start := time.Now()
	err := p.policy.Do(ctx, fmt.Sprintf("write %s batch", d.name()), func(ctx context.Context) error {
		attempts++
		return d.sink.WriteBatch(ctx, batch)
	})
	if attempts > 1 {
		telemetry.RetryAttemptsTotal.With(d.name()).Add(float64(attempts - 1))
	}

	if err == nil {
		telemetry.WriteDurationSeconds.With(d.name()).Observe(time.Since(start).Seconds())
		telemetry.BatchSizeEvents.Observe(float64(len(pb.events)))
		telemetry.EventsProcessedTotal.With(d.name(), tableKey(pb.keyspace, pb.table)).Add(float64(len(pb.events)))
		d.rate.Record(len(pb.events))
		telemetry.EventsPerSecond.With(d.name()).Set(d.rate.Rate())

		last := pb.events[len(pb.events)-1]
		telemetry.ReplicationLagSeconds.With(d.name()).Set(replicationLag(last, time.Now()).Seconds())

		p.manager.Record(batch.Offset)
		p.settle(d, pb.keyspace, pb.table, len(pb.events))
		return true
	}

	if errors.Is(err, context.Canceled) {
		// Shutdown abort: the batch replays from its committed offset.
		return false
	}

	category := retry.Classify(err)
	telemetry.ErrorsTotal.With(d.name(), category.String()).Inc()
	if category == retry.CategoryFatal {
		p.fatal(err)
		return false
	}

	log.Error().
		Err(err).
		Str("destination", d.name()).
		Str("table", tableKey(pb.keyspace, pb.table)).
		Int("events", len(pb.events)).
		Msg("Batch failed terminally, dead-lettering")
	return p.deadLetter(ctx, d, pb.events, pb.lastToken, err, attempts)
}

// replicationLag is the distance between now and the source mutation
// timestamp of the newest committed event. Capture time is deliberately
// not used: a reader that falls behind must show as lag.
func replicationLag(ev *event.Event, now time.Time) time.Duration {
	return now.Sub(time.UnixMicro(ev.TimestampMicros))
}

// deadLetter records events in the DLQ and then advances the offset
// past them with an offset-only write. Both steps must succeed; a
// failure in either breaks the exactly-once invariant and stops the
// process.
func (p *Pipeline) deadLetter(ctx context.Context, d *destination, events []*event.Event, token commitlog.Token, cause error, attempts int) bool {
	category := retry.Classify(cause)
	firstFailure := time.Now().UTC()

	for _, ev := range events {
		if err := p.dlq.Write(ctx, ev, d.name(), category, cause.Error(), attempts, firstFailure); err != nil {
			p.fatal(err)
			return false
		}
		telemetry.DLQEventsTotal.With(d.name(), category.String()).Inc()
	}

	last := events[len(events)-1]
	advance := &sink.Batch{
		Keyspace:    last.Keyspace,
		Table:       last.Table,
		PartitionID: last.PartitionID(),
		Offset: offsets.Offset{
			Keyspace:            last.Keyspace,
			Table:               last.Table,
			PartitionID:         last.PartitionID(),
			Destination:         d.name(),
			File:                token.File,
			Position:            token.Position,
			LastTimestampMicros: last.TimestampMicros,
			CommittedAt:         time.Now().UTC(),
		},
	}
	err := p.policy.Do(ctx, fmt.Sprintf("advance %s offset", d.name()), func(ctx context.Context) error {
		return d.sink.WriteBatch(ctx, advance)
	})
	if err != nil {
		if errors.Is(err, context.Canceled) {
			// Shutdown abort after the DLQ write: the replayed events
			// fail the same way and dead-letter again, which is the one
			// duplication this design accepts over losing them.
			return false
		}
		p.fatal(retry.Wrapf(retry.CategoryFatal,
			"offset advance after DLQ failed for %s: %v", d.name(), err))
		return false
	}

	p.manager.Record(advance.Offset)
	p.settle(d, last.Keyspace, last.Table, len(events))
	return true
}

// settle releases inflight and backlog accounting once events are
// committed or dead-lettered.
func (p *Pipeline) settle(d *destination, keyspace, table string, n int) {
	c := p.inflightCounter(d.name(), keyspace, table)
	for i := 0; i < n; i++ {
		c.Dec()
		telemetry.BacklogDepth.With(d.name()).Dec()
	}
}
