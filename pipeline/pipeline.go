// Package pipeline wires the stages together: commit-log reader,
// masking and validation transform, per-destination worker slots, the
// schema-change handler and the health view. It owns ordering: events
// of one source partition always flow through one worker slot per
// destination, in commit-log order.
package pipeline

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/puzpuzpuz/xsync/v3"
	"github.com/rs/zerolog/log"

	"github.com/datastreamhq/cascade/cfg"
	"github.com/datastreamhq/cascade/commitlog"
	"github.com/datastreamhq/cascade/dlq"
	"github.com/datastreamhq/cascade/event"
	"github.com/datastreamhq/cascade/mapper"
	"github.com/datastreamhq/cascade/mask"
	"github.com/datastreamhq/cascade/offsets"
	"github.com/datastreamhq/cascade/retry"
	"github.com/datastreamhq/cascade/schema"
	"github.com/datastreamhq/cascade/sink"
	"github.com/datastreamhq/cascade/state"
)

// envelope is one event routed to one destination, or a rejection that
// must reach the DLQ before the partition's offset may advance.
type envelope struct {
	ev     *event.Event
	token  commitlog.Token
	reject error // non-nil: DLQ instead of write
}

// destination bundles one sink with its validator and worker queues.
type destination struct {
	sink      sink.Sink
	validator *mapper.Validator
	queues    []chan envelope
	rate      *sink.Throughput
}

func (d *destination) name() string { return d.sink.Name() }

// slotFor pins a partition to a worker slot so per-partition order is
// preserved across the concurrent workers.
func (d *destination) slotFor(partitionID int64) int {
	var buf [8]byte
	for i := 0; i < 8; i++ {
		buf[i] = byte(partitionID >> (8 * i))
	}
	return int(xxhash.Sum64(buf[:]) % uint64(len(d.queues)))
}

// Pipeline is the orchestrator. Construct with New, drive with Run.
type Pipeline struct {
	conf *cfg.Configuration

	reader  *commitlog.Reader
	masker  *mask.Masker
	cache   *schema.Cache
	monitor *schema.Monitor
	store   *state.Store
	dlq     *dlq.Writer
	manager *offsets.Manager
	policy  retry.Policy

	destinations []*destination

	// inflight counts events per "destination|keyspace.table" that are
	// queued or being written; the schema handler drains on it.
	inflight *xsync.MapOf[string, *xsync.Counter]

	// incompatible marks tables whose current schema cannot be
	// represented downstream; their events divert to the DLQ.
	incompatible *xsync.MapOf[string, string]

	// paused gates the transform per table during schema quiesce.
	pauseMu sync.Mutex
	paused  map[string]chan struct{}

	startedAt time.Time
	fatalCh   chan error
	workersWg sync.WaitGroup
	auxWg     sync.WaitGroup
}

// Options collects the pipeline's collaborators, constructed in main.
type Options struct {
	Config  *cfg.Configuration
	Reader  *commitlog.Reader
	Masker  *mask.Masker
	Cache   *schema.Cache
	Monitor *schema.Monitor
	Store   *state.Store
	DLQ     *dlq.Writer
	Sinks   []sink.Sink
}

func New(opts Options) (*Pipeline, error) {
	if len(opts.Sinks) == 0 {
		return nil, fmt.Errorf("at least one destination must be enabled")
	}

	p := &Pipeline{
		conf:         opts.Config,
		reader:       opts.Reader,
		masker:       opts.Masker,
		cache:        opts.Cache,
		monitor:      opts.Monitor,
		store:        opts.Store,
		dlq:          opts.DLQ,
		manager:      offsets.NewManager(),
		policy:       retry.PolicyFromConfig(opts.Config.Retry),
		inflight:     xsync.NewMapOf[string, *xsync.Counter](),
		incompatible: xsync.NewMapOf[string, string](),
		paused:       make(map[string]chan struct{}),
		fatalCh:      make(chan error, 1),
	}

	workers := opts.Config.Pipeline.WorkersPerDestination
	queueCap := opts.Config.Pipeline.MaxInflightBatches * opts.Config.Batch.MaxSize
	for _, s := range opts.Sinks {
		mapping, err := mapper.ForDestination(s.Name())
		if err != nil {
			return nil, err
		}
		d := &destination{
			sink:      s,
			validator: mapper.NewValidator(opts.Cache, mapping),
			queues:    make([]chan envelope, workers),
			rate:      sink.NewThroughput(),
		}
		for i := range d.queues {
			d.queues[i] = make(chan envelope, queueCap)
		}
		p.destinations = append(p.destinations, d)
	}
	return p, nil
}

// Run executes the pipeline until ctx is cancelled or a fatal failure
// breaks a delivery invariant. On cancellation it performs the ordered
// shutdown: reader first, then queue drain, bounded by the configured
// deadline.
func (p *Pipeline) Run(ctx context.Context) error {
	p.startedAt = time.Now()

	// Startup: load committed offsets from every destination and resume
	// from the minimum.
	for _, d := range p.destinations {
		rows, err := d.sink.ReadOffsets(ctx)
		if err != nil {
			return fmt.Errorf("failed to read offsets from %s: %w", d.name(), err)
		}
		p.manager.Load(rows)
		log.Info().Str("destination", d.name()).Int("offsets", len(rows)).Msg("Offsets loaded")
	}
	resume := p.manager.ResumeToken()
	log.Info().Str("resume", resume.String()).Msg("Resuming commit-log stream")

	// hardCtx aborts in-flight work (fatal failure or drain deadline);
	// readerCtx stops intake first so the graceful path can drain.
	hardCtx, hardCancel := context.WithCancel(context.Background())
	defer hardCancel()
	readerCtx, stopReader := context.WithCancel(hardCtx)
	defer stopReader()

	records, err := p.reader.Open(readerCtx, resume)
	if err != nil {
		return fmt.Errorf("failed to open commit log: %w", err)
	}

	changes := make(chan schema.Change, 16)
	p.auxWg.Add(2)
	go func() {
		defer p.auxWg.Done()
		p.monitor.Run(readerCtx, changes)
	}()
	go func() {
		defer p.auxWg.Done()
		p.handleSchemaChanges(hardCtx, changes)
	}()

	for _, d := range p.destinations {
		for slot, q := range d.queues {
			p.workersWg.Add(1)
			go func(d *destination, slot int, q chan envelope) {
				defer p.workersWg.Done()
				p.runWorker(hardCtx, d, slot, q)
			}(d, slot, q)
		}
	}

	transformDone := make(chan struct{})
	go func() {
		defer close(transformDone)
		p.runTransform(hardCtx, records)
	}()

	select {
	case err := <-p.fatalCh:
		hardCancel()
		<-transformDone
		p.workersWg.Wait()
		p.auxWg.Wait()
		return err
	case <-ctx.Done():
	}

	// Phase one: stop intake. The transform drains what the reader
	// already emitted, closes the worker queues, and the workers flush
	// their pending batches.
	log.Info().Msg("Shutdown: draining pipeline")
	stopReader()

	deadline := time.Duration(p.conf.Pipeline.ShutdownDeadlineMS) * time.Millisecond
	drained := make(chan struct{})
	go func() {
		<-transformDone
		p.workersWg.Wait()
		close(drained)
	}()

	select {
	case <-drained:
		log.Info().Msg("Shutdown: pipeline drained")
	case <-time.After(deadline):
		log.Warn().Dur("deadline", deadline).Msg("Shutdown deadline exceeded, abandoning drain")
	}

	// Phase two: abort anything still running. Unacknowledged events
	// replay from their committed offsets on the next start.
	hardCancel()
	<-transformDone
	p.workersWg.Wait()
	p.auxWg.Wait()

	select {
	case err := <-p.fatalCh:
		return err
	default:
	}
	return nil
}

// fatal reports an invariant-breaking failure. The first one wins and
// stops the pipeline.
func (p *Pipeline) fatal(err error) {
	select {
	case p.fatalCh <- err:
	default:
	}
}

func tableKey(keyspace, table string) string {
	return keyspace + "." + table
}

func inflightKey(dest, keyspace, table string) string {
	return dest + "|" + keyspace + "." + table
}

func (p *Pipeline) inflightCounter(dest, keyspace, table string) *xsync.Counter {
	c, _ := p.inflight.LoadOrCompute(inflightKey(dest, keyspace, table), func() *xsync.Counter {
		return xsync.NewCounter()
	})
	return c
}

// inflightFor totals queued-or-writing events for a table across all
// destinations.
func (p *Pipeline) inflightFor(keyspace, table string) int64 {
	var total int64
	suffix := "|" + tableKey(keyspace, table)
	p.inflight.Range(func(key string, c *xsync.Counter) bool {
		if len(key) >= len(suffix) && key[len(key)-len(suffix):] == suffix {
			total += c.Value()
		}
		return true
	})
	return total
}
