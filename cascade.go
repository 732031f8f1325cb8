package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/datastreamhq/cascade/cfg"
	"github.com/datastreamhq/cascade/commitlog"
	"github.com/datastreamhq/cascade/dlq"
	"github.com/datastreamhq/cascade/mapper"
	"github.com/datastreamhq/cascade/mask"
	"github.com/datastreamhq/cascade/pipeline"
	"github.com/datastreamhq/cascade/retry"
	"github.com/datastreamhq/cascade/schema"
	"github.com/datastreamhq/cascade/sink"
	"github.com/datastreamhq/cascade/state"
	"github.com/datastreamhq/cascade/telemetry"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Exit codes
const (
	exitOK           = 0
	exitConfig       = 2 // invalid configuration
	exitUnreachable  = 3 // source or destination unreachable at startup
	exitFatal        = 4 // delivery invariant broken at runtime
	exitRuntimeError = 1
)

func main() {
	os.Exit(run())
}

func run() int {
	flag.Parse()

	// Load configuration
	if err := cfg.Load(*cfg.ConfigPathFlag); err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		return exitConfig
	}

	// Validate configuration
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "invalid configuration: %v\n", err)
		return exitConfig
	}

	// Setup logging
	var writer io.Writer = zerolog.NewConsoleWriter()
	if cfg.Config.Logging.Format == "json" {
		writer = os.Stdout
	}
	gLog := zerolog.New(writer).
		With().
		Timestamp().
		Uint64("node_id", cfg.Config.NodeID).
		Logger()

	if cfg.Config.Logging.Verbose {
		log.Logger = gLog.Level(zerolog.DebugLevel)
	} else {
		log.Logger = gLog.Level(zerolog.InfoLevel)
	}

	log.Info().Msg("Cascade - Cassandra CDC Replicator")
	log.Debug().Msg("Initializing telemetry")
	telemetry.InitializeTelemetry()
	telemetry.InitMetrics()

	connectTimeout := time.Duration(cfg.Config.Pipeline.ConnectTimeoutMS) * time.Millisecond
	statementTimeout := time.Duration(cfg.Config.Pipeline.StatementTimeoutMS) * time.Millisecond

	// Durable pipeline state (quarantine latches)
	store, err := state.Open(cfg.Config.DataDir)
	if err != nil {
		log.Error().Err(err).Msg("Failed to open pipeline state store")
		return exitRuntimeError
	}
	defer store.Close()

	// Bounded window for all startup probes: destination connects,
	// catalog reachability and the initial schema sweep.
	startupCtx, startupCancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer startupCancel()

	// One schema cache shared by the monitor and every sink
	cache := schema.NewCache()

	// Masking rules feed both the event transform and sink DDL:
	// classified columns must land as text to hold their digests.
	rules := mask.NewRules(cfg.Config.Masking.PIIPatterns, cfg.Config.Masking.PHIPatterns)

	// Connect every enabled destination before touching the commit log
	sinks, err := buildSinks(cache, rules, connectTimeout, statementTimeout)
	if err != nil {
		log.Error().Err(err).Msg("Failed to construct destinations")
		return exitConfig
	}
	defer func() {
		for _, s := range sinks {
			s.Close()
		}
	}()
	for _, s := range sinks {
		if err := s.Connect(startupCtx); err != nil {
			log.Error().Err(err).Str("destination", s.Name()).Msg("Destination unreachable")
			return exitUnreachable
		}
	}

	// Source schema catalog and monitor
	catalog, err := schema.NewCQLCatalog(cfg.Config.Source.CatalogHosts, cfg.Config.Source.CatalogPort, connectTimeout)
	if err != nil {
		log.Error().Err(err).Msg("Source schema catalog unreachable")
		return exitUnreachable
	}
	defer catalog.Close()

	monitor, err := schema.NewMonitor(
		catalog,
		cache,
		cfg.Config.Source.Keyspace,
		cfg.Config.Source.Tables,
		time.Duration(cfg.Config.Pipeline.SchemaPollIntervalMS)*time.Millisecond,
		mapper.Widens,
	)
	if err != nil {
		log.Error().Err(err).Msg("Invalid table patterns")
		return exitConfig
	}

	log.Info().Str("keyspace", cfg.Config.Source.Keyspace).Msg("Priming schema cache")
	if err := monitor.Prime(startupCtx); err != nil {
		log.Error().Err(err).Msg("Failed to prime schema cache")
		return exitUnreachable
	}

	// Dead-letter queue
	dlqDir := cfg.Config.Pipeline.DLQDir
	dlqWriter, err := dlq.NewWriter(dlqDir, time.Duration(cfg.Config.Pipeline.DLQWriteTimeoutMS)*time.Millisecond)
	if err != nil {
		log.Error().Err(err).Str("dir", dlqDir).Msg("Failed to open DLQ directory")
		return exitRuntimeError
	}
	defer dlqWriter.Close()

	// Masking
	masker := mask.NewMasker(rules, cfg.Config.Masking.Salt, cfg.Config.Masking.KeyID, cfg.Config.Masking.Key)

	// Commit-log reader, restricted to monitored tables
	keyspace := cfg.Config.Source.Keyspace
	filter := func(ks, table string) bool {
		return ks == keyspace && monitor.Monitored(table)
	}
	reader := commitlog.NewReader(
		cfg.Config.Source.CommitLogDir,
		time.Duration(cfg.Config.Source.PollIntervalMS)*time.Millisecond,
		filter,
		cfg.Config.Pipeline.MaxInflightBatches*cfg.Config.Batch.MaxSize,
	)

	p, err := pipeline.New(pipeline.Options{
		Config:  cfg.Config,
		Reader:  reader,
		Masker:  masker,
		Cache:   cache,
		Monitor: monitor,
		Store:   store,
		DLQ:     dlqWriter,
		Sinks:   sinks,
	})
	if err != nil {
		log.Error().Err(err).Msg("Failed to assemble pipeline")
		return exitConfig
	}

	// Metrics, health and quarantine HTTP surface
	if cfg.Config.Prometheus.Enabled {
		server := telemetry.NewServer(cfg.Config.Prometheus.Port, p, store)
		server.Start()
		defer func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			server.Stop(ctx)
		}()
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	log.Info().
		Uint64("node_id", cfg.Config.NodeID).
		Str("commitlog_dir", cfg.Config.Source.CommitLogDir).
		Strs("destinations", cfg.Config.EnabledDestinations()).
		Msg("Replicator is operational")

	if err := p.Run(ctx); err != nil {
		log.Error().Err(err).Msg("Pipeline stopped with error")
		if retry.Classify(err) == retry.CategoryFatal {
			return exitFatal
		}
		return exitRuntimeError
	}

	log.Info().Msg("Replicator stopped cleanly")
	return exitOK
}

func buildSinks(cache *schema.Cache, rules *mask.Rules, connectTimeout, statementTimeout time.Duration) ([]sink.Sink, error) {
	var sinks []sink.Sink
	for _, name := range cfg.Config.EnabledDestinations() {
		var s sink.Sink
		var err error
		switch name {
		case cfg.DestPostgres:
			s, err = sink.NewPostgresSink(cfg.Config.Postgres, cache, rules, connectTimeout, statementTimeout)
		case cfg.DestClickHouse:
			s, err = sink.NewClickHouseSink(cfg.Config.ClickHouse, cache, rules, connectTimeout, statementTimeout)
		case cfg.DestTimescaleDB:
			s, err = sink.NewTimescaleSink(cfg.Config.TimescaleDB, cache, rules, connectTimeout, statementTimeout)
		default:
			err = fmt.Errorf("unknown destination %q", name)
		}
		if err != nil {
			return nil, err
		}
		sinks = append(sinks, s)
	}
	return sinks, nil
}
