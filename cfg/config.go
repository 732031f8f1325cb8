package cfg

import (
	"flag"
	"fmt"
	"hash/fnv"
	"os"

	"github.com/BurntSushi/toml"
	"github.com/denisbrodbeck/machineid"
	"github.com/rs/zerolog/log"
)

// Destination names recognized in configuration and offset rows
const (
	DestPostgres    = "postgres"
	DestClickHouse  = "clickhouse"
	DestTimescaleDB = "timescaledb"
)

// SourceConfiguration points the reader at the Cassandra CDC directory
// and the schema monitor at the cluster catalog.
type SourceConfiguration struct {
	CommitLogDir   string   `toml:"commitlog_dir"`
	PollIntervalMS int      `toml:"poll_interval_ms"`
	CatalogHosts   []string `toml:"catalog_hosts"`
	CatalogPort    int      `toml:"catalog_port"`
	Keyspace       string   `toml:"keyspace"`
	Tables         []string `toml:"tables"` // glob patterns, empty = all tables in keyspace
}

// DestinationConfiguration is shared by all three sinks
type DestinationConfiguration struct {
	Enabled  bool   `toml:"enabled"`
	Host     string `toml:"host"`
	Port     int    `toml:"port"`
	Database string `toml:"database"`
	User     string `toml:"user"`
	Password string `toml:"password"`
}

// BatchConfiguration bounds sink batches; any bound triggers a flush
type BatchConfiguration struct {
	MaxSize  int `toml:"max_size"`
	MaxBytes int `toml:"max_bytes"`
	MaxAgeMS int `toml:"max_age_ms"`
}

// RetryConfiguration controls the per-batch backoff loop
type RetryConfiguration struct {
	MaxAttempts int     `toml:"max_attempts"`
	BaseDelayMS int     `toml:"base_delay_ms"`
	Multiplier  float64 `toml:"multiplier"`
	MaxDelayMS  int     `toml:"max_delay_ms"`
	JitterFrac  float64 `toml:"jitter_frac"`
}

// PipelineConfiguration controls orchestrator concurrency and shutdown
type PipelineConfiguration struct {
	WorkersPerDestination  int    `toml:"workers_per_destination"`
	MaxInflightBatches     int    `toml:"max_inflight_batches"`
	SchemaPollIntervalMS   int    `toml:"schema_poll_interval_ms"`
	SchemaQuiesceTimeoutMS int    `toml:"schema_quiesce_timeout_ms"`
	ShutdownDeadlineMS     int    `toml:"shutdown_deadline_ms"`
	ConnectTimeoutMS       int    `toml:"connect_timeout_ms"`
	StatementTimeoutMS     int    `toml:"statement_timeout_ms"`
	DLQDir                 string `toml:"dlq_dir"`
	DLQWriteTimeoutMS      int    `toml:"dlq_write_timeout_ms"`
}

// MaskingConfiguration holds the pattern lists and key material.
// Patterns are case-insensitive substrings matched against column names.
type MaskingConfiguration struct {
	PIIPatterns []string `toml:"pii_patterns"`
	PHIPatterns []string `toml:"phi_patterns"`
	Salt        string   `toml:"salt"`
	KeyID       string   `toml:"key_id"`
	Key         string   `toml:"key"`
}

// LoggingConfiguration controls logging behavior
type LoggingConfiguration struct {
	Verbose bool   `toml:"verbose"`
	Format  string `toml:"format"` // "console" or "json"
}

// PrometheusConfiguration for the metrics and health HTTP surface
type PrometheusConfiguration struct {
	Enabled bool   `toml:"enabled"`
	Address string `toml:"address"`
	Port    int    `toml:"port"`
}

// Configuration is the main configuration structure
type Configuration struct {
	NodeID  uint64 `toml:"node_id"`
	DataDir string `toml:"data_dir"`

	Source      SourceConfiguration      `toml:"source"`
	Postgres    DestinationConfiguration `toml:"postgres"`
	ClickHouse  DestinationConfiguration `toml:"clickhouse"`
	TimescaleDB DestinationConfiguration `toml:"timescaledb"`
	Batch       BatchConfiguration       `toml:"batch"`
	Retry       RetryConfiguration       `toml:"retry"`
	Pipeline    PipelineConfiguration    `toml:"pipeline"`
	Masking     MaskingConfiguration     `toml:"masking"`
	Logging     LoggingConfiguration     `toml:"logging"`
	Prometheus  PrometheusConfiguration  `toml:"prometheus"`
}

// Command line flags
var (
	ConfigPathFlag   = flag.String("config", "config.toml", "Path to configuration file")
	DataDirFlag      = flag.String("data-dir", "", "Data directory (overrides config)")
	CommitLogDirFlag = flag.String("commitlog-dir", "", "Cassandra cdc_raw directory (overrides config)")
	NodeIDFlag       = flag.Uint64("node-id", 0, "Node ID (overrides config, 0=auto)")
)

// Default configuration
var Config = &Configuration{
	NodeID:  0, // Auto-generate
	DataDir: "./cascade-data",

	Source: SourceConfiguration{
		CommitLogDir:   "/var/lib/cassandra/cdc_raw",
		PollIntervalMS: 1000,
		CatalogHosts:   []string{"127.0.0.1"},
		CatalogPort:    9042,
		Keyspace:       "ecommerce",
		Tables:         []string{},
	},

	// Destinations default to disabled
	Postgres:    DestinationConfiguration{Enabled: false, Host: "127.0.0.1", Port: 5432, Database: "warehouse", User: "postgres"},
	ClickHouse:  DestinationConfiguration{Enabled: false, Host: "127.0.0.1", Port: 9000, Database: "analytics", User: "default"},
	TimescaleDB: DestinationConfiguration{Enabled: false, Host: "127.0.0.1", Port: 5433, Database: "tsdb", User: "postgres"},

	Batch: BatchConfiguration{
		MaxSize:  100,
		MaxBytes: 1 << 20, // 1 MiB
		MaxAgeMS: 1000,
	},

	Retry: RetryConfiguration{
		MaxAttempts: 5,
		BaseDelayMS: 100,
		Multiplier:  2.0,
		MaxDelayMS:  30000,
		JitterFrac:  0.25,
	},

	Pipeline: PipelineConfiguration{
		WorkersPerDestination:  4,
		MaxInflightBatches:     8,
		SchemaPollIntervalMS:   30000,
		SchemaQuiesceTimeoutMS: 10000,
		ShutdownDeadlineMS:     30000,
		ConnectTimeoutMS:       5000,
		StatementTimeoutMS:     30000,
		DLQDir:                 "./cascade-data/dlq",
		DLQWriteTimeoutMS:      5000,
	},

	Masking: MaskingConfiguration{
		PIIPatterns: nil, // nil = built-in defaults
		PHIPatterns: nil,
		Salt:        "",
		KeyID:       "k1",
		Key:         "",
	},

	Logging: LoggingConfiguration{
		Verbose: false,
		Format:  "console",
	},

	Prometheus: PrometheusConfiguration{
		Enabled: true,
		Address: "0.0.0.0",
		Port:    9102,
	},
}

// Load loads configuration from file and applies CLI overrides
func Load(configPath string) error {
	if configPath != "" {
		if _, err := os.Stat(configPath); err == nil {
			log.Info().Str("path", configPath).Msg("Loading configuration")
			if _, err := toml.DecodeFile(configPath, Config); err != nil {
				return fmt.Errorf("failed to decode config: %w", err)
			}
		} else {
			log.Warn().Str("path", configPath).Msg("Config file not found, using defaults")
		}
	}

	// Apply CLI overrides
	if *DataDirFlag != "" {
		Config.DataDir = *DataDirFlag
	}
	if *CommitLogDirFlag != "" {
		Config.Source.CommitLogDir = *CommitLogDirFlag
	}
	if *NodeIDFlag != 0 {
		Config.NodeID = *NodeIDFlag
	}

	// Auto-generate node ID if not set
	if Config.NodeID == 0 {
		var err error
		Config.NodeID, err = generateNodeID()
		if err != nil {
			return fmt.Errorf("failed to generate node ID: %w", err)
		}
		log.Info().Uint64("node_id", Config.NodeID).Msg("Auto-generated node ID")
	}

	if err := os.MkdirAll(Config.DataDir, 0755); err != nil {
		return fmt.Errorf("failed to create data directory: %w", err)
	}

	return nil
}

// generateNodeID creates a unique node ID based on machine ID
func generateNodeID() (uint64, error) {
	id, err := machineid.ProtectedID("cascade")
	if err != nil {
		return 0, err
	}

	h := fnv.New64a()
	h.Write([]byte(id))
	return h.Sum64(), nil
}

// EnabledDestinations returns the names of destinations enabled in config
func (c *Configuration) EnabledDestinations() []string {
	var dests []string
	if c.Postgres.Enabled {
		dests = append(dests, DestPostgres)
	}
	if c.ClickHouse.Enabled {
		dests = append(dests, DestClickHouse)
	}
	if c.TimescaleDB.Enabled {
		dests = append(dests, DestTimescaleDB)
	}
	return dests
}

// Validate checks configuration for errors
func Validate() error {
	if Config.Source.CommitLogDir == "" {
		return fmt.Errorf("source commitlog directory is required")
	}
	if Config.Source.Keyspace == "" {
		return fmt.Errorf("source keyspace is required")
	}
	if Config.Source.PollIntervalMS < 1 {
		return fmt.Errorf("source poll interval must be >= 1ms")
	}

	if len(Config.EnabledDestinations()) == 0 {
		return fmt.Errorf("at least one destination must be enabled")
	}

	for _, d := range []struct {
		name string
		cfg  DestinationConfiguration
	}{
		{DestPostgres, Config.Postgres},
		{DestClickHouse, Config.ClickHouse},
		{DestTimescaleDB, Config.TimescaleDB},
	} {
		if !d.cfg.Enabled {
			continue
		}
		if d.cfg.Host == "" {
			return fmt.Errorf("%s: host is required", d.name)
		}
		if d.cfg.Port < 1 || d.cfg.Port > 65535 {
			return fmt.Errorf("%s: invalid port %d", d.name, d.cfg.Port)
		}
		if d.cfg.Database == "" {
			return fmt.Errorf("%s: database is required", d.name)
		}
	}

	if Config.Batch.MaxSize < 1 {
		return fmt.Errorf("batch max size must be >= 1")
	}
	if Config.Batch.MaxBytes < 1 {
		return fmt.Errorf("batch max bytes must be >= 1")
	}
	if Config.Batch.MaxAgeMS < 1 {
		return fmt.Errorf("batch max age must be >= 1ms")
	}

	if Config.Retry.MaxAttempts < 1 {
		return fmt.Errorf("retry max attempts must be >= 1")
	}
	if Config.Retry.BaseDelayMS < 1 {
		return fmt.Errorf("retry base delay must be >= 1ms")
	}
	if Config.Retry.Multiplier < 1.0 {
		return fmt.Errorf("retry multiplier must be >= 1.0")
	}
	if Config.Retry.MaxDelayMS < Config.Retry.BaseDelayMS {
		return fmt.Errorf("retry max delay must be >= base delay")
	}
	if Config.Retry.JitterFrac < 0 || Config.Retry.JitterFrac > 1 {
		return fmt.Errorf("retry jitter fraction must be in [0, 1]")
	}

	if Config.Pipeline.WorkersPerDestination < 1 {
		return fmt.Errorf("workers per destination must be >= 1")
	}
	if Config.Pipeline.MaxInflightBatches < 1 {
		return fmt.Errorf("max inflight batches must be >= 1")
	}
	if Config.Pipeline.SchemaPollIntervalMS < 1 {
		return fmt.Errorf("schema poll interval must be >= 1ms")
	}
	if Config.Pipeline.ShutdownDeadlineMS < 1 {
		return fmt.Errorf("shutdown deadline must be >= 1ms")
	}

	if Config.Prometheus.Enabled && (Config.Prometheus.Port < 1 || Config.Prometheus.Port > 65535) {
		return fmt.Errorf("invalid prometheus port: %d", Config.Prometheus.Port)
	}

	return nil
}
