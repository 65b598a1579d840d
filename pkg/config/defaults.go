package config

import (
	"strings"
	"time"

	"github.com/entitygraph/entitygraph/internal/bytesize"
)

// ApplyDefaults sets default values for any unspecified configuration
// fields. Zero values are replaced; explicit values are preserved.
func ApplyDefaults(cfg *Config) {
	applyLoggingDefaults(&cfg.Logging)
	applyTelemetryDefaults(&cfg.Telemetry)
	if cfg.ShutdownTimeout == 0 {
		cfg.ShutdownTimeout = 30 * time.Second
	}
	applyServerDefaults(&cfg.Server)
	applyMetricsDefaults(&cfg.Metrics)
	applyMetadataDefaults(&cfg.Metadata)
	applySnapshotDefaults(&cfg.Snapshots)
	applyCacheDefaults(&cfg.Cache)
	applyStateDefaults(&cfg.State)
	applyEventsDefaults(&cfg.Events)
	applyWriterDefaults(&cfg.Writer)
	applyAllocatorDefaults(&cfg.Allocator)
	applyReconcilerDefaults(&cfg.Reconciler)
	applyPollerDefaults(&cfg.Poller)
}

func applyLoggingDefaults(cfg *LoggingConfig) {
	if cfg.Level == "" {
		cfg.Level = "INFO"
	}
	cfg.Level = strings.ToUpper(cfg.Level)

	if cfg.Format == "" {
		cfg.Format = "text"
	}
	if cfg.Output == "" {
		cfg.Output = "stdout"
	}
}

func applyTelemetryDefaults(cfg *TelemetryConfig) {
	if cfg.Endpoint == "" {
		cfg.Endpoint = "localhost:4317"
	}
	if cfg.SampleRate == 0 {
		cfg.SampleRate = 1.0
	}
	if cfg.Profiling.Endpoint == "" {
		cfg.Profiling.Endpoint = "http://localhost:4040"
	}
	if len(cfg.Profiling.ProfileTypes) == 0 {
		cfg.Profiling.ProfileTypes = []string{"cpu", "inuse_space", "goroutines"}
	}
}

func applyServerDefaults(cfg *ServerConfig) {
	if cfg.Port == 0 {
		cfg.Port = 8080
	}
	if cfg.ReadTimeout == 0 {
		cfg.ReadTimeout = 10 * time.Second
	}
	if cfg.WriteTimeout == 0 {
		cfg.WriteTimeout = 30 * time.Second
	}
	if cfg.IdleTimeout == 0 {
		cfg.IdleTimeout = 60 * time.Second
	}
}

func applyMetricsDefaults(cfg *MetricsConfig) {
	if cfg.Enabled && cfg.Port == 0 {
		cfg.Port = 9090
	}
}

func applyMetadataDefaults(cfg *MetadataConfig) {
	if cfg.Backend == "" {
		cfg.Backend = "postgres"
	}
	if cfg.Backend == "postgres" {
		cfg.Postgres.ApplyDefaults()
	}
}

func applySnapshotDefaults(cfg *SnapshotConfig) {
	if cfg.Backend == "" {
		cfg.Backend = "s3"
	}
	if cfg.S3.Region == "" {
		cfg.S3.Region = "us-east-1"
	}
	if cfg.S3.MaxRetries == 0 {
		cfg.S3.MaxRetries = 3
	}
	if cfg.S3.InitialBackoff == 0 {
		cfg.S3.InitialBackoff = 100 * time.Millisecond
	}
	if cfg.S3.MaxBackoff == 0 {
		cfg.S3.MaxBackoff = 2 * time.Second
	}
}

func applyCacheDefaults(cfg *CacheConfig) {
	if cfg.Backend == "" {
		cfg.Backend = "memory"
	}
	if cfg.IDMapTTL == 0 {
		cfg.IDMapTTL = 24 * time.Hour
	}
	if cfg.HeadTTL == 0 {
		cfg.HeadTTL = 30 * time.Second
	}
	if cfg.Backend == "redis" && cfg.Redis.Addr == "" {
		cfg.Redis.Addr = "localhost:6379"
	}
}

func applyStateDefaults(cfg *StateConfig) {
	if cfg.Backend == "" {
		cfg.Backend = "sqlite"
	}
	store := cfg.ToStoreConfig()
	store.ApplyDefaults()
	cfg.SQLitePath = store.SQLite.Path
	cfg.Postgres.Port = store.Postgres.Port
	if cfg.Postgres.SSLMode == "" {
		cfg.Postgres.SSLMode = store.Postgres.SSLMode
	}
	cfg.MaxOutboxBacklog = store.MaxOutboxBacklog
}

func applyEventsDefaults(cfg *EventsConfig) {
	if cfg.Sink == "" {
		cfg.Sink = "inproc"
	}
	if cfg.InprocCapacity == 0 {
		cfg.InprocCapacity = 1024
	}
	if cfg.Kafka.Topic == "" {
		cfg.Kafka.Topic = "entitygraph.changes"
	}
}

func applyWriterDefaults(cfg *WriterConfig) {
	if cfg.SchemaVersion == "" {
		cfg.SchemaVersion = "1.0.0"
	}
	if cfg.RetryBudget == 0 {
		cfg.RetryBudget = 5
	}
	if cfg.MaxEntitySize == 0 {
		cfg.MaxEntitySize = 4 * bytesize.MB
	}
}

func applyAllocatorDefaults(cfg *AllocatorConfig) {
	// EpochMS intentionally has no default: it must be set once per
	// deployment and never changed.
	if cfg.RetryBudget == 0 {
		cfg.RetryBudget = 5
	}
}

func applyReconcilerDefaults(cfg *ReconcilerConfig) {
	if cfg.Interval == 0 {
		cfg.Interval = 5 * time.Minute
	}
	if cfg.MinPendingAge == 0 {
		cfg.MinPendingAge = 1 * time.Minute
	}
	if cfg.AbandonmentTTL == 0 {
		cfg.AbandonmentTTL = 24 * time.Hour
	}
	if cfg.BatchLimit == 0 {
		cfg.BatchLimit = 500
	}
}

func applyPollerDefaults(cfg *PollerConfig) {
	if cfg.Interval == 0 {
		cfg.Interval = time.Minute
	}
	if cfg.BatchSize == 0 {
		cfg.BatchSize = 500
	}
}

// GetDefaultConfig returns a Config with all defaults applied. Useful for
// generating sample configuration files and for tests.
func GetDefaultConfig() *Config {
	cfg := &Config{
		Snapshots: SnapshotConfig{
			Backend: "badger",
			Badger:  BadgerConfig{Dir: "/var/lib/entitygraph/snapshots"},
		},
		Metadata: MetadataConfig{Backend: "memory"},
	}
	ApplyDefaults(cfg)
	return cfg
}
