// Package config loads and validates the entitygraph server configuration
// from file, environment and defaults.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"time"

	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/entitygraph/entitygraph/internal/bytesize"
	metapg "github.com/entitygraph/entitygraph/pkg/metadata/postgres"
	"github.com/entitygraph/entitygraph/pkg/statestore"
)

// Config is the static configuration of an entitygraph node.
//
// Configuration sources (in order of precedence):
//  1. Environment variables (ENTITYGRAPH_*)
//  2. Configuration file (YAML)
//  3. Default values
type Config struct {
	// Logging controls log output behavior.
	Logging LoggingConfig `mapstructure:"logging" yaml:"logging"`

	// Telemetry controls OpenTelemetry distributed tracing.
	Telemetry TelemetryConfig `mapstructure:"telemetry" yaml:"telemetry"`

	// ShutdownTimeout is the maximum time to wait for graceful shutdown.
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout" validate:"required,gt=0" yaml:"shutdown_timeout"`

	// Server configures the HTTP API.
	Server ServerConfig `mapstructure:"server" yaml:"server"`

	// Metrics configures the Prometheus metrics endpoint.
	Metrics MetricsConfig `mapstructure:"metrics" yaml:"metrics"`

	// Metadata selects and configures the metadata store backend.
	Metadata MetadataConfig `mapstructure:"metadata" yaml:"metadata"`

	// Snapshots selects and configures the snapshot store backend.
	Snapshots SnapshotConfig `mapstructure:"snapshots" yaml:"snapshots"`

	// Cache selects and configures the read cache.
	Cache CacheConfig `mapstructure:"cache" yaml:"cache"`

	// State configures the operational state store (poller checkpoint,
	// event outbox).
	State StateConfig `mapstructure:"state" yaml:"state"`

	// Events selects the change event sink.
	Events EventsConfig `mapstructure:"events" yaml:"events"`

	// Writer configures the revision write pipeline.
	Writer WriterConfig `mapstructure:"writer" yaml:"writer"`

	// Allocator configures internal ID allocation.
	Allocator AllocatorConfig `mapstructure:"allocator" yaml:"allocator"`

	// Reconciler configures the repair sweep.
	Reconciler ReconcilerConfig `mapstructure:"reconciler" yaml:"reconciler"`

	// Poller configures the change poller.
	Poller PollerConfig `mapstructure:"poller" yaml:"poller"`
}

// LoggingConfig controls logging behavior.
type LoggingConfig struct {
	// Level is the minimum log level: DEBUG, INFO, WARN or ERROR.
	Level string `mapstructure:"level" validate:"required,oneof=DEBUG INFO WARN ERROR debug info warn error" yaml:"level"`

	// Format is "text" or "json".
	Format string `mapstructure:"format" validate:"required,oneof=text json" yaml:"format"`

	// Output is "stdout", "stderr", or a file path.
	Output string `mapstructure:"output" validate:"required" yaml:"output"`
}

// TelemetryConfig controls OpenTelemetry distributed tracing. When enabled,
// trace data is exported to an OTLP-compatible collector.
type TelemetryConfig struct {
	Enabled  bool   `mapstructure:"enabled" yaml:"enabled"`
	Endpoint string `mapstructure:"endpoint" yaml:"endpoint"`
	Insecure bool   `mapstructure:"insecure" yaml:"insecure"`

	// SampleRate is the trace sampling rate in [0, 1].
	SampleRate float64 `mapstructure:"sample_rate" validate:"omitempty,gte=0,lte=1" yaml:"sample_rate"`

	// Profiling controls Pyroscope continuous profiling.
	Profiling ProfilingConfig `mapstructure:"profiling" yaml:"profiling"`
}

// ProfilingConfig controls Pyroscope continuous profiling.
type ProfilingConfig struct {
	Enabled  bool   `mapstructure:"enabled" yaml:"enabled"`
	Endpoint string `mapstructure:"endpoint" yaml:"endpoint"`

	// ProfileTypes selects which profiles to collect: cpu, alloc_objects,
	// alloc_space, inuse_objects, inuse_space, goroutines.
	ProfileTypes []string `mapstructure:"profile_types" yaml:"profile_types"`
}

// ServerConfig configures the HTTP API server.
type ServerConfig struct {
	Port         int           `mapstructure:"port" validate:"min=1,max=65535" yaml:"port"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout" yaml:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout" yaml:"write_timeout"`
	IdleTimeout  time.Duration `mapstructure:"idle_timeout" yaml:"idle_timeout"`
}

// MetricsConfig configures the Prometheus metrics HTTP endpoint.
type MetricsConfig struct {
	Enabled bool `mapstructure:"enabled" yaml:"enabled"`
	Port    int  `mapstructure:"port" validate:"omitempty,min=1,max=65535" yaml:"port"`
}

// MetadataConfig selects the metadata store backend.
type MetadataConfig struct {
	// Backend is "postgres" or "memory". The memory backend is for tests
	// and local development only: it loses everything on restart.
	Backend string `mapstructure:"backend" validate:"required,oneof=postgres memory" yaml:"backend"`

	Postgres metapg.Config `mapstructure:"postgres" yaml:"postgres"`
}

// SnapshotConfig selects the snapshot store backend.
type SnapshotConfig struct {
	// Backend is "s3", "badger" or "memory".
	Backend string `mapstructure:"backend" validate:"required,oneof=s3 badger memory" yaml:"backend"`

	S3     S3Config     `mapstructure:"s3" yaml:"s3"`
	Badger BadgerConfig `mapstructure:"badger" yaml:"badger"`
}

// S3Config configures the S3 object store backend.
type S3Config struct {
	Bucket    string `mapstructure:"bucket" yaml:"bucket"`
	KeyPrefix string `mapstructure:"key_prefix" yaml:"key_prefix"`
	Region    string `mapstructure:"region" yaml:"region"`

	// Endpoint overrides the AWS endpoint for MinIO and compatible stores.
	Endpoint        string `mapstructure:"endpoint" yaml:"endpoint"`
	AccessKeyID     string `mapstructure:"access_key_id" yaml:"access_key_id"`
	SecretAccessKey string `mapstructure:"secret_access_key" yaml:"secret_access_key,omitempty"`
	ForcePathStyle  bool   `mapstructure:"force_path_style" yaml:"force_path_style"`

	MaxRetries     uint          `mapstructure:"max_retries" yaml:"max_retries"`
	InitialBackoff time.Duration `mapstructure:"initial_backoff" yaml:"initial_backoff"`
	MaxBackoff     time.Duration `mapstructure:"max_backoff" yaml:"max_backoff"`
}

// BadgerConfig configures the embedded BadgerDB backend.
type BadgerConfig struct {
	// Dir is the database directory.
	Dir string `mapstructure:"dir" yaml:"dir"`
}

// CacheConfig selects the read cache backend.
type CacheConfig struct {
	// Backend is "redis" or "memory".
	Backend string `mapstructure:"backend" validate:"required,oneof=redis memory" yaml:"backend"`

	// IDMapTTL expires ID map cache entries. Mappings are immutable, so
	// long TTLs are safe.
	IDMapTTL time.Duration `mapstructure:"id_map_ttl" yaml:"id_map_ttl"`

	// HeadTTL bounds head entry staleness after a missed write-through.
	HeadTTL time.Duration `mapstructure:"head_ttl" yaml:"head_ttl"`

	Redis RedisConfig `mapstructure:"redis" yaml:"redis"`
}

// RedisConfig configures the Redis cache backend.
type RedisConfig struct {
	Addr     string `mapstructure:"addr" yaml:"addr"`
	Password string `mapstructure:"password" yaml:"password,omitempty"`
	DB       int    `mapstructure:"db" yaml:"db"`
}

// StateConfig configures the operational state store.
type StateConfig struct {
	// Backend is "sqlite" or "postgres".
	Backend string `mapstructure:"backend" validate:"required,oneof=sqlite postgres" yaml:"backend"`

	// SQLitePath is the database file for the sqlite backend.
	SQLitePath string `mapstructure:"sqlite_path" yaml:"sqlite_path"`

	Postgres StatePostgresConfig `mapstructure:"postgres" yaml:"postgres"`

	// MaxOutboxBacklog caps undelivered outbox entries.
	MaxOutboxBacklog int64 `mapstructure:"max_outbox_backlog" yaml:"max_outbox_backlog"`
}

// StatePostgresConfig configures the postgres state store backend.
type StatePostgresConfig struct {
	Host     string `mapstructure:"host" yaml:"host"`
	Port     int    `mapstructure:"port" yaml:"port"`
	Database string `mapstructure:"database" yaml:"database"`
	User     string `mapstructure:"user" yaml:"user"`
	Password string `mapstructure:"password" yaml:"password,omitempty"`
	SSLMode  string `mapstructure:"ssl_mode" yaml:"ssl_mode"`
}

// ToStoreConfig converts to the statestore package's configuration type.
func (c *StateConfig) ToStoreConfig() *statestore.Config {
	cfg := &statestore.Config{
		Type:             statestore.DatabaseType(c.Backend),
		SQLite:           statestore.SQLiteConfig{Path: c.SQLitePath},
		MaxOutboxBacklog: c.MaxOutboxBacklog,
	}
	cfg.Postgres = statestore.PostgresConfig{
		Host:     c.Postgres.Host,
		Port:     c.Postgres.Port,
		Database: c.Postgres.Database,
		User:     c.Postgres.User,
		Password: c.Postgres.Password,
		SSLMode:  c.Postgres.SSLMode,
	}
	return cfg
}

// EventsConfig selects the change event sink.
type EventsConfig struct {
	// Sink is "inproc", "file" or "kafka".
	Sink string `mapstructure:"sink" validate:"required,oneof=inproc file kafka" yaml:"sink"`

	// FilePath receives newline-delimited JSON events for the file sink.
	FilePath string `mapstructure:"file_path" yaml:"file_path"`

	// InprocCapacity is the in-process channel buffer.
	InprocCapacity int `mapstructure:"inproc_capacity" yaml:"inproc_capacity"`

	Kafka KafkaConfig `mapstructure:"kafka" yaml:"kafka"`
}

// KafkaConfig configures the Kafka sink. The broker client is provided by
// the embedding binary; this configuration only carries addressing.
type KafkaConfig struct {
	Brokers []string `mapstructure:"brokers" yaml:"brokers"`
	Topic   string   `mapstructure:"topic" yaml:"topic"`
}

// WriterConfig configures the revision write pipeline.
type WriterConfig struct {
	// SchemaVersion is the envelope version new revisions are written with.
	SchemaVersion string `mapstructure:"schema_version" yaml:"schema_version"`

	// RetryBudget bounds pipeline restarts on contention.
	RetryBudget int `mapstructure:"retry_budget" yaml:"retry_budget"`

	// MaxEntitySize rejects oversized entity bodies. Supports
	// human-readable sizes like "4MB" or "1Mi".
	MaxEntitySize bytesize.ByteSize `mapstructure:"max_entity_size" yaml:"max_entity_size"`
}

// AllocatorConfig configures internal ID allocation.
type AllocatorConfig struct {
	// EpochMS is the allocator epoch in Unix milliseconds. It must never
	// change for a live deployment.
	EpochMS int64 `mapstructure:"epoch_ms" yaml:"epoch_ms"`

	// RetryBudget bounds fresh ID attempts on collision.
	RetryBudget int `mapstructure:"retry_budget" yaml:"retry_budget"`
}

// ReconcilerConfig configures the repair sweep.
type ReconcilerConfig struct {
	Interval time.Duration `mapstructure:"interval" yaml:"interval"`

	// MinPendingAge keeps the sweep away from in-flight writes.
	MinPendingAge time.Duration `mapstructure:"min_pending_age" yaml:"min_pending_age"`

	// AbandonmentTTL is the age past which a pending object with no
	// metadata row is written off as a failed write.
	AbandonmentTTL time.Duration `mapstructure:"abandonment_ttl" yaml:"abandonment_ttl"`

	BatchLimit int `mapstructure:"batch_limit" yaml:"batch_limit"`
}

// PollerConfig configures the change poller.
type PollerConfig struct {
	Interval  time.Duration `mapstructure:"interval" yaml:"interval"`
	BatchSize int           `mapstructure:"batch_size" yaml:"batch_size"`
}

// Load loads configuration from file, environment, and defaults.
//
// Parameters:
//   - configPath: path to config file (empty string uses the default
//     location)
func Load(configPath string) (*Config, error) {
	v := viper.New()
	setupViper(v, configPath)

	configFileFound, err := readConfigFile(v)
	if err != nil {
		return nil, err
	}
	if !configFileFound {
		return GetDefaultConfig(), nil
	}

	var cfg Config
	if err := v.Unmarshal(&cfg, viper.DecodeHook(configDecodeHooks())); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	ApplyDefaults(&cfg)
	if err := Validate(&cfg); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return &cfg, nil
}

// MustLoad loads configuration with helpful error messages when the config
// file is missing.
func MustLoad(configPath string) (*Config, error) {
	if configPath == "" {
		if !DefaultConfigExists() {
			return nil, fmt.Errorf("no configuration file found at default location: %s\n\n"+
				"Please initialize a configuration file first:\n"+
				"  entitygraph init\n\n"+
				"Or specify a custom config file:\n"+
				"  entitygraph <command> --config /path/to/config.yaml",
				GetDefaultConfigPath())
		}
		configPath = GetDefaultConfigPath()
	} else if _, err := os.Stat(configPath); os.IsNotExist(err) {
		return nil, fmt.Errorf("configuration file not found: %s\n\n"+
			"Please create the configuration file:\n"+
			"  entitygraph init --config %s",
			configPath, configPath)
	}

	cfg, err := Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}
	return cfg, nil
}

// SaveConfig writes the configuration to the given path in YAML format.
func SaveConfig(cfg *Config, path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	// 0600: the file may carry store credentials.
	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

// setupViper configures environment variable support and the config file
// search path. Environment variables use the ENTITYGRAPH_ prefix, e.g.
// ENTITYGRAPH_LOGGING_LEVEL=DEBUG.
func setupViper(v *viper.Viper, configPath string) {
	v.SetEnvPrefix("ENTITYGRAPH")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.AddConfigPath(getConfigDir())
		v.SetConfigName("config")
		v.SetConfigType("yaml")
	}
}

// readConfigFile reads the configuration file if it exists. A missing file
// is not an error; the caller falls back to defaults.
func readConfigFile(v *viper.Viper) (bool, error) {
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			return false, nil
		}
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, fmt.Errorf("failed to read config file: %w", err)
	}
	return true, nil
}

// configDecodeHooks combines the custom decode hooks: human-readable byte
// sizes and durations.
func configDecodeHooks() mapstructure.DecodeHookFunc {
	return mapstructure.ComposeDecodeHookFunc(
		byteSizeDecodeHook(),
		durationDecodeHook(),
	)
}

func byteSizeDecodeHook() mapstructure.DecodeHookFunc {
	return func(from reflect.Type, to reflect.Type, data interface{}) (interface{}, error) {
		if to != reflect.TypeOf(bytesize.ByteSize(0)) {
			return data, nil
		}
		switch v := data.(type) {
		case string:
			return bytesize.ParseByteSize(v)
		case int:
			return bytesize.ByteSize(v), nil
		case int64:
			return bytesize.ByteSize(v), nil
		case uint64:
			return bytesize.ByteSize(v), nil
		case float64:
			return bytesize.ByteSize(v), nil
		default:
			return data, nil
		}
	}
}

func durationDecodeHook() mapstructure.DecodeHookFunc {
	return func(from reflect.Type, to reflect.Type, data interface{}) (interface{}, error) {
		if to != reflect.TypeOf(time.Duration(0)) {
			return data, nil
		}
		switch v := data.(type) {
		case string:
			return time.ParseDuration(v)
		case int:
			return time.Duration(v), nil
		case int64:
			return time.Duration(v), nil
		case float64:
			return time.Duration(v), nil
		default:
			return data, nil
		}
	}
}

// getConfigDir returns $XDG_CONFIG_HOME/entitygraph, falling back to
// ~/.config/entitygraph.
func getConfigDir() string {
	if xdgConfig := os.Getenv("XDG_CONFIG_HOME"); xdgConfig != "" {
		return filepath.Join(xdgConfig, "entitygraph")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "."
	}
	return filepath.Join(home, ".config", "entitygraph")
}

// GetDefaultConfigPath returns the default configuration file path.
func GetDefaultConfigPath() string {
	return filepath.Join(getConfigDir(), "config.yaml")
}

// DefaultConfigExists checks if a config file exists at the default location.
func DefaultConfigExists() bool {
	_, err := os.Stat(GetDefaultConfigPath())
	return err == nil
}

// GetConfigDir returns the configuration directory path (exposed for the
// init command).
func GetConfigDir() string {
	return getConfigDir()
}
