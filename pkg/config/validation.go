package config

import (
	"fmt"

	"github.com/go-playground/validator/v10"
)

var structValidator = validator.New()

// Validate checks the configuration for errors. Struct tags cover the
// field-level rules; backend-specific requirements are checked against the
// selected backend only.
func Validate(cfg *Config) error {
	if err := structValidator.Struct(cfg); err != nil {
		return err
	}

	if cfg.Metadata.Backend == "postgres" {
		if err := cfg.Metadata.Postgres.Validate(); err != nil {
			return fmt.Errorf("metadata.postgres: %w", err)
		}
	}

	switch cfg.Snapshots.Backend {
	case "s3":
		if cfg.Snapshots.S3.Bucket == "" {
			return fmt.Errorf("snapshots.s3.bucket is required for the s3 backend")
		}
	case "badger":
		if cfg.Snapshots.Badger.Dir == "" {
			return fmt.Errorf("snapshots.badger.dir is required for the badger backend")
		}
	}

	if cfg.Cache.Backend == "redis" && cfg.Cache.Redis.Addr == "" {
		return fmt.Errorf("cache.redis.addr is required for the redis backend")
	}

	if err := cfg.State.ToStoreConfig().Validate(); err != nil {
		return fmt.Errorf("state: %w", err)
	}

	switch cfg.Events.Sink {
	case "file":
		if cfg.Events.FilePath == "" {
			return fmt.Errorf("events.file_path is required for the file sink")
		}
	case "kafka":
		if len(cfg.Events.Kafka.Brokers) == 0 {
			return fmt.Errorf("events.kafka.brokers is required for the kafka sink")
		}
	}

	if cfg.Allocator.EpochMS < 0 {
		return fmt.Errorf("allocator.epoch_ms cannot be negative")
	}
	return nil
}
