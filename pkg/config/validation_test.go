package config

import (
	"strings"
	"testing"
)

func TestValidate_ValidConfig(t *testing.T) {
	cfg := GetDefaultConfig()

	if err := Validate(cfg); err != nil {
		t.Errorf("Expected valid config to pass validation, got error: %v", err)
	}
}

func TestValidate_InvalidLogLevel(t *testing.T) {
	cfg := GetDefaultConfig()
	cfg.Logging.Level = "INVALID"

	err := Validate(cfg)
	if err == nil {
		t.Fatal("Expected validation error for invalid log level")
	}
	if !strings.Contains(err.Error(), "oneof") {
		t.Errorf("Expected 'oneof' validation error, got: %v", err)
	}
}

func TestValidate_InvalidLogFormat(t *testing.T) {
	cfg := GetDefaultConfig()
	cfg.Logging.Format = "xml"

	if err := Validate(cfg); err == nil {
		t.Fatal("Expected validation error for invalid log format")
	}
}

func TestValidate_InvalidServerPort(t *testing.T) {
	cfg := GetDefaultConfig()
	cfg.Server.Port = 70000

	if err := Validate(cfg); err == nil {
		t.Fatal("Expected validation error for out-of-range server port")
	}
}

func TestValidate_UnknownSnapshotBackend(t *testing.T) {
	cfg := GetDefaultConfig()
	cfg.Snapshots.Backend = "tape"

	if err := Validate(cfg); err == nil {
		t.Fatal("Expected validation error for unknown snapshot backend")
	}
}

func TestValidate_PostgresBackendRequiresConnection(t *testing.T) {
	cfg := GetDefaultConfig()
	cfg.Metadata.Backend = "postgres"

	if err := Validate(cfg); err == nil {
		t.Fatal("Expected validation error for postgres backend without host")
	}
}

func TestValidate_FileSinkRequiresPath(t *testing.T) {
	cfg := GetDefaultConfig()
	cfg.Events.Sink = "file"

	if err := Validate(cfg); err == nil {
		t.Fatal("Expected validation error for file sink without path")
	}
}

func TestValidate_KafkaSinkRequiresBrokers(t *testing.T) {
	cfg := GetDefaultConfig()
	cfg.Events.Sink = "kafka"

	if err := Validate(cfg); err == nil {
		t.Fatal("Expected validation error for kafka sink without brokers")
	}
}

func TestValidate_NegativeEpoch(t *testing.T) {
	cfg := GetDefaultConfig()
	cfg.Allocator.EpochMS = -1

	if err := Validate(cfg); err == nil {
		t.Fatal("Expected validation error for negative allocator epoch")
	}
}
