// Package statestore persists the operational state that does not belong
// in the sharded metadata layer: the change poller's checkpoint and the
// durable event outbox.
//
// It runs on SQLite for single-node deployments and PostgreSQL for HA,
// behind the same GORM codebase.
package statestore

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/entitygraph/entitygraph/pkg/entity"
	"github.com/entitygraph/entitygraph/pkg/events"
)

// DatabaseType defines the supported backends.
type DatabaseType string

const (
	// DatabaseTypeSQLite uses SQLite (single-node, default).
	DatabaseTypeSQLite DatabaseType = "sqlite"

	// DatabaseTypePostgres uses PostgreSQL (HA-capable).
	DatabaseTypePostgres DatabaseType = "postgres"
)

// SQLiteConfig contains SQLite-specific configuration.
type SQLiteConfig struct {
	// Path is the path to the SQLite database file. ":memory:" opens an
	// ephemeral database for tests.
	Path string
}

// PostgresConfig contains PostgreSQL-specific configuration.
type PostgresConfig struct {
	Host         string
	Port         int
	Database     string
	User         string
	Password     string
	SSLMode      string
	MaxOpenConns int
	MaxIdleConns int
}

// DSN returns the PostgreSQL connection string.
func (c *PostgresConfig) DSN() string {
	dsn := fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s",
		c.Host, c.Port, c.User, c.Password, c.Database)
	if c.SSLMode != "" {
		dsn += fmt.Sprintf(" sslmode=%s", c.SSLMode)
	}
	return dsn
}

// Config contains state store configuration.
type Config struct {
	Type     DatabaseType
	SQLite   SQLiteConfig
	Postgres PostgresConfig

	// MaxOutboxBacklog caps the number of undelivered outbox entries.
	// Once reached, Backlogged reports true and the write path refuses
	// new writes, so a dead sink backpressures writers instead of
	// growing the table without bound. Zero means the default of 100000.
	MaxOutboxBacklog int64
}

// ApplyDefaults fills in missing configuration with default values.
func (c *Config) ApplyDefaults() {
	if c.Type == "" {
		c.Type = DatabaseTypeSQLite
	}
	if c.Type == DatabaseTypeSQLite && c.SQLite.Path == "" {
		configDir := os.Getenv("XDG_CONFIG_HOME")
		if configDir == "" {
			homeDir, _ := os.UserHomeDir()
			configDir = filepath.Join(homeDir, ".config")
		}
		c.SQLite.Path = filepath.Join(configDir, "entitygraph", "state.db")
	}
	if c.Type == DatabaseTypePostgres {
		if c.Postgres.Port == 0 {
			c.Postgres.Port = 5432
		}
		if c.Postgres.SSLMode == "" {
			c.Postgres.SSLMode = "disable"
		}
		if c.Postgres.MaxOpenConns == 0 {
			c.Postgres.MaxOpenConns = 25
		}
		if c.Postgres.MaxIdleConns == 0 {
			c.Postgres.MaxIdleConns = 5
		}
	}
	if c.MaxOutboxBacklog == 0 {
		c.MaxOutboxBacklog = 100000
	}
}

// Validate checks if the configuration is valid.
func (c *Config) Validate() error {
	switch c.Type {
	case DatabaseTypeSQLite:
		if c.SQLite.Path == "" {
			return fmt.Errorf("sqlite path is required")
		}
	case DatabaseTypePostgres:
		if c.Postgres.Host == "" {
			return fmt.Errorf("postgres host is required")
		}
		if c.Postgres.Database == "" {
			return fmt.Errorf("postgres database is required")
		}
		if c.Postgres.User == "" {
			return fmt.Errorf("postgres user is required")
		}
	default:
		return fmt.Errorf("unsupported database type: %s", c.Type)
	}
	return nil
}

// checkpointRow is one named checkpoint (the live poller uses "poller").
type checkpointRow struct {
	Name      string    `gorm:"primaryKey;size:64"`
	Position  time.Time `gorm:"not null"`
	UpdatedAt time.Time
}

func (checkpointRow) TableName() string { return "checkpoints" }

// outboxRow is one undelivered change event.
type outboxRow struct {
	ID           uint64    `gorm:"primaryKey;autoIncrement"`
	ExternalID   string    `gorm:"size:32;index;not null"`
	FromRevision *uint64   ``
	ToRevision   uint64    `gorm:"not null"`
	ChangedAt    time.Time `gorm:"not null"`
	Attempts     int       `gorm:"not null;default:0"`
	CreatedAt    time.Time
}

func (outboxRow) TableName() string { return "event_outbox" }

// Store is the GORM-backed state store.
type Store struct {
	db         *gorm.DB
	maxBacklog int64
}

var _ events.Outbox = (*Store)(nil)

// New opens the state store and migrates its schema.
func New(config *Config) (*Store, error) {
	if config == nil {
		config = &Config{}
	}
	config.ApplyDefaults()
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid state store configuration: %w", err)
	}

	var dialector gorm.Dialector
	switch config.Type {
	case DatabaseTypeSQLite:
		dsn := config.SQLite.Path
		if dsn != ":memory:" {
			if err := os.MkdirAll(filepath.Dir(dsn), 0755); err != nil {
				return nil, fmt.Errorf("failed to create state store directory: %w", err)
			}
			// WAL for concurrent readers, busy_timeout to ride out the
			// single-writer lock.
			dsn += "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)"
		}
		dialector = sqlite.Open(dsn)
	case DatabaseTypePostgres:
		dialector = postgres.Open(config.Postgres.DSN())
	default:
		return nil, fmt.Errorf("unsupported database type: %s", config.Type)
	}

	db, err := gorm.Open(dialector, &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to state store: %w", err)
	}

	if config.Type == DatabaseTypePostgres {
		sqlDB, err := db.DB()
		if err != nil {
			return nil, fmt.Errorf("failed to get underlying database: %w", err)
		}
		sqlDB.SetMaxOpenConns(config.Postgres.MaxOpenConns)
		sqlDB.SetMaxIdleConns(config.Postgres.MaxIdleConns)
	}

	if err := db.AutoMigrate(&checkpointRow{}, &outboxRow{}); err != nil {
		return nil, fmt.Errorf("failed to migrate state store schema: %w", err)
	}

	return &Store{db: db, maxBacklog: config.MaxOutboxBacklog}, nil
}

// GetCheckpoint returns the named checkpoint position. A checkpoint that
// was never set returns the zero time and no error.
func (s *Store) GetCheckpoint(ctx context.Context, name string) (time.Time, error) {
	var row checkpointRow
	err := s.db.WithContext(ctx).First(&row, "name = ?", name).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return time.Time{}, nil
	}
	if err != nil {
		return time.Time{}, entity.NewTransientError("reading checkpoint", err)
	}
	return row.Position.UTC(), nil
}

// SetCheckpoint upserts the named checkpoint position.
func (s *Store) SetCheckpoint(ctx context.Context, name string, pos time.Time) error {
	row := checkpointRow{Name: name, Position: pos.UTC(), UpdatedAt: time.Now().UTC()}
	err := s.db.WithContext(ctx).Save(&row).Error
	if err != nil {
		return entity.NewTransientError("persisting checkpoint", err)
	}
	return nil
}

// Enqueue appends an event to the outbox. It does not enforce the
// backlog cap: by the time an event reaches the outbox its write is
// already committed, and refusing would lose the event. The cap gates
// new writes instead, through Backlogged.
func (s *Store) Enqueue(ctx context.Context, ev events.ChangeEvent) error {
	row := outboxRow{
		ExternalID:   string(ev.ExternalID),
		FromRevision: ev.FromRevisionID,
		ToRevision:   ev.ToRevisionID,
		ChangedAt:    ev.ChangedAt.UTC(),
		CreatedAt:    time.Now().UTC(),
	}
	if err := s.db.WithContext(ctx).Create(&row).Error; err != nil {
		return entity.NewTransientError("enqueueing event", err)
	}
	return nil
}

// Backlogged reports whether the outbox has reached its configured cap.
func (s *Store) Backlogged(ctx context.Context) (bool, error) {
	if s.maxBacklog <= 0 {
		return false, nil
	}
	var backlog int64
	if err := s.db.WithContext(ctx).Model(&outboxRow{}).Count(&backlog).Error; err != nil {
		return false, entity.NewTransientError("counting outbox backlog", err)
	}
	return backlog >= s.maxBacklog, nil
}

// ListPending returns undelivered entries in enqueue order.
func (s *Store) ListPending(ctx context.Context, limit int) ([]events.OutboxEntry, error) {
	var rows []outboxRow
	q := s.db.WithContext(ctx).Order("id asc")
	if limit > 0 {
		q = q.Limit(limit)
	}
	if err := q.Find(&rows).Error; err != nil {
		return nil, entity.NewTransientError("listing outbox", err)
	}

	entries := make([]events.OutboxEntry, 0, len(rows))
	for _, row := range rows {
		entries = append(entries, events.OutboxEntry{
			ID: row.ID,
			Event: events.ChangeEvent{
				ExternalID:     entity.ExternalID(row.ExternalID),
				FromRevisionID: row.FromRevision,
				ToRevisionID:   row.ToRevision,
				ChangedAt:      row.ChangedAt.UTC(),
			},
			Attempts: row.Attempts,
			QueuedAt: row.CreatedAt.UTC(),
		})
	}
	return entries, nil
}

// MarkDelivered removes a delivered entry.
func (s *Store) MarkDelivered(ctx context.Context, id uint64) error {
	if err := s.db.WithContext(ctx).Delete(&outboxRow{}, id).Error; err != nil {
		return entity.NewTransientError("deleting outbox entry", err)
	}
	return nil
}

// RecordAttempt increments the delivery attempt counter.
func (s *Store) RecordAttempt(ctx context.Context, id uint64) error {
	err := s.db.WithContext(ctx).
		Model(&outboxRow{}).
		Where("id = ?", id).
		UpdateColumn("attempts", gorm.Expr("attempts + 1")).Error
	if err != nil {
		return entity.NewTransientError("recording outbox attempt", err)
	}
	return nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
