package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/entitygraph/entitygraph/pkg/entity"
	"github.com/entitygraph/entitygraph/pkg/metadata"
	"github.com/entitygraph/entitygraph/pkg/metadata/storetest"
)

var testDBCounter atomic.Int64

// freshStore provisions a new database in the shared container, migrates it,
// and returns a connected store. The conformance suite expects every subtest
// to start from an empty schema.
func freshStore(t *testing.T) *Store {
	t.Helper()

	if sharedTestContainer == nil {
		t.Fatal("shared test container not initialized - TestMain() not run?")
	}

	dbName := fmt.Sprintf("conformance_%d", testDBCounter.Add(1))

	adminConn := fmt.Sprintf(
		"postgres://entitygraph_test:entitygraph_test@%s:%d/entitygraph_test?sslmode=disable",
		sharedTestContainer.host, sharedTestContainer.port)
	admin, err := sql.Open("pgx", adminConn)
	require.NoError(t, err)
	defer admin.Close()

	_, err = admin.Exec("CREATE DATABASE " + dbName)
	require.NoError(t, err)

	cfg := &Config{
		Host:        sharedTestContainer.host,
		Port:        sharedTestContainer.port,
		Database:    dbName,
		User:        "entitygraph_test",
		Password:    "entitygraph_test",
		SSLMode:     "disable",
		MaxConns:    5,
		MinConns:    1,
		AutoMigrate: true,
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	store, err := New(ctx, cfg)
	require.NoError(t, err)
	return store
}

func TestConformance(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping container-backed conformance suite in short mode")
	}
	storetest.Run(t, func(t *testing.T) metadata.Store {
		return freshStore(t)
	})
}

func TestMigrationsAreIdempotent(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping container-backed test in short mode")
	}
	store := freshStore(t)
	defer store.Close()

	ctx := context.Background()

	// A second run must be a no-op, not an error.
	cfg := &Config{
		Host:     sharedTestContainer.host,
		Port:     sharedTestContainer.port,
		Database: fmt.Sprintf("conformance_%d", testDBCounter.Load()),
		User:     "entitygraph_test",
		Password: "entitygraph_test",
		SSLMode:  "disable",
	}
	cfg.ApplyDefaults()
	require.NoError(t, RunMigrations(ctx, cfg.ConnectionString()))
	require.NoError(t, store.Ping(ctx))
}

func TestHardDeleteMarkIsAtomic(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping container-backed test in short mode")
	}
	store := freshStore(t)
	defer store.Close()

	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Microsecond)

	require.NoError(t, store.CreateMapping(ctx, metadata.Mapping{
		InternalID: 7001,
		ExternalID: "Q7",
		EntityType: entity.TypeItem,
		CreatedAt:  now,
	}))
	require.NoError(t, store.InsertHead(ctx, 7001, 1, metadata.Flags{}, now))

	audit := metadata.DeleteAudit{
		InternalID:  7001,
		DeleteType:  metadata.DeleteHard,
		Reason:      "legal takedown",
		RequestedBy: "alice",
		Timestamp:   now,
	}

	// A stale expected revision must leave no audit row behind.
	err := store.HardDeleteMark(ctx, 7001, 5, 6, metadata.Flags{Deleted: true}, audit, now)
	require.Error(t, err)
	assert.True(t, entity.IsCode(err, entity.ErrCASFailed))

	audits, err := store.ListDeleteAudits(ctx, 7001)
	require.NoError(t, err)
	assert.Empty(t, audits)

	// The real CAS commits both the head flip and the audit row.
	require.NoError(t, store.HardDeleteMark(ctx, 7001, 1, 2, metadata.Flags{Deleted: true}, audit, now))

	head, err := store.GetHead(ctx, 7001)
	require.NoError(t, err)
	assert.True(t, head.IsDeleted)
	assert.Equal(t, uint64(2), head.HeadRevisionID)

	audits, err = store.ListDeleteAudits(ctx, 7001)
	require.NoError(t, err)
	require.Len(t, audits, 1)
	assert.Equal(t, metadata.DeleteHard, audits[0].DeleteType)
	assert.Equal(t, "alice", audits[0].RequestedBy)
}

func TestConfigValidation(t *testing.T) {
	cfg := &Config{}
	cfg.ApplyDefaults()
	require.Error(t, cfg.Validate(), "empty database name must be rejected")

	cfg.Host = "localhost"
	cfg.Database = "entitygraph"
	cfg.User = "entitygraph"
	require.NoError(t, cfg.Validate())

	cfg.SSLMode = "bogus"
	require.Error(t, cfg.Validate())
}
