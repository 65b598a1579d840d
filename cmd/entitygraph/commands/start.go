package commands

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/entitygraph/entitygraph/internal/logger"
	"github.com/entitygraph/entitygraph/internal/telemetry"
	"github.com/entitygraph/entitygraph/pkg/api"
	"github.com/entitygraph/entitygraph/pkg/api/handlers"
	"github.com/entitygraph/entitygraph/pkg/cache"
	cachemem "github.com/entitygraph/entitygraph/pkg/cache/memory"
	cacheredis "github.com/entitygraph/entitygraph/pkg/cache/redis"
	"github.com/entitygraph/entitygraph/pkg/config"
	"github.com/entitygraph/entitygraph/pkg/entity"
	"github.com/entitygraph/entitygraph/pkg/events"
	"github.com/entitygraph/entitygraph/pkg/idalloc"
	"github.com/entitygraph/entitygraph/pkg/metadata"
	metamem "github.com/entitygraph/entitygraph/pkg/metadata/memory"
	metapg "github.com/entitygraph/entitygraph/pkg/metadata/postgres"
	"github.com/entitygraph/entitygraph/pkg/metrics"
	promm "github.com/entitygraph/entitygraph/pkg/metrics/prometheus"
	"github.com/entitygraph/entitygraph/pkg/poller"
	"github.com/entitygraph/entitygraph/pkg/reader"
	"github.com/entitygraph/entitygraph/pkg/reconciler"
	"github.com/entitygraph/entitygraph/pkg/snapshot"
	snapbadger "github.com/entitygraph/entitygraph/pkg/snapshot/badger"
	snapmem "github.com/entitygraph/entitygraph/pkg/snapshot/memory"
	snaps3 "github.com/entitygraph/entitygraph/pkg/snapshot/s3"
	"github.com/entitygraph/entitygraph/pkg/statestore"
	"github.com/entitygraph/entitygraph/pkg/writer"
)

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the entitygraph server",
	Long: `Start the entitygraph server with the specified configuration.

Use --config to specify a custom configuration file, or it will use the
default location at $XDG_CONFIG_HOME/entitygraph/config.yaml.

Examples:
  # Start with default config location
  entitygraph start

  # Start with custom config file
  entitygraph start --config /etc/entitygraph/config.yaml

  # Start with environment variable overrides
  ENTITYGRAPH_LOGGING_LEVEL=DEBUG entitygraph start`,
	RunE: runStart,
}

func runStart(cmd *cobra.Command, args []string) error {
	cfg, err := config.MustLoad(GetConfigFile())
	if err != nil {
		return err
	}

	if err := InitLogger(cfg); err != nil {
		return err
	}

	// Create cancellable context for graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Initialize OpenTelemetry (if enabled)
	telemetryShutdown, err := telemetry.Init(ctx, telemetry.Config{
		Enabled:        cfg.Telemetry.Enabled,
		ServiceName:    "entitygraph",
		ServiceVersion: Version,
		Endpoint:       cfg.Telemetry.Endpoint,
		Insecure:       cfg.Telemetry.Insecure,
		SampleRate:     cfg.Telemetry.SampleRate,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize telemetry: %w", err)
	}
	defer func() {
		if err := telemetryShutdown(context.Background()); err != nil {
			logger.Error("telemetry shutdown error", "error", err)
		}
	}()

	// Initialize Pyroscope profiling (if enabled)
	profilingShutdown, err := telemetry.InitProfiling(telemetry.ProfilingConfig{
		Enabled:        cfg.Telemetry.Profiling.Enabled,
		ServiceName:    "entitygraph",
		ServiceVersion: Version,
		Endpoint:       cfg.Telemetry.Profiling.Endpoint,
		ProfileTypes:   cfg.Telemetry.Profiling.ProfileTypes,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize profiling: %w", err)
	}
	defer func() {
		if err := profilingShutdown(); err != nil {
			logger.Error("profiling shutdown error", "error", err)
		}
	}()

	// Metrics registry must exist before any store is constructed so the
	// Prometheus collectors attach.
	if cfg.Metrics.Enabled {
		metrics.InitRegistry()
		logger.Info("Metrics enabled", "port", cfg.Metrics.Port)
	}

	logger.Info("Configuration loaded",
		"metadata", cfg.Metadata.Backend,
		"snapshots", cfg.Snapshots.Backend,
		"cache", cfg.Cache.Backend,
		"events", cfg.Events.Sink)

	meta, metaClose, err := buildMetadataStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer metaClose()

	snaps, snapsClose, err := buildSnapshotStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer snapsClose()

	readCache, cacheClose, err := buildCache(ctx, cfg)
	if err != nil {
		return err
	}
	defer cacheClose()

	state, err := statestore.New(cfg.State.ToStoreConfig())
	if err != nil {
		return fmt.Errorf("failed to open state store: %w", err)
	}
	defer func() { _ = state.Close() }()

	sink, err := buildEventSink(cfg)
	if err != nil {
		return err
	}
	defer func() { _ = sink.Close() }()

	alloc, err := idalloc.New(idalloc.Config{
		EpochMS:     cfg.Allocator.EpochMS,
		RetryBudget: cfg.Allocator.RetryBudget,
	}, nil)
	if err != nil {
		return fmt.Errorf("failed to create ID allocator: %w", err)
	}

	schemas := entity.SchemaVersions{Current: cfg.Writer.SchemaVersion}

	pipe, err := writer.New(writer.Config{
		Metadata:      meta,
		Snapshots:     snaps,
		Cache:         readCache,
		Allocator:     alloc,
		Emitter:       events.NewEmitter(sink, state),
		SchemaVersion: cfg.Writer.SchemaVersion,
		RetryBudget:   cfg.Writer.RetryBudget,
		MaxBodySize:   cfg.Writer.MaxEntitySize,
		Metrics:       promm.NewPipelineMetrics(),
	})
	if err != nil {
		return fmt.Errorf("failed to create write pipeline: %w", err)
	}

	rd, err := reader.New(reader.Config{
		Metadata:       meta,
		Snapshots:      snaps,
		Cache:          readCache,
		SchemaVersions: schemas,
	})
	if err != nil {
		return fmt.Errorf("failed to create reader: %w", err)
	}

	rec, err := reconciler.New(reconciler.Config{
		Metadata:       meta,
		Snapshots:      snaps,
		MinPendingAge:  cfg.Reconciler.MinPendingAge,
		AbandonmentTTL: cfg.Reconciler.AbandonmentTTL,
		Interval:       cfg.Reconciler.Interval,
		BatchLimit:     cfg.Reconciler.BatchLimit,
		SchemaVersions: schemas,
		Metrics:        promm.NewReconcilerMetrics(),
	})
	if err != nil {
		return fmt.Errorf("failed to create reconciler: %w", err)
	}

	poll, err := poller.New(poller.Config{
		Metadata:    meta,
		Snapshots:   snaps,
		Sink:        sink,
		Checkpoints: state,
		Interval:    cfg.Poller.Interval,
		BatchSize:   cfg.Poller.BatchSize,
		Metrics:     promm.NewPollerMetrics(),
	})
	if err != nil {
		return fmt.Errorf("failed to create change poller: %w", err)
	}

	// Background workers stop when ctx is cancelled.
	go func() {
		if err := rec.Run(ctx); err != nil && ctx.Err() == nil {
			logger.Error("Reconciler stopped", "error", err)
		}
	}()
	go func() {
		if err := poll.Run(ctx); err != nil && ctx.Err() == nil {
			logger.Error("Change poller stopped", "error", err)
		}
	}()
	outboxWorker := events.NewOutboxWorker(sink, state, 0, 0)
	go func() {
		if err := outboxWorker.Run(ctx); err != nil && ctx.Err() == nil {
			logger.Error("Outbox worker stopped", "error", err)
		}
	}()

	// Metrics endpoint on its own listener, kept off the API port.
	var metricsSrv *http.Server
	if cfg.Metrics.Enabled {
		mux := http.NewServeMux()
		mux.Handle("/metrics", metrics.Handler())
		metricsSrv = &http.Server{Addr: fmt.Sprintf(":%d", cfg.Metrics.Port), Handler: mux}
		go func() {
			logger.Info("Metrics server listening", "port", cfg.Metrics.Port)
			if err := metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.Error("Metrics server failed", "error", err)
			}
		}()
	}

	bundle := &handlers.Bundle{
		Entities: handlers.NewEntityHandler(rd, pipe),
		Admin:    handlers.NewAdminHandler(meta),
		Health:   handlers.NewHealthHandler(meta, snaps),
	}
	router := api.NewRouter(bundle, cfg.Server.WriteTimeout)
	srv := api.NewServer(api.Config{
		Port:         cfg.Server.Port,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}, router)

	// Start server in background
	serverDone := make(chan error, 1)
	go func() {
		serverDone <- srv.Start(ctx)
	}()

	// Wait for interrupt signal or server error
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	logger.Info("Server is running. Press Ctrl+C to stop.", "port", cfg.Server.Port)

	select {
	case <-sigChan:
		signal.Stop(sigChan)
		logger.Info("Shutdown signal received, initiating graceful shutdown")
		cancel()

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer shutdownCancel()
		if metricsSrv != nil {
			_ = metricsSrv.Shutdown(shutdownCtx)
		}
		if err := <-serverDone; err != nil {
			logger.Error("Server shutdown error", "error", err)
			return err
		}
		logger.Info("Server stopped gracefully")

	case err := <-serverDone:
		signal.Stop(sigChan)
		if err != nil {
			logger.Error("Server error", "error", err)
			return err
		}
		logger.Info("Server stopped")
	}
	return nil
}

// buildMetadataStore constructs the configured metadata backend. The
// returned close function is a no-op for the memory backend.
func buildMetadataStore(ctx context.Context, cfg *config.Config) (metadata.Store, func(), error) {
	switch cfg.Metadata.Backend {
	case "postgres":
		store, err := metapg.New(ctx, &cfg.Metadata.Postgres)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to connect to metadata database: %w", err)
		}
		return store, func() { _ = store.Close() }, nil
	case "memory":
		logger.Warn("Using in-memory metadata store; all data is lost on restart")
		return metamem.New(), func() {}, nil
	default:
		return nil, nil, fmt.Errorf("unknown metadata backend %q", cfg.Metadata.Backend)
	}
}

// buildSnapshotStore constructs the configured snapshot backend.
func buildSnapshotStore(ctx context.Context, cfg *config.Config) (snapshot.Store, func(), error) {
	switch cfg.Snapshots.Backend {
	case "s3":
		s3cfg := cfg.Snapshots.S3
		client, err := snaps3.NewClientFromConfig(ctx,
			s3cfg.Endpoint, s3cfg.Region,
			s3cfg.AccessKeyID, s3cfg.SecretAccessKey,
			s3cfg.ForcePathStyle)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to create S3 client: %w", err)
		}
		store, err := snaps3.New(ctx, snaps3.Config{
			Client:         client,
			Bucket:         s3cfg.Bucket,
			KeyPrefix:      s3cfg.KeyPrefix,
			MaxRetries:     s3cfg.MaxRetries,
			InitialBackoff: s3cfg.InitialBackoff,
			MaxBackoff:     s3cfg.MaxBackoff,
			Metrics:        promm.NewSnapshotMetrics(),
		})
		if err != nil {
			return nil, nil, fmt.Errorf("failed to open S3 snapshot store: %w", err)
		}
		return store, func() {}, nil
	case "badger":
		store, err := snapbadger.New(cfg.Snapshots.Badger.Dir)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to open badger snapshot store: %w", err)
		}
		return store, func() { _ = store.Close() }, nil
	case "memory":
		logger.Warn("Using in-memory snapshot store; all data is lost on restart")
		return snapmem.New(), func() {}, nil
	default:
		return nil, nil, fmt.Errorf("unknown snapshot backend %q", cfg.Snapshots.Backend)
	}
}

// buildCache constructs the configured read cache.
func buildCache(ctx context.Context, cfg *config.Config) (cache.Cache, func(), error) {
	switch cfg.Cache.Backend {
	case "redis":
		c, err := cacheredis.New(ctx, cacheredis.Config{
			Addr:     cfg.Cache.Redis.Addr,
			Password: cfg.Cache.Redis.Password,
			DB:       cfg.Cache.Redis.DB,
			IDMapTTL: cfg.Cache.IDMapTTL,
			HeadTTL:  cfg.Cache.HeadTTL,
			Metrics:  promm.NewCacheMetrics(),
		})
		if err != nil {
			return nil, nil, fmt.Errorf("failed to connect to redis: %w", err)
		}
		return c, func() { _ = c.Close() }, nil
	case "memory":
		c := cachemem.New(cachemem.Config{
			IDMapTTL: cfg.Cache.IDMapTTL,
			HeadTTL:  cfg.Cache.HeadTTL,
		}, nil)
		return c, func() {}, nil
	default:
		return nil, nil, fmt.Errorf("unknown cache backend %q", cfg.Cache.Backend)
	}
}

// buildEventSink constructs the configured change event sink. The Kafka
// sink carries addressing in the configuration but the broker client is
// linked by embedding binaries, not this one.
func buildEventSink(cfg *config.Config) (events.Sink, error) {
	switch cfg.Events.Sink {
	case "inproc":
		return events.NewInprocSink(cfg.Events.InprocCapacity), nil
	case "file":
		sink, err := events.NewFileSink(cfg.Events.FilePath)
		if err != nil {
			return nil, fmt.Errorf("failed to open event sink file: %w", err)
		}
		return sink, nil
	case "kafka":
		return nil, fmt.Errorf("the kafka sink is not linked into this binary; use inproc or file")
	default:
		return nil, fmt.Errorf("unknown event sink %q", cfg.Events.Sink)
	}
}
