// Package cli provides the ModelForge command-line interface: one binary
// that runs each of the service's process roles.
//
// The service is split into three long-running processes that share a
// configuration tree and a database:
//
//	modelforge serve    HTTP API server (model registry, sync inference,
//	                    job submission, health and metrics)
//	modelforge worker   inference worker pool consuming the job queue
//	modelforge reaper   retention sweep removing expired terminal jobs
//
// Configuration Precedence (highest to lowest):
//  1. Environment variables (SERVER_PORT, DATABASE_URL, ...)
//  2. .env file in the working directory
//  3. Configuration file (--config, or config.yaml in standard locations)
//  4. Built-in defaults
//
// All roles log through the shared structured logger: text output in
// development, JSON in production, level switched by app.debug.
//
// Example Usage:
//
//	# API server with a config file
//	modelforge serve --config /etc/modelforge/config.yaml
//
//	# Worker against an existing deployment
//	export DATABASE_URL=postgres://forge:forge@db:5432/modelforge
//	export CELERY_BROKER_URL=redis://redis:6379/1
//	modelforge worker
//
//	# One retention sweep from cron
//	modelforge reaper --once
package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/spf13/cobra"
	"gorm.io/gorm"

	"modelforge.evalgo.org/cache"
	"modelforge.evalgo.org/catalog"
	"modelforge.evalgo.org/common"
	"modelforge.evalgo.org/config"
	"modelforge.evalgo.org/engine"
	"modelforge.evalgo.org/jobs"
	"modelforge.evalgo.org/queue"
	"modelforge.evalgo.org/store"
	"modelforge.evalgo.org/version"
)

// cfgFile holds the path passed via --config; empty means auto-discovery
// (./config.yaml, ./configs/config.yaml, ~/.modelforge/config.yaml,
// /etc/modelforge/config.yaml).
var cfgFile string

var logger = common.ServiceLogger("cli")

// RootCmd is the entry command. It carries only global flags; the process
// roles are subcommands.
var RootCmd = &cobra.Command{
	Use:   "modelforge",
	Short: "ONNX model serving: registry, sync and async inference",
	Long: `ModelForge

A model-serving service for ONNX models:
- versioned model registry with upload and validation
- synchronous predictions with a Redis result cache
- asynchronous inference jobs on a durable queue
- health, readiness and metrics endpoints

The binary hosts three process roles: the API server (serve), the
inference worker pool (worker) and the job retention sweep (reaper).
All roles read the same configuration sources.`,
}

// Execute runs the root command; main delegates here.
func Execute() {
	if err := RootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	RootCmd.PersistentFlags().StringVar(&cfgFile, "config", "",
		"config file (default searches ./config.yaml, ~/.modelforge, /etc/modelforge)")
	RootCmd.AddCommand(versionCmd)
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "print build and dependency information",
	Run: func(cmd *cobra.Command, args []string) {
		payload, err := json.MarshalIndent(version.GetBuildInfo(), "", "  ")
		if err != nil {
			logger.WithError(err).Fatal("Failed to encode build info")
		}
		fmt.Println(string(payload))
	},
}

// mustSettings loads and validates the configuration and applies it to the
// global logger. Startup cannot proceed on a broken configuration.
func mustSettings() *config.Settings {
	settings, err := config.LoadSettings(cfgFile)
	if err != nil {
		logger.WithError(err).Fatal("Failed to load configuration")
	}

	logCfg := common.DefaultLoggerConfig()
	if settings.App.Debug {
		logCfg.Level = common.LogLevelDebug
	}
	if settings.IsProduction() {
		logCfg.Format = "json"
	}
	common.ConfigureLogger(logCfg)

	return settings
}

// connectWithRetry keeps trying a startup dependency until it answers or the
// budget is spent. Infrastructure coming up in the wrong order (database or
// broker after the service) should stall startup, not kill it.
func connectWithRetry(ctx context.Context, name string, connect func() error) error {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 500 * time.Millisecond
	bo.MaxInterval = 5 * time.Second
	bo.MaxElapsedTime = 30 * time.Second

	notify := func(err error, next time.Duration) {
		logger.WithError(err).WithFields(map[string]interface{}{
			"dependency": name,
			"retry_in":   next.Round(time.Millisecond).String(),
		}).Warn("Startup dependency not ready")
	}
	return backoff.RetryNotify(connect, backoff.WithContext(bo, ctx), notify)
}

// services bundles the infrastructure shared by the serve and worker roles.
type services struct {
	db       *gorm.DB
	jobStore *jobs.SQLStore
	blobs    store.BlobStore
	runtime  *engine.ORTRuntime
	adapter  *engine.Adapter
	client   *cache.Client
	results  *cache.PredictionCache
	models   *cache.ModelCache
	catalog  *catalog.Service
	broker   queue.Broker
	registry *queue.Registry
}

// buildServices connects every shared dependency: catalog database (with
// migration), pgx job store, artifact store, inference runtime, Redis caches,
// broker and worker registry. Database and broker connections retry with
// backoff; the Redis cache degrades to disabled instead of blocking startup.
func buildServices(ctx context.Context, settings *config.Settings) (*services, error) {
	var db *gorm.DB
	if err := connectWithRetry(ctx, "database", func() error {
		var err error
		db, err = catalog.OpenDatabase(settings.Database.URL,
			settings.Database.MaxConnections, settings.App.Debug)
		return err
	}); err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	if err := catalog.Migrate(db, &jobs.Job{}); err != nil {
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	var pool *pgxpool.Pool
	if err := connectWithRetry(ctx, "job store", func() error {
		var err error
		pool, err = jobs.OpenPool(ctx, settings.Database.URL, settings.Database.MaxConnections)
		return err
	}); err != nil {
		return nil, fmt.Errorf("failed to open job store pool: %w", err)
	}

	root, err := settings.StorageRoot()
	if err != nil {
		return nil, err
	}
	blobs, err := store.Open(ctx, root)
	if err != nil {
		return nil, fmt.Errorf("failed to open artifact store: %w", err)
	}

	runtime, err := engine.NewORTRuntime(settings.ONNXRuntime.LibPath)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize inference runtime: %w", err)
	}
	adapter := engine.NewAdapter(runtime)

	client := cache.NewClient(cache.ClientConfig{
		URL:            settings.Redis.URL,
		MaxConnections: settings.Redis.MaxConnections,
		SocketTimeout:  settings.Redis.SocketTimeoutDuration(),
		KeyPrefix:      settings.Cache.KeyPrefix,
		Enabled:        settings.Redis.Enabled,
	})
	client.Connect(ctx)

	results := cache.NewPredictionCache(client,
		time.Duration(settings.Cache.PredictionTTL)*time.Second,
		settings.Cache.PredictionEnabled)
	models := cache.NewModelCache(client,
		time.Duration(settings.Cache.ModelTTL)*time.Second)

	cat := catalog.NewService(db, blobs, adapter, results, models,
		settings.MaxModelSizeBytes())

	var broker queue.Broker
	if err := connectWithRetry(ctx, "broker", func() error {
		var err error
		broker, err = queue.Open(ctx, settings.Celery.BrokerURL, queue.Options{
			KeyPrefix:  settings.Cache.KeyPrefix,
			RevokedTTL: time.Duration(settings.Celery.ResultExpires) * time.Second,
		})
		return err
	}); err != nil {
		return nil, fmt.Errorf("failed to connect to broker: %w", err)
	}

	registry, err := queue.NewRegistry(settings.Celery.ResultBackend,
		settings.Cache.KeyPrefix, 0)
	if err != nil {
		return nil, fmt.Errorf("failed to build worker registry: %w", err)
	}

	return &services{
		db:       db,
		jobStore: jobs.NewSQLStore(db, pool),
		blobs:    blobs,
		runtime:  runtime,
		adapter:  adapter,
		client:   client,
		results:  results,
		models:   models,
		catalog:  cat,
		broker:   broker,
		registry: registry,
	}, nil
}

// Close releases connections in dependency order. Errors are logged, not
// returned; shutdown proceeds regardless.
func (s *services) Close() {
	if s.broker != nil {
		if err := s.broker.Close(); err != nil {
			logger.WithError(err).Warn("Broker close failed")
		}
	}
	if s.registry != nil {
		if err := s.registry.Close(); err != nil {
			logger.WithError(err).Warn("Registry close failed")
		}
	}
	if s.client != nil {
		if err := s.client.Close(); err != nil {
			logger.WithError(err).Warn("Cache close failed")
		}
	}
	if s.adapter != nil {
		s.adapter.EvictAll()
	}
	if s.runtime != nil {
		if err := s.runtime.Close(); err != nil {
			logger.WithError(err).Warn("Runtime teardown failed")
		}
	}
	if s.jobStore != nil {
		s.jobStore.Close()
	}
	if s.db != nil {
		if sqlDB, err := s.db.DB(); err == nil {
			if err := sqlDB.Close(); err != nil {
				logger.WithError(err).Warn("Database close failed")
			}
		}
	}
}
