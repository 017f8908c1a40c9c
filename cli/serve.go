package cli

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"modelforge.evalgo.org/httpapi"
	"modelforge.evalgo.org/jobs"
	"modelforge.evalgo.org/predict"
	"modelforge.evalgo.org/version"
)

// defaultRateLimit caps requests per second per instance. The configuration
// tree carries no knob for it; tune here if a deployment ever needs to.
const defaultRateLimit = 100

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "run the HTTP API server",
	Long: `Start the ModelForge API server.

The server exposes the model registry, synchronous predictions,
asynchronous job submission, and the health, readiness and metrics
endpoints. Inference for async jobs happens in separate worker
processes; the server only enqueues.`,
	Run: runServe,
}

func init() {
	RootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) {
	settings := mustSettings()
	ctx := context.Background()

	svc, err := buildServices(ctx, settings)
	if err != nil {
		logger.WithError(err).Fatal("Failed to initialize services")
	}
	defer svc.Close()

	jobEngine := jobs.NewEngine(svc.jobStore, svc.catalog, svc.broker,
		settings.Job.MaxRetries)
	predictor := predict.NewOrchestrator(svc.catalog, svc.adapter, svc.results)

	srv := httpapi.New(httpapi.Config{
		Host:            settings.Server.Host,
		Port:            settings.Server.Port,
		Debug:           settings.App.Debug,
		BodyLimit:       fmt.Sprintf("%dM", settings.MaxModelSizeMB+1),
		ReadTimeout:     settings.Server.ReadTimeout,
		WriteTimeout:    settings.Server.WriteTimeout,
		ShutdownTimeout: settings.Server.ShutdownTimeout,
		AllowedOrigins:  settings.CORS.OriginList(),
		RateLimit:       defaultRateLimit,
		ServiceName:     settings.App.Name,
		Version:         version.Resolve(settings.App.Version),
		Environment:     settings.App.Environment,
		ModelCacheTTL:   time.Duration(settings.Cache.ModelTTL) * time.Second,
	}, httpapi.Deps{
		DB:        svc.db,
		Catalog:   svc.catalog,
		Predictor: predictor,
		Jobs:      jobEngine,
		Blobs:     svc.blobs,
		Results:   svc.results,
		Models:    svc.models,
		Cache:     svc.client,
		Registry:  svc.registry,
		Broker:    svc.broker,
	})

	go func() {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.WithError(err).Fatal("HTTP server failed")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
	<-quit

	logger.Info("Shutting down")
	if err := srv.Shutdown(ctx); err != nil {
		logger.WithError(err).Error("Shutdown incomplete")
	}
}
