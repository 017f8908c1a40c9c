package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"modelforge.evalgo.org/jobs"
	"modelforge.evalgo.org/queue"
)

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "run an inference worker pool",
	Long: `Start a pool of inference workers.

Workers consume the job queue, load the referenced model, run
inference, and write results back to the job store. Each process
registers itself in the worker registry and heartbeats until
shutdown, so the API's worker health endpoint can see it.`,
	Run: runWorker,
}

func init() {
	RootCmd.AddCommand(workerCmd)
}

func runWorker(cmd *cobra.Command, args []string) {
	settings := mustSettings()

	ctx, stop := signal.NotifyContext(context.Background(),
		os.Interrupt, syscall.SIGTERM)
	defer stop()

	svc, err := buildServices(ctx, settings)
	if err != nil {
		logger.WithError(err).Fatal("Failed to initialize services")
	}
	defer svc.Close()

	hostname, err := os.Hostname()
	if err != nil {
		hostname = "unknown"
	}
	workerID := fmt.Sprintf("worker-%s-%d", hostname, os.Getpid())

	processor := jobs.NewProcessor(svc.jobStore, svc.catalog, svc.adapter,
		svc.broker, workerID,
		settings.Celery.SoftTimeLimitDuration(),
		settings.Celery.TimeLimitDuration())
	pool := jobs.NewPool(svc.broker, processor, settings.Celery.WorkerConcurrency)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		svc.registry.Heartbeat(ctx, &queue.WorkerInfo{
			ID:          workerID,
			Hostname:    hostname,
			PID:         os.Getpid(),
			Concurrency: settings.Celery.WorkerConcurrency,
			Queues:      []string{jobs.QueueName},
			StartedAt:   time.Now().UTC(),
		})
	}()

	logger.WithFields(map[string]interface{}{
		"worker_id":   workerID,
		"concurrency": settings.Celery.WorkerConcurrency,
	}).Info("Worker starting")

	pool.Run(ctx)
	wg.Wait()
}
