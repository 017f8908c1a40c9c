package httpapi

import (
	"context"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"

	"modelforge.evalgo.org/jobs"
	"modelforge.evalgo.org/queue"
)

// checkTimeout bounds each individual dependency probe so the aggregate
// health endpoint stays within its one-second budget.
const checkTimeout = 300 * time.Millisecond

// workerProbeTimeout bounds the registry roster scan.
const workerProbeTimeout = 2 * time.Second

type healthResponse struct {
	Status  string            `json:"status"`
	Version string            `json:"version"`
	UptimeS float64           `json:"uptime_s"`
	Checks  map[string]string `json:"checks"`
}

type workerHealthResponse struct {
	Status      string             `json:"status"`
	WorkerCount int                `json:"worker_count"`
	Workers     []queue.WorkerInfo `json:"workers"`
	Error       string             `json:"error,omitempty"`
}

func (s *Server) handleServiceInfo(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]interface{}{
		"name":        s.config.ServiceName,
		"version":     s.config.Version,
		"environment": s.config.Environment,
		"api_prefix":  APIPrefix,
	})
}

func (s *Server) handleLive(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{"status": "alive"})
}

// handleReady is the readiness probe: the service can take traffic only if
// the catalog database and the artifact store answer.
func (s *Server) handleReady(c echo.Context) error {
	ctx := c.Request().Context()

	if err := s.pingDatabase(ctx); err != nil {
		return c.JSON(http.StatusServiceUnavailable, map[string]string{
			"status": "not_ready",
			"error":  err.Error(),
		})
	}
	if err := s.pingStorage(ctx); err != nil {
		return c.JSON(http.StatusServiceUnavailable, map[string]string{
			"status": "not_ready",
			"error":  err.Error(),
		})
	}
	return c.JSON(http.StatusOK, map[string]string{"status": "ready"})
}

// handleHealth aggregates dependency checks. Database and storage failures
// make the service unhealthy; a cache failure only degrades it, since every
// cache path has a database fallback.
func (s *Server) handleHealth(c echo.Context) error {
	ctx := c.Request().Context()

	checks := map[string]string{
		"database": "ok",
		"storage":  "ok",
		"cache":    "ok",
	}
	status := "healthy"

	if err := s.pingDatabase(ctx); err != nil {
		checks["database"] = err.Error()
		status = "unhealthy"
	}
	if err := s.pingStorage(ctx); err != nil {
		checks["storage"] = err.Error()
		status = "unhealthy"
	}
	if !s.deps.Cache.Enabled() {
		// Deliberately disabled caching is not a fault.
		checks["cache"] = "disabled"
	} else if err := s.pingCache(ctx); err != nil {
		checks["cache"] = err.Error()
		if status == "healthy" {
			status = "degraded"
		}
	}

	return c.JSON(http.StatusOK, healthResponse{
		Status:  status,
		Version: s.config.Version,
		UptimeS: time.Since(s.startedAt).Seconds(),
		Checks:  checks,
	})
}

// handleWorkerHealth reports the live worker roster. An unreachable registry
// and an empty roster are different situations and get different statuses.
func (s *Server) handleWorkerHealth(c echo.Context) error {
	if s.deps.Registry == nil {
		return c.JSON(http.StatusOK, workerHealthResponse{
			Status:  "error",
			Workers: []queue.WorkerInfo{},
			Error:   "worker registry not configured",
		})
	}

	ctx, cancel := context.WithTimeout(c.Request().Context(), workerProbeTimeout)
	defer cancel()

	workers, err := s.deps.Registry.Workers(ctx)
	if err != nil {
		return c.JSON(http.StatusOK, workerHealthResponse{
			Status:  "error",
			Workers: []queue.WorkerInfo{},
			Error:   err.Error(),
		})
	}
	if len(workers) == 0 {
		return c.JSON(http.StatusOK, workerHealthResponse{
			Status:  "no_workers",
			Workers: []queue.WorkerInfo{},
		})
	}
	return c.JSON(http.StatusOK, workerHealthResponse{
		Status:      "healthy",
		WorkerCount: len(workers),
		Workers:     workers,
	})
}

// handleMetrics exports operational counters as JSON: uptime, result cache
// performance, storage usage, worker roster size, job states, and queue
// depth. Probe failures surface as error strings instead of failing the
// endpoint.
func (s *Server) handleMetrics(c echo.Context) error {
	ctx := c.Request().Context()

	metrics := map[string]interface{}{
		"uptime_s":         time.Since(s.startedAt).Seconds(),
		"prediction_cache": s.deps.Results.Metrics(ctx),
	}

	if stats, err := s.deps.Blobs.Stats(ctx); err != nil {
		metrics["storage"] = map[string]string{"error": err.Error()}
	} else {
		metrics["storage"] = stats
	}

	if counts, err := s.deps.Jobs.CountByStatus(ctx); err != nil {
		metrics["jobs"] = map[string]string{"error": err.Error()}
	} else {
		metrics["jobs"] = counts
	}

	if s.deps.Registry != nil {
		probeCtx, cancel := context.WithTimeout(ctx, workerProbeTimeout)
		workers, err := s.deps.Registry.Workers(probeCtx)
		cancel()
		if err != nil {
			metrics["workers"] = map[string]string{"error": err.Error()}
		} else {
			metrics["workers"] = len(workers)
		}
	}

	if s.deps.Broker != nil {
		if depth, err := s.deps.Broker.Depth(ctx, jobs.QueueName); err != nil {
			metrics["queue_depth"] = map[string]string{"error": err.Error()}
		} else {
			metrics["queue_depth"] = depth
		}
	}

	return c.JSON(http.StatusOK, metrics)
}

func (s *Server) pingDatabase(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, checkTimeout)
	defer cancel()

	sqlDB, err := s.deps.DB.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

func (s *Server) pingStorage(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, checkTimeout)
	defer cancel()
	return s.deps.Blobs.Ping(ctx)
}

func (s *Server) pingCache(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, checkTimeout)
	defer cancel()
	return s.deps.Cache.HealthCheck(ctx)
}
