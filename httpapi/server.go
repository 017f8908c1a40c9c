// Package httpapi is the HTTP surface of ModelForge. It owns the echo
// server, the middleware stack, and the single place where the typed errors
// of the lower layers become status codes. Handlers hold no business logic;
// they parse requests, dispatch into the services, and shape responses.
package httpapi

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"golang.org/x/time/rate"
	"gorm.io/gorm"

	"modelforge.evalgo.org/cache"
	"modelforge.evalgo.org/catalog"
	"modelforge.evalgo.org/common"
	"modelforge.evalgo.org/jobs"
	"modelforge.evalgo.org/predict"
	"modelforge.evalgo.org/queue"
	"modelforge.evalgo.org/store"
)

// APIPrefix is the base path of every API route except the service root.
const APIPrefix = "/api/v1"

// Config carries the HTTP-facing subset of the service configuration.
type Config struct {
	Host            string
	Port            int
	Debug           bool
	BodyLimit       string // e.g. "550M"; empty disables the limit
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	ShutdownTimeout time.Duration
	AllowedOrigins  []string
	RateLimit       float64 // requests per second, 0 disables

	ServiceName string
	Version     string
	Environment string

	// ModelCacheTTL feeds the Cache-Control header on model reads.
	ModelCacheTTL time.Duration
}

// Deps are the services the handlers dispatch into. Registry and Broker may
// be nil; the health and metrics endpoints degrade accordingly.
type Deps struct {
	DB        *gorm.DB
	Catalog   *catalog.Service
	Predictor *predict.Orchestrator
	Jobs      *jobs.Engine
	Blobs     store.BlobStore
	Results   *cache.PredictionCache
	Models    *cache.ModelCache
	Cache     *cache.Client
	Registry  *queue.Registry
	Broker    queue.Broker
}

// Server is the configured echo application.
type Server struct {
	echo      *echo.Echo
	config    Config
	deps      Deps
	startedAt time.Time
	logger    *common.ContextLogger
}

// New builds the echo server with the standard middleware stack and all
// routes registered.
func New(cfg Config, deps Deps) *Server {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Debug = cfg.Debug

	e.Use(middleware.LoggerWithConfig(middleware.LoggerConfig{
		Format: "[${time_rfc3339}] ${status} ${method} ${uri} (${latency_human})\n",
	}))
	e.Use(middleware.Recover())
	e.Use(middleware.RequestID())

	if cfg.BodyLimit != "" {
		e.Use(middleware.BodyLimit(cfg.BodyLimit))
	}

	if len(cfg.AllowedOrigins) > 0 {
		e.Use(middleware.CORSWithConfig(middleware.CORSConfig{
			AllowOrigins: cfg.AllowedOrigins,
			AllowMethods: []string{
				http.MethodGet,
				http.MethodPost,
				http.MethodPut,
				http.MethodDelete,
				http.MethodPatch,
				http.MethodOptions,
			},
			AllowHeaders: []string{
				echo.HeaderOrigin,
				echo.HeaderContentType,
				echo.HeaderAccept,
				echo.HeaderXRequestID,
			},
		}))
	}

	if cfg.RateLimit > 0 {
		e.Use(middleware.RateLimiter(middleware.NewRateLimiterMemoryStore(
			rate.Limit(cfg.RateLimit),
		)))
	}

	s := &Server{
		echo:      e,
		config:    cfg,
		deps:      deps,
		startedAt: time.Now(),
		logger:    common.ServiceLogger("httpapi"),
	}
	e.HTTPErrorHandler = s.handleError
	s.registerRoutes()

	return s
}

// Echo exposes the underlying echo instance for tests.
func (s *Server) Echo() *echo.Echo {
	return s.echo
}

func (s *Server) registerRoutes() {
	s.echo.GET("/", s.handleServiceInfo)

	g := s.echo.Group(APIPrefix)

	g.GET("/health", s.handleHealth)
	g.GET("/health/celery", s.handleWorkerHealth)
	g.GET("/ready", s.handleReady)
	g.GET("/live", s.handleLive)
	g.GET("/metrics", s.handleMetrics)

	g.POST("/models", s.handleCreateModel)
	g.GET("/models", s.handleListModels)
	g.GET("/models/by-name/:name/versions", s.handleModelVersions)
	g.GET("/models/by-name/:name/latest", s.handleLatestModel)
	g.GET("/models/:id", s.handleGetModel)
	g.PATCH("/models/:id", s.handleUpdateModel)
	g.DELETE("/models/:id", s.handleDeleteModel)
	g.POST("/models/:id/upload", s.handleUploadModel)
	g.POST("/models/:id/validate", s.handleValidateModel)

	g.POST("/models/:id/predict", s.handlePredict)
	g.GET("/models/:id/predictions", s.handleListPredictions)

	g.POST("/jobs", s.handleCreateJob)
	g.GET("/jobs", s.handleListJobs)
	g.GET("/jobs/:id", s.handleGetJob)
	g.GET("/jobs/:id/result", s.handleJobResult)
	g.POST("/jobs/:id/cancel", s.handleCancelJob)
	g.DELETE("/jobs/:id", s.handleDeleteJob)

	g.GET("/cache/metrics", s.handleCacheMetrics)
	g.POST("/cache/metrics/reset", s.handleResetCacheMetrics)
}

// Start runs the server until it fails or Shutdown is called.
func (s *Server) Start() error {
	srv := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", s.config.Host, s.config.Port),
		ReadTimeout:  s.config.ReadTimeout,
		WriteTimeout: s.config.WriteTimeout,
	}

	s.logger.WithFields(map[string]interface{}{
		"host": s.config.Host,
		"port": s.config.Port,
	}).Info("HTTP server starting")

	return s.echo.StartServer(srv)
}

// Shutdown drains in-flight requests within the configured timeout.
func (s *Server) Shutdown(ctx context.Context) error {
	timeout := s.config.ShutdownTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	if err := s.echo.Shutdown(ctx); err != nil {
		return fmt.Errorf("server shutdown failed: %w", err)
	}
	return nil
}

// ErrorResponse is the body of every error the API returns.
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
}

// handleError is the single edge where typed errors from the catalog, the
// engine, the store, and the job layer become status codes. Nothing below
// this function knows about HTTP.
func (s *Server) handleError(err error, c echo.Context) {
	code := http.StatusInternalServerError
	message := err.Error()

	switch {
	case isEchoError(err):
		he := err.(*echo.HTTPError)
		code = he.Code
		if msg, ok := he.Message.(string); ok {
			message = msg
		} else {
			message = fmt.Sprintf("%v", he.Message)
		}

	case common.IsCatalogKind(err, common.CatalogNotFound):
		code = http.StatusNotFound
	case common.IsCatalogKind(err, common.CatalogConflict):
		code = http.StatusConflict
	case common.IsCatalogKind(err, common.CatalogBadState):
		code = http.StatusBadRequest

	case common.IsEngineKind(err, common.EngineInput):
		code = http.StatusBadRequest
	case common.IsEngineKind(err, common.EngineInvariantViolation):
		// The message names the broken invariant; it must reach the client
		// verbatim.
		code = http.StatusInternalServerError

	case common.IsStorageKind(err, common.StorageFull):
		code = http.StatusRequestEntityTooLarge
	case common.IsStorageKind(err, common.StorageNotFound):
		code = http.StatusNotFound

	default:
		if _, ok := common.AsEngineError(err); !ok {
			if _, isStorage := common.AsStorageError(err); !isStorage {
				// Unclassified failure: log the cause, hide the detail.
				s.logger.WithError(err).WithField("path", c.Request().URL.Path).
					Error("Unhandled error")
				message = "Internal server error"
			}
		}
	}

	if c.Response().Committed {
		return
	}

	var werr error
	if c.Request().Method == http.MethodHead {
		werr = c.NoContent(code)
	} else {
		werr = c.JSON(code, ErrorResponse{
			Error:   http.StatusText(code),
			Message: message,
		})
	}
	if werr != nil {
		s.logger.WithError(werr).Error("Failed to write error response")
	}
}

func isEchoError(err error) bool {
	_, ok := err.(*echo.HTTPError)
	return ok
}

// page is the standard pagination envelope.
type page struct {
	Items      interface{} `json:"items"`
	Total      int64       `json:"total"`
	Page       int         `json:"page"`
	PageSize   int         `json:"page_size"`
	TotalPages int         `json:"total_pages"`
}

func newPage(items interface{}, total int64, pageNum, pageSize int) page {
	totalPages := 0
	if pageSize > 0 {
		totalPages = int((total + int64(pageSize) - 1) / int64(pageSize))
	}
	return page{
		Items:      items,
		Total:      total,
		Page:       pageNum,
		PageSize:   pageSize,
		TotalPages: totalPages,
	}
}

// pageParams parses page and page_size with the API-wide bounds.
func pageParams(c echo.Context) (int, int, error) {
	pageNum, err := intQuery(c, "page", 1)
	if err != nil || pageNum < 1 {
		return 0, 0, echo.NewHTTPError(http.StatusUnprocessableEntity,
			"page must be a positive integer")
	}
	pageSize, err := intQuery(c, "page_size", 20)
	if err != nil || pageSize < 1 || pageSize > 100 {
		return 0, 0, echo.NewHTTPError(http.StatusUnprocessableEntity,
			"page_size must be between 1 and 100")
	}
	return pageNum, pageSize, nil
}

func intQuery(c echo.Context, name string, def int) (int, error) {
	raw := c.QueryParam(name)
	if raw == "" {
		return def, nil
	}
	return strconv.Atoi(raw)
}
