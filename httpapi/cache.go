package httpapi

import (
	"net/http"

	"github.com/labstack/echo/v4"
)

func (s *Server) handleCacheMetrics(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]interface{}{
		"prediction_cache": s.deps.Results.Metrics(c.Request().Context()),
	})
}

func (s *Server) handleResetCacheMetrics(c echo.Context) error {
	s.deps.Results.ResetMetrics(c.Request().Context())
	return c.JSON(http.StatusOK, map[string]string{"status": "reset"})
}
