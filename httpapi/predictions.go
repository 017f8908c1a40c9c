package httpapi

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"modelforge.evalgo.org/predict"
)

type predictRequest struct {
	InputData map[string]interface{} `json:"input_data"`
	SkipCache bool                   `json:"skip_cache"`
	RequestID *string                `json:"request_id"`
}

// handlePredict runs one synchronous inference. The X-Cache header reports
// whether the result came from the cross-process result cache.
func (s *Server) handlePredict(c echo.Context) error {
	var req predictRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if len(req.InputData) == 0 {
		return echo.NewHTTPError(http.StatusUnprocessableEntity,
			"input_data is required")
	}

	row, err := s.deps.Predictor.Predict(c.Request().Context(), c.Param("id"), &predict.Request{
		InputData:  req.InputData,
		SkipCache:  req.SkipCache,
		RequestID:  req.RequestID,
		ClientAddr: c.RealIP(),
	})
	if err != nil {
		return err
	}

	if row.Cached {
		c.Response().Header().Set("X-Cache", "HIT")
	} else {
		c.Response().Header().Set("X-Cache", "MISS")
	}
	return c.JSON(http.StatusCreated, row)
}

func (s *Server) handleListPredictions(c echo.Context) error {
	pageNum, pageSize, err := pageParams(c)
	if err != nil {
		return err
	}

	rows, total, err := s.deps.Catalog.ListPredictions(
		c.Request().Context(), c.Param("id"), pageNum, pageSize)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, newPage(rows, total, pageNum, pageSize))
}
