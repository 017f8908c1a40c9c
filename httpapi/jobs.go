package httpapi

import (
	"net/http"
	"time"

	"github.com/labstack/echo/v4"

	"modelforge.evalgo.org/jobs"
)

type createJobRequest struct {
	ModelID   string                 `json:"model_id"`
	InputData map[string]interface{} `json:"input_data"`
	Priority  jobs.Priority          `json:"priority"`
}

func (s *Server) handleCreateJob(c echo.Context) error {
	var req createJobRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if req.ModelID == "" {
		return echo.NewHTTPError(http.StatusUnprocessableEntity, "model_id is required")
	}
	if len(req.InputData) == 0 {
		return echo.NewHTTPError(http.StatusUnprocessableEntity, "input_data is required")
	}
	if req.Priority != "" && !jobs.ValidPriority(req.Priority) {
		return echo.NewHTTPError(http.StatusUnprocessableEntity,
			"priority must be one of: low, normal, high")
	}

	job, err := s.deps.Jobs.Create(c.Request().Context(), &jobs.CreateRequest{
		ModelID:   req.ModelID,
		InputData: req.InputData,
		Priority:  req.Priority,
	})
	if err != nil {
		return err
	}
	return c.JSON(http.StatusCreated, job)
}

func (s *Server) handleListJobs(c echo.Context) error {
	pageNum, pageSize, err := pageParams(c)
	if err != nil {
		return err
	}

	var status jobs.Status
	if raw := c.QueryParam("status"); raw != "" {
		status = jobs.Status(raw)
		if !jobs.ValidStatus(status) {
			return echo.NewHTTPError(http.StatusUnprocessableEntity,
				"status must be one of: pending, queued, running, completed, failed, cancelled")
		}
	}

	list, total, err := s.deps.Jobs.List(c.Request().Context(), jobs.Filter{
		Status:   status,
		Page:     pageNum,
		PageSize: pageSize,
	})
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, newPage(list, total, pageNum, pageSize))
}

func (s *Server) handleGetJob(c echo.Context) error {
	job, err := s.deps.Jobs.Get(c.Request().Context(), c.Param("id"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, job)
}

// handleJobResult reports the job outcome. A terminal job answers 200 with
// the full row; an active one answers 202 after waiting up to the requested
// number of seconds. The wait is bounded so a caller cannot park connections
// on the API indefinitely.
func (s *Server) handleJobResult(c echo.Context) error {
	waitSeconds, err := intQuery(c, "wait", 0)
	if err != nil || waitSeconds < 0 || time.Duration(waitSeconds)*time.Second > jobs.MaxResultWait {
		return echo.NewHTTPError(http.StatusUnprocessableEntity,
			"wait must be between 0 and 30 seconds")
	}

	job, err := s.deps.Jobs.Result(c.Request().Context(), c.Param("id"),
		time.Duration(waitSeconds)*time.Second)
	if err != nil {
		return err
	}

	if job.Terminal() {
		return c.JSON(http.StatusOK, job)
	}
	return c.JSON(http.StatusAccepted, job)
}

func (s *Server) handleCancelJob(c echo.Context) error {
	job, err := s.deps.Jobs.Cancel(c.Request().Context(), c.Param("id"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, job)
}

func (s *Server) handleDeleteJob(c echo.Context) error {
	if err := s.deps.Jobs.Delete(c.Request().Context(), c.Param("id")); err != nil {
		return err
	}
	return c.NoContent(http.StatusNoContent)
}
