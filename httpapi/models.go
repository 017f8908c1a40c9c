package httpapi

import (
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/labstack/echo/v4"

	"modelforge.evalgo.org/catalog"
	"modelforge.evalgo.org/engine"
)

type createModelRequest struct {
	Name        string `json:"name"`
	Version     string `json:"version"`
	Description string `json:"description"`
}

type updateModelRequest struct {
	Description *string `json:"description"`
}

type uploadResponse struct {
	ID            string         `json:"id"`
	FilePath      string         `json:"file_path"`
	FileSizeBytes int64          `json:"file_size_bytes"`
	FileHash      string         `json:"file_hash"`
	Status        catalog.Status `json:"status"`
}

type validateResponse struct {
	ID            string                 `json:"id"`
	Valid         bool                   `json:"valid"`
	Status        catalog.Status         `json:"status"`
	InputSchema   []engine.TensorSpec    `json:"input_schema"`
	OutputSchema  []engine.TensorSpec    `json:"output_schema"`
	ModelMetadata map[string]interface{} `json:"model_metadata"`
	ErrorMessage  *string                `json:"error_message"`
	Message       string                 `json:"message"`
}

type versionSummary struct {
	ID        string         `json:"id"`
	Version   string         `json:"version"`
	Status    catalog.Status `json:"status"`
	CreatedAt time.Time      `json:"created_at"`
}

type versionsResponse struct {
	Name          string           `json:"name"`
	Versions      []versionSummary `json:"versions"`
	Total         int              `json:"total"`
	LatestVersion string           `json:"latest_version"`
}

func (s *Server) handleCreateModel(c echo.Context) error {
	var req createModelRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if strings.TrimSpace(req.Name) == "" || strings.TrimSpace(req.Version) == "" {
		return echo.NewHTTPError(http.StatusUnprocessableEntity,
			"name and version are required")
	}

	m, err := s.deps.Catalog.Create(c.Request().Context(), req.Name, req.Version, req.Description)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusCreated, m)
}

func (s *Server) handleListModels(c echo.Context) error {
	pageNum, pageSize, err := pageParams(c)
	if err != nil {
		return err
	}

	models, total, err := s.deps.Catalog.List(c.Request().Context(), pageNum, pageSize)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, newPage(models, total, pageNum, pageSize))
}

// handleGetModel serves a single model, read through the metadata cache.
// X-Cache tells the caller which side answered.
func (s *Server) handleGetModel(c echo.Context) error {
	ctx := c.Request().Context()
	id := c.Param("id")

	var cached catalog.Model
	if s.deps.Models.GetByID(ctx, id, &cached) {
		s.setModelCacheHeaders(c, "HIT")
		return c.JSON(http.StatusOK, &cached)
	}

	m, err := s.deps.Catalog.GetByID(ctx, id)
	if err != nil {
		return err
	}
	s.deps.Models.SetByID(ctx, id, m)

	s.setModelCacheHeaders(c, "MISS")
	return c.JSON(http.StatusOK, m)
}

func (s *Server) setModelCacheHeaders(c echo.Context, state string) {
	c.Response().Header().Set("X-Cache", state)
	c.Response().Header().Set("Cache-Control",
		fmt.Sprintf("max-age=%d", int(s.config.ModelCacheTTL/time.Second)))
}

func (s *Server) handleUpdateModel(c echo.Context) error {
	var req updateModelRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}

	m, err := s.deps.Catalog.Update(c.Request().Context(), c.Param("id"), req.Description)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, m)
}

func (s *Server) handleDeleteModel(c echo.Context) error {
	if err := s.deps.Catalog.Delete(c.Request().Context(), c.Param("id")); err != nil {
		return err
	}
	return c.NoContent(http.StatusNoContent)
}

func (s *Server) handleUploadModel(c echo.Context) error {
	header, err := c.FormFile("file")
	if err != nil {
		return echo.NewHTTPError(http.StatusUnprocessableEntity,
			"A model file is required in the 'file' form field")
	}
	if header.Filename == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "Filename is required")
	}
	if ext(header.Filename) != ".onnx" {
		return echo.NewHTTPError(http.StatusBadRequest,
			"Invalid file extension. Allowed: .onnx")
	}

	f, err := header.Open()
	if err != nil {
		return fmt.Errorf("failed to open upload: %w", err)
	}
	defer f.Close()

	m, err := s.deps.Catalog.UploadArtifact(c.Request().Context(), c.Param("id"), f)
	if err != nil {
		return err
	}

	resp := uploadResponse{ID: m.ID, Status: m.Status}
	if m.FilePath != nil {
		resp.FilePath = *m.FilePath
	}
	if m.FileSizeBytes != nil {
		resp.FileSizeBytes = *m.FileSizeBytes
	}
	if m.FileHash != nil {
		resp.FileHash = *m.FileHash
	}
	return c.JSON(http.StatusOK, resp)
}

// handleValidateModel is the commitment call: it promotes an uploaded model
// to ready or parks it in error. A failed validation is a 200 with
// valid=false; only wrong-state calls are errors.
func (s *Server) handleValidateModel(c echo.Context) error {
	m, err := s.deps.Catalog.Commit(c.Request().Context(), c.Param("id"))
	if err != nil {
		return err
	}

	resp := validateResponse{
		ID:            m.ID,
		Valid:         m.Status == catalog.StatusReady,
		Status:        m.Status,
		InputSchema:   m.InputSchema,
		OutputSchema:  m.OutputSchema,
		ModelMetadata: m.ModelMetadata,
		ErrorMessage:  m.ErrorMessage,
	}
	if resp.Valid {
		resp.Message = "Model validated successfully"
	} else {
		resp.Message = "Model validation failed"
	}
	return c.JSON(http.StatusOK, resp)
}

func (s *Server) handleModelVersions(c echo.Context) error {
	name := c.Param("name")

	models, err := s.deps.Catalog.VersionsByName(c.Request().Context(), name)
	if err != nil {
		return err
	}

	versions := make([]versionSummary, 0, len(models))
	for _, m := range models {
		versions = append(versions, versionSummary{
			ID:        m.ID,
			Version:   m.Version,
			Status:    m.Status,
			CreatedAt: m.CreatedAt,
		})
	}

	return c.JSON(http.StatusOK, versionsResponse{
		Name:          name,
		Versions:      versions,
		Total:         len(versions),
		LatestVersion: models[0].Version,
	})
}

func (s *Server) handleLatestModel(c echo.Context) error {
	readyOnly := false
	if raw := c.QueryParam("ready_only"); raw != "" {
		parsed, err := strconv.ParseBool(raw)
		if err != nil {
			return echo.NewHTTPError(http.StatusUnprocessableEntity,
				"ready_only must be a boolean")
		}
		readyOnly = parsed
	}

	m, err := s.deps.Catalog.LatestByName(c.Request().Context(), c.Param("name"), readyOnly)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, m)
}

// ext returns the final dot-suffix of a filename, lowercased.
func ext(filename string) string {
	idx := strings.LastIndex(filename, ".")
	if idx < 0 {
		return ""
	}
	return strings.ToLower(filename[idx:])
}
