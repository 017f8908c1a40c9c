package catalog

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"modelforge.evalgo.org/cache"
	"modelforge.evalgo.org/common"
	"modelforge.evalgo.org/engine"
	"modelforge.evalgo.org/store"
)

// Validator is the engine surface the catalog needs: schema extraction at
// the commitment boundary and session eviction when artifacts go away.
type Validator interface {
	Validate(path string) *engine.ValidationResult
	Evict(path string)
}

// Service owns model rows and the upload/validate state machine. Every
// transition leg runs as a conditional UPDATE guarded by the expected
// current status, so concurrent requests race on the row, not in memory.
type Service struct {
	db        *gorm.DB
	blobs     store.BlobStore
	validator Validator
	results   *cache.PredictionCache
	models    *cache.ModelCache
	maxBytes  int64
	logger    *common.ContextLogger
}

// NewService wires the catalog against its storage, engine, and cache
// dependencies. maxBytes caps artifact uploads (0 disables the cap).
func NewService(db *gorm.DB, blobs store.BlobStore, validator Validator, results *cache.PredictionCache, models *cache.ModelCache, maxBytes int64) *Service {
	return &Service{
		db:        db,
		blobs:     blobs,
		validator: validator,
		results:   results,
		models:    models,
		maxBytes:  maxBytes,
		logger:    common.ServiceLogger("catalog"),
	}
}

// AssertCommitted is the single post-commitment check. Every inference path
// calls it before touching the artifact; nothing else infers commitment.
func AssertCommitted(m *Model) error {
	if m.Committed() {
		return nil
	}
	return common.CatalogErrorf(common.CatalogBadState,
		"Model %s has not crossed the pipeline commitment boundary. Current status: %s. The model must be validated before inference operations.",
		m.ID, m.Status)
}

// Create registers a new model version in pending status.
func (s *Service) Create(ctx context.Context, name, version, description string) (*Model, error) {
	m := &Model{
		ID:          uuid.NewString(),
		Name:        strings.TrimSpace(name),
		Version:     strings.TrimSpace(version),
		Description: description,
		Status:      StatusPending,
	}

	if err := s.db.WithContext(ctx).Create(m).Error; err != nil {
		if isDuplicateKey(err) {
			return nil, common.CatalogErrorf(common.CatalogConflict,
				"Model '%s' version '%s' already exists", m.Name, m.Version)
		}
		return nil, fmt.Errorf("failed to create model: %w", err)
	}

	s.logger.WithFields(map[string]interface{}{
		"model_id": m.ID,
		"name":     m.Name,
		"version":  m.Version,
	}).Info("Model registered")

	return m, nil
}

// GetByID loads one model row.
func (s *Service) GetByID(ctx context.Context, id string) (*Model, error) {
	var m Model
	err := s.db.WithContext(ctx).First(&m, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, common.CatalogErrorf(common.CatalogNotFound, "Model %s not found", id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load model: %w", err)
	}
	return &m, nil
}

// GetByNameVersion loads the row for exact coordinates.
func (s *Service) GetByNameVersion(ctx context.Context, name, version string) (*Model, error) {
	var m Model
	err := s.db.WithContext(ctx).First(&m, "name = ? AND version = ?", name, version).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, common.CatalogErrorf(common.CatalogNotFound,
			"Model '%s' version '%s' not found", name, version)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load model: %w", err)
	}
	return &m, nil
}

// VersionsByName returns every version of a model, newest first by semver.
func (s *Service) VersionsByName(ctx context.Context, name string) ([]*Model, error) {
	var models []*Model
	if err := s.db.WithContext(ctx).Where("name = ?", name).Find(&models).Error; err != nil {
		return nil, fmt.Errorf("failed to list versions: %w", err)
	}
	if len(models) == 0 {
		return nil, common.CatalogErrorf(common.CatalogNotFound, "Model '%s' not found", name)
	}

	SortModelsByVersionDesc(models)
	return models, nil
}

// LatestByName returns the highest version of a model. With readyOnly set,
// only committed versions are considered.
func (s *Service) LatestByName(ctx context.Context, name string, readyOnly bool) (*Model, error) {
	models, err := s.VersionsByName(ctx, name)
	if err != nil {
		return nil, err
	}

	if !readyOnly {
		return models[0], nil
	}

	for _, m := range models {
		if m.Status == StatusReady {
			return m, nil
		}
	}
	return nil, common.CatalogErrorf(common.CatalogNotFound,
		"No ready version found for model '%s'", name)
}

// List returns one page of models, newest first, with the total row count.
func (s *Service) List(ctx context.Context, page, pageSize int) ([]*Model, int64, error) {
	if page < 1 {
		page = 1
	}
	if pageSize < 1 {
		pageSize = 20
	}
	if pageSize > 100 {
		pageSize = 100
	}

	var total int64
	if err := s.db.WithContext(ctx).Model(&Model{}).Count(&total).Error; err != nil {
		return nil, 0, fmt.Errorf("failed to count models: %w", err)
	}

	var models []*Model
	err := s.db.WithContext(ctx).
		Order("created_at DESC").
		Offset((page - 1) * pageSize).
		Limit(pageSize).
		Find(&models).Error
	if err != nil {
		return nil, 0, fmt.Errorf("failed to list models: %w", err)
	}

	return models, total, nil
}

// Update changes the mutable fields. Name and version are immutable; a new
// artifact means a new (name, version) row.
func (s *Service) Update(ctx context.Context, id string, description *string) (*Model, error) {
	m, err := s.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}

	if description != nil {
		if err := s.db.WithContext(ctx).Model(m).Update("description", *description).Error; err != nil {
			return nil, fmt.Errorf("failed to update model: %w", err)
		}
		s.invalidate(ctx, m)
	}

	return s.GetByID(ctx, id)
}

// UploadArtifact streams the artifact into the blob store and moves the row
// pending → uploaded. A model that already carries a file refuses further
// uploads; replacing an artifact means registering a new version.
func (s *Service) UploadArtifact(ctx context.Context, id string, r io.Reader) (*Model, error) {
	m, err := s.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}

	if m.HasArtifact() || m.Status != StatusPending {
		return nil, errAlreadyUploaded()
	}

	res, err := s.blobs.Save(ctx, r, m.ID+".onnx", s.maxBytes)
	if err != nil {
		return nil, err
	}

	tx := s.db.WithContext(ctx).Model(&Model{}).
		Where("id = ? AND status = ? AND file_path IS NULL", m.ID, StatusPending).
		Updates(map[string]interface{}{
			"file_path":       res.Path,
			"file_size_bytes": res.SizeBytes,
			"file_hash":       res.SHA256,
			"status":          StatusUploaded,
		})
	if tx.Error != nil {
		s.removeBlob(ctx, res.Path)
		return nil, fmt.Errorf("failed to persist upload: %w", tx.Error)
	}
	if tx.RowsAffected == 0 {
		// A concurrent upload won the row; ours is the orphan.
		s.removeBlob(ctx, res.Path)
		return nil, errAlreadyUploaded()
	}

	s.invalidate(ctx, m)
	s.logger.WithFields(map[string]interface{}{
		"model_id":   m.ID,
		"size_bytes": res.SizeBytes,
		"file_hash":  res.SHA256,
	}).Info("Artifact uploaded")

	return s.GetByID(ctx, m.ID)
}

// Commit validates the uploaded artifact and promotes the row across the
// commitment boundary: schemas and metadata are extracted and stored, and
// the status becomes ready. A failed validation lands in error; the model
// can be re-validated from there.
func (s *Service) Commit(ctx context.Context, id string) (*Model, error) {
	m, err := s.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}

	if !m.HasArtifact() {
		return nil, common.CatalogErrorf(common.CatalogBadState,
			"Model does not have an uploaded file. Upload a file first.")
	}
	if m.Status != StatusUploaded && m.Status != StatusError {
		return nil, errWrongValidateState(m.Status)
	}

	claim := s.db.WithContext(ctx).Model(&Model{}).
		Where("id = ? AND status IN ?", m.ID, []Status{StatusUploaded, StatusError}).
		Update("status", StatusValidating)
	if claim.Error != nil {
		return nil, fmt.Errorf("failed to begin validation: %w", claim.Error)
	}
	if claim.RowsAffected == 0 {
		cur, err := s.GetByID(ctx, m.ID)
		if err != nil {
			return nil, err
		}
		return nil, errWrongValidateState(cur.Status)
	}

	result := s.validateArtifact(ctx, m)

	var leg *gorm.DB
	if result.Valid {
		leg = s.db.WithContext(ctx).Model(&Model{}).
			Where("id = ? AND status = ?", m.ID, StatusValidating).
			Updates(map[string]interface{}{
				"status":         StatusReady,
				"input_schema":   result.Inputs,
				"output_schema":  result.Outputs,
				"model_metadata": result.Metadata,
				"error_message":  nil,
			})
	} else {
		leg = s.db.WithContext(ctx).Model(&Model{}).
			Where("id = ? AND status = ?", m.ID, StatusValidating).
			Updates(map[string]interface{}{
				"status":        StatusError,
				"error_message": result.Error,
			})
	}
	if leg.Error != nil {
		return nil, fmt.Errorf("failed to finish validation: %w", leg.Error)
	}
	if leg.RowsAffected == 0 {
		return nil, common.CatalogErrorf(common.CatalogConflict,
			"Model %s changed state during validation", m.ID)
	}

	s.invalidate(ctx, m)

	entry := s.logger.WithFields(map[string]interface{}{
		"model_id": m.ID,
		"valid":    result.Valid,
	})
	if result.Valid {
		entry.Info("Model committed")
	} else {
		entry.WithField("error", result.Error).Warn("Model validation failed")
	}

	return s.GetByID(ctx, m.ID)
}

// Delete removes the model row, its predictions, the stored artifact, any
// compiled session, and every cached representation. Job rows go with the
// model through the foreign key cascade.
func (s *Service) Delete(ctx context.Context, id string) error {
	m, err := s.GetByID(ctx, id)
	if err != nil {
		return err
	}

	// Evict before the artifact disappears so no session outlives its file.
	if m.HasArtifact() {
		if local := s.blobs.LocalPath(*m.FilePath, strVal(m.FileHash)); local != "" {
			s.validator.Evict(local)
		}
	}

	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("model_id = ?", m.ID).Delete(&Prediction{}).Error; err != nil {
			return fmt.Errorf("failed to delete predictions: %w", err)
		}
		if err := tx.Delete(&Model{}, "id = ?", m.ID).Error; err != nil {
			return fmt.Errorf("failed to delete model: %w", err)
		}
		return nil
	})
	if err != nil {
		return err
	}

	if m.HasArtifact() {
		s.removeBlob(ctx, *m.FilePath)
	}
	s.invalidate(ctx, m)

	s.logger.WithFields(map[string]interface{}{
		"model_id": m.ID,
		"name":     m.Name,
		"version":  m.Version,
	}).Info("Model deleted")

	return nil
}

// RecordPrediction appends one prediction row.
func (s *Service) RecordPrediction(ctx context.Context, p *Prediction) error {
	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	if err := s.db.WithContext(ctx).Create(p).Error; err != nil {
		return fmt.Errorf("failed to record prediction: %w", err)
	}
	return nil
}

// ListPredictions returns one page of a model's predictions, newest first.
func (s *Service) ListPredictions(ctx context.Context, modelID string, page, pageSize int) ([]*Prediction, int64, error) {
	if _, err := s.GetByID(ctx, modelID); err != nil {
		return nil, 0, err
	}

	if page < 1 {
		page = 1
	}
	if pageSize < 1 {
		pageSize = 20
	}
	if pageSize > 100 {
		pageSize = 100
	}

	var total int64
	if err := s.db.WithContext(ctx).Model(&Prediction{}).
		Where("model_id = ?", modelID).Count(&total).Error; err != nil {
		return nil, 0, fmt.Errorf("failed to count predictions: %w", err)
	}

	var rows []*Prediction
	err := s.db.WithContext(ctx).
		Where("model_id = ?", modelID).
		Order("created_at DESC").
		Offset((page - 1) * pageSize).
		Limit(pageSize).
		Find(&rows).Error
	if err != nil {
		return nil, 0, fmt.Errorf("failed to list predictions: %w", err)
	}

	return rows, total, nil
}

// ResolveArtifact returns the engine-usable local path for a committed
// model's artifact, fetching remote blobs into scratch when needed. A
// committed model whose blob has vanished is a broken pipeline contract:
// any stale session is evicted and the invariant violation is raised.
func (s *Service) ResolveArtifact(ctx context.Context, m *Model) (string, error) {
	local, err := s.blobs.Localize(ctx, *m.FilePath, strVal(m.FileHash))
	if err != nil {
		if common.IsStorageKind(err, common.StorageNotFound) {
			if stale := s.blobs.LocalPath(*m.FilePath, strVal(m.FileHash)); stale != "" {
				s.validator.Evict(stale)
			}
			return "", engine.VanishedFileError(*m.FilePath)
		}
		return "", err
	}
	return local, nil
}

func (s *Service) validateArtifact(ctx context.Context, m *Model) *engine.ValidationResult {
	local, err := s.blobs.Localize(ctx, *m.FilePath, strVal(m.FileHash))
	if err != nil {
		return &engine.ValidationResult{Valid: false, Error: err.Error()}
	}
	return s.validator.Validate(local)
}

func (s *Service) invalidate(ctx context.Context, m *Model) {
	if s.models != nil {
		s.models.InvalidateModel(ctx, m.ID, cache.NameVersion{Name: m.Name, Version: m.Version})
	}
	if s.results != nil {
		s.results.InvalidateModel(ctx, m.ID)
	}
}

func (s *Service) removeBlob(ctx context.Context, path string) {
	if _, err := s.blobs.Delete(ctx, path); err != nil {
		s.logger.WithField("path", path).WithError(err).Warn("Failed to remove blob")
	}
}

func errAlreadyUploaded() error {
	return common.CatalogErrorf(common.CatalogConflict,
		"Model already has an uploaded file. Create a new model version for a different file.")
}

func errWrongValidateState(status Status) error {
	return common.CatalogErrorf(common.CatalogConflict,
		"Model cannot be validated in '%s' status. Only models in 'uploaded' or 'error' status can be validated.", status)
}

func isDuplicateKey(err error) bool {
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "duplicate key") || strings.Contains(msg, "UNIQUE constraint")
}

func strVal(p *string) string {
	if p == nil {
		return ""
	}
	return *p
}
