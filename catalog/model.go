// Package catalog is the durable model registry. It owns the gorm entities,
// the upload/validate state machine, and the single post-commitment check
// that gates every inference path.
package catalog

import (
	"time"

	"modelforge.evalgo.org/engine"
)

// Status is a model lifecycle state. Values are stored lowercase.
type Status string

const (
	StatusPending    Status = "pending"
	StatusUploaded   Status = "uploaded"
	StatusValidating Status = "validating"
	StatusReady      Status = "ready"
	StatusError      Status = "error"

	// StatusArchived is reserved for retiring READY models. No API surface
	// reaches it yet.
	StatusArchived Status = "archived"
)

// Model is one registered model version. Artifact coordinates stay NULL
// until an upload lands; schemas and metadata stay NULL until validation
// promotes the row to ready.
type Model struct {
	ID          string `gorm:"type:uuid;primaryKey" json:"id"`
	Name        string `gorm:"size:255;not null;uniqueIndex:idx_models_name_version" json:"name"`
	Version     string `gorm:"size:100;not null;uniqueIndex:idx_models_name_version" json:"version"`
	Description string `gorm:"type:text" json:"description"`
	Status      Status `gorm:"size:20;not null;index" json:"status"`

	FilePath      *string `json:"file_path"`
	FileSizeBytes *int64  `json:"file_size_bytes"`
	FileHash      *string `gorm:"size:64" json:"file_hash"`

	InputSchema   []engine.TensorSpec    `gorm:"serializer:json" json:"input_schema"`
	OutputSchema  []engine.TensorSpec    `gorm:"serializer:json" json:"output_schema"`
	ModelMetadata map[string]interface{} `gorm:"serializer:json" json:"model_metadata"`

	ErrorMessage *string `gorm:"type:text" json:"error_message"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// HasArtifact reports whether upload coordinates are set.
func (m *Model) HasArtifact() bool {
	return m != nil && m.FilePath != nil && *m.FilePath != ""
}

// Committed reports whether the model crossed the commitment boundary.
func (m *Model) Committed() bool {
	return m != nil && m.Status == StatusReady
}

// Prediction is one recorded inference outcome. Rows are append-only.
type Prediction struct {
	ID      string `gorm:"type:uuid;primaryKey" json:"id"`
	ModelID string `gorm:"type:uuid;not null;index" json:"model_id"`
	Parent  *Model `gorm:"foreignKey:ModelID;constraint:OnDelete:CASCADE" json:"-"`

	InputData  map[string]interface{} `gorm:"serializer:json" json:"input_data"`
	OutputData map[string]interface{} `gorm:"serializer:json" json:"output_data"`

	InferenceTimeMS float64 `json:"inference_time_ms"`
	Cached          bool    `json:"cached"`
	RequestID       *string `gorm:"size:255" json:"request_id"`
	ClientAddr      string  `gorm:"size:64" json:"client_addr"`

	CreatedAt time.Time `json:"created_at"`
}
