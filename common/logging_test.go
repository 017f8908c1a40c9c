package common

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

// TestOutputSplitter_WriteReturnsLength tests Write returns correct length
func TestOutputSplitter_WriteReturnsLength(t *testing.T) {
	splitter := &OutputSplitter{}

	tests := []struct {
		name    string
		message []byte
	}{
		{
			name:    "TextError",
			message: []byte(`time="2026-01-15T10:30:00Z" level=error msg="database connection failed"`),
		},
		{
			name:    "TextInfo",
			message: []byte(`time="2026-01-15T10:30:00Z" level=info msg="service started"`),
		},
		{
			name:    "JSONError",
			message: []byte(`{"level":"error","msg":"validation failed","time":"2026-01-15T10:30:00Z"}`),
		},
		{
			name:    "JSONInfo",
			message: []byte(`{"level":"info","msg":"model committed","time":"2026-01-15T10:30:00Z"}`),
		},
		{
			name:    "ErrorWordInsideInfoMessage",
			message: []byte(`time="2026-01-15T10:30:00Z" level=info msg="error counter reset"`),
		},
		{
			name:    "EmptyMessage",
			message: []byte(``),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			n, err := splitter.Write(tt.message)
			assert.NoError(t, err)
			assert.Equal(t, len(tt.message), n)
		})
	}
}

// TestLogger_Initialization tests that Logger is initialized
func TestLogger_Initialization(t *testing.T) {
	assert.NotNil(t, Logger, "Logger should be initialized")
	assert.NotNil(t, Logger.Out, "Logger output should be set")
}

// TestLogger_OutputIsSplitter tests that Logger uses OutputSplitter
func TestLogger_OutputIsSplitter(t *testing.T) {
	_, ok := Logger.Out.(*OutputSplitter)
	assert.True(t, ok, "Logger should use OutputSplitter")
}

// TestContextLogger_Immutable tests that field additions do not mutate the parent
func TestContextLogger_Immutable(t *testing.T) {
	base := NewContextLogger(nil, map[string]interface{}{"component": "test"})

	child := base.WithField("model_id", "abc")
	grandchild := child.WithFields(map[string]interface{}{"job_id": "def"})

	assert.Len(t, base.fields, 1)
	assert.Len(t, child.fields, 2)
	assert.Len(t, grandchild.fields, 3)
	assert.Equal(t, "test", base.fields["component"])
	_, ok := base.fields["model_id"]
	assert.False(t, ok)
}

// TestServiceLogger_ComponentField tests that the component field is seeded
func TestServiceLogger_ComponentField(t *testing.T) {
	log := ServiceLogger("catalog")
	assert.Equal(t, "catalog", log.fields["component"])
}

// TestLogOperation_PropagatesError tests that the wrapped error comes back
func TestLogOperation_PropagatesError(t *testing.T) {
	log := ServiceLogger("test")

	err := LogOperation(log, "noop", func() error { return nil })
	assert.NoError(t, err)

	wantErr := assert.AnError
	err = LogOperation(log, "failing", func() error { return wantErr })
	assert.Equal(t, wantErr, err)
}
