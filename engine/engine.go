// Package engine wraps the ONNX inference runtime behind narrow interfaces.
// It validates artifacts, caches compiled sessions per resolved path, and
// executes inference. It exposes no policy: retries, fallbacks, and cache
// decisions live in callers.
package engine

import "strings"

// DType is the canonical tensor element type vocabulary. Runtime-specific
// type strings are translated into it and never leak past this package.
type DType string

const (
	DTypeFloat16  DType = "float16"
	DTypeFloat32  DType = "float32"
	DTypeFloat64  DType = "float64"
	DTypeBFloat16 DType = "bfloat16"
	DTypeInt8     DType = "int8"
	DTypeInt16    DType = "int16"
	DTypeInt32    DType = "int32"
	DTypeInt64    DType = "int64"
	DTypeUint8    DType = "uint8"
	DTypeUint16   DType = "uint16"
	DTypeUint32   DType = "uint32"
	DTypeUint64   DType = "uint64"
	DTypeBool     DType = "bool"
	DTypeString   DType = "string"
)

// onnxTypeNames maps ONNX runtime type strings (the part inside
// "tensor(...)") onto the canonical vocabulary.
var onnxTypeNames = map[string]DType{
	"float":    DTypeFloat32,
	"float16":  DTypeFloat16,
	"double":   DTypeFloat64,
	"bfloat16": DTypeBFloat16,
	"int8":     DTypeInt8,
	"int16":    DTypeInt16,
	"int32":    DTypeInt32,
	"int64":    DTypeInt64,
	"uint8":    DTypeUint8,
	"uint16":   DTypeUint16,
	"uint32":   DTypeUint32,
	"uint64":   DTypeUint64,
	"bool":     DTypeBool,
	"string":   DTypeString,
}

// TranslateONNXType converts an ONNX type string such as "tensor(float)"
// to a canonical DType. Unknown names pass through unchanged so schemas
// stay inspectable.
func TranslateONNXType(raw string) DType {
	name := strings.TrimSuffix(strings.TrimPrefix(raw, "tensor("), ")")
	if dtype, ok := onnxTypeNames[name]; ok {
		return dtype
	}
	return DType(name)
}

// TensorSpec describes one declared input or output. Shape entries are nil
// for symbolic or unspecified dimensions.
type TensorSpec struct {
	Name  string   `json:"name"`
	DType DType    `json:"dtype"`
	Shape []*int64 `json:"shape"`
}

// Tensor carries a flattened, row-major value buffer together with its
// concrete shape. Data holds a typed slice matching DType (float16 and
// bfloat16 are carried as []float32).
type Tensor struct {
	DType DType
	Shape []int64
	Data  interface{}
}

// Elements returns the number of elements implied by the shape.
func (t *Tensor) Elements() int {
	n := 1
	for _, d := range t.Shape {
		n *= int(d)
	}
	return n
}

// Session is one compiled model instance.
type Session interface {
	// Inputs returns the declared input specs in graph order.
	Inputs() []TensorSpec

	// Outputs returns the declared output specs in graph order.
	Outputs() []TensorSpec

	// Metadata returns producer and graph information embedded in the model.
	Metadata() map[string]interface{}

	// Run executes the graph. The runtime validates shapes.
	Run(inputs map[string]*Tensor) (map[string]*Tensor, error)

	// Close releases runtime resources.
	Close() error
}

// Runtime compiles model artifacts into sessions.
type Runtime interface {
	// Load compiles the artifact at path.
	Load(path string) (Session, error)

	// Name identifies the runtime in logs and metadata.
	Name() string
}

// ValidationResult is the outcome of validating one artifact.
type ValidationResult struct {
	Valid    bool                   `json:"valid"`
	Error    string                 `json:"error,omitempty"`
	Inputs   []TensorSpec           `json:"inputs,omitempty"`
	Outputs  []TensorSpec           `json:"outputs,omitempty"`
	Metadata map[string]interface{} `json:"metadata,omitempty"`
}

// RunResult is the outcome of one inference execution.
type RunResult struct {
	// Outputs maps output names to JSON-serializable nested lists.
	Outputs map[string]interface{}

	// ElapsedMS is the runtime call duration measured on the monotonic clock.
	ElapsedMS float64
}
