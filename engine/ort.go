package engine

import (
	"fmt"

	ort "github.com/yalue/onnxruntime_go"

	"modelforge.evalgo.org/common"
)

// ORTRuntime backs the engine with the ONNX Runtime shared library. The
// library is loaded once per process; ONNXRUNTIME_LIB_PATH overrides the
// platform default location.
type ORTRuntime struct {
	libPath string
}

// NewORTRuntime initializes the ONNX Runtime environment.
func NewORTRuntime(libPath string) (*ORTRuntime, error) {
	if libPath != "" {
		ort.SetSharedLibraryPath(libPath)
	}
	if !ort.IsInitialized() {
		if err := ort.InitializeEnvironment(); err != nil {
			return nil, common.NewEngineError(common.EngineLoad,
				"failed to initialize onnxruntime environment", err)
		}
	}
	return &ORTRuntime{libPath: libPath}, nil
}

// Name identifies the runtime.
func (r *ORTRuntime) Name() string { return "onnxruntime" }

// Close tears down the runtime environment.
func (r *ORTRuntime) Close() error {
	if ort.IsInitialized() {
		return ort.DestroyEnvironment()
	}
	return nil
}

// Load inspects the graph, reads embedded metadata, and compiles a dynamic
// session so batch dimensions stay flexible.
func (r *ORTRuntime) Load(path string) (Session, error) {
	inputInfo, outputInfo, err := ort.GetInputOutputInfo(path)
	if err != nil {
		return nil, common.NewEngineError(common.EngineLoad,
			fmt.Sprintf("failed to load model from %s", path), err)
	}

	inputNames := make([]string, len(inputInfo))
	inputSpecs := make([]TensorSpec, len(inputInfo))
	for i, info := range inputInfo {
		inputNames[i] = info.Name
		inputSpecs[i] = specFromInfo(info)
	}
	outputNames := make([]string, len(outputInfo))
	outputSpecs := make([]TensorSpec, len(outputInfo))
	for i, info := range outputInfo {
		outputNames[i] = info.Name
		outputSpecs[i] = specFromInfo(info)
	}

	session, err := ort.NewDynamicAdvancedSession(path, inputNames, outputNames, nil)
	if err != nil {
		return nil, common.NewEngineError(common.EngineLoad,
			fmt.Sprintf("failed to create session for %s", path), err)
	}

	return &ortSession{
		session:     session,
		inputNames:  inputNames,
		outputNames: outputNames,
		inputs:      inputSpecs,
		outputs:     outputSpecs,
		metadata:    readModelMetadata(path),
	}, nil
}

// specFromInfo translates runtime tensor info; negative dimensions are
// symbolic and become nil.
func specFromInfo(info ort.InputOutputInfo) TensorSpec {
	shape := make([]*int64, len(info.Dimensions))
	for i, dim := range info.Dimensions {
		if dim >= 0 {
			d := dim
			shape[i] = &d
		}
	}
	return TensorSpec{
		Name:  info.Name,
		DType: ortDType(info.DataType),
		Shape: shape,
	}
}

func ortDType(t ort.TensorElementDataType) DType {
	switch t {
	case ort.TensorElementDataTypeFloat:
		return DTypeFloat32
	case ort.TensorElementDataTypeDouble:
		return DTypeFloat64
	case ort.TensorElementDataTypeFloat16:
		return DTypeFloat16
	case ort.TensorElementDataTypeBFloat16:
		return DTypeBFloat16
	case ort.TensorElementDataTypeInt8:
		return DTypeInt8
	case ort.TensorElementDataTypeInt16:
		return DTypeInt16
	case ort.TensorElementDataTypeInt32:
		return DTypeInt32
	case ort.TensorElementDataTypeInt64:
		return DTypeInt64
	case ort.TensorElementDataTypeUint8:
		return DTypeUint8
	case ort.TensorElementDataTypeUint16:
		return DTypeUint16
	case ort.TensorElementDataTypeUint32:
		return DTypeUint32
	case ort.TensorElementDataTypeUint64:
		return DTypeUint64
	case ort.TensorElementDataTypeBool:
		return DTypeBool
	case ort.TensorElementDataTypeString:
		return DTypeString
	default:
		return DType(fmt.Sprintf("tensor_type_%d", int(t)))
	}
}

// readModelMetadata is best-effort; a model without metadata is still
// servable.
func readModelMetadata(path string) map[string]interface{} {
	meta := make(map[string]interface{})
	m, err := ort.GetModelMetadata(path)
	if err != nil {
		return meta
	}
	defer m.Destroy()

	if v, err := m.GetProducerName(); err == nil && v != "" {
		meta["producer_name"] = v
	}
	if v, err := m.GetGraphName(); err == nil && v != "" {
		meta["graph_name"] = v
	}
	if v, err := m.GetDomain(); err == nil && v != "" {
		meta["domain"] = v
	}
	if v, err := m.GetDescription(); err == nil && v != "" {
		meta["description"] = v
	}
	if v, err := m.GetVersion(); err == nil {
		meta["version"] = v
	}
	return meta
}

type ortSession struct {
	session     *ort.DynamicAdvancedSession
	inputNames  []string
	outputNames []string
	inputs      []TensorSpec
	outputs     []TensorSpec
	metadata    map[string]interface{}
}

func (s *ortSession) Inputs() []TensorSpec  { return s.inputs }
func (s *ortSession) Outputs() []TensorSpec { return s.outputs }

func (s *ortSession) Metadata() map[string]interface{} { return s.metadata }

func (s *ortSession) Run(inputs map[string]*Tensor) (map[string]*Tensor, error) {
	ortInputs := make([]ort.Value, len(s.inputNames))
	defer func() {
		for _, v := range ortInputs {
			if v != nil {
				v.Destroy()
			}
		}
	}()

	for i, name := range s.inputNames {
		tensor, ok := inputs[name]
		if !ok {
			return nil, common.EngineErrorf(common.EngineInput, "Missing required input: %s", name)
		}
		value, err := newOrtValue(tensor)
		if err != nil {
			return nil, err
		}
		ortInputs[i] = value
	}

	ortOutputs := make([]ort.Value, len(s.outputNames))
	if err := s.session.Run(ortInputs, ortOutputs); err != nil {
		return nil, common.NewEngineError(common.EngineRuntime, "onnxruntime run failed", err)
	}
	defer func() {
		for _, v := range ortOutputs {
			if v != nil {
				v.Destroy()
			}
		}
	}()

	outputs := make(map[string]*Tensor, len(s.outputNames))
	for i, name := range s.outputNames {
		tensor, err := tensorFromOrt(ortOutputs[i])
		if err != nil {
			return nil, err
		}
		outputs[name] = tensor
	}
	return outputs, nil
}

func (s *ortSession) Close() error {
	if s.session != nil {
		err := s.session.Destroy()
		s.session = nil
		return err
	}
	return nil
}

// newOrtValue allocates an ONNX runtime tensor for the coerced input.
func newOrtValue(t *Tensor) (ort.Value, error) {
	shape := ort.NewShape(t.Shape...)
	switch data := t.Data.(type) {
	case []float32:
		if t.DType == DTypeFloat16 || t.DType == DTypeBFloat16 {
			return nil, common.EngineErrorf(common.EngineInput,
				"dtype %s is not supported by this runtime binding", t.DType)
		}
		return ort.NewTensor(shape, data)
	case []float64:
		return ort.NewTensor(shape, data)
	case []int8:
		return ort.NewTensor(shape, data)
	case []int16:
		return ort.NewTensor(shape, data)
	case []int32:
		return ort.NewTensor(shape, data)
	case []int64:
		return ort.NewTensor(shape, data)
	case []uint8:
		return ort.NewTensor(shape, data)
	case []uint16:
		return ort.NewTensor(shape, data)
	case []uint32:
		return ort.NewTensor(shape, data)
	case []uint64:
		return ort.NewTensor(shape, data)
	case []bool:
		return ort.NewTensor(shape, data)
	case []string:
		return nil, common.EngineErrorf(common.EngineInput,
			"string tensors are not supported by this runtime binding")
	default:
		return nil, common.EngineErrorf(common.EngineInput,
			"unsupported input data type %T", t.Data)
	}
}

// tensorFromOrt copies a runtime output into an engine tensor so the
// runtime value can be destroyed immediately.
func tensorFromOrt(v ort.Value) (*Tensor, error) {
	switch t := v.(type) {
	case *ort.Tensor[float32]:
		return copyOrtTensor(DTypeFloat32, t.GetShape(), t.GetData()), nil
	case *ort.Tensor[float64]:
		return copyOrtTensor(DTypeFloat64, t.GetShape(), t.GetData()), nil
	case *ort.Tensor[int8]:
		return copyOrtTensor(DTypeInt8, t.GetShape(), t.GetData()), nil
	case *ort.Tensor[int16]:
		return copyOrtTensor(DTypeInt16, t.GetShape(), t.GetData()), nil
	case *ort.Tensor[int32]:
		return copyOrtTensor(DTypeInt32, t.GetShape(), t.GetData()), nil
	case *ort.Tensor[int64]:
		return copyOrtTensor(DTypeInt64, t.GetShape(), t.GetData()), nil
	case *ort.Tensor[uint8]:
		return copyOrtTensor(DTypeUint8, t.GetShape(), t.GetData()), nil
	case *ort.Tensor[uint16]:
		return copyOrtTensor(DTypeUint16, t.GetShape(), t.GetData()), nil
	case *ort.Tensor[uint32]:
		return copyOrtTensor(DTypeUint32, t.GetShape(), t.GetData()), nil
	case *ort.Tensor[uint64]:
		return copyOrtTensor(DTypeUint64, t.GetShape(), t.GetData()), nil
	case *ort.Tensor[bool]:
		return copyOrtTensor(DTypeBool, t.GetShape(), t.GetData()), nil
	default:
		return nil, common.EngineErrorf(common.EngineRuntime,
			"unsupported output tensor type %T", v)
	}
}

func copyOrtTensor[T any](dtype DType, shape ort.Shape, data []T) *Tensor {
	return &Tensor{
		DType: dtype,
		Shape: append([]int64(nil), shape...),
		Data:  append([]T(nil), data...),
	}
}
