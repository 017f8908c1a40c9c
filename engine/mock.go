package engine

import (
	"bytes"
	"fmt"
	"os"
	"sync"

	"modelforge.evalgo.org/common"
)

// MockGraph programs the behavior of one mock model.
type MockGraph struct {
	Inputs   []TensorSpec
	Outputs  []TensorSpec
	Metadata map[string]interface{}

	// Compute overrides the default identity-plus-one behavior.
	Compute func(inputs map[string]*Tensor) (map[string]*Tensor, error)

	// RunErr is returned by every Run call when set.
	RunErr error
}

// MockRuntime is an in-memory Runtime for testing. Any regular file loads
// as the default identity-plus-one graph over float32[?,10]; specific paths
// can be programmed with Register.
type MockRuntime struct {
	mu sync.Mutex

	// Graphs maps artifact paths to programmed graphs.
	Graphs map[string]*MockGraph

	// Default is used for unregistered paths.
	Default *MockGraph

	// MagicPrefix, when set, makes Load reject files whose content does
	// not start with it. Lets tests exercise the validation-failure leg
	// with garbage artifacts.
	MagicPrefix []byte

	// LoadErr is returned by every Load call when set.
	LoadErr error

	// Track calls
	LoadCalls int
	RunCalls  int
}

// NewMockRuntime creates a mock runtime with the identity-plus-one default
// graph: one float32 input of shape [?,10], one float32 output of the same
// shape, every element incremented by one.
func NewMockRuntime() *MockRuntime {
	return &MockRuntime{
		Graphs:  make(map[string]*MockGraph),
		Default: IdentityPlusOneGraph(),
	}
}

// IdentityPlusOneGraph builds the default mock graph.
func IdentityPlusOneGraph() *MockGraph {
	dynamic := []*int64{nil, int64Ptr(10)}
	return &MockGraph{
		Inputs:  []TensorSpec{{Name: "input", DType: DTypeFloat32, Shape: dynamic}},
		Outputs: []TensorSpec{{Name: "output", DType: DTypeFloat32, Shape: dynamic}},
		Metadata: map[string]interface{}{
			"producer_name": "modelforge-mock",
			"graph_name":    "identity_plus_one",
		},
	}
}

func int64Ptr(v int64) *int64 { return &v }

// Register programs a graph for a specific artifact path.
func (m *MockRuntime) Register(path string, graph *MockGraph) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Graphs[path] = graph
}

// Name identifies the runtime.
func (m *MockRuntime) Name() string { return "mock" }

// Load checks the file exists and is regular, then returns a session over
// the programmed (or default) graph.
func (m *MockRuntime) Load(path string) (Session, error) {
	m.mu.Lock()
	m.LoadCalls++
	loadErr := m.LoadErr
	graph, registered := m.Graphs[path]
	if !registered {
		graph = m.Default
	}
	magic := m.MagicPrefix
	m.mu.Unlock()

	if loadErr != nil {
		return nil, loadErr
	}

	info, err := os.Stat(path)
	if err != nil {
		return nil, common.NewEngineError(common.EngineLoad,
			fmt.Sprintf("failed to load model from %s", path), err)
	}
	if !info.Mode().IsRegular() {
		return nil, common.EngineErrorf(common.EngineLoad, "not a regular file: %s", path)
	}

	if len(magic) > 0 {
		content, err := os.ReadFile(path)
		if err != nil {
			return nil, common.NewEngineError(common.EngineLoad,
				fmt.Sprintf("failed to read model from %s", path), err)
		}
		if !bytes.HasPrefix(content, magic) {
			return nil, common.EngineErrorf(common.EngineValidation,
				"invalid model format: %s is not a valid ONNX file", path)
		}
	}

	return &mockSession{runtime: m, graph: graph}, nil
}

type mockSession struct {
	runtime *MockRuntime
	graph   *MockGraph
	closed  bool
	mu      sync.Mutex
}

func (s *mockSession) Inputs() []TensorSpec  { return s.graph.Inputs }
func (s *mockSession) Outputs() []TensorSpec { return s.graph.Outputs }

func (s *mockSession) Metadata() map[string]interface{} { return s.graph.Metadata }

func (s *mockSession) Run(inputs map[string]*Tensor) (map[string]*Tensor, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, common.EngineErrorf(common.EngineRuntime, "session is closed")
	}
	s.mu.Unlock()

	s.runtime.mu.Lock()
	s.runtime.RunCalls++
	s.runtime.mu.Unlock()

	if s.graph.RunErr != nil {
		return nil, s.graph.RunErr
	}
	if s.graph.Compute != nil {
		return s.graph.Compute(inputs)
	}
	return identityPlusOne(s.graph, inputs)
}

func (s *mockSession) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

// identityPlusOne maps the first declared input through x+1 onto the first
// declared output, preserving shape.
func identityPlusOne(graph *MockGraph, inputs map[string]*Tensor) (map[string]*Tensor, error) {
	if len(graph.Inputs) == 0 || len(graph.Outputs) == 0 {
		return nil, common.EngineErrorf(common.EngineRuntime, "graph declares no inputs or outputs")
	}
	in, ok := inputs[graph.Inputs[0].Name]
	if !ok {
		return nil, common.EngineErrorf(common.EngineRuntime, "input %s not bound", graph.Inputs[0].Name)
	}
	data, ok := in.Data.([]float32)
	if !ok {
		return nil, common.EngineErrorf(common.EngineRuntime, "identity graph expects float32 data, got %T", in.Data)
	}

	out := make([]float32, len(data))
	for i, v := range data {
		out[i] = v + 1
	}

	return map[string]*Tensor{
		graph.Outputs[0].Name: {
			DType: DTypeFloat32,
			Shape: append([]int64(nil), in.Shape...),
			Data:  out,
		},
	}, nil
}
