package engine

import (
	"context"
	"os"
	"sync"
	"time"

	"modelforge.evalgo.org/common"
)

// vanishedFileMessage names the post-commitment invariant the adapter
// re-checks before touching a session. Run is only reachable for committed
// models, so a missing file means the pipeline contract is broken.
const vanishedFileMessage = "POST-COMMITMENT INVARIANT VIOLATED. " +
	"Invariant: file_path points to a valid ONNX file. " +
	"Observed: file no longer exists (path: %s). " +
	"The pipeline contract is broken. Execution cannot continue."

// VanishedFileError reports a committed artifact whose file disappeared.
// Callers resolving artifacts outside the adapter raise the same violation
// so the message stays canonical.
func VanishedFileError(path string) error {
	return common.EngineErrorf(common.EngineInvariantViolation, vanishedFileMessage, path)
}

// Adapter caches compiled sessions per resolved artifact path and executes
// inference against them. One adapter is shared by the whole process.
type Adapter struct {
	runtime Runtime
	logger  *common.ContextLogger

	mu       sync.Mutex
	sessions map[string]*sessionEntry
}

type sessionEntry struct {
	session Session
	inputs  []TensorSpec
	outputs []TensorSpec
}

// NewAdapter creates an adapter over the given runtime.
func NewAdapter(runtime Runtime) *Adapter {
	return &Adapter{
		runtime:  runtime,
		logger:   common.ServiceLogger("engine").WithField("runtime", runtime.Name()),
		sessions: make(map[string]*sessionEntry),
	}
}

// Validate loads the artifact once, extracts schemas and metadata, and
// releases the session. It never mutates catalog state and never caches.
func (a *Adapter) Validate(path string) *ValidationResult {
	session, err := a.runtime.Load(path)
	if err != nil {
		return &ValidationResult{Valid: false, Error: err.Error()}
	}
	defer session.Close()

	return &ValidationResult{
		Valid:    true,
		Inputs:   session.Inputs(),
		Outputs:  session.Outputs(),
		Metadata: session.Metadata(),
	}
}

// Run executes inference for the committed artifact at path.
//
// The vanished-file check runs first: a missing artifact evicts any cached
// session and fails with an invariant violation, never a retryable error.
// Missing declared inputs fail before the runtime is invoked; extra inputs
// are ignored.
func (a *Adapter) Run(ctx context.Context, path string, namedInputs map[string]interface{}) (*RunResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, common.NewEngineError(common.EngineRuntime, "inference aborted", err)
	}

	if _, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) {
			a.Evict(path)
			return nil, VanishedFileError(path)
		}
		return nil, common.NewEngineError(common.EngineLoad, "failed to stat model file", err)
	}

	entry, err := a.session(path)
	if err != nil {
		return nil, err
	}

	inputs := make(map[string]*Tensor, len(entry.inputs))
	for _, spec := range entry.inputs {
		value, ok := namedInputs[spec.Name]
		if !ok {
			return nil, common.EngineErrorf(common.EngineInput, "Missing required input: %s", spec.Name)
		}
		tensor, err := buildTensor(spec.Name, spec.DType, value)
		if err != nil {
			return nil, err
		}
		inputs[spec.Name] = tensor
	}

	start := time.Now()
	rawOutputs, err := entry.session.Run(inputs)
	elapsed := time.Since(start)
	if err != nil {
		if _, ok := common.AsEngineError(err); ok {
			return nil, err
		}
		return nil, common.NewEngineError(common.EngineRuntime, "inference failed", err)
	}

	outputs := make(map[string]interface{}, len(rawOutputs))
	for name, tensor := range rawOutputs {
		value, err := tensorToJSON(tensor)
		if err != nil {
			return nil, common.NewEngineError(common.EngineRuntime, "failed to convert output "+name, err)
		}
		outputs[name] = value
	}

	return &RunResult{
		Outputs:   outputs,
		ElapsedMS: float64(elapsed.Microseconds()) / 1000.0,
	}, nil
}

// session returns the cached entry for path, compiling on a miss. The
// compile happens outside the lock; a racing miss may compile twice and the
// loser's session is closed.
func (a *Adapter) session(path string) (*sessionEntry, error) {
	a.mu.Lock()
	if entry, ok := a.sessions[path]; ok {
		a.mu.Unlock()
		return entry, nil
	}
	a.mu.Unlock()

	session, err := a.runtime.Load(path)
	if err != nil {
		if _, ok := common.AsEngineError(err); ok {
			return nil, err
		}
		return nil, common.NewEngineError(common.EngineLoad, "failed to load model", err)
	}
	entry := &sessionEntry{
		session: session,
		inputs:  session.Inputs(),
		outputs: session.Outputs(),
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if existing, ok := a.sessions[path]; ok {
		go session.Close()
		return existing, nil
	}
	a.sessions[path] = entry
	a.logger.WithField("path", path).Debug("compiled session")
	return entry, nil
}

// Evict drops the cached session for path, closing it if present.
func (a *Adapter) Evict(path string) {
	a.mu.Lock()
	entry, ok := a.sessions[path]
	if ok {
		delete(a.sessions, path)
	}
	a.mu.Unlock()

	if ok {
		if err := entry.session.Close(); err != nil {
			a.logger.WithError(err).WithField("path", path).Warn("failed to close session")
		}
		a.logger.WithField("path", path).Debug("evicted session")
	}
}

// EvictAll drops every cached session.
func (a *Adapter) EvictAll() {
	a.mu.Lock()
	entries := a.sessions
	a.sessions = make(map[string]*sessionEntry)
	a.mu.Unlock()

	for path, entry := range entries {
		if err := entry.session.Close(); err != nil {
			a.logger.WithError(err).WithField("path", path).Warn("failed to close session")
		}
	}
}

// SessionCount reports the number of cached sessions.
func (a *Adapter) SessionCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.sessions)
}
