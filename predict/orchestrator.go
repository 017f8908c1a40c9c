// Package predict orchestrates synchronous inference: commitment checks,
// result-cache consultation, engine execution, and the recorded outcome.
// Decisions about what to do are made up front and never revisited during
// execution.
package predict

import (
	"context"

	"modelforge.evalgo.org/cache"
	"modelforge.evalgo.org/catalog"
	"modelforge.evalgo.org/common"
	"modelforge.evalgo.org/engine"
)

// nilFilePathMessage names the invariant broken when a committed row carries
// no artifact coordinates. It can only happen through outside interference
// with the registry.
const nilFilePathMessage = "POST-COMMITMENT INVARIANT VIOLATED. " +
	"Invariant: committed model has file_path set. " +
	"Observed: file_path is nil. " +
	"The pipeline contract is broken. Execution cannot continue."

// Runner executes inference for an artifact on a local path.
type Runner interface {
	Run(ctx context.Context, path string, namedInputs map[string]interface{}) (*engine.RunResult, error)
}

// Request is one synchronous inference submission.
type Request struct {
	InputData  map[string]interface{}
	SkipCache  bool
	RequestID  *string
	ClientAddr string
}

// Orchestrator runs the three-phase prediction flow. Phases never
// interleave: first every decision is taken, then execution follows the
// decisions, then the outcome is recorded.
type Orchestrator struct {
	catalog *catalog.Service
	runner  Runner
	results *cache.PredictionCache
	logger  *common.ContextLogger
}

// NewOrchestrator wires the prediction flow.
func NewOrchestrator(cat *catalog.Service, runner Runner, results *cache.PredictionCache) *Orchestrator {
	return &Orchestrator{
		catalog: cat,
		runner:  runner,
		results: results,
		logger:  common.ServiceLogger("predict"),
	}
}

// Predict executes one synchronous prediction against a committed model and
// returns the recorded row. The Cached flag on the row reports whether the
// result came from the cross-process cache.
func (o *Orchestrator) Predict(ctx context.Context, modelID string, req *Request) (*catalog.Prediction, error) {
	model, err := o.catalog.GetByID(ctx, modelID)
	if err != nil {
		return nil, err
	}

	// Decisions.
	if err := catalog.AssertCommitted(model); err != nil {
		return nil, err
	}
	if !model.HasArtifact() {
		return nil, common.EngineErrorf(common.EngineInvariantViolation, nilFilePathMessage)
	}

	var (
		output    map[string]interface{}
		elapsedMS float64
		useCached bool
	)
	if !req.SkipCache {
		if cached, ok := o.results.Lookup(ctx, model.ID, req.InputData); ok {
			output = cached.Output
			elapsedMS = cached.ElapsedMS
			useCached = true
		}
	}

	// Execution.
	if !useCached {
		local, err := o.catalog.ResolveArtifact(ctx, model)
		if err != nil {
			return nil, err
		}

		result, err := o.runner.Run(ctx, local, req.InputData)
		if err != nil {
			return nil, err
		}
		output = result.Outputs
		elapsedMS = result.ElapsedMS

		// The client may be gone by now; the result is still worth keeping.
		o.results.Store(context.WithoutCancel(ctx), model.ID, req.InputData, output, elapsedMS)
	}

	// Record.
	row := &catalog.Prediction{
		ModelID:         model.ID,
		InputData:       req.InputData,
		OutputData:      output,
		InferenceTimeMS: elapsedMS,
		Cached:          useCached,
		RequestID:       req.RequestID,
		ClientAddr:      req.ClientAddr,
	}
	if err := o.catalog.RecordPrediction(context.WithoutCancel(ctx), row); err != nil {
		return nil, err
	}

	o.logger.WithFields(map[string]interface{}{
		"model_id":          model.ID,
		"prediction_id":     row.ID,
		"cached":            useCached,
		"inference_time_ms": elapsedMS,
	}).Info("Prediction completed")

	return row, nil
}
