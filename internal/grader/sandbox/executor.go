package sandbox

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"

	"querylab/internal/grader/gate"
	pkgerrors "querylab/pkg/errors"
)

// Executor runs accepted plans and diagnostic scripts through a Runner.
type Executor struct {
	runner         Runner
	maxOutputBytes int
	maxTimeMS      int
}

// NewExecutor builds an executor; limits come from cfg after defaults.
func NewExecutor(runner Runner, cfg Config) *Executor {
	cfg = cfg.WithDefaults()
	return &Executor{runner: runner, maxOutputBytes: cfg.MaxOutputBytes, maxTimeMS: cfg.MaxTimeMS}
}

// Execute runs plan and returns the outcome together with its classified
// error. The outcome is returned even when the error is non-nil.
func (e *Executor) Execute(ctx context.Context, plan gate.Plan) (Outcome, error) {
	payload, err := json.Marshal(plan)
	if err != nil {
		return Outcome{}, pkgerrors.Wrapf(err, pkgerrors.InternalServerError, "encode plan failed")
	}
	out, err := e.runner.Run(ctx, Script{
		Source: queryScript,
		Env: map[string]string{
			envPlan:      string(payload),
			envMaxOutput: strconv.Itoa(e.maxOutputBytes),
			envMaxTimeMS: strconv.Itoa(e.maxTimeMS),
		},
	})
	if err != nil {
		return out, err
	}
	return out, Classify(out)
}

// Probe runs the diagnostic script for one collection.
func (e *Executor) Probe(ctx context.Context, collection string, sampleSize int) (Outcome, error) {
	out, err := e.runner.Run(ctx, Script{
		Source: probeScript,
		Env: map[string]string{
			envCollection: collection,
			envSampleSize: strconv.Itoa(sampleSize),
		},
	})
	if err != nil {
		return out, err
	}
	return out, Classify(out)
}

// Schema runs the collection overview script.
func (e *Executor) Schema(ctx context.Context, sampleSize int) (Outcome, error) {
	out, err := e.runner.Run(ctx, Script{
		Source: schemaScript,
		Env:    map[string]string{envSampleSize: strconv.Itoa(sampleSize)},
	})
	if err != nil {
		return out, err
	}
	return out, Classify(out)
}

// Classify maps an outcome to the error reported to the caller.
func Classify(out Outcome) error {
	switch out.Status {
	case StatusSuccess:
		return nil
	case StatusTimeout:
		return pkgerrors.New(pkgerrors.SandboxTimeout)
	case StatusProcessError:
		return pkgerrors.Newf(pkgerrors.SandboxUnavailable, "mongosh not found or failed to start: %s", out.Stderr)
	case StatusScriptError:
		return pkgerrors.New(pkgerrors.QueryFailed).WithMessage(out.ErrorMessage())
	case StatusMalformedOutput:
		if out.Oversize {
			return pkgerrors.New(pkgerrors.SandboxOutputInvalid).WithMessage("Invalid mongosh JSON output: result too large")
		}
		return pkgerrors.Newf(pkgerrors.SandboxOutputInvalid, "Invalid mongosh JSON output: %s", truncate(out.Stdout, 200))
	}
	return pkgerrors.New(pkgerrors.InternalServerError).WithMessage(fmt.Sprintf("unknown sandbox status %q", out.Status))
}
