// Package probe gathers read-only context about the target database when a
// query comes back empty, and serves the collection overview.
package probe

import (
	"context"

	"querylab/internal/grader/canonical"
	"querylab/internal/grader/gate"
	"querylab/internal/grader/sandbox"
	pkgerrors "querylab/pkg/errors"
	"querylab/pkg/utils/logger"

	"go.uber.org/zap"
)

const (
	defaultSampleSize = 5
	maxCapturedBytes  = 4096
	failedMarker      = "diag-failed"
)

// Executor runs the fixed diagnostic scripts.
type Executor interface {
	Probe(ctx context.Context, collection string, sampleSize int) (sandbox.Outcome, error)
	Schema(ctx context.Context, sampleSize int) (sandbox.Outcome, error)
}

// Payload is attached to the attempt record as structured diagnostics.
type Payload struct {
	RC          int      `json:"rc"`
	Out         string   `json:"out,omitempty"`
	Err         string   `json:"err,omitempty"`
	Error       string   `json:"error,omitempty"`
	Collections []string `json:"collections,omitempty"`
	Sample      []any    `json:"sample,omitempty"`
}

// Failed reports whether the probe could not run.
func (p Payload) Failed() bool {
	return p.Error == failedMarker
}

// Probe runs diagnostics through the shared executor.
type Probe struct {
	exec       Executor
	sampleSize int
}

// New creates a probe; sampleSize <= 0 means five documents.
func New(exec Executor, sampleSize int) *Probe {
	if sampleSize <= 0 {
		sampleSize = defaultSampleSize
	}
	return &Probe{exec: exec, sampleSize: sampleSize}
}

// Run lists collections and samples the named one. It never returns an
// error: any failure becomes a diag-failed payload.
func (p *Probe) Run(ctx context.Context, collection string) (payload Payload) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error(ctx, "diagnostics panicked", zap.Any("panic", r))
			payload = failedPayload()
		}
	}()

	if !gate.ValidCollectionName(collection) {
		logger.Warn(ctx, "diagnostics skipped for invalid collection", zap.String("collection", collection))
		return failedPayload()
	}

	out, err := p.exec.Probe(ctx, collection, p.sampleSize)
	if out.Status != sandbox.StatusSuccess && out.Status != sandbox.StatusScriptError {
		logger.Warn(ctx, "diagnostics failed",
			zap.String("collection", collection),
			zap.String("status", string(out.Status)),
			zap.Error(err),
		)
		return failedPayload()
	}

	payload = Payload{
		RC:  out.ExitCode,
		Out: clip(out.Stdout),
		Err: clip(out.Stderr),
	}
	if out.Status != sandbox.StatusSuccess {
		return payload
	}

	var listing struct {
		Collections []string `json:"collections"`
		Sample      []any    `json:"sample"`
	}
	if err := decodeInto(out.Stdout, &listing); err != nil {
		logger.Warn(ctx, "diagnostics output unreadable", zap.Error(err))
		return payload
	}
	payload.Collections = listing.Collections
	payload.Sample = canonical.FromValue(listing.Sample).Sample(p.sampleSize)
	return payload
}

// Schema returns up to perCollection sample documents for every collection.
func (p *Probe) Schema(ctx context.Context, perCollection int) (map[string][]any, error) {
	if perCollection <= 0 {
		perCollection = 3
	}
	out, err := p.exec.Schema(ctx, perCollection)
	if err != nil {
		return nil, err
	}

	var listing struct {
		Collections []struct {
			Name   string `json:"name"`
			Sample []any  `json:"sample"`
		} `json:"collections"`
	}
	if err := decodeInto(out.Stdout, &listing); err != nil {
		return nil, pkgerrors.Wrapf(err, pkgerrors.SandboxOutputInvalid, "Invalid mongosh JSON output: %v", err)
	}

	schema := make(map[string][]any, len(listing.Collections))
	for _, coll := range listing.Collections {
		schema[coll.Name] = canonical.FromValue(coll.Sample).Sample(perCollection)
	}
	return schema, nil
}

func failedPayload() Payload {
	return Payload{RC: -1, Error: failedMarker, Err: failedMarker}
}

func clip(s string) string {
	if len(s) <= maxCapturedBytes {
		return s
	}
	return s[:maxCapturedBytes]
}
