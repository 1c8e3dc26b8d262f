// Package grading compares a canonical result against assignment artifacts.
package grading

import (
	"encoding/json"
	"fmt"
	"strings"

	"querylab/internal/grader/canonical"
	"querylab/internal/grader/model"
)

// SampleSize bounds every sample carried in a verdict or result.
const SampleSize = 5

// Verdict is the outcome of one artifact.
type Verdict struct {
	TestID         int64  `json:"test_id"`
	Description    string `json:"description"`
	Passed         bool   `json:"passed"`
	ExpectedSample []any  `json:"expected_sample,omitempty"`
	ActualSample   []any  `json:"actual_sample,omitempty"`
	FailureReason  string `json:"failure_reason,omitempty"`
}

// Result aggregates all verdicts of one attempt.
type Result struct {
	Passed       bool      `json:"passed"`
	Tests        []Verdict `json:"tests"`
	ResultSample []any     `json:"result_sample"`
}

// FailureText joins the failure reasons as "Test <id>: <reason>".
// It is empty when every test passed.
func (r Result) FailureText() string {
	var parts []string
	for _, v := range r.Tests {
		if !v.Passed {
			parts = append(parts, fmt.Sprintf("Test %d: %s", v.TestID, v.FailureReason))
		}
	}
	return strings.Join(parts, "; ")
}

// Grade checks actual against every artifact. All artifacts must match
// exactly; no artifacts means the attempt passes.
func Grade(actual canonical.Result, artifacts []model.Artifact) Result {
	res := Result{
		Passed:       true,
		Tests:        make([]Verdict, 0, len(artifacts)),
		ResultSample: actual.Sample(SampleSize),
	}
	docs := actual.Docs
	if docs == nil {
		docs = []any{}
	}

	for _, art := range artifacts {
		expected := expectedValue(art.Expected)
		v := Verdict{
			TestID:      art.ID,
			Description: art.Description,
			Passed:      canonical.Equal(expected, docs),
		}
		if !v.Passed {
			res.Passed = false
			v.ExpectedSample = sample(expected)
			v.ActualSample = actual.Sample(SampleSize)
			v.FailureReason = reason(expected, len(docs))
		}
		res.Tests = append(res.Tests, v)
	}
	return res
}

// expectedValue decodes a stored artifact. Text is parsed as JSON when it
// can be, otherwise kept as {"_raw": text}.
func expectedValue(raw json.RawMessage) any {
	v, err := canonical.DecodeValue(raw)
	if err != nil {
		return rawValue(string(raw))
	}
	text, ok := v.(string)
	if !ok {
		return v
	}
	parsed, err := canonical.DecodeValue([]byte(text))
	if err != nil || strings.TrimSpace(text) == "" {
		return rawValue(text)
	}
	return parsed
}

func rawValue(text string) map[string]any {
	return map[string]any{"_raw": text}
}

func sample(expected any) []any {
	seq, ok := expected.([]any)
	if !ok {
		return []any{expected}
	}
	if len(seq) > SampleSize {
		seq = seq[:SampleSize]
	}
	out := make([]any, len(seq))
	copy(out, seq)
	return out
}

func reason(expected any, got int) string {
	if seq, ok := expected.([]any); ok {
		return fmt.Sprintf("expected %d docs, got %d", len(seq), got)
	}
	return "expected value mismatch"
}
