// Package service runs a submission through gate, sandbox, grading and ledger.
package service

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"strings"
	"time"

	"querylab/internal/grader/canonical"
	"querylab/internal/grader/gate"
	"querylab/internal/grader/grading"
	"querylab/internal/grader/ledger"
	"querylab/internal/grader/model"
	"querylab/internal/grader/probe"
	"querylab/internal/grader/repository"
	"querylab/internal/grader/sandbox"
	pkgerrors "querylab/pkg/errors"
	"querylab/pkg/utils/contextkey"
	"querylab/pkg/utils/logger"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	defaultMaxCodeBytes     = 64 << 10
	defaultSchemaSampleSize = 3
	maxDiagnosticBytes      = 4096

	emptyCodeMessage = "Body must be JSON with 'code' string"
	noOutputMessage  = "Attempt output not available"
)

// AssignmentSource loads grading policy.
type AssignmentSource interface {
	Get(ctx context.Context, assignmentID int64) (*model.Assignment, error)
}

// QueryExecutor runs an accepted plan in the sandbox.
type QueryExecutor interface {
	Execute(ctx context.Context, plan gate.Plan) (sandbox.Outcome, error)
}

// Diagnostics gathers context for empty results and the schema overview.
type Diagnostics interface {
	Run(ctx context.Context, collection string) probe.Payload
	Schema(ctx context.Context, perCollection int) (map[string][]any, error)
}

// OutputArchiver keeps raw shell output.
type OutputArchiver interface {
	Put(ctx context.Context, out repository.ArchivedOutput) (string, error)
	Get(ctx context.Context, key string) (repository.ArchivedOutput, error)
}

// Config tunes the service.
type Config struct {
	MaxCodeBytes     int
	SchemaSampleSize int
}

// Service is the grading entry point used by the HTTP layer.
type Service struct {
	assignments AssignmentSource
	exec        QueryExecutor
	diagnostics Diagnostics
	ledger      *ledger.Ledger
	archive     OutputArchiver
	cfg         Config
	now         func() time.Time
}

// NewService wires the pipeline. archive may be nil.
func NewService(assignments AssignmentSource, exec QueryExecutor, diagnostics Diagnostics, l *ledger.Ledger, archive OutputArchiver, cfg Config) *Service {
	if cfg.MaxCodeBytes <= 0 {
		cfg.MaxCodeBytes = defaultMaxCodeBytes
	}
	if cfg.SchemaSampleSize <= 0 {
		cfg.SchemaSampleSize = defaultSchemaSampleSize
	}
	return &Service{
		assignments: assignments,
		exec:        exec,
		diagnostics: diagnostics,
		ledger:      l,
		archive:     archive,
		cfg:         cfg,
		now:         time.Now,
	}
}

// SubmitRequest is one graded submission.
type SubmitRequest struct {
	AssignmentID int64
	UserID       int64
	Code         string
}

// AttemptResponse is returned for every graded attempt, passed or not.
type AttemptResponse struct {
	SubmissionID   string            `json:"submission_id"`
	Passed         bool              `json:"passed"`
	Tests          []grading.Verdict `json:"tests"`
	ResultSample   []any             `json:"result_sample"`
	RequiredMethod string            `json:"required_method,omitempty"`
	ErrorText      string            `json:"error_text,omitempty"`
	Warning        string            `json:"warning,omitempty"`
}

// Submit grades req. Policy rejections, sandbox failures and query errors
// come back as coded errors; wrong answers are a normal response.
func (s *Service) Submit(ctx context.Context, req SubmitRequest) (resp *AttemptResponse, err error) {
	if strings.TrimSpace(req.Code) == "" {
		return nil, pkgerrors.New(pkgerrors.InvalidParams).WithMessage(emptyCodeMessage)
	}
	if len(req.Code) > s.cfg.MaxCodeBytes {
		return nil, pkgerrors.Newf(pkgerrors.CodeTooLarge, "Query text exceeds %d bytes", s.cfg.MaxCodeBytes)
	}

	sub := model.Submission{
		ID:           uuid.NewString(),
		UserID:       req.UserID,
		AssignmentID: req.AssignmentID,
		Code:         req.Code,
		ReceivedAt:   s.now().UTC(),
	}
	ctx = context.WithValue(ctx, contextkey.SubmissionID, sub.ID)

	plan, err := gate.Validate(req.Code)
	if err != nil {
		report := s.ledger.Reject(ctx, sub, err.Error())
		s.observe(model.AttemptFailed, "forbidden", report)
		logger.Info(ctx, "submission rejected by gate", zap.Int64("assignment_id", req.AssignmentID))
		return nil, withWarning(pkgerrors.GetError(err), report)
	}

	assignment, err := s.assignments.Get(ctx, req.AssignmentID)
	if err != nil {
		if errors.Is(err, repository.ErrAssignmentNotFound) {
			return nil, pkgerrors.New(pkgerrors.AssignmentNotFound)
		}
		return nil, pkgerrors.Wrapf(err, pkgerrors.DatabaseError, "load assignment failed")
	}

	h := s.ledger.Open(ctx, sub)
	defer func() {
		if r := recover(); r != nil {
			logger.Error(ctx, "grading panicked", zap.Any("panic", r), zap.ByteString("stack", debug.Stack()))
			resp, err = nil, pkgerrors.New(pkgerrors.InternalServerError)
		}
		if !h.Closed() {
			report := s.ledger.Close(ctx, h, ledger.Closing{Status: model.AttemptError, ErrorMessage: "grading aborted"})
			s.observe(model.AttemptError, "aborted", report)
		}
	}()

	return s.grade(ctx, h, sub, plan, assignment)
}

func (s *Service) grade(ctx context.Context, h *ledger.Handle, sub model.Submission, plan gate.Plan, a *model.Assignment) (*AttemptResponse, error) {
	if !gate.RequireMethod(sub.Code, a.RequiredMethod) {
		msg := fmt.Sprintf("Submission must use %s() as required by the assignment", a.RequiredMethod)
		report := s.ledger.Close(ctx, h, ledger.Closing{Status: model.AttemptFailed, ErrorMessage: msg})
		s.observe(model.AttemptFailed, "required_method", report)
		e := pkgerrors.New(pkgerrors.RequiredMethodMissing).WithMessage(msg).
			WithDetail("error_text", msg).
			WithDetail("required_method", a.RequiredMethod)
		return nil, withWarning(e, report)
	}

	out, execErr := s.exec.Execute(ctx, plan)
	if out.Status == "" {
		// The shell never started: pool exhausted or request cancelled.
		e := pkgerrors.GetError(execErr)
		if e == nil {
			e = pkgerrors.New(pkgerrors.SandboxUnavailable)
		}
		report := s.ledger.Close(ctx, h, ledger.Closing{Status: model.AttemptError, ErrorMessage: e.Error()})
		s.observe(model.AttemptError, "unavailable", report)
		return nil, withWarning(e, report)
	}
	sandboxDuration.WithLabelValues(string(out.Status)).Observe(out.Duration.Seconds())
	execMs := out.ExecMs()
	outputKey := s.archiveOutput(ctx, sub.ID, out)

	if execErr != nil {
		e := pkgerrors.GetError(execErr)
		report := s.ledger.Close(ctx, h, ledger.Closing{
			Status:       model.AttemptError,
			ExecMs:       &execMs,
			ErrorMessage: e.Error(),
			ErrorJSON:    map[string]string{"stdout": clip(out.Stdout), "stderr": clip(out.Stderr)},
			OutputKey:    outputKey,
		})
		s.observe(model.AttemptError, string(out.Status), report)
		if e.Code == pkgerrors.QueryFailed {
			e = e.WithDetail("error_text", e.Error())
			if a.RequiredMethod != "" {
				e = e.WithDetail("required_method", a.RequiredMethod)
			}
		}
		return nil, withWarning(e, report)
	}

	result, err := canonical.Canonicalize(out.Stdout)
	if err != nil {
		e := pkgerrors.Wrapf(err, pkgerrors.SandboxOutputInvalid, "Invalid mongosh JSON output: %v", err)
		report := s.ledger.Close(ctx, h, ledger.Closing{
			Status:       model.AttemptError,
			ExecMs:       &execMs,
			ErrorMessage: e.Error(),
			OutputKey:    outputKey,
		})
		s.observe(model.AttemptError, "malformed-output", report)
		return nil, withWarning(e, report)
	}

	var diagnostics any
	if result.Len() == 0 && plan.Collection != "" {
		payload := s.diagnostics.Run(ctx, plan.Collection)
		if payload.Failed() {
			probeRunsTotal.WithLabelValues("failed").Inc()
		} else {
			probeRunsTotal.WithLabelValues("ok").Inc()
		}
		diagnostics = payload
	}

	graded := grading.Grade(result, a.Artifacts)
	status := model.AttemptOK
	if !graded.Passed {
		status = model.AttemptFailed
	}
	count := result.Len()
	report := s.ledger.Close(ctx, h, ledger.Closing{
		Status:       status,
		ExecMs:       &execMs,
		ResultCount:  &count,
		Result:       result,
		ErrorMessage: graded.FailureText(),
		ErrorJSON:    diagnostics,
		OutputKey:    outputKey,
	})
	s.observe(status, "graded", report)

	return &AttemptResponse{
		SubmissionID:   sub.ID,
		Passed:         graded.Passed,
		Tests:          graded.Tests,
		ResultSample:   graded.ResultSample,
		RequiredMethod: a.RequiredMethod,
		ErrorText:      graded.FailureText(),
		Warning:        report.Warning,
	}, nil
}

// History lists earlier attempts of userID on an assignment.
func (s *Service) History(ctx context.Context, userID, assignmentID int64, limit, offset int) ([]model.AttemptSummary, error) {
	items, err := s.ledger.History(ctx, userID, assignmentID, limit, offset)
	if err != nil {
		return nil, pkgerrors.Wrapf(err, pkgerrors.DatabaseError, "load attempt history failed")
	}
	if items == nil {
		items = []model.AttemptSummary{}
	}
	return items, nil
}

// Output returns the archived shell output of one of userID's attempts.
func (s *Service) Output(ctx context.Context, userID, assignmentID, attemptID int64) (*repository.ArchivedOutput, error) {
	if s.archive == nil {
		return nil, pkgerrors.New(pkgerrors.NotFound).WithMessage(noOutputMessage)
	}
	key, err := s.ledger.OutputKey(ctx, userID, assignmentID, attemptID)
	if err != nil {
		if errors.Is(err, model.ErrAttemptNotFound) {
			return nil, pkgerrors.New(pkgerrors.NotFound).WithMessage("Attempt not found")
		}
		return nil, pkgerrors.Wrapf(err, pkgerrors.DatabaseError, "load attempt failed")
	}
	if key == "" {
		return nil, pkgerrors.New(pkgerrors.NotFound).WithMessage(noOutputMessage)
	}
	out, err := s.archive.Get(ctx, key)
	if err != nil {
		return nil, pkgerrors.Wrapf(err, pkgerrors.InternalServerError, "load attempt output failed")
	}
	return &out, nil
}

// Schema lists the collections of the target database with sample documents.
func (s *Service) Schema(ctx context.Context, assignmentID int64) (map[string][]any, error) {
	if _, err := s.assignments.Get(ctx, assignmentID); err != nil {
		if errors.Is(err, repository.ErrAssignmentNotFound) {
			return nil, pkgerrors.New(pkgerrors.AssignmentNotFound)
		}
		return nil, pkgerrors.Wrapf(err, pkgerrors.DatabaseError, "load assignment failed")
	}
	return s.diagnostics.Schema(ctx, s.cfg.SchemaSampleSize)
}

func (s *Service) archiveOutput(ctx context.Context, submissionID string, out sandbox.Outcome) string {
	if s.archive == nil {
		return ""
	}
	key, err := s.archive.Put(ctx, repository.ArchivedOutput{
		SubmissionID: submissionID,
		Status:       string(out.Status),
		ExitCode:     out.ExitCode,
		Stdout:       out.Stdout,
		Stderr:       out.Stderr,
	})
	if err != nil {
		logger.Warn(ctx, "archive shell output failed", zap.Error(err))
		return ""
	}
	return key
}

func (s *Service) observe(status model.AttemptStatus, outcome string, report ledger.Report) {
	attemptsTotal.WithLabelValues(string(status), outcome).Inc()
	switch {
	case report.Degraded:
		ledgerDegradedTotal.WithLabelValues("degraded").Inc()
	case !report.Persisted:
		ledgerDegradedTotal.WithLabelValues("lost").Inc()
	}
}

func withWarning(e *pkgerrors.Error, report ledger.Report) *pkgerrors.Error {
	if report.Warning != "" {
		e = e.WithDetail("warning", report.Warning)
	}
	return e
}

func clip(s string) string {
	if len(s) <= maxDiagnosticBytes {
		return s
	}
	return s[:maxDiagnosticBytes]
}
