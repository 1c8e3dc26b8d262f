// Package ledger records the lifecycle of every attempt.
//
// A submission accepted by the gate gets a running row before the sandbox
// runs; Close moves it to exactly one terminal status. Persistence failures
// never reach the caller: they are reported through Report.Warning.
package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"querylab/internal/grader/model"
	"querylab/pkg/utils/logger"

	"go.uber.org/zap"
)

const (
	// WarningDegraded is returned when the record was saved without its submitter.
	WarningDegraded = "Database schema not initialized; query result not fully saved"
	// WarningNotSaved is returned when no terminal write succeeded.
	WarningNotSaved = "Database error; query result not saved"

	defaultHistoryLimit = 20
	maxHistoryLimit     = 100
)

// Store persists attempt records.
type Store interface {
	// Insert writes rec and sets rec.ID.
	Insert(ctx context.Context, rec *model.AttemptRecord) error
	// Update overwrites the row identified by rec.ID.
	Update(ctx context.Context, rec *model.AttemptRecord) error
	List(ctx context.Context, userID, assignmentID int64, limit, offset int) ([]model.AttemptSummary, error)
	// OutputKey returns "" when the attempt has no archived output and
	// model.ErrAttemptNotFound when it is not visible to userID.
	OutputKey(ctx context.Context, userID, assignmentID, attemptID int64) (string, error)
}

// EventPublisher receives every terminal record.
type EventPublisher interface {
	PublishAttempt(ctx context.Context, event model.AttemptEvent) error
}

// Handle tracks one attempt between Open and Close.
type Handle struct {
	record    model.AttemptRecord
	persisted bool
	closed    bool
	report    Report
}

// Closed reports whether a terminal status was already recorded.
func (h *Handle) Closed() bool {
	return h.closed
}

// Record returns a copy of the current record.
func (h *Handle) Record() model.AttemptRecord {
	return h.record
}

// Closing is the terminal state written by Close.
type Closing struct {
	Status       model.AttemptStatus
	ExecMs       *int64
	ResultCount  *int
	Result       any
	ErrorMessage string
	ErrorJSON    any
	OutputKey    string
}

// Report describes how durable a terminal write was.
type Report struct {
	Persisted bool
	Degraded  bool
	Warning   string
}

// Ledger writes attempt records through a Store.
type Ledger struct {
	store  Store
	events EventPublisher
	now    func() time.Time
}

// New creates a ledger. events may be nil.
func New(store Store, events EventPublisher) *Ledger {
	return &Ledger{store: store, events: events, now: time.Now}
}

// Open writes the running row for sub. A failed write leaves the handle
// unpersisted; Close will insert instead of update.
func (l *Ledger) Open(ctx context.Context, sub model.Submission) *Handle {
	h := &Handle{record: model.NewAttemptRecord(sub)}
	if h.record.CreatedAt.IsZero() {
		h.record.CreatedAt = l.now().UTC()
	}
	if err := l.store.Insert(context.WithoutCancel(ctx), &h.record); err != nil {
		logger.Warn(ctx, "write running attempt failed", zap.Error(err))
		return h
	}
	h.persisted = true
	return h
}

// Close moves the handle to its terminal status. Calling it twice returns
// the first report without writing again.
func (l *Ledger) Close(ctx context.Context, h *Handle, c Closing) Report {
	if h.closed {
		return h.report
	}
	rec := h.record
	apply(ctx, &rec, c)

	report := l.write(ctx, &rec, h.persisted)
	h.record, h.closed, h.report = rec, true, report
	l.publish(ctx, rec, report)
	return report
}

// Reject records a submission that never reached the sandbox.
func (l *Ledger) Reject(ctx context.Context, sub model.Submission, message string) Report {
	rec := model.NewAttemptRecord(sub)
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = l.now().UTC()
	}
	rec.Status = model.AttemptFailed
	rec.ErrorMessage = message

	report := l.write(ctx, &rec, false)
	l.publish(ctx, rec, report)
	return report
}

// History lists the attempts of userID on an assignment, newest first,
// including rows whose submitter was cleared.
func (l *Ledger) History(ctx context.Context, userID, assignmentID int64, limit, offset int) ([]model.AttemptSummary, error) {
	limit, offset = clampPage(limit, offset)
	return l.store.List(ctx, userID, assignmentID, limit, offset)
}

// OutputKey finds the archived output of one attempt. Rows saved without a
// submitter are visible to everyone, as in History.
func (l *Ledger) OutputKey(ctx context.Context, userID, assignmentID, attemptID int64) (string, error) {
	if attemptID <= 0 {
		return "", model.ErrAttemptNotFound
	}
	return l.store.OutputKey(ctx, userID, assignmentID, attemptID)
}

// Degrade returns rec without its submitter reference.
func Degrade(rec model.AttemptRecord) model.AttemptRecord {
	rec.UserID = nil
	return rec
}

// StripPayload returns rec without its result and diagnostics.
func StripPayload(rec model.AttemptRecord) model.AttemptRecord {
	rec.Result = nil
	rec.ErrorJSON = nil
	return rec
}

// write saves rec. On failure it retries without the submitter (missing
// reference only) and without the JSON payloads, each at most once.
func (l *Ledger) write(ctx context.Context, rec *model.AttemptRecord, update bool) Report {
	wctx := context.WithoutCancel(ctx)
	err := l.save(wctx, rec, update)
	if err == nil {
		return Report{Persisted: true}
	}

	fallback := *rec
	for {
		switch {
		case errors.Is(err, model.ErrMissingReference) && fallback.UserID != nil:
			fallback = Degrade(fallback)
		case len(fallback.Result) > 0 || len(fallback.ErrorJSON) > 0:
			fallback = StripPayload(fallback)
		default:
			logger.Error(ctx, "write terminal attempt failed",
				zap.String("status", string(rec.Status)),
				zap.Error(err),
			)
			return Report{Warning: WarningNotSaved}
		}

		retryErr := l.save(wctx, &fallback, update)
		if retryErr == nil {
			logger.Warn(ctx, "attempt saved partially",
				zap.Bool("without_submitter", fallback.UserID == nil && rec.UserID != nil),
				zap.Bool("without_payload", fallback.Result == nil && fallback.ErrorJSON == nil),
				zap.Error(err),
			)
			*rec = fallback
			return Report{Persisted: true, Degraded: true, Warning: WarningDegraded}
		}
		err = retryErr
	}
}

func (l *Ledger) save(ctx context.Context, rec *model.AttemptRecord, update bool) error {
	if update && rec.ID > 0 {
		return l.store.Update(ctx, rec)
	}
	return l.store.Insert(ctx, rec)
}

func (l *Ledger) publish(ctx context.Context, rec model.AttemptRecord, report Report) {
	if l.events == nil {
		return
	}
	event := model.AttemptEvent{
		SubmissionID: rec.SubmissionID,
		AttemptID:    rec.ID,
		UserID:       rec.UserID,
		AssignmentID: rec.AssignmentID,
		Status:       rec.Status,
		ExecMs:       rec.ExecMs,
		ResultCount:  rec.ResultCount,
		ErrorMessage: rec.ErrorMessage,
		Degraded:     report.Degraded,
		FinishedAt:   l.now().UTC(),
	}
	if err := l.events.PublishAttempt(context.WithoutCancel(ctx), event); err != nil {
		logger.Warn(ctx, "publish attempt event failed", zap.Error(err))
	}
}

func apply(ctx context.Context, rec *model.AttemptRecord, c Closing) {
	rec.Status = c.Status
	if !rec.Status.Terminal() {
		rec.Status = model.AttemptError
	}
	rec.ExecMs = c.ExecMs
	rec.ResultCount = c.ResultCount
	rec.ErrorMessage = c.ErrorMessage
	rec.OutputKey = c.OutputKey
	rec.Result = encode(ctx, "result", c.Result)
	rec.ErrorJSON = encode(ctx, "error_json", c.ErrorJSON)
}

func encode(ctx context.Context, field string, v any) json.RawMessage {
	if v == nil {
		return nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		logger.Warn(ctx, "encode attempt field failed", zap.String("field", field), zap.Error(err))
		return nil
	}
	return data
}

func clampPage(limit, offset int) (int, int) {
	if limit == 0 {
		limit = defaultHistoryLimit
	}
	if limit < 1 {
		limit = 1
	}
	if limit > maxHistoryLimit {
		limit = maxHistoryLimit
	}
	if offset < 0 {
		offset = 0
	}
	return limit, offset
}
