package model

import (
	"encoding/json"
	"errors"
	"time"
)

// AttemptStatus is the lifecycle state of an attempt record.
type AttemptStatus string

const (
	AttemptRunning AttemptStatus = "running"
	AttemptOK      AttemptStatus = "ok"
	AttemptFailed  AttemptStatus = "failed"
	AttemptError   AttemptStatus = "error"
)

// Terminal reports whether no further transition is allowed.
func (s AttemptStatus) Terminal() bool {
	return s == AttemptOK || s == AttemptFailed || s == AttemptError
}

// ErrMissingReference is returned by attempt stores when a referenced row
// (typically the submitting user) does not exist.
var ErrMissingReference = errors.New("attempt references a missing row")

// ErrAttemptNotFound is returned when no attempt row matches.
var ErrAttemptNotFound = errors.New("attempt not found")

// Submission is one learner request to evaluate a query against an assignment.
type Submission struct {
	ID           string
	UserID       int64 // 0 when anonymous
	AssignmentID int64
	Code         string
	ReceivedAt   time.Time
}

// AttemptRecord is the persisted trace of a submission.
type AttemptRecord struct {
	ID           int64
	SubmissionID string
	UserID       *int64
	AssignmentID int64
	QueryText    string
	Status       AttemptStatus
	ExecMs       *int64
	ResultCount  *int
	Result       json.RawMessage
	ErrorMessage string
	ErrorJSON    json.RawMessage
	OutputKey    string
	CreatedAt    time.Time
}

// NewAttemptRecord builds the running record for a submission.
func NewAttemptRecord(sub Submission) AttemptRecord {
	rec := AttemptRecord{
		SubmissionID: sub.ID,
		AssignmentID: sub.AssignmentID,
		QueryText:    sub.Code,
		Status:       AttemptRunning,
		CreatedAt:    sub.ReceivedAt,
	}
	if sub.UserID > 0 {
		uid := sub.UserID
		rec.UserID = &uid
	}
	return rec
}

// AttemptSummary is one row of an attempt history listing.
type AttemptSummary struct {
	ID           int64         `json:"id"`
	SubmissionID string        `json:"query_id"`
	CreatedAt    time.Time     `json:"created_at"`
	Status       AttemptStatus `json:"status"`
	ExecMs       *int64        `json:"exec_ms"`
	ResultCount  *int          `json:"result_count"`
	ErrorMessage *string       `json:"error_message"`
	Code         string        `json:"code"`
}

// AttemptEvent is published once per submission after the terminal write.
type AttemptEvent struct {
	SubmissionID string        `json:"submission_id"`
	AttemptID    int64         `json:"attempt_id"`
	UserID       *int64        `json:"user_id"`
	AssignmentID int64         `json:"assignment_id"`
	Status       AttemptStatus `json:"status"`
	ExecMs       *int64        `json:"exec_ms,omitempty"`
	ResultCount  *int          `json:"result_count,omitempty"`
	ErrorMessage string        `json:"error_message,omitempty"`
	Degraded     bool          `json:"degraded"`
	FinishedAt   time.Time     `json:"finished_at"`
}
