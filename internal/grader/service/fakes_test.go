package service

import (
	"context"
	"errors"
	"sort"
	"sync"

	"querylab/internal/grader/gate"
	"querylab/internal/grader/ledger"
	"querylab/internal/grader/model"
	"querylab/internal/grader/probe"
	"querylab/internal/grader/repository"
	"querylab/internal/grader/sandbox"
)

type fakeAssignments struct {
	items map[int64]*model.Assignment
	err   error
}

func (f *fakeAssignments) Get(_ context.Context, id int64) (*model.Assignment, error) {
	if f.err != nil {
		return nil, f.err
	}
	a, ok := f.items[id]
	if !ok {
		return nil, repository.ErrAssignmentNotFound
	}
	return a, nil
}

type fakeExecutor struct {
	mu    sync.Mutex
	out   sandbox.Outcome
	err   error
	panic bool
	plans []gate.Plan
}

func (f *fakeExecutor) Execute(_ context.Context, plan gate.Plan) (sandbox.Outcome, error) {
	f.mu.Lock()
	f.plans = append(f.plans, plan)
	f.mu.Unlock()
	if f.panic {
		panic("shell wrapper exploded")
	}
	if f.err != nil {
		return sandbox.Outcome{}, f.err
	}
	return f.out, sandbox.Classify(f.out)
}

func (f *fakeExecutor) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.plans)
}

type fakeDiagnostics struct {
	payload     probe.Payload
	collections []string
	schema      map[string][]any
	schemaErr   error
}

func (f *fakeDiagnostics) Run(_ context.Context, collection string) probe.Payload {
	f.collections = append(f.collections, collection)
	return f.payload
}

func (f *fakeDiagnostics) Schema(_ context.Context, _ int) (map[string][]any, error) {
	return f.schema, f.schemaErr
}

type fakeArchive struct {
	outputs []repository.ArchivedOutput
	byKey   map[string]repository.ArchivedOutput
	getErr  error
}

func (f *fakeArchive) Put(_ context.Context, out repository.ArchivedOutput) (string, error) {
	f.outputs = append(f.outputs, out)
	key := "attempts/" + out.SubmissionID + ".json.zst"
	if f.byKey == nil {
		f.byKey = make(map[string]repository.ArchivedOutput)
	}
	f.byKey[key] = out
	return key, nil
}

func (f *fakeArchive) Get(_ context.Context, key string) (repository.ArchivedOutput, error) {
	if f.getErr != nil {
		return repository.ArchivedOutput{}, f.getErr
	}
	out, ok := f.byKey[key]
	if !ok {
		return repository.ArchivedOutput{}, errors.New("object not found")
	}
	return out, nil
}

// attemptStore is an in-memory ledger.Store that enforces the submitter
// reference against a set of known users.
type attemptStore struct {
	mu     sync.Mutex
	rows   map[int64]model.AttemptRecord
	nextID int64
	users  map[int64]bool
	// history of statuses written per row, in order
	transitions map[int64][]model.AttemptStatus
}

func newAttemptStore(users ...int64) *attemptStore {
	s := &attemptStore{
		rows:        make(map[int64]model.AttemptRecord),
		users:       make(map[int64]bool),
		transitions: make(map[int64][]model.AttemptStatus),
	}
	for _, u := range users {
		s.users[u] = true
	}
	return s
}

func (s *attemptStore) Insert(_ context.Context, rec *model.AttemptRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if rec.UserID != nil && !s.users[*rec.UserID] {
		return model.ErrMissingReference
	}
	s.nextID++
	rec.ID = s.nextID
	s.rows[rec.ID] = *rec
	s.transitions[rec.ID] = append(s.transitions[rec.ID], rec.Status)
	return nil
}

func (s *attemptStore) Update(_ context.Context, rec *model.AttemptRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if rec.UserID != nil && !s.users[*rec.UserID] {
		return model.ErrMissingReference
	}
	s.rows[rec.ID] = *rec
	s.transitions[rec.ID] = append(s.transitions[rec.ID], rec.Status)
	return nil
}

func (s *attemptStore) List(_ context.Context, userID, assignmentID int64, limit, offset int) ([]model.AttemptSummary, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]int64, 0, len(s.rows))
	for id := range s.rows {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] > ids[j] })
	var out []model.AttemptSummary
	for _, id := range ids {
		rec := s.rows[id]
		if rec.AssignmentID != assignmentID || (rec.UserID != nil && *rec.UserID != userID) {
			continue
		}
		out = append(out, model.AttemptSummary{ID: rec.ID, SubmissionID: rec.SubmissionID, Status: rec.Status, Code: rec.QueryText})
	}
	if offset < len(out) {
		out = out[offset:]
	} else {
		out = nil
	}
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *attemptStore) OutputKey(_ context.Context, userID, assignmentID, attemptID int64) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.rows[attemptID]
	if !ok || rec.AssignmentID != assignmentID || (rec.UserID != nil && *rec.UserID != userID) {
		return "", model.ErrAttemptNotFound
	}
	return rec.OutputKey, nil
}

func (s *attemptStore) only() (model.AttemptRecord, []model.AttemptStatus, int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, rec := range s.rows {
		return rec, s.transitions[id], len(s.rows)
	}
	return model.AttemptRecord{}, nil, 0
}

type harness struct {
	svc       *Service
	store     *attemptStore
	exec      *fakeExecutor
	diag      *fakeDiagnostics
	archive   *fakeArchive
	assignmts *fakeAssignments
}

func newHarness(users ...int64) *harness {
	h := &harness{
		store:     newAttemptStore(users...),
		exec:      &fakeExecutor{},
		diag:      &fakeDiagnostics{},
		archive:   &fakeArchive{},
		assignmts: &fakeAssignments{items: make(map[int64]*model.Assignment)},
	}
	h.svc = NewService(h.assignmts, h.exec, h.diag, ledger.New(h.store, nil), h.archive, Config{})
	return h
}
