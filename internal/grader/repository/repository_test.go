package repository

import (
	"bytes"
	"context"
	"errors"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"querylab/internal/common/cache"
	"querylab/internal/common/mq"
	"querylab/internal/grader/model"

	"github.com/alicebob/miniredis/v2"
	"github.com/lib/pq"
	"github.com/redis/go-redis/v9"
)

func newTestCache(t *testing.T) (*miniredis.Miniredis, cache.Cache) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	c, err := cache.NewRedisCacheWithClient(client)
	if err != nil {
		t.Fatalf("redis cache: %v", err)
	}
	t.Cleanup(func() { _ = c.Close() })
	return mr, c
}

func seedAssignment(f *fakeDB) {
	f.rows["FROM assignments"] = [][]any{{int64(4), "Orders by status", `{"required_method": "sort"}`}}
	f.rows["FROM assignment_tests"] = [][]any{
		{int64(1), "five A orders", `[{"status":"A"}]`},
		{int64(2), "nothing else", `"[]"`},
	}
}

func TestAssignmentGetFromDB(t *testing.T) {
	f := newFakeDB()
	seedAssignment(f)
	repo := NewAssignmentRepository(f, nil, 0, 0)

	a, err := repo.Get(context.Background(), 4)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if a.ID != 4 || a.RequiredMethod != "sort" || len(a.Artifacts) != 2 {
		t.Fatalf("assignment = %+v", a)
	}
	if string(a.Artifacts[1].Expected) != `"[]"` {
		t.Fatalf("artifact = %s", a.Artifacts[1].Expected)
	}
}

func TestAssignmentCachedAfterFirstRead(t *testing.T) {
	mr, c := newTestCache(t)
	f := newFakeDB()
	seedAssignment(f)
	repo := NewAssignmentRepository(f, c, time.Minute, time.Minute)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		a, err := repo.Get(ctx, 4)
		if err != nil {
			t.Fatalf("Get: %v", err)
		}
		if len(a.Artifacts) != 2 || string(a.Artifacts[0].Expected) != `[{"status":"A"}]` {
			t.Fatalf("assignment = %+v", a)
		}
	}
	if n := f.count("FROM assignments"); n != 1 {
		t.Fatalf("db reads = %d", n)
	}
	if !mr.Exists(assignmentKey(4)) {
		t.Fatal("assignment not cached")
	}

}

func TestAssignmentNotFoundIsCached(t *testing.T) {
	mr, c := newTestCache(t)
	f := newFakeDB()
	repo := NewAssignmentRepository(f, c, time.Minute, time.Minute)

	for i := 0; i < 2; i++ {
		if _, err := repo.Get(context.Background(), 99); !errors.Is(err, ErrAssignmentNotFound) {
			t.Fatalf("err = %v", err)
		}
	}
	if n := f.count("FROM assignments"); n != 1 {
		t.Fatalf("db reads = %d", n)
	}
	if v, _ := mr.Get(assignmentKey(99)); v != cache.NullCacheValue {
		t.Fatalf("cached value = %q", v)
	}
}

func TestRequiredMethod(t *testing.T) {
	cases := map[string]string{
		``:                                    "",
		`{"required_method": "aggregate"}`:    "aggregate",
		`"{\"required_method\": \" find \"}"`: "find",
		`{"other": 1}`:                        "",
		`[1]`:                                 "",
		`not json`:                            "",
	}
	for in, want := range cases {
		if got := requiredMethod(in); got != want {
			t.Fatalf("requiredMethod(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestAttemptInsertSetsID(t *testing.T) {
	f := newFakeDB()
	f.rows["INSERT INTO query_attempts"] = [][]any{{int64(17)}}
	repo := NewAttemptRepository(f)

	uid := int64(3)
	rec := &model.AttemptRecord{SubmissionID: "s", UserID: &uid, AssignmentID: 4, QueryText: "db.c.find()", Status: model.AttemptRunning}
	if err := repo.Insert(context.Background(), rec); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	if rec.ID != 17 {
		t.Fatalf("id = %d", rec.ID)
	}
	args := f.args[0]
	if args[1] != int64(3) || args[5] != nil || args[7] != nil || args[8] != nil {
		t.Fatalf("args = %v", args)
	}
}

func TestAttemptForeignKeyViolation(t *testing.T) {
	fk := &pq.Error{Code: "23503", Constraint: "query_attempts_user_id_fkey"}

	f := newFakeDB()
	f.rowErr["INSERT INTO query_attempts"] = fk
	f.execErr["UPDATE query_attempts"] = fk
	repo := NewAttemptRepository(f)

	err := repo.Insert(context.Background(), &model.AttemptRecord{SubmissionID: "s"})
	if !errors.Is(err, model.ErrMissingReference) {
		t.Fatalf("insert err = %v", err)
	}
	err = repo.Update(context.Background(), &model.AttemptRecord{ID: 1, Status: model.AttemptOK})
	if !errors.Is(err, model.ErrMissingReference) || !strings.Contains(err.Error(), "user_id_fkey") {
		t.Fatalf("update err = %v", err)
	}
}

func TestAttemptMissingAssignmentIsNotMissingSubmitter(t *testing.T) {
	f := newFakeDB()
	f.rowErr["INSERT INTO query_attempts"] = &pq.Error{Code: "23503", Constraint: "query_attempts_assignment_id_fkey"}
	repo := NewAttemptRepository(f)

	err := repo.Insert(context.Background(), &model.AttemptRecord{SubmissionID: "s", AssignmentID: 404})
	if !errors.Is(err, ErrAssignmentNotFound) {
		t.Fatalf("err = %v", err)
	}
	if errors.Is(err, model.ErrMissingReference) {
		t.Fatal("assignment violation reported as missing submitter")
	}
}

func TestAttemptUpdateMissingRow(t *testing.T) {
	f := newFakeDB()
	f.affected = 0
	repo := NewAttemptRepository(f)
	err := repo.Update(context.Background(), &model.AttemptRecord{ID: 5, Status: model.AttemptOK, Result: []byte(`[]`)})
	if !errors.Is(err, ErrAttemptNotFound) {
		t.Fatalf("err = %v", err)
	}
	if f.args[0][5] != "[]" {
		t.Fatalf("result arg = %#v", f.args[0][5])
	}
}

func TestAttemptList(t *testing.T) {
	now := time.Now().UTC()
	f := newFakeDB()
	f.rows["FROM query_attempts"] = [][]any{
		{int64(2), "b", now, "ok", int64(15), int64(3), nil, "db.c.find()"},
		{int64(1), "a", now.Add(-time.Minute), "error", nil, nil, "mongosh timed out", "db.c.find()"},
	}
	repo := NewAttemptRepository(f)

	got, err := repo.List(context.Background(), 3, 4, 20, 0)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("len = %d", len(got))
	}
	if *got[0].ExecMs != 15 || *got[0].ResultCount != 3 || got[0].ErrorMessage != nil {
		t.Fatalf("first = %+v", got[0])
	}
	if got[1].ExecMs != nil || *got[1].ErrorMessage != "mongosh timed out" {
		t.Fatalf("second = %+v", got[1])
	}
	if !strings.Contains(f.calls[0], "user_id IS NULL") {
		t.Fatal("degraded rows excluded from history")
	}
}

func TestAttemptOutputKey(t *testing.T) {
	tests := []struct {
		name    string
		rows    [][]any
		want    string
		wantErr error
	}{
		{name: "archived", rows: [][]any{{"attempts/ab/abc.json.zst"}}, want: "attempts/ab/abc.json.zst"},
		{name: "not archived", rows: [][]any{{nil}}},
		{name: "not visible", wantErr: ErrAttemptNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFakeDB()
			if tt.rows != nil {
				f.rows["SELECT output_key"] = tt.rows
			}
			repo := NewAttemptRepository(f)
			got, err := repo.OutputKey(context.Background(), 3, 4, 17)
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("err = %v, want %v", err, tt.wantErr)
			}
			if got != tt.want {
				t.Fatalf("key = %q", got)
			}
			args := f.args[0]
			if args[0] != int64(17) || args[1] != int64(4) || args[2] != int64(3) {
				t.Fatalf("args = %v", args)
			}
			if !strings.Contains(f.calls[0], "user_id IS NULL") {
				t.Fatal("rows without a submitter are not visible")
			}
		})
	}
}

func TestInitSchema(t *testing.T) {
	f := newFakeDB()
	if err := InitSchema(context.Background(), f); err != nil {
		t.Fatalf("InitSchema: %v", err)
	}
	if f.count("CREATE TABLE IF NOT EXISTS") != 3 {
		t.Fatalf("calls = %v", f.calls)
	}
	if !strings.Contains(strings.Join(schemaStatements, "\n"), "CONSTRAINT "+attemptAssignmentFK) {
		t.Fatal("assignment foreign key is not named as mapWriteError expects")
	}

	f = newFakeDB()
	f.execErr["assignment_tests"] = errors.New("permission denied")
	if err := InitSchema(context.Background(), f); err == nil {
		t.Fatal("expected error")
	}
}

type captureProducer struct {
	topic string
	msg   *mq.Message
}

func (p *captureProducer) Publish(_ context.Context, topic string, m *mq.Message) error {
	p.topic, p.msg = topic, m
	return nil
}

func (p *captureProducer) Close() error { return nil }

func TestMQAttemptEventPublisher(t *testing.T) {
	prod := &captureProducer{}
	pub := NewMQAttemptEventPublisher(prod, "grader.attempts")
	err := pub.PublishAttempt(context.Background(), model.AttemptEvent{SubmissionID: "sub-9", Status: model.AttemptFailed})
	if err != nil {
		t.Fatalf("PublishAttempt: %v", err)
	}
	if prod.topic != "grader.attempts" || prod.msg.ID != "sub-9" {
		t.Fatalf("published %q %+v", prod.topic, prod.msg)
	}
	if prod.msg.Headers["event"] != "attempt.finished" || prod.msg.Headers["status"] != "failed" {
		t.Fatalf("headers = %v", prod.msg.Headers)
	}
	if !bytes.Contains(prod.msg.Body, []byte(`"submission_id":"sub-9"`)) {
		t.Fatalf("body = %s", prod.msg.Body)
	}
}

type memObjects struct {
	mu      sync.Mutex
	objects map[string][]byte
	types   map[string]string
}

func newMemObjects() *memObjects {
	return &memObjects{objects: make(map[string][]byte), types: make(map[string]string)}
}

func (m *memObjects) PutObject(_ context.Context, bucket, key string, r io.Reader, size int64, contentType string) error {
	data, err := io.ReadAll(r)
	if err != nil {
		return err
	}
	if int64(len(data)) != size {
		return errors.New("size mismatch")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.objects[bucket+"/"+key] = data
	m.types[bucket+"/"+key] = contentType
	return nil
}

func (m *memObjects) GetObject(_ context.Context, bucket, key string) (io.ReadCloser, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	data, ok := m.objects[bucket+"/"+key]
	if !ok {
		return nil, errors.New("no such key")
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

func TestOutputArchiveRoundTrip(t *testing.T) {
	objects := newMemObjects()
	archive := NewOutputArchive(objects, "outputs", "/attempts/")
	in := ArchivedOutput{
		SubmissionID: "9f1c2d3e-0000-4000-8000-000000000000",
		Status:       "script-error",
		ExitCode:     2,
		Stdout:       strings.Repeat(`{"__mongo_error":"x"}`, 100),
		Stderr:       "warning",
	}
	key, err := archive.Put(context.Background(), in)
	if err != nil {
		t.Fatalf("Put: %v", err)
	}
	if key != "attempts/9f/9f1c2d3e-0000-4000-8000-000000000000.json.zst" {
		t.Fatalf("key = %q", key)
	}
	stored := objects.objects["outputs/"+key]
	if len(stored) >= len(in.Stdout) {
		t.Fatalf("archive not compressed: %d bytes", len(stored))
	}
	if objects.types["outputs/"+key] != archiveContentType {
		t.Fatalf("content type = %q", objects.types["outputs/"+key])
	}

	out, err := archive.Get(context.Background(), key)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if out != in {
		t.Fatalf("round trip = %+v", out)
	}
}

func TestOutputArchiveRequiresSubmission(t *testing.T) {
	archive := NewOutputArchive(newMemObjects(), "outputs", "")
	if _, err := archive.Put(context.Background(), ArchivedOutput{}); err == nil {
		t.Fatal("expected error")
	}
}
