package controller

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"querylab/internal/common/http/middleware"
	"querylab/internal/grader/grading"
	"querylab/internal/grader/model"
	"querylab/internal/grader/repository"
	"querylab/internal/grader/service"
	pkgerrors "querylab/pkg/errors"

	"github.com/gin-gonic/gin"
)

type stubService struct {
	submitReq  service.SubmitRequest
	submitResp *service.AttemptResponse
	submitErr  error

	historyArgs [4]int64
	history     []model.AttemptSummary

	schema map[string][]any

	outputArgs [3]int64
	output     *repository.ArchivedOutput
	outputErr  error
}

func (s *stubService) Submit(_ context.Context, req service.SubmitRequest) (*service.AttemptResponse, error) {
	s.submitReq = req
	return s.submitResp, s.submitErr
}

func (s *stubService) History(_ context.Context, userID, assignmentID int64, limit, offset int) ([]model.AttemptSummary, error) {
	s.historyArgs = [4]int64{userID, assignmentID, int64(limit), int64(offset)}
	return s.history, nil
}

func (s *stubService) Schema(_ context.Context, _ int64) (map[string][]any, error) {
	return s.schema, nil
}

func (s *stubService) Output(_ context.Context, userID, assignmentID, attemptID int64) (*repository.ArchivedOutput, error) {
	s.outputArgs = [3]int64{userID, assignmentID, attemptID}
	return s.output, s.outputErr
}

func newRouter(svc GradingService) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	api := r.Group("/api/v1", middleware.IdentityMiddleware(middleware.IdentityConfig{}))
	NewAttemptController(svc).Register(api)
	return r
}

func do(r http.Handler, method, path, body string, user string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	if user != "" {
		req.Header.Set("X-User-Id", user)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	if err := json.Unmarshal(w.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode %q: %v", w.Body.String(), err)
	}
	return out
}

func TestSubmitSuccess(t *testing.T) {
	svc := &stubService{submitResp: &service.AttemptResponse{
		Passed:       true,
		Tests:        []grading.Verdict{{TestID: 1, Passed: true}},
		ResultSample: []any{},
	}}
	w := do(newRouter(svc), http.MethodPost, "/api/v1/assignments/4/attempts", `{"code":"db.c.find()"}`, "7")

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d body = %s", w.Code, w.Body.String())
	}
	if svc.submitReq.AssignmentID != 4 || svc.submitReq.UserID != 7 || svc.submitReq.Code != "db.c.find()" {
		t.Fatalf("request = %+v", svc.submitReq)
	}
	body := decode(t, w)
	if body["passed"] != true {
		t.Fatalf("body = %v", body)
	}
	if _, ok := body["warning"]; ok {
		t.Fatalf("unexpected warning: %v", body)
	}
}

func TestSubmitErrorBodies(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		status int
		keys   []string
	}{
		{
			name:   "forbidden",
			err:    pkgerrors.New(pkgerrors.QueryForbidden),
			status: http.StatusForbidden,
		},
		{
			name: "required method",
			err: pkgerrors.New(pkgerrors.RequiredMethodMissing).WithMessage("Submission must use sort()").
				WithDetail("error_text", "Submission must use sort()").
				WithDetail("required_method", "sort"),
			status: http.StatusBadRequest,
			keys:   []string{"error_text", "required_method"},
		},
		{name: "timeout", err: pkgerrors.New(pkgerrors.SandboxTimeout), status: http.StatusGatewayTimeout},
		{name: "busy", err: pkgerrors.New(pkgerrors.SandboxBusy), status: http.StatusServiceUnavailable},
		{name: "not found", err: pkgerrors.New(pkgerrors.AssignmentNotFound), status: http.StatusNotFound},
		{name: "malformed", err: pkgerrors.New(pkgerrors.SandboxOutputInvalid), status: http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc := &stubService{submitErr: tt.err}
			w := do(newRouter(svc), http.MethodPost, "/api/v1/assignments/4/attempts", `{"code":"x"}`, "7")
			if w.Code != tt.status {
				t.Fatalf("status = %d", w.Code)
			}
			body := decode(t, w)
			if body["error"] != tt.err.Error() {
				t.Fatalf("error = %v", body["error"])
			}
			for _, k := range tt.keys {
				if _, ok := body[k]; !ok {
					t.Fatalf("missing %q in %v", k, body)
				}
			}
		})
	}
}

func TestSubmitBadRequests(t *testing.T) {
	svc := &stubService{}
	r := newRouter(svc)

	if w := do(r, http.MethodPost, "/api/v1/assignments/abc/attempts", `{"code":"x"}`, "7"); w.Code != http.StatusBadRequest {
		t.Fatalf("bad id status = %d", w.Code)
	}
	w := do(r, http.MethodPost, "/api/v1/assignments/4/attempts", `{"code": 5}`, "7")
	if w.Code != http.StatusBadRequest || decode(t, w)["error"] != "Body must be JSON with 'code' string" {
		t.Fatalf("non-string code: %d %s", w.Code, w.Body.String())
	}
	if w := do(r, http.MethodPost, "/api/v1/assignments/4/attempts", `{"code":"x"}`, ""); w.Code != http.StatusUnauthorized {
		t.Fatalf("anonymous status = %d", w.Code)
	}
}

func TestHistoryQueryParams(t *testing.T) {
	svc := &stubService{history: []model.AttemptSummary{{ID: 1, Status: model.AttemptOK}}}
	r := newRouter(svc)

	w := do(r, http.MethodGet, "/api/v1/assignments/4/attempts?limit=5&offset=10", "", "7")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	if svc.historyArgs != [4]int64{7, 4, 5, 10} {
		t.Fatalf("args = %v", svc.historyArgs)
	}
	var items []map[string]any
	if err := json.Unmarshal(w.Body.Bytes(), &items); err != nil || len(items) != 1 {
		t.Fatalf("body = %s", w.Body.String())
	}

	do(r, http.MethodGet, "/api/v1/assignments/4/attempts", "", "7")
	if svc.historyArgs[2] != 20 || svc.historyArgs[3] != 0 {
		t.Fatalf("default args = %v", svc.historyArgs)
	}

	if w := do(r, http.MethodGet, "/api/v1/assignments/4/attempts?limit=ten", "", "7"); w.Code != http.StatusBadRequest {
		t.Fatalf("invalid limit status = %d", w.Code)
	}
}

func TestSchemaEndpoint(t *testing.T) {
	svc := &stubService{schema: map[string][]any{"orders": {map[string]any{"a": 1.0}}}}
	w := do(newRouter(svc), http.MethodGet, "/api/v1/assignments/4/schema", "", "7")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	body := decode(t, w)
	if docs, ok := body["orders"].([]any); !ok || len(docs) != 1 {
		t.Fatalf("body = %v", body)
	}
}

func TestOutputEndpoint(t *testing.T) {
	svc := &stubService{output: &repository.ArchivedOutput{SubmissionID: "s-1", Status: "success", Stdout: "[]"}}
	w := do(newRouter(svc), http.MethodGet, "/api/v1/assignments/4/attempts/17/output", "", "7")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d %s", w.Code, w.Body.String())
	}
	if svc.outputArgs != [3]int64{7, 4, 17} {
		t.Fatalf("args = %v", svc.outputArgs)
	}
	body := decode(t, w)
	if body["submission_id"] != "s-1" || body["stdout"] != "[]" {
		t.Fatalf("body = %v", body)
	}

	tests := []struct {
		name   string
		path   string
		user   string
		err    error
		status int
	}{
		{name: "bad attempt id", path: "/api/v1/assignments/4/attempts/x/output", user: "7", status: http.StatusBadRequest},
		{name: "zero attempt id", path: "/api/v1/assignments/4/attempts/0/output", user: "7", status: http.StatusBadRequest},
		{name: "anonymous", path: "/api/v1/assignments/4/attempts/17/output", status: http.StatusUnauthorized},
		{
			name:   "not archived",
			path:   "/api/v1/assignments/4/attempts/17/output",
			user:   "7",
			err:    pkgerrors.New(pkgerrors.NotFound).WithMessage("Attempt output not available"),
			status: http.StatusNotFound,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc := &stubService{outputErr: tt.err}
			w := do(newRouter(svc), http.MethodGet, tt.path, "", tt.user)
			if w.Code != tt.status {
				t.Fatalf("status = %d", w.Code)
			}
			if tt.err != nil && decode(t, w)["error"] != tt.err.Error() {
				t.Fatalf("body = %s", w.Body.String())
			}
		})
	}
}
