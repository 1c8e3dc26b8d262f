package response

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"querylab/pkg/errors"

	"github.com/gin-gonic/gin"
)

func newContext() (*gin.Context, *httptest.ResponseRecorder) {
	gin.SetMode(gin.TestMode)
	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	c.Request = httptest.NewRequest(http.MethodGet, "/", nil)
	return c, w
}

func TestErrorBodyCarriesDetails(t *testing.T) {
	c, w := newContext()
	c.Set("trace_id", "trace-1")

	Error(c, errors.New(errors.RequiredMethodMissing).
		WithMessage("Query must use aggregate").
		WithDetail("required_method", "aggregate"))

	if w.Code != http.StatusBadRequest {
		t.Fatalf("status = %d", w.Code)
	}
	var got map[string]any
	if err := json.Unmarshal(w.Body.Bytes(), &got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got["error"] != "Query must use aggregate" {
		t.Fatalf("error = %v", got["error"])
	}
	if got["required_method"] != "aggregate" {
		t.Fatalf("required_method = %v", got["required_method"])
	}
	if got["trace_id"] != "trace-1" {
		t.Fatalf("trace_id = %v", got["trace_id"])
	}
}

func TestErrorForeignIsInternal(t *testing.T) {
	c, w := newContext()
	Error(c, http.ErrBodyNotAllowed)
	if w.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d", w.Code)
	}
}

func TestSuccessWritesPayload(t *testing.T) {
	c, w := newContext()
	Success(c, gin.H{"passed": true})
	if w.Code != http.StatusOK || w.Body.String() != `{"passed":true}` {
		t.Fatalf("got %d %s", w.Code, w.Body.String())
	}
}
