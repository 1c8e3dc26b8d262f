package controller

import (
	"context"
	"strconv"

	"querylab/internal/common/http/middleware"
	"querylab/internal/grader/model"
	"querylab/internal/grader/repository"
	"querylab/internal/grader/service"
	pkgerrors "querylab/pkg/errors"
	"querylab/pkg/utils/response"

	"github.com/gin-gonic/gin"
)

// GradingService is the service surface used by the handlers.
type GradingService interface {
	Submit(ctx context.Context, req service.SubmitRequest) (*service.AttemptResponse, error)
	History(ctx context.Context, userID, assignmentID int64, limit, offset int) ([]model.AttemptSummary, error)
	Schema(ctx context.Context, assignmentID int64) (map[string][]any, error)
	Output(ctx context.Context, userID, assignmentID, attemptID int64) (*repository.ArchivedOutput, error)
}

// AttemptController handles assignment attempt endpoints.
type AttemptController struct {
	svc GradingService
}

// NewAttemptController creates a new AttemptController.
func NewAttemptController(svc GradingService) *AttemptController {
	return &AttemptController{svc: svc}
}

// Register mounts the routes on group; identity must run first.
func (h *AttemptController) Register(group gin.IRoutes) {
	group.POST("/assignments/:id/attempts", h.Submit)
	group.GET("/assignments/:id/attempts", h.History)
	group.GET("/assignments/:id/attempts/:attempt_id/output", h.Output)
	group.GET("/assignments/:id/schema", h.Schema)
}

// SubmitAttemptRequest is the attempt payload.
type SubmitAttemptRequest struct {
	Code string `json:"code"`
}

// Submit grades one query.
func (h *AttemptController) Submit(c *gin.Context) {
	assignmentID, ok := assignmentParam(c)
	if !ok {
		return
	}
	userID, ok := middleware.UserID(c)
	if !ok {
		response.Error(c, pkgerrors.UnauthorizedError(""))
		return
	}

	var req SubmitAttemptRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, "Body must be JSON with 'code' string")
		return
	}

	resp, err := h.svc.Submit(c.Request.Context(), service.SubmitRequest{
		AssignmentID: assignmentID,
		UserID:       userID,
		Code:         req.Code,
	})
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Success(c, resp)
}

// History lists the caller's attempts, newest first.
func (h *AttemptController) History(c *gin.Context) {
	assignmentID, ok := assignmentParam(c)
	if !ok {
		return
	}
	userID, ok := middleware.UserID(c)
	if !ok {
		response.Error(c, pkgerrors.UnauthorizedError(""))
		return
	}

	limit, err := intQuery(c, "limit", 20)
	if err != nil {
		response.BadRequest(c, "Invalid limit")
		return
	}
	offset, err := intQuery(c, "offset", 0)
	if err != nil {
		response.BadRequest(c, "Invalid offset")
		return
	}

	items, err := h.svc.History(c.Request.Context(), userID, assignmentID, limit, offset)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Success(c, items)
}

// Output returns the archived shell output of one attempt.
func (h *AttemptController) Output(c *gin.Context) {
	assignmentID, ok := assignmentParam(c)
	if !ok {
		return
	}
	userID, ok := middleware.UserID(c)
	if !ok {
		response.Error(c, pkgerrors.UnauthorizedError(""))
		return
	}
	attemptID, err := strconv.ParseInt(c.Param("attempt_id"), 10, 64)
	if err != nil || attemptID <= 0 {
		response.BadRequest(c, "Invalid attempt id")
		return
	}

	out, err := h.svc.Output(c.Request.Context(), userID, assignmentID, attemptID)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Success(c, out)
}

// Schema lists collections with sample documents.
func (h *AttemptController) Schema(c *gin.Context) {
	assignmentID, ok := assignmentParam(c)
	if !ok {
		return
	}
	schema, err := h.svc.Schema(c.Request.Context(), assignmentID)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Success(c, schema)
}

func assignmentParam(c *gin.Context) (int64, bool) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || id <= 0 {
		response.BadRequest(c, "Invalid assignment id")
		return 0, false
	}
	return id, true
}

func intQuery(c *gin.Context, name string, fallback int) (int, error) {
	raw := c.Query(name)
	if raw == "" {
		return fallback, nil
	}
	return strconv.Atoi(raw)
}
