package api

import (
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"

	"github.com/marcus/greenloop/internal/jobs"
	"github.com/marcus/greenloop/internal/logging"
	"github.com/marcus/greenloop/internal/runner"
	"github.com/marcus/greenloop/internal/sandbox"
)

var validate = validator.New()

// RunTaskRequest starts a repair job.
type RunTaskRequest struct {
	RepoPath    string `json:"repo_path" validate:"required"`
	Instruction string `json:"instruction" validate:"required"`
	MaxIters    int    `json:"max_iters,omitempty" validate:"omitempty,min=1,max=50"`
	UseAider    *bool  `json:"use_aider,omitempty"`
}

// RunTaskResponse carries the id of the new job.
type RunTaskResponse struct {
	JobID string `json:"job_id"`
}

// ReindexRequest rebuilds a workspace's symbol index.
type ReindexRequest struct {
	RepoPath string `json:"repo_path" validate:"required"`
}

// ReindexResponse reports the number of indexed symbols.
type ReindexResponse struct {
	Count int `json:"count"`
}

// ErrorResponse is the body of every failed request.
type ErrorResponse struct {
	Error string `json:"error"`
}

type handlers struct {
	runner Runner
	logger *logging.Logger
	quit   <-chan struct{}
}

func abort(c *gin.Context, status int, err error) {
	c.AbortWithStatusJSON(status, ErrorResponse{Error: err.Error()})
}

// bindJSON decodes the body into v and runs struct validation.
func bindJSON(c *gin.Context, v any) error {
	if err := c.ShouldBindJSON(v); err != nil {
		return err
	}
	return validate.Struct(v)
}

func (h *handlers) runTask(c *gin.Context) {
	var req RunTaskRequest
	if err := bindJSON(c, &req); err != nil {
		abort(c, http.StatusBadRequest, err)
		return
	}
	if strings.TrimSpace(req.Instruction) == "" {
		abort(c, http.StatusBadRequest, runner.ErrEmptyGoal)
		return
	}

	job, err := h.runner.Submit(runner.Request{
		Goal:          req.Instruction,
		Workspace:     req.RepoPath,
		MaxIterations: req.MaxIters,
		UseRepairTool: req.UseAider,
	})
	switch {
	case errors.Is(err, runner.ErrEmptyGoal):
		abort(c, http.StatusBadRequest, err)
		return
	case errors.Is(err, runner.ErrClosed):
		abort(c, http.StatusServiceUnavailable, err)
		return
	case err != nil:
		abort(c, http.StatusInternalServerError, err)
		return
	}
	c.JSON(http.StatusOK, RunTaskResponse{JobID: job.ID})
}

func (h *handlers) getTask(c *gin.Context) {
	snap, err := h.runner.Get(c.Request.Context(), c.Param("id"))
	if errors.Is(err, jobs.ErrNotFound) {
		abort(c, http.StatusNotFound, jobs.ErrNotFound)
		return
	}
	if err != nil {
		abort(c, http.StatusInternalServerError, err)
		return
	}
	c.JSON(http.StatusOK, snap)
}

func (h *handlers) listTasks(c *gin.Context) {
	limit, err := strconv.Atoi(c.DefaultQuery("limit", "50"))
	if err != nil || limit <= 0 {
		abort(c, http.StatusBadRequest, errors.New("limit must be a positive integer"))
		return
	}
	list, err := h.runner.List(c.Request.Context(), limit)
	if err != nil {
		abort(c, http.StatusInternalServerError, err)
		return
	}
	if list == nil {
		list = []jobs.Snapshot{}
	}
	c.JSON(http.StatusOK, gin.H{"jobs": list})
}

func (h *handlers) cancelTask(c *gin.Context) {
	id := c.Param("id")
	err := h.runner.Cancel(id)
	switch {
	case errors.Is(err, jobs.ErrNotFound):
		abort(c, http.StatusNotFound, jobs.ErrNotFound)
	case errors.Is(err, jobs.ErrFinished):
		abort(c, http.StatusConflict, err)
	case err != nil:
		abort(c, http.StatusInternalServerError, err)
	default:
		c.JSON(http.StatusAccepted, gin.H{"job_id": id, "status": "cancelling"})
	}
}

func (h *handlers) reindex(c *gin.Context) {
	var req ReindexRequest
	if err := bindJSON(c, &req); err != nil {
		abort(c, http.StatusBadRequest, err)
		return
	}
	count, err := h.runner.Reindex(c.Request.Context(), req.RepoPath)
	if errors.Is(err, sandbox.ErrWorkspaceMissing) || errors.Is(err, sandbox.ErrNotDirectory) || errors.Is(err, sandbox.ErrNoWorkspace) {
		abort(c, http.StatusBadRequest, err)
		return
	}
	if err != nil {
		abort(c, http.StatusInternalServerError, err)
		return
	}
	c.JSON(http.StatusOK, ReindexResponse{Count: count})
}

func (h *handlers) health(c *gin.Context) {
	reg := h.runner.Registry()
	c.JSON(http.StatusOK, gin.H{
		"status":      "ok",
		"jobs":        reg.Len(),
		"jobs_active": len(reg.Active()),
	})
}
