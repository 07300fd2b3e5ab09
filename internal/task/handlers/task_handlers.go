// Package handlers exposes the task lifecycle over HTTP: create, query,
// list, cancel and the answer endpoint that wakes a kernel blocked on
// ask_user.
package handlers

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/autofleet/autofleet/internal/common/logger"
	"github.com/autofleet/autofleet/internal/task/models"
	"github.com/autofleet/autofleet/internal/task/repository"
	"github.com/autofleet/autofleet/internal/task/scheduler"
	v1 "github.com/autofleet/autofleet/pkg/api/v1"
)

type TaskHandlers struct {
	scheduler *scheduler.Scheduler
	logger    *logger.Logger
}

func NewTaskHandlers(sched *scheduler.Scheduler, log *logger.Logger) *TaskHandlers {
	return &TaskHandlers{
		scheduler: sched,
		logger:    log.WithFields(zap.String("component", "task-handlers")),
	}
}

func RegisterTaskRoutes(router *gin.Engine, sched *scheduler.Scheduler, log *logger.Logger) {
	h := NewTaskHandlers(sched, log)
	router.POST("/tasks", h.createTask)
	router.GET("/tasks", h.listTasks)
	router.GET("/tasks/:id", h.getTask)
	router.POST("/tasks/:id/cancel", h.cancelTask)
	router.POST("/tasks/:id/answer", h.answerTask)
}

// createTask decodes the submitted TaskSpec strictly: unknown fields,
// a blank instruction or an out-of-range priority are rejected before
// the task touches the queue.
func (h *TaskHandlers) createTask(c *gin.Context) {
	body, err := c.GetRawData()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "failed to read request body"})
		return
	}
	req, err := models.DecodeCreateRequest(body)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	task, err := h.scheduler.Create(c.Request.Context(), req)
	if err != nil {
		respondError(c, h.logger, err, "task not found")
		return
	}
	c.JSON(http.StatusCreated, task.ToAPI(false))
}

func (h *TaskHandlers) getTask(c *gin.Context) {
	task, err := h.scheduler.GetTask(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, h.logger, err, "task not found")
		return
	}
	c.JSON(http.StatusOK, task.ToAPI(true))
}

// listTasks mirrors the repository's paging rules so the echoed
// limit/offset match the page actually served.
func (h *TaskHandlers) listTasks(c *gin.Context) {
	q := repository.Query{
		Status:   c.Query("status"),
		DeviceID: c.Query("device_id"),
		Limit:    20,
	}
	if raw := c.Query("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 {
			q.Limit = n
		}
	}
	if q.Limit > 100 {
		q.Limit = 100
	}
	if raw := c.Query("offset"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 {
			q.Offset = n
		}
	}

	tasks, total, err := h.scheduler.ListTasks(c.Request.Context(), q)
	if err != nil {
		respondError(c, h.logger, err, "tasks not found")
		return
	}
	out := make([]v1.Task, 0, len(tasks))
	for _, t := range tasks {
		out = append(out, *t.ToAPI(false))
	}
	c.JSON(http.StatusOK, v1.TaskList{
		Tasks:  out,
		Total:  total,
		Limit:  q.Limit,
		Offset: q.Offset,
	})
}

func (h *TaskHandlers) cancelTask(c *gin.Context) {
	task, err := h.scheduler.Cancel(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, h.logger, err, "task not found")
		return
	}
	c.JSON(http.StatusOK, task.ToAPI(false))
}

func (h *TaskHandlers) answerTask(c *gin.Context) {
	var req v1.AnswerRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	if req.Answer == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "answer is required"})
		return
	}

	if err := h.scheduler.Answer(c.Request.Context(), c.Param("id"), req.Answer); err != nil {
		respondError(c, h.logger, err, "task not found")
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true})
}
