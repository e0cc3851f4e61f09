// Package handlers exposes the task API over HTTP: submit, query, cancel
// and a server-sent event stream of live snapshots.
package handlers

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/taskmesh/taskmesh/internal/common/logger"
	"github.com/taskmesh/taskmesh/internal/task/dto"
	"github.com/taskmesh/taskmesh/internal/task/service"
)

type TaskHandlers struct {
	service *service.Service
	logger  *logger.Logger
}

func NewTaskHandlers(svc *service.Service, log *logger.Logger) *TaskHandlers {
	return &TaskHandlers{
		service: svc,
		logger:  log.WithFields(zap.String("component", "task-handlers")),
	}
}

func RegisterTaskRoutes(router *gin.Engine, svc *service.Service, log *logger.Logger) {
	handlers := NewTaskHandlers(svc, log)
	handlers.registerHTTP(router)
}

func (h *TaskHandlers) registerHTTP(router *gin.Engine) {
	api := router.Group("/api/v1")
	api.POST("/tasks/submit", h.httpSubmitTask)
	api.GET("/tasks", h.httpListTasks)
	api.GET("/tasks/:id", h.httpGetTask)
	api.GET("/tasks/:id/snapshot", h.httpGetSnapshot)
	api.GET("/tasks/:id/details", h.httpGetDetails)
	api.GET("/tasks/:id/stream", h.httpStreamTask)
	api.POST("/tasks/:id/cancel", h.httpCancelTask)
}

func (h *TaskHandlers) httpSubmitTask(c *gin.Context) {
	var body dto.SubmitRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payload"})
		return
	}

	accepted, err := h.service.Submit(c.Request.Context(), &body)
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusAccepted, accepted)
}

func (h *TaskHandlers) httpListTasks(c *gin.Context) {
	req := &dto.ListTasksRequest{
		ConversationID: c.Query("conversation_id"),
		Status:         c.Query("status"),
		AgentID:        c.Query("agent_id"),
		Search:         c.Query("search"),
	}
	if limit := c.Query("limit"); limit != "" {
		if parsed, err := strconv.Atoi(limit); err == nil && parsed > 0 {
			req.Limit = parsed
		}
	}
	if offset := c.Query("offset"); offset != "" {
		if parsed, err := strconv.Atoi(offset); err == nil && parsed > 0 {
			req.Offset = parsed
		}
	}

	resp, err := h.service.List(c.Request.Context(), req)
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, resp)
}

func (h *TaskHandlers) httpGetTask(c *gin.Context) {
	envelope, err := h.service.Envelope(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, envelope)
}

func (h *TaskHandlers) httpGetSnapshot(c *gin.Context) {
	snapshot, err := h.service.Snapshot(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, snapshot)
}

func (h *TaskHandlers) httpGetDetails(c *gin.Context) {
	details, err := h.service.Details(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, details)
}

func (h *TaskHandlers) httpCancelTask(c *gin.Context) {
	resp, err := h.service.Cancel(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, resp)
}
