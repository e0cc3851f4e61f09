package handlers

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/taskmesh/taskmesh/internal/common/logger"
	"github.com/taskmesh/taskmesh/internal/task/service"
	"github.com/taskmesh/taskmesh/internal/task/store"
)

// respondError maps service errors onto HTTP statuses. Anything unmapped
// is a 500 with the cause logged, never echoed.
func respondError(c *gin.Context, log *logger.Logger, err error) {
	var verr *service.ValidationError
	switch {
	case errors.Is(err, store.ErrTaskNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "task not found"})
	case errors.As(err, &verr):
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "validation failed",
			"details": verr.Errors,
		})
	case errors.Is(err, service.ErrTaskRunning):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	case errors.Is(err, service.ErrAlreadyTerminal):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	case errors.Is(err, service.ErrNoAgents):
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "no agents available"})
	default:
		log.Error("request failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "request failed"})
	}
}
