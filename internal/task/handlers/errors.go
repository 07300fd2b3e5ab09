package handlers

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/autofleet/autofleet/internal/common/logger"
	"github.com/autofleet/autofleet/internal/task/repository"
	"github.com/autofleet/autofleet/internal/task/scheduler"
)

// respondError maps scheduler and repository errors onto HTTP statuses.
// Anything unrecognised is logged and reported as a 500 without leaking
// internals to the client.
func respondError(c *gin.Context, log *logger.Logger, err error, fallback string) {
	switch {
	case errors.Is(err, repository.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": fallback})
	case errors.Is(err, scheduler.ErrNotCancellable),
		errors.Is(err, scheduler.ErrNotWaiting),
		errors.Is(err, scheduler.ErrNoPendingQuestion),
		errors.Is(err, scheduler.ErrAlreadyAnswered):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	case errors.Is(err, scheduler.ErrNotRunning):
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "scheduler is not running"})
	default:
		log.Error("request failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "request failed"})
	}
}
